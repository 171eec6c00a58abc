package cgf

import "errors"

var (
	ErrInvalidMagic     = errors.New("invalid CGF magic")
	ErrUnsupportedMajor = errors.New("unsupported CGF major version")
	ErrCorruptFile      = errors.New("corrupt CGF file")
)
