package cgf

import "encoding/binary"

const (
	MagicCGF = "CGF\x00"

	// Current Major Version: 1 (Breaking changes only)
	CurrentMajor uint16 = 1

	// Current Minor Version
	CurrentMinor uint16 = 0
)

const (
	cgfHeaderSize = 40
	cgfAlign      = 64
)

type CGFHeader struct {
	Magic            [4]byte
	Major            uint16
	Minor            uint16
	HeaderSize       uint32
	SectionCount     uint32
	SectionDirOffset uint64
	FileSize         uint64
	Flags            uint64
}

func (h *CGFHeader) Valid() bool {
	if string(h.Magic[:]) != MagicCGF {
		return false
	}
	if h.HeaderSize < cgfHeaderSize {
		return false
	}
	if h.SectionCount == 0 {
		return false
	}
	return true
}

func (h *CGFHeader) Compatible() bool {
	return h.Major == CurrentMajor
}

func decodeHeader(b []byte) (*CGFHeader, bool) {
	if len(b) < cgfHeaderSize {
		return nil, false
	}
	h := &CGFHeader{}
	copy(h.Magic[:], b[0:4])
	h.Major = binary.LittleEndian.Uint16(b[4:6])
	h.Minor = binary.LittleEndian.Uint16(b[6:8])
	h.HeaderSize = binary.LittleEndian.Uint32(b[8:12])
	h.SectionCount = binary.LittleEndian.Uint32(b[12:16])
	h.SectionDirOffset = binary.LittleEndian.Uint64(b[16:24])
	h.FileSize = binary.LittleEndian.Uint64(b[24:32])
	h.Flags = binary.LittleEndian.Uint64(b[32:40])
	return h, true
}

func encodeHeader(h *CGFHeader) []byte {
	b := make([]byte, cgfHeaderSize)
	copy(b[0:4], h.Magic[:])
	binary.LittleEndian.PutUint16(b[4:6], h.Major)
	binary.LittleEndian.PutUint16(b[6:8], h.Minor)
	binary.LittleEndian.PutUint32(b[8:12], h.HeaderSize)
	binary.LittleEndian.PutUint32(b[12:16], h.SectionCount)
	binary.LittleEndian.PutUint64(b[16:24], h.SectionDirOffset)
	binary.LittleEndian.PutUint64(b[24:32], h.FileSize)
	binary.LittleEndian.PutUint64(b[32:40], h.Flags)
	return b
}
