package cgf

import (
	"io"
	"os"

	"golang.org/x/sys/unix"
)

type File struct {
	Data     []byte
	Header   *CGFHeader
	Sections []CGFSection
	mmapped  bool
}

// Open maps a CGF file read-only and validates its structure.
// If mmap is unavailable, it falls back to ReadAt-based loading.
// The returned file must be closed to release any mapping.
func Open(path string) (*File, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer func() { _ = f.Close() }()

	stat, err := f.Stat()
	if err != nil {
		return nil, err
	}

	size64 := stat.Size()
	if size64 < 0 {
		return nil, ErrCorruptFile
	}
	if size64 > int64(int(^uint(0)>>1)) {
		// cannot index this file safely as []byte on this architecture.
		return nil, ErrCorruptFile
	}
	size := int(size64)
	if size < cgfHeaderSize {
		return nil, ErrCorruptFile
	}

	// Prefer mmap where available for zero-copy tensor slices.
	data, err := unix.Mmap(
		int(f.Fd()),
		0,
		size,
		unix.PROT_READ,
		unix.MAP_SHARED,
	)
	if err == nil {
		cf, parseErr := parseFileData(data, true)
		if parseErr != nil {
			_ = unix.Munmap(data)
			return nil, parseErr
		}
		return cf, nil
	}

	// Fallback path that does not require mmap support.
	data, err = readAllAt(f, size)
	if err != nil {
		return nil, err
	}
	return parseFileData(data, false)
}

// OpenReaderAt loads and validates a CGF from a random-access reader without mmap.
func OpenReaderAt(r io.ReaderAt, size int64) (*File, error) {
	if size < 0 || size > int64(int(^uint(0)>>1)) {
		return nil, ErrCorruptFile
	}
	data, err := readAllAt(r, int(size))
	if err != nil {
		return nil, err
	}
	return parseFileData(data, false)
}

func readAllAt(r io.ReaderAt, size int) ([]byte, error) {
	if size < 0 {
		return nil, ErrCorruptFile
	}
	if size == 0 {
		return []byte{}, nil
	}
	out := make([]byte, size)
	var off int64
	for off < int64(size) {
		n, err := r.ReadAt(out[off:], off)
		off += int64(n)
		if err == nil {
			continue
		}
		if err == io.EOF && off == int64(size) {
			break
		}
		return nil, err
	}
	return out, nil
}

func parseFileData(data []byte, mmapped bool) (*File, error) {
	if len(data) < cgfHeaderSize {
		return nil, ErrCorruptFile
	}
	hdr, ok := decodeHeader(data[:cgfHeaderSize])
	if !ok {
		return nil, ErrCorruptFile
	}
	if !hdr.Valid() {
		return nil, ErrInvalidMagic
	}
	if !hdr.Compatible() {
		return nil, ErrUnsupportedMajor
	}
	if hdr.FileSize != uint64(len(data)) {
		return nil, ErrCorruptFile
	}

	dirEnd := hdr.SectionDirOffset + uint64(hdr.SectionCount)*sectionEntrySize
	if hdr.SectionDirOffset < uint64(hdr.HeaderSize) || dirEnd > uint64(len(data)) {
		return nil, ErrCorruptFile
	}

	sections := make([]CGFSection, hdr.SectionCount)
	for i := range sections {
		off := hdr.SectionDirOffset + uint64(i)*sectionEntrySize
		sec := decodeSection(data[off : off+sectionEntrySize])
		if sec.Offset > uint64(len(data)) || sec.End() > uint64(len(data)) || sec.End() < sec.Offset {
			return nil, ErrCorruptFile
		}
		sections[i] = sec
	}

	return &File{
		Data:     data,
		Header:   hdr,
		Sections: sections,
		mmapped:  mmapped,
	}, nil
}

// Section returns the first section of the given type, or nil.
func (f *File) Section(t SectionType) *CGFSection {
	if f == nil {
		return nil
	}
	for i := range f.Sections {
		if SectionType(f.Sections[i].Type) == t {
			return &f.Sections[i]
		}
	}
	return nil
}

// SectionData returns the raw payload bytes of a section, sliced from the mapping.
func (f *File) SectionData(sec *CGFSection) []byte {
	if f == nil || sec == nil {
		return nil
	}
	if sec.Offset > uint64(len(f.Data)) || sec.End() > uint64(len(f.Data)) {
		return nil
	}
	return f.Data[sec.Offset:sec.End()]
}

// Range returns len bytes at an absolute file offset, validating bounds.
func (f *File) Range(off, size uint64) ([]byte, error) {
	if f == nil {
		return nil, ErrCorruptFile
	}
	end := off + size
	if end < off || end > uint64(len(f.Data)) {
		return nil, ErrCorruptFile
	}
	return f.Data[off:end], nil
}

func (f *File) Close() error {
	if f == nil || f.Data == nil {
		return nil
	}
	var err error
	if f.mmapped {
		err = unix.Munmap(f.Data)
	}
	f.Data = nil
	f.Header = nil
	f.Sections = nil
	f.mmapped = false
	return err
}
