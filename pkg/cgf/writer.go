package cgf

import (
	"errors"
	"io"
	"os"
)

// Writer builds a CGF file section by section.
//
// The writer reserves space for the header up-front and patches it during
// Finalise. Section payloads are written at 64-byte aligned offsets so
// consumers can cast tensor data out of an mmap directly.
type Writer struct {
	f        *os.File
	sections []CGFSection
	seen     map[SectionType]struct{}
	closed   bool
}

// NewWriter creates a new CGF writer targeting the given file.
// It truncates the file and reserves space for the header.
func NewWriter(f *os.File) (*Writer, error) {
	if f == nil {
		return nil, errors.New("cgf: nil file")
	}
	if err := f.Truncate(0); err != nil {
		return nil, err
	}
	if _, err := f.Seek(0, io.SeekStart); err != nil {
		return nil, err
	}

	w := &Writer{
		f:    f,
		seen: make(map[SectionType]struct{}),
	}
	if err := w.writeZeros(cgfHeaderSize); err != nil {
		return nil, err
	}
	if err := w.alignTo(cgfAlign); err != nil {
		return nil, err
	}
	return w, nil
}

// WriteSection writes a section payload and records it in the section table.
// A section type may only be written once.
func (w *Writer) WriteSection(typ SectionType, version uint32, data []byte) error {
	if w.closed {
		return errors.New("cgf: writer already finalised")
	}
	if _, ok := w.seen[typ]; ok {
		return errors.New("cgf: duplicate section")
	}

	if err := w.alignTo(cgfAlign); err != nil {
		return err
	}
	off, err := w.f.Seek(0, io.SeekCurrent)
	if err != nil {
		return err
	}
	if _, err := w.f.Write(data); err != nil {
		return err
	}

	w.seen[typ] = struct{}{}
	w.sections = append(w.sections, CGFSection{
		Type:    uint32(typ),
		Version: version,
		Offset:  uint64(off),
		Size:    uint64(len(data)),
	})
	return nil
}

// Offset reports the file offset the next aligned section payload would start at.
func (w *Writer) Offset() (uint64, error) {
	cur, err := w.f.Seek(0, io.SeekCurrent)
	if err != nil {
		return 0, err
	}
	off := uint64(cur)
	if rem := off % cgfAlign; rem != 0 {
		off += cgfAlign - rem
	}
	return off, nil
}

// Finalise writes the section directory, patches the header, and syncs the file.
// The underlying file is not closed.
func (w *Writer) Finalise() error {
	if w.closed {
		return errors.New("cgf: writer already finalised")
	}
	if len(w.sections) == 0 {
		return errors.New("cgf: no sections written")
	}
	w.closed = true

	if err := w.alignTo(cgfAlign); err != nil {
		return err
	}
	dirOff, err := w.f.Seek(0, io.SeekCurrent)
	if err != nil {
		return err
	}
	for _, sec := range w.sections {
		if _, err := w.f.Write(encodeSection(sec)); err != nil {
			return err
		}
	}
	end, err := w.f.Seek(0, io.SeekCurrent)
	if err != nil {
		return err
	}

	hdr := &CGFHeader{
		Major:            CurrentMajor,
		Minor:            CurrentMinor,
		HeaderSize:       cgfHeaderSize,
		SectionCount:     uint32(len(w.sections)),
		SectionDirOffset: uint64(dirOff),
		FileSize:         uint64(end),
	}
	copy(hdr.Magic[:], MagicCGF)

	if _, err := w.f.WriteAt(encodeHeader(hdr), 0); err != nil {
		return err
	}
	return w.f.Sync()
}

func (w *Writer) writeZeros(n int) error {
	_, err := w.f.Write(make([]byte, n))
	return err
}

func (w *Writer) alignTo(align int64) error {
	cur, err := w.f.Seek(0, io.SeekCurrent)
	if err != nil {
		return err
	}
	if rem := cur % align; rem != 0 {
		return w.writeZeros(int(align - rem))
	}
	return nil
}
