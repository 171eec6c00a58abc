package cgf

import "encoding/binary"

type SectionType uint32

const (
	SectionModelInfo   SectionType = 0x0001
	SectionRunnerIndex SectionType = 0x0002
	SectionTensorIndex SectionType = 0x0003
	SectionTensorData  SectionType = 0x0004
)

const sectionEntrySize = 24

type CGFSection struct {
	Type    uint32
	Version uint32
	Offset  uint64
	Size    uint64
}

func (s *CGFSection) End() uint64 {
	return s.Offset + s.Size
}

func decodeSection(b []byte) CGFSection {
	return CGFSection{
		Type:    binary.LittleEndian.Uint32(b[0:4]),
		Version: binary.LittleEndian.Uint32(b[4:8]),
		Offset:  binary.LittleEndian.Uint64(b[8:16]),
		Size:    binary.LittleEndian.Uint64(b[16:24]),
	}
}

func encodeSection(s CGFSection) []byte {
	b := make([]byte, sectionEntrySize)
	binary.LittleEndian.PutUint32(b[0:4], s.Type)
	binary.LittleEndian.PutUint32(b[4:8], s.Version)
	binary.LittleEndian.PutUint64(b[8:16], s.Offset)
	binary.LittleEndian.PutUint64(b[16:24], s.Size)
	return b
}
