package cgf

import (
	"bytes"
	"encoding/binary"
	"errors"
)

// TensorIndexVersion is the on-disk version of the tensor index section payload.
const TensorIndexVersion uint32 = 1

// TensorDType identifies the tensor element encoding.
// Keep these stable forever; add new values only.
type TensorDType uint32

const (
	DTypeUnknown TensorDType = iota
	DTypeF32
	DTypeBF16
)

func (t TensorDType) String() string {
	switch t {
	case DTypeF32:
		return "f32"
	case DTypeBF16:
		return "bf16"
	default:
		return "unknown"
	}
}

// ElemSize returns the byte size of one element, or 0 for unknown dtypes.
func (t TensorDType) ElemSize() int {
	switch t {
	case DTypeF32:
		return 4
	case DTypeBF16:
		return 2
	default:
		return 0
	}
}

// TensorRecord describes one named weight tensor.
// DataOff is an absolute file offset (from start of file), not section-relative,
// so slicing data out of the mmap is trivial.
type TensorRecord struct {
	Name     string
	DType    TensorDType
	Shape    []uint64
	DataOff  uint64
	DataSize uint64
}

// Elems returns the element count implied by the shape.
func (t *TensorRecord) Elems() int {
	n := uint64(1)
	for _, d := range t.Shape {
		n *= d
	}
	return int(n)
}

var errBadTensorIndex = errors.New("cgf: corrupt tensor index section")

// EncodeTensorIndexSection serialises tensor records into a section payload.
func EncodeTensorIndexSection(records []TensorRecord) []byte {
	var buf bytes.Buffer
	putU32 := func(v uint32) {
		var b [4]byte
		binary.LittleEndian.PutUint32(b[:], v)
		buf.Write(b[:])
	}
	putU64 := func(v uint64) {
		var b [8]byte
		binary.LittleEndian.PutUint64(b[:], v)
		buf.Write(b[:])
	}

	putU32(uint32(len(records)))
	for _, rec := range records {
		putU32(uint32(len(rec.Name)))
		buf.WriteString(rec.Name)
		putU32(uint32(rec.DType))
		putU32(uint32(len(rec.Shape)))
		for _, d := range rec.Shape {
			putU64(d)
		}
		putU64(rec.DataOff)
		putU64(rec.DataSize)
	}
	return buf.Bytes()
}

// ParseTensorIndexSection decodes and validates a tensor index section payload.
func ParseTensorIndexSection(sec []byte) ([]TensorRecord, error) {
	r := &sliceReader{b: sec}

	count, ok := r.u32()
	if !ok || count > uint32(len(sec)) {
		return nil, errBadTensorIndex
	}

	records := make([]TensorRecord, 0, count)
	for i := uint32(0); i < count; i++ {
		var rec TensorRecord
		name, ok := r.str()
		if !ok || name == "" {
			return nil, errBadTensorIndex
		}
		rec.Name = name

		dt, ok := r.u32()
		if !ok {
			return nil, errBadTensorIndex
		}
		rec.DType = TensorDType(dt)
		if rec.DType.ElemSize() == 0 {
			return nil, errBadTensorIndex
		}

		rank, ok := r.u32()
		if !ok || rank > 8 {
			return nil, errBadTensorIndex
		}
		rec.Shape = make([]uint64, rank)
		for j := range rec.Shape {
			if rec.Shape[j], ok = r.u64(); !ok {
				return nil, errBadTensorIndex
			}
		}
		if rec.DataOff, ok = r.u64(); !ok {
			return nil, errBadTensorIndex
		}
		if rec.DataSize, ok = r.u64(); !ok {
			return nil, errBadTensorIndex
		}
		if rec.DataSize != uint64(rec.Elems()*rec.DType.ElemSize()) {
			return nil, errBadTensorIndex
		}
		records = append(records, rec)
	}
	return records, nil
}
