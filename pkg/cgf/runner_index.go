package cgf

import (
	"bytes"
	"encoding/binary"
	"errors"
)

// RunnerIndexVersion is the on-disk version of the runner index section payload.
const RunnerIndexVersion uint32 = 1

// RunnerKind tags a runner declaration. Keep values stable forever.
type RunnerKind uint32

const (
	RunnerUnknown RunnerKind = iota
	RunnerPrefill
	RunnerDecode
)

func (k RunnerKind) String() string {
	switch k {
	case RunnerPrefill:
		return "prefill"
	case RunnerDecode:
		return "decode"
	default:
		return "unknown"
	}
}

// Slot declares a named input or output tensor slot of a runner.
// A slot name present in both the input and output lists of one runner is
// aliased: the same buffer is bound in both directions and updated in place.
type Slot struct {
	Name string
	Dims []uint64
}

// Elems returns the declared element count of the slot.
func (s Slot) Elems() int {
	n := uint64(1)
	for _, d := range s.Dims {
		n *= d
	}
	return int(n)
}

// RunnerDecl is the declaration of one callable subgraph.
// Capacity is the maximum number of token positions a prefill runner accepts
// per invocation; a decode runner always has capacity 1.
type RunnerDecl struct {
	Name     string
	Kind     RunnerKind
	Capacity uint32
	Inputs   []Slot
	Outputs  []Slot
}

// InputSlot returns the declared input slot with the given name.
func (r *RunnerDecl) InputSlot(name string) (Slot, bool) {
	for _, s := range r.Inputs {
		if s.Name == name {
			return s, true
		}
	}
	return Slot{}, false
}

// OutputSlot returns the declared output slot with the given name.
func (r *RunnerDecl) OutputSlot(name string) (Slot, bool) {
	for _, s := range r.Outputs {
		if s.Name == name {
			return s, true
		}
	}
	return Slot{}, false
}

var errBadRunnerIndex = errors.New("cgf: corrupt runner index section")

// EncodeRunnerIndexSection serialises runner declarations into a section payload.
func EncodeRunnerIndexSection(runners []RunnerDecl) []byte {
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
	putStr := func(s string) {
		putU32(uint32(len(s)))
		buf.WriteString(s)
	}
	putSlots := func(slots []Slot) {
		putU32(uint32(len(slots)))
		for _, s := range slots {
			putStr(s.Name)
			putU32(uint32(len(s.Dims)))
			for _, d := range s.Dims {
				putU64(d)
			}
		}
	}

	putU32(uint32(len(runners)))
	for _, r := range runners {
		putStr(r.Name)
		putU32(uint32(r.Kind))
		putU32(r.Capacity)
		putSlots(r.Inputs)
		putSlots(r.Outputs)
	}
	return buf.Bytes()
}

// ParseRunnerIndexSection decodes and validates a runner index section payload.
func ParseRunnerIndexSection(sec []byte) ([]RunnerDecl, error) {
	r := &sliceReader{b: sec}

	count, ok := r.u32()
	if !ok {
		return nil, errBadRunnerIndex
	}
	if count > uint32(len(sec)) {
		return nil, errBadRunnerIndex
	}

	runners := make([]RunnerDecl, 0, count)
	for i := uint32(0); i < count; i++ {
		var decl RunnerDecl
		name, ok := r.str()
		if !ok || name == "" {
			return nil, errBadRunnerIndex
		}
		decl.Name = name

		kind, ok := r.u32()
		if !ok {
			return nil, errBadRunnerIndex
		}
		decl.Kind = RunnerKind(kind)

		capn, ok := r.u32()
		if !ok {
			return nil, errBadRunnerIndex
		}
		decl.Capacity = capn

		if decl.Inputs, ok = r.slots(); !ok {
			return nil, errBadRunnerIndex
		}
		if decl.Outputs, ok = r.slots(); !ok {
			return nil, errBadRunnerIndex
		}
		runners = append(runners, decl)
	}
	return runners, nil
}

type sliceReader struct {
	b   []byte
	off int
}

func (r *sliceReader) u32() (uint32, bool) {
	if r.off+4 > len(r.b) {
		return 0, false
	}
	v := binary.LittleEndian.Uint32(r.b[r.off:])
	r.off += 4
	return v, true
}

func (r *sliceReader) u64() (uint64, bool) {
	if r.off+8 > len(r.b) {
		return 0, false
	}
	v := binary.LittleEndian.Uint64(r.b[r.off:])
	r.off += 8
	return v, true
}

func (r *sliceReader) str() (string, bool) {
	n, ok := r.u32()
	if !ok || r.off+int(n) > len(r.b) {
		return "", false
	}
	s := string(r.b[r.off : r.off+int(n)])
	r.off += int(n)
	return s, true
}

func (r *sliceReader) slots() ([]Slot, bool) {
	count, ok := r.u32()
	if !ok || count > uint32(len(r.b)) {
		return nil, false
	}
	slots := make([]Slot, 0, count)
	for i := uint32(0); i < count; i++ {
		name, ok := r.str()
		if !ok || name == "" {
			return nil, false
		}
		rank, ok := r.u32()
		if !ok || rank > 8 {
			return nil, false
		}
		dims := make([]uint64, rank)
		for j := range dims {
			if dims[j], ok = r.u64(); !ok {
				return nil, false
			}
		}
		slots = append(slots, Slot{Name: name, Dims: dims})
	}
	return slots, true
}
