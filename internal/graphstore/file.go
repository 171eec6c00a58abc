package graphstore

import (
	"encoding/binary"
	"errors"
	"fmt"
	"math"

	"github.com/SNU-RTOS/edgegen/pkg/cgf"
)

var ErrTensorNotFound = errors.New("graphstore: tensor not found")

// File is a typed view over an opened compiled-graph container.
// The underlying mapping is shared; tensor payloads reference it directly.
type File struct {
	file    *cgf.File
	info    *cgf.ModelInfo
	runners []cgf.RunnerDecl
	tensors map[string]cgf.TensorRecord
}

// Open maps a compiled graph file and parses its index sections.
func Open(path string) (*File, error) {
	cf, err := cgf.Open(path)
	if err != nil {
		return nil, err
	}

	f, err := fromContainer(cf)
	if err != nil {
		_ = cf.Close()
		return nil, err
	}
	return f, nil
}

func fromContainer(cf *cgf.File) (*File, error) {
	infoSec := cf.Section(cgf.SectionModelInfo)
	if infoSec == nil {
		return nil, errors.New("cgf: missing model info section")
	}
	info, err := cgf.ParseModelInfoSection(cf.SectionData(infoSec))
	if err != nil {
		return nil, err
	}

	runnerSec := cf.Section(cgf.SectionRunnerIndex)
	if runnerSec == nil {
		return nil, errors.New("cgf: missing runner index section")
	}
	runners, err := cgf.ParseRunnerIndexSection(cf.SectionData(runnerSec))
	if err != nil {
		return nil, err
	}

	indexSec := cf.Section(cgf.SectionTensorIndex)
	if indexSec == nil {
		return nil, errors.New("cgf: missing tensor index section")
	}
	records, err := cgf.ParseTensorIndexSection(cf.SectionData(indexSec))
	if err != nil {
		return nil, err
	}
	if cf.Section(cgf.SectionTensorData) == nil {
		return nil, errors.New("cgf: missing tensor data section")
	}

	tensors := make(map[string]cgf.TensorRecord, len(records))
	for _, rec := range records {
		if _, err := cf.Range(rec.DataOff, rec.DataSize); err != nil {
			return nil, fmt.Errorf("cgf: tensor %s: %w", rec.Name, err)
		}
		tensors[rec.Name] = rec
	}

	return &File{
		file:    cf,
		info:    info,
		runners: runners,
		tensors: tensors,
	}, nil
}

func (f *File) Close() error {
	if f == nil || f.file == nil {
		return nil
	}
	err := f.file.Close()
	f.file = nil
	f.info = nil
	f.runners = nil
	f.tensors = nil
	return err
}

func (f *File) Info() *cgf.ModelInfo {
	return f.info
}

func (f *File) Runners() []cgf.RunnerDecl {
	return f.runners
}

// TensorIndexRaw returns the raw tensor index payload. The engine fingerprints
// it to validate a persisted weight cache against the source graph.
func (f *File) TensorIndexRaw() []byte {
	if f == nil || f.file == nil {
		return nil
	}
	return f.file.SectionData(f.file.Section(cgf.SectionTensorIndex))
}

func (f *File) Tensor(name string) (cgf.TensorRecord, error) {
	if f == nil || f.tensors == nil {
		return cgf.TensorRecord{}, ErrTensorNotFound
	}
	rec, ok := f.tensors[name]
	if !ok {
		return cgf.TensorRecord{}, fmt.Errorf("%w: %s", ErrTensorNotFound, name)
	}
	return rec, nil
}

// ReadTensorF32 decodes a tensor payload into a freshly allocated f32 slice.
// BF16 payloads are widened; other dtypes are rejected at parse time.
func (f *File) ReadTensorF32(name string) ([]float32, cgf.TensorRecord, error) {
	rec, err := f.Tensor(name)
	if err != nil {
		return nil, cgf.TensorRecord{}, err
	}
	out := make([]float32, rec.Elems())
	if err := f.ReadTensorF32Into(name, out); err != nil {
		return nil, cgf.TensorRecord{}, err
	}
	return out, rec, nil
}

// ReadTensorF32Into decodes a tensor payload into dst, which must hold
// exactly the tensor's element count.
func (f *File) ReadTensorF32Into(name string, dst []float32) error {
	rec, err := f.Tensor(name)
	if err != nil {
		return err
	}
	raw, err := f.file.Range(rec.DataOff, rec.DataSize)
	if err != nil {
		return fmt.Errorf("tensor %s: %w", name, err)
	}

	n := rec.Elems()
	if len(dst) != n {
		return fmt.Errorf("tensor %s: destination holds %d elements, want %d", name, len(dst), n)
	}
	switch rec.DType {
	case cgf.DTypeF32:
		for i := 0; i < n; i++ {
			dst[i] = math.Float32frombits(binary.LittleEndian.Uint32(raw[i*4:]))
		}
	case cgf.DTypeBF16:
		for i := 0; i < n; i++ {
			u := binary.LittleEndian.Uint16(raw[i*2:])
			dst[i] = math.Float32frombits(uint32(u) << 16)
		}
	default:
		return fmt.Errorf("tensor %s: unsupported dtype %s", name, rec.DType)
	}
	return nil
}
