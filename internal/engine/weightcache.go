package engine

import (
	"encoding/binary"
	"fmt"
	"hash/fnv"
	"math"
	"os"
	"unsafe"

	"golang.org/x/sys/unix"
)

// The persistent weight cache stores the packed f32 weight blob so repeated
// process runs can mmap it instead of re-decoding the graph's tensors.
// A fingerprint of the graph's tensor index guards against stale caches.

const (
	wcMagic      = "EWC1"
	wcHeaderSize = 64 // magic + fingerprint + element count, padded so data stays 64-byte aligned
)

type weightCache struct {
	data    []byte
	floats  []float32
	mmapped bool
}

func fingerprint(b []byte) uint64 {
	h := fnv.New64a()
	_, _ = h.Write(b)
	return h.Sum64()
}

// openWeightCache validates and maps an existing cache file.
// A missing file is a miss (nil, nil), not an error.
func openWeightCache(path string, fp uint64, elems int) (*weightCache, error) {
	f, err := os.Open(path)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	defer func() { _ = f.Close() }()

	stat, err := f.Stat()
	if err != nil {
		return nil, err
	}
	want := int64(wcHeaderSize) + int64(elems)*4
	if stat.Size() != want {
		return nil, fmt.Errorf("weight cache size %d, want %d", stat.Size(), want)
	}

	data, err := unix.Mmap(int(f.Fd()), 0, int(want), unix.PROT_READ, unix.MAP_SHARED)
	if err == nil {
		wc := &weightCache{data: data, mmapped: true}
		if err := wc.validate(fp, elems); err != nil {
			_ = unix.Munmap(data)
			return nil, err
		}
		// The mapping is page-aligned, so this view is safely aligned.
		wc.floats = unsafe.Slice((*float32)(unsafe.Pointer(&data[wcHeaderSize])), elems)
		return wc, nil
	}

	// Fallback without mmap: decode into a fresh slice.
	data, err = os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	wc := &weightCache{data: data}
	if err := wc.validate(fp, elems); err != nil {
		return nil, err
	}
	floats := make([]float32, elems)
	for i := range floats {
		floats[i] = f32le(data[wcHeaderSize+i*4:])
	}
	wc.floats = floats
	return wc, nil
}

func (wc *weightCache) validate(fp uint64, elems int) error {
	if string(wc.data[:4]) != wcMagic {
		return fmt.Errorf("weight cache has bad magic")
	}
	if got := binary.LittleEndian.Uint64(wc.data[8:16]); got != fp {
		return fmt.Errorf("weight cache fingerprint %x does not match graph %x", got, fp)
	}
	if got := binary.LittleEndian.Uint64(wc.data[16:24]); got != uint64(elems) {
		return fmt.Errorf("weight cache holds %d elements, want %d", got, elems)
	}
	return nil
}

func (wc *weightCache) Close() error {
	if wc == nil || wc.data == nil {
		return nil
	}
	var err error
	if wc.mmapped {
		err = unix.Munmap(wc.data)
	}
	wc.data = nil
	wc.floats = nil
	wc.mmapped = false
	return err
}

// writeWeightCache persists the blob atomically (temp file + rename).
func writeWeightCache(path string, fp uint64, floats []float32) error {
	hdr := make([]byte, wcHeaderSize)
	copy(hdr, wcMagic)
	binary.LittleEndian.PutUint64(hdr[8:16], fp)
	binary.LittleEndian.PutUint64(hdr[16:24], uint64(len(floats)))

	body := make([]byte, len(floats)*4)
	for i, v := range floats {
		binary.LittleEndian.PutUint32(body[i*4:], math.Float32bits(v))
	}

	tmp := path + ".tmp"
	f, err := os.Create(tmp)
	if err != nil {
		return err
	}
	if _, err := f.Write(hdr); err != nil {
		_ = f.Close()
		_ = os.Remove(tmp)
		return err
	}
	if _, err := f.Write(body); err != nil {
		_ = f.Close()
		_ = os.Remove(tmp)
		return err
	}
	if err := f.Close(); err != nil {
		_ = os.Remove(tmp)
		return err
	}
	return os.Rename(tmp, path)
}

func f32le(b []byte) float32 {
	return math.Float32frombits(binary.LittleEndian.Uint32(b))
}
