package kvcache

import (
	"errors"
	"testing"
	"unsafe"

	"github.com/SNU-RTOS/edgegen/pkg/cgf"
)

type fakeGraph struct {
	decl cgf.RunnerDecl
	ok   bool
}

func (g fakeGraph) DecodeDecl() (cgf.RunnerDecl, bool) {
	return g.decl, g.ok
}

func decodeDecl(layers int, ctx, kvHeads, headDim uint64) cgf.RunnerDecl {
	decl := cgf.RunnerDecl{
		Name:     "decode",
		Kind:     cgf.RunnerDecode,
		Capacity: 1,
		Inputs: []cgf.Slot{
			{Name: "tokens", Dims: []uint64{1}},
			{Name: "input_pos", Dims: []uint64{1}},
		},
	}
	for l := 0; l < layers; l++ {
		k := cgf.Slot{Name: "kv_cache_k_" + string(rune('0'+l)), Dims: []uint64{ctx, kvHeads, headDim}}
		v := cgf.Slot{Name: "kv_cache_v_" + string(rune('0'+l)), Dims: []uint64{ctx, kvHeads, headDim}}
		decl.Inputs = append(decl.Inputs, k, v)
		decl.Outputs = append(decl.Outputs, k, v)
	}
	return decl
}

func TestBuildDerivesLayers(t *testing.T) {
	c, err := Build(fakeGraph{decl: decodeDecl(3, 16, 2, 4), ok: true})
	if err != nil {
		t.Fatal(err)
	}
	if c.Layers() != 3 {
		t.Fatalf("layers = %d, want 3", c.Layers())
	}
	if c.Capacity() != 16 {
		t.Fatalf("capacity = %d, want 16", c.Capacity())
	}
	if len(c.Names()) != 6 {
		t.Fatalf("slot count = %d, want 6", len(c.Names()))
	}

	buf, ok := c.Slot("kv_cache_v_2")
	if !ok {
		t.Fatal("missing kv_cache_v_2")
	}
	if len(buf) != 16*2*4 {
		t.Fatalf("slot len = %d, want %d", len(buf), 16*2*4)
	}
	for _, v := range buf {
		if v != 0 {
			t.Fatal("cache not zero-initialised")
		}
	}
}

func TestBuildNoDecodeRunner(t *testing.T) {
	if _, err := Build(fakeGraph{}); !errors.Is(err, ErrNoDecodeRunner) {
		t.Fatalf("expected ErrNoDecodeRunner, got %v", err)
	}
}

func TestBuildZeroLayers(t *testing.T) {
	decl := cgf.RunnerDecl{
		Name: "decode",
		Kind: cgf.RunnerDecode,
		Inputs: []cgf.Slot{
			{Name: "tokens", Dims: []uint64{1}},
			{Name: "input_pos", Dims: []uint64{1}},
		},
	}
	if _, err := Build(fakeGraph{decl: decl, ok: true}); !errors.Is(err, ErrNoLayers) {
		t.Fatalf("expected ErrNoLayers, got %v", err)
	}
}

func TestBuffersAligned(t *testing.T) {
	c, err := Build(fakeGraph{decl: decodeDecl(1, 8, 1, 4), ok: true})
	if err != nil {
		t.Fatal(err)
	}
	for _, name := range c.Names() {
		buf, _ := c.Slot(name)
		if addr := uintptr(unsafe.Pointer(&buf[0])); addr%bufAlign != 0 {
			t.Fatalf("slot %s misaligned: %#x", name, addr)
		}
	}
}

func TestKeyValueAccessors(t *testing.T) {
	c, err := Build(fakeGraph{decl: decodeDecl(2, 8, 1, 4), ok: true})
	if err != nil {
		t.Fatal(err)
	}
	k1, _ := c.Slot("kv_cache_k_1")
	if &c.Key(1)[0] != &k1[0] {
		t.Fatal("Key(1) does not alias kv_cache_k_1")
	}
	if c.Value(1) == nil {
		t.Fatal("Value(1) missing")
	}
}
