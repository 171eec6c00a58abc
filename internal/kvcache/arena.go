package kvcache

import (
	"errors"
	"fmt"
	"strings"
	"unsafe"

	"github.com/SNU-RTOS/edgegen/pkg/cgf"
)

var (
	ErrNoDecodeRunner = errors.New("kvcache: graph has no decode runner")
	ErrNoLayers       = errors.New("kvcache: decode runner declares no cache layers")
)

// bufAlign is the byte alignment of cache buffers, wide enough for any
// vector unit the kernels may target.
const bufAlign = 64

// SlotPrefix is the naming convention for key/value cache slots.
const SlotPrefix = "kv_cache_"

// Graph is the subset of the execution graph the arena inspects.
type Graph interface {
	DecodeDecl() (cgf.RunnerDecl, bool)
}

// Cache owns one key buffer and one value buffer per model layer.
// Buffer sizes are fixed at construction and never reallocated; prefill and
// decode runners bound to the same cache mutate the same memory in place.
type Cache struct {
	layers   int
	capacity int
	names    []string
	slots    map[string][]float32
}

// Build inspects the decode runner's declared input slots, derives the layer
// count as (inputSlotCount-2)/2 (token and position slots excluded), and
// allocates one zeroed, aligned buffer per cache slot.
func Build(g Graph) (*Cache, error) {
	decl, ok := g.DecodeDecl()
	if !ok {
		return nil, ErrNoDecodeRunner
	}

	layers := (len(decl.Inputs) - 2) / 2
	if layers <= 0 {
		return nil, ErrNoLayers
	}

	c := &Cache{
		layers: layers,
		slots:  make(map[string][]float32, 2*layers),
	}
	for _, slot := range decl.Inputs {
		if !strings.HasPrefix(slot.Name, SlotPrefix) {
			continue
		}
		if len(slot.Dims) == 0 || slot.Elems() == 0 {
			return nil, fmt.Errorf("kvcache: slot %s declares no shape", slot.Name)
		}
		if c.capacity == 0 {
			c.capacity = int(slot.Dims[0])
		} else if c.capacity != int(slot.Dims[0]) {
			return nil, fmt.Errorf("kvcache: slot %s capacity %d differs from %d", slot.Name, slot.Dims[0], c.capacity)
		}
		c.slots[slot.Name] = alignedSlice(slot.Elems())
		c.names = append(c.names, slot.Name)
	}
	if len(c.slots) != 2*layers {
		return nil, fmt.Errorf("kvcache: expected %d cache slots, found %d", 2*layers, len(c.slots))
	}
	return c, nil
}

// Layers returns the number of model layers the cache covers.
func (c *Cache) Layers() int {
	return c.layers
}

// Capacity returns the maximum number of token positions the cache holds.
func (c *Cache) Capacity() int {
	return c.capacity
}

// Slot returns the buffer for a cache slot name.
func (c *Cache) Slot(name string) ([]float32, bool) {
	buf, ok := c.slots[name]
	return buf, ok
}

// Names returns the cache slot names in declaration order.
func (c *Cache) Names() []string {
	return c.names
}

// Key returns the key buffer for a layer.
func (c *Cache) Key(layer int) []float32 {
	return c.slots[fmt.Sprintf("%sk_%d", SlotPrefix, layer)]
}

// Value returns the value buffer for a layer.
func (c *Cache) Value(layer int) []float32 {
	return c.slots[fmt.Sprintf("%sv_%d", SlotPrefix, layer)]
}

// alignedSlice allocates n float32s whose first element sits on a bufAlign
// boundary. Go allocations only guarantee 8-byte alignment.
func alignedSlice(n int) []float32 {
	pad := bufAlign / 4
	buf := make([]float32, n+pad)
	addr := uintptr(unsafe.Pointer(&buf[0]))
	off := 0
	if rem := addr % bufAlign; rem != 0 {
		off = int((bufAlign - rem) / 4)
	}
	return buf[off : off+n : off+n]
}
