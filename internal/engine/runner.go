package engine

import (
	"errors"
	"fmt"
	"strings"

	"github.com/SNU-RTOS/edgegen/internal/kvcache"
	"github.com/SNU-RTOS/edgegen/pkg/cgf"
)

var (
	ErrSlotUnbound  = errors.New("engine: cache slot has no matching entry")
	ErrSlotMismatch = errors.New("engine: slot shape mismatch")
	ErrNotFinalized = errors.New("engine: runner memory layout not finalized")
	ErrInvoke       = errors.New("engine: invocation failed")
)

// Runner is a named callable subgraph with fixed input/output tensor slots.
// A prefill runner processes up to Capacity token positions per invocation;
// a decode runner processes exactly one and produces logits.
//
// Key/value slots are aliased: the same cache buffer is bound as both input
// and output, and each invocation updates the slice for the current position
// in place after all reads of that slot have completed. Callers must not
// invoke overlapping runners concurrently against one cache.
type Runner struct {
	g    *Graph
	decl cgf.RunnerDecl

	tokens    []int32
	positions []int32
	logits    []float32

	// kv[layer] = {key buffer, value buffer}, bound from the arena.
	kv        []kvBinding
	finalized bool
}

type kvBinding struct {
	k []float32
	v []float32
}

func newRunner(g *Graph, decl cgf.RunnerDecl) (*Runner, error) {
	if decl.Kind != cgf.RunnerPrefill && decl.Kind != cgf.RunnerDecode {
		return nil, fmt.Errorf("unknown runner kind %d", decl.Kind)
	}
	if decl.Capacity == 0 {
		return nil, errors.New("runner declares zero capacity")
	}

	tok, ok := decl.InputSlot("tokens")
	if !ok || tok.Elems() != int(decl.Capacity) {
		return nil, errors.New("tokens slot missing or capacity mismatch")
	}
	pos, ok := decl.InputSlot("input_pos")
	if !ok || pos.Elems() != int(decl.Capacity) {
		return nil, errors.New("input_pos slot missing or capacity mismatch")
	}

	r := &Runner{
		g:         g,
		decl:      decl,
		tokens:    make([]int32, decl.Capacity),
		positions: make([]int32, decl.Capacity),
	}
	if decl.Kind == cgf.RunnerDecode {
		out, ok := decl.OutputSlot("logits")
		if !ok || out.Elems() != g.info.VocabSize {
			return nil, errors.New("logits slot missing or vocab mismatch")
		}
		r.logits = make([]float32, g.info.VocabSize)
	}
	return r, nil
}

func (r *Runner) Name() string {
	return r.decl.Name
}

func (r *Runner) Kind() cgf.RunnerKind {
	return r.decl.Kind
}

// Capacity is the maximum number of token positions per invocation.
func (r *Runner) Capacity() int {
	return int(r.decl.Capacity)
}

// Decl exposes the runner's on-disk declaration.
func (r *Runner) Decl() cgf.RunnerDecl {
	return r.decl
}

// Bind associates each cache buffer with the runner's matching input and
// output slot (same memory for both directions), then finalizes the runner's
// memory layout.
func Bind(r *Runner, cache *kvcache.Cache) error {
	kv := make([]kvBinding, cache.Layers())
	for _, slot := range r.decl.Inputs {
		if !strings.HasPrefix(slot.Name, kvcache.SlotPrefix) {
			continue
		}
		buf, ok := cache.Slot(slot.Name)
		if !ok {
			return fmt.Errorf("%w: %s", ErrSlotUnbound, slot.Name)
		}
		if len(buf) != slot.Elems() {
			return fmt.Errorf("%w: %s declares %d elements, cache holds %d", ErrSlotMismatch, slot.Name, slot.Elems(), len(buf))
		}
		if _, ok := r.decl.OutputSlot(slot.Name); !ok {
			return fmt.Errorf("%w: %s is not aliased as an output", ErrSlotMismatch, slot.Name)
		}

		layer, isKey, err := parseCacheSlotName(slot.Name)
		if err != nil {
			return err
		}
		if layer < 0 || layer >= len(kv) {
			return fmt.Errorf("%w: %s exceeds %d layers", ErrSlotMismatch, slot.Name, len(kv))
		}
		if isKey {
			kv[layer].k = buf
		} else {
			kv[layer].v = buf
		}
	}

	for l := range kv {
		if kv[l].k == nil || kv[l].v == nil {
			return fmt.Errorf("%w: layer %d incompletely bound", ErrSlotUnbound, l)
		}
	}

	r.kv = kv
	r.finalized = true
	return nil
}

func parseCacheSlotName(name string) (layer int, isKey bool, err error) {
	rest := strings.TrimPrefix(name, kvcache.SlotPrefix)
	switch {
	case strings.HasPrefix(rest, "k_"):
		isKey = true
		rest = rest[2:]
	case strings.HasPrefix(rest, "v_"):
		rest = rest[2:]
	default:
		return 0, false, fmt.Errorf("%w: malformed cache slot %s", ErrSlotMismatch, name)
	}
	if _, err := fmt.Sscanf(rest, "%d", &layer); err != nil {
		return 0, false, fmt.Errorf("%w: malformed cache slot %s", ErrSlotMismatch, name)
	}
	return layer, isKey, nil
}

// SetTokens writes token ids into the input slot, zero-padding the remainder
// up to the runner's capacity.
func (r *Runner) SetTokens(ids []int32) error {
	if len(ids) > len(r.tokens) {
		return fmt.Errorf("%w: %d tokens exceed capacity %d", ErrSlotMismatch, len(ids), len(r.tokens))
	}
	n := copy(r.tokens, ids)
	clear(r.tokens[n:])
	return nil
}

// SetPositions writes position indices into the input slot, zero-padding the
// remainder up to the runner's capacity.
func (r *Runner) SetPositions(pos []int32) error {
	if len(pos) > len(r.positions) {
		return fmt.Errorf("%w: %d positions exceed capacity %d", ErrSlotMismatch, len(pos), len(r.positions))
	}
	n := copy(r.positions, pos)
	clear(r.positions[n:])
	return nil
}

// Logits returns the output distribution of the last decode invocation.
func (r *Runner) Logits() []float32 {
	return r.logits
}

// Invoke executes the runner against its bound slots. Prefill runners process
// every populated position; decode runners process one position and fill the
// logits slot.
func (r *Runner) Invoke() error {
	if !r.finalized {
		return ErrNotFinalized
	}

	switch r.decl.Kind {
	case cgf.RunnerPrefill:
		n := r.effectiveLength()
		for i := 0; i < n; i++ {
			if err := r.g.forward(r.kv, r.tokens[i], r.positions[i], nil); err != nil {
				return fmt.Errorf("%w: position %d: %v", ErrInvoke, r.positions[i], err)
			}
		}
		return nil
	case cgf.RunnerDecode:
		if err := r.g.forward(r.kv, r.tokens[0], r.positions[0], r.logits); err != nil {
			return fmt.Errorf("%w: %v", ErrInvoke, err)
		}
		return nil
	default:
		return fmt.Errorf("%w: unknown runner kind", ErrInvoke)
	}
}

// effectiveLength is the populated prefix of the zero-padded input slots.
// Positions are strictly increasing from 0, so the last non-zero position
// marks the end of real input; an all-zero slot still carries one token.
func (r *Runner) effectiveLength() int {
	last := 0
	for i, p := range r.positions {
		if p != 0 {
			last = i
		}
	}
	return last + 1
}
