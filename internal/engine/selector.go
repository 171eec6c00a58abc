package engine

import (
	"errors"
	"fmt"
	"strings"

	"github.com/SNU-RTOS/edgegen/internal/kvcache"
	"github.com/SNU-RTOS/edgegen/pkg/cgf"
)

var ErrNoRunner = errors.New("engine: no runner satisfies the request")

// SelectPrefill picks the prefill variant with the smallest capacity still
// holding tokenCount positions, tie-broken by declaration order.
// Adapter-specific variants are excluded unless an adapter is active; an
// active adapter gets the final say and may redirect to its specialised
// runner of the chosen capacity. The cache is bound before returning.
func SelectPrefill(g *Graph, tokenCount int, cache *kvcache.Cache, ad *Adapter) (*Runner, error) {
	if tokenCount <= 0 {
		return nil, fmt.Errorf("%w: prefill requested for %d tokens", ErrNoRunner, tokenCount)
	}

	var best *Runner
	for _, r := range g.runners {
		if r.Kind() != cgf.RunnerPrefill {
			continue
		}
		if ad == nil && strings.HasSuffix(r.Name(), adapterSuffix) {
			continue
		}
		if r.Capacity() < tokenCount {
			continue
		}
		if best == nil || r.Capacity() < best.Capacity() {
			best = r
		}
	}
	if best == nil {
		return nil, fmt.Errorf("%w: no prefill variant holds %d tokens", ErrNoRunner, tokenCount)
	}

	if ad != nil {
		best = ad.selectPrefill(g, best)
	}
	if err := Bind(best, cache); err != nil {
		return nil, err
	}
	return best, nil
}

// SelectDecode returns the decode runner (the adapter's specialised decode
// runner if one exists), bound to the cache.
func SelectDecode(g *Graph, cache *kvcache.Cache, ad *Adapter) (*Runner, error) {
	var base *Runner
	for _, r := range g.runners {
		if r.Kind() != cgf.RunnerDecode {
			continue
		}
		if strings.HasSuffix(r.Name(), adapterSuffix) {
			continue
		}
		base = r
		break
	}
	if base == nil {
		return nil, fmt.Errorf("%w: graph has no decode runner", ErrNoRunner)
	}

	chosen := base
	if ad != nil {
		if r, ok := g.Runner(base.Name() + adapterSuffix); ok {
			chosen = r
		}
	}
	if err := Bind(chosen, cache); err != nil {
		return nil, err
	}
	return chosen, nil
}
