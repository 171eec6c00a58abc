package logits

import (
	"fmt"
	"math"
	"math/rand"
	"sort"
)

// Strategy maps a distribution of per-token scores to a single token id.
// Implementations are pure apart from their private random source; no
// sampling state is shared across calls.
type Strategy interface {
	Sample(logits []float32) int
}

// Config selects and parameterises a sampling strategy.
type Config struct {
	Kind        string // greedy | topk | topp | composite
	Temperature float32
	TopK        int
	TopP        float32
	Seed        int64
}

// New returns the strategy named by cfg.Kind.
func New(cfg Config) (Strategy, error) {
	rng := rand.New(rand.NewSource(cfg.Seed))
	switch cfg.Kind {
	case "greedy", "":
		return Greedy{}, nil
	case "topk":
		if cfg.TopK <= 0 {
			return nil, fmt.Errorf("logits: top-k requires k > 0, got %d", cfg.TopK)
		}
		return &TopK{K: cfg.TopK, rng: rng}, nil
	case "topp":
		if cfg.TopP <= 0 || cfg.TopP > 1 {
			return nil, fmt.Errorf("logits: top-p requires 0 < p <= 1, got %f", cfg.TopP)
		}
		return &TopP{P: cfg.TopP, rng: rng}, nil
	case "composite":
		if cfg.Temperature <= 0 {
			return nil, fmt.Errorf("logits: composite requires temperature > 0, got %f", cfg.Temperature)
		}
		if cfg.TopK <= 0 || cfg.TopP <= 0 || cfg.TopP > 1 {
			return nil, fmt.Errorf("logits: composite requires k > 0 and 0 < p <= 1")
		}
		return &Composite{Temperature: cfg.Temperature, K: cfg.TopK, P: cfg.TopP, rng: rng}, nil
	default:
		return nil, fmt.Errorf("logits: unknown strategy %q", cfg.Kind)
	}
}

// Greedy returns the argmax over raw scores. Deterministic.
type Greedy struct{}

func (Greedy) Sample(logits []float32) int {
	return argmax(logits)
}

// TopK keeps the K highest scores, renormalises their softmax probabilities,
// and draws one sample. K >= len(logits) degenerates to full categorical
// sampling over all tokens.
type TopK struct {
	K   int
	rng *rand.Rand

	topIdx []int
	topVal []float32
	prob   []float64
}

func (s *TopK) Sample(logits []float32) int {
	k := min(s.K, len(logits))
	s.topIdx, s.topVal = topKSelect(s.topIdx, s.topVal, logits, k, 1)
	s.prob = softmax64(s.prob, s.topVal)
	return s.topIdx[categorical(s.rng, s.prob)]
}

// TopP (nucleus) sorts tokens by descending probability, keeps the smallest
// prefix whose cumulative mass reaches P (inclusive of the crossing token),
// renormalises, and samples from the prefix.
type TopP struct {
	P   float32
	rng *rand.Rand

	idx  []int
	prob []float64
}

func (s *TopP) Sample(logits []float32) int {
	if cap(s.idx) < len(logits) {
		s.idx = make([]int, len(logits))
	}
	idx := s.idx[:len(logits)]
	for i := range idx {
		idx[i] = i
	}
	s.prob = softmax64(s.prob, logits)
	prob := s.prob
	sort.SliceStable(idx, func(a, b int) bool { return prob[idx[a]] > prob[idx[b]] })

	cut := len(idx)
	var mass float64
	for i, id := range idx {
		mass += prob[id]
		if float32(mass) >= s.P {
			cut = i + 1
			break
		}
	}

	r := s.rng.Float64() * mass
	var c float64
	for _, id := range idx[:cut] {
		c += prob[id]
		if r <= c {
			return id
		}
	}
	return idx[cut-1]
}

// Composite divides scores by temperature, shortlists the K most probable
// tokens, truncates the shortlist at cumulative mass P, renormalises, and
// samples from the remainder.
type Composite struct {
	Temperature float32
	K           int
	P           float32
	rng         *rand.Rand

	topIdx []int
	topVal []float32
	prob   []float64
}

func (s *Composite) Sample(logits []float32) int {
	k := min(s.K, len(logits))
	s.topIdx, s.topVal = topKSelect(s.topIdx, s.topVal, logits, k, 1/s.Temperature)
	s.prob = softmax64(s.prob, s.topVal)
	prob := s.prob

	cut := len(prob)
	var mass float64
	for i := range prob {
		mass += prob[i]
		if float32(mass) >= s.P {
			cut = i + 1
			break
		}
	}
	if cut == len(prob) {
		mass = 1
	}

	r := s.rng.Float64() * mass
	var c float64
	for i := 0; i < cut; i++ {
		c += prob[i]
		if r <= c {
			return s.topIdx[i]
		}
	}
	return s.topIdx[cut-1]
}

// argmax returns the index of the maximum value in the slice. If the slice is empty it panics.
func argmax(x []float32) int {
	if len(x) == 0 {
		panic("argmax: empty slice")
	}
	bestI := 0
	bestV := x[0]
	for i := 1; i < len(x); i++ {
		if x[i] > bestV {
			bestV = x[i]
			bestI = i
		}
	}
	return bestI
}

// topKSelect returns the indices and values of the k largest elements in
// logits, scaled by invTemp, ordered from largest to smallest.
// This is an O(V*K) algorithm suitable for small K.
func topKSelect(idxBuf []int, valBuf []float32, logits []float32, k int, invTemp float32) ([]int, []float32) {
	if cap(idxBuf) < k+1 {
		idxBuf = make([]int, 0, k+1)
		valBuf = make([]float32, 0, k+1)
	}
	topIdx := idxBuf[:0]
	topVal := valBuf[:0]

	for i, l := range logits {
		v := l * invTemp

		pos := len(topVal)
		for pos > 0 && topVal[pos-1] < v {
			pos--
		}
		if pos >= k {
			continue
		}

		topIdx = append(topIdx, 0)
		topVal = append(topVal, 0)

		copy(topIdx[pos+1:], topIdx[pos:])
		copy(topVal[pos+1:], topVal[pos:])
		topIdx[pos] = i
		topVal[pos] = v

		if len(topVal) > k {
			topIdx = topIdx[:k]
			topVal = topVal[:k]
		}
	}
	if len(topIdx) == 0 {
		return []int{0}, []float32{0}
	}
	return topIdx, topVal
}

// softmax64 computes a max-subtracted softmax of vals into buf.
// Exponentiating unshifted scores overflows for large-magnitude logits, so
// every strategy standardises on the stable form.
func softmax64(buf []float64, vals []float32) []float64 {
	if cap(buf) < len(vals) {
		buf = make([]float64, len(vals))
	}
	prob := buf[:len(vals)]
	if len(vals) == 0 {
		return prob
	}

	maxv := vals[0]
	for _, v := range vals[1:] {
		if v > maxv {
			maxv = v
		}
	}
	var sum float64
	for i, v := range vals {
		e := math.Exp(float64(v - maxv))
		prob[i] = e
		sum += e
	}
	if sum > 0 {
		inv := 1.0 / sum
		for i := range prob {
			prob[i] *= inv
		}
	}
	return prob
}

// categorical draws an index from a normalised distribution.
func categorical(rng *rand.Rand, prob []float64) int {
	r := rng.Float64()
	var c float64
	for i := range prob {
		c += prob[i]
		if r <= c {
			return i
		}
	}
	return len(prob) - 1
}
