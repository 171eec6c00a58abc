package inference

import (
	"context"
	"errors"
	"testing"

	"github.com/SNU-RTOS/edgegen/internal/logits"
)

type fakePrefill struct {
	capacity int
	tokens   []int32
	pos      []int32
	invoked  int
	err      error
}

func (f *fakePrefill) Capacity() int { return f.capacity }

func (f *fakePrefill) SetTokens(ids []int32) error {
	f.tokens = append([]int32(nil), ids...)
	return nil
}

func (f *fakePrefill) SetPositions(pos []int32) error {
	f.pos = append([]int32(nil), pos...)
	return nil
}

func (f *fakePrefill) Invoke() error {
	f.invoked++
	return f.err
}

// fakeDecode replays a fixed sequence of distributions, one per invocation,
// repeating the last when the sequence runs out.
type fakeDecode struct {
	seq     [][]float32
	tokens  []int32
	pos     []int32
	invoked int
	failAt  int // 1-based invocation to fail on; 0 disables
}

func (f *fakeDecode) SetTokens(ids []int32) error {
	f.tokens = append(f.tokens, ids...)
	return nil
}

func (f *fakeDecode) SetPositions(pos []int32) error {
	f.pos = append(f.pos, pos...)
	return nil
}

func (f *fakeDecode) Invoke() error {
	f.invoked++
	if f.failAt > 0 && f.invoked == f.failAt {
		return errors.New("invoke blew up")
	}
	return nil
}

func (f *fakeDecode) Logits() []float32 {
	i := f.invoked - 1
	if i >= len(f.seq) {
		i = len(f.seq) - 1
	}
	return f.seq[i]
}

type fakeTokenizer struct{}

func (fakeTokenizer) Decode(ids []int) (string, error) {
	return string(rune('a' + ids[0])), nil
}

func greedy(t *testing.T) logits.Strategy {
	t.Helper()
	s, err := logits.New(logits.Config{Kind: "greedy"})
	if err != nil {
		t.Fatal(err)
	}
	return s
}

func dist(vocab, peak int) []float32 {
	d := make([]float32, vocab)
	d[peak] = 10
	return d
}

func TestRunExhaustsStepBudget(t *testing.T) {
	pre := &fakePrefill{capacity: 8}
	dec := &fakeDecode{seq: [][]float32{dist(8, 1)}}
	g := &Generator{
		Prefill:       pre,
		Decode:        dec,
		Sampler:       greedy(t),
		Tokenizer:     fakeTokenizer{},
		StopToken:     -1,
		MaxSteps:      5,
		CacheCapacity: 100,
	}

	var out string
	state, err := g.Run(context.Background(), []int{3, 4, 5}, func(s string) { out += s })
	if err != nil {
		t.Fatal(err)
	}
	if state != StateExhausted {
		t.Fatalf("state = %v, want exhausted", state)
	}
	if dec.invoked != 5 {
		t.Fatalf("decode invoked %d times, want 5", dec.invoked)
	}
	if len(out) != 5 {
		t.Fatalf("emitted %q, want 5 tokens", out)
	}
	if pre.invoked != 1 {
		t.Fatalf("prefill invoked %d times, want 1", pre.invoked)
	}
}

func TestRunStopsOnStopToken(t *testing.T) {
	// Steps emit 1, 2, then sample the stop token 7.
	dec := &fakeDecode{seq: [][]float32{dist(8, 1), dist(8, 2), dist(8, 7)}}
	g := &Generator{
		Prefill:       &fakePrefill{capacity: 8},
		Decode:        dec,
		Sampler:       greedy(t),
		Tokenizer:     fakeTokenizer{},
		StopToken:     7,
		MaxSteps:      10,
		CacheCapacity: 100,
		Metrics:       NewMetrics(nil),
	}

	var out string
	state, err := g.Run(context.Background(), []int{3, 4}, func(s string) { out += s })
	if err != nil {
		t.Fatal(err)
	}
	if state != StateStopped {
		t.Fatalf("state = %v, want stopped", state)
	}
	// The stop token is checked before emission and never counted.
	if len(out) != 2 {
		t.Fatalf("emitted %q, want 2 tokens", out)
	}
	if g.Metrics.Tokens() != 2 {
		t.Fatalf("metrics counted %d tokens, want 2", g.Metrics.Tokens())
	}
}

func TestBudgetCappedByCacheCapacity(t *testing.T) {
	dec := &fakeDecode{seq: [][]float32{dist(8, 1)}}
	g := &Generator{
		Prefill:       &fakePrefill{capacity: 4},
		Decode:        dec,
		Sampler:       greedy(t),
		Tokenizer:     fakeTokenizer{},
		StopToken:     -1,
		MaxSteps:      10,
		CacheCapacity: 4,
	}

	// Prompt of 3: prefill covers positions 0..1, decode may take 4-2=2 steps.
	state, err := g.Run(context.Background(), []int{0, 1, 2}, nil)
	if err != nil {
		t.Fatal(err)
	}
	if state != StateExhausted {
		t.Fatalf("state = %v, want exhausted", state)
	}
	if dec.invoked != 2 {
		t.Fatalf("decode invoked %d times, want 2", dec.invoked)
	}
	for _, p := range dec.pos {
		if int(p) > g.CacheCapacity-1 {
			t.Fatalf("position %d exceeds cache bound %d", p, g.CacheCapacity-1)
		}
	}
}

func TestPositionsStrictlyIncrease(t *testing.T) {
	dec := &fakeDecode{seq: [][]float32{dist(8, 1)}}
	g := &Generator{
		Prefill:       &fakePrefill{capacity: 8},
		Decode:        dec,
		Sampler:       greedy(t),
		Tokenizer:     fakeTokenizer{},
		StopToken:     -1,
		MaxSteps:      4,
		CacheCapacity: 100,
	}
	if _, err := g.Run(context.Background(), []int{3, 4, 5}, nil); err != nil {
		t.Fatal(err)
	}

	want := int32(2) // prompt length 3, prefill covers 0..1
	for _, p := range dec.pos {
		if p != want {
			t.Fatalf("position %d, want %d", p, want)
		}
		want++
	}
}

func TestPrefillReceivesAllButLastToken(t *testing.T) {
	pre := &fakePrefill{capacity: 8}
	g := &Generator{
		Prefill:       pre,
		Decode:        &fakeDecode{seq: [][]float32{dist(8, 1)}},
		Sampler:       greedy(t),
		Tokenizer:     fakeTokenizer{},
		StopToken:     -1,
		MaxSteps:      1,
		CacheCapacity: 100,
	}
	if _, err := g.Run(context.Background(), []int{5, 6, 7, 2}, nil); err != nil {
		t.Fatal(err)
	}

	if len(pre.tokens) != 3 || pre.tokens[0] != 5 || pre.tokens[2] != 7 {
		t.Fatalf("prefill tokens = %v, want [5 6 7]", pre.tokens)
	}
	if len(pre.pos) != 3 || pre.pos[0] != 0 || pre.pos[2] != 2 {
		t.Fatalf("prefill positions = %v, want [0 1 2]", pre.pos)
	}
}

func TestSingleTokenPromptSkipsPrefill(t *testing.T) {
	dec := &fakeDecode{seq: [][]float32{dist(8, 1)}}
	g := &Generator{
		Decode:        dec,
		Sampler:       greedy(t),
		Tokenizer:     fakeTokenizer{},
		StopToken:     -1,
		MaxSteps:      2,
		CacheCapacity: 16,
	}
	state, err := g.Run(context.Background(), []int{4}, nil)
	if err != nil {
		t.Fatal(err)
	}
	if state != StateExhausted {
		t.Fatalf("state = %v, want exhausted", state)
	}
	if dec.pos[0] != 0 {
		t.Fatalf("first decode position = %d, want 0", dec.pos[0])
	}
}

func TestEmptyPromptFails(t *testing.T) {
	g := &Generator{
		Decode:        &fakeDecode{seq: [][]float32{dist(8, 1)}},
		Sampler:       greedy(t),
		Tokenizer:     fakeTokenizer{},
		StopToken:     -1,
		CacheCapacity: 16,
	}
	state, err := g.Run(context.Background(), nil, nil)
	if !errors.Is(err, ErrEmptySeed) {
		t.Fatalf("err = %v, want ErrEmptySeed", err)
	}
	if state != StateError {
		t.Fatalf("state = %v, want error", state)
	}
}

func TestPromptWithoutPrefillRunnerFails(t *testing.T) {
	g := &Generator{
		Decode:        &fakeDecode{seq: [][]float32{dist(8, 1)}},
		Sampler:       greedy(t),
		Tokenizer:     fakeTokenizer{},
		StopToken:     -1,
		CacheCapacity: 16,
	}
	if _, err := g.Run(context.Background(), []int{1, 2}, nil); !errors.Is(err, ErrNoPrefillRunner) {
		t.Fatalf("err = %v, want ErrNoPrefillRunner", err)
	}
}

func TestDecodeInvokeErrorTerminates(t *testing.T) {
	dec := &fakeDecode{seq: [][]float32{dist(8, 1)}, failAt: 2}
	g := &Generator{
		Prefill:       &fakePrefill{capacity: 8},
		Decode:        dec,
		Sampler:       greedy(t),
		Tokenizer:     fakeTokenizer{},
		StopToken:     -1,
		MaxSteps:      5,
		CacheCapacity: 100,
	}

	var out string
	state, err := g.Run(context.Background(), []int{3, 4}, func(s string) { out += s })
	if err == nil {
		t.Fatal("expected invoke error")
	}
	if state != StateError {
		t.Fatalf("state = %v, want error", state)
	}
	// Text streamed before the failure stays emitted.
	if len(out) != 1 {
		t.Fatalf("emitted %q, want the first token only", out)
	}
}

func TestCancelledContextStopsLoop(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	g := &Generator{
		Decode:        &fakeDecode{seq: [][]float32{dist(8, 1)}},
		Sampler:       greedy(t),
		Tokenizer:     fakeTokenizer{},
		StopToken:     -1,
		MaxSteps:      5,
		CacheCapacity: 16,
	}
	if state, err := g.Run(ctx, []int{1}, nil); err == nil || state != StateError {
		t.Fatalf("state = %v err = %v, want error from cancelled context", state, err)
	}
}
