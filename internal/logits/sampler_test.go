package logits

import "testing"

// TestGreedyDeterminism ensures greedy sampling always returns the argmax.
func TestGreedyDeterminism(t *testing.T) {
	logs := []float32{-1, 5, 3, 7, 2}
	s, err := New(Config{Kind: "greedy"})
	if err != nil {
		t.Fatal(err)
	}
	for i := 0; i < 10; i++ {
		if idx := s.Sample(logs); idx != 3 {
			t.Fatalf("expected greedy index 3, got %d", idx)
		}
	}
}

// TestTopKFullSupport checks that K >= vocabulary size leaves every token
// reachable, i.e. behaves as unrestricted categorical sampling.
func TestTopKFullSupport(t *testing.T) {
	logs := []float32{0, 0, 0, 0} // uniform
	s, err := New(Config{Kind: "topk", TopK: 10, Seed: 1})
	if err != nil {
		t.Fatal(err)
	}
	seen := map[int]bool{}
	for i := 0; i < 200; i++ {
		id := s.Sample(logs)
		if id < 0 || id >= len(logs) {
			t.Fatalf("sample %d out of range", id)
		}
		seen[id] = true
	}
	if len(seen) != len(logs) {
		t.Fatalf("expected full support, saw %d of %d tokens", len(seen), len(logs))
	}
}

// TestTopPDominantToken ensures that when the first token alone crosses the
// threshold, nucleus sampling only ever returns it.
func TestTopPDominantToken(t *testing.T) {
	logs := []float32{10, 0, 0, 0, 0}
	s, err := New(Config{Kind: "topp", TopP: 0.5, Seed: 7})
	if err != nil {
		t.Fatal(err)
	}
	for i := 0; i < 50; i++ {
		if idx := s.Sample(logs); idx != 0 {
			t.Fatalf("top-p sampling returned unexpected index %d", idx)
		}
	}
}

// TestTopPRetainedMass verifies the retained prefix covers at least P of the
// probability mass: tokens outside the nucleus must never be sampled.
func TestTopPRetainedMass(t *testing.T) {
	// softmax ≈ {0.474, 0.474, 0.026, 0.026}; P=0.9 keeps the first three.
	logs := []float32{3, 3, 0.1, 0.1}
	s, err := New(Config{Kind: "topp", TopP: 0.9, Seed: 3})
	if err != nil {
		t.Fatal(err)
	}
	for i := 0; i < 500; i++ {
		if idx := s.Sample(logs); idx == 3 {
			t.Fatal("sampled a token outside the nucleus")
		}
	}
}

// TestCompositeLowTemperatureNearGreedy checks that a sharp temperature
// collapses the composite strategy onto the argmax.
func TestCompositeLowTemperatureNearGreedy(t *testing.T) {
	logs := []float32{1, 4, 2, 0}
	s, err := New(Config{Kind: "composite", Temperature: 0.05, TopK: 4, TopP: 0.95, Seed: 11})
	if err != nil {
		t.Fatal(err)
	}
	for i := 0; i < 50; i++ {
		if idx := s.Sample(logs); idx != 1 {
			t.Fatalf("expected near-greedy index 1, got %d", idx)
		}
	}
}

// TestSeedDeterminism ensures two identically configured strategies draw the
// same sequence.
func TestSeedDeterminism(t *testing.T) {
	logs := []float32{0.5, 1.5, 0.1, 2.5, 1.0, 0.2}
	mk := func() Strategy {
		s, err := New(Config{Kind: "composite", Temperature: 0.9, TopK: 4, TopP: 0.95, Seed: 42})
		if err != nil {
			t.Fatal(err)
		}
		return s
	}
	a, b := mk(), mk()
	for i := 0; i < 20; i++ {
		if x, y := a.Sample(logs), b.Sample(logs); x != y {
			t.Fatalf("draw %d diverged: %d vs %d", i, x, y)
		}
	}
}

// TestLargeMagnitudeLogits guards the stable-softmax path against overflow.
func TestLargeMagnitudeLogits(t *testing.T) {
	logs := []float32{1000, 999, 900}
	s, err := New(Config{Kind: "topk", TopK: 2, Seed: 5})
	if err != nil {
		t.Fatal(err)
	}
	for i := 0; i < 50; i++ {
		if idx := s.Sample(logs); idx == 2 {
			t.Fatal("token outside the top-k shortlist was sampled")
		}
	}
}

func TestUnknownStrategy(t *testing.T) {
	if _, err := New(Config{Kind: "magic"}); err == nil {
		t.Fatal("expected error for unknown strategy")
	}
}
