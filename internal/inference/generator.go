package inference

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/SNU-RTOS/edgegen/internal/logger"
	"github.com/SNU-RTOS/edgegen/internal/logits"
)

// State is the decoding loop's position in its state machine:
// Idle -> Prefilling -> Decoding -> {Stopped, Exhausted, Error}.
type State int

const (
	StateIdle State = iota
	StatePrefilling
	StateDecoding
	StateStopped
	StateExhausted
	StateError
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StatePrefilling:
		return "prefilling"
	case StateDecoding:
		return "decoding"
	case StateStopped:
		return "stopped"
	case StateExhausted:
		return "exhausted"
	case StateError:
		return "error"
	default:
		return "unknown"
	}
}

var (
	ErrEmptySeed       = errors.New("inference: no prompt tokens and no start token to seed decoding")
	ErrNoPrefillRunner = errors.New("inference: prompt requires a prefill runner")
)

// PrefillRunner is the slice of the execution engine the loop needs for the
// single batched pass over the prompt.
type PrefillRunner interface {
	Capacity() int
	SetTokens(ids []int32) error
	SetPositions(pos []int32) error
	Invoke() error
}

// DecodeRunner is the slice of the execution engine the loop needs for
// incremental single-token passes.
type DecodeRunner interface {
	SetTokens(ids []int32) error
	SetPositions(pos []int32) error
	Invoke() error
	Logits() []float32
}

// TokenDecoder converts sampled token ids back to text.
type TokenDecoder interface {
	Decode(ids []int) (string, error)
}

// StreamFunc receives each decoded token as soon as it is sampled.
type StreamFunc func(token string)

// Generator drives one generation request: one prefill invocation over all
// prompt tokens but the last, then iterative decode invocations until a stop
// token is sampled, the step budget runs out, or an error occurs.
//
// A Generator is single-use and single-threaded; the bound runners share one
// KV cache and must never be invoked concurrently.
type Generator struct {
	Prefill   PrefillRunner // nil when the prompt fits in the seed token alone
	Decode    DecodeRunner
	Sampler   logits.Strategy
	Tokenizer TokenDecoder

	// StopToken terminates decoding when sampled; negative disables.
	StopToken int
	// MaxSteps bounds the number of decode steps; values <= 0 leave the
	// budget to the cache capacity.
	MaxSteps int
	// CacheCapacity is the maximum context length of the bound KV cache.
	CacheCapacity int

	Metrics *Metrics
	Log     logger.Logger

	state State
}

// State reports the loop's current state.
func (g *Generator) State() State {
	return g.state
}

// Run executes the loop. The prompt must already include any start token;
// its last token seeds the first decode step and is never fed through
// prefill. Text is streamed token by token; already streamed text is not
// rolled back on error.
func (g *Generator) Run(ctx context.Context, prompt []int, stream StreamFunc) (State, error) {
	if g.Log == nil {
		g.Log = logger.Default()
	}
	if g.Metrics == nil {
		g.Metrics = NewMetrics(nil)
	}

	if len(prompt) == 0 {
		g.state = StateError
		return g.state, ErrEmptySeed
	}

	prefillLen := len(prompt) - 1
	g.state = StatePrefilling
	if prefillLen > 0 {
		if g.Prefill == nil {
			g.state = StateError
			return g.state, ErrNoPrefillRunner
		}
		if prefillLen > g.Prefill.Capacity() {
			g.state = StateError
			return g.state, fmt.Errorf("inference: prefill runner capacity %d below prompt length %d", g.Prefill.Capacity(), prefillLen)
		}

		toks := make([]int32, prefillLen)
		pos := make([]int32, prefillLen)
		for i := 0; i < prefillLen; i++ {
			toks[i] = int32(prompt[i])
			pos[i] = int32(i)
		}
		if err := g.Prefill.SetTokens(toks); err != nil {
			g.state = StateError
			return g.state, err
		}
		if err := g.Prefill.SetPositions(pos); err != nil {
			g.state = StateError
			return g.state, err
		}

		start := time.Now()
		if err := g.Prefill.Invoke(); err != nil {
			g.state = StateError
			return g.state, fmt.Errorf("prefill: %w", err)
		}
		g.Metrics.PrefillDone(time.Since(start))
		g.Log.Debug("prefill complete", "tokens", prefillLen)
	}

	budget := g.CacheCapacity - prefillLen
	if g.MaxSteps > 0 && g.MaxSteps < budget {
		budget = g.MaxSteps
	}

	next := prompt[len(prompt)-1]
	pos := prefillLen

	g.state = StateDecoding
	decodeStart := time.Now()

	for step := 0; step < budget; step++ {
		if err := ctx.Err(); err != nil {
			g.state = StateError
			return g.state, err
		}

		stepStart := time.Now()
		if err := g.Decode.SetTokens([]int32{int32(next)}); err != nil {
			g.state = StateError
			return g.state, err
		}
		if err := g.Decode.SetPositions([]int32{int32(pos)}); err != nil {
			g.state = StateError
			return g.state, err
		}
		if err := g.Decode.Invoke(); err != nil {
			g.state = StateError
			return g.state, fmt.Errorf("decode step %d: %w", step, err)
		}
		inferDur := time.Since(stepStart)

		sampleStart := time.Now()
		id := g.Sampler.Sample(g.Decode.Logits())
		sampleDur := time.Since(sampleStart)

		// Stop tokens terminate before emission.
		if id == g.StopToken {
			g.state = StateStopped
			break
		}

		text, err := g.Tokenizer.Decode([]int{id})
		if err != nil {
			g.state = StateError
			return g.state, fmt.Errorf("decode token id %d: %w", id, err)
		}
		if stream != nil {
			stream(text)
		}

		first := g.Metrics.Tokens() == 0
		g.Metrics.AddStep(inferDur, sampleDur, time.Since(stepStart))
		if first {
			g.Metrics.SetTTFT(time.Since(decodeStart))
		}

		next = id
		pos++
	}

	if g.state == StateDecoding {
		g.state = StateExhausted
	}
	return g.state, nil
}
