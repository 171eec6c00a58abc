package inference

import (
	"fmt"
	"io"
	"time"
)

// Metrics accumulates per-token timings for one generation request and
// prints the summary lines the external evaluation harness parses.
type Metrics struct {
	w io.Writer

	prefill   time.Duration
	ttft      time.Duration
	inference time.Duration
	sampling  time.Duration
	decoding  time.Duration
	tokens    int
}

// NewMetrics creates a collector writing its report to w (nil discards).
func NewMetrics(w io.Writer) *Metrics {
	if w == nil {
		w = io.Discard
	}
	return &Metrics{w: w}
}

// PrefillDone records the prefill duration and emits the stage line
// immediately, so a run that dies mid-decode still reports it.
func (m *Metrics) PrefillDone(d time.Duration) {
	m.prefill = d
	fmt.Fprintf(m.w, "[INFO] Prefill Stage took %.3f ms\n", ms(d))
}

// AddStep accumulates one decode step's inference, sampling, and total time.
func (m *Metrics) AddStep(inference, sampling, total time.Duration) {
	m.inference += inference
	m.sampling += sampling
	m.decoding += total
	m.tokens++
}

// SetTTFT records the time to first token, relative to decode start.
func (m *Metrics) SetTTFT(d time.Duration) {
	m.ttft = d
}

// Tokens returns the number of generated tokens so far.
func (m *Metrics) Tokens() int {
	return m.tokens
}

// TTFT returns the recorded time to first token.
func (m *Metrics) TTFT() time.Duration {
	return m.ttft
}

// Rate derives tokens per second from an accumulated duration.
// Zero tokens or zero time reports 0 rather than failing.
func (m *Metrics) Rate(total time.Duration) float64 {
	if m.tokens == 0 || total <= 0 {
		return 0
	}
	return float64(m.tokens) / (ms(total) / 1000.0)
}

// Report prints the summary block after decoding completes.
func (m *Metrics) Report() {
	fmt.Fprintf(m.w, "[METRICS] Time To First Token : %.3f ms\n", ms(m.ttft))
	fmt.Fprintf(m.w, "[METRICS] Total Decoding Latency : %.3f ms\n", ms(m.decoding))
	fmt.Fprintf(m.w, "[METRICS] Total Inference Latency : %.3f ms\n", ms(m.inference))
	fmt.Fprintf(m.w, "[METRICS] Total Sampling Latency : %.3f ms\n", ms(m.sampling))
	fmt.Fprintf(m.w, "[METRICS] Total Number of Generated Tokens : %d tokens\n", m.tokens)
	fmt.Fprintf(m.w, "[METRICS] Decoding Throughput : %.2f tokens/sec\n", m.Rate(m.decoding))
	fmt.Fprintf(m.w, "[METRICS] Inference Throughput : %.2f tokens/sec\n", m.Rate(m.inference))
	fmt.Fprintf(m.w, "[METRICS] Sampling Throughput : %.2f tokens/sec\n", m.Rate(m.sampling))
}

func ms(d time.Duration) float64 {
	return float64(d.Nanoseconds()) / 1e6
}
