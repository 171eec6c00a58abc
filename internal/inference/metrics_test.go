package inference

import (
	"strings"
	"testing"
	"time"
)

func TestMetricsReportLines(t *testing.T) {
	var buf strings.Builder
	m := NewMetrics(&buf)

	m.PrefillDone(12 * time.Millisecond)
	m.AddStep(8*time.Millisecond, 1*time.Millisecond, 10*time.Millisecond)
	m.SetTTFT(10 * time.Millisecond)
	m.AddStep(8*time.Millisecond, 1*time.Millisecond, 10*time.Millisecond)
	m.Report()

	out := buf.String()
	for _, want := range []string{
		"[INFO] Prefill Stage took 12.000 ms",
		"[METRICS] Time To First Token : 10.000 ms",
		"[METRICS] Total Decoding Latency : 20.000 ms",
		"[METRICS] Total Inference Latency : 16.000 ms",
		"[METRICS] Total Sampling Latency : 2.000 ms",
		"[METRICS] Total Number of Generated Tokens : 2 tokens",
		"[METRICS] Decoding Throughput : 100.00 tokens/sec",
	} {
		if !strings.Contains(out, want) {
			t.Errorf("report missing %q:\n%s", want, out)
		}
	}
}

func TestMetricsZeroTokens(t *testing.T) {
	var buf strings.Builder
	m := NewMetrics(&buf)
	m.Report()

	if got := m.Rate(time.Second); got != 0 {
		t.Fatalf("rate with zero tokens = %f, want 0", got)
	}
	if !strings.Contains(buf.String(), "Total Number of Generated Tokens : 0 tokens") {
		t.Fatalf("unexpected report:\n%s", buf.String())
	}
}

func TestMetricsNilWriter(t *testing.T) {
	m := NewMetrics(nil)
	m.PrefillDone(time.Millisecond)
	m.AddStep(time.Millisecond, time.Millisecond, time.Millisecond)
	m.Report()
	if m.Tokens() != 1 {
		t.Fatalf("tokens = %d, want 1", m.Tokens())
	}
}
