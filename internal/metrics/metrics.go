// Package metrics tracks per-operation latency distributions with DDSketch,
// exposed as JSON on the proxy's debug endpoint.
package metrics

import (
	"fmt"
	"sync"
	"time"

	"github.com/DataDog/sketches-go/ddsketch"
)

// Operation names recorded by the proxy.
const (
	OpHit      = "hit"
	OpMiss     = "miss"
	OpManifest = "manifest"
	OpPrefetch = "prefetch"
)

// Stats is a summary of one operation's latency distribution. Values are
// in milliseconds.
type Stats struct {
	Count int64   `json:"count"`
	Min   float64 `json:"min_ms"`
	Max   float64 `json:"max_ms"`
	P50   float64 `json:"p50_ms"`
	P95   float64 `json:"p95_ms"`
	P99   float64 `json:"p99_ms"`
}

// LatencyTracker records operation latencies into one sketch per operation.
// Safe for concurrent use.
type LatencyTracker struct {
	relativeAccuracy float64

	mu       sync.Mutex
	sketches map[string]*ddsketch.DDSketch
}

// NewLatencyTracker creates a tracker with the given sketch relative
// accuracy (e.g. 0.01 for 1%).
func NewLatencyTracker(relativeAccuracy float64) *LatencyTracker {
	return &LatencyTracker{
		relativeAccuracy: relativeAccuracy,
		sketches:         make(map[string]*ddsketch.DDSketch),
	}
}

// Record adds one latency sample for the operation.
func (t *LatencyTracker) Record(op string, d time.Duration) {
	t.mu.Lock()
	defer t.mu.Unlock()

	sketch, ok := t.sketches[op]
	if !ok {
		var err error
		sketch, err = ddsketch.NewDefaultDDSketch(t.relativeAccuracy)
		if err != nil {
			return
		}
		t.sketches[op] = sketch
	}

	// DDSketch cannot hold non-positive values; clamp sub-microsecond
	// samples instead of dropping them.
	ms := float64(d.Microseconds()) / 1000.0
	if ms <= 0 {
		ms = 0.001
	}
	_ = sketch.Add(ms)
}

// GetStats returns the summary for one operation.
func (t *LatencyTracker) GetStats(op string) (Stats, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	sketch, ok := t.sketches[op]
	if !ok {
		return Stats{}, fmt.Errorf("no samples recorded for operation %q", op)
	}
	return summarize(sketch)
}

// GetAllStats returns summaries for every recorded operation.
func (t *LatencyTracker) GetAllStats() map[string]Stats {
	t.mu.Lock()
	defer t.mu.Unlock()

	all := make(map[string]Stats, len(t.sketches))
	for op, sketch := range t.sketches {
		stats, err := summarize(sketch)
		if err != nil {
			continue
		}
		all[op] = stats
	}
	return all
}

func summarize(sketch *ddsketch.DDSketch) (Stats, error) {
	min, err := sketch.GetMinValue()
	if err != nil {
		return Stats{}, err
	}
	max, err := sketch.GetMaxValue()
	if err != nil {
		return Stats{}, err
	}
	p50, err := sketch.GetValueAtQuantile(0.5)
	if err != nil {
		return Stats{}, err
	}
	p95, err := sketch.GetValueAtQuantile(0.95)
	if err != nil {
		return Stats{}, err
	}
	p99, err := sketch.GetValueAtQuantile(0.99)
	if err != nil {
		return Stats{}, err
	}
	return Stats{
		Count: int64(sketch.GetCount()),
		Min:   min,
		Max:   max,
		P50:   p50,
		P95:   p95,
		P99:   p99,
	}, nil
}
