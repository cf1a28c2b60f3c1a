// Package metrics tracks per-operation cache latencies and hit/miss/error
// counts. Latency quantiles are estimated with DDSketch.
package metrics

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/DataDog/sketches-go/ddsketch"
)

// Tracker accumulates latency sketches and outcome counters keyed by
// operation name ("load", "save", ...).
type Tracker struct {
	mu               sync.Mutex
	sketches         map[string]*ddsketch.DDSketch
	hits             map[string]int64
	misses           map[string]int64
	errors           map[string]int64
	relativeAccuracy float64
}

// NewTracker creates a tracker. relativeAccuracy determines the accuracy of
// quantile estimates (e.g., 0.01 = 1% accuracy).
func NewTracker(relativeAccuracy float64) *Tracker {
	return &Tracker{
		sketches:         make(map[string]*ddsketch.DDSketch),
		hits:             make(map[string]int64),
		misses:           make(map[string]int64),
		errors:           make(map[string]int64),
		relativeAccuracy: relativeAccuracy,
	}
}

// Record records a duration for the given operation.
func (t *Tracker) Record(operation string, duration time.Duration) {
	t.mu.Lock()
	defer t.mu.Unlock()

	sketch, exists := t.sketches[operation]
	if !exists {
		var err error
		sketch, err = ddsketch.LogUnboundedDenseDDSketch(t.relativeAccuracy)
		if err != nil {
			// Fallback to the default sketch construction
			sketch, _ = ddsketch.NewDefaultDDSketch(t.relativeAccuracy)
		}
		t.sketches[operation] = sketch
	}

	// Durations are recorded in milliseconds
	sketch.Add(float64(duration.Microseconds()) / 1000.0)
}

// Hit counts a cache hit for the operation.
func (t *Tracker) Hit(operation string) {
	t.mu.Lock()
	t.hits[operation]++
	t.mu.Unlock()
}

// Miss counts a cache miss for the operation.
func (t *Tracker) Miss(operation string) {
	t.mu.Lock()
	t.misses[operation]++
	t.mu.Unlock()
}

// Error counts a failed operation.
func (t *Tracker) Error(operation string) {
	t.mu.Lock()
	t.errors[operation]++
	t.mu.Unlock()
}

// Stats holds latency quantiles (milliseconds) and outcome counters for one
// operation.
type Stats struct {
	Operation string
	Count     int64
	Hits      int64
	Misses    int64
	Errors    int64
	Min       float64
	P50       float64
	P90       float64
	P95       float64
	P99       float64
	Max       float64
}

// GetQuantile returns the latency value at the given quantile for the
// operation. quantile is between 0 and 1 (0.5 for median, 0.99 for p99).
func (t *Tracker) GetQuantile(operation string, quantile float64) (float64, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	sketch, exists := t.sketches[operation]
	if !exists {
		return 0, fmt.Errorf("no data for operation: %s", operation)
	}
	return sketch.GetValueAtQuantile(quantile)
}

// GetStats returns statistics for the given operation.
func (t *Tracker) GetStats(operation string) (Stats, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.statsLocked(operation)
}

func (t *Tracker) statsLocked(operation string) (Stats, error) {
	sketch, exists := t.sketches[operation]
	if !exists {
		return Stats{}, fmt.Errorf("no data for operation: %s", operation)
	}

	stats := Stats{
		Operation: operation,
		Hits:      t.hits[operation],
		Misses:    t.misses[operation],
		Errors:    t.errors[operation],
	}

	count := sketch.GetCount()
	if count == 0 {
		return stats, nil
	}

	stats.Count = int64(count)
	stats.Min, _ = sketch.GetMinValue()
	stats.P50, _ = sketch.GetValueAtQuantile(0.50)
	stats.P90, _ = sketch.GetValueAtQuantile(0.90)
	stats.P95, _ = sketch.GetValueAtQuantile(0.95)
	stats.P99, _ = sketch.GetValueAtQuantile(0.99)
	stats.Max, _ = sketch.GetMaxValue()
	return stats, nil
}

// GetAllStats returns statistics for all tracked operations, sorted by
// operation name.
func (t *Tracker) GetAllStats() []Stats {
	t.mu.Lock()
	defer t.mu.Unlock()

	stats := make([]Stats, 0, len(t.sketches))
	for operation := range t.sketches {
		stat, err := t.statsLocked(operation)
		if err == nil {
			stats = append(stats, stat)
		}
	}
	sort.Slice(stats, func(i, j int) bool { return stats[i].Operation < stats[j].Operation })
	return stats
}

// String returns a human-readable line of the statistics.
func (s Stats) String() string {
	if s.Count == 0 {
		return fmt.Sprintf("  %s: no data", s.Operation)
	}
	return fmt.Sprintf("  %s (n=%d hits=%d misses=%d errors=%d): min=%.2fms p50=%.2fms p90=%.2fms p95=%.2fms p99=%.2fms max=%.2fms",
		s.Operation, s.Count, s.Hits, s.Misses, s.Errors, s.Min, s.P50, s.P90, s.P95, s.P99, s.Max)
}
