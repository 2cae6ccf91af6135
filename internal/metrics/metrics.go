// Package metrics provides Prometheus-compatible metrics for observd.
//
// The registry carries counters for sealed epochs and buffered deltas,
// gauges for chain state, and histograms for epoch and VDF timing. It
// exposes Prometheus text exposition and a JSON dump; no listener is
// built in - surfaces decide how to publish.
package metrics

import (
	"encoding/json"
	"fmt"
	"math"
	"sort"
	"strings"
	"sync"
	"time"
)

// Well-known metric names.
const (
	EpochsSealed         = "observd_epochs_sealed_total"
	DeltasBuffered       = "observd_deltas_buffered_total"
	VDFComputations      = "observd_vdf_computations_total"
	ChainLength          = "observd_chain_length"
	CurrentIterations    = "observd_current_iterations"
	EpochDurationSeconds = "observd_epoch_duration_seconds"
	VDFComputeSeconds    = "observd_vdf_compute_seconds"
)

// defaultBuckets covers sub-second progress callbacks through multi-minute
// epochs.
var defaultBuckets = []float64{0.1, 0.5, 1, 2.5, 5, 10, 30, 60, 120, 300}

// Counter is a monotonically increasing value.
type Counter struct {
	mu    sync.Mutex
	value float64
}

// Inc adds one.
func (c *Counter) Inc() { c.Add(1) }

// Add increases the counter. Negative deltas are ignored.
func (c *Counter) Add(delta float64) {
	if delta < 0 {
		return
	}
	c.mu.Lock()
	c.value += delta
	c.mu.Unlock()
}

// Value returns the current count.
func (c *Counter) Value() float64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.value
}

// Gauge is a value that can move in both directions.
type Gauge struct {
	mu    sync.Mutex
	value float64
}

// Set replaces the gauge value.
func (g *Gauge) Set(v float64) {
	g.mu.Lock()
	g.value = v
	g.mu.Unlock()
}

// Value returns the current value.
func (g *Gauge) Value() float64 {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.value
}

// Histogram tracks a distribution across fixed buckets.
type Histogram struct {
	mu      sync.Mutex
	buckets []float64
	counts  []uint64
	sum     float64
	count   uint64
}

// Observe records one sample.
func (h *Histogram) Observe(v float64) {
	if math.IsNaN(v) || math.IsInf(v, 0) {
		return
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	h.sum += v
	h.count++
	for i, bound := range h.buckets {
		if v <= bound {
			h.counts[i]++
		}
	}
}

// Timer returns a stop function that observes the elapsed seconds and
// reports them.
func (h *Histogram) Timer() func() float64 {
	start := time.Now()
	return func() float64 {
		elapsed := time.Since(start).Seconds()
		h.Observe(elapsed)
		return elapsed
	}
}

// Count returns the number of samples observed.
func (h *Histogram) Count() uint64 {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.count
}

// Sum returns the sum of all samples.
func (h *Histogram) Sum() float64 {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.sum
}

// Registry holds all metrics by name.
type Registry struct {
	mu         sync.Mutex
	counters   map[string]*Counter
	gauges     map[string]*Gauge
	histograms map[string]*Histogram
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		counters:   make(map[string]*Counter),
		gauges:     make(map[string]*Gauge),
		histograms: make(map[string]*Histogram),
	}
}

// Counter returns (creating if needed) the named counter.
func (r *Registry) Counter(name string) *Counter {
	r.mu.Lock()
	defer r.mu.Unlock()
	c, ok := r.counters[name]
	if !ok {
		c = &Counter{}
		r.counters[name] = c
	}
	return c
}

// Gauge returns (creating if needed) the named gauge.
func (r *Registry) Gauge(name string) *Gauge {
	r.mu.Lock()
	defer r.mu.Unlock()
	g, ok := r.gauges[name]
	if !ok {
		g = &Gauge{}
		r.gauges[name] = g
	}
	return g
}

// Histogram returns (creating if needed) the named histogram with the
// default buckets.
func (r *Registry) Histogram(name string) *Histogram {
	r.mu.Lock()
	defer r.mu.Unlock()
	h, ok := r.histograms[name]
	if !ok {
		h = &Histogram{
			buckets: defaultBuckets,
			counts:  make([]uint64, len(defaultBuckets)),
		}
		r.histograms[name] = h
	}
	return h
}

// Exposition renders the registry in Prometheus text format.
func (r *Registry) Exposition() string {
	r.mu.Lock()
	defer r.mu.Unlock()

	var sb strings.Builder
	for _, name := range sortedKeys(r.counters) {
		fmt.Fprintf(&sb, "# TYPE %s counter\n", name)
		fmt.Fprintf(&sb, "%s %g\n", name, r.counters[name].Value())
	}
	for _, name := range sortedKeys(r.gauges) {
		fmt.Fprintf(&sb, "# TYPE %s gauge\n", name)
		fmt.Fprintf(&sb, "%s %g\n", name, r.gauges[name].Value())
	}
	for _, name := range sortedKeys(r.histograms) {
		h := r.histograms[name]
		fmt.Fprintf(&sb, "# TYPE %s histogram\n", name)
		h.mu.Lock()
		for i, bound := range h.buckets {
			fmt.Fprintf(&sb, "%s_bucket{le=%q} %d\n", name, formatBound(bound), h.counts[i])
		}
		fmt.Fprintf(&sb, "%s_bucket{le=\"+Inf\"} %d\n", name, h.count)
		fmt.Fprintf(&sb, "%s_sum %g\n", name, h.sum)
		fmt.Fprintf(&sb, "%s_count %d\n", name, h.count)
		h.mu.Unlock()
	}
	return sb.String()
}

// Snapshot returns a JSON-friendly dump of all current values.
func (r *Registry) Snapshot() map[string]any {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make(map[string]any)
	for name, c := range r.counters {
		out[name] = c.Value()
	}
	for name, g := range r.gauges {
		out[name] = g.Value()
	}
	for name, h := range r.histograms {
		out[name] = map[string]any{"count": h.Count(), "sum": h.Sum()}
	}
	return out
}

// MarshalJSON lets a registry serialize directly.
func (r *Registry) MarshalJSON() ([]byte, error) {
	return json.Marshal(r.Snapshot())
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func formatBound(b float64) string {
	return strings.TrimRight(strings.TrimRight(fmt.Sprintf("%.3f", b), "0"), ".")
}
