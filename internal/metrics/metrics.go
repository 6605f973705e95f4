// Package metrics implements the Metrics Aggregator of spec §4.8:
// lock-free counters and gauges, a small bucketed latency histogram, and
// periodic snapshots with history pruning plus deduplicated alerting.
//
// Adapted from internal/metrics/collector.go and internal/metrics/alerts.go
// in the wider CLIAIMONITOR product: the snapshot-history-with-pruning
// shape and the shouldAlert/recentAlerts dedup pattern survive, generalized
// from per-agent token/idle counters to the coordinator-wide
// counters/gauges/histograms spec §4.8 names. The histogram's bucket
// counters are sync/atomic, the same primitive the teacher uses for
// events.Bus.droppedEvents.
package metrics

import (
	"math"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/dustin/go-humanize"
)

// Counter is a lock-free monotonic counter.
type Counter struct {
	v atomic.Int64
}

func (c *Counter) Add(delta int64) { c.v.Add(delta) }
func (c *Counter) Inc()            { c.v.Add(1) }
func (c *Counter) Value() int64    { return c.v.Load() }

// Gauge is a lock-free point-in-time value.
type Gauge struct {
	bits atomic.Uint64
}

func (g *Gauge) Set(v float64) { g.bits.Store(float64ToBits(v)) }
func (g *Gauge) Value() float64 { return bitsToFloat64(g.bits.Load()) }

// histogramBuckets are latency bucket upper bounds in milliseconds, tuned
// for task-execution latencies (spec §4.8 example: "task_latency_ms").
var histogramBuckets = []float64{5, 10, 25, 50, 100, 250, 500, 1000, 2500, 5000, 10000}

// Histogram is a fixed-bucket, lock-free latency histogram.
type Histogram struct {
	counts [len(histogramBuckets) + 1]atomic.Int64
	sum    atomic.Uint64 // bit-packed float64 accumulator guarded by CAS loop
	count  atomic.Int64
}

// Observe records one latency sample in milliseconds.
func (h *Histogram) Observe(ms float64) {
	idx := len(histogramBuckets)
	for i, bound := range histogramBuckets {
		if ms <= bound {
			idx = i
			break
		}
	}
	h.counts[idx].Add(1)
	h.count.Add(1)
	for {
		old := h.sum.Load()
		newSum := bitsToFloat64(old) + ms
		if h.sum.CompareAndSwap(old, float64ToBits(newSum)) {
			return
		}
	}
}

// HistogramSnapshot captures the histogram's current bucket counts, total count and
// sum (for computing an average downstream).
type HistogramSnapshot struct {
	Buckets []int64
	Count   int64
	Sum     float64
}

func (h *Histogram) TakeSnapshot() HistogramSnapshot {
	buckets := make([]int64, len(h.counts))
	for i := range h.counts {
		buckets[i] = h.counts[i].Load()
	}
	return HistogramSnapshot{Buckets: buckets, Count: h.count.Load(), Sum: bitsToFloat64(h.sum.Load())}
}

func float64ToBits(f float64) uint64 { return math.Float64bits(f) }
func bitsToFloat64(b uint64) float64 { return math.Float64frombits(b) }

// Aggregator is the process-wide metrics registry (spec §4.8).
type Aggregator struct {
	mu         sync.RWMutex
	counters   map[string]*Counter
	gauges     map[string]*Gauge
	histograms map[string]*Histogram

	historyMu  sync.Mutex
	history    []Snapshot
	maxHistory int

	alertMu      sync.Mutex
	recentAlerts map[string]time.Time
	alertDedup   time.Duration
}

// Snapshot is one TakeSnapshot result (spec §4.8 "periodic snapshots").
type Snapshot struct {
	TakenAt    time.Time
	Counters   map[string]int64
	Gauges     map[string]float64
	Histograms map[string]HistogramSnapshot
}

// New creates an empty Aggregator. maxHistory bounds how many Snapshots are
// retained before the oldest is pruned (spec §4.8 "history with pruning").
func New(maxHistory int) *Aggregator {
	if maxHistory < 1 {
		maxHistory = 1
	}
	return &Aggregator{
		counters:     make(map[string]*Counter),
		gauges:       make(map[string]*Gauge),
		histograms:   make(map[string]*Histogram),
		maxHistory:   maxHistory,
		recentAlerts: make(map[string]time.Time),
		alertDedup:   30 * time.Second,
	}
}

func (a *Aggregator) Counter(name string) *Counter {
	a.mu.RLock()
	c, ok := a.counters[name]
	a.mu.RUnlock()
	if ok {
		return c
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	if c, ok := a.counters[name]; ok {
		return c
	}
	c = &Counter{}
	a.counters[name] = c
	return c
}

func (a *Aggregator) Gauge(name string) *Gauge {
	a.mu.RLock()
	g, ok := a.gauges[name]
	a.mu.RUnlock()
	if ok {
		return g
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	if g, ok := a.gauges[name]; ok {
		return g
	}
	g = &Gauge{}
	a.gauges[name] = g
	return g
}

func (a *Aggregator) Histogram(name string) *Histogram {
	a.mu.RLock()
	h, ok := a.histograms[name]
	a.mu.RUnlock()
	if ok {
		return h
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	if h, ok := a.histograms[name]; ok {
		return h
	}
	h = &Histogram{}
	a.histograms[name] = h
	return h
}

// TakeSnapshot reads every registered counter/gauge/histogram, appends the
// result to the bounded history, and returns it (spec §4.8, driven by the
// metrics-aggregation background loop).
func (a *Aggregator) TakeSnapshot() Snapshot {
	a.mu.RLock()
	snap := Snapshot{
		TakenAt:    time.Now(),
		Counters:   make(map[string]int64, len(a.counters)),
		Gauges:     make(map[string]float64, len(a.gauges)),
		Histograms: make(map[string]HistogramSnapshot, len(a.histograms)),
	}
	for name, c := range a.counters {
		snap.Counters[name] = c.Value()
	}
	for name, g := range a.gauges {
		snap.Gauges[name] = g.Value()
	}
	for name, h := range a.histograms {
		snap.Histograms[name] = h.TakeSnapshot()
	}
	a.mu.RUnlock()

	a.historyMu.Lock()
	a.history = append(a.history, snap)
	if len(a.history) > a.maxHistory {
		a.history = a.history[len(a.history)-a.maxHistory:]
	}
	a.historyMu.Unlock()

	return snap
}

// History returns the retained snapshots, oldest first.
func (a *Aggregator) History() []Snapshot {
	a.historyMu.Lock()
	defer a.historyMu.Unlock()
	out := make([]Snapshot, len(a.history))
	copy(out, a.history)
	return out
}

// ShouldAlert reports whether an alert named key should fire now, deduping
// repeats within alertDedup of the last firing (spec §4.8, adapted from
// alerts.go's shouldAlert/recentAlerts pattern).
func (a *Aggregator) ShouldAlert(key string) bool {
	a.alertMu.Lock()
	defer a.alertMu.Unlock()
	if last, ok := a.recentAlerts[key]; ok && time.Since(last) < a.alertDedup {
		return false
	}
	a.recentAlerts[key] = time.Now()
	return true
}

// Summarize renders a human-readable one-line status using
// dustin/go-humanize, the way a status() call would log it.
func (a *Aggregator) Summarize() string {
	snap := a.TakeSnapshot()
	names := make([]string, 0, len(snap.Counters))
	for name := range snap.Counters {
		names = append(names, name)
	}
	sort.Strings(names)

	out := "metrics as of " + humanize.Time(snap.TakenAt) + ":"
	for _, name := range names {
		out += " " + name + "=" + humanize.Comma(snap.Counters[name])
	}
	return out
}
