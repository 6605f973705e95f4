// Package loop implements the five background loops of spec §4.7:
// work-steal rebalance, learning cycle, swarm coordination, metrics
// aggregation, and resource sampling. Each is a cancellable func(ctx)
// driven by a time.Ticker, grounded on internal/metrics/collector.go's
// periodic-snapshot shape and internal/events/bus.go's cancellation-token
// discipline in the wider CLIAIMONITOR product.
package loop

import (
	"context"
	"log"
	"math"
	"time"

	"github.com/do-ops885/ai-orchestrator-hub-sub003/internal/agent"
	"github.com/do-ops885/ai-orchestrator-hub-sub003/internal/config"
	"github.com/do-ops885/ai-orchestrator-hub-sub003/internal/matcher"
	"github.com/do-ops885/ai-orchestrator-hub-sub003/internal/metrics"
	"github.com/do-ops885/ai-orchestrator-hub-sub003/internal/resource"
	"github.com/do-ops885/ai-orchestrator-hub-sub003/internal/task"
)

// Func is one background loop body, run once per tick until ctx is
// cancelled.
type Func func(ctx context.Context)

// Run drives fn on interval until ctx is done, then returns -- the
// Coordinator's shutdown path cancels ctx and waits on this returning
// within shutdown_grace_ms (spec §5).
func Run(ctx context.Context, interval time.Duration, name string, logger *log.Logger, fn Func) {
	if logger == nil {
		logger = log.Default()
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	logger.Printf("[LOOP:%s] started (interval=%s)", name, interval)
	for {
		select {
		case <-ctx.Done():
			logger.Printf("[LOOP:%s] stopped", name)
			return
		case <-ticker.C:
			fn(ctx)
		}
	}
}

// WorkStealRebalance promotes Pending tasks whose capability requirements
// have since become satisfiable, ages starved Ready tasks up in priority,
// expires tasks that waited past max_pending_wait with no eligible agent,
// and runs the Matcher until it finds nothing to do (spec §4.3/§4.4,
// "work-steal rebalance", tick interval 50ms per SPEC_FULL).
func WorkStealRebalance(tasks *task.Store, m *matcher.Matcher, cfg config.CoordinatorConfig, logger *log.Logger) Func {
	if logger == nil {
		logger = log.Default()
	}
	shard := 0
	return func(ctx context.Context) {
		if n := tasks.RescanPending(); n > 0 {
			logger.Printf("[LOOP:work_steal] promoted %d pending task(s) to ready", n)
		}
		if n := tasks.PromoteStarved(cfg.StarvationThreshold()); n > 0 {
			logger.Printf("[LOOP:work_steal] promoted %d starved ready task(s)", n)
		}
		if n := tasks.ExpireUnsatisfiable(cfg.MaxPendingWait()); n > 0 {
			logger.Printf("[LOOP:work_steal] expired %d unsatisfiable pending task(s)", n)
		}
		for {
			shard = (shard + 1) % max(tasks.ShardCount(), 1)
			matched, err := m.MatchOnce(shard)
			if err != nil {
				logger.Printf("[LOOP:work_steal] match error: %v", err)
				return
			}
			if !matched {
				return
			}
			select {
			case <-ctx.Done():
				return
			default:
			}
		}
	}
}

// LearningCycle nudges each agent's capability proficiency toward its
// recent EWMA performance score, the way a simple reinforcement update
// would (spec §4.7): every capability of a well-performing agent drifts up
// and every capability of a poorly performing one drifts down, the step
// scaled by that capability's configured LearningRate per tick.
func LearningCycle(registry *agent.Registry, logger *log.Logger) Func {
	if logger == nil {
		logger = log.Default()
	}
	return func(ctx context.Context) {
		agents := registry.List(agent.Filter{})
		for _, a := range agents {
			target := a.Performance.EWMAScore
			for _, c := range a.Capabilities {
				if c.LearningRate <= 0 {
					continue
				}
				delta := (target - c.Proficiency) * c.LearningRate
				next := clamp01(c.Proficiency + delta)
				if err := registry.UpdateCapabilityProficiency(a.ID, c.Name, next); err != nil {
					logger.Printf("[LOOP:learning] update %s/%s failed: %v", a.ID, c.Name, err)
				}
			}
		}
	}
}

func clamp01(f float64) float64 {
	if f < 0 {
		return 0
	}
	if f > 1 {
		return 1
	}
	return f
}

// WeightAdjuster is implemented by whatever owns the live Matcher scoring
// weights, letting SwarmCoordination nudge them within bounds.
type WeightAdjuster interface {
	Weights() config.Weights
	SetWeights(config.Weights)
}

// SwarmCoordination computes swarm cohesion and capability diversity and
// nudges the Matcher's scoring weights (spec §9 Open Question, resolved in
// SPEC_FULL's SUPPLEMENTED FEATURES): cohesion = 1 - stddev(load)/mean(load)
// across agents; diversity = distinct active capability names / total
// capability slots. Low cohesion (uneven load) raises w_load; low diversity
// (few agents cover rare skills) raises w_prof; both clamped to within
// ±20% of defaults each cycle.
func SwarmCoordination(registry *agent.Registry, adj WeightAdjuster, defaults config.Weights, logger *log.Logger) Func {
	if logger == nil {
		logger = log.Default()
	}
	return func(ctx context.Context) {
		agents := registry.List(agent.Filter{})
		if len(agents) == 0 {
			return
		}

		loads := make([]float64, len(agents))
		capNames := make(map[string]bool)
		totalSlots := 0
		for i, a := range agents {
			loads[i] = a.LoadFraction()
			for _, c := range a.Capabilities {
				capNames[c.Name] = true
				totalSlots++
			}
		}
		cohesion := 1 - stddev(loads)/meanOrOne(loads)
		diversity := 1.0
		if totalSlots > 0 {
			diversity = float64(len(capNames)) / float64(totalSlots)
		}

		w := adj.Weights()
		lo := func(base float64) float64 { return base * 0.8 }
		hi := func(base float64) float64 { return base * 1.2 }

		if cohesion < 0.7 {
			w.WLoad = clampRange(w.WLoad*1.05, lo(defaults.WLoad), hi(defaults.WLoad))
		}
		if diversity < 0.3 {
			w.WProf = clampRange(w.WProf*1.05, lo(defaults.WProf), hi(defaults.WProf))
		}
		adj.SetWeights(w)
		logger.Printf("[LOOP:swarm] cohesion=%.3f diversity=%.3f weights=%+v", cohesion, diversity, w)
	}
}

func clampRange(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

func meanOrOne(xs []float64) float64 {
	if len(xs) == 0 {
		return 1
	}
	var sum float64
	for _, x := range xs {
		sum += x
	}
	mean := sum / float64(len(xs))
	if mean == 0 {
		return 1
	}
	return mean
}

func stddev(xs []float64) float64 {
	if len(xs) == 0 {
		return 0
	}
	var total float64
	for _, x := range xs {
		total += x
	}
	mean := total / float64(len(xs))
	var sum float64
	for _, x := range xs {
		d := x - mean
		sum += d * d
	}
	return math.Sqrt(sum / float64(len(xs)))
}

// MetricsAggregation takes a periodic metrics snapshot (spec §4.7/§4.8).
func MetricsAggregation(agg *metrics.Aggregator, logger *log.Logger) Func {
	if logger == nil {
		logger = log.Default()
	}
	return func(ctx context.Context) {
		snap := agg.TakeSnapshot()
		logger.Printf("[LOOP:metrics] snapshot taken at %s (%d counters, %d gauges)", snap.TakenAt.Format(time.RFC3339), len(snap.Counters), len(snap.Gauges))
	}
}

// ResourceSample samples the Resource Monitor (spec §4.7/§4.1).
func ResourceSample(mon *resource.Monitor, logger *log.Logger) Func {
	if logger == nil {
		logger = log.Default()
	}
	return func(ctx context.Context) {
		s := mon.Sample()
		logger.Printf("[LOOP:resource] cpu=%.1f%% mem=%.1f%% disk=%.1f%% heap=%.1fMB", s.CPUPercent, s.MemoryPercent, s.DiskPercent, s.HeapAllocMB)
	}
}
