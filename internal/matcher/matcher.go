// Package matcher implements the five-step agent selection algorithm of
// spec §4.4: pop a Ready task, narrow to covering idle agents, score them,
// pick a winner, and commit the assignment atomically across the Registry
// and the Task Store.
//
// Grounded on the candidate-scoring shape of
// other_examples/2e4dc869_zkoranges-go-claw's agent registry
// (concurrent-create-with-double-check under a single mutex) and on
// OllamaMax's OptimizedScheduler (other_examples/9df21325_...), which scores
// candidates with a weighted linear combination before committing a pick.
// Locking itself stays inside internal/agent and internal/task: the Matcher
// never takes a record lock directly, so the fixed ordering rule (spec §5:
// "acquire the lower of (AgentID, TaskID) first") is enforced by always
// committing the agent-side transition (TryAssign) before the task-side one
// (MarkAssigned), with no Matcher code holding both locks at once.
package matcher

import (
	"log"
	"sort"
	"sync"

	"github.com/do-ops885/ai-orchestrator-hub-sub003/internal/agent"
	"github.com/do-ops885/ai-orchestrator-hub-sub003/internal/config"
	"github.com/do-ops885/ai-orchestrator-hub-sub003/internal/metrics"
	"github.com/do-ops885/ai-orchestrator-hub-sub003/internal/task"
)

// Matcher binds an Agent Registry to a Task Store and runs the selection
// algorithm on demand (spec §4.4).
type Matcher struct {
	registry *agent.Registry
	tasks    *task.Store
	logger   *log.Logger

	// metricsA is optional (nil in tests that don't care about counters);
	// every use below is nil-checked.
	metricsA *metrics.Aggregator

	weightsMu sync.RWMutex
	weights   config.Weights
}

// New creates a Matcher. weights are the scoring coefficients from
// config.CoordinatorConfig.Weights. metricsA may be nil, in which case the
// unsatisfiable_waits counter (spec §4.4) is simply not recorded.
func New(registry *agent.Registry, tasks *task.Store, weights config.Weights, metricsA *metrics.Aggregator, logger *log.Logger) *Matcher {
	if logger == nil {
		logger = log.Default()
	}
	return &Matcher{registry: registry, tasks: tasks, weights: weights, metricsA: metricsA, logger: logger}
}

// Weights returns the Matcher's current scoring weights.
func (m *Matcher) Weights() config.Weights {
	m.weightsMu.RLock()
	defer m.weightsMu.RUnlock()
	return m.weights
}

// SetWeights replaces the Matcher's scoring weights in place, so a running
// work-steal loop picks them up on its very next MatchOnce call (spec §4.7,
// "Swarm Coordination loop ... tunable within bounds").
func (m *Matcher) SetWeights(w config.Weights) {
	m.weightsMu.Lock()
	m.weights = w
	m.weightsMu.Unlock()
}

type candidate struct {
	snap  agent.Snapshot
	score float64
}

// MatchOnce attempts to assign exactly one Ready task to an idle agent.
// preferredShard selects which ready-queue shard to try first (a worker
// loop typically passes its own index so steady-state traffic stays
// shard-local; it falls back to stealing from other shards automatically,
// see task.Store.PopReady). Returns false with no error when there was
// nothing to do (no ready task, or no eligible idle agent right now).
func (m *Matcher) MatchOnce(preferredShard int) (bool, error) {
	snap, ok := m.tasks.PopReady(preferredShard)
	if !ok {
		return false, nil
	}

	candidates := m.eligibleIdleCandidates(snap)
	if len(candidates) == 0 {
		// No idle agent can currently take this task. If some agent --
		// idle or busy -- still covers its requirements, it just has to
		// wait its turn: stays Ready and goes back on the queue. Otherwise
		// the requirement is unsatisfiable by the current swarm entirely;
		// demote it to Pending so it stops consuming matching passes until
		// RescanPending finds a covering agent again (spec §4.4).
		if m.registry.CapabilityIndex().Satisfies(snap.RequiredCaps) {
			_ = m.tasks.Requeue(snap.ID)
			return false, nil
		}
		if err := m.tasks.DemoteToPending(snap.ID); err != nil {
			m.logger.Printf("[MATCHER] demote task %s to pending: %v", snap.ID, err)
			_ = m.tasks.Requeue(snap.ID)
			return false, nil
		}
		if m.metricsA != nil {
			m.metricsA.Counter("unsatisfiable_waits_total").Inc()
		}
		m.logger.Printf("[MATCHER] demoted task %s to pending: no registered agent covers its requirements", snap.ID)
		return false, nil
	}

	winner, rest := candidates[0], candidates[1:]
	if !m.registry.TryAssign(winner.snap.ID, snap.ID) {
		// Lost the race (another matcher pass grabbed this agent first, or
		// it went Retired); fall through the ranked list before giving up.
		for _, c := range rest {
			if m.registry.TryAssign(c.snap.ID, snap.ID) {
				winner = c
				goto assigned
			}
		}
		_ = m.tasks.Requeue(snap.ID)
		return false, nil
	}

assigned:
	if err := m.tasks.MarkAssigned(snap.ID, winner.snap.ID); err != nil {
		// Should not happen (we just popped this task as Ready and hold
		// sole possession of it), but roll back defensively.
		_ = m.registry.Release(winner.snap.ID)
		return false, err
	}

	m.logger.Printf("[MATCHER] assigned task %s -> agent %s (score=%.4f)", snap.ID, winner.snap.ID, winner.score)
	return true, nil
}

// eligibleIdleCandidates returns idle agents covering every requirement,
// scored and sorted best-first (spec §4.4 steps 1-3).
func (m *Matcher) eligibleIdleCandidates(snap task.Snapshot) []candidate {
	idle := m.registry.List(agent.Filter{Status: agent.Idle})
	idx := m.registry.CapabilityIndex()

	out := make([]candidate, 0, len(idle))
	for _, a := range idle {
		if !idx.AgentCovers(a.ID, snap.RequiredCaps) {
			continue
		}
		avgProf := idx.AverageProficiency(a.ID, snap.RequiredCaps)
		out = append(out, candidate{
			snap:  a,
			score: m.scoreTask(a, avgProf),
		})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].score != out[j].score {
			return out[i].score > out[j].score
		}
		// Deterministic tie-break (spec §4.4 step 3): fewer completed tasks
		// first (fairness), then the lower AgentID.
		ci, cj := out[i].snap.Performance.TasksCompleted, out[j].snap.Performance.TasksCompleted
		if ci != cj {
			return ci < cj
		}
		return out[i].snap.ID.String() < out[j].snap.ID.String()
	})
	return out
}

// scoreTask is the real scoring function (spec §4.4 step 2).
func (m *Matcher) scoreTask(a agent.Snapshot, avgProficiency float64) float64 {
	w := m.Weights()
	energyFrac := a.Energy / agent.MaxEnergy
	return w.WProf*avgProficiency +
		w.WPerf*a.Performance.EWMAScore +
		w.WLoad*(1-a.LoadFraction()) +
		w.WEnergy*energyFrac
}
