package matcher

import (
	"testing"

	"github.com/do-ops885/ai-orchestrator-hub-sub003/internal/agent"
	"github.com/do-ops885/ai-orchestrator-hub-sub003/internal/capability"
	"github.com/do-ops885/ai-orchestrator-hub-sub003/internal/config"
	"github.com/do-ops885/ai-orchestrator-hub-sub003/internal/metrics"
	"github.com/do-ops885/ai-orchestrator-hub-sub003/internal/task"
)

func newHarness(t *testing.T) (*agent.Registry, *task.Store, *Matcher) {
	t.Helper()
	idx := capability.NewIndex()
	reg := agent.New(idx, 10, nil)
	tasks := task.New(idx)
	m := New(reg, tasks, config.Default().Weights, nil, nil)
	return reg, tasks, m
}

func TestMatchOnceAssignsCoveringIdleAgent(t *testing.T) {
	reg, tasks, m := newHarness(t)
	aid, err := reg.CreateAgent(agent.Spec{Kind: agent.KindWorker, Capabilities: []capability.Capability{{Name: "parsing", Proficiency: 0.8}}})
	if err != nil {
		t.Fatalf("CreateAgent: %v", err)
	}
	tid, err := tasks.CreateTask(task.Spec{RequiredCapabilities: []capability.Requirement{{Name: "parsing", MinProficiency: 0.5}}})
	if err != nil {
		t.Fatalf("CreateTask: %v", err)
	}

	matched, err := m.MatchOnce(0)
	if err != nil {
		t.Fatalf("MatchOnce: %v", err)
	}
	if !matched {
		t.Fatalf("expected a match")
	}

	asnap, _ := reg.Get(aid)
	if asnap.Status != agent.Assigned || asnap.CurrentTask != tid {
		t.Fatalf("expected agent Assigned to %s, got %+v", tid, asnap)
	}
	tsnap, _ := tasks.Get(tid)
	if tsnap.Status != task.Assigned || tsnap.AssignedAgent != aid {
		t.Fatalf("expected task Assigned to %s, got %+v", aid, tsnap)
	}
}

func TestMatchOnceNoReadyTask(t *testing.T) {
	_, _, m := newHarness(t)
	matched, err := m.MatchOnce(0)
	if err != nil || matched {
		t.Fatalf("expected no match on an empty queue, got matched=%v err=%v", matched, err)
	}
}

func TestMatchOnceRequeuesWhenNoCandidateCovers(t *testing.T) {
	_, tasks, m := newHarness(t)
	tid, _ := tasks.CreateTask(task.Spec{})
	// No agents at all, so there is no idle candidate; a zero-requirement
	// task is still satisfiable, so it is requeued as Ready, not demoted.
	matched, err := m.MatchOnce(0)
	if err != nil {
		t.Fatalf("MatchOnce: %v", err)
	}
	if matched {
		t.Fatalf("expected no match with zero registered agents")
	}
	snap, _ := tasks.Get(tid)
	if snap.Status != task.Ready {
		t.Fatalf("expected task to remain Ready after requeue, got %s", snap.Status)
	}
}

func TestMatchOnceScoresHigherProficiencyAgentFirst(t *testing.T) {
	reg, tasks, m := newHarness(t)
	low, _ := reg.CreateAgent(agent.Spec{Kind: agent.KindWorker, Capabilities: []capability.Capability{{Name: "parsing", Proficiency: 0.2}}})
	high, _ := reg.CreateAgent(agent.Spec{Kind: agent.KindWorker, Capabilities: []capability.Capability{{Name: "parsing", Proficiency: 0.95}}})
	tid, _ := tasks.CreateTask(task.Spec{RequiredCapabilities: []capability.Requirement{{Name: "parsing", MinProficiency: 0.1}}})

	matched, err := m.MatchOnce(0)
	if err != nil || !matched {
		t.Fatalf("MatchOnce: matched=%v err=%v", matched, err)
	}
	tsnap, _ := tasks.Get(tid)
	if tsnap.AssignedAgent != high {
		t.Fatalf("expected the higher-proficiency agent %s to win, got %s (low=%s)", high, tsnap.AssignedAgent, low)
	}
}

func TestMatchOnceDemotesToPendingWhenNoAgentCoversRequirement(t *testing.T) {
	reg, tasks, m := newHarness(t)
	req := []capability.Requirement{{Name: "parsing", MinProficiency: 0.1}}

	// An agent covers "parsing" at creation time, so the task goes straight
	// to Ready. It is then removed entirely -- not merely made busy -- so
	// by the time MatchOnce runs, nothing in the registry covers it.
	covering, _ := reg.CreateAgent(agent.Spec{Kind: agent.KindWorker, Capabilities: []capability.Capability{{Name: "parsing", Proficiency: 0.9}}})
	tid, _ := tasks.CreateTask(task.Spec{RequiredCapabilities: req})
	if err := reg.RemoveAgent(covering, agent.ForceImmediate, 0, nil); err != nil {
		t.Fatalf("RemoveAgent: %v", err)
	}
	// A second, unrelated idle agent exists so the candidate pool is
	// non-empty but still doesn't cover the requirement.
	reg.CreateAgent(agent.Spec{Kind: agent.KindWorker})

	matched, err := m.MatchOnce(0)
	if err != nil {
		t.Fatalf("MatchOnce: %v", err)
	}
	if matched {
		t.Fatalf("expected no match when no agent covers the requirement")
	}
	snap, _ := tasks.Get(tid)
	if snap.Status != task.Pending {
		t.Fatalf("expected task demoted to Pending, got %s", snap.Status)
	}
}

func TestMatchOnceRecordsUnsatisfiableWaitsMetric(t *testing.T) {
	idx := capability.NewIndex()
	reg := agent.New(idx, 10, nil)
	tasks := task.New(idx)
	agg := metrics.New(8)
	m := New(reg, tasks, config.Default().Weights, agg, nil)
	req := []capability.Requirement{{Name: "parsing", MinProficiency: 0.1}}

	covering, _ := reg.CreateAgent(agent.Spec{Kind: agent.KindWorker, Capabilities: []capability.Capability{{Name: "parsing", Proficiency: 0.9}}})
	tasks.CreateTask(task.Spec{RequiredCapabilities: req})
	reg.RemoveAgent(covering, agent.ForceImmediate, 0, nil)

	if _, err := m.MatchOnce(0); err != nil {
		t.Fatalf("MatchOnce: %v", err)
	}
	if got := agg.Counter("unsatisfiable_waits_total").Value(); got != 1 {
		t.Fatalf("expected unsatisfiable_waits_total=1, got %d", got)
	}
}

func TestSetWeightsAffectsSubsequentScoring(t *testing.T) {
	_, _, m := newHarness(t)
	original := m.Weights()
	tuned := original
	tuned.WProf = original.WProf * 1.1
	m.SetWeights(tuned)

	if m.Weights().WProf != tuned.WProf {
		t.Fatalf("expected SetWeights to take effect immediately, got %v want %v", m.Weights().WProf, tuned.WProf)
	}
}
