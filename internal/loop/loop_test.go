package loop

import (
	"context"
	"testing"
	"time"

	"github.com/do-ops885/ai-orchestrator-hub-sub003/internal/agent"
	"github.com/do-ops885/ai-orchestrator-hub-sub003/internal/capability"
	"github.com/do-ops885/ai-orchestrator-hub-sub003/internal/config"
	"github.com/do-ops885/ai-orchestrator-hub-sub003/internal/ids"
	"github.com/do-ops885/ai-orchestrator-hub-sub003/internal/matcher"
	"github.com/do-ops885/ai-orchestrator-hub-sub003/internal/metrics"
	"github.com/do-ops885/ai-orchestrator-hub-sub003/internal/resource"
	"github.com/do-ops885/ai-orchestrator-hub-sub003/internal/task"
)

func TestRunInvokesFnOnTickAndStopsOnCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	var calls int
	done := make(chan struct{})
	go func() {
		Run(ctx, 5*time.Millisecond, "test", nil, func(ctx context.Context) { calls++ })
		close(done)
	}()

	time.Sleep(30 * time.Millisecond)
	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatalf("expected Run to return promptly after cancellation")
	}
	if calls == 0 {
		t.Fatalf("expected at least one tick to have fired")
	}
}

func TestWorkStealRebalanceMatchesReadyTasks(t *testing.T) {
	idx := capability.NewIndex()
	reg := agent.New(idx, 10, nil)
	tasks := task.New(idx)
	m := matcher.New(reg, tasks, config.Default().Weights, nil, nil)

	aid, _ := reg.CreateAgent(agent.Spec{Kind: agent.KindWorker})
	tid, _ := tasks.CreateTask(task.Spec{})

	fn := WorkStealRebalance(tasks, m, config.Default(), nil)
	fn(context.Background())

	tsnap, _ := tasks.Get(tid)
	if tsnap.Status != task.Assigned || tsnap.AssignedAgent != aid {
		t.Fatalf("expected the ready task to be matched, got %+v", tsnap)
	}
}

func TestLearningCycleMovesProficiencyTowardScore(t *testing.T) {
	idx := capability.NewIndex()
	reg := agent.New(idx, 10, nil)
	id, _ := reg.CreateAgent(agent.Spec{Kind: agent.KindWorker, Capabilities: []capability.Capability{{Name: "parsing", Proficiency: 0.1, LearningRate: 0.5}}})

	for i := 0; i < 5; i++ {
		_ = reg.UpdatePerformance(id, agent.Outcome{Succeeded: true, Score: 1})
	}

	fn := LearningCycle(reg, nil)
	fn(context.Background())

	snap, _ := reg.Get(id)
	if snap.Capabilities[0].Proficiency <= 0.1 {
		t.Fatalf("expected proficiency to drift upward toward a high EWMA score, got %v", snap.Capabilities[0].Proficiency)
	}
}

func TestSwarmCoordinationRaisesLoadWeightOnLowCohesion(t *testing.T) {
	idx := capability.NewIndex()
	reg := agent.New(idx, 10, nil)
	tasks := task.New(idx)
	defaults := config.Default().Weights
	m := matcher.New(reg, tasks, defaults, nil, nil)

	busy, _ := reg.CreateAgent(agent.Spec{Kind: agent.KindWorker})
	_, _ = reg.CreateAgent(agent.Spec{Kind: agent.KindWorker})
	reg.TryAssign(busy, ids.NewTaskID())

	fn := SwarmCoordination(reg, m, defaults, nil)
	fn(context.Background())

	if m.Weights().WLoad < defaults.WLoad {
		t.Fatalf("expected w_load to rise (or hold) under uneven load, got %v (default %v)", m.Weights().WLoad, defaults.WLoad)
	}
}

func TestMetricsAggregationTakesSnapshot(t *testing.T) {
	agg := metrics.New(10)
	agg.Counter("x").Inc()
	fn := MetricsAggregation(agg, nil)
	fn(context.Background())
	if len(agg.History()) != 1 {
		t.Fatalf("expected one snapshot taken, got %d", len(agg.History()))
	}
}

func TestResourceSampleUpdatesMonitor(t *testing.T) {
	mon := resource.New(nil, 90, 90, time.Minute)
	fn := ResourceSample(mon, nil)
	fn(context.Background())
	if mon.Stale() {
		t.Fatalf("expected a fresh sample to not be stale immediately after taking it")
	}
}
