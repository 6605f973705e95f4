package agent

import (
	"testing"
	"time"

	"github.com/do-ops885/ai-orchestrator-hub-sub003/internal/capability"
	"github.com/do-ops885/ai-orchestrator-hub-sub003/internal/coordinatorerr"
	"github.com/do-ops885/ai-orchestrator-hub-sub003/internal/ids"
)

func newTestRegistry(t *testing.T, maxAgents int) *Registry {
	t.Helper()
	return New(capability.NewIndex(), maxAgents, nil)
}

func TestCreateAgentValidatesSpec(t *testing.T) {
	r := newTestRegistry(t, 10)
	_, err := r.CreateAgent(Spec{Kind: KindSpecialist})
	if coordinatorerr.KindOf(err) != coordinatorerr.InvalidSpec {
		t.Fatalf("expected InvalidSpec for specialist without domain, got %v", err)
	}
}

func TestCreateAgentEnforcesCapacity(t *testing.T) {
	r := newTestRegistry(t, 1)
	if _, err := r.CreateAgent(Spec{Kind: KindWorker}); err != nil {
		t.Fatalf("first create: %v", err)
	}
	_, err := r.CreateAgent(Spec{Kind: KindWorker})
	if coordinatorerr.KindOf(err) != coordinatorerr.CapacityExceeded {
		t.Fatalf("expected CapacityExceeded, got %v", err)
	}
}

func TestCreateAgentRejectsDuplicateName(t *testing.T) {
	r := newTestRegistry(t, 10)
	if _, err := r.CreateAgent(Spec{Name: "w1", Kind: KindWorker}); err != nil {
		t.Fatalf("first create: %v", err)
	}
	_, err := r.CreateAgent(Spec{Name: "w1", Kind: KindWorker})
	if coordinatorerr.KindOf(err) != coordinatorerr.InvalidSpec {
		t.Fatalf("expected InvalidSpec for duplicate name, got %v", err)
	}
}

func TestGetNotFound(t *testing.T) {
	r := newTestRegistry(t, 10)
	_, err := r.Get(ids.NewAgentID())
	if coordinatorerr.KindOf(err) != coordinatorerr.NotFound {
		t.Fatalf("expected NotFound, got %v", err)
	}
}

func TestTryAssignStartReleaseLifecycle(t *testing.T) {
	r := newTestRegistry(t, 10)
	id, err := r.CreateAgent(Spec{Kind: KindWorker, Capabilities: []capability.Capability{{Name: "parsing", Proficiency: 0.9}}})
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	task := ids.NewTaskID()
	if !r.TryAssign(id, task) {
		t.Fatalf("expected TryAssign to succeed on an idle agent")
	}
	if r.TryAssign(id, ids.NewTaskID()) {
		t.Fatalf("expected second TryAssign on a non-idle agent to fail")
	}

	if err := r.Start(id, task); err != nil {
		t.Fatalf("Start: %v", err)
	}
	snap, err := r.Get(id)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if snap.Status != Running || snap.CurrentTask != task {
		t.Fatalf("expected Running(%s), got %+v", task, snap)
	}

	if err := r.Release(id); err != nil {
		t.Fatalf("Release: %v", err)
	}
	snap, _ = r.Get(id)
	if snap.Status != Idle {
		t.Fatalf("expected Idle after release, got %s", snap.Status)
	}
}

func TestStartRejectsWrongTask(t *testing.T) {
	r := newTestRegistry(t, 10)
	id, _ := r.CreateAgent(Spec{Kind: KindWorker})
	r.TryAssign(id, ids.NewTaskID())

	if err := r.Start(id, ids.NewTaskID()); coordinatorerr.KindOf(err) != coordinatorerr.InvalidTransition {
		t.Fatalf("expected InvalidTransition starting the wrong task, got %v", err)
	}
}

func TestUpdatePerformanceTracksOutcomes(t *testing.T) {
	r := newTestRegistry(t, 10)
	id, _ := r.CreateAgent(Spec{Kind: KindWorker})

	if err := r.UpdatePerformance(id, Outcome{Succeeded: true, LatencyMs: 100, Score: 1}); err != nil {
		t.Fatalf("UpdatePerformance: %v", err)
	}
	snap, _ := r.Get(id)
	if snap.Performance.TasksCompleted != 1 {
		t.Fatalf("expected 1 completed task, got %d", snap.Performance.TasksCompleted)
	}

	before, _ := r.Get(id)
	if err := r.UpdatePerformance(id, Outcome{Succeeded: false}); err != nil {
		t.Fatalf("UpdatePerformance failure: %v", err)
	}
	after, _ := r.Get(id)
	if after.Performance.TasksFailed != 1 {
		t.Fatalf("expected 1 failed task, got %d", after.Performance.TasksFailed)
	}
	if after.Energy >= before.Energy {
		t.Fatalf("expected energy to decay on failure: before=%v after=%v", before.Energy, after.Energy)
	}
}

func TestRemoveAgentForceImmediateFailsInFlightTask(t *testing.T) {
	r := newTestRegistry(t, 10)
	id, _ := r.CreateAgent(Spec{Kind: KindWorker})
	task := ids.NewTaskID()
	r.TryAssign(id, task)

	var forced ids.TaskID
	err := r.RemoveAgent(id, ForceImmediate, 0, func(t ids.TaskID) { forced = t })
	if err != nil {
		t.Fatalf("RemoveAgent: %v", err)
	}
	if forced != task {
		t.Fatalf("expected onForceFail called with %s, got %s", task, forced)
	}
	if _, err := r.Get(id); coordinatorerr.KindOf(err) != coordinatorerr.NotFound {
		t.Fatalf("expected removed agent to be gone, got %v", err)
	}
}

func TestRemoveAgentWaitDrainSucceedsWhenFreedInTime(t *testing.T) {
	r := newTestRegistry(t, 10)
	id, _ := r.CreateAgent(Spec{Kind: KindWorker})
	task := ids.NewTaskID()
	r.TryAssign(id, task)

	go func() {
		time.Sleep(20 * time.Millisecond)
		_ = r.Release(id)
	}()

	called := false
	err := r.RemoveAgent(id, WaitDrain, 200*time.Millisecond, func(ids.TaskID) { called = true })
	if err != nil {
		t.Fatalf("RemoveAgent: %v", err)
	}
	if called {
		t.Fatalf("onForceFail should not be called when the agent frees up before the timeout")
	}
}

func TestUpdateCapabilityProficiencySyncsIndex(t *testing.T) {
	r := newTestRegistry(t, 10)
	id, _ := r.CreateAgent(Spec{Kind: KindWorker, Capabilities: []capability.Capability{{Name: "parsing", Proficiency: 0.1}}})

	if err := r.UpdateCapabilityProficiency(id, "parsing", 0.75); err != nil {
		t.Fatalf("UpdateCapabilityProficiency: %v", err)
	}
	entries := r.IterByCapability("parsing", 0)
	if len(entries) != 1 || entries[0].Proficiency != 0.75 {
		t.Fatalf("expected index to reflect update, got %+v", entries)
	}
}

func TestListFiltersByKindAndStatus(t *testing.T) {
	r := newTestRegistry(t, 10)
	w, _ := r.CreateAgent(Spec{Kind: KindWorker})
	_, _ = r.CreateAgent(Spec{Kind: KindSpecialist, Domain: "nlp"})
	r.TryAssign(w, ids.NewTaskID())

	workers := r.List(Filter{Kind: KindWorker})
	if len(workers) != 1 {
		t.Fatalf("expected 1 worker, got %d", len(workers))
	}
	assigned := r.List(Filter{Status: Assigned})
	if len(assigned) != 1 || assigned[0].ID != w {
		t.Fatalf("expected only %s assigned, got %+v", w, assigned)
	}
}
