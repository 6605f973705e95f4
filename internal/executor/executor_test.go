package executor

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/do-ops885/ai-orchestrator-hub-sub003/internal/agent"
	"github.com/do-ops885/ai-orchestrator-hub-sub003/internal/capability"
	"github.com/do-ops885/ai-orchestrator-hub-sub003/internal/ids"
	"github.com/do-ops885/ai-orchestrator-hub-sub003/internal/task"
)

type fakeWork struct {
	out Output
	err error
	fn  func(ctx context.Context, snap task.Snapshot) (Output, error)
}

func (f fakeWork) Run(ctx context.Context, snap task.Snapshot) (Output, error) {
	if f.fn != nil {
		return f.fn(ctx, snap)
	}
	return f.out, f.err
}

func newExecHarness(t *testing.T) (*agent.Registry, *task.Store, *Executor, ids.AgentID, ids.TaskID) {
	t.Helper()
	idx := capability.NewIndex()
	reg := agent.New(idx, 10, nil)
	tasks := task.New(idx)
	exec := New(tasks, reg, nil)

	aid, err := reg.CreateAgent(agent.Spec{Kind: agent.KindWorker})
	if err != nil {
		t.Fatalf("CreateAgent: %v", err)
	}
	tid, err := tasks.CreateTask(task.Spec{})
	if err != nil {
		t.Fatalf("CreateTask: %v", err)
	}
	if !reg.TryAssign(aid, tid) {
		t.Fatalf("TryAssign failed")
	}
	if err := tasks.MarkAssigned(tid, aid); err != nil {
		t.Fatalf("MarkAssigned: %v", err)
	}
	return reg, tasks, exec, aid, tid
}

func TestExecuteSucceedsLeavesTaskRunningPendingVerification(t *testing.T) {
	reg, tasks, exec, aid, tid := newExecHarness(t)

	res := exec.Execute(context.Background(), tid, fakeWork{out: Output{Payload: []byte("ok")}}, 0)
	if res.Err != nil || !res.Succeeded {
		t.Fatalf("expected success, got %+v", res)
	}

	// A successful run does not by itself move the task to Succeeded or
	// free the agent -- spec §4.5's verification gate decides that.
	tsnap, _ := tasks.Get(tid)
	if tsnap.Status != task.Running {
		t.Fatalf("expected task to remain Running pending verification, got %s", tsnap.Status)
	}
	asnap, _ := reg.Get(aid)
	if asnap.Status != agent.Running {
		t.Fatalf("expected agent to remain Running pending verification, got %s", asnap.Status)
	}
}

func TestFinalizeMarksSucceededAndReleasesAgent(t *testing.T) {
	reg, tasks, exec, aid, tid := newExecHarness(t)
	exec.Execute(context.Background(), tid, fakeWork{out: Output{Payload: []byte("ok")}}, 0)

	if err := exec.Finalize(tid, aid, 12.5); err != nil {
		t.Fatalf("Finalize: %v", err)
	}
	tsnap, _ := tasks.Get(tid)
	if tsnap.Status != task.Succeeded {
		t.Fatalf("expected task Succeeded, got %s", tsnap.Status)
	}
	asnap, _ := reg.Get(aid)
	if asnap.Status != agent.Idle {
		t.Fatalf("expected agent released to Idle, got %s", asnap.Status)
	}
}

func TestRejectFailsTaskAndReleasesAgentAfterSuccessfulRun(t *testing.T) {
	reg, tasks, exec, aid, tid := newExecHarness(t)
	exec.Execute(context.Background(), tid, fakeWork{out: Output{Payload: []byte("ok")}}, 0)

	requeued, err := exec.Reject(tid, aid, "verification_failed", 12.5)
	if err != nil {
		t.Fatalf("Reject: %v", err)
	}
	if requeued {
		t.Fatalf("expected a terminal failure with no retries configured")
	}
	tsnap, _ := tasks.Get(tid)
	if tsnap.Status != task.Failed || tsnap.FailureReason != "verification_failed" {
		t.Fatalf("expected task Failed(verification_failed), got %+v", tsnap)
	}
	asnap, _ := reg.Get(aid)
	if asnap.Status != agent.Idle {
		t.Fatalf("expected agent released to Idle after rejection, got %s", asnap.Status)
	}
}

func TestExecuteFailureRequeuesWithRetriesLeft(t *testing.T) {
	idx := capability.NewIndex()
	reg := agent.New(idx, 10, nil)
	tasks := task.New(idx)
	exec := New(tasks, reg, nil)

	aid, _ := reg.CreateAgent(agent.Spec{Kind: agent.KindWorker})
	tid, _ := tasks.CreateTask(task.Spec{MaxRetries: 1})
	reg.TryAssign(aid, tid)
	tasks.MarkAssigned(tid, aid)

	res := exec.Execute(context.Background(), tid, fakeWork{err: errors.New("boom")}, 0)
	if res.Succeeded {
		t.Fatalf("expected failure")
	}
	if !res.Requeued {
		t.Fatalf("expected requeue with a retry remaining")
	}
	tsnap, _ := tasks.Get(tid)
	if tsnap.Status != task.Ready {
		t.Fatalf("expected task back to Ready, got %s", tsnap.Status)
	}
	asnap, _ := reg.Get(aid)
	if asnap.Status != agent.Idle {
		t.Fatalf("expected agent released after failure, got %s", asnap.Status)
	}
}

func TestExecuteRejectsUnassignedTask(t *testing.T) {
	idx := capability.NewIndex()
	reg := agent.New(idx, 10, nil)
	tasks := task.New(idx)
	exec := New(tasks, reg, nil)

	tid, _ := tasks.CreateTask(task.Spec{})
	res := exec.Execute(context.Background(), tid, fakeWork{}, 0)
	if res.Err == nil {
		t.Fatalf("expected an error executing a Ready (not Assigned) task")
	}
}

func TestExecuteHonorsTimeoutDeadline(t *testing.T) {
	_, tasks, exec, _, tid := newExecHarness(t)

	work := fakeWork{fn: func(ctx context.Context, snap task.Snapshot) (Output, error) {
		<-ctx.Done()
		return Output{}, ctx.Err()
	}}

	res := exec.Execute(context.Background(), tid, work, 10*time.Millisecond)
	if res.Succeeded {
		t.Fatalf("expected a timeout failure")
	}
	tsnap, _ := tasks.Get(tid)
	if tsnap.Status == task.Running {
		t.Fatalf("task should not be left Running after a timeout")
	}
}

func TestClaimRejectsReusedToken(t *testing.T) {
	_, _, exec, _, tid := newExecHarness(t)
	tok := Token{TaskID: tid, Attempt: 0}

	if !exec.claim(tok) {
		t.Fatalf("expected first claim to succeed")
	}
	if exec.claim(tok) {
		t.Fatalf("expected second claim of the same token to fail")
	}
}
