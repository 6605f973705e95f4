// Package executor drives one task attempt through the state machine of
// spec §4.5: Running -> {Succeeded, Failed}, with an execution token
// guaranteeing at-most-once delivery to the underlying AgentWork even under
// retries, timeouts, or a caller that calls Run twice for the same
// assignment by mistake.
//
// Grounded on internal/supervisor/dispatcher.go's ExecutePlan/spawnAgents
// shape in the wider CLIAIMONITOR product: one goroutine per unit of work,
// a context.WithCancel per attempt, and a result channel the caller drains.
// Here the unit of work is no longer an OS process but the caller-supplied
// AgentWork capability trait (spec §9): Run(ctx, TaskSnapshot) (Output, error).
package executor

import (
	"context"
	"log"
	"sync"
	"time"

	"github.com/do-ops885/ai-orchestrator-hub-sub003/internal/agent"
	"github.com/do-ops885/ai-orchestrator-hub-sub003/internal/coordinatorerr"
	"github.com/do-ops885/ai-orchestrator-hub-sub003/internal/ids"
	"github.com/do-ops885/ai-orchestrator-hub-sub003/internal/task"
)

// Output is whatever an AgentWork produces for a single task attempt. The
// core treats it as an opaque blob (spec §1, "treated as a black-box
// capability") -- it is handed to the Verifier unexamined.
type Output struct {
	Payload []byte
}

// AgentWork is the external collaborator that actually performs a task
// (spec §9). Run must honor ctx cancellation/deadline cooperatively; the
// Executor does not forcibly kill goroutines that ignore it (spec §1,
// "no preemption of in-flight tasks").
type AgentWork interface {
	Run(ctx context.Context, snap task.Snapshot) (Output, error)
}

// Token is an execution token: a single-use capability proving this
// Executor instance has not already dispatched this exact (TaskID, attempt)
// pair to AgentWork (spec §4.5, P8 "at-most-once execution").
type Token struct {
	TaskID  ids.TaskID
	Attempt int
}

// Result is what Execute returns once an attempt's AgentWork.Run call has
// finished. Succeeded here means the run itself completed without error --
// it does NOT mean the task has reached the Succeeded state. Spec §4.5's
// gate is Running -> [verify] -> {Succeeded, Ready, Failed}: on a successful
// run the task is deliberately left Running, the agent left busy, and the
// caller must follow up with Finalize (verification passed) or Reject
// (verification failed) to reach a terminal or requeued state. A failed run
// (Err != nil) has already been carried through MarkFailed by the time
// Execute returns, since there is nothing to verify.
type Result struct {
	TaskID    ids.TaskID
	AgentID   ids.AgentID
	Succeeded bool
	Requeued  bool
	Output    Output
	Err       error
	LatencyMs float64
}

// Executor runs task attempts against a Task Store and an Agent Registry,
// issuing at most one AgentWork.Run call per execution token.
type Executor struct {
	tasks    *task.Store
	registry *agent.Registry
	logger   *log.Logger

	mu     sync.Mutex
	issued map[Token]bool
}

// New creates an Executor bound to the given Task Store and Agent Registry.
func New(tasks *task.Store, registry *agent.Registry, logger *log.Logger) *Executor {
	if logger == nil {
		logger = log.Default()
	}
	return &Executor{
		tasks:    tasks,
		registry: registry,
		logger:   logger,
		issued:   make(map[Token]bool),
	}
}

// claim marks a token issued, returning false if it was already claimed
// (the at-most-once guard).
func (e *Executor) claim(tok Token) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.issued[tok] {
		return false
	}
	e.issued[tok] = true
	return true
}

// release forgets a token once its attempt has finished, bounding memory
// use; a new attempt on the same task gets a new, higher Attempt number so
// there is no reuse risk from forgetting it.
func (e *Executor) release(tok Token) {
	e.mu.Lock()
	defer e.mu.Unlock()
	delete(e.issued, tok)
}

// Execute runs one attempt of taskID on the agent it is currently Assigned
// to: Assigned -> Running, then either Failed (terminal or requeued) if the
// run itself errors, or back to the caller with the task still Running if
// the run succeeds -- verification decides Succeeded vs. Failed from there
// (see Finalize/Reject). maxDuration bounds the attempt via
// context.WithTimeout; work is the AgentWork implementation to invoke
// (spec §9).
func (e *Executor) Execute(ctx context.Context, taskID ids.TaskID, work AgentWork, maxDuration time.Duration) Result {
	snap, err := e.tasks.Get(taskID)
	if err != nil {
		return Result{TaskID: taskID, Err: err}
	}
	if snap.Status != task.Assigned {
		return Result{TaskID: taskID, Err: coordinatorerr.New(coordinatorerr.InvalidTransition, "task %s is not assigned (status=%s)", taskID, snap.Status)}
	}
	agentID := snap.AssignedAgent

	tok := Token{TaskID: taskID, Attempt: snap.Attempt}
	if !e.claim(tok) {
		return Result{TaskID: taskID, AgentID: agentID, Err: coordinatorerr.New(coordinatorerr.Internal, "execution token %+v already issued", tok)}
	}
	defer e.release(tok)

	if err := e.tasks.MarkRunning(taskID); err != nil {
		return Result{TaskID: taskID, AgentID: agentID, Err: err}
	}
	if err := e.registry.Start(agentID, taskID); err != nil {
		// Task Store thinks we're running but the agent disagrees (e.g. it
		// was removed concurrently); fail the attempt rather than leave the
		// task stuck in Running with no worker.
		requeued, ferr := e.tasks.MarkFailed(taskID, "agent_lost: "+err.Error())
		return Result{TaskID: taskID, AgentID: agentID, Requeued: requeued, Err: firstNonNil(ferr, err)}
	}

	runCtx := ctx
	var cancel context.CancelFunc
	if maxDuration > 0 {
		runCtx, cancel = context.WithTimeout(ctx, maxDuration)
		defer cancel()
	}

	start := time.Now()
	out, runErr := work.Run(runCtx, snap)
	latencyMs := float64(time.Since(start).Milliseconds())

	if runErr != nil {
		reason := runErr.Error()
		if runCtx.Err() == context.DeadlineExceeded {
			reason = "timeout: " + reason
		}
		requeued, ferr := e.tasks.MarkFailed(taskID, reason)
		_ = e.registry.UpdatePerformance(agentID, agent.Outcome{Succeeded: false, LatencyMs: latencyMs})
		_ = e.registry.Release(agentID)
		return Result{TaskID: taskID, AgentID: agentID, Requeued: requeued, Err: firstNonNil(ferr, coordinatorerr.Wrap(coordinatorerr.ExecutionError, runErr, "task %s attempt failed", taskID)), LatencyMs: latencyMs}
	}

	// The attempt itself succeeded, but the task stays Running until the
	// caller runs verification and calls Finalize or Reject (spec §4.5).
	return Result{TaskID: taskID, AgentID: agentID, Succeeded: true, Output: out, LatencyMs: latencyMs}
}

// Finalize completes a successfully-run attempt whose output has passed
// verification: Running -> Succeeded, releasing the agent back to Idle and
// recording a perfect outcome score (spec §4.5, "Running -> [verify] ->
// Succeeded"). Call only after Execute returned Succeeded=true.
func (e *Executor) Finalize(taskID ids.TaskID, agentID ids.AgentID, latencyMs float64) error {
	if err := e.tasks.MarkSucceeded(taskID); err != nil {
		return err
	}
	_ = e.registry.UpdatePerformance(agentID, agent.Outcome{Succeeded: true, LatencyMs: latencyMs, Score: 1})
	_ = e.registry.Release(agentID)
	return nil
}

// Reject fails a successfully-run attempt whose output did not pass
// verification, following the same retry-or-terminal path MarkFailed gives
// a runtime error (spec §4.5, "Running -> [verify] -> {Ready, Failed}").
// Returns whether the task was requeued for another attempt.
func (e *Executor) Reject(taskID ids.TaskID, agentID ids.AgentID, reason string, latencyMs float64) (requeued bool, err error) {
	requeued, err = e.tasks.MarkFailed(taskID, reason)
	_ = e.registry.UpdatePerformance(agentID, agent.Outcome{Succeeded: false, LatencyMs: latencyMs})
	_ = e.registry.Release(agentID)
	return requeued, err
}

func firstNonNil(errs ...error) error {
	for _, err := range errs {
		if err != nil {
			return err
		}
	}
	return nil
}
