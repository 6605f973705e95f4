// Package coordinator implements the public Facade of spec §4.9: the
// single entry point wiring the Agent Registry, Task Store, Matcher,
// Executor, Verifier, Metrics Aggregator, Resource Monitor, event stream
// and background loops into one lifecycle.
//
// Grounded on cmd/cliaimonitor/main.go's top-level wiring and graceful
// shutdown (signal.Notify + context cancellation) in the wider
// CLIAIMONITOR product, generalized from HTTP server bring-up to the
// core's own component lifecycle.
package coordinator

import (
	"context"
	"log"
	"sync"
	"time"

	"github.com/do-ops885/ai-orchestrator-hub-sub003/internal/agent"
	"github.com/do-ops885/ai-orchestrator-hub-sub003/internal/capability"
	"github.com/do-ops885/ai-orchestrator-hub-sub003/internal/config"
	"github.com/do-ops885/ai-orchestrator-hub-sub003/internal/coordinatorerr"
	"github.com/do-ops885/ai-orchestrator-hub-sub003/internal/events"
	"github.com/do-ops885/ai-orchestrator-hub-sub003/internal/executor"
	"github.com/do-ops885/ai-orchestrator-hub-sub003/internal/ids"
	"github.com/do-ops885/ai-orchestrator-hub-sub003/internal/loop"
	"github.com/do-ops885/ai-orchestrator-hub-sub003/internal/matcher"
	"github.com/do-ops885/ai-orchestrator-hub-sub003/internal/metrics"
	"github.com/do-ops885/ai-orchestrator-hub-sub003/internal/resource"
	"github.com/do-ops885/ai-orchestrator-hub-sub003/internal/task"
	"github.com/do-ops885/ai-orchestrator-hub-sub003/internal/verifier"
)

// Coordinator is the public entry point for embedding the orchestration
// core into a host process (spec §4.9).
type Coordinator struct {
	cfg config.CoordinatorConfig

	capIndex *capability.Index
	agents   *agent.Registry
	tasks    *task.Store
	match    *matcher.Matcher
	exec     *executor.Executor
	verify   *verifier.Verifier
	resMon   *resource.Monitor
	metricsA *metrics.Aggregator
	bus      *events.Bus

	logger *log.Logger

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New wires every component in dependency order: identifiers have no
// dependencies, the capability index backs both the Agent Registry and the
// Task Store, the Matcher binds the Registry and Store together, and the
// Executor/Verifier/Resource Monitor/Metrics Aggregator/event Bus complete
// the set the Facade exposes (spec §4.9).
func New(cfg config.CoordinatorConfig, diskSource resource.DiskSource, bus *events.Bus, logger *log.Logger) *Coordinator {
	if logger == nil {
		logger = log.Default()
	}
	capIndex := capability.NewIndex()
	registry := agent.New(capIndex, cfg.MaxAgents, logger)
	tasks := task.New(capIndex)
	agg := metrics.New(256)
	m := matcher.New(registry, tasks, cfg.Weights, agg, logger)
	exec := executor.New(tasks, registry, logger)
	v := verifier.New(cfg.Verification, nil, nil, logger)
	mon := resource.New(diskSource, cfg.CriticalCPUPct, cfg.CriticalMemPct, cfg.StaleThreshold())

	return &Coordinator{
		cfg:      cfg,
		capIndex: capIndex,
		agents:   registry,
		tasks:    tasks,
		match:    m,
		exec:     exec,
		verify:   v,
		resMon:   mon,
		metricsA: agg,
		bus:      bus,
		logger:   logger,
	}
}

// Weights implements loop.WeightAdjuster for the Swarm Coordination loop,
// delegating to the live Matcher so a tuned weight takes effect on its very
// next MatchOnce call.
func (c *Coordinator) Weights() config.Weights { return c.match.Weights() }

// SetWeights implements loop.WeightAdjuster.
func (c *Coordinator) SetWeights(w config.Weights) { c.match.SetWeights(w) }

// Start launches the five background loops (spec §4.7) on their own
// goroutines, cancellable via Shutdown.
func (c *Coordinator) Start(ctx context.Context) {
	loopCtx, cancel := context.WithCancel(ctx)
	c.cancel = cancel

	specs := []struct {
		name     string
		interval time.Duration
		fn       loop.Func
	}{
		{"work_steal", 50 * time.Millisecond, loop.WorkStealRebalance(c.tasks, c.match, c.cfg, c.logger)},
		{"learning", 30 * time.Second, loop.LearningCycle(c.agents, c.logger)},
		{"swarm", 5 * time.Second, loop.SwarmCoordination(c.agents, c, c.cfg.Weights, c.logger)},
		{"metrics", 10 * time.Second, loop.MetricsAggregation(c.metricsA, c.logger)},
		{"resource", 5 * time.Second, loop.ResourceSample(c.resMon, c.logger)},
	}
	for _, s := range specs {
		c.wg.Add(1)
		go func(name string, interval time.Duration, fn loop.Func) {
			defer c.wg.Done()
			loop.Run(loopCtx, interval, name, c.logger, fn)
		}(s.name, s.interval, s.fn)
	}
}

// Shutdown cancels the background loops and waits for them to finish,
// within a grace period (spec §5 shutdown_grace_ms). Returns an error if
// the loops do not stop in time.
func (c *Coordinator) Shutdown() error {
	if c.cancel == nil {
		return nil
	}
	c.cancel()

	done := make(chan struct{})
	go func() {
		c.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-time.After(c.cfg.ShutdownGrace()):
		return coordinatorerr.New(coordinatorerr.Timeout, "background loops did not stop within shutdown_grace_ms")
	}
}

// CreateAgent registers a new agent (spec §4.9).
func (c *Coordinator) CreateAgent(spec agent.Spec) (ids.AgentID, error) {
	id, err := c.agents.CreateAgent(spec)
	if err != nil {
		return ids.AgentID{}, err
	}
	c.publish(events.AgentCreated, id.String(), "")
	c.metricsA.Counter("agents_created_total").Inc()
	return id, nil
}

// RemoveAgent retires an agent (spec §4.9), force-failing its in-flight
// task (if any) through the Task Store, as the policy dictates.
func (c *Coordinator) RemoveAgent(id ids.AgentID, policy agent.RemovePolicy, timeout time.Duration) error {
	err := c.agents.RemoveAgent(id, policy, timeout, func(taskID ids.TaskID) {
		if _, ferr := c.tasks.MarkFailed(taskID, "agent_lost: removed while busy"); ferr != nil {
			c.logger.Printf("[COORDINATOR] force-fail task %s on agent removal: %v", taskID, ferr)
		}
		c.publish(events.TaskFinished, id.String(), taskID.String())
	})
	if err != nil {
		return err
	}
	c.publish(events.AgentRemoved, id.String(), "")
	c.metricsA.Counter("agents_removed_total").Inc()
	return nil
}

// GetAgent returns an agent snapshot.
func (c *Coordinator) GetAgent(id ids.AgentID) (agent.Snapshot, error) { return c.agents.Get(id) }

// ListAgents lists agents matching filter.
func (c *Coordinator) ListAgents(filter agent.Filter) []agent.Snapshot { return c.agents.List(filter) }

// SubmitTask registers a new task (spec §4.9).
func (c *Coordinator) SubmitTask(spec task.Spec) (ids.TaskID, error) {
	id, err := c.tasks.CreateTask(spec)
	if err != nil {
		return ids.TaskID{}, err
	}
	c.publish(events.TaskSubmitted, "", id.String())
	c.metricsA.Counter("tasks_submitted_total").Inc()
	return id, nil
}

// CancelTask cancels a task from any non-terminal state (spec §4.9).
func (c *Coordinator) CancelTask(id ids.TaskID, reason string) error {
	if err := c.tasks.Cancel(id, reason); err != nil {
		return err
	}
	c.publish(events.TaskFinished, "", id.String())
	c.metricsA.Counter("tasks_cancelled_total").Inc()
	return nil
}

// GetTask returns a task snapshot.
func (c *Coordinator) GetTask(id ids.TaskID) (task.Snapshot, error) { return c.tasks.Get(id) }

// ListTasks lists tasks matching filter.
func (c *Coordinator) ListTasks(filter task.Filter) []task.Snapshot { return c.tasks.List(filter) }

// ExecuteWithVerification runs one task attempt and, while it is still
// Running, runs the requested verification tier against its result (spec
// §4.9, the Running -> [verify] -> {Succeeded, Ready, Failed} gate of spec
// §4.5). The task only reaches Succeeded once the verdict is known to have
// passed; a verification failure is treated the same as an execution
// failure -- the attempt is marked Failed (possibly requeued for retry).
func (c *Coordinator) ExecuteWithVerification(ctx context.Context, taskID ids.TaskID, work executor.AgentWork, tier verifier.Tier) (executor.Result, verifier.VerificationResult, error) {
	if !c.resMon.AdmissionOK() {
		return executor.Result{}, verifier.VerificationResult{}, coordinatorerr.New(coordinatorerr.Backpressured, "resource monitor declined admission")
	}

	res := c.exec.Execute(ctx, taskID, work, c.cfg.MaxTaskDuration())
	if res.Err != nil {
		c.metricsA.Counter("tasks_failed_total").Inc()
		c.publish(events.TaskFinished, res.AgentID.String(), taskID.String())
		return res, verifier.VerificationResult{}, res.Err
	}

	// res.Succeeded only means the attempt ran without error; the task is
	// still Running here, pending verification.
	vr := c.verify.Verify(ctx, tier, mustSnapshot(c.tasks, taskID), res.Output)
	c.publish(events.VerificationCompleted, res.AgentID.String(), taskID.String())

	if !vr.Passed {
		requeued, ferr := c.exec.Reject(taskID, res.AgentID, "verification_failed", res.LatencyMs)
		if ferr != nil {
			return res, vr, ferr
		}
		_ = requeued
		c.metricsA.Counter("verification_failed_total").Inc()
		c.publish(events.TaskFinished, res.AgentID.String(), taskID.String())
		return res, vr, coordinatorerr.New(coordinatorerr.VerificationFail, "task %s failed %s verification (score=%.3f)", taskID, tier, vr.Score)
	}

	if err := c.exec.Finalize(taskID, res.AgentID, res.LatencyMs); err != nil {
		return res, vr, err
	}
	c.metricsA.Counter("tasks_succeeded_total").Inc()
	c.publish(events.TaskFinished, res.AgentID.String(), taskID.String())
	return res, vr, nil
}

func mustSnapshot(tasks *task.Store, id ids.TaskID) task.Snapshot {
	snap, _ := tasks.Get(id)
	return snap
}

// Status is the coordinator-wide health summary (spec §4.9 status()).
type Status struct {
	AgentCount    int
	TaskCount     int
	AdmissionOK   bool
	MetricsSample metrics.Snapshot
}

// Status returns a coordinator-wide health summary.
func (c *Coordinator) Status() Status {
	return Status{
		AgentCount:    c.agents.Count(),
		TaskCount:     c.tasks.Count(),
		AdmissionOK:   c.resMon.AdmissionOK(),
		MetricsSample: c.metricsA.TakeSnapshot(),
	}
}

func (c *Coordinator) publish(t events.Type, agentID, taskID string) {
	if c.bus == nil {
		return
	}
	c.bus.Publish(context.Background(), events.New(t, agentID, taskID, nil))
}
