// Package agent implements the Agent Registry (spec §4.2): the
// authoritative map of agent identity to agent record, with create/remove/
// lookup and the capability index kept in sync under a Registry-wide write
// barrier (spec §5).
//
// Adapted from the shape of internal/agents/spawner.go's ProcessSpawner in
// the wider product this was distilled from: a counter-guarded map behind a
// RWMutex, with a dedicated serialization mutex for the operation that must
// never race (there it was spawn-target selection; here it is agent
// create/remove, serialized by Registry.writeBarrier). Everything WezTerm/process-specific (pane ids,
// PID files, shelling out) is dropped -- an agent here is a capability-
// bearing state machine, not a spawned terminal.
package agent

import (
	"fmt"
	"log"
	"sort"
	"sync"
	"time"

	"github.com/do-ops885/ai-orchestrator-hub-sub003/internal/capability"
	"github.com/do-ops885/ai-orchestrator-hub-sub003/internal/coordinatorerr"
	"github.com/do-ops885/ai-orchestrator-hub-sub003/internal/ids"
)

// Kind is the agent archetype (spec §3).
type Kind string

const (
	KindWorker      Kind = "worker"
	KindSpecialist  Kind = "specialist"
	KindCoordinator Kind = "coordinator"
	KindLearner     Kind = "learner"
)

// Status is the agent's lifecycle state (spec §3).
type Status string

const (
	Idle     Status = "idle"
	Assigned Status = "assigned"
	Running  Status = "running"
	Failing  Status = "failing"
	Retired  Status = "retired"
)

// MaxEnergy bounds the Energy field (spec §3: "energy: float in [0, MAX_ENERGY]").
const MaxEnergy = 100.0

// EnergyRechargeRate is how fast an Idle agent's energy recovers, in
// points per second.
const EnergyRechargeRate = 1.0

// EnergyDecayOnFailure is the energy cost of a failed task attempt.
const EnergyDecayOnFailure = 15.0

// Performance tracks the rolling statistics spec §3 names.
type Performance struct {
	TasksCompleted int64
	TasksFailed    int64
	EWMALatencyMs  float64
	EWMAScore      float64
}

// ewmaAlpha is the smoothing factor for the exponentially weighted moving
// averages in Performance.
const ewmaAlpha = 0.2

func ewma(prev, sample, alpha float64) float64 {
	if prev == 0 {
		return sample
	}
	return alpha*sample + (1-alpha)*prev
}

// Snapshot is an immutable point-in-time copy of an agent record (spec §4.2
// get(id) -> Snapshot).
type Snapshot struct {
	ID             ids.AgentID
	Name           string
	Kind           Kind
	Domain         string
	Capabilities   []capability.Capability
	Status         Status
	CurrentTask    ids.TaskID
	Energy         float64
	Performance    Performance
	CreatedAt      time.Time
	LastActivityAt time.Time
}

// LoadFraction approximates "current_load_fraction" from spec §4.4's score
// formula: 0 when Idle, 1 when Assigned/Running/Failing.
func (s Snapshot) LoadFraction() float64 {
	if s.Status == Idle {
		return 0
	}
	return 1
}

// record is the mutable agent entry. Every mutation to a record's fields
// goes through its own mutex (spec §5: "Agent records are protected by
// per-agent locks; only the owning lock may mutate").
type record struct {
	mu sync.Mutex

	id             ids.AgentID
	name           string
	kind           Kind
	domain         string
	capabilities   map[string]capability.Capability
	status         Status
	currentTask    ids.TaskID
	energy         float64
	perf           Performance
	createdAt      time.Time
	lastActivityAt time.Time
	lastEnergyTick time.Time
}

func (r *record) snapshotLocked() Snapshot {
	caps := make([]capability.Capability, 0, len(r.capabilities))
	for _, c := range r.capabilities {
		caps = append(caps, c)
	}
	sort.Slice(caps, func(i, j int) bool { return caps[i].Name < caps[j].Name })
	return Snapshot{
		ID:             r.id,
		Name:           r.name,
		Kind:           r.kind,
		Domain:         r.domain,
		Capabilities:   caps,
		Status:         r.status,
		CurrentTask:    r.currentTask,
		Energy:         r.energy,
		Performance:    r.perf,
		CreatedAt:      r.createdAt,
		LastActivityAt: r.lastActivityAt,
	}
}

// applyEnergyLocked recharges energy for idle wall-clock time elapsed since
// the last tick (spec §3: "recharges on idle").
func (r *record) applyEnergyLocked(now time.Time) {
	if r.status != Idle {
		r.lastEnergyTick = now
		return
	}
	elapsed := now.Sub(r.lastEnergyTick).Seconds()
	if elapsed <= 0 {
		return
	}
	r.energy += elapsed * EnergyRechargeRate
	if r.energy > MaxEnergy {
		r.energy = MaxEnergy
	}
	r.lastEnergyTick = now
}

// Spec is the agent-creation input (spec §6 "Agent spec contract").
type Spec struct {
	Name         string
	Kind         Kind
	Domain       string
	Capabilities []capability.Capability
	InitialEnergy float64
}

// Validate rejects malformed specs (spec §4.2 InvalidSpec, §6 duplicate
// capability names within a single spec).
func (s Spec) Validate() error {
	var fields []coordinatorerr.FieldError
	switch s.Kind {
	case KindWorker, KindSpecialist, KindCoordinator, KindLearner:
	default:
		fields = append(fields, coordinatorerr.FieldError{Field: "kind", Reason: "unknown agent kind"})
	}
	if s.Kind == KindSpecialist && s.Domain == "" {
		fields = append(fields, coordinatorerr.FieldError{Field: "domain", Reason: "specialist requires a domain"})
	}
	seen := make(map[string]bool, len(s.Capabilities))
	for _, c := range s.Capabilities {
		if seen[c.Name] {
			fields = append(fields, coordinatorerr.FieldError{Field: "capabilities", Reason: fmt.Sprintf("duplicate capability name %q", c.Name)})
			continue
		}
		seen[c.Name] = true
		if err := c.Validate(); err != nil {
			fields = append(fields, coordinatorerr.FieldError{Field: "capabilities", Reason: err.Error()})
		}
	}
	return coordinatorerr.NewValidation(fields)
}

// RemovePolicy controls how remove_agent handles an agent with in-flight
// work (spec §4.2).
type RemovePolicy string

const (
	// WaitDrain waits up to a timeout for the in-flight task to finish,
	// then force-fails it.
	WaitDrain RemovePolicy = "wait_drain"
	// ForceImmediate force-fails the in-flight task right away.
	ForceImmediate RemovePolicy = "force_immediate"
)

// Registry is the authoritative Agent map (spec §4.2).
type Registry struct {
	// writeBarrier serializes create/remove so the capability index never
	// observes a partially-applied mutation (spec §4.2: "registering both
	// create and remove under a Registry-wide write barrier").
	writeBarrier sync.Mutex

	mu        sync.RWMutex
	agents    map[ids.AgentID]*record
	names     map[string]ids.AgentID
	capIndex  *capability.Index
	maxAgents int
	logger    *log.Logger
}

// New creates a Registry backed by the given capability index.
func New(capIndex *capability.Index, maxAgents int, logger *log.Logger) *Registry {
	if logger == nil {
		logger = log.Default()
	}
	return &Registry{
		agents:    make(map[ids.AgentID]*record),
		names:     make(map[string]ids.AgentID),
		capIndex:  capIndex,
		maxAgents: maxAgents,
		logger:    logger,
	}
}

// CreateAgent registers a new agent (spec §4.2).
func (r *Registry) CreateAgent(spec Spec) (ids.AgentID, error) {
	if err := spec.Validate(); err != nil {
		return ids.AgentID{}, err
	}

	r.writeBarrier.Lock()
	defer r.writeBarrier.Unlock()

	r.mu.Lock()
	if len(r.agents) >= r.maxAgents {
		r.mu.Unlock()
		return ids.AgentID{}, coordinatorerr.New(coordinatorerr.CapacityExceeded, "registry holds %d agents (max %d)", len(r.agents), r.maxAgents)
	}
	if spec.Name != "" {
		if _, exists := r.names[spec.Name]; exists {
			r.mu.Unlock()
			return ids.AgentID{}, coordinatorerr.New(coordinatorerr.InvalidSpec, "agent name %q already in use", spec.Name)
		}
	}

	id := ids.NewAgentID()
	now := time.Now()
	energy := spec.InitialEnergy
	if energy <= 0 {
		energy = MaxEnergy
	}
	caps := make(map[string]capability.Capability, len(spec.Capabilities))
	for _, c := range spec.Capabilities {
		caps[c.Name] = c
	}

	rec := &record{
		id:             id,
		name:           spec.Name,
		kind:           spec.Kind,
		domain:         spec.Domain,
		capabilities:   caps,
		status:         Idle,
		energy:         energy,
		createdAt:      now,
		lastActivityAt: now,
		lastEnergyTick: now,
	}
	r.agents[id] = rec
	if spec.Name != "" {
		r.names[spec.Name] = id
	}
	r.mu.Unlock()

	r.capIndex.Set(id, spec.Capabilities)
	r.logger.Printf("[REGISTRY] created agent %s (kind=%s, caps=%d)", id, spec.Kind, len(spec.Capabilities))
	return id, nil
}

// RemoveAgent retires an agent (spec §4.2). If the agent has in-flight work,
// policy governs the wait: WaitDrain polls until the task clears or timeout
// elapses (then force-fails), ForceImmediate force-fails right away.
// onForceFail is invoked with the in-flight TaskID exactly when this call
// needed to force-fail it; the caller (Coordinator) owns transitioning that
// task through the Task Store, since the Registry does not own Task records
// (spec §3 "Ownership").
func (r *Registry) RemoveAgent(id ids.AgentID, policy RemovePolicy, timeout time.Duration, onForceFail func(ids.TaskID)) error {
	r.writeBarrier.Lock()
	defer r.writeBarrier.Unlock()

	r.mu.RLock()
	rec, ok := r.agents[id]
	r.mu.RUnlock()
	if !ok {
		return coordinatorerr.New(coordinatorerr.NotFound, "agent %s not found", id)
	}

	deadline := time.Now().Add(timeout)
	for {
		rec.mu.Lock()
		busy := rec.status == Assigned || rec.status == Running
		task := rec.currentTask
		if !busy {
			rec.status = Retired
			rec.mu.Unlock()
			break
		}
		if policy == ForceImmediate || time.Now().After(deadline) {
			rec.status = Retired
			rec.mu.Unlock()
			if onForceFail != nil {
				onForceFail(task)
			}
			break
		}
		rec.mu.Unlock()
		time.Sleep(10 * time.Millisecond)
	}

	r.mu.Lock()
	delete(r.agents, id)
	if rec.name != "" {
		delete(r.names, rec.name)
	}
	r.mu.Unlock()
	r.capIndex.Remove(id)

	r.logger.Printf("[REGISTRY] removed agent %s (policy=%s)", id, policy)
	return nil
}

// Get returns an immutable snapshot of the agent (spec §4.2).
func (r *Registry) Get(id ids.AgentID) (Snapshot, error) {
	r.mu.RLock()
	rec, ok := r.agents[id]
	r.mu.RUnlock()
	if !ok {
		return Snapshot{}, coordinatorerr.New(coordinatorerr.NotFound, "agent %s not found", id)
	}
	rec.mu.Lock()
	rec.applyEnergyLocked(time.Now())
	snap := rec.snapshotLocked()
	rec.mu.Unlock()
	return snap, nil
}

// Filter selects agents for ListAgents (spec §4.9 list_agents(filter)).
type Filter struct {
	Kind   Kind
	Status Status
	// HasCapability, if non-empty, restricts to agents carrying this
	// capability name.
	HasCapability string
}

func (f Filter) matches(s Snapshot) bool {
	if f.Kind != "" && s.Kind != f.Kind {
		return false
	}
	if f.Status != "" && s.Status != f.Status {
		return false
	}
	if f.HasCapability != "" {
		found := false
		for _, c := range s.Capabilities {
			if c.Name == f.HasCapability {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	return true
}

// List returns snapshots of every agent matching filter (spec §4.9 list_agents).
func (r *Registry) List(filter Filter) []Snapshot {
	r.mu.RLock()
	recs := make([]*record, 0, len(r.agents))
	for _, rec := range r.agents {
		recs = append(recs, rec)
	}
	r.mu.RUnlock()

	now := time.Now()
	out := make([]Snapshot, 0, len(recs))
	for _, rec := range recs {
		rec.mu.Lock()
		rec.applyEnergyLocked(now)
		snap := rec.snapshotLocked()
		rec.mu.Unlock()
		if filter.matches(snap) {
			out = append(out, snap)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID.String() < out[j].ID.String() })
	return out
}

// IterByCapability delegates to the capability index (spec §4.2).
func (r *Registry) IterByCapability(name string, minProficiency float64) []capability.Entry {
	return r.capIndex.IterByCapability(name, minProficiency)
}

// TryAssign attempts the agent half of the atomic Ready->Assigned transition
// (spec §4.4 step 4): Idle -> Assigned(task). Returns false if the agent is
// not Idle (another assignment won the race, or it has since gone Retired).
func (r *Registry) TryAssign(id ids.AgentID, task ids.TaskID) bool {
	r.mu.RLock()
	rec, ok := r.agents[id]
	r.mu.RUnlock()
	if !ok {
		return false
	}
	rec.mu.Lock()
	defer rec.mu.Unlock()
	if rec.status != Idle {
		return false
	}
	rec.applyEnergyLocked(time.Now())
	rec.status = Assigned
	rec.currentTask = task
	rec.lastActivityAt = time.Now()
	return true
}

// Start transitions Assigned(task) -> Running(task) (spec §4.5).
func (r *Registry) Start(id ids.AgentID, task ids.TaskID) error {
	r.mu.RLock()
	rec, ok := r.agents[id]
	r.mu.RUnlock()
	if !ok {
		return coordinatorerr.New(coordinatorerr.NotFound, "agent %s not found", id)
	}
	rec.mu.Lock()
	defer rec.mu.Unlock()
	if rec.status != Assigned || rec.currentTask != task {
		return coordinatorerr.New(coordinatorerr.InvalidTransition, "agent %s is not Assigned(%s)", id, task)
	}
	rec.status = Running
	rec.lastActivityAt = time.Now()
	return nil
}

// Release returns the agent to Idle after its task reaches a terminal state
// or is requeued (spec §4.5 transitions back to Ready free the agent).
func (r *Registry) Release(id ids.AgentID) error {
	r.mu.RLock()
	rec, ok := r.agents[id]
	r.mu.RUnlock()
	if !ok {
		return coordinatorerr.New(coordinatorerr.NotFound, "agent %s not found", id)
	}
	rec.mu.Lock()
	defer rec.mu.Unlock()
	if rec.status == Retired {
		return nil
	}
	rec.status = Idle
	rec.currentTask = ids.TaskID{}
	rec.lastActivityAt = time.Now()
	rec.lastEnergyTick = time.Now()
	return nil
}

// MarkFailing flags an agent as Failing (e.g. repeated task failures) without
// clearing its current task. No component in this module calls it.
func (r *Registry) MarkFailing(id ids.AgentID) error {
	r.mu.RLock()
	rec, ok := r.agents[id]
	r.mu.RUnlock()
	if !ok {
		return coordinatorerr.New(coordinatorerr.NotFound, "agent %s not found", id)
	}
	rec.mu.Lock()
	defer rec.mu.Unlock()
	rec.status = Failing
	return nil
}

// Outcome is what the Executor/Verifier report back after a task attempt
// (spec §4.2 update_performance).
type Outcome struct {
	Succeeded bool
	LatencyMs float64
	Score     float64
}

// UpdatePerformance folds an execution outcome into the agent's rolling
// stats and applies the energy-decay-on-failure rule (spec §3, §4.2).
func (r *Registry) UpdatePerformance(id ids.AgentID, outcome Outcome) error {
	r.mu.RLock()
	rec, ok := r.agents[id]
	r.mu.RUnlock()
	if !ok {
		return coordinatorerr.New(coordinatorerr.NotFound, "agent %s not found", id)
	}
	rec.mu.Lock()
	defer rec.mu.Unlock()

	if outcome.Succeeded {
		rec.perf.TasksCompleted++
	} else {
		rec.perf.TasksFailed++
		rec.energy -= EnergyDecayOnFailure
		if rec.energy < 0 {
			rec.energy = 0
		}
	}
	rec.perf.EWMALatencyMs = ewma(rec.perf.EWMALatencyMs, outcome.LatencyMs, ewmaAlpha)
	rec.perf.EWMAScore = ewma(rec.perf.EWMAScore, outcome.Score, ewmaAlpha)
	rec.lastActivityAt = time.Now()
	return nil
}

// UpdateCapabilityProficiency is called by the learning cycle (spec §4.7)
// to apply a new clamped proficiency for one capability, under the agent's
// own lock, updating the capability index in the same critical section
// (spec §4.2: "Learning updates change proficiency under a per-agent lock;
// the capability index is updated in the same critical section").
func (r *Registry) UpdateCapabilityProficiency(id ids.AgentID, name string, proficiency float64) error {
	r.mu.RLock()
	rec, ok := r.agents[id]
	r.mu.RUnlock()
	if !ok {
		return coordinatorerr.New(coordinatorerr.NotFound, "agent %s not found", id)
	}
	rec.mu.Lock()
	c, has := rec.capabilities[name]
	if !has {
		rec.mu.Unlock()
		return coordinatorerr.New(coordinatorerr.NotFound, "agent %s has no capability %q", id, name)
	}
	c.Proficiency = proficiency
	rec.capabilities[name] = c
	rec.mu.Unlock()

	r.capIndex.UpdateProficiency(id, name, proficiency)
	return nil
}

// Count returns the number of agents currently registered.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.agents)
}

// CapabilityIndex exposes the shared capability index so the Matcher can
// score candidates without duplicating it (spec §4.4).
func (r *Registry) CapabilityIndex() *capability.Index {
	return r.capIndex
}
