// Package task implements the Task Store (spec §4.3): task records, their
// state machine, and a work-stealing priority-aware ready queue.
//
// Adapted from internal/tasks/types.go and internal/tasks/queue.go in the
// wider CLIAIMONITOR product: the validTransitions map and per-record
// locking discipline survive unchanged in spirit, but the teacher's single
// sort.Slice queue is replaced with a sharded container/heap structure (the
// sharding and steal pattern follow OllamaMax's OptimizedPriorityQueue, read
// from the examples pack) so idle workers can steal ready work from a busy
// shard instead of blocking on one global lock.
package task

import (
	"container/heap"
	"fmt"
	"hash/fnv"
	"sync"
	"time"

	"github.com/do-ops885/ai-orchestrator-hub-sub003/internal/capability"
	"github.com/do-ops885/ai-orchestrator-hub-sub003/internal/coordinatorerr"
	"github.com/do-ops885/ai-orchestrator-hub-sub003/internal/ids"
)

// Status is a task's lifecycle state (spec §4.5).
type Status string

const (
	Pending   Status = "pending"
	Ready     Status = "ready"
	Assigned  Status = "assigned"
	Running   Status = "running"
	Succeeded Status = "succeeded"
	Failed    Status = "failed"
	Cancelled Status = "cancelled"
)

// validTransitions enumerates the legal state graph (spec §4.5). Any
// transition not listed here is rejected with InvalidTransition, mirroring
// internal/tasks/types.go's validTransitions map.
var validTransitions = map[Status][]Status{
	Pending:   {Ready, Cancelled},
	Ready:     {Assigned, Cancelled, Pending},
	Assigned:  {Running, Ready, Cancelled, Failed}, // Failed: agent removed before the task started
	Running:   {Succeeded, Failed, Cancelled},
	// Failed has no outgoing transitions in this map: it is always terminal
	// as externally observed (invariant T2, "terminal states are frozen").
	// MarkFailed's retry-as-Ready bookkeeping below mutates status directly
	// rather than going through canTransitionTo, since that requeue is an
	// internal continuation of the same attempt record, not a transition a
	// caller may request against an already-failed task.
	Failed:    {},
	Succeeded: {},
	Cancelled: {},
}

func (s Status) canTransitionTo(to Status) bool {
	for _, allowed := range validTransitions[s] {
		if allowed == to {
			return true
		}
	}
	return false
}

// IsTerminal reports whether a task in this state will never transition
// again. Failed is always terminal as externally observed: the retry path
// in MarkFailed moves a task straight from Running to Ready again without
// ever leaving it sitting in Failed, so a caller who observes Failed is
// always looking at the final attempt.
func (s Status) IsTerminal() bool {
	return s == Succeeded || s == Cancelled || s == Failed
}

// Spec is the input to CreateTask (spec §6 "Task spec contract").
type Spec struct {
	RequiredCapabilities []capability.Requirement
	Priority             int
	Payload              []byte
	MaxRetries           int
	Deadline             time.Time
}

// Validate rejects malformed specs (spec §4.3 InvalidSpec).
func (s Spec) Validate() error {
	var fields []coordinatorerr.FieldError
	if s.Priority < 0 {
		fields = append(fields, coordinatorerr.FieldError{Field: "priority", Reason: "must not be negative"})
	}
	if s.MaxRetries < 0 {
		fields = append(fields, coordinatorerr.FieldError{Field: "max_retries", Reason: "must not be negative"})
	}
	seen := make(map[string]bool, len(s.RequiredCapabilities))
	for _, r := range s.RequiredCapabilities {
		if r.Name == "" {
			fields = append(fields, coordinatorerr.FieldError{Field: "required_capabilities", Reason: "capability name must not be empty"})
			continue
		}
		if seen[r.Name] {
			fields = append(fields, coordinatorerr.FieldError{Field: "required_capabilities", Reason: fmt.Sprintf("duplicate requirement %q", r.Name)})
		}
		seen[r.Name] = true
		if r.MinProficiency < 0 || r.MinProficiency > 1 {
			fields = append(fields, coordinatorerr.FieldError{Field: "required_capabilities", Reason: fmt.Sprintf("%q min_proficiency must be in [0,1]", r.Name)})
		}
	}
	return coordinatorerr.NewValidation(fields)
}

// Snapshot is an immutable point-in-time copy of a task record.
type Snapshot struct {
	ID             ids.TaskID
	RequiredCaps   []capability.Requirement
	Priority       int
	Payload        []byte
	Status         Status
	AssignedAgent  ids.AgentID
	Attempt        int
	RetriesLeft    int
	MaxRetries     int
	FailureReason  string
	CancelReason   string
	CreatedAt      time.Time
	ReadyAt        time.Time
	StartedAt      time.Time
	FinishedAt     time.Time
	Deadline       time.Time
	Promoted       bool
}

// RetryCount is the "count up" complement of RetriesLeft: how many retry
// attempts have been consumed so far (spec SUPPLEMENTED FEATURES,
// "retries_left direction").
func (s Snapshot) RetryCount() int {
	return s.MaxRetries - s.RetriesLeft
}

// record is the mutable task entry, one per-task lock (spec §5: "Task
// records are protected by per-task locks").
type record struct {
	mu sync.Mutex

	id            ids.TaskID
	requiredCaps  []capability.Requirement
	priority      int
	payload       []byte
	status        Status
	assignedAgent ids.AgentID
	attempt       int
	retriesLeft   int
	maxRetries    int
	failureReason string
	cancelReason  string
	createdAt     time.Time
	readyAt       time.Time
	startedAt     time.Time
	finishedAt    time.Time
	deadline      time.Time

	// promotedAt records a starvation promotion (spec §4.3) as a derived
	// timestamp rather than mutating priority in place, so the bonus it
	// grants is automatically reversed the moment the task leaves Ready
	// for any reason -- effectivePriorityForHeap only honors it while
	// status == Ready.
	promotedAt time.Time

	// heapIndex is maintained by container/heap for O(log n) fix/remove
	// while the record sits in a shard's ready heap; -1 when not queued.
	heapIndex int
}

// promotionBonus is added to priority while a starvation promotion is in
// effect (spec §4.3 "anti-starvation promotion").
const promotionBonus = 1

// effectivePriorityForHeap returns the priority the ready heap should sort
// by: the task's base priority, bumped by promotionBonus only while a
// starvation promotion is active and the task is still Ready. Read without
// the record's own mutex, same as priority was before it -- shard.mu
// already serializes every heap operation for records living in that
// shard, and these fields only change while a record is queued under
// PromoteStarved, which itself holds shard.mu.
func (r *record) effectivePriorityForHeap() int {
	if r.status == Ready && !r.promotedAt.IsZero() {
		return r.priority + promotionBonus
	}
	return r.priority
}

// clearPromotionLocked reverses any starvation promotion; called on every
// transition away from Ready (spec SUPPLEMENTED FEATURES: "reversible on
// any state change").
func (r *record) clearPromotionLocked() {
	r.promotedAt = time.Time{}
}

func (r *record) snapshotLocked() Snapshot {
	caps := make([]capability.Requirement, len(r.requiredCaps))
	copy(caps, r.requiredCaps)
	return Snapshot{
		ID:            r.id,
		RequiredCaps:  caps,
		Priority:      r.priority,
		Payload:       r.payload,
		Status:        r.status,
		AssignedAgent: r.assignedAgent,
		Attempt:       r.attempt,
		RetriesLeft:   r.retriesLeft,
		MaxRetries:    r.maxRetries,
		FailureReason: r.failureReason,
		CancelReason:  r.cancelReason,
		CreatedAt:     r.createdAt,
		ReadyAt:       r.readyAt,
		StartedAt:     r.startedAt,
		FinishedAt:    r.finishedAt,
		Deadline:      r.deadline,
		Promoted:      !r.promotedAt.IsZero(),
	}
}

// readyHeap implements container/heap.Interface, ordered by descending
// priority, then ascending creation time, then lexicographic TaskID
// (spec §4.3: "ties broken by earliest creation time, then TaskID").
type readyHeap []*record

func (h readyHeap) Len() int { return len(h) }
func (h readyHeap) Less(i, j int) bool {
	pi, pj := h[i].effectivePriorityForHeap(), h[j].effectivePriorityForHeap()
	if pi != pj {
		return pi > pj
	}
	if !h[i].createdAt.Equal(h[j].createdAt) {
		return h[i].createdAt.Before(h[j].createdAt)
	}
	return h[i].id.Compare(h[j].id) < 0
}
func (h readyHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].heapIndex = i
	h[j].heapIndex = j
}
func (h *readyHeap) Push(x any) {
	rec := x.(*record)
	rec.heapIndex = len(*h)
	*h = append(*h, rec)
}
func (h *readyHeap) Pop() any {
	old := *h
	n := len(old)
	rec := old[n-1]
	old[n-1] = nil
	rec.heapIndex = -1
	*h = old[:n-1]
	return rec
}

// shard is one partition of the ready queue, independently lockable so
// concurrent workers rarely contend (spec §5 "work-stealing").
type shard struct {
	mu sync.Mutex
	h  readyHeap
}

// Store is the Task Store: the authoritative task map plus the sharded
// ready queue (spec §4.3).
type Store struct {
	mu       sync.RWMutex
	tasks    map[ids.TaskID]*record
	capIndex *capability.Index
	shards   []*shard
}

const defaultShardCount = 16

// New creates a Task Store backed by the given capability index, used to
// decide when a Pending task becomes Ready.
func New(capIndex *capability.Index) *Store {
	return NewWithShards(capIndex, defaultShardCount)
}

// NewWithShards is New with an explicit shard count, mainly for tests that
// want to force steal behavior deterministically.
func NewWithShards(capIndex *capability.Index, shardCount int) *Store {
	if shardCount < 1 {
		shardCount = 1
	}
	shards := make([]*shard, shardCount)
	for i := range shards {
		shards[i] = &shard{h: readyHeap{}}
	}
	return &Store{
		tasks:    make(map[ids.TaskID]*record),
		capIndex: capIndex,
		shards:   shards,
	}
}

func (s *Store) shardFor(id ids.TaskID) *shard {
	h := fnv.New32a()
	_, _ = h.Write([]byte(id.String()))
	return s.shards[h.Sum32()%uint32(len(s.shards))]
}

func (s *Store) pushReady(rec *record) {
	sh := s.shardFor(rec.id)
	sh.mu.Lock()
	heap.Push(&sh.h, rec)
	sh.mu.Unlock()
}

// CreateTask registers a new task. It starts Pending unless its required
// capabilities are already covered by some agent, in which case it is
// immediately promoted to Ready and enqueued (spec §4.3, T1).
func (s *Store) CreateTask(spec Spec) (ids.TaskID, error) {
	if err := spec.Validate(); err != nil {
		return ids.TaskID{}, err
	}

	id := ids.NewTaskID()
	now := time.Now()
	rec := &record{
		id:           id,
		requiredCaps: append([]capability.Requirement(nil), spec.RequiredCapabilities...),
		priority:     spec.Priority,
		payload:      spec.Payload,
		status:       Pending,
		attempt:      0,
		retriesLeft:  spec.MaxRetries,
		maxRetries:   spec.MaxRetries,
		createdAt:    now,
		deadline:     spec.Deadline,
		heapIndex:    -1,
	}

	s.mu.Lock()
	s.tasks[id] = rec
	s.mu.Unlock()

	if s.capIndex.Satisfies(rec.requiredCaps) {
		rec.mu.Lock()
		rec.status = Ready
		rec.readyAt = now
		rec.mu.Unlock()
		s.pushReady(rec)
	}
	return id, nil
}

// RescanPending promotes every Pending task whose requirements are now
// covered to Ready (spec §4.3 T3, called on every tick of the work-steal
// rebalance loop). Returns how many were promoted.
func (s *Store) RescanPending() int {
	s.mu.RLock()
	pending := make([]*record, 0)
	for _, rec := range s.tasks {
		rec.mu.Lock()
		if rec.status == Pending {
			pending = append(pending, rec)
		}
		rec.mu.Unlock()
	}
	s.mu.RUnlock()

	promoted := 0
	for _, rec := range pending {
		if !s.capIndex.Satisfies(rec.requiredCaps) {
			continue
		}
		rec.mu.Lock()
		if rec.status == Pending {
			rec.status = Ready
			rec.readyAt = time.Now()
			rec.mu.Unlock()
			s.pushReady(rec)
			promoted++
			continue
		}
		rec.mu.Unlock()
	}
	return promoted
}

// ExpireUnsatisfiable fails every Pending task that has waited longer than
// maxWait without its requirements becoming satisfiable (spec §4.3,
// "max_pending_wait expiry").
func (s *Store) ExpireUnsatisfiable(maxWait time.Duration) int {
	deadline := time.Now().Add(-maxWait)
	s.mu.RLock()
	candidates := make([]*record, 0)
	for _, rec := range s.tasks {
		candidates = append(candidates, rec)
	}
	s.mu.RUnlock()

	expired := 0
	for _, rec := range candidates {
		rec.mu.Lock()
		if rec.status == Pending && rec.createdAt.Before(deadline) {
			rec.status = Failed
			rec.failureReason = "no_eligible_agent: capability requirements never became satisfiable"
			rec.finishedAt = time.Now()
			expired++
		}
		rec.mu.Unlock()
	}
	return expired
}

// PromoteStarved bumps the priority of Ready tasks that have waited past
// threshold, re-seating them in their shard's heap (spec §4.3
// "starvation_threshold", anti-starvation promotion). Returns how many were
// promoted.
func (s *Store) PromoteStarved(threshold time.Duration) int {
	deadline := time.Now().Add(-threshold)
	promoted := 0
	for _, sh := range s.shards {
		sh.mu.Lock()
		for _, rec := range sh.h {
			rec.mu.Lock()
			if rec.status == Ready && rec.promotedAt.IsZero() && rec.readyAt.Before(deadline) {
				rec.promotedAt = time.Now()
				promoted++
			}
			rec.mu.Unlock()
		}
		heap.Init(&sh.h)
		sh.mu.Unlock()
	}
	return promoted
}

// PopReady removes and returns the highest-priority Ready task from the
// shard preferred (by index modulo shard count), falling back to stealing
// from the next non-empty shard in index order if the preferred shard is
// empty (spec §4.3/§5 "work-stealing").
func (s *Store) PopReady(preferredShard int) (Snapshot, bool) {
	n := len(s.shards)
	if n == 0 {
		return Snapshot{}, false
	}
	idx := ((preferredShard % n) + n) % n

	if rec, ok := s.popFrom(idx); ok {
		return s.finishPop(rec), true
	}
	for off := 1; off < n; off++ {
		try := (idx + off) % n
		if rec, ok := s.popFrom(try); ok {
			return s.finishPop(rec), true
		}
	}
	return Snapshot{}, false
}

func (s *Store) popFrom(shardIdx int) (*record, bool) {
	sh := s.shards[shardIdx]
	sh.mu.Lock()
	defer sh.mu.Unlock()
	if sh.h.Len() == 0 {
		return nil, false
	}
	rec := heap.Pop(&sh.h).(*record)
	return rec, true
}

func (s *Store) finishPop(rec *record) Snapshot {
	rec.mu.Lock()
	defer rec.mu.Unlock()
	return rec.snapshotLocked()
}

// Requeue re-enters a Ready task into its shard's heap without changing its
// state. Used by the Matcher when a Ready task was popped for consideration
// but no eligible idle agent could be found or the assignment race was lost
// (spec §4.4, "unsatisfiable_waits").
func (s *Store) Requeue(id ids.TaskID) error {
	rec, err := s.find(id)
	if err != nil {
		return err
	}
	rec.mu.Lock()
	if rec.status != Ready {
		rec.mu.Unlock()
		return coordinatorerr.New(coordinatorerr.InvalidTransition, "task %s is not ready (status=%s)", id, rec.status)
	}
	rec.mu.Unlock()
	s.pushReady(rec)
	return nil
}

// DemoteToPending moves a Ready task back to Pending when the Matcher finds
// that no registered agent -- idle or not -- covers its requirements any
// longer (spec §4.4: "if the task's required capabilities are no longer
// satisfiable by any existing agent ... moves the task back to Pending").
// A later RescanPending promotes it back to Ready once some agent covers it.
func (s *Store) DemoteToPending(id ids.TaskID) error {
	rec, err := s.find(id)
	if err != nil {
		return err
	}
	rec.mu.Lock()
	defer rec.mu.Unlock()
	if !rec.status.canTransitionTo(Pending) {
		return coordinatorerr.New(coordinatorerr.InvalidTransition, "task %s cannot move %s -> pending", id, rec.status)
	}
	rec.status = Pending
	rec.clearPromotionLocked()
	return nil
}

// MarkAssigned transitions Ready -> Assigned(agent) (spec §4.4 step 4, the
// atomic half owned by the Task Store).
func (s *Store) MarkAssigned(id ids.TaskID, agent ids.AgentID) error {
	rec, err := s.find(id)
	if err != nil {
		return err
	}
	rec.mu.Lock()
	defer rec.mu.Unlock()
	if !rec.status.canTransitionTo(Assigned) {
		return coordinatorerr.New(coordinatorerr.InvalidTransition, "task %s cannot move %s -> assigned", id, rec.status)
	}
	rec.status = Assigned
	rec.assignedAgent = agent
	rec.attempt++
	rec.clearPromotionLocked()
	return nil
}

// MarkRunning transitions Assigned -> Running.
func (s *Store) MarkRunning(id ids.TaskID) error {
	rec, err := s.find(id)
	if err != nil {
		return err
	}
	rec.mu.Lock()
	defer rec.mu.Unlock()
	if !rec.status.canTransitionTo(Running) {
		return coordinatorerr.New(coordinatorerr.InvalidTransition, "task %s cannot move %s -> running", id, rec.status)
	}
	rec.status = Running
	rec.startedAt = time.Now()
	return nil
}

// MarkSucceeded transitions Running -> Succeeded.
func (s *Store) MarkSucceeded(id ids.TaskID) error {
	rec, err := s.find(id)
	if err != nil {
		return err
	}
	rec.mu.Lock()
	defer rec.mu.Unlock()
	if !rec.status.canTransitionTo(Succeeded) {
		return coordinatorerr.New(coordinatorerr.InvalidTransition, "task %s cannot move %s -> succeeded", id, rec.status)
	}
	rec.status = Succeeded
	rec.finishedAt = time.Now()
	return nil
}

// MarkFailed transitions Assigned or Running -> Failed. If the task has
// retries_left remaining, it is instead requeued: -> Failed -> Ready with
// retries_left decremented by one (spec §4.5, §9 "retries_left decrements on
// every failed attempt, counting down to zero"). Returns true if the task
// was requeued rather than terminally failed.
func (s *Store) MarkFailed(id ids.TaskID, reason string) (requeued bool, err error) {
	rec, err := s.find(id)
	if err != nil {
		return false, err
	}
	rec.mu.Lock()
	if !rec.status.canTransitionTo(Failed) {
		rec.mu.Unlock()
		return false, coordinatorerr.New(coordinatorerr.InvalidTransition, "task %s cannot move %s -> failed", id, rec.status)
	}
	rec.status = Failed
	rec.failureReason = reason
	rec.assignedAgent = ids.AgentID{}
	rec.clearPromotionLocked()

	if rec.retriesLeft > 0 {
		rec.retriesLeft--
		rec.status = Ready
		rec.readyAt = time.Now()
		rec.mu.Unlock()
		s.pushReady(rec)
		return true, nil
	}
	rec.finishedAt = time.Now()
	rec.mu.Unlock()
	return false, nil
}

// Cancel transitions the task to Cancelled from any non-terminal state
// (spec §4.3 cancel_task).
func (s *Store) Cancel(id ids.TaskID, reason string) error {
	rec, err := s.find(id)
	if err != nil {
		return err
	}
	// Shard lock before record lock, the same order PromoteStarved uses, so
	// a queued Ready task leaves its heap as it is cancelled.
	sh := s.shardFor(id)
	sh.mu.Lock()
	defer sh.mu.Unlock()
	rec.mu.Lock()
	defer rec.mu.Unlock()
	if !rec.status.canTransitionTo(Cancelled) {
		return coordinatorerr.New(coordinatorerr.InvalidTransition, "task %s cannot move %s -> cancelled", id, rec.status)
	}
	if i := rec.heapIndex; i >= 0 && i < sh.h.Len() && sh.h[i] == rec {
		heap.Remove(&sh.h, i)
	}
	rec.status = Cancelled
	rec.cancelReason = reason
	rec.finishedAt = time.Now()
	rec.clearPromotionLocked()
	return nil
}

// Get returns an immutable snapshot of the task.
func (s *Store) Get(id ids.TaskID) (Snapshot, error) {
	rec, err := s.find(id)
	if err != nil {
		return Snapshot{}, err
	}
	rec.mu.Lock()
	defer rec.mu.Unlock()
	return rec.snapshotLocked(), nil
}

func (s *Store) find(id ids.TaskID) (*record, error) {
	s.mu.RLock()
	rec, ok := s.tasks[id]
	s.mu.RUnlock()
	if !ok {
		return nil, coordinatorerr.New(coordinatorerr.NotFound, "task %s not found", id)
	}
	return rec, nil
}

// Filter selects tasks for List (spec §4.9 list_tasks(filter)).
type Filter struct {
	Status Status
}

// List returns snapshots of every task matching filter.
func (s *Store) List(filter Filter) []Snapshot {
	s.mu.RLock()
	recs := make([]*record, 0, len(s.tasks))
	for _, rec := range s.tasks {
		recs = append(recs, rec)
	}
	s.mu.RUnlock()

	out := make([]Snapshot, 0, len(recs))
	for _, rec := range recs {
		rec.mu.Lock()
		snap := rec.snapshotLocked()
		rec.mu.Unlock()
		if filter.Status == "" || snap.Status == filter.Status {
			out = append(out, snap)
		}
	}
	return out
}

// Count returns the number of tasks currently tracked.
func (s *Store) Count() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.tasks)
}

// ShardCount reports how many ready-queue shards this store was built with,
// so callers (Matcher workers) can pick a stable preferred shard index.
func (s *Store) ShardCount() int {
	return len(s.shards)
}
