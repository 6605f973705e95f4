// Package events implements the coordinator's event stream (spec §6):
// a monotonically sequenced feed of lifecycle events, an in-process Bus
// with backpressure-tolerant delivery, a durable EventStore, and an
// optional bridge to NATS for out-of-process subscribers.
//
// Carried from the teacher's internal/events package almost unchanged in
// structure (Bus/Event/EventStore, Subscribe/Unsubscribe/Publish with
// send-with-backpressure-and-retry, an atomic dropped-event counter) and
// retargeted to spec §6's event taxonomy with a monotonic sequence number
// and a Since(seq) resume API for the retention window spec §6 describes.
package events

import (
	"context"
	"database/sql"
	"fmt"
	"log"
	"sync"
	"sync/atomic"
	"time"

	_ "modernc.org/sqlite"
)

// Type is one of the event kinds spec §6 enumerates.
type Type string

const (
	AgentCreated         Type = "AgentCreated"
	AgentRemoved         Type = "AgentRemoved"
	TaskSubmitted        Type = "TaskSubmitted"
	TaskReady            Type = "TaskReady"
	TaskAssigned         Type = "TaskAssigned"
	TaskStarted          Type = "TaskStarted"
	TaskFinished         Type = "TaskFinished"
	VerificationCompleted Type = "VerificationCompleted"
	AlertRaised          Type = "AlertRaised"
	MetricsSnapshot      Type = "MetricsSnapshot"
)

// AllTypes lists every recognized event type, mirroring the teacher's
// AllEventTypes helper used by test fixtures and subscription filters.
func AllTypes() []Type {
	return []Type{
		AgentCreated, AgentRemoved, TaskSubmitted, TaskReady, TaskAssigned,
		TaskStarted, TaskFinished, VerificationCompleted, AlertRaised, MetricsSnapshot,
	}
}

// Event is one published occurrence (spec §6). Outcome is only meaningful
// for TaskFinished ("succeeded" | "failed" | "cancelled").
type Event struct {
	Sequence  uint64
	Type      Type
	Outcome   string
	AgentID   string
	TaskID    string
	Payload   map[string]any
	CreatedAt time.Time
}

// New builds an Event with no sequence number assigned yet; Bus.Publish
// assigns one atomically at publish time.
func New(t Type, agentID, taskID string, payload map[string]any) Event {
	return Event{Type: t, AgentID: agentID, TaskID: taskID, Payload: payload, CreatedAt: time.Now()}
}

// subscriber is one Bus subscription: a buffered channel plus the filter
// of types it wants.
type subscriber struct {
	ch     chan Event
	filter map[Type]bool
}

// Bus is the in-process publish/subscribe hub (spec §6), adapted from
// internal/events/bus.go.
type Bus struct {
	mu          sync.RWMutex
	subscribers map[int]*subscriber
	nextID      int
	sequence    atomic.Uint64
	dropped     atomic.Uint64
	store       *Store
	logger      *log.Logger

	retention time.Duration
	retainMu  sync.Mutex
	retained  []Event
}

// NewBus creates a Bus. store may be nil; when set, every published event
// is durably persisted before fan-out (spec §6 durability). retention
// bounds the in-memory ring used by Since for subscribers that want a
// resume point without round-tripping to the store.
func NewBus(store *Store, retention time.Duration, logger *log.Logger) *Bus {
	if logger == nil {
		logger = log.Default()
	}
	return &Bus{
		subscribers: make(map[int]*subscriber),
		store:       store,
		logger:      logger,
		retention:   retention,
	}
}

// Subscribe registers a new subscriber. An empty types list subscribes to
// everything. The returned channel is closed by Unsubscribe.
func (b *Bus) Subscribe(bufferSize int, types ...Type) (id int, ch <-chan Event) {
	if bufferSize <= 0 {
		bufferSize = 64
	}
	filter := make(map[Type]bool, len(types))
	for _, t := range types {
		filter[t] = true
	}
	sub := &subscriber{ch: make(chan Event, bufferSize), filter: filter}

	b.mu.Lock()
	b.nextID++
	id = b.nextID
	b.subscribers[id] = sub
	b.mu.Unlock()
	return id, sub.ch
}

// Unsubscribe removes a subscriber and closes its channel.
func (b *Bus) Unsubscribe(id int) {
	b.mu.Lock()
	sub, ok := b.subscribers[id]
	delete(b.subscribers, id)
	b.mu.Unlock()
	if ok {
		close(sub.ch)
	}
}

// Publish assigns the next sequence number, persists (if a Store is
// configured) and fans the event out to every matching subscriber. Delivery
// uses a short backpressure-tolerant retry before giving up and counting
// the event as dropped for that subscriber (spec §6, adapted from
// sendWithBackpressure).
func (b *Bus) Publish(ctx context.Context, ev Event) Event {
	ev.Sequence = b.sequence.Add(1)
	if ev.CreatedAt.IsZero() {
		ev.CreatedAt = time.Now()
	}

	if b.store != nil {
		if err := b.store.Save(ctx, ev); err != nil {
			b.logger.Printf("[EVENTS] persist failed for seq=%d type=%s: %v", ev.Sequence, ev.Type, err)
		}
	}

	b.retainMu.Lock()
	b.retained = append(b.retained, ev)
	b.pruneRetainedLocked()
	b.retainMu.Unlock()

	b.mu.RLock()
	subs := make([]*subscriber, 0, len(b.subscribers))
	for _, sub := range b.subscribers {
		if len(sub.filter) == 0 || sub.filter[ev.Type] {
			subs = append(subs, sub)
		}
	}
	b.mu.RUnlock()

	for _, sub := range subs {
		b.sendWithBackpressure(sub, ev)
	}
	return ev
}

func (b *Bus) sendWithBackpressure(sub *subscriber, ev Event) {
	select {
	case sub.ch <- ev:
		return
	default:
	}
	timer := time.NewTimer(20 * time.Millisecond)
	defer timer.Stop()
	select {
	case sub.ch <- ev:
	case <-timer.C:
		b.dropped.Add(1)
		b.logger.Printf("[EVENTS] dropped event seq=%d type=%s: subscriber backpressured", ev.Sequence, ev.Type)
	}
}

// Dropped returns how many event deliveries have been dropped due to
// sustained subscriber backpressure.
func (b *Bus) Dropped() uint64 { return b.dropped.Load() }

func (b *Bus) pruneRetainedLocked() {
	if b.retention <= 0 {
		return
	}
	cutoff := time.Now().Add(-b.retention)
	i := 0
	for i < len(b.retained) && b.retained[i].CreatedAt.Before(cutoff) {
		i++
	}
	if i > 0 {
		b.retained = append([]Event(nil), b.retained[i:]...)
	}
}

// Since returns every retained event with Sequence > seq, for the resume
// API spec §6 describes. It only searches the in-memory retention window;
// callers needing older history should query the Store directly.
func (b *Bus) Since(seq uint64) []Event {
	b.retainMu.Lock()
	defer b.retainMu.Unlock()
	out := make([]Event, 0)
	for _, ev := range b.retained {
		if ev.Sequence > seq {
			out = append(out, ev)
		}
	}
	return out
}

// Store is the durable, SQLite-backed EventStore (spec §6), adapted from
// internal/events/store.go's SQLiteStore.
type Store struct {
	db *sql.DB
}

// OpenStore opens (creating if necessary) a SQLite-backed event store at
// path, using the pure-Go modernc.org/sqlite driver.
func OpenStore(path string) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open event store %s: %w", path, err)
	}
	const schema = `
CREATE TABLE IF NOT EXISTS events (
	sequence   INTEGER PRIMARY KEY,
	type       TEXT NOT NULL,
	outcome    TEXT,
	agent_id   TEXT,
	task_id    TEXT,
	payload    TEXT,
	created_at INTEGER NOT NULL
);`
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate event store %s: %w", path, err)
	}
	return &Store{db: db}, nil
}

// Close releases the underlying database handle.
func (s *Store) Close() error { return s.db.Close() }

// Save persists one event.
func (s *Store) Save(ctx context.Context, ev Event) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT OR REPLACE INTO events (sequence, type, outcome, agent_id, task_id, payload, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		ev.Sequence, string(ev.Type), ev.Outcome, ev.AgentID, ev.TaskID, encodePayload(ev.Payload), ev.CreatedAt.UnixNano(),
	)
	if err != nil {
		return fmt.Errorf("save event seq=%d: %w", ev.Sequence, err)
	}
	return nil
}

// Since returns every durably stored event with Sequence > seq, ordered
// ascending, for replay beyond the Bus's in-memory retention window.
func (s *Store) Since(ctx context.Context, seq uint64) ([]Event, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT sequence, type, outcome, agent_id, task_id, payload, created_at
		 FROM events WHERE sequence > ? ORDER BY sequence ASC`, seq)
	if err != nil {
		return nil, fmt.Errorf("query events since %d: %w", seq, err)
	}
	defer rows.Close()

	var out []Event
	for rows.Next() {
		var ev Event
		var payload string
		var createdAtNano int64
		if err := rows.Scan(&ev.Sequence, &ev.Type, &ev.Outcome, &ev.AgentID, &ev.TaskID, &payload, &createdAtNano); err != nil {
			return nil, fmt.Errorf("scan event: %w", err)
		}
		ev.CreatedAt = time.Unix(0, createdAtNano)
		ev.Payload = decodePayload(payload)
		out = append(out, ev)
	}
	return out, rows.Err()
}

// encodePayload/decodePayload use a tiny dependency-free key=value encoding
// since the payload map is small and flat in every event the core emits;
// this avoids pulling in an encoding/json round-trip for what is usually
// zero or one field.
func encodePayload(m map[string]any) string {
	if len(m) == 0 {
		return ""
	}
	out := ""
	first := true
	for k, v := range m {
		if !first {
			out += "\x1f"
		}
		first = false
		out += fmt.Sprintf("%s=%v", k, v)
	}
	return out
}

func decodePayload(s string) map[string]any {
	if s == "" {
		return nil
	}
	out := make(map[string]any)
	start := 0
	for i := 0; i <= len(s); i++ {
		if i == len(s) || s[i] == '\x1f' {
			part := s[start:i]
			for j := 0; j < len(part); j++ {
				if part[j] == '=' {
					out[part[:j]] = part[j+1:]
					break
				}
			}
			start = i + 1
		}
	}
	return out
}
