// Package persistence implements the optional black-box Persistence
// collaborator of spec §6: an append-only log of lifecycle entries plus
// periodic zstd-compressed snapshots of the Agent/Task tables, with
// deterministic replay on restart.
//
// Re-targeted from internal/persistence/store.go's JSON-dashboard-state
// load/save/debounced-save shape (it used encoding/json the same way this
// package does for the snapshot payloads) and internal/tasks/store.go's
// database/sql scan-helper style, onto modernc.org/sqlite as the backing
// store and github.com/klauspost/compress/zstd to shrink snapshot blobs,
// the same compression family nats-server uses for its own storage layer.
package persistence

import (
	"bytes"
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/klauspost/compress/zstd"
	_ "modernc.org/sqlite"

	"github.com/do-ops885/ai-orchestrator-hub-sub003/internal/agent"
	"github.com/do-ops885/ai-orchestrator-hub-sub003/internal/task"
)

// EntryKind is one append-log entry type (spec §6: "{TaskSubmitted,
// TaskAssigned, TaskFinished, AgentCreated, AgentRemoved}").
type EntryKind string

const (
	TaskSubmitted EntryKind = "TaskSubmitted"
	TaskAssigned  EntryKind = "TaskAssigned"
	TaskFinished  EntryKind = "TaskFinished"
	AgentCreated  EntryKind = "AgentCreated"
	AgentRemoved  EntryKind = "AgentRemoved"
)

// LogEntry is one append-log record.
type LogEntry struct {
	Sequence  int64
	Kind      EntryKind
	AgentID   string
	TaskID    string
	Detail    string
	CreatedAt time.Time
}

// Store is the SQLite-backed Persistence collaborator.
type Store struct {
	db  *sql.DB
	enc *zstd.Encoder
	dec *zstd.Decoder
}

// Open opens (creating if necessary) a SQLite-backed persistence store at
// path.
func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open persistence store %s: %w", path, err)
	}
	const schema = `
CREATE TABLE IF NOT EXISTS append_log (
	sequence   INTEGER PRIMARY KEY AUTOINCREMENT,
	kind       TEXT NOT NULL,
	agent_id   TEXT,
	task_id    TEXT,
	detail     TEXT,
	created_at INTEGER NOT NULL
);
CREATE TABLE IF NOT EXISTS snapshots (
	id         INTEGER PRIMARY KEY AUTOINCREMENT,
	kind       TEXT NOT NULL CHECK (kind IN ('agents', 'tasks')),
	log_seq    INTEGER NOT NULL,
	data       BLOB NOT NULL,
	taken_at   INTEGER NOT NULL
);`
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate persistence store %s: %w", path, err)
	}

	enc, err := zstd.NewWriter(nil)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("init zstd encoder: %w", err)
	}
	dec, err := zstd.NewReader(nil)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("init zstd decoder: %w", err)
	}
	return &Store{db: db, enc: enc, dec: dec}, nil
}

// Close releases the underlying database handle and codec resources.
func (s *Store) Close() error {
	s.dec.Close()
	return s.db.Close()
}

// Append writes one log entry, returning its assigned sequence number.
func (s *Store) Append(ctx context.Context, e LogEntry) (int64, error) {
	if e.CreatedAt.IsZero() {
		e.CreatedAt = time.Now()
	}
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO append_log (kind, agent_id, task_id, detail, created_at) VALUES (?, ?, ?, ?, ?)`,
		string(e.Kind), e.AgentID, e.TaskID, e.Detail, e.CreatedAt.UnixNano())
	if err != nil {
		return 0, fmt.Errorf("append log entry kind=%s: %w", e.Kind, err)
	}
	return res.LastInsertId()
}

func (s *Store) lastSequence(ctx context.Context) (int64, error) {
	var seq sql.NullInt64
	if err := s.db.QueryRowContext(ctx, `SELECT MAX(sequence) FROM append_log`).Scan(&seq); err != nil {
		return 0, fmt.Errorf("read last sequence: %w", err)
	}
	return seq.Int64, nil
}

// SnapshotAgents compresses and stores a full point-in-time Agent table
// snapshot, anchored to the append-log sequence it was taken at (spec §6
// "periodic snapshots").
func (s *Store) SnapshotAgents(ctx context.Context, agents []agent.Snapshot) error {
	return s.snapshot(ctx, "agents", agents)
}

// SnapshotTasks compresses and stores a full point-in-time Task table
// snapshot.
func (s *Store) SnapshotTasks(ctx context.Context, tasks []task.Snapshot) error {
	return s.snapshot(ctx, "tasks", tasks)
}

func (s *Store) snapshot(ctx context.Context, kind string, v any) error {
	raw, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshal %s snapshot: %w", kind, err)
	}
	compressed := s.enc.EncodeAll(raw, nil)

	seq, err := s.lastSequence(ctx)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO snapshots (kind, log_seq, data, taken_at) VALUES (?, ?, ?, ?)`,
		kind, seq, compressed, time.Now().UnixNano())
	if err != nil {
		return fmt.Errorf("store %s snapshot: %w", kind, err)
	}
	return nil
}

// Replay deterministically reconstructs the last known Agent/Task table
// contents: the most recent snapshot of each kind, plus the append-log
// entries recorded after that snapshot's anchor sequence, so a caller can
// fold those entries onto the snapshot to reach the exact pre-crash state
// (spec §6 "deterministic replay"). The core does not replay into a live
// Registry/Store itself -- that would duplicate the state machines those
// packages already own -- it hands back the raw materials to do so.
func (s *Store) Replay(ctx context.Context) (agents []agent.Snapshot, tasks []task.Snapshot, trailing []LogEntry, err error) {
	agentSeq, err := s.latestSnapshot(ctx, "agents", &agents)
	if err != nil {
		return nil, nil, nil, err
	}
	taskSeq, err := s.latestSnapshot(ctx, "tasks", &tasks)
	if err != nil {
		return nil, nil, nil, err
	}

	anchor := agentSeq
	if taskSeq < anchor {
		anchor = taskSeq
	}

	rows, err := s.db.QueryContext(ctx,
		`SELECT sequence, kind, agent_id, task_id, detail, created_at
		 FROM append_log WHERE sequence > ? ORDER BY sequence ASC`, anchor)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("query trailing log entries: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var e LogEntry
		var kind string
		var createdAtNano int64
		if err := rows.Scan(&e.Sequence, &kind, &e.AgentID, &e.TaskID, &e.Detail, &createdAtNano); err != nil {
			return nil, nil, nil, fmt.Errorf("scan log entry: %w", err)
		}
		e.Kind = EntryKind(kind)
		e.CreatedAt = time.Unix(0, createdAtNano)
		trailing = append(trailing, e)
	}
	return agents, tasks, trailing, rows.Err()
}

func (s *Store) latestSnapshot(ctx context.Context, kind string, out any) (int64, error) {
	var data []byte
	var logSeq int64
	err := s.db.QueryRowContext(ctx,
		`SELECT log_seq, data FROM snapshots WHERE kind = ? ORDER BY id DESC LIMIT 1`, kind).
		Scan(&logSeq, &data)
	if err == sql.ErrNoRows {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("read latest %s snapshot: %w", kind, err)
	}

	raw, err := s.dec.DecodeAll(data, nil)
	if err != nil {
		return 0, fmt.Errorf("decompress %s snapshot: %w", kind, err)
	}
	if err := json.NewDecoder(bytes.NewReader(raw)).Decode(out); err != nil {
		return 0, fmt.Errorf("unmarshal %s snapshot: %w", kind, err)
	}
	return logSeq, nil
}
