// Package ids defines the opaque 128-bit identifiers used throughout the
// coordinator: AgentID and TaskID. Both are globally unique within a
// process lifetime and are never reused (spec §3).
package ids

import "github.com/google/uuid"

// AgentID identifies an agent record in the Registry.
type AgentID uuid.UUID

// TaskID identifies a task record in the Task Store.
type TaskID uuid.UUID

// NewAgentID generates a fresh AgentID.
func NewAgentID() AgentID {
	return AgentID(uuid.New())
}

// NewTaskID generates a fresh TaskID.
func NewTaskID() TaskID {
	return TaskID(uuid.New())
}

// String renders the canonical textual form.
func (a AgentID) String() string {
	return uuid.UUID(a).String()
}

// String renders the canonical textual form.
func (t TaskID) String() string {
	return uuid.UUID(t).String()
}

// IsZero reports whether the id was never assigned.
func (a AgentID) IsZero() bool {
	return a == AgentID{}
}

// IsZero reports whether the id was never assigned.
func (t TaskID) IsZero() bool {
	return t == TaskID{}
}

// Compare gives the lexicographic tie-break spec §3/§4.3 require for the
// ready queue's tertiary sort key. It returns -1, 0 or 1.
func (t TaskID) Compare(other TaskID) int {
	ts, os := t.String(), other.String()
	switch {
	case ts < os:
		return -1
	case ts > os:
		return 1
	default:
		return 0
	}
}

// ParseAgentID parses a textual AgentID, as accepted at the transport
// boundary when clients pass ids back into the facade.
func ParseAgentID(s string) (AgentID, error) {
	u, err := uuid.Parse(s)
	if err != nil {
		return AgentID{}, err
	}
	return AgentID(u), nil
}

// ParseTaskID parses a textual TaskID.
func ParseTaskID(s string) (TaskID, error) {
	u, err := uuid.Parse(s)
	if err != nil {
		return TaskID{}, err
	}
	return TaskID(u), nil
}
