// Package capability models named skills with a proficiency score and the
// process-wide index mapping capability name to the agents that carry it
// (spec §3, "Global indexes").
package capability

import (
	"fmt"
	"sort"
	"sync"

	"github.com/do-ops885/ai-orchestrator-hub-sub003/internal/ids"
)

// Capability is a named skill an agent carries (spec §3).
type Capability struct {
	Name         string
	Proficiency  float64
	LearningRate float64
}

// Validate checks the [0,1] bounds spec §3 requires.
func (c Capability) Validate() error {
	if c.Name == "" {
		return fmt.Errorf("capability name must not be empty")
	}
	if c.Proficiency < 0 || c.Proficiency > 1 {
		return fmt.Errorf("capability %q proficiency must be in [0,1]", c.Name)
	}
	if c.LearningRate < 0 || c.LearningRate > 1 {
		return fmt.Errorf("capability %q learning_rate must be in [0,1]", c.Name)
	}
	return nil
}

// Requirement is a task's minimum-proficiency requirement for one capability.
type Requirement struct {
	Name          string
	MinProficiency float64
}

// Entry is one agent's standing for a capability, as returned by the index.
type Entry struct {
	AgentID     ids.AgentID
	Proficiency float64
}

// Index is the capability_name -> multiset of (AgentID, proficiency)
// structure spec §3/§4.2 describe, kept consistent with the Registry under a
// single read/write lock (spec §5: "Capability index is protected by a
// single read/write lock").
type Index struct {
	mu      sync.RWMutex
	byName  map[string][]Entry
	byAgent map[ids.AgentID]map[string]float64
}

// NewIndex creates an empty capability index.
func NewIndex() *Index {
	return &Index{
		byName:  make(map[string][]Entry),
		byAgent: make(map[ids.AgentID]map[string]float64),
	}
}

// Set replaces the full capability set registered for an agent. Called by
// the Registry under its write barrier on create (spec §4.2); removal goes
// through Remove and learning updates through UpdateProficiency.
func (idx *Index) Set(agent ids.AgentID, caps []Capability) {
	idx.mu.Lock()
	defer idx.mu.Unlock()
	idx.removeLocked(agent)

	byName := make(map[string]float64, len(caps))
	for _, c := range caps {
		byName[c.Name] = c.Proficiency
		idx.byName[c.Name] = append(idx.byName[c.Name], Entry{AgentID: agent, Proficiency: c.Proficiency})
	}
	idx.byAgent[agent] = byName
}

// Remove drops every entry for the given agent (spec §4.2, remove_agent).
func (idx *Index) Remove(agent ids.AgentID) {
	idx.mu.Lock()
	defer idx.mu.Unlock()
	idx.removeLocked(agent)
}

func (idx *Index) removeLocked(agent ids.AgentID) {
	for name := range idx.byAgent[agent] {
		entries := idx.byName[name]
		filtered := entries[:0]
		for _, e := range entries {
			if e.AgentID != agent {
				filtered = append(filtered, e)
			}
		}
		if len(filtered) == 0 {
			delete(idx.byName, name)
		} else {
			idx.byName[name] = filtered
		}
	}
	delete(idx.byAgent, agent)
}

// UpdateProficiency adjusts a single capability's proficiency for an agent,
// used by the learning cycle (spec §4.7) which must update the index in the
// same critical section as the agent's lock.
func (idx *Index) UpdateProficiency(agent ids.AgentID, name string, proficiency float64) {
	idx.mu.Lock()
	defer idx.mu.Unlock()

	if caps, ok := idx.byAgent[agent]; ok {
		caps[name] = proficiency
	} else {
		idx.byAgent[agent] = map[string]float64{name: proficiency}
	}

	entries := idx.byName[name]
	for i := range entries {
		if entries[i].AgentID == agent {
			entries[i].Proficiency = proficiency
			return
		}
	}
	idx.byName[name] = append(entries, Entry{AgentID: agent, Proficiency: proficiency})
}

// IterByCapability returns agents carrying the named capability at or above
// minProficiency, sorted by descending proficiency (spec §4.2 iter_by_capability).
func (idx *Index) IterByCapability(name string, minProficiency float64) []Entry {
	idx.mu.RLock()
	defer idx.mu.RUnlock()

	var out []Entry
	for _, e := range idx.byName[name] {
		if e.Proficiency >= minProficiency {
			out = append(out, e)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Proficiency > out[j].Proficiency })
	return out
}

// Satisfies reports whether at least one registered agent (not necessarily
// the same agent for every requirement) exists for each requirement. Used
// by the Task Store's Pending->Ready rescan (spec §4.3, T3): a task becomes
// Ready only when every required capability is covered by *some* agent at
// or above the required proficiency.
func (idx *Index) Satisfies(required []Requirement) bool {
	idx.mu.RLock()
	defer idx.mu.RUnlock()

	for _, r := range required {
		ok := false
		for _, e := range idx.byName[r.Name] {
			if e.Proficiency >= r.MinProficiency {
				ok = true
				break
			}
		}
		if !ok {
			return false
		}
	}
	return true
}

// AgentCovers reports whether a single agent's registered capabilities cover
// every requirement at or above its minimum proficiency. Used by the
// Matcher's candidate-set filter (spec §4.4 step 1).
func (idx *Index) AgentCovers(agent ids.AgentID, required []Requirement) bool {
	idx.mu.RLock()
	defer idx.mu.RUnlock()

	caps, ok := idx.byAgent[agent]
	if !ok {
		return len(required) == 0
	}
	for _, r := range required {
		prof, present := caps[r.Name]
		if !present || prof < r.MinProficiency {
			return false
		}
	}
	return true
}

// AverageProficiency computes the average proficiency an agent holds across
// a task's required capabilities, used in the Matcher's scoring function
// (spec §4.4 step 2, w_prof term).
func (idx *Index) AverageProficiency(agent ids.AgentID, required []Requirement) float64 {
	idx.mu.RLock()
	defer idx.mu.RUnlock()

	caps, ok := idx.byAgent[agent]
	if !ok || len(required) == 0 {
		return 0
	}
	var sum float64
	for _, r := range required {
		sum += caps[r.Name]
	}
	return sum / float64(len(required))
}
