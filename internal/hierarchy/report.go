package hierarchy

import (
	"sort"
	"sync"
	"time"
)

// Decision is the quality gate's verdict for a stage.
type Decision string

const (
	DecisionPass    Decision = "/pass"
	DecisionRework  Decision = "/rework"
	DecisionAbandon Decision = "/abandon"
)

// ViolationKind classifies a quality criterion violation.
type ViolationKind string

const (
	ViolationDuplicateTitle  ViolationKind = "/duplicate_title"
	ViolationMissingCriteria ViolationKind = "/missing_acceptance_criteria"
	ViolationMissingEstimate ViolationKind = "/missing_estimate"
	ViolationInvalidEstimate ViolationKind = "/invalid_estimate"
	ViolationMissingLabels   ViolationKind = "/missing_labels"
	ViolationMissingPriority ViolationKind = "/missing_priority"
	ViolationNoChildren      ViolationKind = "/no_children"
)

// Violation records a single violated criterion, optionally scoped to a node.
type Violation struct {
	Kind    ViolationKind `json:"kind"`
	NodeID  string        `json:"node_id,omitempty"`
	Message string        `json:"message"`
}

// QualityReport is the gate's record for one stage evaluation. One report
// is produced per gate invocation; rework attempts each retain their own.
type QualityReport struct {
	Level         Level                      `json:"level"`
	Attempt       int                        `json:"attempt"` // 0 = first evaluation
	Aggregate     float64                    `json:"aggregate_confidence"`
	Threshold     float64                    `json:"threshold"`
	Violations    []Violation                `json:"violations,omitempty"`
	NodeFlags     map[string][]ViolationKind `json:"node_flags,omitempty"`
	Decision      Decision                   `json:"decision"`
	SoftAccepted  bool                       `json:"soft_accepted,omitempty"`
	ReworkParents []string                   `json:"rework_parents,omitempty"` // parents to re-expand on Rework
	EvaluatedAt   time.Time                  `json:"evaluated_at"`
}

// RunStatus summarizes a whole run.
type RunStatus string

const (
	StatusCompleted             RunStatus = "/completed"
	StatusCompletedWithWarnings RunStatus = "/completed_with_warnings"
	StatusPartiallyCompleted    RunStatus = "/partially_completed"
	StatusFailed                RunStatus = "/failed"
)

// CreationFailure records a tracker write that did not succeed.
type CreationFailure struct {
	NodeID    string `json:"node_id"`
	Level     Level  `json:"level"`
	Reason    string `json:"reason"`
	Retryable bool   `json:"retryable"`
}

// Timings captures coarse phase durations for the run report.
type Timings struct {
	StartedAt  time.Time               `json:"started_at"`
	FinishedAt time.Time               `json:"finished_at"`
	Pipeline   time.Duration           `json:"pipeline"`
	Write      time.Duration           `json:"write"`
	Stages     map[Level]time.Duration `json:"stages,omitempty"`
}

// RunReport is the structured result of a single run.
type RunReport struct {
	RunID          string                    `json:"run_id"`
	Status         RunStatus                 `json:"status"`
	Hierarchy      *Hierarchy                `json:"-"`
	NodeCount      int                       `json:"node_count"`
	QualityReports map[Level][]QualityReport `json:"quality_reports"`
	IDMap          *IDMap                    `json:"-"`
	Failures       []CreationFailure         `json:"failures,omitempty"`
	PrunedSubtrees [][]string                `json:"pruned_subtrees,omitempty"` // node ids per pruned subtree
	Warnings       []string                  `json:"warnings,omitempty"`
	Errors         []string                  `json:"errors,omitempty"`
	Cause          string                    `json:"cause,omitempty"` // terminal error kind for failed runs
	Stack          string                    `json:"stack,omitempty"` // captured on invariant violations
	Timings        Timings                   `json:"timings"`
}

// IDMapEntry maps one local node id to its tracker remote id.
type IDMapEntry struct {
	RemoteID  string    `json:"remote_id"`
	CreatedAt time.Time `json:"created_at"`
}

// IDMap maps node local ids to tracker RemoteIds. Entries are append-only
// within a run: a second Put for the same local id must carry the same
// remote id (idempotent recovery), anything else is refused. Safe for
// concurrent readers with a single exclusive writer per entry.
type IDMap struct {
	mu      sync.RWMutex
	entries map[string]IDMapEntry
	clock   func() time.Time
}

// NewIDMap creates an empty id map.
func NewIDMap() *IDMap {
	return &IDMap{entries: map[string]IDMapEntry{}, clock: time.Now}
}

// SetClock overrides the timestamp source. Tests use a fake clock to make
// topological-order assertions deterministic.
func (m *IDMap) SetClock(clock func() time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.clock = clock
}

// Put records a local-to-remote mapping. Re-recording the same remote id
// is a no-op; a conflicting remote id is an error.
func (m *IDMap) Put(localID, remoteID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if existing, ok := m.entries[localID]; ok {
		if existing.RemoteID == remoteID {
			return nil
		}
		return &ConflictError{LocalID: localID, Existing: existing.RemoteID, Proposed: remoteID}
	}
	m.entries[localID] = IDMapEntry{RemoteID: remoteID, CreatedAt: m.clock()}
	return nil
}

// Get returns the remote id for a local id.
func (m *IDMap) Get(localID string) (string, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	e, ok := m.entries[localID]
	return e.RemoteID, ok
}

// Entry returns the full entry for a local id, including its timestamp.
func (m *IDMap) Entry(localID string) (IDMapEntry, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	e, ok := m.entries[localID]
	return e, ok
}

// Len returns the number of mapped nodes.
func (m *IDMap) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.entries)
}

// Snapshot returns a copy of all entries keyed by local id.
func (m *IDMap) Snapshot() map[string]IDMapEntry {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make(map[string]IDMapEntry, len(m.entries))
	for k, v := range m.entries {
		out[k] = v
	}
	return out
}

// LocalIDs returns the mapped local ids in sorted order.
func (m *IDMap) LocalIDs() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	ids := make([]string, 0, len(m.entries))
	for id := range m.entries {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// ConflictError reports an attempt to remap a local id to a different
// remote id, which would violate append-only semantics.
type ConflictError struct {
	LocalID  string
	Existing string
	Proposed string
}

func (e *ConflictError) Error() string {
	return "idmap conflict for " + e.LocalID + ": have " + e.Existing + ", got " + e.Proposed
}
