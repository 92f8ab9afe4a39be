// Package types holds the data model shared by every contextd subsystem:
// the working set, ledger events, memory items, episodes, and resume-pack
// manifests. Every persisted shape here carries SchemaVersion and is
// validated by pkg/schema before it touches disk.
package types

import "time"

// SchemaVersion is stamped on every persisted document.
const SchemaVersion = "2.1"

// RunStatus is the execution state of a working set.
type RunStatus string

const (
	StatusBoot  RunStatus = "BOOT"
	StatusBusy  RunStatus = "BUSY"
	StatusIdle  RunStatus = "IDLE"
	StatusDone  RunStatus = "DONE"
	StatusFailed RunStatus = "FAILED"
)

// ContextItem is one pinned or sliding entry in a working set.
type ContextItem struct {
	ID        string    `json:"id"`
	Content   string    `json:"content"`
	Timestamp time.Time `json:"timestamp"`
	Priority  int       `json:"priority"`
	Tokens    *int      `json:"tokens,omitempty"`
}

// WorkingSet is the live, mutable task-state document for one run.
type WorkingSet struct {
	SchemaVersion string `json:"_schema_version"`

	RunID    string `json:"run_id"`
	TaskID   string `json:"task_id,omitempty"`
	ThreadID string `json:"thread_id,omitempty"`

	UpdateSeq uint64 `json:"_update_seq"`

	Objective          string   `json:"objective"`
	AcceptanceCriteria []string `json:"acceptance_criteria"`
	Constraints        []string `json:"constraints"`

	Status       RunStatus `json:"status"`
	CurrentStage string    `json:"current_stage"`
	NextAction   string    `json:"next_action"`

	PinnedContext  []ContextItem `json:"pinned_context"`
	SlidingContext []ContextItem `json:"sliding_context"`
}

// Clone returns a deep copy, used whenever a WorkingSet must be captured by
// value (episode checkpoints, in-memory mirrors) rather than shared.
func (w *WorkingSet) Clone() *WorkingSet {
	if w == nil {
		return nil
	}
	c := *w
	c.AcceptanceCriteria = append([]string(nil), w.AcceptanceCriteria...)
	c.Constraints = append([]string(nil), w.Constraints...)
	c.PinnedContext = append([]ContextItem(nil), w.PinnedContext...)
	c.SlidingContext = append([]ContextItem(nil), w.SlidingContext...)
	return &c
}

// PatchSet carries the mutation directives for one ApplyPatch call. Unknown
// top-level fields fail schema validation before any directive is applied.
type PatchSet struct {
	SchemaVersion string `json:"_schema_version"`
	ExpectedSeq   uint64 `json:"expected_seq"`

	Set           map[string]any `json:"set,omitempty"`
	SlidingAppend []ContextItem  `json:"sliding_append,omitempty"`
	SlidingRemove []string       `json:"sliding_remove,omitempty"`
	PinnedAppend  []ContextItem  `json:"pinned_append,omitempty"`
	PinnedRemove  []string       `json:"pinned_remove,omitempty"`
	Status        RunStatus      `json:"status,omitempty"`
}

// EventType enumerates the ledger's closed set of event kinds.
type EventType string

const (
	EventBoot               EventType = "BOOT"
	EventWSUpdateApplied    EventType = "WS_UPDATE_APPLIED"
	EventWSUpdateRejected   EventType = "WS_UPDATE_REJECTED"
	EventMemoryProposed     EventType = "MEMORY_PROPOSED"
	EventMemoryCommitted    EventType = "MEMORY_COMMITTED"
	EventEpisodeSealed      EventType = "EPISODE_SEALED"
	EventResumeSnapshot     EventType = "RESUME_SNAPSHOT"
	EventResumeLoaded       EventType = "RESUME_LOADED"
)

// LedgerEvent is one append-only JSONL record.
type LedgerEvent struct {
	SchemaVersion string    `json:"_schema_version"`
	SequenceID    uint64    `json:"sequence_id"`
	EventID       string    `json:"event_id"`
	EventType     EventType `json:"event_type"`
	Timestamp     time.Time `json:"timestamp"`
	Payload       map[string]any `json:"payload,omitempty"`
}

// MemoryType enumerates the kinds of long-term memory items.
type MemoryType string

const (
	MemoryFact       MemoryType = "fact"
	MemoryPreference MemoryType = "preference"
	MemorySkill      MemoryType = "skill"
	MemoryOther      MemoryType = "other"
)

// MemoryScope bounds a memory item's visibility.
type MemoryScope string

const (
	ScopeGlobal MemoryScope = "global"
	ScopeRun    MemoryScope = "run"
	ScopeTask   MemoryScope = "task"
	ScopeThread MemoryScope = "thread"
)

// MemoryStatus is a one-way DAG: proposed -> committed -> retracted.
type MemoryStatus string

const (
	MemoryProposed   MemoryStatus = "proposed"
	MemoryCommitted  MemoryStatus = "committed"
	MemoryRetracted  MemoryStatus = "retracted"
)

// MemoryItem is one long-term memory record.
type MemoryItem struct {
	ID          string       `json:"id"`
	Type        MemoryType   `json:"type"`
	Scope       MemoryScope  `json:"scope"`
	ScopeID     string       `json:"scope_id,omitempty"`
	Content     string       `json:"content"`
	Confidence  float64      `json:"confidence"`
	Rationale   string       `json:"rationale,omitempty"`
	SourceRefs  []string     `json:"source_refs,omitempty"`
	Status      MemoryStatus `json:"status"`
	BatchID     string       `json:"batch_id"`
	CreatedAt   time.Time    `json:"created_at"`
	CommittedAt *time.Time   `json:"committed_at,omitempty"`
}

// MCROp is the operation a Memory Change Request performs.
type MCROp string

const (
	MCRAdd     MCROp = "add"
	MCRUpdate  MCROp = "update"
	MCRRetract MCROp = "retract"
)

// MemoryChangeRequest is the input shape accepted by Propose.
type MemoryChangeRequest struct {
	Op         MCROp       `json:"op"`
	TargetID   string      `json:"target_id,omitempty"`
	Type       MemoryType  `json:"type,omitempty"`
	Scope      MemoryScope `json:"scope,omitempty"`
	ScopeID    string      `json:"scope_id,omitempty"`
	Content    string      `json:"content,omitempty"`
	Confidence float64     `json:"confidence,omitempty"`
	Rationale  string      `json:"rationale,omitempty"`
	SourceRefs []string    `json:"source_refs,omitempty"`
}

// LedgerSpan identifies the ledger range an episode covers, inclusive.
type LedgerSpan struct {
	FromSeq uint64 `json:"from_seq"`
	ToSeq   uint64 `json:"to_seq"`
}

// EpisodeSummary is a deterministic digest of the ledger span it covers.
type EpisodeSummary struct {
	EventCounts  map[EventType]int `json:"event_counts"`
	LastLedgerLines []string       `json:"last_ledger_lines"`
}

// Episode is an immutable checkpoint record.
type Episode struct {
	SchemaVersion      string         `json:"_schema_version"`
	EpisodeID          string         `json:"episode_id"`
	RunID              string         `json:"run_id"`
	Reason             string         `json:"reason"`
	CreatedAt          time.Time      `json:"created_at"`
	WSBefore           *WorkingSet    `json:"ws_before"`
	WSAfter            *WorkingSet    `json:"ws_after"`
	LedgerSpan         LedgerSpan     `json:"ledger_span"`
	CommittedMemoryIDs []string       `json:"committed_memory_ids"`
	NextEntryPoint     string         `json:"next_entry_point"`
	Summary            EpisodeSummary `json:"summary"`
}

// FileDigest records the content hash of one file inside a resume pack.
type FileDigest struct {
	SHA256 string `json:"sha256"`
	Size   int64  `json:"size"`
}

// ResumeManifest describes the contents of a relocatable resume pack.
type ResumeManifest struct {
	SchemaVersion string                `json:"_schema_version"`
	PackID        string                `json:"pack_id"`
	RunID         string                `json:"run_id"`
	CreatedAt     time.Time             `json:"created_at"`
	Files         map[string]FileDigest `json:"files"`
	Pointers      map[string]any        `json:"pointers,omitempty"`
}
