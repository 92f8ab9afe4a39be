// Package schema is contextd's Schema Validator: a pure function that
// rejects malformed documents before they reach disk. "additionalProperties"
// is forbidden everywhere, enforced at decode time via
// json.Decoder.DisallowUnknownFields rather than a hand-rolled reflection
// walk — no example repo in the retrieval pack carries a JSON-schema
// library (gojsonschema and friends never appear in any go.mod here), so
// this component is deliberately standard-library: the alternative would be
// inventing an ungrounded third-party dependency.
package schema

import (
	"bytes"
	"encoding/json"
	"fmt"

	"github.com/agentrun/contextd/pkg/contexterr"
	"github.com/agentrun/contextd/pkg/types"
)

// Kind identifies which document shape is being validated.
type Kind string

const (
	KindWorkingSet Kind = "working_set"
	KindPatch      Kind = "patch"
	KindLedgerEvent Kind = "ledger_event"
	KindMemoryItem Kind = "memory_item"
	KindMCR        Kind = "mcr"
	KindEpisode    Kind = "episode"
	KindManifest   Kind = "resume_manifest"
)

// DecodeStrict unmarshals data into v, failing on any field not present in
// v's JSON tags. This is the "additionalProperties: forbidden" contract.
func DecodeStrict(data []byte, v any) error {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return contexterr.Wrap(contexterr.KindSchema, "unknown or malformed field", err)
	}
	return nil
}

func fieldErr(pointer, message string) error {
	return contexterr.New(contexterr.KindSchema, fmt.Sprintf("%s: %s", pointer, message), map[string]any{
		"pointer": pointer,
	})
}

// Validate dispatches to the kind-specific semantic validator. Callers
// first DecodeStrict the raw bytes into the typed struct, then call
// Validate on the result to check required fields, enum membership, and
// numeric ranges.
func Validate(kind Kind, doc any) error {
	switch kind {
	case KindWorkingSet:
		ws, ok := doc.(*types.WorkingSet)
		if !ok {
			return fieldErr("/", "expected *types.WorkingSet")
		}
		return ValidateWorkingSet(ws)
	case KindPatch:
		p, ok := doc.(*types.PatchSet)
		if !ok {
			return fieldErr("/", "expected *types.PatchSet")
		}
		return ValidatePatch(p)
	case KindLedgerEvent:
		e, ok := doc.(*types.LedgerEvent)
		if !ok {
			return fieldErr("/", "expected *types.LedgerEvent")
		}
		return ValidateLedgerEvent(e)
	case KindMemoryItem:
		m, ok := doc.(*types.MemoryItem)
		if !ok {
			return fieldErr("/", "expected *types.MemoryItem")
		}
		return ValidateMemoryItem(m)
	case KindMCR:
		m, ok := doc.(*types.MemoryChangeRequest)
		if !ok {
			return fieldErr("/", "expected *types.MemoryChangeRequest")
		}
		return ValidateMCR(m)
	case KindEpisode:
		e, ok := doc.(*types.Episode)
		if !ok {
			return fieldErr("/", "expected *types.Episode")
		}
		return ValidateEpisode(e)
	case KindManifest:
		m, ok := doc.(*types.ResumeManifest)
		if !ok {
			return fieldErr("/", "expected *types.ResumeManifest")
		}
		return ValidateManifest(m)
	default:
		return fieldErr("/", "unknown schema kind")
	}
}

// ValidateWorkingSet enforces spec.md §3's working-set invariants that are
// checkable without the pending patch: unique context-item ids and
// well-formed status.
func ValidateWorkingSet(ws *types.WorkingSet) error {
	if ws.RunID == "" {
		return fieldErr("/run_id", "required")
	}
	switch ws.Status {
	case types.StatusBoot, types.StatusBusy, types.StatusIdle, types.StatusDone, types.StatusFailed:
	default:
		return fieldErr("/status", "invalid status")
	}
	seen := make(map[string]bool, len(ws.PinnedContext)+len(ws.SlidingContext))
	for _, item := range ws.PinnedContext {
		if item.ID == "" {
			return fieldErr("/pinned_context/id", "required")
		}
		if seen[item.ID] {
			return fieldErr("/pinned_context/id", "duplicate id "+item.ID)
		}
		seen[item.ID] = true
	}
	for _, item := range ws.SlidingContext {
		if item.ID == "" {
			return fieldErr("/sliding_context/id", "required")
		}
		if seen[item.ID] {
			return fieldErr("/sliding_context/id", "duplicate id "+item.ID)
		}
		seen[item.ID] = true
	}
	return nil
}

// ValidatePatch enforces that a patch's directives are internally
// well-formed; CAS and invariant enforcement happen in pkg/workingset.
func ValidatePatch(p *types.PatchSet) error {
	if p.SchemaVersion != "" && p.SchemaVersion != types.SchemaVersion {
		return fieldErr("/_schema_version", "unsupported schema version")
	}
	ids := make(map[string]bool)
	for _, item := range p.PinnedAppend {
		if item.ID == "" {
			return fieldErr("/pinned_append/id", "required")
		}
		if ids[item.ID] {
			return fieldErr("/pinned_append/id", "duplicate id "+item.ID)
		}
		ids[item.ID] = true
	}
	for _, item := range p.SlidingAppend {
		if item.ID == "" {
			return fieldErr("/sliding_append/id", "required")
		}
		if ids[item.ID] {
			return fieldErr("/sliding_append/id", "duplicate id "+item.ID)
		}
		ids[item.ID] = true
	}
	if p.Status != "" {
		switch p.Status {
		case types.StatusBoot, types.StatusBusy, types.StatusIdle, types.StatusDone, types.StatusFailed:
		default:
			return fieldErr("/status", "invalid status")
		}
	}
	for key := range p.Set {
		switch key {
		case "objective", "current_stage", "next_action", "status", "task_id", "thread_id":
		default:
			return fieldErr("/set/"+key, "unknown settable field")
		}
	}
	return nil
}

// ValidateLedgerEvent checks the closed event-type enum and required ids.
func ValidateLedgerEvent(e *types.LedgerEvent) error {
	if e.EventID == "" {
		return fieldErr("/event_id", "required")
	}
	switch e.EventType {
	case types.EventBoot, types.EventWSUpdateApplied, types.EventWSUpdateRejected,
		types.EventMemoryProposed, types.EventMemoryCommitted, types.EventEpisodeSealed,
		types.EventResumeSnapshot, types.EventResumeLoaded:
	default:
		return fieldErr("/event_type", "invalid event type")
	}
	return nil
}

// ValidateMemoryItem enforces the memory-item enums and confidence range.
func ValidateMemoryItem(m *types.MemoryItem) error {
	if m.ID == "" {
		return fieldErr("/id", "required")
	}
	switch m.Type {
	case types.MemoryFact, types.MemoryPreference, types.MemorySkill, types.MemoryOther:
	default:
		return fieldErr("/type", "invalid memory type")
	}
	switch m.Scope {
	case types.ScopeGlobal, types.ScopeRun, types.ScopeTask, types.ScopeThread:
	default:
		return fieldErr("/scope", "invalid scope")
	}
	if m.Confidence < 0 || m.Confidence > 1 {
		return fieldErr("/confidence", "must be within [0,1]")
	}
	switch m.Status {
	case types.MemoryProposed, types.MemoryCommitted, types.MemoryRetracted:
	default:
		return fieldErr("/status", "invalid status")
	}
	return nil
}

// ValidateMCR enforces the op enum and the target_id requirement for
// update/retract.
func ValidateMCR(m *types.MemoryChangeRequest) error {
	switch m.Op {
	case types.MCRAdd:
	case types.MCRUpdate, types.MCRRetract:
		if m.TargetID == "" {
			return fieldErr("/target_id", "required for update/retract")
		}
	default:
		return fieldErr("/op", "invalid op")
	}
	if m.Op == types.MCRAdd {
		switch m.Type {
		case types.MemoryFact, types.MemoryPreference, types.MemorySkill, types.MemoryOther:
		default:
			return fieldErr("/type", "invalid memory type")
		}
		switch m.Scope {
		case types.ScopeGlobal, types.ScopeRun, types.ScopeTask, types.ScopeThread:
		default:
			return fieldErr("/scope", "invalid scope")
		}
		if m.Confidence < 0 || m.Confidence > 1 {
			return fieldErr("/confidence", "must be within [0,1]")
		}
	}
	return nil
}

// ValidateEpisode enforces the episode-shape invariants that don't require
// external context (ledger span ordering, required ids).
func ValidateEpisode(e *types.Episode) error {
	if e.EpisodeID == "" {
		return fieldErr("/episode_id", "required")
	}
	if e.RunID == "" {
		return fieldErr("/run_id", "required")
	}
	if e.LedgerSpan.FromSeq > e.LedgerSpan.ToSeq {
		return fieldErr("/ledger_span", "from_seq must be <= to_seq")
	}
	if e.WSBefore != nil && e.WSAfter != nil && e.WSBefore.UpdateSeq > e.WSAfter.UpdateSeq {
		return fieldErr("/ws_after/_update_seq", "must be >= ws_before")
	}
	return nil
}

// ValidateManifest rejects absolute paths and requires required ids.
func ValidateManifest(m *types.ResumeManifest) error {
	if m.PackID == "" {
		return fieldErr("/pack_id", "required")
	}
	if m.RunID == "" {
		return fieldErr("/run_id", "required")
	}
	for path := range m.Files {
		if len(path) > 0 && path[0] == '/' {
			return fieldErr("/files/"+path, "paths must be relative")
		}
	}
	return nil
}
