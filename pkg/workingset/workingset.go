// Package workingset implements the Working-Set Manager (spec.md §4.5):
// optimistic concurrency over a single versioned JSON document, with
// deterministic eviction under a token budget. Shaped after the teacher's
// pkg/manager.Manager — a struct that locks, mutates an in-memory mirror of
// on-disk state, persists, and emits a ledger event — generalized from
// Raft-backed cluster mutation to per-run compare-and-swap mutation.
package workingset

import (
	"encoding/json"
	"os"
	"sort"
	"sync"
	"time"

	"github.com/agentrun/contextd/pkg/atomicfile"
	"github.com/agentrun/contextd/pkg/contexterr"
	"github.com/agentrun/contextd/pkg/ledger"
	"github.com/agentrun/contextd/pkg/log"
	"github.com/agentrun/contextd/pkg/metrics"
	"github.com/agentrun/contextd/pkg/schema"
	"github.com/agentrun/contextd/pkg/tokenizer"
	"github.com/agentrun/contextd/pkg/types"
	"github.com/rs/zerolog"
)

// Config holds the two budget knobs spec.md §6 recognizes for this
// component.
type Config struct {
	TokenBudget int
	PinnedMax   int
}

// BootParams is the input to CreateInitial.
type BootParams struct {
	RunID              string
	TaskID             string
	ThreadID           string
	Objective          string
	AcceptanceCriteria []string
	Constraints        []string
}

// Manager owns one run's working_set.json, its in-memory mirror, and the
// per-run mutex guarding both.
type Manager struct {
	runID     string
	statePath string
	cfg       Config
	ledger    *ledger.Ledger

	mu      sync.Mutex
	current *types.WorkingSet
	log     zerolog.Logger
}

// New constructs a Manager for one run. It does not touch disk; call
// CreateInitial or Load next.
func New(runID, statePath string, cfg Config, led *ledger.Ledger) *Manager {
	return &Manager{
		runID:     runID,
		statePath: statePath,
		cfg:       cfg,
		ledger:    led,
		log:       log.WithRun(runID),
	}
}

// CreateInitial produces the WS for a new run: _update_seq=0, status=BOOT,
// empty contexts. It refuses if a WS already exists on disk.
func (m *Manager) CreateInitial(params BootParams) (*types.WorkingSet, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, err := os.Stat(m.statePath); err == nil {
		return nil, contexterr.New(contexterr.KindConflict, "working set already exists", nil)
	}

	ws := &types.WorkingSet{
		SchemaVersion:      types.SchemaVersion,
		RunID:              params.RunID,
		TaskID:             params.TaskID,
		ThreadID:           params.ThreadID,
		UpdateSeq:          0,
		Objective:          params.Objective,
		AcceptanceCriteria: append([]string(nil), params.AcceptanceCriteria...),
		Constraints:        append([]string(nil), params.Constraints...),
		Status:             types.StatusBoot,
		CurrentStage:       "BOOT",
		PinnedContext:      []types.ContextItem{},
		SlidingContext:     []types.ContextItem{},
	}

	if err := schema.ValidateWorkingSet(ws); err != nil {
		return nil, err
	}

	data, err := json.MarshalIndent(ws, "", "  ")
	if err != nil {
		return nil, contexterr.Wrap(contexterr.KindIO, "marshal initial working set", err)
	}
	if err := atomicfile.WriteAtomic(m.statePath, data); err != nil {
		return nil, err
	}

	if _, err := m.ledger.Append(types.LedgerEvent{
		EventType: types.EventBoot,
		Payload: map[string]any{
			"run_id":    ws.RunID,
			"task_id":   ws.TaskID,
			"thread_id": ws.ThreadID,
			"objective": ws.Objective,
		},
	}); err != nil {
		return nil, err
	}

	m.current = ws
	m.log.Info().Msg("run booted")
	return ws.Clone(), nil
}

// Load reads the WS from disk, validates it, reconciles against the
// ledger's tail, and caches it.
func (m *Manager) Load() (*types.WorkingSet, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.loadLocked()
}

func (m *Manager) loadLocked() (*types.WorkingSet, error) {
	data, err := os.ReadFile(m.statePath)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, contexterr.New(contexterr.KindNotFound, "working set not found", nil)
		}
		return nil, contexterr.Wrap(contexterr.KindIO, "read working set", err)
	}

	var ws types.WorkingSet
	if err := schema.DecodeStrict(data, &ws); err != nil {
		return nil, err
	}
	if err := schema.ValidateWorkingSet(&ws); err != nil {
		return nil, err
	}

	if maxSeq, ok := m.maxAppliedSeqFromLedger(); ok && ws.UpdateSeq < maxSeq {
		m.log.Warn().
			Uint64("ws_update_seq", ws.UpdateSeq).
			Uint64("ledger_max_seq", maxSeq).
			Msg("LedgerAhead: ledger reflects a later update than the working set file; trusting the file")
	}

	m.current = &ws
	return ws.Clone(), nil
}

// maxAppliedSeqFromLedger scans WS_UPDATE_APPLIED payloads for the highest
// after_seq recorded, used by the reconciliation-on-open check.
func (m *Manager) maxAppliedSeqFromLedger() (uint64, bool) {
	events, err := m.ledger.ReadAll()
	if err != nil {
		return 0, false
	}
	var max uint64
	found := false
	for _, ev := range events {
		if ev.EventType != types.EventWSUpdateApplied {
			continue
		}
		if after, ok := ev.Payload["after_seq"].(float64); ok {
			if !found || uint64(after) > max {
				max = uint64(after)
				found = true
			}
		}
	}
	return max, found
}

// ApplyPatch runs the full algorithm in spec.md §4.5: CAS on expected_seq,
// directive application in fixed order, invariant enforcement, deterministic
// eviction, atomic persist, and a WS_UPDATE_APPLIED ledger event. Rendering
// the context brief is the caller's job (pkg/service), since the brief also
// needs memory search results this package has no access to.
func (m *Manager) ApplyPatch(patch types.PatchSet) (*types.WorkingSet, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	timer := metrics.NewTimer()
	defer timer.ObserveOperation("apply_patch")

	current, err := m.loadLocked()
	if err != nil {
		return nil, err
	}

	if current.UpdateSeq != patch.ExpectedSeq {
		m.rejectLocked("conflict", patch, map[string]any{"current_seq": current.UpdateSeq})
		metrics.WSUpdatesTotal.WithLabelValues("conflict").Inc()
		return nil, contexterr.New(contexterr.KindConflict, "expected_seq does not match current sequence", map[string]any{
			"current_seq": current.UpdateSeq,
		})
	}

	if err := schema.ValidatePatch(&patch); err != nil {
		m.rejectLocked("schema", patch, nil)
		metrics.WSUpdatesTotal.WithLabelValues("schema").Inc()
		return nil, err
	}

	next := current.Clone()

	if err := applySet(next, patch.Set); err != nil {
		m.rejectLocked("schema", patch, nil)
		metrics.WSUpdatesTotal.WithLabelValues("schema").Inc()
		return nil, err
	}
	if patch.Status != "" {
		next.Status = patch.Status
	}

	removeByID(&next.PinnedContext, patch.PinnedRemove)
	if err := appendUnique(&next.PinnedContext, next.SlidingContext, patch.PinnedAppend); err != nil {
		m.rejectLocked("duplicate", patch, nil)
		return nil, err
	}
	removeByID(&next.SlidingContext, patch.SlidingRemove)
	if err := appendUnique(&next.SlidingContext, next.PinnedContext, patch.SlidingAppend); err != nil {
		m.rejectLocked("duplicate", patch, nil)
		return nil, err
	}

	if len(next.PinnedContext) > m.cfg.PinnedMax {
		m.rejectLocked("overflow", patch, map[string]any{"pinned_count": len(next.PinnedContext)})
		metrics.WSUpdatesTotal.WithLabelValues("overflow").Inc()
		return nil, contexterr.New(contexterr.KindOverflow, "pinned context exceeds pinned_max", map[string]any{
			"pinned_count": len(next.PinnedContext),
			"pinned_max":   m.cfg.PinnedMax,
		})
	}

	evicted := evictSliding(next, m.cfg.TokenBudget)
	if evicted > 0 {
		metrics.EvictionsTotal.WithLabelValues(m.runID).Add(float64(evicted))
	}

	beforeSeq := current.UpdateSeq
	next.UpdateSeq = current.UpdateSeq + 1

	if err := schema.ValidateWorkingSet(next); err != nil {
		return nil, err
	}

	data, err := json.MarshalIndent(next, "", "  ")
	if err != nil {
		return nil, contexterr.Wrap(contexterr.KindIO, "marshal working set", err)
	}
	if err := atomicfile.WriteAtomic(m.statePath, data); err != nil {
		// Step 6 failed: prior document intact, no ledger event appended.
		return nil, err
	}

	if _, err := m.ledger.Append(types.LedgerEvent{
		EventType: types.EventWSUpdateApplied,
		Payload: map[string]any{
			"before_seq":        beforeSeq,
			"after_seq":         next.UpdateSeq,
			"directives_summary": summarizeDirectives(patch, evicted),
		},
	}); err != nil {
		// Step 7 failed after a successful write: flagged only (by this
		// error log), per spec.md §9 Open Question 1. Load's reconciliation
		// check does not flag this case; it only warns when the ledger is
		// ahead of the working-set file.
		m.log.Error().Err(err).Msg("ledger append failed after successful working-set persist")
	}

	m.current = next
	metrics.WSUpdatesTotal.WithLabelValues("applied").Inc()
	metrics.LedgerSequence.WithLabelValues(m.runID).Set(float64(m.ledger.LastSequence()))
	return next.Clone(), nil
}

func (m *Manager) rejectLocked(reason string, patch types.PatchSet, extra map[string]any) {
	payload := map[string]any{"reason": reason, "expected_seq": patch.ExpectedSeq}
	for k, v := range extra {
		payload[k] = v
	}
	if _, err := m.ledger.Append(types.LedgerEvent{
		EventType: types.EventWSUpdateRejected,
		Payload:   payload,
	}); err != nil {
		m.log.Error().Err(err).Msg("failed to append WS_UPDATE_REJECTED")
	}
}

func applySet(ws *types.WorkingSet, set map[string]any) error {
	for key, val := range set {
		str, ok := val.(string)
		if !ok {
			return contexterr.New(contexterr.KindSchema, "set values must be strings", map[string]any{"field": key})
		}
		switch key {
		case "objective":
			ws.Objective = str
		case "current_stage":
			ws.CurrentStage = str
		case "next_action":
			ws.NextAction = str
		case "task_id":
			ws.TaskID = str
		case "thread_id":
			ws.ThreadID = str
		case "status":
			ws.Status = types.RunStatus(str)
		default:
			return contexterr.New(contexterr.KindSchema, "unknown settable field", map[string]any{"field": key})
		}
	}
	return nil
}

func removeByID(items *[]types.ContextItem, ids []string) {
	if len(ids) == 0 {
		return
	}
	remove := make(map[string]bool, len(ids))
	for _, id := range ids {
		remove[id] = true
	}
	kept := (*items)[:0:0]
	for _, item := range *items {
		if !remove[item.ID] {
			kept = append(kept, item)
		}
	}
	*items = kept
}

func appendUnique(dst *[]types.ContextItem, other []types.ContextItem, incoming []types.ContextItem) error {
	if len(incoming) == 0 {
		return nil
	}
	existing := make(map[string]bool, len(*dst)+len(other))
	for _, item := range *dst {
		existing[item.ID] = true
	}
	for _, item := range other {
		existing[item.ID] = true
	}
	for _, item := range incoming {
		if existing[item.ID] {
			return contexterr.New(contexterr.KindSchema, "duplicate context item id", map[string]any{"id": item.ID})
		}
		if item.Timestamp.IsZero() {
			item.Timestamp = time.Now().UTC()
		}
		existing[item.ID] = true
		*dst = append(*dst, item)
	}
	return nil
}

// itemTokens returns an item's precomputed token count if set, or estimates
// it with the one consistent formula otherwise.
func itemTokens(item types.ContextItem) int {
	if item.Tokens != nil {
		return *item.Tokens
	}
	return tokenizer.Estimate(item.Content)
}

func totalTokens(ws *types.WorkingSet) int {
	total := 0
	for _, item := range ws.PinnedContext {
		total += itemTokens(item)
	}
	for _, item := range ws.SlidingContext {
		total += itemTokens(item)
	}
	return total
}

// evictSliding removes sliding items, lowest (priority, timestamp, id)
// first, until the total token estimate is within budget. Pinned items are
// never touched. Returns the number of items evicted.
func evictSliding(ws *types.WorkingSet, budget int) int {
	if budget <= 0 {
		return 0
	}
	evicted := 0
	for totalTokens(ws) > budget && len(ws.SlidingContext) > 0 {
		sort.SliceStable(ws.SlidingContext, func(i, j int) bool {
			a, b := ws.SlidingContext[i], ws.SlidingContext[j]
			if a.Priority != b.Priority {
				return a.Priority < b.Priority
			}
			if !a.Timestamp.Equal(b.Timestamp) {
				return a.Timestamp.Before(b.Timestamp)
			}
			return a.ID < b.ID
		})
		ws.SlidingContext = ws.SlidingContext[1:]
		evicted++
	}
	return evicted
}

func summarizeDirectives(patch types.PatchSet, evicted int) map[string]any {
	return map[string]any{
		"set_fields":      len(patch.Set),
		"pinned_appended":  len(patch.PinnedAppend),
		"pinned_removed":   len(patch.PinnedRemove),
		"sliding_appended": len(patch.SlidingAppend),
		"sliding_removed":  len(patch.SlidingRemove),
		"evicted":          evicted,
	}
}
