package workingset

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/agentrun/contextd/pkg/atomicfile"
	"github.com/agentrun/contextd/pkg/ledger"
	"github.com/agentrun/contextd/pkg/types"
	"github.com/stretchr/testify/assert"
)

func intPtr(n int) *int { return &n }

// S2: sliding_append pushes the working set over token_budget; eviction
// removes the lowest (priority, timestamp, id) items first, pinned context
// is never touched.
func TestEvictSlidingRemovesLowestPriorityFirst(t *testing.T) {
	now := time.Now()
	ws := &types.WorkingSet{
		SlidingContext: []types.ContextItem{
			{ID: "c", Content: "c", Priority: 2, Timestamp: now, Tokens: intPtr(10)},
			{ID: "a", Content: "a", Priority: 1, Timestamp: now, Tokens: intPtr(10)},
			{ID: "b", Content: "b", Priority: 1, Timestamp: now.Add(-time.Hour), Tokens: intPtr(10)},
		},
	}

	evicted := evictSliding(ws, 20)

	assert.Equal(t, 1, evicted)
	ids := []string{ws.SlidingContext[0].ID, ws.SlidingContext[1].ID}
	assert.ElementsMatch(t, []string{"a", "c"}, ids)
}

func TestEvictSlidingNeverTouchesPinned(t *testing.T) {
	ws := &types.WorkingSet{
		PinnedContext: []types.ContextItem{
			{ID: "pin", Content: "must stay", Priority: 0, Tokens: intPtr(100)},
		},
		SlidingContext: []types.ContextItem{
			{ID: "s1", Content: "evict me", Priority: 0, Tokens: intPtr(50)},
		},
	}

	evicted := evictSliding(ws, 100)

	assert.Equal(t, 1, evicted)
	assert.Empty(t, ws.SlidingContext)
	assert.Len(t, ws.PinnedContext, 1)
}

func TestEvictSlidingStopsOnceUnderBudget(t *testing.T) {
	ws := &types.WorkingSet{
		SlidingContext: []types.ContextItem{
			{ID: "a", Priority: 1, Tokens: intPtr(5)},
			{ID: "b", Priority: 2, Tokens: intPtr(5)},
			{ID: "c", Priority: 3, Tokens: intPtr(5)},
		},
	}

	evicted := evictSliding(ws, 12)

	assert.Equal(t, 1, evicted)
	assert.Len(t, ws.SlidingContext, 2)
}

func TestEvictSlidingBreaksTiesByID(t *testing.T) {
	now := time.Now()
	ws := &types.WorkingSet{
		SlidingContext: []types.ContextItem{
			{ID: "zzz", Priority: 1, Timestamp: now, Tokens: intPtr(10)},
			{ID: "aaa", Priority: 1, Timestamp: now, Tokens: intPtr(10)},
		},
	}

	evicted := evictSliding(ws, 10)

	assert.Equal(t, 1, evicted)
	assert.Equal(t, "zzz", ws.SlidingContext[0].ID) // "aaa" sorts first, gets evicted
}

func TestEvictSlidingNoOpWhenWithinBudget(t *testing.T) {
	ws := &types.WorkingSet{
		SlidingContext: []types.ContextItem{{ID: "a", Tokens: intPtr(5)}},
	}

	evicted := evictSliding(ws, 100)
	assert.Equal(t, 0, evicted)
	assert.Len(t, ws.SlidingContext, 1)
}

// Integration-level check that ApplyPatch triggers eviction end-to-end and
// emits the evicted count in the ledger event payload.
func TestApplyPatchEvictsWhenOverBudget(t *testing.T) {
	dir := t.TempDir()
	led, err := ledger.Open(filepath.Join(dir, "run.jsonl"), atomicfile.LockNone)
	assert.NoError(t, err)
	defer led.Close()

	mgr := New("run-1", filepath.Join(dir, "working_set.json"), Config{TokenBudget: 3, PinnedMax: 10}, led)
	_, err = mgr.CreateInitial(BootParams{RunID: "run-1", Objective: "budget test"})
	assert.NoError(t, err)

	next, err := mgr.ApplyPatch(types.PatchSet{
		ExpectedSeq: 0,
		SlidingAppend: []types.ContextItem{
			{ID: "old", Content: "one two three four five", Priority: 0, Timestamp: time.Now().Add(-time.Hour)},
			{ID: "new", Content: "six", Priority: 5, Timestamp: time.Now()},
		},
	})
	assert.NoError(t, err)

	ids := make([]string, len(next.SlidingContext))
	for i, item := range next.SlidingContext {
		ids[i] = item.ID
	}
	assert.NotContains(t, ids, "old")

	events, err := led.ReadAll()
	assert.NoError(t, err)
	last := events[len(events)-1]
	summary, ok := last.Payload["directives_summary"].(map[string]any)
	assert.True(t, ok)
	assert.Greater(t, summary["evicted"], float64(0))
}
