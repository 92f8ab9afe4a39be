package schema

import (
	"errors"
	"testing"
	"time"

	"github.com/agentrun/contextd/pkg/contexterr"
	"github.com/agentrun/contextd/pkg/types"
	"github.com/stretchr/testify/assert"
)

func validWorkingSet() *types.WorkingSet {
	return &types.WorkingSet{
		SchemaVersion: types.SchemaVersion,
		RunID:         "run-1",
		Status:        types.StatusBoot,
		PinnedContext: []types.ContextItem{{ID: "p1", Content: "pin", Timestamp: time.Now()}},
		SlidingContext: []types.ContextItem{{ID: "s1", Content: "slide", Timestamp: time.Now()}},
	}
}

func TestDecodeStrictRejectsUnknownFields(t *testing.T) {
	var ws types.WorkingSet
	err := DecodeStrict([]byte(`{"run_id":"run-1","bogus_field":true}`), &ws)

	var cerr *contexterr.Error
	assert.True(t, errors.As(err, &cerr))
	assert.Equal(t, contexterr.KindSchema, cerr.Kind)
}

func TestDecodeStrictAcceptsKnownFields(t *testing.T) {
	var ws types.WorkingSet
	err := DecodeStrict([]byte(`{"run_id":"run-1","status":"BOOT"}`), &ws)

	assert.NoError(t, err)
	assert.Equal(t, "run-1", ws.RunID)
}

func TestValidateWorkingSet(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*types.WorkingSet)
		wantErr bool
	}{
		{name: "valid", mutate: func(*types.WorkingSet) {}, wantErr: false},
		{name: "missing run_id", mutate: func(ws *types.WorkingSet) { ws.RunID = "" }, wantErr: true},
		{name: "invalid status", mutate: func(ws *types.WorkingSet) { ws.Status = "WEIRD" }, wantErr: true},
		{
			name: "duplicate id across pinned and sliding",
			mutate: func(ws *types.WorkingSet) {
				ws.SlidingContext[0].ID = ws.PinnedContext[0].ID
			},
			wantErr: true,
		},
		{
			name:    "empty item id",
			mutate:  func(ws *types.WorkingSet) { ws.PinnedContext[0].ID = "" },
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ws := validWorkingSet()
			tt.mutate(ws)
			err := ValidateWorkingSet(ws)
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestValidatePatchRejectsUnknownSetKey(t *testing.T) {
	p := &types.PatchSet{Set: map[string]any{"not_a_real_field": "x"}}

	err := ValidatePatch(p)
	assert.Error(t, err)
}

func TestValidatePatchAcceptsKnownSetKeys(t *testing.T) {
	p := &types.PatchSet{Set: map[string]any{"objective": "ship it", "current_stage": "review"}}

	assert.NoError(t, ValidatePatch(p))
}

func TestValidatePatchRejectsDuplicateAppendIDs(t *testing.T) {
	p := &types.PatchSet{
		PinnedAppend: []types.ContextItem{{ID: "dup"}},
		SlidingAppend: []types.ContextItem{{ID: "dup"}},
	}

	assert.Error(t, ValidatePatch(p))
}

func TestValidateMemoryItemConfidenceRange(t *testing.T) {
	base := func() *types.MemoryItem {
		return &types.MemoryItem{
			ID: "mem-1", Type: types.MemoryFact, Scope: types.ScopeRun,
			Confidence: 0.5, Status: types.MemoryProposed,
		}
	}

	assert.NoError(t, ValidateMemoryItem(base()))

	tooHigh := base()
	tooHigh.Confidence = 1.5
	assert.Error(t, ValidateMemoryItem(tooHigh))

	tooLow := base()
	tooLow.Confidence = -0.1
	assert.Error(t, ValidateMemoryItem(tooLow))
}

func TestValidateMCRRequiresTargetIDForUpdateAndRetract(t *testing.T) {
	tests := []struct {
		name    string
		mcr     *types.MemoryChangeRequest
		wantErr bool
	}{
		{name: "add needs no target", mcr: &types.MemoryChangeRequest{Op: types.MCRAdd, Type: types.MemoryFact, Scope: types.ScopeRun}, wantErr: false},
		{name: "update without target", mcr: &types.MemoryChangeRequest{Op: types.MCRUpdate}, wantErr: true},
		{name: "update with target", mcr: &types.MemoryChangeRequest{Op: types.MCRUpdate, TargetID: "mem-1"}, wantErr: false},
		{name: "retract without target", mcr: &types.MemoryChangeRequest{Op: types.MCRRetract}, wantErr: true},
		{name: "unknown op", mcr: &types.MemoryChangeRequest{Op: "delete"}, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidateMCR(tt.mcr)
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestValidateEpisodeLedgerSpanOrdering(t *testing.T) {
	ep := &types.Episode{
		EpisodeID:  "ep-1",
		RunID:      "run-1",
		LedgerSpan: types.LedgerSpan{FromSeq: 5, ToSeq: 2},
	}

	assert.Error(t, ValidateEpisode(ep))
}

func TestValidateEpisodeWSAfterMustNotRegress(t *testing.T) {
	ep := &types.Episode{
		EpisodeID:  "ep-1",
		RunID:      "run-1",
		LedgerSpan: types.LedgerSpan{FromSeq: 0, ToSeq: 5},
		WSBefore:   &types.WorkingSet{UpdateSeq: 10},
		WSAfter:    &types.WorkingSet{UpdateSeq: 3},
	}

	assert.Error(t, ValidateEpisode(ep))
}

func TestValidateManifestRejectsAbsolutePaths(t *testing.T) {
	m := &types.ResumeManifest{
		PackID: "pack-1",
		RunID:  "run-1",
		Files:  map[string]types.FileDigest{"/etc/passwd": {SHA256: "x", Size: 1}},
	}

	assert.Error(t, ValidateManifest(m))
}

func TestValidateManifestAcceptsRelativePaths(t *testing.T) {
	m := &types.ResumeManifest{
		PackID: "pack-1",
		RunID:  "run-1",
		Files:  map[string]types.FileDigest{"state/working_set.json": {SHA256: "x", Size: 1}},
	}

	assert.NoError(t, ValidateManifest(m))
}

func TestValidateDispatchesByKind(t *testing.T) {
	ws := validWorkingSet()
	assert.NoError(t, Validate(KindWorkingSet, ws))

	err := Validate(KindWorkingSet, &types.PatchSet{})
	assert.Error(t, err)

	err = Validate(Kind("nonsense"), ws)
	assert.Error(t, err)
}
