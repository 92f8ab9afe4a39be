package resume

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/agentrun/contextd/pkg/atomicfile"
	"github.com/agentrun/contextd/pkg/contexterr"
	"github.com/agentrun/contextd/pkg/ledger"
	"github.com/agentrun/contextd/pkg/types"
	"github.com/stretchr/testify/assert"
)

func writeRunFixture(t *testing.T, runDir string) *ledger.Ledger {
	t.Helper()

	ws := types.WorkingSet{
		SchemaVersion: types.SchemaVersion,
		RunID:         "run-1",
		Status:        types.StatusBusy,
		PinnedContext: []types.ContextItem{},
		SlidingContext: []types.ContextItem{},
	}
	data, err := json.Marshal(ws)
	assert.NoError(t, err)
	assert.NoError(t, atomicfile.WriteAtomic(filepath.Join(runDir, "state", "working_set.json"), data))

	led, err := ledger.Open(filepath.Join(runDir, "ledger", "run.jsonl"), atomicfile.LockNone)
	assert.NoError(t, err)
	_, err = led.Append(types.LedgerEvent{EventType: types.EventBoot})
	assert.NoError(t, err)

	return led
}

// S5: snapshot a run to a directory pack and load it back as a new run.
func TestSnapshotThenLoadDirRoundTrip(t *testing.T) {
	runsRoot := t.TempDir()
	runDir := filepath.Join(runsRoot, "run-1")
	led := writeRunFixture(t, runDir)
	defer led.Close()

	result, err := Snapshot(SnapshotRequest{
		RunID:     "run-1",
		RunDir:    runDir,
		ResumeDir: filepath.Join(runDir, "resume"),
	}, led)
	assert.NoError(t, err)
	assert.NotEmpty(t, result.PackID)
	assert.Contains(t, result.Manifest.Files, "state/working_set.json")
	assert.Contains(t, result.Manifest.Files, "ledger/run.jsonl")

	loadResult, err := Load(LoadRequest{
		PackPath: result.Path,
		RunsRoot: t.TempDir(),
		PriorRunID: "run-1",
	})
	assert.NoError(t, err)
	assert.NotEmpty(t, loadResult.RunID)
}

func TestSnapshotZipThenLoadRoundTrip(t *testing.T) {
	runsRoot := t.TempDir()
	runDir := filepath.Join(runsRoot, "run-1")
	led := writeRunFixture(t, runDir)
	defer led.Close()

	result, err := Snapshot(SnapshotRequest{
		RunID:     "run-1",
		RunDir:    runDir,
		ResumeDir: filepath.Join(runDir, "resume"),
		ZipPack:   true,
	}, led)
	assert.NoError(t, err)
	assert.True(t, filepath.Ext(result.Path) == ".zip")

	loadResult, err := Load(LoadRequest{
		PackPath: result.Path,
		RunsRoot: t.TempDir(),
	})
	assert.NoError(t, err)
	assert.NotEmpty(t, loadResult.RunID)
}

func TestLoadRejectsCorruptedFile(t *testing.T) {
	runsRoot := t.TempDir()
	runDir := filepath.Join(runsRoot, "run-1")
	led := writeRunFixture(t, runDir)
	defer led.Close()

	result, err := Snapshot(SnapshotRequest{
		RunID:     "run-1",
		RunDir:    runDir,
		ResumeDir: filepath.Join(runDir, "resume"),
	}, led)
	assert.NoError(t, err)

	corruptPath := filepath.Join(result.Path, "state", "working_set.json")
	assert.NoError(t, os.WriteFile(corruptPath, []byte(`{"run_id":"tampered"}`), 0o644))

	_, err = Load(LoadRequest{PackPath: result.Path, RunsRoot: t.TempDir()})
	assert.Error(t, err)
	var cerr *contexterr.Error
	assert.ErrorAs(t, err, &cerr)
	assert.Equal(t, contexterr.KindCorruption, cerr.Kind)
}

func TestLoadRejectsMissingManifest(t *testing.T) {
	packPath := t.TempDir()
	_, err := Load(LoadRequest{PackPath: packPath, RunsRoot: t.TempDir()})
	assert.Error(t, err)
	var cerr *contexterr.Error
	assert.ErrorAs(t, err, &cerr)
	assert.Equal(t, contexterr.KindCorruption, cerr.Kind)
}

func TestLoadUsesGivenNewRunID(t *testing.T) {
	runsRoot := t.TempDir()
	runDir := filepath.Join(runsRoot, "run-1")
	led := writeRunFixture(t, runDir)
	defer led.Close()

	result, err := Snapshot(SnapshotRequest{
		RunID:     "run-1",
		RunDir:    runDir,
		ResumeDir: filepath.Join(runDir, "resume"),
	}, led)
	assert.NoError(t, err)

	loadResult, err := Load(LoadRequest{
		PackPath: result.Path,
		RunsRoot: t.TempDir(),
		NewRunID: "run-restored",
	})
	assert.NoError(t, err)
	assert.Equal(t, "run-restored", loadResult.RunID)
}

func TestSnapshotAppendsResumeSnapshotEvent(t *testing.T) {
	runsRoot := t.TempDir()
	runDir := filepath.Join(runsRoot, "run-1")
	led := writeRunFixture(t, runDir)
	defer led.Close()

	_, err := Snapshot(SnapshotRequest{
		RunID:     "run-1",
		RunDir:    runDir,
		ResumeDir: filepath.Join(runDir, "resume"),
	}, led)
	assert.NoError(t, err)

	events, err := led.ReadAll()
	assert.NoError(t, err)
	last := events[len(events)-1]
	assert.Equal(t, types.EventResumeSnapshot, last.EventType)
}
