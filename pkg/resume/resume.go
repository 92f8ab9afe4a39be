// Package resume implements the Resume Pack (spec.md §4.8): a
// content-addressed, relocatable snapshot of one run's state, ledger, and
// latest episode, materialized as either a directory or a zip. No example
// repo in the retrieval pack builds archives, so this component is
// deliberately standard-library (archive/zip, crypto/sha256) rather than a
// fabricated third-party dependency.
package resume

import (
	"archive/zip"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/agentrun/contextd/pkg/atomicfile"
	"github.com/agentrun/contextd/pkg/contexterr"
	"github.com/agentrun/contextd/pkg/idgen"
	"github.com/agentrun/contextd/pkg/ledger"
	"github.com/agentrun/contextd/pkg/log"
	"github.com/agentrun/contextd/pkg/metrics"
	"github.com/agentrun/contextd/pkg/schema"
	"github.com/agentrun/contextd/pkg/types"
)

// Paths of the files inside a pack root. The working set and manifest are
// always present; the ledger and latest episode only when the run has them.
const (
	fileWorkingSet = "state/working_set.json"
	fileLedger     = "ledger/run.jsonl"
	fileEpisode    = "episodes/latest.json"
	fileManifest   = "manifest.json"
)

// SnapshotRequest is the input to Snapshot.
type SnapshotRequest struct {
	RunID      string
	RunDir     string // runs/<run_id>
	ResumeDir  string // runs/<run_id>/resume
	ZipPack    bool
	Pointers   map[string]any
}

// SnapshotResult is snapshot's return shape.
type SnapshotResult struct {
	PackID   string
	Path     string
	Manifest *types.ResumeManifest
}

// Snapshot builds a relocatable pack from a run's current state, per the
// six-step protocol in spec.md §4.8.
func Snapshot(req SnapshotRequest, led *ledger.Ledger) (*SnapshotResult, error) {
	wsPath := filepath.Join(req.RunDir, fileWorkingSet)
	wsData, err := os.ReadFile(wsPath)
	if err != nil {
		return nil, contexterr.Wrap(contexterr.KindIO, "read working set", err)
	}
	var ws types.WorkingSet
	if err := schema.DecodeStrict(wsData, &ws); err != nil {
		return nil, err
	}
	if err := schema.ValidateWorkingSet(&ws); err != nil {
		return nil, err
	}

	ledgerPath := filepath.Join(req.RunDir, fileLedger)
	ledgerData, err := os.ReadFile(ledgerPath)
	if err != nil && !os.IsNotExist(err) {
		return nil, contexterr.Wrap(contexterr.KindIO, "read ledger", err)
	}

	episodeData, episodePath := latestEpisode(filepath.Join(req.RunDir, "episodes"))

	packID := idgen.NewPrefixed("pack")
	files := map[string][]byte{
		fileWorkingSet: wsData,
	}
	if ledgerData != nil {
		files[fileLedger] = ledgerData
	}
	if episodeData != nil {
		files[fileEpisode] = episodeData
	}

	manifest := &types.ResumeManifest{
		SchemaVersion: types.SchemaVersion,
		PackID:        packID,
		RunID:         req.RunID,
		Files:         map[string]types.FileDigest{},
		Pointers:      req.Pointers,
	}
	for path, data := range files {
		sum := sha256.Sum256(data)
		manifest.Files[path] = types.FileDigest{SHA256: hex.EncodeToString(sum[:]), Size: int64(len(data))}
	}
	if err := schema.ValidateManifest(manifest); err != nil {
		return nil, err
	}

	var packPath string
	if req.ZipPack {
		packPath = filepath.Join(req.ResumeDir, "pack_"+packID+".zip")
		if err := writeZip(packPath, manifest, files); err != nil {
			return nil, err
		}
	} else {
		packPath = filepath.Join(req.ResumeDir, "pack_"+packID)
		if err := writeDir(packPath, manifest, files); err != nil {
			return nil, err
		}
	}

	if led != nil {
		if _, err := led.Append(types.LedgerEvent{
			EventType: types.EventResumeSnapshot,
			Payload:   map[string]any{"pack_id": packID},
		}); err != nil {
			return nil, err
		}
	}

	metrics.ResumeSnapshotsTotal.Inc()
	log.WithComponent("resume").Info().Str("pack_id", packID).Str("path", packPath).Msg("resume pack written")
	_ = episodePath
	return &SnapshotResult{PackID: packID, Path: packPath, Manifest: manifest}, nil
}

func latestEpisode(episodesDir string) ([]byte, string) {
	entries, err := os.ReadDir(episodesDir)
	if err != nil {
		return nil, ""
	}
	var latest string
	var latestMod time.Time
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".json") {
			continue
		}
		info, err := e.Info()
		if err != nil {
			continue
		}
		if latest == "" || info.ModTime().After(latestMod) {
			latest = e.Name()
			latestMod = info.ModTime()
		}
	}
	if latest == "" {
		return nil, ""
	}
	path := filepath.Join(episodesDir, latest)
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, ""
	}
	return data, path
}

func writeDir(packPath string, manifest *types.ResumeManifest, files map[string][]byte) error {
	for relPath, data := range files {
		dest := filepath.Join(packPath, relPath)
		if err := atomicfile.WriteAtomic(dest, data); err != nil {
			return err
		}
	}
	manifestData, err := json.MarshalIndent(manifest, "", "  ")
	if err != nil {
		return contexterr.Wrap(contexterr.KindIO, "marshal manifest", err)
	}
	return atomicfile.WriteAtomic(filepath.Join(packPath, fileManifest), manifestData)
}

func writeZip(packPath string, manifest *types.ResumeManifest, files map[string][]byte) error {
	if err := os.MkdirAll(filepath.Dir(packPath), 0o755); err != nil {
		return contexterr.Wrap(contexterr.KindIO, "create resume directory", err)
	}
	tmp := packPath + ".tmp." + idgen.New()
	f, err := os.OpenFile(tmp, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o644)
	if err != nil {
		return contexterr.Wrap(contexterr.KindIO, "create temp zip", err)
	}
	defer os.Remove(tmp)

	zw := zip.NewWriter(f)
	manifestData, err := json.MarshalIndent(manifest, "", "  ")
	if err != nil {
		zw.Close()
		f.Close()
		return contexterr.Wrap(contexterr.KindIO, "marshal manifest", err)
	}
	files[fileManifest] = manifestData

	for relPath, data := range files {
		w, err := zw.Create(relPath)
		if err != nil {
			zw.Close()
			f.Close()
			return contexterr.Wrap(contexterr.KindIO, "add zip entry "+relPath, err)
		}
		if _, err := w.Write(data); err != nil {
			zw.Close()
			f.Close()
			return contexterr.Wrap(contexterr.KindIO, "write zip entry "+relPath, err)
		}
	}
	if err := zw.Close(); err != nil {
		f.Close()
		return contexterr.Wrap(contexterr.KindIO, "close zip writer", err)
	}
	if err := f.Sync(); err != nil {
		f.Close()
		return contexterr.Wrap(contexterr.KindIO, "sync zip", err)
	}
	if err := f.Close(); err != nil {
		return contexterr.Wrap(contexterr.KindIO, "close zip file", err)
	}
	return os.Rename(tmp, packPath)
}

// LoadRequest is the input to Load.
type LoadRequest struct {
	PackPath  string
	RunsRoot  string
	NewRunID  string
	PriorRunID string
}

// LoadResult is load's return shape.
type LoadResult struct {
	RunID string
}

// Load materializes a pack into a fresh run directory, per the five-step
// protocol in spec.md §4.8. It re-hashes every manifest-listed file before
// trusting it, returning CorruptionError (contexterr.KindCorruption) on any
// mismatch.
func Load(req LoadRequest) (*LoadResult, error) {
	info, err := os.Stat(req.PackPath)
	if err != nil {
		return nil, contexterr.Wrap(contexterr.KindIO, "stat pack", err)
	}

	var readFile func(relPath string) ([]byte, error)
	var closeFn func() error

	if info.IsDir() {
		readFile = func(relPath string) ([]byte, error) {
			return os.ReadFile(filepath.Join(req.PackPath, relPath))
		}
		closeFn = func() error { return nil }
	} else {
		zr, err := zip.OpenReader(req.PackPath)
		if err != nil {
			return nil, contexterr.Wrap(contexterr.KindIO, "open zip pack", err)
		}
		closeFn = zr.Close
		readFile = func(relPath string) ([]byte, error) {
			for _, f := range zr.File {
				if f.Name == relPath {
					rc, err := f.Open()
					if err != nil {
						return nil, err
					}
					defer rc.Close()
					return io.ReadAll(rc)
				}
			}
			return nil, os.ErrNotExist
		}
	}
	defer closeFn()

	manifestData, err := readFile(fileManifest)
	if err != nil {
		return nil, contexterr.New(contexterr.KindCorruption, "pack missing manifest", map[string]any{"path": fileManifest})
	}
	var manifest types.ResumeManifest
	if err := schema.DecodeStrict(manifestData, &manifest); err != nil {
		return nil, err
	}
	if err := schema.ValidateManifest(&manifest); err != nil {
		return nil, err
	}

	contents := make(map[string][]byte, len(manifest.Files))
	for relPath, digest := range manifest.Files {
		if strings.HasPrefix(relPath, "/") {
			return nil, contexterr.New(contexterr.KindCorruption, "manifest path must be relative", map[string]any{"path": relPath})
		}
		data, err := readFile(relPath)
		if err != nil {
			return nil, contexterr.New(contexterr.KindCorruption, "pack missing manifest-listed file", map[string]any{"path": relPath})
		}
		sum := sha256.Sum256(data)
		if hex.EncodeToString(sum[:]) != digest.SHA256 || int64(len(data)) != digest.Size {
			return nil, contexterr.New(contexterr.KindCorruption, "file does not match manifest digest", map[string]any{"path": relPath})
		}
		contents[relPath] = data
	}

	runID := req.NewRunID
	if runID == "" {
		runID = idgen.NewPrefixed("run")
	}
	runDir := filepath.Join(req.RunsRoot, runID)

	var ws types.WorkingSet
	if data, ok := contents[fileWorkingSet]; ok {
		if err := schema.DecodeStrict(data, &ws); err != nil {
			return nil, err
		}
		if err := schema.ValidateWorkingSet(&ws); err != nil {
			return nil, err
		}
	}
	if data, ok := contents[fileEpisode]; ok {
		var ep types.Episode
		if err := schema.DecodeStrict(data, &ep); err != nil {
			return nil, err
		}
		if err := schema.ValidateEpisode(&ep); err != nil {
			return nil, err
		}
	}

	for relPath, data := range contents {
		if err := atomicfile.WriteAtomic(filepath.Join(runDir, relPath), data); err != nil {
			return nil, err
		}
	}

	led, err := ledger.Open(filepath.Join(runDir, fileLedger), atomicfile.LockAdvisory)
	if err != nil {
		return nil, err
	}
	defer led.Close()

	if _, err := led.Append(types.LedgerEvent{
		EventType: types.EventResumeLoaded,
		Payload: map[string]any{
			"source_pack_id": manifest.PackID,
			"prior_run_id":   req.PriorRunID,
		},
	}); err != nil {
		return nil, err
	}

	log.WithComponent("resume").Info().Str("run_id", runID).Str("source_pack_id", manifest.PackID).Msg("resume pack loaded")
	return &LoadResult{RunID: runID}, nil
}
