// Package service binds the five stateful components into the ten public
// operations spec.md §6 defines, owning one RunHandle per live run plus the
// shared memory store and token manager. Shaped after the teacher's
// pkg/manager.Manager: a struct holding one store and exposing public
// methods that take a lock, delegate to a subsystem, and return a typed
// result or error — generalized here from one cluster-wide store to a map
// of per-run handles plus one shared memory store.
package service

import (
	"os"
	"path/filepath"
	"sync"

	"github.com/agentrun/contextd/pkg/brief"
	"github.com/agentrun/contextd/pkg/config"
	"github.com/agentrun/contextd/pkg/contexterr"
	"github.com/agentrun/contextd/pkg/episode"
	"github.com/agentrun/contextd/pkg/idgen"
	"github.com/agentrun/contextd/pkg/ledger"
	"github.com/agentrun/contextd/pkg/log"
	"github.com/agentrun/contextd/pkg/memory"
	"github.com/agentrun/contextd/pkg/resume"
	"github.com/agentrun/contextd/pkg/types"
	"github.com/agentrun/contextd/pkg/workingset"
	"github.com/rs/zerolog"
)

const buildVersion = "0.1.0"

// RunHandle bundles one run's Working-Set Manager, Ledger, and Episode
// Sealer under the single per-run mutex spec.md §5 requires.
type RunHandle struct {
	mu     sync.Mutex
	runID  string
	dir    string
	ws     *workingset.Manager
	ledger *ledger.Ledger
	sealer *episode.Sealer
}

// Service is the single owned value the process constructs once at
// startup; cmd/contextd and pkg/api both hold a *Service.
type Service struct {
	cfg    config.Config
	mem    memory.Store
	tokens *episode.TokenManager

	mu   sync.Mutex
	runs map[string]*RunHandle

	log zerolog.Logger
}

// New opens the shared memory store under cfg.RunsRoot/.memory and returns
// a ready Service.
func New(cfg config.Config) (*Service, error) {
	memDir := filepath.Join(cfg.RunsRoot, ".memory")
	if err := os.MkdirAll(memDir, 0o755); err != nil {
		return nil, contexterr.Wrap(contexterr.KindIO, "create memory directory", err)
	}
	store, err := memory.Open(memDir)
	if err != nil {
		return nil, err
	}
	return &Service{
		cfg:    cfg,
		mem:    store,
		tokens: episode.NewTokenManager(),
		runs:   make(map[string]*RunHandle),
		log:    log.WithComponent("service"),
	}, nil
}

// Close releases the shared memory store.
func (s *Service) Close() error {
	return s.mem.Close()
}

func (s *Service) runDir(runID string) string {
	return filepath.Join(s.cfg.RunsRoot, runID)
}

// handle returns the RunHandle for runID, opening its ledger and managers
// if this is the first reference in this process.
func (s *Service) handle(runID string) (*RunHandle, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if h, ok := s.runs[runID]; ok {
		return h, nil
	}

	dir := s.runDir(runID)
	led, err := ledger.Open(filepath.Join(dir, "ledger", "run.jsonl"), s.cfg.LedgerLockMode)
	if err != nil {
		return nil, err
	}
	wsMgr := workingset.New(runID, filepath.Join(dir, "state", "working_set.json"), workingset.Config{
		TokenBudget: s.cfg.TokenBudget,
		PinnedMax:   s.cfg.PinnedMax,
	}, led)
	sealer := episode.New(runID, filepath.Join(dir, "episodes"), wsMgr, led, s.mem, s.tokens)

	h := &RunHandle{runID: runID, dir: dir, ws: wsMgr, ledger: led, sealer: sealer}
	s.runs[runID] = h
	return h, nil
}

// BootRequest is the input to Boot.
type BootRequest struct {
	Objective          string
	AcceptanceCriteria []string
	Constraints        []string
	TaskID             string
	ThreadID           string
}

// Boot implements the `boot` operation.
func (s *Service) Boot(req BootRequest) (*types.WorkingSet, string, error) {
	runID := idgen.NewPrefixed("run")
	h, err := s.handle(runID)
	if err != nil {
		return nil, "", err
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	ws, err := h.ws.CreateInitial(workingset.BootParams{
		RunID:              runID,
		TaskID:             req.TaskID,
		ThreadID:           req.ThreadID,
		Objective:          req.Objective,
		AcceptanceCriteria: req.AcceptanceCriteria,
		Constraints:        req.Constraints,
	})
	if err != nil {
		return nil, "", err
	}
	return ws, runID, nil
}

// GetWS implements the `get_ws` operation.
func (s *Service) GetWS(runID string) (*types.WorkingSet, error) {
	h, err := s.handle(runID)
	if err != nil {
		return nil, err
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.ws.Load()
}

// ApplyPatchResult is apply_patch's success payload.
type ApplyPatchResult struct {
	WS           *types.WorkingSet
	ContextBrief string
}

// ApplyPatch implements the `apply_patch` operation, rendering the context
// brief after a successful patch (pkg/workingset has no access to memory
// search results, so brief assembly lives here per the component
// dependency table).
func (s *Service) ApplyPatch(runID string, patch types.PatchSet) (*ApplyPatchResult, error) {
	h, err := s.handle(runID)
	if err != nil {
		return nil, err
	}
	h.mu.Lock()
	defer h.mu.Unlock()

	ws, err := h.ws.ApplyPatch(patch)
	if err != nil {
		return nil, err
	}

	results, _ := s.mem.Search(memory.SearchQuery{Scope: types.ScopeRun, ScopeID: runID, Limit: 10})
	tail, _ := h.ledger.ReadRange(tailFrom(h.ledger.LastSequence()), uint64(h.ledger.LastSequence()))

	return &ApplyPatchResult{
		WS:           ws,
		ContextBrief: brief.Render(ws, tail, results),
	}, nil
}

func tailFrom(last int64) uint64 {
	const tailSize = 10
	if last < tailSize {
		return 0
	}
	return uint64(last - tailSize + 1)
}

// ProposeMemory implements the `propose_memory` operation: one batch_id
// groups every MCR submitted in this call.
func (s *Service) ProposeMemory(runID string, mcrs []types.MemoryChangeRequest) (string, []string, error) {
	batchID := idgen.NewPrefixed("batch")
	var proposedIDs []string
	for _, mcr := range mcrs {
		item, err := s.mem.Propose(mcr, batchID)
		if err != nil {
			return "", nil, err
		}
		proposedIDs = append(proposedIDs, item.ID)
	}

	if _, err := s.appendLedger(runID, types.LedgerEvent{
		EventType: types.EventMemoryProposed,
		Payload:   map[string]any{"batch_id": batchID, "proposed_ids": proposedIDs},
	}); err != nil {
		return "", nil, err
	}
	return batchID, proposedIDs, nil
}

// CommitMemoryRequest is the input to CommitMemory.
type CommitMemoryRequest struct {
	RunID                 string
	BatchID               string
	MilestoneToken        string
	AllowOutsideMilestone bool
}

// CommitMemory implements the `commit_memory` operation, including
// spec.md §4.6's test-mode escape hatch.
func (s *Service) CommitMemory(req CommitMemoryRequest) ([]string, error) {
	validate := func(token string) bool {
		return s.tokens.ValidateForBatch(token, req.BatchID)
	}
	if req.AllowOutsideMilestone {
		if !s.cfg.TestMode {
			return nil, contexterr.New(contexterr.KindGate, "allow_outside_milestone requires test_mode", nil)
		}
		validate = func(string) bool { return true }
	}

	ids, err := s.mem.Commit(req.BatchID, req.MilestoneToken, validate)
	if err != nil {
		return nil, err
	}
	s.tokens.Consume(req.MilestoneToken)

	if _, err := s.appendLedger(req.RunID, types.LedgerEvent{
		EventType: types.EventMemoryCommitted,
		Payload:   map[string]any{"batch_id": req.BatchID, "ids": ids},
	}); err != nil {
		return nil, err
	}
	return ids, nil
}

// SearchMemory implements the `search_memory` operation.
func (s *Service) SearchMemory(q memory.SearchQuery) ([]types.MemoryItem, error) {
	return s.mem.Search(q)
}

// Milestone implements the `milestone` operation.
func (s *Service) Milestone(req episode.SealRequest) (*episode.SealResult, error) {
	h, err := s.handle(req.RunID)
	if err != nil {
		return nil, err
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.sealer.SealMilestone(req)
}

// ResumeSnapshot implements the `resume_snapshot` operation.
func (s *Service) ResumeSnapshot(runID string, zipPack bool, pointers map[string]any) (*resume.SnapshotResult, error) {
	h, err := s.handle(runID)
	if err != nil {
		return nil, err
	}
	h.mu.Lock()
	defer h.mu.Unlock()

	return resume.Snapshot(resume.SnapshotRequest{
		RunID:     runID,
		RunDir:    h.dir,
		ResumeDir: filepath.Join(h.dir, "resume"),
		ZipPack:   zipPack,
		Pointers:  pointers,
	}, h.ledger)
}

// ResumeLoad implements the `resume_load` operation.
func (s *Service) ResumeLoad(packPath, newRunID string) (*types.WorkingSet, string, error) {
	result, err := resume.Load(resume.LoadRequest{
		PackPath: packPath,
		RunsRoot: s.cfg.RunsRoot,
		NewRunID: newRunID,
	})
	if err != nil {
		return nil, "", err
	}

	h, err := s.handle(result.RunID)
	if err != nil {
		return nil, "", err
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	ws, err := h.ws.Load()
	if err != nil {
		return nil, "", err
	}
	return ws, result.RunID, nil
}

// HealthResult is health's payload.
type HealthResult struct {
	Status  string
	Version string
}

// Health implements the `health` operation.
func (s *Service) Health() HealthResult {
	return HealthResult{Status: "ok", Version: buildVersion}
}

func (s *Service) appendLedger(runID string, event types.LedgerEvent) (uint64, error) {
	h, err := s.handle(runID)
	if err != nil {
		return 0, err
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.ledger.Append(event)
}

// EnsureRunDirs creates the four subdirectories of spec.md §3's Run layout.
// Boot does not call it: the working-set and ledger writers create their
// own parent directories.
func EnsureRunDirs(runsRoot, runID string) error {
	dir := filepath.Join(runsRoot, runID)
	for _, sub := range []string{"state", "ledger", "episodes", "resume"} {
		if err := os.MkdirAll(filepath.Join(dir, sub), 0o755); err != nil {
			return contexterr.Wrap(contexterr.KindIO, "create run subdirectory", err)
		}
	}
	return nil
}
