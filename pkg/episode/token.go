package episode

import (
	"sync"
	"time"

	"github.com/agentrun/contextd/pkg/idgen"
)

// MilestoneToken is the one-shot bearer credential minted by SealMilestone
// that authorizes committing exactly the memory batch it names. Unlike the
// teacher's JoinToken it carries no expiry: it lives until consumed by
// Commit or invalidated by the next SealMilestone call on the same run.
type MilestoneToken struct {
	Token     string
	RunID     string
	EpisodeID string
	BatchID   string
	CreatedAt time.Time
	Consumed  bool
}

// TokenManager tracks, per run, at most one live milestone token at a time,
// generalizing the teacher's TokenManager (opaque token + map + mutex) from
// a time-sliced cluster-join credential to a single-use commit gate.
type TokenManager struct {
	mu      sync.Mutex
	issued  map[string]*MilestoneToken // token -> record
	pending map[string]string          // run_id -> its current live token
}

// NewTokenManager creates an empty token manager.
func NewTokenManager() *TokenManager {
	return &TokenManager{
		issued:  make(map[string]*MilestoneToken),
		pending: make(map[string]string),
	}
}

// Mint generates a new milestone token for runID authorizing batchID,
// invalidating any previously minted token for the same run that was never
// consumed, per spec.md §4.7: "a token not consumed before a subsequent
// sealMilestone is invalidated."
func (tm *TokenManager) Mint(runID, episodeID, batchID string) (*MilestoneToken, error) {
	raw, err := idgen.Token()
	if err != nil {
		return nil, err
	}

	tm.mu.Lock()
	defer tm.mu.Unlock()

	if prev, ok := tm.pending[runID]; ok {
		delete(tm.issued, prev)
	}

	mt := &MilestoneToken{
		Token:     raw,
		RunID:     runID,
		EpisodeID: episodeID,
		BatchID:   batchID,
		CreatedAt: time.Now().UTC(),
	}
	tm.issued[raw] = mt
	tm.pending[runID] = raw
	return mt, nil
}

// ValidateForBatch reports whether token is live and authorizes batchID. A
// token minted with no batch named yet (sealMilestone's "seal now, commit
// later" path, spec.md §4.7 step 8) is unbound and binds to whichever batch
// first validates against it; a token minted for a specific batch only ever
// authorizes that batch.
// Its signature matches the validate func pkg/memory.Store.Commit expects.
func (tm *TokenManager) ValidateForBatch(token, batchID string) bool {
	tm.mu.Lock()
	defer tm.mu.Unlock()

	mt, ok := tm.issued[token]
	if !ok || mt.Consumed {
		return false
	}
	if mt.BatchID == "" {
		mt.BatchID = batchID
		return true
	}
	return mt.BatchID == batchID
}

// Consume marks token spent, after which ValidateForBatch always reports
// false for it.
func (tm *TokenManager) Consume(token string) {
	tm.mu.Lock()
	defer tm.mu.Unlock()

	mt, ok := tm.issued[token]
	if !ok {
		return
	}
	mt.Consumed = true
	if tm.pending[mt.RunID] == token {
		delete(tm.pending, mt.RunID)
	}
}

// Peek returns the live (unconsumed) token record, if any, without
// consuming it.
func (tm *TokenManager) Peek(token string) (*MilestoneToken, bool) {
	tm.mu.Lock()
	defer tm.mu.Unlock()

	mt, ok := tm.issued[token]
	if !ok || mt.Consumed {
		return nil, false
	}
	return mt, true
}
