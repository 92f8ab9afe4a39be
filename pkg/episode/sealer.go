// Package episode implements the Episode Sealer (spec.md §4.7): the
// checkpoint operation that snapshots a run's working set, optionally
// commits a pending memory batch, and writes an immutable record binding a
// ledger span to that checkpoint. Shaped after the teacher's
// pkg/manager/fsm.go "apply produces a versioned snapshot" idiom, adapted
// from a Raft FSM snapshot to a single-run checkpoint plus a one-shot
// commit credential.
package episode

import (
	"encoding/json"
	"path/filepath"
	"sync"
	"time"

	"github.com/agentrun/contextd/pkg/atomicfile"
	"github.com/agentrun/contextd/pkg/contexterr"
	"github.com/agentrun/contextd/pkg/idgen"
	"github.com/agentrun/contextd/pkg/ledger"
	"github.com/agentrun/contextd/pkg/log"
	"github.com/agentrun/contextd/pkg/memory"
	"github.com/agentrun/contextd/pkg/metrics"
	"github.com/agentrun/contextd/pkg/schema"
	"github.com/agentrun/contextd/pkg/types"
	"github.com/agentrun/contextd/pkg/workingset"
	"github.com/rs/zerolog"
)

// SealRequest is the input to SealMilestone.
type SealRequest struct {
	RunID         string
	Reason        string
	MemoryBatchID string
	NextEntryPoint string
}

// SealResult is sealMilestone's return shape. MilestoneToken is empty when
// the seal committed a batch itself (the token was consumed in step 4).
type SealResult struct {
	EpisodeID      string
	Path           string
	CommittedIDs   []string
	MilestoneToken string
}

// Sealer owns one run's episode directory and the shared token manager.
// Callers are expected to hold the run's per-run mutex for the duration of
// SealMilestone, per spec.md §5's locking order.
type Sealer struct {
	runID       string
	episodesDir string
	ws          *workingset.Manager
	ledger      *ledger.Ledger
	mem         memory.Store
	tokens      *TokenManager
	mu          sync.Mutex
	log         zerolog.Logger
}

// New constructs a Sealer for one run. tokens is shared process-wide so a
// single TokenManager enforces "at most one pending token per run".
func New(runID, episodesDir string, ws *workingset.Manager, led *ledger.Ledger, mem memory.Store, tokens *TokenManager) *Sealer {
	return &Sealer{
		runID:       runID,
		episodesDir: episodesDir,
		ws:          ws,
		ledger:      led,
		mem:         mem,
		tokens:      tokens,
		log:         log.WithRun(runID),
	}
}

// SealMilestone runs the eight-step protocol in spec.md §4.7.
func (s *Sealer) SealMilestone(req SealRequest) (*SealResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	timer := metrics.NewTimer()
	defer timer.ObserveOperation("milestone")

	wsBefore, err := s.ws.Load()
	if err != nil {
		return nil, err
	}

	// The span starts right after the previous EPISODE_SEALED event, or at
	// sequence 0 for the run's first episode.
	var ledgerFrom uint64
	prior, err := s.ledger.ReadAll()
	if err != nil {
		return nil, err
	}
	for _, ev := range prior {
		if ev.EventType == types.EventEpisodeSealed {
			ledgerFrom = ev.SequenceID + 1
		}
	}
	episodeID := idgen.NewPrefixed("ep")

	mt, err := s.tokens.Mint(s.runID, episodeID, req.MemoryBatchID)
	if err != nil {
		return nil, err
	}

	var committedIDs []string
	if req.MemoryBatchID != "" {
		committedIDs, err = s.mem.Commit(req.MemoryBatchID, mt.Token, func(token string) bool {
			return s.tokens.ValidateForBatch(token, req.MemoryBatchID)
		})
		if err != nil {
			s.tokens.Consume(mt.Token)
			s.appendRejected(req, err)
			return nil, err
		}
		s.tokens.Consume(mt.Token)

		if _, err := s.ledger.Append(types.LedgerEvent{
			EventType: types.EventMemoryCommitted,
			Payload:   map[string]any{"batch_id": req.MemoryBatchID, "ids": committedIDs},
		}); err != nil {
			return nil, err
		}
	}

	wsAfter := wsBefore.Clone()

	episode := &types.Episode{
		SchemaVersion:      types.SchemaVersion,
		EpisodeID:          episodeID,
		RunID:              s.runID,
		Reason:             req.Reason,
		CreatedAt:          time.Now().UTC(),
		WSBefore:           wsBefore,
		WSAfter:            wsAfter,
		CommittedMemoryIDs: committedIDs,
		NextEntryPoint:     req.NextEntryPoint,
	}

	// The span ends at this episode's own EPISODE_SEALED event, which is
	// appended below and receives the next sequence id.
	ledgerTo := uint64(s.ledger.LastSequence() + 1)
	episode.LedgerSpan = types.LedgerSpan{FromSeq: ledgerFrom, ToSeq: ledgerTo}
	episode.Summary = s.summarize(ledgerFrom, ledgerTo)

	if err := schema.ValidateEpisode(episode); err != nil {
		return nil, err
	}

	path := filepath.Join(s.episodesDir, episodeID+".json")
	data, err := json.MarshalIndent(episode, "", "  ")
	if err != nil {
		return nil, contexterr.Wrap(contexterr.KindIO, "marshal episode", err)
	}
	if err := atomicfile.WriteAtomic(path, data); err != nil {
		return nil, err
	}

	if _, err := s.ledger.Append(types.LedgerEvent{
		EventType: types.EventEpisodeSealed,
		Payload: map[string]any{
			"episode_id":    episodeID,
			"ledger_from":   ledgerFrom,
			"ledger_to":     ledgerTo,
			"committed_ids": committedIDs,
			"reason":        req.Reason,
		},
	}); err != nil {
		return nil, err
	}

	metrics.EpisodesSealedTotal.Inc()
	s.log.Info().Str("episode_id", episodeID).Int("committed", len(committedIDs)).Msg("milestone sealed")

	result := &SealResult{
		EpisodeID:    episodeID,
		Path:         path,
		CommittedIDs: committedIDs,
	}
	if req.MemoryBatchID == "" {
		result.MilestoneToken = mt.Token
	}
	return result, nil
}

func (s *Sealer) appendRejected(req SealRequest, cause error) {
	if _, err := s.ledger.Append(types.LedgerEvent{
		EventType: types.EventWSUpdateRejected,
		Payload: map[string]any{
			"reason":   "episode_commit_failed",
			"run_id":   s.runID,
			"batch_id": req.MemoryBatchID,
			"cause":    cause.Error(),
		},
	}); err != nil {
		s.log.Error().Err(err).Msg("failed to append WS_UPDATE_REJECTED for failed episode commit")
	}
}

// summarize builds a deterministic digest of the ledger span: an event-type
// histogram and the final few raw lines, used by the resume pack and the
// context brief without either needing to re-scan the whole ledger.
func (s *Sealer) summarize(from, to uint64) types.EpisodeSummary {
	events, err := s.ledger.ReadRange(from, to)
	if err != nil {
		return types.EpisodeSummary{EventCounts: map[types.EventType]int{}}
	}
	counts := make(map[types.EventType]int, len(events))
	var tail []string
	for _, ev := range events {
		counts[ev.EventType]++
		if line, err := json.Marshal(ev); err == nil {
			tail = append(tail, string(line))
		}
	}
	const maxTail = 10
	if len(tail) > maxTail {
		tail = tail[len(tail)-maxTail:]
	}
	return types.EpisodeSummary{EventCounts: counts, LastLedgerLines: tail}
}
