// Package memory implements the Long-Term Memory Store (spec.md §4.6): a
// propose/commit staging area gated by a milestone token, backed by
// BoltDB. Shaped after the teacher's pkg/storage: a narrow interface
// (substitution boundary for a future vector database) with one baseline
// bucket-per-concern implementation doing json.Marshal/Unmarshal per item,
// exactly as pkg/storage/boltdb.go does for nodes, services, and the rest.
package memory

import (
	"encoding/json"
	"fmt"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/agentrun/contextd/pkg/contexterr"
	"github.com/agentrun/contextd/pkg/idgen"
	"github.com/agentrun/contextd/pkg/log"
	"github.com/agentrun/contextd/pkg/metrics"
	"github.com/agentrun/contextd/pkg/schema"
	"github.com/agentrun/contextd/pkg/types"
	"github.com/rs/zerolog"
	bolt "go.etcd.io/bbolt"
)

var (
	bucketItems  = []byte("memory_items")
	bucketStaged = []byte("staged_items")
	bucketOps    = []byte("batch_ops")
)

// SearchQuery narrows a Search call.
type SearchQuery struct {
	Text    string
	Type    types.MemoryType
	Scope   types.MemoryScope
	ScopeID string
	Limit   int
}

// Store is the substitution boundary spec.md §4.6 calls out: a baseline
// BoltDB implementation stands in for a future vector database without
// changing any caller.
type Store interface {
	Propose(mcr types.MemoryChangeRequest, batchID string) (*types.MemoryItem, error)
	Commit(batchID, milestoneToken string, validate func(token string) bool) ([]string, error)
	Search(q SearchQuery) ([]types.MemoryItem, error)
	Retract(id string) error
	Close() error
}

// BoltStore is the baseline Store backed by a single memory.db.
type BoltStore struct {
	db  *bolt.DB
	mu  sync.Mutex
	log zerolog.Logger
}

// Open opens (creating if absent) the memory store at dataDir/memory.db.
func Open(dataDir string) (*BoltStore, error) {
	path := filepath.Join(dataDir, "memory.db")
	db, err := bolt.Open(path, 0o600, nil)
	if err != nil {
		return nil, contexterr.Wrap(contexterr.KindIO, "open memory store", err)
	}
	err = db.Update(func(tx *bolt.Tx) error {
		if _, err := tx.CreateBucketIfNotExists(bucketItems); err != nil {
			return err
		}
		if _, err := tx.CreateBucketIfNotExists(bucketStaged); err != nil {
			return err
		}
		_, err := tx.CreateBucketIfNotExists(bucketOps)
		return err
	})
	if err != nil {
		db.Close()
		return nil, contexterr.Wrap(contexterr.KindIO, "create memory bucket", err)
	}
	return &BoltStore{db: db, log: log.WithComponent("memory")}, nil
}

// Close closes the underlying database.
func (s *BoltStore) Close() error {
	return s.db.Close()
}

// Propose stages one memory item under batchID with status "proposed" in a
// side staging bucket. For update/retract this never touches the existing
// committed record under the same id — spec.md §4.6 requires Propose to
// "stage an intent referencing target_id (but not alter the existing
// committed item)" — so the staged intent is invisible to both Search and
// a direct get of the live item until Commit applies it.
func (s *BoltStore) Propose(mcr types.MemoryChangeRequest, batchID string) (*types.MemoryItem, error) {
	if err := schema.ValidateMCR(&mcr); err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	item, err := s.applyMCR(mcr, batchID)
	if err != nil {
		return nil, err
	}
	if err := schema.ValidateMemoryItem(item); err != nil {
		return nil, err
	}

	if err := s.putStaged(item); err != nil {
		return nil, err
	}
	if err := s.putOp(item.ID, mcr.Op); err != nil {
		return nil, err
	}
	metrics.MemoryProposedTotal.Inc()
	return item, nil
}

// applyMCR builds the resulting MemoryItem for an add/update/retract request
// without persisting it.
func (s *BoltStore) applyMCR(mcr types.MemoryChangeRequest, batchID string) (*types.MemoryItem, error) {
	switch mcr.Op {
	case types.MCRAdd:
		return &types.MemoryItem{
			ID:         idgen.NewPrefixed("mem"),
			Type:       mcr.Type,
			Scope:      mcr.Scope,
			ScopeID:    mcr.ScopeID,
			Content:    mcr.Content,
			Confidence: mcr.Confidence,
			Rationale:  mcr.Rationale,
			SourceRefs: mcr.SourceRefs,
			Status:     types.MemoryProposed,
			BatchID:    batchID,
			CreatedAt:  time.Now().UTC(),
		}, nil
	case types.MCRUpdate:
		existing, err := s.get(mcr.TargetID)
		if err != nil {
			return nil, err
		}
		clone := *existing
		if mcr.Content != "" {
			clone.Content = mcr.Content
		}
		if mcr.Confidence != 0 {
			clone.Confidence = mcr.Confidence
		}
		if mcr.Rationale != "" {
			clone.Rationale = mcr.Rationale
		}
		if len(mcr.SourceRefs) > 0 {
			clone.SourceRefs = mcr.SourceRefs
		}
		clone.Status = types.MemoryProposed
		clone.BatchID = batchID
		return &clone, nil
	case types.MCRRetract:
		existing, err := s.get(mcr.TargetID)
		if err != nil {
			return nil, err
		}
		clone := *existing
		clone.Status = types.MemoryProposed
		clone.BatchID = batchID
		clone.Rationale = mcr.Rationale
		return &clone, nil
	default:
		return nil, contexterr.New(contexterr.KindSchema, "unknown mcr op", map[string]any{"op": mcr.Op})
	}
}

// Commit gates on the double key spec.md §4.6 requires: batchID must match
// every staged item, and validate(milestoneToken) must report the token as
// the one minted for this exact batch. Retract items are applied as a
// status flip to "retracted" rather than a deletion, preserving history.
func (s *BoltStore) Commit(batchID, milestoneToken string, validate func(token string) bool) ([]string, error) {
	if !validate(milestoneToken) {
		return nil, contexterr.New(contexterr.KindGate, "milestone token does not authorize this batch", map[string]any{
			"batch_id": batchID,
		})
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	staged, err := s.listStagedByBatch(batchID)
	if err != nil {
		return nil, err
	}
	if len(staged) == 0 {
		return nil, contexterr.New(contexterr.KindUnknownBatch, "no proposed items under this batch", map[string]any{
			"batch_id": batchID,
		})
	}

	committedAt := time.Now().UTC()
	var ids []string
	for i := range staged {
		item := staged[i]
		op, err := s.getOp(item.ID)
		if err != nil {
			return nil, err
		}
		if op == types.MCRRetract {
			item.Status = types.MemoryRetracted
		} else {
			item.Status = types.MemoryCommitted
		}
		item.CommittedAt = &committedAt
		if err := s.put(&item); err != nil {
			return nil, err
		}
		if err := s.deleteStaged(item.ID); err != nil {
			return nil, err
		}
		if err := s.deleteOp(item.ID); err != nil {
			return nil, err
		}
		ids = append(ids, item.ID)
	}
	metrics.MemoryCommittedTotal.Add(float64(len(ids)))
	s.log.Info().Str("batch_id", batchID).Int("count", len(ids)).Msg("memory batch committed")
	return ids, nil
}

// Search ranks committed items by substring match against content, then
// confidence desc, created_at desc, id asc, per spec.md §4.6.
func (s *BoltStore) Search(q SearchQuery) ([]types.MemoryItem, error) {
	all, err := s.listAll()
	if err != nil {
		return nil, err
	}

	var matches []types.MemoryItem
	needle := strings.ToLower(q.Text)
	for _, item := range all {
		if item.Status != types.MemoryCommitted {
			continue
		}
		if q.Type != "" && item.Type != q.Type {
			continue
		}
		if q.Scope != "" && item.Scope != q.Scope {
			continue
		}
		if q.ScopeID != "" && item.ScopeID != q.ScopeID {
			continue
		}
		if needle != "" && !strings.Contains(strings.ToLower(item.Content), needle) {
			continue
		}
		matches = append(matches, item)
	}

	sort.SliceStable(matches, func(i, j int) bool {
		a, b := matches[i], matches[j]
		if a.Confidence != b.Confidence {
			return a.Confidence > b.Confidence
		}
		if !a.CreatedAt.Equal(b.CreatedAt) {
			return a.CreatedAt.After(b.CreatedAt)
		}
		return a.ID < b.ID
	})

	if q.Limit > 0 && len(matches) > q.Limit {
		matches = matches[:q.Limit]
	}
	return matches, nil
}

// Retract flips a committed item straight to "retracted" outside the
// propose/commit cycle, used by operator tooling and tests; production
// callers should route retraction through Propose+Commit so it is gated
// the same as every other memory mutation.
func (s *BoltStore) Retract(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	item, err := s.get(id)
	if err != nil {
		return err
	}
	item.Status = types.MemoryRetracted
	return s.put(item)
}

func (s *BoltStore) get(id string) (*types.MemoryItem, error) {
	var item types.MemoryItem
	found := false
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketItems)
		data := b.Get([]byte(id))
		if data == nil {
			return nil
		}
		found = true
		return json.Unmarshal(data, &item)
	})
	if err != nil {
		return nil, contexterr.Wrap(contexterr.KindIO, "read memory item", err)
	}
	if !found {
		return nil, contexterr.New(contexterr.KindNotFound, "memory item not found", map[string]any{"id": id})
	}
	return &item, nil
}

func (s *BoltStore) put(item *types.MemoryItem) error {
	data, err := json.Marshal(item)
	if err != nil {
		return contexterr.Wrap(contexterr.KindIO, "marshal memory item", err)
	}
	err = s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketItems)
		return b.Put([]byte(item.ID), data)
	})
	if err != nil {
		return contexterr.Wrap(contexterr.KindIO, "write memory item", err)
	}
	return nil
}

func (s *BoltStore) listAll() ([]types.MemoryItem, error) {
	var items []types.MemoryItem
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketItems)
		return b.ForEach(func(k, v []byte) error {
			var item types.MemoryItem
			if err := json.Unmarshal(v, &item); err != nil {
				return fmt.Errorf("memory: decode item %s: %w", k, err)
			}
			items = append(items, item)
			return nil
		})
	})
	if err != nil {
		return nil, contexterr.Wrap(contexterr.KindIO, "list memory items", err)
	}
	return items, nil
}

func (s *BoltStore) putOp(itemID string, op types.MCROp) error {
	err := s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketOps).Put([]byte(itemID), []byte(op))
	})
	if err != nil {
		return contexterr.Wrap(contexterr.KindIO, "record batch op", err)
	}
	return nil
}

func (s *BoltStore) getOp(itemID string) (types.MCROp, error) {
	var op types.MCROp
	err := s.db.View(func(tx *bolt.Tx) error {
		v := tx.Bucket(bucketOps).Get([]byte(itemID))
		if v != nil {
			op = types.MCROp(v)
		}
		return nil
	})
	if err != nil {
		return "", contexterr.Wrap(contexterr.KindIO, "read batch op", err)
	}
	return op, nil
}

func (s *BoltStore) deleteOp(itemID string) error {
	err := s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketOps).Delete([]byte(itemID))
	})
	if err != nil {
		return contexterr.Wrap(contexterr.KindIO, "delete batch op", err)
	}
	return nil
}

func (s *BoltStore) putStaged(item *types.MemoryItem) error {
	data, err := json.Marshal(item)
	if err != nil {
		return contexterr.Wrap(contexterr.KindIO, "marshal staged memory item", err)
	}
	err = s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketStaged).Put([]byte(item.ID), data)
	})
	if err != nil {
		return contexterr.Wrap(contexterr.KindIO, "write staged memory item", err)
	}
	return nil
}

func (s *BoltStore) deleteStaged(itemID string) error {
	err := s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketStaged).Delete([]byte(itemID))
	})
	if err != nil {
		return contexterr.Wrap(contexterr.KindIO, "delete staged memory item", err)
	}
	return nil
}

func (s *BoltStore) listStagedByBatch(batchID string) ([]types.MemoryItem, error) {
	var staged []types.MemoryItem
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketStaged)
		return b.ForEach(func(k, v []byte) error {
			var item types.MemoryItem
			if err := json.Unmarshal(v, &item); err != nil {
				return fmt.Errorf("memory: decode staged item %s: %w", k, err)
			}
			if item.BatchID == batchID {
				staged = append(staged, item)
			}
			return nil
		})
	})
	if err != nil {
		return nil, contexterr.Wrap(contexterr.KindIO, "list staged memory items", err)
	}
	return staged, nil
}
