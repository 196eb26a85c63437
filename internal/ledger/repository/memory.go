package repository

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/jmerrifield20/batchledger/internal/ledger/model"
)

// MemoryStore is an in-memory, thread-safe Store.
// It is useful for tests and single-process deployments that do not need
// history to survive a restart.
type MemoryStore struct {
	mu       sync.RWMutex
	batches  map[string]*model.Batch
	events   map[string][]model.StageEvent
	receipts map[string]*model.AnchorReceipt
	order    []string // receipt IDs in insertion order
}

// NewMemoryStore creates an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		batches:  make(map[string]*model.Batch),
		events:   make(map[string][]model.StageEvent),
		receipts: make(map[string]*model.AnchorReceipt),
	}
}

// CreateBatch implements BatchStore.
func (s *MemoryStore) CreateBatch(_ context.Context, b *model.Batch, genesis *model.StageEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.batches[b.ID]; ok {
		return fmt.Errorf("batch %s: %w", b.ID, ErrConflict)
	}
	cp := *b
	s.batches[b.ID] = &cp
	s.events[b.ID] = []model.StageEvent{*genesis}
	return nil
}

// GetBatch implements BatchStore.
func (s *MemoryStore) GetBatch(_ context.Context, batchID string) (*model.Batch, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	b, ok := s.batches[batchID]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *b
	return &cp, nil
}

// AppendEvent implements BatchStore.
func (s *MemoryStore) AppendEvent(_ context.Context, expectedHead string, e *model.StageEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	b, ok := s.batches[e.BatchID]
	if !ok {
		return ErrNotFound
	}
	if b.HeadHash != expectedHead || e.Sequence != b.Sequence+1 {
		return staleHead(b, expectedHead)
	}
	s.events[e.BatchID] = append(s.events[e.BatchID], *e)
	applyEvent(b, e)
	return nil
}

// Events implements BatchStore.
func (s *MemoryStore) Events(_ context.Context, batchID string, from int64, limit int) ([]model.StageEvent, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	all, ok := s.events[batchID]
	if !ok {
		return nil, ErrNotFound
	}
	if from < 0 {
		from = 0
	}
	if from >= int64(len(all)) {
		return nil, nil
	}
	end := int64(len(all))
	if limit > 0 && from+int64(limit) < end {
		end = from + int64(limit)
	}
	out := make([]model.StageEvent, end-from)
	copy(out, all[from:end])
	return out, nil
}

// ListBatches implements BatchStore.
func (s *MemoryStore) ListBatches(_ context.Context, f model.BatchFilter) ([]*model.Batch, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*model.Batch
	for _, b := range s.batches {
		if f.Matches(b) {
			cp := *b
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return paginate(out, f.Limit, f.Offset), nil
}

// StageCounts implements BatchStore.
func (s *MemoryStore) StageCounts(_ context.Context, f model.BatchFilter) (map[model.Stage]int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	counts := make(map[model.Stage]int)
	for _, b := range s.batches {
		if f.Matches(b) {
			counts[b.CurrentStage]++
		}
	}
	return counts, nil
}

// Quarantine implements BatchStore.
func (s *MemoryStore) Quarantine(_ context.Context, batchID string, brokenAt int64, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	b, ok := s.batches[batchID]
	if !ok {
		return ErrNotFound
	}
	b.Quarantined = true
	b.QuarantinedAt = &at
	b.BrokenAt = &brokenAt
	return nil
}

// SaveReceipt implements ReceiptStore.
func (s *MemoryStore) SaveReceipt(_ context.Context, r *model.AnchorReceipt) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.receipts[r.AnchorID]; ok {
		return fmt.Errorf("receipt %s: %w", r.AnchorID, ErrConflict)
	}
	s.receipts[r.AnchorID] = cloneReceipt(r)
	s.order = append(s.order, r.AnchorID)
	return nil
}

// GetReceipt implements ReceiptStore.
func (s *MemoryStore) GetReceipt(_ context.Context, anchorID string) (*model.AnchorReceipt, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	r, ok := s.receipts[anchorID]
	if !ok {
		return nil, ErrNotFound
	}
	return cloneReceipt(r), nil
}

// ListReceipts implements ReceiptStore.
func (s *MemoryStore) ListReceipts(_ context.Context, status model.ReceiptStatus, limit int) ([]*model.AnchorReceipt, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*model.AnchorReceipt
	for i := len(s.order) - 1; i >= 0; i-- {
		r := s.receipts[s.order[i]]
		if status != "" && r.Status != status {
			continue
		}
		out = append(out, cloneReceipt(r))
		if limit > 0 && len(out) == limit {
			break
		}
	}
	return out, nil
}

// UpdateReceiptStatus implements ReceiptStore.
func (s *MemoryStore) UpdateReceiptStatus(_ context.Context, anchorID string, status model.ReceiptStatus, confirmedAt *time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	r, ok := s.receipts[anchorID]
	if !ok {
		return ErrNotFound
	}
	r.Status = status
	r.ConfirmedAt = confirmedAt
	return nil
}

func cloneReceipt(r *model.AnchorReceipt) *model.AnchorReceipt {
	cp := *r
	cp.DigestsCovered = make(map[string]string, len(r.DigestsCovered))
	for k, v := range r.DigestsCovered {
		cp.DigestsCovered[k] = v
	}
	return &cp
}

func paginate(in []*model.Batch, limit, offset int) []*model.Batch {
	if offset > 0 {
		if offset >= len(in) {
			return nil
		}
		in = in[offset:]
	}
	if limit > 0 && limit < len(in) {
		in = in[:limit]
	}
	return in
}
