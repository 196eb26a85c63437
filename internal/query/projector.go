// Package query serves read views over the ledger: batch heads, event
// history, integrity verification and per-stage summaries. Nothing in this
// package writes to the store.
package query

import (
	"context"
	"fmt"
	"iter"

	"go.uber.org/zap"

	"github.com/jmerrifield20/batchledger/internal/hashchain"
	"github.com/jmerrifield20/batchledger/internal/ledger/model"
	"github.com/jmerrifield20/batchledger/internal/ledger/repository"
)

// DefaultPageSize is the number of events fetched per store call by History.
const DefaultPageSize = 100

// IntegrityReport is the result of re-walking one batch's chain.
type IntegrityReport struct {
	BatchID     string `json:"batch_id"`
	Valid       bool   `json:"valid"`
	BrokenAt    *int64 `json:"broken_at,omitempty"`
	Reason      string `json:"reason,omitempty"`
	HeadHash    string `json:"head_hash"`
	Events      int    `json:"events"`
	Quarantined bool   `json:"quarantined"`
}

// Summary counts batches per current stage.
type Summary struct {
	Total   int                 `json:"total"`
	ByStage map[model.Stage]int `json:"by_stage"`
}

// Projector answers read queries against a Store.
type Projector struct {
	store    repository.Store
	pageSize int
	logger   *zap.Logger
}

// NewProjector creates a Projector. pageSize <= 0 uses DefaultPageSize.
func NewProjector(store repository.Store, pageSize int, logger *zap.Logger) *Projector {
	if pageSize <= 0 {
		pageSize = DefaultPageSize
	}
	return &Projector{store: store, pageSize: pageSize, logger: logger}
}

// GetBatch returns the full batch record.
func (p *Projector) GetBatch(ctx context.Context, batchID string) (*model.Batch, error) {
	return p.store.GetBatch(ctx, batchID)
}

// GetHead returns the current head of a batch.
func (p *Projector) GetHead(ctx context.Context, batchID string) (model.Head, error) {
	b, err := p.store.GetBatch(ctx, batchID)
	if err != nil {
		return model.Head{}, err
	}
	return b.Head(), nil
}

// History yields a batch's events in sequence order starting at from. Events
// are fetched a page at a time as the caller ranges; each range starts a
// fresh read, so the sequence can be iterated more than once. A missing batch
// yields a single model.ErrNotFound error.
func (p *Projector) History(ctx context.Context, batchID string, from int64) iter.Seq2[model.StageEvent, error] {
	return func(yield func(model.StageEvent, error) bool) {
		if _, err := p.store.GetBatch(ctx, batchID); err != nil {
			yield(model.StageEvent{}, err)
			return
		}
		next := from
		for {
			if err := ctx.Err(); err != nil {
				yield(model.StageEvent{}, err)
				return
			}
			page, err := p.store.Events(ctx, batchID, next, p.pageSize)
			if err != nil {
				yield(model.StageEvent{}, fmt.Errorf("load events of %s from %d: %w", batchID, next, err))
				return
			}
			for _, e := range page {
				if !yield(e, nil) {
					return
				}
			}
			if len(page) < p.pageSize {
				return
			}
			next = page[len(page)-1].Sequence + 1
		}
	}
}

// HistoryPage returns at most limit events starting at sequence from.
func (p *Projector) HistoryPage(ctx context.Context, batchID string, from int64, limit int) ([]model.StageEvent, error) {
	if _, err := p.store.GetBatch(ctx, batchID); err != nil {
		return nil, err
	}
	if limit <= 0 {
		limit = p.pageSize
	}
	return p.store.Events(ctx, batchID, from, limit)
}

// VerifyIntegrity recomputes every link of a batch's chain and checks that
// the stored head matches the recomputed one. The chain is checked up to the
// head read at the start of the call.
func (p *Projector) VerifyIntegrity(ctx context.Context, batchID string) (*IntegrityReport, error) {
	b, err := p.store.GetBatch(ctx, batchID)
	if err != nil {
		return nil, err
	}
	var events []model.StageEvent
	for e, err := range p.History(ctx, batchID, 0) {
		if err != nil {
			return nil, err
		}
		events = append(events, e)
	}

	// Events past the snapshot head may be appends that committed after
	// GetBatch. They are dropped once a re-read head shows them.
	if n := len(events); n > 0 && events[n-1].Sequence > b.Sequence {
		fresh, err := p.store.GetBatch(ctx, batchID)
		if err != nil {
			return nil, err
		}
		if fresh.Sequence >= events[n-1].Sequence {
			for len(events) > 0 && events[len(events)-1].Sequence > b.Sequence {
				events = events[:len(events)-1]
			}
		}
	}

	report := &IntegrityReport{
		BatchID:     batchID,
		HeadHash:    b.HeadHash,
		Events:      len(events),
		Quarantined: b.Quarantined,
	}
	res := hashchain.ValidateChain(hashchain.GenesisHash, events)
	switch {
	case !res.Valid:
		report.BrokenAt, report.Reason = res.BrokenAt, res.Reason
	case len(events) == 0:
		zero := int64(0)
		report.BrokenAt, report.Reason = &zero, "batch has no genesis event"
	case int64(len(events)-1) != b.Sequence:
		seq := int64(len(events))
		if b.Sequence < seq {
			seq = b.Sequence + 1
		}
		report.BrokenAt = &seq
		report.Reason = fmt.Sprintf("batch head is at sequence %d, chain ends at %d", b.Sequence, len(events)-1)
	case res.Head != b.HeadHash:
		seq := b.Sequence
		report.BrokenAt, report.Reason = &seq, "batch head hash does not match recomputed chain"
	default:
		report.Valid = true
	}

	if !report.Valid {
		p.logger.Warn("chain integrity check failed",
			zap.String("batch_id", batchID),
			zap.Int64("broken_at", *report.BrokenAt),
			zap.String("reason", report.Reason),
		)
	}
	return report, nil
}

// VerifyAll checks every batch that is not already quarantined and returns
// the reports of those that failed.
func (p *Projector) VerifyAll(ctx context.Context) ([]*IntegrityReport, error) {
	batches, err := p.store.ListBatches(ctx, model.BatchFilter{})
	if err != nil {
		return nil, fmt.Errorf("list batches: %w", err)
	}
	var failed []*IntegrityReport
	for _, b := range batches {
		if b.Quarantined {
			continue
		}
		r, err := p.VerifyIntegrity(ctx, b.ID)
		if err != nil {
			return failed, fmt.Errorf("verify %s: %w", b.ID, err)
		}
		if !r.Valid {
			failed = append(failed, r)
		}
	}
	return failed, nil
}

// Summaries counts batches per current stage. Limit and Offset in f are ignored.
func (p *Projector) Summaries(ctx context.Context, f model.BatchFilter) (*Summary, error) {
	f.Limit, f.Offset = 0, 0
	counts, err := p.store.StageCounts(ctx, f)
	if err != nil {
		return nil, fmt.Errorf("count batches: %w", err)
	}
	s := &Summary{ByStage: make(map[model.Stage]int, len(model.Stages))}
	for _, st := range model.Stages {
		s.ByStage[st] = counts[st]
		s.Total += counts[st]
	}
	return s, nil
}

// ListBatches returns batches matching f, oldest first.
func (p *Projector) ListBatches(ctx context.Context, f model.BatchFilter) ([]*model.Batch, error) {
	return p.store.ListBatches(ctx, f)
}

// ListReceipts returns anchor receipts, newest first. An empty status lists all.
func (p *Projector) ListReceipts(ctx context.Context, status model.ReceiptStatus, limit int) ([]*model.AnchorReceipt, error) {
	return p.store.ListReceipts(ctx, status, limit)
}

// GetReceipt returns one anchor receipt.
func (p *Projector) GetReceipt(ctx context.Context, anchorID string) (*model.AnchorReceipt, error) {
	return p.store.GetReceipt(ctx, anchorID)
}
