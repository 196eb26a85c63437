// Package repository persists batches, their stage events and anchor receipts.
//
// Every Store commits an event and the batch head update in a single
// atomic step guarded by a compare-and-swap on the expected head hash, so a
// reader never observes an event without its head or a head without its event.
package repository

import (
	"context"
	"errors"
	"time"

	"github.com/jmerrifield20/batchledger/internal/ledger/model"
)

// ErrNotFound is returned when a batch or receipt does not exist.
var ErrNotFound = model.ErrNotFound

// ErrConflict is returned when creating a batch or receipt whose ID is taken.
var ErrConflict = errors.New("already exists")

// BatchStore is the head-pointer index plus the append-only event log.
type BatchStore interface {
	// CreateBatch inserts a batch together with its genesis event.
	CreateBatch(ctx context.Context, b *model.Batch, genesis *model.StageEvent) error

	// GetBatch returns a snapshot of one batch.
	GetBatch(ctx context.Context, batchID string) (*model.Batch, error)

	// AppendEvent inserts e and moves the batch head to it, provided the
	// current head still equals expectedHead. Otherwise it returns a
	// *model.StaleHeadError and writes nothing.
	AppendEvent(ctx context.Context, expectedHead string, e *model.StageEvent) error

	// Events returns up to limit events with sequence >= from, ascending.
	// limit <= 0 means no limit.
	Events(ctx context.Context, batchID string, from int64, limit int) ([]model.StageEvent, error)

	// ListBatches returns batches matching f ordered by creation time.
	ListBatches(ctx context.Context, f model.BatchFilter) ([]*model.Batch, error)

	// StageCounts returns the number of batches per current stage matching f.
	StageCounts(ctx context.Context, f model.BatchFilter) (map[model.Stage]int, error)

	// Quarantine flags a batch as failing integrity validation at brokenAt.
	Quarantine(ctx context.Context, batchID string, brokenAt int64, at time.Time) error
}

// ReceiptStore is the anchor receipt log.
type ReceiptStore interface {
	SaveReceipt(ctx context.Context, r *model.AnchorReceipt) error
	GetReceipt(ctx context.Context, anchorID string) (*model.AnchorReceipt, error)
	// ListReceipts returns receipts newest first. An empty status matches all.
	ListReceipts(ctx context.Context, status model.ReceiptStatus, limit int) ([]*model.AnchorReceipt, error)
	UpdateReceiptStatus(ctx context.Context, anchorID string, status model.ReceiptStatus, confirmedAt *time.Time) error
}

// Store is the full persistence surface used by ledgerd.
type Store interface {
	BatchStore
	ReceiptStore
}

// applyEvent moves b's head to e.
func applyEvent(b *model.Batch, e *model.StageEvent) {
	b.CurrentStage = e.Stage
	b.SubStage = e.SubStage
	b.HeadHash = e.Hash
	b.Sequence = e.Sequence
	b.UpdatedAt = e.Timestamp
}

func staleHead(b *model.Batch, expected string) *model.StaleHeadError {
	return &model.StaleHeadError{
		BatchID:  b.ID,
		Expected: expected,
		Current:  b.HeadHash,
		Sequence: b.Sequence,
	}
}
