package repository

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"

	"github.com/jmerrifield20/batchledger/internal/ledger/model"
)

// pgUniqueViolation is the SQLSTATE for duplicate primary keys.
const pgUniqueViolation = "23505"

const (
	batchColumns   = `batch_id, product, origin_actor_id, current_stage, sub_stage, head_hash, sequence, created_at, updated_at, quarantined, quarantined_at, broken_at`
	eventColumns   = `batch_id, sequence, actor_id, role, stage, sub_stage, payload, payload_hash, prev_hash, hash, timestamp`
	receiptColumns = `anchor_id, digests_covered, merkle_root, sink, external_reference, status, submitted_at, confirmed_at`
)

// PostgresStore persists the ledger in PostgreSQL. The schema lives in
// migrations/ and is applied by cmd/migrate.
type PostgresStore struct {
	pool   *pgxpool.Pool
	logger *zap.Logger
}

// NewPostgresStore creates a PostgresStore backed by the given connection pool.
func NewPostgresStore(pool *pgxpool.Pool, logger *zap.Logger) *PostgresStore {
	return &PostgresStore{pool: pool, logger: logger}
}

// CreateBatch implements BatchStore.
func (s *PostgresStore) CreateBatch(ctx context.Context, b *model.Batch, genesis *model.StageEvent) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	if _, err := tx.Exec(ctx,
		`INSERT INTO batches (`+batchColumns+`)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, false, NULL, NULL)`,
		b.ID, b.Product, b.OriginActorID, b.CurrentStage, b.SubStage, b.HeadHash,
		b.Sequence, b.CreatedAt, b.UpdatedAt,
	); err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("batch %s: %w", b.ID, ErrConflict)
		}
		return fmt.Errorf("insert batch: %w", err)
	}
	if err := insertEvent(ctx, tx, genesis); err != nil {
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit batch tx: %w", err)
	}

	s.logger.Debug("batch created", zap.String("batch_id", b.ID), zap.String("head_hash", b.HeadHash))
	return nil
}

// GetBatch implements BatchStore.
func (s *PostgresStore) GetBatch(ctx context.Context, batchID string) (*model.Batch, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+batchColumns+` FROM batches WHERE batch_id = $1`, batchID)
	b, err := scanBatch(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get batch %s: %w", batchID, err)
	}
	return b, nil
}

// AppendEvent implements BatchStore.
// The head update is guarded by WHERE head_hash = expected; zero affected
// rows means another writer moved the head first.
func (s *PostgresStore) AppendEvent(ctx context.Context, expectedHead string, e *model.StageEvent) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	tag, err := tx.Exec(ctx,
		`UPDATE batches
		 SET current_stage = $3, sub_stage = $4, head_hash = $5, sequence = $6, updated_at = $7
		 WHERE batch_id = $1 AND head_hash = $2 AND sequence = $6 - 1`,
		e.BatchID, expectedHead, e.Stage, e.SubStage, e.Hash, e.Sequence, e.Timestamp,
	)
	if err != nil {
		return fmt.Errorf("update head: %w", err)
	}
	if tag.RowsAffected() == 0 {
		current, err := scanBatch(tx.QueryRow(ctx, `SELECT `+batchColumns+` FROM batches WHERE batch_id = $1`, e.BatchID))
		if errors.Is(err, pgx.ErrNoRows) {
			return ErrNotFound
		}
		if err != nil {
			return fmt.Errorf("reload head: %w", err)
		}
		return staleHead(current, expectedHead)
	}

	if err := insertEvent(ctx, tx, e); err != nil {
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit append tx: %w", err)
	}

	s.logger.Debug("stage event appended",
		zap.String("batch_id", e.BatchID),
		zap.Int64("sequence", e.Sequence),
		zap.String("stage", string(e.Stage)),
	)
	return nil
}

// Events implements BatchStore.
func (s *PostgresStore) Events(ctx context.Context, batchID string, from int64, limit int) ([]model.StageEvent, error) {
	var exists bool
	if err := s.pool.QueryRow(ctx,
		`SELECT EXISTS(SELECT 1 FROM batches WHERE batch_id = $1)`, batchID,
	).Scan(&exists); err != nil {
		return nil, fmt.Errorf("check batch %s: %w", batchID, err)
	}
	if !exists {
		return nil, ErrNotFound
	}

	rows, err := s.pool.Query(ctx,
		`SELECT `+eventColumns+` FROM stage_events
		 WHERE batch_id = $1 AND sequence >= $2
		 ORDER BY sequence ASC
		 LIMIT $3`,
		batchID, from, nullableLimit(limit),
	)
	if err != nil {
		return nil, fmt.Errorf("query events: %w", err)
	}
	defer rows.Close()

	var events []model.StageEvent
	for rows.Next() {
		var (
			e       model.StageEvent
			payload []byte
		)
		if err := rows.Scan(
			&e.BatchID, &e.Sequence, &e.ActorID, &e.Role, &e.Stage, &e.SubStage,
			&payload, &e.PayloadHash, &e.PrevHash, &e.Hash, &e.Timestamp,
		); err != nil {
			return nil, fmt.Errorf("scan event row: %w", err)
		}
		e.Payload = json.RawMessage(payload)
		e.Timestamp = e.Timestamp.UTC()
		events = append(events, e)
	}
	return events, rows.Err()
}

// ListBatches implements BatchStore.
func (s *PostgresStore) ListBatches(ctx context.Context, f model.BatchFilter) ([]*model.Batch, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+batchColumns+` FROM batches
		 WHERE ($1 = '' OR product = $1)
		   AND ($2 = '' OR origin_actor_id = $2)
		   AND ($3 = '' OR current_stage = $3)
		 ORDER BY created_at ASC, batch_id ASC
		 LIMIT $4 OFFSET $5`,
		f.Product, f.OriginActorID, string(f.Stage), nullableLimit(f.Limit), max(f.Offset, 0),
	)
	if err != nil {
		return nil, fmt.Errorf("list batches: %w", err)
	}
	defer rows.Close()

	var batches []*model.Batch
	for rows.Next() {
		b, err := scanBatch(rows)
		if err != nil {
			return nil, fmt.Errorf("scan batch row: %w", err)
		}
		batches = append(batches, b)
	}
	return batches, rows.Err()
}

// StageCounts implements BatchStore.
func (s *PostgresStore) StageCounts(ctx context.Context, f model.BatchFilter) (map[model.Stage]int, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT current_stage, COUNT(*) FROM batches
		 WHERE ($1 = '' OR product = $1)
		   AND ($2 = '' OR origin_actor_id = $2)
		   AND ($3 = '' OR current_stage = $3)
		 GROUP BY current_stage`,
		f.Product, f.OriginActorID, string(f.Stage),
	)
	if err != nil {
		return nil, fmt.Errorf("count batches: %w", err)
	}
	defer rows.Close()

	counts := make(map[model.Stage]int)
	for rows.Next() {
		var (
			stage model.Stage
			n     int
		)
		if err := rows.Scan(&stage, &n); err != nil {
			return nil, fmt.Errorf("scan count row: %w", err)
		}
		counts[stage] = n
	}
	return counts, rows.Err()
}

// Quarantine implements BatchStore.
func (s *PostgresStore) Quarantine(ctx context.Context, batchID string, brokenAt int64, at time.Time) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE batches SET quarantined = true, quarantined_at = $2, broken_at = $3 WHERE batch_id = $1`,
		batchID, at, brokenAt,
	)
	if err != nil {
		return fmt.Errorf("quarantine batch %s: %w", batchID, err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// SaveReceipt implements ReceiptStore.
func (s *PostgresStore) SaveReceipt(ctx context.Context, r *model.AnchorReceipt) error {
	covered, err := json.Marshal(r.DigestsCovered)
	if err != nil {
		return fmt.Errorf("marshal digests: %w", err)
	}
	if _, err := s.pool.Exec(ctx,
		`INSERT INTO anchor_receipts (`+receiptColumns+`)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		r.AnchorID, string(covered), r.MerkleRoot, r.Sink, r.ExternalReference,
		r.Status, r.SubmittedAt, r.ConfirmedAt,
	); err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("receipt %s: %w", r.AnchorID, ErrConflict)
		}
		return fmt.Errorf("insert receipt: %w", err)
	}
	return nil
}

// GetReceipt implements ReceiptStore.
func (s *PostgresStore) GetReceipt(ctx context.Context, anchorID string) (*model.AnchorReceipt, error) {
	r, err := scanReceipt(s.pool.QueryRow(ctx,
		`SELECT `+receiptColumns+` FROM anchor_receipts WHERE anchor_id = $1`, anchorID))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get receipt %s: %w", anchorID, err)
	}
	return r, nil
}

// ListReceipts implements ReceiptStore.
func (s *PostgresStore) ListReceipts(ctx context.Context, status model.ReceiptStatus, limit int) ([]*model.AnchorReceipt, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+receiptColumns+` FROM anchor_receipts
		 WHERE ($1 = '' OR status = $1)
		 ORDER BY submitted_at DESC, anchor_id DESC
		 LIMIT $2`,
		string(status), nullableLimit(limit),
	)
	if err != nil {
		return nil, fmt.Errorf("list receipts: %w", err)
	}
	defer rows.Close()

	var receipts []*model.AnchorReceipt
	for rows.Next() {
		r, err := scanReceipt(rows)
		if err != nil {
			return nil, fmt.Errorf("scan receipt row: %w", err)
		}
		receipts = append(receipts, r)
	}
	return receipts, rows.Err()
}

// UpdateReceiptStatus implements ReceiptStore.
func (s *PostgresStore) UpdateReceiptStatus(ctx context.Context, anchorID string, status model.ReceiptStatus, confirmedAt *time.Time) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE anchor_receipts SET status = $2, confirmed_at = $3 WHERE anchor_id = $1`,
		anchorID, status, confirmedAt,
	)
	if err != nil {
		return fmt.Errorf("update receipt %s: %w", anchorID, err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func insertEvent(ctx context.Context, tx pgx.Tx, e *model.StageEvent) error {
	payload := e.Payload
	if len(payload) == 0 {
		payload = json.RawMessage(`{}`)
	}
	if _, err := tx.Exec(ctx,
		`INSERT INTO stage_events (`+eventColumns+`)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`,
		e.BatchID, e.Sequence, e.ActorID, e.Role, e.Stage, e.SubStage,
		string(payload), e.PayloadHash, e.PrevHash, e.Hash, e.Timestamp,
	); err != nil {
		return fmt.Errorf("insert event %s/%d: %w", e.BatchID, e.Sequence, err)
	}
	return nil
}

func scanBatch(row pgx.Row) (*model.Batch, error) {
	b := &model.Batch{}
	if err := row.Scan(
		&b.ID, &b.Product, &b.OriginActorID, &b.CurrentStage, &b.SubStage, &b.HeadHash,
		&b.Sequence, &b.CreatedAt, &b.UpdatedAt, &b.Quarantined, &b.QuarantinedAt, &b.BrokenAt,
	); err != nil {
		return nil, err
	}
	b.CreatedAt = b.CreatedAt.UTC()
	b.UpdatedAt = b.UpdatedAt.UTC()
	return b, nil
}

func scanReceipt(row pgx.Row) (*model.AnchorReceipt, error) {
	r := &model.AnchorReceipt{}
	var covered []byte
	if err := row.Scan(
		&r.AnchorID, &covered, &r.MerkleRoot, &r.Sink, &r.ExternalReference,
		&r.Status, &r.SubmittedAt, &r.ConfirmedAt,
	); err != nil {
		return nil, err
	}
	if err := json.Unmarshal(covered, &r.DigestsCovered); err != nil {
		return nil, fmt.Errorf("decode digests: %w", err)
	}
	r.SubmittedAt = r.SubmittedAt.UTC()
	return r, nil
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == pgUniqueViolation
}

// nullableLimit maps "no limit" to SQL NULL, which LIMIT treats as unbounded.
func nullableLimit(limit int) *int {
	if limit <= 0 {
		return nil
	}
	return &limit
}
