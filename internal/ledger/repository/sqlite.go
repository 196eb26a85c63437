package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jmerrifield20/batchledger/internal/ledger/model"

	_ "modernc.org/sqlite"
)

// timeLayout is RFC 3339 with a fixed-width fraction so stored timestamps
// round-trip exactly and sort lexically.
const timeLayout = "2006-01-02T15:04:05.000000000Z07:00"

// SQLiteStore persists the ledger in an embedded SQLite database through
// database/sql.
type SQLiteStore struct {
	db *sql.DB
}

// OpenSQLite opens dsn with the modernc driver. SQLite allows a single
// writer, so the pool is capped at one connection.
func OpenSQLite(dsn string) (*sql.DB, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	db.SetMaxOpenConns(1)
	if _, err := db.Exec(`PRAGMA foreign_keys = ON; PRAGMA busy_timeout = 5000;`); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("configure sqlite: %w", err)
	}
	return db, nil
}

// NewSQLiteStore creates the schema if needed and returns a store over db.
func NewSQLiteStore(db *sql.DB) (*SQLiteStore, error) {
	s := &SQLiteStore{db: db}
	if err := s.migrate(); err != nil {
		return nil, fmt.Errorf("migrate sqlite: %w", err)
	}
	return s, nil
}

func (s *SQLiteStore) migrate() error {
	query := `
	CREATE TABLE IF NOT EXISTS batches (
		batch_id        TEXT PRIMARY KEY,
		product         TEXT NOT NULL,
		origin_actor_id TEXT NOT NULL,
		current_stage   TEXT NOT NULL,
		sub_stage       TEXT NOT NULL DEFAULT '',
		head_hash       TEXT NOT NULL,
		sequence        INTEGER NOT NULL,
		created_at      TEXT NOT NULL,
		updated_at      TEXT NOT NULL,
		quarantined     INTEGER NOT NULL DEFAULT 0,
		quarantined_at  TEXT,
		broken_at       INTEGER
	);
	CREATE TABLE IF NOT EXISTS stage_events (
		batch_id     TEXT NOT NULL REFERENCES batches (batch_id),
		sequence     INTEGER NOT NULL,
		actor_id     TEXT NOT NULL,
		role         TEXT NOT NULL,
		stage        TEXT NOT NULL,
		sub_stage    TEXT NOT NULL DEFAULT '',
		payload      TEXT NOT NULL,
		payload_hash TEXT NOT NULL,
		prev_hash    TEXT NOT NULL,
		hash         TEXT NOT NULL,
		timestamp    TEXT NOT NULL,
		PRIMARY KEY (batch_id, sequence)
	);
	CREATE TABLE IF NOT EXISTS anchor_receipts (
		anchor_id          TEXT PRIMARY KEY,
		digests_covered    TEXT NOT NULL,
		merkle_root        TEXT NOT NULL,
		sink               TEXT NOT NULL,
		external_reference TEXT NOT NULL,
		status             TEXT NOT NULL,
		submitted_at       TEXT NOT NULL,
		confirmed_at       TEXT
	);`
	_, err := s.db.ExecContext(context.Background(), query)
	return err
}

// CreateBatch implements BatchStore.
func (s *SQLiteStore) CreateBatch(ctx context.Context, b *model.Batch, genesis *model.StageEvent) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var exists bool
	if err := tx.QueryRowContext(ctx,
		`SELECT EXISTS(SELECT 1 FROM batches WHERE batch_id = ?)`, b.ID,
	).Scan(&exists); err != nil {
		return fmt.Errorf("check batch: %w", err)
	}
	if exists {
		return fmt.Errorf("batch %s: %w", b.ID, ErrConflict)
	}

	if _, err := tx.ExecContext(ctx,
		`INSERT INTO batches (batch_id, product, origin_actor_id, current_stage, sub_stage, head_hash,
			sequence, created_at, updated_at, quarantined)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, 0)`,
		b.ID, b.Product, b.OriginActorID, string(b.CurrentStage), string(b.SubStage), b.HeadHash,
		b.Sequence, formatTime(b.CreatedAt), formatTime(b.UpdatedAt),
	); err != nil {
		return fmt.Errorf("insert batch: %w", err)
	}
	if err := s.insertEvent(ctx, tx, genesis); err != nil {
		return err
	}
	return tx.Commit()
}

// GetBatch implements BatchStore.
func (s *SQLiteStore) GetBatch(ctx context.Context, batchID string) (*model.Batch, error) {
	b, err := scanSQLiteBatch(s.db.QueryRowContext(ctx,
		`SELECT `+batchColumns+` FROM batches WHERE batch_id = ?`, batchID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get batch %s: %w", batchID, err)
	}
	return b, nil
}

// AppendEvent implements BatchStore.
func (s *SQLiteStore) AppendEvent(ctx context.Context, expectedHead string, e *model.StageEvent) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	res, err := tx.ExecContext(ctx,
		`UPDATE batches
		 SET current_stage = ?, sub_stage = ?, head_hash = ?, sequence = ?, updated_at = ?
		 WHERE batch_id = ? AND head_hash = ? AND sequence = ?`,
		string(e.Stage), string(e.SubStage), e.Hash, e.Sequence, formatTime(e.Timestamp),
		e.BatchID, expectedHead, e.Sequence-1,
	)
	if err != nil {
		return fmt.Errorf("update head: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("update head: %w", err)
	}
	if n == 0 {
		current, err := scanSQLiteBatch(tx.QueryRowContext(ctx,
			`SELECT `+batchColumns+` FROM batches WHERE batch_id = ?`, e.BatchID))
		if errors.Is(err, sql.ErrNoRows) {
			return ErrNotFound
		}
		if err != nil {
			return fmt.Errorf("reload head: %w", err)
		}
		return staleHead(current, expectedHead)
	}

	if err := s.insertEvent(ctx, tx, e); err != nil {
		return err
	}
	return tx.Commit()
}

// Events implements BatchStore.
func (s *SQLiteStore) Events(ctx context.Context, batchID string, from int64, limit int) ([]model.StageEvent, error) {
	var exists bool
	if err := s.db.QueryRowContext(ctx,
		`SELECT EXISTS(SELECT 1 FROM batches WHERE batch_id = ?)`, batchID,
	).Scan(&exists); err != nil {
		return nil, fmt.Errorf("check batch %s: %w", batchID, err)
	}
	if !exists {
		return nil, ErrNotFound
	}

	rows, err := s.db.QueryContext(ctx,
		`SELECT `+eventColumns+` FROM stage_events
		 WHERE batch_id = ? AND sequence >= ?
		 ORDER BY sequence ASC
		 LIMIT ?`,
		batchID, from, sqliteLimit(limit),
	)
	if err != nil {
		return nil, fmt.Errorf("query events: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var events []model.StageEvent
	for rows.Next() {
		var (
			e                    model.StageEvent
			role, stage, sub, ts string
			payload              string
		)
		if err := rows.Scan(
			&e.BatchID, &e.Sequence, &e.ActorID, &role, &stage, &sub,
			&payload, &e.PayloadHash, &e.PrevHash, &e.Hash, &ts,
		); err != nil {
			return nil, fmt.Errorf("scan event row: %w", err)
		}
		e.Role = model.Role(role)
		e.Stage = model.Stage(stage)
		e.SubStage = model.SubStage(sub)
		e.Payload = json.RawMessage(payload)
		if e.Timestamp, err = parseTime(ts); err != nil {
			return nil, err
		}
		events = append(events, e)
	}
	return events, rows.Err()
}

// ListBatches implements BatchStore.
func (s *SQLiteStore) ListBatches(ctx context.Context, f model.BatchFilter) ([]*model.Batch, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+batchColumns+` FROM batches
		 WHERE (?1 = '' OR product = ?1)
		   AND (?2 = '' OR origin_actor_id = ?2)
		   AND (?3 = '' OR current_stage = ?3)
		 ORDER BY created_at ASC, batch_id ASC
		 LIMIT ?4 OFFSET ?5`,
		f.Product, f.OriginActorID, string(f.Stage), sqliteLimit(f.Limit), max(f.Offset, 0),
	)
	if err != nil {
		return nil, fmt.Errorf("list batches: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var batches []*model.Batch
	for rows.Next() {
		b, err := scanSQLiteBatch(rows)
		if err != nil {
			return nil, fmt.Errorf("scan batch row: %w", err)
		}
		batches = append(batches, b)
	}
	return batches, rows.Err()
}

// StageCounts implements BatchStore.
func (s *SQLiteStore) StageCounts(ctx context.Context, f model.BatchFilter) (map[model.Stage]int, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT current_stage, COUNT(*) FROM batches
		 WHERE (?1 = '' OR product = ?1)
		   AND (?2 = '' OR origin_actor_id = ?2)
		   AND (?3 = '' OR current_stage = ?3)
		 GROUP BY current_stage`,
		f.Product, f.OriginActorID, string(f.Stage),
	)
	if err != nil {
		return nil, fmt.Errorf("count batches: %w", err)
	}
	defer func() { _ = rows.Close() }()

	counts := make(map[model.Stage]int)
	for rows.Next() {
		var (
			stage string
			n     int
		)
		if err := rows.Scan(&stage, &n); err != nil {
			return nil, fmt.Errorf("scan count row: %w", err)
		}
		counts[model.Stage(stage)] = n
	}
	return counts, rows.Err()
}

// Quarantine implements BatchStore.
func (s *SQLiteStore) Quarantine(ctx context.Context, batchID string, brokenAt int64, at time.Time) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE batches SET quarantined = 1, quarantined_at = ?, broken_at = ? WHERE batch_id = ?`,
		formatTime(at), brokenAt, batchID,
	)
	if err != nil {
		return fmt.Errorf("quarantine batch %s: %w", batchID, err)
	}
	return requireRow(res)
}

// SaveReceipt implements ReceiptStore.
func (s *SQLiteStore) SaveReceipt(ctx context.Context, r *model.AnchorReceipt) error {
	covered, err := json.Marshal(r.DigestsCovered)
	if err != nil {
		return fmt.Errorf("marshal digests: %w", err)
	}
	var exists bool
	if err := s.db.QueryRowContext(ctx,
		`SELECT EXISTS(SELECT 1 FROM anchor_receipts WHERE anchor_id = ?)`, r.AnchorID,
	).Scan(&exists); err != nil {
		return fmt.Errorf("check receipt: %w", err)
	}
	if exists {
		return fmt.Errorf("receipt %s: %w", r.AnchorID, ErrConflict)
	}
	if _, err := s.db.ExecContext(ctx,
		`INSERT INTO anchor_receipts (`+receiptColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		r.AnchorID, string(covered), r.MerkleRoot, r.Sink, r.ExternalReference,
		string(r.Status), formatTime(r.SubmittedAt), formatTimePtr(r.ConfirmedAt),
	); err != nil {
		return fmt.Errorf("failed to insert receipt: %w", err)
	}
	return nil
}

// GetReceipt implements ReceiptStore.
func (s *SQLiteStore) GetReceipt(ctx context.Context, anchorID string) (*model.AnchorReceipt, error) {
	r, err := scanSQLiteReceipt(s.db.QueryRowContext(ctx,
		`SELECT `+receiptColumns+` FROM anchor_receipts WHERE anchor_id = ?`, anchorID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get receipt %s: %w", anchorID, err)
	}
	return r, nil
}

// ListReceipts implements ReceiptStore.
func (s *SQLiteStore) ListReceipts(ctx context.Context, status model.ReceiptStatus, limit int) ([]*model.AnchorReceipt, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+receiptColumns+` FROM anchor_receipts
		 WHERE (?1 = '' OR status = ?1)
		 ORDER BY submitted_at DESC, anchor_id DESC
		 LIMIT ?2`,
		string(status), sqliteLimit(limit),
	)
	if err != nil {
		return nil, fmt.Errorf("list receipts: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var receipts []*model.AnchorReceipt
	for rows.Next() {
		r, err := scanSQLiteReceipt(rows)
		if err != nil {
			return nil, fmt.Errorf("scan receipt row: %w", err)
		}
		receipts = append(receipts, r)
	}
	return receipts, rows.Err()
}

// UpdateReceiptStatus implements ReceiptStore.
func (s *SQLiteStore) UpdateReceiptStatus(ctx context.Context, anchorID string, status model.ReceiptStatus, confirmedAt *time.Time) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE anchor_receipts SET status = ?, confirmed_at = ? WHERE anchor_id = ?`,
		string(status), formatTimePtr(confirmedAt), anchorID,
	)
	if err != nil {
		return fmt.Errorf("update receipt %s: %w", anchorID, err)
	}
	return requireRow(res)
}

func (s *SQLiteStore) insertEvent(ctx context.Context, tx *sql.Tx, e *model.StageEvent) error {
	payload := e.Payload
	if len(payload) == 0 {
		payload = json.RawMessage(`{}`)
	}
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO stage_events (`+eventColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		e.BatchID, e.Sequence, e.ActorID, string(e.Role), string(e.Stage), string(e.SubStage),
		string(payload), e.PayloadHash, e.PrevHash, e.Hash, formatTime(e.Timestamp),
	); err != nil {
		return fmt.Errorf("insert event %s/%d: %w", e.BatchID, e.Sequence, err)
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSQLiteBatch(row rowScanner) (*model.Batch, error) {
	var (
		b                model.Batch
		stage, sub       string
		created, updated string
		quarantined      bool
		quarantinedAt    sql.NullString
		brokenAt         sql.NullInt64
	)
	if err := row.Scan(
		&b.ID, &b.Product, &b.OriginActorID, &stage, &sub, &b.HeadHash,
		&b.Sequence, &created, &updated, &quarantined, &quarantinedAt, &brokenAt,
	); err != nil {
		return nil, err
	}
	b.CurrentStage = model.Stage(stage)
	b.SubStage = model.SubStage(sub)
	b.Quarantined = quarantined

	var err error
	if b.CreatedAt, err = parseTime(created); err != nil {
		return nil, err
	}
	if b.UpdatedAt, err = parseTime(updated); err != nil {
		return nil, err
	}
	if quarantinedAt.Valid {
		t, err := parseTime(quarantinedAt.String)
		if err != nil {
			return nil, err
		}
		b.QuarantinedAt = &t
	}
	if brokenAt.Valid {
		v := brokenAt.Int64
		b.BrokenAt = &v
	}
	return &b, nil
}

func scanSQLiteReceipt(row rowScanner) (*model.AnchorReceipt, error) {
	var (
		r               model.AnchorReceipt
		covered, status string
		submitted       string
		confirmed       sql.NullString
	)
	if err := row.Scan(
		&r.AnchorID, &covered, &r.MerkleRoot, &r.Sink, &r.ExternalReference,
		&status, &submitted, &confirmed,
	); err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(covered), &r.DigestsCovered); err != nil {
		return nil, fmt.Errorf("decode digests: %w", err)
	}
	r.Status = model.ReceiptStatus(status)

	var err error
	if r.SubmittedAt, err = parseTime(submitted); err != nil {
		return nil, err
	}
	if confirmed.Valid {
		t, err := parseTime(confirmed.String)
		if err != nil {
			return nil, err
		}
		r.ConfirmedAt = &t
	}
	return &r, nil
}

func requireRow(res sql.Result) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

func formatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

func formatTimePtr(t *time.Time) any {
	if t == nil {
		return nil
	}
	return formatTime(*t)
}

func parseTime(s string) (time.Time, error) {
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("parse timestamp %q: %w", s, err)
	}
	return t.UTC(), nil
}

// sqliteLimit maps "no limit" to -1, which SQLite treats as unbounded.
func sqliteLimit(limit int) int {
	if limit <= 0 {
		return -1
	}
	return limit
}
