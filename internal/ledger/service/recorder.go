// Package service contains the ledger's only mutating operations: opening a
// batch, appending a stage event, and quarantining a batch whose history
// failed validation.
package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/jmerrifield20/batchledger/internal/access"
	"github.com/jmerrifield20/batchledger/internal/hashchain"
	"github.com/jmerrifield20/batchledger/internal/ledger/model"
	"github.com/jmerrifield20/batchledger/internal/ledger/repository"
	"github.com/jmerrifield20/batchledger/internal/lock"
)

// DefaultLockTimeout bounds how long Append waits for the per-batch lock.
const DefaultLockTimeout = 2 * time.Second

// Authorizer decides whether an actor may act. *access.Controller satisfies it.
type Authorizer interface {
	Authorize(ctx context.Context, actorID string, role model.Role, head model.Head, proposed model.Stage) (access.Decision, error)
	AuthorizeCreate(ctx context.Context, actorID string, role model.Role) (access.Decision, error)
}

// Config tunes the Recorder. Zero values select defaults.
type Config struct {
	LockTimeout     time.Duration
	MaxPayloadBytes int
}

// CreateRequest opens a new batch with its genesis event.
type CreateRequest struct {
	BatchID string // optional; a UUID is assigned when empty
	Product string
	ActorID string
	Role    model.Role
	Payload json.RawMessage
}

// AppendRequest proposes one stage event.
type AppendRequest struct {
	BatchID          string
	ActorID          string
	Role             model.Role
	Stage            model.Stage
	SubStage         model.SubStage
	Payload          json.RawMessage
	ExpectedHeadHash string
}

// AppendResult is the batch head after a successful append.
type AppendResult struct {
	HeadHash string            `json:"head_hash"`
	Sequence int64             `json:"sequence_number"`
	Event    *model.StageEvent `json:"event"`
}

// Recorder serializes writes per batch and commits them with a
// compare-and-swap on the head hash.
type Recorder struct {
	store       repository.BatchStore
	authz       Authorizer
	locker      lock.Locker
	lockTimeout time.Duration
	maxPayload  int
	now         func() time.Time
	logger      *zap.Logger
}

// NewRecorder creates a Recorder.
func NewRecorder(store repository.BatchStore, authz Authorizer, locker lock.Locker, cfg Config, logger *zap.Logger) *Recorder {
	if cfg.LockTimeout <= 0 {
		cfg.LockTimeout = DefaultLockTimeout
	}
	if cfg.MaxPayloadBytes <= 0 {
		cfg.MaxPayloadBytes = DefaultMaxPayloadBytes
	}
	return &Recorder{
		store:       store,
		authz:       authz,
		locker:      locker,
		lockTimeout: cfg.LockTimeout,
		maxPayload:  cfg.MaxPayloadBytes,
		now:         time.Now,
		logger:      logger,
	}
}

// SetClock replaces the time source. Intended for tests.
func (r *Recorder) SetClock(now func() time.Time) { r.now = now }

// CreateBatch opens a batch in stage Created. Only a Farmer may do so.
func (r *Recorder) CreateBatch(ctx context.Context, req CreateRequest) (*model.Batch, *model.StageEvent, error) {
	if req.Product == "" {
		return nil, nil, model.Validationf("product is required")
	}
	if req.ActorID == "" {
		return nil, nil, model.Validationf("actor is required")
	}
	if req.Role == "" {
		req.Role = model.RoleFarmer
	}
	if !req.Role.Valid() {
		return nil, nil, model.Validationf("unknown role %q", req.Role)
	}
	if req.BatchID == "" {
		req.BatchID = uuid.NewString()
	} else if !batchIDPattern.MatchString(req.BatchID) {
		return nil, nil, model.Validationf("invalid batch id %q", req.BatchID)
	}

	d, err := r.authz.AuthorizeCreate(ctx, req.ActorID, req.Role)
	if err != nil {
		return nil, nil, err
	}
	if !d.Allowed {
		return nil, nil, d.Err()
	}

	payload, err := normalizePayload(req.Payload, r.maxPayload)
	if err != nil {
		return nil, nil, err
	}

	genesis, err := r.buildEvent(req.BatchID, 0, hashchain.GenesisHash, req.ActorID, req.Role, model.StageCreated, "", payload)
	if err != nil {
		return nil, nil, err
	}
	b := &model.Batch{
		ID:            req.BatchID,
		Product:       req.Product,
		OriginActorID: req.ActorID,
		CurrentStage:  model.StageCreated,
		HeadHash:      genesis.Hash,
		Sequence:      0,
		CreatedAt:     genesis.Timestamp,
		UpdatedAt:     genesis.Timestamp,
	}

	if err := ctx.Err(); err != nil {
		return nil, nil, err
	}
	if err := r.store.CreateBatch(context.WithoutCancel(ctx), b, genesis); err != nil {
		if errors.Is(err, repository.ErrConflict) {
			return nil, nil, model.Validationf("batch %s already exists", req.BatchID)
		}
		return nil, nil, fmt.Errorf("create batch: %w", err)
	}

	r.logger.Info("batch created",
		zap.String("batch_id", b.ID),
		zap.String("product", b.Product),
		zap.String("actor_id", req.ActorID),
		zap.String("head_hash", b.HeadHash),
	)
	return b, genesis, nil
}

// Append records one stage event. Every error return guarantees nothing was
// written. Steps run under the per-batch lock in this order: quarantine
// check, head comparison, state machine, authorization, payload, commit.
func (r *Recorder) Append(ctx context.Context, req AppendRequest) (*AppendResult, error) {
	if req.BatchID == "" || req.ActorID == "" {
		return nil, model.Validationf("batch and actor are required")
	}
	if req.ExpectedHeadHash == "" {
		return nil, model.Validationf("expected_head_hash is required")
	}

	unlock, err := r.acquire(ctx, req.BatchID)
	if err != nil {
		return nil, err
	}
	defer unlock()

	b, err := r.store.GetBatch(ctx, req.BatchID)
	if err != nil {
		return nil, err
	}
	if b.Quarantined {
		var brokenAt int64
		if b.BrokenAt != nil {
			brokenAt = *b.BrokenAt
		}
		return nil, &model.ChainIntegrityError{BatchID: b.ID, BrokenAt: brokenAt, Reason: "batch quarantined pending audit"}
	}
	if req.ExpectedHeadHash != b.HeadHash {
		return nil, &model.StaleHeadError{BatchID: b.ID, Expected: req.ExpectedHeadHash, Current: b.HeadHash, Sequence: b.Sequence}
	}
	if b.CurrentStage.Terminal() {
		return nil, &model.TerminalStateError{BatchID: b.ID, Stage: b.CurrentStage}
	}
	if err := access.ValidateTransition(b.CurrentStage, req.Stage, req.SubStage, req.Role); err != nil {
		return nil, err
	}

	d, err := r.authz.Authorize(ctx, req.ActorID, req.Role, b.Head(), req.Stage)
	if err != nil {
		return nil, err
	}
	if !d.Allowed {
		return nil, d.Err()
	}

	payload, err := normalizePayload(req.Payload, r.maxPayload)
	if err != nil {
		return nil, err
	}
	if err := checkRelease(b.CurrentStage, req.Stage, payload); err != nil {
		return nil, err
	}

	e, err := r.buildEvent(b.ID, b.Sequence+1, b.HeadHash, req.ActorID, req.Role, req.Stage, req.SubStage, payload)
	if err != nil {
		return nil, err
	}

	if err := ctx.Err(); err != nil {
		return nil, err
	}
	// The commit itself is not cancellable.
	if err := r.store.AppendEvent(context.WithoutCancel(ctx), b.HeadHash, e); err != nil {
		return nil, err
	}

	r.logger.Info("stage event appended",
		zap.String("batch_id", e.BatchID),
		zap.Int64("sequence", e.Sequence),
		zap.String("stage", string(e.Stage)),
		zap.String("sub_stage", string(e.SubStage)),
		zap.String("actor_id", e.ActorID),
		zap.String("role", string(e.Role)),
		zap.String("head_hash", e.Hash),
	)
	return &AppendResult{HeadHash: e.Hash, Sequence: e.Sequence, Event: e}, nil
}

// Quarantine flags a batch after a failed integrity check. Further appends
// fail with ChainIntegrityError until an operator intervenes.
func (r *Recorder) Quarantine(ctx context.Context, batchID string, brokenAt int64, reason string) error {
	unlock, err := r.acquire(ctx, batchID)
	if err != nil {
		return err
	}
	defer unlock()
	return r.quarantine(ctx, batchID, brokenAt, reason)
}

// IntegrityCheck re-walks one batch's chain. ok reports a healthy chain.
type IntegrityCheck func(ctx context.Context) (ok bool, brokenAt int64, reason string, err error)

// QuarantineIfBroken runs check while holding the batch lock and quarantines
// the batch only if the chain is still broken. No append can land between
// the check and the quarantine. It reports whether the batch was quarantined.
func (r *Recorder) QuarantineIfBroken(ctx context.Context, batchID string, check IntegrityCheck) (bool, error) {
	unlock, err := r.acquire(ctx, batchID)
	if err != nil {
		return false, err
	}
	defer unlock()

	ok, brokenAt, reason, err := check(ctx)
	if err != nil {
		return false, fmt.Errorf("re-check %s: %w", batchID, err)
	}
	if ok {
		r.logger.Info("integrity failure not confirmed under lock", zap.String("batch_id", batchID))
		return false, nil
	}
	if err := r.quarantine(ctx, batchID, brokenAt, reason); err != nil {
		return false, err
	}
	return true, nil
}

func (r *Recorder) acquire(ctx context.Context, batchID string) (func(), error) {
	unlock, err := r.locker.Acquire(ctx, batchID, r.lockTimeout)
	if errors.Is(err, lock.ErrTimeout) {
		return nil, &model.LockTimeoutError{BatchID: batchID}
	}
	if err != nil {
		return nil, fmt.Errorf("acquire batch lock: %w", err)
	}
	return unlock, nil
}

func (r *Recorder) quarantine(ctx context.Context, batchID string, brokenAt int64, reason string) error {
	if err := r.store.Quarantine(ctx, batchID, brokenAt, r.now().UTC().Truncate(time.Microsecond)); err != nil {
		return fmt.Errorf("quarantine %s: %w", batchID, err)
	}
	r.logger.Error("batch quarantined",
		zap.String("batch_id", batchID),
		zap.Int64("broken_at", brokenAt),
		zap.String("reason", reason),
	)
	return nil
}

func (r *Recorder) buildEvent(batchID string, seq int64, prev, actorID string, role model.Role, stage model.Stage, sub model.SubStage, payload json.RawMessage) (*model.StageEvent, error) {
	ph, err := hashchain.PayloadHash(payload)
	if err != nil {
		return nil, model.Validationf("payload: %v", err)
	}
	e := &model.StageEvent{
		BatchID:     batchID,
		Sequence:    seq,
		ActorID:     actorID,
		Role:        role,
		Stage:       stage,
		SubStage:    sub,
		Payload:     payload,
		PayloadHash: ph,
		PrevHash:    prev,
		// TIMESTAMPTZ keeps microseconds.
		Timestamp: r.now().UTC().Truncate(time.Microsecond),
	}
	if e.Hash, err = hashchain.Digest(e); err != nil {
		return nil, fmt.Errorf("digest event: %w", err)
	}
	return e, nil
}
