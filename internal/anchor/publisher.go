package anchor

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/jmerrifield20/batchledger/internal/ledger/model"
	"github.com/jmerrifield20/batchledger/internal/ledger/repository"
)

// Config holds publisher configuration.
type Config struct {
	Interval    time.Duration `mapstructure:"interval"`
	CallTimeout time.Duration `mapstructure:"call_timeout"`
	MaxAttempts int           `mapstructure:"max_attempts"`
	BaseBackoff time.Duration `mapstructure:"base_backoff"`
	MaxBackoff  time.Duration `mapstructure:"max_backoff"`
}

// MetricsRecordFunc is an optional callback for recording run outcomes.
// outcome is one of "anchored", "idle", "failed"; batches is the number of
// heads covered.
type MetricsRecordFunc func(outcome string, batches int)

// InclusionProof shows that one batch head is covered by an anchor.
type InclusionProof struct {
	AnchorID          string              `json:"anchor_id"`
	BatchID           string              `json:"batch_id"`
	HeadHash          string              `json:"head_hash"`
	Leaf              string              `json:"leaf"`
	Path              []ProofStep         `json:"path"`
	MerkleRoot        string              `json:"merkle_root"`
	Sink              string              `json:"sink"`
	ExternalReference string              `json:"external_reference"`
	Status            model.ReceiptStatus `json:"status"`
}

// Publisher commits changed batch heads to a Sink and records receipts.
type Publisher struct {
	batches  repository.BatchStore
	receipts repository.ReceiptStore
	sink     Sink
	cfg      Config
	logger   *zap.Logger

	runMu    sync.Mutex // serializes RunOnce
	anchored map[string]string
	seeded   bool

	trigger   chan struct{}
	onMetrics MetricsRecordFunc
	now       func() time.Time
}

// NewPublisher creates a Publisher.
func NewPublisher(batches repository.BatchStore, receipts repository.ReceiptStore, sink Sink, cfg Config, logger *zap.Logger) *Publisher {
	if cfg.Interval <= 0 {
		cfg.Interval = time.Minute
	}
	if cfg.CallTimeout <= 0 {
		cfg.CallTimeout = 10 * time.Second
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 4
	}
	if cfg.BaseBackoff <= 0 {
		cfg.BaseBackoff = time.Second
	}
	if cfg.MaxBackoff <= 0 {
		cfg.MaxBackoff = 30 * time.Second
	}
	return &Publisher{
		batches:  batches,
		receipts: receipts,
		sink:     sink,
		cfg:      cfg,
		logger:   logger,
		anchored: make(map[string]string),
		trigger:  make(chan struct{}, 1),
		now:      time.Now,
	}
}

// SetMetricsRecord configures the metrics recording callback.
func (p *Publisher) SetMetricsRecord(fn MetricsRecordFunc) {
	p.onMetrics = fn
}

// SinkName returns the configured sink's name.
func (p *Publisher) SinkName() string { return p.sink.Name() }

// Start runs the publish and reconcile loop until ctx is done.
func (p *Publisher) Start(ctx context.Context) {
	ticker := time.NewTicker(p.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
		case <-p.trigger:
		case <-ctx.Done():
			return
		}
		p.tick(ctx)
	}
}

// Trigger requests a run from the Start loop without waiting for it.
func (p *Publisher) Trigger() {
	select {
	case p.trigger <- struct{}{}:
	default:
	}
}

func (p *Publisher) tick(ctx context.Context) {
	if _, err := p.RunOnce(ctx); err != nil && !errors.Is(err, context.Canceled) {
		p.logger.Warn("anchor: publish failed", zap.Error(err))
	}
	if _, err := p.Reconcile(ctx); err != nil && !errors.Is(err, context.Canceled) {
		p.logger.Warn("anchor: reconcile failed", zap.Error(err))
	}
}

// RunOnce commits every batch head that changed since it was last anchored.
// It returns a nil receipt when nothing changed. A sink failure after all
// retries yields *model.SinkUnavailableError and leaves local state untouched.
func (p *Publisher) RunOnce(ctx context.Context) (*model.AnchorReceipt, error) {
	p.runMu.Lock()
	defer p.runMu.Unlock()

	if err := p.seed(ctx); err != nil {
		return nil, err
	}

	batches, err := p.batches.ListBatches(ctx, model.BatchFilter{})
	if err != nil {
		return nil, fmt.Errorf("list batch heads: %w", err)
	}
	var changed []model.DigestEntry
	for _, b := range batches {
		if b.Quarantined || p.anchored[b.ID] == b.HeadHash {
			continue
		}
		changed = append(changed, model.DigestEntry{BatchID: b.ID, HeadHash: b.HeadHash, Sequence: b.Sequence})
	}
	if len(changed) == 0 {
		p.record("idle", 0)
		return nil, nil
	}

	set, _ := BuildDigestSet(changed)
	set.CreatedAt = p.now().UTC()

	ref, err := p.commit(ctx, set)
	if err != nil {
		p.record("failed", len(set.Entries))
		return nil, err
	}

	covered := make(map[string]string, len(set.Entries))
	for _, e := range set.Entries {
		covered[e.BatchID] = e.HeadHash
	}
	receipt := &model.AnchorReceipt{
		AnchorID:          uuid.NewString(),
		DigestsCovered:    covered,
		MerkleRoot:        set.MerkleRoot,
		Sink:              p.sink.Name(),
		ExternalReference: ref,
		Status:            model.ReceiptPending,
		SubmittedAt:       set.CreatedAt,
	}
	if err := p.receipts.SaveReceipt(ctx, receipt); err != nil {
		return nil, fmt.Errorf("save anchor receipt: %w", err)
	}
	for id, head := range covered {
		p.anchored[id] = head
	}

	p.record("anchored", len(set.Entries))
	p.logger.Info("anchor: digest set committed",
		zap.String("anchor_id", receipt.AnchorID),
		zap.String("merkle_root", receipt.MerkleRoot),
		zap.String("sink", receipt.Sink),
		zap.String("reference", ref),
		zap.Int("batches", len(covered)),
	)
	return receipt, nil
}

// Reconcile asks the sink about pending receipts and records confirmations.
// It returns the number of receipts confirmed.
func (p *Publisher) Reconcile(ctx context.Context) (int, error) {
	pending, err := p.receipts.ListReceipts(ctx, model.ReceiptPending, 0)
	if err != nil {
		return 0, fmt.Errorf("list pending receipts: %w", err)
	}

	confirmed := 0
	for _, r := range pending {
		if err := ctx.Err(); err != nil {
			return confirmed, err
		}
		callCtx, cancel := context.WithTimeout(ctx, p.cfg.CallTimeout)
		status, err := p.sink.FetchReceipt(callCtx, r.ExternalReference)
		cancel()
		if errors.Is(err, ErrUnknownReference) {
			status, err = model.ReceiptUnknown, nil
		}
		if err != nil {
			p.logger.Warn("anchor: fetch receipt", zap.String("anchor_id", r.AnchorID), zap.Error(err))
			continue
		}

		switch status {
		case model.ReceiptConfirmed:
			at := p.now().UTC()
			if err := p.receipts.UpdateReceiptStatus(ctx, r.AnchorID, model.ReceiptConfirmed, &at); err != nil {
				return confirmed, fmt.Errorf("confirm receipt %s: %w", r.AnchorID, err)
			}
			confirmed++
		case model.ReceiptUnknown:
			p.logger.Warn("anchor: sink does not know reference",
				zap.String("anchor_id", r.AnchorID),
				zap.String("reference", r.ExternalReference),
			)
			if err := p.receipts.UpdateReceiptStatus(ctx, r.AnchorID, model.ReceiptUnknown, nil); err != nil {
				return confirmed, fmt.Errorf("mark receipt %s unknown: %w", r.AnchorID, err)
			}
		}
	}
	return confirmed, nil
}

// Proof builds the Merkle inclusion proof of batchID's head in an anchor.
func (p *Publisher) Proof(ctx context.Context, anchorID, batchID string) (*InclusionProof, error) {
	r, err := p.receipts.GetReceipt(ctx, anchorID)
	if err != nil {
		return nil, err
	}
	head, ok := r.DigestsCovered[batchID]
	if !ok {
		return nil, fmt.Errorf("batch %s in anchor %s: %w", batchID, anchorID, model.ErrNotFound)
	}

	entries := make([]model.DigestEntry, 0, len(r.DigestsCovered))
	for id, h := range r.DigestsCovered {
		entries = append(entries, model.DigestEntry{BatchID: id, HeadHash: h})
	}
	set, proofs := BuildDigestSet(entries)
	if set.MerkleRoot != r.MerkleRoot {
		return nil, fmt.Errorf("anchor %s: recomputed root %s does not match receipt", anchorID, set.MerkleRoot)
	}
	idx := sort.Search(len(set.Entries), func(i int) bool { return set.Entries[i].BatchID >= batchID })

	return &InclusionProof{
		AnchorID:          r.AnchorID,
		BatchID:           batchID,
		HeadHash:          head,
		Leaf:              LeafHash(batchID, head),
		Path:              proofs[idx],
		MerkleRoot:        r.MerkleRoot,
		Sink:              r.Sink,
		ExternalReference: r.ExternalReference,
		Status:            r.Status,
	}, nil
}

// commit calls the sink with exponential backoff. Each attempt is bounded
// by CallTimeout; ctx cancels the whole sequence.
func (p *Publisher) commit(ctx context.Context, set model.DigestSet) (string, error) {
	var lastErr error
	for attempt := 1; attempt <= p.cfg.MaxAttempts; attempt++ {
		if attempt > 1 {
			select {
			case <-time.After(p.backoff(attempt - 1)):
			case <-ctx.Done():
				return "", ctx.Err()
			}
		}

		callCtx, cancel := context.WithTimeout(ctx, p.cfg.CallTimeout)
		ref, err := p.sink.Commit(callCtx, set)
		cancel()
		if err == nil {
			return ref, nil
		}
		if ctx.Err() != nil {
			return "", ctx.Err()
		}
		lastErr = err
		p.logger.Warn("anchor: commit attempt failed",
			zap.String("sink", p.sink.Name()),
			zap.Int("attempt", attempt),
			zap.Error(err),
		)
	}
	return "", &model.SinkUnavailableError{Sink: p.sink.Name(), Attempts: p.cfg.MaxAttempts, Err: lastErr}
}

// backoff returns the wait before retry n (1-based): base, 2*base, 4*base, ...
func (p *Publisher) backoff(n int) time.Duration {
	d := p.cfg.BaseBackoff << (n - 1)
	if d <= 0 || d > p.cfg.MaxBackoff {
		return p.cfg.MaxBackoff
	}
	return d
}

// seed loads the last anchored head per batch from the receipt log once.
func (p *Publisher) seed(ctx context.Context) error {
	if p.seeded {
		return nil
	}
	all, err := p.receipts.ListReceipts(ctx, "", 0)
	if err != nil {
		return fmt.Errorf("load anchor receipts: %w", err)
	}
	// ListReceipts is newest first; replay oldest first so newer heads win.
	for i := len(all) - 1; i >= 0; i-- {
		if all[i].Status == model.ReceiptUnknown {
			continue
		}
		for id, head := range all[i].DigestsCovered {
			p.anchored[id] = head
		}
	}
	p.seeded = true
	return nil
}

func (p *Publisher) record(outcome string, n int) {
	if p.onMetrics != nil {
		p.onMetrics(outcome, n)
	}
}
