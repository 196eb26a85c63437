package repository_test

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jmerrifield20/batchledger/internal/hashchain"
	"github.com/jmerrifield20/batchledger/internal/ledger/model"
	"github.com/jmerrifield20/batchledger/internal/ledger/repository"
)

var base = time.Date(2026, 3, 1, 8, 0, 0, 123456000, time.UTC)

func newEvent(t *testing.T, batchID string, seq int64, prev string, stage model.Stage, role model.Role, payload string) *model.StageEvent {
	t.Helper()
	ph, err := hashchain.PayloadHash(json.RawMessage(payload))
	require.NoError(t, err)
	e := &model.StageEvent{
		BatchID:     batchID,
		Sequence:    seq,
		ActorID:     "A-" + string(role),
		Role:        role,
		Stage:       stage,
		Payload:     json.RawMessage(payload),
		PayloadHash: ph,
		PrevHash:    prev,
		Timestamp:   base.Add(time.Duration(seq) * time.Minute),
	}
	e.Hash, err = hashchain.Digest(e)
	require.NoError(t, err)
	return e
}

func createBatch(t *testing.T, s repository.Store, id, product string, offset time.Duration) (*model.Batch, *model.StageEvent) {
	t.Helper()
	g := newEvent(t, id, 0, hashchain.GenesisHash, model.StageCreated, model.RoleFarmer, `{"field":"north"}`)
	b := &model.Batch{
		ID:            id,
		Product:       product,
		OriginActorID: g.ActorID,
		CurrentStage:  model.StageCreated,
		HeadHash:      g.Hash,
		Sequence:      0,
		CreatedAt:     base.Add(offset),
		UpdatedAt:     base.Add(offset),
	}
	require.NoError(t, s.CreateBatch(context.Background(), b, g))
	return b, g
}

// runStoreContract exercises behaviour every Store must share.
func runStoreContract(t *testing.T, newStore func(t *testing.T) repository.Store) {
	ctx := context.Background()

	t.Run("create and get", func(t *testing.T) {
		s := newStore(t)
		b, g := createBatch(t, s, "B001", "ashwagandha", 0)

		got, err := s.GetBatch(ctx, "B001")
		require.NoError(t, err)
		assert.Equal(t, b.HeadHash, got.HeadHash)
		assert.Equal(t, model.StageCreated, got.CurrentStage)
		assert.True(t, b.CreatedAt.Equal(got.CreatedAt))
		assert.False(t, got.Quarantined)

		events, err := s.Events(ctx, "B001", 0, 0)
		require.NoError(t, err)
		require.Len(t, events, 1)
		assert.Equal(t, g.Hash, events[0].Hash)
		assert.True(t, g.Timestamp.Equal(events[0].Timestamp), "timestamp must round-trip exactly")
	})

	t.Run("duplicate create", func(t *testing.T) {
		s := newStore(t)
		createBatch(t, s, "B001", "ashwagandha", 0)
		g := newEvent(t, "B001", 0, hashchain.GenesisHash, model.StageCreated, model.RoleFarmer, `{}`)
		err := s.CreateBatch(ctx, &model.Batch{ID: "B001", Product: "x", HeadHash: g.Hash, CreatedAt: base, UpdatedAt: base}, g)
		assert.ErrorIs(t, err, repository.ErrConflict)
	})

	t.Run("get missing", func(t *testing.T) {
		s := newStore(t)
		_, err := s.GetBatch(ctx, "nope")
		assert.ErrorIs(t, err, repository.ErrNotFound)
		_, err = s.Events(ctx, "nope", 0, 0)
		assert.ErrorIs(t, err, repository.ErrNotFound)
	})

	t.Run("append moves head", func(t *testing.T) {
		s := newStore(t)
		_, g := createBatch(t, s, "B001", "ashwagandha", 0)
		e1 := newEvent(t, "B001", 1, g.Hash, model.StageHarvested, model.RoleFarmer, `{"kg":40}`)
		require.NoError(t, s.AppendEvent(ctx, g.Hash, e1))

		got, err := s.GetBatch(ctx, "B001")
		require.NoError(t, err)
		assert.Equal(t, e1.Hash, got.HeadHash)
		assert.Equal(t, int64(1), got.Sequence)
		assert.Equal(t, model.StageHarvested, got.CurrentStage)

		chain, err := s.Events(ctx, "B001", 0, 0)
		require.NoError(t, err)
		assert.True(t, hashchain.ValidateChain(hashchain.GenesisHash, chain).Valid)
	})

	t.Run("stale append writes nothing", func(t *testing.T) {
		s := newStore(t)
		_, g := createBatch(t, s, "B001", "ashwagandha", 0)
		e1 := newEvent(t, "B001", 1, g.Hash, model.StageHarvested, model.RoleFarmer, `{}`)
		require.NoError(t, s.AppendEvent(ctx, g.Hash, e1))

		loser := newEvent(t, "B001", 1, g.Hash, model.StageHarvested, model.RoleFarmer, `{"again":true}`)
		err := s.AppendEvent(ctx, g.Hash, loser)
		var stale *model.StaleHeadError
		require.True(t, errors.As(err, &stale), "got %v", err)
		assert.Equal(t, e1.Hash, stale.Current)
		assert.Equal(t, int64(1), stale.Sequence)

		events, _ := s.Events(ctx, "B001", 0, 0)
		assert.Len(t, events, 2)
	})

	t.Run("events paging", func(t *testing.T) {
		s := newStore(t)
		_, g := createBatch(t, s, "B001", "ashwagandha", 0)
		prev := g.Hash
		for i := int64(1); i <= 5; i++ {
			e := newEvent(t, "B001", i, prev, model.StageProcessing, model.RoleFacility, fmt.Sprintf(`{"step":%d}`, i))
			require.NoError(t, s.AppendEvent(ctx, prev, e))
			prev = e.Hash
		}
		page, err := s.Events(ctx, "B001", 2, 2)
		require.NoError(t, err)
		require.Len(t, page, 2)
		assert.Equal(t, int64(2), page[0].Sequence)
		assert.Equal(t, int64(3), page[1].Sequence)

		tail, err := s.Events(ctx, "B001", 10, 2)
		require.NoError(t, err)
		assert.Empty(t, tail)
	})

	t.Run("list and counts", func(t *testing.T) {
		s := newStore(t)
		createBatch(t, s, "B001", "ashwagandha", 0)
		_, g := createBatch(t, s, "B002", "tulsi", time.Second)
		createBatch(t, s, "B003", "ashwagandha", 2*time.Second)
		e := newEvent(t, "B002", 1, g.Hash, model.StageHarvested, model.RoleFarmer, `{}`)
		require.NoError(t, s.AppendEvent(ctx, g.Hash, e))

		all, err := s.ListBatches(ctx, model.BatchFilter{})
		require.NoError(t, err)
		require.Len(t, all, 3)
		assert.Equal(t, "B001", all[0].ID)
		assert.Equal(t, "B003", all[2].ID)

		ash, err := s.ListBatches(ctx, model.BatchFilter{Product: "ashwagandha"})
		require.NoError(t, err)
		assert.Len(t, ash, 2)

		harvested, err := s.ListBatches(ctx, model.BatchFilter{Stage: model.StageHarvested})
		require.NoError(t, err)
		require.Len(t, harvested, 1)
		assert.Equal(t, "B002", harvested[0].ID)

		page, err := s.ListBatches(ctx, model.BatchFilter{Limit: 1, Offset: 1})
		require.NoError(t, err)
		require.Len(t, page, 1)
		assert.Equal(t, "B002", page[0].ID)

		counts, err := s.StageCounts(ctx, model.BatchFilter{})
		require.NoError(t, err)
		assert.Equal(t, 2, counts[model.StageCreated])
		assert.Equal(t, 1, counts[model.StageHarvested])
	})

	t.Run("quarantine", func(t *testing.T) {
		s := newStore(t)
		createBatch(t, s, "B001", "ashwagandha", 0)
		require.NoError(t, s.Quarantine(ctx, "B001", 3, base))

		got, err := s.GetBatch(ctx, "B001")
		require.NoError(t, err)
		assert.True(t, got.Quarantined)
		require.NotNil(t, got.BrokenAt)
		assert.Equal(t, int64(3), *got.BrokenAt)
		require.NotNil(t, got.QuarantinedAt)

		assert.ErrorIs(t, s.Quarantine(ctx, "nope", 0, base), repository.ErrNotFound)
	})

	t.Run("receipts", func(t *testing.T) {
		s := newStore(t)
		for i, id := range []string{"a1", "a2", "a3"} {
			r := &model.AnchorReceipt{
				AnchorID:          id,
				DigestsCovered:    map[string]string{"B001": fmt.Sprintf("%064d", i)},
				MerkleRoot:        fmt.Sprintf("%064d", i),
				Sink:              "memory",
				ExternalReference: "mem://" + id,
				Status:            model.ReceiptPending,
				SubmittedAt:       base.Add(time.Duration(i) * time.Minute),
			}
			require.NoError(t, s.SaveReceipt(ctx, r))
		}
		assert.ErrorIs(t, s.SaveReceipt(ctx, &model.AnchorReceipt{AnchorID: "a1", SubmittedAt: base}), repository.ErrConflict)

		confirmed := base.Add(time.Hour)
		require.NoError(t, s.UpdateReceiptStatus(ctx, "a2", model.ReceiptConfirmed, &confirmed))

		pending, err := s.ListReceipts(ctx, model.ReceiptPending, 0)
		require.NoError(t, err)
		require.Len(t, pending, 2)
		assert.Equal(t, "a3", pending[0].AnchorID, "newest first")

		latest, err := s.ListReceipts(ctx, "", 1)
		require.NoError(t, err)
		require.Len(t, latest, 1)

		got, err := s.GetReceipt(ctx, "a2")
		require.NoError(t, err)
		assert.Equal(t, model.ReceiptConfirmed, got.Status)
		require.NotNil(t, got.ConfirmedAt)
		assert.True(t, confirmed.Equal(*got.ConfirmedAt))
		assert.Equal(t, fmt.Sprintf("%064d", 1), got.DigestsCovered["B001"])

		_, err = s.GetReceipt(ctx, "missing")
		assert.ErrorIs(t, err, repository.ErrNotFound)
		assert.ErrorIs(t, s.UpdateReceiptStatus(ctx, "missing", model.ReceiptConfirmed, nil), repository.ErrNotFound)
	})
}

func TestMemoryStore(t *testing.T) {
	runStoreContract(t, func(t *testing.T) repository.Store {
		return repository.NewMemoryStore()
	})
}

func TestSQLiteStore(t *testing.T) {
	runStoreContract(t, func(t *testing.T) repository.Store {
		db, err := repository.OpenSQLite(":memory:")
		require.NoError(t, err)
		t.Cleanup(func() { _ = db.Close() })
		s, err := repository.NewSQLiteStore(db)
		require.NoError(t, err)
		return s
	})
}

func TestMemoryStore_returnsCopies(t *testing.T) {
	s := repository.NewMemoryStore()
	createBatch(t, s, "B001", "ashwagandha", 0)

	got, _ := s.GetBatch(context.Background(), "B001")
	got.CurrentStage = model.StageDelivered

	again, _ := s.GetBatch(context.Background(), "B001")
	assert.Equal(t, model.StageCreated, again.CurrentStage)
}
