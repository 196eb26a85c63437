package model

import (
	"encoding/json"
	"time"
)

// Batch is the aggregate root: one traceable unit of physical product.
type Batch struct {
	ID            string    `json:"batch_id"`
	Product       string    `json:"product"`
	OriginActorID string    `json:"origin_actor_id"`
	CurrentStage  Stage     `json:"current_stage"`
	SubStage      SubStage  `json:"sub_stage,omitempty"`
	HeadHash      string    `json:"head_hash"`
	Sequence      int64     `json:"sequence_number"`
	CreatedAt     time.Time `json:"created_at"`
	UpdatedAt     time.Time `json:"updated_at"`

	// Quarantined batches failed an integrity check and await manual audit.
	Quarantined   bool       `json:"quarantined,omitempty"`
	QuarantinedAt *time.Time `json:"quarantined_at,omitempty"`
	BrokenAt      *int64     `json:"broken_at,omitempty"`
}

// Head is the compare-and-swap snapshot of a batch.
type Head struct {
	BatchID      string   `json:"batch_id"`
	CurrentStage Stage    `json:"current_stage"`
	SubStage     SubStage `json:"sub_stage,omitempty"`
	HeadHash     string   `json:"head_hash"`
	Sequence     int64    `json:"sequence_number"`
}

// Head returns the batch's current head snapshot.
func (b *Batch) Head() Head {
	return Head{
		BatchID:      b.ID,
		CurrentStage: b.CurrentStage,
		SubStage:     b.SubStage,
		HeadHash:     b.HeadHash,
		Sequence:     b.Sequence,
	}
}

// StageEvent is one immutable, hash-chained fact in a batch's history.
type StageEvent struct {
	BatchID     string          `json:"batch_id"`
	Sequence    int64           `json:"sequence_number"`
	ActorID     string          `json:"actor_id"`
	Role        Role            `json:"role"`
	Stage       Stage           `json:"stage"`
	SubStage    SubStage        `json:"sub_stage,omitempty"`
	Payload     json.RawMessage `json:"payload"`
	PayloadHash string          `json:"payload_hash"`
	PrevHash    string          `json:"prev_hash"`
	Hash        string          `json:"hash"`
	Timestamp   time.Time       `json:"timestamp"`
}

// BatchFilter narrows batch listings and summaries. Zero values match everything.
type BatchFilter struct {
	Product       string
	OriginActorID string
	Stage         Stage
	Limit         int
	Offset        int
}

// Matches reports whether b satisfies every non-empty filter field.
func (f BatchFilter) Matches(b *Batch) bool {
	if f.Product != "" && b.Product != f.Product {
		return false
	}
	if f.OriginActorID != "" && b.OriginActorID != f.OriginActorID {
		return false
	}
	if f.Stage != "" && b.CurrentStage != f.Stage {
		return false
	}
	return true
}

// CreateBatchRequest is the payload for POST /batches.
type CreateBatchRequest struct {
	BatchID string          `json:"batch_id"`
	Product string          `json:"product" binding:"required"`
	Role    Role            `json:"role"`
	Payload json.RawMessage `json:"payload"`
}

// AppendEventRequest is the payload for POST /batches/:id/events.
type AppendEventRequest struct {
	Role             Role            `json:"role" binding:"required"`
	ProposedStage    Stage           `json:"proposed_stage" binding:"required"`
	SubStage         SubStage        `json:"sub_stage"`
	Payload          json.RawMessage `json:"payload"`
	ExpectedHeadHash string          `json:"expected_head_hash" binding:"required"`
}
