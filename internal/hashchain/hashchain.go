// Package hashchain computes and validates the per-batch hash chain.
//
// Every StageEvent is digested over the RFC 8785 canonical JSON form of its
// fields (all except Hash itself). Event 0 chains from GenesisHash; event N
// chains from the digest of event N-1. Any reordering, gap, or edit of a
// recorded field changes a digest and is detected by ValidateChain.
package hashchain

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"time"

	"github.com/gowebpki/jcs"
	"github.com/jmerrifield20/batchledger/internal/ledger/model"
)

// GenesisHash is the well-known constant every batch chain starts from.
const GenesisHash = "0000000000000000000000000000000000000000000000000000000000000000"

// digestFields is the canonical projection of a StageEvent.
type digestFields struct {
	BatchID     string `json:"batch_id"`
	Sequence    int64  `json:"sequence"`
	ActorID     string `json:"actor_id"`
	Role        string `json:"role"`
	Stage       string `json:"stage"`
	SubStage    string `json:"sub_stage"`
	PayloadHash string `json:"payload_hash"`
	PrevHash    string `json:"prev_hash"`
	Timestamp   string `json:"timestamp"`
}

// Digest returns the hex SHA-256 digest of e's canonical serialization.
func Digest(e *model.StageEvent) (string, error) {
	raw, err := json.Marshal(digestFields{
		BatchID:     e.BatchID,
		Sequence:    e.Sequence,
		ActorID:     e.ActorID,
		Role:        string(e.Role),
		Stage:       string(e.Stage),
		SubStage:    string(e.SubStage),
		PayloadHash: e.PayloadHash,
		PrevHash:    e.PrevHash,
		Timestamp:   e.Timestamp.UTC().Format(time.RFC3339Nano),
	})
	if err != nil {
		return "", fmt.Errorf("marshal event: %w", err)
	}
	canonical, err := jcs.Transform(raw)
	if err != nil {
		return "", fmt.Errorf("canonicalize event: %w", err)
	}
	return sha256Hex(canonical), nil
}

// PayloadHash returns the hex SHA-256 digest of the canonical form of payload.
// Key order and insignificant whitespace do not affect the result.
func PayloadHash(payload json.RawMessage) (string, error) {
	if len(payload) == 0 {
		payload = json.RawMessage("{}")
	}
	canonical, err := jcs.Transform(payload)
	if err != nil {
		return "", fmt.Errorf("canonicalize payload: %w", err)
	}
	return sha256Hex(canonical), nil
}

func sha256Hex(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}
