package model

import "time"

// ReceiptStatus is the sink-side state of an anchor commitment.
type ReceiptStatus string

const (
	ReceiptPending   ReceiptStatus = "pending"
	ReceiptConfirmed ReceiptStatus = "confirmed"
	ReceiptUnknown   ReceiptStatus = "unknown"
)

// DigestEntry is one batch head covered by an anchor.
type DigestEntry struct {
	BatchID  string `json:"batch_id"`
	HeadHash string `json:"head_hash"`
	Sequence int64  `json:"sequence_number"`
}

// DigestSet is the commitment handed to an external sink.
// Entries are sorted by BatchID; MerkleRoot covers them in that order.
type DigestSet struct {
	Entries    []DigestEntry `json:"entries"`
	MerkleRoot string        `json:"merkle_root"`
	CreatedAt  time.Time     `json:"created_at"`
}

// AnchorReceipt records that a digest set was committed to an external sink.
type AnchorReceipt struct {
	AnchorID          string            `json:"anchor_id"`
	DigestsCovered    map[string]string `json:"digests_covered"`
	MerkleRoot        string            `json:"merkle_root"`
	Sink              string            `json:"sink"`
	ExternalReference string            `json:"external_reference"`
	Status            ReceiptStatus     `json:"status"`
	SubmittedAt       time.Time         `json:"submitted_at"`
	ConfirmedAt       *time.Time        `json:"confirmed_at,omitempty"`
}
