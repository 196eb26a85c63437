// Package anchor periodically commits batch heads to an external,
// independently verifiable sink and keeps a local log of the receipts.
//
// Anchoring never sits on the write path. A sink outage delays commitments
// but cannot block or roll back an append.
package anchor

import (
	"context"
	"errors"

	"github.com/jmerrifield20/batchledger/internal/ledger/model"
)

// ErrUnknownReference is returned by sinks asked about a reference they never issued.
var ErrUnknownReference = errors.New("anchor: unknown reference")

// Sink is an append-only attestation service.
type Sink interface {
	// Name identifies the sink in receipts and logs.
	Name() string
	// Commit publishes set and returns a reference that FetchReceipt accepts.
	// Committing the same Merkle root twice must be safe.
	Commit(ctx context.Context, set model.DigestSet) (string, error)
	// FetchReceipt reports the sink-side status of a prior commit.
	FetchReceipt(ctx context.Context, reference string) (model.ReceiptStatus, error)
}
