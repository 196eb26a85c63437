package hashchain

import (
	"fmt"

	"github.com/jmerrifield20/batchledger/internal/ledger/model"
)

// Result is the outcome of ValidateChain.
type Result struct {
	Valid bool `json:"valid"`
	// BrokenAt is the first sequence number that failed validation; nil when Valid.
	BrokenAt *int64 `json:"broken_at,omitempty"`
	Reason   string `json:"reason,omitempty"`
	// Head is the recomputed digest of the last event when Valid.
	Head string `json:"head,omitempty"`
}

func broken(seq int64, format string, args ...any) Result {
	return Result{BrokenAt: &seq, Reason: fmt.Sprintf(format, args...)}
}

// ValidateChain walks events in order and recomputes every link.
//
// Sequence numbers must form a gapless run starting at 0, each PrevHash must
// equal the recomputed digest of its predecessor (genesis for event 0), each
// stored PayloadHash must match the payload, and each stored Hash must match
// the recomputed digest. The first failing sequence is reported.
func ValidateChain(genesis string, events []model.StageEvent) Result {
	prev := genesis
	var batchID string
	for i := range events {
		e := &events[i]
		want := int64(i)
		if i == 0 {
			batchID = e.BatchID
		}
		if e.Sequence != want {
			return broken(want, "expected sequence %d, found %d", want, e.Sequence)
		}
		if e.BatchID != batchID {
			return broken(want, "event belongs to batch %q, chain is %q", e.BatchID, batchID)
		}
		if e.PrevHash != prev {
			return broken(want, "prev_hash does not match digest of sequence %d", want-1)
		}
		// A missing payload hashes as {}.
		ph, err := PayloadHash(e.Payload)
		if err != nil {
			return broken(want, "payload: %v", err)
		}
		if ph != e.PayloadHash {
			return broken(want, "payload_hash does not match payload")
		}
		digest, err := Digest(e)
		if err != nil {
			return broken(want, "digest: %v", err)
		}
		if e.Hash != "" && e.Hash != digest {
			return broken(want, "stored hash does not match recomputed digest")
		}
		prev = digest
	}
	return Result{Valid: true, Head: prev}
}

// Head recomputes the chain head from an ordered event list.
// It fails with a ChainIntegrityError if the list does not validate.
func Head(genesis string, events []model.StageEvent) (string, error) {
	res := ValidateChain(genesis, events)
	if !res.Valid {
		var batchID string
		if len(events) > 0 {
			batchID = events[0].BatchID
		}
		return "", &model.ChainIntegrityError{BatchID: batchID, BrokenAt: *res.BrokenAt, Reason: res.Reason}
	}
	return res.Head, nil
}
