package anchor

import (
	"context"
	"errors"
	"sync"

	"github.com/jmerrifield20/batchledger/internal/ledger/model"
)

// MemorySink keeps commitments in process. Commits are pending until
// FetchReceipt sees them, which confirms them.
type MemorySink struct {
	mu       sync.Mutex
	sets     map[string]model.DigestSet
	failures int
	commits  int
}

// NewMemorySink creates an empty MemorySink.
func NewMemorySink() *MemorySink {
	return &MemorySink{sets: make(map[string]model.DigestSet)}
}

// FailNext makes the next n Commit calls fail.
func (s *MemorySink) FailNext(n int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failures = n
}

// Commits returns the number of Commit calls, failed ones included.
func (s *MemorySink) Commits() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.commits
}

// Set returns the digest set stored under reference.
func (s *MemorySink) Set(reference string) (model.DigestSet, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	set, ok := s.sets[reference]
	return set, ok
}

// Name implements Sink.
func (s *MemorySink) Name() string { return "memory" }

// Commit implements Sink.
func (s *MemorySink) Commit(ctx context.Context, set model.DigestSet) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	s.commits++
	if s.failures > 0 {
		s.failures--
		return "", errors.New("memory sink: injected failure")
	}
	ref := "mem://" + set.MerkleRoot
	s.sets[ref] = set
	return ref, nil
}

// FetchReceipt implements Sink.
func (s *MemorySink) FetchReceipt(_ context.Context, reference string) (model.ReceiptStatus, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.sets[reference]; ok {
		return model.ReceiptConfirmed, nil
	}
	return model.ReceiptUnknown, nil
}
