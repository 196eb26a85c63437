package lock

import (
	"context"
	"sync"
	"time"
)

// Memory is an in-process keyed lock. Idle keys are dropped so the map
// stays proportional to the number of batches being written concurrently.
type Memory struct {
	mu    sync.Mutex
	slots map[string]*slot
}

type slot struct {
	ch   chan struct{}
	refs int
}

// NewMemory creates an empty Memory locker.
func NewMemory() *Memory {
	return &Memory{slots: make(map[string]*slot)}
}

// Acquire implements Locker.
func (m *Memory) Acquire(ctx context.Context, key string, wait time.Duration) (func(), error) {
	s := m.ref(key)

	timer := time.NewTimer(wait)
	defer timer.Stop()

	select {
	case s.ch <- struct{}{}:
	case <-timer.C:
		m.unref(key)
		return nil, ErrTimeout
	case <-ctx.Done():
		m.unref(key)
		return nil, ctx.Err()
	}

	var once sync.Once
	return func() {
		once.Do(func() {
			<-s.ch
			m.unref(key)
		})
	}, nil
}

func (m *Memory) ref(key string) *slot {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.slots[key]
	if !ok {
		s = &slot{ch: make(chan struct{}, 1)}
		m.slots[key] = s
	}
	s.refs++
	return s
}

func (m *Memory) unref(key string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s := m.slots[key]
	s.refs--
	if s.refs == 0 {
		delete(m.slots, key)
	}
}

// held reports the number of keys currently tracked. Used by tests.
func (m *Memory) held() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.slots)
}
