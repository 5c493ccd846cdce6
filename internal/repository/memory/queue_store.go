package memory

import (
	"context"
	"sync"

	"github.com/cmlabs-hris/presence-sync/internal/domain/presence"
)

// QueueStore keeps values in process memory. It backs tests and the
// "memory" store driver; nothing survives a restart.
type QueueStore struct {
	mu     sync.Mutex
	values map[string][]byte
	saves  int
	failOn error
}

func NewQueueStore() *QueueStore {
	return &QueueStore{values: make(map[string][]byte)}
}

func (s *QueueStore) Load(_ context.Context, key string) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	v, ok := s.values[key]
	if !ok {
		return nil, presence.ErrStoreNotFound
	}
	return append([]byte(nil), v...), nil
}

func (s *QueueStore) Save(_ context.Context, key string, value []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.failOn != nil {
		return s.failOn
	}
	s.values[key] = append([]byte(nil), value...)
	s.saves++
	return nil
}

func (s *QueueStore) Delete(_ context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.failOn != nil {
		return s.failOn
	}
	delete(s.values, key)
	return nil
}

func (s *QueueStore) Close() error { return nil }

// Saves returns how many successful writes the store has seen.
func (s *QueueStore) Saves() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.saves
}

// FailWrites makes every following Save and Delete return err. Pass nil to recover.
func (s *QueueStore) FailWrites(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failOn = err
}
