package session

import (
	"context"
	"sync"
)

// MemoryStore is an in-memory Store implementation.
//
// Suitable for development, testing, and single-instance deployments.
// Data is lost when the process exits.
type MemoryStore struct {
	mu       sync.RWMutex
	messages []*Message
}

var _ Store = (*MemoryStore)(nil)

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{}
}

func (s *MemoryStore) Create(ctx context.Context, msg *Message) error {
	if err := prepare(msg); err != nil {
		return err
	}
	cp := *msg
	s.mu.Lock()
	defer s.mu.Unlock()
	s.messages = append(s.messages, &cp)
	return nil
}

func (s *MemoryStore) FindMany(ctx context.Context, filter Filter, order Order) ([]*Message, error) {
	if err := validateID(filter.ProjectID); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	return selectMessages(s.messages, filter, order), nil
}
