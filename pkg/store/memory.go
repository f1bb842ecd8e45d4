package store

import (
	"errors"
	"sync"
	"time"

	"github.com/nkkko/chainwatch/pkg/store/internal/storeutil"
	"github.com/nkkko/chainwatch/pkg/types"
)

// MemoryStore is the default in-process store
type MemoryStore struct {
	mu   sync.RWMutex
	subs map[string]*types.Subscription
}

// NewMemoryStore creates an empty store
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{subs: make(map[string]*types.Subscription)}
}

// Put stores sub under id
func (s *MemoryStore) Put(id string, sub *types.Subscription) error {
	start := time.Now()
	if sub == nil {
		err := errors.New("subscription is nil")
		storeutil.Observe(BackendMemory, "put", start, err)
		return err
	}

	s.mu.Lock()
	s.subs[id] = sub
	s.mu.Unlock()
	storeutil.Observe(BackendMemory, "put", start, nil)
	return nil
}

// Delete removes id; deleting an unknown id is not an error
func (s *MemoryStore) Delete(id string) error {
	start := time.Now()
	s.mu.Lock()
	delete(s.subs, id)
	s.mu.Unlock()
	storeutil.Observe(BackendMemory, "delete", start, nil)
	return nil
}

// GetAll returns a copy of the registry
func (s *MemoryStore) GetAll() (map[string]*types.Subscription, error) {
	start := time.Now()
	s.mu.RLock()
	out := make(map[string]*types.Subscription, len(s.subs))
	for id, sub := range s.subs {
		out[id] = sub
	}
	s.mu.RUnlock()
	storeutil.Observe(BackendMemory, "get_all", start, nil)
	return out, nil
}

// Clear removes every subscription
func (s *MemoryStore) Clear() error {
	start := time.Now()
	s.mu.Lock()
	s.subs = make(map[string]*types.Subscription)
	s.mu.Unlock()
	storeutil.Observe(BackendMemory, "clear", start, nil)
	return nil
}

// Len returns the number of stored subscriptions
func (s *MemoryStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.subs)
}

// Close is a no-op
func (s *MemoryStore) Close() error {
	return nil
}
