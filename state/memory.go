package state

import (
	"context"
	"sort"
	"sync"
	"sync/atomic"
)

// MemoryStore implements StateStore using in-memory storage.
// Useful for testing and single-process scenarios.
type MemoryStore struct {
	mu     sync.RWMutex
	data   map[string]*entry
	closed atomic.Bool

	// failPut, when set, is returned by writes. Tests use it to drive
	// compensation paths.
	failPut atomic.Pointer[error]
}

type entry struct {
	value    []byte
	revision uint64
}

// NewMemoryStore creates a new in-memory state store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{data: make(map[string]*entry)}
}

// FailWrites makes every subsequent Put, Create and Delete return err.
// Pass nil to restore normal behavior.
func (s *MemoryStore) FailWrites(err error) {
	if err == nil {
		s.failPut.Store(nil)
		return
	}
	s.failPut.Store(&err)
}

func (s *MemoryStore) writeErr() error {
	if p := s.failPut.Load(); p != nil {
		return *p
	}
	return nil
}

// Get retrieves a value by key.
func (s *MemoryStore) Get(ctx context.Context, key string) ([]byte, error) {
	if err := ValidateKey(key); err != nil {
		return nil, err
	}
	if s.closed.Load() {
		return nil, ErrClosed
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	e, ok := s.data[key]
	if !ok {
		return nil, ErrNotFound
	}
	return copyBytes(e.value), nil
}

// Put stores a value.
func (s *MemoryStore) Put(ctx context.Context, key string, value []byte) error {
	if err := ValidateKey(key); err != nil {
		return err
	}
	if s.closed.Load() {
		return ErrClosed
	}
	if err := s.writeErr(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if e, ok := s.data[key]; ok {
		e.value = copyBytes(value)
		e.revision++
		return nil
	}
	s.data[key] = &entry{value: copyBytes(value), revision: 1}
	return nil
}

// Create stores a value only if the key is absent.
func (s *MemoryStore) Create(ctx context.Context, key string, value []byte) error {
	if err := ValidateKey(key); err != nil {
		return err
	}
	if s.closed.Load() {
		return ErrClosed
	}
	if err := s.writeErr(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.data[key]; ok {
		return ErrExists
	}
	s.data[key] = &entry{value: copyBytes(value), revision: 1}
	return nil
}

// Delete removes a key.
func (s *MemoryStore) Delete(ctx context.Context, key string) error {
	if err := ValidateKey(key); err != nil {
		return err
	}
	if s.closed.Load() {
		return ErrClosed
	}
	if err := s.writeErr(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.data, key)
	return nil
}

// Keys returns all keys matching a pattern.
func (s *MemoryStore) Keys(ctx context.Context, pattern string) ([]string, error) {
	if s.closed.Load() {
		return nil, ErrClosed
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	var keys []string
	for key := range s.data {
		if MatchPattern(pattern, key) {
			keys = append(keys, key)
		}
	}
	sort.Strings(keys)
	return keys, nil
}

// List returns all entries matching a pattern.
func (s *MemoryStore) List(ctx context.Context, pattern string) ([]KeyValue, error) {
	if s.closed.Load() {
		return nil, ErrClosed
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []KeyValue
	for key, e := range s.data {
		if MatchPattern(pattern, key) {
			out = append(out, KeyValue{Key: key, Value: copyBytes(e.value), Revision: e.revision})
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key < out[j].Key })
	return out, nil
}

// Close shuts down the store.
func (s *MemoryStore) Close() error {
	s.closed.Store(true)
	return nil
}

func copyBytes(b []byte) []byte {
	if b == nil {
		return nil
	}
	out := make([]byte, len(b))
	copy(out, b)
	return out
}
