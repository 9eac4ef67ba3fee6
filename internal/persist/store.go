package persist

import (
	"errors"
	"sync"
)

// ErrNotFound is returned when a key has no value in the store.
var ErrNotFound = errors.New("persist: key not found")

// KeyValueStore is the minimal byte store the adapter persists through.
// Implementations must be safe for concurrent use.
type KeyValueStore interface {
	// Get returns the value for key, or ErrNotFound.
	Get(key string) ([]byte, error)
	// Set stores value under key, overwriting any previous value.
	Set(key string, value []byte) error
	// Delete removes key. Deleting a missing key is not an error.
	Delete(key string) error
	// Close releases store resources.
	Close() error
}

// NoopStore discards writes and never finds anything. Used when the
// application runs without persistence.
type NoopStore struct{}

func (NoopStore) Get(string) ([]byte, error) { return nil, ErrNotFound }
func (NoopStore) Set(string, []byte) error   { return nil }
func (NoopStore) Delete(string) error        { return nil }
func (NoopStore) Close() error               { return nil }

// MemoryStore keeps values in a map. Primarily for tests.
type MemoryStore struct {
	mu sync.RWMutex
	m  map[string][]byte
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{m: make(map[string][]byte)}
}

func (s *MemoryStore) Get(key string) ([]byte, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	v, ok := s.m[key]
	if !ok {
		return nil, ErrNotFound
	}
	return append([]byte(nil), v...), nil
}

func (s *MemoryStore) Set(key string, value []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.m[key] = append([]byte(nil), value...)
	return nil
}

func (s *MemoryStore) Delete(key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.m, key)
	return nil
}

func (s *MemoryStore) Close() error { return nil }
