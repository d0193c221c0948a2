package memstore

import (
	"sync"

	"github.com/jrsteele09/go-storefront-session/credentials"
)

var _ credentials.Store = (*InMemoryStore)(nil)

// InMemoryStore keeps the credential record in process memory
type InMemoryStore struct {
	mu     sync.RWMutex
	record map[string]string
}

// New creates an empty in-memory credential store
func New() *InMemoryStore {
	return &InMemoryStore{}
}

// Save composes the record first and swaps it in under the lock
func (s *InMemoryStore) Save(credential *credentials.Credential) error {
	record, err := credentials.Encode(credential)
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.record = record
	return nil
}

func (s *InMemoryStore) Load() (*credentials.Credential, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return credentials.Decode(s.record)
}

func (s *InMemoryStore) Clear() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.record = nil
	return nil
}

// Put writes a single raw key, bypassing the all-or-nothing rule. It exists so
// tests can reproduce a half-written record left behind by older clients.
func (s *InMemoryStore) Put(key, value string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.record == nil {
		s.record = make(map[string]string)
	}
	s.record[key] = value
}
