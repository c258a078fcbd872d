package storage

import "sync"

// MemoryStore is a Store that keeps nothing across restarts
type MemoryStore struct {
	mu      sync.RWMutex
	strings map[string]string
	bools   map[string]bool
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		strings: make(map[string]string),
		bools:   make(map[string]bool),
	}
}

func (s *MemoryStore) GetString(key, def string) string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if v, ok := s.strings[key]; ok {
		return v
	}
	return def
}

func (s *MemoryStore) PutString(key, value string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.strings[key] = value
	return nil
}

func (s *MemoryStore) GetBool(key string, def bool) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if v, ok := s.bools[key]; ok {
		return v
	}
	return def
}

func (s *MemoryStore) PutBool(key string, value bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.bools[key] = value
	return nil
}

func (s *MemoryStore) Close() error {
	return nil
}
