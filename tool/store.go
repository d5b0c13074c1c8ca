package tool

import "sync"

// ResultStore holds cached call results and in-progress markers keyed by
// call key. A store may be shared by several gates; MarkInProgress must be
// an atomic test-and-set.
type ResultStore interface {
	Get(key string) (string, bool)
	Put(key, result string)
	// MarkInProgress sets the marker and reports false if it was already set.
	MarkInProgress(key string) bool
	ClearInProgress(key string)
}

// MemoryStore is the default process-local ResultStore.
type MemoryStore struct {
	mu         sync.Mutex
	results    map[string]string
	inProgress map[string]struct{}
}

// NewMemoryStore creates an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		results:    make(map[string]string),
		inProgress: make(map[string]struct{}),
	}
}

// Get returns the cached result for key.
func (s *MemoryStore) Get(key string) (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	r, ok := s.results[key]

	return r, ok
}

// Put caches result for key.
func (s *MemoryStore) Put(key, result string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.results[key] = result
}

// MarkInProgress marks key as executing.
func (s *MemoryStore) MarkInProgress(key string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.inProgress[key]; ok {
		return false
	}
	s.inProgress[key] = struct{}{}

	return true
}

// ClearInProgress removes the marker of key.
func (s *MemoryStore) ClearInProgress(key string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.inProgress, key)
}

// InProgress reports whether key is marked.
func (s *MemoryStore) InProgress(key string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, ok := s.inProgress[key]

	return ok
}

// Len returns the number of cached results and in-progress markers.
func (s *MemoryStore) Len() (results, inProgress int) {
	s.mu.Lock()
	defer s.mu.Unlock()

	return len(s.results), len(s.inProgress)
}
