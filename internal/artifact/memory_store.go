package artifact

import (
	"context"
	"sort"
	"sync"
)

// MemoryStore keeps artifacts in process memory; used by tests and
// deployments that do not need artifacts to outlive the process.
type MemoryStore struct {
	mu       sync.RWMutex
	sessions map[string]map[string][]byte
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{sessions: make(map[string]map[string][]byte)}
}

func (s *MemoryStore) Put(_ context.Context, sessionID, p string, content []byte) error {
	k, err := parseKey(sessionID, p)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	files, ok := s.sessions[k.session]
	if !ok {
		files = make(map[string][]byte)
		s.sessions[k.session] = files
	}
	files[k.path] = append([]byte(nil), content...)
	return nil
}

func (s *MemoryStore) Get(_ context.Context, sessionID, p string) ([]byte, error) {
	k, err := parseKey(sessionID, p)
	if err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	raw, ok := s.sessions[k.session][k.path]
	if !ok {
		return nil, ErrNotFound
	}
	return append([]byte(nil), raw...), nil
}

func (s *MemoryStore) List(_ context.Context, sessionID string) ([]string, error) {
	session, err := parseSession(sessionID)
	if err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	files := s.sessions[session]
	out := make([]string, 0, len(files))
	for p := range files {
		out = append(out, p)
	}
	sort.Strings(out)
	return out, nil
}
