package state

import (
	"context"
	"sync"
)

// MemoryStore keeps control state in memory. It satisfies Store for
// tests and single-process deployments; it is not cross-process.
type MemoryStore struct {
	mu    sync.Mutex
	kill  bool
	flags map[string]bool
}

// NewMemoryStore returns an in-memory state store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{flags: make(map[string]bool)}
}

func (s *MemoryStore) KillSwitch(ctx context.Context) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.kill, nil
}

func (s *MemoryStore) SetKillSwitch(ctx context.Context, on bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.kill = on
	return nil
}

func (s *MemoryStore) SetFlag(ctx context.Context, scope string) error {
	if scope == "" {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.flags[scope] = true
	return nil
}

func (s *MemoryStore) TakeFlags(ctx context.Context, scopes []string) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var taken []string
	for _, scope := range scopes {
		if s.flags[scope] {
			delete(s.flags, scope)
			taken = append(taken, scope)
		}
	}
	return taken, nil
}

func (s *MemoryStore) Close() error { return nil }
