package transcript

import (
	"context"
	"slices"
	"sync"

	"github.com/MrWong99/voxline/pkg/frame"
)

// MemStore is an in-process [Store]. It is safe for concurrent use.
type MemStore struct {
	mu       sync.RWMutex
	sessions map[string][]frame.Turn
}

var _ Store = (*MemStore)(nil)

// NewMemStore returns an empty store.
func NewMemStore() *MemStore {
	return &MemStore{sessions: make(map[string][]frame.Turn)}
}

// Save implements [Store].
func (m *MemStore) Save(_ context.Context, sessionID string, turns []frame.Turn) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sessions[sessionID] = slices.Clone(turns)
	return nil
}

// Load implements [Store].
func (m *MemStore) Load(_ context.Context, sessionID string) ([]frame.Turn, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	turns, ok := m.sessions[sessionID]
	if !ok {
		return nil, ErrNotFound
	}
	return slices.Clone(turns), nil
}

// Len returns the number of stored sessions.
func (m *MemStore) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.sessions)
}
