package provenance

import (
	"context"
	"sync"

	"github.com/oklog/ulid/v2"
	"golang.org/x/exp/slices"

	"github.com/bftkit/statetransfer/selector"
)

// MemoryStore keeps the most recent sessions in memory
type MemoryStore struct {
	max int

	mu       sync.RWMutex
	sessions []Session
}

// NewMemoryStore keeps at most max sessions; zero means 1000
func NewMemoryStore(max int) *MemoryStore {
	if max <= 0 {
		max = 1000
	}
	return &MemoryStore{max: max}
}

func (m *MemoryStore) Record(ctx context.Context, s Session) error {
	s.Sources = slices.Clone(s.Sources)

	m.mu.Lock()
	defer m.mu.Unlock()
	m.sessions = append(m.sessions, s)
	if over := len(m.sessions) - m.max; over > 0 {
		m.sessions = slices.Delete(m.sessions, 0, over)
	}
	return nil
}

func (m *MemoryStore) Get(ctx context.Context, id ulid.ULID) (*Session, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for i := len(m.sessions) - 1; i >= 0; i-- {
		if m.sessions[i].ID == id {
			s := copySession(m.sessions[i])
			return &s, nil
		}
	}
	return nil, ErrNotFound
}

func (m *MemoryStore) Recent(ctx context.Context, limit int) ([]Session, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	n := min(limit, len(m.sessions))
	if n <= 0 {
		return []Session{}, nil
	}
	r := make([]Session, 0, n)
	for i := len(m.sessions) - 1; i >= 0 && len(r) < n; i-- {
		r = append(r, copySession(m.sessions[i]))
	}
	return r, nil
}

func copySession(s Session) Session {
	s.Sources = slices.Clone(s.Sources)
	if s.Sources == nil {
		s.Sources = []selector.ReplicaID{}
	}
	return s
}
