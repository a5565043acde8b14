package dialogue

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
)

// MemoryStore is an in-process Store for tests, grounded on the same
// noop/functional-fake idiom as knowledge.MemoryStore.
type MemoryStore struct {
	mu     sync.Mutex
	states map[string]State // key: tenantID|sessionID
}

func NewMemoryStore() *MemoryStore { return &MemoryStore{states: map[string]State{}} }

func key(tenantID, sessionID string) string { return tenantID + "|" + sessionID }

func (s *MemoryStore) Init(_ context.Context) error { return nil }

func (s *MemoryStore) GetOrCreate(_ context.Context, tenantID, sessionID, userID string) (State, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	k := key(tenantID, sessionID)
	if st, ok := s.states[k]; ok {
		return st, nil
	}
	st := State{
		ID:            uuid.NewString(),
		TenantID:      tenantID,
		SessionID:     sessionID,
		UserID:        userID,
		LastUpdatedAt: time.Now().UTC(),
	}
	s.states[k] = st
	return st, nil
}

func (s *MemoryStore) Save(_ context.Context, st State) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	st.LastUpdatedAt = time.Now().UTC()
	s.states[key(st.TenantID, st.SessionID)] = st
	return nil
}
