// Package dialogue implements DialogueState (§3) and the per-session
// locking required by §5 ("DialogueState updates require a per-session
// lock to avoid lost updates"), grounded on internal/agent/memory's
// session-state-update shape and internal/workspaces/redis_cache.go's
// SetNX-based distributed lock for the multi-instance case.
package dialogue

import (
	"context"
	"sync"
	"time"
)

// MaxTopics is the LRU cap on DialogueState.Topics (§4.6 step 4).
const MaxTopics = 20

// State is a DialogueState row (§3). Created lazily on first turn.
type State struct {
	ID               string
	TenantID         string
	SessionID        string
	UserID           string
	SummaryShort     string // ≤250 tokens
	SummaryBullets   string // ≤120 tokens
	Topics           []string
	CumulativeTokens int
	TurnCount        int
	LastUpdatedAt    time.Time
}

// PushTopics merges new topics into Topics, capped at MaxTopics with
// least-recently-seen eviction (§4.6 step 4: "cap at N=20, LRU by last
// appearance").
func (s *State) PushTopics(topics ...string) {
	for _, t := range topics {
		if t == "" {
			continue
		}
		for i, existing := range s.Topics {
			if existing == t {
				s.Topics = append(s.Topics[:i], s.Topics[i+1:]...)
				break
			}
		}
		s.Topics = append(s.Topics, t)
	}
	if len(s.Topics) > MaxTopics {
		s.Topics = s.Topics[len(s.Topics)-MaxTopics:]
	}
}

// Store persists DialogueState, one row per (tenant_id, session_id).
type Store interface {
	Init(ctx context.Context) error
	GetOrCreate(ctx context.Context, tenantID, sessionID, userID string) (State, error)
	Save(ctx context.Context, s State) error
}

// Locker provides the per-session mutual exclusion §5 requires around
// DialogueState read-modify-write sequences. InProcessLocker is the only
// implementation; it serializes sessions within a single process.
type Locker interface {
	Lock(ctx context.Context, sessionID string) (unlock func(), err error)
}

// InProcessLocker is a mutex-guarded map of per-session mutexes.
type InProcessLocker struct {
	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

func NewInProcessLocker() *InProcessLocker {
	return &InProcessLocker{locks: map[string]*sync.Mutex{}}
}

func (l *InProcessLocker) Lock(_ context.Context, sessionID string) (func(), error) {
	l.mu.Lock()
	m, ok := l.locks[sessionID]
	if !ok {
		m = &sync.Mutex{}
		l.locks[sessionID] = m
	}
	l.mu.Unlock()

	m.Lock()
	return m.Unlock, nil
}
