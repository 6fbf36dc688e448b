package risk

import (
	"context"
	"sync"

	"github.com/mbd888/txguard/internal/syncutil"
	"github.com/mbd888/txguard/internal/transaction"
)

// MemoryStore is an in-memory implementation of Store for demo/test use.
// Events are written to the shared transaction table.
type MemoryStore struct {
	locks    *syncutil.KeyedMutex
	mu       sync.RWMutex
	profiles map[string]*BehaviorProfile
	events   *transaction.MemoryStore
}

// NewMemoryStore creates an in-memory profile store writing events to
// events.
func NewMemoryStore(events *transaction.MemoryStore) *MemoryStore {
	return &MemoryStore{
		locks:    syncutil.NewKeyedMutex(),
		profiles: make(map[string]*BehaviorProfile),
		events:   events,
	}
}

func (s *MemoryStore) Commit(ctx context.Context, userID string, fn func(p *BehaviorProfile) (*transaction.Event, error)) (*transaction.Event, error) {
	unlock, err := s.locks.Lock(ctx, userID)
	if err != nil {
		return nil, err
	}
	defer unlock()

	s.mu.RLock()
	current, ok := s.profiles[userID]
	s.mu.RUnlock()

	// fn works on a draft; nothing is visible until both writes land.
	var draft *BehaviorProfile
	if ok {
		draft = current.Clone()
	} else {
		draft = NewProfile(userID)
	}

	ev, err := fn(draft)
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	s.profiles[userID] = draft
	s.events.Insert(ev)
	s.mu.Unlock()

	return ev.Clone(), nil
}

func (s *MemoryStore) GetProfile(ctx context.Context, userID string) (*BehaviorProfile, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	p, ok := s.profiles[userID]
	if !ok {
		return nil, ErrProfileNotFound
	}
	return p.Clone(), nil
}

func (s *MemoryStore) Events() transaction.Store {
	return s.events
}
