package transaction

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/mbd888/txguard/internal/pagination"
)

// MemoryStore is an in-memory event table for demo/test use. The risk and
// ledger memory stores share one instance so that both sides see the same
// events.
type MemoryStore struct {
	mu     sync.RWMutex
	events map[string]*Event
}

// NewMemoryStore creates an empty in-memory event table.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{events: make(map[string]*Event)}
}

// Insert stores a copy of ev. The id must already be assigned.
func (s *MemoryStore) Insert(ev *Event) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events[ev.ID] = ev.Clone()
}

// Update applies fn to the stored event under the table lock. fn sees the
// live record; returning an error leaves it untouched.
func (s *MemoryStore) Update(id string, fn func(ev *Event) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	ev, ok := s.events[id]
	if !ok {
		return ErrNotFound
	}
	draft := ev.Clone()
	if err := fn(draft); err != nil {
		return err
	}
	s.events[id] = draft
	return nil
}

func (s *MemoryStore) Get(ctx context.Context, id string) (*Event, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	ev, ok := s.events[id]
	if !ok {
		return nil, ErrNotFound
	}
	return ev.Clone(), nil
}

func (s *MemoryStore) ListByUser(ctx context.Context, userID string, before *pagination.Cursor, limit int) ([]*Event, error) {
	s.mu.RLock()
	var result []*Event
	for _, ev := range s.events {
		if ev.UserID == userID && before.Admits(ev.CreatedAt, ev.ID) {
			result = append(result, ev.Clone())
		}
	}
	s.mu.RUnlock()

	// Most recent first
	sort.Slice(result, func(i, j int) bool {
		if result[i].CreatedAt.Equal(result[j].CreatedAt) {
			return result[i].ID > result[j].ID
		}
		return result[i].CreatedAt.After(result[j].CreatedAt)
	})
	if limit > 0 && len(result) > limit {
		result = result[:limit]
	}
	return result, nil
}

func (s *MemoryStore) ListPending(ctx context.Context, olderThan time.Time, limit int) ([]*Event, error) {
	s.mu.RLock()
	var result []*Event
	for _, ev := range s.events {
		if ev.Status == StatusPending && !ev.CreatedAt.After(olderThan) {
			result = append(result, ev.Clone())
		}
	}
	s.mu.RUnlock()

	sort.Slice(result, func(i, j int) bool {
		return result[i].CreatedAt.Before(result[j].CreatedAt)
	})
	if limit > 0 && len(result) > limit {
		result = result[:limit]
	}
	return result, nil
}
