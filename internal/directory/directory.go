// Package directory answers the user classification question asked by the
// risk engine: is this user in the privileged (senior) class?
package directory

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"
)

// Lookup is implemented by every directory backend.
type Lookup interface {
	IsPrivileged(ctx context.Context, userID string) (bool, error)
}

// Writer is implemented by backends that can store classifications.
type Writer interface {
	Upsert(ctx context.Context, userID string, senior bool) error
}

// ErrReadOnly is returned when the backend cannot store classifications.
var ErrReadOnly = errors.New("user directory is read-only")

// Static is a fixed set of privileged user ids, typically from config.
type Static struct {
	ids map[string]struct{}
}

// NewStatic builds a directory from ids. Blank entries are ignored.
func NewStatic(ids []string) *Static {
	s := &Static{ids: make(map[string]struct{}, len(ids))}
	for _, id := range ids {
		if id = strings.TrimSpace(id); id != "" {
			s.ids[id] = struct{}{}
		}
	}
	return s
}

func (s *Static) IsPrivileged(_ context.Context, userID string) (bool, error) {
	_, ok := s.ids[userID]
	return ok, nil
}

// PostgresStore reads users.is_senior. Unknown users are standard.
type PostgresStore struct {
	db *sql.DB
}

func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (s *PostgresStore) IsPrivileged(ctx context.Context, userID string) (bool, error) {
	var senior bool
	err := s.db.QueryRowContext(ctx,
		`SELECT is_senior FROM users WHERE id = $1`, userID).Scan(&senior)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("failed to look up user classification: %w", err)
	}
	return senior, nil
}

// Upsert creates or updates a user's classification.
func (s *PostgresStore) Upsert(ctx context.Context, userID string, senior bool) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO users (id, is_senior) VALUES ($1, $2)
		ON CONFLICT (id) DO UPDATE SET is_senior = EXCLUDED.is_senior, updated_at = NOW()
	`, userID, senior)
	if err != nil {
		return fmt.Errorf("failed to upsert user: %w", err)
	}
	return nil
}

type entry struct {
	value     bool
	expiresAt time.Time
}

// Cached memoizes a backend for ttl and collapses concurrent lookups for the
// same user into one backend call. Errors are not cached.
type Cached struct {
	next  Lookup
	ttl   time.Duration
	now   func() time.Time
	group singleflight.Group

	mu    sync.RWMutex
	items map[string]entry
}

// NewCached wraps next with a TTL cache.
func NewCached(next Lookup, ttl time.Duration) *Cached {
	return &Cached{
		next:  next,
		ttl:   ttl,
		now:   time.Now,
		items: make(map[string]entry),
	}
}

func (c *Cached) IsPrivileged(ctx context.Context, userID string) (bool, error) {
	if v, ok := c.get(userID); ok {
		return v, nil
	}

	v, err, _ := c.group.Do(userID, func() (any, error) {
		senior, err := c.next.IsPrivileged(ctx, userID)
		if err != nil {
			return false, err
		}
		c.set(userID, senior)
		return senior, nil
	})
	if err != nil {
		return false, err
	}
	return v.(bool), nil
}

// Upsert writes the classification through to the backend and drops the
// cached answer so the next evaluation sees it.
func (c *Cached) Upsert(ctx context.Context, userID string, senior bool) error {
	w, ok := c.next.(Writer)
	if !ok {
		return ErrReadOnly
	}
	if err := w.Upsert(ctx, userID, senior); err != nil {
		return err
	}
	c.invalidate(userID)
	return nil
}

func (c *Cached) invalidate(userID string) {
	c.mu.Lock()
	delete(c.items, userID)
	c.mu.Unlock()
}

func (c *Cached) get(userID string) (bool, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	e, ok := c.items[userID]
	if !ok || c.now().After(e.expiresAt) {
		return false, false
	}
	return e.value, true
}

func (c *Cached) set(userID string, v bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	// Opportunistic sweep keeps the map bounded by the active user set.
	now := c.now()
	if len(c.items) > 4096 {
		for k, e := range c.items {
			if now.After(e.expiresAt) {
				delete(c.items, k)
			}
		}
	}
	c.items[userID] = entry{value: v, expiresAt: now.Add(c.ttl)}
}
