package risk

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/lib/pq"

	"github.com/mbd888/txguard/internal/retry"
	"github.com/mbd888/txguard/internal/transaction"
)

// commitRetry retries serialization conflicts; the cap keeps the last
// backoff from outgrowing a request deadline.
var commitRetry = retry.Policy{
	Attempts:  5,
	BaseDelay: 10 * time.Millisecond,
	MaxDelay:  50 * time.Millisecond,
}

// PostgresStore persists behavior profiles in PostgreSQL. Count maps are
// JSONB columns; the profile row lock serializes evaluations per user.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a PostgreSQL-backed profile store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

// Commit locks the profile row, runs fn, and writes the profile and event
// in one transaction. Serialization failures and deadlocks are retried
// with backoff; fn may therefore run more than once and must only derive
// its result from the profile it is given.
func (s *PostgresStore) Commit(ctx context.Context, userID string, fn func(p *BehaviorProfile) (*transaction.Event, error)) (*transaction.Event, error) {
	var saved *transaction.Event
	err := commitRetry.Do(ctx, func() error {
		ev, err := s.commitOnce(ctx, userID, fn)
		if err != nil {
			if isRetryable(err) {
				return err
			}
			return retry.Permanent(err)
		}
		saved = ev
		return nil
	})
	if err != nil {
		return nil, err
	}
	return saved, nil
}

func (s *PostgresStore) commitOnce(ctx context.Context, userID string, fn func(p *BehaviorProfile) (*transaction.Event, error)) (*transaction.Event, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer func() { _ = tx.Rollback() }()

	// Lazily create, then lock.
	if _, err := tx.ExecContext(ctx, `
		INSERT INTO behavior_profiles (user_id) VALUES ($1)
		ON CONFLICT (user_id) DO NOTHING
	`, userID); err != nil {
		return nil, fmt.Errorf("failed to create behavior profile: %w", err)
	}

	p, err := scanProfile(tx.QueryRowContext(ctx, `
		SELECT `+profileColumns+` FROM behavior_profiles
		WHERE user_id = $1
		FOR UPDATE
	`, userID))
	if err != nil {
		return nil, fmt.Errorf("failed to lock behavior profile: %w", err)
	}

	ev, err := fn(p)
	if err != nil {
		return nil, err
	}

	channels, locations, recipients, hours, err := marshalCounts(p)
	if err != nil {
		return nil, err
	}
	if _, err := tx.ExecContext(ctx, `
		UPDATE behavior_profiles SET
			tx_count           = $2,
			amount_sum         = $3,
			amount_sum_squares = $4,
			channel_counts     = $5,
			location_counts    = $6,
			recipient_counts   = $7,
			hour_counts        = $8,
			updated_at         = $9
		WHERE user_id = $1
	`, userID, p.TxCount, p.AmountSum, p.AmountSumSquares,
		channels, locations, recipients, hours, p.UpdatedAt); err != nil {
		return nil, fmt.Errorf("failed to update behavior profile: %w", err)
	}

	if err := transaction.InsertTx(ctx, tx, ev); err != nil {
		return nil, err
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit evaluation: %w", err)
	}
	return ev, nil
}

func (s *PostgresStore) GetProfile(ctx context.Context, userID string) (*BehaviorProfile, error) {
	p, err := scanProfile(s.db.QueryRowContext(ctx,
		`SELECT `+profileColumns+` FROM behavior_profiles WHERE user_id = $1`, userID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrProfileNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get behavior profile: %w", err)
	}
	return p, nil
}

func (s *PostgresStore) Events() transaction.Store {
	return transaction.NewPostgresStore(s.db)
}

const profileColumns = `user_id, tx_count, amount_sum, amount_sum_squares,
	channel_counts, location_counts, recipient_counts, hour_counts, updated_at`

func scanProfile(row transaction.RowScanner) (*BehaviorProfile, error) {
	p := NewProfile("")
	var channels, locations, recipients, hours []byte
	var updatedAt sql.NullTime

	if err := row.Scan(&p.UserID, &p.TxCount, &p.AmountSum, &p.AmountSumSquares,
		&channels, &locations, &recipients, &hours, &updatedAt); err != nil {
		return nil, err
	}
	for _, m := range []struct {
		raw []byte
		dst *Counts
	}{
		{channels, &p.Channels},
		{locations, &p.Locations},
		{recipients, &p.Recipients},
		{hours, &p.Hours},
	} {
		if len(m.raw) == 0 {
			continue
		}
		if err := json.Unmarshal(m.raw, m.dst); err != nil {
			return nil, fmt.Errorf("failed to decode profile counts: %w", err)
		}
	}
	if updatedAt.Valid {
		p.UpdatedAt = updatedAt.Time
	}
	p.ensureMaps()
	return p, nil
}

func marshalCounts(p *BehaviorProfile) (channels, locations, recipients, hours []byte, err error) {
	if channels, err = json.Marshal(p.Channels); err != nil {
		return
	}
	if locations, err = json.Marshal(p.Locations); err != nil {
		return
	}
	if recipients, err = json.Marshal(p.Recipients); err != nil {
		return
	}
	hours, err = json.Marshal(p.Hours)
	return
}

// isRetryable reports serialization failures and deadlocks.
func isRetryable(err error) bool {
	var pqErr *pq.Error
	if !errors.As(err, &pqErr) {
		return false
	}
	switch pqErr.Code {
	case "40001", "40P01":
		return true
	}
	return false
}
