package ledger

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/lib/pq"

	"github.com/mbd888/txguard/internal/transaction"
)

const accountColumns = `id, user_id, account_number, account_type, balance, currency,
	is_active, created_at, updated_at`

// PostgresStore implements Store with PostgreSQL. Balances are NUMERIC and
// every balance change happens under a row lock on the account.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a new PostgreSQL-backed ledger store
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (p *PostgresStore) CreateAccount(ctx context.Context, acct *Account) error {
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO accounts (`+accountColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
	`, acct.ID, acct.UserID, acct.AccountNumber, string(acct.AccountType), acct.Balance,
		acct.Currency, acct.IsActive, acct.CreatedAt, acct.UpdatedAt)
	if err != nil {
		var pqErr *pq.Error
		if errors.As(err, &pqErr) && pqErr.Code == "23505" && pqErr.Constraint == "accounts_account_number_key" {
			return ErrDuplicateAccountNumber
		}
		return fmt.Errorf("failed to create account: %w", err)
	}
	return nil
}

func (p *PostgresStore) GetAccount(ctx context.Context, id string) (*Account, error) {
	acct, err := scanAccount(p.db.QueryRowContext(ctx,
		`SELECT `+accountColumns+` FROM accounts WHERE id = $1`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrAccountNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get account: %w", err)
	}
	return acct, nil
}

func (p *PostgresStore) SetActive(ctx context.Context, id string, active bool) error {
	res, err := p.db.ExecContext(ctx, `
		UPDATE accounts SET is_active = $2, updated_at = NOW() WHERE id = $1
	`, id, active)
	if err != nil {
		return fmt.Errorf("failed to update account: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrAccountNotFound
	}
	return nil
}

func (p *PostgresStore) DeleteAccount(ctx context.Context, id string) error {
	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	acct, err := scanAccount(tx.QueryRowContext(ctx,
		`SELECT `+accountColumns+` FROM accounts WHERE id = $1 FOR UPDATE`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return ErrAccountNotFound
	}
	if err != nil {
		return fmt.Errorf("failed to lock account: %w", err)
	}
	if !acct.Balance.IsZero() {
		return ErrNonZeroBalance
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM accounts WHERE id = $1`, id); err != nil {
		return fmt.Errorf("failed to delete account: %w", err)
	}
	return tx.Commit()
}

func (p *PostgresStore) Claim(ctx context.Context, eventID string) (*transaction.Event, error) {
	ev, err := transaction.ScanEvent(p.db.QueryRowContext(ctx, `
		UPDATE transaction_events SET status = 'PROCESSING'
		WHERE id = $1 AND status = 'PENDING'
		RETURNING `+transaction.EventColumns, eventID))
	if err == nil {
		return ev, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("failed to claim event: %w", err)
	}
	// Lost the race, already settled, or no such event.
	if _, err := p.eventStatus(ctx, eventID); err != nil {
		return nil, err
	}
	return nil, ErrAlreadyClaimed
}

func (p *PostgresStore) Apply(ctx context.Context, eventID string, fn ApplyFunc) (*transaction.Event, error) {
	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer func() { _ = tx.Rollback() }()

	ev, err := transaction.ScanEvent(tx.QueryRowContext(ctx, `
		SELECT `+transaction.EventColumns+` FROM transaction_events
		WHERE id = $1 FOR UPDATE
	`, eventID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, transaction.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to lock event: %w", err)
	}
	if ev.Status != transaction.StatusProcessing {
		return nil, fmt.Errorf("%w: %s is %s", transaction.ErrInvalidTransition, eventID, ev.Status)
	}

	var acct *Account
	if ev.AccountID != nil {
		acct, err = scanAccount(tx.QueryRowContext(ctx,
			`SELECT `+accountColumns+` FROM accounts WHERE id = $1 FOR UPDATE`, *ev.AccountID))
		if errors.Is(err, sql.ErrNoRows) {
			acct = nil
		} else if err != nil {
			return nil, fmt.Errorf("failed to lock account: %w", err)
		}
	}

	var before *Account
	if acct != nil {
		before = acct.clone()
	}
	newBalance, err := fn(acct, ev)
	if err != nil {
		return nil, err
	}
	if before == nil {
		return nil, fmt.Errorf("apply returned a balance without an account")
	}

	now := time.Now().UTC()
	if _, err := tx.ExecContext(ctx, `
		UPDATE accounts SET balance = $2, updated_at = $3 WHERE id = $1
	`, before.ID, newBalance, now); err != nil {
		return nil, fmt.Errorf("failed to update balance: %w", err)
	}

	completed, err := transaction.ScanEvent(tx.QueryRowContext(ctx, `
		UPDATE transaction_events SET
			status         = 'COMPLETED',
			balance_before = $2,
			balance_after  = $3,
			processed_at   = $4
		WHERE id = $1
		RETURNING `+transaction.EventColumns,
		eventID, before.Balance, newBalance, now))
	if err != nil {
		return nil, fmt.Errorf("failed to complete event: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit settlement: %w", err)
	}
	return completed, nil
}

func (p *PostgresStore) Fail(ctx context.Context, eventID, reason string) (*transaction.Event, error) {
	ev, err := transaction.ScanEvent(p.db.QueryRowContext(ctx, `
		UPDATE transaction_events SET
			status         = 'FAILED',
			failure_reason = $2,
			processed_at   = NOW()
		WHERE id = $1 AND status = 'PROCESSING'
		RETURNING `+transaction.EventColumns, eventID, reason))
	if err == nil {
		return ev, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("failed to fail event: %w", err)
	}
	status, err := p.eventStatus(ctx, eventID)
	if err != nil {
		return nil, err
	}
	return nil, fmt.Errorf("%w: %s is %s", transaction.ErrInvalidTransition, eventID, status)
}

func (p *PostgresStore) eventStatus(ctx context.Context, eventID string) (transaction.Status, error) {
	var status string
	err := p.db.QueryRowContext(ctx,
		`SELECT status FROM transaction_events WHERE id = $1`, eventID).Scan(&status)
	if errors.Is(err, sql.ErrNoRows) {
		return "", transaction.ErrNotFound
	}
	if err != nil {
		return "", fmt.Errorf("failed to read event status: %w", err)
	}
	return transaction.Status(status), nil
}

func scanAccount(row transaction.RowScanner) (*Account, error) {
	var a Account
	var typ string
	if err := row.Scan(&a.ID, &a.UserID, &a.AccountNumber, &typ, &a.Balance, &a.Currency,
		&a.IsActive, &a.CreatedAt, &a.UpdatedAt); err != nil {
		return nil, err
	}
	a.AccountType = AccountType(typ)
	return &a, nil
}
