package transaction

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"github.com/mbd888/txguard/internal/pagination"
)

// Columns selected by every event query, in scanEvent order.
const EventColumns = `id, user_id, account_id, amount, currency, type, channel,
	recipient_id, location, description, event_time, timestamp_fallback,
	balance_before, balance_after, status, failure_reason,
	risk_local, risk_global, global_available, global_source, risk_combined,
	flags, raw_payload, created_at, processed_at`

// Execer is satisfied by *sql.DB and *sql.Tx.
type Execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

// RowScanner is satisfied by *sql.Row and *sql.Rows.
type RowScanner interface {
	Scan(dest ...any) error
}

// PostgresStore reads transaction events from PostgreSQL.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a PostgreSQL-backed event reader.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

// InsertTx writes a new event. Callers pass their own transaction so the
// event lands together with whatever else they commit.
func InsertTx(ctx context.Context, tx Execer, ev *Event) error {
	flags, err := json.Marshal(ev.Flags)
	if err != nil {
		return fmt.Errorf("failed to marshal flags: %w", err)
	}
	var raw any
	if len(ev.RawPayload) > 0 && json.Valid(ev.RawPayload) {
		raw = []byte(ev.RawPayload)
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO transaction_events (`+EventColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14,
		        $15, $16, $17, $18, $19, $20, $21, $22, $23, $24, $25)
	`,
		ev.ID,
		ev.UserID,
		ev.AccountID,
		ev.Amount,
		ev.Currency,
		string(ev.Type),
		ev.Channel,
		ev.RecipientID,
		ev.Location,
		ev.Description,
		ev.Timestamp,
		ev.TimestampFallback,
		nullDecimal(ev.BalanceBefore),
		nullDecimal(ev.BalanceAfter),
		string(ev.Status),
		ev.FailureReason,
		ev.RiskLocal,
		ev.RiskGlobal,
		ev.GlobalAvailable,
		ev.GlobalSource,
		ev.RiskCombined,
		flags,
		raw,
		ev.CreatedAt,
		ev.ProcessedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to insert transaction event: %w", err)
	}
	return nil
}

// ScanEvent reads one row selected with EventColumns.
func ScanEvent(row RowScanner) (*Event, error) {
	var (
		ev            Event
		accountID     sql.NullString
		recipientID   sql.NullString
		location      sql.NullString
		balanceBefore decimal.NullDecimal
		balanceAfter  decimal.NullDecimal
		riskGlobal    sql.NullFloat64
		flagsJSON     []byte
		raw           []byte
		processedAt   sql.NullTime
		status, typ   string
	)

	err := row.Scan(
		&ev.ID, &ev.UserID, &accountID, &ev.Amount, &ev.Currency, &typ, &ev.Channel,
		&recipientID, &location, &ev.Description, &ev.Timestamp, &ev.TimestampFallback,
		&balanceBefore, &balanceAfter, &status, &ev.FailureReason,
		&ev.RiskLocal, &riskGlobal, &ev.GlobalAvailable, &ev.GlobalSource, &ev.RiskCombined,
		&flagsJSON, &raw, &ev.CreatedAt, &processedAt,
	)
	if err != nil {
		return nil, err
	}

	ev.Type = Type(typ)
	ev.Status = Status(status)
	if accountID.Valid {
		ev.AccountID = &accountID.String
	}
	if recipientID.Valid {
		ev.RecipientID = &recipientID.String
	}
	if location.Valid {
		ev.Location = &location.String
	}
	if balanceBefore.Valid {
		ev.BalanceBefore = &balanceBefore.Decimal
	}
	if balanceAfter.Valid {
		ev.BalanceAfter = &balanceAfter.Decimal
	}
	if riskGlobal.Valid {
		ev.RiskGlobal = &riskGlobal.Float64
	}
	if processedAt.Valid {
		ev.ProcessedAt = &processedAt.Time
	}
	ev.Flags = []string{}
	if len(flagsJSON) > 0 {
		if err := json.Unmarshal(flagsJSON, &ev.Flags); err != nil {
			return nil, fmt.Errorf("failed to decode flags: %w", err)
		}
	}
	if len(raw) > 0 {
		ev.RawPayload = json.RawMessage(raw)
	}
	return &ev, nil
}

func (s *PostgresStore) Get(ctx context.Context, id string) (*Event, error) {
	ev, err := ScanEvent(s.db.QueryRowContext(ctx,
		`SELECT `+EventColumns+` FROM transaction_events WHERE id = $1`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get transaction event: %w", err)
	}
	return ev, nil
}

func (s *PostgresStore) ListByUser(ctx context.Context, userID string, before *pagination.Cursor, limit int) ([]*Event, error) {
	if before == nil {
		return s.query(ctx, `
			SELECT `+EventColumns+` FROM transaction_events
			WHERE user_id = $1
			ORDER BY created_at DESC, id DESC
			LIMIT NULLIF($2, 0)
		`, userID, limit)
	}
	return s.query(ctx, `
		SELECT `+EventColumns+` FROM transaction_events
		WHERE user_id = $1 AND (created_at, id) < ($2, $3)
		ORDER BY created_at DESC, id DESC
		LIMIT NULLIF($4, 0)
	`, userID, before.CreatedAt, before.ID, limit)
}

func (s *PostgresStore) ListPending(ctx context.Context, olderThan time.Time, limit int) ([]*Event, error) {
	return s.query(ctx, `
		SELECT `+EventColumns+` FROM transaction_events
		WHERE status = 'PENDING' AND created_at <= $1
		ORDER BY created_at ASC
		LIMIT NULLIF($2, 0)
	`, olderThan, limit)
}

func (s *PostgresStore) query(ctx context.Context, q string, args ...any) ([]*Event, error) {
	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list transaction events: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var result []*Event
	for rows.Next() {
		ev, err := ScanEvent(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan transaction event: %w", err)
		}
		result = append(result, ev)
	}
	return result, rows.Err()
}

func nullDecimal(d *decimal.Decimal) decimal.NullDecimal {
	if d == nil {
		return decimal.NullDecimal{}
	}
	return decimal.NullDecimal{Decimal: *d, Valid: true}
}
