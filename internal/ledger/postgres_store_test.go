package ledger

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mbd888/txguard/internal/testutil"
	"github.com/mbd888/txguard/internal/transaction"
)

func insertPGEvent(t *testing.T, ctx context.Context, store *PostgresStore, accountID string, typ transaction.Type, amount string) *transaction.Event {
	t.Helper()
	now := time.Now().UTC().Add(-time.Minute)
	ev := &transaction.Event{
		ID:        uuid.NewString(),
		UserID:    "user-1",
		AccountID: &accountID,
		Amount:    decimal.RequireFromString(amount),
		Currency:  "EUR",
		Type:      typ,
		Channel:   "online",
		Timestamp: now,
		Status:    transaction.StatusPending,
		Flags:     []string{"new_channel"},
		CreatedAt: now,
	}
	require.NoError(t, transaction.InsertTx(ctx, store.db, ev))
	return ev
}

func TestPostgresStore_SettlementFlow(t *testing.T) {
	db, cleanup := testutil.PGTest(t)
	defer cleanup()

	ctx := context.Background()
	store := NewPostgresStore(db)
	svc := NewService(store, transaction.NewPostgresStore(db))

	acct, err := svc.OpenAccount(ctx, OpenAccountRequest{
		UserID: "user-1", AccountType: AccountChecking, Currency: "EUR",
		InitialBalance: decimal.RequireFromString("100.00"),
	})
	require.NoError(t, err)

	debit := insertPGEvent(t, ctx, store, acct.ID, transaction.TypeDebit, "60")
	overdraft := insertPGEvent(t, ctx, store, acct.ID, transaction.TypeDebit, "60")

	o, err := svc.Settle(ctx, debit.ID)
	require.NoError(t, err)
	assert.Equal(t, transaction.StatusCompleted, o.Status)

	o, err = svc.Settle(ctx, overdraft.ID)
	require.NoError(t, err)
	assert.Equal(t, transaction.StatusFailed, o.Status)
	assert.Equal(t, ReasonInsufficientFunds, o.Reason)

	got, err := svc.Account(ctx, acct.ID)
	require.NoError(t, err)
	assert.True(t, got.Balance.Equal(decimal.NewFromInt(40)), "balance %s", got.Balance)

	stored, err := transaction.NewPostgresStore(db).Get(ctx, debit.ID)
	require.NoError(t, err)
	assert.True(t, stored.BalanceBefore.Equal(decimal.NewFromInt(100)))
	assert.True(t, stored.BalanceAfter.Equal(decimal.NewFromInt(40)))
	assert.Equal(t, []string{"new_channel"}, stored.Flags)

	_, err = svc.Settle(ctx, debit.ID)
	assert.ErrorIs(t, err, ErrAlreadyClaimed)
	_, err = svc.Settle(ctx, "missing")
	assert.ErrorIs(t, err, transaction.ErrNotFound)

	assert.ErrorIs(t, svc.CloseAccount(ctx, acct.ID), ErrNonZeroBalance)
}

func TestPostgresStore_ConcurrentClaim(t *testing.T) {
	db, cleanup := testutil.PGTest(t)
	defer cleanup()

	ctx := context.Background()
	store := NewPostgresStore(db)
	svc := NewService(store, transaction.NewPostgresStore(db))
	acct, err := svc.OpenAccount(ctx, OpenAccountRequest{
		UserID: "user-1", AccountType: AccountSavings, Currency: "EUR",
	})
	require.NoError(t, err)
	ev := insertPGEvent(t, ctx, store, acct.ID, transaction.TypeCredit, "10")

	var wins int32
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := store.Claim(ctx, ev.ID); err == nil {
				atomic.AddInt32(&wins, 1)
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, int32(1), wins)
}

func TestPostgresStore_MoneyColumnsShareScale(t *testing.T) {
	db, cleanup := testutil.PGTest(t)
	defer cleanup()

	ctx := context.Background()
	store := NewPostgresStore(db)
	svc := NewService(store, transaction.NewPostgresStore(db))

	acct, err := svc.OpenAccount(ctx, OpenAccountRequest{
		UserID: "user-1", AccountType: AccountChecking, Currency: "EUR",
		InitialBalance: decimal.RequireFromString("0.10"),
	})
	require.NoError(t, err)

	debit := insertPGEvent(t, ctx, store, acct.ID, transaction.TypeDebit, "0.09")
	o, err := svc.Settle(ctx, debit.ID)
	require.NoError(t, err)
	require.Equal(t, transaction.StatusCompleted, o.Status)

	got, err := svc.Account(ctx, acct.ID)
	require.NoError(t, err)
	assert.True(t, got.Balance.Equal(decimal.RequireFromString("0.01")), "balance %s", got.Balance)

	_, err = db.ExecContext(ctx, `UPDATE accounts SET balance = -1 WHERE id = $1`, acct.ID)
	assert.Error(t, err, "balance CHECK constraint")
}
