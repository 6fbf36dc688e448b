package ledger

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/mbd888/txguard/internal/syncutil"
	"github.com/mbd888/txguard/internal/transaction"
)

// MemoryStore is an in-memory implementation of Store for demo/test use.
// It settles events held in the shared transaction table.
type MemoryStore struct {
	locks *syncutil.KeyedMutex

	mu       sync.RWMutex
	accounts map[string]*Account
	numbers  map[string]string // account number -> id

	events *transaction.MemoryStore
}

// NewMemoryStore creates an in-memory ledger over events.
func NewMemoryStore(events *transaction.MemoryStore) *MemoryStore {
	return &MemoryStore{
		locks:    syncutil.NewKeyedMutex(),
		accounts: make(map[string]*Account),
		numbers:  make(map[string]string),
		events:   events,
	}
}

func (m *MemoryStore) CreateAccount(ctx context.Context, acct *Account) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.accounts[acct.ID]; ok {
		return fmt.Errorf("account %s already exists", acct.ID)
	}
	if _, ok := m.numbers[acct.AccountNumber]; ok {
		return ErrDuplicateAccountNumber
	}
	m.accounts[acct.ID] = acct.clone()
	m.numbers[acct.AccountNumber] = acct.ID
	return nil
}

func (m *MemoryStore) GetAccount(ctx context.Context, id string) (*Account, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	acct, ok := m.accounts[id]
	if !ok {
		return nil, ErrAccountNotFound
	}
	return acct.clone(), nil
}

func (m *MemoryStore) SetActive(ctx context.Context, id string, active bool) error {
	unlock, err := m.locks.Lock(ctx, accountKey(id))
	if err != nil {
		return err
	}
	defer unlock()

	m.mu.Lock()
	defer m.mu.Unlock()

	acct, ok := m.accounts[id]
	if !ok {
		return ErrAccountNotFound
	}
	acct.IsActive = active
	acct.UpdatedAt = time.Now().UTC()
	return nil
}

func (m *MemoryStore) DeleteAccount(ctx context.Context, id string) error {
	unlock, err := m.locks.Lock(ctx, accountKey(id))
	if err != nil {
		return err
	}
	defer unlock()

	m.mu.Lock()
	defer m.mu.Unlock()

	acct, ok := m.accounts[id]
	if !ok {
		return ErrAccountNotFound
	}
	if !acct.Balance.IsZero() {
		return ErrNonZeroBalance
	}
	delete(m.accounts, id)
	delete(m.numbers, acct.AccountNumber)
	return nil
}

func (m *MemoryStore) Claim(ctx context.Context, eventID string) (*transaction.Event, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	var claimed *transaction.Event
	err := m.events.Update(eventID, func(ev *transaction.Event) error {
		if ev.Status != transaction.StatusPending {
			return ErrAlreadyClaimed
		}
		ev.Status = transaction.StatusProcessing
		claimed = ev.Clone()
		return nil
	})
	if err != nil {
		return nil, err
	}
	return claimed, nil
}

func (m *MemoryStore) Apply(ctx context.Context, eventID string, fn ApplyFunc) (*transaction.Event, error) {
	ev, err := m.events.Get(ctx, eventID)
	if err != nil {
		return nil, err
	}

	keys := []string{eventKey(eventID)}
	if ev.AccountID != nil {
		keys = append(keys, accountKey(*ev.AccountID))
	}
	unlock, err := m.locks.LockAll(ctx, keys...)
	if err != nil {
		return nil, err
	}
	defer unlock()

	// Re-read under the lock.
	ev, err = m.events.Get(ctx, eventID)
	if err != nil {
		return nil, err
	}
	if ev.Status != transaction.StatusProcessing {
		return nil, fmt.Errorf("%w: %s is %s", transaction.ErrInvalidTransition, eventID, ev.Status)
	}

	var acct *Account
	if ev.AccountID != nil {
		if a, err := m.GetAccount(ctx, *ev.AccountID); err == nil {
			acct = a
		}
	}

	var before *Account
	if acct != nil {
		before = acct.clone()
	}
	newBalance, err := fn(acct, ev.Clone())
	if err != nil {
		return nil, err
	}
	if before == nil {
		return nil, fmt.Errorf("apply returned a balance without an account")
	}

	now := time.Now().UTC()

	m.mu.Lock()
	defer m.mu.Unlock()

	live, ok := m.accounts[before.ID]
	if !ok {
		return nil, ErrAccountNotFound
	}
	live.Balance = newBalance
	live.UpdatedAt = now

	var completed *transaction.Event
	err = m.events.Update(eventID, func(e *transaction.Event) error {
		oldBal, newBal := before.Balance, newBalance
		e.Status = transaction.StatusCompleted
		e.BalanceBefore = &oldBal
		e.BalanceAfter = &newBal
		e.ProcessedAt = &now
		completed = e.Clone()
		return nil
	})
	if err != nil {
		live.Balance = before.Balance
		live.UpdatedAt = before.UpdatedAt
		return nil, err
	}
	return completed, nil
}

func (m *MemoryStore) Fail(ctx context.Context, eventID, reason string) (*transaction.Event, error) {
	unlock, err := m.locks.Lock(ctx, eventKey(eventID))
	if err != nil {
		return nil, err
	}
	defer unlock()

	var failed *transaction.Event
	err = m.events.Update(eventID, func(ev *transaction.Event) error {
		if !transaction.CanTransition(ev.Status, transaction.StatusFailed) {
			return fmt.Errorf("%w: %s is %s", transaction.ErrInvalidTransition, eventID, ev.Status)
		}
		now := time.Now().UTC()
		ev.Status = transaction.StatusFailed
		ev.FailureReason = reason
		ev.ProcessedAt = &now
		failed = ev.Clone()
		return nil
	})
	if err != nil {
		return nil, err
	}
	return failed, nil
}

// Events exposes the underlying event table.
func (m *MemoryStore) Events() transaction.Store {
	return m.events
}
