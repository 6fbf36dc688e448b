// Package ledger holds account balances and settles scored transaction
// events against them.
//
// Flow:
//  1. The risk engine persists every submission as a PENDING event
//  2. Settle claims the event (PENDING -> PROCESSING) so no other worker can
//  3. The account is locked and the balance rules applied
//  4. The event ends COMPLETED with the actual balances, or FAILED with a
//     reason and the balance untouched
//
// Risk scores are advisory; settlement never reads them.
package ledger

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/mbd888/txguard/internal/transaction"
)

var (
	ErrAccountNotFound        = errors.New("account not found")
	ErrNonZeroBalance         = errors.New("account balance is not zero")
	ErrAlreadyClaimed         = errors.New("transaction already claimed")
	ErrDuplicateAccountNumber = errors.New("account number already exists")
	ErrInvalidAccount         = errors.New("invalid account")
)

// Failure reasons recorded on FAILED events.
const (
	ReasonAccountMissing    = "account_missing"
	ReasonAccountInactive   = "account_inactive"
	ReasonInsufficientFunds = "insufficient_funds"
	ReasonCurrencyMismatch  = "currency_mismatch"
	ReasonUnknownType       = "unknown_type"
	ReasonInternalError     = "internal_error"
)

// AccountType classifies an account.
type AccountType string

const (
	AccountChecking   AccountType = "CHECKING"
	AccountSavings    AccountType = "SAVINGS"
	AccountBusiness   AccountType = "BUSINESS"
	AccountInvestment AccountType = "INVESTMENT"
)

func (t AccountType) Valid() bool {
	switch t {
	case AccountChecking, AccountSavings, AccountBusiness, AccountInvestment:
		return true
	}
	return false
}

// Account is a balance-holding account owned by a user.
type Account struct {
	ID            string          `json:"id"`
	UserID        string          `json:"userId"`
	AccountNumber string          `json:"accountNumber"`
	AccountType   AccountType     `json:"accountType"`
	Balance       decimal.Decimal `json:"balance"`
	Currency      string          `json:"currency"`
	IsActive      bool            `json:"isActive"`
	CreatedAt     time.Time       `json:"createdAt"`
	UpdatedAt     time.Time       `json:"updatedAt"`
}

func (a *Account) clone() *Account {
	c := *a
	return &c
}

// SettlementError rejects a settlement for a business reason. The event is
// moved to FAILED with Reason; it is not an operational error.
type SettlementError struct {
	Reason string
}

func (e *SettlementError) Error() string {
	return "settlement rejected: " + e.Reason
}

func reject(reason string) error {
	return &SettlementError{Reason: reason}
}

// ApplyFunc receives the locked account (nil when the event names none or
// it does not exist) and the PROCESSING event, and returns the new balance.
type ApplyFunc func(acct *Account, ev *transaction.Event) (decimal.Decimal, error)

// Store persists accounts and drives event settlement state.
type Store interface {
	CreateAccount(ctx context.Context, acct *Account) error
	GetAccount(ctx context.Context, id string) (*Account, error)
	SetActive(ctx context.Context, id string, active bool) error
	// DeleteAccount refuses accounts holding a nonzero balance.
	DeleteAccount(ctx context.Context, id string) error

	// Claim atomically moves a PENDING event to PROCESSING. Any other
	// current status yields ErrAlreadyClaimed.
	Claim(ctx context.Context, eventID string) (*transaction.Event, error)

	// Apply locks the PROCESSING event and its account and runs fn. On
	// success the new balance and the COMPLETED event (with ledger
	// balances and processedAt) are committed together. If fn fails,
	// nothing is written and its error is returned.
	Apply(ctx context.Context, eventID string, fn ApplyFunc) (*transaction.Event, error)

	// Fail moves a PROCESSING event to FAILED with reason.
	Fail(ctx context.Context, eventID, reason string) (*transaction.Event, error)
}

// applyRules is the settlement decision for one event.
func applyRules(acct *Account, ev *transaction.Event) (decimal.Decimal, error) {
	if acct == nil {
		return decimal.Zero, reject(ReasonAccountMissing)
	}
	if !acct.IsActive {
		return decimal.Zero, reject(ReasonAccountInactive)
	}
	if !strings.EqualFold(acct.Currency, ev.Currency) {
		return decimal.Zero, reject(ReasonCurrencyMismatch)
	}

	switch ev.Type {
	case transaction.TypeDebit:
		if acct.Balance.LessThan(ev.Amount) {
			return decimal.Zero, reject(ReasonInsufficientFunds)
		}
		return acct.Balance.Sub(ev.Amount), nil
	case transaction.TypeCredit:
		return acct.Balance.Add(ev.Amount), nil
	default:
		return decimal.Zero, reject(ReasonUnknownType)
	}
}

// validateAccount checks a new account before it is stored.
func validateAccount(a *Account) error {
	var problems []string
	if strings.TrimSpace(a.UserID) == "" {
		problems = append(problems, "userId: required")
	}
	if !a.AccountType.Valid() {
		problems = append(problems, "accountType: must be CHECKING, SAVINGS, BUSINESS or INVESTMENT")
	}
	if len(strings.TrimSpace(a.Currency)) != 3 {
		problems = append(problems, "currency: must be a 3-letter code")
	}
	if a.Balance.IsNegative() {
		problems = append(problems, "balance: must not be negative")
	} else if p := transaction.MoneyProblem(a.Balance); p != "" {
		problems = append(problems, "balance: "+p)
	}
	if len(problems) > 0 {
		return fmt.Errorf("%w: %s", ErrInvalidAccount, strings.Join(problems, "; "))
	}
	return nil
}

func eventKey(id string) string   { return "event:" + id }
func accountKey(id string) string { return "account:" + id }
