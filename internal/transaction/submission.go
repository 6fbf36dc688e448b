package transaction

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/shopspring/decimal"
)

// maxSubmissionBytes bounds the raw payload retained for audit.
const maxSubmissionBytes = 64 << 10

// Column limits of transaction_events and accounts.
const (
	MaxCurrencyLen    = 8
	MaxChannelLen     = 32
	MaxRecipientIDLen = 128
	MaxLocationLen    = 128

	// MoneyScale is the number of fractional digits a money column keeps.
	MoneyScale = 2
)

// maxMoney is the first magnitude NUMERIC(12,2) cannot hold.
var maxMoney = decimal.New(1, 10)

// MoneyProblem reports why d cannot be stored in a money column, or "" when
// it can be stored exactly.
func MoneyProblem(d decimal.Decimal) string {
	if !d.Equal(d.Truncate(MoneyScale)) {
		return fmt.Sprintf("at most %d decimal places", MoneyScale)
	}
	if d.Abs().GreaterThanOrEqual(maxMoney) {
		return "out of range"
	}
	return ""
}

// ValidationError lists every problem found in a submission.
type ValidationError struct {
	Fields []string
}

func (e *ValidationError) Error() string {
	return "invalid transaction: " + strings.Join(e.Fields, "; ")
}

// Submission is the inbound transaction payload. Unknown JSON fields are
// rejected by DecodeSubmission.
type Submission struct {
	UserID        string           `json:"userId"`
	AccountID     *string          `json:"accountId,omitempty"`
	Amount        *decimal.Decimal `json:"amount"`
	Currency      string           `json:"currency"`
	Timestamp     *string          `json:"timestamp"`
	Type          Type             `json:"type"`
	Channel       string           `json:"channel"`
	RecipientID   *string          `json:"recipientId"`
	Location      *string          `json:"location"`
	BalanceBefore *decimal.Decimal `json:"balanceBefore"`
	BalanceAfter  *decimal.Decimal `json:"balanceAfter"`
	Description   string           `json:"description,omitempty"`

	raw json.RawMessage
}

// DecodeSubmission parses a JSON submission strictly and keeps the original
// bytes as the audit payload.
func DecodeSubmission(r io.Reader) (*Submission, error) {
	body, err := io.ReadAll(io.LimitReader(r, maxSubmissionBytes+1))
	if err != nil {
		return nil, fmt.Errorf("read submission: %w", err)
	}
	if len(body) > maxSubmissionBytes {
		return nil, &ValidationError{Fields: []string{"body: payload too large"}}
	}

	dec := json.NewDecoder(bytes.NewReader(body))
	dec.DisallowUnknownFields()
	var s Submission
	if err := dec.Decode(&s); err != nil {
		return nil, &ValidationError{Fields: []string{"body: " + err.Error()}}
	}
	s.raw = json.RawMessage(body)
	return &s, nil
}

// Raw returns the payload the submission was decoded from, or a
// re-encoding when it was built in code.
func (s *Submission) Raw() json.RawMessage {
	if len(s.raw) > 0 {
		return s.raw
	}
	b, err := json.Marshal(s)
	if err != nil {
		return nil
	}
	return b
}

// Validate checks that every required field is present and well formed.
func (s *Submission) Validate() error {
	var problems []string
	missing := func(name string) { problems = append(problems, name+": required") }
	tooLong := func(name, v string, max int) {
		if utf8.RuneCountInString(v) > max {
			problems = append(problems, fmt.Sprintf("%s: at most %d characters", name, max))
		}
	}
	money := func(name string, d decimal.Decimal) {
		if p := MoneyProblem(d); p != "" {
			problems = append(problems, name+": "+p)
		}
	}

	if strings.TrimSpace(s.UserID) == "" {
		missing("userId")
	}
	switch {
	case s.Amount == nil:
		missing("amount")
	case !s.Amount.IsPositive():
		problems = append(problems, "amount: must be positive")
	default:
		money("amount", *s.Amount)
	}
	switch {
	case strings.TrimSpace(s.Currency) == "":
		missing("currency")
	default:
		tooLong("currency", s.Currency, MaxCurrencyLen)
	}
	if s.Timestamp == nil || strings.TrimSpace(*s.Timestamp) == "" {
		missing("timestamp")
	}
	switch {
	case s.Type == "":
		missing("type")
	case !s.Type.Valid():
		problems = append(problems, fmt.Sprintf("type: must be %q or %q", TypeDebit, TypeCredit))
	}
	if strings.TrimSpace(s.Channel) == "" {
		missing("channel")
	} else {
		tooLong("channel", s.Channel, MaxChannelLen)
	}
	if s.RecipientID == nil || strings.TrimSpace(*s.RecipientID) == "" {
		missing("recipientId")
	} else {
		tooLong("recipientId", *s.RecipientID, MaxRecipientIDLen)
	}
	if s.Location == nil || strings.TrimSpace(*s.Location) == "" {
		missing("location")
	} else {
		tooLong("location", *s.Location, MaxLocationLen)
	}
	if s.BalanceBefore == nil {
		missing("balanceBefore")
	} else {
		money("balanceBefore", *s.BalanceBefore)
	}
	if s.BalanceAfter == nil {
		missing("balanceAfter")
	} else {
		money("balanceAfter", *s.BalanceAfter)
	}
	if s.AccountID != nil && strings.TrimSpace(*s.AccountID) == "" {
		problems = append(problems, "accountId: must not be blank")
	}

	if len(problems) > 0 {
		return &ValidationError{Fields: problems}
	}
	return nil
}

// NewEvent builds a PENDING event from a validated submission. Balances are
// the client-reported ones until settlement replaces them with ledger
// values. The timestamp falls back to now, in UTC, when unparseable; the
// fallback is recorded on the event.
func (s *Submission) NewEvent(now time.Time) *Event {
	now = now.UTC()
	ts, ok := ParseTimestamp(*s.Timestamp, now)

	before, after := *s.BalanceBefore, *s.BalanceAfter
	ev := &Event{
		UserID:            strings.TrimSpace(s.UserID),
		AccountID:         cloneString(s.AccountID),
		Amount:            *s.Amount,
		Currency:          strings.ToUpper(strings.TrimSpace(s.Currency)),
		Type:              s.Type,
		Channel:           s.Channel,
		RecipientID:       cloneString(s.RecipientID),
		Location:          cloneString(s.Location),
		Description:       s.Description,
		Timestamp:         ts,
		TimestampFallback: !ok,
		BalanceBefore:     &before,
		BalanceAfter:      &after,
		Status:            StatusPending,
		RawPayload:        s.Raw(),
		CreatedAt:         now,
	}
	return ev
}

var timestampLayouts = []string{
	time.RFC3339Nano,
	time.RFC3339,
	"2006-01-02T15:04:05.999999999",
	"2006-01-02T15:04:05",
	"2006-01-02 15:04:05.999999999",
	"2006-01-02 15:04:05",
}

// ParseTimestamp parses an ISO-8601 client timestamp. Offsets are kept so
// that Hour() reflects the client's local hour. Timestamps without an
// offset are read as UTC. On failure it returns (now, false).
func ParseTimestamp(raw string, now time.Time) (time.Time, bool) {
	raw = strings.TrimSpace(raw)
	for _, layout := range timestampLayouts {
		if t, err := time.Parse(layout, raw); err == nil {
			return t, true
		}
	}
	return now, false
}
