package ledger

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
)

// Amount is an integer quantity of spendable units.
type Amount int64

// UserID identifies an account owner.
type UserID struct {
	value string
}

// ExternalRef is the payment provider's checkout-session identifier.
// It deduplicates repeated delivery of the same confirmation.
type ExternalRef struct {
	value string
}

// MetadataJSON stores arbitrary request metadata.
type MetadataJSON struct {
	value string
}

// EventKind enumerates payment event kinds.
type EventKind string

const (
	// EventSpend reduces balance and raises the lifetime-paid total.
	EventSpend EventKind = "spend"
	// EventTopUp credits balance from a confirmed external payment.
	EventTopUp EventKind = "topup"
)

// String returns the kind as stored.
func (kind EventKind) String() string {
	return string(kind)
}

// ParseEventKind validates a stored kind value.
func ParseEventKind(raw string) (EventKind, error) {
	switch EventKind(raw) {
	case EventSpend, EventTopUp:
		return EventKind(raw), nil
	default:
		return "", fmt.Errorf("%w: %q", ErrInvalidEventKind, raw)
	}
}

// NewUserID validates and normalizes a user id.
func NewUserID(raw string) (UserID, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return UserID{}, fmt.Errorf("%w: empty value", ErrInvalidUserID)
	}
	return UserID{value: trimmed}, nil
}

// String returns the normalized identifier.
func (id UserID) String() string {
	return id.value
}

// NewExternalRef validates and normalizes an external reference.
func NewExternalRef(raw string) (ExternalRef, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return ExternalRef{}, fmt.Errorf("%w: empty value", ErrInvalidExternalRef)
	}
	return ExternalRef{value: trimmed}, nil
}

// String returns the normalized reference.
func (ref ExternalRef) String() string {
	return ref.value
}

// NewMetadataJSON validates metadata string (defaulting to "{}" for empty inputs).
func NewMetadataJSON(raw string) (MetadataJSON, error) {
	normalized := strings.TrimSpace(raw)
	if normalized == "" {
		normalized = "{}"
	}
	if !json.Valid([]byte(normalized)) {
		return MetadataJSON{}, fmt.Errorf("%w: must be valid json", ErrInvalidMetadataJSON)
	}
	return MetadataJSON{value: normalized}, nil
}

// String returns the normalized JSON blob.
func (metadata MetadataJSON) String() string {
	return metadata.value
}

// NewAmount validates an amount and ensures it is strictly positive.
func NewAmount(raw int64) (Amount, error) {
	if raw <= 0 {
		return 0, fmt.Errorf("%w: must be greater than zero", ErrInvalidAmount)
	}
	return Amount(raw), nil
}

// Int64 returns the raw unit count.
func (amount Amount) Int64() int64 {
	return int64(amount)
}

// Account is the durable per-user ledger record. Balance and TotalPaid
// are caches over the event log; every mutation updates both sides in
// one transaction so they never diverge.
type Account struct {
	UserID      string
	DisplayName string
	AvatarRef   string
	Balance     int64
	TotalPaid   int64
}

// PaymentEvent is a single immutable line in an account's payment log.
type PaymentEvent struct {
	EventID        string
	UserID         string
	Kind           EventKind
	Amount         int64
	ExternalRef    string
	MetadataJSON   string
	Seq            int64
	CreatedUnixUTC int64
}

// EventInput carries the fields of an event to be appended. EventID and
// Seq are assigned by the store on insertion.
type EventInput struct {
	UserID         UserID
	Kind           EventKind
	Amount         Amount
	ExternalRef    string
	MetadataJSON   MetadataJSON
	CreatedUnixUTC int64
}

// BalanceView reports the account totals returned to mutating callers.
type BalanceView struct {
	NewBalance   int64
	NewTotalPaid int64
}

// CreditResult reports the outcome of a charge confirmation. Applied is
// false when the external reference was already recorded and the
// delivery was absorbed as an idempotent no-op.
type CreditResult struct {
	Applied    bool
	NewBalance int64
}

// AccountChange notifies feed subscribers that an account mutated.
type AccountChange struct {
	UserID    UserID
	Balance   int64
	TotalPaid int64
}

// ChangePublisher receives a notification per committed account mutation.
type ChangePublisher interface {
	PublishAccountChange(change AccountChange)
}

// Store is the persistence contract used by Service. Implementations
// must serialize concurrent mutations per account: within WithTx the
// account row read by GetAccountForUpdate stays locked until commit.
type Store interface {
	WithTx(ctx context.Context, fn func(ctx context.Context, txStore Store) error) error
	GetAccount(ctx context.Context, userID UserID) (Account, error)
	GetAccountForUpdate(ctx context.Context, userID UserID) (Account, error)
	CreateAccount(ctx context.Context, account Account) error
	UpdateBalances(ctx context.Context, userID UserID, balance int64, totalPaid int64) error
	HasTopUpRef(ctx context.Context, ref ExternalRef) (bool, error)
	InsertEvent(ctx context.Context, event EventInput) (PaymentEvent, error)
	ListEvents(ctx context.Context, userID UserID, limit int) ([]PaymentEvent, error)
	TopAccounts(ctx context.Context, limit int) ([]Account, error)
}
