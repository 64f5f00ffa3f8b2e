package ledger

import (
	"context"
	"fmt"
	"sort"
	"testing"
)

// stubStore is an in-memory Store for service tests. WithTx runs the
// callback directly; per-test sequencing stands in for real locking.
type stubStore struct {
	accounts  map[string]Account
	events    []PaymentEvent
	nextSeq   int64
	insertErr error
}

func newStubStore() *stubStore {
	return &stubStore{accounts: make(map[string]Account)}
}

func (store *stubStore) WithTx(ctx context.Context, fn func(ctx context.Context, txStore Store) error) error {
	return fn(ctx, store)
}

func (store *stubStore) GetAccount(_ context.Context, userID UserID) (Account, error) {
	account, ok := store.accounts[userID.String()]
	if !ok {
		return Account{}, ErrAccountNotFound
	}
	return account, nil
}

func (store *stubStore) GetAccountForUpdate(ctx context.Context, userID UserID) (Account, error) {
	return store.GetAccount(ctx, userID)
}

func (store *stubStore) CreateAccount(_ context.Context, account Account) error {
	store.accounts[account.UserID] = account
	return nil
}

func (store *stubStore) UpdateBalances(_ context.Context, userID UserID, balance int64, totalPaid int64) error {
	account, ok := store.accounts[userID.String()]
	if !ok {
		return ErrAccountNotFound
	}
	account.Balance = balance
	account.TotalPaid = totalPaid
	store.accounts[userID.String()] = account
	return nil
}

func (store *stubStore) HasTopUpRef(_ context.Context, ref ExternalRef) (bool, error) {
	for _, event := range store.events {
		if event.ExternalRef == ref.String() {
			return true, nil
		}
	}
	return false, nil
}

func (store *stubStore) InsertEvent(_ context.Context, event EventInput) (PaymentEvent, error) {
	if store.insertErr != nil {
		return PaymentEvent{}, store.insertErr
	}
	store.nextSeq++
	inserted := PaymentEvent{
		EventID:        fmt.Sprintf("evt-%d", store.nextSeq),
		UserID:         event.UserID.String(),
		Kind:           event.Kind,
		Amount:         event.Amount.Int64(),
		ExternalRef:    event.ExternalRef,
		MetadataJSON:   event.MetadataJSON.String(),
		Seq:            store.nextSeq,
		CreatedUnixUTC: event.CreatedUnixUTC,
	}
	store.events = append(store.events, inserted)
	return inserted, nil
}

func (store *stubStore) ListEvents(_ context.Context, userID UserID, limit int) ([]PaymentEvent, error) {
	var events []PaymentEvent
	for index := len(store.events) - 1; index >= 0 && len(events) < limit; index-- {
		if store.events[index].UserID == userID.String() {
			events = append(events, store.events[index])
		}
	}
	return events, nil
}

func (store *stubStore) TopAccounts(_ context.Context, limit int) ([]Account, error) {
	accounts := make([]Account, 0, len(store.accounts))
	for _, account := range store.accounts {
		accounts = append(accounts, account)
	}
	sort.Slice(accounts, func(left, right int) bool {
		if accounts[left].TotalPaid != accounts[right].TotalPaid {
			return accounts[left].TotalPaid > accounts[right].TotalPaid
		}
		return accounts[left].UserID < accounts[right].UserID
	})
	if len(accounts) > limit {
		accounts = accounts[:limit]
	}
	return accounts, nil
}

func (store *stubStore) userEvents(userID string) []PaymentEvent {
	var events []PaymentEvent
	for _, event := range store.events {
		if event.UserID == userID {
			events = append(events, event)
		}
	}
	return events
}

type recordingPublisher struct {
	changes []AccountChange
}

func (publisher *recordingPublisher) PublishAccountChange(change AccountChange) {
	publisher.changes = append(publisher.changes, change)
}

type recordingLogger struct {
	entries []OperationLog
}

func (logger *recordingLogger) LogOperation(_ context.Context, entry OperationLog) {
	logger.entries = append(logger.entries, entry)
}

func mustNewService(test *testing.T, store Store, options ...ServiceOption) *Service {
	test.Helper()
	service, err := NewService(store, func() int64 { return 1_700_000_000 }, options...)
	if err != nil {
		test.Fatalf("new service: %v", err)
	}
	return service
}

func mustUserID(test *testing.T, raw string) UserID {
	test.Helper()
	userID, err := NewUserID(raw)
	if err != nil {
		test.Fatalf("user id: %v", err)
	}
	return userID
}

func mustAmount(test *testing.T, raw int64) Amount {
	test.Helper()
	amount, err := NewAmount(raw)
	if err != nil {
		test.Fatalf("amount: %v", err)
	}
	return amount
}

func mustExternalRef(test *testing.T, raw string) ExternalRef {
	test.Helper()
	ref, err := NewExternalRef(raw)
	if err != nil {
		test.Fatalf("external ref: %v", err)
	}
	return ref
}

func mustMetadata(test *testing.T, raw string) MetadataJSON {
	test.Helper()
	metadata, err := NewMetadataJSON(raw)
	if err != nil {
		test.Fatalf("metadata: %v", err)
	}
	return metadata
}
