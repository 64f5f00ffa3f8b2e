package gormstore

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/meiyolab/honorledger/pkg/ledger"
)

func newServiceOverStore(test *testing.T, store *Store) *ledger.Service {
	test.Helper()
	service, err := ledger.NewService(store, func() int64 { return 1_700_000_000 })
	if err != nil {
		test.Fatalf("new service: %v", err)
	}
	return service
}

func TestConcurrentDebitsNeverOverdraw(test *testing.T) {
	store := openTestStore(test)
	service := newServiceOverStore(test, store)
	alice := mustUserID(test, "alice")
	mustCreateAccount(test, store, ledger.Account{UserID: "alice", Balance: 5})

	const attempts = 16
	var accepted, rejected atomic.Int64
	var group sync.WaitGroup
	for index := 0; index < attempts; index++ {
		group.Add(1)
		go func() {
			defer group.Done()
			_, err := service.Debit(context.Background(), alice, alice, mustAmount(test, 1))
			switch {
			case err == nil:
				accepted.Add(1)
			case errors.Is(err, ledger.ErrInsufficientBalance):
				rejected.Add(1)
			default:
				test.Errorf("unexpected debit error: %v", err)
			}
		}()
	}
	group.Wait()

	if accepted.Load() != 5 || rejected.Load() != attempts-5 {
		test.Fatalf("accepted %d rejected %d, want 5 and %d", accepted.Load(), rejected.Load(), attempts-5)
	}
	account, err := store.GetAccount(context.Background(), alice)
	if err != nil {
		test.Fatalf("get account: %v", err)
	}
	if account.Balance != 0 {
		test.Fatalf("balance = %d, want 0", account.Balance)
	}
	if account.TotalPaid != 5 {
		test.Fatalf("total paid = %d, want 5", account.TotalPaid)
	}
	events, err := store.ListEvents(context.Background(), alice, ledger.HistoryLimit)
	if err != nil {
		test.Fatalf("list events: %v", err)
	}
	if len(events) != 5 {
		test.Fatalf("expected one event per accepted debit, got %d", len(events))
	}
	for _, event := range events {
		if event.Kind != ledger.EventSpend || event.Amount != 1 {
			test.Fatalf("unexpected event: %+v", event)
		}
	}
}

func TestConcurrentDeliveriesCreditOnce(test *testing.T) {
	store := openTestStore(test)
	service := newServiceOverStore(test, store)
	carol := mustUserID(test, "carol")
	ref := mustExternalRef(test, "cs_race_1")
	metadata, err := ledger.NewMetadataJSON("")
	if err != nil {
		test.Fatalf("metadata: %v", err)
	}

	const deliveries = 8
	var applied, absorbed atomic.Int64
	var group sync.WaitGroup
	for index := 0; index < deliveries; index++ {
		group.Add(1)
		go func() {
			defer group.Done()
			result, err := service.ConfirmTopUp(context.Background(), carol, mustAmount(test, 500), ref, metadata)
			if err != nil {
				test.Errorf("unexpected confirmation error: %v", err)
				return
			}
			if result.Applied {
				applied.Add(1)
			} else {
				absorbed.Add(1)
			}
		}()
	}
	group.Wait()

	if applied.Load() != 1 {
		test.Fatalf("applied %d times, want exactly 1", applied.Load())
	}
	if absorbed.Load() != deliveries-1 {
		test.Fatalf("absorbed %d deliveries, want %d", absorbed.Load(), deliveries-1)
	}
	account, err := store.GetAccount(context.Background(), carol)
	if err != nil {
		test.Fatalf("get account: %v", err)
	}
	if account.Balance != 500 {
		test.Fatalf("balance = %d, want a single credit of 500", account.Balance)
	}
	if account.TotalPaid != 0 {
		test.Fatalf("topup raised lifetime total: %d", account.TotalPaid)
	}
	events, err := store.ListEvents(context.Background(), carol, ledger.HistoryLimit)
	if err != nil {
		test.Fatalf("list events: %v", err)
	}
	if len(events) != 1 || events[0].ExternalRef != "cs_race_1" {
		test.Fatalf("expected a single topup event, got %+v", events)
	}
}
