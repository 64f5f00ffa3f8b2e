package ledger

import (
	"context"
	"errors"
	"fmt"
)

// Service contains the domain logic over a Store.
type Service struct {
	store     Store
	nowFn     func() int64
	tiers     map[int64]struct{}
	logger    OperationLogger
	publisher ChangePublisher
}

// NewService wires a Service.
func NewService(store Store, now func() int64, options ...ServiceOption) (*Service, error) {
	if store == nil {
		return nil, fmt.Errorf("%w: store dependency is nil", ErrInvalidServiceConfig)
	}
	if now == nil {
		return nil, fmt.Errorf("%w: clock dependency is nil", ErrInvalidServiceConfig)
	}
	service := &Service{store: store, nowFn: now}
	for _, option := range options {
		if option != nil {
			option(service)
		}
	}
	if service.tiers == nil {
		service.tiers = tierSet(DefaultDebitTiers)
	}
	return service, nil
}

// Debit applies a spend: amount moves from balance into the lifetime
// total, with one spend event appended in the same transaction. The
// acting principal must match the target account.
func (service *Service) Debit(ctx context.Context, principal UserID, userID UserID, amount Amount) (BalanceView, error) {
	var view BalanceView
	operationError := service.debit(ctx, principal, userID, amount, &view)
	service.logOperation(ctx, OperationLog{
		Operation: operationDebit,
		UserID:    userID,
		Amount:    amount,
		Error:     operationError,
	})
	if operationError != nil {
		return BalanceView{}, operationError
	}
	service.publishChange(userID, view.NewBalance, view.NewTotalPaid)
	return view, nil
}

func (service *Service) debit(ctx context.Context, principal UserID, userID UserID, amount Amount, view *BalanceView) error {
	if principal != userID {
		return WrapError(operationDebit, "principal", "mismatch", ErrUnauthorized)
	}
	if _, ok := service.tiers[amount.Int64()]; !ok {
		return fmt.Errorf("%w: amount %d is not a configured tier", ErrInvalidAmount, amount.Int64())
	}
	return service.store.WithTx(ctx, func(ctx context.Context, transactionStore Store) error {
		account, err := transactionStore.GetAccountForUpdate(ctx, userID)
		if err != nil {
			return err
		}
		newBalance := account.Balance - amount.Int64()
		if newBalance < 0 {
			return ErrInsufficientBalance
		}
		newTotalPaid := account.TotalPaid + amount.Int64()
		if err := transactionStore.UpdateBalances(ctx, userID, newBalance, newTotalPaid); err != nil {
			return err
		}
		if _, err := transactionStore.InsertEvent(ctx, EventInput{
			UserID:         userID,
			Kind:           EventSpend,
			Amount:         amount,
			CreatedUnixUTC: service.nowFn(),
		}); err != nil {
			return err
		}
		view.NewBalance = newBalance
		view.NewTotalPaid = newTotalPaid
		return nil
	})
}

// ConfirmTopUp credits a confirmed external charge exactly once. The
// external reference is the dedup key: redelivery of an already
// recorded confirmation is absorbed as a successful no-op. A missing
// account is provisioned inside the same transaction with the credited
// amount and a zero lifetime total.
func (service *Service) ConfirmTopUp(ctx context.Context, userID UserID, amount Amount, ref ExternalRef, metadata MetadataJSON) (CreditResult, error) {
	var result CreditResult
	var totalPaid int64
	operationError := service.store.WithTx(ctx, func(ctx context.Context, transactionStore Store) error {
		applied, err := transactionStore.HasTopUpRef(ctx, ref)
		if err != nil {
			return err
		}
		if applied {
			account, err := transactionStore.GetAccount(ctx, userID)
			if err != nil {
				return err
			}
			result = CreditResult{Applied: false, NewBalance: account.Balance}
			return nil
		}
		account, err := transactionStore.GetAccountForUpdate(ctx, userID)
		if errors.Is(err, ErrAccountNotFound) {
			account = Account{UserID: userID.String()}
			if createErr := transactionStore.CreateAccount(ctx, account); createErr != nil {
				return createErr
			}
		} else if err != nil {
			return err
		}
		newBalance := account.Balance + amount.Int64()
		if err := transactionStore.UpdateBalances(ctx, userID, newBalance, account.TotalPaid); err != nil {
			return err
		}
		if _, err := transactionStore.InsertEvent(ctx, EventInput{
			UserID:         userID,
			Kind:           EventTopUp,
			Amount:         amount,
			ExternalRef:    ref.String(),
			MetadataJSON:   metadata,
			CreatedUnixUTC: service.nowFn(),
		}); err != nil {
			return err
		}
		result = CreditResult{Applied: true, NewBalance: newBalance}
		totalPaid = account.TotalPaid
		return nil
	})
	// Two deliveries racing past the dedup read collide on the unique
	// reference index; the loser's transaction rolls back and the
	// delivery is still acknowledged as applied-once.
	if errors.Is(operationError, ErrDuplicateTopUp) {
		result = CreditResult{Applied: false}
		operationError = nil
	}
	entry := OperationLog{
		Operation:   operationConfirm,
		UserID:      userID,
		Amount:      amount,
		ExternalRef: ref,
		Error:       operationError,
	}
	if operationError == nil && !result.Applied {
		entry.Status = operationStatusDuplicate
	}
	service.logOperation(ctx, entry)
	if operationError != nil {
		return CreditResult{}, operationError
	}
	if result.Applied {
		service.publishChange(userID, result.NewBalance, totalPaid)
	}
	return result, nil
}

// Balance returns the account snapshot for reads.
func (service *Service) Balance(ctx context.Context, userID UserID) (Account, error) {
	return service.store.GetAccount(ctx, userID)
}

// History lists the most recent payment events, newest first. The
// limit is clamped to HistoryLimit.
func (service *Service) History(ctx context.Context, userID UserID, limit int) ([]PaymentEvent, error) {
	if limit <= 0 || limit > HistoryLimit {
		limit = HistoryLimit
	}
	return service.store.ListEvents(ctx, userID, limit)
}

func (service *Service) publishChange(userID UserID, balance int64, totalPaid int64) {
	if service.publisher == nil {
		return
	}
	service.publisher.PublishAccountChange(AccountChange{
		UserID:    userID,
		Balance:   balance,
		TotalPaid: totalPaid,
	})
}

func (service *Service) logOperation(ctx context.Context, entry OperationLog) {
	if service.logger == nil {
		return
	}
	if entry.Status == "" {
		if entry.Error != nil {
			entry.Status = operationStatusError
		} else {
			entry.Status = operationStatusOK
		}
	}
	service.logger.LogOperation(ctx, entry)
}

func tierSet(tiers []int64) map[int64]struct{} {
	set := make(map[int64]struct{}, len(tiers))
	for _, tier := range tiers {
		set[tier] = struct{}{}
	}
	return set
}
