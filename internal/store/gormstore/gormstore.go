package gormstore

import (
	"context"
	"errors"
	"time"

	gosqlite "github.com/glebarez/go-sqlite"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/meiyolab/honorledger/pkg/ledger"
	"gorm.io/datatypes"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

const (
	constraintEventsExternalRef = "uniq_events_external_ref"
	defaultMetadataJSON         = "{}"
	pgUniqueViolationCode       = "23505"
	sqliteConstraintCode        = 19
	errorOperationStore         = "store"
	errorSubjectAccount         = "account"
	errorSubjectEvent           = "event"
	errorSubjectRanking         = "ranking"
	errorCodeCreate             = "create"
	errorCodeDuplicate          = "duplicate"
	errorCodeGet                = "get"
	errorCodeInsert             = "insert"
	errorCodeInvalid            = "invalid"
	errorCodeList               = "list"
	errorCodeLookup             = "lookup"
	errorCodeUpdate             = "update"
)

// Store implements ledger.Store using GORM.
type Store struct {
	db *gorm.DB
}

// New returns a Store backed by gorm.DB.
func New(db *gorm.DB) *Store {
	return &Store{db: db}
}

// AutoMigrate creates the schema for sqlite-backed deployments.
func (store *Store) AutoMigrate() error {
	return store.db.AutoMigrate(&Account{}, &PaymentEvent{})
}

// WithTx executes fn within a transaction.
func (store *Store) WithTx(ctx context.Context, fn func(ctx context.Context, txStore ledger.Store) error) error {
	return store.db.WithContext(ctx).Transaction(func(transaction *gorm.DB) error {
		return fn(ctx, &Store{db: transaction})
	})
}

// GetAccount reads an account without locking it.
func (store *Store) GetAccount(ctx context.Context, userID ledger.UserID) (ledger.Account, error) {
	return store.getAccount(ctx, userID, false)
}

// GetAccountForUpdate reads an account under a row lock, serializing
// concurrent mutations of the same user until the transaction commits.
func (store *Store) GetAccountForUpdate(ctx context.Context, userID ledger.UserID) (ledger.Account, error) {
	return store.getAccount(ctx, userID, true)
}

func (store *Store) getAccount(ctx context.Context, userID ledger.UserID, forUpdate bool) (ledger.Account, error) {
	query := store.db.WithContext(ctx)
	if forUpdate {
		query = query.Clauses(clause.Locking{Strength: "UPDATE"})
	}
	var model Account
	err := query.Where("user_id = ?", userID.String()).Take(&model).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return ledger.Account{}, wrapStoreError(errorSubjectAccount, errorCodeGet, ledger.ErrAccountNotFound)
		}
		return ledger.Account{}, wrapStoreError(errorSubjectAccount, errorCodeGet, err)
	}
	return mapAccount(model), nil
}

// CreateAccount inserts a fresh account row.
func (store *Store) CreateAccount(ctx context.Context, account ledger.Account) error {
	model := Account{
		UserID:      account.UserID,
		DisplayName: account.DisplayName,
		AvatarRef:   account.AvatarRef,
		Balance:     account.Balance,
		TotalPaid:   account.TotalPaid,
	}
	if err := store.db.WithContext(ctx).Create(&model).Error; err != nil {
		return wrapStoreError(errorSubjectAccount, errorCodeCreate, err)
	}
	return nil
}

// UpdateBalances rewrites the cached aggregates for one account.
func (store *Store) UpdateBalances(ctx context.Context, userID ledger.UserID, balance int64, totalPaid int64) error {
	result := store.db.WithContext(ctx).
		Model(&Account{}).
		Where("user_id = ?", userID.String()).
		Updates(map[string]interface{}{"balance": balance, "total_paid": totalPaid})
	if result.Error != nil {
		return wrapStoreError(errorSubjectAccount, errorCodeUpdate, result.Error)
	}
	if result.RowsAffected == 0 {
		return wrapStoreError(errorSubjectAccount, errorCodeUpdate, ledger.ErrAccountNotFound)
	}
	return nil
}

// HasTopUpRef reports whether a topup with the external reference was
// already recorded. Callers run this inside WithTx so the answer and
// the subsequent insert share one atomic unit.
func (store *Store) HasTopUpRef(ctx context.Context, ref ledger.ExternalRef) (bool, error) {
	var count int64
	err := store.db.WithContext(ctx).
		Model(&PaymentEvent{}).
		Where("external_ref = ?", ref.String()).
		Count(&count).Error
	if err != nil {
		return false, wrapStoreError(errorSubjectEvent, errorCodeLookup, err)
	}
	return count > 0, nil
}

// InsertEvent appends one payment event and returns it with the
// store-assigned id and sequence.
func (store *Store) InsertEvent(ctx context.Context, event ledger.EventInput) (ledger.PaymentEvent, error) {
	var externalRef *string
	if event.ExternalRef != "" {
		value := event.ExternalRef
		externalRef = &value
	}
	createdAt := time.Unix(event.CreatedUnixUTC, 0).UTC()
	if event.CreatedUnixUTC == 0 {
		createdAt = time.Now().UTC()
	}
	model := PaymentEvent{
		UserID:      event.UserID.String(),
		Kind:        event.Kind.String(),
		Amount:      event.Amount.Int64(),
		ExternalRef: externalRef,
		Metadata:    datatypesJSON(event.MetadataJSON.String()),
		CreatedAt:   createdAt,
	}
	err := store.db.WithContext(ctx).Create(&model).Error
	if isExternalRefConflict(err) {
		return ledger.PaymentEvent{}, wrapStoreError(errorSubjectEvent, errorCodeDuplicate, ledger.ErrDuplicateTopUp)
	}
	if err != nil {
		return ledger.PaymentEvent{}, wrapStoreError(errorSubjectEvent, errorCodeInsert, err)
	}
	mapped, err := mapPaymentEvent(model)
	if err != nil {
		return ledger.PaymentEvent{}, wrapStoreError(errorSubjectEvent, errorCodeInvalid, err)
	}
	return mapped, nil
}

// ListEvents returns the newest events first, ordered by commit sequence.
func (store *Store) ListEvents(ctx context.Context, userID ledger.UserID, limit int) ([]ledger.PaymentEvent, error) {
	var rows []PaymentEvent
	err := store.db.WithContext(ctx).
		Where("user_id = ?", userID.String()).
		Order("seq DESC").
		Limit(limit).
		Find(&rows).Error
	if err != nil {
		return nil, wrapStoreError(errorSubjectEvent, errorCodeList, err)
	}
	events := make([]ledger.PaymentEvent, 0, len(rows))
	for _, row := range rows {
		event, err := mapPaymentEvent(row)
		if err != nil {
			return nil, wrapStoreError(errorSubjectEvent, errorCodeInvalid, err)
		}
		events = append(events, event)
	}
	return events, nil
}

// TopAccounts returns up to limit accounts ordered by lifetime total
// descending, ties broken by user id for a deterministic order.
func (store *Store) TopAccounts(ctx context.Context, limit int) ([]ledger.Account, error) {
	var rows []Account
	err := store.db.WithContext(ctx).
		Order("total_paid DESC, user_id ASC").
		Limit(limit).
		Find(&rows).Error
	if err != nil {
		return nil, wrapStoreError(errorSubjectRanking, errorCodeList, err)
	}
	accounts := make([]ledger.Account, 0, len(rows))
	for _, row := range rows {
		accounts = append(accounts, mapAccount(row))
	}
	return accounts, nil
}

func wrapStoreError(subject string, code string, err error) error {
	return ledger.WrapError(errorOperationStore, subject, code, err)
}

func mapAccount(model Account) ledger.Account {
	return ledger.Account{
		UserID:      model.UserID,
		DisplayName: model.DisplayName,
		AvatarRef:   model.AvatarRef,
		Balance:     model.Balance,
		TotalPaid:   model.TotalPaid,
	}
}

func mapPaymentEvent(model PaymentEvent) (ledger.PaymentEvent, error) {
	kind, err := ledger.ParseEventKind(model.Kind)
	if err != nil {
		return ledger.PaymentEvent{}, err
	}
	externalRef := ""
	if model.ExternalRef != nil {
		externalRef = *model.ExternalRef
	}
	return ledger.PaymentEvent{
		EventID:        model.EventID,
		UserID:         model.UserID,
		Kind:           kind,
		Amount:         model.Amount,
		ExternalRef:    externalRef,
		MetadataJSON:   string(model.Metadata),
		Seq:            model.Seq,
		CreatedUnixUTC: model.CreatedAt.Unix(),
	}, nil
}

func datatypesJSON(raw string) datatypes.JSON {
	if raw == "" {
		return datatypes.JSON([]byte(defaultMetadataJSON))
	}
	return datatypes.JSON([]byte(raw))
}

func isExternalRefConflict(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return true
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == pgUniqueViolationCode && pgErr.ConstraintName == constraintEventsExternalRef
	}
	var sqliteErr *gosqlite.Error
	if errors.As(err, &sqliteErr) {
		return sqliteErr.Code()&0xFF == sqliteConstraintCode
	}
	return false
}
