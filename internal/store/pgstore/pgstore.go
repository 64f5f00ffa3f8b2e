package pgstore

import (
	"context"
	"errors"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/meiyolab/honorledger/pkg/ledger"
)

const (
	constraintEventsExternalRef = "uniq_events_external_ref"
	pgUniqueViolationCode       = "23505"
	errorOperationStore         = "store"
	errorSubjectAccount         = "account"
	errorSubjectEvent           = "event"
	errorSubjectRanking         = "ranking"
	errorSubjectTransaction     = "transaction"
	errorCodeBegin              = "begin"
	errorCodeCommit             = "commit"
	errorCodeCreate             = "create"
	errorCodeDuplicate          = "duplicate"
	errorCodeGet                = "get"
	errorCodeInsert             = "insert"
	errorCodeInvalid            = "invalid"
	errorCodeList               = "list"
	errorCodeLookup             = "lookup"
	errorCodeUpdate             = "update"

	sqlSelectAccount = `
		select user_id, display_name, avatar_ref, balance, total_paid
		from accounts
		where user_id = $1
	`

	sqlSelectAccountForUpdate = sqlSelectAccount + ` for update`

	sqlInsertAccount = `
		insert into accounts(user_id, display_name, avatar_ref, balance, total_paid, created_at, updated_at)
		values ($1, $2, $3, $4, $5, now(), now())
	`

	sqlUpdateBalances = `
		update accounts
		set balance = $2, total_paid = $3, updated_at = now()
		where user_id = $1
	`

	sqlCountTopUpRef = `
		select count(*) from payment_events where external_ref = $1
	`

	sqlInsertEvent = `
		insert into payment_events(event_id, user_id, kind, amount, external_ref, metadata, created_at)
		values (gen_random_uuid(), $1, $2, $3, nullif($4,''), coalesce(nullif($5,''),'{}')::jsonb, to_timestamp($6))
		returning seq, event_id::text
	`

	sqlListEvents = `
		select
			event_id::text,
			user_id,
			kind,
			amount,
			coalesce(external_ref,''),
			coalesce(metadata::text,'{}'),
			seq,
			extract(epoch from created_at)::bigint
		from payment_events
		where user_id = $1
		order by seq desc
		limit $2
	`

	sqlTopAccounts = `
		select user_id, display_name, avatar_ref, balance, total_paid
		from accounts
		order by total_paid desc, user_id asc
		limit $1
	`
)

// querier is the subset of pgx shared by pools and transactions.
type querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// Store implements ledger.Store using pgx directly.
type Store struct {
	pool *pgxpool.Pool
	db   querier
}

// New returns a Store backed by a pgx pool.
func New(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool, db: pool}
}

// WithTx runs fn against a Store bound to one transaction.
func (store *Store) WithTx(ctx context.Context, fn func(ctx context.Context, txStore ledger.Store) error) error {
	tx, err := store.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return wrapStoreError(errorSubjectTransaction, errorCodeBegin, err)
	}
	transactionStore := &Store{pool: store.pool, db: tx}
	if err := fn(ctx, transactionStore); err != nil {
		_ = tx.Rollback(ctx)
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return wrapStoreError(errorSubjectTransaction, errorCodeCommit, err)
	}
	return nil
}

// GetAccount reads an account without locking it.
func (store *Store) GetAccount(ctx context.Context, userID ledger.UserID) (ledger.Account, error) {
	return store.getAccount(ctx, userID, sqlSelectAccount)
}

// GetAccountForUpdate reads an account under a row lock.
func (store *Store) GetAccountForUpdate(ctx context.Context, userID ledger.UserID) (ledger.Account, error) {
	return store.getAccount(ctx, userID, sqlSelectAccountForUpdate)
}

func (store *Store) getAccount(ctx context.Context, userID ledger.UserID, query string) (ledger.Account, error) {
	var account ledger.Account
	err := store.db.QueryRow(ctx, query, userID.String()).Scan(
		&account.UserID,
		&account.DisplayName,
		&account.AvatarRef,
		&account.Balance,
		&account.TotalPaid,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return ledger.Account{}, wrapStoreError(errorSubjectAccount, errorCodeGet, ledger.ErrAccountNotFound)
		}
		return ledger.Account{}, wrapStoreError(errorSubjectAccount, errorCodeGet, err)
	}
	return account, nil
}

// CreateAccount inserts a fresh account row.
func (store *Store) CreateAccount(ctx context.Context, account ledger.Account) error {
	_, err := store.db.Exec(ctx, sqlInsertAccount,
		account.UserID,
		account.DisplayName,
		account.AvatarRef,
		account.Balance,
		account.TotalPaid,
	)
	if err != nil {
		return wrapStoreError(errorSubjectAccount, errorCodeCreate, err)
	}
	return nil
}

// UpdateBalances rewrites the cached aggregates for one account.
func (store *Store) UpdateBalances(ctx context.Context, userID ledger.UserID, balance int64, totalPaid int64) error {
	tag, err := store.db.Exec(ctx, sqlUpdateBalances, userID.String(), balance, totalPaid)
	if err != nil {
		return wrapStoreError(errorSubjectAccount, errorCodeUpdate, err)
	}
	if tag.RowsAffected() == 0 {
		return wrapStoreError(errorSubjectAccount, errorCodeUpdate, ledger.ErrAccountNotFound)
	}
	return nil
}

// HasTopUpRef reports whether the external reference was already recorded.
func (store *Store) HasTopUpRef(ctx context.Context, ref ledger.ExternalRef) (bool, error) {
	var count int64
	if err := store.db.QueryRow(ctx, sqlCountTopUpRef, ref.String()).Scan(&count); err != nil {
		return false, wrapStoreError(errorSubjectEvent, errorCodeLookup, err)
	}
	return count > 0, nil
}

// InsertEvent appends one payment event.
func (store *Store) InsertEvent(ctx context.Context, event ledger.EventInput) (ledger.PaymentEvent, error) {
	inserted := ledger.PaymentEvent{
		UserID:         event.UserID.String(),
		Kind:           event.Kind,
		Amount:         event.Amount.Int64(),
		ExternalRef:    event.ExternalRef,
		MetadataJSON:   event.MetadataJSON.String(),
		CreatedUnixUTC: event.CreatedUnixUTC,
	}
	err := store.db.QueryRow(ctx, sqlInsertEvent,
		event.UserID.String(),
		event.Kind.String(),
		event.Amount.Int64(),
		event.ExternalRef,
		event.MetadataJSON.String(),
		event.CreatedUnixUTC,
	).Scan(&inserted.Seq, &inserted.EventID)
	if isExternalRefConflict(err) {
		return ledger.PaymentEvent{}, wrapStoreError(errorSubjectEvent, errorCodeDuplicate, ledger.ErrDuplicateTopUp)
	}
	if err != nil {
		return ledger.PaymentEvent{}, wrapStoreError(errorSubjectEvent, errorCodeInsert, err)
	}
	return inserted, nil
}

// ListEvents returns the newest events first.
func (store *Store) ListEvents(ctx context.Context, userID ledger.UserID, limit int) ([]ledger.PaymentEvent, error) {
	rows, err := store.db.Query(ctx, sqlListEvents, userID.String(), limit)
	if err != nil {
		return nil, wrapStoreError(errorSubjectEvent, errorCodeList, err)
	}
	defer rows.Close()
	var events []ledger.PaymentEvent
	for rows.Next() {
		var (
			event ledger.PaymentEvent
			kind  string
		)
		if err := rows.Scan(
			&event.EventID,
			&event.UserID,
			&kind,
			&event.Amount,
			&event.ExternalRef,
			&event.MetadataJSON,
			&event.Seq,
			&event.CreatedUnixUTC,
		); err != nil {
			return nil, wrapStoreError(errorSubjectEvent, errorCodeList, err)
		}
		parsedKind, err := ledger.ParseEventKind(kind)
		if err != nil {
			return nil, wrapStoreError(errorSubjectEvent, errorCodeInvalid, err)
		}
		event.Kind = parsedKind
		events = append(events, event)
	}
	if err := rows.Err(); err != nil {
		return nil, wrapStoreError(errorSubjectEvent, errorCodeList, err)
	}
	return events, nil
}

// TopAccounts returns up to limit accounts ordered by lifetime total
// descending, ties broken by user id.
func (store *Store) TopAccounts(ctx context.Context, limit int) ([]ledger.Account, error) {
	rows, err := store.db.Query(ctx, sqlTopAccounts, limit)
	if err != nil {
		return nil, wrapStoreError(errorSubjectRanking, errorCodeList, err)
	}
	defer rows.Close()
	var accounts []ledger.Account
	for rows.Next() {
		var account ledger.Account
		if err := rows.Scan(
			&account.UserID,
			&account.DisplayName,
			&account.AvatarRef,
			&account.Balance,
			&account.TotalPaid,
		); err != nil {
			return nil, wrapStoreError(errorSubjectRanking, errorCodeList, err)
		}
		accounts = append(accounts, account)
	}
	if err := rows.Err(); err != nil {
		return nil, wrapStoreError(errorSubjectRanking, errorCodeList, err)
	}
	return accounts, nil
}

func wrapStoreError(subject string, code string, err error) error {
	return ledger.WrapError(errorOperationStore, subject, code, err)
}

func isExternalRefConflict(err error) bool {
	if err == nil {
		return false
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == pgUniqueViolationCode && pgErr.ConstraintName == constraintEventsExternalRef
	}
	return false
}
