package pgstore

import (
	"context"
	"errors"
	"strings"

	"github.com/MarkoPoloResearchLab/mailcredits/pkg/ledger"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

const (
	pgUniqueViolationCode   = "23505"
	pgSerializationCode     = "40001"
	pgDeadlockCode          = "40P01"
	servicesDelimiter       = ","
	errorOperationStore     = "store"
	errorSubjectAccount     = "account"
	errorSubjectEntry       = "entry"
	errorSubjectEvent       = "event"
	errorSubjectRequest     = "request"
	errorSubjectSchema      = "schema"
	errorSubjectTransaction = "transaction"
	errorCodeBegin          = "begin"
	errorCodeCommit         = "commit"
	errorCodeCreate         = "create"
	errorCodeDuplicate      = "duplicate"
	errorCodeCustomerLinked = "customer_linked"
	errorCodeGet            = "get"
	errorCodeInsert         = "insert"
	errorCodeInvalid        = "invalid"
	errorCodeList           = "list"
	errorCodeLookup         = "lookup"
	errorCodeMigrate        = "migrate"
	errorCodeUpdate         = "update"
	errorCodeVersion        = "version"

	accountColumns = `
		account_id, plan_tier, coalesce(subscription_plan_id,''),
		subscription_start_unix_utc, subscription_end_unix_utc, balance,
		last_grant_unix_utc, next_grant_due_unix_utc, last_free_grant_unix_utc,
		coalesce(billing_customer_id,''), coalesce(billing_subscription_id,''),
		version, extract(epoch from created_at)::bigint
	`

	sqlInsertAccount = `
		insert into accounts(account_id, plan_tier, balance, version, created_at)
		values ($1, $2, $3, 0, to_timestamp($4))
	`

	sqlSelectAccount          = `select ` + accountColumns + ` from accounts where account_id = $1`
	sqlSelectAccountForUpdate = sqlSelectAccount + ` for update`
	sqlSelectAccountByRef     = `select ` + accountColumns + ` from accounts
		where billing_customer_id = $1 or billing_subscription_id = $1
		order by account_id limit 1`

	sqlUpdateAccount = `
		update accounts set
			plan_tier = $3,
			subscription_plan_id = nullif($4,''),
			subscription_start_unix_utc = $5,
			subscription_end_unix_utc = $6,
			balance = $7,
			last_grant_unix_utc = $8,
			next_grant_due_unix_utc = $9,
			last_free_grant_unix_utc = $10,
			billing_customer_id = nullif($11,''),
			billing_subscription_id = nullif($12,''),
			version = version + 1
		where account_id = $1 and version = $2
	`

	sqlInsertEntry = `
		insert into ledger_entries(account_id, kind, amount, plan_id, description, idempotency_key, metadata, created_at)
		values ($1, $2, $3, nullif($4,''), $5, nullif($6,''), coalesce(nullif($7,''),'{}')::jsonb, to_timestamp($8))
		returning entry_id, sequence
	`

	sqlListEntries = `
		select entry_id, account_id, sequence, kind, amount, coalesce(plan_id,''), description,
			coalesce(idempotency_key,''), metadata::text, extract(epoch from created_at)::bigint
		from ledger_entries
		where account_id = $1 and ($2::bigint = 0 or sequence < $2::bigint)
		order by sequence desc
		limit $3
	`

	sqlCountEntryKey = `select count(*) from ledger_entries where account_id = $1 and idempotency_key = $2`
	sqlCountEventKey = `select count(*) from processed_events where account_id = $1 and idempotency_key = $2`

	sqlInsertEvent = `
		insert into processed_events(account_id, idempotency_key, event_type, outcome, created_at)
		values ($1, $2, $3, $4, to_timestamp($5))
	`

	sqlUpsertRequest = `
		insert into service_requests(request_id, account_id, services, cost, status, refunded, created_at, updated_at)
		values ($1, $2, $3, $4, $5, $6, to_timestamp($7), to_timestamp($8))
		on conflict (request_id) do update set status = excluded.status, refunded = excluded.refunded, updated_at = excluded.updated_at
	`

	requestColumns = `
		request_id, account_id, services, cost, status, refunded,
		extract(epoch from created_at)::bigint, extract(epoch from updated_at)::bigint
	`

	sqlSelectRequest        = `select ` + requestColumns + ` from service_requests where request_id = $1`
	sqlSelectAccountRequest = sqlSelectRequest + ` and account_id = $2`
	sqlListRequests         = `select ` + requestColumns + ` from service_requests
		where account_id = $1 order by created_at desc, request_id desc limit $2`

	sqlListPremiumDue = `
		select account_id from accounts
		where plan_tier = 'premium' and (next_grant_due_unix_utc <= $1 or subscription_end_unix_utc <= $1) and account_id > $2
		order by account_id limit $3
	`
	sqlListFreeDue = `
		select account_id from accounts
		where plan_tier = 'free' and last_free_grant_unix_utc <= $1 and account_id > $2
		order by account_id limit $3
	`
)

// querier is the subset of pgx shared by the pool and a transaction.
type querier interface {
	Exec(ctx context.Context, sql string, arguments ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// Store implements ledger.Store using a pgx connection pool.
type Store struct {
	pool *pgxpool.Pool
}

// New returns a Store backed by a pgx pool.
func New(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

func (store *Store) CreateAccount(ctx context.Context, account ledger.Account) error {
	_, err := store.pool.Exec(ctx, sqlInsertAccount, account.AccountID.String(), account.PlanTier.String(), account.Balance.Int64(), account.CreatedUnixUTC)
	if isUniqueViolation(err) {
		return wrapStoreError(errorSubjectAccount, errorCodeDuplicate, ledger.ErrAccountExists)
	}
	if err != nil {
		return wrapStoreError(errorSubjectAccount, errorCodeCreate, err)
	}
	return nil
}

func (store *Store) GetAccount(ctx context.Context, accountID ledger.AccountID) (ledger.Account, error) {
	return selectAccount(ctx, store.pool, sqlSelectAccount, accountID.String())
}

func (store *Store) FindAccountByExternalRef(ctx context.Context, ref string) (ledger.Account, error) {
	trimmed := strings.TrimSpace(ref)
	if trimmed == "" {
		return ledger.Account{}, wrapStoreError(errorSubjectAccount, errorCodeLookup, ledger.ErrAccountNotFound)
	}
	return selectAccount(ctx, store.pool, sqlSelectAccountByRef, trimmed)
}

// UpdateAccount locks the account row for the duration of mutate. The version
// predicate on the final update still guards against writers that bypass the lock.
func (store *Store) UpdateAccount(ctx context.Context, accountID ledger.AccountID, mutate ledger.Mutator) (ledger.Commit, error) {
	tx, err := store.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return ledger.Commit{}, wrapStoreError(errorSubjectTransaction, errorCodeBegin, err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	commit, err := updateAccount(ctx, tx, accountID, mutate)
	if err != nil {
		return ledger.Commit{}, mapTransientConflict(err)
	}
	if err := tx.Commit(ctx); err != nil {
		return ledger.Commit{}, mapTransientConflict(wrapStoreError(errorSubjectTransaction, errorCodeCommit, err))
	}
	return commit, nil
}

func (store *Store) ListEntries(ctx context.Context, accountID ledger.AccountID, beforeSequence int64, limit int) ([]ledger.Entry, error) {
	rows, err := store.pool.Query(ctx, sqlListEntries, accountID.String(), beforeSequence, limit)
	if err != nil {
		return nil, wrapStoreError(errorSubjectEntry, errorCodeList, err)
	}
	defer rows.Close()
	entries, err := scanEntries(rows)
	if err != nil {
		return nil, wrapStoreError(errorSubjectEntry, errorCodeInvalid, err)
	}
	return entries, nil
}

func (store *Store) ListPremiumAccountsDue(ctx context.Context, atUnixUTC int64, afterAccountID string, limit int) ([]ledger.AccountID, error) {
	return store.listAccountIDs(ctx, sqlListPremiumDue, atUnixUTC, afterAccountID, limit)
}

func (store *Store) ListFreeAccountsDue(ctx context.Context, cutoffUnixUTC int64, afterAccountID string, limit int) ([]ledger.AccountID, error) {
	return store.listAccountIDs(ctx, sqlListFreeDue, cutoffUnixUTC, afterAccountID, limit)
}

func (store *Store) GetServiceRequest(ctx context.Context, requestID ledger.RequestID) (ledger.ServiceRequest, error) {
	return selectServiceRequest(ctx, store.pool, sqlSelectRequest, requestID.String())
}

func (store *Store) ListServiceRequests(ctx context.Context, accountID ledger.AccountID, limit int) ([]ledger.ServiceRequest, error) {
	rows, err := store.pool.Query(ctx, sqlListRequests, accountID.String(), limit)
	if err != nil {
		return nil, wrapStoreError(errorSubjectRequest, errorCodeList, err)
	}
	defer rows.Close()
	requests := make([]ledger.ServiceRequest, 0)
	for rows.Next() {
		request, err := scanServiceRequest(rows)
		if err != nil {
			return nil, wrapStoreError(errorSubjectRequest, errorCodeInvalid, err)
		}
		requests = append(requests, request)
	}
	if err := rows.Err(); err != nil {
		return nil, wrapStoreError(errorSubjectRequest, errorCodeList, err)
	}
	return requests, nil
}

func (store *Store) listAccountIDs(ctx context.Context, query string, atUnixUTC int64, afterAccountID string, limit int) ([]ledger.AccountID, error) {
	rows, err := store.pool.Query(ctx, query, atUnixUTC, afterAccountID, limit)
	if err != nil {
		return nil, wrapStoreError(errorSubjectAccount, errorCodeList, err)
	}
	raw, err := pgx.CollectRows(rows, pgx.RowTo[string])
	if err != nil {
		return nil, wrapStoreError(errorSubjectAccount, errorCodeList, err)
	}
	accountIDs := make([]ledger.AccountID, 0, len(raw))
	for _, value := range raw {
		accountID, err := ledger.NewAccountID(value)
		if err != nil {
			return nil, wrapStoreError(errorSubjectAccount, errorCodeInvalid, err)
		}
		accountIDs = append(accountIDs, accountID)
	}
	return accountIDs, nil
}

func updateAccount(ctx context.Context, tx pgx.Tx, accountID ledger.AccountID, mutate ledger.Mutator) (ledger.Commit, error) {
	current, err := selectAccount(ctx, tx, sqlSelectAccountForUpdate, accountID.String())
	if err != nil {
		return ledger.Commit{}, err
	}
	mutation, err := mutate(ctx, &txView{tx: tx, account: current})
	if err != nil {
		return ledger.Commit{}, err
	}
	if mutation.IsNoop(current) {
		return ledger.Commit{Account: current}, nil
	}
	if err := mutation.Validate(current); err != nil {
		return ledger.Commit{}, err
	}
	next := mutation.Account
	tag, err := tx.Exec(ctx, sqlUpdateAccount,
		next.AccountID.String(),
		current.Version,
		next.PlanTier.String(),
		next.SubscriptionPlanID.String(),
		next.SubscriptionStartUnixUTC,
		next.SubscriptionEndUnixUTC,
		next.Balance.Int64(),
		next.LastGrantUnixUTC,
		next.NextGrantDueUnixUTC,
		next.LastFreeGrantUnixUTC,
		next.BillingRef.CustomerID,
		next.BillingRef.SubscriptionID,
	)
	// The only unique key an account update can hit is the billing customer id.
	if isUniqueViolation(err) {
		return ledger.Commit{}, wrapStoreError(errorSubjectAccount, errorCodeCustomerLinked, ledger.ErrUnknownExternalRef)
	}
	if err != nil {
		return ledger.Commit{}, wrapStoreError(errorSubjectAccount, errorCodeUpdate, err)
	}
	if tag.RowsAffected() == 0 {
		return ledger.Commit{}, wrapStoreError(errorSubjectAccount, errorCodeVersion, ledger.ErrConflict)
	}
	next.Version = current.Version + 1

	commit := ledger.Commit{Account: next}
	for _, input := range mutation.Entries {
		var (
			entryIDValue string
			sequence     int64
		)
		err := tx.QueryRow(ctx, sqlInsertEntry,
			input.AccountID().String(),
			input.Kind().String(),
			input.Amount().Int64(),
			input.PlanID().String(),
			input.Description(),
			input.IdempotencyKey().String(),
			input.Metadata().String(),
			input.CreatedUnixUTC(),
		).Scan(&entryIDValue, &sequence)
		if isUniqueViolation(err) {
			return ledger.Commit{}, wrapStoreError(errorSubjectEntry, errorCodeDuplicate, ledger.ErrDuplicateIdempotencyKey)
		}
		if err != nil {
			return ledger.Commit{}, wrapStoreError(errorSubjectEntry, errorCodeInsert, err)
		}
		entryID, err := ledger.NewEntryID(entryIDValue)
		if err != nil {
			return ledger.Commit{}, wrapStoreError(errorSubjectEntry, errorCodeInvalid, err)
		}
		commit.Entries = append(commit.Entries, ledger.NewEntry(entryID, sequence, input))
	}
	if mutation.Event != nil {
		event := *mutation.Event
		_, err := tx.Exec(ctx, sqlInsertEvent, event.AccountID.String(), event.IdempotencyKey.String(), event.EventType.String(), string(event.Outcome), event.CreatedUnixUTC)
		if isUniqueViolation(err) {
			return ledger.Commit{}, wrapStoreError(errorSubjectEvent, errorCodeDuplicate, ledger.ErrDuplicateIdempotencyKey)
		}
		if err != nil {
			return ledger.Commit{}, wrapStoreError(errorSubjectEvent, errorCodeInsert, err)
		}
		commit.Event = &event
	}
	if mutation.Request != nil {
		request := *mutation.Request
		_, err := tx.Exec(ctx, sqlUpsertRequest,
			request.RequestID.String(),
			request.AccountID.String(),
			joinServices(request.Services),
			request.CostAtRequestTime.Int64(),
			request.Status.String(),
			request.Refunded,
			request.CreatedUnixUTC,
			request.UpdatedUnixUTC,
		)
		if err != nil {
			return ledger.Commit{}, wrapStoreError(errorSubjectRequest, errorCodeInsert, err)
		}
		commit.Request = &request
	}
	return commit, nil
}

type txView struct {
	tx      pgx.Tx
	account ledger.Account
}

func (view *txView) Account() ledger.Account {
	return view.account
}

func (view *txView) HasIdempotencyKey(ctx context.Context, key ledger.IdempotencyKey) (bool, error) {
	if key.IsZero() {
		return false, nil
	}
	for _, query := range []string{sqlCountEntryKey, sqlCountEventKey} {
		var count int64
		if err := view.tx.QueryRow(ctx, query, view.account.AccountID.String(), key.String()).Scan(&count); err != nil {
			return false, wrapStoreError(errorSubjectEntry, errorCodeLookup, err)
		}
		if count > 0 {
			return true, nil
		}
	}
	return false, nil
}

func (view *txView) ServiceRequest(ctx context.Context, requestID ledger.RequestID) (ledger.ServiceRequest, error) {
	return selectServiceRequest(ctx, view.tx, sqlSelectAccountRequest, requestID.String(), view.account.AccountID.String())
}

func selectAccount(ctx context.Context, db querier, query string, args ...any) (ledger.Account, error) {
	var (
		accountIDValue   string
		tierValue        string
		planIDValue      string
		balanceValue     int64
		customerValue    string
		subscriptionRef  string
		createdAtUnixUTC int64
		account          ledger.Account
	)
	err := db.QueryRow(ctx, query, args...).Scan(
		&accountIDValue,
		&tierValue,
		&planIDValue,
		&account.SubscriptionStartUnixUTC,
		&account.SubscriptionEndUnixUTC,
		&balanceValue,
		&account.LastGrantUnixUTC,
		&account.NextGrantDueUnixUTC,
		&account.LastFreeGrantUnixUTC,
		&customerValue,
		&subscriptionRef,
		&account.Version,
		&createdAtUnixUTC,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return ledger.Account{}, wrapStoreError(errorSubjectAccount, errorCodeGet, ledger.ErrAccountNotFound)
	}
	if err != nil {
		return ledger.Account{}, wrapStoreError(errorSubjectAccount, errorCodeGet, err)
	}
	if account.AccountID, err = ledger.NewAccountID(accountIDValue); err != nil {
		return ledger.Account{}, wrapStoreError(errorSubjectAccount, errorCodeInvalid, err)
	}
	if account.PlanTier, err = ledger.ParsePlanTier(tierValue); err != nil {
		return ledger.Account{}, wrapStoreError(errorSubjectAccount, errorCodeInvalid, err)
	}
	if account.Balance, err = ledger.NewCredits(balanceValue); err != nil {
		return ledger.Account{}, wrapStoreError(errorSubjectAccount, errorCodeInvalid, err)
	}
	if planIDValue != "" {
		if account.SubscriptionPlanID, err = ledger.NewPlanID(planIDValue); err != nil {
			return ledger.Account{}, wrapStoreError(errorSubjectAccount, errorCodeInvalid, err)
		}
	}
	account.BillingRef = ledger.BillingRef{CustomerID: customerValue, SubscriptionID: subscriptionRef}
	account.CreatedUnixUTC = createdAtUnixUTC
	return account, nil
}

func selectServiceRequest(ctx context.Context, db querier, query string, args ...any) (ledger.ServiceRequest, error) {
	request, err := scanServiceRequest(db.QueryRow(ctx, query, args...))
	if errors.Is(err, pgx.ErrNoRows) {
		return ledger.ServiceRequest{}, wrapStoreError(errorSubjectRequest, errorCodeGet, ledger.ErrUnknownServiceRequest)
	}
	if err != nil {
		return ledger.ServiceRequest{}, wrapStoreError(errorSubjectRequest, errorCodeGet, err)
	}
	return request, nil
}

func scanServiceRequest(row pgx.Row) (ledger.ServiceRequest, error) {
	var (
		requestIDValue string
		accountIDValue string
		servicesValue  string
		costValue      int64
		statusValue    string
		request        ledger.ServiceRequest
	)
	if err := row.Scan(
		&requestIDValue,
		&accountIDValue,
		&servicesValue,
		&costValue,
		&statusValue,
		&request.Refunded,
		&request.CreatedUnixUTC,
		&request.UpdatedUnixUTC,
	); err != nil {
		return ledger.ServiceRequest{}, err
	}
	var err error
	if request.RequestID, err = ledger.NewRequestID(requestIDValue); err != nil {
		return ledger.ServiceRequest{}, err
	}
	if request.AccountID, err = ledger.NewAccountID(accountIDValue); err != nil {
		return ledger.ServiceRequest{}, err
	}
	if request.Services, err = splitServices(servicesValue); err != nil {
		return ledger.ServiceRequest{}, err
	}
	if request.CostAtRequestTime, err = ledger.NewPositiveCredits(costValue); err != nil {
		return ledger.ServiceRequest{}, err
	}
	if request.Status, err = ledger.ParseRequestStatus(statusValue); err != nil {
		return ledger.ServiceRequest{}, err
	}
	return request, nil
}

func scanEntries(rows pgx.Rows) ([]ledger.Entry, error) {
	entries := make([]ledger.Entry, 0)
	for rows.Next() {
		var (
			entryIDValue   string
			accountIDValue string
			kindValue      string
			amountValue    int64
			planIDValue    string
			idempotency    string
			metadataValue  string
			entry          ledger.Entry
		)
		if err := rows.Scan(
			&entryIDValue,
			&accountIDValue,
			&entry.Sequence,
			&kindValue,
			&amountValue,
			&planIDValue,
			&entry.Description,
			&idempotency,
			&metadataValue,
			&entry.CreatedUnixUTC,
		); err != nil {
			return nil, err
		}
		var err error
		if entry.EntryID, err = ledger.NewEntryID(entryIDValue); err != nil {
			return nil, err
		}
		if entry.AccountID, err = ledger.NewAccountID(accountIDValue); err != nil {
			return nil, err
		}
		if entry.Kind, err = ledger.ParseEntryKind(kindValue); err != nil {
			return nil, err
		}
		if entry.Amount, err = ledger.NewEntryAmount(amountValue); err != nil {
			return nil, err
		}
		if planIDValue != "" {
			if entry.PlanID, err = ledger.NewPlanID(planIDValue); err != nil {
				return nil, err
			}
		}
		if entry.Metadata, err = ledger.NewMetadataJSON(metadataValue); err != nil {
			return nil, err
		}
		entry.IdempotencyKey = ledger.OptionalIdempotencyKey(idempotency)
		entries = append(entries, entry)
	}
	return entries, rows.Err()
}

func joinServices(services []ledger.MailService) string {
	names := make([]string, 0, len(services))
	for _, service := range services {
		names = append(names, service.String())
	}
	return strings.Join(names, servicesDelimiter)
}

func splitServices(raw string) ([]ledger.MailService, error) {
	parts := strings.Split(raw, servicesDelimiter)
	services := make([]ledger.MailService, 0, len(parts))
	for _, part := range parts {
		service, err := ledger.ParseService(part)
		if err != nil {
			return nil, err
		}
		services = append(services, service)
	}
	return services, nil
}

func wrapStoreError(subject string, code string, err error) error {
	return ledger.WrapError(errorOperationStore, subject, code, err)
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == pgUniqueViolationCode
	}
	return false
}

// mapTransientConflict turns serialization failures and deadlocks into ErrConflict
// so the service retries them.
func mapTransientConflict(err error) error {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && (pgErr.Code == pgSerializationCode || pgErr.Code == pgDeadlockCode) {
		return wrapStoreError(errorSubjectTransaction, errorCodeVersion, ledger.ErrConflict)
	}
	return err
}
