package gormstore

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/MarkoPoloResearchLab/mailcredits/pkg/ledger"
	gosqlite "github.com/glebarez/go-sqlite"
	"github.com/jackc/pgx/v5/pgconn"
	"gorm.io/datatypes"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

const (
	defaultMetadataJSON     = "{}"
	servicesDelimiter       = ","
	pgUniqueViolationCode   = "23505"
	pgSerializationCode     = "40001"
	sqliteConstraintCode    = 19
	sqliteBusyCode          = 5
	sqliteLockedCode        = 6
	errorOperationStore     = "store"
	errorSubjectAccount     = "account"
	errorSubjectEntry       = "entry"
	errorSubjectEvent       = "event"
	errorSubjectRequest     = "request"
	errorCodeCreate         = "create"
	errorCodeDuplicate      = "duplicate"
	errorCodeCustomerLinked = "customer_linked"
	errorCodeGet            = "get"
	errorCodeInsert         = "insert"
	errorCodeInvalid        = "invalid"
	errorCodeList           = "list"
	errorCodeLookup         = "lookup"
	errorCodeUpdate         = "update"
	errorCodeVersion        = "version"
	errorCodeTransaction    = "transaction"
	accountIDColumn         = "account_id"
	idempotencyKeyColumn    = "idempotency_key"
	requestIDColumn         = "request_id"
	premiumAccountsDueQuery = "plan_tier = ? AND (next_grant_due_unix_utc <= ? OR subscription_end_unix_utc <= ?) AND account_id > ?"
	freeAccountsDueQuery    = "plan_tier = ? AND last_free_grant_unix_utc <= ? AND account_id > ?"
)

// Store implements ledger.Store using GORM.
type Store struct {
	db *gorm.DB
}

// New returns a Store backed by gorm.DB.
func New(db *gorm.DB) *Store {
	return &Store{db: db}
}

func (store *Store) CreateAccount(ctx context.Context, account ledger.Account) error {
	row := accountRow(account)
	err := store.db.WithContext(ctx).Create(&row).Error
	if isUniqueViolation(err) {
		return wrapStoreError(errorSubjectAccount, errorCodeDuplicate, ledger.ErrAccountExists)
	}
	if err != nil {
		return wrapStoreError(errorSubjectAccount, errorCodeCreate, err)
	}
	return nil
}

func (store *Store) GetAccount(ctx context.Context, accountID ledger.AccountID) (ledger.Account, error) {
	return loadAccount(store.db.WithContext(ctx), accountIDColumn+" = ?", accountID.String())
}

func (store *Store) FindAccountByExternalRef(ctx context.Context, ref string) (ledger.Account, error) {
	trimmed := strings.TrimSpace(ref)
	if trimmed == "" {
		return ledger.Account{}, wrapStoreError(errorSubjectAccount, errorCodeLookup, ledger.ErrAccountNotFound)
	}
	return loadAccount(store.db.WithContext(ctx).Order(accountIDColumn), "billing_customer_id = ? OR billing_subscription_id = ?", trimmed, trimmed)
}

// UpdateAccount locks the account row, runs mutate against it and commits the
// result with a version check. SQLite ignores the row lock and relies on the
// version check alone.
func (store *Store) UpdateAccount(ctx context.Context, accountID ledger.AccountID, mutate ledger.Mutator) (ledger.Commit, error) {
	var commit ledger.Commit
	err := store.db.WithContext(ctx).Transaction(func(transaction *gorm.DB) error {
		current, err := loadAccount(transaction.Clauses(clause.Locking{Strength: "UPDATE"}), accountIDColumn+" = ?", accountID.String())
		if err != nil {
			return err
		}
		mutation, err := mutate(ctx, &transactionView{db: transaction, account: current})
		if err != nil {
			return err
		}
		if mutation.IsNoop(current) {
			commit = ledger.Commit{Account: current}
			return nil
		}
		if err := mutation.Validate(current); err != nil {
			return err
		}
		next := mutation.Account
		next.Version = current.Version + 1
		if err := updateAccountRow(transaction, current.Version, next); err != nil {
			return err
		}
		entries, err := insertEntries(transaction, mutation.Entries)
		if err != nil {
			return err
		}
		if mutation.Event != nil {
			if err := insertProcessedEvent(transaction, *mutation.Event); err != nil {
				return err
			}
			event := *mutation.Event
			commit.Event = &event
		}
		if mutation.Request != nil {
			if err := saveServiceRequest(transaction, *mutation.Request); err != nil {
				return err
			}
			request := *mutation.Request
			commit.Request = &request
		}
		commit.Account = next
		commit.Entries = entries
		return nil
	})
	if err != nil {
		if isTransientConflict(err) {
			return ledger.Commit{}, wrapStoreError(errorSubjectAccount, errorCodeTransaction, ledger.ErrConflict)
		}
		return ledger.Commit{}, err
	}
	return commit, nil
}

func (store *Store) ListEntries(ctx context.Context, accountID ledger.AccountID, beforeSequence int64, limit int) ([]ledger.Entry, error) {
	query := store.db.WithContext(ctx).Where(accountIDColumn+" = ?", accountID.String())
	if beforeSequence > 0 {
		query = query.Where("sequence < ?", beforeSequence)
	}
	var rows []LedgerEntry
	if err := query.Order("sequence desc").Limit(limit).Find(&rows).Error; err != nil {
		return nil, wrapStoreError(errorSubjectEntry, errorCodeList, err)
	}
	entries := make([]ledger.Entry, 0, len(rows))
	for _, row := range rows {
		entry, err := mapLedgerEntry(row)
		if err != nil {
			return nil, wrapStoreError(errorSubjectEntry, errorCodeInvalid, err)
		}
		entries = append(entries, entry)
	}
	return entries, nil
}

func (store *Store) ListPremiumAccountsDue(ctx context.Context, atUnixUTC int64, afterAccountID string, limit int) ([]ledger.AccountID, error) {
	return store.listAccountIDs(ctx, limit, premiumAccountsDueQuery, ledger.PlanTierPremium.String(), atUnixUTC, atUnixUTC, afterAccountID)
}

func (store *Store) ListFreeAccountsDue(ctx context.Context, cutoffUnixUTC int64, afterAccountID string, limit int) ([]ledger.AccountID, error) {
	return store.listAccountIDs(ctx, limit, freeAccountsDueQuery, ledger.PlanTierFree.String(), cutoffUnixUTC, afterAccountID)
}

func (store *Store) GetServiceRequest(ctx context.Context, requestID ledger.RequestID) (ledger.ServiceRequest, error) {
	return loadServiceRequest(store.db.WithContext(ctx), requestIDColumn+" = ?", requestID.String())
}

func (store *Store) ListServiceRequests(ctx context.Context, accountID ledger.AccountID, limit int) ([]ledger.ServiceRequest, error) {
	var rows []ServiceRequest
	err := store.db.WithContext(ctx).
		Where(accountIDColumn+" = ?", accountID.String()).
		Order("created_at desc").
		Order("request_id desc").
		Limit(limit).
		Find(&rows).Error
	if err != nil {
		return nil, wrapStoreError(errorSubjectRequest, errorCodeList, err)
	}
	requests := make([]ledger.ServiceRequest, 0, len(rows))
	for _, row := range rows {
		request, err := mapServiceRequest(row)
		if err != nil {
			return nil, wrapStoreError(errorSubjectRequest, errorCodeInvalid, err)
		}
		requests = append(requests, request)
	}
	return requests, nil
}

func (store *Store) listAccountIDs(ctx context.Context, limit int, query string, args ...any) ([]ledger.AccountID, error) {
	var ids []string
	err := store.db.WithContext(ctx).
		Model(&Account{}).
		Where(query, args...).
		Order(accountIDColumn).
		Limit(limit).
		Pluck(accountIDColumn, &ids).Error
	if err != nil {
		return nil, wrapStoreError(errorSubjectAccount, errorCodeList, err)
	}
	accountIDs := make([]ledger.AccountID, 0, len(ids))
	for _, raw := range ids {
		accountID, err := ledger.NewAccountID(raw)
		if err != nil {
			return nil, wrapStoreError(errorSubjectAccount, errorCodeInvalid, err)
		}
		accountIDs = append(accountIDs, accountID)
	}
	return accountIDs, nil
}

type transactionView struct {
	db      *gorm.DB
	account ledger.Account
}

func (view *transactionView) Account() ledger.Account {
	return view.account
}

func (view *transactionView) HasIdempotencyKey(ctx context.Context, key ledger.IdempotencyKey) (bool, error) {
	if key.IsZero() {
		return false, nil
	}
	accountID := view.account.AccountID.String()
	var entryCount int64
	err := view.db.WithContext(ctx).Model(&LedgerEntry{}).
		Where(accountIDColumn+" = ? AND "+idempotencyKeyColumn+" = ?", accountID, key.String()).
		Count(&entryCount).Error
	if err != nil {
		return false, wrapStoreError(errorSubjectEntry, errorCodeLookup, err)
	}
	if entryCount > 0 {
		return true, nil
	}
	var eventCount int64
	err = view.db.WithContext(ctx).Model(&ProcessedEvent{}).
		Where(accountIDColumn+" = ? AND "+idempotencyKeyColumn+" = ?", accountID, key.String()).
		Count(&eventCount).Error
	if err != nil {
		return false, wrapStoreError(errorSubjectEvent, errorCodeLookup, err)
	}
	return eventCount > 0, nil
}

func (view *transactionView) ServiceRequest(ctx context.Context, requestID ledger.RequestID) (ledger.ServiceRequest, error) {
	return loadServiceRequest(view.db.WithContext(ctx), requestIDColumn+" = ? AND "+accountIDColumn+" = ?", requestID.String(), view.account.AccountID.String())
}

func loadAccount(db *gorm.DB, query string, args ...any) (ledger.Account, error) {
	var row Account
	err := db.Where(query, args...).Take(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return ledger.Account{}, wrapStoreError(errorSubjectAccount, errorCodeGet, ledger.ErrAccountNotFound)
	}
	if err != nil {
		return ledger.Account{}, wrapStoreError(errorSubjectAccount, errorCodeGet, err)
	}
	account, err := mapAccount(row)
	if err != nil {
		return ledger.Account{}, wrapStoreError(errorSubjectAccount, errorCodeInvalid, err)
	}
	return account, nil
}

func loadServiceRequest(db *gorm.DB, query string, args ...any) (ledger.ServiceRequest, error) {
	var row ServiceRequest
	err := db.Where(query, args...).Take(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return ledger.ServiceRequest{}, wrapStoreError(errorSubjectRequest, errorCodeGet, ledger.ErrUnknownServiceRequest)
	}
	if err != nil {
		return ledger.ServiceRequest{}, wrapStoreError(errorSubjectRequest, errorCodeGet, err)
	}
	request, err := mapServiceRequest(row)
	if err != nil {
		return ledger.ServiceRequest{}, wrapStoreError(errorSubjectRequest, errorCodeInvalid, err)
	}
	return request, nil
}

func updateAccountRow(transaction *gorm.DB, expectedVersion int64, account ledger.Account) error {
	row := accountRow(account)
	result := transaction.Model(&Account{}).
		Where(accountIDColumn+" = ? AND version = ?", row.AccountID, expectedVersion).
		Updates(map[string]any{
			"plan_tier":                   row.PlanTier,
			"subscription_plan_id":        row.SubscriptionPlanID,
			"subscription_start_unix_utc": row.SubscriptionStartUnixUTC,
			"subscription_end_unix_utc":   row.SubscriptionEndUnixUTC,
			"balance":                     row.Balance,
			"last_grant_unix_utc":         row.LastGrantUnixUTC,
			"next_grant_due_unix_utc":     row.NextGrantDueUnixUTC,
			"last_free_grant_unix_utc":    row.LastFreeGrantUnixUTC,
			"billing_customer_id":         row.BillingCustomerID,
			"billing_subscription_id":     row.BillingSubscriptionID,
			"version":                     row.Version,
		})
	// The only unique key an account update can hit is the billing customer id.
	if isUniqueViolation(result.Error) {
		return wrapStoreError(errorSubjectAccount, errorCodeCustomerLinked, ledger.ErrUnknownExternalRef)
	}
	if result.Error != nil {
		return wrapStoreError(errorSubjectAccount, errorCodeUpdate, result.Error)
	}
	if result.RowsAffected == 0 {
		return wrapStoreError(errorSubjectAccount, errorCodeVersion, ledger.ErrConflict)
	}
	return nil
}

func insertEntries(transaction *gorm.DB, inputs []ledger.EntryInput) ([]ledger.Entry, error) {
	entries := make([]ledger.Entry, 0, len(inputs))
	for _, input := range inputs {
		row := LedgerEntry{
			AccountID:      input.AccountID().String(),
			Kind:           input.Kind().String(),
			Amount:         input.Amount().Int64(),
			PlanID:         optionalString(input.PlanID().String()),
			Description:    input.Description(),
			IdempotencyKey: optionalString(input.IdempotencyKey().String()),
			Metadata:       datatypesJSON(input.Metadata().String()),
			CreatedAt:      unixTime(input.CreatedUnixUTC()),
		}
		err := transaction.Create(&row).Error
		if isUniqueViolation(err) {
			return nil, wrapStoreError(errorSubjectEntry, errorCodeDuplicate, ledger.ErrDuplicateIdempotencyKey)
		}
		if err != nil {
			return nil, wrapStoreError(errorSubjectEntry, errorCodeInsert, err)
		}
		entryID, err := ledger.NewEntryID(row.EntryID)
		if err != nil {
			return nil, wrapStoreError(errorSubjectEntry, errorCodeInvalid, err)
		}
		entries = append(entries, ledger.NewEntry(entryID, row.Sequence, input))
	}
	return entries, nil
}

func insertProcessedEvent(transaction *gorm.DB, event ledger.ProcessedEvent) error {
	row := ProcessedEvent{
		AccountID:      event.AccountID.String(),
		IdempotencyKey: event.IdempotencyKey.String(),
		EventType:      string(event.EventType),
		Outcome:        string(event.Outcome),
		CreatedAt:      unixTime(event.CreatedUnixUTC),
	}
	err := transaction.Create(&row).Error
	if isUniqueViolation(err) {
		return wrapStoreError(errorSubjectEvent, errorCodeDuplicate, ledger.ErrDuplicateIdempotencyKey)
	}
	if err != nil {
		return wrapStoreError(errorSubjectEvent, errorCodeInsert, err)
	}
	return nil
}

func saveServiceRequest(transaction *gorm.DB, request ledger.ServiceRequest) error {
	services := make([]string, 0, len(request.Services))
	for _, service := range request.Services {
		services = append(services, service.String())
	}
	row := ServiceRequest{
		RequestID: request.RequestID.String(),
		AccountID: request.AccountID.String(),
		Services:  strings.Join(services, servicesDelimiter),
		Cost:      request.CostAtRequestTime.Int64(),
		Status:    request.Status.String(),
		Refunded:  request.Refunded,
		CreatedAt: unixTime(request.CreatedUnixUTC),
		UpdatedAt: unixTime(request.UpdatedUnixUTC),
	}
	err := transaction.Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: requestIDColumn}},
		DoUpdates: clause.AssignmentColumns([]string{"status", "refunded", "updated_at"}),
	}).Create(&row).Error
	if err != nil {
		return wrapStoreError(errorSubjectRequest, errorCodeInsert, err)
	}
	return nil
}

func accountRow(account ledger.Account) Account {
	return Account{
		AccountID:                account.AccountID.String(),
		PlanTier:                 account.PlanTier.String(),
		SubscriptionPlanID:       optionalString(account.SubscriptionPlanID.String()),
		SubscriptionStartUnixUTC: account.SubscriptionStartUnixUTC,
		SubscriptionEndUnixUTC:   account.SubscriptionEndUnixUTC,
		Balance:                  account.Balance.Int64(),
		LastGrantUnixUTC:         account.LastGrantUnixUTC,
		NextGrantDueUnixUTC:      account.NextGrantDueUnixUTC,
		LastFreeGrantUnixUTC:     account.LastFreeGrantUnixUTC,
		BillingCustomerID:        optionalString(account.BillingRef.CustomerID),
		BillingSubscriptionID:    optionalString(account.BillingRef.SubscriptionID),
		Version:                  account.Version,
		CreatedAt:                unixTime(account.CreatedUnixUTC),
	}
}

func mapAccount(row Account) (ledger.Account, error) {
	accountID, err := ledger.NewAccountID(row.AccountID)
	if err != nil {
		return ledger.Account{}, err
	}
	tier, err := ledger.ParsePlanTier(row.PlanTier)
	if err != nil {
		return ledger.Account{}, err
	}
	balance, err := ledger.NewCredits(row.Balance)
	if err != nil {
		return ledger.Account{}, err
	}
	var planID ledger.PlanID
	if value := derefString(row.SubscriptionPlanID); value != "" {
		planID, err = ledger.NewPlanID(value)
		if err != nil {
			return ledger.Account{}, err
		}
	}
	return ledger.Account{
		AccountID:                accountID,
		PlanTier:                 tier,
		SubscriptionPlanID:       planID,
		SubscriptionStartUnixUTC: row.SubscriptionStartUnixUTC,
		SubscriptionEndUnixUTC:   row.SubscriptionEndUnixUTC,
		Balance:                  balance,
		LastGrantUnixUTC:         row.LastGrantUnixUTC,
		NextGrantDueUnixUTC:      row.NextGrantDueUnixUTC,
		LastFreeGrantUnixUTC:     row.LastFreeGrantUnixUTC,
		BillingRef: ledger.BillingRef{
			CustomerID:     derefString(row.BillingCustomerID),
			SubscriptionID: derefString(row.BillingSubscriptionID),
		},
		Version:        row.Version,
		CreatedUnixUTC: row.CreatedAt.UTC().Unix(),
	}, nil
}

func mapLedgerEntry(row LedgerEntry) (ledger.Entry, error) {
	entryID, err := ledger.NewEntryID(row.EntryID)
	if err != nil {
		return ledger.Entry{}, err
	}
	accountID, err := ledger.NewAccountID(row.AccountID)
	if err != nil {
		return ledger.Entry{}, err
	}
	kind, err := ledger.ParseEntryKind(row.Kind)
	if err != nil {
		return ledger.Entry{}, err
	}
	amount, err := ledger.NewEntryAmount(row.Amount)
	if err != nil {
		return ledger.Entry{}, err
	}
	var planID ledger.PlanID
	if value := derefString(row.PlanID); value != "" {
		planID, err = ledger.NewPlanID(value)
		if err != nil {
			return ledger.Entry{}, err
		}
	}
	metadata, err := ledger.NewMetadataJSON(string(row.Metadata))
	if err != nil {
		return ledger.Entry{}, err
	}
	return ledger.Entry{
		EntryID:        entryID,
		AccountID:      accountID,
		Sequence:       row.Sequence,
		Kind:           kind,
		Amount:         amount,
		PlanID:         planID,
		Description:    row.Description,
		IdempotencyKey: ledger.OptionalIdempotencyKey(derefString(row.IdempotencyKey)),
		Metadata:       metadata,
		CreatedUnixUTC: row.CreatedAt.UTC().Unix(),
	}, nil
}

func mapServiceRequest(row ServiceRequest) (ledger.ServiceRequest, error) {
	requestID, err := ledger.NewRequestID(row.RequestID)
	if err != nil {
		return ledger.ServiceRequest{}, err
	}
	accountID, err := ledger.NewAccountID(row.AccountID)
	if err != nil {
		return ledger.ServiceRequest{}, err
	}
	services := make([]ledger.MailService, 0, 2)
	for _, raw := range strings.Split(row.Services, servicesDelimiter) {
		service, err := ledger.ParseService(raw)
		if err != nil {
			return ledger.ServiceRequest{}, err
		}
		services = append(services, service)
	}
	cost, err := ledger.NewPositiveCredits(row.Cost)
	if err != nil {
		return ledger.ServiceRequest{}, err
	}
	status, err := ledger.ParseRequestStatus(row.Status)
	if err != nil {
		return ledger.ServiceRequest{}, err
	}
	return ledger.ServiceRequest{
		RequestID:         requestID,
		AccountID:         accountID,
		Services:          services,
		CostAtRequestTime: cost,
		Status:            status,
		Refunded:          row.Refunded,
		CreatedUnixUTC:    row.CreatedAt.UTC().Unix(),
		UpdatedUnixUTC:    row.UpdatedAt.UTC().Unix(),
	}, nil
}

func optionalString(value string) *string {
	if value == "" {
		return nil
	}
	return &value
}

func derefString(value *string) string {
	if value == nil {
		return ""
	}
	return *value
}

func unixTime(unixUTC int64) time.Time {
	if unixUTC == 0 {
		return time.Now().UTC()
	}
	return time.Unix(unixUTC, 0).UTC()
}

func datatypesJSON(raw string) datatypes.JSON {
	if raw == "" {
		raw = defaultMetadataJSON
	}
	return datatypes.JSON([]byte(raw))
}

func wrapStoreError(subject string, code string, err error) error {
	return ledger.WrapError(errorOperationStore, subject, code, err)
}

func isUniqueViolation(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return true
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == pgUniqueViolationCode
	}
	var sqliteErr *gosqlite.Error
	if errors.As(err, &sqliteErr) {
		return sqliteErr.Code()&0xFF == sqliteConstraintCode
	}
	return false
}

// isTransientConflict reports serialization failures and busy databases, which
// callers retry exactly like a version conflict.
func isTransientConflict(err error) bool {
	if err == nil || errors.Is(err, ledger.ErrConflict) {
		return false
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == pgSerializationCode
	}
	var sqliteErr *gosqlite.Error
	if errors.As(err, &sqliteErr) {
		code := sqliteErr.Code() & 0xFF
		return code == sqliteBusyCode || code == sqliteLockedCode
	}
	return false
}
