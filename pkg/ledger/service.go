package ledger

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
)

const defaultRetryInterval = 25 * time.Millisecond

// Service contains the domain logic over a Store.
type Service struct {
	store            Store
	nowFn            func() int64
	catalog          *PlanCatalog
	packages         *PackageCatalog
	prices           ServicePrices
	freeTier         FreeTierPolicy
	cadenceSeconds   int64
	maxAttempts      int
	retryInterval    time.Duration
	newID            func() string
	sweepConcurrency int
	logger           OperationLogger
}

// NewService wires a Service.
func NewService(store Store, now func() int64, catalog *PlanCatalog, options ...ServiceOption) (*Service, error) {
	if store == nil {
		return nil, fmt.Errorf("%w: store dependency is nil", ErrInvalidServiceConfig)
	}
	if now == nil {
		return nil, fmt.Errorf("%w: clock dependency is nil", ErrInvalidServiceConfig)
	}
	if catalog == nil {
		return nil, fmt.Errorf("%w: plan catalog is nil", ErrInvalidServiceConfig)
	}
	service := &Service{
		store:            store,
		nowFn:            now,
		catalog:          catalog,
		packages:         &PackageCatalog{},
		cadenceSeconds:   DefaultGrantCadenceSeconds,
		maxAttempts:      DefaultMaxAttempts,
		retryInterval:    defaultRetryInterval,
		newID:            uuid.NewString,
		sweepConcurrency: defaultSweepConcurrency,
	}
	for _, option := range options {
		if option != nil {
			option(service)
		}
	}
	if service.freeTier.Credits > 0 && service.freeTier.EligibilitySeconds <= 0 {
		service.freeTier.EligibilitySeconds = DefaultFreeTierEligibilitySeconds
	}
	return service, nil
}

// Catalog exposes the plan catalog the service was built with.
func (service *Service) Catalog() *PlanCatalog {
	return service.catalog
}

// OpenAccount creates a free account with a zero balance. Opening an existing account returns it unchanged.
func (service *Service) OpenAccount(ctx context.Context, accountID AccountID) (Account, error) {
	account, operationError := service.openAccount(ctx, accountID)
	service.logOperation(ctx, OperationLog{
		Operation: operationOpenAccount,
		AccountID: accountID,
		Error:     operationError,
	})
	return account, operationError
}

func (service *Service) openAccount(ctx context.Context, accountID AccountID) (Account, error) {
	account, err := NewAccount(accountID, service.nowFn())
	if err != nil {
		return Account{}, err
	}
	err = service.store.CreateAccount(ctx, account)
	if errors.Is(err, ErrAccountExists) {
		return service.store.GetAccount(ctx, accountID)
	}
	if err != nil {
		return Account{}, err
	}
	return service.store.GetAccount(ctx, accountID)
}

// GetAccount returns the stored account.
func (service *Service) GetAccount(ctx context.Context, accountID AccountID) (Account, error) {
	return service.store.GetAccount(ctx, accountID)
}

// Balance returns the spendable credits and the effective plan tier.
func (service *Service) Balance(ctx context.Context, accountID AccountID) (Balance, error) {
	account, err := service.store.GetAccount(ctx, accountID)
	if err != nil {
		return Balance{}, err
	}
	tier := account.PlanTier
	if account.SubscriptionExpired(service.nowFn()) {
		tier = PlanTierFree
	}
	return Balance{
		AccountID: account.AccountID,
		Credits:   account.Balance,
		PlanTier:  tier,
	}, nil
}

// History lists ledger entries newest first. A zero beforeSequence starts at the latest entry.
func (service *Service) History(ctx context.Context, accountID AccountID, beforeSequence int64, limit int) ([]Entry, error) {
	if _, err := service.store.GetAccount(ctx, accountID); err != nil {
		return nil, err
	}
	return service.store.ListEntries(ctx, accountID, beforeSequence, normalizeLimit(limit))
}

// Spend debits the account immediately. Amounts above the balance are rejected whole.
func (service *Service) Spend(ctx context.Context, accountID AccountID, amount PositiveCredits, description string, idempotencyKey IdempotencyKey) (Entry, error) {
	commit, attempts, operationError := service.update(ctx, accountID, func(ctx context.Context, view AccountView) (Mutation, error) {
		account := view.Account()
		if err := rejectSeenKey(ctx, view, idempotencyKey); err != nil {
			return Mutation{}, err
		}
		if amount.Int64() > account.Balance.Int64() {
			return Mutation{}, fmt.Errorf("%w: balance %d, requested %d", ErrInsufficientBalance, account.Balance, amount)
		}
		entry, err := NewEntryInput(accountID, EntrySpend, amount.ToEntryAmount().Negated(), PlanID{}, description, idempotencyKey, MetadataJSON{}, service.nowFn())
		if err != nil {
			return Mutation{}, err
		}
		return service.mutationWithEntries(account, entry)
	})
	service.logOperation(ctx, OperationLog{
		Operation:      operationSpend,
		AccountID:      accountID,
		Amount:         amount.ToEntryAmount().Negated(),
		IdempotencyKey: idempotencyKey,
		Attempts:       attempts,
		Error:          operationError,
	})
	if operationError != nil {
		return Entry{}, operationError
	}
	return firstEntry(commit)
}

// Refund credits the account back unconditionally. Callers decide when a refund is owed.
func (service *Service) Refund(ctx context.Context, accountID AccountID, amount PositiveCredits, description string, idempotencyKey IdempotencyKey) (Entry, error) {
	commit, attempts, operationError := service.update(ctx, accountID, func(ctx context.Context, view AccountView) (Mutation, error) {
		if err := rejectSeenKey(ctx, view, idempotencyKey); err != nil {
			return Mutation{}, err
		}
		entry, err := NewEntryInput(accountID, EntryRefund, amount.ToEntryAmount(), PlanID{}, description, idempotencyKey, MetadataJSON{}, service.nowFn())
		if err != nil {
			return Mutation{}, err
		}
		return service.mutationWithEntries(view.Account(), entry)
	})
	service.logOperation(ctx, OperationLog{
		Operation:      operationRefund,
		AccountID:      accountID,
		Amount:         amount.ToEntryAmount(),
		IdempotencyKey: idempotencyKey,
		Attempts:       attempts,
		Error:          operationError,
	})
	if operationError != nil {
		return Entry{}, operationError
	}
	return firstEntry(commit)
}

// Adjust appends an admin correction. Negative adjustments may not overdraw the account.
func (service *Service) Adjust(ctx context.Context, accountID AccountID, amount EntryAmount, reason string, idempotencyKey IdempotencyKey) (Entry, error) {
	commit, attempts, operationError := service.update(ctx, accountID, func(ctx context.Context, view AccountView) (Mutation, error) {
		if err := rejectSeenKey(ctx, view, idempotencyKey); err != nil {
			return Mutation{}, err
		}
		entry, err := NewEntryInput(accountID, EntryAdminAdjustment, amount, PlanID{}, reason, idempotencyKey, MetadataJSON{}, service.nowFn())
		if err != nil {
			return Mutation{}, err
		}
		return service.mutationWithEntries(view.Account(), entry)
	})
	service.logOperation(ctx, OperationLog{
		Operation:      operationAdjust,
		AccountID:      accountID,
		Amount:         amount,
		IdempotencyKey: idempotencyKey,
		Attempts:       attempts,
		Error:          operationError,
	})
	if operationError != nil {
		return Entry{}, operationError
	}
	return firstEntry(commit)
}

// update runs a mutator through the store, retrying conflicts with exponential backoff.
func (service *Service) update(ctx context.Context, accountID AccountID, mutate Mutator) (Commit, int, error) {
	var (
		commit   Commit
		attempts int
	)
	policy := backoff.WithContext(backoff.WithMaxRetries(service.newBackOff(), uint64(service.maxAttempts-1)), ctx)
	err := backoff.Retry(func() error {
		attempts++
		result, err := service.store.UpdateAccount(ctx, accountID, mutate)
		if err != nil {
			if IsRetryable(err) {
				return err
			}
			return backoff.Permanent(err)
		}
		commit = result
		return nil
	}, policy)
	if err != nil {
		if IsRetryable(err) {
			return Commit{}, attempts, WrapError("service", "account", "retries_exhausted", fmt.Errorf("%w after %d attempts: %v", ErrConflict, attempts, err))
		}
		return Commit{}, attempts, err
	}
	return commit, attempts, nil
}

func (service *Service) newBackOff() backoff.BackOff {
	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = service.retryInterval
	policy.MaxInterval = 16 * service.retryInterval
	policy.MaxElapsedTime = 0
	policy.Reset()
	return policy
}

func (service *Service) mutationWithEntries(account Account, entries ...EntryInput) (Mutation, error) {
	next, err := applyEntries(account, entries)
	if err != nil {
		return Mutation{}, err
	}
	return Mutation{Account: next, Entries: entries}, nil
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

func rejectSeenKey(ctx context.Context, view AccountView, idempotencyKey IdempotencyKey) error {
	if idempotencyKey.IsZero() {
		return nil
	}
	seen, err := view.HasIdempotencyKey(ctx, idempotencyKey)
	if err != nil {
		return err
	}
	if seen {
		return fmt.Errorf("%w: %s", ErrDuplicateEvent, idempotencyKey)
	}
	return nil
}

func firstEntry(commit Commit) (Entry, error) {
	if len(commit.Entries) == 0 {
		return Entry{}, WrapError("service", "entry", "missing", ErrInvalidBalance)
	}
	return commit.Entries[0], nil
}

func deriveIdempotencyKey(parts ...string) IdempotencyKey {
	return OptionalIdempotencyKey(strings.Join(parts, idempotencyKeyDelimiter))
}

func normalizeLimit(limit int) int {
	if limit <= 0 {
		return DefaultHistoryLimit
	}
	if limit > MaxHistoryLimit {
		return MaxHistoryLimit
	}
	return limit
}
