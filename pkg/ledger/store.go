package ledger

import (
	"context"
	"fmt"
)

// Store is the persistence contract used by Service and Reconciler.
// Implementations live in internal/store.
type Store interface {
	CreateAccount(ctx context.Context, account Account) error
	GetAccount(ctx context.Context, accountID AccountID) (Account, error)
	// FindAccountByExternalRef matches a payment-provider customer or subscription id.
	FindAccountByExternalRef(ctx context.Context, ref string) (Account, error)
	// UpdateAccount runs mutate inside one transaction and commits the returned
	// Mutation atomically. A concurrent writer surfaces as ErrConflict.
	UpdateAccount(ctx context.Context, accountID AccountID, mutate Mutator) (Commit, error)
	ListEntries(ctx context.Context, accountID AccountID, beforeSequence int64, limit int) ([]Entry, error)
	ListPremiumAccountsDue(ctx context.Context, atUnixUTC int64, afterAccountID string, limit int) ([]AccountID, error)
	ListFreeAccountsDue(ctx context.Context, cutoffUnixUTC int64, afterAccountID string, limit int) ([]AccountID, error)
	GetServiceRequest(ctx context.Context, requestID RequestID) (ServiceRequest, error)
	ListServiceRequests(ctx context.Context, accountID AccountID, limit int) ([]ServiceRequest, error)
}

// AccountView is the transactional snapshot handed to a Mutator.
type AccountView interface {
	Account() Account
	HasIdempotencyKey(ctx context.Context, key IdempotencyKey) (bool, error)
	ServiceRequest(ctx context.Context, requestID RequestID) (ServiceRequest, error)
}

// Mutator computes the next state of an account from a consistent snapshot.
type Mutator func(ctx context.Context, view AccountView) (Mutation, error)

// Mutation is everything a single operation commits for one account.
type Mutation struct {
	Account Account
	Entries []EntryInput
	Event   *ProcessedEvent
	Request *ServiceRequest
}

// Commit is what a store persisted for one UpdateAccount call.
type Commit struct {
	Account Account
	Entries []Entry
	Event   *ProcessedEvent
	Request *ServiceRequest
}

// IsNoop reports whether committing the mutation would change nothing.
func (mutation Mutation) IsNoop(current Account) bool {
	return mutation.Account == current && len(mutation.Entries) == 0 && mutation.Event == nil && mutation.Request == nil
}

// Validate checks the mutation against the state it was derived from. Stores
// call it before writing so the cached balance always equals the entry sum.
func (mutation Mutation) Validate(current Account) error {
	if mutation.Account.AccountID != current.AccountID {
		return fmt.Errorf("%w: mutation targets %s, loaded %s", ErrInvalidBalance, mutation.Account.AccountID, current.AccountID)
	}
	if mutation.Account.Version != current.Version {
		return fmt.Errorf("%w: mutation must not change the version", ErrConflict)
	}
	expected := current.Balance.Int64()
	keys := make(map[IdempotencyKey]struct{}, len(mutation.Entries))
	for _, entry := range mutation.Entries {
		if entry.AccountID() != current.AccountID {
			return fmt.Errorf("%w: entry for foreign account %s", ErrInvalidBalance, entry.AccountID())
		}
		if !entry.IdempotencyKey().IsZero() {
			if _, duplicate := keys[entry.IdempotencyKey()]; duplicate {
				return fmt.Errorf("%w: %s repeated in one mutation", ErrDuplicateIdempotencyKey, entry.IdempotencyKey())
			}
			keys[entry.IdempotencyKey()] = struct{}{}
		}
		expected += entry.Amount().Int64()
	}
	if expected < 0 {
		return ErrInsufficientBalance
	}
	if mutation.Account.Balance.Int64() != expected {
		return WrapError("mutation", "balance", "mismatch", fmt.Errorf("%w: cached %d, entries sum to %d", ErrInvalidBalance, mutation.Account.Balance, expected))
	}
	return nil
}

// applyEntries returns the account with its cached balance advanced by the entries.
func applyEntries(account Account, entries []EntryInput) (Account, error) {
	balance := account.Balance.Int64()
	for _, entry := range entries {
		balance += entry.Amount().Int64()
	}
	if balance < 0 {
		return Account{}, ErrInsufficientBalance
	}
	account.Balance = Credits(balance)
	return account, nil
}
