package ledger

import (
	"context"
	"fmt"
	"sync"

	"golang.org/x/sync/errgroup"
)

const (
	sweepPageSize           = 100
	defaultSweepConcurrency = 4
)

// GrantResult reports what a catch-up run applied.
type GrantResult struct {
	Account    Account
	Entries    []Entry
	Downgraded bool
}

// SweepFailure records an account the sweep could not reconcile.
type SweepFailure struct {
	AccountID AccountID
	Err       error
}

// SweepReport summarizes a sweep across many accounts.
type SweepReport struct {
	Scanned        int
	EntriesGranted int
	Downgraded     int
	Failures       []SweepFailure
}

// WithSweepConcurrency bounds how many accounts a sweep reconciles at once.
func WithSweepConcurrency(concurrency int) ServiceOption {
	return func(service *Service) {
		if concurrency > 0 {
			service.sweepConcurrency = concurrency
		}
	}
}

// CatchUpGrants applies every recurring grant owed to an account, or downgrades
// it when its subscription has ended.
func (service *Service) CatchUpGrants(ctx context.Context, accountID AccountID) (GrantResult, error) {
	var downgraded bool
	commit, attempts, operationError := service.update(ctx, accountID, func(ctx context.Context, view AccountView) (Mutation, error) {
		account := view.Account()
		schedule, err := ComputeGrants(account, service.catalog, service.nowFn(), service.cadenceSeconds)
		if err != nil {
			return Mutation{}, err
		}
		downgraded = schedule.Downgrade
		next, err := schedule.Apply(account)
		if err != nil {
			return Mutation{}, err
		}
		return Mutation{Account: next, Entries: schedule.Entries}, nil
	})
	service.logOperation(ctx, OperationLog{
		Operation:      operationCatchUp,
		AccountID:      accountID,
		EntriesApplied: len(commit.Entries),
		Downgraded:     operationError == nil && downgraded,
		Attempts:       attempts,
		Error:          operationError,
	})
	if operationError != nil {
		return GrantResult{}, operationError
	}
	return GrantResult{Account: commit.Account, Entries: commit.Entries, Downgraded: downgraded}, nil
}

// GrantFreeTier applies the free-tier monthly grant when the account is eligible.
// An ended subscription is downgraded in the same commit before eligibility is checked.
func (service *Service) GrantFreeTier(ctx context.Context, accountID AccountID) (GrantResult, error) {
	if !service.freeTier.Enabled() {
		account, err := service.store.GetAccount(ctx, accountID)
		if err != nil {
			return GrantResult{}, err
		}
		return GrantResult{Account: account}, nil
	}
	var downgraded bool
	commit, attempts, operationError := service.update(ctx, accountID, func(ctx context.Context, view AccountView) (Mutation, error) {
		account := view.Account()
		nowUnixUTC := service.nowFn()
		downgraded = false
		if account.SubscriptionExpired(nowUnixUTC) {
			account = account.downgraded()
			downgraded = true
		}
		if !service.freeTier.eligible(account, nowUnixUTC) {
			return Mutation{Account: account}, nil
		}
		key := freeGrantKey(accountID, nowUnixUTC, service.freeTier.EligibilitySeconds)
		seen, err := view.HasIdempotencyKey(ctx, key)
		if err != nil {
			return Mutation{}, err
		}
		if seen {
			return Mutation{Account: account}, nil
		}
		entry, err := NewEntryInput(accountID, EntryFreeGrant, EntryAmount(service.freeTier.Credits), PlanID{}, "Free monthly credits", key, MetadataJSON{}, nowUnixUTC)
		if err != nil {
			return Mutation{}, err
		}
		next, err := applyEntries(account, []EntryInput{entry})
		if err != nil {
			return Mutation{}, err
		}
		next.LastFreeGrantUnixUTC = nowUnixUTC
		return Mutation{Account: next, Entries: []EntryInput{entry}}, nil
	})
	service.logOperation(ctx, OperationLog{
		Operation:      operationFreeTierGrant,
		AccountID:      accountID,
		Amount:         EntryAmount(service.freeTier.Credits),
		EntriesApplied: len(commit.Entries),
		Downgraded:     operationError == nil && downgraded,
		Attempts:       attempts,
		Error:          operationError,
	})
	if operationError != nil {
		return GrantResult{}, operationError
	}
	return GrantResult{Account: commit.Account, Entries: commit.Entries, Downgraded: downgraded}, nil
}

// SyncOnLogin brings an account up to date when its owner signs in.
func (service *Service) SyncOnLogin(ctx context.Context, accountID AccountID) (Account, error) {
	result, err := service.CatchUpGrants(ctx, accountID)
	if err != nil {
		return Account{}, err
	}
	if !service.freeTier.Enabled() {
		return result.Account, nil
	}
	freeResult, err := service.GrantFreeTier(ctx, accountID)
	if err != nil {
		return Account{}, err
	}
	return freeResult.Account, nil
}

// ReconcileDueGrants runs the Grant Engine for every premium account with a
// grant due or a subscription ended. Per-account failures are reported, not fatal.
func (service *Service) ReconcileDueGrants(ctx context.Context) (SweepReport, error) {
	nowUnixUTC := service.nowFn()
	return service.sweep(ctx, func(ctx context.Context, after string) ([]AccountID, error) {
		return service.store.ListPremiumAccountsDue(ctx, nowUnixUTC, after, sweepPageSize)
	}, service.CatchUpGrants)
}

// ReconcileFreeTierGrants applies the free-tier grant to every eligible free account.
func (service *Service) ReconcileFreeTierGrants(ctx context.Context) (SweepReport, error) {
	if !service.freeTier.Enabled() {
		return SweepReport{}, nil
	}
	cutoffUnixUTC := service.nowFn() - service.freeTier.EligibilitySeconds
	return service.sweep(ctx, func(ctx context.Context, after string) ([]AccountID, error) {
		return service.store.ListFreeAccountsDue(ctx, cutoffUnixUTC, after, sweepPageSize)
	}, service.GrantFreeTier)
}

type pageLoader func(ctx context.Context, afterAccountID string) ([]AccountID, error)

type accountReconciler func(ctx context.Context, accountID AccountID) (GrantResult, error)

func (service *Service) sweep(ctx context.Context, loadPage pageLoader, reconcile accountReconciler) (SweepReport, error) {
	var (
		report SweepReport
		mutex  sync.Mutex
		after  string
	)
	for {
		accountIDs, err := loadPage(ctx, after)
		if err != nil {
			return report, WrapError("sweep", "accounts", "list", err)
		}
		group, groupContext := errgroup.WithContext(ctx)
		group.SetLimit(service.sweepConcurrency)
		for _, accountID := range accountIDs {
			accountID := accountID
			group.Go(func() error {
				if err := groupContext.Err(); err != nil {
					return err
				}
				result, err := reconcile(groupContext, accountID)
				mutex.Lock()
				defer mutex.Unlock()
				report.Scanned++
				if err != nil {
					report.Failures = append(report.Failures, SweepFailure{AccountID: accountID, Err: err})
					return nil
				}
				report.EntriesGranted += len(result.Entries)
				if result.Downgraded {
					report.Downgraded++
				}
				return nil
			})
		}
		if err := group.Wait(); err != nil {
			return report, fmt.Errorf("sweep interrupted: %w", err)
		}
		if len(accountIDs) < sweepPageSize {
			return report, nil
		}
		after = accountIDs[len(accountIDs)-1].String()
	}
}
