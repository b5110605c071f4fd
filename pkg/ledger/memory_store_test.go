package ledger

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"testing"
	"time"
)

const (
	testStartUnixUTC = int64(1_700_000_000)
	testDaySeconds   = int64(24 * 60 * 60)
)

// memoryStore is an optimistic in-memory Store. The mutator runs outside the
// lock so concurrent callers genuinely race and surface ErrConflict.
type memoryStore struct {
	mutex           sync.Mutex
	accounts        map[AccountID]Account
	entries         map[AccountID][]Entry
	events          map[AccountID]map[IdempotencyKey]ProcessedEvent
	requests        map[RequestID]ServiceRequest
	sequence        int64
	forcedConflicts int
	updateCalls     int
	getAccountError error
	updateError     error
}

func newMemoryStore(test *testing.T) *memoryStore {
	test.Helper()
	return &memoryStore{
		accounts: make(map[AccountID]Account),
		entries:  make(map[AccountID][]Entry),
		events:   make(map[AccountID]map[IdempotencyKey]ProcessedEvent),
		requests: make(map[RequestID]ServiceRequest),
	}
}

func (store *memoryStore) CreateAccount(_ context.Context, account Account) error {
	store.mutex.Lock()
	defer store.mutex.Unlock()
	if _, exists := store.accounts[account.AccountID]; exists {
		return ErrAccountExists
	}
	store.accounts[account.AccountID] = account
	return nil
}

func (store *memoryStore) GetAccount(_ context.Context, accountID AccountID) (Account, error) {
	store.mutex.Lock()
	defer store.mutex.Unlock()
	if store.getAccountError != nil {
		return Account{}, store.getAccountError
	}
	account, ok := store.accounts[accountID]
	if !ok {
		return Account{}, ErrAccountNotFound
	}
	return account, nil
}

func (store *memoryStore) FindAccountByExternalRef(_ context.Context, ref string) (Account, error) {
	store.mutex.Lock()
	defer store.mutex.Unlock()
	for _, account := range store.accounts {
		if account.BillingRef.CustomerID == ref || account.BillingRef.SubscriptionID == ref {
			return account, nil
		}
	}
	return Account{}, ErrAccountNotFound
}

func (store *memoryStore) UpdateAccount(ctx context.Context, accountID AccountID, mutate Mutator) (Commit, error) {
	store.mutex.Lock()
	store.updateCalls++
	if store.updateError != nil {
		store.mutex.Unlock()
		return Commit{}, store.updateError
	}
	current, ok := store.accounts[accountID]
	store.mutex.Unlock()
	if !ok {
		return Commit{}, ErrAccountNotFound
	}

	mutation, err := mutate(ctx, memoryView{store: store, account: current})
	if err != nil {
		return Commit{}, err
	}

	store.mutex.Lock()
	defer store.mutex.Unlock()
	if store.forcedConflicts > 0 {
		store.forcedConflicts--
		return Commit{}, ErrConflict
	}
	if store.accounts[accountID].Version != current.Version {
		return Commit{}, ErrConflict
	}
	if mutation.IsNoop(current) {
		return Commit{Account: current}, nil
	}
	if err := mutation.Validate(current); err != nil {
		return Commit{}, err
	}
	for _, input := range mutation.Entries {
		if !input.IdempotencyKey().IsZero() && store.hasKeyLocked(accountID, input.IdempotencyKey()) {
			return Commit{}, ErrDuplicateIdempotencyKey
		}
	}
	if mutation.Event != nil && store.hasKeyLocked(accountID, mutation.Event.IdempotencyKey) {
		return Commit{}, ErrDuplicateIdempotencyKey
	}

	commit := Commit{Account: mutation.Account}
	for _, input := range mutation.Entries {
		store.sequence++
		entry := NewEntry(EntryID{value: fmt.Sprintf("entry-%d", store.sequence)}, store.sequence, input)
		store.entries[accountID] = append(store.entries[accountID], entry)
		commit.Entries = append(commit.Entries, entry)
	}
	if mutation.Event != nil {
		if store.events[accountID] == nil {
			store.events[accountID] = make(map[IdempotencyKey]ProcessedEvent)
		}
		store.events[accountID][mutation.Event.IdempotencyKey] = *mutation.Event
		event := *mutation.Event
		commit.Event = &event
	}
	if mutation.Request != nil {
		request := *mutation.Request
		store.requests[request.RequestID] = request
		commit.Request = &request
	}
	commit.Account.Version = current.Version + 1
	store.accounts[accountID] = commit.Account
	return commit, nil
}

func (store *memoryStore) ListEntries(_ context.Context, accountID AccountID, beforeSequence int64, limit int) ([]Entry, error) {
	store.mutex.Lock()
	defer store.mutex.Unlock()
	all := store.entries[accountID]
	out := make([]Entry, 0, limit)
	for index := len(all) - 1; index >= 0 && len(out) < limit; index-- {
		if beforeSequence > 0 && all[index].Sequence >= beforeSequence {
			continue
		}
		out = append(out, all[index])
	}
	return out, nil
}

func (store *memoryStore) ListPremiumAccountsDue(_ context.Context, atUnixUTC int64, afterAccountID string, limit int) ([]AccountID, error) {
	return store.listAccounts(afterAccountID, limit, func(account Account) bool {
		return account.IsPremium() && (account.NextGrantDueUnixUTC <= atUnixUTC || account.SubscriptionEndUnixUTC <= atUnixUTC)
	}), nil
}

func (store *memoryStore) ListFreeAccountsDue(_ context.Context, cutoffUnixUTC int64, afterAccountID string, limit int) ([]AccountID, error) {
	return store.listAccounts(afterAccountID, limit, func(account Account) bool {
		return !account.IsPremium() && account.LastFreeGrantUnixUTC <= cutoffUnixUTC
	}), nil
}

func (store *memoryStore) GetServiceRequest(_ context.Context, requestID RequestID) (ServiceRequest, error) {
	store.mutex.Lock()
	defer store.mutex.Unlock()
	request, ok := store.requests[requestID]
	if !ok {
		return ServiceRequest{}, ErrUnknownServiceRequest
	}
	return request, nil
}

func (store *memoryStore) ListServiceRequests(_ context.Context, accountID AccountID, limit int) ([]ServiceRequest, error) {
	store.mutex.Lock()
	defer store.mutex.Unlock()
	out := make([]ServiceRequest, 0)
	for _, request := range store.requests {
		if request.AccountID == accountID {
			out = append(out, request)
		}
	}
	sort.Slice(out, func(left, right int) bool {
		if out[left].CreatedUnixUTC == out[right].CreatedUnixUTC {
			return out[left].RequestID.String() > out[right].RequestID.String()
		}
		return out[left].CreatedUnixUTC > out[right].CreatedUnixUTC
	})
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (store *memoryStore) listAccounts(afterAccountID string, limit int, match func(Account) bool) []AccountID {
	store.mutex.Lock()
	defer store.mutex.Unlock()
	ids := make([]AccountID, 0)
	for id, account := range store.accounts {
		if id.String() > afterAccountID && match(account) {
			ids = append(ids, id)
		}
	}
	sort.Slice(ids, func(left, right int) bool { return ids[left].String() < ids[right].String() })
	if len(ids) > limit {
		ids = ids[:limit]
	}
	return ids
}

func (store *memoryStore) hasKeyLocked(accountID AccountID, key IdempotencyKey) bool {
	for _, entry := range store.entries[accountID] {
		if entry.IdempotencyKey == key {
			return true
		}
	}
	_, seen := store.events[accountID][key]
	return seen
}

func (store *memoryStore) mustAccount(test *testing.T, accountID AccountID) Account {
	test.Helper()
	store.mutex.Lock()
	defer store.mutex.Unlock()
	account, ok := store.accounts[accountID]
	if !ok {
		test.Fatalf("account %s not found", accountID)
	}
	return account
}

func (store *memoryStore) entriesFor(accountID AccountID) []Entry {
	store.mutex.Lock()
	defer store.mutex.Unlock()
	return append([]Entry(nil), store.entries[accountID]...)
}

// assertBalanceMatchesEntries checks that the cached balance equals the entry sum.
func (store *memoryStore) assertBalanceMatchesEntries(test *testing.T, accountID AccountID) {
	test.Helper()
	account := store.mustAccount(test, accountID)
	var sum int64
	for _, entry := range store.entriesFor(accountID) {
		sum += entry.Amount.Int64()
	}
	if account.Balance.Int64() != sum {
		test.Fatalf("cached balance %d does not match entry sum %d", account.Balance, sum)
	}
}

type memoryView struct {
	store   *memoryStore
	account Account
}

func (view memoryView) Account() Account {
	return view.account
}

func (view memoryView) HasIdempotencyKey(_ context.Context, key IdempotencyKey) (bool, error) {
	view.store.mutex.Lock()
	defer view.store.mutex.Unlock()
	return view.store.hasKeyLocked(view.account.AccountID, key), nil
}

func (view memoryView) ServiceRequest(_ context.Context, requestID RequestID) (ServiceRequest, error) {
	view.store.mutex.Lock()
	defer view.store.mutex.Unlock()
	request, ok := view.store.requests[requestID]
	if !ok || request.AccountID != view.account.AccountID {
		return ServiceRequest{}, ErrUnknownServiceRequest
	}
	return request, nil
}

type testClock struct {
	mutex sync.Mutex
	now   int64
}

func newTestClock() *testClock {
	return &testClock{now: testStartUnixUTC}
}

func (clock *testClock) Now() int64 {
	clock.mutex.Lock()
	defer clock.mutex.Unlock()
	return clock.now
}

func (clock *testClock) Advance(days int64) {
	clock.mutex.Lock()
	defer clock.mutex.Unlock()
	clock.now += days * testDaySeconds
}

func mustTestCatalog(test *testing.T) *PlanCatalog {
	test.Helper()
	catalog, err := NewPlanCatalog(
		PlanDefinition{PlanID: mustPlanID(test, "monthly"), DurationMonths: 1, FreeCreditsPerMonth: 5, BonusCreditsPerMonth: 20, PriceIDs: []string{"price_monthly"}},
		PlanDefinition{PlanID: mustPlanID(test, "semiannual"), DurationMonths: 6, FreeCreditsPerMonth: 5, BonusCreditsPerMonth: 25, PriceIDs: []string{"price_semiannual"}},
		PlanDefinition{PlanID: mustPlanID(test, "annual"), DurationMonths: 12, FreeCreditsPerMonth: 5, BonusCreditsPerMonth: 30, PriceIDs: []string{"price_annual"}},
	)
	if err != nil {
		test.Fatalf("plan catalog: %v", err)
	}
	return catalog
}

func mustTestPackages(test *testing.T) *PackageCatalog {
	test.Helper()
	packages, err := NewPackageCatalog(
		CreditPackage{PackageID: "credits_5", Credits: 5, PriceCents: 500},
		CreditPackage{PackageID: "credits_10", Credits: 10, PriceCents: 900},
	)
	if err != nil {
		test.Fatalf("package catalog: %v", err)
	}
	return packages
}

func mustNewService(test *testing.T, store Store, clock *testClock, options ...ServiceOption) *Service {
	test.Helper()
	defaults := []ServiceOption{
		WithPackageCatalog(mustTestPackages(test)),
		WithServicePrices(ServicePrices{Scan: 1, Delivery: 2}),
		WithRetryPolicy(DefaultMaxAttempts, time.Millisecond),
	}
	service, err := NewService(store, clock.Now, mustTestCatalog(test), append(defaults, options...)...)
	if err != nil {
		test.Fatalf("new service: %v", err)
	}
	return service
}

func mustOpenAccount(test *testing.T, service *Service, raw string) AccountID {
	test.Helper()
	accountID := mustAccountID(test, raw)
	if _, err := service.OpenAccount(context.Background(), accountID); err != nil {
		test.Fatalf("open account: %v", err)
	}
	return accountID
}

func mustFund(test *testing.T, service *Service, accountID AccountID, amount int64) {
	test.Helper()
	if _, err := service.Adjust(context.Background(), accountID, mustEntryAmount(test, amount), "seed", IdempotencyKey{}); err != nil {
		test.Fatalf("fund account: %v", err)
	}
}

func mustAccountID(test *testing.T, raw string) AccountID {
	test.Helper()
	value, err := NewAccountID(raw)
	if err != nil {
		test.Fatalf("account id: %v", err)
	}
	return value
}

func mustPlanID(test *testing.T, raw string) PlanID {
	test.Helper()
	value, err := NewPlanID(raw)
	if err != nil {
		test.Fatalf("plan id: %v", err)
	}
	return value
}

func mustIdempotencyKey(test *testing.T, raw string) IdempotencyKey {
	test.Helper()
	value, err := NewIdempotencyKey(raw)
	if err != nil {
		test.Fatalf("idempotency key: %v", err)
	}
	return value
}

func mustPositiveCredits(test *testing.T, raw int64) PositiveCredits {
	test.Helper()
	value, err := NewPositiveCredits(raw)
	if err != nil {
		test.Fatalf("positive credits: %v", err)
	}
	return value
}

func mustEntryAmount(test *testing.T, raw int64) EntryAmount {
	test.Helper()
	value, err := NewEntryAmount(raw)
	if err != nil {
		test.Fatalf("entry amount: %v", err)
	}
	return value
}
