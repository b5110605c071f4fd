package ledger

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

// EventType names a payment-provider event the reconciler understands.
type EventType string

const (
	EventCheckoutCompleted       EventType = "checkout.session.completed"
	EventInvoicePaymentSucceeded EventType = "invoice.payment_succeeded"
	EventInvoicePaid             EventType = "invoice.paid"
	EventSubscriptionUpdated     EventType = "customer.subscription.updated"
	EventSubscriptionDeleted     EventType = "customer.subscription.deleted"
)

// String returns the provider's event type name.
func (eventType EventType) String() string {
	return string(eventType)
}

// CheckoutMode distinguishes subscription checkouts from one-off purchases.
type CheckoutMode string

const (
	CheckoutModeSubscription CheckoutMode = "subscription"
	CheckoutModePayment      CheckoutMode = "payment"
)

const (
	billingReasonSubscriptionCreate = "subscription_create"

	idempotencyPrefixCheckout = "checkout"
	idempotencyPrefixInvoice  = "invoice"
	idempotencyPrefixEvent    = "event"
)

var downgradeStatuses = map[string]struct{}{
	"canceled":           {},
	"unpaid":             {},
	"incomplete_expired": {},
}

var activeStatuses = map[string]struct{}{
	"active":   {},
	"trialing": {},
}

// BillingEvent is a verified payment-provider event reduced to the fields the
// ledger needs. Adapters fill it from the provider payload.
type BillingEvent struct {
	EventID            string
	Type               EventType
	Mode               CheckoutMode
	SessionID          string
	InvoiceID          string
	BillingReason      string
	CustomerRef        string
	SubscriptionRef    string
	AccountHint        string
	PriceID            string
	PlanID             string
	PackageID          string
	AmountCents        int64
	SubscriptionStatus string
}

// IdempotencyKey derives the replay key from the provider's natural identifier:
// the checkout session, the invoice, or the event itself.
func (event BillingEvent) IdempotencyKey() IdempotencyKey {
	switch event.Type {
	case EventCheckoutCompleted:
		if sessionID := strings.TrimSpace(event.SessionID); sessionID != "" {
			return deriveIdempotencyKey(idempotencyPrefixCheckout, sessionID)
		}
	case EventInvoicePaymentSucceeded, EventInvoicePaid:
		if invoiceID := strings.TrimSpace(event.InvoiceID); invoiceID != "" {
			return deriveIdempotencyKey(idempotencyPrefixInvoice, invoiceID)
		}
	}
	if eventID := strings.TrimSpace(event.EventID); eventID != "" {
		return deriveIdempotencyKey(idempotencyPrefixEvent, eventID)
	}
	return IdempotencyKey{}
}

// Validate rejects events without a type or a replay key.
func (event BillingEvent) Validate() error {
	if strings.TrimSpace(event.Type.String()) == "" {
		return fmt.Errorf("%w: event type is required", ErrInvalidEvent)
	}
	if event.IdempotencyKey().IsZero() {
		return fmt.Errorf("%w: %s has no event, session or invoice id", ErrInvalidEvent, event.Type)
	}
	return nil
}

// Supported reports whether the reconciler acts on this event type.
func (event BillingEvent) Supported() bool {
	switch event.Type {
	case EventCheckoutCompleted:
		return event.Mode == CheckoutModeSubscription || event.Mode == CheckoutModePayment
	case EventInvoicePaymentSucceeded, EventInvoicePaid, EventSubscriptionUpdated, EventSubscriptionDeleted:
		return true
	default:
		return false
	}
}

// ReconcileResult reports how an event was handled.
type ReconcileResult struct {
	Outcome    EventOutcome
	Account    Account
	Entries    []Entry
	Downgraded bool
}

// Reconciler maps payment-provider events onto account transitions. Every
// transition commits together with its ProcessedEvent record.
type Reconciler struct {
	service *Service
}

// NewReconciler wires a Reconciler over a Service.
func NewReconciler(service *Service) (*Reconciler, error) {
	if service == nil {
		return nil, fmt.Errorf("%w: service dependency is nil", ErrInvalidServiceConfig)
	}
	return &Reconciler{service: service}, nil
}

// Reconcile applies one billing event. Replays return OutcomeDuplicate and a nil error.
func (reconciler *Reconciler) Reconcile(ctx context.Context, event BillingEvent) (ReconcileResult, error) {
	result, attempts, reconcileError := reconciler.reconcile(ctx, event)
	reconciler.service.logOperation(ctx, OperationLog{
		Operation:      operationReconcile,
		AccountID:      result.Account.AccountID,
		IdempotencyKey: event.IdempotencyKey(),
		EventType:      event.Type,
		EventID:        event.EventID,
		Outcome:        result.Outcome,
		EntriesApplied: len(result.Entries),
		Downgraded:     result.Downgraded,
		Attempts:       attempts,
		Error:          reconcileError,
	})
	return result, reconcileError
}

func (reconciler *Reconciler) reconcile(ctx context.Context, event BillingEvent) (ReconcileResult, int, error) {
	if err := event.Validate(); err != nil {
		return ReconcileResult{}, 0, err
	}
	if !event.Supported() {
		return ReconcileResult{Outcome: OutcomeIgnored}, 0, nil
	}
	if err := reconciler.precheck(event); err != nil {
		return ReconcileResult{}, 0, err
	}
	target, err := reconciler.resolveAccount(ctx, event)
	if err != nil {
		return ReconcileResult{}, 0, err
	}

	key := event.IdempotencyKey()
	var transition accountTransition
	commit, attempts, updateError := reconciler.service.update(ctx, target.AccountID, func(ctx context.Context, view AccountView) (Mutation, error) {
		if err := rejectSeenKey(ctx, view, key); err != nil {
			return Mutation{}, err
		}
		account := view.Account()
		if err := checkCustomerLink(account, event); err != nil {
			return Mutation{}, err
		}
		var err error
		transition, err = reconciler.transition(linkCustomer(account, event), event, key)
		if err != nil {
			return Mutation{}, err
		}
		outcome := OutcomeApplied
		if len(transition.entries) == 0 && transition.account == account {
			outcome = OutcomeIgnored
		}
		transition.outcome = outcome
		return Mutation{
			Account: transition.account,
			Entries: transition.entries,
			Event: &ProcessedEvent{
				IdempotencyKey: key,
				AccountID:      account.AccountID,
				EventType:      event.Type,
				Outcome:        outcome,
				CreatedUnixUTC: reconciler.service.nowFn(),
			},
		}, nil
	})
	if errors.Is(updateError, ErrDuplicateEvent) {
		current, err := reconciler.service.store.GetAccount(ctx, target.AccountID)
		if err != nil {
			return ReconcileResult{Outcome: OutcomeDuplicate, Account: target}, attempts, nil
		}
		return ReconcileResult{Outcome: OutcomeDuplicate, Account: current}, attempts, nil
	}
	if updateError != nil {
		return ReconcileResult{Account: target}, attempts, updateError
	}
	return ReconcileResult{
		Outcome:    transition.outcome,
		Account:    commit.Account,
		Entries:    commit.Entries,
		Downgraded: transition.downgraded,
	}, attempts, nil
}

// precheck validates catalog references before any account is touched so that
// unknown plans and packages are rejected regardless of account state.
func (reconciler *Reconciler) precheck(event BillingEvent) error {
	switch event.Type {
	case EventCheckoutCompleted:
		switch event.Mode {
		case CheckoutModeSubscription:
			_, err := reconciler.planForEvent(event)
			return err
		case CheckoutModePayment:
			_, err := reconciler.service.packages.MatchPayment(event.AmountCents, event.PackageID)
			return err
		}
	case EventInvoicePaymentSucceeded, EventInvoicePaid, EventSubscriptionUpdated:
		if hasPlanReference(event) {
			_, err := reconciler.planForEvent(event)
			return err
		}
	}
	return nil
}

type accountTransition struct {
	account    Account
	entries    []EntryInput
	outcome    EventOutcome
	downgraded bool
}

func (reconciler *Reconciler) transition(account Account, event BillingEvent, key IdempotencyKey) (accountTransition, error) {
	switch event.Type {
	case EventCheckoutCompleted:
		if event.Mode == CheckoutModePayment {
			return reconciler.purchase(account, event, key)
		}
		plan, err := reconciler.planForEvent(event)
		if err != nil {
			return accountTransition{}, err
		}
		return reconciler.subscribe(account, plan, event, key)
	case EventInvoicePaymentSucceeded, EventInvoicePaid:
		return reconciler.renew(account, event, key)
	case EventSubscriptionUpdated:
		return reconciler.updateSubscription(account, event)
	case EventSubscriptionDeleted:
		return reconciler.cancel(account, event), nil
	default:
		return accountTransition{account: account}, nil
	}
}

// subscribe starts a new premium window with one initial grant of the monthly total.
func (reconciler *Reconciler) subscribe(account Account, plan PlanDefinition, event BillingEvent, key IdempotencyKey) (accountTransition, error) {
	nowUnixUTC := reconciler.service.nowFn()
	cadence := reconciler.service.cadenceSeconds
	entry, err := NewEntryInput(
		account.AccountID,
		EntryInitialGrant,
		EntryAmount(plan.TotalCreditsPerMonth()),
		plan.PlanID,
		fmt.Sprintf("Subscription started: %s", plan.PlanID),
		deriveIdempotencyKey(key.String(), idempotencySuffixInitial),
		MetadataFromMap(eventMetadata(event)),
		nowUnixUTC,
	)
	if err != nil {
		return accountTransition{}, err
	}
	next, err := applyEntries(account, []EntryInput{entry})
	if err != nil {
		return accountTransition{}, err
	}
	next.PlanTier = PlanTierPremium
	next.SubscriptionPlanID = plan.PlanID
	next.SubscriptionStartUnixUTC = nowUnixUTC
	next.SubscriptionEndUnixUTC = nowUnixUTC + plan.PeriodSeconds(cadence)
	next.LastGrantUnixUTC = nowUnixUTC
	if nextDue := nowUnixUTC + cadence; nextDue > next.NextGrantDueUnixUTC {
		next.NextGrantDueUnixUTC = nextDue
	}
	if subscriptionRef := strings.TrimSpace(event.SubscriptionRef); subscriptionRef != "" {
		next.BillingRef.SubscriptionID = subscriptionRef
	}
	return accountTransition{account: next, entries: []EntryInput{entry}}, nil
}

// purchase credits a one-off package. The plan tier is untouched.
func (reconciler *Reconciler) purchase(account Account, event BillingEvent, key IdempotencyKey) (accountTransition, error) {
	creditPackage, err := reconciler.service.packages.MatchPayment(event.AmountCents, event.PackageID)
	if err != nil {
		return accountTransition{}, err
	}
	metadata := eventMetadata(event)
	metadata["package_id"] = creditPackage.PackageID
	entry, err := NewEntryInput(
		account.AccountID,
		EntryPurchase,
		creditPackage.Credits.ToEntryAmount(),
		PlanID{},
		fmt.Sprintf("Purchased %d credits", creditPackage.Credits),
		deriveIdempotencyKey(key.String(), idempotencySuffixBuy),
		MetadataFromMap(metadata),
		reconciler.service.nowFn(),
	)
	if err != nil {
		return accountTransition{}, err
	}
	next, err := applyEntries(account, []EntryInput{entry})
	if err != nil {
		return accountTransition{}, err
	}
	return accountTransition{account: next, entries: []EntryInput{entry}}, nil
}

// renew runs the Grant Engine against the paid window and then extends it by
// one billing period. A window that already ended is downgraded first, exactly
// as a sweep would, and the payment reactivates it with a fresh anchor and one
// initial grant. Lapsed months are never granted.
func (reconciler *Reconciler) renew(account Account, event BillingEvent, key IdempotencyKey) (accountTransition, error) {
	if event.BillingReason == billingReasonSubscriptionCreate {
		return accountTransition{account: account}, nil
	}
	nowUnixUTC := reconciler.service.nowFn()
	if account.SubscriptionExpired(nowUnixUTC) {
		plan, err := reconciler.service.catalog.Lookup(account.SubscriptionPlanID)
		if hasPlanReference(event) {
			plan, err = reconciler.planForEvent(event)
		}
		if err != nil {
			return accountTransition{}, err
		}
		return reconciler.subscribe(account.downgraded(), plan, event, key)
	}
	if !account.IsPremium() {
		if !hasPlanReference(event) {
			return accountTransition{}, fmt.Errorf("%w: renewal for free account %s names no plan", ErrInvalidPlan, account.AccountID)
		}
		plan, err := reconciler.planForEvent(event)
		if err != nil {
			return accountTransition{}, err
		}
		return reconciler.subscribe(account, plan, event, key)
	}

	plan, err := reconciler.service.catalog.Lookup(account.SubscriptionPlanID)
	if hasPlanReference(event) {
		plan, err = reconciler.planForEvent(event)
	}
	if err != nil {
		return accountTransition{}, err
	}
	current := account
	current.SubscriptionPlanID = plan.PlanID
	schedule, err := ComputeGrants(current, reconciler.service.catalog, nowUnixUTC, reconciler.service.cadenceSeconds)
	if err != nil {
		return accountTransition{}, err
	}
	next, err := schedule.Apply(current)
	if err != nil {
		return accountTransition{}, err
	}
	next.SubscriptionEndUnixUTC = current.SubscriptionEndUnixUTC + plan.PeriodSeconds(reconciler.service.cadenceSeconds)
	if next.BillingRef.SubscriptionID == "" {
		next.BillingRef.SubscriptionID = strings.TrimSpace(event.SubscriptionRef)
	}
	return accountTransition{account: next, entries: schedule.Entries}, nil
}

// updateSubscription downgrades on terminal statuses and follows plan changes
// on active ones. Plan changes never grant credits.
func (reconciler *Reconciler) updateSubscription(account Account, event BillingEvent) (accountTransition, error) {
	if !account.IsPremium() || !sameSubscription(account, event) {
		return accountTransition{account: account}, nil
	}
	status := strings.ToLower(strings.TrimSpace(event.SubscriptionStatus))
	if _, terminal := downgradeStatuses[status]; terminal {
		return accountTransition{account: account.downgraded(), downgraded: true}, nil
	}
	if _, active := activeStatuses[status]; !active || !hasPlanReference(event) {
		return accountTransition{account: account}, nil
	}
	plan, err := reconciler.planForEvent(event)
	if err != nil {
		return accountTransition{}, err
	}
	next := account
	next.SubscriptionPlanID = plan.PlanID
	return accountTransition{account: next}, nil
}

// cancel downgrades the account. Credits already granted stay.
func (reconciler *Reconciler) cancel(account Account, event BillingEvent) accountTransition {
	if !account.IsPremium() || !sameSubscription(account, event) {
		return accountTransition{account: account}
	}
	return accountTransition{account: account.downgraded(), downgraded: true}
}

func (reconciler *Reconciler) planForEvent(event BillingEvent) (PlanDefinition, error) {
	if priceID := strings.TrimSpace(event.PriceID); priceID != "" {
		return reconciler.service.catalog.LookupByPrice(priceID)
	}
	planID, err := NewPlanID(event.PlanID)
	if err != nil {
		return PlanDefinition{}, err
	}
	return reconciler.service.catalog.Lookup(planID)
}

// resolveAccount finds the account an event belongs to: first by stored billing
// references, then by the explicit account hint. Accounts are never created here.
func (reconciler *Reconciler) resolveAccount(ctx context.Context, event BillingEvent) (Account, error) {
	store := reconciler.service.store
	for _, ref := range []string{event.SubscriptionRef, event.CustomerRef} {
		ref = strings.TrimSpace(ref)
		if ref == "" {
			continue
		}
		account, err := store.FindAccountByExternalRef(ctx, ref)
		if err == nil {
			return account, nil
		}
		if !errors.Is(err, ErrAccountNotFound) {
			return Account{}, err
		}
	}
	hint := strings.TrimSpace(event.AccountHint)
	if hint == "" {
		return Account{}, fmt.Errorf("%w: customer %q subscription %q", ErrUnknownExternalRef, event.CustomerRef, event.SubscriptionRef)
	}
	accountID, err := NewAccountID(hint)
	if err != nil {
		return Account{}, fmt.Errorf("%w: %v", ErrUnknownExternalRef, err)
	}
	account, err := store.GetAccount(ctx, accountID)
	if errors.Is(err, ErrAccountNotFound) {
		return Account{}, fmt.Errorf("%w: account hint %s does not exist", ErrUnknownExternalRef, accountID)
	}
	if err != nil {
		return Account{}, err
	}
	if err := checkCustomerLink(account, event); err != nil {
		return Account{}, err
	}
	return account, nil
}

func checkCustomerLink(account Account, event BillingEvent) error {
	customerRef := strings.TrimSpace(event.CustomerRef)
	if customerRef == "" || account.BillingRef.CustomerID == "" || account.BillingRef.CustomerID == customerRef {
		return nil
	}
	return fmt.Errorf("%w: account %s is linked to customer %s, event names %s", ErrUnknownExternalRef, account.AccountID, account.BillingRef.CustomerID, customerRef)
}

func linkCustomer(account Account, event BillingEvent) Account {
	if account.BillingRef.CustomerID == "" {
		account.BillingRef.CustomerID = strings.TrimSpace(event.CustomerRef)
	}
	return account
}

func sameSubscription(account Account, event BillingEvent) bool {
	subscriptionRef := strings.TrimSpace(event.SubscriptionRef)
	return subscriptionRef == "" || account.BillingRef.SubscriptionID == "" || account.BillingRef.SubscriptionID == subscriptionRef
}

func hasPlanReference(event BillingEvent) bool {
	return strings.TrimSpace(event.PriceID) != "" || strings.TrimSpace(event.PlanID) != ""
}

func eventMetadata(event BillingEvent) map[string]string {
	metadata := map[string]string{"event_type": event.Type.String()}
	if event.EventID != "" {
		metadata["event_id"] = event.EventID
	}
	if event.SessionID != "" {
		metadata["session_id"] = event.SessionID
	}
	if event.InvoiceID != "" {
		metadata["invoice_id"] = event.InvoiceID
	}
	return metadata
}
