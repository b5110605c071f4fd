package ledger

import (
	"context"
	"errors"
	"testing"
)

func mustNewReconciler(test *testing.T, service *Service) *Reconciler {
	test.Helper()
	reconciler, err := NewReconciler(service)
	if err != nil {
		test.Fatalf("new reconciler: %v", err)
	}
	return reconciler
}

func checkoutSubscriptionEvent(accountHint string) BillingEvent {
	return BillingEvent{
		EventID:         "evt_checkout_1",
		Type:            EventCheckoutCompleted,
		Mode:            CheckoutModeSubscription,
		SessionID:       "cs_test_1",
		CustomerRef:     "cus_1",
		SubscriptionRef: "sub_1",
		AccountHint:     accountHint,
		PriceID:         "price_monthly",
	}
}

// Scenario B.
func TestReconcileCheckoutStartsSubscription(test *testing.T) {
	test.Parallel()
	store := newMemoryStore(test)
	clock := newTestClock()
	service := mustNewService(test, store, clock)
	reconciler := mustNewReconciler(test, service)
	accountID := mustOpenAccount(test, service, "scenario-b")

	result, err := reconciler.Reconcile(context.Background(), checkoutSubscriptionEvent(accountID.String()))
	if err != nil {
		test.Fatalf("reconcile: %v", err)
	}
	if result.Outcome != OutcomeApplied || len(result.Entries) != 1 {
		test.Fatalf("unexpected result %+v", result)
	}
	entry := result.Entries[0]
	if entry.Kind != EntryInitialGrant || entry.Amount != 25 || entry.PlanID.String() != "monthly" {
		test.Fatalf("unexpected initial grant %+v", entry)
	}
	account := store.mustAccount(test, accountID)
	if account.Balance != 25 || account.PlanTier != PlanTierPremium {
		test.Fatalf("expected premium balance 25, got %+v", account)
	}
	if account.SubscriptionStartUnixUTC != clock.Now() || account.SubscriptionEndUnixUTC != clock.Now()+DefaultGrantCadenceSeconds {
		test.Fatalf("unexpected subscription window %d..%d", account.SubscriptionStartUnixUTC, account.SubscriptionEndUnixUTC)
	}
	if account.LastGrantUnixUTC != clock.Now() || account.NextGrantDueUnixUTC != clock.Now()+DefaultGrantCadenceSeconds {
		test.Fatalf("unexpected grant bookkeeping %+v", account)
	}
	if account.BillingRef != (BillingRef{CustomerID: "cus_1", SubscriptionID: "sub_1"}) {
		test.Fatalf("expected billing refs linked, got %+v", account.BillingRef)
	}
	store.assertBalanceMatchesEntries(test, accountID)
}

// Scenario F.
func TestReconcileReplayIsDuplicate(test *testing.T) {
	test.Parallel()
	store := newMemoryStore(test)
	service := mustNewService(test, store, newTestClock())
	reconciler := mustNewReconciler(test, service)
	accountID := mustOpenAccount(test, service, "scenario-f")
	event := checkoutSubscriptionEvent(accountID.String())

	if _, err := reconciler.Reconcile(context.Background(), event); err != nil {
		test.Fatalf("first delivery: %v", err)
	}
	for attempt := 0; attempt < 2; attempt++ {
		result, err := reconciler.Reconcile(context.Background(), event)
		if err != nil {
			test.Fatalf("replay %d: %v", attempt, err)
		}
		if result.Outcome != OutcomeDuplicate || len(result.Entries) != 0 {
			test.Fatalf("expected duplicate outcome, got %+v", result)
		}
	}
	if entries := store.entriesFor(accountID); len(entries) != 1 {
		test.Fatalf("expected one ledger entry, got %d", len(entries))
	}
	if account := store.mustAccount(test, accountID); account.Balance != 25 {
		test.Fatalf("expected balance 25, got %d", account.Balance)
	}
}

// Scenario E.
func TestReconcileSubscriptionDeletedDowngrades(test *testing.T) {
	test.Parallel()
	store := newMemoryStore(test)
	service := mustNewService(test, store, newTestClock())
	reconciler := mustNewReconciler(test, service)
	accountID := mustOpenAccount(test, service, "scenario-e")
	if _, err := reconciler.Reconcile(context.Background(), checkoutSubscriptionEvent(accountID.String())); err != nil {
		test.Fatalf("checkout: %v", err)
	}

	result, err := reconciler.Reconcile(context.Background(), BillingEvent{
		EventID:         "evt_deleted_1",
		Type:            EventSubscriptionDeleted,
		CustomerRef:     "cus_1",
		SubscriptionRef: "sub_1",
	})
	if err != nil {
		test.Fatalf("reconcile: %v", err)
	}
	if result.Outcome != OutcomeApplied || !result.Downgraded {
		test.Fatalf("unexpected result %+v", result)
	}
	account := store.mustAccount(test, accountID)
	if account.PlanTier != PlanTierFree || account.SubscriptionEndUnixUTC != 0 || !account.SubscriptionPlanID.IsZero() {
		test.Fatalf("expected cleared subscription, got %+v", account)
	}
	if account.Balance != 25 {
		test.Fatalf("expected no clawback, got %d", account.Balance)
	}
	if account.BillingRef.SubscriptionID != "" || account.BillingRef.CustomerID != "cus_1" {
		test.Fatalf("unexpected billing refs %+v", account.BillingRef)
	}
}

func TestReconcileRenewalExtendsAndGrants(test *testing.T) {
	test.Parallel()
	store := newMemoryStore(test)
	clock := newTestClock()
	service := mustNewService(test, store, clock)
	reconciler := mustNewReconciler(test, service)
	accountID := mustOpenAccount(test, service, "renewal")
	start := clock.Now()
	if _, err := reconciler.Reconcile(context.Background(), checkoutSubscriptionEvent(accountID.String())); err != nil {
		test.Fatalf("checkout: %v", err)
	}

	first, err := reconciler.Reconcile(context.Background(), BillingEvent{
		EventID:       "evt_invoice_0",
		Type:          EventInvoicePaymentSucceeded,
		InvoiceID:     "in_0",
		BillingReason: "subscription_create",
		CustomerRef:   "cus_1",
	})
	if err != nil {
		test.Fatalf("creation invoice: %v", err)
	}
	if first.Outcome != OutcomeIgnored {
		test.Fatalf("expected creation invoice to be ignored, got %s", first.Outcome)
	}

	clock.Advance(29)
	renewal := BillingEvent{
		EventID:         "evt_invoice_1",
		Type:            EventInvoicePaid,
		InvoiceID:       "in_1",
		BillingReason:   "subscription_cycle",
		CustomerRef:     "cus_1",
		SubscriptionRef: "sub_1",
		PriceID:         "price_monthly",
	}
	result, err := reconciler.Reconcile(context.Background(), renewal)
	if err != nil {
		test.Fatalf("renewal: %v", err)
	}
	if result.Outcome != OutcomeApplied || len(result.Entries) != 0 {
		test.Fatalf("unexpected renewal result %+v", result)
	}
	account := store.mustAccount(test, accountID)
	if account.SubscriptionEndUnixUTC != start+2*DefaultGrantCadenceSeconds {
		test.Fatalf("expected end extended by one period, got %d", account.SubscriptionEndUnixUTC-start)
	}

	clock.Advance(1)
	granted, err := service.CatchUpGrants(context.Background(), accountID)
	if err != nil || len(granted.Entries) != 1 || granted.Entries[0].Kind != EntryRecurringGrant {
		test.Fatalf("expected the paid period to be granted, got %+v %v", granted, err)
	}
	account = store.mustAccount(test, accountID)
	if account.Balance != 50 || account.PlanTier != PlanTierPremium {
		test.Fatalf("expected premium balance 50, got %+v", account)
	}

	replay, err := reconciler.Reconcile(context.Background(), renewal)
	if err != nil || replay.Outcome != OutcomeDuplicate {
		test.Fatalf("expected duplicate renewal, got %+v %v", replay, err)
	}
	if account := store.mustAccount(test, accountID); account.SubscriptionEndUnixUTC != start+2*DefaultGrantCadenceSeconds {
		test.Fatalf("replay extended the subscription again")
	}
	store.assertBalanceMatchesEntries(test, accountID)
}

func TestReconcileRenewalReactivatesLapsedAccount(test *testing.T) {
	test.Parallel()
	store := newMemoryStore(test)
	clock := newTestClock()
	service := mustNewService(test, store, clock)
	reconciler := mustNewReconciler(test, service)
	accountID := mustOpenAccount(test, service, "lapsed-renewal")
	if _, err := reconciler.Reconcile(context.Background(), checkoutSubscriptionEvent(accountID.String())); err != nil {
		test.Fatalf("checkout: %v", err)
	}
	clock.Advance(45)
	if swept, err := service.CatchUpGrants(context.Background(), accountID); err != nil || !swept.Downgraded {
		test.Fatalf("expected sweep to downgrade, got %+v %v", swept, err)
	}

	result, err := reconciler.Reconcile(context.Background(), BillingEvent{
		EventID:     "evt_invoice_late",
		Type:        EventInvoicePaymentSucceeded,
		InvoiceID:   "in_late",
		CustomerRef: "cus_1",
		PriceID:     "price_monthly",
	})
	if err != nil {
		test.Fatalf("late renewal: %v", err)
	}
	if len(result.Entries) != 1 || result.Entries[0].Kind != EntryInitialGrant {
		test.Fatalf("expected a fresh initial grant, got %+v", result.Entries)
	}
	account := store.mustAccount(test, accountID)
	if account.PlanTier != PlanTierPremium || account.SubscriptionStartUnixUTC != clock.Now() || account.SubscriptionEndUnixUTC != clock.Now()+DefaultGrantCadenceSeconds {
		test.Fatalf("expected a new window from now, got %+v", account)
	}
	if account.Balance != 50 {
		test.Fatalf("expected balance 50, got %d", account.Balance)
	}
}

func TestReconcileLapsedRenewalIgnoresSweepTiming(test *testing.T) {
	test.Parallel()
	outcomes := make(map[bool]Account, 2)
	for _, sweptFirst := range []bool{false, true} {
		store := newMemoryStore(test)
		clock := newTestClock()
		service := mustNewService(test, store, clock)
		reconciler := mustNewReconciler(test, service)
		accountID := mustOpenAccount(test, service, "lapsed")
		if _, err := reconciler.Reconcile(context.Background(), checkoutSubscriptionEvent(accountID.String())); err != nil {
			test.Fatalf("checkout: %v", err)
		}
		clock.Advance(95)
		if sweptFirst {
			if _, err := service.ReconcileDueGrants(context.Background()); err != nil {
				test.Fatalf("sweep: %v", err)
			}
		}

		result, err := reconciler.Reconcile(context.Background(), BillingEvent{
			EventID:         "evt_invoice_lapsed",
			Type:            EventInvoicePaid,
			InvoiceID:       "in_lapsed",
			BillingReason:   "subscription_cycle",
			CustomerRef:     "cus_1",
			SubscriptionRef: "sub_1",
			PriceID:         "price_monthly",
		})
		if err != nil {
			test.Fatalf("lapsed renewal (swept=%t): %v", sweptFirst, err)
		}
		if len(result.Entries) != 1 || result.Entries[0].Kind != EntryInitialGrant {
			test.Fatalf("expected one initial grant (swept=%t), got %+v", sweptFirst, result.Entries)
		}
		account := store.mustAccount(test, accountID)
		if account.Balance != 50 {
			test.Fatalf("expected balance 50 without lapse grants (swept=%t), got %d", sweptFirst, account.Balance)
		}
		if account.PlanTier != PlanTierPremium || account.SubscriptionStartUnixUTC != clock.Now() || account.SubscriptionEndUnixUTC != clock.Now()+DefaultGrantCadenceSeconds {
			test.Fatalf("expected a new window from now (swept=%t), got %+v", sweptFirst, account)
		}
		if account.LastGrantUnixUTC != clock.Now() || account.NextGrantDueUnixUTC != clock.Now()+DefaultGrantCadenceSeconds {
			test.Fatalf("expected grant anchor reset to now (swept=%t), got %+v", sweptFirst, account)
		}
		store.assertBalanceMatchesEntries(test, accountID)
		account.Version = 0
		outcomes[sweptFirst] = account
	}
	if outcomes[false] != outcomes[true] {
		test.Fatalf("renewal outcome depends on sweep timing: %+v vs %+v", outcomes[false], outcomes[true])
	}
}

func TestReconcileCreditPurchase(test *testing.T) {
	test.Parallel()
	store := newMemoryStore(test)
	service := mustNewService(test, store, newTestClock())
	reconciler := mustNewReconciler(test, service)
	accountID := mustOpenAccount(test, service, "buyer")

	result, err := reconciler.Reconcile(context.Background(), BillingEvent{
		EventID:     "evt_purchase",
		Type:        EventCheckoutCompleted,
		Mode:        CheckoutModePayment,
		SessionID:   "cs_purchase",
		AccountHint: accountID.String(),
		AmountCents: 900,
	})
	if err != nil {
		test.Fatalf("purchase: %v", err)
	}
	if len(result.Entries) != 1 || result.Entries[0].Kind != EntryPurchase || result.Entries[0].Amount != 10 {
		test.Fatalf("unexpected purchase entries %+v", result.Entries)
	}
	account := store.mustAccount(test, accountID)
	if account.PlanTier != PlanTierFree || account.Balance != 10 {
		test.Fatalf("expected free account with 10 credits, got %+v", account)
	}
}

func TestReconcileRejectsUnknownCatalogReferences(test *testing.T) {
	test.Parallel()
	store := newMemoryStore(test)
	service := mustNewService(test, store, newTestClock())
	reconciler := mustNewReconciler(test, service)
	accountID := mustOpenAccount(test, service, "bad-refs")

	unknownPlan := checkoutSubscriptionEvent(accountID.String())
	unknownPlan.PriceID = "price_mystery"
	if _, err := reconciler.Reconcile(context.Background(), unknownPlan); !errors.Is(err, ErrInvalidPlan) {
		test.Fatalf("expected ErrInvalidPlan, got %v", err)
	}
	badAmount := BillingEvent{
		EventID:     "evt_bad_amount",
		Type:        EventCheckoutCompleted,
		Mode:        CheckoutModePayment,
		SessionID:   "cs_bad_amount",
		AccountHint: accountID.String(),
		AmountCents: 777,
	}
	if _, err := reconciler.Reconcile(context.Background(), badAmount); !errors.Is(err, ErrInvalidPackage) {
		test.Fatalf("expected ErrInvalidPackage, got %v", err)
	}
	account := store.mustAccount(test, accountID)
	if account.Balance != 0 || account.PlanTier != PlanTierFree || account.Version != 0 {
		test.Fatalf("expected untouched account, got %+v", account)
	}
}

func TestReconcileUnknownExternalRef(test *testing.T) {
	test.Parallel()
	store := newMemoryStore(test)
	service := mustNewService(test, store, newTestClock())
	reconciler := mustNewReconciler(test, service)
	linkedID := mustOpenAccount(test, service, "linked")
	if _, err := reconciler.Reconcile(context.Background(), checkoutSubscriptionEvent(linkedID.String())); err != nil {
		test.Fatalf("checkout: %v", err)
	}

	testCases := []struct {
		name  string
		event BillingEvent
	}{
		{name: "no hint", event: BillingEvent{EventID: "evt_a", Type: EventSubscriptionDeleted, CustomerRef: "cus_unknown"}},
		{name: "missing hinted account", event: BillingEvent{EventID: "evt_b", Type: EventInvoicePaid, InvoiceID: "in_b", CustomerRef: "cus_other", AccountHint: "nobody"}},
		{name: "hint linked elsewhere", event: BillingEvent{EventID: "evt_c", Type: EventCheckoutCompleted, Mode: CheckoutModePayment, SessionID: "cs_c", CustomerRef: "cus_other", AccountHint: linkedID.String(), AmountCents: 500}},
	}
	for _, testCase := range testCases {
		if _, err := reconciler.Reconcile(context.Background(), testCase.event); !errors.Is(err, ErrUnknownExternalRef) {
			test.Fatalf("%s: expected ErrUnknownExternalRef, got %v", testCase.name, err)
		}
	}
	if account := store.mustAccount(test, linkedID); account.Balance != 25 {
		test.Fatalf("expected linked account untouched, got %d", account.Balance)
	}
}

func TestReconcileSubscriptionUpdated(test *testing.T) {
	test.Parallel()
	store := newMemoryStore(test)
	service := mustNewService(test, store, newTestClock())
	reconciler := mustNewReconciler(test, service)
	accountID := mustOpenAccount(test, service, "updates")
	if _, err := reconciler.Reconcile(context.Background(), checkoutSubscriptionEvent(accountID.String())); err != nil {
		test.Fatalf("checkout: %v", err)
	}

	pastDue, err := reconciler.Reconcile(context.Background(), BillingEvent{EventID: "evt_u1", Type: EventSubscriptionUpdated, SubscriptionRef: "sub_1", SubscriptionStatus: "past_due"})
	if err != nil || pastDue.Outcome != OutcomeIgnored {
		test.Fatalf("expected past_due to be ignored, got %+v %v", pastDue, err)
	}
	planChange, err := reconciler.Reconcile(context.Background(), BillingEvent{EventID: "evt_u2", Type: EventSubscriptionUpdated, SubscriptionRef: "sub_1", SubscriptionStatus: "active", PriceID: "price_annual"})
	if err != nil || planChange.Outcome != OutcomeApplied || len(planChange.Entries) != 0 {
		test.Fatalf("expected plan change without grants, got %+v %v", planChange, err)
	}
	if account := store.mustAccount(test, accountID); account.SubscriptionPlanID.String() != "annual" || account.Balance != 25 {
		test.Fatalf("unexpected account after plan change %+v", account)
	}
	canceled, err := reconciler.Reconcile(context.Background(), BillingEvent{EventID: "evt_u3", Type: EventSubscriptionUpdated, SubscriptionRef: "sub_1", SubscriptionStatus: "canceled"})
	if err != nil || !canceled.Downgraded {
		test.Fatalf("expected downgrade, got %+v %v", canceled, err)
	}
	if account := store.mustAccount(test, accountID); account.PlanTier != PlanTierFree {
		test.Fatalf("expected free tier, got %s", account.PlanTier)
	}
}

func TestReconcileIgnoresUnsupportedEvents(test *testing.T) {
	test.Parallel()
	store := newMemoryStore(test)
	service := mustNewService(test, store, newTestClock())
	reconciler := mustNewReconciler(test, service)

	result, err := reconciler.Reconcile(context.Background(), BillingEvent{EventID: "evt_x", Type: EventType("charge.refunded")})
	if err != nil || result.Outcome != OutcomeIgnored {
		test.Fatalf("expected ignored outcome, got %+v %v", result, err)
	}
	if _, err := reconciler.Reconcile(context.Background(), BillingEvent{Type: EventSubscriptionDeleted}); !errors.Is(err, ErrInvalidEvent) {
		test.Fatalf("expected ErrInvalidEvent for keyless event, got %v", err)
	}
}

func TestReconcileLogsEventContext(test *testing.T) {
	test.Parallel()
	store := newMemoryStore(test)
	logger := &recorderLogger{}
	service := mustNewService(test, store, newTestClock(), WithOperationLogger(logger))
	reconciler := mustNewReconciler(test, service)

	_, err := reconciler.Reconcile(context.Background(), BillingEvent{EventID: "evt_orphan", Type: EventSubscriptionDeleted, CustomerRef: "cus_orphan"})
	if !errors.Is(err, ErrUnknownExternalRef) {
		test.Fatalf("expected ErrUnknownExternalRef, got %v", err)
	}
	last := logger.entries[len(logger.entries)-1]
	if last.Operation != operationReconcile || last.EventID != "evt_orphan" || last.EventType != EventSubscriptionDeleted || last.Status != operationStatusError {
		test.Fatalf("unexpected log entry %+v", last)
	}
}
