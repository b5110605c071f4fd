package ledger

import (
	"fmt"
	"strconv"
)

// GrantSchedule is the outcome of a Grant Engine run, not yet applied.
type GrantSchedule struct {
	Entries             []EntryInput
	Downgrade           bool
	MonthsOwed          int64
	LastGrantUnixUTC    int64
	NextGrantDueUnixUTC int64
}

// ComputeGrants works out the recurring grants owed to an account at nowUnixUTC.
//
// Free accounts owe nothing. An ended subscription yields a downgrade and no
// grants. Otherwise one grant per whole cadence elapsed since the last grant is
// emitted, each dated at its own period boundary so replays derive the same keys.
func ComputeGrants(account Account, catalog *PlanCatalog, nowUnixUTC int64, cadenceSeconds int64) (GrantSchedule, error) {
	schedule := GrantSchedule{
		LastGrantUnixUTC:    account.LastGrantUnixUTC,
		NextGrantDueUnixUTC: account.NextGrantDueUnixUTC,
	}
	if !account.IsPremium() {
		return schedule, nil
	}
	if cadenceSeconds <= 0 {
		return GrantSchedule{}, fmt.Errorf("%w: cadence must be positive", ErrInvalidServiceConfig)
	}
	if account.SubscriptionExpired(nowUnixUTC) {
		schedule.Downgrade = true
		return schedule, nil
	}
	plan, err := catalog.Lookup(account.SubscriptionPlanID)
	if err != nil {
		return GrantSchedule{}, err
	}

	anchor := account.LastGrantUnixUTC
	if anchor == 0 {
		anchor = account.SubscriptionStartUnixUTC
	}
	monthsOwed := int64(0)
	if nowUnixUTC > anchor {
		monthsOwed = (nowUnixUTC - anchor) / cadenceSeconds
	}
	amount := plan.TotalCreditsPerMonth()
	entries := make([]EntryInput, 0, monthsOwed)
	for period := int64(1); period <= monthsOwed; period++ {
		grantUnixUTC := anchor + period*cadenceSeconds
		entry, err := NewEntryInput(
			account.AccountID,
			EntryRecurringGrant,
			EntryAmount(amount),
			plan.PlanID,
			fmt.Sprintf("Monthly credits for %s", plan.PlanID),
			recurringGrantKey(account.AccountID, grantUnixUTC),
			MetadataFromMap(map[string]string{"grant_unix_utc": strconv.FormatInt(grantUnixUTC, 10)}),
			grantUnixUTC,
		)
		if err != nil {
			return GrantSchedule{}, err
		}
		entries = append(entries, entry)
	}

	schedule.Entries = entries
	schedule.MonthsOwed = monthsOwed
	schedule.LastGrantUnixUTC = anchor + monthsOwed*cadenceSeconds
	nextDue := schedule.LastGrantUnixUTC + cadenceSeconds
	if nextDue > schedule.NextGrantDueUnixUTC {
		schedule.NextGrantDueUnixUTC = nextDue
	}
	return schedule, nil
}

// Apply folds the schedule into the account's cached fields.
func (schedule GrantSchedule) Apply(account Account) (Account, error) {
	if schedule.Downgrade {
		return account.downgraded(), nil
	}
	next, err := applyEntries(account, schedule.Entries)
	if err != nil {
		return Account{}, err
	}
	next.LastGrantUnixUTC = schedule.LastGrantUnixUTC
	next.NextGrantDueUnixUTC = schedule.NextGrantDueUnixUTC
	return next, nil
}

// IsEmpty reports whether the schedule changes nothing.
func (schedule GrantSchedule) IsEmpty() bool {
	return !schedule.Downgrade && len(schedule.Entries) == 0
}

// FreeTierPolicy configures the free-tier monthly grant. Zero credits disables it.
type FreeTierPolicy struct {
	Credits            Credits
	EligibilitySeconds int64
}

// Enabled reports whether free-tier grants are configured.
func (policy FreeTierPolicy) Enabled() bool {
	return policy.Credits > 0
}

// eligible reports whether a free account may receive its next free grant.
func (policy FreeTierPolicy) eligible(account Account, nowUnixUTC int64) bool {
	if !policy.Enabled() || account.IsPremium() {
		return false
	}
	if account.LastFreeGrantUnixUTC == 0 {
		return true
	}
	return nowUnixUTC-account.LastFreeGrantUnixUTC >= policy.EligibilitySeconds
}

func recurringGrantKey(accountID AccountID, grantUnixUTC int64) IdempotencyKey {
	return deriveIdempotencyKey(idempotencyPrefixGrant, accountID.String(), strconv.FormatInt(grantUnixUTC, 10))
}

func freeGrantKey(accountID AccountID, nowUnixUTC int64, eligibilitySeconds int64) IdempotencyKey {
	return deriveIdempotencyKey(idempotencyPrefixFree, accountID.String(), strconv.FormatInt(nowUnixUTC/eligibilitySeconds, 10))
}
