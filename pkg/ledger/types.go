package ledger

import (
	"encoding/json"
	"fmt"
	"strings"
)

// Credits is a non-negative count of spendable credits.
type Credits int64

// PositiveCredits is a strictly positive credit amount used for debits and grants.
type PositiveCredits int64

// EntryAmount is a signed credit movement stored on a ledger entry.
type EntryAmount int64

// AccountID identifies a ledger-owning account.
type AccountID struct {
	value string
}

// EntryID identifies a ledger entry.
type EntryID struct {
	value string
}

// RequestID identifies a service request.
type RequestID struct {
	value string
}

// PlanID references a plan in the catalog. The zero value means "no plan".
type PlanID struct {
	value string
}

// IdempotencyKey scopes duplicate detection. The zero value means "no key".
type IdempotencyKey struct {
	value string
}

// MetadataJSON stores arbitrary entry metadata.
type MetadataJSON struct {
	value string
}

// NewCredits validates a non-negative credit count.
func NewCredits(raw int64) (Credits, error) {
	if raw < 0 {
		return 0, fmt.Errorf("%w: must be zero or greater", ErrInvalidCredits)
	}
	return Credits(raw), nil
}

// Int64 exposes the raw value.
func (credits Credits) Int64() int64 {
	return int64(credits)
}

// NewPositiveCredits validates a strictly positive credit amount.
func NewPositiveCredits(raw int64) (PositiveCredits, error) {
	if raw <= 0 {
		return 0, fmt.Errorf("%w: must be greater than zero", ErrInvalidCredits)
	}
	return PositiveCredits(raw), nil
}

// Int64 exposes the raw value.
func (credits PositiveCredits) Int64() int64 {
	return int64(credits)
}

// ToEntryAmount converts the amount into a positive entry amount.
func (credits PositiveCredits) ToEntryAmount() EntryAmount {
	return EntryAmount(credits)
}

// NewEntryAmount validates a signed, non-zero entry amount.
func NewEntryAmount(raw int64) (EntryAmount, error) {
	if raw == 0 {
		return 0, fmt.Errorf("%w: must be non-zero", ErrInvalidEntryAmount)
	}
	return EntryAmount(raw), nil
}

// Int64 exposes the raw value.
func (amount EntryAmount) Int64() int64 {
	return int64(amount)
}

// Negated flips the sign.
func (amount EntryAmount) Negated() EntryAmount {
	return -amount
}

// NewAccountID validates and normalizes an account id.
func NewAccountID(raw string) (AccountID, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return AccountID{}, fmt.Errorf("%w: empty value", ErrInvalidAccountID)
	}
	return AccountID{value: trimmed}, nil
}

// String returns the normalized identifier.
func (id AccountID) String() string {
	return id.value
}

// IsZero reports whether the id is unset.
func (id AccountID) IsZero() bool {
	return id.value == ""
}

// NewEntryID validates and normalizes an entry id.
func NewEntryID(raw string) (EntryID, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return EntryID{}, fmt.Errorf("%w: empty value", ErrInvalidEntryID)
	}
	return EntryID{value: trimmed}, nil
}

// String returns the normalized identifier.
func (id EntryID) String() string {
	return id.value
}

// NewRequestID validates and normalizes a service request id.
func NewRequestID(raw string) (RequestID, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return RequestID{}, fmt.Errorf("%w: empty value", ErrInvalidRequestID)
	}
	return RequestID{value: trimmed}, nil
}

// String returns the normalized identifier.
func (id RequestID) String() string {
	return id.value
}

// NewPlanID validates and normalizes a plan id.
func NewPlanID(raw string) (PlanID, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return PlanID{}, fmt.Errorf("%w: empty plan id", ErrInvalidPlan)
	}
	return PlanID{value: trimmed}, nil
}

// String returns the normalized identifier.
func (id PlanID) String() string {
	return id.value
}

// IsZero reports whether the plan id is unset.
func (id PlanID) IsZero() bool {
	return id.value == ""
}

// NewIdempotencyKey validates and normalizes an idempotency key.
func NewIdempotencyKey(raw string) (IdempotencyKey, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return IdempotencyKey{}, fmt.Errorf("%w: empty value", ErrInvalidIdempotencyKey)
	}
	return IdempotencyKey{value: trimmed}, nil
}

// OptionalIdempotencyKey returns the zero key for blank input.
func OptionalIdempotencyKey(raw string) IdempotencyKey {
	return IdempotencyKey{value: strings.TrimSpace(raw)}
}

// String returns the normalized key.
func (key IdempotencyKey) String() string {
	return key.value
}

// IsZero reports whether the key is unset.
func (key IdempotencyKey) IsZero() bool {
	return key.value == ""
}

// NewMetadataJSON validates metadata string (defaulting to "{}" for empty inputs).
func NewMetadataJSON(raw string) (MetadataJSON, error) {
	normalized := strings.TrimSpace(raw)
	if normalized == "" {
		normalized = defaultMetadataJSON
	}
	if !json.Valid([]byte(normalized)) {
		return MetadataJSON{}, fmt.Errorf("%w: must be valid json", ErrInvalidMetadataJSON)
	}
	return MetadataJSON{value: normalized}, nil
}

// MetadataFromMap marshals a flat string map into metadata.
func MetadataFromMap(values map[string]string) MetadataJSON {
	if len(values) == 0 {
		return MetadataJSON{value: defaultMetadataJSON}
	}
	raw, err := json.Marshal(values)
	if err != nil {
		return MetadataJSON{value: defaultMetadataJSON}
	}
	return MetadataJSON{value: string(raw)}
}

// String returns the normalized JSON blob.
func (metadata MetadataJSON) String() string {
	if metadata.value == "" {
		return defaultMetadataJSON
	}
	return metadata.value
}

// PlanTier is the entitlement level of an account.
type PlanTier string

const (
	PlanTierFree    PlanTier = "free"
	PlanTierPremium PlanTier = "premium"
)

// ParsePlanTier validates a stored tier value.
func ParsePlanTier(raw string) (PlanTier, error) {
	switch PlanTier(strings.TrimSpace(raw)) {
	case PlanTierFree:
		return PlanTierFree, nil
	case PlanTierPremium:
		return PlanTierPremium, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrInvalidPlanTier, raw)
	}
}

// String returns the stored representation.
func (tier PlanTier) String() string {
	return string(tier)
}

// EntryKind enumerates ledger entry kinds.
type EntryKind string

const (
	EntryInitialGrant    EntryKind = "initial_grant"
	EntryRecurringGrant  EntryKind = "recurring_grant"
	EntryFreeGrant       EntryKind = "free_grant"
	EntryPurchase        EntryKind = "purchase"
	EntrySpend           EntryKind = "spend"
	EntryRefund          EntryKind = "refund"
	EntryAdminAdjustment EntryKind = "admin_adjustment"
)

// ParseEntryKind validates a stored entry kind.
func ParseEntryKind(raw string) (EntryKind, error) {
	kind := EntryKind(strings.TrimSpace(raw))
	switch kind {
	case EntryInitialGrant, EntryRecurringGrant, EntryFreeGrant, EntryPurchase, EntrySpend, EntryRefund, EntryAdminAdjustment:
		return kind, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrInvalidEntryKind, raw)
	}
}

// String returns the stored representation.
func (kind EntryKind) String() string {
	return string(kind)
}

// requiresPositive reports whether the kind only ever credits an account.
func (kind EntryKind) requiresPositive() bool {
	switch kind {
	case EntryInitialGrant, EntryRecurringGrant, EntryFreeGrant, EntryPurchase, EntryRefund:
		return true
	default:
		return false
	}
}

// BillingRef correlates an account with the payment provider's identifiers.
type BillingRef struct {
	CustomerID     string
	SubscriptionID string
}

// Account is the per-user ledger record. Balance caches the sum of all entries.
type Account struct {
	AccountID                AccountID
	PlanTier                 PlanTier
	SubscriptionPlanID       PlanID
	SubscriptionStartUnixUTC int64
	SubscriptionEndUnixUTC   int64
	Balance                  Credits
	LastGrantUnixUTC         int64
	NextGrantDueUnixUTC      int64
	LastFreeGrantUnixUTC     int64
	BillingRef               BillingRef
	Version                  int64
	CreatedUnixUTC           int64
}

// NewAccount returns a fresh free-tier account with a zero balance.
func NewAccount(accountID AccountID, createdUnixUTC int64) (Account, error) {
	if accountID.IsZero() {
		return Account{}, fmt.Errorf("%w: empty value", ErrInvalidAccountID)
	}
	return Account{
		AccountID:      accountID,
		PlanTier:       PlanTierFree,
		CreatedUnixUTC: createdUnixUTC,
	}, nil
}

// IsPremium reports whether the account currently holds a paid plan.
func (account Account) IsPremium() bool {
	return account.PlanTier == PlanTierPremium
}

// SubscriptionExpired reports whether a premium window has ended at the given time.
func (account Account) SubscriptionExpired(nowUnixUTC int64) bool {
	return account.IsPremium() && account.SubscriptionEndUnixUTC <= nowUnixUTC
}

// downgraded returns a copy reset to the free tier. Balance is never clawed back.
func (account Account) downgraded() Account {
	account.PlanTier = PlanTierFree
	account.SubscriptionPlanID = PlanID{}
	account.SubscriptionStartUnixUTC = 0
	account.SubscriptionEndUnixUTC = 0
	account.NextGrantDueUnixUTC = 0
	account.BillingRef.SubscriptionID = ""
	return account
}

// EntryInput is a ledger entry that has not been persisted yet.
type EntryInput struct {
	accountID      AccountID
	kind           EntryKind
	amount         EntryAmount
	planID         PlanID
	description    string
	idempotencyKey IdempotencyKey
	metadata       MetadataJSON
	createdUnixUTC int64
}

// NewEntryInput validates a draft ledger entry.
func NewEntryInput(accountID AccountID, kind EntryKind, amount EntryAmount, planID PlanID, description string, idempotencyKey IdempotencyKey, metadata MetadataJSON, createdUnixUTC int64) (EntryInput, error) {
	if accountID.IsZero() {
		return EntryInput{}, fmt.Errorf("%w: empty value", ErrInvalidAccountID)
	}
	if _, err := ParseEntryKind(kind.String()); err != nil {
		return EntryInput{}, err
	}
	if amount == 0 {
		return EntryInput{}, fmt.Errorf("%w: must be non-zero", ErrInvalidEntryAmount)
	}
	if kind.requiresPositive() && amount < 0 {
		return EntryInput{}, fmt.Errorf("%w: %s must be positive", ErrInvalidEntryAmount, kind)
	}
	if kind == EntrySpend && amount > 0 {
		return EntryInput{}, fmt.Errorf("%w: spend must be negative", ErrInvalidEntryAmount)
	}
	return EntryInput{
		accountID:      accountID,
		kind:           kind,
		amount:         amount,
		planID:         planID,
		description:    strings.TrimSpace(description),
		idempotencyKey: idempotencyKey,
		metadata:       metadata,
		createdUnixUTC: createdUnixUTC,
	}, nil
}

// AccountID returns the owning account.
func (input EntryInput) AccountID() AccountID { return input.accountID }

// Kind returns the entry kind.
func (input EntryInput) Kind() EntryKind { return input.kind }

// Amount returns the signed amount.
func (input EntryInput) Amount() EntryAmount { return input.amount }

// PlanID returns the plan the entry relates to, if any.
func (input EntryInput) PlanID() PlanID { return input.planID }

// Description returns the human-readable description.
func (input EntryInput) Description() string { return input.description }

// IdempotencyKey returns the key, which may be zero.
func (input EntryInput) IdempotencyKey() IdempotencyKey { return input.idempotencyKey }

// Metadata returns the entry metadata.
func (input EntryInput) Metadata() MetadataJSON { return input.metadata }

// CreatedUnixUTC returns the entry timestamp.
func (input EntryInput) CreatedUnixUTC() int64 { return input.createdUnixUTC }

// Entry is a single immutable line in the ledger.
type Entry struct {
	EntryID        EntryID
	AccountID      AccountID
	Sequence       int64
	Kind           EntryKind
	Amount         EntryAmount
	PlanID         PlanID
	Description    string
	IdempotencyKey IdempotencyKey
	Metadata       MetadataJSON
	CreatedUnixUTC int64
}

// NewEntry assembles a persisted entry from an input and store-assigned fields.
func NewEntry(entryID EntryID, sequence int64, input EntryInput) Entry {
	return Entry{
		EntryID:        entryID,
		AccountID:      input.accountID,
		Sequence:       sequence,
		Kind:           input.kind,
		Amount:         input.amount,
		PlanID:         input.planID,
		Description:    input.description,
		IdempotencyKey: input.idempotencyKey,
		Metadata:       input.metadata,
		CreatedUnixUTC: input.createdUnixUTC,
	}
}

// Balance is the read model returned to callers.
type Balance struct {
	AccountID AccountID
	Credits   Credits
	PlanTier  PlanTier
}

// EventOutcome describes what a processed webhook event did.
type EventOutcome string

const (
	OutcomeApplied   EventOutcome = "applied"
	OutcomeIgnored   EventOutcome = "ignored"
	OutcomeDuplicate EventOutcome = "duplicate"
)

// ProcessedEvent is the transition record for a reconciled webhook event.
type ProcessedEvent struct {
	IdempotencyKey IdempotencyKey
	AccountID      AccountID
	EventType      EventType
	Outcome        EventOutcome
	CreatedUnixUTC int64
}
