package ledger

const (
	operationOpenAccount    = "open_account"
	operationSpend          = "spend"
	operationRefund         = "refund"
	operationAdjust         = "adjust"
	operationCatchUp        = "catch_up_grants"
	operationFreeTierGrant  = "free_tier_grant"
	operationRequestService = "request_service"
	operationRefundRequest  = "refund_request"
	operationAdvanceRequest = "advance_request"
	operationReconcile      = "reconcile"

	operationStatusOK    = "ok"
	operationStatusError = "error"

	idempotencyKeyDelimiter  = ":"
	idempotencyPrefixGrant   = "recurring"
	idempotencyPrefixFree    = "free"
	idempotencyPrefixRequest = "request"
	idempotencySuffixInitial = "initial"
	idempotencySuffixRefund  = "refund"
	idempotencySuffixBuy     = "purchase"

	defaultMetadataJSON = "{}"

	secondsPerDay = int64(24 * 60 * 60)

	// DefaultGrantCadenceSeconds is the fixed 30-day recurring grant period.
	DefaultGrantCadenceSeconds = 30 * secondsPerDay
	// DefaultFreeTierEligibilitySeconds is the minimum gap between free-tier grants.
	DefaultFreeTierEligibilitySeconds = 30 * secondsPerDay
	// DefaultMaxAttempts bounds conflict retries for a single operation.
	DefaultMaxAttempts = 5
	// DefaultHistoryLimit is used when a caller asks for a non-positive page size.
	DefaultHistoryLimit = 50
	// MaxHistoryLimit caps history page sizes.
	MaxHistoryLimit = 500
)
