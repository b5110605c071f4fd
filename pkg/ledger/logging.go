package ledger

import (
	"context"
	"time"
)

// ServiceOption configures a Service instance.
type ServiceOption func(*Service)

// OperationLogger records domain-level events emitted by Service operations.
type OperationLogger interface {
	LogOperation(ctx context.Context, entry OperationLog)
}

// OperationLog describes a state-changing ledger operation.
type OperationLog struct {
	Operation      string
	AccountID      AccountID
	Amount         EntryAmount
	IdempotencyKey IdempotencyKey
	EventType      EventType
	EventID        string
	Outcome        EventOutcome
	EntriesApplied int
	Downgraded     bool
	Attempts       int
	Status         string
	Error          error
}

// WithOperationLogger wires a logger that receives callbacks for every operation.
func WithOperationLogger(logger OperationLogger) ServiceOption {
	return func(service *Service) {
		service.logger = logger
	}
}

// WithPackageCatalog sets the one-off credit package table.
func WithPackageCatalog(packages *PackageCatalog) ServiceOption {
	return func(service *Service) {
		if packages != nil {
			service.packages = packages
		}
	}
}

// WithServicePrices sets the credit cost of scan and delivery requests.
func WithServicePrices(prices ServicePrices) ServiceOption {
	return func(service *Service) {
		service.prices = prices
	}
}

// WithFreeTierPolicy enables the free-tier monthly grant flow.
func WithFreeTierPolicy(policy FreeTierPolicy) ServiceOption {
	return func(service *Service) {
		service.freeTier = policy
	}
}

// WithGrantCadence overrides the recurring grant period.
func WithGrantCadence(cadence time.Duration) ServiceOption {
	return func(service *Service) {
		if seconds := int64(cadence / time.Second); seconds > 0 {
			service.cadenceSeconds = seconds
		}
	}
}

// WithRetryPolicy bounds conflict retries.
func WithRetryPolicy(maxAttempts int, initialInterval time.Duration) ServiceOption {
	return func(service *Service) {
		if maxAttempts > 0 {
			service.maxAttempts = maxAttempts
		}
		if initialInterval > 0 {
			service.retryInterval = initialInterval
		}
	}
}

// WithIDGenerator replaces the generator used for service request ids.
func WithIDGenerator(generate func() string) ServiceOption {
	return func(service *Service) {
		if generate != nil {
			service.newID = generate
		}
	}
}
