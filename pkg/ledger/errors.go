package ledger

import (
	"errors"
	"fmt"
)

// Domain-level error values returned by the ledger service.
var (
	ErrAccountNotFound         = errors.New("account not found")
	ErrAccountExists           = errors.New("account already exists")
	ErrInsufficientBalance     = errors.New("insufficient balance")
	ErrInvalidPlan             = errors.New("invalid plan")
	ErrInvalidPackage          = errors.New("invalid credit package")
	ErrDuplicateEvent          = errors.New("duplicate event")
	ErrConflict                = errors.New("concurrent update conflict")
	ErrUnknownExternalRef      = errors.New("unknown external billing reference")
	ErrDuplicateIdempotencyKey = errors.New("duplicate idempotency key")
	ErrUnknownServiceRequest   = errors.New("unknown service request")
	ErrServiceRequestClosed    = errors.New("service request closed")
	ErrUnsupportedEvent        = errors.New("unsupported billing event")
	ErrInvalidAccountID        = errors.New("invalid account id")
	ErrInvalidEntryID          = errors.New("invalid entry id")
	ErrInvalidRequestID        = errors.New("invalid request id")
	ErrInvalidIdempotencyKey   = errors.New("invalid idempotency key")
	ErrInvalidCredits          = errors.New("invalid credits")
	ErrInvalidEntryAmount      = errors.New("invalid entry amount")
	ErrInvalidEntryKind        = errors.New("invalid entry kind")
	ErrInvalidPlanTier         = errors.New("invalid plan tier")
	ErrInvalidService          = errors.New("invalid service")
	ErrInvalidRequestStatus    = errors.New("invalid request status")
	ErrInvalidMetadataJSON     = errors.New("invalid metadata json")
	ErrInvalidServiceConfig    = errors.New("invalid service config")
	ErrInvalidBalance          = errors.New("invalid balance")
	ErrInvalidEvent            = errors.New("invalid billing event")
)

// OperationError wraps a failure with a stable operation code.
type OperationError struct {
	operation string
	subject   string
	code      string
	err       error
}

// Error returns the formatted error message.
func (operationError OperationError) Error() string {
	return fmt.Sprintf("%s.%s.%s: %v", operationError.operation, operationError.subject, operationError.code, operationError.err)
}

// Unwrap returns the underlying error.
func (operationError OperationError) Unwrap() error {
	return operationError.err
}

// Operation returns the operation segment.
func (operationError OperationError) Operation() string {
	return operationError.operation
}

// Subject returns the subject segment.
func (operationError OperationError) Subject() string {
	return operationError.subject
}

// Code returns the stable error code segment.
func (operationError OperationError) Code() string {
	return operationError.code
}

// WrapError wraps an error with operation, subject, and code metadata.
func WrapError(operation string, subject string, code string, err error) error {
	if err == nil {
		return nil
	}
	return OperationError{
		operation: operation,
		subject:   subject,
		code:      code,
		err:       err,
	}
}

// IsRetryable reports whether an error is a transient store conflict that
// should be resolved by re-running the whole operation on fresh state.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrConflict) || errors.Is(err, ErrDuplicateIdempotencyKey)
}

// RequiresOperator reports whether a failure needs manual reconciliation.
func RequiresOperator(err error) bool {
	return errors.Is(err, ErrUnknownExternalRef) ||
		errors.Is(err, ErrAccountNotFound) ||
		errors.Is(err, ErrInvalidPlan) ||
		errors.Is(err, ErrInvalidPackage)
}
