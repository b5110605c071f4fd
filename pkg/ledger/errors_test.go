package ledger

import (
	"errors"
	"fmt"
	"testing"
)

const (
	operationName    = "ledger"
	subjectName      = "entry"
	codeName         = "invalid"
	baseErrorMessage = "base error"
)

func TestOperationErrorFormatting(test *testing.T) {
	test.Parallel()
	baseError := errors.New(baseErrorMessage)
	wrappedError := WrapError(operationName, subjectName, codeName, baseError)
	if wrappedError == nil {
		test.Fatalf("expected wrapped error")
	}
	expected := operationName + "." + subjectName + "." + codeName + ": " + baseErrorMessage
	if wrappedError.Error() != expected {
		test.Fatalf("expected %q, got %q", expected, wrappedError.Error())
	}
	var operationError OperationError
	if !errors.As(wrappedError, &operationError) || operationError.Code() != codeName {
		test.Fatalf("expected OperationError with code %s, got %v", codeName, wrappedError)
	}
}

func TestWrapErrorNil(test *testing.T) {
	test.Parallel()
	if WrapError(operationName, subjectName, codeName, nil) != nil {
		test.Fatalf("expected nil wrapped error")
	}
}

func TestErrorClassification(test *testing.T) {
	test.Parallel()
	testCases := []struct {
		name          string
		err           error
		wantRetryable bool
		wantOperator  bool
	}{
		{name: "conflict", err: WrapError("store", "account", "conflict", ErrConflict), wantRetryable: true},
		{name: "duplicate key race", err: fmt.Errorf("insert: %w", ErrDuplicateIdempotencyKey), wantRetryable: true},
		{name: "unknown ref", err: ErrUnknownExternalRef, wantOperator: true},
		{name: "missing account", err: ErrAccountNotFound, wantOperator: true},
		{name: "invalid plan", err: ErrInvalidPlan, wantOperator: true},
		{name: "invalid package", err: ErrInvalidPackage, wantOperator: true},
		{name: "insufficient balance", err: ErrInsufficientBalance},
		{name: "duplicate event", err: ErrDuplicateEvent},
	}
	for _, testCase := range testCases {
		testCase := testCase
		test.Run(testCase.name, func(test *testing.T) {
			test.Parallel()
			if IsRetryable(testCase.err) != testCase.wantRetryable {
				test.Fatalf("IsRetryable(%v) = %t", testCase.err, !testCase.wantRetryable)
			}
			if RequiresOperator(testCase.err) != testCase.wantOperator {
				test.Fatalf("RequiresOperator(%v) = %t", testCase.err, !testCase.wantOperator)
			}
		})
	}
}
