package grpcserver

import (
	"context"
	"errors"
	"fmt"
	"math"

	"github.com/MarkoPoloResearchLab/mailcredits/pkg/ledger"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/structpb"
)

const (
	errorAccountNotFound       = "account_not_found"
	errorInsufficientBalance   = "insufficient_balance"
	errorDuplicateEvent        = "duplicate_idempotency_key"
	errorConflict              = "conflict"
	errorInvalidAccountID      = "invalid_account_id"
	errorInvalidIdempotencyKey = "invalid_idempotency_key"
	errorInvalidAmount         = "invalid_amount"
	errorInvalidArgument       = "invalid_argument"

	fieldAccountID      = "account_id"
	fieldAmount         = "amount"
	fieldDescription    = "description"
	fieldReason         = "reason"
	fieldIdempotencyKey = "idempotency_key"
)

// Ledger is the subset of ledger.Service exposed over gRPC.
type Ledger interface {
	Balance(ctx context.Context, accountID ledger.AccountID) (ledger.Balance, error)
	Spend(ctx context.Context, accountID ledger.AccountID, amount ledger.PositiveCredits, description string, idempotencyKey ledger.IdempotencyKey) (ledger.Entry, error)
	Refund(ctx context.Context, accountID ledger.AccountID, amount ledger.PositiveCredits, description string, idempotencyKey ledger.IdempotencyKey) (ledger.Entry, error)
	Adjust(ctx context.Context, accountID ledger.AccountID, amount ledger.EntryAmount, reason string, idempotencyKey ledger.IdempotencyKey) (ledger.Entry, error)
	ReconcileDueGrants(ctx context.Context) (ledger.SweepReport, error)
}

// LedgerServiceServer exposes the credit ledger over gRPC.
type LedgerServiceServer struct {
	ledger Ledger
}

// NewLedgerServiceServer constructs a gRPC server for the ledger service.
func NewLedgerServiceServer(ledgerService Ledger) *LedgerServiceServer {
	return &LedgerServiceServer{ledger: ledgerService}
}

func (server *LedgerServiceServer) GetBalance(ctx context.Context, request *structpb.Struct) (*structpb.Struct, error) {
	accountID, err := ledger.NewAccountID(stringField(request, fieldAccountID))
	if err != nil {
		return nil, mapToGRPCError(err)
	}
	balance, operationError := server.ledger.Balance(ctx, accountID)
	if operationError != nil {
		return nil, mapToGRPCError(operationError)
	}
	return newStruct(map[string]any{
		fieldAccountID: balance.AccountID.String(),
		"credits":      balance.Credits.Int64(),
		"plan_tier":    balance.PlanTier.String(),
	})
}

func (server *LedgerServiceServer) Spend(ctx context.Context, request *structpb.Struct) (*structpb.Struct, error) {
	accountID, amount, idempotencyKey, err := parseCreditRequest(request)
	if err != nil {
		return nil, mapToGRPCError(err)
	}
	entry, operationError := server.ledger.Spend(ctx, accountID, amount, stringField(request, fieldDescription), idempotencyKey)
	if operationError != nil {
		return nil, mapToGRPCError(operationError)
	}
	return entryStruct(entry)
}

func (server *LedgerServiceServer) Refund(ctx context.Context, request *structpb.Struct) (*structpb.Struct, error) {
	accountID, amount, idempotencyKey, err := parseCreditRequest(request)
	if err != nil {
		return nil, mapToGRPCError(err)
	}
	entry, operationError := server.ledger.Refund(ctx, accountID, amount, stringField(request, fieldDescription), idempotencyKey)
	if operationError != nil {
		return nil, mapToGRPCError(operationError)
	}
	return entryStruct(entry)
}

func (server *LedgerServiceServer) Adjust(ctx context.Context, request *structpb.Struct) (*structpb.Struct, error) {
	accountID, err := ledger.NewAccountID(stringField(request, fieldAccountID))
	if err != nil {
		return nil, mapToGRPCError(err)
	}
	rawAmount, err := integerField(request, fieldAmount)
	if err != nil {
		return nil, mapToGRPCError(err)
	}
	amount, err := ledger.NewEntryAmount(rawAmount)
	if err != nil {
		return nil, mapToGRPCError(err)
	}
	idempotencyKey, err := ledger.NewIdempotencyKey(stringField(request, fieldIdempotencyKey))
	if err != nil {
		return nil, mapToGRPCError(err)
	}
	entry, operationError := server.ledger.Adjust(ctx, accountID, amount, stringField(request, fieldReason), idempotencyKey)
	if operationError != nil {
		return nil, mapToGRPCError(operationError)
	}
	return entryStruct(entry)
}

func (server *LedgerServiceServer) ReconcileDueGrants(ctx context.Context, _ *structpb.Struct) (*structpb.Struct, error) {
	report, operationError := server.ledger.ReconcileDueGrants(ctx)
	if operationError != nil {
		return nil, mapToGRPCError(operationError)
	}
	return newStruct(map[string]any{
		"scanned":         report.Scanned,
		"entries_granted": report.EntriesGranted,
		"downgraded":      report.Downgraded,
		"failures":        len(report.Failures),
	})
}

func parseCreditRequest(request *structpb.Struct) (ledger.AccountID, ledger.PositiveCredits, ledger.IdempotencyKey, error) {
	accountID, err := ledger.NewAccountID(stringField(request, fieldAccountID))
	if err != nil {
		return ledger.AccountID{}, 0, ledger.IdempotencyKey{}, err
	}
	rawAmount, err := integerField(request, fieldAmount)
	if err != nil {
		return ledger.AccountID{}, 0, ledger.IdempotencyKey{}, err
	}
	amount, err := ledger.NewPositiveCredits(rawAmount)
	if err != nil {
		return ledger.AccountID{}, 0, ledger.IdempotencyKey{}, err
	}
	idempotencyKey, err := ledger.NewIdempotencyKey(stringField(request, fieldIdempotencyKey))
	if err != nil {
		return ledger.AccountID{}, 0, ledger.IdempotencyKey{}, err
	}
	return accountID, amount, idempotencyKey, nil
}

func stringField(request *structpb.Struct, name string) string {
	value, ok := request.GetFields()[name]
	if !ok {
		return ""
	}
	return value.GetStringValue()
}

// integerField reads a whole number. Struct numbers are doubles on the wire.
func integerField(request *structpb.Struct, name string) (int64, error) {
	value, ok := request.GetFields()[name]
	if !ok {
		return 0, fmt.Errorf("%w: %s is required", ledger.ErrInvalidCredits, name)
	}
	number, ok := value.GetKind().(*structpb.Value_NumberValue)
	if !ok {
		return 0, fmt.Errorf("%w: %s must be a number", ledger.ErrInvalidCredits, name)
	}
	if number.NumberValue != math.Trunc(number.NumberValue) || math.Abs(number.NumberValue) > 1<<53 {
		return 0, fmt.Errorf("%w: %s must be a whole number", ledger.ErrInvalidCredits, name)
	}
	return int64(number.NumberValue), nil
}

func entryStruct(entry ledger.Entry) (*structpb.Struct, error) {
	return newStruct(map[string]any{
		"entry_id":          entry.EntryID.String(),
		fieldAccountID:      entry.AccountID.String(),
		"sequence":          entry.Sequence,
		"kind":              entry.Kind.String(),
		fieldAmount:         entry.Amount.Int64(),
		fieldDescription:    entry.Description,
		fieldIdempotencyKey: entry.IdempotencyKey.String(),
		"metadata_json":     entry.Metadata.String(),
		"created_unix_utc":  entry.CreatedUnixUTC,
	})
}

func newStruct(fields map[string]any) (*structpb.Struct, error) {
	response, err := structpb.NewStruct(fields)
	if err != nil {
		return nil, status.Error(codes.Internal, err.Error())
	}
	return response, nil
}

func mapToGRPCError(source error) error {
	switch {
	case errors.Is(source, ledger.ErrInvalidAccountID):
		return status.Error(codes.InvalidArgument, errorInvalidAccountID)
	case errors.Is(source, ledger.ErrInvalidIdempotencyKey):
		return status.Error(codes.InvalidArgument, errorInvalidIdempotencyKey)
	case errors.Is(source, ledger.ErrInvalidCredits), errors.Is(source, ledger.ErrInvalidEntryAmount):
		return status.Error(codes.InvalidArgument, errorInvalidAmount)
	case errors.Is(source, ledger.ErrInvalidMetadataJSON):
		return status.Error(codes.InvalidArgument, errorInvalidArgument)
	case errors.Is(source, ledger.ErrAccountNotFound):
		return status.Error(codes.NotFound, errorAccountNotFound)
	case errors.Is(source, ledger.ErrInsufficientBalance):
		return status.Error(codes.FailedPrecondition, errorInsufficientBalance)
	case errors.Is(source, ledger.ErrDuplicateEvent):
		return status.Error(codes.AlreadyExists, errorDuplicateEvent)
	case errors.Is(source, ledger.ErrConflict), errors.Is(source, ledger.ErrDuplicateIdempotencyKey):
		return status.Error(codes.Aborted, errorConflict)
	case errors.Is(source, context.DeadlineExceeded):
		return status.Error(codes.DeadlineExceeded, source.Error())
	case errors.Is(source, context.Canceled):
		return status.Error(codes.Canceled, source.Error())
	}
	return status.Error(codes.Internal, source.Error())
}
