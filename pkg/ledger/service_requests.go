package ledger

import (
	"context"
	"fmt"
	"strings"
)

// RequestStatus is the fulfillment state of a service request.
type RequestStatus string

const (
	RequestStatusPending    RequestStatus = "pending"
	RequestStatusProcessing RequestStatus = "processing"
	RequestStatusCompleted  RequestStatus = "completed"
)

// ParseRequestStatus validates a stored status.
func ParseRequestStatus(raw string) (RequestStatus, error) {
	status := RequestStatus(strings.ToLower(strings.TrimSpace(raw)))
	switch status {
	case RequestStatusPending, RequestStatusProcessing, RequestStatusCompleted:
		return status, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrInvalidRequestStatus, raw)
	}
}

// String returns the stored representation.
func (status RequestStatus) String() string {
	return string(status)
}

func (status RequestStatus) canAdvanceTo(next RequestStatus) bool {
	switch status {
	case RequestStatusPending:
		return next == RequestStatusProcessing || next == RequestStatusCompleted
	case RequestStatusProcessing:
		return next == RequestStatusCompleted
	default:
		return false
	}
}

// ServiceRequest is one user action that consumed credits.
type ServiceRequest struct {
	RequestID         RequestID
	AccountID         AccountID
	Services          []MailService
	CostAtRequestTime PositiveCredits
	Status            RequestStatus
	Refunded          bool
	CreatedUnixUTC    int64
	UpdatedUnixUTC    int64
}

// RequestService prices the requested services, spends their cost and records
// a pending request in one commit.
func (service *Service) RequestService(ctx context.Context, accountID AccountID, services []MailService, idempotencyKey IdempotencyKey) (ServiceRequest, Entry, error) {
	normalized, cost, quoteError := service.prices.Quote(services)
	if quoteError != nil {
		return ServiceRequest{}, Entry{}, quoteError
	}
	requestID, idError := NewRequestID(service.newID())
	if idError != nil {
		return ServiceRequest{}, Entry{}, idError
	}
	spendKey := idempotencyKey
	if spendKey.IsZero() {
		spendKey = deriveIdempotencyKey(idempotencyPrefixRequest, requestID.String())
	}
	commit, attempts, operationError := service.update(ctx, accountID, func(ctx context.Context, view AccountView) (Mutation, error) {
		account := view.Account()
		if err := rejectSeenKey(ctx, view, spendKey); err != nil {
			return Mutation{}, err
		}
		if cost.Int64() > account.Balance.Int64() {
			return Mutation{}, fmt.Errorf("%w: balance %d, request costs %d", ErrInsufficientBalance, account.Balance, cost)
		}
		nowUnixUTC := service.nowFn()
		entry, err := NewEntryInput(accountID, EntrySpend, cost.ToEntryAmount().Negated(), PlanID{}, describeServices(normalized), spendKey,
			MetadataFromMap(map[string]string{"request_id": requestID.String()}), nowUnixUTC)
		if err != nil {
			return Mutation{}, err
		}
		mutation, err := service.mutationWithEntries(account, entry)
		if err != nil {
			return Mutation{}, err
		}
		mutation.Request = &ServiceRequest{
			RequestID:         requestID,
			AccountID:         accountID,
			Services:          normalized,
			CostAtRequestTime: cost,
			Status:            RequestStatusPending,
			CreatedUnixUTC:    nowUnixUTC,
			UpdatedUnixUTC:    nowUnixUTC,
		}
		return mutation, nil
	})
	service.logOperation(ctx, OperationLog{
		Operation:      operationRequestService,
		AccountID:      accountID,
		Amount:         cost.ToEntryAmount().Negated(),
		IdempotencyKey: spendKey,
		Attempts:       attempts,
		Error:          operationError,
	})
	if operationError != nil {
		return ServiceRequest{}, Entry{}, operationError
	}
	entry, err := firstEntry(commit)
	if err != nil {
		return ServiceRequest{}, Entry{}, err
	}
	if commit.Request == nil {
		return ServiceRequest{}, Entry{}, WrapError("service", "request", "missing", ErrUnknownServiceRequest)
	}
	return *commit.Request, entry, nil
}

// RefundServiceRequest credits back the cost of a request whose fulfillment failed.
// Each request is refunded at most once; completed requests are not refundable.
func (service *Service) RefundServiceRequest(ctx context.Context, requestID RequestID, reason string) (ServiceRequest, Entry, error) {
	stored, lookupError := service.store.GetServiceRequest(ctx, requestID)
	if lookupError != nil {
		return ServiceRequest{}, Entry{}, lookupError
	}
	refundKey := deriveIdempotencyKey(idempotencyPrefixRequest, requestID.String(), idempotencySuffixRefund)
	commit, attempts, operationError := service.update(ctx, stored.AccountID, func(ctx context.Context, view AccountView) (Mutation, error) {
		request, err := view.ServiceRequest(ctx, requestID)
		if err != nil {
			return Mutation{}, err
		}
		if request.Refunded {
			return Mutation{}, fmt.Errorf("%w: request %s already refunded", ErrDuplicateEvent, requestID)
		}
		if request.Status == RequestStatusCompleted {
			return Mutation{}, fmt.Errorf("%w: request %s is completed", ErrServiceRequestClosed, requestID)
		}
		description := strings.TrimSpace(reason)
		if description == "" {
			description = "Refund for " + describeServices(request.Services)
		}
		entry, err := NewEntryInput(request.AccountID, EntryRefund, request.CostAtRequestTime.ToEntryAmount(), PlanID{}, description, refundKey,
			MetadataFromMap(map[string]string{"request_id": requestID.String()}), service.nowFn())
		if err != nil {
			return Mutation{}, err
		}
		mutation, err := service.mutationWithEntries(view.Account(), entry)
		if err != nil {
			return Mutation{}, err
		}
		request.Refunded = true
		request.UpdatedUnixUTC = service.nowFn()
		mutation.Request = &request
		return mutation, nil
	})
	service.logOperation(ctx, OperationLog{
		Operation:      operationRefundRequest,
		AccountID:      stored.AccountID,
		Amount:         stored.CostAtRequestTime.ToEntryAmount(),
		IdempotencyKey: refundKey,
		Attempts:       attempts,
		Error:          operationError,
	})
	if operationError != nil {
		return ServiceRequest{}, Entry{}, operationError
	}
	entry, err := firstEntry(commit)
	if err != nil {
		return ServiceRequest{}, Entry{}, err
	}
	return *commit.Request, entry, nil
}

// AdvanceServiceRequest moves a request forward in its fulfillment lifecycle.
func (service *Service) AdvanceServiceRequest(ctx context.Context, requestID RequestID, next RequestStatus) (ServiceRequest, error) {
	stored, lookupError := service.store.GetServiceRequest(ctx, requestID)
	if lookupError != nil {
		return ServiceRequest{}, lookupError
	}
	commit, attempts, operationError := service.update(ctx, stored.AccountID, func(ctx context.Context, view AccountView) (Mutation, error) {
		request, err := view.ServiceRequest(ctx, requestID)
		if err != nil {
			return Mutation{}, err
		}
		if request.Refunded || !request.Status.canAdvanceTo(next) {
			return Mutation{}, fmt.Errorf("%w: %s cannot move from %s to %s", ErrServiceRequestClosed, requestID, request.Status, next)
		}
		request.Status = next
		request.UpdatedUnixUTC = service.nowFn()
		return Mutation{Account: view.Account(), Request: &request}, nil
	})
	service.logOperation(ctx, OperationLog{
		Operation: operationAdvanceRequest,
		AccountID: stored.AccountID,
		Attempts:  attempts,
		Error:     operationError,
	})
	if operationError != nil {
		return ServiceRequest{}, operationError
	}
	return *commit.Request, nil
}

// ServiceRequests lists an account's requests, newest first.
func (service *Service) ServiceRequests(ctx context.Context, accountID AccountID, limit int) ([]ServiceRequest, error) {
	if _, err := service.store.GetAccount(ctx, accountID); err != nil {
		return nil, err
	}
	return service.store.ListServiceRequests(ctx, accountID, normalizeLimit(limit))
}

func describeServices(services []MailService) string {
	names := make([]string, 0, len(services))
	for _, requested := range services {
		names = append(names, requested.String())
	}
	return "Mail " + strings.Join(names, " + ")
}
