package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"

	"github.com/MarkoPoloResearchLab/mailcredits/internal/sweep"
	"github.com/MarkoPoloResearchLab/mailcredits/pkg/ledger"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

const idempotencyHeader = "Idempotency-Key"

func (handler *Handler) requestContext(ctx *gin.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx.Request.Context(), handler.cfg.RequestTimeout)
}

// sessionAccount resolves the signed-in user's account id.
func sessionAccount(ctx *gin.Context) (ledger.AccountID, bool) {
	claims := getClaims(ctx)
	if claims == nil {
		ctx.JSON(http.StatusUnauthorized, errorResponse("unauthorized", "missing session"))
		return ledger.AccountID{}, false
	}
	accountID, err := ledger.NewAccountID(claims.GetUserID())
	if err != nil {
		ctx.JSON(http.StatusUnauthorized, errorResponse("unauthorized", "session has no user id"))
		return ledger.AccountID{}, false
	}
	return accountID, true
}

func (handler *Handler) handleAccount(ctx *gin.Context) {
	accountID, ok := sessionAccount(ctx)
	if !ok {
		return
	}
	requestCtx, cancel := handler.requestContext(ctx)
	defer cancel()
	account, err := handler.ledger.GetAccount(requestCtx, accountID)
	if err != nil {
		handler.respondError(ctx, "account", err)
		return
	}
	ctx.JSON(http.StatusOK, gin.H{"account": newAccountPayload(account)})
}

func (handler *Handler) handleBalance(ctx *gin.Context) {
	accountID, ok := sessionAccount(ctx)
	if !ok {
		return
	}
	requestCtx, cancel := handler.requestContext(ctx)
	defer cancel()
	balance, err := handler.ledger.Balance(requestCtx, accountID)
	if err != nil {
		handler.respondError(ctx, "balance", err)
		return
	}
	ctx.JSON(http.StatusOK, gin.H{"balance": balancePayload{
		AccountID: balance.AccountID.String(),
		Credits:   balance.Credits.Int64(),
		PlanTier:  balance.PlanTier.String(),
	}})
}

func (handler *Handler) handleHistory(ctx *gin.Context) {
	accountID, ok := sessionAccount(ctx)
	if !ok {
		return
	}
	beforeSequence, err := queryInt64(ctx, "before")
	if err != nil {
		ctx.JSON(http.StatusBadRequest, errorResponse("invalid_request", "before must be an integer"))
		return
	}
	limit, err := queryInt64(ctx, "limit")
	if err != nil {
		ctx.JSON(http.StatusBadRequest, errorResponse("invalid_request", "limit must be an integer"))
		return
	}
	requestCtx, cancel := handler.requestContext(ctx)
	defer cancel()
	entries, err := handler.ledger.History(requestCtx, accountID, beforeSequence, int(limit))
	if err != nil {
		handler.respondError(ctx, "history", err)
		return
	}
	payload := make([]entryPayload, 0, len(entries))
	for _, entry := range entries {
		payload = append(payload, newEntryPayload(entry))
	}
	ctx.JSON(http.StatusOK, gin.H{"entries": payload})
}

// handleSync opens the account on first sign-in, then applies any grants owed.
func (handler *Handler) handleSync(ctx *gin.Context) {
	accountID, ok := sessionAccount(ctx)
	if !ok {
		return
	}
	requestCtx, cancel := handler.requestContext(ctx)
	defer cancel()
	if _, err := handler.ledger.OpenAccount(requestCtx, accountID); err != nil {
		handler.respondError(ctx, "open account", err)
		return
	}
	account, err := handler.ledger.SyncOnLogin(requestCtx, accountID)
	if err != nil {
		handler.respondError(ctx, "sync", err)
		return
	}
	ctx.JSON(http.StatusOK, gin.H{"account": newAccountPayload(account)})
}

func (handler *Handler) handleCreateRequest(ctx *gin.Context) {
	accountID, ok := sessionAccount(ctx)
	if !ok {
		return
	}
	var request createServiceRequest
	if err := ctx.ShouldBindJSON(&request); err != nil {
		ctx.JSON(http.StatusBadRequest, errorResponse("invalid_payload", "expected JSON body"))
		return
	}
	services := make([]ledger.MailService, 0, len(request.Services))
	for _, raw := range request.Services {
		service, err := ledger.ParseService(raw)
		if err != nil {
			handler.respondError(ctx, "request service", err)
			return
		}
		services = append(services, service)
	}
	requestCtx, cancel := handler.requestContext(ctx)
	defer cancel()
	serviceRequest, entry, err := handler.ledger.RequestService(requestCtx, accountID, services, idempotencyKeyFor(ctx, request.IdempotencyKey))
	if err != nil {
		handler.respondError(ctx, "request service", err)
		return
	}
	ctx.JSON(http.StatusCreated, gin.H{
		"request": newRequestPayload(serviceRequest),
		"entry":   newEntryPayload(entry),
	})
}

func (handler *Handler) handleListRequests(ctx *gin.Context) {
	accountID, ok := sessionAccount(ctx)
	if !ok {
		return
	}
	limit, err := queryInt64(ctx, "limit")
	if err != nil {
		ctx.JSON(http.StatusBadRequest, errorResponse("invalid_request", "limit must be an integer"))
		return
	}
	requestCtx, cancel := handler.requestContext(ctx)
	defer cancel()
	requests, err := handler.ledger.ServiceRequests(requestCtx, accountID, int(limit))
	if err != nil {
		handler.respondError(ctx, "list requests", err)
		return
	}
	payload := make([]requestPayload, 0, len(requests))
	for _, serviceRequest := range requests {
		payload = append(payload, newRequestPayload(serviceRequest))
	}
	ctx.JSON(http.StatusOK, gin.H{"requests": payload})
}

func (handler *Handler) handleOpenAccount(ctx *gin.Context) {
	var request openAccountRequest
	if err := ctx.ShouldBindJSON(&request); err != nil {
		ctx.JSON(http.StatusBadRequest, errorResponse("invalid_payload", "expected JSON body"))
		return
	}
	accountID, err := ledger.NewAccountID(request.AccountID)
	if err != nil {
		handler.respondError(ctx, "open account", err)
		return
	}
	requestCtx, cancel := handler.requestContext(ctx)
	defer cancel()
	account, err := handler.ledger.OpenAccount(requestCtx, accountID)
	if err != nil {
		handler.respondError(ctx, "open account", err)
		return
	}
	ctx.JSON(http.StatusOK, gin.H{"account": newAccountPayload(account)})
}

func (handler *Handler) handleAdjust(ctx *gin.Context) {
	accountID, err := ledger.NewAccountID(ctx.Param("id"))
	if err != nil {
		handler.respondError(ctx, "adjust", err)
		return
	}
	var request adjustmentRequest
	if err := ctx.ShouldBindJSON(&request); err != nil {
		ctx.JSON(http.StatusBadRequest, errorResponse("invalid_payload", "expected JSON body"))
		return
	}
	amount, err := ledger.NewEntryAmount(request.Amount)
	if err != nil {
		handler.respondError(ctx, "adjust", err)
		return
	}
	idempotencyKey, err := ledger.NewIdempotencyKey(idempotencyKeyFor(ctx, request.IdempotencyKey).String())
	if err != nil {
		handler.respondError(ctx, "adjust", err)
		return
	}
	requestCtx, cancel := handler.requestContext(ctx)
	defer cancel()
	entry, err := handler.ledger.Adjust(requestCtx, accountID, amount, request.Reason, idempotencyKey)
	if err != nil {
		handler.respondError(ctx, "adjust", err)
		return
	}
	ctx.JSON(http.StatusOK, gin.H{"entry": newEntryPayload(entry)})
}

func (handler *Handler) handleRefund(ctx *gin.Context) {
	accountID, err := ledger.NewAccountID(ctx.Param("id"))
	if err != nil {
		handler.respondError(ctx, "refund", err)
		return
	}
	var request refundRequest
	if err := ctx.ShouldBindJSON(&request); err != nil {
		ctx.JSON(http.StatusBadRequest, errorResponse("invalid_payload", "expected JSON body"))
		return
	}
	amount, err := ledger.NewPositiveCredits(request.Amount)
	if err != nil {
		handler.respondError(ctx, "refund", err)
		return
	}
	idempotencyKey, err := ledger.NewIdempotencyKey(idempotencyKeyFor(ctx, request.IdempotencyKey).String())
	if err != nil {
		handler.respondError(ctx, "refund", err)
		return
	}
	requestCtx, cancel := handler.requestContext(ctx)
	defer cancel()
	entry, err := handler.ledger.Refund(requestCtx, accountID, amount, request.Description, idempotencyKey)
	if err != nil {
		handler.respondError(ctx, "refund", err)
		return
	}
	ctx.JSON(http.StatusOK, gin.H{"entry": newEntryPayload(entry)})
}

func (handler *Handler) handleAdvanceRequest(ctx *gin.Context) {
	requestID, err := ledger.NewRequestID(ctx.Param("id"))
	if err != nil {
		handler.respondError(ctx, "advance request", err)
		return
	}
	var request advanceRequest
	if err := ctx.ShouldBindJSON(&request); err != nil {
		ctx.JSON(http.StatusBadRequest, errorResponse("invalid_payload", "expected JSON body"))
		return
	}
	next, err := ledger.ParseRequestStatus(request.Status)
	if err != nil {
		handler.respondError(ctx, "advance request", err)
		return
	}
	requestCtx, cancel := handler.requestContext(ctx)
	defer cancel()
	serviceRequest, err := handler.ledger.AdvanceServiceRequest(requestCtx, requestID, next)
	if err != nil {
		handler.respondError(ctx, "advance request", err)
		return
	}
	ctx.JSON(http.StatusOK, gin.H{"request": newRequestPayload(serviceRequest)})
}

func (handler *Handler) handleRefundRequest(ctx *gin.Context) {
	requestID, err := ledger.NewRequestID(ctx.Param("id"))
	if err != nil {
		handler.respondError(ctx, "refund request", err)
		return
	}
	var request refundServiceRequest
	if err := ctx.ShouldBindJSON(&request); err != nil && !errors.Is(err, io.EOF) {
		ctx.JSON(http.StatusBadRequest, errorResponse("invalid_payload", "expected JSON body"))
		return
	}
	requestCtx, cancel := handler.requestContext(ctx)
	defer cancel()
	serviceRequest, entry, err := handler.ledger.RefundServiceRequest(requestCtx, requestID, request.Reason)
	if err != nil {
		handler.respondError(ctx, "refund request", err)
		return
	}
	ctx.JSON(http.StatusOK, gin.H{
		"request": newRequestPayload(serviceRequest),
		"entry":   newEntryPayload(entry),
	})
}

func (handler *Handler) handleSweep(kind sweep.Kind) gin.HandlerFunc {
	return func(ctx *gin.Context) {
		// Sweeps outlive the per-request timeout; they stop only if the client goes away.
		report, ran, err := handler.sweeps.RunOnce(ctx.Request.Context(), kind)
		if err != nil {
			handler.logger.Error("sweep failed", zap.String("sweep", string(kind)), zap.Error(err))
			ctx.JSON(http.StatusInternalServerError, errorResponse("sweep_failed", err.Error()))
			return
		}
		ctx.JSON(http.StatusOK, gin.H{"sweep": sweepPayload{
			Kind:           string(kind),
			Ran:            ran,
			Scanned:        report.Scanned,
			EntriesGranted: report.EntriesGranted,
			Downgraded:     report.Downgraded,
			Failures:       len(report.Failures),
		}})
	}
}

// idempotencyKeyFor prefers the Idempotency-Key header over the body field.
func idempotencyKeyFor(ctx *gin.Context, bodyKey string) ledger.IdempotencyKey {
	if header := ctx.GetHeader(idempotencyHeader); header != "" {
		return ledger.OptionalIdempotencyKey(header)
	}
	return ledger.OptionalIdempotencyKey(bodyKey)
}

func queryInt64(ctx *gin.Context, name string) (int64, error) {
	raw := ctx.Query(name)
	if raw == "" {
		return 0, nil
	}
	return strconv.ParseInt(raw, 10, 64)
}

type createServiceRequest struct {
	Services       []string `json:"services"`
	IdempotencyKey string   `json:"idempotency_key"`
}

type openAccountRequest struct {
	AccountID string `json:"account_id"`
}

type adjustmentRequest struct {
	Amount         int64  `json:"amount"`
	Reason         string `json:"reason"`
	IdempotencyKey string `json:"idempotency_key"`
}

type refundRequest struct {
	Amount         int64  `json:"amount"`
	Description    string `json:"description"`
	IdempotencyKey string `json:"idempotency_key"`
}

type advanceRequest struct {
	Status string `json:"status"`
}

type refundServiceRequest struct {
	Reason string `json:"reason"`
}

type accountPayload struct {
	AccountID                string `json:"account_id"`
	PlanTier                 string `json:"plan_tier"`
	SubscriptionPlanID       string `json:"subscription_plan_id,omitempty"`
	SubscriptionStartUnixUTC int64  `json:"subscription_start_unix_utc,omitempty"`
	SubscriptionEndUnixUTC   int64  `json:"subscription_end_unix_utc,omitempty"`
	Balance                  int64  `json:"balance"`
	LastGrantUnixUTC         int64  `json:"last_grant_unix_utc,omitempty"`
	NextGrantDueUnixUTC      int64  `json:"next_grant_due_unix_utc,omitempty"`
	LastFreeGrantUnixUTC     int64  `json:"last_free_grant_unix_utc,omitempty"`
	CreatedUnixUTC           int64  `json:"created_unix_utc"`
}

func newAccountPayload(account ledger.Account) accountPayload {
	return accountPayload{
		AccountID:                account.AccountID.String(),
		PlanTier:                 account.PlanTier.String(),
		SubscriptionPlanID:       account.SubscriptionPlanID.String(),
		SubscriptionStartUnixUTC: account.SubscriptionStartUnixUTC,
		SubscriptionEndUnixUTC:   account.SubscriptionEndUnixUTC,
		Balance:                  account.Balance.Int64(),
		LastGrantUnixUTC:         account.LastGrantUnixUTC,
		NextGrantDueUnixUTC:      account.NextGrantDueUnixUTC,
		LastFreeGrantUnixUTC:     account.LastFreeGrantUnixUTC,
		CreatedUnixUTC:           account.CreatedUnixUTC,
	}
}

type balancePayload struct {
	AccountID string `json:"account_id"`
	Credits   int64  `json:"credits"`
	PlanTier  string `json:"plan_tier"`
}

type entryPayload struct {
	EntryID        string          `json:"entry_id"`
	Sequence       int64           `json:"sequence"`
	Kind           string          `json:"kind"`
	Amount         int64           `json:"amount"`
	PlanID         string          `json:"plan_id,omitempty"`
	Description    string          `json:"description"`
	IdempotencyKey string          `json:"idempotency_key,omitempty"`
	Metadata       json.RawMessage `json:"metadata"`
	CreatedUnixUTC int64           `json:"created_unix_utc"`
}

func newEntryPayload(entry ledger.Entry) entryPayload {
	return entryPayload{
		EntryID:        entry.EntryID.String(),
		Sequence:       entry.Sequence,
		Kind:           entry.Kind.String(),
		Amount:         entry.Amount.Int64(),
		PlanID:         entry.PlanID.String(),
		Description:    entry.Description,
		IdempotencyKey: entry.IdempotencyKey.String(),
		Metadata:       json.RawMessage(entry.Metadata.String()),
		CreatedUnixUTC: entry.CreatedUnixUTC,
	}
}

type requestPayload struct {
	RequestID      string   `json:"request_id"`
	AccountID      string   `json:"account_id"`
	Services       []string `json:"services"`
	Cost           int64    `json:"cost"`
	Status         string   `json:"status"`
	Refunded       bool     `json:"refunded"`
	CreatedUnixUTC int64    `json:"created_unix_utc"`
	UpdatedUnixUTC int64    `json:"updated_unix_utc"`
}

func newRequestPayload(serviceRequest ledger.ServiceRequest) requestPayload {
	services := make([]string, 0, len(serviceRequest.Services))
	for _, service := range serviceRequest.Services {
		services = append(services, service.String())
	}
	return requestPayload{
		RequestID:      serviceRequest.RequestID.String(),
		AccountID:      serviceRequest.AccountID.String(),
		Services:       services,
		Cost:           serviceRequest.CostAtRequestTime.Int64(),
		Status:         serviceRequest.Status.String(),
		Refunded:       serviceRequest.Refunded,
		CreatedUnixUTC: serviceRequest.CreatedUnixUTC,
		UpdatedUnixUTC: serviceRequest.UpdatedUnixUTC,
	}
}

type sweepPayload struct {
	Kind           string `json:"kind"`
	Ran            bool   `json:"ran"`
	Scanned        int    `json:"scanned"`
	EntriesGranted int    `json:"entries_granted"`
	Downgraded     int    `json:"downgraded"`
	Failures       int    `json:"failures"`
}
