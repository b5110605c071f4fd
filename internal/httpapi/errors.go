package httpapi

import (
	"errors"
	"net/http"

	"github.com/MarkoPoloResearchLab/mailcredits/pkg/ledger"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

var validationErrors = []error{
	ledger.ErrInvalidAccountID,
	ledger.ErrInvalidRequestID,
	ledger.ErrInvalidIdempotencyKey,
	ledger.ErrInvalidCredits,
	ledger.ErrInvalidEntryAmount,
	ledger.ErrInvalidService,
	ledger.ErrInvalidRequestStatus,
	ledger.ErrInvalidMetadataJSON,
	ledger.ErrInvalidEvent,
}

// statusFor maps a ledger error onto an HTTP status and a stable error code.
func statusFor(err error) (int, string) {
	switch {
	case errors.Is(err, ledger.ErrAccountNotFound):
		return http.StatusNotFound, "account_not_found"
	case errors.Is(err, ledger.ErrUnknownServiceRequest):
		return http.StatusNotFound, "request_not_found"
	case errors.Is(err, ledger.ErrInsufficientBalance):
		return http.StatusConflict, "insufficient_balance"
	case errors.Is(err, ledger.ErrDuplicateEvent):
		return http.StatusConflict, "duplicate"
	case errors.Is(err, ledger.ErrServiceRequestClosed):
		return http.StatusConflict, "request_closed"
	case errors.Is(err, ledger.ErrConflict), errors.Is(err, ledger.ErrDuplicateIdempotencyKey):
		return http.StatusServiceUnavailable, "conflict"
	}
	for _, target := range validationErrors {
		if errors.Is(err, target) {
			return http.StatusBadRequest, "invalid_request"
		}
	}
	return http.StatusInternalServerError, "ledger_error"
}

func (handler *Handler) respondError(ctx *gin.Context, operation string, err error) {
	status, code := statusFor(err)
	if status >= http.StatusInternalServerError {
		handler.logger.Error(operation+" failed", zap.Error(err))
		ctx.JSON(status, errorResponse(code, operation+" failed"))
		return
	}
	ctx.JSON(status, errorResponse(code, err.Error()))
}
