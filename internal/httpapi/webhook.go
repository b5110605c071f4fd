package httpapi

import (
	"errors"
	"io"
	"net/http"
	"time"

	"github.com/MarkoPoloResearchLab/mailcredits/internal/metrics"
	"github.com/MarkoPoloResearchLab/mailcredits/pkg/ledger"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

const (
	stripeSignatureHeader = "Stripe-Signature"
	maxWebhookBodyBytes   = 1 << 20
	unknownEventType      = "unknown"
)

// handleStripeWebhook verifies, decodes and reconciles one delivery. Stripe
// retries anything that is not 2xx, so only transient failures return 5xx.
func (handler *Handler) handleStripeWebhook(ctx *gin.Context) {
	started := time.Now()
	eventType := unknownEventType
	defer func() {
		metrics.WebhookDuration.WithLabelValues(eventType).Observe(time.Since(started).Seconds())
	}()

	payload, err := io.ReadAll(io.LimitReader(ctx.Request.Body, maxWebhookBodyBytes+1))
	if err != nil {
		metrics.WebhookEventsTotal.WithLabelValues(eventType, metrics.OutcomeRejected).Inc()
		ctx.JSON(http.StatusBadRequest, errorResponse("invalid_payload", "unreadable body"))
		return
	}
	if len(payload) > maxWebhookBodyBytes {
		metrics.WebhookEventsTotal.WithLabelValues(eventType, metrics.OutcomeRejected).Inc()
		ctx.JSON(http.StatusRequestEntityTooLarge, errorResponse("invalid_payload", "body too large"))
		return
	}

	event, err := handler.parser.Parse(payload, ctx.GetHeader(stripeSignatureHeader))
	if err != nil {
		metrics.WebhookEventsTotal.WithLabelValues(eventType, metrics.OutcomeRejected).Inc()
		handler.logger.Warn("webhook rejected", zap.Error(err))
		ctx.JSON(http.StatusBadRequest, errorResponse("invalid_event", err.Error()))
		return
	}
	eventType = event.Type.String()

	requestCtx, cancel := handler.requestContext(ctx)
	defer cancel()
	result, err := handler.reconciler.Reconcile(requestCtx, event)
	switch {
	case err == nil:
		ctx.JSON(http.StatusOK, gin.H{
			"event_id": event.EventID,
			"outcome":  string(result.Outcome),
		})
	case ledger.RequiresOperator(err):
		// Logged with full context by the operation logger; Stripe will not fix it by retrying.
		ctx.JSON(http.StatusUnprocessableEntity, errorResponse("needs_operator", err.Error()))
	case errors.Is(err, ledger.ErrInvalidEvent):
		ctx.JSON(http.StatusBadRequest, errorResponse("invalid_event", err.Error()))
	default:
		handler.logger.Error("webhook reconcile failed",
			zap.String("event_id", event.EventID),
			zap.String("event_type", eventType),
			zap.Error(err),
		)
		ctx.JSON(http.StatusServiceUnavailable, errorResponse("retry", "reconcile failed"))
	}
}
