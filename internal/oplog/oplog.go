// Package oplog adapts ledger operation callbacks to zap and prometheus.
package oplog

import (
	"context"
	"errors"

	"github.com/MarkoPoloResearchLab/mailcredits/internal/metrics"
	"github.com/MarkoPoloResearchLab/mailcredits/pkg/ledger"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

const (
	grantOperationCatchUp   = "catch_up_grants"
	grantOperationFreeTier  = "free_tier_grant"
	grantOperationReconcile = "reconcile"
	messageOperation        = "ledger operation"
)

// Logger implements ledger.OperationLogger.
type Logger struct {
	logger *zap.Logger
}

// New returns a Logger writing to the given zap logger. A nil logger is replaced by a no-op.
func New(logger *zap.Logger) *Logger {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Logger{logger: logger}
}

// LogOperation records one ledger operation. Operator-actionable failures log
// at error level with the full event context; business rejections log at info.
func (operationLogger *Logger) LogOperation(_ context.Context, entry ledger.OperationLog) {
	metrics.LedgerOperationsTotal.WithLabelValues(entry.Operation, entry.Status).Inc()
	if entry.Attempts > 0 {
		metrics.LedgerOperationAttempts.WithLabelValues(entry.Operation).Observe(float64(entry.Attempts))
	}
	if entry.Error == nil && entry.EntriesApplied > 0 && isGrantOperation(entry.Operation) {
		metrics.GrantEntriesTotal.WithLabelValues(entry.Operation).Add(float64(entry.EntriesApplied))
	}
	if entry.Error == nil && entry.Downgraded {
		metrics.DowngradesTotal.Inc()
	}
	if entry.EventType != "" {
		outcome := string(entry.Outcome)
		if entry.Error != nil {
			outcome = metrics.OutcomeError
		}
		metrics.WebhookEventsTotal.WithLabelValues(entry.EventType.String(), outcome).Inc()
	}

	fields := fieldsFor(entry)
	switch {
	case entry.Error == nil:
		operationLogger.logger.Debug(messageOperation, fields...)
	case ledger.RequiresOperator(entry.Error):
		operationLogger.logger.Error(messageOperation, fields...)
	case errors.Is(entry.Error, ledger.ErrConflict):
		operationLogger.logger.Warn(messageOperation, fields...)
	default:
		operationLogger.logger.Info(messageOperation, fields...)
	}
}

func fieldsFor(entry ledger.OperationLog) []zapcore.Field {
	fields := []zapcore.Field{
		zap.String("operation", entry.Operation),
		zap.String("status", entry.Status),
		zap.String("account_id", entry.AccountID.String()),
		zap.Int("attempts", entry.Attempts),
	}
	if entry.Amount != 0 {
		fields = append(fields, zap.Int64("amount", entry.Amount.Int64()))
	}
	if !entry.IdempotencyKey.IsZero() {
		fields = append(fields, zap.String("idempotency_key", entry.IdempotencyKey.String()))
	}
	if entry.EventType != "" {
		fields = append(fields,
			zap.String("event_type", entry.EventType.String()),
			zap.String("event_id", entry.EventID),
			zap.String("outcome", string(entry.Outcome)),
		)
	}
	if entry.EntriesApplied > 0 {
		fields = append(fields, zap.Int("entries_applied", entry.EntriesApplied))
	}
	if entry.Downgraded {
		fields = append(fields, zap.Bool("downgraded", true))
	}
	if entry.Error != nil {
		fields = append(fields, zap.Error(entry.Error))
	}
	return fields
}

func isGrantOperation(operation string) bool {
	switch operation {
	case grantOperationCatchUp, grantOperationFreeTier, grantOperationReconcile:
		return true
	default:
		return false
	}
}
