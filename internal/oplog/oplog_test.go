package oplog

import (
	"context"
	"fmt"
	"testing"

	"github.com/MarkoPoloResearchLab/mailcredits/internal/metrics"
	"github.com/MarkoPoloResearchLab/mailcredits/pkg/ledger"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

func TestLogOperationLevels(t *testing.T) {
	core, logs := observer.New(zapcore.DebugLevel)
	logger := New(zap.New(core))
	accountID, err := ledger.NewAccountID("user-1")
	require.NoError(t, err)

	logger.LogOperation(context.Background(), ledger.OperationLog{Operation: "spend", Status: "ok", AccountID: accountID, Amount: -3, Attempts: 1})
	logger.LogOperation(context.Background(), ledger.OperationLog{Operation: "spend", Status: "error", AccountID: accountID, Error: ledger.ErrInsufficientBalance})
	logger.LogOperation(context.Background(), ledger.OperationLog{Operation: "spend", Status: "error", AccountID: accountID, Error: ledger.ErrConflict})
	logger.LogOperation(context.Background(), ledger.OperationLog{
		Operation: "reconcile",
		Status:    "error",
		EventType: ledger.EventInvoicePaid,
		EventID:   "evt_1",
		Error:     fmt.Errorf("%w: sub_404", ledger.ErrUnknownExternalRef),
	})

	entries := logs.All()
	require.Len(t, entries, 4)
	require.Equal(t, zapcore.DebugLevel, entries[0].Level)
	require.Equal(t, int64(-3), entries[0].ContextMap()["amount"])
	require.Equal(t, zapcore.InfoLevel, entries[1].Level)
	require.Equal(t, zapcore.WarnLevel, entries[2].Level)
	require.Equal(t, zapcore.ErrorLevel, entries[3].Level)
	require.Equal(t, "evt_1", entries[3].ContextMap()["event_id"])
	require.Equal(t, "invoice.paid", entries[3].ContextMap()["event_type"])
}

func TestLogOperationMetrics(t *testing.T) {
	logger := New(nil)
	webhookApplied := metrics.WebhookEventsTotal.WithLabelValues("checkout.session.completed", "applied")
	webhookErrors := metrics.WebhookEventsTotal.WithLabelValues("checkout.session.completed", metrics.OutcomeError)
	grants := metrics.GrantEntriesTotal.WithLabelValues(grantOperationCatchUp)
	appliedBefore := testutil.ToFloat64(webhookApplied)
	errorsBefore := testutil.ToFloat64(webhookErrors)
	grantsBefore := testutil.ToFloat64(grants)
	downgradesBefore := testutil.ToFloat64(metrics.DowngradesTotal)

	logger.LogOperation(context.Background(), ledger.OperationLog{Operation: "reconcile", Status: "ok", EventType: ledger.EventCheckoutCompleted, Outcome: ledger.OutcomeApplied, EntriesApplied: 1})
	logger.LogOperation(context.Background(), ledger.OperationLog{Operation: "reconcile", Status: "error", EventType: ledger.EventCheckoutCompleted, Error: ledger.ErrInvalidPlan})
	logger.LogOperation(context.Background(), ledger.OperationLog{Operation: grantOperationCatchUp, Status: "ok", EntriesApplied: 3})
	logger.LogOperation(context.Background(), ledger.OperationLog{Operation: grantOperationCatchUp, Status: "ok", Downgraded: true})

	require.Equal(t, appliedBefore+1, testutil.ToFloat64(webhookApplied))
	require.Equal(t, errorsBefore+1, testutil.ToFloat64(webhookErrors))
	require.Equal(t, grantsBefore+3, testutil.ToFloat64(grants))
	require.Equal(t, downgradesBefore+1, testutil.ToFloat64(metrics.DowngradesTotal))
}
