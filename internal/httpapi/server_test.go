package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/MarkoPoloResearchLab/mailcredits/internal/billing/stripeevents"
	"github.com/MarkoPoloResearchLab/mailcredits/internal/metrics"
	"github.com/MarkoPoloResearchLab/mailcredits/internal/oplog"
	"github.com/MarkoPoloResearchLab/mailcredits/internal/store/gormstore"
	"github.com/MarkoPoloResearchLab/mailcredits/internal/sweep"
	"github.com/MarkoPoloResearchLab/mailcredits/pkg/ledger"
	"github.com/glebarez/sqlite"
	"github.com/golang-jwt/jwt/v5"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"
	stripewebhook "github.com/stripe/stripe-go/v82/webhook"
	"github.com/tyemirov/tauth/pkg/sessionvalidator"
	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

const (
	testSigningKey    = "secret-key"
	testIssuer        = "tauth"
	testCookieName    = "app_session"
	testWebhookSecret = "whsec_http_test"
	testAdminRole     = "admin"
	testUserID        = "user-42"
	testStartUnixUTC  = int64(1_700_000_000)
)

type stubSweeps struct {
	kinds []sweep.Kind
}

func (stub *stubSweeps) RunOnce(_ context.Context, kind sweep.Kind) (ledger.SweepReport, bool, error) {
	stub.kinds = append(stub.kinds, kind)
	return ledger.SweepReport{Scanned: 2, EntriesGranted: 1}, true, nil
}

type testServer struct {
	server *httptest.Server
	sweeps *stubSweeps
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	db, err := gorm.Open(sqlite.Open(filepath.Join(t.TempDir(), "ledger.db")), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	require.NoError(t, err)
	sqlDB, err := db.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = sqlDB.Close() })
	require.NoError(t, gormstore.AutoMigrate(db))

	monthlyID, err := ledger.NewPlanID("monthly")
	require.NoError(t, err)
	catalog, err := ledger.NewPlanCatalog(ledger.PlanDefinition{
		PlanID:               monthlyID,
		DurationMonths:       1,
		FreeCreditsPerMonth:  5,
		BonusCreditsPerMonth: 20,
		PriceIDs:             []string{"price_monthly"},
	})
	require.NoError(t, err)
	packages, err := ledger.NewPackageCatalog(ledger.CreditPackage{PackageID: "credits_5", Credits: 5, PriceCents: 500})
	require.NoError(t, err)
	service, err := ledger.NewService(gormstore.New(db), func() int64 { return testStartUnixUTC }, catalog,
		ledger.WithPackageCatalog(packages),
		ledger.WithServicePrices(ledger.ServicePrices{Scan: 1, Delivery: 2}),
		ledger.WithRetryPolicy(3, time.Millisecond),
		ledger.WithOperationLogger(oplog.New(zap.NewNop())),
	)
	require.NoError(t, err)
	reconciler, err := ledger.NewReconciler(service)
	require.NoError(t, err)
	decoder, err := stripeevents.NewDecoder(testWebhookSecret)
	require.NoError(t, err)

	sweeps := &stubSweeps{}
	handler, err := NewHandler(Config{
		AllowedOrigins: []string{"http://localhost:8000"},
		AdminRole:      testAdminRole,
		RequestTimeout: 2 * time.Second,
	}, service, reconciler, decoder, sweeps, zap.NewNop())
	require.NoError(t, err)

	validator, err := sessionvalidator.New(sessionvalidator.Config{
		SigningKey: []byte(testSigningKey),
		Issuer:     testIssuer,
		CookieName: testCookieName,
	})
	require.NoError(t, err)

	server := httptest.NewServer(NewRouter(handler, validator))
	t.Cleanup(server.Close)
	return &testServer{server: server, sweeps: sweeps}
}

func buildSessionCookie(t *testing.T, userID string, roles ...string) *http.Cookie {
	t.Helper()
	claims := &sessionvalidator.Claims{
		UserID:          userID,
		UserEmail:       userID + "@example.com",
		UserDisplayName: "Test User",
		UserRoles:       roles,
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    testIssuer,
			IssuedAt:  jwt.NewNumericDate(time.Now().UTC()),
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
		},
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(testSigningKey))
	require.NoError(t, err)
	return &http.Cookie{Name: testCookieName, Value: signed}
}

func (current *testServer) do(t *testing.T, method string, path string, cookie *http.Cookie, body any) (int, map[string]any) {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(raw)
	} else {
		reader = bytes.NewReader(nil)
	}
	request, err := http.NewRequest(method, current.server.URL+path, reader)
	require.NoError(t, err)
	request.Header.Set("Content-Type", "application/json")
	if cookie != nil {
		request.AddCookie(cookie)
	}
	return current.send(t, request)
}

func (current *testServer) send(t *testing.T, request *http.Request) (int, map[string]any) {
	t.Helper()
	response, err := current.server.Client().Do(request)
	require.NoError(t, err)
	defer response.Body.Close()
	decoded := map[string]any{}
	_ = json.NewDecoder(response.Body).Decode(&decoded)
	return response.StatusCode, decoded
}

func (current *testServer) webhook(t *testing.T, payload string, secret string) (int, map[string]any) {
	t.Helper()
	signed := stripewebhook.GenerateTestSignedPayload(&stripewebhook.UnsignedPayload{
		Payload:   []byte(payload),
		Secret:    secret,
		Timestamp: time.Now(),
		Scheme:    "v1",
	})
	request, err := http.NewRequest(http.MethodPost, current.server.URL+"/webhooks/stripe", bytes.NewReader(signed.Payload))
	require.NoError(t, err)
	request.Header.Set("Stripe-Signature", signed.Header)
	return current.send(t, request)
}

func nested(t *testing.T, body map[string]any, key string) map[string]any {
	t.Helper()
	value, ok := body[key].(map[string]any)
	require.Truef(t, ok, "missing %q in %v", key, body)
	return value
}

const subscriptionCheckout = `{
	"id": "evt_checkout_1",
	"object": "event",
	"type": "checkout.session.completed",
	"data": {"object": {
		"id": "cs_1",
		"mode": "subscription",
		"customer": "cus_1",
		"subscription": "sub_1",
		"client_reference_id": "user-42",
		"metadata": {"price_id": "price_monthly"}
	}}
}`

func TestSessionRoutesRequireCookie(t *testing.T) {
	current := newTestServer(t)
	status, _ := current.do(t, http.MethodGet, "/api/balance", nil, nil)
	require.Equal(t, http.StatusUnauthorized, status)

	status, body := current.do(t, http.MethodGet, "/healthz", nil, nil)
	require.Equal(t, http.StatusOK, status)
	require.Equal(t, "ok", body["status"])
}

func TestSubscriptionWebhookCreditsAccount(t *testing.T) {
	current := newTestServer(t)
	cookie := buildSessionCookie(t, testUserID)

	status, body := current.do(t, http.MethodGet, "/api/account", cookie, nil)
	require.Equal(t, http.StatusNotFound, status)
	require.Equal(t, "account_not_found", nested(t, body, "error")["code"])

	status, body = current.do(t, http.MethodPost, "/api/sync", cookie, nil)
	require.Equal(t, http.StatusOK, status)
	require.Equal(t, "free", nested(t, body, "account")["plan_tier"])

	applied := metrics.WebhookEventsTotal.WithLabelValues("checkout.session.completed", "applied")
	appliedBefore := testutil.ToFloat64(applied)

	status, body = current.webhook(t, subscriptionCheckout, testWebhookSecret)
	require.Equal(t, http.StatusOK, status)
	require.Equal(t, "applied", body["outcome"])
	require.Equal(t, appliedBefore+1, testutil.ToFloat64(applied))

	status, body = current.webhook(t, subscriptionCheckout, testWebhookSecret)
	require.Equal(t, http.StatusOK, status)
	require.Equal(t, "duplicate", body["outcome"])

	status, body = current.do(t, http.MethodGet, "/api/balance", cookie, nil)
	require.Equal(t, http.StatusOK, status)
	balance := nested(t, body, "balance")
	require.Equal(t, float64(25), balance["credits"])
	require.Equal(t, "premium", balance["plan_tier"])

	status, body = current.do(t, http.MethodGet, "/api/history?limit=10", cookie, nil)
	require.Equal(t, http.StatusOK, status)
	entries, ok := body["entries"].([]any)
	require.True(t, ok)
	require.Len(t, entries, 1)
	require.Equal(t, "initial_grant", entries[0].(map[string]any)["kind"])

	status, _ = current.do(t, http.MethodGet, "/api/history?before=abc", cookie, nil)
	require.Equal(t, http.StatusBadRequest, status)
}

func TestWebhookFailureCodes(t *testing.T) {
	current := newTestServer(t)

	rejected := metrics.WebhookEventsTotal.WithLabelValues(unknownEventType, metrics.OutcomeRejected)
	rejectedBefore := testutil.ToFloat64(rejected)
	status, _ := current.webhook(t, subscriptionCheckout, "whsec_wrong")
	require.Equal(t, http.StatusBadRequest, status)
	require.Equal(t, rejectedBefore+1, testutil.ToFloat64(rejected))

	status, body := current.webhook(t, `{
		"id": "evt_invoice_orphan",
		"object": "event",
		"type": "invoice.paid",
		"data": {"object": {"id": "in_orphan", "customer": "cus_404", "subscription": "sub_404", "billing_reason": "subscription_cycle"}}
	}`, testWebhookSecret)
	require.Equal(t, http.StatusUnprocessableEntity, status)
	require.Equal(t, "needs_operator", nested(t, body, "error")["code"])

	status, body = current.webhook(t, `{
		"id": "evt_other",
		"object": "event",
		"type": "customer.created",
		"data": {"object": {"id": "cus_9"}}
	}`, testWebhookSecret)
	require.Equal(t, http.StatusOK, status)
	require.Equal(t, "ignored", body["outcome"])
}

func TestWebhookBodyLimit(t *testing.T) {
	current := newTestServer(t)
	eventWithPadding := func(eventID string, size int) string {
		return `{"id": "` + eventID + `", "object": "event", "type": "customer.created", "data": {"object": {"id": "cus_big", "description": "` +
			strings.Repeat("x", size) + `"}}}`
	}

	status, body := current.webhook(t, eventWithPadding("evt_many_lines", 300<<10), testWebhookSecret)
	require.Equal(t, http.StatusOK, status)
	require.Equal(t, "ignored", body["outcome"])

	status, body = current.webhook(t, eventWithPadding("evt_oversized", maxWebhookBodyBytes), testWebhookSecret)
	require.Equal(t, http.StatusRequestEntityTooLarge, status)
	require.Equal(t, "invalid_payload", nested(t, body, "error")["code"])
}

func TestServiceRequestFlow(t *testing.T) {
	current := newTestServer(t)
	user := buildSessionCookie(t, testUserID)
	admin := buildSessionCookie(t, "ops-1", testAdminRole)

	status, _ := current.do(t, http.MethodPost, "/api/sync", user, nil)
	require.Equal(t, http.StatusOK, status)

	status, body := current.do(t, http.MethodPost, "/api/requests", user, map[string]any{"services": []string{"scan"}})
	require.Equal(t, http.StatusConflict, status)
	require.Equal(t, "insufficient_balance", nested(t, body, "error")["code"])

	status, _ = current.do(t, http.MethodPost, "/admin/accounts/"+testUserID+"/adjustments", user,
		map[string]any{"amount": 10, "reason": "goodwill", "idempotency_key": "adj-1"})
	require.Equal(t, http.StatusForbidden, status)

	status, body = current.do(t, http.MethodPost, "/admin/accounts/"+testUserID+"/adjustments", admin,
		map[string]any{"amount": 10, "reason": "goodwill", "idempotency_key": "adj-1"})
	require.Equal(t, http.StatusOK, status)
	require.Equal(t, "admin_adjustment", nested(t, body, "entry")["kind"])

	status, body = current.do(t, http.MethodPost, "/admin/accounts/"+testUserID+"/adjustments", admin,
		map[string]any{"amount": 10, "reason": "goodwill", "idempotency_key": "adj-1"})
	require.Equal(t, http.StatusConflict, status)
	require.Equal(t, "duplicate", nested(t, body, "error")["code"])

	status, _ = current.do(t, http.MethodPost, "/admin/accounts/"+testUserID+"/adjustments", admin,
		map[string]any{"amount": 0, "reason": "noop", "idempotency_key": "adj-2"})
	require.Equal(t, http.StatusBadRequest, status)

	status, body = current.do(t, http.MethodPost, "/api/requests", user,
		map[string]any{"services": []string{"scan", "delivery"}, "idempotency_key": "req-1"})
	require.Equal(t, http.StatusCreated, status)
	created := nested(t, body, "request")
	require.Equal(t, float64(3), created["cost"])
	require.Equal(t, "pending", created["status"])
	require.Equal(t, float64(-3), nested(t, body, "entry")["amount"])
	requestID := created["request_id"].(string)

	status, body = current.do(t, http.MethodPost, "/api/requests", user, map[string]any{"services": []string{"fax"}})
	require.Equal(t, http.StatusBadRequest, status)
	require.Equal(t, "invalid_request", nested(t, body, "error")["code"])

	status, body = current.do(t, http.MethodGet, "/api/requests", user, nil)
	require.Equal(t, http.StatusOK, status)
	require.Len(t, body["requests"], 1)

	status, body = current.do(t, http.MethodPost, "/admin/requests/"+requestID+"/status", admin, map[string]any{"status": "processing"})
	require.Equal(t, http.StatusOK, status)
	require.Equal(t, "processing", nested(t, body, "request")["status"])

	status, body = current.do(t, http.MethodPost, "/admin/requests/"+requestID+"/refund", admin, map[string]any{"reason": "scanner jam"})
	require.Equal(t, http.StatusOK, status)
	require.Equal(t, true, nested(t, body, "request")["refunded"])
	require.Equal(t, float64(3), nested(t, body, "entry")["amount"])

	status, _ = current.do(t, http.MethodPost, "/admin/requests/"+requestID+"/refund", admin, nil)
	require.Equal(t, http.StatusConflict, status)

	status, _ = current.do(t, http.MethodPost, "/admin/requests/missing/status", admin, map[string]any{"status": "completed"})
	require.Equal(t, http.StatusNotFound, status)

	status, body = current.do(t, http.MethodGet, "/api/balance", user, nil)
	require.Equal(t, http.StatusOK, status)
	require.Equal(t, float64(10), nested(t, body, "balance")["credits"])
}

func TestAdminAccountsAndSweeps(t *testing.T) {
	current := newTestServer(t)
	admin := buildSessionCookie(t, "ops-1", testAdminRole)

	status, body := current.do(t, http.MethodPost, "/admin/accounts", admin, map[string]any{"account_id": "user-7"})
	require.Equal(t, http.StatusOK, status)
	require.Equal(t, "user-7", nested(t, body, "account")["account_id"])

	status, body = current.do(t, http.MethodPost, "/admin/accounts/user-7/refunds", admin,
		map[string]any{"amount": 4, "description": "support credit", "idempotency_key": "refund-1"})
	require.Equal(t, http.StatusOK, status)
	require.Equal(t, "refund", nested(t, body, "entry")["kind"])

	status, _ = current.do(t, http.MethodPost, "/admin/accounts/user-404/refunds", admin,
		map[string]any{"amount": 4, "idempotency_key": "refund-2"})
	require.Equal(t, http.StatusNotFound, status)

	status, body = current.do(t, http.MethodPost, "/admin/sweeps/free-tier", admin, nil)
	require.Equal(t, http.StatusOK, status)
	report := nested(t, body, "sweep")
	require.Equal(t, "free_tier", report["kind"])
	require.Equal(t, true, report["ran"])
	require.Equal(t, float64(2), report["scanned"])
	require.Equal(t, []sweep.Kind{sweep.KindFreeTier}, current.sweeps.kinds)
}

func TestStatusForMapsLedgerErrors(t *testing.T) {
	testCases := []struct {
		err    error
		status int
		code   string
	}{
		{err: ledger.ErrAccountNotFound, status: http.StatusNotFound, code: "account_not_found"},
		{err: ledger.ErrInsufficientBalance, status: http.StatusConflict, code: "insufficient_balance"},
		{err: ledger.WrapError("store", "account", "update", ledger.ErrConflict), status: http.StatusServiceUnavailable, code: "conflict"},
		{err: ledger.ErrInvalidCredits, status: http.StatusBadRequest, code: "invalid_request"},
		{err: context.DeadlineExceeded, status: http.StatusInternalServerError, code: "ledger_error"},
	}
	for _, testCase := range testCases {
		status, code := statusFor(testCase.err)
		require.Equal(t, testCase.status, status, testCase.err.Error())
		require.Equal(t, testCase.code, code, testCase.err.Error())
	}
}
