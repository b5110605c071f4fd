// Package httpapi exposes the ledger over HTTP: the Stripe webhook, the
// session-authenticated account API and the admin surface.
package httpapi

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/MarkoPoloResearchLab/mailcredits/internal/sweep"
	"github.com/MarkoPoloResearchLab/mailcredits/pkg/ledger"
	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/tyemirov/tauth/pkg/sessionvalidator"
	"go.uber.org/zap"
)

const (
	claimsContextKey      = "auth_claims"
	shutdownTimeout       = 5 * time.Second
	defaultRequestTimeout = 5 * time.Second
)

// Ledger is the account API the handlers drive.
type Ledger interface {
	OpenAccount(ctx context.Context, accountID ledger.AccountID) (ledger.Account, error)
	GetAccount(ctx context.Context, accountID ledger.AccountID) (ledger.Account, error)
	Balance(ctx context.Context, accountID ledger.AccountID) (ledger.Balance, error)
	History(ctx context.Context, accountID ledger.AccountID, beforeSequence int64, limit int) ([]ledger.Entry, error)
	SyncOnLogin(ctx context.Context, accountID ledger.AccountID) (ledger.Account, error)
	Refund(ctx context.Context, accountID ledger.AccountID, amount ledger.PositiveCredits, description string, idempotencyKey ledger.IdempotencyKey) (ledger.Entry, error)
	Adjust(ctx context.Context, accountID ledger.AccountID, amount ledger.EntryAmount, reason string, idempotencyKey ledger.IdempotencyKey) (ledger.Entry, error)
	RequestService(ctx context.Context, accountID ledger.AccountID, services []ledger.MailService, idempotencyKey ledger.IdempotencyKey) (ledger.ServiceRequest, ledger.Entry, error)
	ServiceRequests(ctx context.Context, accountID ledger.AccountID, limit int) ([]ledger.ServiceRequest, error)
	RefundServiceRequest(ctx context.Context, requestID ledger.RequestID, reason string) (ledger.ServiceRequest, ledger.Entry, error)
	AdvanceServiceRequest(ctx context.Context, requestID ledger.RequestID, next ledger.RequestStatus) (ledger.ServiceRequest, error)
}

// Reconciler applies verified billing events.
type Reconciler interface {
	Reconcile(ctx context.Context, event ledger.BillingEvent) (ledger.ReconcileResult, error)
}

// EventParser verifies and decodes a raw webhook delivery.
type EventParser interface {
	Parse(payload []byte, signatureHeader string) (ledger.BillingEvent, error)
}

// SweepRunner triggers grant sweeps on demand.
type SweepRunner interface {
	RunOnce(ctx context.Context, kind sweep.Kind) (ledger.SweepReport, bool, error)
}

// Config holds the HTTP-facing settings.
type Config struct {
	AllowedOrigins []string
	AdminRole      string
	RequestTimeout time.Duration
}

// Handler serves every route. Build it with NewHandler.
type Handler struct {
	logger     *zap.Logger
	ledger     Ledger
	reconciler Reconciler
	parser     EventParser
	sweeps     SweepRunner
	cfg        Config
}

// NewHandler validates dependencies and returns a Handler.
func NewHandler(cfg Config, ledgerService Ledger, reconciler Reconciler, parser EventParser, sweeps SweepRunner, logger *zap.Logger) (*Handler, error) {
	if ledgerService == nil {
		return nil, errors.New("httpapi: ledger dependency is nil")
	}
	if reconciler == nil || parser == nil {
		return nil, errors.New("httpapi: webhook dependencies are nil")
	}
	if sweeps == nil {
		return nil, errors.New("httpapi: sweep runner is nil")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = defaultRequestTimeout
	}
	return &Handler{
		logger:     logger,
		ledger:     ledgerService,
		reconciler: reconciler,
		parser:     parser,
		sweeps:     sweeps,
		cfg:        cfg,
	}, nil
}

// NewRouter wires routes, CORS and session middleware.
func NewRouter(handler *Handler, validator *sessionvalidator.Validator) *gin.Engine {
	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(cors.New(cors.Config{
		AllowOrigins:     handler.cfg.AllowedOrigins,
		AllowMethods:     []string{"GET", "POST", "OPTIONS"},
		AllowHeaders:     []string{"Content-Type", "Origin", "Accept", "Idempotency-Key"},
		AllowCredentials: true,
		MaxAge:           12 * time.Hour,
	}))

	router.GET("/healthz", func(ctx *gin.Context) {
		ctx.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	router.GET("/metrics", gin.WrapH(promhttp.Handler()))
	router.POST("/webhooks/stripe", handler.handleStripeWebhook)

	api := router.Group("/api")
	api.Use(validator.GinMiddleware(claimsContextKey))
	api.GET("/account", handler.handleAccount)
	api.GET("/balance", handler.handleBalance)
	api.GET("/history", handler.handleHistory)
	api.POST("/sync", handler.handleSync)
	api.POST("/requests", handler.handleCreateRequest)
	api.GET("/requests", handler.handleListRequests)

	admin := router.Group("/admin")
	admin.Use(validator.GinMiddleware(claimsContextKey), requireRole(handler.cfg.AdminRole))
	admin.POST("/accounts", handler.handleOpenAccount)
	admin.POST("/accounts/:id/adjustments", handler.handleAdjust)
	admin.POST("/accounts/:id/refunds", handler.handleRefund)
	admin.POST("/requests/:id/status", handler.handleAdvanceRequest)
	admin.POST("/requests/:id/refund", handler.handleRefundRequest)
	admin.POST("/sweeps/grants", handler.handleSweep(sweep.KindGrants))
	admin.POST("/sweeps/free-tier", handler.handleSweep(sweep.KindFreeTier))

	return router
}

// Run serves router on listenAddr until ctx is cancelled.
func Run(ctx context.Context, listenAddr string, router http.Handler, logger *zap.Logger) error {
	server := &http.Server{
		Addr:              listenAddr,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("http listening", zap.String("addr", listenAddr))
		errCh <- server.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if shutdownErr := server.Shutdown(shutdownCtx); shutdownErr != nil {
			logger.Warn("http shutdown error", zap.Error(shutdownErr))
		}
		return nil
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("http server: %w", err)
	}
}

func requireRole(role string) gin.HandlerFunc {
	return func(ctx *gin.Context) {
		claims := getClaims(ctx)
		if claims == nil {
			ctx.AbortWithStatusJSON(http.StatusUnauthorized, errorResponse("unauthorized", "missing session"))
			return
		}
		for _, granted := range claims.GetUserRoles() {
			if granted == role {
				ctx.Next()
				return
			}
		}
		ctx.AbortWithStatusJSON(http.StatusForbidden, errorResponse("forbidden", "admin role required"))
	}
}

func getClaims(ctx *gin.Context) *sessionvalidator.Claims {
	claimsValue, ok := ctx.Get(claimsContextKey)
	if !ok {
		return nil
	}
	claims, _ := claimsValue.(*sessionvalidator.Claims)
	return claims
}

func errorResponse(code string, message string) gin.H {
	return gin.H{
		"error": gin.H{
			"code":    code,
			"message": message,
		},
	}
}
