package main

import (
	"context"
	"fmt"
	"os/signal"
	"syscall"
	"time"

	"github.com/MarkoPoloResearchLab/mailcredits/internal/billing/stripeevents"
	"github.com/MarkoPoloResearchLab/mailcredits/internal/config"
	"github.com/MarkoPoloResearchLab/mailcredits/internal/grpcserver"
	"github.com/MarkoPoloResearchLab/mailcredits/internal/httpapi"
	"github.com/MarkoPoloResearchLab/mailcredits/internal/oplog"
	"github.com/MarkoPoloResearchLab/mailcredits/internal/sweep"
	"github.com/MarkoPoloResearchLab/mailcredits/pkg/ledger"
	"github.com/spf13/cobra"
	"github.com/tyemirov/tauth/pkg/sessionvalidator"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

func newServeCommand(cfg *config.Config) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Serve the HTTP API, Stripe webhooks and the gRPC ledger service",
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := cfg.ValidateServe(); err != nil {
				return err
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return runServer(ctx, cfg)
		},
	}
}

func runServer(ctx context.Context, cfg *config.Config) error {
	logger, err := newLogger()
	if err != nil {
		return err
	}
	defer func() { _ = logger.Sync() }()

	opened, err := openStore(ctx, cfg)
	if err != nil {
		return err
	}
	defer func() { _ = opened.cleanup() }()
	if opened.driver == databaseSQLite {
		if err := opened.migrate(ctx); err != nil {
			return err
		}
	}

	service, err := newLedgerService(cfg, opened.store, logger)
	if err != nil {
		return err
	}
	reconciler, err := ledger.NewReconciler(service)
	if err != nil {
		return fmt.Errorf("reconciler init: %w", err)
	}
	decoder, err := stripeevents.NewDecoder(cfg.StripeWebhookSecret)
	if err != nil {
		return fmt.Errorf("stripe decoder init: %w", err)
	}
	runner, closeLease, err := newSweepRunner(ctx, cfg, service, logger)
	if err != nil {
		return err
	}
	defer func() { _ = closeLease() }()

	handler, err := httpapi.NewHandler(httpapi.Config{
		AllowedOrigins: cfg.AllowedOrigins,
		AdminRole:      cfg.Session.AdminRole,
		RequestTimeout: cfg.RequestTimeout,
	}, service, reconciler, decoder, runner, logger)
	if err != nil {
		return err
	}
	validator, err := sessionvalidator.New(sessionvalidator.Config{
		SigningKey: []byte(cfg.Session.SigningKey),
		Issuer:     cfg.Session.Issuer,
		CookieName: cfg.Session.CookieName,
	})
	if err != nil {
		return fmt.Errorf("session validator init: %w", err)
	}
	grpcServer := grpcserver.NewServer(grpcserver.NewLedgerServiceServer(service), logger)

	group, groupCtx := errgroup.WithContext(ctx)
	group.Go(func() error {
		return httpapi.Run(groupCtx, cfg.HTTPListenAddr, httpapi.NewRouter(handler, validator), logger)
	})
	group.Go(func() error {
		return grpcserver.Serve(groupCtx, grpcServer, cfg.GRPCListenAddr, logger)
	})
	if cfg.Sweep.Interval > 0 {
		group.Go(func() error {
			logger.Info("scheduled sweeps enabled", zap.Duration("interval", cfg.Sweep.Interval))
			return runner.Run(groupCtx, cfg.Sweep.Interval)
		})
	}
	return group.Wait()
}

func newLedgerService(cfg *config.Config, store ledger.Store, logger *zap.Logger) (*ledger.Service, error) {
	catalog, err := cfg.PlanCatalog()
	if err != nil {
		return nil, fmt.Errorf("plan catalog: %w", err)
	}
	options, err := cfg.ServiceOptions()
	if err != nil {
		return nil, err
	}
	options = append(options, ledger.WithOperationLogger(oplog.New(logger)))
	clock := func() int64 { return time.Now().UTC().Unix() }
	service, err := ledger.NewService(store, clock, catalog, options...)
	if err != nil {
		return nil, fmt.Errorf("ledger service init: %w", err)
	}
	return service, nil
}

// newSweepRunner coordinates sweeps through redis when a URL is configured.
func newSweepRunner(ctx context.Context, cfg *config.Config, service *ledger.Service, logger *zap.Logger) (*sweep.Runner, func() error, error) {
	var (
		lease   sweep.Lease = sweep.LocalLease{}
		cleanup             = func() error { return nil }
	)
	if cfg.Sweep.RedisURL != "" {
		client, err := sweep.OpenRedis(ctx, cfg.Sweep.RedisURL)
		if err != nil {
			return nil, nil, err
		}
		redisLease, err := sweep.NewRedisLease(client, cfg.Sweep.LeaseTTL)
		if err != nil {
			_ = client.Close()
			return nil, nil, err
		}
		lease = redisLease
		cleanup = client.Close
	}
	runner, err := sweep.NewRunner(service, lease, logger)
	if err != nil {
		_ = cleanup()
		return nil, nil, err
	}
	return runner, cleanup, nil
}
