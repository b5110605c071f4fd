package main

import (
	"context"
	"fmt"
	"os/signal"
	"syscall"

	"github.com/MarkoPoloResearchLab/mailcredits/internal/config"
	"github.com/MarkoPoloResearchLab/mailcredits/internal/sweep"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

func newSweepCommand(cfg *config.Config) *cobra.Command {
	return &cobra.Command{
		Use:       "sweep [grants|free-tier]",
		Short:     "Run one grant sweep and exit",
		Args:      cobra.ExactArgs(1),
		ValidArgs: []string{string(sweep.KindGrants), "free-tier"},
		RunE: func(cmd *cobra.Command, args []string) error {
			kind, err := sweep.ParseKind(args[0])
			if err != nil {
				return err
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return runSweep(ctx, cfg, kind, cmd)
		},
	}
}

func runSweep(ctx context.Context, cfg *config.Config, kind sweep.Kind, cmd *cobra.Command) error {
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

	service, err := newLedgerService(cfg, opened.store, logger)
	if err != nil {
		return err
	}
	runner, closeLease, err := newSweepRunner(ctx, cfg, service, logger)
	if err != nil {
		return err
	}
	defer func() { _ = closeLease() }()

	report, ran, err := runner.RunOnce(ctx, kind)
	if err != nil {
		return err
	}
	if !ran {
		logger.Info("sweep skipped, lease held elsewhere", zap.String("kind", string(kind)))
		return nil
	}
	fmt.Fprintf(cmd.OutOrStdout(), "%s: scanned=%d granted=%d downgraded=%d failures=%d\n",
		kind, report.Scanned, report.EntriesGranted, report.Downgraded, len(report.Failures))
	if len(report.Failures) > 0 {
		return fmt.Errorf("sweep %s: %d accounts failed", kind, len(report.Failures))
	}
	return nil
}
