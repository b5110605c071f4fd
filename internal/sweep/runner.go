// Package sweep runs the scheduled grant sweeps.
package sweep

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/MarkoPoloResearchLab/mailcredits/internal/metrics"
	"github.com/MarkoPoloResearchLab/mailcredits/pkg/ledger"
	"go.uber.org/zap"
)

// Kind names a sweep.
type Kind string

const (
	KindGrants   Kind = "grants"
	KindFreeTier Kind = "free_tier"

	resultOK      = "ok"
	resultPartial = "partial"
	resultError   = "error"
	resultSkipped = "skipped"
)

// ErrUnknownKind is returned for sweep names other than grants and free_tier.
var ErrUnknownKind = errors.New("unknown sweep kind")

// ParseKind accepts "grants", "free_tier" and "free-tier".
func ParseKind(raw string) (Kind, error) {
	switch raw {
	case string(KindGrants):
		return KindGrants, nil
	case string(KindFreeTier), "free-tier":
		return KindFreeTier, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrUnknownKind, raw)
	}
}

// Sweeper is the subset of ledger.Service a runner drives.
type Sweeper interface {
	ReconcileDueGrants(ctx context.Context) (ledger.SweepReport, error)
	ReconcileFreeTierGrants(ctx context.Context) (ledger.SweepReport, error)
}

// Runner executes sweeps under a lease and records their outcome.
type Runner struct {
	sweeper Sweeper
	lease   Lease
	logger  *zap.Logger
	now     func() time.Time
}

// NewRunner builds a Runner. A nil lease means sweeps are not coordinated across processes.
func NewRunner(sweeper Sweeper, lease Lease, logger *zap.Logger) (*Runner, error) {
	if sweeper == nil {
		return nil, errors.New("sweeper is nil")
	}
	if lease == nil {
		lease = LocalLease{}
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Runner{sweeper: sweeper, lease: lease, logger: logger, now: time.Now}, nil
}

// RunOnce executes one sweep. The second return value is false when another
// process holds the lease and the sweep was skipped.
func (runner *Runner) RunOnce(ctx context.Context, kind Kind) (ledger.SweepReport, bool, error) {
	sweep, err := runner.sweepFor(kind)
	if err != nil {
		return ledger.SweepReport{}, false, err
	}
	release, acquired, err := runner.lease.Acquire(ctx, string(kind))
	if err != nil {
		metrics.SweepRunsTotal.WithLabelValues(string(kind), resultError).Inc()
		return ledger.SweepReport{}, false, err
	}
	if !acquired {
		metrics.SweepRunsTotal.WithLabelValues(string(kind), resultSkipped).Inc()
		runner.logger.Info("sweep skipped, lease held elsewhere", zap.String("sweep", string(kind)))
		return ledger.SweepReport{}, false, nil
	}
	defer func() {
		if releaseErr := release(context.WithoutCancel(ctx)); releaseErr != nil {
			runner.logger.Warn("sweep lease release failed", zap.String("sweep", string(kind)), zap.Error(releaseErr))
		}
	}()

	started := runner.now()
	report, err := sweep(ctx)
	metrics.SweepDuration.WithLabelValues(string(kind)).Observe(runner.now().Sub(started).Seconds())
	if len(report.Failures) > 0 {
		metrics.SweepAccountFailuresTotal.WithLabelValues(string(kind)).Add(float64(len(report.Failures)))
	}
	fields := []zap.Field{
		zap.String("sweep", string(kind)),
		zap.Int("scanned", report.Scanned),
		zap.Int("entries_granted", report.EntriesGranted),
		zap.Int("downgraded", report.Downgraded),
		zap.Int("failures", len(report.Failures)),
	}
	switch {
	case err != nil:
		metrics.SweepRunsTotal.WithLabelValues(string(kind), resultError).Inc()
		runner.logger.Error("sweep failed", append(fields, zap.Error(err))...)
		return report, true, err
	case len(report.Failures) > 0:
		metrics.SweepRunsTotal.WithLabelValues(string(kind), resultPartial).Inc()
		for _, failure := range report.Failures {
			runner.logger.Warn("sweep account failed",
				zap.String("sweep", string(kind)),
				zap.String("account_id", failure.AccountID.String()),
				zap.Error(failure.Err),
			)
		}
		runner.logger.Info("sweep completed with failures", fields...)
	default:
		metrics.SweepRunsTotal.WithLabelValues(string(kind), resultOK).Inc()
		runner.logger.Info("sweep completed", fields...)
	}
	return report, true, nil
}

// Run sweeps every interval until ctx is cancelled. The grant sweep runs
// before the free-tier sweep so downgraded accounts are eligible the same tick.
func (runner *Runner) Run(ctx context.Context, interval time.Duration) error {
	if interval <= 0 {
		return fmt.Errorf("sweep interval must be positive, got %s", interval)
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			for _, kind := range []Kind{KindGrants, KindFreeTier} {
				if _, _, err := runner.RunOnce(ctx, kind); err != nil && ctx.Err() != nil {
					return nil
				}
			}
		}
	}
}

func (runner *Runner) sweepFor(kind Kind) (func(context.Context) (ledger.SweepReport, error), error) {
	switch kind {
	case KindGrants:
		return runner.sweeper.ReconcileDueGrants, nil
	case KindFreeTier:
		return runner.sweeper.ReconcileFreeTierGrants, nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownKind, kind)
	}
}
