// Package reconciliation sweeps settlement state that is still pending at the
// payment provider. Refunds and payout batches are created synchronously but
// may settle minutes later; the runner polls the provider until every row
// reaches a terminal status.
package reconciliation

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// SweepBatchSize bounds how many pending rows each check pulls per run.
const SweepBatchSize = 50

// RefundSyncer polls the provider for unsettled refunds.
type RefundSyncer interface {
	SyncRefunds(ctx context.Context, limit int) error
}

// PayoutSyncer polls the provider for processing payout batches.
type PayoutSyncer interface {
	Sync(ctx context.Context, limit int) error
}

// Report summarizes the results of a reconciliation run.
type Report struct {
	ChecksRun int           `json:"checksRun"`
	Failed    []string      `json:"failed,omitempty"`
	Healthy   bool          `json:"healthy"`
	Duration  time.Duration `json:"durationMs"`
	Timestamp time.Time     `json:"timestamp"`
}

// check is a named reconciliation step.
type check struct {
	name string
	run  func(ctx context.Context) error
}

// Runner executes registered reconciliation checks in order.
type Runner struct {
	checks []check
	logger *slog.Logger
}

// NewRunner creates a runner with the standard settlement checks.
// Nil syncers are skipped so demo deployments can run a subset.
func NewRunner(refunds RefundSyncer, payouts PayoutSyncer, logger *slog.Logger) *Runner {
	r := &Runner{logger: logger}
	if refunds != nil {
		r.Register("refund_sync", func(ctx context.Context) error {
			return refunds.SyncRefunds(ctx, SweepBatchSize)
		})
	}
	if payouts != nil {
		r.Register("payout_sync", func(ctx context.Context) error {
			return payouts.Sync(ctx, SweepBatchSize)
		})
	}
	return r
}

// Register adds a named check to the run list.
func (r *Runner) Register(name string, run func(ctx context.Context) error) {
	r.checks = append(r.checks, check{name: name, run: run})
}

// RunAll executes every registered check. Check failures are collected in the
// report rather than aborting the run; a later check still gets its sweep.
func (r *Runner) RunAll(ctx context.Context) (*Report, error) {
	start := time.Now()
	timer := prometheus.NewTimer(reconcileDuration)
	defer timer.ObserveDuration()

	report := &Report{
		ChecksRun: len(r.checks),
		Timestamp: start,
	}

	for _, c := range r.checks {
		if err := ctx.Err(); err != nil {
			return report, fmt.Errorf("reconciliation aborted: %w", err)
		}
		if err := c.run(ctx); err != nil {
			report.Failed = append(report.Failed, c.name)
			reconcileErrors.Inc()
			r.logger.Warn("reconciliation check failed", "check", c.name, "error", err)
		}
	}

	report.Duration = time.Since(start)
	report.Healthy = len(report.Failed) == 0
	reconcileFailedChecks.Set(float64(len(report.Failed)))
	reconcileLastRun.SetToCurrentTime()

	return report, nil
}
