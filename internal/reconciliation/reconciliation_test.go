package reconciliation

import (
	"context"
	"errors"
	"log/slog"
	"testing"
)

type fakeRefundSyncer struct {
	calls int
	limit int
	err   error
}

func (f *fakeRefundSyncer) SyncRefunds(_ context.Context, limit int) error {
	f.calls++
	f.limit = limit
	return f.err
}

type fakePayoutSyncer struct {
	calls int
	err   error
}

func (f *fakePayoutSyncer) Sync(_ context.Context, _ int) error {
	f.calls++
	return f.err
}

func TestRunAll_Healthy(t *testing.T) {
	refunds := &fakeRefundSyncer{}
	payouts := &fakePayoutSyncer{}

	r := NewRunner(refunds, payouts, slog.Default())
	report, err := r.RunAll(context.Background())
	if err != nil {
		t.Fatalf("RunAll failed: %v", err)
	}

	if !report.Healthy {
		t.Errorf("expected healthy report, failed checks: %v", report.Failed)
	}
	if report.ChecksRun != 2 {
		t.Errorf("expected 2 checks, got %d", report.ChecksRun)
	}
	if refunds.calls != 1 || payouts.calls != 1 {
		t.Errorf("expected each syncer called once, got refunds=%d payouts=%d", refunds.calls, payouts.calls)
	}
	if refunds.limit != SweepBatchSize {
		t.Errorf("expected batch size %d, got %d", SweepBatchSize, refunds.limit)
	}
}

func TestRunAll_FailureDoesNotAbortLaterChecks(t *testing.T) {
	refunds := &fakeRefundSyncer{err: errors.New("provider down")}
	payouts := &fakePayoutSyncer{}

	r := NewRunner(refunds, payouts, slog.Default())
	report, err := r.RunAll(context.Background())
	if err != nil {
		t.Fatalf("RunAll failed: %v", err)
	}

	if report.Healthy {
		t.Error("expected unhealthy report")
	}
	if len(report.Failed) != 1 || report.Failed[0] != "refund_sync" {
		t.Errorf("expected refund_sync to be the failed check, got %v", report.Failed)
	}
	if payouts.calls != 1 {
		t.Error("payout sync should still run after refund sync fails")
	}
}

func TestRunAll_NilSyncersSkipped(t *testing.T) {
	r := NewRunner(nil, nil, slog.Default())
	report, err := r.RunAll(context.Background())
	if err != nil {
		t.Fatalf("RunAll failed: %v", err)
	}

	if report.ChecksRun != 0 {
		t.Errorf("expected 0 checks, got %d", report.ChecksRun)
	}
	if !report.Healthy {
		t.Error("empty run should be healthy")
	}
}

func TestRunAll_CancelledContext(t *testing.T) {
	refunds := &fakeRefundSyncer{}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	r := NewRunner(refunds, nil, slog.Default())
	_, err := r.RunAll(ctx)
	if err == nil {
		t.Error("expected error for cancelled context")
	}
	if refunds.calls != 0 {
		t.Error("checks should not run after cancellation")
	}
}

func TestRunAll_CustomCheck(t *testing.T) {
	r := NewRunner(nil, nil, slog.Default())

	ran := false
	r.Register("custom", func(_ context.Context) error {
		ran = true
		return nil
	})

	report, err := r.RunAll(context.Background())
	if err != nil {
		t.Fatalf("RunAll failed: %v", err)
	}
	if !ran {
		t.Error("custom check did not run")
	}
	if report.ChecksRun != 1 {
		t.Errorf("expected 1 check, got %d", report.ChecksRun)
	}
}
