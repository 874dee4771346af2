package worker

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/trenchbank/settlement/internal/observability"
	"github.com/trenchbank/settlement/internal/service"
)

// ReconciliationWorker settles withdrawal requests stuck in PROCESSING
// after an ambiguous treasury broadcast. Safe for concurrent instances
// thanks to FOR UPDATE SKIP LOCKED.
type ReconciliationWorker struct {
	svc      *service.WithdrawalService
	interval time.Duration
	stopCh   chan struct{}
	stopOnce sync.Once
}

// NewReconciliationWorker constructs a worker with a default two-minute
// interval.
func NewReconciliationWorker(svc *service.WithdrawalService) *ReconciliationWorker {
	return &ReconciliationWorker{
		svc:      svc,
		interval: 2 * time.Minute,
		stopCh:   make(chan struct{}),
	}
}

// WithInterval updates the run interval.
func (w *ReconciliationWorker) WithInterval(interval time.Duration) *ReconciliationWorker {
	if interval > 0 {
		w.interval = interval
	}
	return w
}

// Start blocks and runs reconciliation at the configured interval.
func (w *ReconciliationWorker) Start(ctx context.Context) {
	zap.L().Info("reconciliation worker starting", zap.Duration("interval", w.interval))
	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			zap.L().Info("reconciliation worker context canceled")
			return
		case <-w.stopCh:
			zap.L().Info("reconciliation worker stop signal received")
			return
		case <-ticker.C:
			w.runOnce(ctx)
		}
	}
}

// Stop stops the running worker loop.
func (w *ReconciliationWorker) Stop() {
	w.stopOnce.Do(func() {
		close(w.stopCh)
	})
}

// Run starts the worker in a goroutine and returns a stop function.
func (w *ReconciliationWorker) Run(ctx context.Context) func() {
	go w.Start(ctx)
	return w.Stop
}

func (w *ReconciliationWorker) runOnce(ctx context.Context) {
	settled, err := w.svc.Reconcile(ctx)
	if err != nil {
		observability.IncrementWorkerRun("reconciliation", "failed")
		zap.L().Error("reconciliation run failed", zap.Error(err))
		return
	}
	if settled > 0 {
		zap.L().Info("reconciled stale withdrawals", zap.Int("count", settled))
	}
	observability.IncrementWorkerRun("reconciliation", "success")
}
