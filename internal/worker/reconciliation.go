package worker

import (
	"context"
	"time"

	"ferremas-settlement/internal/service"

	"go.uber.org/zap"
)

type ReconciliationWorker struct {
	sessions service.PaymentSessionManager
	interval time.Duration
	log      *zap.Logger
	now      func() time.Time
}

func NewReconciliationWorker(
	sessions service.PaymentSessionManager,
	interval time.Duration,
	log *zap.Logger,
) *ReconciliationWorker {
	if log == nil {
		log = zap.NewNop()
	}
	return &ReconciliationWorker{
		sessions: sessions,
		interval: interval,
		log:      log,
		now:      time.Now,
	}
}

// Run sweeps on every tick until ctx is cancelled.
func (rw *ReconciliationWorker) Run(ctx context.Context) {
	ticker := time.NewTicker(rw.interval)
	defer ticker.Stop()

	rw.log.Info("reconciliation worker started", zap.Duration("interval", rw.interval))

	for {
		select {
		case <-ctx.Done():
			rw.log.Info("reconciliation worker stopped")
			return
		case <-ticker.C:
			rw.process(ctx)
		}
	}
}

// process expires abandoned sessions, settling the ones the gateway already
// charged, then finishes stock updates for settlements cut short by a crash.
func (rw *ReconciliationWorker) process(ctx context.Context) {
	if _, err := rw.sessions.ExpireStaleSessions(ctx, rw.now()); err != nil {
		rw.log.Error("expiry sweep failed", zap.Error(err))
	}
	if _, err := rw.sessions.RecoverSettlements(ctx); err != nil {
		rw.log.Error("settlement recovery failed", zap.Error(err))
	}
}
