package service

import (
	"context"
	"fmt"
	"time"

	"ferremas-settlement/internal/domain"
	"ferremas-settlement/internal/repo"

	"go.uber.org/zap"
)

type StockReconciler interface {
	Reconcile(ctx context.Context, order *domain.Order) (ReconcileReport, error)
}

type Shortfall struct {
	ProductID string
	Requested int
	Missing   int
}

type ReconcileReport struct {
	Applied    int
	Skipped    int
	Shortfalls []Shortfall
}

type stockReconciler struct {
	stock repo.StockRepo
	log   *zap.Logger
	now   func() time.Time
}

func NewStockReconciler(stock repo.StockRepo, log *zap.Logger, now func() time.Time) StockReconciler {
	if log == nil {
		log = zap.NewNop()
	}
	if now == nil {
		now = time.Now
	}
	return &stockReconciler{stock: stock, log: log, now: now}
}

// Reconcile applies one ledger entry per order line. Lines that already have
// an entry are skipped, so calling it again is harmless. Missing stock is
// recorded and logged, never returned as an error.
func (r *stockReconciler) Reconcile(ctx context.Context, order *domain.Order) (ReconcileReport, error) {
	var report ReconcileReport
	at := r.now().UTC()

	for _, line := range order.Lines {
		res, err := r.stock.Decrement(ctx, domain.StockLedgerEntry{
			OrderID:       order.ID,
			ProductID:     line.ProductID,
			QuantityDelta: line.Quantity,
			AppliedAt:     at,
		})
		if err != nil {
			return report, fmt.Errorf("decrement stock for %s: %w", line.ProductID, err)
		}
		if !res.Applied {
			report.Skipped++
			continue
		}
		report.Applied++
		if res.Shortfall > 0 {
			report.Shortfalls = append(report.Shortfalls, Shortfall{
				ProductID: line.ProductID,
				Requested: line.Quantity,
				Missing:   res.Shortfall,
			})
			r.log.Warn("oversold product",
				zap.String("order_id", order.ID.String()),
				zap.String("product_id", line.ProductID),
				zap.Int("requested", line.Quantity),
				zap.Int("missing", res.Shortfall),
			)
		}
	}
	return report, nil
}
