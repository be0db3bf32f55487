package repo

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"ferremas-settlement/internal/domain"

	"github.com/google/uuid"
)

type stockRepo struct {
	db *sql.DB
}

func NewStockRepo(db *sql.DB) StockRepo {
	return &stockRepo{db: db}
}

func (r *stockRepo) Decrement(ctx context.Context, e domain.StockLedgerEntry) (domain.DecrementResult, error) {
	var result domain.DecrementResult
	err := withTx(ctx, r.db, func(tx *sql.Tx) error {
		// lock the product row so the shortfall is computed from a stable quantity
		var current int
		err := tx.QueryRowContext(ctx,
			`SELECT quantity FROM product_stock WHERE product_id = $1 FOR UPDATE`, e.ProductID,
		).Scan(&current)
		if errors.Is(err, sql.ErrNoRows) {
			current = 0
		} else if err != nil {
			return fmt.Errorf("lock stock %s: %w", e.ProductID, err)
		}

		shortfall := 0
		if e.QuantityDelta > current {
			shortfall = e.QuantityDelta - current
		}

		res, err := tx.ExecContext(ctx,
			`INSERT INTO stock_ledger (order_id, product_id, quantity_delta, shortfall, applied_at)
			 VALUES ($1, $2, $3, $4, $5)
			 ON CONFLICT (order_id, product_id) DO NOTHING`,
			e.OrderID, e.ProductID, e.QuantityDelta, shortfall, e.AppliedAt,
		)
		if err != nil {
			return fmt.Errorf("insert ledger entry: %w", err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return err
		}
		if n == 0 {
			result = domain.DecrementResult{Applied: false, Remaining: current}
			return nil
		}

		remaining := current - e.QuantityDelta
		if remaining < 0 {
			remaining = 0
		}
		_, err = tx.ExecContext(ctx,
			`INSERT INTO product_stock (product_id, quantity, updated_at)
			 VALUES ($1, $2, $3)
			 ON CONFLICT (product_id) DO UPDATE SET quantity = EXCLUDED.quantity, updated_at = EXCLUDED.updated_at`,
			e.ProductID, remaining, e.AppliedAt,
		)
		if err != nil {
			return fmt.Errorf("update stock %s: %w", e.ProductID, err)
		}
		result = domain.DecrementResult{Applied: true, Remaining: remaining, Shortfall: shortfall}
		return nil
	})
	if err != nil {
		return domain.DecrementResult{}, err
	}
	return result, nil
}

func (r *stockRepo) Ledger(ctx context.Context, orderID uuid.UUID) ([]domain.StockLedgerEntry, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT order_id, product_id, quantity_delta, shortfall, applied_at
		 FROM stock_ledger WHERE order_id = $1 ORDER BY product_id`, orderID,
	)
	if err != nil {
		return nil, fmt.Errorf("query ledger: %w", err)
	}
	defer rows.Close()

	var entries []domain.StockLedgerEntry
	for rows.Next() {
		var e domain.StockLedgerEntry
		if err := rows.Scan(&e.OrderID, &e.ProductID, &e.QuantityDelta, &e.Shortfall, &e.AppliedAt); err != nil {
			return nil, err
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

func (r *stockRepo) SetStock(ctx context.Context, productID string, quantity int) error {
	_, err := r.db.ExecContext(ctx,
		`INSERT INTO product_stock (product_id, quantity, updated_at)
		 VALUES ($1, $2, now())
		 ON CONFLICT (product_id) DO UPDATE SET quantity = EXCLUDED.quantity, updated_at = now()`,
		productID, quantity,
	)
	if err != nil {
		return fmt.Errorf("set stock %s: %w", productID, err)
	}
	return nil
}

func (r *stockRepo) Stock(ctx context.Context, productID string) (int, error) {
	var q int
	err := r.db.QueryRowContext(ctx,
		`SELECT quantity FROM product_stock WHERE product_id = $1`, productID,
	).Scan(&q)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("query stock %s: %w", productID, err)
	}
	return q, nil
}
