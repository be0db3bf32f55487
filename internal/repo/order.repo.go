package repo

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"ferremas-settlement/internal/domain"

	"github.com/google/uuid"
)

const orderColumns = `id, lines, shipping, delivery_method, currency, exchange_rate, subtotal,
	promotion_discount, coupon_discount, final_total, coupon_code, status, created_at, updated_at`

type orderRepo struct {
	db *sql.DB
}

func NewOrderRepo(db *sql.DB) OrderRepo {
	return &orderRepo{db: db}
}

func (r *orderRepo) CreateOrder(ctx context.Context, order *domain.Order) error {
	lines, err := json.Marshal(order.Lines)
	if err != nil {
		return fmt.Errorf("marshal order lines: %w", err)
	}
	shipping, err := json.Marshal(order.Shipping)
	if err != nil {
		return fmt.Errorf("marshal shipping: %w", err)
	}

	_, err = r.db.ExecContext(ctx,
		`INSERT INTO orders (`+orderColumns+`)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)`,
		order.ID, lines, shipping, order.DeliveryMethod, order.Currency, order.ExchangeRate,
		order.Subtotal, order.PromotionDiscount, order.CouponDiscount, order.FinalTotal,
		order.CouponCode, order.Status, order.CreatedAt, order.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("insert order: %w", err)
	}
	return nil
}

func (r *orderRepo) FindById(ctx context.Context, id uuid.UUID) (*domain.Order, error) {
	row := r.db.QueryRowContext(ctx, `SELECT `+orderColumns+` FROM orders WHERE id = $1`, id)
	order, err := scanOrder(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, domain.ErrOrderNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("query order %s: %w", id, err)
	}
	return order, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanOrder(row rowScanner) (*domain.Order, error) {
	var (
		o        domain.Order
		lines    []byte
		shipping []byte
	)
	err := row.Scan(
		&o.ID,
		&lines,
		&shipping,
		&o.DeliveryMethod,
		&o.Currency,
		&o.ExchangeRate,
		&o.Subtotal,
		&o.PromotionDiscount,
		&o.CouponDiscount,
		&o.FinalTotal,
		&o.CouponCode,
		&o.Status,
		&o.CreatedAt,
		&o.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal(lines, &o.Lines); err != nil {
		return nil, fmt.Errorf("unmarshal order lines: %w", err)
	}
	if err := json.Unmarshal(shipping, &o.Shipping); err != nil {
		return nil, fmt.Errorf("unmarshal shipping: %w", err)
	}
	return &o, nil
}
