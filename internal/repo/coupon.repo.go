package repo

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"ferremas-settlement/internal/domain"

	"github.com/google/uuid"
)

type couponRepo struct {
	db *sql.DB
}

func NewCouponRepo(db *sql.DB) CouponRepo {
	return &couponRepo{db: db}
}

func (r *couponRepo) FindByCode(ctx context.Context, code string) (*domain.Coupon, error) {
	var (
		c     domain.Coupon
		limit sql.NullInt64
	)
	err := r.db.QueryRowContext(ctx,
		`SELECT code, discount_percentage, minimum_order_amount, usage_limit, current_usage,
		        valid_from, valid_to, active
		 FROM coupons WHERE code = $1`, domain.NormalizeCouponCode(code),
	).Scan(&c.Code, &c.DiscountPercentage, &c.MinimumOrderAmount, &limit, &c.CurrentUsage,
		&c.ValidFrom, &c.ValidTo, &c.Active)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: unknown code %s", domain.ErrCouponInvalid, code)
	}
	if err != nil {
		return nil, fmt.Errorf("query coupon: %w", err)
	}
	if limit.Valid {
		l := int(limit.Int64)
		c.UsageLimit = &l
	}
	return &c, nil
}

func (r *couponRepo) Claim(ctx context.Context, code string, orderID uuid.UUID, at time.Time) error {
	code = domain.NormalizeCouponCode(code)
	return withTx(ctx, r.db, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx,
			`INSERT INTO coupon_redemptions (coupon_code, order_id, claimed_at)
			 VALUES ($1, $2, $3)
			 ON CONFLICT (coupon_code, order_id) DO NOTHING`,
			code, orderID, at,
		)
		if err != nil {
			return fmt.Errorf("insert redemption: %w", err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return err
		}
		if n == 0 {
			return nil
		}

		res, err = tx.ExecContext(ctx,
			`UPDATE coupons SET current_usage = current_usage + 1
			 WHERE code = $1 AND active AND (usage_limit IS NULL OR current_usage < usage_limit)`,
			code,
		)
		if err != nil {
			return fmt.Errorf("increment coupon usage: %w", err)
		}
		if n, err = res.RowsAffected(); err != nil {
			return err
		}
		if n == 0 {
			return fmt.Errorf("%w: %s reached its usage limit", domain.ErrCouponInvalid, code)
		}
		return nil
	})
}

func (r *couponRepo) Release(ctx context.Context, code string, orderID uuid.UUID) error {
	code = domain.NormalizeCouponCode(code)
	return withTx(ctx, r.db, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx,
			`DELETE FROM coupon_redemptions r
			USING orders o
			WHERE r.coupon_code = $1 AND r.order_id = $2
			  AND o.id = r.order_id AND o.status <> $3`,
			code, orderID, string(domain.OrderPaid),
		)
		if err != nil {
			return fmt.Errorf("delete redemption: %w", err)
		}
		n, err := res.RowsAffected()
		if err != nil || n == 0 {
			return err
		}
		_, err = tx.ExecContext(ctx,
			`UPDATE coupons SET current_usage = current_usage - 1 WHERE code = $1 AND current_usage > 0`, code,
		)
		if err != nil {
			return fmt.Errorf("decrement coupon usage: %w", err)
		}
		return nil
	})
}
