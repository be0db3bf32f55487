package domain

import (
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

type PromotionScope string

const (
	ScopeProduct  PromotionScope = "product"
	ScopeCategory PromotionScope = "category"
)

type PromotionKind string

const (
	PromotionPercentage  PromotionKind = "percentage"
	PromotionFixedAmount PromotionKind = "fixed_amount"
)

type Promotion struct {
	ID        string
	Scope     PromotionScope
	TargetID  string
	Kind      PromotionKind
	Value     decimal.Decimal
	ValidFrom time.Time
	ValidTo   time.Time
}

func (p Promotion) ActiveAt(t time.Time) bool {
	return !t.Before(p.ValidFrom) && !t.After(p.ValidTo)
}

// Apply returns the unit price after the promotion; never below zero.
func (p Promotion) Apply(price decimal.Decimal) decimal.Decimal {
	var out decimal.Decimal
	switch p.Kind {
	case PromotionPercentage:
		pct := decimal.Min(decimal.Max(p.Value, decimal.Zero), decimal.NewFromInt(100))
		out = price.Mul(decimal.NewFromInt(100).Sub(pct)).Div(decimal.NewFromInt(100))
	case PromotionFixedAmount:
		out = price.Sub(decimal.Max(p.Value, decimal.Zero))
	default:
		return price
	}
	return decimal.Max(out, decimal.Zero)
}

type Coupon struct {
	Code               string
	DiscountPercentage decimal.Decimal
	MinimumOrderAmount int64
	UsageLimit         *int
	CurrentUsage       int
	ValidFrom          *time.Time
	ValidTo            *time.Time
	Active             bool
}

func NormalizeCouponCode(code string) string {
	return strings.ToUpper(strings.TrimSpace(code))
}

// Check validates the coupon against a post-promotion subtotal. It only
// reads CurrentUsage.
func (c *Coupon) Check(subtotal int64, at time.Time) error {
	switch {
	case !c.Active:
		return fmt.Errorf("%w: %s is disabled", ErrCouponInvalid, c.Code)
	case c.ValidFrom != nil && at.Before(*c.ValidFrom):
		return fmt.Errorf("%w: %s is not valid yet", ErrCouponInvalid, c.Code)
	case c.ValidTo != nil && at.After(*c.ValidTo):
		return fmt.Errorf("%w: %s has expired", ErrCouponInvalid, c.Code)
	case c.UsageLimit != nil && c.CurrentUsage >= *c.UsageLimit:
		return fmt.Errorf("%w: %s reached its usage limit", ErrCouponInvalid, c.Code)
	case subtotal < c.MinimumOrderAmount:
		return fmt.Errorf("%w: %s requires a minimum of %d", ErrCouponInvalid, c.Code, c.MinimumOrderAmount)
	}
	return nil
}
