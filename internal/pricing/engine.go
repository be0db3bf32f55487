package pricing

import (
	"fmt"
	"time"

	"ferremas-settlement/internal/domain"

	"github.com/shopspring/decimal"
)

var hundred = decimal.NewFromInt(100)

type Input struct {
	Lines        domain.CartSnapshot
	Promotions   []domain.Promotion
	Coupon       *domain.Coupon
	ExchangeRate decimal.Decimal
}

type PricedLine struct {
	ProductID   string
	Quantity    int
	UnitGross   int64
	UnitNet     int64
	LineTotal   int64
	PromotionID string
}

// Result amounts are local-currency minor units. Subtotal is after
// promotions; GrossTotal is before them.
type Result struct {
	Lines             []PricedLine
	GrossTotal        int64
	Subtotal          int64
	PromotionDiscount int64
	CouponDiscount    int64
	FinalTotal        int64
	CouponCode        string
	ExchangeRate      decimal.Decimal
}

type Engine struct {
	now func() time.Time
}

func NewEngine(now func() time.Time) *Engine {
	if now == nil {
		now = time.Now
	}
	return &Engine{now: now}
}

func (e *Engine) Price(in Input) (Result, error) {
	if len(in.Lines) == 0 {
		return Result{}, fmt.Errorf("%w: %w", domain.ErrInvalidPricingInput, domain.ErrEmptyCart)
	}
	if !in.ExchangeRate.IsPositive() {
		return Result{}, fmt.Errorf("%w: exchange rate must be positive", domain.ErrInvalidPricingInput)
	}
	if err := in.Lines.Validate(); err != nil {
		return Result{}, fmt.Errorf("%w: %w", domain.ErrInvalidPricingInput, err)
	}

	at := e.now()
	res := Result{
		Lines:        make([]PricedLine, 0, len(in.Lines)),
		ExchangeRate: in.ExchangeRate,
	}

	for _, line := range in.Lines {
		unit := line.UnitPriceBase
		promoID := ""
		if line.UnitPriceDiscounted != nil {
			unit = *line.UnitPriceDiscounted
		} else if promo, ok := resolvePromotion(in.Promotions, line, at); ok {
			unit = promo.Apply(unit)
			promoID = promo.ID
		}

		gross := convert(line.UnitPriceBase, in.ExchangeRate)
		net := convert(unit, in.ExchangeRate)
		if net > gross {
			net = gross
		}
		qty := int64(line.Quantity)

		res.Lines = append(res.Lines, PricedLine{
			ProductID:   line.ProductID,
			Quantity:    line.Quantity,
			UnitGross:   gross,
			UnitNet:     net,
			LineTotal:   net * qty,
			PromotionID: promoID,
		})
		res.GrossTotal += gross * qty
		res.Subtotal += net * qty
	}
	res.PromotionDiscount = res.GrossTotal - res.Subtotal

	if in.Coupon != nil {
		if err := in.Coupon.Check(res.Subtotal, at); err != nil {
			return Result{}, err
		}
		pct := decimal.Min(decimal.Max(in.Coupon.DiscountPercentage, decimal.Zero), hundred)
		discount := decimal.NewFromInt(res.Subtotal).Mul(pct).Div(hundred).Round(0).IntPart()
		if discount > res.Subtotal {
			discount = res.Subtotal
		}
		res.CouponDiscount = discount
		res.CouponCode = in.Coupon.Code
	}

	res.FinalTotal = res.Subtotal - res.CouponDiscount
	if res.FinalTotal < 0 {
		res.FinalTotal = 0
	}
	return res, nil
}

// resolvePromotion picks the first active product-scoped match, falling back
// to the first active category-scoped match. Promotions arrive in priority
// order.
func resolvePromotion(promos []domain.Promotion, line domain.CartLine, at time.Time) (domain.Promotion, bool) {
	var category *domain.Promotion
	for i := range promos {
		p := promos[i]
		if !p.ActiveAt(at) {
			continue
		}
		switch p.Scope {
		case domain.ScopeProduct:
			if p.TargetID == line.ProductID {
				return p, true
			}
		case domain.ScopeCategory:
			if category == nil && line.CategoryID != "" && p.TargetID == line.CategoryID {
				category = &promos[i]
			}
		}
	}
	if category != nil {
		return *category, true
	}
	return domain.Promotion{}, false
}

func convert(price, rate decimal.Decimal) int64 {
	return price.Mul(rate).Round(0).IntPart()
}
