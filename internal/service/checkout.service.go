package service

import (
	"context"
	"fmt"
	"time"

	"ferremas-settlement/internal/domain"
	"ferremas-settlement/internal/pricing"
	"ferremas-settlement/internal/repo"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

type RateProvider interface {
	Rate(ctx context.Context) (decimal.Decimal, error)
}

type PlaceOrderCommand struct {
	Cart           domain.CartSnapshot
	Shipping       domain.ShippingInfo
	DeliveryMethod domain.DeliveryMethod
	CouponCode     string
}

type CheckoutService interface {
	// PlaceOrder prices the cart once and persists the frozen order.
	PlaceOrder(ctx context.Context, cmd PlaceOrderCommand) (*domain.Order, error)
	// Quote prices the cart without persisting or touching coupon usage.
	Quote(ctx context.Context, cmd PlaceOrderCommand) (pricing.Result, error)
	GetOrder(ctx context.Context, id uuid.UUID) (*domain.Order, error)
}

type CheckoutDeps struct {
	Orders     repo.OrderRepo
	Coupons    repo.CouponRepo
	Promotions repo.PromotionRepo
	Rates      RateProvider
	Engine     *pricing.Engine
	Assembler  *OrderAssembler
	Logger     *zap.Logger
	Clock      func() time.Time
}

type checkoutService struct {
	orders     repo.OrderRepo
	coupons    repo.CouponRepo
	promotions repo.PromotionRepo
	rates      RateProvider
	engine     *pricing.Engine
	assembler  *OrderAssembler
	log        *zap.Logger
	now        func() time.Time
}

func NewCheckoutService(deps CheckoutDeps) CheckoutService {
	s := &checkoutService{
		orders:     deps.Orders,
		coupons:    deps.Coupons,
		promotions: deps.Promotions,
		rates:      deps.Rates,
		engine:     deps.Engine,
		assembler:  deps.Assembler,
		log:        deps.Logger,
		now:        deps.Clock,
	}
	if s.now == nil {
		s.now = time.Now
	}
	if s.log == nil {
		s.log = zap.NewNop()
	}
	if s.engine == nil {
		s.engine = pricing.NewEngine(s.now)
	}
	if s.assembler == nil {
		s.assembler = NewOrderAssembler("CLP", s.now)
	}
	return s
}

func (s *checkoutService) Quote(ctx context.Context, cmd PlaceOrderCommand) (pricing.Result, error) {
	return s.price(ctx, cmd)
}

func (s *checkoutService) PlaceOrder(ctx context.Context, cmd PlaceOrderCommand) (*domain.Order, error) {
	priced, err := s.price(ctx, cmd)
	if err != nil {
		return nil, err
	}

	order, err := s.assembler.Assemble(cmd.Cart, cmd.Shipping, priced, cmd.DeliveryMethod)
	if err != nil {
		return nil, err
	}
	if err := s.orders.CreateOrder(ctx, order); err != nil {
		return nil, fmt.Errorf("create order: %w", err)
	}

	s.log.Info("order placed",
		zap.String("order_id", order.ID.String()),
		zap.Int64("final_total", order.FinalTotal),
		zap.String("coupon", order.CouponCode),
		zap.String("exchange_rate", order.ExchangeRate.String()),
	)
	return order, nil
}

func (s *checkoutService) GetOrder(ctx context.Context, id uuid.UUID) (*domain.Order, error) {
	return s.orders.FindById(ctx, id)
}

func (s *checkoutService) price(ctx context.Context, cmd PlaceOrderCommand) (pricing.Result, error) {
	if len(cmd.Cart) == 0 {
		return pricing.Result{}, domain.ErrEmptyCart
	}
	if err := cmd.Cart.Validate(); err != nil {
		return pricing.Result{}, err
	}

	var coupon *domain.Coupon
	if code := domain.NormalizeCouponCode(cmd.CouponCode); code != "" {
		c, err := s.coupons.FindByCode(ctx, code)
		if err != nil {
			return pricing.Result{}, err
		}
		coupon = c
	}

	promos, err := s.promotions.FindActive(ctx, cmd.Cart.ProductIDs(), cmd.Cart.CategoryIDs(), s.now())
	if err != nil {
		return pricing.Result{}, fmt.Errorf("load promotions: %w", err)
	}

	rate, err := s.rates.Rate(ctx)
	if err != nil {
		return pricing.Result{}, fmt.Errorf("load exchange rate: %w", err)
	}

	return s.engine.Price(pricing.Input{
		Lines:        cmd.Cart,
		Promotions:   promos,
		Coupon:       coupon,
		ExchangeRate: rate,
	})
}
