package service

import (
	"context"
	"testing"
	"time"

	"ferremas-settlement/internal/domain"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPlaceOrder_NoPromotionNoCoupon(t *testing.T) {
	f := newFixture(t)
	order := f.placeOrder(t, "")

	assert.Equal(t, int64(1_800_000), order.Subtotal)
	assert.Equal(t, int64(1_800_000), order.FinalTotal)
	assert.Equal(t, domain.OrderCreated, order.Status)
	assert.Equal(t, "CLP", order.Currency)
	assert.True(t, decimal.NewFromInt(900).Equal(order.ExchangeRate))

	stored, err := f.checkout.GetOrder(context.Background(), order.ID)
	require.NoError(t, err)
	assert.Equal(t, order.FinalTotal, stored.FinalTotal)
}

func activeProductPromotion(f *fixture) domain.Promotion {
	now := f.clock.Now()
	return domain.Promotion{
		ID:        "promo-taladro",
		Scope:     domain.ScopeProduct,
		TargetID:  "TAL-001",
		Kind:      domain.PromotionPercentage,
		Value:     decimal.NewFromInt(20),
		ValidFrom: now.Add(-24 * time.Hour),
		ValidTo:   now.Add(24 * time.Hour),
	}
}

func TestPlaceOrder_WithPromotion(t *testing.T) {
	f := newFixture(t)
	f.store.PutPromotion(activeProductPromotion(f), 0)

	order := f.placeOrder(t, "")
	assert.Equal(t, int64(1_440_000), order.Subtotal)
	assert.Equal(t, int64(360_000), order.PromotionDiscount)
	assert.Equal(t, int64(1_440_000), order.FinalTotal)
}

func TestPlaceOrder_WithPromotionAndCoupon(t *testing.T) {
	f := newFixture(t)
	f.store.PutPromotion(activeProductPromotion(f), 0)
	seedCoupon(f, 1000)

	order := f.placeOrder(t, " ferr20 ")
	assert.Equal(t, "FERR20", order.CouponCode)
	assert.Equal(t, int64(288_000), order.CouponDiscount)
	assert.Equal(t, int64(1_152_000), order.FinalTotal)

	// usage is only counted when a payment settles
	c, err := f.store.FindByCode(context.Background(), "FERR20")
	require.NoError(t, err)
	assert.Equal(t, 0, c.CurrentUsage)
}

func TestPlaceOrder_Errors(t *testing.T) {
	tests := []struct {
		name string
		cmd  func() PlaceOrderCommand
		want error
	}{
		{
			name: "empty cart",
			cmd: func() PlaceOrderCommand {
				return PlaceOrderCommand{Shipping: homeShipping(), DeliveryMethod: domain.HomeDelivery}
			},
			want: domain.ErrEmptyCart,
		},
		{
			name: "unknown coupon",
			cmd: func() PlaceOrderCommand {
				return PlaceOrderCommand{Cart: testCart(), Shipping: homeShipping(), DeliveryMethod: domain.HomeDelivery, CouponCode: "NOPE"}
			},
			want: domain.ErrCouponInvalid,
		},
		{
			name: "missing address for delivery",
			cmd: func() PlaceOrderCommand {
				return PlaceOrderCommand{Cart: testCart(), Shipping: domain.ShippingInfo{Phone: "+56911111111"}, DeliveryMethod: domain.HomeDelivery}
			},
			want: domain.ErrInvalidShipping,
		},
		{
			name: "invalid quantity",
			cmd: func() PlaceOrderCommand {
				cart := testCart()
				cart[0].Quantity = 0
				return PlaceOrderCommand{Cart: cart, Shipping: homeShipping(), DeliveryMethod: domain.HomeDelivery}
			},
			want: domain.ErrInvalidCart,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t)
			order, err := f.checkout.PlaceOrder(context.Background(), tt.cmd())
			assert.ErrorIs(t, err, tt.want)
			assert.Nil(t, order)
		})
	}
}

func TestPlaceOrder_PickupOnlyNeedsPhone(t *testing.T) {
	f := newFixture(t)
	order, err := f.checkout.PlaceOrder(context.Background(), PlaceOrderCommand{
		Cart:           testCart(),
		Shipping:       domain.ShippingInfo{Phone: "+56911111111"},
		DeliveryMethod: domain.PickupInStore,
	})
	require.NoError(t, err)
	assert.Equal(t, domain.PickupInStore, order.DeliveryMethod)
}

func TestQuote_LeavesCouponUsage(t *testing.T) {
	f := newFixture(t)
	seedCoupon(f, 1000)

	res, err := f.checkout.Quote(context.Background(), PlaceOrderCommand{Cart: testCart(), CouponCode: "FERR20"})
	require.NoError(t, err)
	assert.Equal(t, int64(1_440_000), res.FinalTotal)

	assert.Equal(t, int64(360_000), res.CouponDiscount)

	c, err := f.store.FindByCode(context.Background(), "FERR20")
	require.NoError(t, err)
	assert.Equal(t, 0, c.CurrentUsage)
}

func TestPlaceOrder_CartMutationDoesNotLeak(t *testing.T) {
	f := newFixture(t)
	cart := testCart()
	order, err := f.checkout.PlaceOrder(context.Background(), PlaceOrderCommand{
		Cart: cart, Shipping: homeShipping(), DeliveryMethod: domain.HomeDelivery,
	})
	require.NoError(t, err)

	cart[0].Quantity = 50
	stored, err := f.checkout.GetOrder(context.Background(), order.ID)
	require.NoError(t, err)
	assert.Equal(t, 2, stored.Lines[0].Quantity)
}
