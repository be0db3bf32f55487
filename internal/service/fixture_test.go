package service

import (
	"context"
	"sync"
	"testing"
	"time"

	"ferremas-settlement/internal/domain"
	"ferremas-settlement/internal/infrastructure/events"
	"ferremas-settlement/internal/infrastructure/payment"
	"ferremas-settlement/internal/pricing"
	"ferremas-settlement/internal/repo"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"
)

type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type fixedRate struct {
	rate decimal.Decimal
}

func (f fixedRate) Rate(context.Context) (decimal.Decimal, error) {
	return f.rate, nil
}

type recordingPublisher struct {
	mu     sync.Mutex
	events []events.Event
}

func (p *recordingPublisher) Publish(_ context.Context, e events.Event) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, e)
	return nil
}

func (p *recordingPublisher) Close() error { return nil }

func (p *recordingPublisher) types() []events.EventType {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]events.EventType, len(p.events))
	for i, e := range p.events {
		out[i] = e.Type
	}
	return out
}

type fixture struct {
	store    *repo.MemoryStore
	sim      *payment.SimulationGateway
	pub      *recordingPublisher
	clock    *testClock
	sessions PaymentSessionManager
	checkout CheckoutService
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	clock := &testClock{now: time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)}
	store := repo.NewMemoryStore()
	sim := payment.NewSimulationGateway("http://localhost:8080/api/payments/confirm", domain.OutcomeApproved)
	pub := &recordingPublisher{}

	sessions := NewPaymentSessionManager(SessionManagerDeps{
		Orders:     store,
		Sessions:   store,
		Coupons:    store,
		Gateways:   payment.NewRegistry(sim),
		Reconciler: NewStockReconciler(store, nil, clock.Now),
		Events:     pub,
		Clock:      clock.Now,
		Retry: payment.RetryPolicy{
			MaxRetries:      2,
			InitialInterval: time.Millisecond,
			MaxInterval:     2 * time.Millisecond,
		},
	})
	checkout := NewCheckoutService(CheckoutDeps{
		Orders:     store,
		Coupons:    store,
		Promotions: store,
		Rates:      fixedRate{rate: decimal.NewFromInt(900)},
		Engine:     pricing.NewEngine(clock.Now),
		Assembler:  NewOrderAssembler("CLP", clock.Now),
		Clock:      clock.Now,
	})

	return &fixture{store: store, sim: sim, pub: pub, clock: clock, sessions: sessions, checkout: checkout}
}

func testCart() domain.CartSnapshot {
	return domain.CartSnapshot{
		{ProductID: "TAL-001", CategoryID: "HERR", Name: "Taladro percutor", UnitPriceBase: decimal.NewFromInt(1000), Quantity: 2},
	}
}

func homeShipping() domain.ShippingInfo {
	return domain.ShippingInfo{
		Address:    "Av. Providencia 1234",
		City:       "Santiago",
		Region:     "Metropolitana",
		PostalCode: "7500000",
		Phone:      "+56912345678",
	}
}

func (f *fixture) placeOrder(t *testing.T, coupon string) *domain.Order {
	t.Helper()
	order, err := f.checkout.PlaceOrder(context.Background(), PlaceOrderCommand{
		Cart:           testCart(),
		Shipping:       homeShipping(),
		DeliveryMethod: domain.HomeDelivery,
		CouponCode:     coupon,
	})
	require.NoError(t, err)
	return order
}

func (f *fixture) startSession(t *testing.T, order *domain.Order) *domain.PaymentSession {
	t.Helper()
	s, err := f.sessions.StartSession(context.Background(), order.ID, domain.GatewaySimulation)
	require.NoError(t, err)
	return s
}

func (f *fixture) orderStatus(t *testing.T, order *domain.Order) domain.OrderStatus {
	t.Helper()
	o, err := f.store.FindById(context.Background(), order.ID)
	require.NoError(t, err)
	return o.Status
}
