package service

import (
	"context"
	"sync"
	"testing"
	"time"

	"ferremas-settlement/internal/domain"
	"ferremas-settlement/internal/infrastructure/events"
	"ferremas-settlement/internal/infrastructure/payment"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"
)

type unavailableGateway struct {
	*payment.SimulationGateway
}

func (unavailableGateway) CreateSession(context.Context, payment.SessionRequest) (payment.SessionHandle, error) {
	return payment.SessionHandle{}, domain.ErrGatewayUnavailable
}

func TestStartSession(t *testing.T) {
	f := newFixture(t)
	order := f.placeOrder(t, "")

	s := f.startSession(t, order)
	assert.Equal(t, domain.SessionRedirected, s.State)
	assert.NotEmpty(t, s.Token)
	assert.Contains(t, s.RedirectURL, "token_ws="+s.Token)
	assert.Equal(t, order.FinalTotal, s.Amount)
	assert.Equal(t, domain.OrderAwaitingPayment, f.orderStatus(t, order))
}

func TestStartSession_ConflictWhileRedirected(t *testing.T) {
	f := newFixture(t)
	order := f.placeOrder(t, "")
	f.startSession(t, order)

	_, err := f.sessions.StartSession(context.Background(), order.ID, domain.GatewaySimulation)
	assert.ErrorIs(t, err, domain.ErrSessionConflict)
}

func TestStartSession_ConflictNamesOpenSession(t *testing.T) {
	f := newFixture(t)
	order := f.placeOrder(t, "")
	open := f.startSession(t, order)

	_, err := f.sessions.StartSession(context.Background(), order.ID, domain.GatewaySimulation)

	var active *ActiveSessionError
	require.ErrorAs(t, err, &active)
	assert.Equal(t, open.ID, active.Session.ID)
	assert.Equal(t, open.Token, active.Session.Token)
	assert.Equal(t, open.RedirectURL, active.Session.RedirectURL)
}

func TestStartSession_CancelledOrderIsNotPayable(t *testing.T) {
	f := newFixture(t)
	order := f.placeOrder(t, "")
	cancelled := *order
	cancelled.ID = uuid.New()
	cancelled.Status = domain.OrderCancelled
	require.NoError(t, f.store.CreateOrder(context.Background(), &cancelled))

	_, err := f.sessions.StartSession(context.Background(), cancelled.ID, domain.GatewaySimulation)
	assert.ErrorIs(t, err, domain.ErrOrderNotPayable)
	assert.Equal(t, domain.OrderCancelled, f.orderStatus(t, &cancelled))
}

func TestStartSession_OrderNotFound(t *testing.T) {
	f := newFixture(t)
	_, err := f.sessions.StartSession(context.Background(), uuid.New(), domain.GatewaySimulation)
	assert.ErrorIs(t, err, domain.ErrOrderNotFound)
}

func TestStartSession_PaidOrderIsNotPayable(t *testing.T) {
	f := newFixture(t)
	order := f.placeOrder(t, "")
	s := f.startSession(t, order)
	_, err := f.sessions.HandleConfirmation(context.Background(), s.Token)
	require.NoError(t, err)

	_, err = f.sessions.StartSession(context.Background(), order.ID, domain.GatewaySimulation)
	assert.ErrorIs(t, err, domain.ErrOrderNotPayable)
}

func TestStartSession_UnconfiguredGateway(t *testing.T) {
	f := newFixture(t)
	order := f.placeOrder(t, "")

	_, err := f.sessions.StartSession(context.Background(), order.ID, domain.GatewayReal)
	assert.ErrorIs(t, err, domain.ErrGatewayUnavailable)
	assert.Equal(t, domain.OrderCreated, f.orderStatus(t, order))
}

func TestStartSession_GatewayFailureRevertsOrder(t *testing.T) {
	f := newFixture(t)
	order := f.placeOrder(t, "")
	mgr := NewPaymentSessionManager(SessionManagerDeps{
		Orders:     f.store,
		Sessions:   f.store,
		Coupons:    f.store,
		Gateways:   payment.NewRegistry(unavailableGateway{f.sim}),
		Reconciler: NewStockReconciler(f.store, nil, f.clock.Now),
		Clock:      f.clock.Now,
	})

	_, err := mgr.StartSession(context.Background(), order.ID, domain.GatewaySimulation)
	require.ErrorIs(t, err, domain.ErrGatewayUnavailable)

	assert.Equal(t, domain.OrderCreated, f.orderStatus(t, order))
	_, err = f.store.FindActiveByOrder(context.Background(), order.ID)
	assert.ErrorIs(t, err, domain.ErrSessionNotFound)

	// the order can be paid once the gateway is back
	s := f.startSession(t, order)
	assert.Equal(t, domain.SessionRedirected, s.State)
}

func TestHandleConfirmation_Approved(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	require.NoError(t, f.store.SetStock(ctx, "TAL-001", 10))
	order := f.placeOrder(t, "")
	s := f.startSession(t, order)

	res, err := f.sessions.HandleConfirmation(ctx, s.Token)
	require.NoError(t, err)
	assert.Equal(t, domain.OutcomeApproved, res.Outcome)
	assert.Equal(t, domain.SessionConfirmed, res.Session.State)
	assert.NotEmpty(t, res.Session.AuthorizationCode)
	assert.Equal(t, domain.OrderPaid, res.Order.Status)

	qty, err := f.store.Stock(ctx, "TAL-001")
	require.NoError(t, err)
	assert.Equal(t, 8, qty)
	assert.Equal(t, []events.EventType{events.OrderPaid}, f.pub.types())
}

func TestHandleConfirmation_IsIdempotent(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	require.NoError(t, f.store.SetStock(ctx, "TAL-001", 10))
	order := f.placeOrder(t, "")
	s := f.startSession(t, order)

	var g errgroup.Group
	results := make([]*ConfirmationResult, 10)
	for i := range results {
		g.Go(func() error {
			res, err := f.sessions.HandleConfirmation(ctx, s.Token)
			results[i] = res
			return err
		})
	}
	require.NoError(t, g.Wait())

	for i := 0; i < 3; i++ {
		res, err := f.sessions.HandleConfirmation(ctx, s.Token)
		require.NoError(t, err)
		results = append(results, res)
	}

	for _, res := range results {
		assert.Equal(t, domain.OutcomeApproved, res.Outcome)
		assert.Equal(t, domain.OrderPaid, res.Order.Status)
	}
	ledger, err := f.store.Ledger(ctx, order.ID)
	require.NoError(t, err)
	assert.Len(t, ledger, 1)
	qty, err := f.store.Stock(ctx, "TAL-001")
	require.NoError(t, err)
	assert.Equal(t, 8, qty)
	assert.Equal(t, []events.EventType{events.OrderPaid}, f.pub.types())
}

func TestHandleConfirmation_RejectedTwice(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	order := f.placeOrder(t, "")
	s := f.startSession(t, order)
	require.NoError(t, f.sim.SetOutcome(s.Token, domain.OutcomeRejected))

	for i := 0; i < 2; i++ {
		res, err := f.sessions.HandleConfirmation(ctx, s.Token)
		require.NoError(t, err)
		assert.Equal(t, domain.OutcomeRejected, res.Outcome)
		assert.Equal(t, domain.OrderFailed, res.Order.Status)
	}

	ledger, err := f.store.Ledger(ctx, order.ID)
	require.NoError(t, err)
	assert.Empty(t, ledger)
	assert.Equal(t, []events.EventType{events.OrderFailed}, f.pub.types())
}

func TestHandleConfirmation_UnknownToken(t *testing.T) {
	f := newFixture(t)
	_, err := f.sessions.HandleConfirmation(context.Background(), "sim_missing")
	assert.ErrorIs(t, err, domain.ErrSessionNotFound)
}

func seedCoupon(f *fixture, limit int) {
	f.store.PutCoupon(domain.Coupon{
		Code:               "FERR20",
		DiscountPercentage: decimal.NewFromInt(20),
		UsageLimit:         &limit,
		Active:             true,
	})
}

func TestHandleConfirmation_SingleUseCouponUnderConcurrency(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	seedCoupon(f, 1)

	first := f.placeOrder(t, "ferr20")
	second := f.placeOrder(t, "FERR20")
	tokens := []string{f.startSession(t, first).Token, f.startSession(t, second).Token}

	var (
		g    errgroup.Group
		mu   sync.Mutex
		errs []error
		paid int
	)
	for _, token := range tokens {
		g.Go(func() error {
			res, err := f.sessions.HandleConfirmation(ctx, token)
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				errs = append(errs, err)
				return nil
			}
			if res.Outcome == domain.OutcomeApproved {
				paid++
			}
			return nil
		})
	}
	require.NoError(t, g.Wait())

	assert.Equal(t, 1, paid)
	require.Len(t, errs, 1)
	assert.ErrorIs(t, errs[0], domain.ErrCouponInvalid)

	statuses := []domain.OrderStatus{f.orderStatus(t, first), f.orderStatus(t, second)}
	assert.ElementsMatch(t, []domain.OrderStatus{domain.OrderPaid, domain.OrderFailed}, statuses)

	c, err := f.store.FindByCode(ctx, "FERR20")
	require.NoError(t, err)
	assert.Equal(t, 1, c.CurrentUsage)
}

func TestHandleConfirmation_RejectionReleasesCoupon(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	seedCoupon(f, 1)
	order := f.placeOrder(t, "FERR20")
	s := f.startSession(t, order)
	require.NoError(t, f.sim.SetOutcome(s.Token, domain.OutcomeRejected))

	_, err := f.sessions.HandleConfirmation(ctx, s.Token)
	require.NoError(t, err)

	c, err := f.store.FindByCode(ctx, "FERR20")
	require.NoError(t, err)
	assert.Equal(t, 0, c.CurrentUsage)
}

func TestHandleConfirmation_StaleReplayKeepsPaidCoupon(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	seedCoupon(f, 1)
	order := f.placeOrder(t, "FERR20")
	stale := f.startSession(t, order)

	f.clock.Advance(31 * time.Minute)
	_, err := f.sessions.ExpireStaleSessions(ctx, f.clock.Now())
	require.NoError(t, err)

	fresh := f.startSession(t, order)
	res, err := f.sessions.HandleConfirmation(ctx, fresh.Token)
	require.NoError(t, err)
	require.Equal(t, domain.OutcomeApproved, res.Outcome)

	// browser back to the expired session's return URL
	replay, err := f.sessions.HandleConfirmation(ctx, stale.Token)
	require.NoError(t, err)
	assert.Equal(t, domain.SessionExpired, replay.Session.State)
	assert.Equal(t, domain.OrderPaid, replay.Order.Status)

	c, err := f.store.FindByCode(ctx, "FERR20")
	require.NoError(t, err)
	assert.Equal(t, 1, c.CurrentUsage)

	_, err = f.checkout.PlaceOrder(ctx, PlaceOrderCommand{
		Cart:           testCart(),
		Shipping:       homeShipping(),
		DeliveryMethod: domain.HomeDelivery,
		CouponCode:     "FERR20",
	})
	assert.ErrorIs(t, err, domain.ErrCouponInvalid)
}

func TestHandleConfirmation_SurvivesCallerCancellation(t *testing.T) {
	f := newFixture(t)
	order := f.placeOrder(t, "")
	s := f.startSession(t, order)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	res, err := f.sessions.HandleConfirmation(ctx, s.Token)
	require.NoError(t, err)
	assert.Equal(t, domain.OutcomeApproved, res.Outcome)
	assert.Equal(t, domain.OrderPaid, f.orderStatus(t, order))
}

func TestConfirmationResult_Err(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	approved := f.startSession(t, f.placeOrder(t, ""))
	res, err := f.sessions.HandleConfirmation(ctx, approved.Token)
	require.NoError(t, err)
	assert.NoError(t, res.Err())

	declined := f.startSession(t, f.placeOrder(t, ""))
	require.NoError(t, f.sim.SetOutcome(declined.Token, domain.OutcomeRejected))
	res, err = f.sessions.HandleConfirmation(ctx, declined.Token)
	require.NoError(t, err)
	assert.ErrorIs(t, res.Err(), domain.ErrGatewayRejected)
}

func TestHandleConfirmation_GatewayUnavailable(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	seedCoupon(f, 5)
	order := f.placeOrder(t, "FERR20")
	s := f.startSession(t, order)
	f.sim.FailConfirm(s.Token, 10, false)

	_, err := f.sessions.HandleConfirmation(ctx, s.Token)
	require.ErrorIs(t, err, domain.ErrGatewayUnavailable)

	got, err := f.sessions.Status(ctx, s.Token)
	require.NoError(t, err)
	assert.Equal(t, domain.SessionRedirected, got.State)
	assert.Equal(t, domain.OrderAwaitingPayment, f.orderStatus(t, order))

	c, err := f.store.FindByCode(ctx, "FERR20")
	require.NoError(t, err)
	assert.Equal(t, 0, c.CurrentUsage)
}

func TestHandleConfirmation_RetriesTransientFailures(t *testing.T) {
	f := newFixture(t)
	order := f.placeOrder(t, "")
	s := f.startSession(t, order)
	f.sim.FailConfirm(s.Token, 2, false)

	res, err := f.sessions.HandleConfirmation(context.Background(), s.Token)
	require.NoError(t, err)
	assert.Equal(t, domain.OutcomeApproved, res.Outcome)
}

func TestExpireStaleSessions(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	order := f.placeOrder(t, "")
	s := f.startSession(t, order)

	f.clock.Advance(29 * time.Minute)
	summary, err := f.sessions.ExpireStaleSessions(ctx, f.clock.Now())
	require.NoError(t, err)
	assert.Equal(t, 0, summary.Scanned)

	f.clock.Advance(2 * time.Minute)
	summary, err = f.sessions.ExpireStaleSessions(ctx, f.clock.Now())
	require.NoError(t, err)
	assert.Equal(t, ExpirySummary{Scanned: 1, Expired: 1}, summary)

	got, err := f.sessions.Status(ctx, s.Token)
	require.NoError(t, err)
	assert.Equal(t, domain.SessionExpired, got.State)
	assert.Equal(t, domain.OrderCreated, f.orderStatus(t, order))
	assert.Equal(t, []events.EventType{events.OrderExpired}, f.pub.types())

	gwState, err := f.sim.Status(ctx, s.Token)
	require.NoError(t, err)
	assert.Equal(t, domain.SessionExpired, gwState)

	// late confirmation of the expired session reports it without settling
	res, err := f.sessions.HandleConfirmation(ctx, s.Token)
	require.NoError(t, err)
	assert.Equal(t, domain.SessionExpired, res.Session.State)
	assert.Empty(t, res.Outcome)

	retry := f.startSession(t, order)
	assert.NotEqual(t, s.Token, retry.Token)
}

func TestExpireStaleSessions_SettlesPhantomCharge(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	order := f.placeOrder(t, "")
	s := f.startSession(t, order)

	// the gateway charges on the first attempt but every response is lost
	f.sim.FailConfirm(s.Token, 3, true)
	_, err := f.sessions.HandleConfirmation(ctx, s.Token)
	require.ErrorIs(t, err, domain.ErrGatewayUnavailable)
	assert.Equal(t, domain.OrderAwaitingPayment, f.orderStatus(t, order))

	f.clock.Advance(31 * time.Minute)
	summary, err := f.sessions.ExpireStaleSessions(ctx, f.clock.Now())
	require.NoError(t, err)
	assert.Equal(t, ExpirySummary{Scanned: 1, Settled: 1}, summary)

	assert.Equal(t, domain.OrderPaid, f.orderStatus(t, order))
	ledger, err := f.store.Ledger(ctx, order.ID)
	require.NoError(t, err)
	assert.Len(t, ledger, 1)
}

func TestRecoverSettlements(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	require.NoError(t, f.store.SetStock(ctx, "TAL-001", 5))
	order := f.placeOrder(t, "")
	s := f.startSession(t, order)

	// settled, but the process died before touching stock
	applied, err := f.store.Resolve(ctx, domain.Resolution{
		SessionID:   s.ID,
		OrderID:     order.ID,
		State:       domain.SessionConfirmed,
		OrderStatus: domain.OrderPaid,
		ResolvedAt:  f.clock.Now(),
	})
	require.NoError(t, err)
	require.True(t, applied)

	n, err := f.sessions.RecoverSettlements(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	n, err = f.sessions.RecoverSettlements(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, n)

	qty, err := f.store.Stock(ctx, "TAL-001")
	require.NoError(t, err)
	assert.Equal(t, 3, qty)
}
