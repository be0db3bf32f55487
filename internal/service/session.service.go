package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"ferremas-settlement/internal/domain"
	"ferremas-settlement/internal/infrastructure/events"
	"ferremas-settlement/internal/infrastructure/payment"
	"ferremas-settlement/internal/repo"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"
)

const sweepBatch = 100

type PaymentSessionManager interface {
	StartSession(ctx context.Context, orderID uuid.UUID, kind domain.GatewayKind) (*domain.PaymentSession, error)
	HandleConfirmation(ctx context.Context, token string) (*ConfirmationResult, error)
	ExpireStaleSessions(ctx context.Context, now time.Time) (ExpirySummary, error)
	RecoverSettlements(ctx context.Context) (int, error)
	Status(ctx context.Context, token string) (*domain.PaymentSession, error)
}

// ConfirmationResult is the recorded outcome of a session. Outcome is empty
// for an expired session.
type ConfirmationResult struct {
	Session domain.PaymentSession
	Order   domain.Order
	Outcome domain.Outcome
}

// Err reports a declined payment as ErrGatewayRejected for callers that
// treat a decline as a failed attempt. Approved and expired results are nil.
func (r *ConfirmationResult) Err() error {
	if r.Outcome == domain.OutcomeRejected {
		return fmt.Errorf("%w: order %s", domain.ErrGatewayRejected, r.Order.ID)
	}
	return nil
}

// ActiveSessionError is returned by StartSession when the order already has a
// non-terminal session. It unwraps to ErrSessionConflict.
type ActiveSessionError struct {
	Session *domain.PaymentSession
}

func (e *ActiveSessionError) Error() string {
	return fmt.Sprintf("%v: order %s has open session %s", domain.ErrSessionConflict, e.Session.OrderID, e.Session.ID)
}

func (e *ActiveSessionError) Unwrap() error {
	return domain.ErrSessionConflict
}

type ExpirySummary struct {
	Scanned int
	Expired int
	Settled int
	Skipped int
}

type SessionManagerDeps struct {
	Orders         repo.OrderRepo
	Sessions       repo.PaymentSessionRepo
	Coupons        repo.CouponRepo
	Gateways       *payment.Registry
	Reconciler     StockReconciler
	Events         events.Publisher
	Logger         *zap.Logger
	Clock          func() time.Time
	SessionTimeout time.Duration
	GatewayTimeout time.Duration
	Retry          payment.RetryPolicy
}

type paymentSessionManager struct {
	orders         repo.OrderRepo
	sessions       repo.PaymentSessionRepo
	coupons        repo.CouponRepo
	gateways       *payment.Registry
	reconciler     StockReconciler
	events         events.Publisher
	log            *zap.Logger
	now            func() time.Time
	sessionTimeout time.Duration
	gatewayTimeout time.Duration
	retry          payment.RetryPolicy
	inflight       singleflight.Group
}

func NewPaymentSessionManager(deps SessionManagerDeps) PaymentSessionManager {
	m := &paymentSessionManager{
		orders:         deps.Orders,
		sessions:       deps.Sessions,
		coupons:        deps.Coupons,
		gateways:       deps.Gateways,
		reconciler:     deps.Reconciler,
		events:         deps.Events,
		log:            deps.Logger,
		now:            deps.Clock,
		sessionTimeout: deps.SessionTimeout,
		gatewayTimeout: deps.GatewayTimeout,
		retry:          deps.Retry,
	}
	if m.events == nil {
		m.events = events.NopPublisher{}
	}
	if m.log == nil {
		m.log = zap.NewNop()
	}
	if m.now == nil {
		m.now = time.Now
	}
	if m.sessionTimeout <= 0 {
		m.sessionTimeout = 30 * time.Minute
	}
	if m.gatewayTimeout <= 0 {
		m.gatewayTimeout = 10 * time.Second
	}
	if m.retry.AttemptTimeout <= 0 {
		m.retry.AttemptTimeout = m.gatewayTimeout
	}
	return m
}

func (m *paymentSessionManager) clock() time.Time {
	return m.now().UTC()
}

func (m *paymentSessionManager) StartSession(ctx context.Context, orderID uuid.UUID, kind domain.GatewayKind) (*domain.PaymentSession, error) {
	gw, err := m.gateways.Select(kind)
	if err != nil {
		return nil, err
	}

	order, err := m.orders.FindById(ctx, orderID)
	if err != nil {
		return nil, err
	}
	switch order.Status {
	case domain.OrderCreated:
	case domain.OrderAwaitingPayment:
		return nil, m.conflict(ctx, orderID)
	default:
		return nil, fmt.Errorf("%w: order %s is %s", domain.ErrOrderNotPayable, orderID, order.Status)
	}

	now := m.clock()
	session := &domain.PaymentSession{
		ID:          uuid.New(),
		OrderID:     order.ID,
		GatewayKind: kind,
		Amount:      order.FinalTotal,
		State:       domain.SessionCreated,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if err := m.sessions.OpenSession(ctx, session); err != nil {
		if errors.Is(err, domain.ErrSessionConflict) {
			return nil, m.conflict(ctx, orderID)
		}
		return nil, err
	}

	gctx, cancel := context.WithTimeout(ctx, m.gatewayTimeout)
	defer cancel()
	handle, err := gw.CreateSession(gctx, payment.SessionRequest{
		OrderID:   order.ID,
		Reference: session.ID,
		Amount:    session.Amount,
	})
	if err != nil {
		m.abandon(ctx, session, "")
		if errors.Is(err, context.DeadlineExceeded) && !errors.Is(err, domain.ErrGatewayUnavailable) {
			err = errors.Join(domain.ErrGatewayUnavailable, err)
		}
		return nil, fmt.Errorf("create gateway session: %w", err)
	}

	if err := m.sessions.MarkRedirected(ctx, session.ID, handle.Token, handle.RedirectURL, m.clock()); err != nil {
		m.abandon(ctx, session, handle.Token)
		return nil, fmt.Errorf("record gateway session: %w", err)
	}

	session.Token = handle.Token
	session.RedirectURL = handle.RedirectURL
	session.State = domain.SessionRedirected
	m.log.Info("payment session started",
		zap.String("order_id", order.ID.String()),
		zap.String("session_id", session.ID.String()),
		zap.String("gateway", string(kind)),
		zap.Int64("amount", session.Amount),
	)
	return session, nil
}

// conflict describes the session that blocks a new one so the caller can send
// the customer back to it.
func (m *paymentSessionManager) conflict(ctx context.Context, orderID uuid.UUID) error {
	active, err := m.sessions.FindActiveByOrder(ctx, orderID)
	if err != nil {
		return fmt.Errorf("%w: order %s is awaiting payment", domain.ErrSessionConflict, orderID)
	}
	return &ActiveSessionError{Session: active}
}

// abandon expires a session that never reached REDIRECTED and hands the
// order back to CREATED.
func (m *paymentSessionManager) abandon(ctx context.Context, s *domain.PaymentSession, token string) {
	ctx = context.WithoutCancel(ctx)
	if token != "" {
		if gw, err := m.gateways.Select(s.GatewayKind); err == nil {
			if _, err := gw.Expire(ctx, token); err != nil {
				m.log.Warn("expire orphaned gateway session failed", zap.String("token", token), zap.Error(err))
			}
		}
	}
	_, err := m.sessions.Resolve(ctx, domain.Resolution{
		SessionID:   s.ID,
		OrderID:     s.OrderID,
		State:       domain.SessionExpired,
		OrderStatus: domain.OrderCreated,
		ResolvedAt:  m.clock(),
	})
	if err != nil {
		m.log.Error("revert failed session start", zap.String("session_id", s.ID.String()), zap.Error(err))
	}
}

func (m *paymentSessionManager) HandleConfirmation(ctx context.Context, token string) (*ConfirmationResult, error) {
	v, err, _ := m.inflight.Do(token, func() (any, error) {
		return m.confirm(context.WithoutCancel(ctx), token)
	})
	if err != nil {
		return nil, err
	}
	res := *v.(*ConfirmationResult)
	return &res, nil
}

func (m *paymentSessionManager) confirm(ctx context.Context, token string) (*ConfirmationResult, error) {
	session, err := m.sessions.FindByToken(ctx, token)
	if err != nil {
		return nil, err
	}
	if session.State.IsTerminal() {
		return m.recorded(ctx, session)
	}

	order, err := m.orders.FindById(ctx, session.OrderID)
	if err != nil {
		return nil, err
	}
	gw, err := m.gateways.Select(session.GatewayKind)
	if err != nil {
		return nil, err
	}

	claimed := false
	if order.HasCoupon() {
		err := m.coupons.Claim(ctx, order.CouponCode, order.ID, m.clock())
		switch {
		case errors.Is(err, domain.ErrCouponInvalid):
			return m.rejectForCoupon(ctx, gw, session, order, err)
		case err != nil:
			return nil, fmt.Errorf("claim coupon: %w", err)
		}
		claimed = true
	}

	conf, err := payment.ConfirmWithRetry(ctx, gw, token, m.retry)
	if err != nil {
		if claimed {
			m.releaseCoupon(ctx, order)
		}
		return nil, fmt.Errorf("confirm payment: %w", err)
	}
	return m.settle(ctx, session, order, conf)
}

// rejectForCoupon closes a session whose coupon can no longer be redeemed. If
// the customer was already charged the payment wins and the order is settled.
func (m *paymentSessionManager) rejectForCoupon(
	ctx context.Context,
	gw payment.PaymentGateway,
	session *domain.PaymentSession,
	order *domain.Order,
	cause error,
) (*ConfirmationResult, error) {
	gctx, cancel := context.WithTimeout(ctx, m.gatewayTimeout)
	state, err := gw.Expire(gctx, session.Token)
	cancel()
	if err != nil {
		return nil, fmt.Errorf("cancel gateway session: %w", err)
	}

	if state == domain.SessionConfirmed {
		m.log.Warn("coupon exhausted after payment, settling without redemption",
			zap.String("order_id", order.ID.String()),
			zap.String("coupon", order.CouponCode),
		)
		conf, err := payment.ConfirmWithRetry(ctx, gw, session.Token, m.retry)
		if err != nil {
			return nil, fmt.Errorf("confirm payment: %w", err)
		}
		return m.settle(ctx, session, order, conf)
	}

	applied, err := m.sessions.Resolve(ctx, domain.Resolution{
		SessionID:   session.ID,
		OrderID:     order.ID,
		State:       domain.SessionRejected,
		OrderStatus: domain.OrderFailed,
		ResolvedAt:  m.clock(),
	})
	if err != nil {
		return nil, err
	}
	if !applied {
		return m.reread(ctx, session.Token)
	}
	m.publish(ctx, events.OrderFailed, session, order, "")
	return nil, cause
}

func (m *paymentSessionManager) settle(
	ctx context.Context,
	session *domain.PaymentSession,
	order *domain.Order,
	conf payment.Confirmation,
) (*ConfirmationResult, error) {
	res := domain.Resolution{
		SessionID:   session.ID,
		OrderID:     order.ID,
		State:       domain.SessionRejected,
		OrderStatus: domain.OrderFailed,
		ResolvedAt:  m.clock(),
	}
	if conf.Outcome == domain.OutcomeApproved {
		res.State = domain.SessionConfirmed
		res.OrderStatus = domain.OrderPaid
		res.AuthorizationCode = conf.AuthorizationCode
	}

	applied, err := m.sessions.Resolve(ctx, res)
	if err != nil {
		return nil, fmt.Errorf("record payment outcome: %w", err)
	}
	if !applied {
		return m.reread(ctx, session.Token)
	}

	if conf.Outcome == domain.OutcomeApproved {
		m.log.Info("order paid",
			zap.String("order_id", order.ID.String()),
			zap.String("authorization_code", conf.AuthorizationCode),
		)
		m.reconcile(ctx, order)
		m.publish(ctx, events.OrderPaid, session, order, conf.AuthorizationCode)
	} else {
		m.log.Info("payment declined", zap.String("order_id", order.ID.String()))
		if order.HasCoupon() {
			m.releaseCoupon(ctx, order)
		}
		m.publish(ctx, events.OrderFailed, session, order, "")
	}
	return m.view(ctx, session.Token)
}

func (m *paymentSessionManager) view(ctx context.Context, token string) (*ConfirmationResult, error) {
	session, err := m.sessions.FindByToken(ctx, token)
	if err != nil {
		return nil, err
	}
	order, err := m.orders.FindById(ctx, session.OrderID)
	if err != nil {
		return nil, err
	}
	outcome, _ := session.Outcome()
	return &ConfirmationResult{Session: *session, Order: *order, Outcome: outcome}, nil
}

// reread returns the stored outcome, used after losing a transition race.
func (m *paymentSessionManager) reread(ctx context.Context, token string) (*ConfirmationResult, error) {
	session, err := m.sessions.FindByToken(ctx, token)
	if err != nil {
		return nil, err
	}
	return m.recorded(ctx, session)
}

func (m *paymentSessionManager) recorded(ctx context.Context, session *domain.PaymentSession) (*ConfirmationResult, error) {
	order, err := m.orders.FindById(ctx, session.OrderID)
	if err != nil {
		return nil, err
	}
	// A replayed REJECTED or EXPIRED token never touches the coupon: the
	// order may since have been paid through a newer session.
	if session.State == domain.SessionConfirmed {
		m.reconcile(ctx, order)
	}
	outcome, _ := session.Outcome()
	return &ConfirmationResult{Session: *session, Order: *order, Outcome: outcome}, nil
}

func (m *paymentSessionManager) reconcile(ctx context.Context, order *domain.Order) {
	report, err := m.reconciler.Reconcile(ctx, order)
	if err != nil {
		// left for RecoverSettlements
		m.log.Error("stock reconciliation failed", zap.String("order_id", order.ID.String()), zap.Error(err))
		return
	}
	if report.Applied > 0 {
		m.log.Info("stock reconciled",
			zap.String("order_id", order.ID.String()),
			zap.Int("applied", report.Applied),
			zap.Int("shortfalls", len(report.Shortfalls)),
		)
	}
}

func (m *paymentSessionManager) releaseCoupon(ctx context.Context, order *domain.Order) {
	if err := m.coupons.Release(context.WithoutCancel(ctx), order.CouponCode, order.ID); err != nil {
		m.log.Error("release coupon failed",
			zap.String("order_id", order.ID.String()),
			zap.String("coupon", order.CouponCode),
			zap.Error(err),
		)
	}
}

func (m *paymentSessionManager) publish(
	ctx context.Context,
	kind events.EventType,
	session *domain.PaymentSession,
	order *domain.Order,
	authCode string,
) {
	err := m.events.Publish(ctx, events.Event{
		Type:              kind,
		OrderID:           order.ID,
		SessionID:         session.ID,
		Gateway:           string(session.GatewayKind),
		Amount:            session.Amount,
		Currency:          order.Currency,
		AuthorizationCode: authCode,
		OccurredAt:        m.clock(),
	})
	if err != nil {
		m.log.Warn("publish settlement event failed",
			zap.String("event", string(kind)),
			zap.String("order_id", order.ID.String()),
			zap.Error(err),
		)
	}
}

func (m *paymentSessionManager) ExpireStaleSessions(ctx context.Context, now time.Time) (ExpirySummary, error) {
	var summary ExpirySummary
	stale, err := m.sessions.FindStale(ctx, now.Add(-m.sessionTimeout), sweepBatch)
	if err != nil {
		return summary, err
	}
	summary.Scanned = len(stale)

	for i := range stale {
		s := &stale[i]
		state := domain.SessionExpired
		if s.Token != "" {
			state, err = m.expireAtGateway(ctx, s)
			if err != nil {
				m.log.Warn("expire at gateway failed, retrying next sweep",
					zap.String("session_id", s.ID.String()),
					zap.Error(err),
				)
				summary.Skipped++
				continue
			}
		}

		if state == domain.SessionConfirmed || state == domain.SessionRejected {
			// settled at the gateway without us hearing about it
			if _, err := m.HandleConfirmation(ctx, s.Token); err != nil && !errors.Is(err, domain.ErrCouponInvalid) {
				m.log.Warn("settle stale session failed", zap.String("session_id", s.ID.String()), zap.Error(err))
				summary.Skipped++
				continue
			}
			summary.Settled++
			continue
		}

		expired, err := m.expireLocally(ctx, s)
		if err != nil {
			m.log.Error("expire session failed", zap.String("session_id", s.ID.String()), zap.Error(err))
			summary.Skipped++
			continue
		}
		if expired {
			summary.Expired++
		}
	}

	if summary.Scanned > 0 {
		m.log.Info("expiry sweep finished",
			zap.Int("scanned", summary.Scanned),
			zap.Int("expired", summary.Expired),
			zap.Int("settled", summary.Settled),
			zap.Int("skipped", summary.Skipped),
		)
	}
	return summary, nil
}

func (m *paymentSessionManager) expireAtGateway(ctx context.Context, s *domain.PaymentSession) (domain.SessionState, error) {
	gw, err := m.gateways.Select(s.GatewayKind)
	if err != nil {
		return "", err
	}
	gctx, cancel := context.WithTimeout(ctx, m.gatewayTimeout)
	defer cancel()
	state, err := gw.Expire(gctx, s.Token)
	if errors.Is(err, domain.ErrSessionNotFound) {
		return domain.SessionExpired, nil
	}
	return state, err
}

func (m *paymentSessionManager) expireLocally(ctx context.Context, s *domain.PaymentSession) (bool, error) {
	applied, err := m.sessions.Resolve(ctx, domain.Resolution{
		SessionID:   s.ID,
		OrderID:     s.OrderID,
		State:       domain.SessionExpired,
		OrderStatus: domain.OrderCreated,
		ResolvedAt:  m.clock(),
	})
	if err != nil || !applied {
		return false, err
	}

	order, err := m.orders.FindById(ctx, s.OrderID)
	if err != nil {
		m.log.Warn("load expired order failed", zap.String("order_id", s.OrderID.String()), zap.Error(err))
		return true, nil
	}
	if order.HasCoupon() {
		m.releaseCoupon(ctx, order)
	}
	m.log.Info("payment session expired",
		zap.String("session_id", s.ID.String()),
		zap.String("order_id", s.OrderID.String()),
	)
	m.publish(ctx, events.OrderExpired, s, order, "")
	return true, nil
}

func (m *paymentSessionManager) RecoverSettlements(ctx context.Context) (int, error) {
	pending, err := m.sessions.FindUnreconciled(ctx, sweepBatch)
	if err != nil {
		return 0, err
	}

	recovered := 0
	for _, s := range pending {
		order, err := m.orders.FindById(ctx, s.OrderID)
		if err != nil {
			m.log.Error("load order for recovery failed", zap.String("order_id", s.OrderID.String()), zap.Error(err))
			continue
		}
		if _, err := m.reconciler.Reconcile(ctx, order); err != nil {
			m.log.Error("recover stock reconciliation failed", zap.String("order_id", order.ID.String()), zap.Error(err))
			continue
		}
		recovered++
	}
	if recovered > 0 {
		m.log.Info("recovered unreconciled settlements", zap.Int("count", recovered))
	}
	return recovered, nil
}

func (m *paymentSessionManager) Status(ctx context.Context, token string) (*domain.PaymentSession, error) {
	return m.sessions.FindByToken(ctx, token)
}
