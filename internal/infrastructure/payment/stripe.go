package payment

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"ferremas-settlement/internal/domain"

	"github.com/sony/gobreaker/v2"
	"github.com/stripe/stripe-go/v78"
	"github.com/stripe/stripe-go/v78/client"
	"go.uber.org/zap"
)

type checkoutSessionAPI interface {
	New(params *stripe.CheckoutSessionParams) (*stripe.CheckoutSession, error)
	Get(id string, params *stripe.CheckoutSessionParams) (*stripe.CheckoutSession, error)
	Expire(id string, params *stripe.CheckoutSessionExpireParams) (*stripe.CheckoutSession, error)
}

// StripeGatewayConfig configures the StripeGateway.
type StripeGatewayConfig struct {
	SecretKey  string
	SuccessURL string
	CancelURL  string
	Currency   string
	Backends   *stripe.Backends
	Sessions   checkoutSessionAPI
	Breaker    gobreaker.Settings
	Logger     *zap.Logger
	Clock      func() time.Time
}

// StripeGateway settles orders through Stripe Checkout Sessions. The session
// ID is the token. CLP is zero-decimal, so amounts map 1:1.
type StripeGateway struct {
	sessions   checkoutSessionAPI
	breaker    *gobreaker.CircuitBreaker[*stripe.CheckoutSession]
	successURL string
	cancelURL  string
	currency   string
	log        *zap.Logger
	clock      func() time.Time
}

func NewStripeGateway(cfg StripeGatewayConfig) (*StripeGateway, error) {
	key := strings.TrimSpace(cfg.SecretKey)
	if key == "" && cfg.Sessions == nil {
		return nil, errors.New("stripe: secret key is required")
	}

	sessions := cfg.Sessions
	if sessions == nil {
		sc := client.New(key, cfg.Backends)
		sessions = sc.CheckoutSessions
	}

	log := cfg.Logger
	if log == nil {
		log = zap.NewNop()
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	currency := strings.ToLower(strings.TrimSpace(cfg.Currency))
	if currency == "" {
		currency = "clp"
	}

	settings := cfg.Breaker
	if settings.Name == "" {
		settings.Name = "stripe-checkout"
	}
	if settings.Timeout == 0 {
		settings.Timeout = 30 * time.Second
	}
	if settings.ReadyToTrip == nil {
		settings.ReadyToTrip = func(c gobreaker.Counts) bool {
			return c.ConsecutiveFailures >= 5
		}
	}
	// client errors say nothing about Stripe's health
	settings.IsSuccessful = func(err error) bool {
		return err == nil || !isTransient(err)
	}
	settings.OnStateChange = func(name string, from, to gobreaker.State) {
		log.Warn("circuit breaker state changed",
			zap.String("breaker", name),
			zap.String("from", from.String()),
			zap.String("to", to.String()),
		)
	}

	return &StripeGateway{
		sessions:   sessions,
		breaker:    gobreaker.NewCircuitBreaker[*stripe.CheckoutSession](settings),
		successURL: cfg.SuccessURL,
		cancelURL:  cfg.CancelURL,
		currency:   currency,
		log:        log,
		clock:      func() time.Time { return clock().UTC() },
	}, nil
}

func (g *StripeGateway) Kind() domain.GatewayKind {
	return domain.GatewayReal
}

func (g *StripeGateway) CreateSession(ctx context.Context, req SessionRequest) (SessionHandle, error) {
	params := &stripe.CheckoutSessionParams{
		Mode:              stripe.String(string(stripe.CheckoutSessionModePayment)),
		SuccessURL:        stripe.String(withToken(g.successURL)),
		CancelURL:         stripe.String(withToken(g.cancelURL)),
		ClientReferenceID: stripe.String(req.OrderID.String()),
		Metadata:          map[string]string{"order_id": req.OrderID.String()},
		LineItems: []*stripe.CheckoutSessionLineItemParams{{
			Quantity: stripe.Int64(1),
			PriceData: &stripe.CheckoutSessionLineItemPriceDataParams{
				Currency:   stripe.String(g.currency),
				UnitAmount: stripe.Int64(req.Amount),
				ProductData: &stripe.CheckoutSessionLineItemPriceDataProductDataParams{
					Name: stripe.String("Pedido " + req.OrderID.String()),
				},
			},
		}},
	}
	params.Context = ctx
	params.SetIdempotencyKey(req.OrderID.String() + ":" + req.Reference.String())

	s, err := g.breaker.Execute(func() (*stripe.CheckoutSession, error) {
		return g.sessions.New(params)
	})
	if err != nil {
		return SessionHandle{}, classify("create checkout session", err)
	}

	g.log.Info("stripe checkout session created",
		zap.String("session_id", s.ID),
		zap.String("order_id", req.OrderID.String()),
		zap.Int64("amount", req.Amount),
	)
	return SessionHandle{Token: s.ID, RedirectURL: s.URL}, nil
}

// Confirm reads the session. A paid session is approved. A session the
// customer left open is expired and reported as rejected.
func (g *StripeGateway) Confirm(ctx context.Context, token string) (Confirmation, error) {
	s, err := g.get(ctx, token)
	if err != nil {
		return Confirmation{}, err
	}

	if s.Status == stripe.CheckoutSessionStatusOpen {
		s, err = g.expire(ctx, token)
		if err != nil {
			return Confirmation{}, err
		}
	}

	switch stateOf(s) {
	case domain.SessionConfirmed:
		code := s.ID
		if s.PaymentIntent != nil && s.PaymentIntent.ID != "" {
			code = s.PaymentIntent.ID
		}
		return Confirmation{Outcome: domain.OutcomeApproved, AuthorizationCode: code, SettledAt: g.clock()}, nil
	case domain.SessionExpired, domain.SessionRejected:
		return Confirmation{Outcome: domain.OutcomeRejected, SettledAt: g.clock()}, nil
	}
	// completed but the payment is still processing
	return Confirmation{}, fmt.Errorf("%w: session %s payment is %s", domain.ErrGatewayUnavailable, token, s.PaymentStatus)
}

func (g *StripeGateway) Status(ctx context.Context, token string) (domain.SessionState, error) {
	s, err := g.get(ctx, token)
	if err != nil {
		return "", err
	}
	return stateOf(s), nil
}

func (g *StripeGateway) Expire(ctx context.Context, token string) (domain.SessionState, error) {
	s, err := g.get(ctx, token)
	if err != nil {
		return "", err
	}
	if s.Status == stripe.CheckoutSessionStatusOpen {
		if s, err = g.expire(ctx, token); err != nil {
			return "", err
		}
	}
	return stateOf(s), nil
}

func (g *StripeGateway) get(ctx context.Context, token string) (*stripe.CheckoutSession, error) {
	params := &stripe.CheckoutSessionParams{}
	params.Context = ctx
	params.AddExpand("payment_intent")
	s, err := g.breaker.Execute(func() (*stripe.CheckoutSession, error) {
		return g.sessions.Get(token, params)
	})
	if err != nil {
		return nil, classify("get checkout session", err)
	}
	return s, nil
}

func (g *StripeGateway) expire(ctx context.Context, token string) (*stripe.CheckoutSession, error) {
	params := &stripe.CheckoutSessionExpireParams{}
	params.Context = ctx
	s, err := g.breaker.Execute(func() (*stripe.CheckoutSession, error) {
		return g.sessions.Expire(token, params)
	})
	var se *stripe.Error
	if errors.As(err, &se) && se.HTTPStatusCode == http.StatusBadRequest {
		// the customer completed payment between our read and the expiry
		return g.get(ctx, token)
	}
	if err != nil {
		return nil, classify("expire checkout session", err)
	}
	return s, nil
}

func stateOf(s *stripe.CheckoutSession) domain.SessionState {
	switch s.Status {
	case stripe.CheckoutSessionStatusExpired:
		return domain.SessionExpired
	case stripe.CheckoutSessionStatusComplete:
		if s.PaymentStatus == stripe.CheckoutSessionPaymentStatusPaid ||
			s.PaymentStatus == stripe.CheckoutSessionPaymentStatusNoPaymentRequired {
			return domain.SessionConfirmed
		}
	}
	return domain.SessionRedirected
}

func withToken(u string) string {
	if u == "" || strings.Contains(u, "{CHECKOUT_SESSION_ID}") {
		return u
	}
	sep := "?"
	if strings.Contains(u, "?") {
		sep = "&"
	}
	return u + sep + "token_ws={CHECKOUT_SESSION_ID}"
}

func isTransient(err error) bool {
	var se *stripe.Error
	if errors.As(err, &se) {
		return se.HTTPStatusCode >= http.StatusInternalServerError ||
			se.HTTPStatusCode == http.StatusTooManyRequests ||
			se.Type == stripe.ErrorTypeAPI
	}
	return true
}

func classify(op string, err error) error {
	var se *stripe.Error
	switch {
	case errors.Is(err, gobreaker.ErrOpenState), errors.Is(err, gobreaker.ErrTooManyRequests):
		return fmt.Errorf("%w: stripe: %s: %w", domain.ErrGatewayUnavailable, op, err)
	case errors.As(err, &se) && se.Code == stripe.ErrorCodeResourceMissing:
		return fmt.Errorf("%w: stripe: %s: %s", domain.ErrSessionNotFound, op, se.Msg)
	case isTransient(err):
		return fmt.Errorf("%w: stripe: %s: %w", domain.ErrGatewayUnavailable, op, err)
	}
	return fmt.Errorf("stripe: %s: %w", op, err)
}
