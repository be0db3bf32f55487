package payment

import (
	"context"
	"fmt"
	"time"

	"ferremas-settlement/internal/domain"

	"github.com/google/uuid"
)

type PaymentGateway interface {
	// CreateSession opens a hosted payment session for the order. Reference
	// identifies the attempt and doubles as the gateway idempotency key.
	CreateSession(ctx context.Context, req SessionRequest) (SessionHandle, error)
	// Confirm settles the session and is idempotent per token.
	Confirm(ctx context.Context, token string) (Confirmation, error)
	Status(ctx context.Context, token string) (domain.SessionState, error)
	// Expire cancels a non-terminal session. If the session already settled
	// the settled state is returned instead.
	Expire(ctx context.Context, token string) (domain.SessionState, error)
	Kind() domain.GatewayKind
}

type SessionRequest struct {
	OrderID   uuid.UUID
	Reference uuid.UUID
	Amount    int64
}

type SessionHandle struct {
	Token       string
	RedirectURL string
}

type Confirmation struct {
	Outcome           domain.Outcome
	AuthorizationCode string
	SettledAt         time.Time
}

// Registry resolves the gateway for a session. It is filled once at startup.
type Registry struct {
	gateways map[domain.GatewayKind]PaymentGateway
}

func NewRegistry(gateways ...PaymentGateway) *Registry {
	r := &Registry{gateways: make(map[domain.GatewayKind]PaymentGateway, len(gateways))}
	for _, g := range gateways {
		if g != nil {
			r.gateways[g.Kind()] = g
		}
	}
	return r
}

func (r *Registry) Select(kind domain.GatewayKind) (PaymentGateway, error) {
	g, ok := r.gateways[kind]
	if !ok {
		return nil, fmt.Errorf("%w: gateway %q is not configured", domain.ErrGatewayUnavailable, kind)
	}
	return g, nil
}
