package domain

import (
	"time"

	"github.com/google/uuid"
)

type SessionState string

const (
	SessionCreated    SessionState = "CREATED"
	SessionRedirected SessionState = "REDIRECTED"
	SessionConfirmed  SessionState = "CONFIRMED"
	SessionRejected   SessionState = "REJECTED"
	SessionExpired    SessionState = "EXPIRED"
)

func (s SessionState) IsTerminal() bool {
	return s == SessionConfirmed || s == SessionRejected || s == SessionExpired
}

func (s SessionState) String() string {
	return string(s)
}

type GatewayKind string

const (
	GatewayReal       GatewayKind = "real"
	GatewaySimulation GatewayKind = "simulation"
)

func (k GatewayKind) Valid() bool {
	return k == GatewayReal || k == GatewaySimulation
}

type Outcome string

const (
	OutcomeApproved Outcome = "APPROVED"
	OutcomeRejected Outcome = "REJECTED"
)

type PaymentSession struct {
	ID                uuid.UUID
	Token             string
	OrderID           uuid.UUID
	GatewayKind       GatewayKind
	Amount            int64
	State             SessionState
	RedirectURL       string
	AuthorizationCode string
	CreatedAt         time.Time
	UpdatedAt         time.Time
	ConfirmedAt       *time.Time
}

// Outcome reports the recorded business outcome of a terminal session.
func (s *PaymentSession) Outcome() (Outcome, bool) {
	switch s.State {
	case SessionConfirmed:
		return OutcomeApproved, true
	case SessionRejected:
		return OutcomeRejected, true
	}
	return "", false
}

// Resolution moves a non-terminal session to a terminal state and its order
// from AWAITING_PAYMENT to OrderStatus in one step.
type Resolution struct {
	SessionID         uuid.UUID
	OrderID           uuid.UUID
	State             SessionState
	OrderStatus       OrderStatus
	AuthorizationCode string
	ResolvedAt        time.Time
}
