package payment

import (
	"context"
	"fmt"
	"net/url"
	"strings"
	"sync"
	"time"

	"ferremas-settlement/internal/domain"

	"github.com/google/uuid"
)

type simSession struct {
	orderID   uuid.UUID
	amount    int64
	state     domain.SessionState
	outcome   domain.Outcome
	authCode  string
	settledAt time.Time
}

type simFault struct {
	remaining int
	settle    bool
}

// SimulationGateway is an in-memory gateway whose outcome per token is chosen
// by an operator or a test. It keeps the same state machine as a real one.
type SimulationGateway struct {
	mu             sync.RWMutex
	sessions       map[string]*simSession
	openByOrder    map[uuid.UUID]string
	byReference    map[uuid.UUID]string
	outcomes       map[string]domain.Outcome
	faults         map[string]*simFault
	defaultOutcome domain.Outcome
	returnURL      string
	now            func() time.Time
}

func NewSimulationGateway(returnURL string, defaultOutcome domain.Outcome) *SimulationGateway {
	if defaultOutcome != domain.OutcomeRejected {
		defaultOutcome = domain.OutcomeApproved
	}
	return &SimulationGateway{
		sessions:       make(map[string]*simSession),
		openByOrder:    make(map[uuid.UUID]string),
		byReference:    make(map[uuid.UUID]string),
		outcomes:       make(map[string]domain.Outcome),
		faults:         make(map[string]*simFault),
		defaultOutcome: defaultOutcome,
		returnURL:      returnURL,
		now:            time.Now,
	}
}

func (g *SimulationGateway) Kind() domain.GatewayKind {
	return domain.GatewaySimulation
}

func (g *SimulationGateway) CreateSession(ctx context.Context, req SessionRequest) (SessionHandle, error) {
	if err := ctx.Err(); err != nil {
		return SessionHandle{}, fmt.Errorf("%w: %v", domain.ErrGatewayUnavailable, err)
	}
	g.mu.Lock()
	defer g.mu.Unlock()

	// replayed request for the same attempt
	if token, ok := g.byReference[req.Reference]; ok {
		return g.handle(token), nil
	}
	if token, ok := g.openByOrder[req.OrderID]; ok && !g.sessions[token].state.IsTerminal() {
		return SessionHandle{}, fmt.Errorf("%w: order %s already has session %s", domain.ErrSessionConflict, req.OrderID, token)
	}

	token := "sim_" + strings.ReplaceAll(uuid.NewString(), "-", "")
	g.sessions[token] = &simSession{
		orderID: req.OrderID,
		amount:  req.Amount,
		state:   domain.SessionRedirected,
	}
	g.openByOrder[req.OrderID] = token
	g.byReference[req.Reference] = token
	return g.handle(token), nil
}

func (g *SimulationGateway) handle(token string) SessionHandle {
	u := g.returnURL
	sep := "?"
	if strings.Contains(u, "?") {
		sep = "&"
	}
	return SessionHandle{Token: token, RedirectURL: u + sep + "token_ws=" + url.QueryEscape(token)}
}

func (g *SimulationGateway) Confirm(ctx context.Context, token string) (Confirmation, error) {
	if err := ctx.Err(); err != nil {
		return Confirmation{}, fmt.Errorf("%w: %v", domain.ErrGatewayUnavailable, err)
	}
	g.mu.Lock()
	defer g.mu.Unlock()

	s, ok := g.sessions[token]
	if !ok {
		return Confirmation{}, fmt.Errorf("%w: %s", domain.ErrSessionNotFound, token)
	}

	if f, ok := g.faults[token]; ok && f.remaining > 0 {
		f.remaining--
		if f.settle && !s.state.IsTerminal() {
			// charged on our side, caller never hears about it
			g.settle(token, s)
		}
		return Confirmation{}, fmt.Errorf("%w: simulated timeout for %s", domain.ErrGatewayUnavailable, token)
	}

	switch s.state {
	case domain.SessionConfirmed, domain.SessionRejected:
		return g.confirmation(s), nil
	case domain.SessionExpired:
		return Confirmation{Outcome: domain.OutcomeRejected, SettledAt: s.settledAt}, nil
	}
	g.settle(token, s)
	return g.confirmation(s), nil
}

func (g *SimulationGateway) settle(token string, s *simSession) {
	outcome, ok := g.outcomes[token]
	if !ok {
		outcome = g.defaultOutcome
	}
	s.outcome = outcome
	s.settledAt = g.now().UTC()
	if outcome == domain.OutcomeApproved {
		s.state = domain.SessionConfirmed
		s.authCode = "SIM-" + strings.ToUpper(token[len(token)-8:])
	} else {
		s.state = domain.SessionRejected
	}
}

func (g *SimulationGateway) confirmation(s *simSession) Confirmation {
	return Confirmation{Outcome: s.outcome, AuthorizationCode: s.authCode, SettledAt: s.settledAt}
}

func (g *SimulationGateway) Status(_ context.Context, token string) (domain.SessionState, error) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	s, ok := g.sessions[token]
	if !ok {
		return "", fmt.Errorf("%w: %s", domain.ErrSessionNotFound, token)
	}
	return s.state, nil
}

func (g *SimulationGateway) Expire(_ context.Context, token string) (domain.SessionState, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	s, ok := g.sessions[token]
	if !ok {
		return "", fmt.Errorf("%w: %s", domain.ErrSessionNotFound, token)
	}
	if !s.state.IsTerminal() {
		s.state = domain.SessionExpired
		s.settledAt = g.now().UTC()
	}
	return s.state, nil
}

// SetOutcome chooses how the next confirmation of token settles.
func (g *SimulationGateway) SetOutcome(token string, outcome domain.Outcome) error {
	if outcome != domain.OutcomeApproved && outcome != domain.OutcomeRejected {
		return fmt.Errorf("unknown outcome %q", outcome)
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	s, ok := g.sessions[token]
	if !ok {
		return fmt.Errorf("%w: %s", domain.ErrSessionNotFound, token)
	}
	if s.state.IsTerminal() {
		return fmt.Errorf("%w: session %s is already %s", domain.ErrSessionConflict, token, s.state)
	}
	g.outcomes[token] = outcome
	return nil
}

// FailConfirm makes the next times confirmations of token fail as
// unavailable. With settle the gateway still settles the session on the first
// failure, which is what a lost response looks like from the caller.
func (g *SimulationGateway) FailConfirm(token string, times int, settle bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.faults[token] = &simFault{remaining: times, settle: settle}
}
