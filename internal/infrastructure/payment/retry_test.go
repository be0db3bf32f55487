package payment

import (
	"context"
	"errors"
	"testing"
	"time"

	"ferremas-settlement/internal/domain"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func fastPolicy(retries uint64) RetryPolicy {
	return RetryPolicy{
		MaxRetries:      retries,
		InitialInterval: time.Millisecond,
		MaxInterval:     5 * time.Millisecond,
		AttemptTimeout:  time.Second,
	}
}

type countingGateway struct {
	*SimulationGateway
	calls int
	err   error
}

func (c *countingGateway) Confirm(ctx context.Context, token string) (Confirmation, error) {
	c.calls++
	if c.err != nil {
		return Confirmation{}, c.err
	}
	return c.SimulationGateway.Confirm(ctx, token)
}

func TestConfirmWithRetry_RecoversFromTransientFailures(t *testing.T) {
	g := NewSimulationGateway("http://x/confirm", domain.OutcomeApproved)
	h, err := g.CreateSession(context.Background(), newRequest(uuid.New()))
	require.NoError(t, err)
	g.FailConfirm(h.Token, 2, false)

	c, err := ConfirmWithRetry(context.Background(), g, h.Token, fastPolicy(3))
	require.NoError(t, err)
	assert.Equal(t, domain.OutcomeApproved, c.Outcome)
}

func TestConfirmWithRetry_GivesUp(t *testing.T) {
	g := NewSimulationGateway("http://x/confirm", domain.OutcomeApproved)
	h, err := g.CreateSession(context.Background(), newRequest(uuid.New()))
	require.NoError(t, err)
	g.FailConfirm(h.Token, 10, false)

	_, err = ConfirmWithRetry(context.Background(), g, h.Token, fastPolicy(2))
	assert.ErrorIs(t, err, domain.ErrGatewayUnavailable)

	state, err := g.Status(context.Background(), h.Token)
	require.NoError(t, err)
	assert.Equal(t, domain.SessionRedirected, state)
}

func TestConfirmWithRetry_PermanentErrorStopsImmediately(t *testing.T) {
	g := &countingGateway{
		SimulationGateway: NewSimulationGateway("http://x/confirm", domain.OutcomeApproved),
		err:               errors.New("card brand not supported"),
	}

	_, err := ConfirmWithRetry(context.Background(), g, "tok", fastPolicy(5))
	require.Error(t, err)
	assert.NotErrorIs(t, err, domain.ErrGatewayUnavailable)
	assert.Equal(t, 1, g.calls)
}

func TestConfirmWithRetry_CountsAttempts(t *testing.T) {
	g := &countingGateway{
		SimulationGateway: NewSimulationGateway("http://x/confirm", domain.OutcomeApproved),
		err:               domain.ErrGatewayUnavailable,
	}

	_, err := ConfirmWithRetry(context.Background(), g, "tok", fastPolicy(3))
	assert.ErrorIs(t, err, domain.ErrGatewayUnavailable)
	assert.Equal(t, 4, g.calls)
}
