package payment

import (
	"context"
	"errors"
	"time"

	"ferremas-settlement/internal/domain"

	"github.com/cenkalti/backoff/v4"
)

type RetryPolicy struct {
	MaxRetries      uint64
	InitialInterval time.Duration
	MaxInterval     time.Duration
	AttemptTimeout  time.Duration
}

func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxRetries:      3,
		InitialInterval: 200 * time.Millisecond,
		MaxInterval:     2 * time.Second,
		AttemptTimeout:  10 * time.Second,
	}
}

// ConfirmWithRetry calls Confirm until it succeeds, fails with anything other
// than ErrGatewayUnavailable, or the policy is exhausted.
func ConfirmWithRetry(ctx context.Context, g PaymentGateway, token string, p RetryPolicy) (Confirmation, error) {
	b := backoff.NewExponentialBackOff()
	if p.InitialInterval > 0 {
		b.InitialInterval = p.InitialInterval
	}
	if p.MaxInterval > 0 {
		b.MaxInterval = p.MaxInterval
	}
	b.MaxElapsedTime = 0

	op := func() (Confirmation, error) {
		attemptCtx := ctx
		if p.AttemptTimeout > 0 {
			var cancel context.CancelFunc
			attemptCtx, cancel = context.WithTimeout(ctx, p.AttemptTimeout)
			defer cancel()
		}
		c, err := g.Confirm(attemptCtx, token)
		if err == nil {
			return c, nil
		}
		if errors.Is(err, domain.ErrGatewayUnavailable) || errors.Is(err, context.DeadlineExceeded) {
			return Confirmation{}, err
		}
		return Confirmation{}, backoff.Permanent(err)
	}

	c, err := backoff.RetryWithData(op, backoff.WithContext(backoff.WithMaxRetries(b, p.MaxRetries), ctx))
	if err != nil && errors.Is(err, context.DeadlineExceeded) && !errors.Is(err, domain.ErrGatewayUnavailable) {
		err = errors.Join(domain.ErrGatewayUnavailable, err)
	}
	return c, err
}
