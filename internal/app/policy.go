package app

import (
	"context"
	"errors"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/rs/zerolog/log"

	"github.com/dkeye/Consult/internal/core"
	"github.com/dkeye/Consult/internal/domain"
)

// RetryPolicy decides how channel operations are retried.
// Only domain.ErrChannel failures are retried.
type RetryPolicy struct {
	InitialInterval time.Duration
	MaxInterval     time.Duration
	MaxElapsed      time.Duration
	MaxRetries      uint64
}

func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		InitialInterval: 200 * time.Millisecond,
		MaxInterval:     5 * time.Second,
		MaxElapsed:      30 * time.Second,
		MaxRetries:      5,
	}
}

// Retryable reports whether err is a transient channel failure.
func Retryable(err error) bool {
	if err == nil || !errors.Is(err, domain.ErrChannel) {
		return false
	}
	return !errors.Is(err, domain.ErrNotFound) && !errors.Is(err, domain.ErrPermissionDenied)
}

func (p RetryPolicy) backOff(ctx context.Context) backoff.BackOff {
	var b backoff.BackOff = backoff.NewExponentialBackOff(
		backoff.WithInitialInterval(p.InitialInterval),
		backoff.WithMaxInterval(p.MaxInterval),
		backoff.WithMaxElapsedTime(p.MaxElapsed),
	)
	if p.MaxRetries > 0 {
		b = backoff.WithMaxRetries(b, p.MaxRetries)
	}
	return backoff.WithContext(b, ctx)
}

// Do runs fn until it succeeds, fails permanently or the policy gives up.
func (p RetryPolicy) Do(ctx context.Context, op string, fn func() error) error {
	attempt := 0
	err := backoff.Retry(func() error {
		attempt++
		err := fn()
		if err == nil {
			return nil
		}
		if !Retryable(err) {
			return backoff.Permanent(err)
		}
		log.Warn().Str("module", "app.retry").Str("op", op).Int("attempt", attempt).Err(err).Msg("retrying")
		return err
	}, p.backOff(ctx))
	return err
}

// RetryingChannel applies a RetryPolicy to every core.Channel call.
type RetryingChannel struct {
	inner  core.Channel
	policy RetryPolicy
}

var _ core.Channel = (*RetryingChannel)(nil)

func WithRetry(ch core.Channel, p RetryPolicy) *RetryingChannel {
	return &RetryingChannel{inner: ch, policy: p}
}

func (c *RetryingChannel) Publish(ctx context.Context, env domain.Envelope) (domain.Envelope, error) {
	var out domain.Envelope
	err := c.policy.Do(ctx, "publish", func() error {
		var err error
		out, err = c.inner.Publish(ctx, env)
		return err
	})
	return out, err
}

func (c *RetryingChannel) Subscribe(ctx context.Context, sid domain.SessionID) (core.Subscription, error) {
	var out core.Subscription
	err := c.policy.Do(ctx, "subscribe", func() error {
		var err error
		out, err = c.inner.Subscribe(ctx, sid)
		return err
	})
	return out, err
}

func (c *RetryingChannel) History(ctx context.Context, sid domain.SessionID, f core.HistoryFilter) ([]domain.Envelope, error) {
	var out []domain.Envelope
	err := c.policy.Do(ctx, "history", func() error {
		var err error
		out, err = c.inner.History(ctx, sid, f)
		return err
	})
	return out, err
}
