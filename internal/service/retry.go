package service

import (
	"context"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.uber.org/zap"

	"github.com/vanshika/uplink/internal/config"
	"github.com/vanshika/uplink/internal/domain"
)

// Retrier re-runs operations that failed with a retryable error, backing off
// exponentially. Any other error stops it at once.
type Retrier struct {
	maxRetries uint64
	initial    time.Duration
	maxElapsed time.Duration
	log        *zap.Logger
}

// NewRetrier builds a Retrier from cfg.
func NewRetrier(cfg config.RetryConfig, log *zap.Logger) *Retrier {
	if log == nil {
		log = zap.NewNop()
	}
	return &Retrier{
		maxRetries: cfg.MaxRetries,
		initial:    cfg.InitialInterval,
		maxElapsed: cfg.MaxElapsed,
		log:        log.With(zap.String("component", "retrier")),
	}
}

func (r *Retrier) policy(ctx context.Context) backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	if r.initial > 0 {
		b.InitialInterval = r.initial
	}
	b.MaxElapsedTime = r.maxElapsed
	b.Reset()
	return backoff.WithContext(backoff.WithMaxRetries(b, r.maxRetries), ctx)
}

// Do runs fn until it succeeds, fails permanently or the retry budget is spent.
func (r *Retrier) Do(ctx context.Context, op string, fn func(ctx context.Context) error) error {
	attempt := 0
	return backoff.RetryNotify(func() error {
		attempt++
		err := fn(ctx)
		if err == nil {
			return nil
		}
		if !domain.Retryable(err) {
			return backoff.Permanent(err)
		}
		return err
	}, r.policy(ctx), func(err error, wait time.Duration) {
		r.log.Warn("retrying",
			zap.String("op", op),
			zap.Int("attempt", attempt),
			zap.Duration("wait", wait),
			zap.Error(err))
	})
}

// RetryValue is Do for operations that return a value.
func RetryValue[T any](ctx context.Context, r *Retrier, op string, fn func(ctx context.Context) (T, error)) (T, error) {
	var out T
	err := r.Do(ctx, op, func(ctx context.Context) error {
		v, err := fn(ctx)
		if err != nil {
			return err
		}
		out = v
		return nil
	})
	return out, err
}
