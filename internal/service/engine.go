package service

import (
	"context"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/vanshika/uplink/internal/domain"
	"github.com/vanshika/uplink/internal/ledger"
	"github.com/vanshika/uplink/internal/metrics"
	"github.com/vanshika/uplink/internal/notify"
	"github.com/vanshika/uplink/internal/referral"
)

// Engine turns a qualifying downline event into commission records. It holds
// no locks: the store's ApplyEvent is the only serialization point, so
// concurrent calls for the same or different events are safe.
type Engine struct {
	store    ledger.Store
	resolver *referral.Resolver
	calc     *referral.Calculator
	feed     notify.Feed
	metrics  *metrics.Metrics
	log      *zap.Logger
	nowFn    func() time.Time
}

// Option configures optional collaborators of the engine and services.
type Option func(*options)

type options struct {
	feed    notify.Feed
	metrics *metrics.Metrics
	log     *zap.Logger
}

// WithFeed publishes committed changes to feed.
func WithFeed(feed notify.Feed) Option {
	return func(o *options) { o.feed = feed }
}

// WithMetrics records outcomes on m.
func WithMetrics(m *metrics.Metrics) Option {
	return func(o *options) { o.metrics = m }
}

// WithLogger sets the logger.
func WithLogger(log *zap.Logger) Option {
	return func(o *options) { o.log = log }
}

func collect(opts []Option) options {
	o := options{log: zap.NewNop()}
	for _, opt := range opts {
		opt(&o)
	}
	if o.log == nil {
		o.log = zap.NewNop()
	}
	return o
}

// NewEngine wires the resolver and calculator over store.
func NewEngine(store ledger.Store, calc *referral.Calculator, opts ...Option) *Engine {
	o := collect(opts)
	return &Engine{
		store:    store,
		resolver: referral.NewResolver(store),
		calc:     calc,
		feed:     o.feed,
		metrics:  o.metrics,
		log:      o.log.With(zap.String("component", "engine")),
		nowFn:    time.Now,
	}
}

// WithClock overrides the time provider (used primarily in tests).
func (e *Engine) WithClock(nowFn func() time.Time) {
	if nowFn != nil {
		e.nowFn = nowFn
	}
}

// Propagate credits the upline of ev.SourceUID. Replaying an event with the
// same idempotency key converges on the same records and balances; reusing the
// key for a different event fails with domain.ErrIdempotencyConflict.
func (e *Engine) Propagate(ctx context.Context, ev domain.Event) (result domain.ApplicationResult, err error) {
	defer func() {
		e.metrics.ObservePropagation(string(ev.Type), domain.KindOf(err))
	}()

	if err := validateEvent(ev); err != nil {
		return domain.ApplicationResult{}, err
	}

	source, err := e.store.GetUser(ctx, ev.SourceUID)
	if err != nil {
		return domain.ApplicationResult{}, fmt.Errorf("source %s: %w", ev.SourceUID, err)
	}
	chain, err := e.resolver.ResolveUpline(ctx, source.UID, e.calc.MaxLevel())
	if err != nil {
		return domain.ApplicationResult{}, err
	}
	payouts, err := e.calc.Compute(ev, chain)
	if err != nil {
		return domain.ApplicationResult{}, err
	}

	now := e.nowFn().UTC()
	at := ev.OccurredAt.UTC()
	if ev.OccurredAt.IsZero() {
		at = now
	}

	var (
		records   []domain.CommissionRecord
		forfeited []domain.Payout
	)
	for _, p := range payouts {
		if p.Forfeited {
			forfeited = append(forfeited, p)
			continue
		}
		if p.Amount == 0 {
			continue
		}
		key := domain.CommissionKey(ev.IdempotencyKey, p.RecipientUID, p.Level)
		records = append(records, domain.CommissionRecord{
			ID:           domain.CommissionID(key),
			Key:          key,
			EventKey:     ev.IdempotencyKey,
			RecipientUID: p.RecipientUID,
			SourceUID:    source.UID,
			SourceName:   source.Name,
			EventType:    ev.Type,
			Level:        p.Level,
			Amount:       p.Amount,
			Timestamp:    at,
		})
	}

	outcome, err := e.store.ApplyEvent(ctx, domain.EventApplication{
		Event: domain.AppliedEvent{
			Key:         ev.IdempotencyKey,
			SourceUID:   source.UID,
			Type:        ev.Type,
			Fingerprint: ev.Fingerprint(),
			AppliedAt:   now,
		},
		Records: records,
	})
	if err != nil {
		e.log.Warn("apply event failed",
			zap.String("event_key", ev.IdempotencyKey),
			zap.String("kind", domain.KindOf(err)),
			zap.Error(err))
		return domain.ApplicationResult{}, err
	}

	result = domain.ApplicationResult{
		EventKey:  ev.IdempotencyKey,
		SourceUID: source.UID,
		Applied:   outcome.Inserted,
		Replayed:  outcome.Existing,
		Forfeited: forfeited,
		Replay:    outcome.EventSeen,
	}

	for _, rec := range outcome.Inserted {
		e.metrics.ObserveCommission(rec.Level, rec.Amount)
	}
	for _, p := range forfeited {
		e.metrics.ObserveForfeit(p.Level)
	}
	e.log.Info("event propagated",
		zap.String("event_key", ev.IdempotencyKey),
		zap.String("source_uid", source.UID),
		zap.String("type", string(ev.Type)),
		zap.Int("applied", len(outcome.Inserted)),
		zap.Int("replayed", len(outcome.Existing)),
		zap.Int("forfeited", len(forfeited)),
		zap.Int64("total", result.TotalApplied()))

	e.publish(ctx, outcome.Inserted)
	return result, nil
}

// publish notifies recipients after the commit. Failures are logged only.
func (e *Engine) publish(ctx context.Context, inserted []domain.CommissionRecord) {
	if e.feed == nil {
		return
	}
	for i := range inserted {
		rec := inserted[i]
		now := e.nowFn().UTC()
		if err := e.feed.Publish(ctx, notify.Change{Kind: notify.KindCommission, UID: rec.RecipientUID, Commission: &rec, At: now}); err != nil {
			e.log.Warn("publish commission change", zap.String("uid", rec.RecipientUID), zap.Error(err))
		}
		user, err := e.store.GetUser(ctx, rec.RecipientUID)
		if err != nil {
			e.log.Warn("reload recipient", zap.String("uid", rec.RecipientUID), zap.Error(err))
			continue
		}
		if err := e.feed.Publish(ctx, notify.Change{Kind: notify.KindProfile, UID: user.UID, Profile: &user, At: now}); err != nil {
			e.log.Warn("publish profile change", zap.String("uid", user.UID), zap.Error(err))
		}
	}
}

func validateEvent(ev domain.Event) error {
	switch {
	case strings.TrimSpace(ev.IdempotencyKey) == "":
		return fmt.Errorf("idempotency key is required: %w", domain.ErrInvalidInput)
	case strings.TrimSpace(ev.SourceUID) == "":
		return fmt.Errorf("source uid is required: %w", domain.ErrInvalidInput)
	case !ev.Type.Valid():
		return fmt.Errorf("unknown event type %q: %w", ev.Type, domain.ErrInvalidInput)
	case ev.BaseAmount < 0:
		return fmt.Errorf("base amount %d: %w", ev.BaseAmount, domain.ErrInvariantViolation)
	}
	return nil
}
