package service

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vanshika/uplink/internal/config"
	"github.com/vanshika/uplink/internal/domain"
	"github.com/vanshika/uplink/internal/ledger"
	"github.com/vanshika/uplink/internal/metrics"
	"github.com/vanshika/uplink/internal/notify"
	"github.com/vanshika/uplink/internal/referral"
)

const adminUID = "ADMIN_DEFAULT_UID_001"

// tickingClock advances one second per call so records get distinct timestamps.
type tickingClock struct {
	mu  sync.Mutex
	now time.Time
}

func newTickingClock() *tickingClock {
	return &tickingClock{now: time.Date(2024, 3, 1, 9, 0, 0, 0, time.UTC)}
}

func (c *tickingClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(time.Second)
	return c.now
}

type fixture struct {
	store   *ledger.MemoryStore
	engine  *Engine
	members *MembershipService
	clock   *tickingClock
}

func newFixture(t *testing.T, opts ...Option) *fixture {
	t.Helper()
	store := ledger.NewMemoryStore()
	calc, err := referral.NewCalculator(referral.Policy{
		MaxLevel:   4,
		Activation: referral.NewPercentSchedule(5000, 2000, 1000, 500),
	})
	require.NoError(t, err)

	clock := newTickingClock()
	engine := NewEngine(store, calc, opts...)
	engine.WithClock(clock.Now)
	members := NewMembershipService(store, engine, config.CommissionConfig{RootUID: adminUID, PlanPrice: 80000}, opts...)
	members.WithClock(clock.Now)

	_, err = members.EnsureRoot(context.Background())
	require.NoError(t, err)
	return &fixture{store: store, engine: engine, members: members, clock: clock}
}

func (f *fixture) signUp(t *testing.T, uid, code string) domain.UserNode {
	t.Helper()
	user, _, err := f.members.SignUp(context.Background(), SignUpInput{UID: uid, Name: "User " + uid, ReferralCode: code})
	require.NoError(t, err)
	return user
}

func (f *fixture) activate(t *testing.T, uid string) {
	t.Helper()
	ctx := context.Background()
	_, err := f.members.TransitionActivation(ctx, uid, domain.ActivationPending, "test")
	require.NoError(t, err)
	_, err = f.members.TransitionActivation(ctx, uid, domain.ActivationActive, "test")
	require.NoError(t, err)
}

func (f *fixture) balance(t *testing.T, uid string) int64 {
	t.Helper()
	user, err := f.store.GetUser(context.Background(), uid)
	require.NoError(t, err)
	return user.TotalBalance
}

func activationEvent(source string) domain.Event {
	return domain.Event{
		IdempotencyKey: "activation:" + source,
		SourceUID:      source,
		Type:           domain.EventActivation,
		BaseAmount:     80000,
	}
}

func TestEngine_ActiveReferrerScenario(t *testing.T) {
	f := newFixture(t)
	f.signUp(t, "A", "")
	f.signUp(t, "B", "A")
	f.activate(t, "A")

	res, err := f.engine.Propagate(context.Background(), activationEvent("B"))
	require.NoError(t, err)

	require.Len(t, res.Applied, 2)
	assert.Equal(t, "A", res.Applied[0].RecipientUID)
	assert.Equal(t, 1, res.Applied[0].Level)
	assert.Equal(t, int64(40000), res.Applied[0].Amount)
	assert.Equal(t, adminUID, res.Applied[1].RecipientUID)
	assert.Equal(t, 2, res.Applied[1].Level)
	assert.Equal(t, int64(16000), res.Applied[1].Amount)
	assert.Empty(t, res.Forfeited)
	assert.False(t, res.Replay)
	assert.Equal(t, int64(56000), res.TotalApplied())

	assert.Equal(t, int64(40000), f.balance(t, "A"))
	assert.Equal(t, int64(16000), f.balance(t, adminUID))
	assert.Equal(t, "User B", res.Applied[0].SourceName)
}

func TestEngine_FreeReferrerForfeitsLevelOne(t *testing.T) {
	f := newFixture(t)
	f.signUp(t, "A", "")
	f.signUp(t, "B", "A")

	res, err := f.engine.Propagate(context.Background(), activationEvent("B"))
	require.NoError(t, err)

	require.Len(t, res.Applied, 1)
	assert.Equal(t, adminUID, res.Applied[0].RecipientUID)
	assert.Equal(t, int64(16000), res.Applied[0].Amount)
	require.Len(t, res.Forfeited, 1)
	assert.Equal(t, domain.Payout{RecipientUID: "A", Level: 1, Amount: 0, Forfeited: true}, res.Forfeited[0])

	assert.Equal(t, int64(0), f.balance(t, "A"))
	assert.Equal(t, int64(16000), f.balance(t, adminUID))
}

func TestEngine_ReplayIsIdempotent(t *testing.T) {
	f := newFixture(t)
	f.signUp(t, "A", "")
	f.signUp(t, "B", "A")
	f.activate(t, "A")
	ctx := context.Background()

	first, err := f.engine.Propagate(ctx, activationEvent("B"))
	require.NoError(t, err)
	second, err := f.engine.Propagate(ctx, activationEvent("B"))
	require.NoError(t, err)

	assert.True(t, second.Replay)
	assert.Empty(t, second.Applied)
	require.Len(t, second.Replayed, 2)
	for i := range first.Applied {
		assert.Equal(t, first.Applied[i].ID, second.Replayed[i].ID)
	}

	assert.Equal(t, int64(40000), f.balance(t, "A"))
	assert.Equal(t, int64(16000), f.balance(t, adminUID))
	records, err := f.store.ListCommissions(ctx, domain.CommissionQuery{RecipientUID: "A"})
	require.NoError(t, err)
	assert.Len(t, records, 1)
}

func TestEngine_KeyReusedForDifferentEvent(t *testing.T) {
	f := newFixture(t)
	f.signUp(t, "A", "")
	f.signUp(t, "B", "A")
	f.activate(t, "A")
	ctx := context.Background()

	_, err := f.engine.Propagate(ctx, activationEvent("B"))
	require.NoError(t, err)

	changed := activationEvent("B")
	changed.BaseAmount = 100000
	_, err = f.engine.Propagate(ctx, changed)
	require.ErrorIs(t, err, domain.ErrIdempotencyConflict)
	assert.False(t, domain.Retryable(err))
	assert.Equal(t, int64(40000), f.balance(t, "A"))
}

func TestEngine_ConcurrentDeliveriesOfOneEvent(t *testing.T) {
	f := newFixture(t)
	f.signUp(t, "A", "")
	f.signUp(t, "B", "A")
	f.activate(t, "A")

	var wg sync.WaitGroup
	errs := make(chan error, 16)
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := f.engine.Propagate(context.Background(), activationEvent("B")); err != nil {
				errs <- err
			}
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		t.Fatalf("unexpected error: %v", err)
	}

	assert.Equal(t, int64(40000), f.balance(t, "A"))
	assert.Equal(t, int64(16000), f.balance(t, adminUID))
}

func TestEngine_ConcurrentEventsToOneRecipient(t *testing.T) {
	f := newFixture(t)
	f.signUp(t, "A", "")
	f.activate(t, "A")
	const sources = 20
	for i := 0; i < sources; i++ {
		f.signUp(t, fmt.Sprintf("S%02d", i), "A")
	}

	var wg sync.WaitGroup
	for i := 0; i < sources; i++ {
		wg.Add(1)
		go func(uid string) {
			defer wg.Done()
			_, err := f.engine.Propagate(context.Background(), activationEvent(uid))
			assert.NoError(t, err)
		}(fmt.Sprintf("S%02d", i))
	}
	wg.Wait()

	assert.Equal(t, int64(sources*40000), f.balance(t, "A"))
	assert.Equal(t, int64(sources*16000), f.balance(t, adminUID))
}

func TestEngine_ValidatesEvent(t *testing.T) {
	f := newFixture(t)
	f.signUp(t, "A", "")
	ctx := context.Background()

	cases := []struct {
		name string
		ev   domain.Event
		want error
	}{
		{"missing key", domain.Event{SourceUID: "A", Type: domain.EventEarning, BaseAmount: 1}, domain.ErrInvalidInput},
		{"missing source", domain.Event{IdempotencyKey: "k", Type: domain.EventEarning, BaseAmount: 1}, domain.ErrInvalidInput},
		{"unknown type", domain.Event{IdempotencyKey: "k", SourceUID: "A", Type: "BONUS", BaseAmount: 1}, domain.ErrInvalidInput},
		{"negative base", domain.Event{IdempotencyKey: "k", SourceUID: "A", Type: domain.EventEarning, BaseAmount: -1}, domain.ErrInvariantViolation},
		{"unknown source", domain.Event{IdempotencyKey: "k", SourceUID: "ghost", Type: domain.EventEarning, BaseAmount: 1}, domain.ErrNotFound},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := f.engine.Propagate(ctx, tc.ev)
			assert.ErrorIs(t, err, tc.want)
		})
	}
}

func TestEngine_RootSourceHasNoUpline(t *testing.T) {
	f := newFixture(t)
	res, err := f.engine.Propagate(context.Background(), domain.Event{
		IdempotencyKey: "earning:root:1",
		SourceUID:      adminUID,
		Type:           domain.EventEarning,
		BaseAmount:     5000,
	})
	require.NoError(t, err)
	assert.Empty(t, res.Applied)
	assert.Empty(t, res.Forfeited)
}

func TestEngine_CorruptedChainIsReported(t *testing.T) {
	f := newFixture(t)
	now := time.Now().UTC()
	f.store.Seed([]domain.UserNode{
		{UID: "X", UplineUID: "Y", ActivationState: domain.ActivationActive, CreatedAt: now},
		{UID: "Y", UplineUID: "X", ActivationState: domain.ActivationActive, CreatedAt: now},
		{UID: "Z", UplineUID: "missing", ActivationState: domain.ActivationActive, CreatedAt: now},
	}, nil)

	_, err := f.engine.Propagate(context.Background(), domain.Event{IdempotencyKey: "k1", SourceUID: "X", Type: domain.EventEarning, BaseAmount: 100})
	assert.ErrorIs(t, err, domain.ErrCycleDetected)
	_, err = f.engine.Propagate(context.Background(), domain.Event{IdempotencyKey: "k2", SourceUID: "Z", Type: domain.EventEarning, BaseAmount: 100})
	assert.ErrorIs(t, err, domain.ErrDanglingReference)
}

func TestEngine_StoreOutageConvergesOnRetry(t *testing.T) {
	f := newFixture(t)
	f.signUp(t, "A", "")
	f.signUp(t, "B", "A")
	f.activate(t, "A")
	ctx := context.Background()

	f.store.WithUnavailable(context.DeadlineExceeded)
	_, err := f.engine.Propagate(ctx, activationEvent("B"))
	require.ErrorIs(t, err, domain.ErrStoreUnavailable)
	assert.True(t, domain.Retryable(err))

	f.store.WithUnavailable(nil)
	res, err := f.engine.Propagate(ctx, activationEvent("B"))
	require.NoError(t, err)
	assert.False(t, res.Replay)
	assert.Equal(t, int64(40000), f.balance(t, "A"))
}

func TestEngine_PublishesAndMeasures(t *testing.T) {
	hub := notify.NewHub()
	m := metrics.New(prometheus.NewRegistry())
	f := newFixture(t, WithFeed(hub), WithMetrics(m))
	f.signUp(t, "A", "")
	f.signUp(t, "B", "A")
	f.activate(t, "A")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	changes, unsubscribe := hub.Subscribe(ctx, "A")
	defer unsubscribe()

	_, err := f.engine.Propagate(ctx, activationEvent("B"))
	require.NoError(t, err)

	var kinds []notify.Kind
	timeout := time.After(time.Second)
	for len(kinds) < 2 {
		select {
		case change := <-changes:
			kinds = append(kinds, change.Kind)
			if change.Kind == notify.KindCommission {
				assert.Equal(t, int64(40000), change.Commission.Amount)
			}
			if change.Kind == notify.KindProfile {
				assert.Equal(t, int64(40000), change.Profile.TotalBalance)
			}
		case <-timeout:
			t.Fatalf("expected two changes, got %v", kinds)
		}
	}
	assert.Equal(t, []notify.Kind{notify.KindCommission, notify.KindProfile}, kinds)

	assert.Equal(t, 1.0, testutil.ToFloat64(m.Propagations.WithLabelValues("ACTIVATION", "ok")))
	assert.Equal(t, 40000.0, testutil.ToFloat64(m.CommissionAmount.WithLabelValues("1")))
	assert.Equal(t, 2.0, testutil.ToFloat64(m.ActivationChanges.WithLabelValues("FREE", "PENDING"))+testutil.ToFloat64(m.ActivationChanges.WithLabelValues("PENDING", "ACTIVE")))
}
