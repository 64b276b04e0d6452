package activation

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vanshika/uplink/internal/domain"
	"github.com/vanshika/uplink/internal/ledger"
)

func newMachine(t *testing.T, state domain.ActivationState) (*Machine, *ledger.MemoryStore) {
	t.Helper()
	store := ledger.NewMemoryStore()
	store.Seed([]domain.UserNode{{UID: "U", UplineUID: "R", ActivationState: state, PlanType: domain.PlanFree}}, nil)
	m := NewMachine(store)
	m.WithClock(func() time.Time { return time.Date(2024, 1, 2, 3, 4, 5, 0, time.UTC) })
	return m, store
}

func TestCanTransition(t *testing.T) {
	cases := []struct {
		from, to domain.ActivationState
		ok       bool
	}{
		{domain.ActivationFree, domain.ActivationPending, true},
		{domain.ActivationPending, domain.ActivationActive, true},
		{domain.ActivationPending, domain.ActivationFree, true},
		{domain.ActivationFree, domain.ActivationActive, false},
		{domain.ActivationActive, domain.ActivationFree, false},
		{domain.ActivationActive, domain.ActivationPending, false},
		{domain.ActivationFree, domain.ActivationFree, false},
		{domain.ActivationActive, domain.ActivationActive, false},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.ok, CanTransition(tc.from, tc.to), "%s → %s", tc.from, tc.to)
	}
}

func TestTransition_FreeToActiveRejected(t *testing.T) {
	m, _ := newMachine(t, domain.ActivationFree)
	_, _, err := m.Transition(context.Background(), "U", domain.ActivationActive, "shortcut")
	require.ErrorIs(t, err, domain.ErrInvalidTransition)
}

func TestTransition_FullPath(t *testing.T) {
	m, store := newMachine(t, domain.ActivationFree)
	ctx := context.Background()

	user, rec, err := m.Transition(ctx, "U", domain.ActivationPending, "payment intent")
	require.NoError(t, err)
	assert.Equal(t, domain.ActivationPending, user.ActivationState)
	assert.Equal(t, domain.ActivationFree, rec.From)

	user, _, err = m.Transition(ctx, "U", domain.ActivationActive, "payment confirmed")
	require.NoError(t, err)
	assert.Equal(t, domain.ActivationActive, user.ActivationState)
	assert.Equal(t, domain.PlanPaid, user.PlanType)

	_, _, err = m.Transition(ctx, "U", domain.ActivationFree, "refund")
	require.ErrorIs(t, err, domain.ErrInvalidTransition)

	history, err := store.ListTransitions(ctx, "U")
	require.NoError(t, err)
	require.Len(t, history, 2)
	assert.Equal(t, time.Date(2024, 1, 2, 3, 4, 5, 0, time.UTC), history[1].At)
}

func TestTransition_PendingBackToFree(t *testing.T) {
	m, _ := newMachine(t, domain.ActivationPending)
	user, _, err := m.Transition(context.Background(), "U", domain.ActivationFree, "payment timeout")
	require.NoError(t, err)
	assert.Equal(t, domain.ActivationFree, user.ActivationState)
	assert.Equal(t, domain.PlanFree, user.PlanType)
}

func TestTransition_UnknownUser(t *testing.T) {
	m, _ := newMachine(t, domain.ActivationFree)
	_, _, err := m.Transition(context.Background(), "nobody", domain.ActivationPending, "")
	require.ErrorIs(t, err, domain.ErrNotFound)
}

func TestParseState(t *testing.T) {
	s, err := ParseState(" pending ")
	require.NoError(t, err)
	assert.Equal(t, domain.ActivationPending, s)

	_, err = ParseState("gold")
	require.ErrorIs(t, err, domain.ErrInvalidInput)
}
