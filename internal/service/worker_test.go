package service

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vanshika/uplink/internal/domain"
)

func TestReferralWaves_OrdersReferrersFirst(t *testing.T) {
	users := []SignUpInput{
		{UID: "D", ReferralCode: "C"},
		{UID: "C", ReferralCode: "B"},
		{UID: "B", ReferralCode: "A"},
		{UID: "A"},
		{UID: "X", ReferralCode: "outside"},
		{UID: "L1", ReferralCode: "L2"},
		{UID: "L2", ReferralCode: "L1"},
	}
	waves := referralWaves(users)

	depth := map[string]int{}
	for d, wave := range waves {
		for _, u := range wave {
			depth[u.UID] = d
		}
	}
	assert.Len(t, depth, len(users))
	assert.Equal(t, 0, depth["A"])
	assert.Equal(t, 0, depth["X"])
	assert.Less(t, depth["A"], depth["B"])
	assert.Less(t, depth["B"], depth["C"])
	assert.Less(t, depth["C"], depth["D"])
	assert.NotEqual(t, depth["L1"], depth["L2"])
}

func TestBulkIngestor_IngestUsers(t *testing.T) {
	f := newFixture(t)
	ingestor := NewBulkIngestor(f.members, f.engine, fastRetrier(3), 3)

	users := []SignUpInput{
		{UID: "C", Name: "Cara", ReferralCode: "B"},
		{UID: "B", Name: "Ben", ReferralCode: "A", Active: true},
		{UID: "A", Name: "Ana", Active: true},
		{UID: "D", Name: "Dev", ReferralCode: "A"},
	}
	require.NoError(t, ingestor.IngestUsers(context.Background(), users))

	chain, err := f.members.Upline(context.Background(), "C")
	require.NoError(t, err)
	assert.Equal(t, []string{"B", "A", adminUID}, uids(chain))

	for uid, want := range map[string]domain.ActivationState{
		"A": domain.ActivationActive,
		"B": domain.ActivationActive,
		"C": domain.ActivationFree,
		"D": domain.ActivationFree,
	} {
		user, err := f.members.Profile(context.Background(), uid)
		require.NoError(t, err)
		assert.Equal(t, want, user.ActivationState, uid)
		assert.Zero(t, user.TotalBalance, uid)
	}

	// Re-running the import leaves members untouched.
	require.NoError(t, ingestor.IngestUsers(context.Background(), users))
	history, err := f.members.Transitions(context.Background(), "A")
	require.NoError(t, err)
	assert.Len(t, history, 2)
}

func TestBulkIngestor_ReplayEvents(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.signUp(t, "A", "")
	f.activate(t, "A")
	f.signUp(t, "B", "A")
	f.signUp(t, "C", "B")
	ingestor := NewBulkIngestor(f.members, f.engine, fastRetrier(3), 4)

	events := []EventInput{
		{IdempotencyKey: "activation:B", SourceUID: "B", Type: "activation", BaseAmount: 80000},
		{IdempotencyKey: "activation:B", SourceUID: "B", Type: "ACTIVATION", BaseAmount: 80000},
		{IdempotencyKey: "earning:C:1", SourceUID: "C", Type: "EARNING", BaseAmount: 1000},
	}
	summary, err := ingestor.ReplayEvents(ctx, events)
	require.NoError(t, err)

	assert.Equal(t, 3, summary.Events)
	// B's activation credits A and the root once; C's earning forfeits B and credits A and the root.
	assert.Equal(t, int64(4), summary.Applied)
	assert.Equal(t, int64(2), summary.Replayed)
	assert.Equal(t, int64(1), summary.Forfeited)
	assert.Equal(t, int64(40000+16000+200+100), summary.Amount)
	assert.Zero(t, summary.Conflicts)

	conflicting := []EventInput{{IdempotencyKey: "earning:C:1", SourceUID: "C", Type: "EARNING", BaseAmount: 999}}
	summary, err = ingestor.ReplayEvents(ctx, conflicting)
	require.NoError(t, err)
	assert.Equal(t, int64(1), summary.Conflicts)
	assert.Equal(t, int64(40000+200), f.balance(t, "A"))
}

func TestBulkIngestor_CollectsFailures(t *testing.T) {
	f := newFixture(t)
	ingestor := NewBulkIngestor(f.members, f.engine, fastRetrier(1), 2)

	summary, err := ingestor.ReplayEvents(context.Background(), []EventInput{
		{IdempotencyKey: "k1", SourceUID: "ghost", Type: "EARNING", BaseAmount: 10},
		{IdempotencyKey: "k2", SourceUID: adminUID, Type: "BONUS", BaseAmount: 10},
	})
	require.Error(t, err)
	var taskErr *TaskError
	require.True(t, errors.As(err, &taskErr))
	assert.Len(t, taskErr.Errors, 2)
	assert.ErrorIs(t, err, domain.ErrNotFound)
	assert.ErrorIs(t, err, domain.ErrInvalidInput)
	assert.Zero(t, summary.Applied)
}
