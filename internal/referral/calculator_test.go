package referral

import (
	"math"
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vanshika/uplink/internal/domain"
)

func defaultPolicy() Policy {
	return Policy{MaxLevel: 4, Activation: NewPercentSchedule(5000, 2000, 1000, 500)}
}

func mustCalculator(t *testing.T, p Policy) *Calculator {
	t.Helper()
	c, err := NewCalculator(p)
	require.NoError(t, err)
	return c
}

func TestCompute_AdminScenario(t *testing.T) {
	calc := mustCalculator(t, defaultPolicy())
	chain := []domain.UserNode{
		node("A", adminUID, domain.ActivationActive),
		node(adminUID, domain.RootSentinel, domain.ActivationActive),
	}
	event := domain.Event{IdempotencyKey: "k", SourceUID: "B", Type: domain.EventActivation, BaseAmount: 80000}

	payouts, err := calc.Compute(event, chain)
	require.NoError(t, err)
	require.Len(t, payouts, 2)
	assert.Equal(t, domain.Payout{RecipientUID: "A", Level: 1, Amount: 40000}, payouts[0])
	assert.Equal(t, domain.Payout{RecipientUID: adminUID, Level: 2, Amount: 16000}, payouts[1])
}

func TestCompute_InactiveMemberForfeits(t *testing.T) {
	calc := mustCalculator(t, defaultPolicy())
	chain := []domain.UserNode{
		node("A", adminUID, domain.ActivationFree),
		node(adminUID, domain.RootSentinel, domain.ActivationActive),
	}
	event := domain.Event{SourceUID: "B", Type: domain.EventActivation, BaseAmount: 80000}

	payouts, err := calc.Compute(event, chain)
	require.NoError(t, err)
	require.Len(t, payouts, 2)
	assert.Zero(t, payouts[0].Amount)
	assert.True(t, payouts[0].Forfeited)
	assert.Equal(t, int64(16000), payouts[1].Amount)
}

func TestCompute_PendingMemberForfeits(t *testing.T) {
	calc := mustCalculator(t, defaultPolicy())
	payouts, err := calc.Compute(
		domain.Event{Type: domain.EventEarning, BaseAmount: 1000},
		[]domain.UserNode{node("A", "", domain.ActivationPending)},
	)
	require.NoError(t, err)
	require.Len(t, payouts, 1)
	assert.True(t, payouts[0].Forfeited)
}

func TestCompute_ShortScheduleLimitsLevels(t *testing.T) {
	calc := mustCalculator(t, Policy{MaxLevel: 4, Activation: NewPercentSchedule(1000, 500)})
	chain := []domain.UserNode{
		node("L1", "L2", domain.ActivationActive),
		node("L2", "L3", domain.ActivationActive),
		node("L3", "", domain.ActivationActive),
	}
	payouts, err := calc.Compute(domain.Event{Type: domain.EventActivation, BaseAmount: 1000}, chain)
	require.NoError(t, err)
	assert.Len(t, payouts, 2)
}

func TestCompute_EarningScheduleWithFlatAmounts(t *testing.T) {
	calc := mustCalculator(t, Policy{
		MaxLevel:   4,
		Activation: NewPercentSchedule(5000),
		Earning:    Schedule{{BasisPoints: 1000, Flat: 5}, {Flat: 7}},
	})
	chain := []domain.UserNode{
		node("L1", "L2", domain.ActivationActive),
		node("L2", "", domain.ActivationActive),
	}
	payouts, err := calc.Compute(domain.Event{Type: domain.EventEarning, BaseAmount: 999}, chain)
	require.NoError(t, err)
	require.Len(t, payouts, 2)
	assert.Equal(t, int64(99+5), payouts[0].Amount)
	assert.Equal(t, int64(7), payouts[1].Amount)
}

func TestCompute_NegativeBaseIsInvariantViolation(t *testing.T) {
	calc := mustCalculator(t, defaultPolicy())
	_, err := calc.Compute(domain.Event{Type: domain.EventActivation, BaseAmount: -1}, nil)
	require.ErrorIs(t, err, domain.ErrInvariantViolation)
}

func TestLevelRate_OverflowIsInvariantViolation(t *testing.T) {
	_, err := LevelRate{BasisPoints: 5000}.Amount(math.MaxInt64)
	require.ErrorIs(t, err, domain.ErrInvariantViolation)
}

func TestPolicy_Validate(t *testing.T) {
	require.ErrorIs(t, Policy{MaxLevel: 0, Activation: NewPercentSchedule(1)}.Validate(), domain.ErrInvalidInput)
	require.ErrorIs(t, Policy{MaxLevel: 2, Activation: NewPercentSchedule(1, 2, 3)}.Validate(), domain.ErrInvalidInput)
	require.ErrorIs(t, Policy{MaxLevel: 2, Activation: NewPercentSchedule(-1)}.Validate(), domain.ErrInvalidInput)
	require.ErrorIs(t, Policy{MaxLevel: 2}.Validate(), domain.ErrInvalidInput)
	require.NoError(t, defaultPolicy().Validate())
}

func genChainStates(n int) gopter.Gen {
	return gen.SliceOfN(n, gen.Bool())
}

func chainFromFlags(active []bool) []domain.UserNode {
	chain := make([]domain.UserNode, len(active))
	for i, ok := range active {
		state := domain.ActivationFree
		if ok {
			state = domain.ActivationActive
		}
		chain[i] = domain.UserNode{UID: string(rune('A' + i)), ActivationState: state}
	}
	return chain
}

func TestCompute_Properties(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 200
	properties := gopter.NewProperties(parameters)

	policy := defaultPolicy()
	calc, err := NewCalculator(policy)
	require.NoError(t, err)

	properties.Property("one payout per level with exact integer amounts", prop.ForAll(
		func(length int, base int64) bool {
			active := make([]bool, length)
			for i := range active {
				active[i] = true
			}
			payouts, err := calc.Compute(domain.Event{Type: domain.EventActivation, BaseAmount: base}, chainFromFlags(active))
			if err != nil || len(payouts) != length {
				return false
			}
			for i, p := range payouts {
				if p.Level != i+1 {
					return false
				}
				if p.Amount != base*policy.Activation[i].BasisPoints/10000 {
					return false
				}
			}
			return true
		},
		gen.IntRange(1, 4),
		gen.Int64Range(0, 1_000_000_000),
	))

	properties.Property("an inactive member zeroes only its own level", prop.ForAll(
		func(active []bool, base int64) bool {
			allActive := make([]bool, len(active))
			for i := range allActive {
				allActive[i] = true
			}
			full, err := calc.Compute(domain.Event{Type: domain.EventActivation, BaseAmount: base}, chainFromFlags(allActive))
			if err != nil {
				return false
			}
			mixed, err := calc.Compute(domain.Event{Type: domain.EventActivation, BaseAmount: base}, chainFromFlags(active))
			if err != nil || len(mixed) != len(full) {
				return false
			}
			for i := range mixed {
				if active[i] && mixed[i].Amount != full[i].Amount {
					return false
				}
				if !active[i] && (mixed[i].Amount != 0 || !mixed[i].Forfeited) {
					return false
				}
			}
			return true
		},
		genChainStates(4),
		gen.Int64Range(0, 1_000_000_000),
	))

	properties.Property("computation is deterministic", prop.ForAll(
		func(active []bool, base int64) bool {
			event := domain.Event{Type: domain.EventActivation, BaseAmount: base}
			a, errA := calc.Compute(event, chainFromFlags(active))
			b, errB := calc.Compute(event, chainFromFlags(active))
			if errA != nil || errB != nil || len(a) != len(b) {
				return false
			}
			for i := range a {
				if a[i] != b[i] {
					return false
				}
			}
			return true
		},
		genChainStates(3),
		gen.Int64Range(0, 1_000_000_000),
	))

	properties.TestingRun(t)
}
