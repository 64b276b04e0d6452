package referral

import (
	"fmt"

	"github.com/vanshika/uplink/internal/domain"
)

// Calculator turns an event and its resolved upline into per-level payouts.
type Calculator struct {
	policy Policy
}

// NewCalculator validates the policy and returns a Calculator.
func NewCalculator(policy Policy) (*Calculator, error) {
	if err := policy.Validate(); err != nil {
		return nil, err
	}
	return &Calculator{policy: policy}, nil
}

// MaxLevel is the deepest level that can be paid.
func (c *Calculator) MaxLevel() int {
	return c.policy.MaxLevel
}

// Compute returns one payout per chain member that has a scheduled level.
// Members that are not ACTIVE forfeit their level: the payout is zero and the
// amount is not moved to any other level.
func (c *Calculator) Compute(event domain.Event, chain []domain.UserNode) ([]domain.Payout, error) {
	if event.BaseAmount < 0 {
		return nil, fmt.Errorf("base amount %d: %w", event.BaseAmount, domain.ErrInvariantViolation)
	}
	schedule := c.policy.ScheduleFor(event.Type)

	levels := len(chain)
	if levels > len(schedule) {
		levels = len(schedule)
	}

	payouts := make([]domain.Payout, 0, levels)
	for i := 0; i < levels; i++ {
		member := chain[i]
		payout := domain.Payout{
			RecipientUID: member.UID,
			Level:        i + 1,
		}
		if !member.IsActive() {
			payout.Forfeited = true
			payouts = append(payouts, payout)
			continue
		}
		amount, err := schedule[i].Amount(event.BaseAmount)
		if err != nil {
			return nil, fmt.Errorf("level %d: %w", i+1, err)
		}
		payout.Amount = amount
		payouts = append(payouts, payout)
	}
	return payouts, nil
}
