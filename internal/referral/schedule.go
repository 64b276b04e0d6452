package referral

import (
	"fmt"
	"math"

	"github.com/vanshika/uplink/internal/domain"
)

const basisPointsDenominator = 10000

// LevelRate is the payout rule for one level: a share of the base amount in
// basis points plus an optional flat amount, both in minor currency units.
type LevelRate struct {
	BasisPoints int64 `yaml:"basis_points"`
	Flat        int64 `yaml:"flat"`
}

// Schedule holds the per-level payout rules. Index 0 is level 1.
type Schedule []LevelRate

// NewPercentSchedule builds a schedule from basis points only.
func NewPercentSchedule(bps ...int64) Schedule {
	s := make(Schedule, len(bps))
	for i, v := range bps {
		s[i] = LevelRate{BasisPoints: v}
	}
	return s
}

// Validate rejects negative rates and schedules longer than maxLevel.
func (s Schedule) Validate(maxLevel int) error {
	if len(s) == 0 {
		return fmt.Errorf("schedule is empty: %w", domain.ErrInvalidInput)
	}
	if len(s) > maxLevel {
		return fmt.Errorf("schedule has %d levels, max level is %d: %w", len(s), maxLevel, domain.ErrInvalidInput)
	}
	for i, rate := range s {
		if rate.BasisPoints < 0 || rate.Flat < 0 {
			return fmt.Errorf("level %d has a negative rate: %w", i+1, domain.ErrInvalidInput)
		}
	}
	return nil
}

// Amount applies the level's rule to base. Overflow and negative inputs are
// invariant violations; the result is never clamped.
func (r LevelRate) Amount(base int64) (int64, error) {
	if base < 0 || r.BasisPoints < 0 || r.Flat < 0 {
		return 0, fmt.Errorf("negative operand (base=%d bps=%d flat=%d): %w", base, r.BasisPoints, r.Flat, domain.ErrInvariantViolation)
	}
	if r.BasisPoints != 0 && base > math.MaxInt64/r.BasisPoints {
		return 0, fmt.Errorf("base %d overflows at %d bps: %w", base, r.BasisPoints, domain.ErrInvariantViolation)
	}
	share := base * r.BasisPoints / basisPointsDenominator
	if share > math.MaxInt64-r.Flat {
		return 0, fmt.Errorf("flat %d overflows share %d: %w", r.Flat, share, domain.ErrInvariantViolation)
	}
	return share + r.Flat, nil
}

// Policy bundles the configured depth and schedules.
type Policy struct {
	MaxLevel   int
	Activation Schedule
	Earning    Schedule
}

// ScheduleFor returns the schedule for an event type. Earning events use the
// activation schedule when no earning schedule is configured.
func (p Policy) ScheduleFor(t domain.EventType) Schedule {
	if t == domain.EventEarning && len(p.Earning) > 0 {
		return p.Earning
	}
	return p.Activation
}

// Validate checks the depth and both schedules.
func (p Policy) Validate() error {
	if p.MaxLevel <= 0 {
		return fmt.Errorf("max level must be positive, got %d: %w", p.MaxLevel, domain.ErrInvalidInput)
	}
	if err := p.Activation.Validate(p.MaxLevel); err != nil {
		return fmt.Errorf("activation schedule: %w", err)
	}
	if len(p.Earning) > 0 {
		if err := p.Earning.Validate(p.MaxLevel); err != nil {
			return fmt.Errorf("earning schedule: %w", err)
		}
	}
	return nil
}
