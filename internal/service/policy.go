package service

import (
	"github.com/vanshika/uplink/internal/config"
	"github.com/vanshika/uplink/internal/referral"
)

// PolicyFromConfig converts the configured commission schedules.
func PolicyFromConfig(cfg config.CommissionConfig) referral.Policy {
	return referral.Policy{
		MaxLevel:   cfg.MaxLevel,
		Activation: toSchedule(cfg.ActivationSchedule),
		Earning:    toSchedule(cfg.EarningSchedule),
	}
}

func toSchedule(rates []config.LevelRate) referral.Schedule {
	if len(rates) == 0 {
		return nil
	}
	s := make(referral.Schedule, len(rates))
	for i, r := range rates {
		s[i] = referral.LevelRate{BasisPoints: r.BasisPoints, Flat: r.Flat}
	}
	return s
}
