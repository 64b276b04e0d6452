package generator

// Config drives the synthetic referral tree generator.
type Config struct {
	NumUsers int
	// EarningsPerUser is the average number of EARNING events per member.
	EarningsPerUser float64
	// ActiveChance is the probability that a member paid for activation.
	ActiveChance float64
	// DeepChance is the probability that a member is referred by one of the
	// most recent members, which produces long chains instead of a flat tree.
	DeepChance float64
	// OrphanChance is the probability that a member signed up without a code.
	OrphanChance float64
	PlanPrice    int64
	Seed         int64
}

// DefaultConfig returns baseline settings for a demo-sized network.
func DefaultConfig() Config {
	return Config{
		NumUsers:        5000,
		EarningsPerUser: 3,
		ActiveChance:    0.6,
		DeepChance:      0.4,
		OrphanChance:    0.05,
		PlanPrice:       80000,
		Seed:            42,
	}
}
