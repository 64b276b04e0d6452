package generator

import (
	"context"
	"fmt"
	"math/rand"
	"strings"
	"time"

	"github.com/vanshika/uplink/internal/service"
)

// Dataset contains the generated members and their qualifying events.
type Dataset struct {
	Users  []service.SignUpInput `json:"users"`
	Events []service.EventInput  `json:"events"`
}

// Generator produces synthetic referral networks. Members are emitted in
// sign-up order, so a referral code always names an earlier member.
type Generator struct {
	cfg           Config
	rand          *rand.Rand
	nameFragments nameFragments
}

// New returns a configured Generator instance.
func New(cfg Config) *Generator {
	def := DefaultConfig()
	if cfg.NumUsers <= 0 {
		cfg.NumUsers = def.NumUsers
	}
	if cfg.EarningsPerUser < 0 {
		cfg.EarningsPerUser = def.EarningsPerUser
	}
	if cfg.ActiveChance < 0 {
		cfg.ActiveChance = def.ActiveChance
	}
	if cfg.DeepChance < 0 {
		cfg.DeepChance = def.DeepChance
	}
	if cfg.OrphanChance < 0 {
		cfg.OrphanChance = def.OrphanChance
	}
	if cfg.PlanPrice <= 0 {
		cfg.PlanPrice = def.PlanPrice
	}
	if cfg.Seed == 0 {
		cfg.Seed = time.Now().UnixNano()
	}

	return &Generator{
		cfg:           cfg,
		rand:          rand.New(rand.NewSource(cfg.Seed)),
		nameFragments: defaultNameFragments(),
	}
}

// recentWindow bounds how far back a deep referral may look.
const recentWindow = 8

// Generate synthesises members and events. It respects context cancellation.
func (g *Generator) Generate(ctx context.Context) (Dataset, error) {
	users := make([]service.SignUpInput, g.cfg.NumUsers)
	start := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	var events []service.EventInput

	for i := 0; i < g.cfg.NumUsers; i++ {
		if err := ctx.Err(); err != nil {
			return Dataset{}, err
		}

		uid := fmt.Sprintf("MBR-%06d", i+1)
		first, last := g.randomName()
		users[i] = service.SignUpInput{
			UID:          uid,
			Name:         first + " " + last,
			Email:        g.randomEmail(first, last, i),
			ReferralCode: g.pickReferrer(users[:i]),
			Active:       g.rand.Float64() < g.cfg.ActiveChance,
		}

		if users[i].Active {
			at := start.Add(time.Duration(i) * time.Minute)
			events = append(events, service.EventInput{
				IdempotencyKey: "activation:" + uid,
				SourceUID:      uid,
				Type:           "ACTIVATION",
				BaseAmount:     g.cfg.PlanPrice,
				OccurredAt:     &at,
			})
		}
	}

	total := int(float64(g.cfg.NumUsers) * g.cfg.EarningsPerUser)
	for n := 0; n < total; n++ {
		if err := ctx.Err(); err != nil {
			return Dataset{}, err
		}
		source := users[g.rand.Intn(len(users))]
		at := start.Add(time.Duration(g.cfg.NumUsers+n) * time.Minute)
		events = append(events, service.EventInput{
			IdempotencyKey: fmt.Sprintf("earning:%s:%07d", source.UID, n+1),
			SourceUID:      source.UID,
			Type:           "EARNING",
			BaseAmount:     int64(100 + g.rand.Intn(9900)),
			OccurredAt:     &at,
		})
	}

	return Dataset{Users: users, Events: events}, nil
}

func (g *Generator) pickReferrer(earlier []service.SignUpInput) string {
	if len(earlier) == 0 || g.rand.Float64() < g.cfg.OrphanChance {
		return ""
	}
	if g.rand.Float64() < g.cfg.DeepChance {
		window := recentWindow
		if window > len(earlier) {
			window = len(earlier)
		}
		return earlier[len(earlier)-1-g.rand.Intn(window)].UID
	}
	return earlier[g.rand.Intn(len(earlier))].UID
}

func (g *Generator) randomName() (string, string) {
	return g.nameFragments.first[g.rand.Intn(len(g.nameFragments.first))],
		g.nameFragments.last[g.rand.Intn(len(g.nameFragments.last))]
}

func (g *Generator) randomEmail(first, last string, n int) string {
	domain := g.nameFragments.domains[g.rand.Intn(len(g.nameFragments.domains))]
	return fmt.Sprintf("%s.%s%d@%s", strings.ToLower(first), strings.ToLower(last), n, domain)
}

type nameFragments struct {
	first   []string
	last    []string
	domains []string
}

func defaultNameFragments() nameFragments {
	return nameFragments{
		first:   []string{"Jane", "John", "Alex", "Priya", "Liu", "Maria", "Omar", "Sofia", "Noah", "Emma", "Lucas", "Mia", "Ava", "Ethan", "Zara"},
		last:    []string{"Doe", "Smith", "Chen", "Patel", "Garcia", "Khan", "Kim", "Ivanov", "Nguyen", "Silva", "Brown", "Lee"},
		domains: []string{"example.com", "mail.com", "uplink.app", "members.net"},
	}
}
