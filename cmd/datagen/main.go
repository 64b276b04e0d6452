package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"time"

	"github.com/vanshika/uplink/internal/generator"
)

func main() {
	cfg := generator.DefaultConfig()
	var (
		users        = flag.Int("users", cfg.NumUsers, "number of members to generate")
		earnings     = flag.Float64("earnings-per-user", cfg.EarningsPerUser, "average EARNING events per member")
		activeChance = flag.Float64("active-chance", cfg.ActiveChance, "probability that a member paid for activation")
		deepChance   = flag.Float64("deep-chance", cfg.DeepChance, "probability of referral by a recent member, producing long chains")
		orphanChance = flag.Float64("orphan-chance", cfg.OrphanChance, "probability of signing up without a referral code")
		planPrice    = flag.Int64("plan-price", cfg.PlanPrice, "activation plan price in minor units")
		seed         = flag.Int64("seed", cfg.Seed, "random seed for deterministic generation")
		outputDir    = flag.String("output-dir", "data", "directory to write users.json and events.json")
		writeStdout  = flag.Bool("stdout", false, "write combined dataset to stdout instead of files")
	)
	flag.Parse()

	genCfg := generator.Config{
		NumUsers:        *users,
		EarningsPerUser: *earnings,
		ActiveChance:    clampProbability(*activeChance),
		DeepChance:      clampProbability(*deepChance),
		OrphanChance:    clampProbability(*orphanChance),
		PlanPrice:       *planPrice,
		Seed:            *seed,
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
	defer cancel()

	gen := generator.New(genCfg)
	dataset, err := gen.Generate(ctx)
	if err != nil {
		fmt.Fprintf(os.Stderr, "generation failed: %v\n", err)
		os.Exit(1)
	}

	if *writeStdout {
		if err := json.NewEncoder(os.Stdout).Encode(dataset); err != nil {
			fmt.Fprintf(os.Stderr, "failed to write dataset to stdout: %v\n", err)
			os.Exit(1)
		}
		return
	}

	if err := generator.WriteDataset(dataset, *outputDir); err != nil {
		fmt.Fprintf(os.Stderr, "failed to write dataset: %v\n", err)
		os.Exit(1)
	}

	fmt.Fprintf(os.Stdout, "Generated %d members and %d events into %s\n", len(dataset.Users), len(dataset.Events), *outputDir)
}

func clampProbability(value float64) float64 {
	if value < 0 {
		return 0
	}
	if value > 1 {
		return 1
	}
	return value
}
