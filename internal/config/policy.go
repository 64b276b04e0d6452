package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// PolicyFile is the YAML form of the commission policy:
//
//	root_uid: ADMIN_DEFAULT_UID_001
//	max_level: 4
//	plan_price: 80000
//	activation:
//	  - basis_points: 5000
//	  - basis_points: 2000
//	earning:
//	  - basis_points: 1000
//	    flat: 100
type PolicyFile struct {
	RootUID    string      `yaml:"root_uid"`
	MaxLevel   int         `yaml:"max_level"`
	PlanPrice  int64       `yaml:"plan_price"`
	Activation []LevelRate `yaml:"activation"`
	Earning    []LevelRate `yaml:"earning"`
}

// LoadPolicyFile decodes a policy file. Unknown keys are rejected.
func LoadPolicyFile(path string) (PolicyFile, error) {
	f, err := os.Open(path)
	if err != nil {
		return PolicyFile{}, fmt.Errorf("open policy file %s: %w", path, err)
	}
	defer f.Close()

	var pf PolicyFile
	dec := yaml.NewDecoder(f)
	dec.KnownFields(true)
	if err := dec.Decode(&pf); err != nil {
		return PolicyFile{}, fmt.Errorf("decode policy file %s: %w", path, err)
	}
	return pf, nil
}

// applyPolicyFile overlays the non-zero values of the file on cfg.
func applyPolicyFile(path string, cfg *CommissionConfig) error {
	pf, err := LoadPolicyFile(path)
	if err != nil {
		return err
	}
	if pf.RootUID != "" {
		cfg.RootUID = pf.RootUID
	}
	if pf.MaxLevel > 0 {
		cfg.MaxLevel = pf.MaxLevel
	}
	if pf.PlanPrice > 0 {
		cfg.PlanPrice = pf.PlanPrice
	}
	if len(pf.Activation) > 0 {
		cfg.ActivationSchedule = pf.Activation
	}
	if len(pf.Earning) > 0 {
		cfg.EarningSchedule = pf.Earning
	}
	return nil
}
