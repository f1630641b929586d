package config

import (
	"fmt"
	"math"
	"os"
	"regexp"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"

	"bountyline/internal/domain"
)

// PoolConfig is the document an organizer submits to create a pool.
type PoolConfig struct {
	ID          string         `yaml:"id,omitempty" json:"id,omitempty"`
	Name        string         `yaml:"name,omitempty" json:"name,omitempty"`
	OrganizerID string         `yaml:"organizer_id" json:"organizer_id"`
	Currency    string         `yaml:"currency" json:"currency"`
	Rules       domain.RuleSet `yaml:"rules" json:"rules"`
}

var (
	currencyPattern = regexp.MustCompile(`^[A-Z][A-Z0-9]{2,7}$`)
	poolIDPattern   = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9._-]{0,63}$`)
)

// Validate checks every field and reports all problems at once.
func (c PoolConfig) Validate() error {
	var cerr domain.ConfigError
	if c.ID != "" && !poolIDPattern.MatchString(c.ID) {
		cerr.Add("id", "must be 1-64 characters of letters, digits, '.', '_' or '-'")
	}
	if strings.TrimSpace(c.OrganizerID) == "" {
		cerr.Add("organizer_id", "is required")
	}
	if !currencyPattern.MatchString(c.Currency) {
		cerr.Add("currency", "must be an upper-case code of 3-8 characters, got %q", c.Currency)
	}
	ValidateRules(c.Rules, &cerr)
	return cerr.Err()
}

// ValidateRules appends rule-set problems to cerr.
func ValidateRules(r domain.RuleSet, cerr *domain.ConfigError) {
	switch r.Mode {
	case domain.ModeTiered:
		if len(r.Tiers) == 0 {
			cerr.Add("rules.tiers", "tiered mode requires at least one tier")
		}
		var sum int64
		overflow := false
		for i, amount := range r.Tiers {
			if amount < 0 {
				cerr.Add(fmt.Sprintf("rules.tiers[%d]", i), "must not be negative")
			}
			if i > 0 && amount >= r.Tiers[i-1] {
				cerr.Add(fmt.Sprintf("rules.tiers[%d]", i), "must be strictly less than tier %d (%d)", i-1, r.Tiers[i-1])
			}
			if next, ok := domain.AddAmounts(sum, amount); ok {
				sum = next
			} else {
				overflow = true
			}
		}
		if overflow {
			cerr.Add("rules.tiers", "sum of tiers exceeds %d", int64(math.MaxInt64))
		}
	case domain.ModeWeighted:
		if len(r.Weights) == 0 {
			cerr.Add("rules.weights", "weighted mode requires at least one criterion weight")
		}
		positive := false
		for _, criterion := range sortedCriteria(r.Weights) {
			w := r.Weights[criterion]
			if strings.TrimSpace(criterion) == "" {
				cerr.Add("rules.weights", "criterion name must not be empty")
			}
			if !finite(w) {
				cerr.Add("rules.weights."+criterion, "must be a finite number")
				continue
			}
			if w < 0 {
				cerr.Add("rules.weights."+criterion, "must not be negative")
			}
			if w > 0 {
				positive = true
			}
		}
		if len(r.Weights) > 0 && !positive {
			cerr.Add("rules.weights", "at least one weight must be positive")
		}
		if len(r.Tiers) > 0 {
			cerr.Add("rules.tiers", "not allowed in weighted mode")
		}
	default:
		cerr.Add("rules.mode", "must be %q or %q, got %q", domain.ModeTiered, domain.ModeWeighted, r.Mode)
	}
	for _, criterion := range sortedCriteria(r.Weights) {
		if r.Mode != domain.ModeTiered {
			continue
		}
		switch w := r.Weights[criterion]; {
		case !finite(w):
			cerr.Add("rules.weights."+criterion, "must be a finite number")
		case w < 0:
			cerr.Add("rules.weights."+criterion, "must not be negative")
		}
	}
	if r.PrimaryCriterion != "" && len(r.Weights) > 0 {
		if _, ok := r.Weights[r.PrimaryCriterion]; !ok {
			cerr.Add("rules.primary_criterion", "criterion %q has no weight", r.PrimaryCriterion)
		}
	}
	if r.ParticipationBounty < 0 {
		cerr.Add("rules.participation_bounty", "must be a positive amount when set")
	}
	switch {
	case !finite(r.ParticipationMinScore):
		cerr.Add("rules.participation_min_score", "must be a finite number")
	case r.ParticipationMinScore < 0:
		cerr.Add("rules.participation_min_score", "must not be negative")
	}
}

func finite(f float64) bool {
	return !math.IsNaN(f) && !math.IsInf(f, 0)
}

func sortedCriteria(weights map[string]float64) []string {
	keys := make([]string, 0, len(weights))
	for k := range weights {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// ParsePoolConfig decodes a YAML or JSON pool document and validates it.
func ParsePoolConfig(data []byte) (PoolConfig, error) {
	var cfg PoolConfig
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		var cerr domain.ConfigError
		cerr.Add("document", "cannot decode: %v", err)
		return cfg, cerr
	}
	if err := cfg.Validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

// PoolConfigFromFile reads a pool document from disk.
func PoolConfigFromFile(path string) (PoolConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return PoolConfig{}, err
	}
	return ParsePoolConfig(data)
}
