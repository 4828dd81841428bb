package scoring

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"

	"github.com/branchops/impact/internal/api"
)

// Tier awards Points when a value crosses Threshold
type Tier struct {
	Threshold float64 `json:"threshold"`
	Points    float64 `json:"points"`
}

// Ladder maps a value to points. Above tiers match value > Threshold and are
// checked first, in order; Below tiers match value < Threshold, in order.
type Ladder struct {
	Above []Tier `json:"above,omitempty"`
	Below []Tier `json:"below,omitempty"`
}

// Points returns the awarded points and the matched threshold
func (l Ladder) Points(v float64) (points float64, threshold float64, matched bool) {
	for _, t := range l.Above {
		if v > t.Threshold {
			return t.Points, t.Threshold, true
		}
	}
	for _, t := range l.Below {
		if v < t.Threshold {
			return t.Points, t.Threshold, true
		}
	}
	return 0, 0, false
}

// SegmentWeights weigh migration counts into the segment sum.
// Terms are independent: AT_RISK → VIP earns both Upgrade and Recovery.
type SegmentWeights struct {
	Upgrade  float64 `json:"upgrade"`  // into VIP or LOYAL
	Decline  float64 `json:"decline"`  // into AT_RISK or DORMANT
	Recovery float64 `json:"recovery"` // out of AT_RISK or DORMANT into an active segment
}

// VerdictTier labels totals at or above Min
type VerdictTier struct {
	Min     float64     `json:"min"`
	Verdict api.Verdict `json:"verdict"`
}

// Policy holds every scoring breakpoint
type Policy struct {
	Version string `json:"version"`

	RevenueGrowth Ladder `json:"revenue_growth"`
	VisitsGrowth  Ladder `json:"visits_growth"`

	SignificantGain   float64 `json:"significant_gain"`
	SignificantLoss   float64 `json:"significant_loss"`
	LargeEffectBonus  float64 `json:"large_effect_bonus"`
	MediumEffectBonus float64 `json:"medium_effect_bonus"`

	NewCustomers      Ladder `json:"new_customers"`
	ReturnedCustomers Ladder `json:"returned_customers"`

	SegmentWeights SegmentWeights `json:"segment_weights"`
	Segment        Ladder         `json:"segment"`

	TicketUpgrades Ladder `json:"ticket_upgrades"`

	ScoreMin float64       `json:"score_min"`
	ScoreMax float64       `json:"score_max"`
	Verdicts []VerdictTier `json:"verdicts"` // descending Min
	Fallback api.Verdict   `json:"fallback"` // below the lowest tier
}

// DefaultPolicy returns the production breakpoints
func DefaultPolicy() Policy {
	return Policy{
		Version: "1.0.0",
		RevenueGrowth: Ladder{
			Above: []Tier{{20, 30}, {10, 20}, {5, 15}, {0, 10}},
			Below: []Tier{{-10, -20}, {0, -10}},
		},
		VisitsGrowth: Ladder{
			Above: []Tier{{15, 15}, {5, 10}, {0, 5}},
			Below: []Tier{{-10, -10}},
		},
		SignificantGain:   15,
		SignificantLoss:   -5,
		LargeEffectBonus:  5,
		MediumEffectBonus: 3,
		NewCustomers: Ladder{
			Above: []Tier{{20, 10}, {10, 5}},
		},
		ReturnedCustomers: Ladder{
			Above: []Tier{{10, 5}, {5, 3}},
		},
		SegmentWeights: SegmentWeights{Upgrade: 0.5, Decline: -0.5, Recovery: 0.7},
		Segment: Ladder{
			Above: []Tier{{15, 10}, {8, 7}, {3, 4}},
			Below: []Tier{{-10, -10}, {-5, -5}},
		},
		TicketUpgrades: Ladder{
			Above: []Tier{{30, 10}, {15, 5}},
		},
		ScoreMin: 0,
		ScoreMax: 100,
		Verdicts: []VerdictTier{
			{70, api.VerdictExcellent},
			{50, api.VerdictGood},
			{30, api.VerdictNeutral},
			{10, api.VerdictPoor},
		},
		Fallback: api.VerdictFailed,
	}
}

// ValidationError is a policy validation error
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("scoring policy validation error [%s]: %s", e.Field, e.Message)
}

// Validate checks the policy is internally consistent
func (p *Policy) Validate() error {
	if p.Version == "" {
		return &ValidationError{Field: "version", Message: "version is required"}
	}
	if p.ScoreMax <= p.ScoreMin {
		return &ValidationError{Field: "score_max", Message: "must be greater than score_min"}
	}

	ladders := map[string]Ladder{
		"revenue_growth":     p.RevenueGrowth,
		"visits_growth":      p.VisitsGrowth,
		"new_customers":      p.NewCustomers,
		"returned_customers": p.ReturnedCustomers,
		"segment":            p.Segment,
		"ticket_upgrades":    p.TicketUpgrades,
	}
	for name, l := range ladders {
		for i := 1; i < len(l.Above); i++ {
			if l.Above[i].Threshold >= l.Above[i-1].Threshold {
				return &ValidationError{Field: name + ".above", Message: "thresholds must be strictly descending"}
			}
		}
		for i := 1; i < len(l.Below); i++ {
			if l.Below[i].Threshold <= l.Below[i-1].Threshold {
				return &ValidationError{Field: name + ".below", Message: "thresholds must be strictly ascending"}
			}
		}
	}

	if len(p.Verdicts) == 0 {
		return &ValidationError{Field: "verdicts", Message: "at least one verdict tier is required"}
	}
	for i := 1; i < len(p.Verdicts); i++ {
		if p.Verdicts[i].Min >= p.Verdicts[i-1].Min {
			return &ValidationError{Field: "verdicts", Message: "min must be strictly descending"}
		}
	}
	if p.Fallback == "" {
		return &ValidationError{Field: "fallback", Message: "fallback verdict is required"}
	}
	return nil
}

// Hash is a stable digest of the policy, recorded with each snapshot
func (p *Policy) Hash() (string, error) {
	b, err := json.Marshal(p)
	if err != nil {
		return "", fmt.Errorf("failed to marshal policy for hashing: %w", err)
	}
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:]), nil
}

// LoadPolicy reads a JSON policy file. Fields missing from the file keep
// their DefaultPolicy values.
func LoadPolicy(path string) (Policy, error) {
	p := DefaultPolicy()
	data, err := os.ReadFile(path)
	if err != nil {
		return Policy{}, fmt.Errorf("read scoring policy: %w", err)
	}
	if err := json.Unmarshal(data, &p); err != nil {
		return Policy{}, fmt.Errorf("parse scoring policy: %w", err)
	}
	if err := p.Validate(); err != nil {
		return Policy{}, err
	}
	return p, nil
}
