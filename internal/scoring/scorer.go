package scoring

import (
	"fmt"
	"math"

	"github.com/branchops/impact/internal/api"
	"github.com/branchops/impact/internal/migration"
)

// Reasons for zero-valued sub-scores
const (
	ReasonForecastNotPossible = "forecast not possible"
	ReasonNoSignificantChange = "no significant change"
	ReasonSegmentNegligible   = "segment change negligible"
)

// Input is everything the scorer needs for one branch
type Input struct {
	RevenueGrowth         float64
	RevenueGrowthAdjusted *float64 // net of control growth, nil when undefined
	ForecastImpossible    bool
	VisitsGrowth          float64
	Significance          api.SignificanceResult
	Effect                api.EffectSize
	NewCustomers          int
	ReturnedCustomers     int
	Migrations            []api.SegmentMigration
	Upgrades              []api.TicketUpgrade
}

// EffectiveGrowth is the net-of-control growth when available, else raw growth
func (in Input) EffectiveGrowth() float64 {
	if in.RevenueGrowthAdjusted != nil {
		return *in.RevenueGrowthAdjusted
	}
	return in.RevenueGrowth
}

// Scorer combines analysis outputs into a bounded score and verdict
type Scorer struct {
	policy Policy
}

// NewScorer creates a scorer for a validated policy
func NewScorer(p Policy) (*Scorer, error) {
	if err := p.Validate(); err != nil {
		return nil, err
	}
	return &Scorer{policy: p}, nil
}

// Policy returns the scorer's policy
func (s *Scorer) Policy() Policy {
	return s.policy
}

// Score computes the six sub-scores and the clamped total
func (s *Scorer) Score(in Input) api.ScoreBreakdown {
	b := api.ScoreBreakdown{
		RevenueGrowth: s.revenue(in),
		VisitsGrowth:  s.visits(in.VisitsGrowth),
		Statistical:   s.statistical(in),
		Customer:      s.customers(in.NewCustomers, in.ReturnedCustomers),
		Segment:       s.segment(in.Migrations),
		TicketUpgrade: s.upgrades(in.Upgrades),
	}
	b.TotalScore = math.Min(s.policy.ScoreMax, math.Max(s.policy.ScoreMin, b.Sum()))
	return b
}

// Verdict maps a total score to its label
func (s *Scorer) Verdict(total float64) api.Verdict {
	for _, t := range s.policy.Verdicts {
		if total >= t.Min {
			return t.Verdict
		}
	}
	return s.policy.Fallback
}

var defaultScorer = &Scorer{policy: DefaultPolicy()}

// VerdictFor maps a total score to its label under DefaultPolicy
func VerdictFor(total float64) api.Verdict {
	return defaultScorer.Verdict(total)
}

func (s *Scorer) revenue(in Input) api.SubScore {
	if in.ForecastImpossible {
		return api.SubScore{Reason: ReasonForecastNotPossible}
	}
	g := in.EffectiveGrowth()
	label := "revenue growth"
	if in.RevenueGrowthAdjusted != nil {
		label = "revenue growth net of control"
	}
	pts, th, ok := s.policy.RevenueGrowth.Points(g)
	if !ok {
		return api.SubScore{Reason: fmt.Sprintf("%s %.1f%% flat", label, g)}
	}
	return api.SubScore{Value: pts, Reason: fmt.Sprintf("%s %.1f%% %s %g%%", label, g, cmp(g, th), th)}
}

func (s *Scorer) visits(g float64) api.SubScore {
	pts, th, ok := s.policy.VisitsGrowth.Points(g)
	if !ok {
		return api.SubScore{Reason: fmt.Sprintf("visit growth %.1f%% within normal range", g)}
	}
	return api.SubScore{Value: pts, Reason: fmt.Sprintf("visit growth %.1f%% %s %g%%", g, cmp(g, th), th)}
}

func (s *Scorer) statistical(in Input) api.SubScore {
	var v float64
	var reason string
	if in.Significance.IsSignificant {
		switch g := in.EffectiveGrowth(); {
		case g > 0:
			v, reason = s.policy.SignificantGain, fmt.Sprintf("significant increase (p=%.3f)", in.Significance.PValue)
		case g < 0:
			v, reason = s.policy.SignificantLoss, fmt.Sprintf("significant decrease (p=%.3f)", in.Significance.PValue)
		}
	}

	switch in.Effect.Interpretation {
	case api.EffectLarge:
		v += s.policy.LargeEffectBonus
		reason = join(reason, fmt.Sprintf("large effect (d=%.2f)", in.Effect.D))
	case api.EffectMedium:
		v += s.policy.MediumEffectBonus
		reason = join(reason, fmt.Sprintf("medium effect (d=%.2f)", in.Effect.D))
	}

	if reason == "" {
		reason = ReasonNoSignificantChange
	}
	return api.SubScore{Value: v, Reason: reason}
}

func (s *Scorer) customers(newCount, returned int) api.SubScore {
	var v float64
	var reason string
	if pts, th, ok := s.policy.NewCustomers.Points(float64(newCount)); ok {
		v += pts
		reason = fmt.Sprintf("%d new customers > %g", newCount, th)
	}
	if pts, th, ok := s.policy.ReturnedCustomers.Points(float64(returned)); ok {
		v += pts
		reason = join(reason, fmt.Sprintf("%d returned customers > %g", returned, th))
	}
	if reason == "" {
		reason = fmt.Sprintf("%d new, %d returned customers", newCount, returned)
	}
	return api.SubScore{Value: v, Reason: reason}
}

// SegmentSum is the weighted migration sum before bucketing
func (s *Scorer) SegmentSum(ms []api.SegmentMigration) float64 {
	w := s.policy.SegmentWeights
	var sum float64
	for _, m := range ms {
		n := float64(m.Count)
		if m.To == api.SegmentVIP || m.To == api.SegmentLoyal {
			sum += w.Upgrade * n
		}
		if !m.To.IsActive() {
			sum += w.Decline * n
		}
		if !m.From.IsActive() && m.To.IsActive() {
			sum += w.Recovery * n
		}
	}
	return sum
}

func (s *Scorer) segment(ms []api.SegmentMigration) api.SubScore {
	sum := s.SegmentSum(ms)
	pts, th, ok := s.policy.Segment.Points(sum)
	if !ok {
		return api.SubScore{Reason: fmt.Sprintf("%s (weighted %.1f)", ReasonSegmentNegligible, sum)}
	}
	return api.SubScore{Value: pts, Reason: fmt.Sprintf("weighted segment change %.1f %s %g", sum, cmp(sum, th), th)}
}

func (s *Scorer) upgrades(us []api.TicketUpgrade) api.SubScore {
	total := migration.TotalUpgrades(us)
	pts, th, ok := s.policy.TicketUpgrades.Points(float64(total))
	if !ok {
		return api.SubScore{Reason: fmt.Sprintf("%d ticket upgrades", total)}
	}
	return api.SubScore{Value: pts, Reason: fmt.Sprintf("%d ticket upgrades > %g", total, th)}
}

func cmp(v, th float64) string {
	if v > th {
		return ">"
	}
	return "<"
}

func join(a, b string) string {
	if a == "" {
		return b
	}
	return a + ", " + b
}
