package forecast

import (
	"context"
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/branchops/impact/internal/api"
	"github.com/branchops/impact/internal/metricsource"
)

// NotPossibleReason prefixes the base reason when no usable baseline exists
const NotPossibleReason = "forecast not possible"

// Params tunes the multiplicative forecast model
type Params struct {
	BaseMonths           int     // recent months averaged into the base
	MinOwnMonths         int     // own months required before falling back to similar branches
	TrendMonths          int     // months used for the month-over-month trend
	SparseMonths         int     // fewer base months than this → LOW confidence
	HighConfidenceMonths int     // own history needed for HIGH confidence
	TrendMin             float64 // trend coefficient clamp
	TrendMax             float64
	FactorDefaults       map[string]float64 // index per factor type when no estimate is given
}

// DefaultParams returns the production forecast configuration
func DefaultParams() Params {
	return Params{
		BaseMonths:           3,
		MinOwnMonths:         3,
		TrendMonths:          3,
		SparseMonths:         2,
		HighConfidenceMonths: 12,
		TrendMin:             0.5,
		TrendMax:             2.0,
		FactorDefaults: map[string]float64{
			"EXAM":       0.85,
			"HOLIDAY":    1.10,
			"WEATHER":    0.95,
			"COMPETITOR": 0.90,
		},
	}
}

// Request identifies the branch and window to forecast
type Request struct {
	Branch api.Branch
	Window api.Window
}

// Forecaster produces an expected-revenue baseline when no comparable history exists
type Forecaster struct {
	source metricsource.Source
	params Params
}

// New creates a forecaster reading history from src
func New(src metricsource.Source, params Params) *Forecaster {
	return &Forecaster{source: src, params: params}
}

// base is the outcome of step 1: where the base came from and what it was built on
type base struct {
	daily      float64
	months     int // months that fed the base average
	history    []api.MonthRevenue
	mix        []api.MonthRevenue
	fallback   bool
	similarIDs []string
}

// Forecast computes expected = max(0, base × season × external × trend).
// Source errors are returned; missing history is not an error and yields
// Possible=false with a zero expectation, as does an expectation adjusted
// down to zero.
func (f *Forecaster) Forecast(ctx context.Context, req Request) (api.Forecast, error) {
	if err := req.Window.Validate(); err != nil {
		return api.Forecast{}, fmt.Errorf("forecast window: %w", err)
	}

	own, err := f.source.MonthlyRevenues(ctx, req.Branch.ID, req.Window.Start)
	if err != nil {
		return api.Forecast{}, fmt.Errorf("monthly revenues for %s: %w", req.Branch.ID, err)
	}
	own = withData(own)

	b, err := f.baseFor(ctx, req.Branch, req.Window, own)
	if err != nil {
		return api.Forecast{}, err
	}
	if b == nil {
		return api.Forecast{
			SeasonIndex:         1.0,
			ExternalFactorIndex: 1.0,
			TrendCoefficient:    1.0,
			Confidence:          api.ConfidenceLow,
			Breakdown: api.ForecastBreakdown{
				BaseRevenueReason:    NotPossibleReason + ": no revenue history for branch or similar branches",
				SeasonReason:         "no monthly history",
				ExternalFactorReason: "not evaluated",
				TrendReason:          "no monthly history",
			},
		}, nil
	}

	factors, err := f.source.ExternalFactors(ctx, req.Window, []string{req.Branch.ID})
	if err != nil {
		return api.Forecast{}, fmt.Errorf("external factors for %s: %w", req.Branch.ID, err)
	}

	fc := api.Forecast{
		BaseRevenue:         b.daily * float64(req.Window.Days()),
		Possible:            true,
		UsedSimilarBranches: b.fallback,
	}
	fc.Breakdown.BaseRevenueReason = baseReason(b, req.Window)
	fc.SeasonIndex, fc.Breakdown.SeasonReason = SeasonIndex(b.history, req.Window.Start.Month())
	fc.ExternalFactorIndex, fc.Breakdown.ExternalFactorReason = f.ExternalFactorIndex(factors)
	fc.TrendCoefficient, fc.Breakdown.TrendReason = f.Trend(own)

	fc.ExpectedRevenue = math.Max(0, fc.BaseRevenue*fc.SeasonIndex*fc.ExternalFactorIndex*fc.TrendCoefficient)
	fc.Confidence = f.confidence(b, len(own))
	fc.ByTicketType = apportion(fc.ExpectedRevenue, b.mix)

	// A zero expectation is no baseline: growth against it is undefined.
	if fc.ExpectedRevenue == 0 {
		fc.Possible = false
		fc.Breakdown.BaseRevenueReason = fmt.Sprintf("%s: adjusted expectation is zero (%s)", NotPossibleReason, fc.Breakdown.BaseRevenueReason)
	}
	return fc, nil
}

// baseFor implements step 1: own recent history first, then similar branches,
// then whatever partial own history exists. nil means no data anywhere.
func (f *Forecaster) baseFor(ctx context.Context, branch api.Branch, w api.Window, own []api.MonthRevenue) (*base, error) {
	if len(own) >= f.params.MinOwnMonths {
		recent := lastN(own, f.params.BaseMonths)
		return &base{daily: meanDaily(recent), months: len(recent), history: own, mix: recent}, nil
	}

	pool, err := f.source.Branches(ctx)
	if err != nil {
		return nil, fmt.Errorf("branch pool: %w", err)
	}

	var (
		dailies []float64
		history []api.MonthRevenue
		mix     []api.MonthRevenue
		ids     []string
		months  int
	)
	for _, cand := range pool {
		if !branch.SimilarTo(cand) {
			continue
		}
		hist, err := f.source.MonthlyRevenues(ctx, cand.ID, w.Start)
		if err != nil {
			return nil, fmt.Errorf("monthly revenues for similar branch %s: %w", cand.ID, err)
		}
		hist = withData(hist)
		if len(hist) == 0 {
			continue
		}
		recent := lastN(hist, f.params.BaseMonths)
		dailies = append(dailies, meanDaily(recent))
		history = append(history, hist...)
		mix = append(mix, recent...)
		ids = append(ids, cand.ID)
		if len(recent) > months {
			months = len(recent)
		}
	}

	if len(dailies) > 0 {
		return &base{daily: mean(dailies), months: months, history: history, mix: mix, fallback: true, similarIDs: ids}, nil
	}
	if len(own) > 0 {
		recent := lastN(own, f.params.BaseMonths)
		return &base{daily: meanDaily(recent), months: len(recent), history: own, mix: recent}, nil
	}
	return nil, nil
}

func baseReason(b *base, w api.Window) string {
	if b.fallback {
		return fmt.Sprintf("average daily revenue %.0f of %d similar branches (%s) × %d days",
			b.daily, len(b.similarIDs), strings.Join(b.similarIDs, ","), w.Days())
	}
	return fmt.Sprintf("own average daily revenue %.0f over last %d months × %d days", b.daily, b.months, w.Days())
}

// SeasonIndex is the mean total of month m divided by the mean monthly total
// over history. 1.0 when there is no history or no month m in it.
func SeasonIndex(history []api.MonthRevenue, m time.Month) (float64, string) {
	if len(history) == 0 {
		return 1.0, "no monthly history, season index 1.0"
	}
	var all, same []float64
	for _, h := range history {
		all = append(all, h.Summary.Total)
		if h.Month.Month() == m {
			same = append(same, h.Summary.Total)
		}
	}
	overall := mean(all)
	if len(same) == 0 || overall == 0 {
		return 1.0, fmt.Sprintf("no history for %s, season index 1.0", m)
	}
	idx := mean(same) / overall
	return idx, fmt.Sprintf("%s average %.0f vs all-month average %.0f", m, mean(same), overall)
}

// ExternalFactorIndex averages one multiplier per overlapping factor
func (f *Forecaster) ExternalFactorIndex(factors []api.ExternalFactor) (float64, string) {
	if len(factors) == 0 {
		return 1.0, "no external factors"
	}
	idx := make([]float64, 0, len(factors))
	names := make([]string, 0, len(factors))
	for _, fac := range factors {
		v := 1.0
		if fac.ImpactEstimate != 0 {
			v = 1 + fac.ImpactEstimate
		} else if d, ok := f.params.FactorDefaults[strings.ToUpper(fac.Type)]; ok {
			v = d
		}
		idx = append(idx, v)
		names = append(names, fmt.Sprintf("%s=%.2f", fac.Type, v))
	}
	return mean(idx), "averaged " + strings.Join(names, ", ")
}

// Trend is the mean month-over-month ratio of daily-average revenue over the
// last TrendMonths own months, clamped to [TrendMin, TrendMax].
func (f *Forecaster) Trend(own []api.MonthRevenue) (float64, string) {
	recent := lastN(own, f.params.TrendMonths)
	if len(recent) < 2 {
		return 1.0, "fewer than two months of own history, trend 1.0"
	}
	var ratios []float64
	for i := 1; i < len(recent); i++ {
		prev := recent[i-1].DailyAverage()
		if prev <= 0 {
			continue
		}
		ratios = append(ratios, recent[i].DailyAverage()/prev)
	}
	if len(ratios) == 0 {
		return 1.0, "no usable month-over-month ratios, trend 1.0"
	}
	t := mean(ratios)
	reason := fmt.Sprintf("mean month-over-month ratio %.3f over %d months", t, len(recent))
	if t < f.params.TrendMin || t > f.params.TrendMax {
		t = math.Min(f.params.TrendMax, math.Max(f.params.TrendMin, t))
		reason += fmt.Sprintf(", clamped to %.2f", t)
	}
	return t, reason
}

func (f *Forecaster) confidence(b *base, ownMonths int) api.Confidence {
	switch {
	case b.months < f.params.SparseMonths:
		return api.ConfidenceLow
	case !b.fallback && ownMonths >= f.params.HighConfidenceMonths:
		return api.ConfidenceHigh
	default:
		return api.ConfidenceMedium
	}
}

// apportion splits expected across ticket types by the historical category mix
func apportion(expected float64, months []api.MonthRevenue) map[api.TicketType]float64 {
	var total float64
	byType := make(map[api.TicketType]float64, len(api.TicketTiers))
	for _, m := range months {
		for _, t := range api.TicketTiers {
			v := m.Summary.ByTicket(t)
			byType[t] += v
			total += v
		}
	}
	if total == 0 {
		return nil
	}
	out := make(map[api.TicketType]float64, len(byType))
	for t, v := range byType {
		out[t] = expected * v / total
	}
	return out
}

func withData(months []api.MonthRevenue) []api.MonthRevenue {
	out := months[:0:0]
	for _, m := range months {
		if m.Summary.Total > 0 {
			out = append(out, m)
		}
	}
	return out
}

func lastN(months []api.MonthRevenue, n int) []api.MonthRevenue {
	if n <= 0 || len(months) <= n {
		return months
	}
	return months[len(months)-n:]
}

func meanDaily(months []api.MonthRevenue) float64 {
	if len(months) == 0 {
		return 0
	}
	var sum float64
	for _, m := range months {
		sum += m.DailyAverage()
	}
	return sum / float64(len(months))
}

func mean(xs []float64) float64 {
	if len(xs) == 0 {
		return 0
	}
	var sum float64
	for _, x := range xs {
		sum += x
	}
	return sum / float64(len(xs))
}
