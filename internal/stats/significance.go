package stats

import (
	"math"

	"github.com/branchops/impact/internal/api"
	"gonum.org/v1/gonum/stat"
	"gonum.org/v1/gonum/stat/distuv"
)

// Alpha is the significance threshold for the two-sided test
const Alpha = 0.05

// Effect size breakpoints on |d|
const (
	SmallEffect  = 0.2
	MediumEffect = 0.5
	LargeEffect  = 0.8
)

// Neutral is returned when a series is too short to test or neither side varies
var Neutral = api.SignificanceResult{IsSignificant: false, PValue: 1, TStatistic: 0}

// NeutralEffect pairs with Neutral
var NeutralEffect = api.EffectSize{D: 0, Interpretation: api.EffectNone}

// Test runs Welch's unequal-variance t-test and Cohen's d on daily revenue.
// before is the comparison window series, after the intervention window.
func Test(before, after []float64) (api.SignificanceResult, api.EffectSize) {
	if len(before) < 2 || len(after) < 2 {
		return Neutral, NeutralEffect
	}
	return WelchTTest(before, after), CohensD(before, after)
}

// WelchTTest computes the t statistic (after − before) and its two-tailed p-value
func WelchTTest(before, after []float64) api.SignificanceResult {
	if len(before) < 2 || len(after) < 2 {
		return Neutral
	}

	m1, v1 := stat.MeanVariance(before, nil)
	m2, v2 := stat.MeanVariance(after, nil)
	n1 := float64(len(before))
	n2 := float64(len(after))

	// Zero variance on both sides leaves t undefined (±Inf or NaN), even when
	// the means differ. The shift then shows in growth, not significance.
	se2 := v1/n1 + v2/n2
	if se2 == 0 || math.IsNaN(se2) {
		return Neutral
	}

	t := (m2 - m1) / math.Sqrt(se2)

	// Welch-Satterthwaite degrees of freedom
	denom := (v1/n1)*(v1/n1)/(n1-1) + (v2/n2)*(v2/n2)/(n2-1)
	df := se2 * se2 / denom
	if df < 1 || math.IsNaN(df) || math.IsInf(df, 0) {
		df = 1
	}

	dist := distuv.StudentsT{Mu: 0, Sigma: 1, Nu: df}
	p := 2 * (1 - dist.CDF(math.Abs(t)))
	p = math.Max(0, math.Min(1, p))

	return api.SignificanceResult{
		IsSignificant: p < Alpha,
		PValue:        p,
		TStatistic:    t,
	}
}

// CohensD computes (mean_after − mean_before) / pooled SD
func CohensD(before, after []float64) api.EffectSize {
	if len(before) < 2 || len(after) < 2 {
		return NeutralEffect
	}

	m1, v1 := stat.MeanVariance(before, nil)
	m2, v2 := stat.MeanVariance(after, nil)
	n1 := float64(len(before))
	n2 := float64(len(after))

	pooled := math.Sqrt(((n1-1)*v1 + (n2-1)*v2) / (n1 + n2 - 2))
	// d has no scale without spread; constant series are neutral
	if pooled == 0 || math.IsNaN(pooled) {
		return NeutralEffect
	}

	d := (m2 - m1) / pooled
	return api.EffectSize{D: d, Interpretation: Interpret(d)}
}

// Interpret buckets |d| into NONE/SMALL/MEDIUM/LARGE
func Interpret(d float64) api.EffectInterpretation {
	abs := math.Abs(d)
	switch {
	case abs < SmallEffect:
		return api.EffectNone
	case abs < MediumEffect:
		return api.EffectSmall
	case abs < LargeEffect:
		return api.EffectMedium
	default:
		return api.EffectLarge
	}
}
