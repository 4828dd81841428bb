package visit

import (
	"github.com/branchops/impact/internal/api"
	"github.com/branchops/impact/internal/metricsource"
)

// DefaultPeakHour is reported when a histogram has no visits at all
const DefaultPeakHour = 14

// FallbackMonths is the trailing period substituted for an empty comparison window
const FallbackMonths = 3

// Input carries raw visit aggregates for both windows
type Input struct {
	VisitsBefore int
	UniqueBefore int
	VisitsAfter  int
	UniqueAfter  int
	BeforeDays   int // length of the comparison (or substituted) window
	AfterDays    int // length of the intervention window
	HourlyBefore metricsource.Hours
	HourlyAfter  metricsource.Hours
}

// Analyze computes visits-per-customer change and peak-hour shift.
// The "before" average is scaled by AfterDays/BeforeDays when the window
// lengths differ.
func Analyze(in Input) api.VisitPattern {
	var p api.VisitPattern
	p.AvgVisitsBefore = perCustomer(in.VisitsBefore, in.UniqueBefore)
	p.AvgVisitsAfter = perCustomer(in.VisitsAfter, in.UniqueAfter)

	p.AvgVisitsBeforeNormalized = p.AvgVisitsBefore
	if in.BeforeDays > 0 && in.AfterDays > 0 && in.BeforeDays != in.AfterDays {
		p.AvgVisitsBeforeNormalized = p.AvgVisitsBefore * float64(in.AfterDays) / float64(in.BeforeDays)
		p.Normalized = true
	}
	p.FrequencyChange = api.GrowthRate(p.AvgVisitsBeforeNormalized, p.AvgVisitsAfter)

	p.PeakHourBefore = PeakHour(in.HourlyBefore)
	p.PeakHourAfter = PeakHour(in.HourlyAfter)
	p.PeakHourShift = p.PeakHourAfter - p.PeakHourBefore
	return p
}

// PeakHour is the arg-max of h, earliest hour on ties, DefaultPeakHour when empty
func PeakHour(h metricsource.Hours) int {
	peak, best := DefaultPeakHour, 0
	for hour, n := range h {
		if n > best {
			peak, best = hour, n
		}
	}
	return peak
}

func perCustomer(visits, unique int) float64 {
	if unique == 0 {
		return 0
	}
	return float64(visits) / float64(unique)
}
