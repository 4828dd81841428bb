package period

import (
	"fmt"
	"time"

	"github.com/branchops/impact/internal/api"
)

// NewBranchMonths is the branch age (in months) below which a branch counts as new
const NewBranchMonths = 6

// Input describes what the resolver needs to pick a comparison window
type Input struct {
	OldestDataDate time.Time // zero when the branch has no data at all
	Intervention   api.Window
	BranchOpenedAt time.Time
	Override       *api.ComparisonMode
	Now            time.Time
}

// Resolution is the resolver's decision for one branch
type Resolution struct {
	Mode        api.ComparisonMode
	Window      api.Window
	HasYoYData  bool
	IsNewBranch bool
}

// Resolve picks YOY, MOM or a forced mode and computes the comparison window.
//
// A forced FORECAST still gets a nominal comparison window (YOY if history
// allows, else MOM) so callers can report what the historical baseline would
// have been.
func Resolve(in Input) (Resolution, error) {
	if err := in.Intervention.Validate(); err != nil {
		return Resolution{}, fmt.Errorf("invalid intervention window: %w", err)
	}

	res := Resolution{
		HasYoYData:  HasYoYData(in.OldestDataDate, in.Intervention.Start),
		IsNewBranch: IsNewBranch(in.BranchOpenedAt, in.Now),
	}

	nominal := api.ModeMoM
	if res.HasYoYData {
		nominal = api.ModeYoY
	}

	res.Mode = nominal
	if in.Override != nil {
		res.Mode = *in.Override
	}

	windowMode := res.Mode
	if windowMode == api.ModeForecast {
		windowMode = nominal
	}
	res.Window = ComparisonWindow(in.Intervention, windowMode)

	return res, nil
}

// HasYoYData reports whether the branch has data at least 365 days before start
func HasYoYData(oldest, start time.Time) bool {
	if oldest.IsZero() {
		return false
	}
	return !api.Day(oldest).After(api.Day(start).AddDate(0, 0, -365))
}

// IsNewBranch reports whether fewer than NewBranchMonths full months have
// passed since openedAt. An unknown opening date is treated as established.
func IsNewBranch(openedAt, now time.Time) bool {
	if openedAt.IsZero() {
		return false
	}
	return MonthsBetween(openedAt, now) < NewBranchMonths
}

// MonthsBetween counts whole calendar months from a to b
func MonthsBetween(a, b time.Time) int {
	months := (b.Year()-a.Year())*12 + int(b.Month()) - int(a.Month())
	if b.Day() < a.Day() {
		months--
	}
	return months
}

// ComparisonWindow shifts w back one year (YOY) or one month (MOM)
func ComparisonWindow(w api.Window, mode api.ComparisonMode) api.Window {
	months := 1
	if mode == api.ModeYoY {
		months = 12
	}
	return api.Window{
		Start: ShiftMonths(w.Start, -months),
		End:   ShiftMonths(w.End, -months),
	}
}

// ShiftMonths moves t by n calendar months keeping the day of month, clamped
// to the last day of the target month (2024-02-29 -12 → 2023-02-28).
func ShiftMonths(t time.Time, n int) time.Time {
	t = api.Day(t)
	first := time.Date(t.Year(), t.Month(), 1, 0, 0, 0, 0, time.UTC).AddDate(0, n, 0)
	last := first.AddDate(0, 1, -1).Day()
	day := t.Day()
	if day > last {
		day = last
	}
	return time.Date(first.Year(), first.Month(), day, 0, 0, 0, 0, time.UTC)
}

// TrailingWindow returns the n months immediately before start
func TrailingWindow(start time.Time, months int) api.Window {
	end := api.Day(start).AddDate(0, 0, -1)
	return api.Window{Start: ShiftMonths(api.Day(start), -months), End: end}
}

// NoComparisonDataReason explains why the nominal mode had no usable baseline
func NoComparisonDataReason(nominal api.ComparisonMode, w api.Window, isNew bool) string {
	switch {
	case isNew:
		return fmt.Sprintf("new branch: no revenue in %s comparison window %s, using forecast baseline", nominal, w)
	case nominal == api.ModeYoY:
		return fmt.Sprintf("no revenue in same period last year (%s), using forecast baseline", w)
	default:
		return fmt.Sprintf("no year-over-year history and no revenue in previous month (%s), using forecast baseline", w)
	}
}
