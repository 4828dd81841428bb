package engine

import (
	"context"
	"fmt"

	"github.com/branchops/impact/internal/api"
	"github.com/branchops/impact/internal/control"
	"github.com/branchops/impact/internal/forecast"
	"github.com/branchops/impact/internal/migration"
	"github.com/branchops/impact/internal/metricsource"
	"github.com/branchops/impact/internal/period"
	"github.com/branchops/impact/internal/scoring"
	"github.com/branchops/impact/internal/stats"
	"github.com/branchops/impact/internal/visit"
)

// baseline is the resolved comparison for one branch
type baseline struct {
	comparison api.Comparison
	window     api.Window // window whose daily revenue feeds the significance test
	forecast   bool
	impossible bool
	reason     string
}

// before is the "before" side of the visit, segment and ticket analyses
type before struct {
	window   api.Window
	visits   int
	visitors []string
	hourly   metricsource.Hours
}

func (e *Engine) analyzeBranch(ctx context.Context, r *run, branchID string) (*api.BranchPerformanceResult, error) {
	branch, err := e.source.Branch(ctx, branchID)
	if err != nil {
		return nil, err
	}
	oldest, err := e.source.OldestDataDate(ctx, branchID)
	if err != nil {
		return nil, fmt.Errorf("oldest data date: %w", err)
	}
	res, err := period.Resolve(period.Input{
		OldestDataDate: oldest,
		Intervention:   r.window,
		BranchOpenedAt: branch.OpenedAt,
		Override:       r.override,
		Now:            r.now,
	})
	if err != nil {
		return nil, err
	}

	current, err := r.summary(ctx, e.source, branchID)
	if err != nil {
		return nil, fmt.Errorf("intervention summary: %w", err)
	}

	out := &api.BranchPerformanceResult{
		InterventionID: r.intervention.ID,
		BranchID:       branch.ID,
		BranchName:     branch.Name,
		Window:         r.window,
		HasYoYData:     res.HasYoYData,
		IsNewBranch:    res.IsNewBranch,
		Current:        current,
	}

	base, err := e.baseline(ctx, *branch, r, res)
	if err != nil {
		return nil, err
	}
	out.Comparison = base.comparison
	out.NoComparisonDataReason = base.reason
	if !base.impossible {
		baseRevenue := out.Comparison.BaselineRevenue()
		out.RevenueGrowth = api.GrowthRate(baseRevenue, current.Total)
		out.RevenueDelta = current.Total - baseRevenue
	}

	dailyBefore, err := e.source.DailyRevenues(ctx, branchID, base.window)
	if err != nil {
		return nil, fmt.Errorf("comparison daily revenue: %w", err)
	}
	dailyAfter, err := e.source.DailyRevenues(ctx, branchID, r.window)
	if err != nil {
		return nil, fmt.Errorf("intervention daily revenue: %w", err)
	}
	out.Significance, out.EffectSize = stats.Test(dailyBefore, dailyAfter)

	if !res.HasYoYData || res.IsNewBranch {
		cg, err := e.selector.Select(ctx, control.Request{
			Exclude:      r.targets,
			Intervention: r.window,
			Comparison:   res.Window,
		})
		if err != nil {
			return nil, fmt.Errorf("control group: %w", err)
		}
		if cg != nil {
			e.metrics.ControlGroupsFound.Inc()
		}
		out.ControlGroup = cg
		out.RevenueGrowthAdjusted = control.Adjust(out.RevenueGrowth, cg, base.forecast)
	}

	if err := e.behaviour(ctx, r, branchID, res.Window, out); err != nil {
		return nil, err
	}

	counts, err := e.source.CustomerCounts(ctx, branchID, r.window)
	if err != nil {
		return nil, fmt.Errorf("customer counts: %w", err)
	}
	out.NewCustomers, out.ReturnedCustomers = counts.New, counts.Returned

	out.ScoreBreakdown = e.scorer.Score(scoring.Input{
		RevenueGrowth:         out.RevenueGrowth,
		RevenueGrowthAdjusted: out.RevenueGrowthAdjusted,
		ForecastImpossible:    base.impossible,
		VisitsGrowth:          out.VisitsGrowth,
		Significance:          out.Significance,
		Effect:                out.EffectSize,
		NewCustomers:          out.NewCustomers,
		ReturnedCustomers:     out.ReturnedCustomers,
		Migrations:            out.SegmentMigrations,
		Upgrades:              out.TicketUpgrades,
	})
	out.Score = out.ScoreBreakdown.TotalScore
	out.Verdict = e.scorer.Verdict(out.Score)
	return out, nil
}

// baseline reads the historical comparison window and falls back to a
// forecast when it has no revenue or FORECAST was requested.
func (e *Engine) baseline(ctx context.Context, branch api.Branch, r *run, res period.Resolution) (baseline, error) {
	cmp, err := e.source.MetricsSummary(ctx, branch.ID, res.Window)
	if err != nil {
		return baseline{}, fmt.Errorf("comparison summary: %w", err)
	}

	if res.Mode != api.ModeForecast && cmp.Total != 0 {
		hc := &api.HistoricalComparison{Window: res.Window, Summary: cmp}
		b := baseline{window: res.Window}
		b.comparison = api.Comparison{Mode: res.Mode}
		if res.Mode == api.ModeYoY {
			b.comparison.YoY = hc
		} else {
			b.comparison.MoM = hc
		}
		return b, nil
	}

	nominal := api.ModeMoM
	if res.HasYoYData {
		nominal = api.ModeYoY
	}
	fc, err := e.forecaster.Forecast(ctx, forecast.Request{Branch: branch, Window: r.window})
	if err != nil {
		return baseline{}, fmt.Errorf("forecast: %w", err)
	}
	e.metrics.ForecastsTotal.WithLabelValues(string(fc.Confidence)).Inc()
	if !fc.Possible {
		e.metrics.ForecastImpossible.Inc()
	}

	b := baseline{
		window:     res.Window,
		forecast:   true,
		impossible: !fc.Possible,
		comparison: api.Comparison{
			Mode: api.ModeForecast,
			Forecast: &api.ForecastComparison{
				NominalMode:   nominal,
				NominalWindow: res.Window,
				Forecast:      fc,
			},
		},
	}
	if cmp.Total == 0 {
		b.reason = period.NoComparisonDataReason(nominal, res.Window, res.IsNewBranch)
	}
	return b, nil
}

// beforeSide reads visit aggregates for the comparison window, substituting
// the trailing visit.FallbackMonths when the comparison window had no visits.
func (e *Engine) beforeSide(ctx context.Context, r *run, branchID string, cmpWindow api.Window) (before, error) {
	read := func(w api.Window) (before, error) {
		b := before{window: w}
		var err error
		if b.visits, err = e.source.VisitCount(ctx, branchID, w); err != nil {
			return b, fmt.Errorf("comparison visits: %w", err)
		}
		if b.visitors, err = e.source.UniqueVisitors(ctx, branchID, w); err != nil {
			return b, fmt.Errorf("comparison visitors: %w", err)
		}
		if b.hourly, err = e.source.HourlyUsage(ctx, branchID, w); err != nil {
			return b, fmt.Errorf("comparison hourly usage: %w", err)
		}
		return b, nil
	}

	b, err := read(cmpWindow)
	if err != nil || b.visits > 0 {
		return b, err
	}
	return read(period.TrailingWindow(r.window.Start, visit.FallbackMonths))
}

// behaviour fills visit growth, visit pattern, segment migrations and ticket upgrades
func (e *Engine) behaviour(ctx context.Context, r *run, branchID string, cmpWindow api.Window, out *api.BranchPerformanceResult) error {
	pre, err := e.beforeSide(ctx, r, branchID, cmpWindow)
	if err != nil {
		return err
	}
	visitsAfter, err := r.visitCount(ctx, e.source, branchID)
	if err != nil {
		return fmt.Errorf("intervention visits: %w", err)
	}
	visitorsAfter, err := r.visitors(ctx, e.source, branchID)
	if err != nil {
		return fmt.Errorf("intervention visitors: %w", err)
	}
	hourlyAfter, err := r.hours(ctx, e.source, branchID)
	if err != nil {
		return fmt.Errorf("intervention hourly usage: %w", err)
	}

	beforeDays, afterDays := pre.window.Days(), r.window.Days()
	out.VisitsBefore, out.VisitsAfter = pre.visits, visitsAfter
	out.VisitsGrowth = api.GrowthRate(scaleVisits(pre.visits, beforeDays, afterDays), float64(visitsAfter))
	out.VisitPattern = visit.Analyze(visit.Input{
		VisitsBefore: pre.visits,
		UniqueBefore: len(pre.visitors),
		VisitsAfter:  visitsAfter,
		UniqueAfter:  len(visitorsAfter),
		BeforeDays:   beforeDays,
		AfterDays:    afterDays,
		HourlyBefore: pre.hourly,
		HourlyAfter:  hourlyAfter,
	})

	population := append(append([]string(nil), pre.visitors...), visitorsAfter...)
	segBefore, err := e.source.CustomerSegments(ctx, branchID, population, pre.window.End)
	if err != nil {
		return fmt.Errorf("segments before: %w", err)
	}
	segAfter, err := e.source.CustomerSegments(ctx, branchID, population, r.window.End)
	if err != nil {
		return fmt.Errorf("segments after: %w", err)
	}
	rep := migration.TrackSegments(population, segBefore, segAfter)
	out.SegmentMigrations = rep.Migrations
	out.UnchangedCustomers = rep.Unchanged

	ticketsBefore, err := e.source.TicketPurchases(ctx, branchID, pre.window)
	if err != nil {
		return fmt.Errorf("tickets before: %w", err)
	}
	ticketsAfter, err := e.source.TicketPurchases(ctx, branchID, r.window)
	if err != nil {
		return fmt.Errorf("tickets after: %w", err)
	}
	out.TicketUpgrades = migration.TrackTickets(ticketsBefore, ticketsAfter)
	return nil
}

// scaleVisits rescales a visit count to the intervention length so windows of
// different size compare per day
func scaleVisits(visits, fromDays, toDays int) float64 {
	if fromDays <= 0 || toDays <= 0 || fromDays == toDays {
		return float64(visits)
	}
	return float64(visits) * float64(toDays) / float64(fromDays)
}
