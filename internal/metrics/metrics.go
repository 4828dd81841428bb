package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds the Prometheus collectors for the analysis engine
type Metrics struct {
	AnalysesTotal       prometheus.Counter
	AnalysisFailures    prometheus.Counter
	BranchesAnalyzed    *prometheus.CounterVec // by comparison mode
	BranchFailures      prometheus.Counter
	ForecastsTotal      *prometheus.CounterVec // by confidence
	ForecastImpossible  prometheus.Counter
	ControlGroupsFound  prometheus.Counter
	VerdictsTotal       *prometheus.CounterVec // by verdict
	BranchLatency       prometheus.Histogram
	SnapshotWrites      prometheus.Counter
	SnapshotWriteErrors prometheus.Counter
	SourceCacheLookups  *prometheus.CounterVec // by cache and result
	SourceThrottleWait  prometheus.Histogram
}

// New creates the collectors and registers them with reg.
// Pass prometheus.DefaultRegisterer in binaries and a fresh registry in tests.
func New(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		AnalysesTotal: f.NewCounter(prometheus.CounterOpts{
			Name: "impact_analyses_total",
			Help: "Number of Analyze calls",
		}),
		AnalysisFailures: f.NewCounter(prometheus.CounterOpts{
			Name: "impact_analysis_failures_total",
			Help: "Number of Analyze calls where no branch could be analyzed",
		}),
		BranchesAnalyzed: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "impact_branches_analyzed_total",
				Help: "Branch analyses completed, by effective comparison mode",
			},
			[]string{"mode"},
		),
		BranchFailures: f.NewCounter(prometheus.CounterOpts{
			Name: "impact_branch_failures_total",
			Help: "Branch analyses aborted by a metrics source error",
		}),
		ForecastsTotal: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "impact_forecasts_total",
				Help: "Forecast baselines produced, by confidence",
			},
			[]string{"confidence"},
		),
		ForecastImpossible: f.NewCounter(prometheus.CounterOpts{
			Name: "impact_forecast_impossible_total",
			Help: "Forecasts that had no historical data at all",
		}),
		ControlGroupsFound: f.NewCounter(prometheus.CounterOpts{
			Name: "impact_control_groups_found_total",
			Help: "Branch analyses where a control branch was found",
		}),
		VerdictsTotal: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "impact_verdicts_total",
				Help: "Branch verdicts, by label",
			},
			[]string{"verdict"},
		),
		BranchLatency: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "impact_branch_analysis_seconds",
			Help:    "Wall time of one branch analysis",
			Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10},
		}),
		SnapshotWrites: f.NewCounter(prometheus.CounterOpts{
			Name: "impact_snapshot_writes_total",
			Help: "Branch result snapshots upserted",
		}),
		SnapshotWriteErrors: f.NewCounter(prometheus.CounterOpts{
			Name: "impact_snapshot_write_errors_total",
			Help: "Branch result snapshot upserts that failed",
		}),
		SourceCacheLookups: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "impact_source_cache_lookups_total",
				Help: "Metrics source cache lookups, by cache and result (hit/miss)",
			},
			[]string{"cache", "result"},
		),
		SourceThrottleWait: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "impact_source_throttle_wait_seconds",
			Help:    "Time spent waiting on the metrics source rate limiter",
			Buckets: []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1},
		}),
	}
}
