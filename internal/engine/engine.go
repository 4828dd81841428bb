package engine

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"

	"github.com/branchops/impact/internal/api"
	"github.com/branchops/impact/internal/control"
	"github.com/branchops/impact/internal/forecast"
	"github.com/branchops/impact/internal/metrics"
	"github.com/branchops/impact/internal/metricsource"
	"github.com/branchops/impact/internal/scoring"
	"github.com/branchops/impact/internal/snapshot"
	iotel "github.com/branchops/impact/pkg/otel"
)

var (
	// ErrSourceUnavailable is returned when no requested branch could be analyzed
	ErrSourceUnavailable = errors.New("metrics source unavailable")
	// ErrNoBranches is returned when neither the caller nor the intervention names a branch
	ErrNoBranches = errors.New("no branches to analyze")
)

// Engine runs the per-branch analysis pipeline and aggregates the results
type Engine struct {
	source     metricsource.Source
	store      snapshot.Store
	scorer     *scoring.Scorer
	forecaster *forecast.Forecaster
	selector   *control.Selector
	metrics    *metrics.Metrics

	now        func() time.Time
	policyHash string
	progress   func(done, total int)
}

// Option configures an Engine
type Option func(*Engine)

// WithClock overrides the wall clock (new-branch checks, open-ended windows, record timestamps)
func WithClock(now func() time.Time) Option {
	return func(e *Engine) { e.now = now }
}

// WithProgress registers a callback invoked after each branch finishes.
// Calls are serialized.
func WithProgress(fn func(done, total int)) Option {
	return func(e *Engine) { e.progress = fn }
}

// New wires an engine from its collaborators. m may be nil, in which case
// collectors are registered on a private registry.
func New(src metricsource.Source, store snapshot.Store, scorer *scoring.Scorer, fc *forecast.Forecaster, sel *control.Selector, m *metrics.Metrics, opts ...Option) *Engine {
	if m == nil {
		m = metrics.New(prometheus.NewRegistry())
	}
	e := &Engine{
		source:     src,
		store:      store,
		scorer:     scorer,
		forecaster: fc,
		selector:   sel,
		metrics:    m,
		now:        time.Now,
	}
	for _, opt := range opts {
		opt(e)
	}

	p := scorer.Policy()
	if h, err := p.Hash(); err == nil {
		e.policyHash = h
	} else {
		log.Printf("engine: policy hash unavailable: %v", err)
	}
	return e
}

// run holds the per-call state shared read-only by branch tasks
type run struct {
	id           string
	intervention *api.Intervention
	window       api.Window
	override     *api.ComparisonMode
	targets      []string
	now          time.Time

	// batch prefetch for the intervention window; nil when the batch call failed
	summaries map[string]api.MetricsSummary
	visits    map[string]int
	unique    map[string][]string
	hourly    map[string]metricsource.Hours
}

// Analyze measures the intervention's effect on each branch. branchIDs
// defaults to the intervention's own branches. A branch whose source reads fail
// is reported with its Error set; ErrSourceUnavailable is returned (with the
// report) only when every branch failed.
func (e *Engine) Analyze(ctx context.Context, interventionID string, branchIDs []string, override *api.ComparisonMode) (*api.AnalysisReport, error) {
	e.metrics.AnalysesTotal.Inc()

	iv, err := e.source.Intervention(ctx, interventionID)
	if err != nil {
		return nil, fmt.Errorf("load intervention: %w", err)
	}
	if len(branchIDs) == 0 {
		branchIDs = iv.BranchIDs
	}
	branchIDs = dedup(branchIDs)
	if len(branchIDs) == 0 {
		return nil, fmt.Errorf("%w: intervention %s", ErrNoBranches, interventionID)
	}

	now := e.now()
	end := iv.End
	if end.IsZero() {
		end = api.Day(now).AddDate(0, 0, -1)
	}
	window, err := api.NewWindow(iv.Start, end)
	if err != nil {
		return nil, fmt.Errorf("intervention %s: %w", interventionID, err)
	}

	r := &run{
		id:           uuid.NewString(),
		intervention: iv,
		window:       window,
		override:     override,
		targets:      branchIDs,
		now:          now,
	}

	ctx, span := iotel.StartSpan(ctx, iotel.TracerName, "engine.Analyze",
		iotel.AnalysisAttributes(r.id, interventionID, len(branchIDs))...)
	defer span.End()

	e.prefetch(ctx, r)

	results := make([]*api.BranchPerformanceResult, len(branchIDs))
	var (
		g    errgroup.Group
		mu   sync.Mutex
		done int
	)
	for i, id := range branchIDs {
		i, id := i, id
		g.Go(func() error {
			results[i] = e.runBranch(ctx, r, id)

			if e.progress != nil {
				mu.Lock()
				done++
				e.progress(done, len(branchIDs))
				mu.Unlock()
			}
			return nil
		})
	}
	_ = g.Wait()

	report := &api.AnalysisReport{
		RunID:          r.id,
		InterventionID: interventionID,
		PerBranch:      results,
		Summary:        Summarize(results),
	}
	span.SetAttributes(iotel.AttrFailedCount.Int(report.Summary.FailedCount))

	if report.Summary.FailedCount == len(results) {
		e.metrics.AnalysisFailures.Inc()
		err := fmt.Errorf("%w: all %d branches failed, first: %s", ErrSourceUnavailable, len(results), results[0].Error)
		iotel.RecordError(span, err, "analysis failed")
		return report, err
	}
	return report, nil
}

// prefetch loads intervention-window aggregates for all branches in one call
// each. A failed batch leaves its map nil so branches read individually.
func (e *Engine) prefetch(ctx context.Context, r *run) {
	var err error
	if r.summaries, err = e.source.MetricsSummaries(ctx, r.targets, r.window); err != nil {
		log.Printf("engine: summary batch failed, reading per branch: %v", err)
		iotel.AddEvent(trace.SpanFromContext(ctx), "summary batch failed")
		r.summaries = nil
	}
	if r.visits, err = e.source.VisitCounts(ctx, r.targets, r.window); err != nil {
		log.Printf("engine: visit batch failed, reading per branch: %v", err)
		iotel.AddEvent(trace.SpanFromContext(ctx), "visit batch failed")
		r.visits = nil
	}
	if r.unique, err = e.source.UniqueVisitorsBatch(ctx, r.targets, r.window); err != nil {
		log.Printf("engine: visitor batch failed, reading per branch: %v", err)
		iotel.AddEvent(trace.SpanFromContext(ctx), "visitor batch failed")
		r.unique = nil
	}
	if r.hourly, err = e.source.HourlyUsageBatch(ctx, r.targets, r.window); err != nil {
		log.Printf("engine: hourly batch failed, reading per branch: %v", err)
		iotel.AddEvent(trace.SpanFromContext(ctx), "hourly batch failed")
		r.hourly = nil
	}
}

func (r *run) summary(ctx context.Context, src metricsource.Source, id string) (api.MetricsSummary, error) {
	if s, ok := r.summaries[id]; ok {
		return s, nil
	}
	return src.MetricsSummary(ctx, id, r.window)
}

func (r *run) visitCount(ctx context.Context, src metricsource.Source, id string) (int, error) {
	if n, ok := r.visits[id]; ok {
		return n, nil
	}
	return src.VisitCount(ctx, id, r.window)
}

func (r *run) visitors(ctx context.Context, src metricsource.Source, id string) ([]string, error) {
	if v, ok := r.unique[id]; ok {
		return v, nil
	}
	return src.UniqueVisitors(ctx, id, r.window)
}

func (r *run) hours(ctx context.Context, src metricsource.Source, id string) (metricsource.Hours, error) {
	if h, ok := r.hourly[id]; ok {
		return h, nil
	}
	return src.HourlyUsage(ctx, id, r.window)
}

// runBranch analyzes and persists one branch. It never returns an error: a
// failure is reported on the result.
func (e *Engine) runBranch(ctx context.Context, r *run, branchID string) *api.BranchPerformanceResult {
	start := time.Now()
	ctx, span := iotel.StartSpan(ctx, iotel.TracerName, "engine.branch",
		iotel.BranchAttributes(r.intervention.ID, branchID)...)
	defer span.End()

	res, err := e.analyzeBranch(ctx, r, branchID)
	e.metrics.BranchLatency.Observe(time.Since(start).Seconds())
	if err != nil {
		e.metrics.BranchFailures.Inc()
		log.Printf("engine: branch %s of %s failed: %v", branchID, r.intervention.ID, err)
		iotel.RecordError(span, err, "branch analysis failed")
		return &api.BranchPerformanceResult{
			InterventionID: r.intervention.ID,
			BranchID:       branchID,
			Window:         r.window,
			Error:          err.Error(),
		}
	}

	e.metrics.BranchesAnalyzed.WithLabelValues(string(res.Comparison.Mode)).Inc()
	e.metrics.VerdictsTotal.WithLabelValues(string(res.Verdict)).Inc()
	controlID := ""
	if res.ControlGroup != nil {
		controlID = res.ControlGroup.BranchID
	}
	span.SetAttributes(iotel.OutcomeAttributes(string(res.Comparison.Mode), res.Score, string(res.Verdict), res.Significance.PValue, controlID)...)
	if fc := res.Comparison.Forecast; fc != nil {
		span.SetAttributes(iotel.AttrForecastConf.String(string(fc.Forecast.Confidence)))
	}

	e.persist(ctx, r, res)
	return res
}

// persist upserts the branch snapshot. A write failure is logged and counted
// but does not invalidate the computed result.
func (e *Engine) persist(ctx context.Context, r *run, res *api.BranchPerformanceResult) {
	if e.store == nil {
		return
	}
	rec := snapshot.NewRecord(res, r.id, e.policyHash, e.now())
	if err := e.store.Upsert(ctx, rec); err != nil {
		e.metrics.SnapshotWriteErrors.Inc()
		iotel.AddEvent(trace.SpanFromContext(ctx), "snapshot write failed", iotel.AttrBranchID.String(res.BranchID))
		log.Printf("engine: snapshot write %s/%s failed: %v", res.InterventionID, res.BranchID, err)
		return
	}
	e.metrics.SnapshotWrites.Inc()
}

func dedup(ids []string) []string {
	seen := make(map[string]struct{}, len(ids))
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		if _, ok := seen[id]; ok || id == "" {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	return out
}
