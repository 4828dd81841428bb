package control

import (
	"context"
	"fmt"
	"log"

	"github.com/branchops/impact/internal/api"
	"github.com/branchops/impact/internal/metricsource"
	"golang.org/x/sync/errgroup"
)

// MaxCandidates bounds the control-branch scan
const MaxCandidates = 5

// Request describes the windows a control branch must cover
type Request struct {
	Exclude      []string // target branches of the intervention
	Intervention api.Window
	Comparison   api.Window
}

// Selector finds an unaffected branch to estimate background growth
type Selector struct {
	source        metricsource.Source
	maxCandidates int
}

// NewSelector creates a selector scanning at most MaxCandidates branches
func NewSelector(src metricsource.Source) *Selector {
	return &Selector{source: src, maxCandidates: MaxCandidates}
}

// Candidates returns the first maxCandidates branches of the pool, in pool
// order, that are not targets of the intervention
func (s *Selector) Candidates(ctx context.Context, exclude []string) ([]api.Branch, error) {
	pool, err := s.source.Branches(ctx)
	if err != nil {
		return nil, fmt.Errorf("branch pool: %w", err)
	}
	skip := make(map[string]struct{}, len(exclude))
	for _, id := range exclude {
		skip[id] = struct{}{}
	}

	out := make([]api.Branch, 0, s.maxCandidates)
	for _, b := range pool {
		if _, ok := skip[b.ID]; ok {
			continue
		}
		out = append(out, b)
		if len(out) == s.maxCandidates {
			break
		}
	}
	return out, nil
}

type revenue struct {
	current, comparison float64
	err                 error
}

// Select returns the first candidate in pool order whose comparison window has
// revenue, with its growth over the intervention window. Nil when none qualifies.
// A candidate whose reads fail is skipped.
func (s *Selector) Select(ctx context.Context, req Request) (*api.ControlGroup, error) {
	candidates, err := s.Candidates(ctx, req.Exclude)
	if err != nil {
		return nil, err
	}
	if len(candidates) == 0 {
		return nil, nil
	}

	results := make([]revenue, len(candidates))
	var g errgroup.Group
	for i, cand := range candidates {
		i, cand := i, cand
		g.Go(func() error {
			var r revenue
			cur, err := s.source.MetricsSummary(ctx, cand.ID, req.Intervention)
			if err != nil {
				r.err = err
				results[i] = r
				return nil
			}
			cmp, err := s.source.MetricsSummary(ctx, cand.ID, req.Comparison)
			if err != nil {
				r.err = err
				results[i] = r
				return nil
			}
			r.current, r.comparison = cur.Total, cmp.Total
			results[i] = r
			return nil
		})
	}
	_ = g.Wait()

	for i, r := range results {
		if r.err != nil {
			log.Printf("control: skipping candidate %s: %v", candidates[i].ID, r.err)
			continue
		}
		if r.comparison == 0 {
			continue
		}
		return &api.ControlGroup{
			BranchID:   candidates[i].ID,
			BranchName: candidates[i].Name,
			Growth:     api.GrowthRate(r.comparison, r.current),
		}, nil
	}
	return nil, nil
}

// Adjust nets control growth out of raw growth. Nil when there is no control
// group or the baseline came from a forecast.
func Adjust(raw float64, cg *api.ControlGroup, forecastPath bool) *float64 {
	if cg == nil || forecastPath {
		return nil
	}
	adj := raw - cg.Growth
	return &adj
}
