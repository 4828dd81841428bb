package migration

import (
	"sort"

	"github.com/branchops/impact/internal/api"
)

// segment rank used when no explicit polarity rule applies
var rank = map[api.Segment]int{
	api.SegmentVIP:      5,
	api.SegmentLoyal:    4,
	api.SegmentGeneral:  3,
	api.SegmentNew:      3,
	api.SegmentReturned: 3,
	api.SegmentAtRisk:   2,
	api.SegmentDormant:  1,
}

// IsPositive is the static polarity of a from → to transition
func IsPositive(from, to api.Segment) bool {
	switch {
	case to == api.SegmentVIP || to == api.SegmentLoyal:
		return true
	case !to.IsActive():
		return false
	case !from.IsActive():
		return true
	}
	return rank[to] > rank[from]
}

// SegmentReport is the from → to matrix for one branch.
// len(population) == Σ Migrations.Count + Unchanged + Unclassified.
type SegmentReport struct {
	Migrations   []api.SegmentMigration
	Unchanged    int
	Unclassified int // not classified on one side or both
}

// TrackSegments tabulates segment transitions for the population.
// before and after hold each customer's segment at comparison-window end and
// intervention-window end. Duplicate IDs in population count once.
func TrackSegments(population []string, before, after map[string]api.Segment) SegmentReport {
	type pair struct{ from, to api.Segment }
	counts := make(map[pair]int)
	seen := make(map[string]struct{}, len(population))

	var rep SegmentReport
	for _, id := range population {
		if _, dup := seen[id]; dup {
			continue
		}
		seen[id] = struct{}{}

		from, okFrom := before[id]
		to, okTo := after[id]
		switch {
		case !okFrom || !okTo:
			rep.Unclassified++
		case from == to:
			rep.Unchanged++
		default:
			counts[pair{from, to}]++
		}
	}

	for p, n := range counts {
		rep.Migrations = append(rep.Migrations, api.SegmentMigration{
			From:       p.from,
			To:         p.to,
			Count:      n,
			IsPositive: IsPositive(p.from, p.to),
		})
	}
	SortMigrations(rep.Migrations)
	return rep
}

func order(s api.Segment) int {
	for i, seg := range api.Segments {
		if seg == s {
			return i
		}
	}
	return len(api.Segments)
}

// SortMigrations orders migrations by source then target segment
func SortMigrations(ms []api.SegmentMigration) {
	sort.Slice(ms, func(i, j int) bool {
		if oi, oj := order(ms[i].From), order(ms[j].From); oi != oj {
			return oi < oj
		}
		return order(ms[i].To) < order(ms[j].To)
	})
}

// MergeMigrations sums counts of identical transitions across branches
func MergeMigrations(lists ...[]api.SegmentMigration) []api.SegmentMigration {
	type pair struct{ from, to api.Segment }
	counts := make(map[pair]int)
	for _, list := range lists {
		for _, m := range list {
			counts[pair{m.From, m.To}] += m.Count
		}
	}
	out := make([]api.SegmentMigration, 0, len(counts))
	for p, n := range counts {
		out = append(out, api.SegmentMigration{From: p.from, To: p.to, Count: n, IsPositive: IsPositive(p.from, p.to)})
	}
	SortMigrations(out)
	return out
}
