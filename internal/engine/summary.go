package engine

import (
	"github.com/branchops/impact/internal/api"
	"github.com/branchops/impact/internal/migration"
)

// Summarize aggregates branch results. Averages and totals cover successful
// branches only; BranchCount includes failed ones.
func Summarize(results []*api.BranchPerformanceResult) api.Summary {
	s := api.Summary{BranchCount: len(results)}

	var (
		ok         int
		migrations [][]api.SegmentMigration
		upgrades   [][]api.TicketUpgrade
	)
	for _, r := range results {
		if r == nil || r.Failed() {
			s.FailedCount++
			continue
		}
		ok++
		s.AvgRevenueGrowth += r.RevenueGrowth
		s.AvgVisitsGrowth += r.VisitsGrowth
		s.AvgScore += r.Score
		s.TotalNewCustomers += r.NewCustomers
		s.TotalReturnedCustomers += r.ReturnedCustomers
		if r.Significance.IsSignificant {
			s.SignificantCount++
		}
		migrations = append(migrations, r.SegmentMigrations)
		upgrades = append(upgrades, r.TicketUpgrades)
	}

	if ok > 0 {
		s.AvgRevenueGrowth /= float64(ok)
		s.AvgVisitsGrowth /= float64(ok)
		s.AvgScore /= float64(ok)
	}
	s.SegmentMigrations = migration.MergeMigrations(migrations...)
	s.TicketUpgrades = migration.MergeUpgrades(upgrades...)
	return s
}
