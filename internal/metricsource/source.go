package metricsource

import (
	"context"
	"errors"
	"time"

	"github.com/branchops/impact/internal/api"
)

var (
	ErrInterventionNotFound = errors.New("intervention not found")
	ErrBranchNotFound       = errors.New("branch not found")
)

// Hours is an hourly usage histogram (index = hour of day)
type Hours [24]int

// Source is the read-only metrics provider consumed by the engine.
//
// Window bounds are inclusive calendar days. Batch variants return one entry
// per requested branch; branches without data map to zero values.
type Source interface {
	Intervention(ctx context.Context, id string) (*api.Intervention, error)
	Branch(ctx context.Context, id string) (*api.Branch, error)
	// Branches lists all branches in a stable order (the control-group pool order)
	Branches(ctx context.Context) ([]api.Branch, error)

	// OldestDataDate returns the first day with sales, or zero time if none
	OldestDataDate(ctx context.Context, branchID string) (time.Time, error)

	MetricsSummary(ctx context.Context, branchID string, w api.Window) (api.MetricsSummary, error)
	MetricsSummaries(ctx context.Context, branchIDs []string, w api.Window) (map[string]api.MetricsSummary, error)

	// DailyRevenues returns one total per day that had sales, in date order
	DailyRevenues(ctx context.Context, branchID string, w api.Window) ([]float64, error)

	VisitCount(ctx context.Context, branchID string, w api.Window) (int, error)
	VisitCounts(ctx context.Context, branchIDs []string, w api.Window) (map[string]int, error)
	UniqueVisitors(ctx context.Context, branchID string, w api.Window) ([]string, error)
	UniqueVisitorsBatch(ctx context.Context, branchIDs []string, w api.Window) (map[string][]string, error)
	HourlyUsage(ctx context.Context, branchID string, w api.Window) (Hours, error)
	HourlyUsageBatch(ctx context.Context, branchIDs []string, w api.Window) (map[string]Hours, error)

	// CustomerSegments is the external segmentation capability: the segment of
	// each customer as of the given day. Unknown customers are omitted.
	CustomerSegments(ctx context.Context, branchID string, customerIDs []string, asOf time.Time) (map[string]api.Segment, error)

	// TicketPurchases returns the ticket types each customer bought in the window
	TicketPurchases(ctx context.Context, branchID string, w api.Window) (map[string][]api.TicketType, error)

	CustomerCounts(ctx context.Context, branchID string, w api.Window) (api.CustomerCounts, error)

	// MonthlyRevenues returns per-month revenue strictly before the given day, oldest first
	MonthlyRevenues(ctx context.Context, branchID string, before time.Time) ([]api.MonthRevenue, error)

	ExternalFactors(ctx context.Context, w api.Window, branchIDs []string) ([]api.ExternalFactor, error)
}

// ReturnGapDays is the absence after which a visitor counts as returned
const ReturnGapDays = 30
