package control

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/branchops/impact/internal/api"
	"github.com/branchops/impact/internal/metricsource"
)

func day(y int, m time.Month, d int) time.Time {
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}

var (
	current    = api.Window{Start: day(2024, 7, 1), End: day(2024, 7, 10)}
	comparison = api.Window{Start: day(2024, 6, 1), End: day(2024, 6, 10)}
)

func sale(src *metricsource.MemorySource, branchID string, at time.Time, amount float64) {
	src.AddSale(metricsource.Sale{BranchID: branchID, Ticket: api.TicketDay, Amount: amount, At: at})
}

func TestSelect_FirstCandidateWithComparisonRevenue(t *testing.T) {
	src := metricsource.NewMemorySource()
	for _, id := range []string{"target", "empty", "c1", "c2"} {
		src.AddBranch(api.Branch{ID: id, Name: "Branch " + id})
	}
	sale(src, "empty", day(2024, 7, 2), 900) // intervention only
	sale(src, "c1", day(2024, 6, 2), 1000)
	sale(src, "c1", day(2024, 7, 2), 1100)
	sale(src, "c2", day(2024, 6, 2), 1000)
	sale(src, "c2", day(2024, 7, 2), 2000)

	cg, err := NewSelector(src).Select(context.Background(), Request{
		Exclude:      []string{"target"},
		Intervention: current,
		Comparison:   comparison,
	})
	if err != nil {
		t.Fatalf("Select failed: %v", err)
	}
	if cg == nil || cg.BranchID != "c1" {
		t.Fatalf("control = %+v, want c1", cg)
	}
	if cg.Growth < 9.999 || cg.Growth > 10.001 {
		t.Errorf("Growth = %v, want 10", cg.Growth)
	}
}

func TestSelect_BoundedScan(t *testing.T) {
	src := metricsource.NewMemorySource()
	for i := 0; i < MaxCandidates; i++ {
		src.AddBranch(api.Branch{ID: fmt.Sprintf("quiet-%d", i)})
	}
	src.AddBranch(api.Branch{ID: "late"})
	sale(src, "late", day(2024, 6, 2), 1000)

	cg, err := NewSelector(src).Select(context.Background(), Request{Intervention: current, Comparison: comparison})
	if err != nil {
		t.Fatalf("Select failed: %v", err)
	}
	if cg != nil {
		t.Errorf("candidate beyond the scan bound was selected: %+v", cg)
	}
}

func TestSelect_SkipsFailingCandidate(t *testing.T) {
	src := metricsource.NewMemorySource()
	src.AddBranch(api.Branch{ID: "broken"})
	src.AddBranch(api.Branch{ID: "ok"})
	sale(src, "broken", day(2024, 6, 2), 1000)
	sale(src, "ok", day(2024, 6, 2), 1000)
	src.FailBranch("broken", errors.New("timeout"))

	cg, err := NewSelector(src).Select(context.Background(), Request{Intervention: current, Comparison: comparison})
	if err != nil {
		t.Fatalf("Select failed: %v", err)
	}
	if cg == nil || cg.BranchID != "ok" {
		t.Errorf("control = %+v, want ok", cg)
	}
	if cg != nil && cg.Growth != -100 {
		t.Errorf("Growth = %v, want -100", cg.Growth)
	}
}

func TestAdjust(t *testing.T) {
	cg := &api.ControlGroup{Growth: 5}

	if got := Adjust(30, cg, false); got == nil || *got != 25 {
		t.Errorf("Adjust = %v, want 25", got)
	}
	if got := Adjust(30, nil, false); got != nil {
		t.Errorf("Adjust without control = %v, want nil", *got)
	}
	if got := Adjust(30, cg, true); got != nil {
		t.Errorf("Adjust on forecast path = %v, want nil", *got)
	}
}
