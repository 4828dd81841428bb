package forecast

import (
	"context"
	"math"
	"strings"
	"testing"
	"time"

	"github.com/branchops/impact/internal/api"
	"github.com/branchops/impact/internal/metricsource"
)

func day(y int, m time.Month, d int) time.Time {
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}

// monthlySales records one DAY-ticket sale on the 1st of each month in [from, from+n)
func monthlySales(src *metricsource.MemorySource, branchID string, from time.Time, n int, amount func(i int) float64) {
	for i := 0; i < n; i++ {
		src.AddSale(metricsource.Sale{
			BranchID: branchID,
			Ticket:   api.TicketDay,
			Amount:   amount(i),
			At:       from.AddDate(0, i, 0).Add(10 * time.Hour),
		})
	}
}

func flat(v float64) func(int) float64 { return func(int) float64 { return v } }

var febWindow = api.Window{Start: day(2024, 2, 1), End: day(2024, 2, 10)}

func TestForecast_OwnHistoryHighConfidence(t *testing.T) {
	src := metricsource.NewMemorySource()
	b := api.Branch{ID: "b1", Region: "seoul", Size: "L"}
	src.AddBranch(b)
	monthlySales(src, "b1", day(2023, 1, 1), 13, flat(1000))

	fc, err := New(src, DefaultParams()).Forecast(context.Background(), Request{Branch: b, Window: febWindow})
	if err != nil {
		t.Fatalf("Forecast failed: %v", err)
	}
	if !fc.Possible || fc.UsedSimilarBranches {
		t.Errorf("Possible=%v UsedSimilarBranches=%v", fc.Possible, fc.UsedSimilarBranches)
	}
	if fc.Confidence != api.ConfidenceHigh {
		t.Errorf("Confidence = %s, want HIGH", fc.Confidence)
	}
	if math.Abs(fc.ExpectedRevenue-10000) > 1e-6 {
		t.Errorf("ExpectedRevenue = %v, want 10000", fc.ExpectedRevenue)
	}
	if fc.SeasonIndex != 1.0 || fc.TrendCoefficient != 1.0 || fc.ExternalFactorIndex != 1.0 {
		t.Errorf("indices = %v/%v/%v, want all 1.0", fc.SeasonIndex, fc.TrendCoefficient, fc.ExternalFactorIndex)
	}
	if got := fc.ByTicketType[api.TicketDay]; math.Abs(got-10000) > 1e-6 {
		t.Errorf("ByTicketType[DAY] = %v, want 10000", got)
	}
}

func TestForecast_SimilarBranchFallbackIsMedium(t *testing.T) {
	src := metricsource.NewMemorySource()
	target := api.Branch{ID: "new", Region: "seoul", Size: "M", OpenedAt: day(2023, 11, 1)}
	src.AddBranch(target)
	src.AddBranch(api.Branch{ID: "far", Region: "busan", Size: "M"})
	src.AddBranch(api.Branch{ID: "twin", Region: "seoul", Size: "M"})
	monthlySales(src, "far", day(2023, 10, 1), 4, flat(9999))
	monthlySales(src, "twin", day(2023, 10, 1), 4, flat(500))

	fc, err := New(src, DefaultParams()).Forecast(context.Background(), Request{Branch: target, Window: febWindow})
	if err != nil {
		t.Fatalf("Forecast failed: %v", err)
	}
	if !fc.UsedSimilarBranches {
		t.Fatal("expected similar-branch fallback")
	}
	if fc.Confidence != api.ConfidenceMedium {
		t.Errorf("Confidence = %s, want MEDIUM", fc.Confidence)
	}
	if math.Abs(fc.BaseRevenue-5000) > 1e-6 {
		t.Errorf("BaseRevenue = %v, want 5000 (twin only)", fc.BaseRevenue)
	}
	if !strings.Contains(fc.Breakdown.BaseRevenueReason, "twin") {
		t.Errorf("BaseRevenueReason = %q, want mention of twin", fc.Breakdown.BaseRevenueReason)
	}
}

func TestForecast_NoDataIsNotPossible(t *testing.T) {
	src := metricsource.NewMemorySource()
	b := api.Branch{ID: "empty", Region: "seoul"}
	src.AddBranch(b)

	fc, err := New(src, DefaultParams()).Forecast(context.Background(), Request{Branch: b, Window: febWindow})
	if err != nil {
		t.Fatalf("Forecast failed: %v", err)
	}
	if fc.Possible || fc.ExpectedRevenue != 0 {
		t.Errorf("Possible=%v Expected=%v, want false/0", fc.Possible, fc.ExpectedRevenue)
	}
	if !strings.HasPrefix(fc.Breakdown.BaseRevenueReason, NotPossibleReason) {
		t.Errorf("reason = %q", fc.Breakdown.BaseRevenueReason)
	}
}

func TestForecast_SparseOwnHistoryIsLow(t *testing.T) {
	src := metricsource.NewMemorySource()
	b := api.Branch{ID: "b1", Region: "seoul", Size: "S"}
	src.AddBranch(b)
	monthlySales(src, "b1", day(2024, 1, 1), 1, flat(800))

	fc, err := New(src, DefaultParams()).Forecast(context.Background(), Request{Branch: b, Window: febWindow})
	if err != nil {
		t.Fatalf("Forecast failed: %v", err)
	}
	if !fc.Possible || fc.Confidence != api.ConfidenceLow {
		t.Errorf("Possible=%v Confidence=%s, want true/LOW", fc.Possible, fc.Confidence)
	}
}

func TestForecast_NeverNegative(t *testing.T) {
	src := metricsource.NewMemorySource()
	b := api.Branch{ID: "b1"}
	src.AddBranch(b)
	monthlySales(src, "b1", day(2023, 1, 1), 13, flat(1000))
	src.AddFactor(metricsource.Factor{
		ExternalFactor: api.ExternalFactor{Type: "COMPETITOR", ImpactEstimate: -1.5},
		Window:         febWindow,
	})

	fc, err := New(src, DefaultParams()).Forecast(context.Background(), Request{Branch: b, Window: febWindow})
	if err != nil {
		t.Fatalf("Forecast failed: %v", err)
	}
	if fc.ExternalFactorIndex >= 0 {
		t.Fatalf("ExternalFactorIndex = %v, expected negative input", fc.ExternalFactorIndex)
	}
	if fc.ExpectedRevenue != 0 {
		t.Errorf("ExpectedRevenue = %v, want 0", fc.ExpectedRevenue)
	}
	if fc.Possible {
		t.Error("a zero expectation should not count as a possible forecast")
	}
	if !strings.HasPrefix(fc.Breakdown.BaseRevenueReason, NotPossibleReason) {
		t.Errorf("reason = %q", fc.Breakdown.BaseRevenueReason)
	}
	for tt, v := range fc.ByTicketType {
		if v < 0 {
			t.Errorf("ByTicketType[%s] = %v, want >= 0", tt, v)
		}
	}
}

func TestExternalFactorIndex(t *testing.T) {
	f := New(nil, DefaultParams())
	tests := []struct {
		name    string
		factors []api.ExternalFactor
		want    float64
	}{
		{"none", nil, 1.0},
		{"exam default", []api.ExternalFactor{{Type: "EXAM"}}, 0.85},
		{"exam and holiday averaged", []api.ExternalFactor{{Type: "EXAM"}, {Type: "holiday"}}, 0.975},
		{"estimate wins", []api.ExternalFactor{{Type: "EXAM", ImpactEstimate: 0.2}}, 1.2},
		{"unknown type", []api.ExternalFactor{{Type: "PARADE"}}, 1.0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, _ := f.ExternalFactorIndex(tt.factors)
			if math.Abs(got-tt.want) > 1e-9 {
				t.Errorf("ExternalFactorIndex = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestTrend(t *testing.T) {
	f := New(nil, DefaultParams())
	month := func(m time.Month, total float64) api.MonthRevenue {
		return api.MonthRevenue{Month: day(2024, m, 1), Summary: api.MetricsSummary{Total: total, DaysWithData: 10}}
	}

	tests := []struct {
		name   string
		months []api.MonthRevenue
		want   float64
	}{
		{"single month", []api.MonthRevenue{month(1, 100)}, 1.0},
		{"growing", []api.MonthRevenue{month(1, 100), month(2, 110), month(3, 121)}, 1.1},
		{"clamped high", []api.MonthRevenue{month(1, 100), month(2, 1000), month(3, 10000)}, 2.0},
		{"clamped low", []api.MonthRevenue{month(1, 10000), month(2, 1000), month(3, 100)}, 0.5},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, _ := f.Trend(tt.months)
			if math.Abs(got-tt.want) > 1e-9 {
				t.Errorf("Trend = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestSeasonIndex(t *testing.T) {
	history := []api.MonthRevenue{
		{Month: day(2023, 1, 1), Summary: api.MetricsSummary{Total: 100}},
		{Month: day(2023, 2, 1), Summary: api.MetricsSummary{Total: 300}},
		{Month: day(2023, 3, 1), Summary: api.MetricsSummary{Total: 200}},
	}
	if got, _ := SeasonIndex(history, time.February); math.Abs(got-1.5) > 1e-9 {
		t.Errorf("SeasonIndex(Feb) = %v, want 1.5", got)
	}
	if got, _ := SeasonIndex(history, time.July); got != 1.0 {
		t.Errorf("SeasonIndex(Jul) = %v, want 1.0", got)
	}
	if got, _ := SeasonIndex(nil, time.July); got != 1.0 {
		t.Errorf("SeasonIndex(empty) = %v, want 1.0", got)
	}
}
