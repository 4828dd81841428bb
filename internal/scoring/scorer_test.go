package scoring

import (
	"math"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/branchops/impact/internal/api"
)

func newDefault(t *testing.T) *Scorer {
	t.Helper()
	s, err := NewScorer(DefaultPolicy())
	if err != nil {
		t.Fatalf("NewScorer failed: %v", err)
	}
	return s
}

func TestVerdictFor(t *testing.T) {
	tests := []struct {
		score float64
		want  api.Verdict
	}{
		{100, api.VerdictExcellent},
		{70, api.VerdictExcellent},
		{69, api.VerdictGood},
		{69.99, api.VerdictGood},
		{50, api.VerdictGood},
		{49, api.VerdictNeutral},
		{30, api.VerdictNeutral},
		{29, api.VerdictPoor},
		{10, api.VerdictPoor},
		{9, api.VerdictFailed},
		{0, api.VerdictFailed},
	}
	for _, tt := range tests {
		if got := VerdictFor(tt.score); got != tt.want {
			t.Errorf("VerdictFor(%v) = %s, want %s", tt.score, got, tt.want)
		}
	}
}

func TestRevenueGrowthBreakpoints(t *testing.T) {
	s := newDefault(t)
	tests := []struct {
		growth float64
		want   float64
	}{
		{30, 30}, {20.01, 30}, {20, 20}, {10.5, 20}, {10, 15}, {5.1, 15},
		{5, 10}, {0.1, 10}, {0, 0}, {-0.1, -10}, {-10, -10}, {-10.1, -20}, {-80, -20},
	}
	for _, tt := range tests {
		if got := s.Score(Input{RevenueGrowth: tt.growth}).RevenueGrowth.Value; got != tt.want {
			t.Errorf("revenue growth %v → %v, want %v", tt.growth, got, tt.want)
		}
	}
}

func TestVisitsGrowthBreakpoints(t *testing.T) {
	s := newDefault(t)
	tests := []struct {
		growth float64
		want   float64
	}{
		{16, 15}, {15, 10}, {6, 10}, {5, 5}, {0.5, 5}, {0, 0}, {-10, 0}, {-10.5, -10},
	}
	for _, tt := range tests {
		if got := s.Score(Input{VisitsGrowth: tt.growth}).VisitsGrowth.Value; got != tt.want {
			t.Errorf("visits growth %v → %v, want %v", tt.growth, got, tt.want)
		}
	}
}

func TestScore_UsesNetOfControlGrowth(t *testing.T) {
	s := newDefault(t)
	adj := 3.0
	b := s.Score(Input{RevenueGrowth: 25, RevenueGrowthAdjusted: &adj})
	if b.RevenueGrowth.Value != 10 {
		t.Errorf("revenue sub-score = %v, want 10 (net growth 3%%)", b.RevenueGrowth.Value)
	}
	if !strings.Contains(b.RevenueGrowth.Reason, "net of control") {
		t.Errorf("reason = %q", b.RevenueGrowth.Reason)
	}
}

func TestScore_ForecastNotPossible(t *testing.T) {
	b := newDefault(t).Score(Input{RevenueGrowth: 100, ForecastImpossible: true})
	if b.RevenueGrowth.Value != 0 || b.RevenueGrowth.Reason != ReasonForecastNotPossible {
		t.Errorf("revenue sub-score = %+v", b.RevenueGrowth)
	}
}

func TestScore_Statistical(t *testing.T) {
	s := newDefault(t)
	sig := api.SignificanceResult{IsSignificant: true, PValue: 0.01, TStatistic: 3}
	tests := []struct {
		name   string
		in     Input
		want   float64
		reason string
	}{
		{"significant gain large", Input{RevenueGrowth: 12, Significance: sig, Effect: api.EffectSize{D: 1.1, Interpretation: api.EffectLarge}}, 20, "significant increase"},
		{"significant gain medium", Input{RevenueGrowth: 12, Significance: sig, Effect: api.EffectSize{D: 0.6, Interpretation: api.EffectMedium}}, 18, "medium effect"},
		{"significant loss", Input{RevenueGrowth: -12, Significance: sig}, -5, "significant decrease"},
		{"not significant", Input{RevenueGrowth: 12}, 0, ReasonNoSignificantChange},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := s.Score(tt.in).Statistical
			if got.Value != tt.want {
				t.Errorf("statistical = %v, want %v", got.Value, tt.want)
			}
			if !strings.Contains(got.Reason, tt.reason) {
				t.Errorf("reason = %q, want it to contain %q", got.Reason, tt.reason)
			}
		})
	}
}

func TestScore_Customers(t *testing.T) {
	s := newDefault(t)
	tests := []struct {
		newC, ret int
		want      float64
	}{
		{21, 11, 15}, {21, 6, 13}, {11, 0, 5}, {10, 5, 0}, {0, 11, 5},
	}
	for _, tt := range tests {
		if got := s.Score(Input{NewCustomers: tt.newC, ReturnedCustomers: tt.ret}).Customer.Value; got != tt.want {
			t.Errorf("customers(%d, %d) = %v, want %v", tt.newC, tt.ret, got, tt.want)
		}
	}
}

func TestScore_SegmentNegligible(t *testing.T) {
	s := newDefault(t)
	ms := []api.SegmentMigration{
		{From: api.SegmentGeneral, To: api.SegmentVIP, Count: 5, IsPositive: true},
		{From: api.SegmentGeneral, To: api.SegmentAtRisk, Count: 2},
	}
	if sum := s.SegmentSum(ms); math.Abs(sum-1.5) > 1e-9 {
		t.Errorf("SegmentSum = %v, want 1.5", sum)
	}
	got := s.Score(Input{Migrations: ms}).Segment
	if got.Value != 0 || !strings.HasPrefix(got.Reason, ReasonSegmentNegligible) {
		t.Errorf("segment = %+v, want 0 / %q", got, ReasonSegmentNegligible)
	}
}

func TestScore_SegmentBuckets(t *testing.T) {
	s := newDefault(t)
	tests := []struct {
		name string
		ms   []api.SegmentMigration
		want float64
	}{
		{"recovery into VIP is additive", []api.SegmentMigration{{From: api.SegmentAtRisk, To: api.SegmentVIP, Count: 10}}, 7},
		{"large upgrade", []api.SegmentMigration{{From: api.SegmentGeneral, To: api.SegmentLoyal, Count: 32}}, 10},
		{"moderate recovery", []api.SegmentMigration{{From: api.SegmentDormant, To: api.SegmentGeneral, Count: 5}}, 4},
		{"decline", []api.SegmentMigration{{From: api.SegmentGeneral, To: api.SegmentDormant, Count: 12}}, -5},
		{"heavy decline", []api.SegmentMigration{{From: api.SegmentLoyal, To: api.SegmentAtRisk, Count: 22}}, -10},
		{"between inactive segments", []api.SegmentMigration{{From: api.SegmentAtRisk, To: api.SegmentDormant, Count: 4}}, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := s.Score(Input{Migrations: tt.ms}).Segment.Value; got != tt.want {
				t.Errorf("segment = %v, want %v (sum %v)", got, tt.want, s.SegmentSum(tt.ms))
			}
		})
	}
}

func TestScore_TicketUpgrades(t *testing.T) {
	s := newDefault(t)
	up := func(n int) []api.TicketUpgrade {
		return []api.TicketUpgrade{{FromTicket: api.TicketDay, ToTicket: api.TicketTerm, Count: n}}
	}
	for n, want := range map[int]float64{31: 10, 30: 5, 16: 5, 15: 0} {
		if got := s.Score(Input{Upgrades: up(n)}).TicketUpgrade.Value; got != want {
			t.Errorf("upgrades %d → %v, want %v", n, got, want)
		}
	}
}

func TestScore_TotalClamped(t *testing.T) {
	s := newDefault(t)
	sig := api.SignificanceResult{IsSignificant: true, PValue: 0.001}

	best := s.Score(Input{
		RevenueGrowth:     90,
		VisitsGrowth:      90,
		Significance:      sig,
		Effect:            api.EffectSize{D: 2, Interpretation: api.EffectLarge},
		NewCustomers:      100,
		ReturnedCustomers: 100,
		Migrations:        []api.SegmentMigration{{From: api.SegmentDormant, To: api.SegmentVIP, Count: 100}},
		Upgrades:          []api.TicketUpgrade{{FromTicket: api.TicketDay, ToTicket: api.TicketFixed, Count: 100}},
	})
	if best.TotalScore != 100 || best.Sum() != 100 {
		t.Errorf("best total = %v (sum %v), want 100", best.TotalScore, best.Sum())
	}

	worst := s.Score(Input{
		RevenueGrowth: -90,
		VisitsGrowth:  -90,
		Significance:  sig,
		Migrations:    []api.SegmentMigration{{From: api.SegmentVIP, To: api.SegmentDormant, Count: 100}},
	})
	if worst.TotalScore != 0 {
		t.Errorf("worst total = %v, want 0", worst.TotalScore)
	}
	if worst.Sum() >= 0 {
		t.Errorf("worst sum = %v, expected negative before clamping", worst.Sum())
	}
}

func TestScenario_YoYThirtyPercent(t *testing.T) {
	growth := api.GrowthRate(1_000_000, 1_300_000)
	if math.Abs(growth-30) > 1e-9 {
		t.Fatalf("growth = %v, want 30", growth)
	}
	if got := newDefault(t).Score(Input{RevenueGrowth: growth}).RevenueGrowth.Value; got != 30 {
		t.Errorf("revenue sub-score = %v, want 30", got)
	}
}

func TestLoadPolicy(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "policy.json")
	if err := os.WriteFile(path, []byte(`{"version":"2.0.0","ticket_upgrades":{"above":[{"threshold":5,"points":8}]}}`), 0o644); err != nil {
		t.Fatal(err)
	}

	p, err := LoadPolicy(path)
	if err != nil {
		t.Fatalf("LoadPolicy failed: %v", err)
	}
	if p.Version != "2.0.0" {
		t.Errorf("Version = %s", p.Version)
	}
	if p.SignificantGain != 15 {
		t.Errorf("unspecified fields should keep defaults, SignificantGain = %v", p.SignificantGain)
	}
	s, err := NewScorer(p)
	if err != nil {
		t.Fatalf("NewScorer failed: %v", err)
	}
	up := []api.TicketUpgrade{{FromTicket: api.TicketDay, ToTicket: api.TicketTime, Count: 6}}
	if got := s.Score(Input{Upgrades: up}).TicketUpgrade.Value; got != 8 {
		t.Errorf("custom ticket score = %v, want 8", got)
	}
}

func TestPolicyValidate(t *testing.T) {
	p := DefaultPolicy()
	p.Segment.Above = []Tier{{3, 4}, {8, 7}}
	if err := p.Validate(); err == nil {
		t.Error("expected error for ascending above thresholds")
	}

	p = DefaultPolicy()
	p.Version = ""
	if _, err := NewScorer(p); err == nil {
		t.Error("expected error for missing version")
	}

	d := DefaultPolicy()
	h1, err := d.Hash()
	if err != nil {
		t.Fatal(err)
	}
	d.SignificantGain = 14
	h2, _ := d.Hash()
	if h1 == h2 {
		t.Error("hash should change with policy content")
	}
}
