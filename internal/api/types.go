package api

import (
	"fmt"
	"time"
)

// SnapshotSchema identifies the layout of persisted branch results
const SnapshotSchema = "impact.snapshot/v1"

// Window is an inclusive date range [Start, End]
type Window struct {
	Start time.Time `json:"start"`
	End   time.Time `json:"end"`
}

// NewWindow normalizes both bounds to midnight UTC and validates ordering
func NewWindow(start, end time.Time) (Window, error) {
	w := Window{Start: Day(start), End: Day(end)}
	if err := w.Validate(); err != nil {
		return Window{}, err
	}
	return w, nil
}

// Validate checks the Start ≤ End invariant
func (w Window) Validate() error {
	if w.Start.IsZero() || w.End.IsZero() {
		return fmt.Errorf("window bounds are required")
	}
	if w.End.Before(w.Start) {
		return fmt.Errorf("window end %s is before start %s", w.End.Format(DateLayout), w.Start.Format(DateLayout))
	}
	return nil
}

// Days returns the inclusive number of calendar days in the window
func (w Window) Days() int {
	return int(Day(w.End).Sub(Day(w.Start)).Hours()/24) + 1
}

func (w Window) String() string {
	return w.Start.Format(DateLayout) + "~" + w.End.Format(DateLayout)
}

// DateLayout is the wire format for dates
const DateLayout = "2006-01-02"

// Day truncates t to midnight UTC
func Day(t time.Time) time.Time {
	y, m, d := t.Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}

// TicketType is a purchasable ticket category, ordered by value tier
type TicketType string

const (
	TicketDay   TicketType = "DAY"
	TicketTime  TicketType = "TIME"
	TicketTerm  TicketType = "TERM"
	TicketFixed TicketType = "FIXED"
)

// TicketTiers lists ticket types from lowest to highest tier
var TicketTiers = []TicketType{TicketDay, TicketTime, TicketTerm, TicketFixed}

// Tier returns the position of t in TicketTiers, or -1 if unknown
func (t TicketType) Tier() int {
	for i, tt := range TicketTiers {
		if tt == t {
			return i
		}
	}
	return -1
}

// MetricsSummary holds aggregate revenue for one branch and one window
type MetricsSummary struct {
	Total        float64 `json:"total"`
	DayTicket    float64 `json:"day_ticket"`
	TimeTicket   float64 `json:"time_ticket"`
	TermTicket   float64 `json:"term_ticket"`
	FixedTicket  float64 `json:"fixed_ticket"`
	DaysWithData int     `json:"days_with_data"`
}

// ByTicket returns the category amount for t
func (s MetricsSummary) ByTicket(t TicketType) float64 {
	switch t {
	case TicketDay:
		return s.DayTicket
	case TicketTime:
		return s.TimeTicket
	case TicketTerm:
		return s.TermTicket
	case TicketFixed:
		return s.FixedTicket
	}
	return 0
}

// ComparisonMode selects how the baseline is obtained
type ComparisonMode string

const (
	ModeYoY      ComparisonMode = "YOY"
	ModeMoM      ComparisonMode = "MOM"
	ModeForecast ComparisonMode = "FORECAST"
)

// ParseComparisonMode parses a caller-supplied override ("" means none)
func ParseComparisonMode(s string) (*ComparisonMode, error) {
	switch ComparisonMode(s) {
	case "":
		return nil, nil
	case ModeYoY, ModeMoM, ModeForecast:
		m := ComparisonMode(s)
		return &m, nil
	}
	return nil, fmt.Errorf("unknown comparison mode: %s", s)
}

// Confidence is the qualitative reliability of a forecast baseline
type Confidence string

const (
	ConfidenceLow    Confidence = "LOW"
	ConfidenceMedium Confidence = "MEDIUM"
	ConfidenceHigh   Confidence = "HIGH"
)

// ForecastBreakdown explains how each forecast factor was obtained
type ForecastBreakdown struct {
	BaseRevenueReason    string `json:"base_revenue_reason"`
	SeasonReason         string `json:"season_reason"`
	ExternalFactorReason string `json:"external_factor_reason"`
	TrendReason          string `json:"trend_reason"`
}

// Forecast is the expected-revenue baseline used when no history is comparable
type Forecast struct {
	ExpectedRevenue     float64                `json:"expected_revenue"`
	BaseRevenue         float64                `json:"base_revenue"`
	SeasonIndex         float64                `json:"season_index"`
	ExternalFactorIndex float64                `json:"external_factor_index"`
	TrendCoefficient    float64                `json:"trend_coefficient"`
	Confidence          Confidence             `json:"confidence"`
	Possible            bool                   `json:"possible"`
	UsedSimilarBranches bool                   `json:"used_similar_branches"`
	Breakdown           ForecastBreakdown      `json:"breakdown"`
	ByTicketType        map[TicketType]float64 `json:"by_ticket_type,omitempty"`
}

// SignificanceResult is the outcome of the two-sample test
type SignificanceResult struct {
	IsSignificant bool    `json:"is_significant"`
	PValue        float64 `json:"p_value"`
	TStatistic    float64 `json:"t_statistic"`
}

// EffectInterpretation buckets |d|
type EffectInterpretation string

const (
	EffectNone   EffectInterpretation = "NONE"
	EffectSmall  EffectInterpretation = "SMALL"
	EffectMedium EffectInterpretation = "MEDIUM"
	EffectLarge  EffectInterpretation = "LARGE"
)

// EffectSize is Cohen's d on daily revenue
type EffectSize struct {
	D              float64              `json:"d"`
	Interpretation EffectInterpretation `json:"interpretation"`
}

// Segment is a customer value/engagement segment
type Segment string

const (
	SegmentVIP      Segment = "VIP"
	SegmentLoyal    Segment = "LOYAL"
	SegmentGeneral  Segment = "GENERAL"
	SegmentAtRisk   Segment = "AT_RISK"
	SegmentDormant  Segment = "DORMANT"
	SegmentNew      Segment = "NEW"
	SegmentReturned Segment = "RETURNED"
)

// Segments is the closed set of segments in reporting order
var Segments = []Segment{SegmentVIP, SegmentLoyal, SegmentGeneral, SegmentNew, SegmentReturned, SegmentAtRisk, SegmentDormant}

// IsActive reports whether s is an engaged (non at-risk, non dormant) segment
func (s Segment) IsActive() bool {
	return s != SegmentAtRisk && s != SegmentDormant
}

// SegmentMigration counts customers that moved From → To
type SegmentMigration struct {
	From       Segment `json:"from"`
	To         Segment `json:"to"`
	Count      int     `json:"count"`
	IsPositive bool    `json:"is_positive"`
}

// TicketUpgrade counts customers whose highest ticket tier moved up
type TicketUpgrade struct {
	FromTicket        TicketType `json:"from_ticket"`
	ToTicket          TicketType `json:"to_ticket"`
	Count             int        `json:"count"`
	FromTicketHolders int        `json:"from_ticket_holders"`
	UpgradeRate       float64    `json:"upgrade_rate"`
}

// VisitPattern summarizes visit frequency and peak-hour movement
type VisitPattern struct {
	AvgVisitsBefore           float64 `json:"avg_visits_before"`
	AvgVisitsBeforeNormalized float64 `json:"avg_visits_before_normalized"`
	AvgVisitsAfter            float64 `json:"avg_visits_after"`
	FrequencyChange           float64 `json:"frequency_change"`
	PeakHourBefore            int     `json:"peak_hour_before"`
	PeakHourAfter             int     `json:"peak_hour_after"`
	PeakHourShift             int     `json:"peak_hour_shift"`
	Normalized                bool    `json:"normalized"`
}

// SubScore is one named component of the composite score
type SubScore struct {
	Value  float64 `json:"value"`
	Reason string  `json:"reason"`
}

// ScoreBreakdown is the auditable decomposition of TotalScore
type ScoreBreakdown struct {
	RevenueGrowth SubScore `json:"revenue_growth"`
	VisitsGrowth  SubScore `json:"visits_growth"`
	Statistical   SubScore `json:"statistical"`
	Customer      SubScore `json:"customer"`
	Segment       SubScore `json:"segment"`
	TicketUpgrade SubScore `json:"ticket_upgrade"`
	TotalScore    float64  `json:"total_score"`
}

// Sum adds up the six sub-scores without clamping
func (b ScoreBreakdown) Sum() float64 {
	return b.RevenueGrowth.Value + b.VisitsGrowth.Value + b.Statistical.Value +
		b.Customer.Value + b.Segment.Value + b.TicketUpgrade.Value
}

// Verdict is the qualitative label derived from TotalScore
type Verdict string

const (
	VerdictExcellent Verdict = "EXCELLENT"
	VerdictGood      Verdict = "GOOD"
	VerdictNeutral   Verdict = "NEUTRAL"
	VerdictPoor      Verdict = "POOR"
	VerdictFailed    Verdict = "FAILED"
)

// HistoricalComparison is the baseline for YOY and MOM modes
type HistoricalComparison struct {
	Window  Window         `json:"window"`
	Summary MetricsSummary `json:"summary"`
}

// ForecastComparison is the baseline when no historical window has data.
// NominalMode is the mode the resolver picked before the fallback.
type ForecastComparison struct {
	NominalMode   ComparisonMode `json:"nominal_mode"`
	NominalWindow Window         `json:"nominal_window"`
	Forecast      Forecast       `json:"forecast"`
}

// Comparison is a tagged variant: exactly one field is set, matching Mode
type Comparison struct {
	Mode     ComparisonMode        `json:"mode"`
	YoY      *HistoricalComparison `json:"yoy,omitempty"`
	MoM      *HistoricalComparison `json:"mom,omitempty"`
	Forecast *ForecastComparison   `json:"forecast,omitempty"`
}

// BaselineRevenue returns the revenue the intervention is compared against
func (c Comparison) BaselineRevenue() float64 {
	switch c.Mode {
	case ModeYoY:
		if c.YoY != nil {
			return c.YoY.Summary.Total
		}
	case ModeMoM:
		if c.MoM != nil {
			return c.MoM.Summary.Total
		}
	case ModeForecast:
		if c.Forecast != nil {
			return c.Forecast.Forecast.ExpectedRevenue
		}
	}
	return 0
}

// Validate checks that the variant carries exactly the field for its mode
func (c Comparison) Validate() error {
	set := 0
	for _, p := range []bool{c.YoY != nil, c.MoM != nil, c.Forecast != nil} {
		if p {
			set++
		}
	}
	if set != 1 {
		return fmt.Errorf("comparison must carry exactly one variant, got %d", set)
	}
	switch {
	case c.Mode == ModeYoY && c.YoY == nil,
		c.Mode == ModeMoM && c.MoM == nil,
		c.Mode == ModeForecast && c.Forecast == nil:
		return fmt.Errorf("comparison variant does not match mode %s", c.Mode)
	}
	return nil
}

// ControlGroup is the unaffected branch used to net out background growth
type ControlGroup struct {
	BranchID   string  `json:"branch_id"`
	BranchName string  `json:"branch_name"`
	Growth     float64 `json:"growth"`
}

// BranchPerformanceResult is the per (intervention, branch) analysis record
type BranchPerformanceResult struct {
	InterventionID         string             `json:"intervention_id"`
	BranchID               string             `json:"branch_id"`
	BranchName             string             `json:"branch_name"`
	Window                 Window             `json:"window"`
	Comparison             Comparison         `json:"comparison"`
	HasYoYData             bool               `json:"has_yoy_data"`
	IsNewBranch            bool               `json:"is_new_branch"`
	NoComparisonDataReason string             `json:"no_comparison_data_reason,omitempty"`
	Current                MetricsSummary     `json:"current"`
	RevenueGrowth          float64            `json:"revenue_growth"`
	RevenueGrowthAdjusted  *float64           `json:"revenue_growth_adjusted,omitempty"`
	RevenueDelta           float64            `json:"revenue_delta"`
	VisitsBefore           int                `json:"visits_before"`
	VisitsAfter            int                `json:"visits_after"`
	VisitsGrowth           float64            `json:"visits_growth"`
	ControlGroup           *ControlGroup      `json:"control_group,omitempty"`
	Significance           SignificanceResult `json:"significance"`
	EffectSize             EffectSize         `json:"effect_size"`
	NewCustomers           int                `json:"new_customers"`
	ReturnedCustomers      int                `json:"returned_customers"`
	SegmentMigrations      []SegmentMigration `json:"segment_migrations"`
	UnchangedCustomers     int                `json:"unchanged_customers"`
	TicketUpgrades         []TicketUpgrade    `json:"ticket_upgrades"`
	VisitPattern           VisitPattern       `json:"visit_pattern"`
	ScoreBreakdown         ScoreBreakdown     `json:"score_breakdown"`
	Score                  float64            `json:"score"`
	Verdict                Verdict            `json:"verdict"`
	Error                  string             `json:"error,omitempty"`
}

// Failed reports whether the branch analysis was aborted by a source error
func (r *BranchPerformanceResult) Failed() bool {
	return r.Error != ""
}

// Summary aggregates successful branch results
type Summary struct {
	BranchCount            int                `json:"branch_count"`
	FailedCount            int                `json:"failed_count"`
	AvgRevenueGrowth       float64            `json:"avg_revenue_growth"`
	AvgVisitsGrowth        float64            `json:"avg_visits_growth"`
	AvgScore               float64            `json:"avg_score"`
	TotalNewCustomers      int                `json:"total_new_customers"`
	TotalReturnedCustomers int                `json:"total_returned_customers"`
	SignificantCount       int                `json:"significant_count"`
	SegmentMigrations      []SegmentMigration `json:"segment_migrations"`
	TicketUpgrades         []TicketUpgrade    `json:"ticket_upgrades"`
}

// AnalysisReport is the response of one Analyze call
type AnalysisReport struct {
	RunID          string                     `json:"run_id"`
	InterventionID string                     `json:"intervention_id"`
	PerBranch      []*BranchPerformanceResult `json:"per_branch"`
	Summary        Summary                    `json:"summary"`
}

// InterventionKind distinguishes the kinds of business interventions
type InterventionKind string

const (
	KindEvent      InterventionKind = "EVENT"
	KindAdCampaign InterventionKind = "AD_CAMPAIGN"
	KindOperation  InterventionKind = "OPERATION"
)

// Intervention is the thing whose effect is being measured.
// End is zero for permanent operational changes.
type Intervention struct {
	ID        string           `json:"id"`
	Name      string           `json:"name"`
	Kind      InterventionKind `json:"kind"`
	Start     time.Time        `json:"start"`
	End       time.Time        `json:"end"`
	BranchIDs []string         `json:"branch_ids"`
}

// Branch carries the characteristics used for similarity and age checks
type Branch struct {
	ID             string    `json:"id"`
	Name           string    `json:"name"`
	Region         string    `json:"region"`
	Size           string    `json:"size"`
	TargetAudience string    `json:"target_audience"`
	OpenedAt       time.Time `json:"opened_at"`
}

// SimilarTo reports whether b shares region and either size or audience with o
func (b Branch) SimilarTo(o Branch) bool {
	if b.ID == o.ID || b.Region == "" || b.Region != o.Region {
		return false
	}
	return (b.Size != "" && b.Size == o.Size) || (b.TargetAudience != "" && b.TargetAudience == o.TargetAudience)
}

// ExternalFactor is an outside event overlapping an analysis window.
// ImpactEstimate is a signed fraction (-0.15 = 15% suppressive); 0 means unknown.
type ExternalFactor struct {
	Type           string  `json:"type"`
	ImpactEstimate float64 `json:"impact_estimate"`
}

// MonthRevenue is one calendar month of branch revenue
type MonthRevenue struct {
	Month   time.Time      `json:"month"`
	Summary MetricsSummary `json:"summary"`
}

// DailyAverage returns revenue per day with data, falling back to calendar days
func (m MonthRevenue) DailyAverage() float64 {
	days := m.Summary.DaysWithData
	if days <= 0 {
		days = time.Date(m.Month.Year(), m.Month.Month()+1, 0, 0, 0, 0, 0, time.UTC).Day()
	}
	return m.Summary.Total / float64(days)
}

// CustomerCounts are first-time and returning customers within a window
type CustomerCounts struct {
	New      int `json:"new"`
	Returned int `json:"returned"`
}

// GrowthRate returns the percentage change from prev to curr.
// 0 when both are 0, 100 when only prev is 0.
func GrowthRate(prev, curr float64) float64 {
	if prev == 0 {
		if curr > 0 {
			return 100
		}
		return 0
	}
	return (curr - prev) / prev * 100
}
