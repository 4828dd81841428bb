package metricsource

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/branchops/impact/internal/api"
)

// Sale is one ticket purchase
type Sale struct {
	BranchID   string
	CustomerID string
	Ticket     api.TicketType
	Amount     float64
	At         time.Time
}

// Visit is one check-in
type Visit struct {
	BranchID   string
	CustomerID string
	At         time.Time
}

// Factor is an external factor active over a date range; empty BranchID means all branches
type Factor struct {
	api.ExternalFactor
	Window   api.Window
	BranchID string
}

type segmentState struct {
	asOf    time.Time
	segment api.Segment
}

// MemorySource is an in-process Source backed by raw sales and visit records.
// Used by tests and the CLI demo dataset.
type MemorySource struct {
	mu            sync.RWMutex
	interventions map[string]*api.Intervention
	branches      []api.Branch
	sales         []Sale
	visits        []Visit
	factors       []Factor
	segments      map[string]map[string][]segmentState // branch → customer → states
	failing       map[string]error
}

// NewMemorySource creates an empty in-memory source
func NewMemorySource() *MemorySource {
	return &MemorySource{
		interventions: make(map[string]*api.Intervention),
		segments:      make(map[string]map[string][]segmentState),
		failing:       make(map[string]error),
	}
}

func (m *MemorySource) AddIntervention(iv api.Intervention) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.interventions[iv.ID] = &iv
}

func (m *MemorySource) AddBranch(b api.Branch) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.branches = append(m.branches, b)
}

func (m *MemorySource) AddSale(s Sale) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sales = append(m.sales, s)
}

func (m *MemorySource) AddVisit(v Visit) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.visits = append(m.visits, v)
}

func (m *MemorySource) AddFactor(f Factor) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.factors = append(m.factors, f)
}

// SetSegment records the segment of a customer effective from asOf
func (m *MemorySource) SetSegment(branchID, customerID string, asOf time.Time, seg api.Segment) {
	m.mu.Lock()
	defer m.mu.Unlock()
	byCustomer, ok := m.segments[branchID]
	if !ok {
		byCustomer = make(map[string][]segmentState)
		m.segments[branchID] = byCustomer
	}
	states := append(byCustomer[customerID], segmentState{asOf: api.Day(asOf), segment: seg})
	sort.Slice(states, func(i, j int) bool { return states[i].asOf.Before(states[j].asOf) })
	byCustomer[customerID] = states
}

// FailBranch makes every per-branch read for branchID return err
func (m *MemorySource) FailBranch(branchID string, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.failing[branchID] = err
}

func (m *MemorySource) check(branchID string) error {
	if err, ok := m.failing[branchID]; ok {
		return fmt.Errorf("branch %s: %w", branchID, err)
	}
	return nil
}

func inWindow(t time.Time, w api.Window) bool {
	d := api.Day(t)
	return !d.Before(api.Day(w.Start)) && !d.After(api.Day(w.End))
}

func (m *MemorySource) Intervention(ctx context.Context, id string) (*api.Intervention, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	iv, ok := m.interventions[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrInterventionNotFound, id)
	}
	cp := *iv
	return &cp, nil
}

func (m *MemorySource) Branch(ctx context.Context, id string) (*api.Branch, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if err := m.check(id); err != nil {
		return nil, err
	}
	for _, b := range m.branches {
		if b.ID == id {
			cp := b
			return &cp, nil
		}
	}
	return nil, fmt.Errorf("%w: %s", ErrBranchNotFound, id)
}

func (m *MemorySource) Branches(ctx context.Context) ([]api.Branch, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return append([]api.Branch(nil), m.branches...), nil
}

func (m *MemorySource) OldestDataDate(ctx context.Context, branchID string) (time.Time, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if err := m.check(branchID); err != nil {
		return time.Time{}, err
	}
	var oldest time.Time
	for _, s := range m.sales {
		if s.BranchID == branchID && (oldest.IsZero() || s.At.Before(oldest)) {
			oldest = s.At
		}
	}
	if oldest.IsZero() {
		return oldest, nil
	}
	return api.Day(oldest), nil
}

func (m *MemorySource) summary(branchID string, w api.Window) api.MetricsSummary {
	var s api.MetricsSummary
	days := make(map[time.Time]struct{})
	for _, sale := range m.sales {
		if sale.BranchID != branchID || !inWindow(sale.At, w) {
			continue
		}
		s.Total += sale.Amount
		switch sale.Ticket {
		case api.TicketDay:
			s.DayTicket += sale.Amount
		case api.TicketTime:
			s.TimeTicket += sale.Amount
		case api.TicketTerm:
			s.TermTicket += sale.Amount
		case api.TicketFixed:
			s.FixedTicket += sale.Amount
		}
		days[api.Day(sale.At)] = struct{}{}
	}
	s.DaysWithData = len(days)
	return s
}

func (m *MemorySource) MetricsSummary(ctx context.Context, branchID string, w api.Window) (api.MetricsSummary, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if err := m.check(branchID); err != nil {
		return api.MetricsSummary{}, err
	}
	return m.summary(branchID, w), nil
}

func (m *MemorySource) MetricsSummaries(ctx context.Context, branchIDs []string, w api.Window) (map[string]api.MetricsSummary, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make(map[string]api.MetricsSummary, len(branchIDs))
	for _, id := range branchIDs {
		if err := m.check(id); err != nil {
			return nil, err
		}
		out[id] = m.summary(id, w)
	}
	return out, nil
}

func (m *MemorySource) DailyRevenues(ctx context.Context, branchID string, w api.Window) ([]float64, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if err := m.check(branchID); err != nil {
		return nil, err
	}
	byDay := make(map[time.Time]float64)
	for _, s := range m.sales {
		if s.BranchID == branchID && inWindow(s.At, w) {
			byDay[api.Day(s.At)] += s.Amount
		}
	}
	days := make([]time.Time, 0, len(byDay))
	for d := range byDay {
		days = append(days, d)
	}
	sort.Slice(days, func(i, j int) bool { return days[i].Before(days[j]) })
	out := make([]float64, len(days))
	for i, d := range days {
		out[i] = byDay[d]
	}
	return out, nil
}

func (m *MemorySource) visitsIn(branchID string, w api.Window) []Visit {
	var out []Visit
	for _, v := range m.visits {
		if v.BranchID == branchID && inWindow(v.At, w) {
			out = append(out, v)
		}
	}
	return out
}

func (m *MemorySource) VisitCount(ctx context.Context, branchID string, w api.Window) (int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if err := m.check(branchID); err != nil {
		return 0, err
	}
	return len(m.visitsIn(branchID, w)), nil
}

func (m *MemorySource) VisitCounts(ctx context.Context, branchIDs []string, w api.Window) (map[string]int, error) {
	out := make(map[string]int, len(branchIDs))
	for _, id := range branchIDs {
		n, err := m.VisitCount(ctx, id, w)
		if err != nil {
			return nil, err
		}
		out[id] = n
	}
	return out, nil
}

func (m *MemorySource) uniqueVisitors(branchID string, w api.Window) []string {
	seen := make(map[string]struct{})
	for _, v := range m.visitsIn(branchID, w) {
		seen[v.CustomerID] = struct{}{}
	}
	out := make([]string, 0, len(seen))
	for id := range seen {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

func (m *MemorySource) UniqueVisitors(ctx context.Context, branchID string, w api.Window) ([]string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if err := m.check(branchID); err != nil {
		return nil, err
	}
	return m.uniqueVisitors(branchID, w), nil
}

func (m *MemorySource) UniqueVisitorsBatch(ctx context.Context, branchIDs []string, w api.Window) (map[string][]string, error) {
	out := make(map[string][]string, len(branchIDs))
	for _, id := range branchIDs {
		ids, err := m.UniqueVisitors(ctx, id, w)
		if err != nil {
			return nil, err
		}
		out[id] = ids
	}
	return out, nil
}

func (m *MemorySource) HourlyUsage(ctx context.Context, branchID string, w api.Window) (Hours, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var h Hours
	if err := m.check(branchID); err != nil {
		return h, err
	}
	for _, v := range m.visitsIn(branchID, w) {
		h[v.At.Hour()]++
	}
	return h, nil
}

func (m *MemorySource) HourlyUsageBatch(ctx context.Context, branchIDs []string, w api.Window) (map[string]Hours, error) {
	out := make(map[string]Hours, len(branchIDs))
	for _, id := range branchIDs {
		h, err := m.HourlyUsage(ctx, id, w)
		if err != nil {
			return nil, err
		}
		out[id] = h
	}
	return out, nil
}

func (m *MemorySource) CustomerSegments(ctx context.Context, branchID string, customerIDs []string, asOf time.Time) (map[string]api.Segment, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if err := m.check(branchID); err != nil {
		return nil, err
	}
	day := api.Day(asOf)
	out := make(map[string]api.Segment)
	byCustomer := m.segments[branchID]
	for _, id := range customerIDs {
		var found *segmentState
		for i, st := range byCustomer[id] {
			if st.asOf.After(day) {
				break
			}
			found = &byCustomer[id][i]
		}
		if found != nil {
			out[id] = found.segment
		}
	}
	return out, nil
}

func (m *MemorySource) TicketPurchases(ctx context.Context, branchID string, w api.Window) (map[string][]api.TicketType, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if err := m.check(branchID); err != nil {
		return nil, err
	}
	out := make(map[string][]api.TicketType)
	for _, s := range m.sales {
		if s.BranchID == branchID && s.CustomerID != "" && inWindow(s.At, w) {
			out[s.CustomerID] = append(out[s.CustomerID], s.Ticket)
		}
	}
	return out, nil
}

func (m *MemorySource) CustomerCounts(ctx context.Context, branchID string, w api.Window) (api.CustomerCounts, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var c api.CustomerCounts
	if err := m.check(branchID); err != nil {
		return c, err
	}

	start := api.Day(w.Start)
	first := make(map[string]time.Time)
	lastBefore := make(map[string]time.Time)
	for _, v := range m.visits {
		if v.BranchID != branchID {
			continue
		}
		d := api.Day(v.At)
		if f, ok := first[v.CustomerID]; !ok || d.Before(f) {
			first[v.CustomerID] = d
		}
		if d.Before(start) {
			if l, ok := lastBefore[v.CustomerID]; !ok || d.After(l) {
				lastBefore[v.CustomerID] = d
			}
		}
	}

	for _, id := range m.uniqueVisitors(branchID, w) {
		if inWindow(first[id], w) {
			c.New++
			continue
		}
		if l, ok := lastBefore[id]; ok && start.Sub(l) > ReturnGapDays*24*time.Hour {
			c.Returned++
		}
	}
	return c, nil
}

func (m *MemorySource) MonthlyRevenues(ctx context.Context, branchID string, before time.Time) ([]api.MonthRevenue, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if err := m.check(branchID); err != nil {
		return nil, err
	}
	cutoff := api.Day(before)
	byMonth := make(map[time.Time]*api.MetricsSummary)
	days := make(map[time.Time]map[time.Time]struct{})
	for _, s := range m.sales {
		if s.BranchID != branchID || !api.Day(s.At).Before(cutoff) {
			continue
		}
		month := time.Date(s.At.Year(), s.At.Month(), 1, 0, 0, 0, 0, time.UTC)
		sum, ok := byMonth[month]
		if !ok {
			sum = &api.MetricsSummary{}
			byMonth[month] = sum
			days[month] = make(map[time.Time]struct{})
		}
		sum.Total += s.Amount
		switch s.Ticket {
		case api.TicketDay:
			sum.DayTicket += s.Amount
		case api.TicketTime:
			sum.TimeTicket += s.Amount
		case api.TicketTerm:
			sum.TermTicket += s.Amount
		case api.TicketFixed:
			sum.FixedTicket += s.Amount
		}
		days[month][api.Day(s.At)] = struct{}{}
	}

	out := make([]api.MonthRevenue, 0, len(byMonth))
	for month, sum := range byMonth {
		sum.DaysWithData = len(days[month])
		out = append(out, api.MonthRevenue{Month: month, Summary: *sum})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Month.Before(out[j].Month) })
	return out, nil
}

func (m *MemorySource) ExternalFactors(ctx context.Context, w api.Window, branchIDs []string) ([]api.ExternalFactor, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	wanted := make(map[string]struct{}, len(branchIDs))
	for _, id := range branchIDs {
		wanted[id] = struct{}{}
	}
	var out []api.ExternalFactor
	for _, f := range m.factors {
		if f.Window.End.Before(w.Start) || f.Window.Start.After(w.End) {
			continue
		}
		if f.BranchID != "" {
			if _, ok := wanted[f.BranchID]; !ok {
				continue
			}
		}
		out = append(out, f.ExternalFactor)
	}
	return out, nil
}
