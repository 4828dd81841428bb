package metricsource

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net/url"
	"sort"
	"strings"
	"time"

	"github.com/go-sql-driver/mysql"

	"github.com/branchops/impact/internal/api"
)

// SQLSource reads branch metrics from the operational MySQL/MariaDB warehouse.
//
// Schema:
//
//	branches(id, name, region, size, target_audience, opened_at)
//	interventions(id, name, kind, start_date, end_date NULL)
//	intervention_branches(intervention_id, branch_id)
//	sales(id, branch_id, customer_id NULL, ticket_type, amount, sold_at)
//	visits(id, branch_id, customer_id, entered_at)
//	customer_segments(branch_id, customer_id, segment, as_of)
//	external_factors(id, type, impact_estimate NULL, start_date, end_date, branch_id NULL)
type SQLSource struct {
	db *sql.DB
}

// OpenSQL opens a pool from a mysql:// or mariadb:// URL or a native DSN
func OpenSQL(dsn string) (*SQLSource, error) {
	mysqlDSN, err := toMySQLDSN(dsn)
	if err != nil {
		return nil, err
	}
	db, err := sql.Open("mysql", mysqlDSN)
	if err != nil {
		return nil, fmt.Errorf("failed to open metrics db: %w", err)
	}
	db.SetMaxOpenConns(10)
	db.SetMaxIdleConns(10)
	db.SetConnMaxLifetime(30 * time.Minute)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("metrics db ping failed: %w", err)
	}

	return &SQLSource{db: db}, nil
}

// NewSQLSource wraps an existing pool
func NewSQLSource(db *sql.DB) *SQLSource {
	return &SQLSource{db: db}
}

func (s *SQLSource) Close() error {
	return s.db.Close()
}

// toMySQLDSN converts a mysql:// or mariadb:// URL to a driver DSN, or parses a
// native DSN. Either way time scanning is forced on in UTC, since dates and
// opened_at are read into time.Time.
func toMySQLDSN(dsn string) (string, error) {
	var cfg *mysql.Config
	if strings.HasPrefix(dsn, "mariadb://") || strings.HasPrefix(dsn, "mysql://") {
		u, err := url.Parse(dsn)
		if err != nil {
			return "", fmt.Errorf("parse dsn: %w", err)
		}
		cfg = mysql.NewConfig()
		if u.User != nil {
			cfg.User = u.User.Username()
			cfg.Passwd, _ = u.User.Password()
		}
		cfg.Net = "tcp"
		cfg.Addr = u.Host
		cfg.DBName = strings.TrimPrefix(u.Path, "/")
		if cfg.User == "" || cfg.Addr == "" || cfg.DBName == "" {
			return "", fmt.Errorf("incomplete dsn (user/host/db)")
		}
	} else {
		var err error
		if cfg, err = mysql.ParseDSN(dsn); err != nil {
			return "", fmt.Errorf("parse dsn: %w", err)
		}
	}
	cfg.ParseTime = true
	cfg.Loc = time.UTC
	cfg.InterpolateParams = true
	return cfg.FormatDSN(), nil
}

// bounds converts an inclusive day window to a half-open timestamp range
func bounds(w api.Window) (time.Time, time.Time) {
	return api.Day(w.Start), api.Day(w.End).AddDate(0, 0, 1)
}

func placeholders(n int) string {
	return strings.TrimSuffix(strings.Repeat("?,", n), ",")
}

func idArgs(ids []string) []any {
	args := make([]any, len(ids))
	for i, id := range ids {
		args[i] = id
	}
	return args
}

func (s *SQLSource) Intervention(ctx context.Context, id string) (*api.Intervention, error) {
	var (
		iv   api.Intervention
		kind string
		end  sql.NullTime
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT id, name, kind, start_date, end_date FROM interventions WHERE id = ?`, id,
	).Scan(&iv.ID, &iv.Name, &kind, &iv.Start, &end)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", ErrInterventionNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("query intervention: %w", err)
	}
	iv.Kind = api.InterventionKind(kind)
	if end.Valid {
		iv.End = end.Time
	}

	rows, err := s.db.QueryContext(ctx,
		`SELECT branch_id FROM intervention_branches WHERE intervention_id = ? ORDER BY branch_id`, id)
	if err != nil {
		return nil, fmt.Errorf("query intervention branches: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var b string
		if err := rows.Scan(&b); err != nil {
			return nil, err
		}
		iv.BranchIDs = append(iv.BranchIDs, b)
	}
	return &iv, rows.Err()
}

const branchColumns = `id, name, COALESCE(region, ''), COALESCE(size, ''), COALESCE(target_audience, ''), opened_at`

func scanBranch(sc interface{ Scan(...any) error }) (api.Branch, error) {
	var (
		b      api.Branch
		opened sql.NullTime
	)
	if err := sc.Scan(&b.ID, &b.Name, &b.Region, &b.Size, &b.TargetAudience, &opened); err != nil {
		return b, err
	}
	if opened.Valid {
		b.OpenedAt = opened.Time
	}
	return b, nil
}

func (s *SQLSource) Branch(ctx context.Context, id string) (*api.Branch, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+branchColumns+` FROM branches WHERE id = ?`, id)
	b, err := scanBranch(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", ErrBranchNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("query branch: %w", err)
	}
	return &b, nil
}

func (s *SQLSource) Branches(ctx context.Context) ([]api.Branch, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+branchColumns+` FROM branches ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("query branches: %w", err)
	}
	defer rows.Close()

	var out []api.Branch
	for rows.Next() {
		b, err := scanBranch(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, b)
	}
	return out, rows.Err()
}

func (s *SQLSource) OldestDataDate(ctx context.Context, branchID string) (time.Time, error) {
	var oldest sql.NullTime
	err := s.db.QueryRowContext(ctx, `SELECT MIN(sold_at) FROM sales WHERE branch_id = ?`, branchID).Scan(&oldest)
	if err != nil {
		return time.Time{}, fmt.Errorf("query oldest sale: %w", err)
	}
	if !oldest.Valid {
		return time.Time{}, nil
	}
	return api.Day(oldest.Time), nil
}

const summaryColumns = `
	COALESCE(SUM(amount), 0),
	COALESCE(SUM(CASE WHEN ticket_type = 'DAY' THEN amount END), 0),
	COALESCE(SUM(CASE WHEN ticket_type = 'TIME' THEN amount END), 0),
	COALESCE(SUM(CASE WHEN ticket_type = 'TERM' THEN amount END), 0),
	COALESCE(SUM(CASE WHEN ticket_type = 'FIXED' THEN amount END), 0),
	COUNT(DISTINCT DATE(sold_at))`

func (s *SQLSource) MetricsSummary(ctx context.Context, branchID string, w api.Window) (api.MetricsSummary, error) {
	from, to := bounds(w)
	var sum api.MetricsSummary
	err := s.db.QueryRowContext(ctx,
		`SELECT `+summaryColumns+` FROM sales WHERE branch_id = ? AND sold_at >= ? AND sold_at < ?`,
		branchID, from, to,
	).Scan(&sum.Total, &sum.DayTicket, &sum.TimeTicket, &sum.TermTicket, &sum.FixedTicket, &sum.DaysWithData)
	if err != nil {
		return sum, fmt.Errorf("query metrics summary: %w", err)
	}
	return sum, nil
}

func (s *SQLSource) MetricsSummaries(ctx context.Context, branchIDs []string, w api.Window) (map[string]api.MetricsSummary, error) {
	out := make(map[string]api.MetricsSummary, len(branchIDs))
	if len(branchIDs) == 0 {
		return out, nil
	}
	from, to := bounds(w)
	args := append(idArgs(branchIDs), from, to)
	rows, err := s.db.QueryContext(ctx,
		`SELECT branch_id, `+summaryColumns+` FROM sales
		 WHERE branch_id IN (`+placeholders(len(branchIDs))+`) AND sold_at >= ? AND sold_at < ?
		 GROUP BY branch_id`, args...)
	if err != nil {
		return nil, fmt.Errorf("query metrics summaries: %w", err)
	}
	defer rows.Close()

	for _, id := range branchIDs {
		out[id] = api.MetricsSummary{}
	}
	for rows.Next() {
		var (
			id  string
			sum api.MetricsSummary
		)
		if err := rows.Scan(&id, &sum.Total, &sum.DayTicket, &sum.TimeTicket, &sum.TermTicket, &sum.FixedTicket, &sum.DaysWithData); err != nil {
			return nil, err
		}
		out[id] = sum
	}
	return out, rows.Err()
}

func (s *SQLSource) DailyRevenues(ctx context.Context, branchID string, w api.Window) ([]float64, error) {
	from, to := bounds(w)
	rows, err := s.db.QueryContext(ctx,
		`SELECT DATE(sold_at) AS d, SUM(amount) FROM sales
		 WHERE branch_id = ? AND sold_at >= ? AND sold_at < ?
		 GROUP BY d ORDER BY d`, branchID, from, to)
	if err != nil {
		return nil, fmt.Errorf("query daily revenues: %w", err)
	}
	defer rows.Close()

	var out []float64
	for rows.Next() {
		var (
			d     time.Time
			total float64
		)
		if err := rows.Scan(&d, &total); err != nil {
			return nil, err
		}
		out = append(out, total)
	}
	return out, rows.Err()
}

func (s *SQLSource) VisitCount(ctx context.Context, branchID string, w api.Window) (int, error) {
	counts, err := s.VisitCounts(ctx, []string{branchID}, w)
	if err != nil {
		return 0, err
	}
	return counts[branchID], nil
}

func (s *SQLSource) VisitCounts(ctx context.Context, branchIDs []string, w api.Window) (map[string]int, error) {
	out := make(map[string]int, len(branchIDs))
	if len(branchIDs) == 0 {
		return out, nil
	}
	from, to := bounds(w)
	rows, err := s.db.QueryContext(ctx,
		`SELECT branch_id, COUNT(*) FROM visits
		 WHERE branch_id IN (`+placeholders(len(branchIDs))+`) AND entered_at >= ? AND entered_at < ?
		 GROUP BY branch_id`, append(idArgs(branchIDs), from, to)...)
	if err != nil {
		return nil, fmt.Errorf("query visit counts: %w", err)
	}
	defer rows.Close()

	for _, id := range branchIDs {
		out[id] = 0
	}
	for rows.Next() {
		var (
			id string
			n  int
		)
		if err := rows.Scan(&id, &n); err != nil {
			return nil, err
		}
		out[id] = n
	}
	return out, rows.Err()
}

func (s *SQLSource) UniqueVisitors(ctx context.Context, branchID string, w api.Window) ([]string, error) {
	batch, err := s.UniqueVisitorsBatch(ctx, []string{branchID}, w)
	if err != nil {
		return nil, err
	}
	return batch[branchID], nil
}

func (s *SQLSource) UniqueVisitorsBatch(ctx context.Context, branchIDs []string, w api.Window) (map[string][]string, error) {
	out := make(map[string][]string, len(branchIDs))
	if len(branchIDs) == 0 {
		return out, nil
	}
	from, to := bounds(w)
	rows, err := s.db.QueryContext(ctx,
		`SELECT DISTINCT branch_id, customer_id FROM visits
		 WHERE branch_id IN (`+placeholders(len(branchIDs))+`) AND entered_at >= ? AND entered_at < ?
		 ORDER BY branch_id, customer_id`, append(idArgs(branchIDs), from, to)...)
	if err != nil {
		return nil, fmt.Errorf("query unique visitors: %w", err)
	}
	defer rows.Close()

	for _, id := range branchIDs {
		out[id] = []string{}
	}
	for rows.Next() {
		var branch, customer string
		if err := rows.Scan(&branch, &customer); err != nil {
			return nil, err
		}
		out[branch] = append(out[branch], customer)
	}
	return out, rows.Err()
}

func (s *SQLSource) HourlyUsage(ctx context.Context, branchID string, w api.Window) (Hours, error) {
	batch, err := s.HourlyUsageBatch(ctx, []string{branchID}, w)
	if err != nil {
		return Hours{}, err
	}
	return batch[branchID], nil
}

func (s *SQLSource) HourlyUsageBatch(ctx context.Context, branchIDs []string, w api.Window) (map[string]Hours, error) {
	out := make(map[string]Hours, len(branchIDs))
	if len(branchIDs) == 0 {
		return out, nil
	}
	from, to := bounds(w)
	rows, err := s.db.QueryContext(ctx,
		`SELECT branch_id, HOUR(entered_at) AS h, COUNT(*) FROM visits
		 WHERE branch_id IN (`+placeholders(len(branchIDs))+`) AND entered_at >= ? AND entered_at < ?
		 GROUP BY branch_id, h`, append(idArgs(branchIDs), from, to)...)
	if err != nil {
		return nil, fmt.Errorf("query hourly usage: %w", err)
	}
	defer rows.Close()

	for _, id := range branchIDs {
		out[id] = Hours{}
	}
	for rows.Next() {
		var (
			id   string
			hour int
			n    int
		)
		if err := rows.Scan(&id, &hour, &n); err != nil {
			return nil, err
		}
		if hour < 0 || hour > 23 {
			continue
		}
		h := out[id]
		h[hour] = n
		out[id] = h
	}
	return out, rows.Err()
}

func (s *SQLSource) CustomerSegments(ctx context.Context, branchID string, customerIDs []string, asOf time.Time) (map[string]api.Segment, error) {
	out := make(map[string]api.Segment, len(customerIDs))
	if len(customerIDs) == 0 {
		return out, nil
	}
	args := append([]any{branchID, api.Day(asOf)}, idArgs(customerIDs)...)
	rows, err := s.db.QueryContext(ctx,
		`SELECT cs.customer_id, cs.segment FROM customer_segments cs
		 JOIN (
		   SELECT customer_id, MAX(as_of) AS as_of FROM customer_segments
		   WHERE branch_id = ? AND as_of <= ? AND customer_id IN (`+placeholders(len(customerIDs))+`)
		   GROUP BY customer_id
		 ) latest ON latest.customer_id = cs.customer_id AND latest.as_of = cs.as_of
		 WHERE cs.branch_id = ?`, append(args, branchID)...)
	if err != nil {
		return nil, fmt.Errorf("query customer segments: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var id, seg string
		if err := rows.Scan(&id, &seg); err != nil {
			return nil, err
		}
		out[id] = api.Segment(seg)
	}
	return out, rows.Err()
}

func (s *SQLSource) TicketPurchases(ctx context.Context, branchID string, w api.Window) (map[string][]api.TicketType, error) {
	from, to := bounds(w)
	rows, err := s.db.QueryContext(ctx,
		`SELECT DISTINCT customer_id, ticket_type FROM sales
		 WHERE branch_id = ? AND customer_id IS NOT NULL AND sold_at >= ? AND sold_at < ?`,
		branchID, from, to)
	if err != nil {
		return nil, fmt.Errorf("query ticket purchases: %w", err)
	}
	defer rows.Close()

	out := make(map[string][]api.TicketType)
	for rows.Next() {
		var id, ticket string
		if err := rows.Scan(&id, &ticket); err != nil {
			return nil, err
		}
		out[id] = append(out[id], api.TicketType(ticket))
	}
	return out, rows.Err()
}

func (s *SQLSource) CustomerCounts(ctx context.Context, branchID string, w api.Window) (api.CustomerCounts, error) {
	from, to := bounds(w)
	var c api.CustomerCounts
	err := s.db.QueryRowContext(ctx,
		`SELECT
		   COALESCE(SUM(CASE WHEN first_visit >= ? THEN 1 ELSE 0 END), 0),
		   COALESCE(SUM(CASE WHEN first_visit < ? AND last_before < DATE_SUB(?, INTERVAL ? DAY) THEN 1 ELSE 0 END), 0)
		 FROM (
		   SELECT v.customer_id,
		     (SELECT MIN(entered_at) FROM visits f WHERE f.branch_id = v.branch_id AND f.customer_id = v.customer_id) AS first_visit,
		     (SELECT MAX(entered_at) FROM visits p WHERE p.branch_id = v.branch_id AND p.customer_id = v.customer_id AND p.entered_at < ?) AS last_before
		   FROM visits v
		   WHERE v.branch_id = ? AND v.entered_at >= ? AND v.entered_at < ?
		   GROUP BY v.customer_id, v.branch_id
		 ) t`,
		from, from, from, ReturnGapDays, from, branchID, from, to,
	).Scan(&c.New, &c.Returned)
	if err != nil {
		return c, fmt.Errorf("query customer counts: %w", err)
	}
	return c, nil
}

func (s *SQLSource) MonthlyRevenues(ctx context.Context, branchID string, before time.Time) ([]api.MonthRevenue, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT DATE_FORMAT(sold_at, '%Y-%m-01') AS m, `+summaryColumns+` FROM sales
		 WHERE branch_id = ? AND sold_at < ?
		 GROUP BY m ORDER BY m`, branchID, api.Day(before))
	if err != nil {
		return nil, fmt.Errorf("query monthly revenues: %w", err)
	}
	defer rows.Close()

	var out []api.MonthRevenue
	for rows.Next() {
		var (
			month string
			mr    api.MonthRevenue
		)
		if err := rows.Scan(&month, &mr.Summary.Total, &mr.Summary.DayTicket, &mr.Summary.TimeTicket,
			&mr.Summary.TermTicket, &mr.Summary.FixedTicket, &mr.Summary.DaysWithData); err != nil {
			return nil, err
		}
		mr.Month, err = time.Parse(api.DateLayout, month)
		if err != nil {
			return nil, fmt.Errorf("parse month %q: %w", month, err)
		}
		out = append(out, mr)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Month.Before(out[j].Month) })
	return out, nil
}

func (s *SQLSource) ExternalFactors(ctx context.Context, w api.Window, branchIDs []string) ([]api.ExternalFactor, error) {
	args := []any{api.Day(w.End), api.Day(w.Start)}
	branchFilter := `branch_id IS NULL`
	if len(branchIDs) > 0 {
		branchFilter = `(branch_id IS NULL OR branch_id IN (` + placeholders(len(branchIDs)) + `))`
		args = append(args, idArgs(branchIDs)...)
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT type, COALESCE(impact_estimate, 0) FROM external_factors
		 WHERE start_date <= ? AND end_date >= ? AND `+branchFilter+`
		 ORDER BY start_date, id`, args...)
	if err != nil {
		return nil, fmt.Errorf("query external factors: %w", err)
	}
	defer rows.Close()

	var out []api.ExternalFactor
	for rows.Next() {
		var f api.ExternalFactor
		if err := rows.Scan(&f.Type, &f.ImpactEstimate); err != nil {
			return nil, err
		}
		out = append(out, f)
	}
	return out, rows.Err()
}
