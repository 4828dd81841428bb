package main

import (
	"encoding/json"
	"math"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/time/rate"

	"github.com/branchops/impact/internal/api"
	"github.com/branchops/impact/internal/control"
	"github.com/branchops/impact/internal/engine"
	"github.com/branchops/impact/internal/forecast"
	"github.com/branchops/impact/internal/metrics"
	"github.com/branchops/impact/internal/metricsource"
	"github.com/branchops/impact/internal/scoring"
	"github.com/branchops/impact/internal/snapshot"
)

func newTestServer(t *testing.T) *Server {
	t.Helper()
	src := metricsource.NewMemorySource()
	src.AddIntervention(api.Intervention{
		ID:        "ev-1",
		Start:     time.Date(2024, 7, 1, 0, 0, 0, 0, time.UTC),
		End:       time.Date(2024, 7, 3, 0, 0, 0, 0, time.UTC),
		BranchIDs: []string{"b1"},
	})
	src.AddBranch(api.Branch{ID: "b1", Region: "seoul"})
	src.AddSale(metricsource.Sale{BranchID: "b1", Ticket: api.TicketDay, Amount: 100, At: time.Date(2024, 6, 2, 12, 0, 0, 0, time.UTC)})
	src.AddSale(metricsource.Sale{BranchID: "b1", Ticket: api.TicketDay, Amount: 120, At: time.Date(2024, 7, 2, 12, 0, 0, 0, time.UTC)})

	store, _ := snapshot.NewMemoryStore("")
	scorer, _ := scoring.NewScorer(scoring.DefaultPolicy())
	reg := prometheus.NewRegistry()
	eng := engine.New(src, store, scorer, forecast.New(src, forecast.DefaultParams()), control.NewSelector(src), metrics.New(reg),
		engine.WithClock(func() time.Time { return time.Date(2024, 7, 20, 0, 0, 0, 0, time.UTC) }))

	return &Server{
		engine:  eng,
		store:   store,
		limiter: rate.NewLimiter(rate.Limit(100), 200),
		timeout: 5 * time.Second,
		metrics: promhttp.HandlerFor(reg, promhttp.HandlerOpts{}),
	}
}

func do(t *testing.T, h http.Handler, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestAnalyzeThenRead(t *testing.T) {
	srv := newTestServer(t)
	h := srv.routes()

	rec := do(t, h, http.MethodPost, "/v1/interventions/ev-1/analyze", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("analyze status = %d: %s", rec.Code, rec.Body.String())
	}
	var report api.AnalysisReport
	if err := json.Unmarshal(rec.Body.Bytes(), &report); err != nil {
		t.Fatal(err)
	}
	if len(report.PerBranch) != 1 || math.Abs(report.PerBranch[0].RevenueGrowth-20) > 1e-9 {
		t.Errorf("report = %+v", report.PerBranch)
	}

	rec = do(t, h, http.MethodGet, "/v1/interventions/ev-1/branches/b1", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("get status = %d", rec.Code)
	}
	var stored snapshot.Record
	if err := json.Unmarshal(rec.Body.Bytes(), &stored); err != nil {
		t.Fatal(err)
	}
	if stored.RunID != report.RunID || stored.SchemaVersion != api.SnapshotSchema {
		t.Errorf("stored record run=%s schema=%s", stored.RunID, stored.SchemaVersion)
	}

	rec = do(t, h, http.MethodGet, "/v1/interventions/ev-1/branches", "")
	var list []snapshot.Record
	if err := json.Unmarshal(rec.Body.Bytes(), &list); err != nil || len(list) != 1 {
		t.Errorf("list = %s (%v)", rec.Body.String(), err)
	}
}

func TestAnalyzeErrors(t *testing.T) {
	h := newTestServer(t).routes()

	tests := []struct {
		name string
		path string
		body string
		want int
	}{
		{"unknown intervention", "/v1/interventions/nope/analyze", "", http.StatusNotFound},
		{"bad json", "/v1/interventions/ev-1/analyze", "{", http.StatusBadRequest},
		{"bad mode", "/v1/interventions/ev-1/analyze", `{"comparison_mode":"WOW"}`, http.StatusBadRequest},
		{"forced forecast", "/v1/interventions/ev-1/analyze", `{"comparison_mode":"FORECAST","branch_ids":["b1"]}`, http.StatusOK},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if rec := do(t, h, http.MethodPost, tt.path, tt.body); rec.Code != tt.want {
				t.Errorf("status = %d, want %d: %s", rec.Code, tt.want, rec.Body.String())
			}
		})
	}

	if rec := do(t, h, http.MethodGet, "/v1/interventions/ev-1/branches/b9", ""); rec.Code != http.StatusNotFound {
		t.Errorf("missing snapshot status = %d", rec.Code)
	}
	if rec := do(t, h, http.MethodGet, "/v1/interventions/ev-1/analyze", ""); rec.Code != http.StatusMethodNotAllowed {
		t.Errorf("GET analyze status = %d", rec.Code)
	}
}

func TestRateLimit(t *testing.T) {
	srv := newTestServer(t)
	srv.limiter = rate.NewLimiter(rate.Limit(0.001), 1)
	h := srv.routes()

	do(t, h, http.MethodPost, "/v1/interventions/ev-1/analyze", "")
	rec := do(t, h, http.MethodPost, "/v1/interventions/ev-1/analyze", "")
	if rec.Code != http.StatusTooManyRequests || rec.Header().Get("Retry-After") == "" {
		t.Errorf("status = %d, want 429 with Retry-After", rec.Code)
	}
}

func TestMetricsAuth(t *testing.T) {
	srv := newTestServer(t)
	srv.metricsAuth.enabled = true
	srv.metricsAuth.user = "prom"
	srv.metricsAuth.password = "secret"
	h := srv.routes()

	if rec := do(t, h, http.MethodGet, "/metrics", ""); rec.Code != http.StatusUnauthorized {
		t.Errorf("unauthenticated status = %d", rec.Code)
	}

	req := httptest.NewRequest(http.MethodGet, "/metrics", nil)
	req.SetBasicAuth("prom", "secret")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Errorf("authenticated status = %d", rec.Code)
	}
}

func TestHealth(t *testing.T) {
	if rec := do(t, newTestServer(t).routes(), http.MethodGet, "/health", ""); rec.Code != http.StatusOK || rec.Body.String() != "OK" {
		t.Errorf("health = %d %q", rec.Code, rec.Body.String())
	}
}
