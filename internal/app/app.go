package app

import (
	"context"
	"fmt"
	"log"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/branchops/impact/internal/config"
	"github.com/branchops/impact/internal/control"
	"github.com/branchops/impact/internal/engine"
	"github.com/branchops/impact/internal/forecast"
	"github.com/branchops/impact/internal/metrics"
	"github.com/branchops/impact/internal/metricsource"
	"github.com/branchops/impact/internal/scoring"
	"github.com/branchops/impact/internal/snapshot"
	iotel "github.com/branchops/impact/pkg/otel"
)

// App owns the long-lived collaborators of one process
type App struct {
	Config  config.Config
	Metrics *metrics.Metrics
	Source  *metricsource.Cached
	Store   snapshot.Store
	Scorer  *scoring.Scorer
	Engine  *engine.Engine

	closers []func() error
}

// OpenStore creates the snapshot store selected by cfg.SnapshotBackend
func OpenStore(ctx context.Context, cfg config.Config) (snapshot.Store, error) {
	switch cfg.SnapshotBackend {
	case "memory":
		return snapshot.NewMemoryStore(cfg.SnapshotPath)
	case "redis":
		return snapshot.NewRedisStore(cfg.RedisAddr, cfg.RedisPassword, cfg.RedisDB)
	case "postgres":
		s, err := snapshot.NewPostgresStore(cfg.PostgresConn)
		if err != nil {
			return nil, err
		}
		if err := s.EnsureSchema(ctx); err != nil {
			s.Close()
			return nil, err
		}
		return s, nil
	}
	return nil, fmt.Errorf("unknown SNAPSHOT_BACKEND: %s", cfg.SnapshotBackend)
}

// LoadScorer builds a scorer from a policy file, or the default policy when path is empty
func LoadScorer(path string) (*scoring.Scorer, error) {
	p := scoring.DefaultPolicy()
	if path != "" {
		var err error
		if p, err = scoring.LoadPolicy(path); err != nil {
			return nil, fmt.Errorf("load scoring policy: %w", err)
		}
	}
	return scoring.NewScorer(p)
}

// New wires the engine around an already opened source and store. Both are
// closed by Close.
func New(cfg config.Config, src metricsource.Source, store snapshot.Store, reg prometheus.Registerer, opts ...engine.Option) (*App, error) {
	scorer, err := LoadScorer(cfg.PolicyFile)
	if err != nil {
		return nil, err
	}

	m := metrics.New(reg)
	cached, err := metricsource.NewCached(src, metricsource.CachedConfig{
		CacheSize: cfg.CacheSize,
		CacheTTL:  cfg.CacheTTL,
		QPS:       float64(cfg.SourceQPS),
		Burst:     cfg.SourceBurst,
	}, m)
	if err != nil {
		return nil, fmt.Errorf("source cache: %w", err)
	}

	a := &App{
		Config:  cfg,
		Metrics: m,
		Source:  cached,
		Store:   store,
		Scorer:  scorer,
		Engine: engine.New(cached, store, scorer,
			forecast.New(cached, forecast.DefaultParams()),
			control.NewSelector(cached), m, opts...),
	}
	if c, ok := src.(interface{ Close() error }); ok {
		a.closers = append(a.closers, c.Close)
	}
	a.closers = append(a.closers, store.Close)
	return a, nil
}

// Open connects to the metrics warehouse and snapshot backend described by cfg
func Open(ctx context.Context, cfg config.Config, reg prometheus.Registerer, opts ...engine.Option) (*App, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	src, err := metricsource.OpenSQL(cfg.SourceDSN)
	if err != nil {
		return nil, err
	}
	store, err := OpenStore(ctx, cfg)
	if err != nil {
		src.Close()
		return nil, fmt.Errorf("snapshot store: %w", err)
	}

	a, err := New(cfg, src, store, reg, opts...)
	if err != nil {
		src.Close()
		store.Close()
		return nil, err
	}

	if cfg.OTelEnabled {
		oc := iotel.DefaultConfig("impact")
		oc.CollectorEndpoint = cfg.OTelEndpoint
		tp, err := iotel.InitTracer(ctx, oc)
		if err != nil {
			log.Printf("app: tracing disabled: %v", err)
		} else {
			a.closers = append(a.closers, func() error { return iotel.Shutdown(context.Background(), tp) })
		}
	}
	return a, nil
}

// Close releases resources in reverse order of acquisition and returns the first error
func (a *App) Close() error {
	var first error
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil && first == nil {
			first = err
		}
	}
	return first
}
