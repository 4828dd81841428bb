package metricsource

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/branchops/impact/internal/api"
	"github.com/branchops/impact/internal/cache"
	"github.com/branchops/impact/internal/metrics"
	"golang.org/x/time/rate"
)

// CachedConfig configures the caching and throttling decorator
type CachedConfig struct {
	CacheSize int
	CacheTTL  time.Duration
	QPS       float64 // 0 disables throttling
	Burst     int
}

// DefaultCachedConfig returns conservative defaults for a shared warehouse
func DefaultCachedConfig() CachedConfig {
	return CachedConfig{
		CacheSize: 1024,
		CacheTTL:  10 * time.Minute,
		QPS:       50,
		Burst:     100,
	}
}

type monthKey struct {
	branchID string
	before   time.Time
}

// Cached wraps a Source with a request rate limit and LRU caches for reads
// that do not change within an analysis run: branch characteristics, the
// branch list, oldest data dates and monthly revenue history.
type Cached struct {
	Source
	limiter  *rate.Limiter
	metrics  *metrics.Metrics
	branches *cache.LRUWithTTL[string, api.Branch]
	pool     *cache.LRUWithTTL[string, []api.Branch]
	oldest   *cache.LRUWithTTL[string, time.Time]
	monthly  *cache.LRUWithTTL[monthKey, []api.MonthRevenue]
}

// NewCached decorates src. m may be nil.
func NewCached(src Source, cfg CachedConfig, m *metrics.Metrics) (*Cached, error) {
	c := &Cached{Source: src, metrics: m}
	if cfg.QPS > 0 {
		burst := cfg.Burst
		if burst <= 0 {
			burst = 1
		}
		c.limiter = rate.NewLimiter(rate.Limit(cfg.QPS), burst)
	}

	var err error
	if c.branches, err = cache.NewLRUWithTTL[string, api.Branch](cfg.CacheSize, cfg.CacheTTL); err != nil {
		return nil, fmt.Errorf("branch cache: %w", err)
	}
	if c.pool, err = cache.NewLRUWithTTL[string, []api.Branch](1, cfg.CacheTTL); err != nil {
		return nil, fmt.Errorf("branch pool cache: %w", err)
	}
	if c.oldest, err = cache.NewLRUWithTTL[string, time.Time](cfg.CacheSize, cfg.CacheTTL); err != nil {
		return nil, fmt.Errorf("oldest date cache: %w", err)
	}
	if c.monthly, err = cache.NewLRUWithTTL[monthKey, []api.MonthRevenue](cfg.CacheSize, cfg.CacheTTL); err != nil {
		return nil, fmt.Errorf("monthly cache: %w", err)
	}
	return c, nil
}

// wait blocks on the rate limiter; every delegated read passes through it
func (c *Cached) wait(ctx context.Context) error {
	if c.limiter == nil {
		return nil
	}
	start := time.Now()
	err := c.limiter.Wait(ctx)
	if c.metrics != nil {
		c.metrics.SourceThrottleWait.Observe(time.Since(start).Seconds())
	}
	return err
}

func (c *Cached) record(name string, hit bool) {
	if c.metrics == nil {
		return
	}
	result := "miss"
	if hit {
		result = "hit"
	}
	c.metrics.SourceCacheLookups.WithLabelValues(name, result).Inc()
}

// CacheStats reports per-cache statistics
func (c *Cached) CacheStats() map[string]cache.Stats {
	return map[string]cache.Stats{
		"branch":  c.branches.Stats(),
		"pool":    c.pool.Stats(),
		"oldest":  c.oldest.Stats(),
		"monthly": c.monthly.Stats(),
	}
}

// Prune drops expired entries from every cache and returns how many were removed
func (c *Cached) Prune() int {
	return c.branches.CleanupExpired() + c.pool.CleanupExpired() +
		c.oldest.CleanupExpired() + c.monthly.CleanupExpired()
}

// Sweep prunes expired entries every interval until ctx is done
func (c *Cached) Sweep(ctx context.Context, every time.Duration) {
	if every <= 0 {
		return
	}
	ticker := time.NewTicker(every)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n := c.Prune(); n > 0 {
				log.Printf("metricsource: pruned %d expired cache entries", n)
			}
		}
	}
}

func (c *Cached) Branch(ctx context.Context, id string) (*api.Branch, error) {
	b, hit, err := c.branches.GetOrLoad(id, func() (api.Branch, error) {
		if err := c.wait(ctx); err != nil {
			return api.Branch{}, err
		}
		b, err := c.Source.Branch(ctx, id)
		if err != nil {
			return api.Branch{}, err
		}
		return *b, nil
	})
	if err != nil {
		return nil, err
	}
	c.record("branch", hit)
	return &b, nil
}

func (c *Cached) Branches(ctx context.Context) ([]api.Branch, error) {
	list, hit, err := c.pool.GetOrLoad("all", func() ([]api.Branch, error) {
		if err := c.wait(ctx); err != nil {
			return nil, err
		}
		return c.Source.Branches(ctx)
	})
	if err != nil {
		return nil, err
	}
	c.record("pool", hit)
	return append([]api.Branch(nil), list...), nil
}

func (c *Cached) OldestDataDate(ctx context.Context, branchID string) (time.Time, error) {
	t, hit, err := c.oldest.GetOrLoad(branchID, func() (time.Time, error) {
		if err := c.wait(ctx); err != nil {
			return time.Time{}, err
		}
		return c.Source.OldestDataDate(ctx, branchID)
	})
	if err != nil {
		return time.Time{}, err
	}
	c.record("oldest", hit)
	return t, nil
}

func (c *Cached) MonthlyRevenues(ctx context.Context, branchID string, before time.Time) ([]api.MonthRevenue, error) {
	key := monthKey{branchID: branchID, before: api.Day(before)}
	months, hit, err := c.monthly.GetOrLoad(key, func() ([]api.MonthRevenue, error) {
		if err := c.wait(ctx); err != nil {
			return nil, err
		}
		return c.Source.MonthlyRevenues(ctx, branchID, before)
	})
	if err != nil {
		return nil, err
	}
	c.record("monthly", hit)
	return append([]api.MonthRevenue(nil), months...), nil
}

func (c *Cached) Intervention(ctx context.Context, id string) (*api.Intervention, error) {
	if err := c.wait(ctx); err != nil {
		return nil, err
	}
	return c.Source.Intervention(ctx, id)
}

func (c *Cached) MetricsSummary(ctx context.Context, branchID string, w api.Window) (api.MetricsSummary, error) {
	if err := c.wait(ctx); err != nil {
		return api.MetricsSummary{}, err
	}
	return c.Source.MetricsSummary(ctx, branchID, w)
}

func (c *Cached) MetricsSummaries(ctx context.Context, branchIDs []string, w api.Window) (map[string]api.MetricsSummary, error) {
	if err := c.wait(ctx); err != nil {
		return nil, err
	}
	return c.Source.MetricsSummaries(ctx, branchIDs, w)
}

func (c *Cached) DailyRevenues(ctx context.Context, branchID string, w api.Window) ([]float64, error) {
	if err := c.wait(ctx); err != nil {
		return nil, err
	}
	return c.Source.DailyRevenues(ctx, branchID, w)
}

func (c *Cached) VisitCount(ctx context.Context, branchID string, w api.Window) (int, error) {
	if err := c.wait(ctx); err != nil {
		return 0, err
	}
	return c.Source.VisitCount(ctx, branchID, w)
}

func (c *Cached) VisitCounts(ctx context.Context, branchIDs []string, w api.Window) (map[string]int, error) {
	if err := c.wait(ctx); err != nil {
		return nil, err
	}
	return c.Source.VisitCounts(ctx, branchIDs, w)
}

func (c *Cached) UniqueVisitors(ctx context.Context, branchID string, w api.Window) ([]string, error) {
	if err := c.wait(ctx); err != nil {
		return nil, err
	}
	return c.Source.UniqueVisitors(ctx, branchID, w)
}

func (c *Cached) UniqueVisitorsBatch(ctx context.Context, branchIDs []string, w api.Window) (map[string][]string, error) {
	if err := c.wait(ctx); err != nil {
		return nil, err
	}
	return c.Source.UniqueVisitorsBatch(ctx, branchIDs, w)
}

func (c *Cached) HourlyUsage(ctx context.Context, branchID string, w api.Window) (Hours, error) {
	if err := c.wait(ctx); err != nil {
		return Hours{}, err
	}
	return c.Source.HourlyUsage(ctx, branchID, w)
}

func (c *Cached) HourlyUsageBatch(ctx context.Context, branchIDs []string, w api.Window) (map[string]Hours, error) {
	if err := c.wait(ctx); err != nil {
		return nil, err
	}
	return c.Source.HourlyUsageBatch(ctx, branchIDs, w)
}

func (c *Cached) CustomerSegments(ctx context.Context, branchID string, customerIDs []string, asOf time.Time) (map[string]api.Segment, error) {
	if err := c.wait(ctx); err != nil {
		return nil, err
	}
	return c.Source.CustomerSegments(ctx, branchID, customerIDs, asOf)
}

func (c *Cached) TicketPurchases(ctx context.Context, branchID string, w api.Window) (map[string][]api.TicketType, error) {
	if err := c.wait(ctx); err != nil {
		return nil, err
	}
	return c.Source.TicketPurchases(ctx, branchID, w)
}

func (c *Cached) CustomerCounts(ctx context.Context, branchID string, w api.Window) (api.CustomerCounts, error) {
	if err := c.wait(ctx); err != nil {
		return api.CustomerCounts{}, err
	}
	return c.Source.CustomerCounts(ctx, branchID, w)
}

func (c *Cached) ExternalFactors(ctx context.Context, w api.Window, branchIDs []string) ([]api.ExternalFactor, error) {
	if err := c.wait(ctx); err != nil {
		return nil, err
	}
	return c.Source.ExternalFactors(ctx, w, branchIDs)
}
