/*
catalog.go - Read-mostly plan catalog with a shared cache

PURPOSE:
  Lists the purchasable plans. The active list is cached for CatalogTTL
  and refreshed lazily on the first miss after expiry. Any catalog write
  made through SavePlan invalidates the cached list.

STALENESS:
  Readers may see a list up to CatalogTTL old if plans change behind the
  catalog's back. Purchases always re-read the plan from the store, so a
  stale list never sells a deactivated plan.

CACHE FAILURES:
  A failing cache never fails a listing. The store answers and the error
  is counted under credits_catalog_cache_lookups_total{result="error"}.

SEE ALSO:
  - store/redis/redis.go: PlanCache shared across instances
  - purchase.go: Reads plans through GetPlan
*/
package credits

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/warp/credit-engine/generic"
	"github.com/warp/credit-engine/metrics"
)

// PlanCache stores the active plan list. GetActivePlans reports a miss with
// ok=false.
type PlanCache interface {
	GetActivePlans(ctx context.Context) (plans []generic.Plan, ok bool, err error)
	SetActivePlans(ctx context.Context, plans []generic.Plan, ttl time.Duration) error
	InvalidateActivePlans(ctx context.Context) error
}

type Catalog struct {
	store generic.PlanStore
	cache PlanCache
	ttl   time.Duration
	log   *zap.Logger
}

// NewCatalog uses an in-process cache when cache is nil.
func NewCatalog(store generic.PlanStore, cache PlanCache, ttl time.Duration, clock generic.Clock, log *zap.Logger) *Catalog {
	if cache == nil {
		cache = NewMemoryPlanCache(clock)
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Catalog{store: store, cache: cache, ttl: ttl, log: log}
}

// ListActivePlans returns active plans ordered by credits ascending. An
// empty catalog is an empty, non-nil list.
func (c *Catalog) ListActivePlans(ctx context.Context) ([]generic.Plan, error) {
	plans, ok, err := c.cache.GetActivePlans(ctx)
	switch {
	case err != nil:
		metrics.CatalogCacheHits.WithLabelValues("error").Inc()
		c.log.Warn("Plan cache read failed, reading store", zap.Error(err))
	case ok:
		metrics.CatalogCacheHits.WithLabelValues("hit").Inc()
		return plans, nil
	default:
		metrics.CatalogCacheHits.WithLabelValues("miss").Inc()
	}

	plans, err = c.store.ListActivePlans(ctx)
	if err != nil {
		return nil, generic.Internal("list plans", err)
	}
	if plans == nil {
		plans = []generic.Plan{}
	}
	if err := c.cache.SetActivePlans(ctx, plans, c.ttl); err != nil {
		c.log.Warn("Plan cache refresh failed", zap.Error(err))
	}
	return plans, nil
}

// GetPlan always reads the store.
func (c *Catalog) GetPlan(ctx context.Context, id generic.PlanID) (generic.Plan, error) {
	p, err := c.store.GetPlan(ctx, id)
	return p, generic.Internal("get plan", err)
}

// SavePlan upserts a plan and drops the cached list.
func (c *Catalog) SavePlan(ctx context.Context, plan generic.Plan) error {
	if err := c.store.SavePlan(ctx, plan); err != nil {
		return generic.Internal("save plan", err)
	}
	return c.Invalidate(ctx)
}

// Invalidate drops the cached active list so the next read refreshes it.
func (c *Catalog) Invalidate(ctx context.Context) error {
	if err := c.cache.InvalidateActivePlans(ctx); err != nil {
		return generic.Internal("invalidate plans", err)
	}
	return nil
}

// =============================================================================
// IN-PROCESS CACHE
// =============================================================================

// MemoryPlanCache is the PlanCache used when no shared cache is configured.
type MemoryPlanCache struct {
	mu      sync.RWMutex
	clock   generic.Clock
	plans   []generic.Plan
	expires time.Time
}

func NewMemoryPlanCache(clock generic.Clock) *MemoryPlanCache {
	if clock == nil {
		clock = generic.SystemClock{}
	}
	return &MemoryPlanCache{clock: clock}
}

func (m *MemoryPlanCache) GetActivePlans(context.Context) ([]generic.Plan, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.plans == nil || !m.clock.Now().Before(m.expires) {
		return nil, false, nil
	}
	out := make([]generic.Plan, len(m.plans))
	copy(out, m.plans)
	return out, true, nil
}

func (m *MemoryPlanCache) SetActivePlans(_ context.Context, plans []generic.Plan, ttl time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.plans = make([]generic.Plan, len(plans))
	copy(m.plans, plans)
	m.expires = m.clock.Now().Add(ttl)
	return nil
}

func (m *MemoryPlanCache) InvalidateActivePlans(context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.plans = nil
	return nil
}
