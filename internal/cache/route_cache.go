package cache

import (
	"context"
	"log/slog"
	"time"

	"busline/internal/domain"
)

type RouteSource interface {
	GetRoute(ctx context.Context, id string) (*domain.Route, error)
	ListRoutes(ctx context.Context) ([]*domain.Route, error)
}

type CacheMetrics interface {
	CacheHit()
	CacheMiss()
}

// RouteCache is a read-through cache of resolved routes. A failing Redis
// never fails a lookup; the source is consulted instead.
type RouteCache struct {
	cache   *RedisCache
	source  RouteSource
	ttl     time.Duration
	metrics CacheMetrics
	logger  *slog.Logger
}

func NewRouteCache(cache *RedisCache, source RouteSource, ttl time.Duration, metrics CacheMetrics, logger *slog.Logger) *RouteCache {
	return &RouteCache{
		cache:   cache,
		source:  source,
		ttl:     ttl,
		metrics: metrics,
		logger:  logger.With("component", "route_cache"),
	}
}

func (c *RouteCache) GetRoute(ctx context.Context, id string) (*domain.Route, error) {
	var route domain.Route
	found, err := c.cache.GetJSONCompressed(ctx, KeyRoute(id), &route)
	if err != nil {
		c.logger.Warn("route cache read failed", "route_id", id, "error", err)
	}
	if found {
		if c.metrics != nil {
			c.metrics.CacheHit()
		}
		return &route, nil
	}
	if c.metrics != nil {
		c.metrics.CacheMiss()
	}

	loaded, err := c.source.GetRoute(ctx, id)
	if err != nil {
		return nil, err
	}
	if err := c.cache.SetJSONCompressed(ctx, KeyRoute(id), loaded, c.ttl); err != nil {
		c.logger.Warn("route cache write failed", "route_id", id, "error", err)
	}
	return loaded, nil
}

func (c *RouteCache) ListRoutes(ctx context.Context) ([]*domain.Route, error) {
	return c.source.ListRoutes(ctx)
}

// Invalidate drops a cached route after its stops or class change.
func (c *RouteCache) Invalidate(ctx context.Context, id string) error {
	return c.cache.Delete(ctx, KeyRoute(id))
}

// WarmAll loads every route from the source into the cache.
func (c *RouteCache) WarmAll(ctx context.Context) error {
	start := time.Now()
	routes, err := c.source.ListRoutes(ctx)
	if err != nil {
		return err
	}

	warmed := 0
	for _, r := range routes {
		if err := c.cache.SetJSONCompressed(ctx, KeyRoute(r.ID), r, c.ttl); err != nil {
			c.logger.Debug("failed to cache route", "route_id", r.ID, "error", err)
			continue
		}
		warmed++
	}

	c.logger.Info("warmed routes",
		"routes_warmed", warmed,
		"total_routes", len(routes),
		"duration_ms", time.Since(start).Milliseconds(),
	)
	return nil
}
