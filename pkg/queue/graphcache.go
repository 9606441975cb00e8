// SPDX-License-Identifier: Apache-2.0

package queue

import (
	"context"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/tvkeep/tvkeep/pkg/schema"
	"github.com/tvkeep/tvkeep/tvlog"
)

// CatalogGraph is the subset of Catalog needed to rebuild EntityDepGraph.
type CatalogGraph interface {
	AllEntities(ctx context.Context) ([]string, error)
	AllFKEdges(ctx context.Context) ([]schema.FKEdge, error)
}

// GraphCacheStats satisfies spec.md §6's "introspection functions
// returning... cache statistics" for the dependency graph.
type GraphCacheStats struct {
	Hits      int
	Misses    int
	LastBuilt time.Time
}

// GraphCache is the process-wide, mutex-guarded EntityDepGraph cache
// (spec.md §5 "Shared resources"). A singleflight.Group collapses a
// thundering herd of concurrent rebuilders into one query after
// invalidation, so N transactions that all enqueue into an empty cache at
// once issue one AllFKEdges round trip instead of N.
type GraphCache struct {
	cat     CatalogGraph
	log     tvlog.Logger
	enabled bool

	mu    sync.Mutex
	graph *schema.EntityDepGraph
	stats GraphCacheStats

	group singleflight.Group
}

// NewGraphCache returns a GraphCache backed by cat. When enabled is false
// (graph_cache_enabled=false), Get always rebuilds from the catalog.
func NewGraphCache(cat CatalogGraph, enabled bool, log tvlog.Logger) *GraphCache {
	if log == nil {
		log = tvlog.NewNoop()
	}
	return &GraphCache{cat: cat, log: log, enabled: enabled}
}

// Get returns the current EntityDepGraph, building it on first use (or
// after invalidation) per process, per spec.md §3 "lazily built on first
// use per process".
func (g *GraphCache) Get(ctx context.Context) (*schema.EntityDepGraph, error) {
	if !g.enabled {
		return g.build(ctx)
	}

	g.mu.Lock()
	if g.graph != nil {
		g.stats.Hits++
		graph := g.graph
		g.mu.Unlock()
		return graph, nil
	}
	g.mu.Unlock()

	v, err, _ := g.group.Do("graph", func() (any, error) {
		return g.build(ctx)
	})
	if err != nil {
		return nil, err
	}
	graph := v.(*schema.EntityDepGraph)

	g.mu.Lock()
	g.graph = graph
	g.stats.Misses++
	g.stats.LastBuilt = now()
	g.mu.Unlock()

	return graph, nil
}

// Invalidate clears the cached graph. The next Get rebuilds it from the
// catalog. Called on every CREATE/DROP of a TView (via
// RefreshQueue.InvalidateGraph); nothing calls it on a session reset.
func (g *GraphCache) Invalidate() {
	g.mu.Lock()
	g.graph = nil
	g.mu.Unlock()
	g.log.LogCacheInvalidated("entity_dep_graph")
}

// Stats returns a snapshot of cache hit/miss counters for introspection
// (spec.md §6, §9 "Queue and cache statistics").
func (g *GraphCache) Stats() GraphCacheStats {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.stats
}

func (g *GraphCache) build(ctx context.Context) (*schema.EntityDepGraph, error) {
	entities, err := g.cat.AllEntities(ctx)
	if err != nil {
		return nil, err
	}
	edges, err := g.cat.AllFKEdges(ctx)
	if err != nil {
		return nil, err
	}
	return schema.BuildEntityDepGraph(entities, edges)
}

// now is a seam so tests can pin the clock; production always uses the
// wall clock.
var now = time.Now
