// SPDX-License-Identifier: Apache-2.0

// Package queue implements RefreshQueue and TransactionState: the
// per-transaction deduplicating set of (entity, pk) keys that is flushed
// in topological order at pre-commit, with fixed-point propagation to
// dependents, grounded in pgroll's dedup-and-reorder Coordinator
// (pkg/migrations/coordinator.go) and its backoff-wrapped transaction
// envelope (pkg/db.RDB.WithRetryableTransaction).
package queue

import (
	"context"
	"database/sql"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/tvkeep/tvkeep/pkg/catalog"
	"github.com/tvkeep/tvkeep/pkg/db"
	"github.com/tvkeep/tvkeep/tverrors"
	"github.com/tvkeep/tvkeep/tvlog"
)

// DefaultMaxPropagationDepth is the fixed-point iteration cap used when no
// max_propagation_depth config option is set (spec.md §4.5, §6).
const DefaultMaxPropagationDepth = 100

// CatalogQueue is the subset of Catalog RefreshQueue needs beyond
// CatalogGraph: draining the SQL-trigger landing zone and recording
// metrics, both scoped to the caller's transaction.
type CatalogQueue interface {
	CatalogGraph
	DrainPendingTx(ctx context.Context, tx *sql.Tx) ([]catalog.RefreshKey, error)
	RecordMetricsTx(ctx context.Context, tx *sql.Tx, txnStartedAt time.Time, keysProcessed, iterations int, duration time.Duration) error
}

// Engine is the subset of RefreshEngine RefreshQueue drives.
type Engine interface {
	RefreshOne(ctx context.Context, tx *sql.Tx, entity string, pk int64) ([]catalog.RefreshKey, error)
	RefreshBulk(ctx context.Context, tx *sql.Tx, entity string, pks []int64) ([]catalog.RefreshKey, error)
}

// Stats is RefreshQueue's process-wide introspection counters (spec.md §6,
// §9 "Queue and cache statistics") — cumulative across every transaction
// this process has flushed, not one transaction's view.
type Stats struct {
	TransactionsFlushed int
	KeysProcessed       int
	MaxIterationsSeen   int
}

// RefreshQueue is the RefreshQueue component: shared across all
// transactions on this process, it owns the EntityDepGraph cache and hands
// out a fresh TransactionState to each transaction via Begin.
type RefreshQueue struct {
	cat              CatalogQueue
	engine           Engine
	graph            *GraphCache
	log              tvlog.Logger
	maxDepth         int
	metricsEnabled   bool

	mu    sync.Mutex
	stats Stats
}

// Config holds the spec.md §6 options RefreshQueue recognizes.
type Config struct {
	MaxPropagationDepth int
	GraphCacheEnabled   bool
	MetricsEnabled      bool
}

// New returns a RefreshQueue. cfg.MaxPropagationDepth is taken literally:
// an explicit 0 means "no propagation" (spec.md §8), not "unset". Callers
// that want DefaultMaxPropagationDepth applied when the option is absent
// must resolve that themselves before building cfg — tvconfig's
// max-propagation-depth flag does this by defaulting to
// DefaultMaxPropagationDepth itself, so New never has to guess.
func New(cat CatalogQueue, engine Engine, cfg Config, log tvlog.Logger) *RefreshQueue {
	if log == nil {
		log = tvlog.NewNoop()
	}
	return &RefreshQueue{
		cat:            cat,
		engine:         engine,
		graph:          NewGraphCache(cat, cfg.GraphCacheEnabled, log),
		log:            log,
		maxDepth:       cfg.MaxPropagationDepth,
		metricsEnabled: cfg.MetricsEnabled,
	}
}

// InvalidateGraph clears the EntityDepGraph cache. Called by DDL-Hook after
// every CREATE/DROP; no session-reset (DISCARD ALL) hook calls it.
func (rq *RefreshQueue) InvalidateGraph() {
	rq.graph.Invalidate()
}

// GraphStats exposes the EntityDepGraph cache's hit/miss counters.
func (rq *RefreshQueue) GraphStats() GraphCacheStats {
	return rq.graph.Stats()
}

// Stats returns a snapshot of this process's cumulative queue statistics.
func (rq *RefreshQueue) Stats() Stats {
	rq.mu.Lock()
	defer rq.mu.Unlock()
	return rq.stats
}

func (rq *RefreshQueue) recordFlush(keysProcessed, iterations int) {
	rq.mu.Lock()
	defer rq.mu.Unlock()
	rq.stats.TransactionsFlushed++
	rq.stats.KeysProcessed += keysProcessed
	if iterations > rq.stats.MaxIterationsSeen {
		rq.stats.MaxIterationsSeen = iterations
	}
}

// savepointFrame is a point-in-time copy of TransactionState pushed by
// Snapshot and popped by Restore (spec.md §9 Open Question: subtransaction
// semantics, decided as option (a)).
type savepointFrame struct {
	queue     map[catalog.RefreshKey]struct{}
	scheduled bool
}

// TransactionState is the per-transaction queue: a deduplicating set of
// RefreshKeys plus the scheduled flag, set by the first enqueue and cleared
// at commit or abort (the pre-commit/abort callbacks themselves are
// registered by Begin, whether or not anything is enqueued). It is not shared across
// connections or transactions — Begin always returns a fresh, empty one,
// which is the defensive-clearing behavior spec.md §9 asks for in a
// connection-pooled host (there is simply nothing to inherit here).
type TransactionState struct {
	rq  *RefreshQueue
	tx  *sql.Tx
	txn time.Time

	mu         sync.Mutex
	queue      map[catalog.RefreshKey]struct{}
	scheduled  bool
	savepoints []savepointFrame
}

// Begin creates a TransactionState bound to tx and registers its pre-commit
// flush and abort clear against cb, the transaction's callback registry
// (spec.md §6 "transaction-event callback registry").
func (rq *RefreshQueue) Begin(tx *sql.Tx, cb *db.TxCallbacks) *TransactionState {
	ts := &TransactionState{
		rq:    rq,
		tx:    tx,
		txn:   now(),
		queue: make(map[catalog.RefreshKey]struct{}),
	}
	cb.OnPreCommit(ts.preCommit)
	cb.OnAbort(ts.abort)
	return ts
}

// Enqueue inserts (entity, pk) into the transaction's queue. A pair already
// present is a no-op (spec.md §3 invariant: "A RefreshKey may appear in the
// queue at most once").
func (ts *TransactionState) Enqueue(entity string, pk int64) {
	ts.mu.Lock()
	defer ts.mu.Unlock()
	ts.enqueueLocked(entity, pk)
}

func (ts *TransactionState) enqueueLocked(entity string, pk int64) {
	key := catalog.RefreshKey{Entity: entity, PK: pk}
	if _, ok := ts.queue[key]; ok {
		return
	}
	ts.queue[key] = struct{}{}
	ts.scheduled = true
	ts.rq.log.LogRefreshEnqueue(entity, pk)
}

// QueueSize returns the current number of distinct pending keys, for
// introspection (spec.md §6).
func (ts *TransactionState) QueueSize() int {
	ts.mu.Lock()
	defer ts.mu.Unlock()
	return len(ts.queue)
}

// Scheduled reports whether a pre-commit callback has effectively been
// armed by at least one enqueue this transaction.
func (ts *TransactionState) Scheduled() bool {
	ts.mu.Lock()
	defer ts.mu.Unlock()
	return ts.scheduled
}

// Snapshot pushes a copy of the current queue/scheduled state, to be
// restored by Restore on ROLLBACK TO SAVEPOINT or discarded by Release on
// RELEASE SAVEPOINT.
func (ts *TransactionState) Snapshot() {
	ts.mu.Lock()
	defer ts.mu.Unlock()

	cp := make(map[catalog.RefreshKey]struct{}, len(ts.queue))
	for k := range ts.queue {
		cp[k] = struct{}{}
	}
	ts.savepoints = append(ts.savepoints, savepointFrame{queue: cp, scheduled: ts.scheduled})
}

// Restore pops the most recent Snapshot and replaces the current
// queue/scheduled state with it, undoing any enqueues made since.
func (ts *TransactionState) Restore() error {
	ts.mu.Lock()
	defer ts.mu.Unlock()

	if len(ts.savepoints) == 0 {
		return fmt.Errorf("queue: restore without a matching snapshot")
	}
	frame := ts.savepoints[len(ts.savepoints)-1]
	ts.savepoints = ts.savepoints[:len(ts.savepoints)-1]
	ts.queue = frame.queue
	ts.scheduled = frame.scheduled
	return nil
}

// Release discards the most recent Snapshot without restoring it, for
// RELEASE SAVEPOINT.
func (ts *TransactionState) Release() {
	ts.mu.Lock()
	defer ts.mu.Unlock()
	if len(ts.savepoints) > 0 {
		ts.savepoints = ts.savepoints[:len(ts.savepoints)-1]
	}
}

// abort clears all per-transaction state. Registered as the transaction's
// abort callback; also safe to call defensively at any point.
func (ts *TransactionState) abort() {
	ts.mu.Lock()
	defer ts.mu.Unlock()
	ts.queue = make(map[catalog.RefreshKey]struct{})
	ts.scheduled = false
	ts.savepoints = nil
}

// preCommit is the pre-commit flush: it drains both the in-memory queue
// and the SQL-trigger landing zone (catalog.pending_refreshes), then
// processes keys in topological order with fixed-point propagation until
// the pending set is empty or max_propagation_depth is exceeded. A
// max_propagation_depth of 0 is a distinct, explicit mode (spec.md §8): the
// drained keys are refreshed exactly once and any parent keys their
// refresh discovers are dropped rather than enqueued, so no
// PropagationDepthExceededError is possible.
func (ts *TransactionState) preCommit(ctx context.Context, tx *sql.Tx) error {
	ts.mu.Lock()
	pending := make(map[catalog.RefreshKey]struct{}, len(ts.queue))
	for k := range ts.queue {
		pending[k] = struct{}{}
	}
	ts.queue = make(map[catalog.RefreshKey]struct{})
	ts.mu.Unlock()

	drained, err := ts.rq.cat.DrainPendingTx(ctx, tx)
	if err != nil {
		return fmt.Errorf("queue: drain pending refreshes: %w", err)
	}
	for _, k := range drained {
		pending[k] = struct{}{}
	}

	if len(pending) == 0 {
		ts.mu.Lock()
		ts.scheduled = false
		ts.mu.Unlock()
		return nil
	}

	graph, err := ts.rq.graph.Get(ctx)
	if err != nil {
		return fmt.Errorf("queue: load entity dependency graph: %w", err)
	}
	rank := graph.TopoRank()

	processed := make(map[catalog.RefreshKey]struct{}, len(pending))
	iteration := 0
	keysProcessed := 0

	for len(pending) > 0 {
		ordered := orderPending(pending, rank)
		pending = make(map[catalog.RefreshKey]struct{})

		for _, key := range ordered {
			if _, done := processed[key]; done {
				continue
			}

			parents, err := ts.rq.engine.RefreshOne(ctx, tx, key.Entity, key.PK)
			if err != nil {
				return fmt.Errorf("queue: refresh %s/%d: %w", key.Entity, key.PK, err)
			}

			processed[key] = struct{}{}
			keysProcessed++

			if ts.rq.maxDepth > 0 {
				for _, p := range parents {
					if _, done := processed[p]; !done {
						pending[p] = struct{}{}
					}
				}
			}
		}

		iteration++
		ts.rq.log.LogPropagationIteration(iteration, len(pending))

		if ts.rq.maxDepth == 0 {
			// Queue processed once; parent keys discovered above were
			// never added to pending, so this is a normal finish, not a
			// depth overflow.
			break
		}

		if iteration > ts.rq.maxDepth {
			return tverrors.PropagationDepthExceededError{
				MaxDepth:       ts.rq.maxDepth,
				ProcessedCount: len(processed),
			}
		}
	}

	ts.mu.Lock()
	ts.scheduled = false
	ts.mu.Unlock()

	ts.rq.recordFlush(keysProcessed, iteration)

	if ts.rq.metricsEnabled {
		if err := ts.rq.cat.RecordMetricsTx(ctx, tx, ts.txn, keysProcessed, iteration, now().Sub(ts.txn)); err != nil {
			return fmt.Errorf("queue: record metrics: %w", err)
		}
	}

	return nil
}

// orderPending sorts pending keys so entities earlier in topological order
// (fewer dependencies) come first, and within an entity, PKs ascend. This
// is the ordering guarantee spec.md §4.5 requires: if B has fk_A, A is
// refreshed before B in every iteration both participate in.
func orderPending(pending map[catalog.RefreshKey]struct{}, rank map[string]int) []catalog.RefreshKey {
	ordered := make([]catalog.RefreshKey, 0, len(pending))
	for k := range pending {
		ordered = append(ordered, k)
	}
	sort.Slice(ordered, func(i, j int) bool {
		ri, rj := rank[ordered[i].Entity], rank[ordered[j].Entity]
		if ri != rj {
			return ri < rj
		}
		if ordered[i].Entity != ordered[j].Entity {
			return ordered[i].Entity < ordered[j].Entity
		}
		return ordered[i].PK < ordered[j].PK
	})
	return ordered
}
