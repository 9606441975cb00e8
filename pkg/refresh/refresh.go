// SPDX-License-Identifier: Apache-2.0

// Package refresh implements RefreshEngine: recomputing one row, or a bulk
// slice of rows, of a TVIEW by re-evaluating its backing view and writing
// the result back to the materialized table.
package refresh

import (
	"context"
	"database/sql"
	"fmt"
	"slices"
	"strings"
	"sync"

	jsonpatch "github.com/evanphx/json-patch/v5"
	"github.com/lib/pq"

	"github.com/tvkeep/tvkeep/pkg/catalog"
	"github.com/tvkeep/tvkeep/pkg/schema"
	"github.com/tvkeep/tvkeep/tvlog"
)

// bulkThreshold is the batch size above which RefreshBulk switches from a
// loop of RefreshOne calls to array-parameter queries (spec.md §4.6).
const bulkThreshold = 10

// CatalogLookup is the subset of Catalog the engine needs.
type CatalogLookup interface {
	LoadByEntityTx(ctx context.Context, tx *sql.Tx, entity string) (*schema.TView, error)
}

// Key is one (entity, pk) pair, identical in shape to catalog.RefreshKey,
// used for the parent keys RefreshOne/RefreshBulk discover.
type Key = catalog.RefreshKey

// Engine is the RefreshEngine component.
type Engine struct {
	cat CatalogLookup
	log tvlog.Logger

	mu        sync.Mutex
	sqlCache  map[string]entitySQL // entity -> rendered query text, rebuilt lazily
}

// entitySQL is the rendered SQL shape for one entity, cached until the
// entity's catalog pk/fk columns change or InvalidateCache drops it.
type entitySQL struct {
	selectOne   string
	selectBulk  string
	currentOne  string
	upsertOne   string
	deleteOne   string
	deleteMany  string
	fkColumns   []schema.FKEntry
	pkColumn    string
	viewName    string
	tableName   string
}

// New returns an Engine backed by cat.
func New(cat CatalogLookup, log tvlog.Logger) *Engine {
	if log == nil {
		log = tvlog.NewNoop()
	}
	return &Engine{cat: cat, log: log, sqlCache: make(map[string]entitySQL)}
}

// InvalidateCache drops the cached SQL shape for entity (or every entity,
// when entity is ""), mirroring the host's relation-cache invalidation and
// session-reset notifications (spec.md §5).
func (e *Engine) InvalidateCache(entity string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if entity == "" {
		e.sqlCache = make(map[string]entitySQL)
		return
	}
	delete(e.sqlCache, entity)
}

func (e *Engine) shapeFor(ctx context.Context, tx *sql.Tx, entity string) (entitySQL, *schema.TView, error) {
	e.mu.Lock()
	cached, ok := e.sqlCache[entity]
	e.mu.Unlock()

	tv, err := e.cat.LoadByEntityTx(ctx, tx, entity)
	if err != nil {
		return entitySQL{}, nil, err
	}

	if ok && cached.pkColumn == tv.PKColumn && slices.Equal(cached.fkColumns, tv.FKColumns) {
		return cached, tv, nil
	}

	shape := buildEntitySQL(tv)
	e.mu.Lock()
	e.sqlCache[entity] = shape
	e.mu.Unlock()

	return shape, tv, nil
}

func buildEntitySQL(tv *schema.TView) entitySQL {
	view := pq.QuoteIdentifier("v_" + tv.Entity)
	table := pq.QuoteIdentifier("tv_" + tv.Entity)
	pk := pq.QuoteIdentifier(tv.PKColumn)

	fkNames := make([]string, len(tv.FKColumns))
	for i, fk := range tv.FKColumns {
		fkNames[i] = pq.QuoteIdentifier(fk.ColumnName)
	}

	selectCols := append([]string{pk, "data"}, fkNames...)
	colList := strings.Join(selectCols, ", ")

	insertCols := strings.Join(selectCols, ", ")
	setClauses := make([]string, 0, len(fkNames)+1)
	setClauses = append(setClauses, "data = EXCLUDED.data")
	for _, fk := range fkNames {
		setClauses = append(setClauses, fmt.Sprintf("%s = EXCLUDED.%s", fk, fk))
	}

	return entitySQL{
		selectOne:  fmt.Sprintf("SELECT %s FROM %s WHERE %s = $1", colList, view, pk),
		selectBulk: fmt.Sprintf("SELECT %s FROM %s WHERE %s = ANY($1)", colList, view, pk),
		currentOne: fmt.Sprintf("SELECT %s FROM %s WHERE %s = $1", colList, table, pk),
		upsertOne: fmt.Sprintf(
			"INSERT INTO %s (%s) VALUES (%s) ON CONFLICT (%s) DO UPDATE SET %s",
			table, insertCols, placeholders(len(selectCols)), pk, strings.Join(setClauses, ", "),
		),
		deleteOne:  fmt.Sprintf("DELETE FROM %s WHERE %s = $1", table, pk),
		deleteMany: fmt.Sprintf("DELETE FROM %s WHERE %s = ANY($1) AND NOT (%s = ANY($2))", table, pk, pk),
		fkColumns:  tv.FKColumns,
		pkColumn:   tv.PKColumn,
		viewName:   view,
		tableName:  table,
	}
}

func placeholders(n int) string {
	ph := make([]string, n)
	for i := range ph {
		ph[i] = fmt.Sprintf("$%d", i+1)
	}
	return strings.Join(ph, ", ")
}

// row is one scanned row of either the backing view or the materialized
// table: pk, data, and the FK column values in the same order as
// entitySQL.fkColumns.
type row struct {
	pk   int64
	data []byte
	fks  []sql.NullInt64
}

func scanRow(scanner interface{ Scan(...any) error }, fkCount int) (row, error) {
	r := row{fks: make([]sql.NullInt64, fkCount)}
	dest := make([]any, 0, fkCount+2)
	dest = append(dest, &r.pk, &r.data)
	for i := range r.fks {
		dest = append(dest, &r.fks[i])
	}
	if err := scanner.Scan(dest...); err != nil {
		return row{}, err
	}
	return r, nil
}

// RefreshOne recomputes tv_<entity>'s row for pk by re-executing v_<entity>
// restricted to pk_<entity> = pk. Zero rows means the row no longer exists
// in the backing view: it is deleted from tv_<entity> and no parent keys
// are returned (spec.md §4.6 step 2). Otherwise the row is written back and
// the set of parent keys whose materializations may depend on this row's
// FK values is returned for RefreshQueue to enqueue next.
func (e *Engine) RefreshOne(ctx context.Context, tx *sql.Tx, entity string, pk int64) ([]Key, error) {
	e.log.LogRefreshStart(entity, pk)

	shape, _, err := e.shapeFor(ctx, tx, entity)
	if err != nil {
		return nil, fmt.Errorf("refresh %s/%d: %w", entity, pk, err)
	}

	newRow, found, err := e.queryOne(ctx, tx, shape.selectOne, pk, len(shape.fkColumns))
	if err != nil {
		return nil, fmt.Errorf("refresh %s/%d: query backing view: %w", entity, pk, err)
	}

	if !found {
		if _, err := tx.ExecContext(ctx, shape.deleteOne, pk); err != nil {
			return nil, fmt.Errorf("refresh %s/%d: delete: %w", entity, pk, err)
		}
		e.log.LogRefreshComplete(entity, pk, true)
		return nil, nil
	}

	oldRow, hadOld, err := e.queryOne(ctx, tx, shape.currentOne, pk, len(shape.fkColumns))
	if err != nil {
		return nil, fmt.Errorf("refresh %s/%d: read current: %w", entity, pk, err)
	}

	if hadOld {
		logSmartPatch(e.log, entity, pk, oldRow.data, newRow.data)
	}

	args := make([]any, 0, len(shape.fkColumns)+2)
	args = append(args, pk, newRow.data)
	for _, fk := range newRow.fks {
		args = append(args, fk)
	}
	if _, err := tx.ExecContext(ctx, shape.upsertOne, args...); err != nil {
		return nil, fmt.Errorf("refresh %s/%d: upsert: %w", entity, pk, err)
	}

	e.log.LogRefreshComplete(entity, pk, false)
	return parentKeys(shape.fkColumns, newRow, oldRow, hadOld), nil
}

// RefreshBulk applies single-key refresh semantics to many PKs. Up to
// bulkThreshold PKs it loops over RefreshOne; above that it issues one
// SELECT on the backing view with an array parameter, one array SELECT of
// the current materialized rows, one upsert statement per row found, and
// one DELETE for every PK missing from the backing view. The upserts are
// not combined into a single statement. Observable behavior is identical
// to a loop of RefreshOne calls; only the issued query shape differs
// (spec.md §4.6).
func (e *Engine) RefreshBulk(ctx context.Context, tx *sql.Tx, entity string, pks []int64) ([]Key, error) {
	if len(pks) <= bulkThreshold {
		var parents []Key
		for _, pk := range pks {
			ps, err := e.RefreshOne(ctx, tx, entity, pk)
			if err != nil {
				return nil, err
			}
			parents = append(parents, ps...)
		}
		return parents, nil
	}

	shape, _, err := e.shapeFor(ctx, tx, entity)
	if err != nil {
		return nil, fmt.Errorf("refresh bulk %s: %w", entity, err)
	}

	rows, err := tx.QueryContext(ctx, shape.selectBulk, pq.Array(pks))
	if err != nil {
		return nil, fmt.Errorf("refresh bulk %s: query backing view: %w", entity, err)
	}
	newRows := make(map[int64]row)
	for rows.Next() {
		r, err := scanRow(rows, len(shape.fkColumns))
		if err != nil {
			rows.Close()
			return nil, fmt.Errorf("refresh bulk %s: scan: %w", entity, err)
		}
		newRows[r.pk] = r
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return nil, fmt.Errorf("refresh bulk %s: %w", entity, err)
	}
	rows.Close()

	oldRows := make(map[int64]row)
	if len(newRows) > 0 {
		present := make([]int64, 0, len(newRows))
		for pk := range newRows {
			present = append(present, pk)
		}
		curRows, err := tx.QueryContext(ctx, strings.Replace(shape.currentOne, "$1", "ANY($1)", 1), pq.Array(present))
		if err != nil {
			return nil, fmt.Errorf("refresh bulk %s: read current: %w", entity, err)
		}
		for curRows.Next() {
			r, err := scanRow(curRows, len(shape.fkColumns))
			if err != nil {
				curRows.Close()
				return nil, fmt.Errorf("refresh bulk %s: scan current: %w", entity, err)
			}
			oldRows[r.pk] = r
		}
		if err := curRows.Err(); err != nil {
			curRows.Close()
			return nil, err
		}
		curRows.Close()

		for pk, nr := range newRows {
			or, hadOld := oldRows[pk]
			if hadOld {
				logSmartPatch(e.log, entity, pk, or.data, nr.data)
			}
			args := make([]any, 0, len(shape.fkColumns)+2)
			args = append(args, pk, nr.data)
			for _, fk := range nr.fks {
				args = append(args, fk)
			}
			if _, err := tx.ExecContext(ctx, shape.upsertOne, args...); err != nil {
				return nil, fmt.Errorf("refresh bulk %s/%d: upsert: %w", entity, pk, err)
			}
			e.log.LogRefreshComplete(entity, pk, false)
		}
	}

	if _, err := tx.ExecContext(ctx, shape.deleteMany, pq.Array(pks), pq.Array(presentKeys(newRows))); err != nil {
		return nil, fmt.Errorf("refresh bulk %s: delete missing: %w", entity, err)
	}
	for _, pk := range pks {
		if _, ok := newRows[pk]; !ok {
			e.log.LogRefreshComplete(entity, pk, true)
		}
	}

	var parents []Key
	for pk, nr := range newRows {
		or, hadOld := oldRows[pk]
		parents = append(parents, parentKeys(shape.fkColumns, nr, or, hadOld)...)
	}
	return parents, nil
}

// presentKeys returns the PKs found in the backing view. An empty result
// is fine as the ANY($2) argument below: NOT(pk = ANY('{}')) is true for
// every row, so every requested PK with no backing-view match gets deleted.
func presentKeys(m map[int64]row) []int64 {
	keys := make([]int64, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	return keys
}

func (e *Engine) queryOne(ctx context.Context, tx *sql.Tx, query string, pk int64, fkCount int) (row, bool, error) {
	rows, err := tx.QueryContext(ctx, query, pk)
	if err != nil {
		return row{}, false, err
	}
	defer rows.Close()

	if !rows.Next() {
		return row{}, false, rows.Err()
	}
	r, err := scanRow(rows, fkCount)
	if err != nil {
		return row{}, false, err
	}
	return r, true, rows.Err()
}

// parentKeys emits, for every fk_<parent> column, the parent key at the
// row's new value and, if it differs from the row's previous value, the
// parent key at the old value too (spec.md §4.6 step 5) — both
// materializations may need to drop or pick up this row.
func parentKeys(fkEntries []schema.FKEntry, newRow, oldRow row, hadOld bool) []Key {
	var keys []Key
	for i, fk := range fkEntries {
		if newRow.fks[i].Valid {
			keys = append(keys, Key{Entity: fk.ParentEntity, PK: newRow.fks[i].Int64})
		}

		if hadOld && oldRow.fks[i].Valid && (!newRow.fks[i].Valid || oldRow.fks[i].Int64 != newRow.fks[i].Int64) {
			keys = append(keys, Key{Entity: fk.ParentEntity, PK: oldRow.fks[i].Int64})
		}
	}
	return keys
}

// logSmartPatch computes the JSON merge patch (RFC 7396) between old and
// new data purely for diagnostics: the stored value is always the full new
// document regardless of whether this succeeds, so a patch computation
// failure is swallowed rather than propagated.
func logSmartPatch(log tvlog.Logger, entity string, pk int64, oldData, newData []byte) {
	patch, err := jsonpatch.CreateMergePatch(oldData, newData)
	if err != nil {
		return
	}
	if len(patch) <= len("{}") {
		return
	}
	log.Info("smart patch for %s/%d: %d bytes changed of %d", entity, pk, len(patch), len(newData))
}
