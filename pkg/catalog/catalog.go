// SPDX-License-Identifier: Apache-2.0

// Package catalog persists one row per TVIEW and the trigger reference
// counts installed against each base table. It is the single source of
// truth SchemaAnalyzer validates against and TriggerInstaller/RefreshQueue
// read from.
package catalog

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/lib/pq"

	"github.com/tvkeep/tvkeep/pkg/action"
	"github.com/tvkeep/tvkeep/pkg/schema"
	"github.com/tvkeep/tvkeep/tverrors"
)

// sqlInit bootstraps the catalog schema: one table per TVIEW record and one
// tracking trigger reference counts per base table, following the same
// advisory-lock-guarded, identifier-quoted DDL block pattern used to
// bootstrap pgroll's own state schema.
const sqlInit = `
CREATE SCHEMA IF NOT EXISTS %[1]s;

CREATE TABLE IF NOT EXISTS %[1]s.tviews (
	entity       NAME PRIMARY KEY,
	view_id      TEXT NOT NULL,
	table_id     TEXT NOT NULL,
	definition   TEXT NOT NULL,
	dependencies JSONB NOT NULL DEFAULT '[]'::jsonb,
	fk_columns   JSONB NOT NULL DEFAULT '[]'::jsonb,
	pk_column    TEXT NOT NULL,
	created_at   TIMESTAMPTZ NOT NULL DEFAULT now(),
	updated_at   TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE TABLE IF NOT EXISTS %[1]s.trigger_refs (
	base_table   TEXT NOT NULL,
	entity       NAME NOT NULL REFERENCES %[1]s.tviews(entity) ON DELETE CASCADE,
	PRIMARY KEY (base_table, entity)
);

CREATE INDEX IF NOT EXISTS trigger_refs_base_table_idx ON %[1]s.trigger_refs (base_table);

-- pending_refreshes is the transaction-visible landing zone triggers write
-- into; RefreshQueue's pre-commit hook drains it from within the same
-- transaction before COMMIT, so nothing here survives past one transaction.
CREATE UNLOGGED TABLE IF NOT EXISTS %[1]s.pending_refreshes (
	entity NAME NOT NULL,
	pk     BIGINT NOT NULL,
	PRIMARY KEY (entity, pk)
);

-- metrics rows, written only when metrics_enabled is true.
CREATE TABLE IF NOT EXISTS %[1]s.refresh_metrics (
	recorded_at     TIMESTAMPTZ NOT NULL DEFAULT now(),
	txn_started_at  TIMESTAMPTZ NOT NULL,
	keys_processed  INT NOT NULL,
	iterations      INT NOT NULL,
	duration_ms     INT NOT NULL
);
`

// querier is satisfied by both *sql.DB and *sql.Tx. Catalog methods that
// need to be visible within an in-flight transaction (DDL-Hook's
// create/drop, TriggerInstaller's ref-counting) take an explicit *sql.Tx
// via the Tx-suffixed variants below; methods used standalone (tvctl,
// tests) run directly against the catalog's own connection.
type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// Catalog is the persistent store backing one schema of TViews.
type Catalog struct {
	conn   *sql.DB
	schema string
}

// New opens a connection dedicated to the catalog schema.
func New(ctx context.Context, pgURL, catalogSchema string) (*Catalog, error) {
	conn, err := sql.Open("postgres", pgURL)
	if err != nil {
		return nil, err
	}

	if err := conn.PingContext(ctx); err != nil {
		return nil, err
	}

	return &Catalog{conn: conn, schema: catalogSchema}, nil
}

// Init creates the catalog schema and tables under an advisory lock so
// concurrent initializers don't race.
func (c *Catalog) Init(ctx context.Context) error {
	tx, err := c.conn.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback() //nolint:errcheck

	const key int64 = 0x74766b656570 // "tvkeep" in hex-ish, arbitrary advisory lock key
	if _, err := tx.ExecContext(ctx, "SELECT pg_advisory_xact_lock($1)", key); err != nil {
		return err
	}

	bootstrap := action.NewRawSQLAction(tx, "catalog_bootstrap_"+c.schema, fmt.Sprintf(sqlInit, pq.QuoteIdentifier(c.schema)))
	if err := bootstrap.Execute(ctx); err != nil {
		return err
	}

	return tx.Commit()
}

// Close closes the catalog's connection.
func (c *Catalog) Close() error {
	return c.conn.Close()
}

// Schema returns the catalog's own schema name.
func (c *Catalog) Schema() string {
	return c.schema
}

// Insert atomically writes the catalog row for a new TView, failing if the
// entity already exists.
func (c *Catalog) Insert(ctx context.Context, tv *schema.TView) error {
	return c.insert(ctx, c.conn, tv)
}

// InsertTx is Insert run inside tx, so the write is visible to (and rolled
// back with) the caller's own transaction — DDL-Hook's create path.
func (c *Catalog) InsertTx(ctx context.Context, tx *sql.Tx, tv *schema.TView) error {
	return c.insert(ctx, tx, tv)
}

func (c *Catalog) insert(ctx context.Context, q querier, tv *schema.TView) error {
	deps, err := json.Marshal(tv.Dependencies)
	if err != nil {
		return fmt.Errorf("marshal dependencies: %w", err)
	}
	fks, err := json.Marshal(tv.FKColumns)
	if err != nil {
		return fmt.Errorf("marshal fk columns: %w", err)
	}

	stmt := fmt.Sprintf(
		`INSERT INTO %s.tviews (entity, view_id, table_id, definition, dependencies, fk_columns, pk_column)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		pq.QuoteIdentifier(c.schema),
	)

	_, err = q.ExecContext(ctx, stmt, tv.Entity, tv.ViewID, tv.TableID, tv.Definition, deps, fks, tv.PKColumn)
	if err != nil {
		var pqErr *pq.Error
		if errors.As(err, &pqErr) && pqErr.Code == "23505" {
			return tverrors.TViewAlreadyExistsError{Entity: tv.Entity}
		}
		return err
	}
	return nil
}

// Delete removes the catalog row for entity, cascading to trigger_refs. It
// is idempotent: deleting an absent entity is not an error (combined with
// IF EXISTS at the call site).
func (c *Catalog) Delete(ctx context.Context, entity string) error {
	return c.delete(ctx, c.conn, entity)
}

// DeleteTx is Delete run inside tx — DDL-Hook's drop path.
func (c *Catalog) DeleteTx(ctx context.Context, tx *sql.Tx, entity string) error {
	return c.delete(ctx, tx, entity)
}

func (c *Catalog) delete(ctx context.Context, q querier, entity string) error {
	stmt := fmt.Sprintf(`DELETE FROM %s.tviews WHERE entity = $1`, pq.QuoteIdentifier(c.schema))
	_, err := q.ExecContext(ctx, stmt, entity)
	return err
}

// LoadByEntity returns the TView record for entity, or
// tverrors.TViewDoesNotExistError if none exists.
func (c *Catalog) LoadByEntity(ctx context.Context, entity string) (*schema.TView, error) {
	return c.loadByEntity(ctx, c.conn, entity)
}

// LoadByEntityTx is LoadByEntity run inside tx, seeing rows the same
// transaction has already written (e.g. a TView created earlier in the
// same DDL statement's propagation).
func (c *Catalog) LoadByEntityTx(ctx context.Context, tx *sql.Tx, entity string) (*schema.TView, error) {
	return c.loadByEntity(ctx, tx, entity)
}

func (c *Catalog) loadByEntity(ctx context.Context, q querier, entity string) (*schema.TView, error) {
	stmt := fmt.Sprintf(
		`SELECT entity, view_id, table_id, definition, dependencies, fk_columns, pk_column, created_at, updated_at
		 FROM %s.tviews WHERE entity = $1`,
		pq.QuoteIdentifier(c.schema),
	)

	var tv schema.TView
	var deps, fks []byte
	err := q.QueryRowContext(ctx, stmt, entity).Scan(
		&tv.Entity, &tv.ViewID, &tv.TableID, &tv.Definition, &deps, &fks, &tv.PKColumn, &tv.CreatedAt, &tv.UpdatedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, tverrors.TViewDoesNotExistError{Entity: entity}
	}
	if err != nil {
		return nil, err
	}

	if err := json.Unmarshal(deps, &tv.Dependencies); err != nil {
		return nil, fmt.Errorf("unmarshal dependencies: %w", err)
	}
	if err := json.Unmarshal(fks, &tv.FKColumns); err != nil {
		return nil, fmt.Errorf("unmarshal fk columns: %w", err)
	}

	return &tv, nil
}

// TViewsDependingOn returns the set of entities whose TView declares
// baseTable as a dependency, used by triggers to discover which TViews to
// enqueue.
func (c *Catalog) TViewsDependingOn(ctx context.Context, baseTable string) ([]string, error) {
	return c.tviewsDependingOn(ctx, c.conn, baseTable)
}

// TViewsDependingOnTx is TViewsDependingOn run inside tx.
func (c *Catalog) TViewsDependingOnTx(ctx context.Context, tx *sql.Tx, baseTable string) ([]string, error) {
	return c.tviewsDependingOn(ctx, tx, baseTable)
}

func (c *Catalog) tviewsDependingOn(ctx context.Context, q querier, baseTable string) ([]string, error) {
	stmt := fmt.Sprintf(
		`SELECT entity FROM %s.tviews WHERE dependencies @> to_jsonb($1::text)`,
		pq.QuoteIdentifier(c.schema),
	)

	rows, err := q.QueryContext(ctx, stmt, baseTable)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var entities []string
	for rows.Next() {
		var e string
		if err := rows.Scan(&e); err != nil {
			return nil, err
		}
		entities = append(entities, e)
	}
	return entities, rows.Err()
}

// AllFKEdges returns every (child, column, parent) foreign-key edge in the
// catalog, used to build EntityDepGraph.
func (c *Catalog) AllFKEdges(ctx context.Context) ([]schema.FKEdge, error) {
	stmt := fmt.Sprintf(`SELECT entity, fk_columns FROM %s.tviews`, pq.QuoteIdentifier(c.schema))

	rows, err := c.conn.QueryContext(ctx, stmt)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var edges []schema.FKEdge
	for rows.Next() {
		var entity string
		var rawFKs []byte
		if err := rows.Scan(&entity, &rawFKs); err != nil {
			return nil, err
		}

		var fks []schema.FKEntry
		if err := json.Unmarshal(rawFKs, &fks); err != nil {
			return nil, fmt.Errorf("unmarshal fk columns for %s: %w", entity, err)
		}

		for _, fk := range fks {
			edges = append(edges, schema.FKEdge{Child: entity, Column: fk.ColumnName, Parent: fk.ParentEntity})
		}
	}
	return edges, rows.Err()
}

// AllEntities returns every entity name currently in the catalog.
func (c *Catalog) AllEntities(ctx context.Context) ([]string, error) {
	stmt := fmt.Sprintf(`SELECT entity FROM %s.tviews ORDER BY entity`, pq.QuoteIdentifier(c.schema))

	rows, err := c.conn.QueryContext(ctx, stmt)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var entities []string
	for rows.Next() {
		var e string
		if err := rows.Scan(&e); err != nil {
			return nil, err
		}
		entities = append(entities, e)
	}
	return entities, rows.Err()
}

// AddTriggerRef increments the reference count of baseTable's trigger for
// entity (a no-op if the row already exists).
func (c *Catalog) AddTriggerRef(ctx context.Context, baseTable, entity string) error {
	return c.addTriggerRef(ctx, c.conn, baseTable, entity)
}

// AddTriggerRefTx is AddTriggerRef run inside tx — TriggerInstaller's
// install path, called from within DDL-Hook's create transaction.
func (c *Catalog) AddTriggerRefTx(ctx context.Context, tx *sql.Tx, baseTable, entity string) error {
	return c.addTriggerRef(ctx, tx, baseTable, entity)
}

func (c *Catalog) addTriggerRef(ctx context.Context, q querier, baseTable, entity string) error {
	stmt := fmt.Sprintf(
		`INSERT INTO %s.trigger_refs (base_table, entity) VALUES ($1, $2) ON CONFLICT DO NOTHING`,
		pq.QuoteIdentifier(c.schema),
	)
	_, err := q.ExecContext(ctx, stmt, baseTable, entity)
	return err
}

// RemoveTriggerRef removes entity's reference to baseTable's trigger and
// reports whether any other entity still references it (i.e. whether the
// trigger should be kept installed).
func (c *Catalog) RemoveTriggerRef(ctx context.Context, baseTable, entity string) (stillReferenced bool, err error) {
	tx, err := c.conn.BeginTx(ctx, nil)
	if err != nil {
		return false, err
	}
	defer tx.Rollback() //nolint:errcheck

	remaining, err := c.removeTriggerRef(ctx, tx, baseTable, entity)
	if err != nil {
		return false, err
	}

	if err := tx.Commit(); err != nil {
		return false, err
	}

	return remaining, nil
}

// RemoveTriggerRefTx is RemoveTriggerRef run inside the caller's own
// transaction — DDL-Hook's drop path, so the ref-count change rolls back
// together with the rest of the drop if a later step fails.
func (c *Catalog) RemoveTriggerRefTx(ctx context.Context, tx *sql.Tx, baseTable, entity string) (stillReferenced bool, err error) {
	return c.removeTriggerRef(ctx, tx, baseTable, entity)
}

func (c *Catalog) removeTriggerRef(ctx context.Context, q querier, baseTable, entity string) (bool, error) {
	del := fmt.Sprintf(`DELETE FROM %s.trigger_refs WHERE base_table = $1 AND entity = $2`, pq.QuoteIdentifier(c.schema))
	if _, err := q.ExecContext(ctx, del, baseTable, entity); err != nil {
		return false, err
	}

	count := fmt.Sprintf(`SELECT count(*) FROM %s.trigger_refs WHERE base_table = $1`, pq.QuoteIdentifier(c.schema))
	var remaining int
	if err := q.QueryRowContext(ctx, count, baseTable).Scan(&remaining); err != nil {
		return false, err
	}

	return remaining > 0, nil
}

// LockEntityTx takes a transaction-scoped advisory lock keyed by entity so
// that two concurrent CREATEs of the same entity serialize: the second
// caller blocks here until the first commits or rolls back, then sees
// LoadByEntityTx succeed and can return TViewAlreadyExistsError instead of
// racing Insert's unique-violation path.
func (c *Catalog) LockEntityTx(ctx context.Context, tx *sql.Tx, entity string) error {
	_, err := tx.ExecContext(ctx, "SELECT pg_advisory_xact_lock(hashtext($1))", c.schema+"."+entity)
	return err
}

// EnqueuePendingTx inserts a RefreshKey into pending_refreshes within tx,
// deduplicating at the SQL layer as a backstop to TransactionState's own
// in-memory dedup.
func (c *Catalog) EnqueuePendingTx(ctx context.Context, tx *sql.Tx, entity string, pk int64) error {
	stmt := fmt.Sprintf(
		`INSERT INTO %s.pending_refreshes (entity, pk) VALUES ($1, $2) ON CONFLICT DO NOTHING`,
		pq.QuoteIdentifier(c.schema),
	)
	_, err := tx.ExecContext(ctx, stmt, entity, pk)
	return err
}

// RefreshKey is one (entity, pk) pair drained from pending_refreshes.
type RefreshKey struct {
	Entity string
	PK     int64
}

// DrainPendingTx reads and deletes every row of pending_refreshes within tx,
// returning the keys RefreshQueue should seed its pre-commit pass with.
func (c *Catalog) DrainPendingTx(ctx context.Context, tx *sql.Tx) ([]RefreshKey, error) {
	del := fmt.Sprintf(
		`DELETE FROM %s.pending_refreshes RETURNING entity, pk`,
		pq.QuoteIdentifier(c.schema),
	)
	rows, err := tx.QueryContext(ctx, del)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var keys []RefreshKey
	for rows.Next() {
		var k RefreshKey
		if err := rows.Scan(&k.Entity, &k.PK); err != nil {
			return nil, err
		}
		keys = append(keys, k)
	}
	return keys, rows.Err()
}

// RecordMetricsTx writes one refresh_metrics row within tx.
func (c *Catalog) RecordMetricsTx(ctx context.Context, tx *sql.Tx, txnStartedAt time.Time, keysProcessed, iterations int, duration time.Duration) error {
	stmt := fmt.Sprintf(
		`INSERT INTO %s.refresh_metrics (txn_started_at, keys_processed, iterations, duration_ms) VALUES ($1, $2, $3, $4)`,
		pq.QuoteIdentifier(c.schema),
	)
	_, err := tx.ExecContext(ctx, stmt, txnStartedAt, keysProcessed, iterations, duration.Milliseconds())
	return err
}
