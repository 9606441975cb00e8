// SPDX-License-Identifier: Apache-2.0

package action

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/lib/pq"

	"github.com/tvkeep/tvkeep/pkg/schema"
)

// Execer is the only capability a DBAction needs from its connection: run a
// statement. Both db.DB and a bare *sql.Tx satisfy it, so the same action
// implementations run standalone (via db.RDB) or inside the caller's
// transaction (via *sql.Tx), which is how DDL-Hook gets "all-or-nothing"
// without the action package knowing anything about transactions.
type Execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

// createBackingViewAction creates v_<entity> from the TVIEW's SELECT text.
type createBackingViewAction struct {
	conn   Execer
	id     string
	entity string
	sql    string
}

func NewCreateBackingViewAction(conn Execer, entity, selectText string) *createBackingViewAction {
	return &createBackingViewAction{
		conn:   conn,
		id:     fmt.Sprintf("create_backing_view_%s", entity),
		entity: entity,
		sql:    selectText,
	}
}

func (a *createBackingViewAction) ID() string { return a.id }

func (a *createBackingViewAction) Execute(ctx context.Context) error {
	_, err := a.conn.ExecContext(ctx, fmt.Sprintf("CREATE VIEW %s AS %s",
		pq.QuoteIdentifier("v_"+a.entity), a.sql))
	return err
}

// createMaterializedTableAction creates tv_<entity> with the typed pk/fk
// columns plus the data jsonb column, seeded from the current contents of
// the backing view.
type createMaterializedTableAction struct {
	conn   Execer
	id     string
	entity string
	sch    *schema.TViewSchema
}

func NewCreateMaterializedTableAction(conn Execer, entity string, sch *schema.TViewSchema) *createMaterializedTableAction {
	return &createMaterializedTableAction{
		conn:   conn,
		id:     fmt.Sprintf("create_materialized_table_%s", entity),
		entity: entity,
		sch:    sch,
	}
}

func (a *createMaterializedTableAction) ID() string { return a.id }

func (a *createMaterializedTableAction) Execute(ctx context.Context) error {
	table := pq.QuoteIdentifier("tv_" + a.entity)
	view := pq.QuoteIdentifier("v_" + a.entity)
	pk := pq.QuoteIdentifier(a.sch.PKColumnName)

	stmt := fmt.Sprintf("CREATE TABLE %s AS SELECT * FROM %s", table, view)
	if _, err := a.conn.ExecContext(ctx, stmt); err != nil {
		return err
	}

	alter := fmt.Sprintf("ALTER TABLE %s ADD PRIMARY KEY (%s)", table, pk)
	_, err := a.conn.ExecContext(ctx, alter)
	return err
}

// dropTViewObjectsAction drops the materialized table and backing view for
// entity, in that order (table first, since it may reference the view).
type dropTViewObjectsAction struct {
	conn    Execer
	id      string
	entity  string
	cascade bool
}

func NewDropTViewObjectsAction(conn Execer, entity string, cascade bool) *dropTViewObjectsAction {
	return &dropTViewObjectsAction{
		conn:    conn,
		id:      fmt.Sprintf("drop_tview_objects_%s", entity),
		entity:  entity,
		cascade: cascade,
	}
}

func (a *dropTViewObjectsAction) ID() string { return a.id }

func (a *dropTViewObjectsAction) Execute(ctx context.Context) error {
	cascade := ""
	if a.cascade {
		cascade = " CASCADE"
	}

	table := fmt.Sprintf("DROP TABLE IF EXISTS %s%s", pq.QuoteIdentifier("tv_"+a.entity), cascade)
	if _, err := a.conn.ExecContext(ctx, table); err != nil {
		return err
	}

	view := fmt.Sprintf("DROP VIEW IF EXISTS %s%s", pq.QuoteIdentifier("v_"+a.entity), cascade)
	_, err := a.conn.ExecContext(ctx, view)
	return err
}

// createTriggerFunctionAction installs (or replaces) the PL/pgSQL trigger
// function for one base table, generated elsewhere (pkg/trigger) and
// handed in as plain SQL text so this action stays a thin, idempotent
// executor like the rest of the DBAction family.
type createTriggerFunctionAction struct {
	conn      Execer
	id        string
	baseTable string
	sql       string
}

func NewCreateTriggerFunctionAction(conn Execer, baseTable, functionSQL string) *createTriggerFunctionAction {
	return &createTriggerFunctionAction{
		conn:      conn,
		id:        fmt.Sprintf("create_trigger_function_%s", baseTable),
		baseTable: baseTable,
		sql:       functionSQL,
	}
}

func (a *createTriggerFunctionAction) ID() string { return a.id }

func (a *createTriggerFunctionAction) Execute(ctx context.Context) error {
	_, err := a.conn.ExecContext(ctx, a.sql)
	return err
}

// dropTriggerFunctionAction drops the enqueue trigger (and its function)
// from a base table once no TView depends on it anymore.
type dropTriggerFunctionAction struct {
	conn      Execer
	id        string
	baseTable string
}

func NewDropTriggerFunctionAction(conn Execer, baseTable string) *dropTriggerFunctionAction {
	return &dropTriggerFunctionAction{
		conn:      conn,
		id:        fmt.Sprintf("drop_trigger_function_%s", baseTable),
		baseTable: baseTable,
	}
}

func (a *dropTriggerFunctionAction) ID() string { return a.id }

func (a *dropTriggerFunctionAction) Execute(ctx context.Context) error {
	triggerName := pq.QuoteIdentifier("_tvkeep_enqueue_" + a.baseTable)
	table := pq.QuoteIdentifier(a.baseTable)
	functionName := pq.QuoteIdentifier("_tvkeep_enqueue_fn_" + a.baseTable)

	drop := fmt.Sprintf("DROP TRIGGER IF EXISTS %s ON %s", triggerName, table)
	if _, err := a.conn.ExecContext(ctx, drop); err != nil {
		return err
	}

	dropFn := fmt.Sprintf("DROP FUNCTION IF EXISTS %s()", functionName)
	_, err := a.conn.ExecContext(ctx, dropFn)
	return err
}

// rawSQLAction runs arbitrary SQL text, used for one-off catalog bootstrap
// statements not worth their own named action.
type rawSQLAction struct {
	conn Execer
	id   string
	sql  string
}

func NewRawSQLAction(conn Execer, id, sqlText string) *rawSQLAction {
	return &rawSQLAction{conn: conn, id: id, sql: sqlText}
}

func (a *rawSQLAction) ID() string { return a.id }

func (a *rawSQLAction) Execute(ctx context.Context) error {
	_, err := a.conn.ExecContext(ctx, a.sql)
	return err
}
