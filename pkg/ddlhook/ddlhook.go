// SPDX-License-Identifier: Apache-2.0

// Package ddlhook implements DDL-Hook: interception of
// "CREATE TABLE tv_<entity> AS <SELECT>" and "DROP TABLE tv_<entity>"
// utility statements, replacing standard execution with TVIEW-aware
// orchestration of SchemaAnalyzer, Catalog, and TriggerInstaller inside the
// caller's own transaction. Every other statement passes through untouched.
package ddlhook

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	pgq "github.com/xataio/pg_query_go/v6"

	"github.com/tvkeep/tvkeep/pkg/action"
	"github.com/tvkeep/tvkeep/pkg/analyzer"
	"github.com/tvkeep/tvkeep/pkg/schema"
	"github.com/tvkeep/tvkeep/pkg/trigger"
	"github.com/tvkeep/tvkeep/tverrors"
	"github.com/tvkeep/tvkeep/tvlog"
)

// tvPrefix is the naming convention a table must carry for DDL-Hook to
// treat it as a TVIEW rather than an ordinary table.
const tvPrefix = "tv_"

// Catalog is the subset of pkg/catalog.Catalog DDL-Hook drives, all run
// inside the caller's transaction for atomic create/drop.
type Catalog interface {
	LockEntityTx(ctx context.Context, tx *sql.Tx, entity string) error
	LoadByEntityTx(ctx context.Context, tx *sql.Tx, entity string) (*schema.TView, error)
	InsertTx(ctx context.Context, tx *sql.Tx, tv *schema.TView) error
	DeleteTx(ctx context.Context, tx *sql.Tx, entity string) error
}

// GraphInvalidator is notified after every successful create/drop, per
// spec.md §3 ("EntityDepGraph ... invalidated on any CREATE/DROP of a
// TView").
type GraphInvalidator interface {
	InvalidateGraph()
}

// Hook is the DDL-Hook component.
type Hook struct {
	cat       Catalog
	installer *trigger.Installer
	graph     GraphInvalidator
	log       tvlog.Logger
}

// New returns a Hook wired against cat, installer, and graph.
func New(cat Catalog, installer *trigger.Installer, graph GraphInvalidator, log tvlog.Logger) *Hook {
	if log == nil {
		log = tvlog.NewNoop()
	}
	return &Hook{cat: cat, installer: installer, graph: graph, log: log}
}

// entityResolver adapts Catalog.LoadByEntityTx to analyzer.EntityResolver
// for one transaction, so FK targets are validated against rows the same
// transaction has already written (e.g. two TViews created back to back in
// one migration script).
type entityResolver struct {
	cat Catalog
	tx  *sql.Tx
}

func (r entityResolver) LoadByEntity(ctx context.Context, entity string) (*schema.TView, error) {
	return r.cat.LoadByEntityTx(ctx, r.tx, entity)
}

// Intercept classifies rawSQL and, if it targets a tv_<entity> table,
// performs the TVIEW-aware orchestration instead of letting rawSQL execute
// as written. handled reports whether it consumed the statement; when
// handled is false (including on parse failure), the caller should run
// rawSQL through its normal execution path unchanged.
func (h *Hook) Intercept(ctx context.Context, tx *sql.Tx, rawSQL string) (handled bool, err error) {
	result, err := pgq.Parse(rawSQL)
	if err != nil || len(result.GetStmts()) != 1 {
		return false, nil
	}

	switch node := result.GetStmts()[0].GetStmt().GetNode().(type) {
	case *pgq.Node_CreateTableAsStmt:
		return h.interceptCreate(ctx, tx, node.CreateTableAsStmt)
	case *pgq.Node_DropStmt:
		return h.interceptDrop(ctx, tx, node.DropStmt)
	default:
		return false, nil
	}
}

func (h *Hook) interceptCreate(ctx context.Context, tx *sql.Tx, stmt *pgq.CreateTableAsStmt) (bool, error) {
	if stmt.GetRelkind() != pgq.ObjectType_OBJECT_TABLE {
		return false, nil
	}

	relname := stmt.GetInto().GetRel().GetRelname()
	if !strings.HasPrefix(relname, tvPrefix) {
		return false, nil
	}
	entity := strings.TrimPrefix(relname, tvPrefix)

	selectText, err := deparseQuery(stmt.GetQuery())
	if err != nil {
		return true, tverrors.UnparseableSelectError{Entity: entity, Err: err}
	}

	if err := h.createTView(ctx, tx, entity, selectText); err != nil {
		return true, err
	}
	return true, nil
}

// createTView runs the full CREATE path: lock, validate uniqueness,
// analyze, create backing view + materialized table, install triggers,
// insert the catalog row, invalidate the dependency graph. Every step runs
// against tx, so any failure rolls back atomically with the caller's
// transaction (spec.md §4.1 "all prior steps are reversed").
func (h *Hook) createTView(ctx context.Context, tx *sql.Tx, entity, selectText string) error {
	if err := h.cat.LockEntityTx(ctx, tx, entity); err != nil {
		return fmt.Errorf("ddlhook: lock entity %q: %w", entity, err)
	}

	if _, err := h.cat.LoadByEntityTx(ctx, tx, entity); err == nil {
		return tverrors.TViewAlreadyExistsError{Entity: entity}
	} else if _, ok := asDoesNotExist(err); !ok {
		return fmt.Errorf("ddlhook: check existing entity %q: %w", entity, err)
	}

	an := analyzer.New(entityResolver{cat: h.cat, tx: tx})
	tvSchema, err := an.Analyze(ctx, entity, selectText)
	if err != nil {
		return err
	}

	coord := action.NewCoordinator([]action.DBAction{
		action.NewCreateBackingViewAction(tx, entity, selectText),
		action.NewCreateMaterializedTableAction(tx, entity, tvSchema),
	})
	if err := coord.Execute(ctx); err != nil {
		return fmt.Errorf("ddlhook: create tview objects for %q: %w", entity, err)
	}

	if err := h.installer.EnsureInstalled(ctx, tx, entity, tvSchema.BaseTables); err != nil {
		return fmt.Errorf("ddlhook: install triggers for %q: %w", entity, err)
	}

	now := time.Now()
	tv := &schema.TView{
		Entity:       entity,
		ViewID:       uuid.NewString(),
		TableID:      uuid.NewString(),
		Definition:   selectText,
		Dependencies: tvSchema.BaseTables,
		FKColumns:    tvSchema.FKEntries,
		PKColumn:     tvSchema.PKColumnName,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	if err := h.cat.InsertTx(ctx, tx, tv); err != nil {
		return fmt.Errorf("ddlhook: insert catalog row for %q: %w", entity, err)
	}

	h.graph.InvalidateGraph()
	h.log.LogTViewCreated(entity)
	return nil
}

func (h *Hook) interceptDrop(ctx context.Context, tx *sql.Tx, stmt *pgq.DropStmt) (bool, error) {
	if stmt.GetRemoveType() != pgq.ObjectType_OBJECT_TABLE {
		return false, nil
	}
	if len(stmt.GetObjects()) != 1 {
		return false, nil
	}

	relname := lastNamePart(stmt.GetObjects()[0])
	if !strings.HasPrefix(relname, tvPrefix) {
		return false, nil
	}
	entity := strings.TrimPrefix(relname, tvPrefix)
	ifExists := stmt.GetMissingOk()
	cascade := stmt.GetBehavior() == pgq.DropBehavior_DROP_CASCADE

	if err := h.dropTView(ctx, tx, entity, ifExists, cascade); err != nil {
		return true, err
	}
	return true, nil
}

// dropTView removes the triggers, then the materialized table and the
// backing view (table first), then the catalog row for entity, atomically
// within tx (spec.md §4.1).
func (h *Hook) dropTView(ctx context.Context, tx *sql.Tx, entity string, ifExists, cascade bool) error {
	tv, err := h.cat.LoadByEntityTx(ctx, tx, entity)
	if err != nil {
		if _, ok := asDoesNotExist(err); ok && ifExists {
			return nil
		}
		return err
	}

	if err := h.installer.Remove(ctx, tx, entity, tv.Dependencies); err != nil {
		return fmt.Errorf("ddlhook: remove triggers for %q: %w", entity, err)
	}

	drop := action.NewDropTViewObjectsAction(tx, entity, cascade)
	if err := drop.Execute(ctx); err != nil {
		return fmt.Errorf("ddlhook: drop tview objects for %q: %w", entity, err)
	}

	if err := h.cat.DeleteTx(ctx, tx, entity); err != nil {
		return fmt.Errorf("ddlhook: delete catalog row for %q: %w", entity, err)
	}

	h.graph.InvalidateGraph()
	h.log.LogTViewDropped(entity)
	return nil
}

// deparseQuery renders a parsed query node (the AS-clause of a
// CreateTableAsStmt, already fully parsed by pgq.Parse) back to SQL text,
// so SchemaAnalyzer can re-parse and validate it as an ordinary standalone
// SELECT. Wrapping it in a single-statement ParseResult is the documented
// way to deparse an arbitrary already-parsed statement node.
func deparseQuery(query *pgq.Node) (string, error) {
	return pgq.Deparse(&pgq.ParseResult{
		Stmts: []*pgq.RawStmt{{Stmt: query}},
	})
}

// lastNamePart returns the final component of a DROP statement's qualified
// object name (schema.table -> table).
func lastNamePart(obj *pgq.Node) string {
	items := obj.GetList().GetItems()
	if len(items) == 0 {
		return ""
	}
	return items[len(items)-1].GetString_().GetSval()
}

// asDoesNotExist reports whether err is (or wraps) tverrors.TViewDoesNotExistError.
func asDoesNotExist(err error) (tverrors.TViewDoesNotExistError, bool) {
	var notExist tverrors.TViewDoesNotExistError
	ok := errors.As(err, &notExist)
	return notExist, ok
}
