// SPDX-License-Identifier: Apache-2.0

// Package trigger implements TriggerInstaller: installing, reference
// counting, and removing the statement-level enqueue triggers that sit on
// every base table a TVIEW depends on.
package trigger

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/tvkeep/tvkeep/pkg/action"
	"github.com/tvkeep/tvkeep/pkg/trigger/templates"
	"github.com/tvkeep/tvkeep/tvlog"
)

// CatalogRefs is the subset of Catalog the installer needs: reference
// counting per base table and discovering which entities currently depend
// on one, both run inside the caller's transaction.
type CatalogRefs interface {
	AddTriggerRefTx(ctx context.Context, tx *sql.Tx, baseTable, entity string) error
	RemoveTriggerRefTx(ctx context.Context, tx *sql.Tx, baseTable, entity string) (stillReferenced bool, err error)
	TViewsDependingOnTx(ctx context.Context, tx *sql.Tx, baseTable string) ([]string, error)
	Schema() string
}

// Installer is the TriggerInstaller component.
type Installer struct {
	cat CatalogRefs
	log tvlog.Logger
}

// New returns an Installer backed by cat.
func New(cat CatalogRefs, log tvlog.Logger) *Installer {
	if log == nil {
		log = tvlog.NewNoop()
	}
	return &Installer{cat: cat, log: log}
}

// FunctionName and TriggerName are deterministic per base table: one
// statement-level trigger (and its backing function) per base table,
// shared across every TView that depends on it.
func FunctionName(baseTable string) string { return "_tvkeep_enqueue_fn_" + baseTable }
func TriggerName(baseTable string) string  { return "_tvkeep_enqueue_" + baseTable }

// EnsureInstalled registers entity's reference against every table in
// baseTables and (re)installs each one's enqueue trigger so its body
// covers every entity now known to depend on it. It is idempotent: calling
// it again for the same entity/baseTables is a no-op beyond a
// CREATE OR REPLACE of the trigger function.
func (in *Installer) EnsureInstalled(ctx context.Context, tx *sql.Tx, entity string, baseTables []string) error {
	for _, bt := range baseTables {
		if err := in.cat.AddTriggerRefTx(ctx, tx, bt, entity); err != nil {
			return fmt.Errorf("trigger: add ref for %s/%s: %w", bt, entity, err)
		}

		entities, err := in.cat.TViewsDependingOnTx(ctx, tx, bt)
		if err != nil {
			return fmt.Errorf("trigger: list dependents of %s: %w", bt, err)
		}

		if err := in.install(ctx, tx, bt, entities); err != nil {
			return err
		}
		in.log.LogTriggerInstalled(bt, entity)
	}
	return nil
}

// Remove un-registers entity's reference against every table in
// baseTables. A base table whose reference count drops to zero has its
// trigger dropped entirely; otherwise the trigger function is regenerated
// without entity so surviving TViews keep working.
func (in *Installer) Remove(ctx context.Context, tx *sql.Tx, entity string, baseTables []string) error {
	for _, bt := range baseTables {
		stillReferenced, err := in.cat.RemoveTriggerRefTx(ctx, tx, bt, entity)
		if err != nil {
			return fmt.Errorf("trigger: remove ref for %s/%s: %w", bt, entity, err)
		}

		if !stillReferenced {
			if err := in.drop(ctx, tx, bt); err != nil {
				return err
			}
			in.log.LogTriggerRemoved(bt, entity)
			continue
		}

		entities, err := in.cat.TViewsDependingOnTx(ctx, tx, bt)
		if err != nil {
			return fmt.Errorf("trigger: list dependents of %s: %w", bt, err)
		}
		if err := in.install(ctx, tx, bt, entities); err != nil {
			return err
		}
		in.log.LogTriggerRemoved(bt, entity)
	}
	return nil
}

func (in *Installer) install(ctx context.Context, tx *sql.Tx, baseTable string, entities []string) error {
	catalogSchema := in.cat.Schema()

	functionSQL, err := templates.BuildEnqueueFunction(templates.FunctionConfig{
		CatalogSchema: catalogSchema,
		FunctionName:  FunctionName(baseTable),
		Entities:      entities,
	})
	if err != nil {
		return fmt.Errorf("trigger: render function for %s: %w", baseTable, err)
	}
	if err := action.NewCreateTriggerFunctionAction(tx, baseTable, functionSQL).Execute(ctx); err != nil {
		return fmt.Errorf("trigger: install function for %s: %w", baseTable, err)
	}

	triggerSQL, err := templates.BuildEnqueueTrigger(templates.TriggerConfig{
		TriggerName:  TriggerName(baseTable),
		BaseTable:    baseTable,
		FunctionName: FunctionName(baseTable),
	})
	if err != nil {
		return fmt.Errorf("trigger: render trigger for %s: %w", baseTable, err)
	}
	if _, err := tx.ExecContext(ctx, triggerSQL); err != nil {
		return fmt.Errorf("trigger: install trigger for %s: %w", baseTable, err)
	}

	return nil
}

func (in *Installer) drop(ctx context.Context, tx *sql.Tx, baseTable string) error {
	if err := action.NewDropTriggerFunctionAction(tx, baseTable).Execute(ctx); err != nil {
		return fmt.Errorf("trigger: drop trigger/function for %s: %w", baseTable, err)
	}
	return nil
}
