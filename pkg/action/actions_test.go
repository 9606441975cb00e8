// SPDX-License-Identifier: Apache-2.0

package action_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/tvkeep/tvkeep/pkg/action"
	"github.com/tvkeep/tvkeep/pkg/db"
	"github.com/tvkeep/tvkeep/pkg/schema"
)

// These exercise each action's SQL-building path against db.FakeDB, so a
// panic while building the SQL fails the test without a live connection.
// FakeDB does not inspect the SQL text, so a malformed statement still
// passes.

func TestCreateBackingViewActionBuildsSQL(t *testing.T) {
	fake := &db.FakeDB{}
	a := action.NewCreateBackingViewAction(fake, "user", "SELECT * FROM users")
	require.Equal(t, "create_backing_view_user", a.ID())
	require.NoError(t, a.Execute(context.Background()))
}

func TestCreateMaterializedTableActionBuildsSQL(t *testing.T) {
	fake := &db.FakeDB{}
	sch := &schema.TViewSchema{Entity: "user", PKColumnName: "id"}
	a := action.NewCreateMaterializedTableAction(fake, "user", sch)
	require.Equal(t, "create_materialized_table_user", a.ID())
	require.NoError(t, a.Execute(context.Background()))
}

func TestDropTViewObjectsActionBuildsSQL(t *testing.T) {
	fake := &db.FakeDB{}
	a := action.NewDropTViewObjectsAction(fake, "user", true)
	require.Equal(t, "drop_tview_objects_user", a.ID())
	require.NoError(t, a.Execute(context.Background()))
}

func TestCreateTriggerFunctionActionBuildsSQL(t *testing.T) {
	fake := &db.FakeDB{}
	a := action.NewCreateTriggerFunctionAction(fake, "users", "CREATE OR REPLACE FUNCTION ...")
	require.Equal(t, "create_trigger_function_users", a.ID())
	require.NoError(t, a.Execute(context.Background()))
}

func TestDropTriggerFunctionActionBuildsSQL(t *testing.T) {
	fake := &db.FakeDB{}
	a := action.NewDropTriggerFunctionAction(fake, "users")
	require.Equal(t, "drop_trigger_function_users", a.ID())
	require.NoError(t, a.Execute(context.Background()))
}

func TestRawSQLActionBuildsSQL(t *testing.T) {
	fake := &db.FakeDB{}
	a := action.NewRawSQLAction(fake, "catalog_bootstrap_tvkeep", "CREATE SCHEMA IF NOT EXISTS tvkeep")
	require.Equal(t, "catalog_bootstrap_tvkeep", a.ID())
	require.NoError(t, a.Execute(context.Background()))
}
