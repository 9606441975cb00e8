// SPDX-License-Identifier: Apache-2.0

package ddlhook_test

import (
	"context"
	"database/sql"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tvkeep/tvkeep/internal/testutils"
	"github.com/tvkeep/tvkeep/pkg/catalog"
	"github.com/tvkeep/tvkeep/pkg/ddlhook"
	"github.com/tvkeep/tvkeep/pkg/trigger"
	"github.com/tvkeep/tvkeep/tverrors"
)

func TestMain(m *testing.M) {
	testutils.SharedTestMain(m)
}

type fakeGraph struct{ invalidated int }

func (f *fakeGraph) InvalidateGraph() { f.invalidated++ }

func newHook(cat *catalog.Catalog, graph *fakeGraph) *ddlhook.Hook {
	return ddlhook.New(cat, trigger.New(cat, nil), graph, nil)
}

func TestInterceptCreateBuildsTViewAndInstallsTrigger(t *testing.T) {
	t.Parallel()

	testutils.WithCatalogAndConnectionToContainer(t, func(cat *catalog.Catalog, conn *sql.DB) {
		ctx := context.Background()
		_, err := conn.ExecContext(ctx, "CREATE TABLE tb_user (pk_user BIGINT PRIMARY KEY, data JSONB)")
		require.NoError(t, err)

		graph := &fakeGraph{}
		h := newHook(cat, graph)

		tx, err := conn.BeginTx(ctx, nil)
		require.NoError(t, err)

		handled, err := h.Intercept(ctx, tx, "CREATE TABLE tv_user AS SELECT pk_user, data FROM tb_user")
		require.NoError(t, err)
		assert.True(t, handled)
		require.NoError(t, tx.Commit())

		assert.Equal(t, 1, graph.invalidated)

		tv, err := cat.LoadByEntity(ctx, "user")
		require.NoError(t, err)
		assert.Equal(t, "pk_user", tv.PKColumn)
		assert.Equal(t, []string{"tb_user"}, tv.Dependencies)

		var relkind string
		err = conn.QueryRowContext(ctx, "SELECT relkind::text FROM pg_class WHERE relname = 'tv_user'").Scan(&relkind)
		require.NoError(t, err)
		assert.Equal(t, "r", relkind)

		var triggerCount int
		err = conn.QueryRowContext(ctx,
			"SELECT count(*) FROM pg_trigger WHERE tgname = $1", trigger.TriggerName("tb_user")).Scan(&triggerCount)
		require.NoError(t, err)
		assert.Equal(t, 1, triggerCount)
	})
}

func TestInterceptCreateRejectsDuplicateEntity(t *testing.T) {
	t.Parallel()

	testutils.WithCatalogAndConnectionToContainer(t, func(cat *catalog.Catalog, conn *sql.DB) {
		ctx := context.Background()
		_, err := conn.ExecContext(ctx, "CREATE TABLE tb_user (pk_user BIGINT PRIMARY KEY, data JSONB)")
		require.NoError(t, err)

		h := newHook(cat, &fakeGraph{})

		tx, err := conn.BeginTx(ctx, nil)
		require.NoError(t, err)
		_, err = h.Intercept(ctx, tx, "CREATE TABLE tv_user AS SELECT pk_user, data FROM tb_user")
		require.NoError(t, err)
		require.NoError(t, tx.Commit())

		tx, err = conn.BeginTx(ctx, nil)
		require.NoError(t, err)
		handled, err := h.Intercept(ctx, tx, "CREATE TABLE tv_user AS SELECT pk_user, data FROM tb_user")
		assert.True(t, handled)
		require.Error(t, err)
		assert.ErrorAs(t, err, &tverrors.TViewAlreadyExistsError{})
		require.NoError(t, tx.Rollback())
	})
}

func TestInterceptIgnoresNonTViewStatements(t *testing.T) {
	t.Parallel()

	testutils.WithCatalogAndConnectionToContainer(t, func(cat *catalog.Catalog, conn *sql.DB) {
		ctx := context.Background()
		h := newHook(cat, &fakeGraph{})

		tx, err := conn.BeginTx(ctx, nil)
		require.NoError(t, err)
		handled, err := h.Intercept(ctx, tx, "CREATE TABLE plain_table (id INT)")
		require.NoError(t, err)
		assert.False(t, handled)
		require.NoError(t, tx.Rollback())
	})
}

func TestInterceptDropRemovesTViewAndTrigger(t *testing.T) {
	t.Parallel()

	testutils.WithCatalogAndConnectionToContainer(t, func(cat *catalog.Catalog, conn *sql.DB) {
		ctx := context.Background()
		_, err := conn.ExecContext(ctx, "CREATE TABLE tb_user (pk_user BIGINT PRIMARY KEY, data JSONB)")
		require.NoError(t, err)

		graph := &fakeGraph{}
		h := newHook(cat, graph)

		tx, err := conn.BeginTx(ctx, nil)
		require.NoError(t, err)
		_, err = h.Intercept(ctx, tx, "CREATE TABLE tv_user AS SELECT pk_user, data FROM tb_user")
		require.NoError(t, err)
		require.NoError(t, tx.Commit())

		tx, err = conn.BeginTx(ctx, nil)
		require.NoError(t, err)
		handled, err := h.Intercept(ctx, tx, "DROP TABLE tv_user")
		require.NoError(t, err)
		assert.True(t, handled)
		require.NoError(t, tx.Commit())

		assert.Equal(t, 2, graph.invalidated)

		_, err = cat.LoadByEntity(ctx, "user")
		assert.ErrorAs(t, err, &tverrors.TViewDoesNotExistError{})

		var triggerCount int
		err = conn.QueryRowContext(ctx,
			"SELECT count(*) FROM pg_trigger WHERE tgname = $1", trigger.TriggerName("tb_user")).Scan(&triggerCount)
		require.NoError(t, err)
		assert.Equal(t, 0, triggerCount)
	})
}

func TestInterceptDropIfExistsIsNoopWhenMissing(t *testing.T) {
	t.Parallel()

	testutils.WithCatalogAndConnectionToContainer(t, func(cat *catalog.Catalog, conn *sql.DB) {
		ctx := context.Background()
		h := newHook(cat, &fakeGraph{})

		tx, err := conn.BeginTx(ctx, nil)
		require.NoError(t, err)
		handled, err := h.Intercept(ctx, tx, "DROP TABLE IF EXISTS tv_user")
		require.NoError(t, err)
		assert.True(t, handled)
		require.NoError(t, tx.Commit())
	})
}
