// SPDX-License-Identifier: Apache-2.0

package trigger_test

import (
	"context"
	"database/sql"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tvkeep/tvkeep/internal/testutils"
	"github.com/tvkeep/tvkeep/pkg/catalog"
	"github.com/tvkeep/tvkeep/pkg/schema"
	"github.com/tvkeep/tvkeep/pkg/trigger"
)

func TestMain(m *testing.M) {
	testutils.SharedTestMain(m)
}

func createBaseTable(t *testing.T, conn *sql.DB, name string) {
	t.Helper()
	_, err := conn.ExecContext(context.Background(),
		"CREATE TABLE "+name+" (pk_user BIGINT PRIMARY KEY, name TEXT)")
	require.NoError(t, err)
}

func TestEnsureInstalledWritesPendingRefreshesOnInsertAndUpdate(t *testing.T) {
	t.Parallel()

	testutils.WithCatalogAndConnectionToContainer(t, func(cat *catalog.Catalog, conn *sql.DB) {
		ctx := context.Background()
		createBaseTable(t, conn, "tb_user")

		require.NoError(t, cat.Insert(ctx, &schema.TView{Entity: "user", PKColumn: "pk_user"}))

		in := trigger.New(cat, nil)
		tx, err := conn.BeginTx(ctx, nil)
		require.NoError(t, err)
		require.NoError(t, in.EnsureInstalled(ctx, tx, "user", []string{"tb_user"}))
		require.NoError(t, tx.Commit())

		_, err = conn.ExecContext(ctx, "INSERT INTO tb_user (pk_user, name) VALUES (1, 'alice')")
		require.NoError(t, err)

		var count int
		err = conn.QueryRowContext(ctx, "SELECT count(*) FROM tvkeep.pending_refreshes WHERE entity = 'user' AND pk = 1").Scan(&count)
		require.NoError(t, err)
		assert.Equal(t, 1, count)

		_, err = conn.ExecContext(ctx, "DELETE FROM tvkeep.pending_refreshes")
		require.NoError(t, err)

		_, err = conn.ExecContext(ctx, "UPDATE tb_user SET name = 'alicia' WHERE pk_user = 1")
		require.NoError(t, err)

		err = conn.QueryRowContext(ctx, "SELECT count(*) FROM tvkeep.pending_refreshes WHERE entity = 'user' AND pk = 1").Scan(&count)
		require.NoError(t, err)
		assert.Equal(t, 1, count)
	})
}

func TestRemoveDropsTriggerWhenLastReferenceGone(t *testing.T) {
	t.Parallel()

	testutils.WithCatalogAndConnectionToContainer(t, func(cat *catalog.Catalog, conn *sql.DB) {
		ctx := context.Background()
		createBaseTable(t, conn, "tb_user")

		require.NoError(t, cat.Insert(ctx, &schema.TView{Entity: "user", PKColumn: "pk_user"}))

		in := trigger.New(cat, nil)
		tx, err := conn.BeginTx(ctx, nil)
		require.NoError(t, err)
		require.NoError(t, in.EnsureInstalled(ctx, tx, "user", []string{"tb_user"}))
		require.NoError(t, tx.Commit())

		tx, err = conn.BeginTx(ctx, nil)
		require.NoError(t, err)
		require.NoError(t, in.Remove(ctx, tx, "user", []string{"tb_user"}))
		require.NoError(t, tx.Commit())

		_, err = conn.ExecContext(ctx, "INSERT INTO tb_user (pk_user, name) VALUES (2, 'bob')")
		require.NoError(t, err)

		var count int
		err = conn.QueryRowContext(ctx, "SELECT count(*) FROM tvkeep.pending_refreshes").Scan(&count)
		require.NoError(t, err)
		assert.Equal(t, 0, count)

		var triggerCount int
		err = conn.QueryRowContext(ctx,
			"SELECT count(*) FROM pg_trigger WHERE tgname = $1", trigger.TriggerName("tb_user")).Scan(&triggerCount)
		require.NoError(t, err)
		assert.Equal(t, 0, triggerCount)
	})
}

func TestEnsureInstalledIsIdempotent(t *testing.T) {
	t.Parallel()

	testutils.WithCatalogAndConnectionToContainer(t, func(cat *catalog.Catalog, conn *sql.DB) {
		ctx := context.Background()
		createBaseTable(t, conn, "tb_user")

		require.NoError(t, cat.Insert(ctx, &schema.TView{Entity: "user", PKColumn: "pk_user"}))

		in := trigger.New(cat, nil)

		for i := 0; i < 2; i++ {
			tx, err := conn.BeginTx(ctx, nil)
			require.NoError(t, err)
			require.NoError(t, in.EnsureInstalled(ctx, tx, "user", []string{"tb_user"}))
			require.NoError(t, tx.Commit())
		}

		var triggerCount int
		err := conn.QueryRowContext(ctx,
			"SELECT count(*) FROM pg_trigger WHERE tgname = $1", trigger.TriggerName("tb_user")).Scan(&triggerCount)
		require.NoError(t, err)
		assert.Equal(t, 1, triggerCount)
	})
}
