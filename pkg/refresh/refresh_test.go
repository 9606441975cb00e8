// SPDX-License-Identifier: Apache-2.0

package refresh_test

import (
	"context"
	"database/sql"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tvkeep/tvkeep/internal/testutils"
	"github.com/tvkeep/tvkeep/pkg/catalog"
	"github.com/tvkeep/tvkeep/pkg/refresh"
	"github.com/tvkeep/tvkeep/pkg/schema"
)

func TestMain(m *testing.M) {
	testutils.SharedTestMain(m)
}

func setupUserTView(t *testing.T, ctx context.Context, conn *sql.DB, cat *catalog.Catalog) {
	t.Helper()

	_, err := conn.ExecContext(ctx, `
		CREATE TABLE tb_user (pk_user BIGINT PRIMARY KEY, fk_company BIGINT, name TEXT);
		CREATE VIEW v_user AS
			SELECT pk_user, jsonb_build_object('name', name) AS data, fk_company FROM tb_user;
		CREATE TABLE tv_user (pk_user BIGINT PRIMARY KEY, data JSONB NOT NULL, fk_company BIGINT);
	`)
	require.NoError(t, err)

	require.NoError(t, cat.Insert(ctx, &schema.TView{
		Entity:    "user",
		PKColumn:  "pk_user",
		FKColumns: []schema.FKEntry{{ColumnName: "fk_company", ParentEntity: "company"}},
	}))
}

func TestRefreshOneUpsertsAndReturnsParentKey(t *testing.T) {
	t.Parallel()

	testutils.WithCatalogAndConnectionToContainer(t, func(cat *catalog.Catalog, conn *sql.DB) {
		ctx := context.Background()
		setupUserTView(t, ctx, conn, cat)

		_, err := conn.ExecContext(ctx, "INSERT INTO tb_user (pk_user, fk_company, name) VALUES (1, 10, 'alice')")
		require.NoError(t, err)

		eng := refresh.New(cat, nil)
		tx, err := conn.BeginTx(ctx, nil)
		require.NoError(t, err)

		parents, err := eng.RefreshOne(ctx, tx, "user", 1)
		require.NoError(t, err)
		require.NoError(t, tx.Commit())

		assert.ElementsMatch(t, []refresh.Key{{Entity: "company", PK: 10}}, parents)

		var data string
		err = conn.QueryRowContext(ctx, "SELECT data::text FROM tv_user WHERE pk_user = 1").Scan(&data)
		require.NoError(t, err)
		assert.JSONEq(t, `{"name":"alice"}`, data)
	})
}

func TestRefreshOneDeletesWhenBackingRowGone(t *testing.T) {
	t.Parallel()

	testutils.WithCatalogAndConnectionToContainer(t, func(cat *catalog.Catalog, conn *sql.DB) {
		ctx := context.Background()
		setupUserTView(t, ctx, conn, cat)

		_, err := conn.ExecContext(ctx, "INSERT INTO tv_user (pk_user, data, fk_company) VALUES (2, '{}', 20)")
		require.NoError(t, err)

		eng := refresh.New(cat, nil)
		tx, err := conn.BeginTx(ctx, nil)
		require.NoError(t, err)

		parents, err := eng.RefreshOne(ctx, tx, "user", 2)
		require.NoError(t, err)
		require.NoError(t, tx.Commit())
		assert.Empty(t, parents)

		var count int
		err = conn.QueryRowContext(ctx, "SELECT count(*) FROM tv_user WHERE pk_user = 2").Scan(&count)
		require.NoError(t, err)
		assert.Equal(t, 0, count)
	})
}

func TestRefreshOneReturnsOldAndNewParentOnFKChange(t *testing.T) {
	t.Parallel()

	testutils.WithCatalogAndConnectionToContainer(t, func(cat *catalog.Catalog, conn *sql.DB) {
		ctx := context.Background()
		setupUserTView(t, ctx, conn, cat)

		_, err := conn.ExecContext(ctx, "INSERT INTO tb_user (pk_user, fk_company, name) VALUES (3, 30, 'carl')")
		require.NoError(t, err)
		_, err = conn.ExecContext(ctx, "INSERT INTO tv_user (pk_user, data, fk_company) VALUES (3, '{}', 31)")
		require.NoError(t, err)

		eng := refresh.New(cat, nil)
		tx, err := conn.BeginTx(ctx, nil)
		require.NoError(t, err)

		parents, err := eng.RefreshOne(ctx, tx, "user", 3)
		require.NoError(t, err)
		require.NoError(t, tx.Commit())

		assert.ElementsMatch(t, []refresh.Key{
			{Entity: "company", PK: 30},
			{Entity: "company", PK: 31},
		}, parents)
	})
}

func TestRefreshBulkMatchesRefreshOneSemantics(t *testing.T) {
	t.Parallel()

	testutils.WithCatalogAndConnectionToContainer(t, func(cat *catalog.Catalog, conn *sql.DB) {
		ctx := context.Background()
		setupUserTView(t, ctx, conn, cat)

		for i := int64(1); i <= 15; i++ {
			_, err := conn.ExecContext(ctx,
				"INSERT INTO tb_user (pk_user, fk_company, name) VALUES ($1, $2, $3)", i, 100+i, "user")
			require.NoError(t, err)
		}
		// pk 16 exists only in tv_user, simulating a row deleted from the base table.
		_, err := conn.ExecContext(ctx, "INSERT INTO tv_user (pk_user, data, fk_company) VALUES (16, '{}', 999)")
		require.NoError(t, err)

		pks := make([]int64, 16)
		for i := range pks {
			pks[i] = int64(i + 1)
		}

		eng := refresh.New(cat, nil)
		tx, err := conn.BeginTx(ctx, nil)
		require.NoError(t, err)

		parents, err := eng.RefreshBulk(ctx, tx, "user", pks)
		require.NoError(t, err)
		require.NoError(t, tx.Commit())

		assert.Len(t, parents, 15)

		var count int
		err = conn.QueryRowContext(ctx, "SELECT count(*) FROM tv_user").Scan(&count)
		require.NoError(t, err)
		assert.Equal(t, 15, count)

		err = conn.QueryRowContext(ctx, "SELECT count(*) FROM tv_user WHERE pk_user = 16").Scan(&count)
		require.NoError(t, err)
		assert.Equal(t, 0, count)
	})
}

func TestInvalidateCacheForcesShapeRebuild(t *testing.T) {
	t.Parallel()

	testutils.WithCatalogAndConnectionToContainer(t, func(cat *catalog.Catalog, conn *sql.DB) {
		ctx := context.Background()
		setupUserTView(t, ctx, conn, cat)

		_, err := conn.ExecContext(ctx, "INSERT INTO tb_user (pk_user, fk_company, name) VALUES (1, 10, 'alice')")
		require.NoError(t, err)

		eng := refresh.New(cat, nil)
		tx, err := conn.BeginTx(ctx, nil)
		require.NoError(t, err)
		_, err = eng.RefreshOne(ctx, tx, "user", 1)
		require.NoError(t, err)
		require.NoError(t, tx.Commit())

		eng.InvalidateCache("user")

		tx, err = conn.BeginTx(ctx, nil)
		require.NoError(t, err)
		_, err = eng.RefreshOne(ctx, tx, "user", 1)
		require.NoError(t, err)
		require.NoError(t, tx.Commit())
	})
}
