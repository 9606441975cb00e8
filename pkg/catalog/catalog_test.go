// SPDX-License-Identifier: Apache-2.0

package catalog_test

import (
	"context"
	"database/sql"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tvkeep/tvkeep/internal/testutils"
	"github.com/tvkeep/tvkeep/pkg/catalog"
	"github.com/tvkeep/tvkeep/pkg/schema"
	"github.com/tvkeep/tvkeep/tverrors"
)

func TestMain(m *testing.M) {
	testutils.SharedTestMain(m)
}

func TestInsertAndLoadByEntity(t *testing.T) {
	t.Parallel()

	testutils.WithCatalogAndConnectionToContainer(t, func(cat *catalog.Catalog, conn *sql.DB) {
		ctx := context.Background()

		tv := &schema.TView{
			Entity:       "user",
			ViewID:       "v_user",
			TableID:      "tv_user",
			Definition:   "SELECT pk_user, data FROM tb_user",
			Dependencies: []string{"tb_user"},
			PKColumn:     "pk_user",
		}
		require.NoError(t, cat.Insert(ctx, tv))

		got, err := cat.LoadByEntity(ctx, "user")
		require.NoError(t, err)
		assert.Equal(t, "user", got.Entity)
		assert.Equal(t, []string{"tb_user"}, got.Dependencies)
	})
}

func TestInsertDuplicateFails(t *testing.T) {
	t.Parallel()

	testutils.WithCatalogAndConnectionToContainer(t, func(cat *catalog.Catalog, conn *sql.DB) {
		ctx := context.Background()
		tv := &schema.TView{Entity: "company", ViewID: "v_company", TableID: "tv_company", PKColumn: "pk_company"}
		require.NoError(t, cat.Insert(ctx, tv))

		err := cat.Insert(ctx, tv)
		require.Error(t, err)
		assert.ErrorAs(t, err, &tverrors.TViewAlreadyExistsError{})
	})
}

func TestLoadByEntityNotFound(t *testing.T) {
	t.Parallel()

	testutils.WithCatalogAndConnectionToContainer(t, func(cat *catalog.Catalog, conn *sql.DB) {
		_, err := cat.LoadByEntity(context.Background(), "nope")
		assert.ErrorAs(t, err, &tverrors.TViewDoesNotExistError{})
	})
}

func TestAllFKEdgesAndDepGraph(t *testing.T) {
	t.Parallel()

	testutils.WithCatalogAndConnectionToContainer(t, func(cat *catalog.Catalog, conn *sql.DB) {
		ctx := context.Background()

		require.NoError(t, cat.Insert(ctx, &schema.TView{Entity: "company", PKColumn: "pk_company"}))
		require.NoError(t, cat.Insert(ctx, &schema.TView{
			Entity:    "user",
			PKColumn:  "pk_user",
			FKColumns: []schema.FKEntry{{ColumnName: "fk_company", ParentEntity: "company"}},
		}))

		edges, err := cat.AllFKEdges(ctx)
		require.NoError(t, err)
		require.Len(t, edges, 1)
		assert.Equal(t, "user", edges[0].Child)
		assert.Equal(t, "company", edges[0].Parent)

		entities, err := cat.AllEntities(ctx)
		require.NoError(t, err)
		assert.ElementsMatch(t, []string{"company", "user"}, entities)
	})
}

func TestTriggerRefCounting(t *testing.T) {
	t.Parallel()

	testutils.WithCatalogAndConnectionToContainer(t, func(cat *catalog.Catalog, conn *sql.DB) {
		ctx := context.Background()

		require.NoError(t, cat.Insert(ctx, &schema.TView{Entity: "user", PKColumn: "pk_user"}))
		require.NoError(t, cat.Insert(ctx, &schema.TView{Entity: "post", PKColumn: "pk_post"}))

		require.NoError(t, cat.AddTriggerRef(ctx, "tb_user", "user"))
		require.NoError(t, cat.AddTriggerRef(ctx, "tb_user", "post"))

		stillReferenced, err := cat.RemoveTriggerRef(ctx, "tb_user", "user")
		require.NoError(t, err)
		assert.True(t, stillReferenced)

		stillReferenced, err = cat.RemoveTriggerRef(ctx, "tb_user", "post")
		require.NoError(t, err)
		assert.False(t, stillReferenced)
	})
}
