// SPDX-License-Identifier: Apache-2.0

// Package testutils provides the shared integration test harness: one
// postgres testcontainer per package (SharedTestMain), a fresh randomly
// named database per test, and helpers that wire up a Catalog against it.
package testutils

import (
	"context"
	"database/sql"
	"fmt"
	"log"
	"net/url"
	"os"
	"testing"
	"time"

	"github.com/lib/pq"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/tvkeep/tvkeep/pkg/catalog"
)

// defaultPostgresVersion is used when POSTGRES_VERSION is unset.
const defaultPostgresVersion = "15.3"

// tConnStr holds the connection string to the test container created in
// SharedTestMain.
var tConnStr string

// SharedTestMain starts a postgres container shared by every test in a
// package. Each test then connects to the container and creates its own
// database.
func SharedTestMain(m *testing.M) {
	ctx := context.Background()

	waitForLogs := wait.
		ForLog("database system is ready to accept connections").
		WithOccurrence(2).
		WithStartupTimeout(5 * time.Second)

	pgVersion := os.Getenv("POSTGRES_VERSION")
	if pgVersion == "" {
		pgVersion = defaultPostgresVersion
	}

	ctr, err := postgres.RunContainer(ctx,
		testcontainers.WithImage("postgres:"+pgVersion),
		testcontainers.WithWaitStrategy(waitForLogs),
	)
	if err != nil {
		os.Exit(1)
	}

	tConnStr, err = ctr.ConnectionString(ctx, "sslmode=disable")
	if err != nil {
		os.Exit(1)
	}

	db, err := sql.Open("postgres", tConnStr)
	if err != nil {
		os.Exit(1)
	}

	if _, err := db.ExecContext(ctx, "CREATE ROLE tvkeep"); err != nil {
		os.Exit(1)
	}

	exitCode := m.Run()

	if err := ctr.Terminate(ctx); err != nil {
		log.Printf("failed to terminate container: %v", err)
	}

	os.Exit(exitCode)
}

// TestSchema returns the schema in which TViews are created during tests.
// Defaults to "public".
func TestSchema() string {
	if s := os.Getenv("TVKEEP_TEST_SCHEMA"); s != "" {
		return s
	}
	return "public"
}

// WithConnectionToContainer creates a fresh database in the shared
// container and hands the caller a connection to it plus its DSN.
func WithConnectionToContainer(t *testing.T, fn func(conn *sql.DB, connStr string)) {
	t.Helper()

	db, connStr, _ := setupTestDatabase(t)
	fn(db, connStr)
}

// WithCatalogInSchemaAndConnectionToContainer creates a fresh database,
// initializes a Catalog in the given schema, and hands both to the caller.
func WithCatalogInSchemaAndConnectionToContainer(t *testing.T, schema string, fn func(cat *catalog.Catalog, conn *sql.DB)) {
	t.Helper()
	ctx := context.Background()

	db, connStr, _ := setupTestDatabase(t)

	cat, err := catalog.New(ctx, connStr, schema)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { cat.Close() })

	if err := cat.Init(ctx); err != nil {
		t.Fatal(err)
	}

	fn(cat, db)
}

// WithCatalogAndConnectionToContainer is WithCatalogInSchemaAndConnectionToContainer
// using the default "tvkeep" catalog schema.
func WithCatalogAndConnectionToContainer(t *testing.T, fn func(cat *catalog.Catalog, conn *sql.DB)) {
	WithCatalogInSchemaAndConnectionToContainer(t, "tvkeep", fn)
}

// setupTestDatabase creates a new database in the test container and
// returns a connection to it, its DSN, and its name.
func setupTestDatabase(t *testing.T) (*sql.DB, string, string) {
	t.Helper()
	ctx := context.Background()

	tDB, err := sql.Open("postgres", tConnStr)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() {
		if err := tDB.Close(); err != nil {
			t.Fatalf("failed to close database connection: %v", err)
		}
	})

	dbName := randomDBName()

	_, err = tDB.ExecContext(ctx, fmt.Sprintf("CREATE DATABASE %s", pq.QuoteIdentifier(dbName)))
	if err != nil {
		t.Fatal(err)
	}

	u, err := url.Parse(tConnStr)
	if err != nil {
		t.Fatal(err)
	}
	u.Path = "/" + dbName
	connStr := u.String()

	db, err := sql.Open("postgres", connStr)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() {
		if err := db.Close(); err != nil {
			t.Fatalf("failed to close database connection: %v", err)
		}
	})

	return db, connStr, dbName
}
