// SPDX-License-Identifier: Apache-2.0

// Package tvctl is the tvkeep admin CLI: schema bootstrap, status,
// dependency-graph introspection, and the SQL-function-surface
// equivalents (create/drop/refresh) for environments where the DDL-Hook
// itself cannot be loaded, following the shape of pgroll's own cmd
// package (one cobra.Command per file, a shared constructor wiring the
// core against flag-bound configuration).
package tvctl

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/tvkeep/tvkeep/pkg/catalog"
	"github.com/tvkeep/tvkeep/pkg/ddlhook"
	"github.com/tvkeep/tvkeep/pkg/refresh"
	"github.com/tvkeep/tvkeep/pkg/queue"
	"github.com/tvkeep/tvkeep/pkg/trigger"
	"github.com/tvkeep/tvkeep/pkg/db"
	"github.com/tvkeep/tvkeep/tvconfig"
	"github.com/tvkeep/tvkeep/tvlog"
)

// Version is the tvctl version, set at build time via -ldflags.
var Version = "development"

var rootCmd = &cobra.Command{
	Use:          "tvctl",
	Short:        "tvkeep admin CLI",
	SilenceUsage: true,
	Version:      Version,
}

func init() {
	tvconfig.PersistentFlags(rootCmd)
}

// Execute runs the root command.
func Execute() error {
	rootCmd.AddCommand(initCmd)
	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(graphCmd)
	rootCmd.AddCommand(refreshCmd)
	rootCmd.AddCommand(createCmd)
	rootCmd.AddCommand(dropCmd)

	return rootCmd.Execute()
}

// app wires the full core against the flag-bound configuration, the tvctl
// equivalent of pgroll's NewRoll.
type app struct {
	rdb       *db.RDB
	cat       *catalog.Catalog
	engine    *refresh.Engine
	installer *trigger.Installer
	queue     *queue.RefreshQueue
	hook      *ddlhook.Hook
	log       tvlog.Logger
}

func newApp(ctx context.Context) (*app, error) {
	log := tvlog.New()

	conn, err := sql.Open("postgres", tvconfig.PostgresURL())
	if err != nil {
		return nil, fmt.Errorf("tvctl: open connection: %w", err)
	}
	if err := conn.PingContext(ctx); err != nil {
		return nil, fmt.Errorf("tvctl: ping connection: %w", err)
	}
	rdb := &db.RDB{DB: conn}

	cat, err := catalog.New(ctx, tvconfig.PostgresURL(), tvconfig.CatalogSchema())
	if err != nil {
		return nil, fmt.Errorf("tvctl: open catalog: %w", err)
	}

	engine := refresh.New(cat, log)
	installer := trigger.New(cat, log)
	rq := queue.New(cat, engine, queue.Config{
		MaxPropagationDepth: tvconfig.MaxPropagationDepth(),
		GraphCacheEnabled:   tvconfig.GraphCacheEnabled(),
		MetricsEnabled:      tvconfig.MetricsEnabled(),
	}, log)
	hook := ddlhook.New(cat, installer, rq, log)

	return &app{
		rdb:       rdb,
		cat:       cat,
		engine:    engine,
		installer: installer,
		queue:     rq,
		hook:      hook,
		log:       log,
	}, nil
}

func (a *app) Close() error {
	if err := a.cat.Close(); err != nil {
		return err
	}
	return a.rdb.Close()
}
