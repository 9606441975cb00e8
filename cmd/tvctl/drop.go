// SPDX-License-Identifier: Apache-2.0

package tvctl

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/lib/pq"
	"github.com/spf13/cobra"

	"github.com/tvkeep/tvkeep/pkg/db"
)

var (
	dropIfExists bool
	dropCascade  bool
)

var dropCmd = &cobra.Command{
	Use:   "drop <entity>",
	Short: "Drop tv_<entity>: removes triggers, the backing view, the materialized table, and the catalog row",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		entity := args[0]

		a, err := newApp(cmd.Context())
		if err != nil {
			return err
		}
		defer a.Close()

		stmt := "DROP TABLE "
		if dropIfExists {
			stmt += "IF EXISTS "
		}
		stmt += pq.QuoteIdentifier("tv_" + entity)
		if dropCascade {
			stmt += " CASCADE"
		}

		err = a.rdb.WithRetryableTransaction(cmd.Context(), func(ctx context.Context, tx *sql.Tx, cb *db.TxCallbacks) error {
			handled, err := a.hook.Intercept(ctx, tx, stmt)
			if err != nil {
				return err
			}
			if !handled {
				return fmt.Errorf("tvctl: %q was not recognized as a TVIEW drop statement", stmt)
			}
			return nil
		})
		if err != nil {
			return fmt.Errorf("tvctl: drop %s: %w", entity, err)
		}

		fmt.Printf("dropped tv_%s\n", entity)
		return nil
	},
}

func init() {
	dropCmd.Flags().BoolVar(&dropIfExists, "if-exists", false, "Do not error if the TView does not exist")
	dropCmd.Flags().BoolVar(&dropCascade, "cascade", false, "Cascade the drop to dependent objects")
}
