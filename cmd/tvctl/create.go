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

var createCmd = &cobra.Command{
	Use:   "create <entity> <select>",
	Short: "Create tv_<entity> from a SELECT, the SQL-function-surface equivalent of CREATE TABLE tv_<entity> AS <select>",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		entity, selectText := args[0], args[1]

		a, err := newApp(cmd.Context())
		if err != nil {
			return err
		}
		defer a.Close()

		stmt := fmt.Sprintf("CREATE TABLE %s AS %s", pq.QuoteIdentifier("tv_"+entity), selectText)

		err = a.rdb.WithRetryableTransaction(cmd.Context(), func(ctx context.Context, tx *sql.Tx, cb *db.TxCallbacks) error {
			handled, err := a.hook.Intercept(ctx, tx, stmt)
			if err != nil {
				return err
			}
			if !handled {
				return fmt.Errorf("tvctl: %q was not recognized as a TVIEW create statement", stmt)
			}
			return nil
		})
		if err != nil {
			return fmt.Errorf("tvctl: create %s: %w", entity, err)
		}

		fmt.Printf("created tv_%s\n", entity)
		return nil
	},
}
