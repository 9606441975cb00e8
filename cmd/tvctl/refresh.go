// SPDX-License-Identifier: Apache-2.0

package tvctl

import (
	"context"
	"database/sql"
	"fmt"
	"strconv"

	"github.com/spf13/cobra"

	"github.com/tvkeep/tvkeep/pkg/db"
)

var refreshCmd = &cobra.Command{
	Use:   "refresh <entity> <pk>",
	Short: "Enqueue one (entity, pk) RefreshKey and run it to a fixed point in its own transaction",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		entity := args[0]
		pk, err := strconv.ParseInt(args[1], 10, 64)
		if err != nil {
			return fmt.Errorf("tvctl: invalid pk %q: %w", args[1], err)
		}

		a, err := newApp(cmd.Context())
		if err != nil {
			return err
		}
		defer a.Close()

		err = a.rdb.WithRetryableTransaction(cmd.Context(), func(ctx context.Context, tx *sql.Tx, cb *db.TxCallbacks) error {
			ts := a.queue.Begin(tx, cb)
			ts.Enqueue(entity, pk)
			return nil
		})
		if err != nil {
			return fmt.Errorf("tvctl: refresh %s/%d: %w", entity, pk, err)
		}

		fmt.Printf("refreshed %s/%d\n", entity, pk)
		return nil
	},
}
