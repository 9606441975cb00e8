// SPDX-License-Identifier: Apache-2.0

package tvctl

import (
	"fmt"

	"github.com/pterm/pterm"
	"github.com/spf13/cobra"
)

var initCmd = &cobra.Command{
	Use:   "init",
	Short: "Initializes tvkeep, creating the catalog schema used to track TViews",
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp(cmd.Context())
		if err != nil {
			return err
		}
		defer a.Close()

		sp, _ := pterm.DefaultSpinner.WithText("Initializing tvkeep...").Start()
		if err := a.cat.Init(cmd.Context()); err != nil {
			sp.Fail(fmt.Sprintf("Failed to initialize tvkeep: %s", err))
			return err
		}

		sp.Success("Initialization complete")
		return nil
	},
}
