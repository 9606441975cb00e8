// SPDX-License-Identifier: Apache-2.0

package tvctl

import (
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/tvkeep/tvkeep/pkg/schema"
)

var graphCmd = &cobra.Command{
	Use:   "graph",
	Short: "Print the current entity dependency graph (topological order, parents, children)",
	RunE: func(cmd *cobra.Command, _ []string) error {
		a, err := newApp(cmd.Context())
		if err != nil {
			return err
		}
		defer a.Close()

		ctx := cmd.Context()
		entities, err := a.cat.AllEntities(ctx)
		if err != nil {
			return err
		}
		edges, err := a.cat.AllFKEdges(ctx)
		if err != nil {
			return err
		}

		graph, err := schema.BuildEntityDepGraph(entities, edges)
		if err != nil {
			return err
		}

		out, err := json.MarshalIndent(graph, "", "  ")
		if err != nil {
			return err
		}

		fmt.Println(string(out))
		return nil
	},
}
