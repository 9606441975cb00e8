// SPDX-License-Identifier: Apache-2.0

package tvctl

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"
)

type statusLine struct {
	CatalogSchema string   `json:"catalogSchema"`
	Entities      []string `json:"entities"`
	QueueStats    any      `json:"queueStats"`
	GraphStats    any      `json:"graphStats"`
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show the entities tvkeep currently tracks and queue/cache statistics",
	RunE: func(cmd *cobra.Command, _ []string) error {
		a, err := newApp(cmd.Context())
		if err != nil {
			return err
		}
		defer a.Close()

		line, err := statusForCatalog(cmd.Context(), a)
		if err != nil {
			return err
		}

		out, err := json.MarshalIndent(line, "", "  ")
		if err != nil {
			return err
		}

		fmt.Println(string(out))
		return nil
	},
}

func statusForCatalog(ctx context.Context, a *app) (*statusLine, error) {
	entities, err := a.cat.AllEntities(ctx)
	if err != nil {
		return nil, err
	}

	return &statusLine{
		CatalogSchema: a.cat.Schema(),
		Entities:      entities,
		QueueStats:    a.queue.Stats(),
		GraphStats:    a.queue.GraphStats(),
	}, nil
}
