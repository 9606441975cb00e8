// SPDX-License-Identifier: Apache-2.0

package action_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tvkeep/tvkeep/pkg/action"
)

type recordingAction struct {
	id  string
	log *[]string
}

func (r recordingAction) ID() string { return r.id }

func (r recordingAction) Execute(ctx context.Context) error {
	*r.log = append(*r.log, r.id)
	return nil
}

func TestCoordinatorRunsInOrder(t *testing.T) {
	var log []string
	c := action.NewCoordinator([]action.DBAction{
		recordingAction{id: "a", log: &log},
		recordingAction{id: "b", log: &log},
		recordingAction{id: "c", log: &log},
	})

	require.NoError(t, c.Execute(context.Background()))
	assert.Equal(t, []string{"a", "b", "c"}, log)
}

func TestCoordinatorDedupesByID(t *testing.T) {
	var log []string
	c := action.NewCoordinator([]action.DBAction{
		recordingAction{id: "a", log: &log},
		recordingAction{id: "b", log: &log},
		recordingAction{id: "a", log: &log},
	})

	require.NoError(t, c.Execute(context.Background()))
	assert.Equal(t, []string{"b", "a"}, log)
}
