// SPDX-License-Identifier: Apache-2.0

package tvconfig_test

import (
	"testing"

	"github.com/spf13/cobra"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tvkeep/tvkeep/tvconfig"
)

func TestPersistentFlagsRegistersDefaults(t *testing.T) {
	cmd := &cobra.Command{Use: "test"}
	tvconfig.PersistentFlags(cmd)

	require.NoError(t, cmd.ParseFlags(nil))

	assert.Equal(t, "public", tvconfig.Schema())
	assert.Equal(t, "tvkeep", tvconfig.CatalogSchema())
	assert.Equal(t, 500, tvconfig.LockTimeout())
	assert.Equal(t, 100, tvconfig.MaxPropagationDepth())
	assert.True(t, tvconfig.GraphCacheEnabled())
	assert.True(t, tvconfig.TableCacheEnabled())
	assert.False(t, tvconfig.MetricsEnabled())
	assert.Equal(t, tvconfig.LogLevelWarning, tvconfig.Log())
}

func TestPersistentFlagsOverridesFromCommandLine(t *testing.T) {
	cmd := &cobra.Command{Use: "test"}
	tvconfig.PersistentFlags(cmd)

	require.NoError(t, cmd.ParseFlags([]string{
		"--catalog-schema", "my_catalog",
		"--max-propagation-depth", "42",
		"--metrics-enabled",
		"--log-level", "debug",
	}))

	assert.Equal(t, "my_catalog", tvconfig.CatalogSchema())
	assert.Equal(t, 42, tvconfig.MaxPropagationDepth())
	assert.True(t, tvconfig.MetricsEnabled())
	assert.Equal(t, tvconfig.LogLevelDebug, tvconfig.Log())
}

func TestPersistentFlagsOverridesFromEnv(t *testing.T) {
	t.Setenv("TVKEEP_SCHEMA", "custom_schema")

	cmd := &cobra.Command{Use: "test"}
	tvconfig.PersistentFlags(cmd)
	require.NoError(t, cmd.ParseFlags(nil))

	assert.Equal(t, "custom_schema", tvconfig.Schema())
}
