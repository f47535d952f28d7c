package commands

import (
	"testing"

	"github.com/spf13/cobra"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStringFlag_MissingFlag(t *testing.T) {
	t.Parallel()

	cmd := &cobra.Command{}

	assert.Empty(t, stringFlag(cmd, "config"))
}

func TestStringFlag_ReturnsValue(t *testing.T) {
	t.Parallel()

	cmd := &cobra.Command{}
	cmd.Flags().String("config", "", "")
	require.NoError(t, cmd.Flags().Set("config", "/etc/propagate.yaml"))

	assert.Equal(t, "/etc/propagate.yaml", stringFlag(cmd, "config"))
}

func TestBoolFlag_MissingFlag(t *testing.T) {
	t.Parallel()

	cmd := &cobra.Command{}

	assert.False(t, boolFlag(cmd, "verbose"))
}

func TestBoolFlag_ReturnsValue(t *testing.T) {
	t.Parallel()

	cmd := &cobra.Command{}
	cmd.Flags().Bool("verbose", false, "")
	require.NoError(t, cmd.Flags().Set("verbose", "true"))

	assert.True(t, boolFlag(cmd, "verbose"))
}

func TestNewDaemonCommand_Flags(t *testing.T) {
	t.Parallel()

	cmd := NewDaemonCommand()

	assert.Equal(t, "daemon", cmd.Use)

	flag := cmd.Flags().Lookup("addr")
	require.NotNil(t, flag)
	assert.Empty(t, flag.DefValue)
}

func TestNewMigrateCommand(t *testing.T) {
	t.Parallel()

	cmd := NewMigrateCommand()

	assert.Equal(t, "migrate", cmd.Use)
	assert.NotNil(t, cmd.RunE)
}
