package cli

import (
	"os"
	"testing"

	"github.com/harun/parley/internal/daemon"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStopCommand(t *testing.T) {
	t.Run("not running", func(t *testing.T) {
		path := writeConfig(t, testConfig(t))

		_, err := execute(t, "", "stop", "--config", path)
		require.Error(t, err)
		assert.Contains(t, err.Error(), "not running")
	})

	t.Run("stale PID file is removed", func(t *testing.T) {
		cfg := testConfig(t)
		path := writeConfig(t, cfg)
		writePID(t, cfg.DataDir, "999999999")

		out, err := execute(t, "", "stop", "--config", path)
		require.NoError(t, err)
		assert.Contains(t, out, "stale PID file")

		_, err = os.Stat(daemon.PIDFile(cfg.DataDir))
		assert.True(t, os.IsNotExist(err))
	})

	t.Run("help text", func(t *testing.T) {
		out, err := execute(t, "", "stop", "--help")
		require.NoError(t, err)
		assert.Contains(t, out, `Stop the gateway started with "parley serve"`)
		assert.Contains(t, out, "timeout")
		assert.Equal(t, "Stop the running gateway", stopCmd.Short)
	})
}
