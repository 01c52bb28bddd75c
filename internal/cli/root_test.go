package cli

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRootCommand(t *testing.T) {
	t.Run("version flag", func(t *testing.T) {
		out, err := execute(t, "", "--version")
		require.NoError(t, err)

		assert.Contains(t, out, "parley version")
		assert.Contains(t, out, GetVersion())
	})

	t.Run("help flag", func(t *testing.T) {
		out, err := execute(t, "", "--help")
		require.NoError(t, err)

		assert.Contains(t, out, "Parley")
		for _, sub := range []string{"serve", "stop", "status", "chat", "sessions", "macros", "config"} {
			assert.Contains(t, out, sub)
		}
	})

	t.Run("global flags", func(t *testing.T) {
		cmd := GetRootCmd()

		configFlag := cmd.PersistentFlags().Lookup("config")
		require.NotNil(t, configFlag)
		assert.Equal(t, "", configFlag.DefValue)

		logLevelFlag := cmd.PersistentFlags().Lookup("log-level")
		require.NotNil(t, logLevelFlag)
		assert.Equal(t, "", logLevelFlag.DefValue)
	})
}

func TestLoadConfigLogLevel(t *testing.T) {
	path := writeConfig(t, testConfig(t))

	cfgFile, logLevel = path, "debug"
	defer func() { cfgFile, logLevel = "", "" }()

	cfg, err := loadConfig()
	require.NoError(t, err)
	assert.Equal(t, "debug", cfg.Logging.Level)
}

func TestGetVersion(t *testing.T) {
	version := GetVersion()
	assert.NotEmpty(t, version)
	assert.True(t, strings.HasPrefix(version, "0."))
}
