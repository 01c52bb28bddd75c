package cli

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/harun/parley/internal/config"
	"github.com/harun/parley/internal/daemon"
	"github.com/harun/parley/internal/logger"
	"github.com/harun/parley/pkg/agent"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/stretchr/testify/require"
)

// execute runs the root command with args and stdin, returning its output
func execute(t *testing.T, stdin string, args ...string) (string, error) {
	t.Helper()
	cmd := GetRootCmd()
	resetFlags(cmd)

	var out lockedBuffer
	cmd.SetOut(&out)
	cmd.SetErr(&out)
	cmd.SetIn(strings.NewReader(stdin))
	cmd.SetArgs(args)

	err := cmd.Execute()
	return out.String(), err
}

// lockedBuffer collects output written from several goroutines
type lockedBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *lockedBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *lockedBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

// resetFlags restores every flag to its default; cobra keeps flag values
// between Execute calls on the same command tree
func resetFlags(cmd *cobra.Command) {
	reset := func(f *pflag.Flag) {
		_ = f.Value.Set(f.DefValue)
		f.Changed = false
	}
	cmd.PersistentFlags().VisitAll(reset)
	cmd.Flags().VisitAll(reset)
	for _, sub := range cmd.Commands() {
		resetFlags(sub)
	}
}

// writeConfig saves cfg to a temp file and returns its path
func writeConfig(t *testing.T, cfg *config.Config) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "parley.yaml")
	require.NoError(t, config.NewLoader(path).Save(cfg))
	return path
}

// testConfig is an offline configuration rooted in a temp dir
func testConfig(t *testing.T) *config.Config {
	t.Helper()
	cfg := config.DefaultConfig()
	cfg.DataDir = t.TempDir()
	cfg.Logging.File = filepath.Join(cfg.DataDir, "parley.log")
	cfg.Gateway.Port = 0
	cfg.Gateway.SharedSecret = "s3cret"
	cfg.Providers = []agent.AuthProfile{{ID: "offline", Provider: "echo", Priority: 1}}
	return cfg
}

// startGateway runs an echo gateway and returns a config file pointing at it
func startGateway(t *testing.T) (string, *daemon.Daemon) {
	t.Helper()
	cfg := testConfig(t)

	log, err := logger.New(logger.Config{Level: "error"})
	require.NoError(t, err)
	d, err := daemon.New(cfg, log)
	require.NoError(t, err)
	require.NoError(t, d.Start())
	t.Cleanup(func() {
		_ = d.Stop()
		_ = log.Close()
	})

	cfg.Client.Endpoint = "http://" + d.Status().Addr
	// the client side must not share the gateway's PID file
	cfg.DataDir = t.TempDir()
	cfg.Logging.File = filepath.Join(cfg.DataDir, "parley.log")
	return writeConfig(t, cfg), d
}

func writePID(t *testing.T, dataDir string, pid string) {
	t.Helper()
	require.NoError(t, os.WriteFile(daemon.PIDFile(dataDir), []byte(pid), 0600))
}
