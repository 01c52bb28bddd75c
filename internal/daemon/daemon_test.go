package daemon

import (
	"context"
	"net/http"
	"os"
	"testing"
	"time"

	"github.com/harun/parley/internal/config"
	"github.com/harun/parley/internal/logger"
	"github.com/harun/parley/pkg/agent"
	"github.com/harun/parley/pkg/backend"
	"github.com/harun/parley/pkg/backend/rpcclient"
	"github.com/harun/parley/pkg/chat"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// testConfig serves the echo provider on a random local port
func testConfig(t *testing.T) *config.Config {
	t.Helper()
	cfg := config.DefaultConfig()
	cfg.DataDir = t.TempDir()
	cfg.Gateway.Port = 0
	cfg.Gateway.SharedSecret = "s3cret"
	cfg.Providers = []agent.AuthProfile{{ID: "offline", Provider: "echo", Priority: 1}}
	return cfg
}

func createTestDaemon(t *testing.T, cfg *config.Config, opts ...Option) *Daemon {
	t.Helper()
	log, err := logger.New(logger.Config{Level: "error"})
	require.NoError(t, err)
	t.Cleanup(func() { log.Close() })

	d, err := New(cfg, log, opts...)
	require.NoError(t, err)
	return d
}

func TestNew(t *testing.T) {
	t.Run("wires every component", func(t *testing.T) {
		d := createTestDaemon(t, testConfig(t))
		defer d.release()

		assert.NotNil(t, d.store)
		assert.NotNil(t, d.runner)
		assert.NotNil(t, d.Service())
		assert.NotNil(t, d.Server())
		assert.NotNil(t, d.eventLoop)
		assert.NotNil(t, d.lifecycle)
		assert.Nil(t, d.janitor, "zero retention keeps every session")
	})

	t.Run("retention enables the janitor", func(t *testing.T) {
		cfg := testConfig(t)
		cfg.Retention = 24 * time.Hour
		d := createTestDaemon(t, cfg)
		defer d.release()

		assert.NotNil(t, d.janitor)
	})

	t.Run("requires a provider", func(t *testing.T) {
		cfg := testConfig(t)
		cfg.Providers = nil
		log, err := logger.New(logger.Config{Level: "error"})
		require.NoError(t, err)
		defer log.Close()

		_, err = New(cfg, log)
		assert.Error(t, err)
	})
}

func TestDaemonStartStop(t *testing.T) {
	cfg := testConfig(t)
	cfg.Retention = time.Hour
	d := createTestDaemon(t, cfg, WithMaintenanceInterval(10*time.Millisecond))

	assert.False(t, d.Status().Running)

	require.NoError(t, d.Start())
	assert.Error(t, d.Start(), "second start is refused")

	status := d.Status()
	assert.True(t, status.Running)
	assert.NotEmpty(t, status.Addr)

	pid, err := ReadPID(cfg.DataDir)
	require.NoError(t, err)
	assert.Equal(t, os.Getpid(), pid)

	resp, err := http.Get("http://" + status.Addr + "/healthz")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	// let the event loop tick at least once
	time.Sleep(50 * time.Millisecond)

	require.NoError(t, d.Stop())
	assert.False(t, d.Status().Running)
	assert.Error(t, d.Stop(), "second stop is refused")

	_, err = os.Stat(PIDFile(cfg.DataDir))
	assert.True(t, os.IsNotExist(err))
}

func TestDaemonServesSessions(t *testing.T) {
	cfg := testConfig(t)
	d := createTestDaemon(t, cfg)
	require.NoError(t, d.Start())
	defer d.Stop()

	client, err := rpcclient.New(rpcclient.Config{
		Endpoint: "http://" + d.Status().Addr,
		Secret:   cfg.Gateway.SharedSecret,
	})
	require.NoError(t, err)

	ctx := context.Background()
	info, err := client.StartSession(ctx, backend.StartSessionRequest{PersonaID: "assistant"})
	require.NoError(t, err)
	assert.Equal(t, chat.ApprovalPrompt, info.ToolApprovalMode)

	res, err := client.SendMessage(ctx, backend.SendMessageRequest{
		Message:       "hello",
		PersonaID:     "assistant",
		ChatSessionID: info.ID,
	})
	require.NoError(t, err)
	require.NotNil(t, res.Message)
	assert.Equal(t, "Echo: hello", res.Message.Content)

	sessions, err := client.ListSessions(ctx, backend.Filter{})
	require.NoError(t, err)
	assert.Len(t, sessions, 1)
}
