package config

import (
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/dukex/flowgraph/pkg/notify"
	"github.com/dukex/flowgraph/pkg/permission"
	"github.com/dukex/flowgraph/pkg/protocol"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()

	path := filepath.Join(t.TempDir(), "flowgraph.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))

	return path
}

func TestLoad_Defaults(t *testing.T) {
	file, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, 30*time.Second, file.Engine.ShutdownTimeout)
	assert.Equal(t, "flowgraph:schedule:", file.Scheduler.LockPrefix)
	assert.Zero(t, file.EngineConfig().MaxConcurrentExecutions)
	assert.IsType(t, permission.AllowAll{}, file.PermissionChecker())

	router, ok := file.Sender(slog.New(slog.DiscardHandler)).(notify.Router)
	require.True(t, ok)
	assert.IsType(t, &notify.LogSender{}, router[protocol.ChannelEmail])
	assert.IsType(t, &notify.LogSender{}, router[protocol.ChannelSMS])
}

func TestLoad_File(t *testing.T) {
	path := writeConfig(t, `
engine:
  max_concurrent_executions: 4
  max_parallel_branches: 2
  default_node_timeout: 5s
  retry_base_delay: 100ms
  retry_max_delay: 2s
  max_steps: 500
scheduler:
  poll_interval: 10s
  lock_ttl: 1m
permissions:
  roles:
    admin: ["*"]
    viewer: ["workflow:read"]
  members:
    org-1/alice: [admin]
    bob: [viewer]
notify:
  email_webhook_url: https://mail.example.com/relay
  headers:
    Authorization: Bearer secret
`)

	file, err := Load(path)
	require.NoError(t, err)

	engineConfig := file.EngineConfig()
	assert.Equal(t, 4, engineConfig.MaxConcurrentExecutions)
	assert.Equal(t, 2, engineConfig.MaxParallelBranches)
	assert.Equal(t, 5*time.Second, engineConfig.DefaultNodeTimeout)
	assert.Equal(t, 100*time.Millisecond, engineConfig.RetryBaseDelay)
	assert.Equal(t, 2*time.Second, engineConfig.RetryMaxDelay)
	assert.Equal(t, 500, engineConfig.MaxSteps)

	schedulerConfig := file.SchedulerConfig()
	assert.Equal(t, 10*time.Second, schedulerConfig.PollInterval)
	assert.Equal(t, time.Minute, schedulerConfig.LockTTL)

	checker := file.PermissionChecker()
	require.NoError(t, checker.RequirePermission(t.Context(), "org-1", "alice", protocol.ActionGraphSync))
	require.NoError(t, checker.RequirePermission(t.Context(), "org-9", "bob", protocol.ActionWorkflowRead))
	assert.ErrorIs(t, checker.RequirePermission(t.Context(), "org-9", "bob", protocol.ActionGraphSync), protocol.ErrForbidden)

	router, ok := file.Sender(slog.New(slog.DiscardHandler)).(notify.Router)
	require.True(t, ok)
	assert.IsType(t, &notify.WebhookSender{}, router[protocol.ChannelEmail])
	assert.IsType(t, &notify.LogSender{}, router[protocol.ChannelSMS])
}

func TestLoad_Errors(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)

	_, err = Load(writeConfig(t, "engine: [not, a, map]"))
	assert.Error(t, err)

	_, err = Load(writeConfig(t, "engine:\n  max_steps: -1\n"))
	assert.Error(t, err)

	_, err = Load(writeConfig(t, "notify:\n  sms_webhook_url: not a url\n"))
	assert.Error(t, err)
}
