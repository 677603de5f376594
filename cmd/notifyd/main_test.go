package main

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"testing"

	queue "github.com/DoNewsCode/notify-queue"
	stdprometheus "github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testConfig = `
name: notifyd
env: testing
log:
  level: error
http:
  addr: ":4000"
sqlite:
  path: test.db
mailer:
  failureRate: 0.5
  seed: 7
queue:
  default:
    parallelism: 1
    maxAttempts: 3
`

type pingJob struct{}

func writeConfig(t *testing.T) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(testConfig), 0o600))
	return path
}

func newTestApp(driver queue.Driver) (*app, *bytes.Buffer) {
	var out bytes.Buffer
	return &app{
		out:             &out,
		providerOptions: []queue.ProvidersOptionFunc{queue.WithDriver(driver)},
		registerer:      stdprometheus.NewRegistry(),
	}, &out
}

func execute(t *testing.T, a *app, args ...string) error {
	t.Helper()
	cmd := newRootCmd(a)
	cmd.SetArgs(args)
	return cmd.ExecuteContext(context.Background())
}

func TestBootstrap_Config(t *testing.T) {
	a, _ := newTestApp(queue.NewInProcessDriver())
	a.configPath = writeConfig(t)

	_, cfg, cleanup, err := a.bootstrap()
	require.NoError(t, err)
	defer cleanup()

	assert.Equal(t, ":4000", cfg.HTTP.Addr)
	assert.Equal(t, ":3001", cfg.Health.Addr)
	assert.Equal(t, "test.db", cfg.SQLite.Path)
	assert.Equal(t, 0.5, cfg.Mailer.FailureRate)
	assert.Equal(t, int64(7), cfg.Mailer.Seed)
	assert.Equal(t, 1000, cfg.Mailer.MinDelayMillisecond)
	assert.Equal(t, 3, cfg.MaxAttempts)
	assert.Empty(t, cfg.NATS.URL)
}

func TestQueueCommands(t *testing.T) {
	driver := queue.NewInProcessDriver()
	q := queue.NewQueue(driver)
	for i := 0; i < 2; i++ {
		_, err := q.Dispatch(context.Background(), queue.JobFrom(pingJob{}))
		require.NoError(t, err)
	}
	path := writeConfig(t)

	a, out := newTestApp(driver)
	require.NoError(t, execute(t, a, "--config", path, "queue", "info"))
	assert.Contains(t, out.String(), "waiting: 2\n")

	a, out = newTestApp(driver)
	require.NoError(t, execute(t, a, "--config", path, "queue", "reload"))
	assert.Equal(t, "reloaded 0 jobs\n", out.String())

	a, out = newTestApp(driver)
	require.NoError(t, execute(t, a, "--config", path, "queue", "flush", queue.ChannelWaiting))
	assert.Equal(t, "flushed waiting\n", out.String())

	info, err := driver.Info(context.Background())
	require.NoError(t, err)
	assert.Zero(t, info.Waiting)

	a, _ = newTestApp(driver)
	err = execute(t, a, "--config", path, "queue", "flush", "nope")
	assert.ErrorIs(t, err, queue.ErrUnknownChannel)
}
