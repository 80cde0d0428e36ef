package main

import (
	"bytes"
	"context"
	"net"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/paveg/gorillabind"
)

func TestRunStress(t *testing.T) {
	var out bytes.Buffer
	err := runStress(context.Background(), &out, stressOptions{workers: 8, calls: 100, rows: 4})
	require.NoError(t, err)

	assert.Contains(t, out.String(), "calls:      800")
	assert.Contains(t, out.String(), "served:     800")
	assert.Contains(t, out.String(), "mismatches: 0")

	t.Run("invalid options", func(t *testing.T) {
		err := runStress(context.Background(), &out, stressOptions{workers: 0, calls: 1, rows: 1})
		require.Error(t, err)
	})
}

func TestRunBackground(t *testing.T) {
	cfg := gorillabind.NewConfig()
	cfg.DeferredPoolSize = 2

	var out bytes.Buffer
	require.NoError(t, runBackground(&out, cfg, 6, 32))
	assert.Contains(t, out.String(), "tasks:     6")
	assert.Contains(t, out.String(), "pool size: 2")
	assert.Contains(t, out.String(), "served:    6")
}

func freePort(t *testing.T) int {
	t.Helper()
	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	port := l.Addr().(*net.TCPAddr).Port
	require.NoError(t, l.Close())
	return port
}

func TestRunServe(t *testing.T) {
	cfg := gorillabind.NewConfig()
	cfg.MetricsPort = freePort(t)

	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()

	var out bytes.Buffer
	require.NoError(t, runServe(ctx, &out, cfg, 10*time.Millisecond))
	assert.Contains(t, out.String(), "stopped after")

	// Short deadlines with a 1ms tick land inside MapBatches most of the
	// time; shutdown must be reported the same way either way.
	t.Run("deadline during a batch", func(t *testing.T) {
		for _, d := range []time.Duration{time.Millisecond, 2 * time.Millisecond, 3 * time.Millisecond, 5 * time.Millisecond, 8 * time.Millisecond} {
			cfg := gorillabind.NewConfig()
			cfg.MetricsPort = freePort(t)
			cfg.ParallelThreshold = 64

			ctx, cancel := context.WithTimeout(context.Background(), d)
			var out bytes.Buffer
			err := runServe(ctx, &out, cfg, time.Millisecond)
			cancel()
			require.NoError(t, err, "deadline %s", d)
			assert.Contains(t, out.String(), "stopped after", "deadline %s", d)
		}
	})
}

func TestLoadConfig(t *testing.T) {
	t.Cleanup(func() {
		configPath = ""
		logLevel = ""
	})

	cfg, err := loadConfig()
	require.NoError(t, err)
	assert.Equal(t, gorillabind.NewConfig(), cfg)

	path := filepath.Join(t.TempDir(), "gorillabind.yaml")
	require.NoError(t, os.WriteFile(path, []byte("deferred_pool_size: 3\nqueue_depth: 32\n"), 0o600))
	configPath = path
	logLevel = "debug"

	cfg, err = loadConfig()
	require.NoError(t, err)
	assert.Equal(t, 3, cfg.DeferredPoolSize)
	assert.Equal(t, 32, cfg.QueueDepth)
	assert.Equal(t, "debug", cfg.LogLevel)

	t.Run("environment over file", func(t *testing.T) {
		t.Setenv("GORILLABIND_QUEUE_DEPTH", "48")
		t.Setenv("GORILLABIND_LOG_LEVEL", "warn")

		cfg, err := loadConfig()
		require.NoError(t, err)
		assert.Equal(t, 3, cfg.DeferredPoolSize)
		assert.Equal(t, 48, cfg.QueueDepth)
		assert.Equal(t, "debug", cfg.LogLevel, "flags win over the environment")
	})
}
