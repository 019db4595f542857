package config

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestLoadConfig_FileAndDefaults(t *testing.T) {
	path := writeConfig(t, `
environment: dev
db:
  host: db.internal
  port: 6543
auth:
  issuer: "https://issuer.example.com/oauth2/default/ "
flows:
  enrichment_enabled: false
  performance_metric_keys: ["cache_hit_rate", " ", "cache_hit_rate", "queue_depth"]
`)
	cfg, _, err := LoadConfig(path)
	require.NoError(t, err)

	assert.True(t, cfg.IsDev())
	assert.Equal(t, "db.internal", cfg.DB.Host)
	assert.Equal(t, 6543, cfg.DB.Port)
	assert.Equal(t, "disable", cfg.DB.SSLMode)
	assert.Equal(t, ":8080", cfg.Server.Addr)
	assert.Equal(t, 15*time.Second, cfg.Server.ReadTimeout)
	assert.Equal(t, "https://issuer.example.com/oauth2/default", cfg.Auth.Issuer)
	assert.False(t, cfg.Flows.EnrichmentEnabled)
	assert.Equal(t, []string{"cache_hit_rate", "queue_depth"}, cfg.Flows.PerformanceMetricKeys)
	assert.Equal(t, 64*1024, cfg.Flows.MaxPayloadBytes)
	assert.Contains(t, cfg.DSN(), "host=db.internal port=6543")
}

func TestLoadConfig_EnvOverride(t *testing.T) {
	path := writeConfig(t, "db:\n  name: from_file\n")
	t.Setenv("FLOWS_DB_NAME", "from_env")

	cfg, _, err := LoadConfig(path)
	require.NoError(t, err)
	assert.Equal(t, "from_env", cfg.DB.Name)
}

func TestLoadConfig_MissingExplicitFile(t *testing.T) {
	_, _, err := LoadConfig(filepath.Join(t.TempDir(), "nope.yaml"))
	assert.Error(t, err)
}

func TestFlags_CachedUntilReload(t *testing.T) {
	path := writeConfig(t, "flows:\n  enrichment_enabled: true\n")
	_, v, err := LoadConfig(path)
	require.NoError(t, err)

	flags := NewFlags(v)
	assert.True(t, flags.EnrichmentEnabled(context.Background()))

	v.Set("flows.enrichment_enabled", false)
	assert.True(t, flags.EnrichmentEnabled(context.Background()), "only a config reload refreshes the flag")
}

func TestFlags_WatchReloadsWhileReading(t *testing.T) {
	path := writeConfig(t, "flows:\n  enrichment_enabled: true\n")
	_, v, err := LoadConfig(path)
	require.NoError(t, err)

	flags := NewFlags(v)
	var reloads atomic.Int32
	flags.Watch(func(fsnotify.Event) { reloads.Add(1) })

	ctx, cancel := context.WithCancel(context.Background())
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		for ctx.Err() == nil {
			_ = flags.EnrichmentEnabled(ctx)
		}
	}()

	for i := 0; i < 20; i++ {
		body := fmt.Sprintf("flows:\n  enrichment_enabled: %t\n", i%2 == 1)
		require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
		time.Sleep(10 * time.Millisecond)
	}
	require.NoError(t, os.WriteFile(path, []byte("flows:\n  enrichment_enabled: false\n"), 0o600))

	assert.Eventually(t, func() bool {
		return !flags.EnrichmentEnabled(context.Background())
	}, 5*time.Second, 20*time.Millisecond)
	assert.Positive(t, reloads.Load())

	cancel()
	wg.Wait()
}

func TestStaticFlags(t *testing.T) {
	f := NewStaticFlags(false)
	assert.False(t, f.EnrichmentEnabled(context.Background()))
	f.Set(true)
	assert.True(t, f.EnrichmentEnabled(context.Background()))
}
