package config

import (
	"os"
	"path/filepath"
	"sync/atomic"
	"syscall"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func quietLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetLevel(logrus.PanicLevel)
	return logger
}

func TestNewConfigReloader(t *testing.T) {
	cfg := Default()
	reloader, err := NewConfigReloader("", cfg, quietLogger())
	require.NoError(t, err)
	require.NotNil(t, reloader)
	reloader.Stop()

	configPath := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(configPath, []byte("log_level: info\n"), 0644))

	reloader, err = NewConfigReloader(configPath, cfg, quietLogger())
	require.NoError(t, err)
	reloader.Stop()
	// Stop is idempotent.
	reloader.Stop()
}

func TestConfigReloader_FileWatching(t *testing.T) {
	configPath := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(configPath, []byte("log_level: info\n"), 0644))

	initial, err := LoadConfig(configPath)
	require.NoError(t, err)

	reloader, err := NewConfigReloader(configPath, initial, quietLogger())
	require.NoError(t, err)
	defer reloader.Stop()

	var calls atomic.Int64
	var newLevel atomic.Value
	reloader.SetOnReloadCallback(func(old, new *Config) error {
		calls.Add(1)
		assert.Equal(t, "info", old.LogLevel)
		newLevel.Store(new.LogLevel)
		return nil
	})

	go reloader.Start()
	time.Sleep(100 * time.Millisecond)

	updated := `log_level: debug
rate_limit:
  enabled: true
  limit: 200
  window: 120s
`
	require.NoError(t, os.WriteFile(configPath, []byte(updated), 0644))

	require.Eventually(t, func() bool { return calls.Load() >= 1 }, 2*time.Second, 20*time.Millisecond)
	assert.Equal(t, "debug", newLevel.Load())

	current := reloader.GetCurrentConfig()
	assert.Equal(t, "debug", current.LogLevel)
	assert.Equal(t, 200, current.RateLimit.Limit)
}

func TestConfigReloader_SIGHUP(t *testing.T) {
	configPath := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(configPath, []byte("log_level: info\n"), 0644))
	initial, err := LoadConfig(configPath)
	require.NoError(t, err)

	reloader, err := NewConfigReloader(configPath, initial, quietLogger())
	require.NoError(t, err)
	defer reloader.Stop()

	var calls atomic.Int64
	reloader.SetOnReloadCallback(func(old, new *Config) error {
		calls.Add(1)
		return nil
	})

	go reloader.Start()
	time.Sleep(100 * time.Millisecond)

	require.NoError(t, syscall.Kill(os.Getpid(), syscall.SIGHUP))

	require.Eventually(t, func() bool { return calls.Load() >= 1 }, 2*time.Second, 20*time.Millisecond)
}

func TestConfigReloader_RejectsUnsafeChange(t *testing.T) {
	configPath := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(configPath, []byte("log_level: info\n"), 0644))
	initial, err := LoadConfig(configPath)
	require.NoError(t, err)

	reloader, err := NewConfigReloader(configPath, initial, quietLogger())
	require.NoError(t, err)
	defer reloader.Stop()

	var calls atomic.Int64
	reloader.SetOnReloadCallback(func(old, new *Config) error {
		calls.Add(1)
		return nil
	})

	require.NoError(t, os.WriteFile(configPath, []byte("log_level: debug\nblob:\n  chunk_size: 8192\n"), 0644))

	err = reloader.Reload()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "blob.chunk_size cannot be changed during hot reload")
	assert.Zero(t, calls.Load())
	assert.Equal(t, "info", reloader.GetCurrentConfig().LogLevel)
}

func TestConfigReloader_ReloadWithoutPath(t *testing.T) {
	reloader, err := NewConfigReloader("", Default(), quietLogger())
	require.NoError(t, err)
	defer reloader.Stop()

	assert.Error(t, reloader.Reload())
}

func TestValidateReloadSafety(t *testing.T) {
	reloader, err := NewConfigReloader("", Default(), quietLogger())
	require.NoError(t, err)
	defer reloader.Stop()

	tests := []struct {
		name     string
		mutate   func(c *Config)
		errorMsg string
	}{
		{"safe changes allowed", func(c *Config) {
			c.LogLevel = "debug"
			c.ListenAddr = ":9090"
			c.RateLimit.Limit = 5
			c.Fetch.MaxAttempts = 9
		}, ""},
		{"data dir", func(c *Config) { c.DataDir = "/elsewhere" }, "data_dir cannot be changed"},
		{"protector", func(c *Config) { c.KeyStore.Protector = "passphrase" }, "keystore.protector cannot be changed"},
		{"argon2", func(c *Config) { c.KeyStore.Argon2.Time = 9 }, "keystore.argon2 cannot be changed"},
		{"kv backend", func(c *Config) { c.KV.Backend = "sqlite" }, "kv.backend cannot be changed"},
		{"kv algorithm", func(c *Config) { c.KV.Algorithm = "ChaCha20-Poly1305" }, "kv.algorithm cannot be changed"},
		{"blob algorithm", func(c *Config) { c.Blob.Algorithm = "ChaCha20-Poly1305" }, "blob.algorithm cannot be changed"},
		{"compression enabled", func(c *Config) { c.Blob.Compression.Enabled = true }, "blob.compression.enabled cannot be changed"},
		{"backend bucket", func(c *Config) { c.Backend.Bucket = "other" }, "backend.bucket cannot be changed"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			next := Default()
			tt.mutate(next)
			err := reloader.validateReloadSafety(Default(), next)
			if tt.errorMsg == "" {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.errorMsg)
		})
	}
}

func TestGetCurrentConfig(t *testing.T) {
	original := Default()
	reloader, err := NewConfigReloader("", original, quietLogger())
	require.NoError(t, err)
	defer reloader.Stop()

	current := reloader.GetCurrentConfig()
	assert.Equal(t, "info", current.LogLevel)

	current.LogLevel = "debug"
	current.Logging.RedactHeaders[0] = "changed"
	fresh := reloader.GetCurrentConfig()
	assert.Equal(t, "info", fresh.LogLevel)
	assert.Equal(t, "Authorization", fresh.Logging.RedactHeaders[0])
}
