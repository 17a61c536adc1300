package main

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kenneth/sealed-store/internal/audit"
	"github.com/kenneth/sealed-store/internal/config"
	"github.com/kenneth/sealed-store/internal/fetch"
	"github.com/kenneth/sealed-store/internal/metrics"
	"github.com/kenneth/sealed-store/internal/service"
)

func quietLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetLevel(logrus.PanicLevel)
	return logger
}

func newTestService(t *testing.T, cfg *config.Config, auditLogger audit.Logger) *service.Service {
	t.Helper()
	logger := quietLogger()
	m := metrics.NewMetricsWithRegistry(prometheus.NewRegistry())

	ks, err := newKeyStore(cfg, logger, m, auditLogger)
	require.NoError(t, err)
	openKV, err := kvOpener(cfg, logger)
	require.NoError(t, err)
	openBlobs, err := blobOpener(context.Background(), cfg, logger)
	require.NoError(t, err)

	svc, err := service.New(service.Config{
		KeyStore:  ks,
		OpenKV:    openKV,
		OpenBlobs: openBlobs,
		Fetcher:   fetch.New(nil, fetch.DefaultOptions(), logger),
		Audit:     auditLogger,
		Metrics:   m,
		Logger:    logger,
	})
	require.NoError(t, err)
	return svc
}

func TestWiring_PersistsAcrossRestart(t *testing.T) {
	for _, backend := range []string{"file", "sqlite"} {
		t.Run(backend, func(t *testing.T) {
			cfg := config.Default()
			cfg.DataDir = t.TempDir()
			cfg.KV.Backend = backend
			ctx := context.Background()

			auditLogger := audit.NewLogger(10, nil)
			svc := newTestService(t, cfg, auditLogger)
			require.NoError(t, svc.SaveSecret(ctx, "token", "abc123"))
			_, err := svc.StoreBlob(ctx, "readme", strings.NewReader("hello"))
			require.NoError(t, err)
			require.NoError(t, svc.Close())

			var generated int
			for _, e := range auditLogger.Events() {
				if e.EventType == audit.EventTypeKeyGenerated {
					generated++
				}
			}
			assert.Equal(t, 1, generated)

			svc = newTestService(t, cfg, nil)
			defer svc.Close()

			value, ok, err := svc.LoadSecret(ctx, "token")
			require.NoError(t, err)
			assert.True(t, ok)
			assert.Equal(t, "abc123", value)

			_, err = os.Stat(cfg.KeyStorePath())
			assert.NoError(t, err)
			_, err = os.Stat(filepath.Join(cfg.BlobDir(), "readme.blob"))
			assert.NoError(t, err)
		})
	}
}

func TestNewKeyStore_PassphraseRequiresEnv(t *testing.T) {
	cfg := config.Default()
	cfg.DataDir = t.TempDir()
	cfg.KeyStore.Protector = "passphrase"
	cfg.KeyStore.PassphraseEnv = "SEALED_STORE_TEST_PASSPHRASE_UNSET"

	_, err := newKeyStore(cfg, quietLogger(), metrics.NewMetricsWithRegistry(prometheus.NewRegistry()), nil)
	assert.Error(t, err)
}

func TestNewKeyStore_Passphrase(t *testing.T) {
	cfg := config.Default()
	cfg.DataDir = t.TempDir()
	cfg.KeyStore.Protector = "passphrase"
	cfg.KeyStore.PassphraseEnv = "SEALED_STORE_TEST_PASSPHRASE"
	cfg.KeyStore.Argon2 = config.Argon2Config{Time: 1, MemoryKiB: 8 * 1024, Threads: 1}
	t.Setenv("SEALED_STORE_TEST_PASSPHRASE", "correct horse battery staple")

	svc := newTestService(t, cfg, nil)
	defer svc.Close()
	require.NoError(t, svc.Ready(context.Background()))

	data, err := os.ReadFile(cfg.KeyStorePath())
	require.NoError(t, err)
	assert.Contains(t, string(data), `"protector": "passphrase"`)
}

func TestSetLogLevel(t *testing.T) {
	logger := logrus.New()
	setLogLevel(logger, "debug")
	assert.Equal(t, logrus.DebugLevel, logger.GetLevel())

	setLogLevel(logger, "bogus")
	assert.Equal(t, logrus.InfoLevel, logger.GetLevel())
}
