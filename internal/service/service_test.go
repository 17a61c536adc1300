package service

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kenneth/sealed-store/internal/audit"
	"github.com/kenneth/sealed-store/internal/blobstore"
	"github.com/kenneth/sealed-store/internal/fetch"
	"github.com/kenneth/sealed-store/internal/keystore"
	"github.com/kenneth/sealed-store/internal/kvstore"
	"github.com/kenneth/sealed-store/internal/metrics"
)

type fixture struct {
	svc     *Service
	keys    *keystore.MemoryBackend
	audit   audit.Logger
	reg     *prometheus.Registry
	blobDir string
}

func quietLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetLevel(logrus.PanicLevel)
	return logger
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	logger := quietLogger()
	f := &fixture{
		keys:    keystore.NewMemoryBackend(),
		audit:   audit.NewLogger(100, nil),
		reg:     prometheus.NewRegistry(),
		blobDir: filepath.Join(t.TempDir(), "blobs"),
	}
	kvBackend := kvstore.NewMemoryBackend()

	svc, err := New(Config{
		KeyStore: keystore.New(f.keys, keystore.WithLogger(logger)),
		OpenKV: func(master Deriver) (*kvstore.Store, error) {
			return kvstore.New(master, kvBackend, kvstore.WithLogger(logger))
		},
		OpenBlobs: func(master Deriver) (*blobstore.Store, error) {
			backend, err := blobstore.NewFSBackend(f.blobDir)
			if err != nil {
				return nil, err
			}
			return blobstore.New(master, backend, blobstore.WithLogger(logger))
		},
		Fetcher: fetch.New(nil, fetch.Options{
			Timeout:        5 * time.Second,
			MaxAttempts:    1,
			InitialBackoff: time.Millisecond,
			MaxBackoff:     time.Millisecond,
		}, logger),
		Audit:   f.audit,
		Metrics: metrics.NewMetricsWithRegistry(f.reg),
		Logger:  logger,
	})
	require.NoError(t, err)
	t.Cleanup(func() { svc.Close() })
	f.svc = svc
	return f
}

// counter returns the value of the counter name whose labels include want.
func (f *fixture) counter(t *testing.T, name string, want map[string]string) float64 {
	t.Helper()
	families, err := f.reg.Gather()
	require.NoError(t, err)
	for _, mf := range families {
		if mf.GetName() != name {
			continue
		}
	metric:
		for _, m := range mf.GetMetric() {
			labels := make(map[string]string)
			for _, lp := range m.GetLabel() {
				labels[lp.GetName()] = lp.GetValue()
			}
			for k, v := range want {
				if labels[k] != v {
					continue metric
				}
			}
			return m.GetCounter().GetValue()
		}
	}
	return 0
}

func TestNew_RequiresDependencies(t *testing.T) {
	_, err := New(Config{})
	assert.Error(t, err)
}

func TestService_MasterKeyIsLazy(t *testing.T) {
	f := newFixture(t)
	assert.Zero(t, f.keys.Creates())

	require.NoError(t, f.svc.Ready(context.Background()))
	require.NoError(t, f.svc.Ready(context.Background()))
	assert.Equal(t, 1, f.keys.Creates())
}

func TestService_KeyUnavailableIsRetried(t *testing.T) {
	f := newFixture(t)
	f.keys.SetLoadError(errors.New("disk on fire"))

	err := f.svc.SaveSecret(context.Background(), "token", "v")
	assert.ErrorIs(t, err, keystore.ErrKeyUnavailable)

	f.keys.SetLoadError(nil)
	require.NoError(t, f.svc.SaveSecret(context.Background(), "token", "v"))
}

func TestService_Secrets(t *testing.T) {
	f := newFixture(t)
	ctx := audit.WithRequestID(context.Background(), "req-7")

	require.NoError(t, f.svc.SaveSecret(ctx, "api-token", "s3cr3t"))

	value, ok, err := f.svc.LoadSecret(ctx, "api-token")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, "s3cr3t", value)

	_, ok, err = f.svc.LoadSecret(ctx, "missing")
	require.NoError(t, err)
	assert.False(t, ok)

	keys, err := f.svc.ListSecrets(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"api-token"}, keys)

	deleted, err := f.svc.DeleteSecret(ctx, "api-token")
	require.NoError(t, err)
	assert.True(t, deleted)

	deleted, err = f.svc.DeleteSecret(ctx, "api-token")
	require.NoError(t, err)
	assert.False(t, deleted)

	events := f.audit.Events()
	require.NotEmpty(t, events)
	for _, e := range events {
		assert.NotContains(t, e.Resource, "api-token")
	}
	assert.Equal(t, audit.EventTypeSecretPut, events[0].EventType)
	assert.Equal(t, "req-7", events[0].RequestID)

	assert.Equal(t, 1.0, f.counter(t, "sealed_store_operations_total", map[string]string{"operation": "secret_get", "result": "not_found"}))
}

func TestService_StoreAndReadBlob(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	blob, err := f.svc.StoreBlob(ctx, "readme", strings.NewReader("hello"))
	require.NoError(t, err)
	assert.Equal(t, int64(5), blob.Size)

	rc, err := f.svc.ReadAndDecryptBlob(ctx, "readme")
	require.NoError(t, err)
	data, err := io.ReadAll(rc)
	require.NoError(t, err)
	require.NoError(t, rc.Close())
	assert.Equal(t, "hello", string(data))

	raw, err := f.svc.ReadPlainFile(ctx, "readme")
	require.NoError(t, err)
	sealed, err := io.ReadAll(raw)
	raw.Close()
	require.NoError(t, err)
	assert.NotContains(t, string(sealed), "hello")

	stat, err := f.svc.StatBlob(ctx, "readme")
	require.NoError(t, err)
	assert.Equal(t, int64(5), stat.Size)

	names, err := f.svc.ListBlobs(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"readme"}, names)

	var sawRead bool
	for _, e := range f.audit.Events() {
		if e.EventType == audit.EventTypeBlobRead {
			sawRead = true
			assert.True(t, e.Success)
			assert.Equal(t, int64(5), e.Bytes)
		}
	}
	assert.True(t, sawRead)

	deleted, err := f.svc.DeleteBlob(ctx, "readme")
	require.NoError(t, err)
	assert.True(t, deleted)

	_, err = f.svc.ReadAndDecryptBlob(ctx, "readme")
	assert.ErrorIs(t, err, blobstore.ErrNotFound)
}

func TestService_DownloadAndStoreBlob(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/plain")
		io.WriteString(w, "remote contents")
	}))
	defer srv.Close()

	f := newFixture(t)
	ctx := context.Background()

	blob, err := f.svc.DownloadAndStoreBlob(ctx, "remote", srv.URL+"/file")
	require.NoError(t, err)
	assert.Equal(t, "remote", blob.Name)

	rc, err := f.svc.ReadAndDecryptBlob(ctx, "remote")
	require.NoError(t, err)
	defer rc.Close()
	data, err := io.ReadAll(rc)
	require.NoError(t, err)
	assert.Equal(t, "remote contents", string(data))

	assert.Equal(t, 1.0, f.counter(t, "sealed_store_downloads_total", map[string]string{"result": "ok"}))
}

func TestService_DownloadExistingNameSkipsNetwork(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		io.WriteString(w, "x")
	}))
	defer srv.Close()

	f := newFixture(t)
	ctx := context.Background()
	_, err := f.svc.StoreBlob(ctx, "taken", strings.NewReader("first"))
	require.NoError(t, err)

	_, err = f.svc.DownloadAndStoreBlob(ctx, "taken", srv.URL)
	assert.ErrorIs(t, err, blobstore.ErrAlreadyExists)
	assert.Zero(t, calls.Load())
	assert.Equal(t, "conflict", Classify(err))
}

func TestService_FailedDownloadLeavesNothing(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "gone", http.StatusNotFound)
	}))
	defer srv.Close()

	f := newFixture(t)
	ctx := context.Background()

	_, err := f.svc.DownloadAndStoreBlob(ctx, "remote", srv.URL)
	var terr *fetch.TransportError
	require.ErrorAs(t, err, &terr)
	assert.Equal(t, "transport", Classify(err))

	names, err := f.svc.ListBlobs(ctx)
	require.NoError(t, err)
	assert.Empty(t, names)
	assert.Equal(t, 1.0, f.counter(t, "sealed_store_downloads_total", map[string]string{"result": "transport"}))
}

func TestService_InvalidBlobName(t *testing.T) {
	f := newFixture(t)
	_, err := f.svc.StoreBlob(context.Background(), "../escape", strings.NewReader("x"))
	assert.ErrorIs(t, err, blobstore.ErrInvalidName)
	assert.Equal(t, "invalid", Classify(err))
}

func TestClassify(t *testing.T) {
	assert.Equal(t, "ok", Classify(nil))
	assert.Equal(t, "not_found", Classify(blobstore.ErrNotFound))
	assert.Equal(t, "key_unavailable", Classify(keystore.ErrKeyUnavailable))
	assert.Equal(t, "canceled", Classify(context.Canceled))
	assert.Equal(t, "error", Classify(errors.New("boom")))
}
