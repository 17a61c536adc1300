package metrics

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRecordOperation(t *testing.T) {
	m := NewMetricsWithRegistry(prometheus.NewRegistry())

	m.RecordOperation("secret_put", "ok", 10*time.Millisecond)
	m.RecordOperation("secret_put", "ok", 20*time.Millisecond)
	m.RecordOperation("blob_read", "auth_failed", time.Millisecond)

	assert.Equal(t, 2.0, testutil.ToFloat64(m.storeOperations.WithLabelValues("secret_put", "ok")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.storeOperations.WithLabelValues("blob_read", "auth_failed")))
	assert.Equal(t, 0.0, testutil.ToFloat64(m.storeOperations.WithLabelValues("blob_read", "ok")))
}

func TestRecordBytes_IgnoresNonPositive(t *testing.T) {
	m := NewMetricsWithRegistry(prometheus.NewRegistry())

	m.RecordBytes("blob_create", 100)
	m.RecordBytes("blob_create", 0)
	m.RecordBytes("blob_create", -1)

	assert.Equal(t, 100.0, testutil.ToFloat64(m.storeBytes.WithLabelValues("blob_create")))
}

func TestCounters(t *testing.T) {
	m := NewMetricsWithRegistry(prometheus.NewRegistry())

	m.RecordAuthFailure("secret")
	m.RecordAuthFailure("secret")
	m.RecordDownload("ok")
	m.RecordKeyGenerated()
	m.IncrementActiveConnections()
	m.IncrementActiveConnections()
	m.DecrementActiveConnections()

	assert.Equal(t, 2.0, testutil.ToFloat64(m.authFailures.WithLabelValues("secret")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.fetchDownloads.WithLabelValues("ok")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.keyGenerations))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.activeConnections))
}

func TestRecordHTTPRequest(t *testing.T) {
	m := NewMetricsWithRegistry(prometheus.NewRegistry())

	m.RecordHTTPRequest(http.MethodGet, "/v1/blobs/{name}", http.StatusNotFound, time.Millisecond, 42)

	assert.Equal(t, 1.0, testutil.ToFloat64(m.httpRequestsTotal.WithLabelValues("GET", "/v1/blobs/{name}", "404")))
	assert.Equal(t, 42.0, testutil.ToFloat64(m.httpResponseBytes.WithLabelValues("GET", "/v1/blobs/{name}")))
}

func TestSystemMetricsCollector(t *testing.T) {
	m := NewMetricsWithRegistry(prometheus.NewRegistry())
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	m.StartSystemMetricsCollector(ctx, time.Hour)

	assert.Greater(t, testutil.ToFloat64(m.goroutines), 0.0)
	assert.Greater(t, testutil.ToFloat64(m.memorySysBytes), 0.0)
}

func TestHandler_ServesRegistry(t *testing.T) {
	m := NewMetricsWithRegistry(prometheus.NewRegistry())
	m.RecordOperation("blob_create", "ok", time.Millisecond)

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	require.Equal(t, http.StatusOK, rec.Code)

	body, err := io.ReadAll(rec.Body)
	require.NoError(t, err)
	assert.True(t, strings.Contains(string(body), `sealed_store_operations_total{operation="blob_create",result="ok"} 1`))
}
