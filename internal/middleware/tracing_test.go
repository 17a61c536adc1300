package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
)

func withSpanRecorder(t *testing.T) *tracetest.SpanRecorder {
	t.Helper()
	recorder := tracetest.NewSpanRecorder()
	provider := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(recorder))
	previous := otel.GetTracerProvider()
	otel.SetTracerProvider(provider)
	t.Cleanup(func() { otel.SetTracerProvider(previous) })
	return recorder
}

func spanAttrs(span sdktrace.ReadOnlySpan) map[attribute.Key]string {
	attrs := map[attribute.Key]string{}
	for _, kv := range span.Attributes() {
		attrs[kv.Key] = kv.Value.Emit()
	}
	return attrs
}

func TestTracingMiddleware_Redaction(t *testing.T) {
	recorder := withSpanRecorder(t)

	handler := routed("/v1/blobs/{name}", TracingMiddleware(true), func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("OK"))
	})

	req := httptest.NewRequest(http.MethodGet, "/v1/blobs/readme", nil)
	req.Header.Set("Authorization", "Bearer secret-token")
	req.Header.Set("Content-Type", "application/json")
	handler.ServeHTTP(httptest.NewRecorder(), req)

	spans := recorder.Ended()
	require.Len(t, spans, 1)
	assert.Equal(t, "ReadAndDecryptBlob", spans[0].Name())

	attrs := spanAttrs(spans[0])
	assert.Equal(t, "[REDACTED]", attrs["http.request.header.authorization"])
	assert.Equal(t, "application/json", attrs["http.request.header.content-type"])
	assert.NotContains(t, attrs, attribute.Key("blob.name"))
}

func TestTracingMiddleware_NoRedaction(t *testing.T) {
	recorder := withSpanRecorder(t)

	handler := routed("/v1/blobs/{name}", TracingMiddleware(false), func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	})

	handler.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/v1/blobs/readme", nil))

	spans := recorder.Ended()
	require.Len(t, spans, 1)
	assert.Equal(t, "readme", spanAttrs(spans[0])["blob.name"])
	assert.Equal(t, codes.Error, spans[0].Status().Code)
}

func TestTracingMiddleware_SecretNamesNeverRecorded(t *testing.T) {
	recorder := withSpanRecorder(t)

	handler := routed("/v1/secrets/{key}", TracingMiddleware(false), func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	})
	handler.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodPut, "/v1/secrets/db-password", nil))

	spans := recorder.Ended()
	require.Len(t, spans, 1)
	assert.Equal(t, "SaveSecret", spans[0].Name())
	for _, v := range spanAttrs(spans[0]) {
		assert.NotContains(t, v, "db-password")
	}
}

func TestGetSpanName(t *testing.T) {
	tests := []struct {
		method, route, want string
	}{
		{http.MethodPut, "/v1/secrets/{key}", "SaveSecret"},
		{http.MethodGet, "/v1/secrets/{key}", "LoadSecret"},
		{http.MethodDelete, "/v1/secrets/{key}", "DeleteSecret"},
		{http.MethodGet, "/v1/secrets", "ListSecrets"},
		{http.MethodPost, "/v1/blobs/{name}/download", "DownloadAndStoreBlob"},
		{http.MethodGet, "/v1/blobs/{name}/raw", "ReadPlainFile"},
		{http.MethodPut, "/v1/blobs/{name}", "StoreBlob"},
		{http.MethodHead, "/v1/blobs/{name}", "StatBlob"},
		{http.MethodDelete, "/v1/blobs/{name}", "DeleteBlob"},
		{http.MethodGet, "/v1/blobs", "ListBlobs"},
		{http.MethodGet, "/health", "HTTP GET"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, getSpanName(tt.method, tt.route), tt.method+" "+tt.route)
	}
}

func TestGetRemoteAddr(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.RemoteAddr = "192.0.2.1:1234"
	assert.Equal(t, "192.0.2.1:1234", getRemoteAddr(req))

	req.Header.Set("X-Forwarded-For", "10.0.0.1, 10.0.0.2")
	assert.Equal(t, "10.0.0.1", getRemoteAddr(req))

	req.Header.Set("X-Real-IP", "10.0.0.9")
	assert.Equal(t, "10.0.0.9", getRemoteAddr(req))
}
