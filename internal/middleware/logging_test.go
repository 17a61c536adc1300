package middleware

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/gorilla/mux"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kenneth/sealed-store/internal/audit"
	"github.com/kenneth/sealed-store/internal/config"
)

func captureLogger() (*logrus.Logger, *bytes.Buffer) {
	var buf bytes.Buffer
	logger := logrus.New()
	logger.SetOutput(&buf)
	logger.SetFormatter(&logrus.JSONFormatter{})
	logger.SetLevel(logrus.DebugLevel)
	return logger, &buf
}

func quietLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetLevel(logrus.PanicLevel)
	return logger
}

// routed serves h under a mux route so route templates and vars resolve.
func routed(template string, mw func(http.Handler) http.Handler, h http.HandlerFunc) http.Handler {
	r := mux.NewRouter()
	r.Use(mw)
	r.HandleFunc(template, h)
	return r
}

func TestResponseWriter(t *testing.T) {
	w := httptest.NewRecorder()
	rw := &responseWriter{ResponseWriter: w, statusCode: http.StatusOK}

	rw.WriteHeader(http.StatusNotFound)
	rw.WriteHeader(http.StatusOK)
	assert.Equal(t, http.StatusNotFound, rw.statusCode)

	n, err := rw.Write([]byte("test"))
	require.NoError(t, err)
	assert.Equal(t, 4, n)
	assert.Equal(t, int64(4), rw.bytesWritten)
}

func TestLoggingMiddleware_SecretNamesAreNotLogged(t *testing.T) {
	logger, buf := captureLogger()
	cfg := &config.LoggingConfig{AccessLogFormat: "default"}

	handler := routed("/v1/secrets/{key}", LoggingMiddleware(logger, cfg), func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	})

	req := httptest.NewRequest(http.MethodPut, "/v1/secrets/db-password", strings.NewReader("hunter2"))
	handler.ServeHTTP(httptest.NewRecorder(), req)

	out := buf.String()
	assert.Contains(t, out, `"path":"/v1/secrets/{key}"`)
	assert.NotContains(t, out, "db-password")
	assert.NotContains(t, out, "hunter2")
	assert.Contains(t, out, `"status":204`)
}

func TestLoggingFormats(t *testing.T) {
	tests := []struct {
		format string
		field  string
	}{
		{"default", `"method":"GET"`},
		{"json", `"json":`},
		{"clf", `"clf":`},
	}

	for _, tt := range tests {
		t.Run(tt.format, func(t *testing.T) {
			logger, buf := captureLogger()
			cfg := &config.LoggingConfig{
				AccessLogFormat: tt.format,
				RedactHeaders:   []string{"Authorization"},
			}

			handler := routed("/v1/blobs/{name}", LoggingMiddleware(logger, cfg), func(w http.ResponseWriter, r *http.Request) {
				w.Write([]byte("test response"))
			})

			req := httptest.NewRequest(http.MethodGet, "/v1/blobs/readme", nil)
			req.Header.Set("Authorization", "Bearer secret-token")
			req.Header.Set("Content-Type", "application/json")
			handler.ServeHTTP(httptest.NewRecorder(), req)

			out := buf.String()
			assert.Contains(t, out, tt.field)
			assert.NotContains(t, out, "secret-token")
			if tt.format == "json" {
				assert.Contains(t, out, "[REDACTED]")
			}
		})
	}
}

func TestLoggingMiddleware_RequestBytes(t *testing.T) {
	logger, buf := captureLogger()
	handler := LoggingMiddleware(logger, &config.LoggingConfig{})(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusCreated)
	}))

	req := httptest.NewRequest(http.MethodPut, "/v1/blobs/readme", strings.NewReader("hello"))
	req.Header.Set("Content-Length", "5")
	handler.ServeHTTP(httptest.NewRecorder(), req)

	var entry map[string]interface{}
	require.NoError(t, json.Unmarshal(buf.Bytes(), &entry))
	assert.Equal(t, 5.0, entry["bytes"])
	assert.Equal(t, 201.0, entry["status"])
}

func TestShouldRedactHeader(t *testing.T) {
	redact := []string{"Authorization", "x-api-key"}
	assert.True(t, shouldRedactHeader("authorization", redact))
	assert.True(t, shouldRedactHeader("X-API-KEY", redact))
	assert.False(t, shouldRedactHeader("content-type", redact))
}

func TestRequestIDMiddleware(t *testing.T) {
	var seen string
	handler := RequestIDMiddleware()(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen = audit.RequestIDFromContext(r.Context())
	}))

	w := httptest.NewRecorder()
	handler.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/health", nil))
	require.NotEmpty(t, seen)
	assert.Equal(t, seen, w.Header().Get(RequestIDHeader))

	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	req.Header.Set(RequestIDHeader, "client-id-1")
	w = httptest.NewRecorder()
	handler.ServeHTTP(w, req)
	assert.Equal(t, "client-id-1", seen)

	req = httptest.NewRequest(http.MethodGet, "/health", nil)
	req.Header.Set(RequestIDHeader, "bad id\nwith newline")
	w = httptest.NewRecorder()
	handler.ServeHTTP(w, req)
	assert.NotEqual(t, "bad id\nwith newline", seen)
}
