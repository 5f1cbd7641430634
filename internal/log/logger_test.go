// SPDX-License-Identifier: MIT

package log_test

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/beachvar/camagent/internal/log"
)

func capture(t *testing.T) *bytes.Buffer {
	t.Helper()
	var buf bytes.Buffer
	log.Configure(log.Config{Level: "debug", Output: &buf, Service: "test"})
	return &buf
}

func lastEntry(t *testing.T, buf *bytes.Buffer) map[string]any {
	t.Helper()
	lines := bytes.Split(bytes.TrimSpace(buf.Bytes()), []byte("\n"))
	require.NotEmpty(t, lines)
	var entry map[string]any
	require.NoError(t, json.Unmarshal(lines[len(lines)-1], &entry))
	return entry
}

func TestWithComponent(t *testing.T) {
	buf := capture(t)

	logger := log.WithComponent("segstore")
	logger.Info().Msg("hello")

	entry := lastEntry(t, buf)
	assert.Equal(t, "segstore", entry["component"])
	assert.Equal(t, "test", entry["service"])
	assert.Equal(t, "hello", entry["message"])
}

func TestContextCorrelation(t *testing.T) {
	buf := capture(t)

	ctx := log.ContextWithRequestID(t.Context(), "req-1")
	ctx = log.ContextWithCameraID(ctx, "court1")

	logger := log.WithComponentFromContext(ctx, "api")
	logger.Info().Msg("correlated")

	entry := lastEntry(t, buf)
	assert.Equal(t, "req-1", entry[log.FieldRequestID])
	assert.Equal(t, "court1", entry[log.FieldCameraID])
}

func TestMiddlewareLogsRequests(t *testing.T) {
	buf := capture(t)

	h := log.Middleware()(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTeapot)
		_, _ = w.Write([]byte("short"))
	}))

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/v1/streams", nil))

	require.Equal(t, http.StatusTeapot, rec.Code)
	entry := lastEntry(t, buf)
	assert.Equal(t, "GET", entry["method"])
	assert.Equal(t, "/api/v1/streams", entry[log.FieldPath])
	assert.Equal(t, float64(http.StatusTeapot), entry["status"])
	assert.Equal(t, float64(len("short")), entry["bytes"])
}
