package telemetry

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestInitWithoutEndpointIsNoop(t *testing.T) {
	provider, err := Init(context.Background(), "oxo-test", "")
	require.NoError(t, err)

	_, span := provider.Tracer("test").Start(context.Background(), "op")
	assert.False(t, span.SpanContext().IsValid())
	span.End()
	assert.NoError(t, provider.Shutdown(context.Background()))
}

func TestInitRequiresServiceName(t *testing.T) {
	_, err := Init(context.Background(), "", "")
	assert.Error(t, err)
}

func TestNewTraceExporterRejectsHostlessURL(t *testing.T) {
	_, err := newTraceExporter(context.Background(), "http://")
	assert.Error(t, err)
}

func TestMiddlewareLogsStatus(t *testing.T) {
	var buf bytes.Buffer
	logger := NewLogger("oxo-test", &buf)

	handler := Middleware("oxo-test", logger)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTeapot)
	}))

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/status", nil))
	assert.Equal(t, http.StatusTeapot, rec.Code)

	var entry map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &entry))
	assert.Equal(t, "oxo-test", entry["service"])
	assert.Equal(t, "/status", entry["path"])
	assert.Equal(t, float64(http.StatusTeapot), entry["status"])
}
