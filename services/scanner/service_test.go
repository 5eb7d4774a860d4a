package scanner

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestServiceHandler(t *testing.T) {
	reg := prometheus.NewRegistry()
	metrics := NewMetrics(reg)
	metrics.Jobs.WithLabelValues(outcomeAcked).Inc()

	d, err := NewDispatcher(DispatcherOptions{Source: newFakeSource(), Runtime: &fakeRuntime{}, Logger: zerolog.Nop()})
	require.NoError(t, err)
	s := &Service{logger: zerolog.Nop(), reg: reg, dispatcher: d}
	srv := httptest.NewServer(s.Handler())
	defer srv.Close()

	tests := []struct {
		path string
		want int
	}{
		{"/healthz", http.StatusOK},
		{"/readyz", http.StatusServiceUnavailable},
		{"/metrics", http.StatusOK},
	}
	for _, tt := range tests {
		resp, err := http.Get(srv.URL + tt.path)
		require.NoError(t, err)
		resp.Body.Close()
		assert.Equal(t, tt.want, resp.StatusCode, tt.path)
	}
}
