package main

import (
	"bytes"
	"context"
	"errors"
	"net"
	"net/http"
	"net/http/httptest"
	"strconv"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"oxo/services/runtime"
)

func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	var out bytes.Buffer
	a := &app{out: &out, logger: zerolog.Nop()}
	cmd := newRootCommand(a)
	cmd.SetArgs(args)
	cmd.SetErr(&out)
	err := cmd.ExecuteContext(context.Background())
	return out.String(), err
}

func hostPort(t *testing.T, rawURL string) (string, string) {
	t.Helper()
	host, port, err := net.SplitHostPort(rawURL[len("http://"):])
	require.NoError(t, err)
	_, err = strconv.Atoi(port)
	require.NoError(t, err)
	return host, port
}

func TestAgentHealthcheck(t *testing.T) {
	tests := []struct {
		name     string
		status   int
		body     string
		wantCode int
	}{
		{name: "healthy", status: http.StatusOK, body: "OK"},
		{name: "wrong body", status: http.StatusOK, body: "starting", wantCode: unhealthyExitCode},
		{name: "server error", status: http.StatusInternalServerError, body: "OK", wantCode: unhealthyExitCode},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				assert.Equal(t, "/status", r.URL.Path)
				w.WriteHeader(tt.status)
				_, _ = w.Write([]byte(tt.body))
			}))
			defer srv.Close()

			host, port := hostPort(t, srv.URL)
			_, err := execute(t, "agent", "healthcheck", "--host", host, "--port", port)
			if tt.wantCode == 0 {
				require.NoError(t, err)
				return
			}
			var exit *exitError
			require.True(t, errors.As(err, &exit))
			assert.Equal(t, tt.wantCode, exit.code)
		})
	}
}

func TestAgentHealthcheckUnreachable(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	host, port := hostPort(t, srv.URL)
	srv.Close()

	_, err := execute(t, "agent", "healthcheck", "--host", host, "--port", port)
	var exit *exitError
	require.True(t, errors.As(err, &exit))
	assert.Equal(t, unhealthyExitCode, exit.code)
}

func TestWriteScans(t *testing.T) {
	var out bytes.Buffer
	a := &app{out: &out, logger: zerolog.Nop()}
	created := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	require.NoError(t, writeScans(a, []runtime.Scan{
		{ID: "a1", Title: "weekly", Asset: "ip", State: runtime.StateRunning, CreatedAt: created},
	}))
	assert.Contains(t, out.String(), "ID  TITLE   ASSET  STATE    CREATED")
	assert.Contains(t, out.String(), "a1  weekly  ip     RUNNING  2026-03-01T12:00:00Z")
	assert.Same(t, &out, a.out)
}

func TestParseAsset(t *testing.T) {
	tests := []struct {
		name      string
		assetType string
		data      string
		wantErr   bool
	}{
		{name: "ip", assetType: "ip", data: `{"host":"8.8.8.8","version":4}`},
		{name: "no data", assetType: "domain_name"},
		{name: "missing type", data: `{"host":"8.8.8.8"}`, wantErr: true},
		{name: "not an object", assetType: "ip", data: `[1,2]`, wantErr: true},
		{name: "bad selector", assetType: "ip address", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			asset, err := parseAsset(tt.assetType, tt.data)
			if tt.wantErr {
				require.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.assetType, asset.Type)
		})
	}
}

func TestScanRunRequiresAgents(t *testing.T) {
	_, err := execute(t, "scan", "run", "--asset-type", "ip")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "--agent or --group")
}

func TestUnknownRuntime(t *testing.T) {
	_, err := execute(t, "scan", "list", "--runtime", "cloud")
	var notFound *runtime.RuntimeNotFoundError
	require.True(t, errors.As(err, &notFound))
	assert.Equal(t, runtime.Kind("cloud"), notFound.Kind)
}

func TestOverridesOnlyCarrySetFlags(t *testing.T) {
	a := &app{apiKey: "k"}
	assert.Equal(t, "k", a.overrides()["API_KEY"])
	_, ok := a.overrides()["API_ENDPOINT"]
	assert.False(t, ok)
}
