package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/sony/gobreaker/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"oxo/pkg/config"
)

func newTestClient(t *testing.T, url string) *Client {
	t.Helper()
	c, err := NewClient(config.API{Endpoint: url, Key: "secret", Timeout: 5 * time.Second}, zerolog.Nop())
	require.NoError(t, err)
	return c
}

func TestExecuteReturnsData(t *testing.T) {
	var got Request
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "secret", r.Header.Get("X-Api-Key"))
		body, _ := io.ReadAll(r.Body)
		require.NoError(t, json.Unmarshal(body, &got))
		_, _ = w.Write([]byte(`{"data":{"createAgentScan":{"scan":{"id":"42"}}}}`))
	}))
	defer srv.Close()

	c := newTestClient(t, srv.URL)
	id, err := CreateAgentScan(context.Background(), c, AgentScanInput{Title: "scan", AgentGroupYAML: "kind: AgentGroup"})
	require.NoError(t, err)
	assert.Equal(t, "42", id)
	assert.Contains(t, got.Query, "createAgentScan")
	assert.Contains(t, got.Variables, "scan")
}

func TestExecuteGraphQLErrors(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"errors":[{"message":"scan not found"}]}`))
	}))
	defer srv.Close()

	c := newTestClient(t, srv.URL)
	err := StopScan(context.Background(), c, "7")
	var respErr *ResponseError
	require.ErrorAs(t, err, &respErr)
	assert.Equal(t, http.StatusOK, respErr.StatusCode)
	assert.Contains(t, respErr.Error(), "scan not found")
}

func TestExecuteStatusError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "forbidden", http.StatusForbidden)
	}))
	defer srv.Close()

	c := newTestClient(t, srv.URL)
	_, err := c.Execute(context.Background(), ScansRequest(1, 10))
	var respErr *ResponseError
	require.ErrorAs(t, err, &respErr)
	assert.Equal(t, http.StatusForbidden, respErr.StatusCode)
}

func TestBreakerOpensOnServerErrors(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		http.Error(w, "down", http.StatusBadGateway)
	}))
	defer srv.Close()

	c, err := NewClient(config.API{Endpoint: srv.URL, RetryMax: 0, Timeout: time.Second}, zerolog.Nop())
	require.NoError(t, err)

	for i := 0; i < int(breakerMaxFailures); i++ {
		_, err := c.Execute(context.Background(), ScansRequest(1, 1))
		require.Error(t, err)
	}
	_, err = c.Execute(context.Background(), ScansRequest(1, 1))
	assert.True(t, errors.Is(err, gobreaker.ErrOpenState))
	assert.Equal(t, int32(breakerMaxFailures), calls.Load())
}

func TestListScans(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"data":{"scans":{"scans":[{"id":"3","title":"web","assetType":"domain_name","createdTime":"2024-05-01T10:00:00Z","progress":"in_progress"}]}}}`))
	}))
	defer srv.Close()

	scans, err := ListScans(context.Background(), newTestClient(t, srv.URL), 10)
	require.NoError(t, err)
	require.Len(t, scans, 1)
	assert.Equal(t, "3", scans[0].ID)
	assert.Equal(t, "in_progress", scans[0].Progress)
}

func TestStopScanRejectsNonNumericID(t *testing.T) {
	c := newTestClient(t, "http://127.0.0.1:1")
	assert.Error(t, StopScan(context.Background(), c, "abc"))
}

func TestNewClientRequiresEndpoint(t *testing.T) {
	_, err := NewClient(config.API{}, zerolog.Nop())
	assert.Error(t, err)
}

func TestAuthenticated(t *testing.T) {
	c, err := NewClient(config.API{Endpoint: "http://x"}, zerolog.Nop())
	require.NoError(t, err)
	assert.False(t, c.Authenticated())
	assert.True(t, newTestClient(t, "http://x").Authenticated())
}
