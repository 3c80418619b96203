// ABOUTME: Tests for the controller API client.
// ABOUTME: Uses httptest servers to verify auth headers, payloads, and retry behavior.

package coreapi

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestRegister_SendsAuthAndPayload(t *testing.T) {
	var got Registration
	var apiKey string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/api/agents/register", r.URL.Path)
		apiKey = r.Header.Get("X-API-Key")
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	c := New(srv.URL, "secret", 42, testLogger())
	require.NoError(t, c.Register(context.Background(), "http://10.0.0.5:8080", "1.2.0"))

	assert.Equal(t, "secret", apiKey)
	assert.Equal(t, 42, got.ServerID)
	assert.Equal(t, "http://10.0.0.5:8080", got.AgentURL)
	assert.Equal(t, "1.2.0", got.AgentVersion)
}

func TestSendEvent_RetriesTransientFailures(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) < 3 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	c := New(srv.URL, "secret", 42, testLogger())
	require.NoError(t, c.SendEvent(context.Background(), "xray_stopped", nil))
	assert.Equal(t, int32(3), calls.Load())
}

func TestSendEvent_GivesUpAfterRetries(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	c := New(srv.URL, "secret", 42, testLogger())
	err := c.SendEvent(context.Background(), "xray_stopped", nil)
	assert.Error(t, err)
}

func TestSendMetrics_StampsServerID(t *testing.T) {
	var got Metrics
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/api/agents/metrics", r.URL.Path)
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	c := New(srv.URL, "secret", 7, testLogger())
	require.NoError(t, c.SendMetrics(context.Background(), Metrics{Running: true, UsersCount: 3, LoadAvg: 0.5}))
	assert.Equal(t, 7, got.ServerID)
	assert.True(t, got.Running)
	assert.Equal(t, 3, got.UsersCount)
}
