// Copyright (c) Rendezvous Authors.
// Licensed under the MIT License.

package main

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestHandleHealthz(t *testing.T) {
	h := NewHealthHandler(zap.NewNop())

	w := httptest.NewRecorder()
	r := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	h.HandleHealthz(w, r)

	assert.Equal(t, http.StatusOK, w.Code)

	var status HealthStatus
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &status))
	assert.Equal(t, "healthy", status.Status)
	assert.False(t, status.Timestamp.IsZero())
}

func TestHandleReady_AllChecksPass(t *testing.T) {
	h := NewHealthHandler(zap.NewNop())
	h.RegisterCheck(pingCheck{name: "redis", ping: func(context.Context) error { return nil }})
	h.RegisterCheck(pingCheck{name: "database", ping: func(context.Context) error { return nil }})

	w := httptest.NewRecorder()
	r := httptest.NewRequest(http.MethodGet, "/readyz", nil)
	h.HandleReady(w, r)

	assert.Equal(t, http.StatusOK, w.Code)

	var status HealthStatus
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &status))
	assert.Equal(t, "healthy", status.Status)
	assert.Equal(t, "pass", status.Checks["redis"].Status)
	assert.Equal(t, "pass", status.Checks["database"].Status)
}

func TestHandleReady_FailingCheck(t *testing.T) {
	h := NewHealthHandler(zap.NewNop())
	h.RegisterCheck(pingCheck{name: "redis", ping: func(context.Context) error { return nil }})
	h.RegisterCheck(pingCheck{name: "database", ping: func(context.Context) error {
		return errors.New("connection refused")
	}})

	w := httptest.NewRecorder()
	r := httptest.NewRequest(http.MethodGet, "/readyz", nil)
	h.HandleReady(w, r)

	assert.Equal(t, http.StatusServiceUnavailable, w.Code)

	var status HealthStatus
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &status))
	assert.Equal(t, "unhealthy", status.Status)
	assert.Equal(t, "pass", status.Checks["redis"].Status)
	assert.Equal(t, "fail", status.Checks["database"].Status)
	assert.Equal(t, "connection refused", status.Checks["database"].Message)
}

func TestHandleReady_NoChecksRegistered(t *testing.T) {
	h := NewHealthHandler(zap.NewNop())

	w := httptest.NewRecorder()
	r := httptest.NewRequest(http.MethodGet, "/readyz", nil)
	h.HandleReady(w, r)

	assert.Equal(t, http.StatusOK, w.Code)
}

func TestHandleVersion(t *testing.T) {
	h := NewHealthHandler(zap.NewNop())
	handler := h.HandleVersion("v1.2.3", "2026-01-02T00:00:00Z", "abc1234")

	w := httptest.NewRecorder()
	r := httptest.NewRequest(http.MethodGet, "/version", nil)
	handler(w, r)

	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "application/json", w.Header().Get("Content-Type"))

	var info map[string]string
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &info))
	assert.Equal(t, "v1.2.3", info["version"])
	assert.Equal(t, "2026-01-02T00:00:00Z", info["build_time"])
	assert.Equal(t, "abc1234", info["git_commit"])
}
