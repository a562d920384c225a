// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package monitor

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// webhookCapture records every alert POST it receives.
type webhookCapture struct {
	mu     sync.Mutex
	bodies []string
	status int
}

func (c *webhookCapture) handler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		c.mu.Lock()
		c.bodies = append(c.bodies, string(body))
		c.mu.Unlock()
		status := c.status
		if status == 0 {
			status = http.StatusOK
		}
		w.WriteHeader(status)
	}
}

func (c *webhookCapture) count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.bodies)
}

func (c *webhookCapture) last() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.bodies) == 0 {
		return ""
	}
	return c.bodies[len(c.bodies)-1]
}

func TestCriticalPostsWebhookAndAppendsLog(t *testing.T) {
	capture := &webhookCapture{}
	srv := httptest.NewServer(capture.handler())
	defer srv.Close()

	logFile := filepath.Join(t.TempDir(), "alerts.log")
	a := NewAlertSystem(srv.URL, logFile, testLogger())

	a.Critical(context.Background(), "disk almost full")

	require.Equal(t, 1, capture.count())
	var payload alertPayload
	require.NoError(t, json.Unmarshal([]byte(capture.last()), &payload))
	assert.Equal(t, "🚨 RACEBOARD CRITICAL: disk almost full", payload.Text)
	assert.Equal(t, "critical", payload.Severity)
	_, err := time.Parse(time.RFC3339, payload.Timestamp)
	assert.NoError(t, err)

	data, err := os.ReadFile(logFile)
	require.NoError(t, err)
	assert.Contains(t, string(data), "CRITICAL: disk almost full")
}

func TestCriticalWithoutWebhookStillLogs(t *testing.T) {
	logFile := filepath.Join(t.TempDir(), "nested", "deeper", "alerts.log")
	a := NewAlertSystem("", logFile, testLogger())

	a.Critical(context.Background(), "flush failures climbing")
	a.Critical(context.Background(), "flush failures climbing")

	data, err := os.ReadFile(logFile)
	require.NoError(t, err)
	lines := strings.Split(strings.TrimSpace(string(data)), "\n")
	assert.Len(t, lines, 2)
	for _, line := range lines {
		assert.Contains(t, line, "CRITICAL: flush failures climbing")
	}
}

func TestDataLossAlertNamesTheRace(t *testing.T) {
	capture := &webhookCapture{}
	srv := httptest.NewServer(capture.handler())
	defer srv.Close()

	a := NewAlertSystem(srv.URL, "", testLogger())
	a.DataLoss(context.Background(), "gitlab-4412", "capacity eviction")

	require.Equal(t, 1, capture.count())
	assert.Contains(t, capture.last(), "DATA LOSS: race gitlab-4412 was deleted (capacity eviction)")
}

func TestWebhookRejectionIsSwallowed(t *testing.T) {
	capture := &webhookCapture{status: http.StatusInternalServerError}
	srv := httptest.NewServer(capture.handler())
	defer srv.Close()

	logFile := filepath.Join(t.TempDir(), "alerts.log")
	a := NewAlertSystem(srv.URL, logFile, testLogger())

	a.Critical(context.Background(), "still delivered locally")

	assert.Equal(t, 1, capture.count())
	data, err := os.ReadFile(logFile)
	require.NoError(t, err)
	assert.Contains(t, string(data), "still delivered locally")
}

func TestUnreachableWebhookIsSwallowed(t *testing.T) {
	a := NewAlertSystem("http://127.0.0.1:1", "", testLogger())
	a.Critical(context.Background(), "nobody home")
}

func TestNilAlertSystemIsSafe(t *testing.T) {
	var a *AlertSystem
	a.Critical(context.Background(), "dropped")
	a.DataLoss(context.Background(), "race-1", "whatever")
}

func TestLogPathHomeExpansion(t *testing.T) {
	if _, err := os.UserHomeDir(); err != nil {
		t.Skip("no home directory in this environment")
	}
	a := NewAlertSystem("", "~/alerts.log", testLogger())
	assert.False(t, strings.HasPrefix(a.logFile, "~"))
	assert.True(t, filepath.IsAbs(a.logFile))
}
