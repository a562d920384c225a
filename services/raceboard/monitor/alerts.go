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
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"time"
)

// AlertSystem delivers critical operator alerts. Every alert is logged;
// when configured it is also POSTed as JSON to a webhook and appended
// to a local alert log, so there is a trail even without a webhook.
// Delivery failures are logged and swallowed, alerting never fails the
// caller. A nil *AlertSystem drops everything, so callers need no nil
// checks.
type AlertSystem struct {
	webhookURL string
	logFile    string
	client     *http.Client
	logger     *slog.Logger
}

// NewAlertSystem builds an alert system. Either destination may be
// empty; a leading ~ in logFile is expanded to the user's home.
func NewAlertSystem(webhookURL, logFile string, logger *slog.Logger) *AlertSystem {
	if logger == nil {
		logger = slog.Default()
	}
	if len(logFile) > 0 && logFile[0] == '~' {
		if home, err := os.UserHomeDir(); err == nil {
			logFile = filepath.Join(home, logFile[1:])
		}
	}
	return &AlertSystem{
		webhookURL: webhookURL,
		logFile:    logFile,
		client:     &http.Client{Timeout: 10 * time.Second},
		logger:     logger.With("component", "alerts"),
	}
}

type alertPayload struct {
	Text      string `json:"text"`
	Severity  string `json:"severity"`
	Timestamp string `json:"timestamp"`
}

// Critical raises a critical alert with the given message.
func (a *AlertSystem) Critical(ctx context.Context, msg string) {
	if a == nil {
		return
	}
	a.logger.Error("critical alert", "message", msg)

	if a.webhookURL != "" {
		a.post(ctx, msg)
	}
	if a.logFile != "" {
		a.appendLog(msg)
	}
}

// DataLoss raises a critical alert for an unrecoverable race loss.
func (a *AlertSystem) DataLoss(ctx context.Context, raceID, reason string) {
	a.Critical(ctx, fmt.Sprintf(
		"DATA LOSS: race %s was deleted (%s); cluster rebuilds lose accuracy with every dropped completion",
		raceID, reason))
}

func (a *AlertSystem) post(ctx context.Context, msg string) {
	payload := alertPayload{
		Text:      "🚨 RACEBOARD CRITICAL: " + msg,
		Severity:  "critical",
		Timestamp: time.Now().UTC().Format(time.RFC3339),
	}
	body, err := json.Marshal(payload)
	if err != nil {
		a.logger.Error("encode alert payload failed", "err", err)
		return
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, a.webhookURL, bytes.NewReader(body))
	if err != nil {
		a.logger.Error("build alert request failed", "err", err)
		return
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := a.client.Do(req)
	if err != nil {
		a.logger.Error("alert webhook delivery failed", "err", err)
		return
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)
	if resp.StatusCode >= http.StatusMultipleChoices {
		a.logger.Error("alert webhook rejected", "status", resp.StatusCode)
	}
}

func (a *AlertSystem) appendLog(msg string) {
	if err := os.MkdirAll(filepath.Dir(a.logFile), 0o755); err != nil {
		a.logger.Error("create alert log directory failed", "err", err)
		return
	}
	f, err := os.OpenFile(a.logFile, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		a.logger.Error("open alert log failed", "path", a.logFile, "err", err)
		return
	}
	defer f.Close()
	fmt.Fprintf(f, "%s - CRITICAL: %s\n", time.Now().UTC().Format(time.RFC3339), msg)
}
