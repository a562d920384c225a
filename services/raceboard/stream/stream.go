// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package stream serves the UI subscription feed over WebSocket. Each
// connection first receives the full active set as "created" updates,
// then live deltas in order. The feed is strictly read-only; clients
// that send data frames are disconnected.
//
// When a client falls behind the broadcast buffer it receives a single
// "lagged" update with the missed count and the connection is closed.
// Clients resync by reconnecting, which replays a fresh snapshot.
package stream

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	"github.com/AleutianAI/raceboard/services/raceboard/active"
	"github.com/AleutianAI/raceboard/services/raceboard/race"
	"github.com/AleutianAI/raceboard/services/raceboard/telemetry"
)

const (
	// writeWait bounds each outbound write.
	writeWait = 10 * time.Second

	// pongWait is how long we tolerate a silent peer; pings go out at
	// pingPeriod so a healthy client always answers in time.
	pongWait   = 60 * time.Second
	pingPeriod = (pongWait * 9) / 10

	// maxInboundBytes is tiny on purpose. Clients have nothing to say.
	maxInboundBytes = 512
)

// Update kinds carried on the wire. The first three mirror the active
// store's change kinds; "lagged" signals dropped updates.
const (
	KindCreated = string(active.ChangeCreated)
	KindUpdated = string(active.ChangeUpdated)
	KindDeleted = string(active.ChangeDeleted)
	KindLagged  = "lagged"
)

// RaceUpdate is one frame of the feed. Race is set for created, updated
// and deleted; Missed is set for lagged.
type RaceUpdate struct {
	Kind   string     `json:"kind"`
	RaceID string     `json:"race_id,omitempty"`
	Race   *race.Race `json:"race,omitempty"`
	Missed int        `json:"missed,omitempty"`
}

var upgrader = websocket.Upgrader{
	// The listener binds to loopback; origin checks add nothing here.
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
	ReadBufferSize:  4 * 1024,
	WriteBufferSize: 4 * 1024,
}

// Handler upgrades the request and runs the feed until the client goes
// away, lags out, or the subscription closes. metrics may be nil.
func Handler(store *active.Store, metrics *telemetry.Metrics, logger *slog.Logger) gin.HandlerFunc {
	if logger == nil {
		logger = slog.Default()
	}
	return func(c *gin.Context) {
		ws, err := upgrader.Upgrade(c.Writer, c.Request, nil)
		if err != nil {
			logger.Error("failed to upgrade the stream websocket", "error", err)
			return
		}
		defer ws.Close()

		if metrics != nil {
			metrics.StreamClientsActive.Add(c.Request.Context(), 1)
			// The request context is dead by the time the feed ends.
			defer metrics.StreamClientsActive.Add(context.Background(), -1)
		}

		cl := &client{
			ws:      ws,
			store:   store,
			metrics: metrics,
			logger:  logger,
			done:    make(chan struct{}),
		}
		logger.Info("stream client connected", "remote", ws.RemoteAddr().String())
		go cl.readPump()
		cl.writePump()
		logger.Info("stream client disconnected", "remote", ws.RemoteAddr().String())
	}
}

type client struct {
	ws      *websocket.Conn
	store   *active.Store
	metrics *telemetry.Metrics
	logger  *slog.Logger
	done    chan struct{}
}

// readPump exists only to service control frames and to enforce the
// read-only contract. Any data frame from the client ends the session
// with a policy violation close.
func (cl *client) readPump() {
	defer close(cl.done)

	cl.ws.SetReadLimit(maxInboundBytes)
	_ = cl.ws.SetReadDeadline(time.Now().Add(pongWait))
	cl.ws.SetPongHandler(func(string) error {
		return cl.ws.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		msgType, _, err := cl.ws.ReadMessage()
		if err != nil {
			return
		}
		if msgType == websocket.TextMessage || msgType == websocket.BinaryMessage {
			cl.logger.Warn("stream client sent a data frame on the read-only feed",
				"remote", cl.ws.RemoteAddr().String())
			cl.closeWith(websocket.ClosePolicyViolation, "stream is read-only")
			return
		}
	}
}

// writePump owns all data writes: the initial snapshot, deltas, and
// pings. Subscribing and snapshotting happen atomically in the store,
// so no change between them can be missed.
func (cl *client) writePump() {
	snapshot, sub := cl.store.Subscribe()
	defer sub.Close()

	for _, r := range snapshot {
		if err := cl.send(RaceUpdate{Kind: KindCreated, RaceID: r.ID, Race: r}); err != nil {
			return
		}
	}

	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()

	for {
		select {
		case msg, ok := <-sub.C:
			if !ok {
				cl.closeWith(websocket.CloseGoingAway, "server shutting down")
				return
			}
			if msg.Lagged > 0 {
				cl.logger.Warn("stream client lagged, forcing resync",
					"remote", cl.ws.RemoteAddr().String(), "missed", msg.Lagged)
				if cl.metrics != nil {
					cl.metrics.StreamLaggedTotal.Add(context.Background(), 1)
				}
				if err := cl.send(RaceUpdate{Kind: KindLagged, Missed: msg.Lagged}); err != nil {
					return
				}
				cl.closeWith(websocket.CloseTryAgainLater, "lagged, reconnect to resync")
				return
			}
			u := RaceUpdate{
				Kind:   string(msg.Change.Kind),
				RaceID: msg.Change.RaceID,
				Race:   msg.Change.Race,
			}
			if err := cl.send(u); err != nil {
				return
			}
		case <-ticker.C:
			_ = cl.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := cl.ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-cl.done:
			return
		}
	}
}

func (cl *client) send(u RaceUpdate) error {
	_ = cl.ws.SetWriteDeadline(time.Now().Add(writeWait))
	if err := cl.ws.WriteJSON(u); err != nil {
		cl.logger.Warn("failed to write stream update", "error", err)
		return err
	}
	return nil
}

// closeWith sends a close frame; WriteControl is safe concurrently with
// the write pump.
func (cl *client) closeWith(code int, reason string) {
	msg := websocket.FormatCloseMessage(code, reason)
	_ = cl.ws.WriteControl(websocket.CloseMessage, msg, time.Now().Add(writeWait))
}
