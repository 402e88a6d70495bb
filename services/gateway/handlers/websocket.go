// Copyright (C) 2025 PlaylistIQ (dev@playlistiq.io)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package handlers contains the HTTP and WebSocket entry points of the
// gateway service.
package handlers

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	"github.com/playlistiq/playlistiq/services/gateway/datatypes"
	"github.com/playlistiq/playlistiq/services/gateway/observability"
	"github.com/playlistiq/playlistiq/services/gateway/session"
)

// maxInboundFrameBytes bounds one client frame. Queries are capped at 32KB
// by validation; the envelope around them never legitimately reaches 128KB.
const maxInboundFrameBytes = 128 * 1024

// idleCheckInterval is how often the watchdog samples session idleness.
const idleCheckInterval = 30 * time.Second

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool {
		// Auth and origin policy live at the terminating proxy.
		return true
	},
	ReadBufferSize:    32 * 1024,
	WriteBufferSize:   32 * 1024,
	EnableCompression: true,
}

// errSocketClosed is returned by the frame writer after the socket is gone.
var errSocketClosed = errors.New("websocket closed")

// frameWriter serializes all frame writes on one socket. gorilla/websocket
// allows a single concurrent writer; the streaming goroutine, the read loop
// and the watchdog all write through this. A whole frame goes out per call,
// so a PONG can interleave between chunks but never split one.
type frameWriter struct {
	mu     sync.Mutex
	ws     *websocket.Conn
	closed bool
}

func (w *frameWriter) WriteFrame(env datatypes.Envelope) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return errSocketClosed
	}
	if err := w.ws.WriteJSON(env); err != nil {
		w.closed = true
		slog.Debug("failed to write WebSocket frame", "type", env.Type, "error", err)
		return err
	}
	return nil
}

// close stops all future writes. The underlying conn is closed separately by
// the handler's deferred ws.Close.
func (w *frameWriter) close() {
	w.mu.Lock()
	w.closed = true
	w.mu.Unlock()
}

// GatewayConfig carries the per-connection knobs the handler needs.
type GatewayConfig struct {
	// Session is passed through to each session manager.
	Session session.Config

	// IdleTimeout closes sockets with no inbound frame for this long.
	// Zero disables the watchdog.
	IdleTimeout time.Duration
}

// HandleChatWebSocket upgrades the request and runs the connection's read
// loop until the client goes away. Each accepted socket gets its own session
// manager; sessions are fully independent of each other.
func HandleChatWebSocket(catalogueReader session.CatalogueReader,
	startChat session.ChatStarter, cfg GatewayConfig) gin.HandlerFunc {

	return func(c *gin.Context) {
		ws, err := upgrader.Upgrade(c.Writer, c.Request, nil)
		if err != nil {
			slog.Error("failed to upgrade the websocket", "error", err)
			return
		}
		defer ws.Close()
		ws.SetReadLimit(maxInboundFrameBytes)

		writer := &frameWriter{ws: ws}
		mgr := session.New(catalogueReader, startChat, writer, cfg.Session)
		slog.Info("websocket client connected", "sessionID", mgr.ID(), "remote", ws.RemoteAddr().String())

		if mtr := observability.DefaultMetrics; mtr != nil {
			mtr.SessionOpened()
			defer mtr.SessionClosed()
		}
		defer mgr.Close()
		defer writer.close()

		stopWatchdog := startIdleWatchdog(ws, mgr, cfg.IdleTimeout)
		defer stopWatchdog()

		ctx := c.Request.Context()
		for {
			_, data, err := ws.ReadMessage()
			if err != nil {
				slog.Info("websocket client disconnected", "sessionID", mgr.ID(), "error", err.Error())
				return
			}

			var env datatypes.Envelope
			if err := json.Unmarshal(data, &env); err != nil || env.Type == "" {
				slog.Warn("malformed frame envelope", "sessionID", mgr.ID(), "bytes", len(data))
				if mtr := observability.DefaultMetrics; mtr != nil {
					mtr.RecordError(datatypes.CodeBadFrame)
				}
				if writer.WriteFrame(datatypes.ErrorFrame(datatypes.CodeBadFrame,
					"frame must be a JSON envelope with a type field")) != nil {
					return
				}
				continue
			}

			if mtr := observability.DefaultMetrics; mtr != nil {
				mtr.RecordFrame(observability.DirectionInbound, env.Type)
			}
			mgr.HandleFrame(ctx, env)
		}
	}
}

// startIdleWatchdog closes the socket once the client stops sending frames
// for longer than idleTimeout. Closing the conn unblocks the read loop,
// which then tears the session down. Returns a stop func.
func startIdleWatchdog(ws *websocket.Conn, mgr *session.Manager, idleTimeout time.Duration) func() {
	if idleTimeout <= 0 {
		return func() {}
	}
	stop := make(chan struct{})
	go func() {
		interval := idleCheckInterval
		if interval > idleTimeout {
			interval = idleTimeout
		}
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-stop:
				return
			case <-ticker.C:
				if mgr.IdleFor() > idleTimeout {
					slog.Info("closing idle websocket", "sessionID", mgr.ID(), "idle", mgr.IdleFor().Round(time.Second))
					if mtr := observability.DefaultMetrics; mtr != nil {
						mtr.IdleClosesTotal.Inc()
					}
					ws.Close()
					return
				}
			}
		}
	}()
	var once sync.Once
	return func() { once.Do(func() { close(stop) }) }
}
