// Copyright (C) 2025 PlaylistIQ (dev@playlistiq.io)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package observability provides Prometheus metrics for the gateway.
//
// Metrics cover the WebSocket connection population, framed message traffic,
// and streaming turn outcomes. They are exposed on /metrics and are all
// thread-safe via Prometheus's internal locking.
package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const metricsNamespace = "playlistiq"

const gatewaySubsystem = "gateway"

// GatewayMetrics holds all Prometheus metrics for the chat gateway.
// Initialize once at startup via InitMetrics().
type GatewayMetrics struct {
	// ActiveSessions tracks currently open WebSocket sessions.
	ActiveSessions prometheus.Gauge

	// FramesTotal counts frames by direction and type.
	// Labels: direction (inbound, outbound), type (INIT_CHAT, STREAM_CHUNK, ...)
	FramesTotal *prometheus.CounterVec

	// StreamTurnsTotal counts completed streaming turns by outcome.
	// Labels: status (success, error, timeout)
	StreamTurnsTotal *prometheus.CounterVec

	// StreamDurationSeconds measures wall-clock duration of a streaming turn.
	// Labels: status (success, error, timeout)
	StreamDurationSeconds *prometheus.HistogramVec

	// ChunksRelayedTotal counts STREAM_CHUNK frames relayed to clients.
	ChunksRelayedTotal prometheus.Counter

	// ErrorsTotal counts ERROR frames emitted, by client-visible code.
	// Labels: code (BAD_FRAME, BUSY, LLM_UNAVAILABLE, ...)
	ErrorsTotal *prometheus.CounterVec

	// IdleClosesTotal counts sockets closed by the idle watchdog.
	IdleClosesTotal prometheus.Counter
}

// DefaultMetrics is the singleton instance, set by InitMetrics(). Call sites
// nil-check it so tests can run without a registry.
var DefaultMetrics *GatewayMetrics

// InitMetrics creates and registers all gateway metrics on the default
// Prometheus registry. Call once at startup; a second call panics on
// duplicate registration.
func InitMetrics() *GatewayMetrics {
	DefaultMetrics = &GatewayMetrics{
		ActiveSessions: promauto.NewGauge(
			prometheus.GaugeOpts{
				Namespace: metricsNamespace,
				Subsystem: gatewaySubsystem,
				Name:      "active_sessions",
				Help:      "Number of currently open WebSocket sessions",
			},
		),

		FramesTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Subsystem: gatewaySubsystem,
				Name:      "frames_total",
				Help:      "Total frames handled by direction and type",
			},
			[]string{"direction", "type"},
		),

		StreamTurnsTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Subsystem: gatewaySubsystem,
				Name:      "stream_turns_total",
				Help:      "Total streaming turns by outcome",
			},
			[]string{"status"},
		),

		StreamDurationSeconds: promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: metricsNamespace,
				Subsystem: gatewaySubsystem,
				Name:      "stream_duration_seconds",
				Help:      "Wall-clock duration of one streaming turn",
				Buckets:   []float64{0.5, 1, 2.5, 5, 10, 30, 60, 120, 300},
			},
			[]string{"status"},
		),

		ChunksRelayedTotal: promauto.NewCounter(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Subsystem: gatewaySubsystem,
				Name:      "chunks_relayed_total",
				Help:      "Total STREAM_CHUNK frames relayed to clients",
			},
		),

		ErrorsTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Subsystem: gatewaySubsystem,
				Name:      "errors_total",
				Help:      "Total ERROR frames emitted by client-visible code",
			},
			[]string{"code"},
		),

		IdleClosesTotal: promauto.NewCounter(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Subsystem: gatewaySubsystem,
				Name:      "idle_closes_total",
				Help:      "Total sockets closed by the idle watchdog",
			},
		),
	}
	return DefaultMetrics
}

// =============================================================================
// Helper Methods
// =============================================================================

// Frame directions for FramesTotal.
const (
	DirectionInbound  = "inbound"
	DirectionOutbound = "outbound"
)

// Turn outcomes for StreamTurnsTotal and StreamDurationSeconds.
const (
	TurnSuccess = "success"
	TurnError   = "error"
	TurnTimeout = "timeout"
)

// SessionOpened increments the active session gauge.
func (m *GatewayMetrics) SessionOpened() { m.ActiveSessions.Inc() }

// SessionClosed decrements the active session gauge.
func (m *GatewayMetrics) SessionClosed() { m.ActiveSessions.Dec() }

// RecordFrame counts one frame in the given direction.
func (m *GatewayMetrics) RecordFrame(direction, frameType string) {
	m.FramesTotal.WithLabelValues(direction, frameType).Inc()
}

// RecordTurn records one finished streaming turn and its duration.
func (m *GatewayMetrics) RecordTurn(status string, seconds float64) {
	m.StreamTurnsTotal.WithLabelValues(status).Inc()
	m.StreamDurationSeconds.WithLabelValues(status).Observe(seconds)
}

// RecordError counts one ERROR frame by code.
func (m *GatewayMetrics) RecordError(code string) {
	m.ErrorsTotal.WithLabelValues(code).Inc()
}
