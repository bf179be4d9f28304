/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

package telemetry

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// APIRequestsTotal counts HTTP requests by method, route and status.
	APIRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "bragi_api_requests_total",
		Help: "Total number of HTTP requests",
	}, []string{"method", "endpoint", "status"})

	// APIRequestDuration tracks HTTP request latency.
	APIRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "bragi_api_request_duration_seconds",
		Help:    "HTTP request duration",
		Buckets: []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5},
	}, []string{"method", "endpoint", "status"})

	// APIActiveConnections tracks in-flight HTTP requests.
	APIActiveConnections = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "bragi_api_active_connections",
		Help: "Number of in-flight HTTP requests",
	})

	// WSConnectionsActive tracks connected WebSocket members.
	WSConnectionsActive = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "bragi_ws_connections_active",
		Help: "Number of open WebSocket member connections",
	})

	// WSMessagesTotal counts WebSocket frames by direction and type.
	WSMessagesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "bragi_ws_messages_total",
		Help: "Total number of WebSocket frames by direction and message type",
	}, []string{"direction", "type"})

	// SessionsActive tracks live listening sessions.
	SessionsActive = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "bragi_sessions_active",
		Help: "Number of live listening sessions",
	})

	// MembersConnected tracks members across all sessions.
	MembersConnected = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "bragi_members_connected",
		Help: "Number of members across all sessions",
	})

	// SessionsCreatedTotal counts session creations.
	SessionsCreatedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "bragi_sessions_created_total",
		Help: "Total number of sessions created",
	})

	// SessionsDestroyedTotal counts session teardowns by reason.
	SessionsDestroyedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "bragi_sessions_destroyed_total",
		Help: "Total number of sessions destroyed by reason",
	}, []string{"reason"})

	// TrackAdvancesTotal counts queue advancement by trigger.
	TrackAdvancesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "bragi_track_advances_total",
		Help: "Total number of track advancements by trigger",
	}, []string{"trigger"})

	// RateLimitedTotal counts admissions rejected by the domain gates.
	RateLimitedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "bragi_rate_limited_total",
		Help: "Total number of requests rejected by an admission gate",
	}, []string{"gate"})
)

// Handler exposes the metrics endpoint.
func Handler() http.Handler {
	return promhttp.Handler()
}
