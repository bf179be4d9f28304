/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	ws "nhooyr.io/websocket"

	"github.com/friendsincode/bragi_sync/internal/auth"
	"github.com/friendsincode/bragi_sync/internal/session"
	"github.com/friendsincode/bragi_sync/internal/telemetry"
)

// handleWebSocket upgrades a member's socket and runs its read loop until
// the peer goes away. Credentials ride in the query string because browser
// WebSocket clients cannot set an Authorization header on the upgrade.
// Everything that can be rejected before the upgrade is rejected with a
// plain HTTP status; only post-accept failures use protocol close codes.
func (a *API) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	token := r.URL.Query().Get("token")
	sessionID := r.URL.Query().Get("sessionId")

	claims, err := auth.Parse(a.jwtSecret, token)
	if err != nil {
		writeError(w, http.StatusUnauthorized, "unauthorized")
		return
	}
	if sessionID == "" {
		writeError(w, http.StatusBadRequest, "invalid_input")
		return
	}
	if _, ok := a.sessions.Describe(sessionID); !ok {
		writeError(w, http.StatusNotFound, "not_found")
		return
	}

	wsConn, err := ws.Accept(w, r, &ws.AcceptOptions{
		InsecureSkipVerify: true,
	})
	if err != nil {
		a.logger.Debug().Err(err).Str("session_id", sessionID).Msg("websocket accept failed")
		return
	}
	wsConn.SetReadLimit(session.ReadLimit)

	conn := session.NewConn(wsConn, claims.UserID, a.logger)
	if err := a.sessions.Join(sessionID, claims.UserID, claims.DisplayName, conn); err != nil {
		// The session can vanish or fill up between the pre-upgrade check
		// and admission; those races surface as close codes.
		switch {
		case errors.Is(err, session.ErrSessionFull):
			conn.Close(session.CloseSessionFull, "session-full")
		case errors.Is(err, session.ErrSessionNotFound):
			conn.Close(session.CloseNotFound, "session-not-found")
		default:
			conn.Close(ws.StatusInternalError, "join failed")
		}
		return
	}

	telemetry.WSConnectionsActive.Inc()
	defer telemetry.WSConnectionsActive.Dec()

	ctx := r.Context()
	go a.pingLoop(ctx, conn)

	defer func() {
		a.sessions.Leave(sessionID, claims.UserID, conn)
		conn.Close(ws.StatusNormalClosure, "")
	}()

	for {
		_, data, err := wsConn.Read(ctx)
		if err != nil {
			if ws.CloseStatus(err) == ws.StatusNormalClosure {
				return
			}
			a.logger.Debug().Err(err).
				Str("session_id", sessionID).
				Str("user_id", claims.UserID).
				Msg("websocket read ended")
			return
		}

		var env session.Envelope
		if err := json.Unmarshal(data, &env); err != nil || env.Type == "" {
			telemetry.WSMessagesTotal.WithLabelValues("in", "malformed").Inc()
			a.logger.Debug().
				Str("session_id", sessionID).
				Str("user_id", claims.UserID).
				Int("bytes", len(data)).
				Msg("malformed frame dropped")
			continue
		}

		telemetry.WSMessagesTotal.WithLabelValues("in", inboundMetricType(env.Type)).Inc()
		a.sessions.HandleMessage(sessionID, claims.UserID, env)
	}
}

// pingLoop probes the peer on a fixed cadence and tears the connection down
// when a pong stops coming back. It exits with the connection.
func (a *API) pingLoop(ctx context.Context, conn *session.Conn) {
	ticker := time.NewTicker(session.PingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-conn.Done():
			return
		case <-ticker.C:
			pctx, cancel := context.WithTimeout(ctx, session.PingTimeout)
			err := conn.Ping(pctx)
			cancel()
			if err != nil {
				conn.Close(ws.StatusPolicyViolation, "ping-timeout")
				return
			}
		}
	}
}

// inboundMetricType keeps the message-type metric label bounded; clients
// pick the type string, so everything unrecognized collapses to one value.
func inboundMetricType(t string) string {
	switch t {
	case session.MsgPlayPrepare, session.MsgPlayCommit, session.MsgPause,
		session.MsgResume, session.MsgSeek, session.MsgSkip,
		session.MsgAddToQueue, session.MsgRemoveFromQueue,
		session.MsgDriftReport, session.MsgPing, session.MsgRequestSync:
		return t
	default:
		return "unknown"
	}
}
