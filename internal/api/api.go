/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

// Package api exposes the HTTP surface: listener auth, session lifecycle,
// the stations directory and the WebSocket upgrade endpoint.
package api

import (
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"sort"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/httprate"
	"github.com/rs/zerolog"

	"github.com/friendsincode/bragi_sync/internal/auth"
	"github.com/friendsincode/bragi_sync/internal/directory"
	"github.com/friendsincode/bragi_sync/internal/logbuffer"
	"github.com/friendsincode/bragi_sync/internal/ratelimit"
	"github.com/friendsincode/bragi_sync/internal/session"
	"github.com/friendsincode/bragi_sync/internal/telemetry"
)

// floodLimit is the outer per-IP ceiling across all authenticated REST
// endpoints. The domain gates below it enforce the much tighter
// per-operation quotas.
const (
	floodLimit  = 120
	floodWindow = time.Minute
)

// API exposes HTTP handlers.
type API struct {
	jwtSecret  []byte
	tokenTTL   time.Duration
	users      *directory.Registry
	codes      *directory.CodeIndex
	sessions   *session.Service
	createGate *ratelimit.Gate
	joinGate   *ratelimit.Gate
	logBuffer  *logbuffer.Buffer
	logger     zerolog.Logger
}

// New creates the API router wrapper.
func New(jwtSecret []byte, tokenTTL time.Duration, users *directory.Registry, codes *directory.CodeIndex, sessions *session.Service, createGate, joinGate *ratelimit.Gate, logBuf *logbuffer.Buffer, logger zerolog.Logger) *API {
	return &API{
		jwtSecret:  jwtSecret,
		tokenTTL:   tokenTTL,
		users:      users,
		codes:      codes,
		sessions:   sessions,
		createGate: createGate,
		joinGate:   joinGate,
		logBuffer:  logBuf,
		logger:     logger.With().Str("component", "api").Logger(),
	}
}

// Routes mounts API routes on the provided router. The WebSocket endpoint
// sits at the root path and authenticates from the query string; everything
// else is plain REST.
func (a *API) Routes(r chi.Router) {
	r.Get("/", a.handleWebSocket)
	r.Get("/ws", a.handleWebSocket)
	r.Get("/health", a.handleHealth)
	r.Post("/auth", a.handleAuth)

	r.Group(func(pr chi.Router) {
		pr.Use(httprate.Limit(
			floodLimit,
			floodWindow,
			httprate.WithKeyFuncs(httprate.KeyByIP),
			httprate.WithLimitHandler(func(w http.ResponseWriter, r *http.Request) {
				w.Header().Set("Retry-After", "60")
				writeError(w, http.StatusTooManyRequests, "rate_limited")
			}),
		))
		pr.Use(auth.Middleware(a.jwtSecret))

		pr.Post("/sessions", a.handleSessionCreate)
		pr.Post("/sessions/join", a.handleSessionJoin)
		pr.Post("/sessions/join-by-id", a.handleSessionJoinByID)
		pr.Get("/sessions/{sessionID}", a.handleSessionGet)
		pr.Get("/stations", a.handleStations)

		pr.Route("/debug/logs", func(lr chi.Router) {
			lr.Get("/", a.handleSystemLogs)
			lr.Get("/components", a.handleLogComponents)
			lr.Get("/stats", a.handleLogStats)
		})
	})
}

func (a *API) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":   "ok",
		"sessions": a.sessions.Count(),
	})
}

type authRequest struct {
	SpotifyUserID string `json:"spotifyUserId"`
	DisplayName   string `json:"displayName"`
}

// handleAuth registers (or refreshes) a listener and hands back a signed
// token. There is no password step; identity is whatever Spotify account
// the companion client is logged into.
func (a *API) handleAuth(w http.ResponseWriter, r *http.Request) {
	var req authRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_input")
		return
	}
	userID := strings.TrimSpace(req.SpotifyUserID)
	if userID == "" {
		writeError(w, http.StatusBadRequest, "invalid_input")
		return
	}

	displayName := strings.TrimSpace(req.DisplayName)
	if displayName == "" {
		// A returning listener keeps their stored name; only first-timers
		// get the generated fallback.
		if existing, ok := a.users.Lookup(userID); ok && existing.DisplayName != "" {
			displayName = existing.DisplayName
		} else {
			displayName = defaultDisplayName(userID)
		}
	}

	user := a.users.Register(userID, displayName)
	token, err := auth.Issue(a.jwtSecret, auth.Claims{
		UserID:      user.UserID,
		DisplayName: user.DisplayName,
	}, a.tokenTTL)
	if err != nil {
		a.logger.Error().Err(err).Str("user_id", userID).Msg("token signing failed")
		writeError(w, http.StatusInternalServerError, "internal_error")
		return
	}

	writeJSON(w, http.StatusOK, map[string]string{"token": token})
}

// defaultDisplayName derives a handle for listeners who did not pick one.
func defaultDisplayName(userID string) string {
	short := userID
	if len(short) > 4 {
		short = short[:4]
	}
	return "listener-" + short
}

func (a *API) handleSessionCreate(w http.ResponseWriter, r *http.Request) {
	claims, ok := auth.ClaimsFromContext(r.Context())
	if !ok {
		writeError(w, http.StatusUnauthorized, "unauthorized")
		return
	}

	if !a.createGate.Allow(claims.UserID) {
		telemetry.RateLimitedTotal.WithLabelValues(a.createGate.Name()).Inc()
		writeError(w, http.StatusTooManyRequests, "rate_limited")
		return
	}

	sess, err := a.sessions.Create(claims.UserID)
	if err != nil {
		a.logger.Error().Err(err).Str("user_id", claims.UserID).Msg("session create failed")
		writeError(w, http.StatusServiceUnavailable, "no_free_codes")
		return
	}
	a.createGate.Record(claims.UserID)

	writeJSON(w, http.StatusCreated, map[string]string{
		"id":        sess.ID,
		"joinCode":  sess.JoinCode,
		"creatorId": sess.CreatorID,
		"djUserId":  sess.CreatorID,
	})
}

type joinRequest struct {
	Code      string `json:"code"`
	SessionID string `json:"sessionId"`
}

// handleSessionJoin resolves a 4-digit code to a session. Success reserves
// nothing; membership starts when the WebSocket connects.
func (a *API) handleSessionJoin(w http.ResponseWriter, r *http.Request) {
	claims, ok := auth.ClaimsFromContext(r.Context())
	if !ok {
		writeError(w, http.StatusUnauthorized, "unauthorized")
		return
	}

	var req joinRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || strings.TrimSpace(req.Code) == "" {
		writeError(w, http.StatusBadRequest, "invalid_input")
		return
	}

	ip := clientIP(r)
	if !a.joinGate.Allow(ip) {
		telemetry.RateLimitedTotal.WithLabelValues(a.joinGate.Name()).Inc()
		writeError(w, http.StatusTooManyRequests, "rate_limited")
		return
	}

	sessionID, ok, expired := a.codes.Resolve(strings.TrimSpace(req.Code))
	if expired {
		writeError(w, http.StatusGone, "code_expired")
		return
	}
	if !ok {
		writeError(w, http.StatusNotFound, "not_found")
		return
	}

	if err := a.sessions.CheckCapacity(sessionID, claims.UserID); err != nil {
		switch {
		case errors.Is(err, session.ErrSessionFull):
			writeError(w, http.StatusConflict, "session_full")
		default:
			writeError(w, http.StatusNotFound, "not_found")
		}
		return
	}

	desc, ok := a.sessions.Describe(sessionID)
	if !ok {
		writeError(w, http.StatusNotFound, "not_found")
		return
	}

	a.joinGate.Record(ip)
	writeJSON(w, http.StatusOK, a.joinResponse(desc))
}

// handleSessionJoinByID is the reconnect path: clients that already know
// their session skip the code lookup. No capacity gate here; rejoining
// members replace their old connection rather than taking a new seat.
func (a *API) handleSessionJoinByID(w http.ResponseWriter, r *http.Request) {
	var req joinRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || strings.TrimSpace(req.SessionID) == "" {
		writeError(w, http.StatusBadRequest, "invalid_input")
		return
	}

	desc, ok := a.sessions.Describe(strings.TrimSpace(req.SessionID))
	if !ok {
		writeError(w, http.StatusNotFound, "not_found")
		return
	}

	writeJSON(w, http.StatusOK, a.joinResponse(desc))
}

// joinResponse is the shared shape of both join endpoints. The member count
// is live socket membership, so a client joining over REST is not yet in it.
func (a *API) joinResponse(desc session.Description) map[string]any {
	djDisplayName := ""
	if dj, ok := a.users.Lookup(desc.DJUserID); ok {
		djDisplayName = dj.DisplayName
	}
	return map[string]any{
		"id":            desc.ID,
		"joinCode":      desc.JoinCode,
		"djUserId":      desc.DJUserID,
		"djDisplayName": djDisplayName,
		"memberCount":   desc.MemberCount,
	}
}

func (a *API) handleSessionGet(w http.ResponseWriter, r *http.Request) {
	desc, ok := a.sessions.Describe(chi.URLParam(r, "sessionID"))
	if !ok {
		writeError(w, http.StatusNotFound, "not_found")
		return
	}
	writeJSON(w, http.StatusOK, desc)
}

type stationEntry struct {
	UserID       string         `json:"userId"`
	DisplayName  string         `json:"displayName"`
	Frequency    float64        `json:"frequency"`
	SessionID    string         `json:"sessionId"`
	CurrentTrack *session.Track `json:"currentTrack"`
}

// handleStations lists browsable sessions keyed by their DJ, enriched with
// the DJ's dial frequency and display name from the directory. Sessions
// that are neither playing nor holding a queue are not stations.
func (a *API) handleStations(w http.ResponseWriter, r *http.Request) {
	infos := a.sessions.Stations()

	stations := make([]stationEntry, 0, len(infos))
	for _, info := range infos {
		entry := stationEntry{
			UserID:       info.DJUserID,
			SessionID:    info.SessionID,
			CurrentTrack: info.CurrentTrack,
		}
		if user, ok := a.users.Lookup(info.DJUserID); ok {
			entry.DisplayName = user.DisplayName
			entry.Frequency = user.Frequency
		}
		stations = append(stations, entry)
	}
	sort.Slice(stations, func(i, j int) bool {
		if stations[i].Frequency != stations[j].Frequency {
			return stations[i].Frequency < stations[j].Frequency
		}
		return stations[i].SessionID < stations[j].SessionID
	})

	writeJSON(w, http.StatusOK, map[string]any{"stations": stations})
}

// clientIP keys the join gate. RealIP middleware has already rewritten
// RemoteAddr from forwarding headers when present.
func clientIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, code string) {
	writeJSON(w, status, map[string]string{"error": code})
}
