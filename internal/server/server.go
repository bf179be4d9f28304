/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

// Package server assembles the HTTP stack: router, middleware, the session
// coordinator and its periodic sweepers.
package server

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog"

	"github.com/friendsincode/bragi_sync/internal/api"
	"github.com/friendsincode/bragi_sync/internal/config"
	"github.com/friendsincode/bragi_sync/internal/directory"
	"github.com/friendsincode/bragi_sync/internal/events"
	"github.com/friendsincode/bragi_sync/internal/logbuffer"
	"github.com/friendsincode/bragi_sync/internal/ratelimit"
	"github.com/friendsincode/bragi_sync/internal/session"
	"github.com/friendsincode/bragi_sync/internal/telemetry"
	"github.com/friendsincode/bragi_sync/internal/version"
)

const (
	idleSweepInterval        = 15 * time.Second
	maintenanceSweepInterval = 5 * time.Minute
)

// Server bundles HTTP and supporting services.
type Server struct {
	cfg        *config.Config
	logger     zerolog.Logger
	router     chi.Router
	httpServer *http.Server
	closers    []func() error

	logBuffer  *logbuffer.Buffer
	bus        *events.Bus
	users      *directory.Registry
	codes      *directory.CodeIndex
	sessions   *session.Service
	createGate *ratelimit.Gate
	joinGate   *ratelimit.Gate
	api        *api.API
	updates    *version.Checker

	bgCancel context.CancelFunc
	bgWG     sync.WaitGroup
}

// New constructs the server and wires dependencies. All state is in-process;
// nothing here opens a database or external connection.
func New(cfg *config.Config, logBuf *logbuffer.Buffer, logger zerolog.Logger) *Server {
	router := chi.NewRouter()

	router.Use(middleware.RequestID)
	router.Use(middleware.RealIP)
	router.Use(middleware.Logger)
	router.Use(middleware.Recoverer)
	router.Use(securityHeadersMiddleware)
	router.Use(telemetry.TracingMiddleware("bragi-sync-api"))
	router.Use(telemetry.MetricsMiddleware)
	// WebSocket connections live for the whole listening party, so the
	// request timeout only wraps plain REST calls.
	router.Use(func(next http.Handler) http.Handler {
		timeout := middleware.Timeout(60 * time.Second)
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if r.Header.Get("Upgrade") == "websocket" {
				next.ServeHTTP(w, r)
				return
			}
			timeout(next).ServeHTTP(w, r)
		})
	})

	srv := &Server{
		cfg:       cfg,
		logger:    logger,
		router:    router,
		bus:       events.NewBus(),
		logBuffer: logBuf,
	}

	srv.initDependencies()
	srv.configureRoutes()
	srv.startBackgroundWorkers()

	addr := fmt.Sprintf("%s:%d", cfg.HTTPBind, cfg.HTTPPort)
	srv.httpServer = &http.Server{
		Addr:    addr,
		Handler: srv.router,
		// Keep the header deadline against slowloris; read and write
		// deadlines stay off because long-lived sockets manage their own.
		ReadHeaderTimeout: 15 * time.Second,
		ReadTimeout:       0,
		WriteTimeout:      0,
		IdleTimeout:       60 * time.Second,
	}

	return srv
}

func securityHeadersMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("X-Content-Type-Options", "nosniff")
		w.Header().Set("Referrer-Policy", "strict-origin-when-cross-origin")
		w.Header().Set("X-Frame-Options", "DENY")
		// Pure JSON/WebSocket API; nothing here is ever a document origin.
		w.Header().Set("Content-Security-Policy", "default-src 'none'; frame-ancestors 'none'; base-uri 'self'")

		// Only advertise HSTS for requests served over HTTPS.
		if r.TLS != nil || r.Header.Get("X-Forwarded-Proto") == "https" {
			w.Header().Set("Strict-Transport-Security", "max-age=31536000; includeSubDomains")
		}

		next.ServeHTTP(w, r)
	})
}

func (s *Server) initDependencies() {
	s.users = directory.NewRegistry(s.logger)
	s.codes = directory.NewCodeIndex(s.cfg.JoinCodeTTL)

	s.sessions = session.NewService(session.Config{
		Capacity:     s.cfg.SessionCapacity,
		IdleTTL:      s.cfg.SessionIdleTTL,
		DestroyGrace: s.cfg.DestroyGrace,
	}, s.codes, s.bus, s.logger)
	s.DeferClose(func() error {
		s.sessions.Shutdown()
		return nil
	})

	s.createGate = ratelimit.NewGate("session-create", s.cfg.CreateLimitPerHour, time.Hour)
	s.joinGate = ratelimit.NewGate("session-join", s.cfg.JoinLimitPerMinute, time.Minute)

	s.api = api.New(
		[]byte(s.cfg.JWTSecret),
		s.cfg.TokenTTL,
		s.users,
		s.codes,
		s.sessions,
		s.createGate,
		s.joinGate,
		s.logBuffer,
		s.logger,
	)

	if s.cfg.UpdateCheckEnabled {
		s.updates = version.NewChecker(s.logger)
	}
}

// HTTPServer exposes the underlying net/http server.
func (s *Server) HTTPServer() *http.Server {
	return s.httpServer
}

// Sessions exposes the session service, used by integration tests.
func (s *Server) Sessions() *session.Service {
	return s.sessions
}

// Close releases owned resources in reverse order.
func (s *Server) Close() error {
	s.stopBackgroundWorkers()
	var firstErr error
	for i := len(s.closers) - 1; i >= 0; i-- {
		if err := s.closers[i](); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// DeferClose registers a cleanup hook.
func (s *Server) DeferClose(fn func() error) {
	s.closers = append(s.closers, fn)
}

func (s *Server) startBackgroundWorkers() {
	ctx, cancel := context.WithCancel(context.Background())
	s.bgCancel = cancel

	// Idle sessions die on a sweep, not on their own timer, so the sweep
	// cadence bounds how far past the TTL a dead session can linger.
	s.bgWG.Add(1)
	go func() {
		defer s.bgWG.Done()
		ticker := time.NewTicker(idleSweepInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if n := s.sessions.SweepIdle(); n > 0 {
					s.logger.Info().Int("sessions", n).Msg("idle sessions swept")
				}
			}
		}
	}()

	s.bgWG.Add(1)
	go func() {
		defer s.bgWG.Done()
		ticker := time.NewTicker(maintenanceSweepInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				s.codes.Sweep()
				s.createGate.Sweep()
				s.joinGate.Sweep()
			}
		}
	}()

	s.bgWG.Add(1)
	go func() {
		defer s.bgWG.Done()
		s.runEventLogger(ctx)
	}()

	if s.updates != nil {
		s.bgWG.Add(1)
		go func() {
			defer s.bgWG.Done()
			s.updates.Run(ctx)
		}()
	}
}

// runEventLogger mirrors every bus event into the debug log so operators
// can follow session churn from /debug/logs without raising log levels.
func (s *Server) runEventLogger(ctx context.Context) {
	created := s.bus.Subscribe(events.EventSessionCreated)
	destroyed := s.bus.Subscribe(events.EventSessionDestroyed)
	joined := s.bus.Subscribe(events.EventMemberJoined)
	left := s.bus.Subscribe(events.EventMemberLeft)
	djChanged := s.bus.Subscribe(events.EventDJChanged)
	advanced := s.bus.Subscribe(events.EventTrackAdvanced)

	defer func() {
		s.bus.Unsubscribe(events.EventSessionCreated, created)
		s.bus.Unsubscribe(events.EventSessionDestroyed, destroyed)
		s.bus.Unsubscribe(events.EventMemberJoined, joined)
		s.bus.Unsubscribe(events.EventMemberLeft, left)
		s.bus.Unsubscribe(events.EventDJChanged, djChanged)
		s.bus.Unsubscribe(events.EventTrackAdvanced, advanced)
	}()

	for {
		select {
		case <-ctx.Done():
			return
		case p := <-created:
			s.logEvent(events.EventSessionCreated, p)
		case p := <-destroyed:
			s.logEvent(events.EventSessionDestroyed, p)
		case p := <-joined:
			s.logEvent(events.EventMemberJoined, p)
		case p := <-left:
			s.logEvent(events.EventMemberLeft, p)
		case p := <-djChanged:
			s.logEvent(events.EventDJChanged, p)
		case p := <-advanced:
			s.logEvent(events.EventTrackAdvanced, p)
		}
	}
}

func (s *Server) logEvent(et events.EventType, payload events.Payload) {
	entry := s.logger.Debug().Str("event", string(et))
	if sid, ok := payload["session_id"].(string); ok {
		entry = entry.Str("session_id", sid)
	}
	if uid, ok := payload["user_id"].(string); ok {
		entry = entry.Str("user_id", uid)
	}
	entry.Msg("bus event")
}

func (s *Server) stopBackgroundWorkers() {
	if s.bgCancel == nil {
		return
	}
	s.bgCancel()
	s.bgWG.Wait()
	s.bgCancel = nil
}

func (s *Server) configureRoutes() {
	// Liveness probe for orchestrators; the richer /health endpoint with
	// the session count lives in the API package.
	s.router.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"status":"ok"}`))
	})

	s.router.Handle("/metrics", telemetry.Handler())

	s.api.Routes(s.router)
}
