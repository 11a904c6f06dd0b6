package ws

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/edcompanion/engine/internal/config"
	xlog "github.com/edcompanion/engine/internal/log"
	"github.com/edcompanion/engine/internal/race"
	"github.com/edcompanion/engine/internal/records"
	"github.com/edcompanion/engine/internal/state"
)

// RaceController restarts the loaded race. monitor.Monitor implements it.
type RaceController interface {
	ResetRace() error
}

// RecordSource exposes stored race records. records.Tracker implements it.
type RecordSource interface {
	Records() *records.Records
}

type Server struct {
	store          *state.Store
	broadcaster    *Broadcaster
	races          RaceController
	library        *race.Library
	metrics        http.Handler
	records        RecordSource
	allowedOrigins map[string]bool
	allowedHosts   map[string]bool
	authToken      string
	logger         zerolog.Logger
}

// NewServer wires the HTTP surface. races, library and metricsHandler may
// be nil; their endpoints then answer 404.
func NewServer(cfg config.ServerConfig, store *state.Store, broadcaster *Broadcaster, races RaceController, library *race.Library, metricsHandler http.Handler) *Server {
	s := &Server{
		store:          store,
		broadcaster:    broadcaster,
		races:          races,
		library:        library,
		metrics:        metricsHandler,
		allowedOrigins: make(map[string]bool),
		allowedHosts:   make(map[string]bool),
		authToken:      cfg.AuthToken,
		logger:         xlog.WithComponent("http"),
	}

	for _, origin := range cfg.AllowedOrigins {
		trimmed := strings.TrimSpace(origin)
		if trimmed == "" {
			continue
		}
		s.allowedOrigins[trimmed] = true
		if parsed, err := url.Parse(trimmed); err == nil && parsed.Host != "" {
			s.allowedHosts[parsed.Host] = true
		}
	}

	return s
}

// SetRecords configures the source for /api/records. Must be called
// before Router.
func (s *Server) SetRecords(src RecordSource) {
	s.records = src
}

func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(chimw.RequestID)
	r.Use(chimw.Recoverer)
	r.Use(securityHeaders)
	r.Use(s.logRequests)

	r.Get("/healthz", s.handleHealthz)
	if s.metrics != nil {
		r.Handle("/metrics", s.metrics)
	}

	r.Group(func(r chi.Router) {
		r.Use(s.requireAuth)
		r.Get("/ws", s.handleWS)
		r.Route("/api", func(r chi.Router) {
			r.Get("/snapshot", s.handleSnapshot)
			r.Get("/race", s.handleRace)
			r.Post("/race/reset", s.handleRaceReset)
			r.Get("/route", s.handleRoute)
			r.Get("/explore", s.handleExplore)
			r.Get("/races", s.handleRaceList)
			r.Get("/races/{slug}", s.handleRaceDefinition)
			r.Get("/records", s.handleRecords)
		})
	})
	return r
}

func securityHeaders(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		h := w.Header()
		h.Set("X-Content-Type-Options", "nosniff")
		h.Set("X-Frame-Options", "DENY")
		h.Set("X-XSS-Protection", "1; mode=block")
		h.Set("Content-Security-Policy", "default-src 'self'")
		next.ServeHTTP(w, r)
	})
}

func (s *Server) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := chimw.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		s.logger.Debug().
			Str("event", "http.request").
			Str("request_id", chimw.GetReqID(r.Context())).
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Int("status", ww.Status()).
			Dur("duration", time.Since(start)).
			Msg("request")
	})
}

func (s *Server) requireAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !s.authorize(r) {
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	upgrader := websocket.Upgrader{
		CheckOrigin: s.checkOrigin,
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Debug().Err(err).Str("event", "ws.upgrade_failed").Msg("ws upgrade error")
		return
	}

	c, err := s.broadcaster.AddClient(conn)
	if err != nil {
		s.logger.Warn().Err(err).Str("event", "ws.rejected").Str("remote", r.RemoteAddr).Msg("websocket client rejected")
		msg := websocket.FormatCloseMessage(websocket.CloseTryAgainLater, err.Error())
		conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second))
		conn.Close()
		return
	}
	s.logger.Info().Str("event", "ws.connected").Str("remote", r.RemoteAddr).Msg("websocket client connected")

	go func() {
		defer func() {
			s.broadcaster.RemoveClient(c)
			s.logger.Info().Str("event", "ws.disconnected").Str("remote", r.RemoteAddr).Msg("websocket client disconnected")
		}()
		conn.SetReadLimit(4096)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()
}

func (s *Server) handleHealthz(w http.ResponseWriter, _ *http.Request) {
	snap := s.store.Get()
	overall := state.StatusHealthy
	for _, h := range snap.Health {
		switch h.Status {
		case state.StatusFailed:
			overall = state.StatusFailed
		case state.StatusDegraded:
			if overall == state.StatusHealthy {
				overall = state.StatusDegraded
			}
		}
	}

	code := http.StatusOK
	if overall == state.StatusFailed {
		code = http.StatusServiceUnavailable
	}
	writeJSON(w, code, map[string]any{
		"status":     overall,
		"seq":        snap.Seq,
		"components": snap.Health,
	})
}

func (s *Server) handleSnapshot(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.store.Get())
}

func (s *Server) handleRace(w http.ResponseWriter, _ *http.Request) {
	snap := s.store.Get()
	if snap.Race == nil {
		http.Error(w, "no race loaded", http.StatusNotFound)
		return
	}
	writeJSON(w, http.StatusOK, snap.Race)
}

func (s *Server) handleRaceReset(w http.ResponseWriter, _ *http.Request) {
	if s.races == nil {
		http.Error(w, "no race loaded", http.StatusNotFound)
		return
	}
	if err := s.races.ResetRace(); err != nil {
		http.Error(w, fmt.Sprintf("reset failed: %v", err), http.StatusConflict)
		return
	}
	w.WriteHeader(http.StatusAccepted)
}

func (s *Server) handleRoute(w http.ResponseWriter, _ *http.Request) {
	snap := s.store.Get()
	if snap.Route == nil {
		http.Error(w, "no route yet", http.StatusNotFound)
		return
	}
	writeJSON(w, http.StatusOK, snap.Route)
}

func (s *Server) handleExplore(w http.ResponseWriter, _ *http.Request) {
	snap := s.store.Get()
	if snap.Explore == nil {
		http.Error(w, "no exploration data yet", http.StatusNotFound)
		return
	}
	writeJSON(w, http.StatusOK, snap.Explore)
}

func (s *Server) handleRaceList(w http.ResponseWriter, _ *http.Request) {
	if s.library == nil {
		http.Error(w, "race library not configured", http.StatusNotFound)
		return
	}
	entries, err := s.library.List()
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	if entries == nil {
		entries = []race.Entry{}
	}
	writeJSON(w, http.StatusOK, entries)
}

func (s *Server) handleRaceDefinition(w http.ResponseWriter, r *http.Request) {
	if s.library == nil {
		http.Error(w, "race library not configured", http.StatusNotFound)
		return
	}
	def, err := s.library.Load(chi.URLParam(r, "slug"))
	if err != nil {
		if errors.Is(err, race.ErrNotFound) {
			http.Error(w, "race not found", http.StatusNotFound)
			return
		}
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, def)
}

func (s *Server) handleRecords(w http.ResponseWriter, _ *http.Request) {
	if s.records == nil {
		http.Error(w, "records not available", http.StatusServiceUnavailable)
		return
	}
	writeJSON(w, http.StatusOK, s.records.Records())
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v)
}

func (s *Server) authorize(r *http.Request) bool {
	if s.authToken == "" {
		return true
	}

	if r.URL.Query().Get("token") == s.authToken {
		return true
	}

	if r.Header.Get("X-EDCompanion-Token") == s.authToken {
		return true
	}

	auth := r.Header.Get("Authorization")
	if strings.HasPrefix(auth, "Bearer ") && strings.TrimPrefix(auth, "Bearer ") == s.authToken {
		return true
	}

	return false
}

func (s *Server) checkOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}

	if len(s.allowedOrigins) > 0 {
		if s.allowedOrigins[origin] {
			return true
		}
		if parsed, err := url.Parse(origin); err == nil && parsed.Host != "" {
			return s.allowedHosts[parsed.Host]
		}
		return false
	}

	parsed, err := url.Parse(origin)
	if err != nil || parsed.Host == "" {
		return false
	}
	host := parsed.Host
	if host == r.Host {
		return true
	}
	switch parsed.Hostname() {
	case "localhost", "127.0.0.1", "::1":
		return true
	}
	return false
}
