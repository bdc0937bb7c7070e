// Package api exposes health, metrics and read-only session inspection over
// HTTP, plus a manual trigger for the expiry sweep.
package api

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"runtime"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"chunkrelay/internal/logger"
	"chunkrelay/internal/session"
	"chunkrelay/internal/sweeper"
	"chunkrelay/pkg/interfaces"
	"chunkrelay/pkg/types"
)

// Sweeper is the part of sweeper.Sweeper the API drives.
type Sweeper interface {
	RunOnce(ctx context.Context) (session.ExpiryReport, error)
	Status() sweeper.Status
}

// Counter reports a size, such as live connections or cache entries.
type Counter interface {
	Count() int
}

// CounterFunc adapts a function to Counter.
type CounterFunc func() int

func (f CounterFunc) Count() int { return f() }

// Deps are the components the server reads from.
type Deps struct {
	Store       interfaces.Store
	Sweeper     Sweeper
	Connections Counter
	CacheSize   Counter
	// Token guards /api routes. Empty disables the check.
	Token string
}

type Server struct {
	deps    Deps
	router  *http.ServeMux
	started time.Time
}

func NewServer(deps Deps) *Server {
	s := &Server{
		deps:    deps,
		router:  http.NewServeMux(),
		started: time.Now(),
	}
	s.setupRoutes()
	return s
}

func (s *Server) setupRoutes() {
	api := func(h http.HandlerFunc) http.Handler {
		return s.corsMiddleware(s.jsonMiddleware(s.authMiddleware(h)))
	}

	s.router.Handle("GET /health", s.corsMiddleware(s.jsonMiddleware(http.HandlerFunc(s.healthCheck))))
	s.router.Handle("GET /metrics", promhttp.Handler())
	s.router.Handle("GET /api/sessions/{id}", api(s.getSession))
	s.router.Handle("GET /api/users/{id}/session", api(s.getUserSession))
	s.router.Handle("POST /api/sweep", api(s.runSweep))
	s.router.Handle("GET /api/sweeper", api(s.sweeperStatus))
	s.router.Handle("OPTIONS /", s.corsMiddleware(http.NotFoundHandler()))
}

// Mount adds a handler outside the API middleware, e.g. the gateway and file
// routes.
func (s *Server) Mount(pattern string, handler http.Handler) {
	s.router.Handle(pattern, handler)
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

type SessionResponse struct {
	Session *types.Session `json:"session"`
	Chunks  []types.Chunk  `json:"chunks"`
}

type UserSessionResponse struct {
	UserID    string `json:"user_id"`
	SessionID string `json:"session_id"`
}

type SweepResponse struct {
	Report session.ExpiryReport `json:"report"`
	Error  string               `json:"error,omitempty"`
}

type HealthResponse struct {
	Status      string                 `json:"status"`
	Timestamp   time.Time              `json:"timestamp"`
	Database    string                 `json:"database"`
	Connections int                    `json:"connections"`
	CacheSize   int                    `json:"cache_entries"`
	System      map[string]interface{} `json:"system"`
}

type ErrorResponse struct {
	Error   string `json:"error"`
	Code    int    `json:"code"`
	Message string `json:"message"`
}

// GET /api/sessions/{id}
func (s *Server) getSession(w http.ResponseWriter, r *http.Request) {
	sessionID := r.PathValue("id")

	sess, err := s.deps.Store.GetSession(r.Context(), sessionID)
	if err != nil {
		if errors.Is(err, interfaces.ErrSessionNotFound) {
			s.sendError(w, "Session not found", http.StatusNotFound)
			return
		}
		logger.Ctx(r.Context()).Error().Err(err).Str("session_id", sessionID).Msg("failed to get session")
		s.sendError(w, "Failed to get session", http.StatusInternalServerError)
		return
	}

	chunks, err := s.deps.Store.GetSessionChunks(r.Context(), sessionID)
	if err != nil {
		logger.Ctx(r.Context()).Error().Err(err).Str("session_id", sessionID).Msg("failed to get chunks")
		s.sendError(w, "Failed to get chunks", http.StatusInternalServerError)
		return
	}

	_ = json.NewEncoder(w).Encode(SessionResponse{Session: sess, Chunks: chunks})
}

// GET /api/users/{id}/session
func (s *Server) getUserSession(w http.ResponseWriter, r *http.Request) {
	userID := r.PathValue("id")
	if !types.IsValidUserID(userID) {
		s.sendError(w, "Invalid user ID", http.StatusBadRequest)
		return
	}

	sessionID, err := s.deps.Store.GetUserSession(r.Context(), userID)
	if err != nil {
		if errors.Is(err, interfaces.ErrSessionNotFound) {
			s.sendError(w, "No open session", http.StatusNotFound)
			return
		}
		s.sendError(w, "Failed to get user session", http.StatusInternalServerError)
		return
	}

	_ = json.NewEncoder(w).Encode(UserSessionResponse{UserID: userID, SessionID: sessionID})
}

// POST /api/sweep runs one expiry pass now. Partial failures still return
// the report, with status 500.
func (s *Server) runSweep(w http.ResponseWriter, r *http.Request) {
	if s.deps.Sweeper == nil {
		s.sendError(w, "Sweeper not configured", http.StatusServiceUnavailable)
		return
	}

	report, err := s.deps.Sweeper.RunOnce(r.Context())
	resp := SweepResponse{Report: report}
	if err != nil {
		resp.Error = err.Error()
		w.WriteHeader(http.StatusInternalServerError)
	}
	_ = json.NewEncoder(w).Encode(resp)
}

// GET /api/sweeper
func (s *Server) sweeperStatus(w http.ResponseWriter, r *http.Request) {
	if s.deps.Sweeper == nil {
		s.sendError(w, "Sweeper not configured", http.StatusServiceUnavailable)
		return
	}
	_ = json.NewEncoder(w).Encode(s.deps.Sweeper.Status())
}

// GET /health
func (s *Server) healthCheck(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	status := "healthy"
	dbStatus := "healthy"
	if err := s.deps.Store.HealthCheck(ctx); err != nil {
		status = "unhealthy"
		dbStatus = fmt.Sprintf("error: %v", err)
	}

	response := HealthResponse{
		Status:    status,
		Timestamp: time.Now(),
		Database:  dbStatus,
		System: map[string]interface{}{
			"goroutines": runtime.NumGoroutine(),
			"uptime":     time.Since(s.started).Round(time.Second).String(),
		},
	}
	if s.deps.Connections != nil {
		response.Connections = s.deps.Connections.Count()
	}
	if s.deps.CacheSize != nil {
		response.CacheSize = s.deps.CacheSize.Count()
	}

	if status == "unhealthy" {
		w.WriteHeader(http.StatusServiceUnavailable)
	} else {
		w.WriteHeader(http.StatusOK)
	}
	_ = json.NewEncoder(w).Encode(response)
}

func (s *Server) sendError(w http.ResponseWriter, message string, code int) {
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(ErrorResponse{
		Error:   http.StatusText(code),
		Code:    code,
		Message: message,
	})
}

func (s *Server) corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")
		w.Header().Set("Access-Control-Max-Age", "86400")

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusOK)
			return
		}

		next.ServeHTTP(w, r)
	})
}

func (s *Server) jsonMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		next.ServeHTTP(w, r)
	})
}

func (s *Server) authMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.deps.Token != "" {
			token, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer ")
			if !ok || subtle.ConstantTimeCompare([]byte(token), []byte(s.deps.Token)) != 1 {
				s.sendError(w, "Missing or invalid bearer token", http.StatusUnauthorized)
				return
			}
		}
		next.ServeHTTP(w, r)
	})
}
