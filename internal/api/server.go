// Package api exposes the streaming protocol over HTTP: Start, Stream
// (SSE) and Cancel, plus conversation history, health and metrics.
package api

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/fathomlabs/relay/internal/conversation"
	"github.com/fathomlabs/relay/internal/execution"
	"github.com/fathomlabs/relay/internal/logger"
	"github.com/fathomlabs/relay/internal/metrics"
)

// Server is the HTTP surface of the relay
type Server struct {
	manager *execution.Manager
	store   *conversation.Store
	tick    time.Duration
	window  time.Duration
	limiter *RateLimiter
	httpSrv *http.Server
}

// Config holds the server's tunables
type Config struct {
	TickInterval time.Duration
	Window       time.Duration
	RateLimit    float64
	RateBurst    int
}

// NewServer creates the HTTP server
func NewServer(manager *execution.Manager, store *conversation.Store, cfg Config) *Server {
	if cfg.RateLimit <= 0 {
		cfg.RateLimit = 10
	}
	if cfg.RateBurst <= 0 {
		cfg.RateBurst = 20
	}
	return &Server{
		manager: manager,
		store:   store,
		tick:    cfg.TickInterval,
		window:  cfg.Window,
		limiter: NewRateLimiter(cfg.RateLimit, cfg.RateBurst),
	}
}

// Serve starts listening on addr. Blocks until Shutdown or failure.
func (s *Server) Serve(addr string) error {
	mux := http.NewServeMux()

	// Health and metrics endpoints skip the middleware stack
	mux.HandleFunc("GET /health", s.handleHealth)
	mux.HandleFunc("GET /ready", s.handleReady)
	mux.Handle("GET /metrics", metrics.Handler())

	apiMux := http.NewServeMux()
	apiMux.HandleFunc("POST /api/executions", s.handleStart)
	apiMux.HandleFunc("GET /api/executions/{id}/stream", s.handleStream)
	apiMux.HandleFunc("POST /api/executions/{id}/cancel", s.handleCancel)
	apiMux.HandleFunc("GET /api/conversations/{id}/messages", s.handleMessages)

	handler := s.loggingMiddleware(apiMux)
	handler = s.limiter.Middleware(handler)
	mux.Handle("/api/", metrics.Middleware(handler))

	s.httpSrv = &http.Server{
		Addr:    addr,
		Handler: mux,
	}

	logger.Info("🚀 Relay server listening on %s", addr)
	logger.Info("💚 Health check: http://localhost%s/health", addr)
	logger.Info("📊 Metrics: http://localhost%s/metrics", addr)

	err := s.httpSrv.ListenAndServe()
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

// Handler returns the full handler tree without binding a listener
// (used by tests)
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /health", s.handleHealth)
	mux.HandleFunc("GET /ready", s.handleReady)
	mux.Handle("GET /metrics", metrics.Handler())
	mux.HandleFunc("POST /api/executions", s.handleStart)
	mux.HandleFunc("GET /api/executions/{id}/stream", s.handleStream)
	mux.HandleFunc("POST /api/executions/{id}/cancel", s.handleCancel)
	mux.HandleFunc("GET /api/conversations/{id}/messages", s.handleMessages)
	return mux
}

// Shutdown stops the listener gracefully
func (s *Server) Shutdown(ctx context.Context) error {
	if s.httpSrv == nil {
		return nil
	}
	return s.httpSrv.Shutdown(ctx)
}

// loggingMiddleware tags each request with an id and access-logs it
func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requestID := r.Header.Get("X-Request-ID")
		if requestID == "" {
			requestID = generateRequestID()
		}
		w.Header().Set("X-Request-ID", requestID)
		r = r.WithContext(logger.WithRequestID(r.Context(), requestID))

		logger.Info("HTTP %s %s from %s [request_id=%s]", r.Method, r.URL.Path, r.RemoteAddr, requestID)
		next.ServeHTTP(w, r)
	})
}

func generateRequestID() string {
	b := make([]byte, 8)
	_, _ = rand.Read(b)
	return hex.EncodeToString(b)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte(`{"status":"ok"}`))
}

func (s *Server) handleReady(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")

	// The conversation store is the only external dependency
	if _, err := s.store.History(r.Context(), "readiness-probe"); err != nil && !errors.Is(err, conversation.ErrConversationNotFound) {
		w.WriteHeader(http.StatusServiceUnavailable)
		_, _ = w.Write([]byte(`{"status":"not ready","reason":"conversation store unavailable"}`))
		return
	}

	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte(`{"status":"ready"}`))
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
