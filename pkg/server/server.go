// Package server provides the HTTP API for dqgraph.
//
// Endpoints:
//
//	POST   /dq/flags                   raise a flag on an entity
//	GET    /dq/flags?label=            list flags
//	POST   /dq/flags/{id}/attachments  attach a node to a flag
//	GET    /dq/flags/{id}/attachments  list the attachments of a flag
//	POST   /dq/flags/delete            batch delete flags
//	POST   /dq/entities/flags/delete   batch delete the flags of entities
//	GET    /dq/entities/{id}/flags     list the flags of an entity
//	POST   /dq/classes                 find or create a class
//	GET    /dq/classes?label=          list classes
//	DELETE /dq/classes/{label}         delete a class and its flags
//	GET    /dq/statistics?class=       flag counts of a class
//	POST   /db/nodes                   create an entity node
//	GET    /health, /status, /metrics
//
// When a username is configured every endpoint except /health and /metrics
// requires HTTP basic auth checked against a bcrypt hash.
package server

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net"
	"net/http"
	"runtime"
	"sync"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/crypto/bcrypt"

	"github.com/orneryd/dqgraph/pkg/dq"
	"github.com/orneryd/dqgraph/pkg/pool"
)

// Errors for HTTP operations.
var (
	ErrServerClosed  = errors.New("server closed")
	ErrUnauthorized  = errors.New("unauthorized")
	ErrBadRequest    = errors.New("bad request")
	ErrInternalError = errors.New("internal server error")
)

// Config holds HTTP server configuration.
type Config struct {
	// Address to bind to (default: "127.0.0.1")
	Address string
	// Port to listen on (default: 7480, 0 picks a free port)
	Port int
	// ReadTimeout for requests
	ReadTimeout time.Duration
	// WriteTimeout for responses. Batch deletions answer only when every
	// batch is done, so keep this above the expected deletion time.
	WriteTimeout time.Duration
	// IdleTimeout for keep-alive connections
	IdleTimeout time.Duration
	// MaxRequestSize in bytes (default: 10MB)
	MaxRequestSize int64
	// Username enables basic auth when set.
	Username string
	// PasswordHash is the bcrypt hash of the password for Username.
	PasswordHash string
}

// DefaultConfig returns default server configuration.
func DefaultConfig() *Config {
	return &Config{
		Address:        "127.0.0.1",
		Port:           7480,
		ReadTimeout:    30 * time.Second,
		WriteTimeout:   5 * time.Minute,
		IdleTimeout:    120 * time.Second,
		MaxRequestSize: 10 * 1024 * 1024, // 10MB
	}
}

// Counter reports the size of the store for /status.
type Counter interface {
	Counts() (nodes, edges int64, err error)
}

// PoolStats reports the state of the deletion pool for /status.
type PoolStats interface {
	Stats() pool.Stats
}

// Server is the HTTP API server.
type Server struct {
	config *Config
	svc    *dq.Service

	mu      sync.RWMutex
	counter Counter
	pool    PoolStats

	httpServer *http.Server
	listener   net.Listener

	closed  atomic.Bool
	started time.Time

	requestCount   atomic.Int64
	errorCount     atomic.Int64
	activeRequests atomic.Int64
}

// New creates a new HTTP server.
func New(svc *dq.Service, config *Config) (*Server, error) {
	if config == nil {
		config = DefaultConfig()
	}
	if svc == nil {
		return nil, fmt.Errorf("service required")
	}
	if config.Username != "" && config.PasswordHash == "" {
		return nil, fmt.Errorf("password hash required for user %q", config.Username)
	}
	if config.MaxRequestSize <= 0 {
		config.MaxRequestSize = DefaultConfig().MaxRequestSize
	}

	return &Server{
		config:  config,
		svc:     svc,
		started: time.Now(),
	}, nil
}

// SetCounter sets the source of the node and edge counts in /status.
func (s *Server) SetCounter(c Counter) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.counter = c
}

// SetPool sets the pool whose stats /status reports.
func (s *Server) SetPool(p PoolStats) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pool = p
}

// Start begins listening for HTTP connections.
func (s *Server) Start() error {
	if s.closed.Load() {
		return ErrServerClosed
	}

	addr := net.JoinHostPort(s.config.Address, fmt.Sprint(s.config.Port))
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", addr, err)
	}

	s.listener = listener
	s.started = time.Now()

	s.httpServer = &http.Server{
		Handler:      s.buildRouter(),
		ReadTimeout:  s.config.ReadTimeout,
		WriteTimeout: s.config.WriteTimeout,
		IdleTimeout:  s.config.IdleTimeout,
	}

	go func() {
		if err := s.httpServer.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Printf("[server] HTTP server error: %v", err)
		}
	}()

	return nil
}

// Stop gracefully shuts down the server.
func (s *Server) Stop(ctx context.Context) error {
	if !s.closed.CompareAndSwap(false, true) {
		return nil // Already closed
	}

	if s.httpServer != nil {
		return s.httpServer.Shutdown(ctx)
	}
	return nil
}

// Addr returns the server's listen address.
func (s *Server) Addr() string {
	if s.listener != nil {
		return s.listener.Addr().String()
	}
	return ""
}

// Stats returns server statistics.
func (s *Server) Stats() ServerStats {
	return ServerStats{
		Uptime:         time.Since(s.started),
		RequestCount:   s.requestCount.Load(),
		ErrorCount:     s.errorCount.Load(),
		ActiveRequests: s.activeRequests.Load(),
	}
}

// ServerStats holds server metrics.
type ServerStats struct {
	Uptime         time.Duration `json:"uptime"`
	RequestCount   int64         `json:"request_count"`
	ErrorCount     int64         `json:"error_count"`
	ActiveRequests int64         `json:"active_requests"`
}

// =============================================================================
// Router Setup
// =============================================================================

func (s *Server) buildRouter() http.Handler {
	mux := http.NewServeMux()

	// Health/status/metrics
	mux.HandleFunc("GET /health", s.handleHealth)
	mux.HandleFunc("GET /status", s.withAuth(s.handleStatus))
	mux.Handle("GET /metrics", promhttp.Handler())

	// Flags
	mux.HandleFunc("POST /dq/flags", s.withAuth(s.handleCreateFlag))
	mux.HandleFunc("GET /dq/flags", s.withAuth(s.handleListFlags))
	mux.HandleFunc("POST /dq/flags/delete", s.withAuth(s.handleDeleteFlags))
	mux.HandleFunc("POST /dq/flags/{id}/attachments", s.withAuth(s.handleAttach))
	mux.HandleFunc("GET /dq/flags/{id}/attachments", s.withAuth(s.handleAttachments))
	mux.HandleFunc("GET /dq/entities/{id}/flags", s.withAuth(s.handleEntityFlags))
	mux.HandleFunc("POST /dq/entities/flags/delete", s.withAuth(s.handleDeleteEntityFlags))

	// Classes
	mux.HandleFunc("POST /dq/classes", s.withAuth(s.handleCreateClass))
	mux.HandleFunc("GET /dq/classes", s.withAuth(s.handleListClasses))
	mux.HandleFunc("DELETE /dq/classes/{label}", s.withAuth(s.handleDeleteClass))
	mux.HandleFunc("GET /dq/statistics", s.withAuth(s.handleStatistics))

	// Entities
	mux.HandleFunc("POST /db/nodes", s.withAuth(s.handleCreateNode))

	handler := s.loggingMiddleware(mux)
	handler = s.recoveryMiddleware(handler)
	handler = s.metricsMiddleware(handler)

	return handler
}

// =============================================================================
// Middleware
// =============================================================================

// withAuth wraps a handler with basic authentication when it is configured.
func (s *Server) withAuth(handler http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if s.config.Username == "" {
			handler(w, r)
			return
		}

		username, password, ok := r.BasicAuth()
		if !ok || !s.checkCredentials(username, password) {
			w.Header().Set("WWW-Authenticate", `Basic realm="dqgraph"`)
			s.writeError(w, http.StatusUnauthorized, "invalid credentials", ErrUnauthorized)
			return
		}

		handler(w, r)
	}
}

func (s *Server) checkCredentials(username, password string) bool {
	userOK := subtle.ConstantTimeCompare([]byte(username), []byte(s.config.Username)) == 1
	// Always run bcrypt so a wrong username costs the same as a wrong password.
	passOK := bcrypt.CompareHashAndPassword([]byte(s.config.PasswordHash), []byte(password)) == nil
	return userOK && passOK
}

func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()

		wrapped := &responseWriter{ResponseWriter: w, status: http.StatusOK}

		next.ServeHTTP(wrapped, r)

		// Skip health checks for noise reduction
		if r.URL.Path != "/health" {
			s.logRequest(r, wrapped.status, time.Since(start))
		}
	})
}

func (s *Server) recoveryMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if err := recover(); err != nil {
				buf := make([]byte, 4096)
				n := runtime.Stack(buf, false)
				log.Printf("[server] PANIC: %v\n%s", err, buf[:n])

				s.writeError(w, http.StatusInternalServerError, "internal server error", ErrInternalError)
			}
		}()

		next.ServeHTTP(w, r)
	})
}

func (s *Server) metricsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		s.requestCount.Add(1)
		s.activeRequests.Add(1)
		inflightGauge.Inc()
		defer func() {
			s.activeRequests.Add(-1)
			inflightGauge.Dec()
		}()

		start := time.Now()
		wrapped := &responseWriter{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(wrapped, r)

		route := r.Pattern
		if route == "" {
			route = "unmatched"
		}
		requestsTotal.WithLabelValues(r.Method, route, fmt.Sprint(wrapped.status)).Inc()
		requestDuration.WithLabelValues(r.Method, route).Observe(time.Since(start).Seconds())
	})
}

// =============================================================================
// Health / Status
// =============================================================================

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	response := map[string]interface{}{
		"status": "healthy",
		"time":   time.Now().Format(time.RFC3339),
	}
	s.writeJSON(w, http.StatusOK, response)
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	stats := s.Stats()

	response := map[string]interface{}{
		"status": "running",
		"server": map[string]interface{}{
			"uptime_seconds": stats.Uptime.Seconds(),
			"requests":       stats.RequestCount,
			"errors":         stats.ErrorCount,
			"active":         stats.ActiveRequests,
		},
	}

	s.mu.RLock()
	counter, p := s.counter, s.pool
	s.mu.RUnlock()

	if counter != nil {
		nodes, edges, err := counter.Counts()
		if err != nil {
			s.writeError(w, http.StatusInternalServerError, "counting store", err)
			return
		}
		response["database"] = map[string]interface{}{
			"nodes": nodes,
			"edges": edges,
		}
	}
	if p != nil {
		response["pool"] = p.Stats()
	}

	s.writeJSON(w, http.StatusOK, response)
}

// =============================================================================
// Helpers
// =============================================================================

// responseWriter wraps http.ResponseWriter to capture status code.
type responseWriter struct {
	http.ResponseWriter
	status      int
	wroteHeader bool
}

func (w *responseWriter) WriteHeader(status int) {
	if !w.wroteHeader {
		w.status = status
		w.wroteHeader = true
	}
	w.ResponseWriter.WriteHeader(status)
}

// JSON helpers

func (s *Server) readJSON(w http.ResponseWriter, r *http.Request, v interface{}) error {
	body := http.MaxBytesReader(w, r.Body, s.config.MaxRequestSize)
	dec := json.NewDecoder(body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return fmt.Errorf("%w: %v", ErrBadRequest, err)
	}
	return nil
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Printf("[server] encoding response: %v", err)
	}
}

func (s *Server) writeError(w http.ResponseWriter, status int, message string, err error) {
	s.errorCount.Add(1)

	response := map[string]interface{}{
		"error":   true,
		"message": message,
		"code":    status,
	}
	if err != nil {
		response["detail"] = err.Error()
	}

	s.writeJSON(w, status, response)
}

func (s *Server) logRequest(r *http.Request, status int, duration time.Duration) {
	log.Printf("[HTTP] %s %s %d %v", r.Method, r.URL.Path, status, duration)
}
