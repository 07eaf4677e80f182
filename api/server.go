// api/server.go

// HTTP status surface for a running node: status, health and Prometheus metrics.
// Uses Gorilla Mux for routing, with CORS support and logging middleware.

package api

import (
	"context"
	"encoding/json"
	"net"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	logging "github.com/ipfs/go-log/v2"
	"github.com/rs/cors"

	"github.com/thrylos-labs/clcat/node"
	"github.com/thrylos-labs/clcat/telemetry"
)

var log = logging.Logger("clcat/api")

// StatusProvider is satisfied by *node.Node.
type StatusProvider interface {
	Status(ctx context.Context) (*node.Status, error)
}

// HealthResponse is served at /api/v1/health.
type HealthResponse struct {
	Status    string `json:"status"`
	Timestamp int64  `json:"timestamp"`
	PeerID    string `json:"peer_id,omitempty"`
	Links     int    `json:"links"`
	Uptime    string `json:"uptime"`
}

// Server represents the HTTP API server
type Server struct {
	provider   StatusProvider
	router     *mux.Router
	server     *http.Server
	enableCORS bool
	started    time.Time
}

// NewServer creates a new API server
func NewServer(provider StatusProvider, enableCORS bool) *Server {
	server := &Server{
		provider:   provider,
		enableCORS: enableCORS,
		started:    time.Now(),
	}

	server.setupRoutes()
	server.server = &http.Server{
		Handler:      server.router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}
	return server
}

// setupRoutes configures all API routes
func (s *Server) setupRoutes() {
	s.router = mux.NewRouter()

	// API version prefix
	api := s.router.PathPrefix("/api/v1").Subrouter()
	api.Use(s.jsonMiddleware)

	api.HandleFunc("/status", s.getStatus).Methods("GET")
	api.HandleFunc("/health", s.getHealth).Methods("GET")

	s.router.Handle("/metrics", telemetry.Handler()).Methods("GET")

	if s.enableCORS {
		c := cors.New(cors.Options{
			AllowedOrigins: []string{"*"},
			AllowedMethods: []string{"GET", "OPTIONS"},
			AllowedHeaders: []string{"*"},
		})
		s.router.Use(c.Handler)
	}
	s.router.Use(s.loggingMiddleware)
}

// Handler returns the routed handler.
func (s *Server) Handler() http.Handler {
	return s.router
}

// Serve serves on l until Stop is called.
func (s *Server) Serve(l net.Listener) error {
	log.Infow("API server starting", "addr", l.Addr().String())
	return s.server.Serve(l)
}

// Stop gracefully stops the HTTP server
func (s *Server) Stop(ctx context.Context) error {
	return s.server.Shutdown(ctx)
}

// Status endpoints

func (s *Server) getStatus(w http.ResponseWriter, r *http.Request) {
	status, err := s.provider.Status(r.Context())
	if err != nil {
		s.writeError(w, err.Error(), http.StatusServiceUnavailable)
		return
	}
	s.writeJSON(w, status)
}

func (s *Server) getHealth(w http.ResponseWriter, r *http.Request) {
	health := HealthResponse{
		Status:    "healthy",
		Timestamp: time.Now().Unix(),
		Uptime:    time.Since(s.started).Round(time.Second).String(),
	}

	status, err := s.provider.Status(r.Context())
	if err != nil {
		health.Status = "unavailable"
		w.WriteHeader(http.StatusServiceUnavailable)
		s.writeJSON(w, health)
		return
	}

	health.PeerID = status.PeerID
	health.Links = len(status.Links)
	s.writeJSON(w, health)
}

// Helper methods

func (s *Server) writeJSON(w http.ResponseWriter, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(data); err != nil {
		log.Errorw("error encoding JSON", "error", err)
	}
}

func (s *Server) writeError(w http.ResponseWriter, message string, statusCode int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	json.NewEncoder(w).Encode(map[string]interface{}{
		"error":     message,
		"status":    statusCode,
		"timestamp": time.Now().Unix(),
	})
}

// Middleware

func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()

		// Create a custom ResponseWriter to capture status code
		lrw := &loggingResponseWriter{ResponseWriter: w, statusCode: http.StatusOK}

		next.ServeHTTP(lrw, r)

		log.Debugw("request", "method", r.Method, "path", r.URL.Path, "status", lrw.statusCode, "duration", time.Since(start))
	})
}

func (s *Server) jsonMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		next.ServeHTTP(w, r)
	})
}

type loggingResponseWriter struct {
	http.ResponseWriter
	statusCode int
}

func (lrw *loggingResponseWriter) WriteHeader(code int) {
	lrw.statusCode = code
	lrw.ResponseWriter.WriteHeader(code)
}
