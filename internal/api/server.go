// Package api implements the HTTP front door: a thin JSON layer over
// the dispatcher. Rendering, transports, and platform glue live in the
// embedding front end; this surface exists for operation and testing.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/sable-ai/sable/internal/buildinfo"
	"github.com/sable-ai/sable/internal/dispatch"
	"github.com/sable-ai/sable/internal/failover"
	"github.com/sable-ai/sable/internal/llm"
	"github.com/sable-ai/sable/internal/memory"
)

// writeJSON encodes v as JSON to w, logging any errors at debug level.
// Errors here typically mean the client disconnected mid-response.
func writeJSON(w http.ResponseWriter, v any, logger *slog.Logger) {
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logger.Debug("failed to write JSON response", "error", err)
	}
}

// Server is the HTTP API server.
type Server struct {
	listen     string
	dispatcher *dispatch.Dispatcher
	store      *memory.Store
	provider   llm.Client
	logger     *slog.Logger
	server     *http.Server
}

// NewServer creates an API server bound to the given address.
func NewServer(listen string, d *dispatch.Dispatcher, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{
		listen:     listen,
		dispatcher: d,
		logger:     logger,
	}
}

// SetMemoryStore enables the memory inspection endpoints.
func (s *Server) SetMemoryStore(store *memory.Store) {
	s.store = store
}

// SetProviderClient enables provider reachability reporting on /health.
func (s *Server) SetProviderClient(c llm.Client) {
	s.provider = c
}

// Start begins serving HTTP requests. It blocks until the listener
// fails or Shutdown is called.
func (s *Server) Start(ctx context.Context) error {
	mux := http.NewServeMux()

	mux.HandleFunc("POST /v1/respond", s.handleRespond)
	mux.HandleFunc("GET /v1/memories/{userID}", s.handleMemories)
	mux.HandleFunc("GET /v1/version", s.handleVersion)
	mux.HandleFunc("GET /health", s.handleHealth)
	mux.HandleFunc("GET /", s.handleRoot)

	s.server = &http.Server{
		Addr:         s.listen,
		Handler:      s.withLogging(mux),
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 300 * time.Second, // chain of slow providers can take a while
	}

	s.logger.Info("starting API server", "listen", s.listen)
	err := s.server.ListenAndServe()
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

// Shutdown gracefully stops the server.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.server != nil {
		return s.server.Shutdown(ctx)
	}
	return nil
}

func (s *Server) withLogging(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		next.ServeHTTP(w, r)
		s.logger.Info("request",
			"method", r.Method,
			"path", r.URL.Path,
			"duration", time.Since(start),
		)
	})
}

// respondRequest is the inbound payload for /v1/respond.
type respondRequest struct {
	UserID  string        `json:"user_id"`
	Text    string        `json:"text"`
	History []historyItem `json:"history,omitempty"`
}

type historyItem struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

func historyMessage(h historyItem) llm.Message {
	return llm.Message{Role: h.Role, Content: h.Content}
}

type errorResponse struct {
	Error string `json:"error"`
}

func (s *Server) handleRespond(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")

	var req respondRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		w.WriteHeader(http.StatusBadRequest)
		writeJSON(w, errorResponse{Error: "invalid JSON body"}, s.logger)
		return
	}
	if req.UserID == "" || req.Text == "" {
		w.WriteHeader(http.StatusBadRequest)
		writeJSON(w, errorResponse{Error: "user_id and text are required"}, s.logger)
		return
	}

	dreq := dispatch.Request{UserID: req.UserID, Text: req.Text}
	for _, h := range req.History {
		dreq.History = append(dreq.History, historyMessage(h))
	}

	resp, err := s.dispatcher.Handle(r.Context(), dreq)
	if err != nil {
		switch {
		case errors.Is(err, failover.ErrChainExhausted):
			w.WriteHeader(http.StatusBadGateway)
			writeJSON(w, errorResponse{Error: "all completion providers are currently unavailable"}, s.logger)
		case errors.Is(err, context.Canceled):
			// Client went away; nothing to write.
		default:
			w.WriteHeader(http.StatusBadRequest)
			writeJSON(w, errorResponse{Error: err.Error()}, s.logger)
		}
		return
	}

	writeJSON(w, resp, s.logger)
}

func (s *Server) handleMemories(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")

	if s.store == nil {
		w.WriteHeader(http.StatusNotFound)
		writeJSON(w, errorResponse{Error: "memory store not configured"}, s.logger)
		return
	}

	userID := r.PathValue("userID")
	entries, err := s.store.GetAll(r.Context(), userID)
	if err != nil {
		s.logger.Error("memory fetch failed", "user", userID, "error", err)
		w.WriteHeader(http.StatusInternalServerError)
		writeJSON(w, errorResponse{Error: "memory fetch failed"}, s.logger)
		return
	}

	writeJSON(w, map[string]any{
		"user_id":  userID,
		"count":    len(entries),
		"memories": entries,
	}, s.logger)
}

func (s *Server) handleRoot(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, map[string]string{
		"name":    "Sable",
		"version": buildinfo.Version,
		"status":  "ok",
	}, s.logger)
}

func (s *Server) handleVersion(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, buildinfo.Info(), s.logger)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")

	if s.provider == nil {
		writeJSON(w, map[string]string{"status": "healthy"}, s.logger)
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	if err := s.provider.Ping(ctx); err != nil {
		s.logger.Warn("provider health check failed", "error", err)
		w.WriteHeader(http.StatusServiceUnavailable)
		writeJSON(w, map[string]string{"status": "degraded", "provider": "unreachable"}, s.logger)
		return
	}
	writeJSON(w, map[string]string{"status": "healthy", "provider": "ok"}, s.logger)
}
