// Package server exposes sessions and the tool loop over HTTP.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/martinemde/chatloop/agentloop"
	"github.com/martinemde/chatloop/protocol"
	"github.com/martinemde/chatloop/record"
)

const (
	// streamWriteTimeout is the write deadline applied after every event so
	// long tool loops are not cut off by the server's WriteTimeout.
	streamWriteTimeout = 120 * time.Second

	keepaliveInterval = 15 * time.Second

	maxRequestBody = 32 << 20
)

// writeJSON encodes v as JSON to w, logging any errors at debug level.
func writeJSON(w http.ResponseWriter, v any, logger *slog.Logger) {
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logger.Debug("failed to write JSON response", "error", err)
	}
}

// Server is the HTTP API server.
type Server struct {
	address  string
	port     int
	store    record.Store
	loop     *agentloop.Loop
	tools    agentloop.ToolExecutor
	statuses []StatusReporter
	logger   *slog.Logger
	server   *http.Server
}

// NewServer creates a new API server.
func NewServer(address string, port int, store record.Store, loop *agentloop.Loop, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{
		address: address,
		port:    port,
		store:   store,
		loop:    loop,
		logger:  logger,
	}
}

// SetTools configures the executor listed by GET /api/tools.
func (s *Server) SetTools(tools agentloop.ToolExecutor) {
	s.tools = tools
}

// Handler returns the routed handler with request logging.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	// Sessions
	mux.HandleFunc("GET /api/sessions", s.handleSessionList)
	mux.HandleFunc("POST /api/sessions", s.handleSessionCreate)
	mux.HandleFunc("GET /api/sessions/{id}", s.handleSessionGet)
	mux.HandleFunc("PATCH /api/sessions/{id}", s.handleSessionRename)
	mux.HandleFunc("DELETE /api/sessions/{id}", s.handleSessionDelete)
	mux.HandleFunc("POST /api/sessions/{id}/stop", s.handleSessionStop)

	// Chat
	mux.HandleFunc("POST /api/chat/stream", s.handleChatStream)
	mux.HandleFunc("GET /api/chat/ws", s.handleChatWebSocket)

	mux.HandleFunc("GET /api/tools", s.handleTools)
	mux.HandleFunc("GET /api/tools/status", s.handleToolStatus)

	// Runtime settings
	mux.HandleFunc("GET /api/config", s.handleConfigGet)
	mux.HandleFunc("PUT /api/config", s.handleConfigUpdate)
	mux.HandleFunc("GET /api/prompt/generate", s.handlePromptGenerate)
	mux.HandleFunc("POST /api/prompt/generate", s.handlePromptGenerate)
	mux.HandleFunc("GET /api/prompt/text", s.handlePromptText)
	mux.HandleFunc("GET /api/prompt/current", s.handlePromptCurrent)

	// Health endpoints
	mux.HandleFunc("GET /api/health", s.handleHealth)
	mux.HandleFunc("GET /health", s.handleHealth)

	return s.withLogging(mux)
}

// Start serves until the server is shut down.
func (s *Server) Start(ctx context.Context) error {
	s.server = &http.Server{
		Addr:         fmt.Sprintf("%s:%d", s.address, s.port),
		Handler:      s.Handler(),
		ReadTimeout:  30 * time.Second,
		WriteTimeout: streamWriteTimeout,
		BaseContext:  func(net.Listener) context.Context { return ctx },
	}

	addr := s.address
	if addr == "" {
		addr = "0.0.0.0"
	}
	s.logger.Info("starting API server", "address", addr, "port", s.port)
	return s.server.ListenAndServe()
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

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, map[string]string{"status": "healthy"}, s.logger)
}

func (s *Server) handleTools(w http.ResponseWriter, r *http.Request) {
	type toolInfo struct {
		Name        string         `json:"name"`
		Description string         `json:"description"`
		Parameters  map[string]any `json:"parameters,omitempty"`
	}
	out := []toolInfo{}
	if s.tools != nil {
		for _, def := range s.tools.Definitions() {
			out = append(out, toolInfo{Name: def.Name, Description: def.Description, Parameters: def.Parameters})
		}
	}
	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, map[string]any{"tools": out}, s.logger)
}

type titleRequest struct {
	Title string `json:"title"`
}

func (s *Server) handleSessionList(w http.ResponseWriter, r *http.Request) {
	sessions, err := s.store.List()
	if err != nil {
		s.storeError(w, err)
		return
	}
	if sessions == nil {
		sessions = []record.Summary{}
	}
	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, map[string]any{"sessions": sessions}, s.logger)
}

func (s *Server) handleSessionCreate(w http.ResponseWriter, r *http.Request) {
	var req titleRequest
	if err := decodeBody(w, r, &req, true); err != nil {
		s.errorResponse(w, http.StatusBadRequest, err.Error())
		return
	}
	sess, err := s.store.Create(strings.TrimSpace(req.Title))
	if err != nil {
		s.storeError(w, err)
		return
	}
	s.logger.Info("session created", "session_id", sess.ID)
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusCreated)
	writeJSON(w, sess, s.logger)
}

func (s *Server) handleSessionGet(w http.ResponseWriter, r *http.Request) {
	sess, err := s.store.Get(r.PathValue("id"))
	if err != nil {
		s.storeError(w, err)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, sess, s.logger)
}

func (s *Server) handleSessionRename(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	var req titleRequest
	if err := decodeBody(w, r, &req, false); err != nil {
		s.errorResponse(w, http.StatusBadRequest, err.Error())
		return
	}
	title := strings.TrimSpace(req.Title)
	if title == "" {
		s.errorResponse(w, http.StatusBadRequest, "title is required")
		return
	}
	if err := s.store.Rename(id, title); err != nil {
		s.storeError(w, err)
		return
	}
	sess, err := s.store.Get(id)
	if err != nil {
		s.storeError(w, err)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, sess, s.logger)
}

func (s *Server) handleSessionDelete(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if s.loop.Active(id) {
		s.errorResponse(w, http.StatusConflict, "session has an active run")
		return
	}
	if err := s.store.Delete(id); err != nil {
		s.storeError(w, err)
		return
	}
	s.logger.Info("session deleted", "session_id", id)
	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, map[string]string{"status": "success"}, s.logger)
}

func (s *Server) handleSessionStop(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if _, err := s.store.Get(id); err != nil {
		s.storeError(w, err)
		return
	}
	stopped := s.loop.Stop(id)
	s.logger.Info("stop requested", "session_id", id, "was_active", stopped)
	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, map[string]bool{"stopped": stopped}, s.logger)
}

// ChatRequest is the body of POST /api/chat/stream and of each chat frame
// sent over the WebSocket.
type ChatRequest struct {
	SessionID     string              `json:"session_id"`
	Message       string              `json:"message"`
	BinaryContent []record.Attachment `json:"binary_content,omitempty"`
}

func (c ChatRequest) validate() error {
	if c.SessionID == "" {
		return errors.New("session_id is required")
	}
	if strings.TrimSpace(c.Message) == "" && len(c.BinaryContent) == 0 {
		return errors.New("message is required")
	}
	return nil
}

func (c ChatRequest) message() record.MessageRecord {
	return record.MessageRecord{Role: record.RoleUser, Content: c.Message, BinaryContent: c.BinaryContent}
}

func (s *Server) handleChatStream(w http.ResponseWriter, r *http.Request) {
	var req ChatRequest
	if err := decodeBody(w, r, &req, false); err != nil {
		s.errorResponse(w, http.StatusBadRequest, err.Error())
		return
	}
	if err := req.validate(); err != nil {
		s.errorResponse(w, http.StatusBadRequest, err.Error())
		return
	}

	// The run is cancelled when the client disconnects.
	events, err := s.loop.Submit(r.Context(), req.SessionID, req.message())
	if err != nil {
		s.storeError(w, err)
		return
	}

	protocol.SetHeaders(w.Header())
	w.WriteHeader(http.StatusOK)

	rc := http.NewResponseController(w)
	enc := protocol.NewEncoder(w)
	keepalive := time.NewTicker(keepaliveInterval)
	defer keepalive.Stop()

	for {
		var err error
		select {
		case ev, ok := <-events:
			if !ok {
				if err := enc.Done(); err != nil {
					s.logger.Debug("failed to write stream end", "error", err)
				}
				return
			}
			err = enc.Encode(ev)
		case <-keepalive.C:
			err = enc.Comment("keepalive")
		}
		if err != nil {
			s.logger.Debug("event stream write failed, stopping run", "session_id", req.SessionID, "error", err)
			s.loop.Stop(req.SessionID)
			for range events {
			}
			return
		}
		if err := rc.SetWriteDeadline(time.Now().Add(streamWriteTimeout)); err != nil && !errors.Is(err, http.ErrNotSupported) {
			s.logger.Debug("failed to reset write deadline", "error", err)
		}
	}
}

// storeError maps store and loop errors to HTTP statuses.
func (s *Server) storeError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, record.ErrNotFound):
		s.errorResponse(w, http.StatusNotFound, err.Error())
	case errors.Is(err, record.ErrSessionBusy):
		s.errorResponse(w, http.StatusConflict, err.Error())
	default:
		s.logger.Error("request failed", "error", err)
		s.errorResponse(w, http.StatusInternalServerError, err.Error())
	}
}

func (s *Server) errorResponse(w http.ResponseWriter, code int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	writeJSON(w, map[string]any{
		"error": map[string]any{
			"message": message,
			"type":    "invalid_request_error",
			"code":    code,
		},
	}, s.logger)
}

// decodeBody decodes a JSON request body into v. An empty body is accepted
// when optional is set.
func decodeBody(w http.ResponseWriter, r *http.Request, v any, optional bool) error {
	r.Body = http.MaxBytesReader(w, r.Body, maxRequestBody)
	err := json.NewDecoder(r.Body).Decode(v)
	if errors.Is(err, io.EOF) && optional {
		return nil
	}
	if err != nil {
		return fmt.Errorf("invalid request body: %w", err)
	}
	return nil
}
