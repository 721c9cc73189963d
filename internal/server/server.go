// Package server exposes the HTTP API: asking questions, triggering a
// repository sync, and health reporting.
package server

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"codeask/internal/agent"
	"codeask/internal/anthropic"
	"codeask/internal/auth"
	"codeask/internal/conversation"
	"codeask/internal/logging"
	"codeask/internal/mcp"
	"codeask/internal/mirror"
	"codeask/internal/notify"
)

// Asker is the question-answering surface the server needs
type Asker interface {
	AskWithProgress(ctx context.Context, question string, prior []anthropic.Message, progress func(agent.Progress)) (*agent.Answer, []anthropic.Message, error)
}

// Syncer is the mirror surface the server needs
type Syncer interface {
	Sync(ctx context.Context) error
	State() mirror.RepoState
}

// ToolCatalog is the registry surface the server needs for health reporting
type ToolCatalog interface {
	Catalog() []mcp.ToolDescriptor
}

// Server represents the HTTP API server
type Server struct {
	router *http.ServeMux
	server *http.Server
	addr   string
	logger *logging.Logger

	asker         Asker
	syncer        Syncer
	tools         ToolCatalog
	conversations *conversation.Manager
	auth          *auth.Manager
	notifier      *notify.Manager
}

// Config contains server configuration
type Config struct {
	Addr string
}

// NewServer creates a new HTTP server instance
func NewServer(cfg Config, asker Asker, syncer Syncer, tools ToolCatalog, conversations *conversation.Manager, authMgr *auth.Manager, notifier *notify.Manager, logger *logging.Logger) *Server {
	s := &Server{
		addr:          cfg.Addr,
		logger:        logger,
		asker:         asker,
		syncer:        syncer,
		tools:         tools,
		conversations: conversations,
		auth:          authMgr,
		notifier:      notifier,
		router:        http.NewServeMux(),
	}

	s.registerRoutes()

	handler := s.applyMiddleware(s.router)
	s.server = &http.Server{
		Addr:        cfg.Addr,
		Handler:     handler,
		ReadTimeout: 15 * time.Second,
		// Asks stream for minutes; write timeout is per-handler via context.
		WriteTimeout: 0,
		IdleTimeout:  60 * time.Second,
	}
	return s
}

func (s *Server) registerRoutes() {
	s.router.HandleFunc("POST /ask", s.handleAsk)
	s.router.HandleFunc("POST /ask/stream", s.handleAskStream)
	s.router.HandleFunc("POST /sync", s.handleSync)
	s.router.HandleFunc("GET /health", s.handleHealth)
}

// Start starts the HTTP server
func (s *Server) Start() error {
	s.logger.Info("Starting HTTP server", map[string]interface{}{
		"addr": s.addr,
	})
	if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("failed to start server: %w", err)
	}
	return nil
}

// Shutdown gracefully shuts down the server
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("Shutting down HTTP server", nil)
	if err := s.server.Shutdown(ctx); err != nil {
		return fmt.Errorf("failed to shutdown server: %w", err)
	}
	return nil
}

// ServeHTTP implements http.Handler for testing
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.server.Handler.ServeHTTP(w, r)
}

// applyMiddleware wraps the handler with middleware in the correct order
func (s *Server) applyMiddleware(handler http.Handler) http.Handler {
	handler = AuthMiddleware(s.auth, s.logger)(handler)
	handler = RecoveryMiddleware(s.logger)(handler)
	handler = LoggingMiddleware(s.logger)(handler)
	handler = RequestIDMiddleware()(handler)
	return handler
}
