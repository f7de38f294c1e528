// Package toolbridge exposes the agent-facing tool surface over MCP.
// The harness connects back on SSE or streamable HTTP and calls
// task_complete, save_plan, and attach_task_file; each call routes
// through the callback registry to the session that owns the task.
package toolbridge

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"sync"

	"github.com/mark3labs/mcp-go/server"
	"go.uber.org/zap"

	"github.com/taskflow/taskflow/internal/agent/registry"
	"github.com/taskflow/taskflow/internal/common/logger"
)

// Config holds the tool bridge configuration.
type Config struct {
	// Port to listen on; 0 picks a free port, which Port() reports
	// after Start.
	Port int
}

// Server runs the MCP endpoint on both transports:
// - SSE (/sse + /message) for harnesses speaking the SSE dialect
// - streamable HTTP (/mcp) for the rest
type Server struct {
	cfg                  Config
	registry             *registry.Registry
	sseServer            *server.SSEServer
	streamableHTTPServer *server.StreamableHTTPServer
	httpServer           *http.Server
	mu                   sync.Mutex
	running              bool
	logger               *logger.Logger
}

func New(cfg Config, reg *registry.Registry, log *logger.Logger) *Server {
	return &Server{
		cfg:      cfg,
		registry: reg,
		logger:   log.WithFields(zap.String("component", "toolbridge")),
	}
}

// Start begins serving and returns once the listener is accepting.
// Both transports share one port.
func (s *Server) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return fmt.Errorf("tool bridge already running")
	}
	s.mu.Unlock()

	mcpServer := server.NewMCPServer(
		"taskflow-tools",
		"1.0.0",
		server.WithToolCapabilities(true),
	)
	registerTools(mcpServer, s.registry, s.logger)

	s.sseServer = server.NewSSEServer(mcpServer)
	s.streamableHTTPServer = server.NewStreamableHTTPServer(mcpServer,
		server.WithEndpointPath("/mcp"),
	)

	mux := http.NewServeMux()
	mux.Handle("/sse", s.sseServer.SSEHandler())
	mux.Handle("/message", s.sseServer.MessageHandler())
	mux.Handle("/mcp", s.streamableHTTPServer)

	addr := fmt.Sprintf(":%d", s.cfg.Port)
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", addr, err)
	}
	if tcpAddr, ok := listener.Addr().(*net.TCPAddr); ok {
		s.cfg.Port = tcpAddr.Port
	}

	s.httpServer = &http.Server{Handler: mux}

	ready := make(chan struct{})
	go func() {
		s.mu.Lock()
		s.running = true
		s.mu.Unlock()
		close(ready)

		s.logger.Info("tool bridge listening",
			zap.Int("port", s.cfg.Port),
			zap.String("sse_endpoint", "/sse"),
			zap.String("streamable_http_endpoint", "/mcp"))

		if err := s.httpServer.Serve(listener); err != nil && err != http.ErrServerClosed {
			s.logger.Error("tool bridge server error", zap.Error(err))
		}

		s.mu.Lock()
		s.running = false
		s.mu.Unlock()
	}()

	select {
	case <-ready:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Stop gracefully shuts down both transports.
func (s *Server) Stop(ctx context.Context) error {
	s.mu.Lock()
	running := s.running
	s.mu.Unlock()
	if !running {
		return nil
	}

	if s.httpServer != nil {
		if err := s.httpServer.Shutdown(ctx); err != nil {
			return fmt.Errorf("failed to shutdown tool bridge: %w", err)
		}
	}
	if s.sseServer != nil {
		if err := s.sseServer.Shutdown(ctx); err != nil {
			s.logger.Warn("failed to shutdown SSE transport", zap.Error(err))
		}
	}
	if s.streamableHTTPServer != nil {
		if err := s.streamableHTTPServer.Shutdown(ctx); err != nil {
			s.logger.Warn("failed to shutdown streamable HTTP transport", zap.Error(err))
		}
	}
	return nil
}

// Port reports the bound port, useful when configured with 0.
func (s *Server) Port() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cfg.Port
}

// SSEEndpoint returns the URL harnesses use for the SSE transport.
func (s *Server) SSEEndpoint() string {
	return fmt.Sprintf("http://localhost:%d/sse", s.Port())
}

// StreamableHTTPEndpoint returns the URL for the streamable HTTP
// transport.
func (s *Server) StreamableHTTPEndpoint() string {
	return fmt.Sprintf("http://localhost:%d/mcp", s.Port())
}
