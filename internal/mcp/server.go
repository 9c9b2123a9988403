// Package mcp exposes key administration as Model Context Protocol tools so
// operators can manage keys from an MCP client. Tools run with administrator
// rights over the local store.
package mcp

import (
	"context"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"
	"go.uber.org/zap"

	"github.com/apikeyd/apikeyd/internal/service"
)

// Verifier is the verification pipeline.
type Verifier interface {
	Verify(ctx context.Context, raw string, info service.RequestInfo) (service.Verdict, error)
}

// MCPServer wraps the mcp-go server with the key management tools and
// resources registered.
type MCPServer struct {
	mgr      *service.Manager
	verifier Verifier
	logger   *zap.Logger
	server   *server.MCPServer
}

// NewMCPServer creates an MCPServer ready to serve over stdio or HTTP.
func NewMCPServer(mgr *service.Manager, verifier Verifier, version string, logger *zap.Logger) *MCPServer {
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &MCPServer{mgr: mgr, verifier: verifier, logger: logger}

	mcpServer := server.NewMCPServer(
		"apikeyd",
		version,
		server.WithResourceCapabilities(true, false),
		server.WithToolCapabilities(true),
		server.WithInstructions("Manage API keys and their owners. Raw secrets are only shown by apikey_create and apikey_rotate."),
	)
	s.registerTools(mcpServer)
	s.registerResources(mcpServer)

	s.server = mcpServer
	return s
}

// Server returns the underlying mcp-go server.
func (s *MCPServer) Server() *server.MCPServer {
	return s.server
}

// ServeStdio serves MCP over stdin/stdout. Logs must not go to stdout while
// this runs.
func (s *MCPServer) ServeStdio() error {
	s.logger.Info("starting MCP server in stdio mode")
	return server.ServeStdio(s.server, server.WithErrorLogger(zap.NewStdLog(s.logger)))
}

// ServeHTTP serves MCP in Streamable HTTP mode on addr (e.g. ":3001").
func (s *MCPServer) ServeHTTP(addr string) error {
	httpServer := server.NewStreamableHTTPServer(s.server)
	s.logger.Info("MCP HTTP server starting", zap.String("addr", addr))
	return httpServer.Start(addr)
}

func readOnlyAnnotation() mcp.ToolAnnotation {
	return mcp.ToolAnnotation{ReadOnlyHint: mcp.ToBoolPtr(true)}
}

func mutatingAnnotation(destructive bool) mcp.ToolAnnotation {
	return mcp.ToolAnnotation{
		ReadOnlyHint:    mcp.ToBoolPtr(false),
		DestructiveHint: mcp.ToBoolPtr(destructive),
	}
}
