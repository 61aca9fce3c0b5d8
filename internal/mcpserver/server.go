// Package mcpserver exposes Conductor's read-only operations (run status,
// event history, analytics) as MCP tools, grounded in the reference's
// controlplane/mcpserver/server.go: a thin struct wrapping *mcp.Server, tool
// registration split into its own file, and an SSE transport handler built
// with mcp.NewSSEHandler.
package mcpserver

import (
	"net/http"

	"github.com/marcus-qen/conductor/internal/analytics"
	"github.com/marcus-qen/conductor/internal/eventlog"
	"github.com/marcus-qen/conductor/internal/storage"
	"github.com/modelcontextprotocol/go-sdk/mcp"
	"go.uber.org/zap"
)

// Version is injected from the conductord build metadata.
var Version = "dev"

// MCPServer exposes Conductor state as MCP tools over an SSE transport.
type MCPServer struct {
	server    *mcp.Server
	handler   http.Handler
	db        *storage.DB
	events    *eventlog.Log
	analytics *analytics.Analytics
	logger    *zap.Logger
}

// New wires the MCP server surface for Conductor.
func New(db *storage.DB, events *eventlog.Log, logger *zap.Logger) *MCPServer {
	if logger == nil {
		logger = zap.NewNop()
	}

	implVersion := Version
	if implVersion == "" {
		implVersion = "dev"
	}

	srv := mcp.NewServer(&mcp.Implementation{
		Name:    "conductor",
		Version: implVersion,
	}, nil)

	m := &MCPServer{
		server:    srv,
		db:        db,
		events:    events,
		analytics: analytics.New(db),
		logger:    logger.Named("mcp"),
	}

	m.registerTools()
	m.handler = mcp.NewSSEHandler(func(_ *http.Request) *mcp.Server {
		return m.server
	}, nil)

	return m
}

// Handler returns the HTTP SSE transport handler mounted at /mcp.
func (s *MCPServer) Handler() http.Handler {
	if s == nil {
		return http.NotFoundHandler()
	}
	return s.handler
}
