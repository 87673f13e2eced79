// Package mcpserver exposes read-only escrow and dispute lookups as MCP
// tools, backed by the service's HTTP API.
package mcpserver

import (
	"github.com/mark3labs/mcp-go/server"
)

// Version is reported to MCP clients.
const Version = "1.0.0"

// NewMCPServer creates a configured MCP server with every tool registered.
func NewMCPServer(cfg Config) *server.MCPServer {
	s := server.NewMCPServer("escrowd", Version, server.WithToolCapabilities(false))
	h := NewHandlers(NewClient(cfg))

	s.AddTool(ToolGetEscrow, h.HandleGetEscrow)
	s.AddTool(ToolListPartyEscrows, h.HandleListPartyEscrows)
	s.AddTool(ToolEstimateCosts, h.HandleEstimateCosts)
	s.AddTool(ToolGetDispute, h.HandleGetDispute)
	s.AddTool(ToolListActiveDisputes, h.HandleListActiveDisputes)
	s.AddTool(ToolGetReputation, h.HandleGetReputation)

	return s
}
