package mcpserver

import (
	"github.com/mark3labs/mcp-go/server"
)

// NewMCPServer creates a configured MCP server with all marketplace tools registered.
func NewMCPServer(cfg Config) *server.MCPServer {
	s := server.NewMCPServer("escrowmart", "0.1.0")
	h := NewHandlers(NewClient(cfg))

	s.AddTool(ToolCreateOrder, h.HandleCreateOrder)
	s.AddTool(ToolGetOrder, h.HandleGetOrder)
	s.AddTool(ToolListOrders, h.HandleListOrders)
	s.AddTool(ToolConfirmOrder, h.HandleConfirmOrder)
	s.AddTool(ToolCancelOrder, h.HandleCancelOrder)
	s.AddTool(ToolCheckBalance, h.HandleCheckBalance)
	s.AddTool(ToolListSettlementCalls, h.HandleListSettlementCalls)
	s.AddTool(ToolRetrySettlementCall, h.HandleRetrySettlementCall)
	s.AddTool(ToolVerifyCallTx, h.HandleVerifyCallTx)
	s.AddTool(ToolListAlerts, h.HandleListAlerts)

	return s
}
