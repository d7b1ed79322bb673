package mcpserver

import (
	"github.com/mark3labs/mcp-go/server"
)

// NewMCPServer creates a configured MCP server with all escrowd operator tools registered.
func NewMCPServer(cfg Config) *server.MCPServer {
	s := server.NewMCPServer("escrowd", "1.0.0")
	client := NewClient(cfg)
	h := NewHandlers(client)

	s.AddTool(ToolGetAccount, h.HandleGetAccount)
	s.AddTool(ToolListTransactions, h.HandleListTransactions)
	s.AddTool(ToolListDisputes, h.HandleListDisputes)
	s.AddTool(ToolResolveDispute, h.HandleResolveDispute)
	s.AddTool(ToolFreezeAccount, h.HandleFreezeAccount)
	s.AddTool(ToolUnfreezeAccount, h.HandleUnfreezeAccount)
	s.AddTool(ToolReconcileAccount, h.HandleReconcileAccount)
	s.AddTool(ToolRunReconciliation, h.HandleRunReconciliation)
	s.AddTool(ToolVerifyAuditChain, h.HandleVerifyAuditChain)
	s.AddTool(ToolListFraudAlerts, h.HandleListFraudAlerts)
	s.AddTool(ToolListFraudCases, h.HandleListFraudCases)
	s.AddTool(ToolMarkFalsePositive, h.HandleMarkFalsePositive)

	return s
}
