// escrowd MCP server - exposes escrow operator actions as MCP tools for LLMs
package main

import (
	"fmt"
	"os"

	"github.com/joho/godotenv"
	"github.com/mark3labs/mcp-go/server"

	"github.com/workwise/escrowd/internal/mcpserver"
)

func main() {
	_ = godotenv.Load()

	cfg := mcpserver.Config{
		APIURL:      envOrDefault("ESCROWD_API_URL", "http://localhost:8080"),
		AdminSecret: os.Getenv("ESCROWD_ADMIN_SECRET"),
		OperatorID:  envOrDefault("ESCROWD_OPERATOR_ID", "mcp_operator"),
	}

	if cfg.AdminSecret == "" {
		fmt.Fprintln(os.Stderr, "ESCROWD_ADMIN_SECRET is required")
		os.Exit(1)
	}

	s := mcpserver.NewMCPServer(cfg)
	if err := server.ServeStdio(s); err != nil {
		fmt.Fprintf(os.Stderr, "MCP server error: %v\n", err)
		os.Exit(1)
	}
}

func envOrDefault(key, defaultValue string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultValue
}
