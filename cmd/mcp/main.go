// Command mcp exposes the escrowmart API as MCP tools over stdio.
package main

import (
	"fmt"
	"os"

	"github.com/mark3labs/mcp-go/server"

	"github.com/mbd888/escrowmart/internal/mcpserver"
)

func main() {
	cfg := mcpserver.Config{
		APIURL: envOrDefault("ESCROWMART_API_URL", "http://localhost:8080"),
		Token:  os.Getenv("ESCROWMART_TOKEN"),
	}

	if cfg.Token == "" {
		fmt.Fprintln(os.Stderr, "ESCROWMART_TOKEN is required")
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
