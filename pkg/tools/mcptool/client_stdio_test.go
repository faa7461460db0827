// SPDX-License-Identifier: Apache-2.0

package mcptool

import (
	"context"
	"os"
	"testing"

	mcpgo "github.com/mark3labs/mcp-go/mcp"
	mcpserver "github.com/mark3labs/mcp-go/server"

	"github.com/Royal-Equips-Org/royal-equips-orchestrator-sub008/pkg/core"
)

const mcpStdioHelperEnv = "ORCH_MCP_STDIO_HELPER"

func TestHelperMCPStdioServer(t *testing.T) {
	if os.Getenv(mcpStdioHelperEnv) != "1" {
		return
	}

	server := mcpserver.NewMCPServer("test-stdio", "1.0.0")
	server.AddTool(mcpgo.NewTool("ping"), func(ctx context.Context, _ mcpgo.CallToolRequest) (*mcpgo.CallToolResult, error) {
		return &mcpgo.CallToolResult{
			Content: []mcpgo.Content{mcpgo.TextContent{Type: "text", Text: "ok"}},
		}, nil
	})

	if err := mcpserver.ServeStdio(server); err != nil {
		os.Exit(1)
	}
	os.Exit(0)
}

func TestClient_Stdio_RunThroughAdapter(t *testing.T) {
	t.Setenv(mcpStdioHelperEnv, "1")

	exe, err := os.Executable()
	if err != nil {
		t.Fatalf("os.Executable: %v", err)
	}

	ctx := context.Background()
	client, err := NewStdioClient(ctx, exe, []string{mcpStdioHelperEnv + "=1"}, []string{"-test.run", "TestHelperMCPStdioServer"})
	if err != nil {
		t.Fatalf("NewStdioClient: %v", err)
	}
	defer client.Close()

	tool, err := New(Config{RemoteTool: "ping", ReadOnly: true}, client)
	if err != nil {
		t.Fatal(err)
	}
	res, err := tool.Run(ctx, map[string]any{"input": "hello"}, core.RunOptions{})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if !res.Success || res.Data != "ok" {
		t.Fatalf("unexpected result %+v", res)
	}
	if err := tool.HealthCheck(ctx); err != nil {
		t.Errorf("HealthCheck: %v", err)
	}
}
