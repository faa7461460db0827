// SPDX-License-Identifier: Apache-2.0
// Package mcptool adapts a tool served by an MCP server to the tool contract.
//
// Dry runs never reach the server: arguments are validated against the remote
// tool's input schema and the call is described in the diff. Rollback calls a
// configured inverse tool on the same server.
package mcptool

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/Royal-Equips-Org/royal-equips-orchestrator-sub008/pkg/core"
	"github.com/Royal-Equips-Org/royal-equips-orchestrator-sub008/pkg/errors"
	"github.com/Royal-Equips-Org/royal-equips-orchestrator-sub008/pkg/tools"
)

// Config binds a registry name to a remote MCP tool.
type Config struct {
	// Name is the registry name. Defaults to "mcp:" + RemoteTool.
	Name string
	// RemoteTool is the tool name on the MCP server.
	RemoteTool string
	// RollbackTool is the inverse tool. It receives {"args": ..., "result": ...}
	// of the call being reversed. Empty means applies cannot be rolled back.
	RollbackTool string
	// HealthTool, when set, is called with no arguments as the health check;
	// otherwise the session is pinged.
	HealthTool string
	ReadOnly   bool
}

// Tool is an MCP-backed tool.
type Tool struct {
	cfg    Config
	caller Caller

	mu     sync.Mutex
	bound  bool
	schema *jsonschema.Schema
}

// New creates an MCP tool. The remote definition is discovered on first use.
func New(cfg Config, caller Caller) (*Tool, error) {
	if cfg.RemoteTool == "" {
		return nil, fmt.Errorf("mcp remote tool name is required")
	}
	if caller == nil {
		return nil, fmt.Errorf("mcp caller is required")
	}
	if cfg.Name == "" {
		cfg.Name = "mcp:" + cfg.RemoteTool
	}
	return &Tool{cfg: cfg, caller: caller}, nil
}

// Name implements tools.Tool.
func (t *Tool) Name() string { return t.cfg.Name }

// ReadOnly implements tools.ReadOnly.
func (t *Tool) ReadOnly() bool { return t.cfg.ReadOnly }

// bind discovers the remote tool and compiles its input schema. Failed
// discovery is retried on the next call.
func (t *Tool) bind(ctx context.Context) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.bound {
		return nil
	}
	defs, err := t.caller.ListTools(ctx)
	if err != nil {
		return fmt.Errorf("discover mcp tools: %w", err)
	}
	for _, d := range defs {
		if d.Name != t.cfg.RemoteTool {
			continue
		}
		schema, err := compileInputSchema(d)
		if err != nil {
			return err
		}
		t.schema, t.bound = schema, true
		return nil
	}
	return errors.NotFound("mcp tool", t.cfg.RemoteTool)
}

func compileInputSchema(d mcp.Tool) (*jsonschema.Schema, error) {
	var raw []byte
	switch {
	case len(d.RawInputSchema) > 0:
		raw = d.RawInputSchema
	case d.InputSchema.Type == "" && len(d.InputSchema.Properties) == 0 && len(d.InputSchema.Required) == 0:
		return nil, nil
	default:
		b, err := json.Marshal(d.InputSchema)
		if err != nil {
			return nil, fmt.Errorf("encode input schema of %q: %w", d.Name, err)
		}
		raw = b
	}

	url := "https://orchestrator.schemas.local/mcp/" + d.Name + ".schema.json"
	c := jsonschema.NewCompiler()
	if err := c.AddResource(url, bytes.NewReader(raw)); err != nil {
		return nil, fmt.Errorf("load input schema of %q: %w", d.Name, err)
	}
	return c.Compile(url)
}

// validate checks args against the input schema. Args are round-tripped
// through JSON so Go numeric types validate like their wire form.
func (t *Tool) validate(args map[string]any) error {
	if t.schema == nil {
		return nil
	}
	if args == nil {
		args = map[string]any{}
	}
	b, err := json.Marshal(args)
	if err != nil {
		return fmt.Errorf("arguments are not JSON encodable: %w", err)
	}
	v, err := decodeInstance(b)
	if err != nil {
		return err
	}
	return t.schema.Validate(v)
}

// Run implements tools.Tool.
func (t *Tool) Run(ctx context.Context, args map[string]any, opts core.RunOptions) (core.ToolResult, error) {
	if err := t.bind(ctx); err != nil {
		return core.ToolResult{}, err
	}
	if err := t.validate(args); err != nil {
		return core.Failed(fmt.Sprintf("arguments rejected by %s input schema: %v", t.cfg.RemoteTool, err)), nil
	}

	if opts.DryRun {
		diff := fmt.Sprintf("would call mcp tool %s with %s", t.cfg.RemoteTool, tools.DescribeArgs(args))
		if t.cfg.RollbackTool != "" {
			diff += fmt.Sprintf("; reversible through %s", t.cfg.RollbackTool)
		}
		return core.ToolResult{Success: true, Diff: diff}, nil
	}

	result, err := t.caller.CallTool(ctx, t.cfg.RemoteTool, args)
	if err != nil {
		return core.ToolResult{}, err
	}
	out, failure := decodeResult(result)
	if failure != "" {
		return core.Failed(failure), nil
	}

	res := core.ToolResult{Success: true, Data: out}
	if t.cfg.RollbackTool != "" && !t.cfg.ReadOnly {
		res.RollbackData = map[string]any{"args": args, "result": out}
	}
	return res, nil
}

// Rollback implements tools.Rollbacker.
func (t *Tool) Rollback(ctx context.Context, rollbackData any, _ core.RunOptions) (core.ToolResult, error) {
	if t.cfg.RollbackTool == "" {
		return core.ToolResult{}, errors.RollbackUnavailable(t.cfg.Name, "no inverse tool configured")
	}
	data, ok := rollbackData.(map[string]any)
	if !ok {
		return core.ToolResult{}, errors.RollbackUnavailable(t.cfg.Name, fmt.Sprintf("unexpected rollback data %T", rollbackData))
	}
	result, err := t.caller.CallTool(ctx, t.cfg.RollbackTool, data)
	if err != nil {
		return core.ToolResult{}, err
	}
	out, failure := decodeResult(result)
	if failure != "" {
		return core.Failed(failure), nil
	}
	return core.ToolResult{Success: true, Data: out}, nil
}

// HealthCheck implements tools.HealthChecker.
func (t *Tool) HealthCheck(ctx context.Context) error {
	if t.cfg.HealthTool == "" {
		return t.caller.Ping(ctx)
	}
	result, err := t.caller.CallTool(ctx, t.cfg.HealthTool, map[string]any{})
	if err != nil {
		return err
	}
	if _, failure := decodeResult(result); failure != "" {
		return fmt.Errorf("health tool %s: %s", t.cfg.HealthTool, failure)
	}
	return nil
}

// decodeResult returns the tool output, or a non-empty failure reason.
func decodeResult(result *mcp.CallToolResult) (any, string) {
	if result == nil {
		return nil, "mcp tool returned no result"
	}
	text := extractTextContent(result.Content)
	if result.IsError {
		if text == "" {
			text = "mcp tool reported an error"
		}
		return nil, text
	}
	if result.StructuredContent != nil {
		return result.StructuredContent, ""
	}
	return text, ""
}

func extractTextContent(items []mcp.Content) string {
	var parts []string
	for _, item := range items {
		switch content := item.(type) {
		case mcp.TextContent:
			parts = append(parts, content.Text)
		case *mcp.TextContent:
			parts = append(parts, content.Text)
		}
	}
	return strings.Join(parts, "\n")
}

var (
	_ tools.Tool          = (*Tool)(nil)
	_ tools.Rollbacker    = (*Tool)(nil)
	_ tools.HealthChecker = (*Tool)(nil)
	_ tools.ReadOnly      = (*Tool)(nil)
)

// decodeInstance decodes JSON for schema validation, keeping numbers as
// json.Number so integer keywords see the literal value.
func decodeInstance(data []byte) (any, error) {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	var v any
	if err := dec.Decode(&v); err != nil {
		return nil, err
	}
	return v, nil
}
