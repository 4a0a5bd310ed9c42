// Package mcpserver exposes the turn pipeline and the tool registry as a
// Model Context Protocol server.
package mcpserver

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"

	"github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/OhziiiLov3/rights2roof"
)

// Name identifies the server to MCP clients.
const Name = "rights2roof_tools"

// Pipeline answers one turn.
type Pipeline interface {
	RunTurn(ctx context.Context, query, sessionID string) (string, error)
}

type queryArgs struct {
	Query  string `json:"query" jsonschema:"The tenant's question"`
	UserID string `json:"user_id,omitempty" jsonschema:"Conversation owner; turns of the same user share history"`
}

type capabilityArgs struct {
	Query string         `json:"query" jsonschema:"Input text for the tool"`
	Input map[string]any `json:"input,omitempty" jsonschema:"Additional tool-specific inputs"`
}

type pingArgs struct{}

// New builds the server. registry may be nil, in which case only
// pipeline_query and ping are exposed.
func New(p Pipeline, registry *rights2roof.Registry, version string, logger *slog.Logger) *mcp.Server {
	if logger == nil {
		logger = slog.Default()
	}
	server := mcp.NewServer(&mcp.Implementation{
		Name:    Name,
		Version: version,
		Title:   "rights2roof tenant-rights assistant",
	}, nil)

	mcp.AddTool(server, &mcp.Tool{
		Name:        "pipeline_query",
		Description: "Answer a tenant-rights question with the full plan, retrieve and synthesize pipeline",
	}, func(ctx context.Context, req *mcp.CallToolRequest, a queryArgs) (*mcp.CallToolResult, any, error) {
		query := strings.TrimSpace(a.Query)
		if query == "" {
			return errorResult("query is required"), nil, nil
		}
		logger.Info("MCP pipeline_query", "user_id", a.UserID)
		answer, err := p.RunTurn(ctx, query, a.UserID)
		if err != nil {
			logger.Error("MCP pipeline_query failed", "error", err)
			r := textResult(answer)
			r.IsError = true
			return r, nil, nil
		}
		return textResult(answer), nil, nil
	})

	mcp.AddTool(server, &mcp.Tool{
		Name:        "ping",
		Description: "Check that the server is alive",
	}, func(ctx context.Context, req *mcp.CallToolRequest, _ pingArgs) (*mcp.CallToolResult, any, error) {
		return textResult("pong"), nil, nil
	})

	if registry != nil {
		for _, name := range registry.Names() {
			c, _ := registry.Lookup(string(name))
			addCapability(server, c, logger)
		}
	}
	return server
}

func addCapability(server *mcp.Server, c rights2roof.Capability, logger *slog.Logger) {
	description, _ := c.Schema()["description"].(string)
	mcp.AddTool(server, &mcp.Tool{
		Name:        string(c.Name()),
		Description: description,
	}, func(ctx context.Context, req *mcp.CallToolRequest, a capabilityArgs) (*mcp.CallToolResult, any, error) {
		input := make(map[string]any, len(a.Input)+1)
		for k, v := range a.Input {
			input[k] = v
		}
		input["query"] = a.Query
		if err := c.Validate(input); err != nil {
			return errorResult(err.Error()), nil, nil
		}
		out, err := c.Invoke(ctx, input)
		if err != nil {
			logger.Warn("MCP tool failed", "tool", c.Name(), "error", err)
			return errorResult(err.Error()), nil, nil
		}
		text, err := render(out)
		if err != nil {
			return errorResult(err.Error()), nil, nil
		}
		return textResult(text), nil, nil
	})
}

func render(out any) (string, error) {
	if s, ok := out.(string); ok {
		return s, nil
	}
	b, err := json.MarshalIndent(out, "", "  ")
	if err != nil {
		return "", fmt.Errorf("encode tool output: %w", err)
	}
	return string(b), nil
}

func textResult(text string) *mcp.CallToolResult {
	return &mcp.CallToolResult{Content: []mcp.Content{&mcp.TextContent{Text: text}}}
}

func errorResult(msg string) *mcp.CallToolResult {
	r := textResult(msg)
	r.IsError = true
	return r
}

// ServeStdio runs server on stdin and stdout until ctx ends or the client
// disconnects.
func ServeStdio(ctx context.Context, server *mcp.Server) error {
	return server.Run(ctx, &mcp.StdioTransport{})
}
