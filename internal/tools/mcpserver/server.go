// Package mcpserver exposes the toolbox over the Model Context Protocol.
package mcpserver

import (
	"context"
	"encoding/base64"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"
	"github.com/rs/zerolog"

	"github.com/polzovatel/page-bridge/internal/tools"
)

const name = "page-bridge"

// Server wraps a toolbox and exposes it as an MCP server.
type Server struct {
	tools     tools.Toolbox
	logger    zerolog.Logger
	mcpServer *server.MCPServer
}

func New(tb tools.Toolbox, version string, logger zerolog.Logger) *Server {
	s := &Server{
		tools:     tb,
		logger:    logger.With().Str("comp", "mcp").Logger(),
		mcpServer: server.NewMCPServer(name, version),
	}
	s.registerTools()
	return s
}

// ServeStdio serves on stdin and stdout until the input closes.
func (s *Server) ServeStdio() error {
	return server.ServeStdio(s.mcpServer)
}

// MCP returns the underlying server.
func (s *Server) MCP() *server.MCPServer {
	return s.mcpServer
}

func (s *Server) registerTools() {
	byName := make(map[string]tools.Tool)
	for _, t := range s.tools.Describe() {
		byName[t.Name] = t
	}
	ref := mcp.WithString("ref", mcp.Description("Element ref from the last snapshot, e.g. e12"))
	selector := mcp.WithString("selector", mcp.Description("CSS selector"))

	defs := []mcp.Tool{
		mcp.NewTool("snapshot",
			mcp.WithDescription(byName["snapshot"].Description),
		),
		mcp.NewTool("click",
			mcp.WithDescription(byName["click"].Description),
			ref, selector,
			mcp.WithNumber("x", mcp.Description("Viewport x coordinate")),
			mcp.WithNumber("y", mcp.Description("Viewport y coordinate")),
		),
		mcp.NewTool("type",
			mcp.WithDescription(byName["type"].Description),
			ref, selector,
			mcp.WithString("text", mcp.Required(), mcp.Description("Text to type")),
			mcp.WithBoolean("append", mcp.Description("Append to the current value instead of replacing it")),
		),
		mcp.NewTool("hover",
			mcp.WithDescription(byName["hover"].Description),
			ref, selector,
		),
		mcp.NewTool("get_element",
			mcp.WithDescription(byName["get_element"].Description),
			mcp.WithString("selector", mcp.Required(), mcp.Description("CSS selector")),
			mcp.WithNumber("limit", mcp.Description("Maximum number of elements, default 10, at most 100")),
		),
		mcp.NewTool("screenshot",
			mcp.WithDescription(byName["screenshot"].Description),
		),
	}
	if t, ok := byName["save_state"]; ok {
		defs = append(defs, mcp.NewTool("save_state",
			mcp.WithDescription(t.Description),
			mcp.WithString("path", mcp.Required(), mcp.Description("Path to write")),
		))
	}
	for _, def := range defs {
		s.mcpServer.AddTool(def, s.handle(def.Name))
	}
}

func (s *Server) handle(tool string) server.ToolHandlerFunc {
	return func(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		res, err := s.tools.Invoke(ctx, tool, request.GetArguments())
		if err != nil {
			s.logger.Debug().Str("tool", tool).Err(err).Msg("tool failed")
			return mcp.NewToolResultError(err.Error()), nil
		}
		if len(res.Image) > 0 {
			return mcp.NewToolResultImage(res.Observation, base64.StdEncoding.EncodeToString(res.Image), res.MimeType), nil
		}
		return mcp.NewToolResultText(res.Observation), nil
	}
}
