package mcp

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"

	"github.com/haasonsaas/relay/pkg/models"
)

const protocolVersion = "2024-11-05"

// Client wraps one connected tool server: the transport, the initialize
// handshake, and the discovered tool list.
type Client struct {
	conn      *models.ToolConnection
	transport Transport
	logger    *slog.Logger

	mu         sync.RWMutex
	tools      []*Tool
	serverInfo ServerInfo
}

// NewClient creates a client over an already-built transport.
func NewClient(conn *models.ToolConnection, transport Transport, logger *slog.Logger) *Client {
	if logger == nil {
		logger = slog.Default()
	}
	return &Client{
		conn:      conn,
		transport: transport,
		logger:    logger.With("connection", conn.ID),
	}
}

// Connect establishes the transport, runs the initialize handshake, and
// lists tools. Hosted connections skip the handshake: their tool surface
// lives on the provider side.
func (c *Client) Connect(ctx context.Context) error {
	if err := c.transport.Connect(ctx); err != nil {
		return fmt.Errorf("transport connect: %w", err)
	}

	if c.conn.Type == models.ConnectionHosted {
		c.logger.Info("registered hosted connection",
			"server_label", c.conn.ServerLabel, "server_url", c.conn.ServerURL)
		return nil
	}

	result, err := c.transport.Call(ctx, "initialize", map[string]any{
		"protocolVersion": protocolVersion,
		"capabilities":    map[string]any{},
		"clientInfo": map[string]any{
			"name":    "relay",
			"version": "1.0.0",
		},
	})
	if err != nil {
		c.transport.Close()
		return fmt.Errorf("initialize: %w", err)
	}

	var initResult InitializeResult
	if err := json.Unmarshal(result, &initResult); err != nil {
		c.transport.Close()
		return fmt.Errorf("parse initialize result: %w", err)
	}

	c.mu.Lock()
	c.serverInfo = initResult.ServerInfo
	c.mu.Unlock()

	c.logger.Info("connected to tool server",
		"name", initResult.ServerInfo.Name,
		"version", initResult.ServerInfo.Version,
		"protocol", initResult.ProtocolVersion)

	if err := c.transport.Notify(ctx, "notifications/initialized", nil); err != nil {
		c.logger.Warn("failed to send initialized notification", "error", err)
	}

	return nil
}

// Close closes the underlying transport.
func (c *Client) Close() error {
	return c.transport.Close()
}

// Connection returns the connection config backing this client.
func (c *Client) Connection() *models.ToolConnection {
	return c.conn
}

// ServerInfo returns the connected server's identity.
func (c *Client) ServerInfo() ServerInfo {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.serverInfo
}

// Connected reports whether the transport is up.
func (c *Client) Connected() bool {
	return c.transport.Connected()
}

// RefreshTools re-fetches the tool list, applying the connection's tool
// filter.
func (c *Client) RefreshTools(ctx context.Context) error {
	result, err := c.transport.Call(ctx, "tools/list", nil)
	if err != nil {
		return err
	}

	var resp ListToolsResult
	if err := json.Unmarshal(result, &resp); err != nil {
		return fmt.Errorf("parse tools/list result: %w", err)
	}

	filtered := make([]*Tool, 0, len(resp.Tools))
	for _, tool := range resp.Tools {
		if c.conn.AllowsTool(tool.Name) {
			filtered = append(filtered, tool)
		}
	}

	c.mu.Lock()
	c.tools = filtered
	c.mu.Unlock()

	c.logger.Debug("refreshed tools",
		"discovered", len(resp.Tools), "exposed", len(filtered))
	return nil
}

// Tools returns the filtered tool list.
func (c *Client) Tools() []*Tool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.tools
}

// SetTools replaces the tool list. Used when a cached list is restored
// for connections that opt out of re-listing on rebuild.
func (c *Client) SetTools(tools []*Tool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.tools = tools
}

// CallTool invokes a tool by its server-side name.
func (c *Client) CallTool(ctx context.Context, name string, arguments map[string]any) (*ToolCallResult, error) {
	params := CallToolParams{Name: name}
	if arguments != nil {
		argsJSON, err := json.Marshal(arguments)
		if err != nil {
			return nil, fmt.Errorf("marshal arguments: %w", err)
		}
		params.Arguments = argsJSON
	}

	result, err := c.transport.Call(ctx, "tools/call", params)
	if err != nil {
		return nil, err
	}

	var callResult ToolCallResult
	if err := json.Unmarshal(result, &callResult); err != nil {
		return nil, fmt.Errorf("parse result: %w", err)
	}
	return &callResult, nil
}
