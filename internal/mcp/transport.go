package mcp

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/haasonsaas/relay/pkg/models"
)

// Transport is one wire connection to a tool server.
type Transport interface {
	// Connect establishes the transport connection.
	Connect(ctx context.Context) error

	// Close closes the transport connection.
	Close() error

	// Call sends a request and waits for a response.
	Call(ctx context.Context, method string, params any) (json.RawMessage, error)

	// Notify sends a notification (no response expected).
	Notify(ctx context.Context, method string, params any) error

	// Connected reports whether the transport is connected.
	Connected() bool
}

// TransportFactory builds a transport for a connection config. The
// session manager takes a factory so tests can swap in fakes.
type TransportFactory func(conn *models.ToolConnection) (Transport, error)

// NewTransport builds the transport matching the connection variant.
func NewTransport(conn *models.ToolConnection) (Transport, error) {
	switch conn.Type {
	case models.ConnectionStdio:
		return NewStdioTransport(conn), nil
	case models.ConnectionStreamableHTTP:
		return NewHTTPTransport(conn, nil), nil
	case models.ConnectionHosted:
		return newHostedHandle(conn), nil
	default:
		return nil, fmt.Errorf("connection %s: unknown type %q", conn.ID, conn.Type)
	}
}

// hostedHandle represents a provider-hosted connection. There is no
// local process or endpoint to speak to; the remote side owns the tool
// surface, so the handle only carries the connection metadata through
// the session.
type hostedHandle struct {
	conn      *models.ToolConnection
	connected bool
}

func newHostedHandle(conn *models.ToolConnection) *hostedHandle {
	return &hostedHandle{conn: conn}
}

func (h *hostedHandle) Connect(ctx context.Context) error {
	if h.conn.ServerURL == "" {
		return fmt.Errorf("server_url is required for hosted connection")
	}
	h.connected = true
	return nil
}

func (h *hostedHandle) Close() error {
	h.connected = false
	return nil
}

func (h *hostedHandle) Call(ctx context.Context, method string, params any) (json.RawMessage, error) {
	return nil, fmt.Errorf("hosted connection %s is invoked remotely, not callable locally", h.conn.ID)
}

func (h *hostedHandle) Notify(ctx context.Context, method string, params any) error {
	return nil
}

func (h *hostedHandle) Connected() bool {
	return h.connected
}
