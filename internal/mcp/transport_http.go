package mcp

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/haasonsaas/relay/pkg/models"
)

// TokenProvider supplies the Authorization header value for a request.
// Implemented by the OAuth credential provider; nil means the static
// connection headers are used as-is.
type TokenProvider interface {
	AuthHeader(ctx context.Context) (string, error)
}

// HTTPTransport speaks JSON-RPC over streamable HTTP: one POST per
// request, retried on transient failures up to the connection's retry
// count.
type HTTPTransport struct {
	conn   *models.ToolConnection
	logger *slog.Logger
	client *http.Client
	tokens TokenProvider

	connected atomic.Bool
}

// NewHTTPTransport creates a streamable-HTTP transport. tokens may be
// nil for connections without OAuth.
func NewHTTPTransport(conn *models.ToolConnection, tokens TokenProvider) *HTTPTransport {
	timeout := conn.Timeout
	if timeout == 0 {
		timeout = defaultCallTimeout
	}

	return &HTTPTransport{
		conn:   conn,
		logger: slog.Default().With("connection", conn.ID, "transport", "streamable_http"),
		client: &http.Client{Timeout: timeout},
		tokens: tokens,
	}
}

// Connect validates the endpoint config. The actual handshake is the
// client's initialize call.
func (t *HTTPTransport) Connect(ctx context.Context) error {
	if t.conn.URL == "" {
		return fmt.Errorf("url is required for streamable_http transport")
	}
	t.connected.Store(true)
	t.logger.Debug("http transport ready", "url", t.conn.URL)
	return nil
}

// Close marks the transport disconnected.
func (t *HTTPTransport) Close() error {
	t.connected.Store(false)
	return nil
}

// Call sends a request and decodes the response.
func (t *HTTPTransport) Call(ctx context.Context, method string, params any) (json.RawMessage, error) {
	if !t.connected.Load() {
		return nil, fmt.Errorf("not connected")
	}

	req := JSONRPCRequest{
		JSONRPC: "2.0",
		ID:      uuid.New().String(),
		Method:  method,
	}
	if params != nil {
		paramsJSON, err := json.Marshal(params)
		if err != nil {
			return nil, fmt.Errorf("marshal params: %w", err)
		}
		req.Params = paramsJSON
	}

	body, _ := json.Marshal(req)
	respBody, err := t.post(ctx, body)
	if err != nil {
		return nil, err
	}

	var rpcResp JSONRPCResponse
	if err := json.Unmarshal(respBody, &rpcResp); err != nil {
		return nil, fmt.Errorf("decode response: %w", err)
	}
	if rpcResp.Error != nil {
		return nil, fmt.Errorf("tool server error %d: %s", rpcResp.Error.Code, rpcResp.Error.Message)
	}
	return rpcResp.Result, nil
}

// Notify sends a notification; the response body is discarded.
func (t *HTTPTransport) Notify(ctx context.Context, method string, params any) error {
	if !t.connected.Load() {
		return fmt.Errorf("not connected")
	}

	notif := JSONRPCNotification{
		JSONRPC: "2.0",
		Method:  method,
	}
	if params != nil {
		paramsJSON, err := json.Marshal(params)
		if err != nil {
			return fmt.Errorf("marshal params: %w", err)
		}
		notif.Params = paramsJSON
	}

	body, _ := json.Marshal(notif)
	_, err := t.post(ctx, body)
	return err
}

// Connected reports whether the transport is usable.
func (t *HTTPTransport) Connected() bool {
	return t.connected.Load()
}

// post performs one POST with retries. Network errors and 5xx responses
// are retried; everything else fails immediately.
func (t *HTTPTransport) post(ctx context.Context, body []byte) ([]byte, error) {
	attempts := t.conn.RetryCount + 1
	if attempts < 1 {
		attempts = 1
	}

	var lastErr error
	for attempt := 0; attempt < attempts; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(time.Duration(attempt) * 200 * time.Millisecond):
			}
		}

		respBody, retryable, err := t.postOnce(ctx, body)
		if err == nil {
			return respBody, nil
		}
		lastErr = err
		if !retryable {
			return nil, err
		}
		t.logger.Debug("request failed, retrying",
			"attempt", attempt+1, "error", err)
	}
	return nil, lastErr
}

func (t *HTTPTransport) postOnce(ctx context.Context, body []byte) (respBody []byte, retryable bool, err error) {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, t.conn.URL, bytes.NewReader(body))
	if err != nil {
		return nil, false, fmt.Errorf("create request: %w", err)
	}

	httpReq.Header.Set("Content-Type", "application/json")
	for k, v := range t.conn.Headers {
		httpReq.Header.Set(k, v)
	}
	if t.tokens != nil {
		auth, err := t.tokens.AuthHeader(ctx)
		if err != nil {
			return nil, false, fmt.Errorf("fetch auth token: %w", err)
		}
		httpReq.Header.Set("Authorization", auth)
	}

	resp, err := t.client.Do(httpReq)
	if err != nil {
		return nil, true, fmt.Errorf("http request: %w", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, true, fmt.Errorf("read response: %w", err)
	}
	if resp.StatusCode >= 500 {
		return nil, true, fmt.Errorf("HTTP %d: %s", resp.StatusCode, string(data))
	}
	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusAccepted {
		return nil, false, fmt.Errorf("HTTP %d: %s", resp.StatusCode, string(data))
	}
	return data, false, nil
}
