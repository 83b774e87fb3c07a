package mcp

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"
)

// ErrToolNotFound is returned when a session has no tool under the
// requested exposed name.
var ErrToolNotFound = errors.New("tool not found in session")

// toolRef binds an exposed tool name to the client owning it.
type toolRef struct {
	client *Client
	tool   *Tool
}

// Session is one built tool session: every connection that came up,
// every connection that failed with its error, and a collision-safe
// tool namespace spanning the active set.
type Session struct {
	// Active maps connection id to its connected client.
	Active map[string]*Client

	// Failed maps connection id to the error that excluded it from the
	// active set.
	Failed map[string]error

	tools  map[string]toolRef
	logger *slog.Logger
}

// ToolNames returns the exposed tool names, sorted.
func (s *Session) ToolNames() []string {
	names := make([]string, 0, len(s.tools))
	for name := range s.tools {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Tool returns the tool definition behind an exposed name.
func (s *Session) Tool(name string) (*Tool, bool) {
	ref, ok := s.tools[name]
	if !ok {
		return nil, false
	}
	return ref.tool, true
}

// CallTool routes an exposed tool name to its owning connection.
func (s *Session) CallTool(ctx context.Context, name string, arguments map[string]any) (*ToolCallResult, error) {
	ref, ok := s.tools[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrToolNotFound, name)
	}
	return ref.client.CallTool(ctx, ref.tool.Name, arguments)
}

// close tears the session down: every client closed independently in
// its own goroutine, failures logged and swallowed. The timeout bounds
// the whole teardown; one hung connection cannot hold up the rest.
func (s *Session) close(timeout time.Duration) {
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	var wg sync.WaitGroup
	for id, client := range s.Active {
		wg.Add(1)
		go func(id string, client *Client) {
			defer wg.Done()
			if err := client.Close(); err != nil {
				s.logger.Warn("failed to close connection", "connection", id, "error", err)
			}
		}(id, client)
	}

	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-ctx.Done():
		s.logger.Warn("session close timed out", "timeout", timeout)
	}
}

// indexTools builds the session tool namespace from the active clients,
// in sorted connection order so exposed names are stable across builds.
func (s *Session) indexTools() {
	s.tools = make(map[string]toolRef)
	used := make(map[string]struct{})

	ids := make([]string, 0, len(s.Active))
	for id := range s.Active {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	for _, id := range ids {
		client := s.Active[id]
		tools := append([]*Tool(nil), client.Tools()...)
		sort.Slice(tools, func(i, j int) bool { return tools[i].Name < tools[j].Name })
		for _, tool := range tools {
			name := SafeToolName(id, tool.Name, used)
			s.tools[name] = toolRef{client: client, tool: tool}
		}
	}
}

// ToolSession is the consumer-facing borrow of a cached session. Its
// Close is a no-op: consumers must not tear down the shared session,
// only the manager's Reload may.
type ToolSession struct {
	session *Session
}

// Close is a no-op on a borrowed session.
func (t *ToolSession) Close() error { return nil }

// Active returns the connected client set.
func (t *ToolSession) Active() map[string]*Client { return t.session.Active }

// Failed returns the per-connection build failures.
func (t *ToolSession) Failed() map[string]error { return t.session.Failed }

// ToolNames returns the exposed tool names, sorted.
func (t *ToolSession) ToolNames() []string { return t.session.ToolNames() }

// Tool returns the tool definition behind an exposed name.
func (t *ToolSession) Tool(name string) (*Tool, bool) { return t.session.Tool(name) }

// CallTool invokes an exposed tool.
func (t *ToolSession) CallTool(ctx context.Context, name string, arguments map[string]any) (*ToolCallResult, error) {
	return t.session.CallTool(ctx, name, arguments)
}
