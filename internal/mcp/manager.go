package mcp

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/haasonsaas/relay/internal/observability"
	"github.com/haasonsaas/relay/pkg/models"
)

// Default session lifecycle timeouts. Building can cold-start several
// tool-server processes, so the connect bound is generous; teardown is
// expected to be fast.
const (
	DefaultConnectTimeout = 5 * time.Minute
	DefaultCloseTimeout   = 10 * time.Second
)

// ErrSessionBuildTimeout is returned when the whole session build
// exceeds the connect timeout. Callers are expected to turn this into a
// "taking longer than expected" surface, not a hard failure.
var ErrSessionBuildTimeout = errors.New("tool session build timed out")

// ConnectionStore is the persistence surface the manager reads fresh on
// every build and writes refreshed OAuth tokens back through.
type ConnectionStore interface {
	ListConnections(ctx context.Context) ([]*models.ToolConnection, error)
	GetConnection(ctx context.Context, id string) (*models.ToolConnection, error)
	PutConnection(ctx context.Context, conn *models.ToolConnection) error
}

// SessionManager builds, caches, and tears down tool sessions. One
// instance per process; all session state lives on the instance.
type SessionManager struct {
	store   ConnectionStore
	logger  *slog.Logger
	metrics *observability.Metrics
	factory TransportFactory

	connectTimeout time.Duration
	closeTimeout   time.Duration

	mu       sync.Mutex
	cached   *Session
	inflight *inflightBuild

	// toolCache keeps the last discovered tool list for connections
	// that opt out of re-listing on rebuild (cache_tool_list).
	toolCache map[string][]*Tool
}

// inflightBuild is the single-flight sentinel: the first caller creates
// it and runs the build; concurrent callers await done.
type inflightBuild struct {
	done    chan struct{}
	session *Session
	err     error
}

// ManagerOption configures the session manager.
type ManagerOption func(*SessionManager)

// WithConnectTimeout bounds the whole session build.
func WithConnectTimeout(d time.Duration) ManagerOption {
	return func(m *SessionManager) {
		if d > 0 {
			m.connectTimeout = d
		}
	}
}

// WithCloseTimeout bounds session teardown on reload.
func WithCloseTimeout(d time.Duration) ManagerOption {
	return func(m *SessionManager) {
		if d > 0 {
			m.closeTimeout = d
		}
	}
}

// WithManagerLogger configures the manager logger.
func WithManagerLogger(logger *slog.Logger) ManagerOption {
	return func(m *SessionManager) {
		if logger != nil {
			m.logger = logger
		}
	}
}

// WithManagerMetrics attaches session metrics.
func WithManagerMetrics(metrics *observability.Metrics) ManagerOption {
	return func(m *SessionManager) {
		m.metrics = metrics
	}
}

// WithTransportFactory overrides transport construction, for tests.
func WithTransportFactory(factory TransportFactory) ManagerOption {
	return func(m *SessionManager) {
		m.factory = factory
	}
}

// NewSessionManager creates a session manager over a connection store.
func NewSessionManager(store ConnectionStore, opts ...ManagerOption) *SessionManager {
	m := &SessionManager{
		store:          store,
		logger:         slog.Default().With("component", "session_manager"),
		connectTimeout: DefaultConnectTimeout,
		closeTimeout:   DefaultCloseTimeout,
		toolCache:      make(map[string][]*Tool),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// GetSession returns the cached session as a no-op-close borrow,
// joining an in-flight build when one exists, or starting a build
// otherwise. Exactly one build runs at a time; a build timeout
// surfaces as ErrSessionBuildTimeout.
func (m *SessionManager) GetSession(ctx context.Context) (*ToolSession, error) {
	m.mu.Lock()
	if m.cached != nil {
		session := m.cached
		m.mu.Unlock()
		return &ToolSession{session: session}, nil
	}
	if m.inflight == nil {
		m.inflight = &inflightBuild{done: make(chan struct{})}
		go m.runBuild(m.inflight)
	}
	flight := m.inflight
	m.mu.Unlock()

	select {
	case <-flight.done:
		if flight.err != nil {
			return nil, flight.err
		}
		return &ToolSession{session: flight.session}, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Reload closes the cached session and clears the cache so the next
// GetSession rebuilds from fresh config. Per-connection close failures
// are logged and swallowed; calling with nothing cached is a no-op.
func (m *SessionManager) Reload(ctx context.Context) {
	m.mu.Lock()
	session := m.cached
	m.cached = nil
	m.mu.Unlock()

	if session == nil {
		return
	}

	m.logger.Info("reloading tool session", "active", len(session.Active))
	session.close(m.closeTimeout)
}

// runBuild executes one session build under the connect timeout and
// publishes the outcome to every waiter.
func (m *SessionManager) runBuild(flight *inflightBuild) {
	ctx, cancel := context.WithTimeout(context.Background(), m.connectTimeout)
	defer cancel()

	start := time.Now()
	session, err := m.buildWithTimeout(ctx)

	m.mu.Lock()
	if err == nil {
		m.cached = session
	}
	m.inflight = nil
	m.mu.Unlock()

	m.observeBuild(session, err, time.Since(start))

	flight.session = session
	flight.err = err
	close(flight.done)
}

// buildWithTimeout races the build against the connect timeout. On
// timeout the build itself keeps running only to tear down whatever
// connected; the caller gets the distinguished timeout error.
func (m *SessionManager) buildWithTimeout(ctx context.Context) (*Session, error) {
	connections, err := m.store.ListConnections(ctx)
	if err != nil {
		if ctx.Err() != nil {
			// The connect window expired while still listing config. Present
			// the same distinguished error the connect phase uses.
			return nil, fmt.Errorf("%w: %v", ErrSessionBuildTimeout, err)
		}
		return nil, err
	}

	results := make(chan *Session, 1)
	go func() {
		results <- m.connectAll(ctx, connections)
	}()

	select {
	case session := <-results:
		return session, nil
	case <-ctx.Done():
		go func() {
			if session := <-results; session != nil {
				session.close(m.closeTimeout)
			}
		}()
		return nil, ErrSessionBuildTimeout
	}
}

// connectAll connects every configured connection independently. A
// failure excludes that connection from the active set and is recorded;
// it never fails the build.
func (m *SessionManager) connectAll(ctx context.Context, connections []*models.ToolConnection) *Session {
	session := &Session{
		Active: make(map[string]*Client),
		Failed: make(map[string]error),
		logger: m.logger,
	}

	for _, conn := range connections {
		client, err := m.connectOne(ctx, conn)
		if err != nil {
			m.logger.Error("connection failed, excluding from session",
				"connection", conn.ID, "type", conn.Type, "error", err)
			session.Failed[conn.ID] = err
			continue
		}
		session.Active[conn.ID] = client
	}

	session.indexTools()
	return session
}

func (m *SessionManager) connectOne(ctx context.Context, conn *models.ToolConnection) (*Client, error) {
	if err := conn.Validate(); err != nil {
		return nil, err
	}

	transport, err := m.newTransport(conn)
	if err != nil {
		return nil, err
	}

	client := NewClient(conn, transport, m.logger)
	if err := client.Connect(ctx); err != nil {
		return nil, err
	}

	if conn.Type == models.ConnectionHosted {
		return client, nil
	}

	if conn.CacheToolList {
		if tools, ok := m.cachedTools(conn.ID); ok {
			client.SetTools(tools)
			return client, nil
		}
	}
	if err := client.RefreshTools(ctx); err != nil {
		m.logger.Warn("failed to list tools", "connection", conn.ID, "error", err)
	} else if conn.CacheToolList {
		m.storeTools(conn.ID, client.Tools())
	}
	return client, nil
}

func (m *SessionManager) newTransport(conn *models.ToolConnection) (Transport, error) {
	if m.factory != nil {
		return m.factory(conn)
	}
	if conn.Type == models.ConnectionStreamableHTTP && conn.OAuth != nil {
		return NewHTTPTransport(conn, newOAuthProvider(conn, m.store, m.logger)), nil
	}
	return NewTransport(conn)
}

func (m *SessionManager) cachedTools(connID string) ([]*Tool, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	tools, ok := m.toolCache[connID]
	return tools, ok
}

func (m *SessionManager) storeTools(connID string, tools []*Tool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.toolCache[connID] = tools
}

func (m *SessionManager) observeBuild(session *Session, err error, elapsed time.Duration) {
	if m.metrics == nil {
		return
	}
	status := "success"
	switch {
	case errors.Is(err, ErrSessionBuildTimeout):
		status = "timeout"
	case err != nil:
		status = "error"
	case len(session.Failed) > 0:
		status = "partial"
	}
	m.metrics.SessionBuilds.WithLabelValues(status).Inc()
	m.metrics.SessionBuildDuration.Observe(elapsed.Seconds())
}
