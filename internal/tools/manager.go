package tools

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"maps"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/modelcontextprotocol/go-sdk/mcp"
	"github.com/xkilldash9x/compliance-swarm/api/schemas"
	"github.com/xkilldash9x/compliance-swarm/internal/config"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

var (
	// ErrConnectionLimit is returned when a user already holds the maximum
	// number of open sessions.
	ErrConnectionLimit = errors.New("per-user connection limit reached")
	// ErrServerNotConnected is returned when no session exists for the scope and server.
	ErrServerNotConnected = errors.New("server not connected")
	// ErrUnknownServer is returned for a server with no registered connector.
	ErrUnknownServer = errors.New("unknown tool server")
	errManagerClosed = errors.New("tool manager is closed")
)

// Version is reported to tool servers in the MCP handshake.
const Version = "0.1.0"

// RecordSink receives the audit record of every tool call.
type RecordSink interface {
	Record(rec schemas.ToolCallRecord)
}

// RecordSinkFunc adapts a function to the RecordSink interface.
type RecordSinkFunc func(rec schemas.ToolCallRecord)

func (f RecordSinkFunc) Record(rec schemas.ToolCallRecord) { f(rec) }

// LogSink writes call records to the logger. Arguments are not logged.
func LogSink(logger *zap.Logger) RecordSink {
	logger = logger.Named("tool_audit")
	return RecordSinkFunc(func(rec schemas.ToolCallRecord) {
		fields := []zap.Field{
			zap.String("id", rec.ID),
			zap.String("server", rec.Server),
			zap.String("tool", rec.Tool),
			zap.String("user_id", rec.UserID),
			zap.String("status", string(rec.Status)),
			zap.Duration("duration", rec.Duration),
		}
		if rec.Error != "" {
			logger.Warn("Tool call failed.", append(fields, zap.String("error", rec.Error))...)
			return
		}
		logger.Info("Tool call completed.", fields...)
	})
}

type sessionKey struct {
	user    string
	session string
	server  schemas.ServerID
}

func keyFor(server schemas.ServerID, scope schemas.UserScope) sessionKey {
	return sessionKey{user: scope.UserID, session: scope.SessionID, server: server}
}

// openSession is a live client session and the credentials it was opened with.
type openSession struct {
	cs    *mcp.ClientSession
	creds schemas.Credentials
}

func sameCredentials(a, b schemas.Credentials) bool {
	return a.Mode == b.Mode && a.Token == b.Token && maps.Equal(a.Extra, b.Extra)
}

// Manager implements schemas.ToolInvoker over MCP client sessions. Sessions
// are keyed by (user, session, server) and never shared between users.
type Manager struct {
	cfg    config.ToolsConfig
	logger *zap.Logger
	client *mcp.Client

	mu         sync.Mutex
	connectors map[schemas.ServerID]Connector
	sessions   map[sessionKey]openSession
	limiters   map[schemas.ServerID]*rate.Limiter
	sinks      []RecordSink
	closed     bool

	now func() time.Time
}

var _ schemas.ToolInvoker = (*Manager)(nil)

// NewManager creates a manager with connectors for every configured
// streamable-http and command server.
func NewManager(cfg config.ToolsConfig, logger *zap.Logger) (*Manager, error) {
	if cfg.MaxConnectionsPerUser <= 0 {
		cfg.MaxConnectionsPerUser = 8
	}
	if cfg.CallTimeout <= 0 {
		cfg.CallTimeout = 60 * time.Second
	}
	m := &Manager{
		cfg:        cfg,
		logger:     logger.Named("tools"),
		client:     mcp.NewClient(&mcp.Implementation{Name: "compliance-swarm", Version: Version}, nil),
		connectors: make(map[schemas.ServerID]Connector),
		sessions:   make(map[sessionKey]openSession),
		limiters:   make(map[schemas.ServerID]*rate.Limiter),
		now:        time.Now,
	}
	for name, sc := range cfg.Servers {
		c, err := connectorFromConfig(name, sc)
		if err != nil {
			return nil, err
		}
		if c != nil {
			m.connectors[schemas.ServerID(name)] = c
		}
	}
	return m, nil
}

// Register adds or replaces the connector for a server.
func (m *Manager) Register(server schemas.ServerID, c Connector) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.connectors[server] = c
}

// AddSink subscribes an audit sink to every subsequent call record.
func (m *Manager) AddSink(s RecordSink) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sinks = append(m.sinks, s)
}

// Servers lists the servers that have a connector, sorted.
func (m *Manager) Servers() []schemas.ServerID {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]schemas.ServerID, 0, len(m.connectors))
	for id := range m.connectors {
		out = append(out, id)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// Connect opens a session for the scope and server. Connecting again with the
// same credentials is a no-op; different credentials replace the session.
func (m *Manager) Connect(ctx context.Context, server schemas.ServerID, creds schemas.Credentials, scope schemas.UserScope) error {
	if scope.UserID == "" {
		return errors.New("user id is required")
	}
	key := keyFor(server, scope)

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return errManagerClosed
	}
	if existing, ok := m.sessions[key]; ok {
		if sameCredentials(existing.creds, creds) {
			m.mu.Unlock()
			return nil
		}
		delete(m.sessions, key)
		m.mu.Unlock()
		_ = existing.cs.Close()
		m.logger.Info("Replacing tool session with new credentials.",
			zap.String("server", string(server)),
			zap.String("user_id", scope.UserID))
		m.mu.Lock()
	}
	if m.userSessionsLocked(scope.UserID) >= m.cfg.MaxConnectionsPerUser {
		m.mu.Unlock()
		return fmt.Errorf("%w: user %s has %d open sessions", ErrConnectionLimit, scope.UserID, m.cfg.MaxConnectionsPerUser)
	}
	connector, ok := m.connectors[server]
	m.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownServer, server)
	}

	transport, err := connector.Transport(ctx, creds)
	if err != nil {
		return fmt.Errorf("failed to build transport for %s: %w", server, err)
	}
	session, err := m.client.Connect(ctx, transport, nil)
	if err != nil {
		return fmt.Errorf("failed to connect to %s: %w", server, err)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		_ = session.Close()
		return errManagerClosed
	}
	if existing, ok := m.sessions[key]; ok {
		// A concurrent Connect for the same key won the race.
		if sameCredentials(existing.creds, creds) {
			_ = session.Close()
			return nil
		}
		_ = existing.cs.Close()
		delete(m.sessions, key)
	}
	if m.userSessionsLocked(scope.UserID) >= m.cfg.MaxConnectionsPerUser {
		_ = session.Close()
		return fmt.Errorf("%w: user %s has %d open sessions", ErrConnectionLimit, scope.UserID, m.cfg.MaxConnectionsPerUser)
	}
	m.sessions[key] = openSession{cs: session, creds: creds}
	m.logger.Info("Connected to tool server.",
		zap.String("server", string(server)),
		zap.String("user_id", scope.UserID),
		zap.String("session_id", scope.SessionID),
		zap.String("auth_mode", string(creds.Mode)))
	return nil
}

func (m *Manager) userSessionsLocked(user string) int {
	n := 0
	for k := range m.sessions {
		if k.user == user {
			n++
		}
	}
	return n
}

func (m *Manager) session(server schemas.ServerID, scope schemas.UserScope) (*mcp.ClientSession, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[keyFor(server, scope)]
	if !ok {
		return nil, fmt.Errorf("%w: %s for user %s", ErrServerNotConnected, server, scope.UserID)
	}
	return s.cs, nil
}

// ListTools returns every tool the server exposes, following pagination.
func (m *Manager) ListTools(ctx context.Context, server schemas.ServerID, scope schemas.UserScope) ([]schemas.ToolDescriptor, error) {
	session, err := m.session(server, scope)
	if err != nil {
		return nil, err
	}

	var out []schemas.ToolDescriptor
	params := &mcp.ListToolsParams{}
	for {
		res, err := session.ListTools(ctx, params)
		if err != nil {
			return nil, fmt.Errorf("failed to list tools on %s: %w", server, err)
		}
		for _, t := range res.Tools {
			d := schemas.ToolDescriptor{Server: server, Name: t.Name, Description: t.Description}
			if t.InputSchema != nil {
				if raw, err := json.Marshal(t.InputSchema); err == nil {
					d.InputSchema = raw
				}
			}
			out = append(out, d)
		}
		if res.NextCursor == "" {
			return out, nil
		}
		params = &mcp.ListToolsParams{Cursor: res.NextCursor}
	}
}

// CallTool invokes a tool and always returns the audit record, which has
// already been delivered to every sink.
func (m *Manager) CallTool(ctx context.Context, server schemas.ServerID, tool string, args map[string]any, scope schemas.UserScope) (schemas.ToolCallRecord, error) {
	rec := schemas.ToolCallRecord{
		ID:        uuid.NewString(),
		Server:    string(server),
		Tool:      tool,
		UserID:    scope.UserID,
		Params:    maps.Clone(args),
		StartedAt: m.now().UTC(),
	}
	text, err := m.call(ctx, server, tool, args, scope)
	rec.Duration = m.now().Sub(rec.StartedAt)
	if err != nil {
		rec.Status = schemas.ToolCallError
		rec.Error = err.Error()
	} else {
		rec.Status = schemas.ToolCallSuccess
		rec.Result = text
	}
	m.deliver(rec)
	return rec, err
}

func (m *Manager) call(ctx context.Context, server schemas.ServerID, tool string, args map[string]any, scope schemas.UserScope) (string, error) {
	session, err := m.session(server, scope)
	if err != nil {
		return "", err
	}
	if args == nil {
		args = map[string]any{}
	}
	if err := m.limiter(server).Wait(ctx); err != nil {
		return "", fmt.Errorf("rate limit wait for %s: %w", server, err)
	}

	callCtx, cancel := context.WithTimeout(ctx, m.cfg.CallTimeout)
	defer cancel()

	res, err := session.CallTool(callCtx, &mcp.CallToolParams{Name: tool, Arguments: args})
	if err != nil {
		if ctx.Err() == nil && errors.Is(callCtx.Err(), context.DeadlineExceeded) {
			return "", fmt.Errorf("tool %s on %s timed out after %s", tool, server, m.cfg.CallTimeout)
		}
		return "", fmt.Errorf("tool %s on %s failed: %w", tool, server, err)
	}

	text := resultText(res)
	if res.IsError {
		if text == "" {
			text = "tool reported an error"
		}
		return "", fmt.Errorf("tool %s on %s returned an error: %s", tool, server, text)
	}
	return text, nil
}

// resultText concatenates text content. Structured content is used when the
// server returned no text.
func resultText(res *mcp.CallToolResult) string {
	var parts []string
	for _, c := range res.Content {
		if tc, ok := c.(*mcp.TextContent); ok && tc.Text != "" {
			parts = append(parts, tc.Text)
		}
	}
	if len(parts) == 0 && res.StructuredContent != nil {
		if raw, err := json.Marshal(res.StructuredContent); err == nil {
			return string(raw)
		}
	}
	return strings.Join(parts, "\n")
}

func (m *Manager) limiter(server schemas.ServerID) *rate.Limiter {
	m.mu.Lock()
	defer m.mu.Unlock()
	if l, ok := m.limiters[server]; ok {
		return l
	}
	limit, burst := rate.Inf, m.cfg.RateBurst
	if m.cfg.RateLimit > 0 {
		limit = rate.Limit(m.cfg.RateLimit)
	}
	if burst <= 0 {
		burst = 1
	}
	l := rate.NewLimiter(limit, burst)
	m.limiters[server] = l
	return l
}

func (m *Manager) deliver(rec schemas.ToolCallRecord) {
	m.mu.Lock()
	sinks := append([]RecordSink(nil), m.sinks...)
	m.mu.Unlock()
	for _, s := range sinks {
		s.Record(rec)
	}
}

// Disconnect closes the session for the scope and server.
func (m *Manager) Disconnect(server schemas.ServerID, scope schemas.UserScope) error {
	m.mu.Lock()
	key := keyFor(server, scope)
	session, ok := m.sessions[key]
	delete(m.sessions, key)
	m.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: %s for user %s", ErrServerNotConnected, server, scope.UserID)
	}
	return session.cs.Close()
}

// Close disconnects every session. The manager cannot be reused.
func (m *Manager) Close() error {
	m.mu.Lock()
	m.closed = true
	sessions := m.sessions
	m.sessions = make(map[sessionKey]openSession)
	m.mu.Unlock()

	var errs []error
	for key, s := range sessions {
		if err := s.cs.Close(); err != nil {
			errs = append(errs, fmt.Errorf("closing %s/%s: %w", key.user, key.server, err))
		}
	}
	return errors.Join(errs...)
}
