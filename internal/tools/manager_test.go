package tools

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/modelcontextprotocol/go-sdk/mcp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/xkilldash9x/compliance-swarm/api/schemas"
	"github.com/xkilldash9x/compliance-swarm/internal/config"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

// -- Test Server --

type echoInput struct {
	Message string `json:"message"`
}

type echoOutput struct {
	Echo string `json:"echo"`
}

type emptyInput struct{}

type tokenOutput struct {
	Token string `json:"token"`
}

// newTestServer builds an in-process server whose whoami tool reports the
// token the session was opened with.
func newTestServer(creds schemas.Credentials) (*mcp.Server, error) {
	s := mcp.NewServer(&mcp.Implementation{Name: "test", Version: "v0.0.1"}, nil)
	mcp.AddTool(s, &mcp.Tool{Name: "echo", Description: "Echoes the message back"},
		func(ctx context.Context, _ *mcp.CallToolRequest, in echoInput) (*mcp.CallToolResult, echoOutput, error) {
			return &mcp.CallToolResult{Content: []mcp.Content{&mcp.TextContent{Text: in.Message}}}, echoOutput{Echo: in.Message}, nil
		})
	mcp.AddTool(s, &mcp.Tool{Name: "whoami", Description: "Reports the bound token"},
		func(ctx context.Context, _ *mcp.CallToolRequest, _ emptyInput) (*mcp.CallToolResult, tokenOutput, error) {
			return &mcp.CallToolResult{Content: []mcp.Content{&mcp.TextContent{Text: creds.Token}}}, tokenOutput{Token: creds.Token}, nil
		})
	mcp.AddTool(s, &mcp.Tool{Name: "fail", Description: "Always fails"},
		func(ctx context.Context, _ *mcp.CallToolRequest, _ emptyInput) (*mcp.CallToolResult, any, error) {
			return &mcp.CallToolResult{
				IsError: true,
				Content: []mcp.Content{&mcp.TextContent{Text: "boom"}},
			}, nil, nil
		})
	mcp.AddTool(s, &mcp.Tool{Name: "slow", Description: "Blocks until cancelled"},
		func(ctx context.Context, _ *mcp.CallToolRequest, _ emptyInput) (*mcp.CallToolResult, any, error) {
			<-ctx.Done()
			return nil, nil, ctx.Err()
		})
	return s, nil
}

type captureSink struct {
	mu      sync.Mutex
	records []schemas.ToolCallRecord
}

func (c *captureSink) Record(rec schemas.ToolCallRecord) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.records = append(c.records, rec)
}

func (c *captureSink) all() []schemas.ToolCallRecord {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]schemas.ToolCallRecord(nil), c.records...)
}

func newTestManager(t *testing.T, cfg config.ToolsConfig, servers ...schemas.ServerID) (*Manager, *captureSink) {
	t.Helper()
	m, err := NewManager(cfg, zap.NewNop())
	require.NoError(t, err)
	for _, s := range servers {
		m.Register(s, InProcess(newTestServer))
	}
	sink := &captureSink{}
	m.AddSink(sink)
	t.Cleanup(func() { _ = m.Close() })
	return m, sink
}

var (
	alice = schemas.UserScope{UserID: "alice"}
	bob   = schemas.UserScope{UserID: "bob"}
	byok  = schemas.Credentials{Mode: schemas.AuthBYOK, Token: "alice-secret"}
)

// -- Test Cases --

func TestManager_ConnectListAndCall(t *testing.T) {
	ctx := context.Background()
	m, sink := newTestManager(t, config.ToolsConfig{}, "github")

	require.NoError(t, m.Connect(ctx, "github", byok, alice))
	require.NoError(t, m.Connect(ctx, "github", byok, alice), "reconnecting is a no-op")

	tools, err := m.ListTools(ctx, "github", alice)
	require.NoError(t, err)
	names := make([]string, len(tools))
	for i, d := range tools {
		names[i] = d.Name
		assert.Equal(t, schemas.ServerID("github"), d.Server)
	}
	assert.ElementsMatch(t, []string{"echo", "whoami", "fail", "slow"}, names)

	rec, err := m.CallTool(ctx, "github", "echo", map[string]any{"message": "hello"}, alice)
	require.NoError(t, err)
	assert.Equal(t, schemas.ToolCallSuccess, rec.Status)
	assert.Equal(t, "hello", rec.Result)
	assert.Equal(t, "github", rec.Server)
	assert.Equal(t, "echo", rec.Tool)
	assert.Equal(t, "alice", rec.UserID)
	assert.Equal(t, "hello", rec.Params["message"])
	assert.NotEmpty(t, rec.ID)
	assert.False(t, rec.StartedAt.IsZero())

	recorded := sink.all()
	require.Len(t, recorded, 1)
	assert.Equal(t, rec.ID, recorded[0].ID)
}

func TestManager_UserIsolation(t *testing.T) {
	ctx := context.Background()
	m, sink := newTestManager(t, config.ToolsConfig{}, "github")

	require.NoError(t, m.Connect(ctx, "github", byok, alice))

	rec, err := m.CallTool(ctx, "github", "echo", map[string]any{"message": "x"}, bob)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrServerNotConnected)
	assert.Equal(t, schemas.ToolCallError, rec.Status)
	assert.Equal(t, "bob", rec.UserID)
	assert.NotEmpty(t, rec.Error)
	assert.Len(t, sink.all(), 1, "failed calls are recorded too")

	_, err = m.ListTools(ctx, "github", bob)
	assert.ErrorIs(t, err, ErrServerNotConnected)

	// Each user's session carries its own credentials.
	require.NoError(t, m.Connect(ctx, "github", schemas.Credentials{Mode: schemas.AuthOAuth, Token: "bob-token"}, bob))
	aliceRec, err := m.CallTool(ctx, "github", "whoami", nil, alice)
	require.NoError(t, err)
	bobRec, err := m.CallTool(ctx, "github", "whoami", nil, bob)
	require.NoError(t, err)
	assert.Equal(t, "alice-secret", aliceRec.Result)
	assert.Equal(t, "bob-token", bobRec.Result)
}

func TestManager_ReconnectWithNewCredentials(t *testing.T) {
	ctx := context.Background()
	m, _ := newTestManager(t, config.ToolsConfig{MaxConnectionsPerUser: 1}, "github")

	require.NoError(t, m.Connect(ctx, "github", byok, alice))
	rec, err := m.CallTool(ctx, "github", "whoami", nil, alice)
	require.NoError(t, err)
	assert.Equal(t, "alice-secret", rec.Result)

	rotated := schemas.Credentials{Mode: schemas.AuthBYOK, Token: "alice-rotated"}
	require.NoError(t, m.Connect(ctx, "github", rotated, alice), "replacing a session does not count against the limit")
	rec, err = m.CallTool(ctx, "github", "whoami", nil, alice)
	require.NoError(t, err)
	assert.Equal(t, "alice-rotated", rec.Result, "the session uses the latest credentials")

	// Same credentials keep the session.
	require.NoError(t, m.Connect(ctx, "github", rotated, alice))
	rec, err = m.CallTool(ctx, "github", "whoami", nil, alice)
	require.NoError(t, err)
	assert.Equal(t, "alice-rotated", rec.Result)
}

func TestManager_SessionsArePerScope(t *testing.T) {
	ctx := context.Background()
	m, _ := newTestManager(t, config.ToolsConfig{}, "github")
	runA := schemas.UserScope{UserID: "alice", SessionID: "run-a"}
	runB := schemas.UserScope{UserID: "alice", SessionID: "run-b"}

	require.NoError(t, m.Connect(ctx, "github", byok, runA))
	require.NoError(t, m.Connect(ctx, "github", schemas.Credentials{Mode: schemas.AuthBYOK, Token: "other"}, runB))

	// Disconnecting one run leaves the other run's session open.
	require.NoError(t, m.Disconnect("github", runA))
	_, err := m.CallTool(ctx, "github", "echo", map[string]any{"message": "x"}, runA)
	assert.ErrorIs(t, err, ErrServerNotConnected)

	rec, err := m.CallTool(ctx, "github", "whoami", nil, runB)
	require.NoError(t, err)
	assert.Equal(t, "other", rec.Result)
}

func TestManager_ConnectionLimit(t *testing.T) {
	ctx := context.Background()
	m, _ := newTestManager(t, config.ToolsConfig{MaxConnectionsPerUser: 1}, "github", "jira")

	require.NoError(t, m.Connect(ctx, "github", byok, alice))
	err := m.Connect(ctx, "jira", byok, alice)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrConnectionLimit)

	// The cap is per user.
	require.NoError(t, m.Connect(ctx, "jira", byok, bob))

	// Disconnecting frees the slot.
	require.NoError(t, m.Disconnect("github", alice))
	require.NoError(t, m.Connect(ctx, "jira", byok, alice))
}

func TestManager_ToolErrorsBecomeFailedRecords(t *testing.T) {
	ctx := context.Background()
	m, sink := newTestManager(t, config.ToolsConfig{}, "github")
	require.NoError(t, m.Connect(ctx, "github", byok, alice))

	rec, err := m.CallTool(ctx, "github", "fail", nil, alice)
	require.Error(t, err)
	assert.Equal(t, schemas.ToolCallError, rec.Status)
	assert.Contains(t, rec.Error, "boom")
	assert.Empty(t, rec.Result)
	assert.Len(t, sink.all(), 1)
}

func TestManager_CallTimeout(t *testing.T) {
	ctx := context.Background()
	m, _ := newTestManager(t, config.ToolsConfig{CallTimeout: 50 * time.Millisecond}, "github")
	require.NoError(t, m.Connect(ctx, "github", byok, alice))

	start := time.Now()
	rec, err := m.CallTool(ctx, "github", "slow", nil, alice)
	require.Error(t, err)
	assert.Less(t, time.Since(start), 5*time.Second)
	assert.Equal(t, schemas.ToolCallError, rec.Status)
	assert.Contains(t, rec.Error, "timed out")
}

func TestManager_UnknownServerAndClose(t *testing.T) {
	ctx := context.Background()
	m, _ := newTestManager(t, config.ToolsConfig{}, "github")

	err := m.Connect(ctx, "aws", byok, alice)
	assert.ErrorIs(t, err, ErrUnknownServer)

	assert.Error(t, m.Connect(ctx, "github", byok, schemas.UserScope{}), "user id is required")

	require.NoError(t, m.Connect(ctx, "github", byok, alice))
	require.NoError(t, m.Close())

	_, err = m.CallTool(ctx, "github", "echo", map[string]any{"message": "x"}, alice)
	assert.ErrorIs(t, err, ErrServerNotConnected)
	assert.Error(t, m.Connect(ctx, "github", byok, alice))

	err = m.Disconnect("github", alice)
	assert.True(t, errors.Is(err, ErrServerNotConnected))
}

func TestNewManager_Config(t *testing.T) {
	m, err := NewManager(config.ToolsConfig{Servers: map[string]config.ToolServerConfig{
		"jira":  {Transport: config.TransportStreamableHTTP, Endpoint: "https://mcp.example.com/jira"},
		"aws":   {Transport: config.TransportCommand, Command: "aws-mcp", TokenEnv: "AWS_SESSION_TOKEN"},
		"local": {Transport: config.TransportInProcess},
	}}, zap.NewNop())
	require.NoError(t, err)
	assert.Equal(t, []schemas.ServerID{"aws", "jira"}, m.Servers())

	_, err = NewManager(config.ToolsConfig{Servers: map[string]config.ToolServerConfig{
		"bad": {Transport: "carrier-pigeon"},
	}}, zap.NewNop())
	assert.Error(t, err)
}

func TestTransports_Validation(t *testing.T) {
	ctx := context.Background()
	_, err := StreamableHTTP("").Transport(ctx, byok)
	assert.Error(t, err)
	_, err = Command("", nil, nil, "").Transport(ctx, byok)
	assert.Error(t, err)

	tr, err := Command("server-bin", []string{"--stdio"}, map[string]string{"REGION": "eu"}, "").Transport(ctx, schemas.Credentials{
		Token: "t0k",
		Extra: map[string]string{"org": "acme"},
	})
	require.NoError(t, err)
	ct, ok := tr.(*mcp.CommandTransport)
	require.True(t, ok)
	assert.Contains(t, ct.Command.Env, "MCP_TOKEN=t0k")
	assert.Contains(t, ct.Command.Env, "REGION=eu")
	assert.Contains(t, ct.Command.Env, "ORG=acme")
	assert.Equal(t, []string{"server-bin", "--stdio"}, ct.Command.Args)

	tr, err = StreamableHTTP("https://mcp.example.com").Transport(ctx, byok)
	require.NoError(t, err)
	st, ok := tr.(*mcp.StreamableClientTransport)
	require.True(t, ok)
	assert.Equal(t, "https://mcp.example.com", st.Endpoint)
	assert.NotNil(t, st.HTTPClient)
}

func TestResultText(t *testing.T) {
	res := &mcp.CallToolResult{StructuredContent: map[string]any{"ok": true}}
	assert.JSONEq(t, `{"ok": true}`, resultText(res))

	res = &mcp.CallToolResult{Content: []mcp.Content{
		&mcp.TextContent{Text: "a"},
		&mcp.TextContent{Text: "b"},
	}}
	assert.Equal(t, "a\nb", resultText(res))
}

func TestLogSink(t *testing.T) {
	core, logs := observer.New(zapcore.InfoLevel)
	sink := LogSink(zap.New(core))

	sink.Record(schemas.ToolCallRecord{ID: "1", Server: "github", Tool: "echo", Status: schemas.ToolCallSuccess,
		Params: map[string]any{"secret": "do-not-log"}})
	sink.Record(schemas.ToolCallRecord{ID: "2", Server: "github", Tool: "fail", Status: schemas.ToolCallError, Error: "boom"})

	require.Equal(t, 2, logs.Len())
	assert.Equal(t, zapcore.WarnLevel, logs.All()[1].Level)
	for _, entry := range logs.All() {
		_, hasParams := entry.ContextMap()["params"]
		assert.False(t, hasParams)
	}
}
