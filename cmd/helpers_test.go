// File: cmd/helpers_test.go
package cmd

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/xkilldash9x/compliance-swarm/api/schemas"
	"github.com/xkilldash9x/compliance-swarm/internal/config"
	"github.com/xkilldash9x/compliance-swarm/internal/embedding"
	"github.com/xkilldash9x/compliance-swarm/internal/rag"
	"github.com/xkilldash9x/compliance-swarm/internal/service"
	"github.com/xkilldash9x/compliance-swarm/internal/store"
	"github.com/xkilldash9x/compliance-swarm/internal/swarm"
	"github.com/xkilldash9x/compliance-swarm/internal/vectorstore"
)

// isolateEnvironment keeps the developer's config and dotenv files out of
// the tests.
func isolateEnvironment(t *testing.T) {
	t.Helper()
	t.Setenv("HOME", t.TempDir())
	t.Chdir(t.TempDir())
}

// executeCommand runs root with args and returns everything written to
// stdout and stderr.
func executeCommand(t *testing.T, root *cobra.Command, args ...string) (string, error) {
	t.Helper()
	buf := new(bytes.Buffer)
	root.SetOut(buf)
	root.SetErr(buf)
	root.SetArgs(args)
	err := root.ExecuteContext(context.Background())
	return buf.String(), err
}

// createTempConfig writes content to a yaml file in a temp dir.
func createTempConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

// offlineConfig runs without network or database.
func offlineConfig() *config.Config {
	cfg := config.NewDefaultConfig()
	cfg.EmbeddingCfg.Provider = embedding.ProviderLocal
	cfg.EmbeddingCfg.Dimensions = 64
	cfg.VectorStoreCfg.Backend = "memory"
	cfg.VectorStoreCfg.MinSimilarity = 0.05
	cfg.VectorStoreCfg.FilteredMinSimilarity = 0.05
	return cfg
}

// -- Test Doubles --

// agentLLM answers each agent by the role named in its system prompt.
type agentLLM struct {
	planErr error
}

func (l *agentLLM) Generate(_ context.Context, req schemas.GenerationRequest) (string, error) {
	switch {
	case strings.Contains(req.SystemPrompt, "planning agent"):
		if l.planErr != nil {
			return "", l.planErr
		}
		return `{"focusAreas": ["access control"], "dataSources": [], "successCriteria": ["every requirement has evidence"]}`, nil
	case strings.Contains(req.SystemPrompt, "gap analysis agent"):
		return `{"isCompliant": true, "hasGap": false, "confidence": 0.9}`, nil
	case strings.Contains(req.SystemPrompt, "reporting agent"):
		return "All assessed controls are in place.", nil
	default:
		return `{"refinedQuery": ""}`, nil
	}
}

func (l *agentLLM) Close() error { return nil }

// cannedTools answers every tool call with the same JSON document.
type cannedTools struct {
	mu    sync.Mutex
	calls int
}

func (c *cannedTools) Connect(context.Context, schemas.ServerID, schemas.Credentials, schemas.UserScope) error {
	return nil
}

func (c *cannedTools) ListTools(context.Context, schemas.ServerID, schemas.UserScope) ([]schemas.ToolDescriptor, error) {
	return nil, nil
}

func (c *cannedTools) CallTool(_ context.Context, server schemas.ServerID, tool string, args map[string]any, scope schemas.UserScope) (schemas.ToolCallRecord, error) {
	c.mu.Lock()
	c.calls++
	c.mu.Unlock()
	return schemas.ToolCallRecord{
		ID:        uuid.NewString(),
		Server:    string(server),
		Tool:      tool,
		UserID:    scope.UserID,
		Params:    args,
		Status:    schemas.ToolCallSuccess,
		Result:    fmt.Sprintf(`{"tool": %q, "mfa_enforced": true, "required_reviews": 2}`, tool),
		StartedAt: time.Now(),
	}, nil
}

func (c *cannedTools) Disconnect(schemas.ServerID, schemas.UserScope) error { return nil }
func (c *cannedTools) Close() error                                         { return nil }

// fakeFactory builds components around the test doubles.
type fakeFactory struct {
	llm     *agentLLM
	tools   *cannedTools
	store   *store.MemoryStore
	err     error
	created int
}

func newFakeFactory() *fakeFactory {
	return &fakeFactory{llm: &agentLLM{}, tools: &cannedTools{}, store: store.NewMemoryStore()}
}

func (f *fakeFactory) Create(_ context.Context, cfg config.Interface, logger *zap.Logger) (*service.Components, error) {
	f.created++
	if f.err != nil {
		return nil, f.err
	}
	vs := vectorstore.New(vectorstore.NewMemoryBackend(), embedding.NewHashingEmbedder(64), cfg.VectorStore(), logger)
	bus := swarm.NewProgressBus(logger, 256)
	retriever := rag.New(vs, f.llm, cfg.RAG(), logger)
	orch, err := swarm.New(swarm.Deps{
		LLM:       f.llm,
		Tools:     f.tools,
		Retriever: retriever,
		Store:     f.store,
		Vectors:   vs,
		Bus:       bus,
	}, cfg.Swarm(), logger)
	if err != nil {
		return nil, err
	}
	return &service.Components{
		LLM:          f.llm,
		Vectors:      vs,
		Retriever:    retriever,
		Store:        f.store,
		Bus:          bus,
		Orchestrator: orch,
	}, nil
}

// memoryProvider serves the report command from a MemoryStore.
type memoryProvider struct {
	store   *store.MemoryStore
	err     error
	cleaned bool
}

func (p *memoryProvider) Create(context.Context, config.Interface) (schemas.RunStore, func(), error) {
	if p.err != nil {
		return nil, nil, p.err
	}
	return p.store, func() { p.cleaned = true }, nil
}

var errNoDatabase = errors.New("no database")
