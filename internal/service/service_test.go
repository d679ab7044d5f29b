package service

import (
	"context"
	"errors"
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"

	"github.com/xkilldash9x/compliance-swarm/api/schemas"
	"github.com/xkilldash9x/compliance-swarm/internal/config"
	"github.com/xkilldash9x/compliance-swarm/internal/embedding"
	"github.com/xkilldash9x/compliance-swarm/internal/observability"
	"github.com/xkilldash9x/compliance-swarm/internal/store"
	"github.com/xkilldash9x/compliance-swarm/internal/swarm"
	"github.com/xkilldash9x/compliance-swarm/internal/vectorstore"
)

func TestMain(m *testing.M) {
	cfg := config.NewDefaultConfig()
	observability.InitializeLogger(cfg.Logger())

	exitCode := m.Run()

	observability.Sync()
	os.Exit(exitCode)
}

// offlineConfig needs no network: openai clients are constructed lazily,
// embeddings are local and nothing is persisted.
func offlineConfig() *config.Config {
	cfg := config.NewDefaultConfig()
	cfg.LLMCfg.Models = map[string]config.LLMModelConfig{
		"fast":     {Provider: config.ProviderOpenAI, Model: "gpt-4o-mini", APIKey: "test-key"},
		"powerful": {Provider: config.ProviderOpenAI, Model: "gpt-4o", APIKey: "test-key"},
	}
	cfg.EmbeddingCfg.Provider = embedding.ProviderLocal
	cfg.EmbeddingCfg.Dimensions = 64
	cfg.VectorStoreCfg.Backend = "memory"
	cfg.DatabaseCfg.URL = ""
	return cfg
}

func TestFactoryCreate_InMemory(t *testing.T) {
	core, logs := observer.New(zap.DebugLevel)
	logger := zap.New(core)

	components, err := NewComponentFactory().Create(context.Background(), offlineConfig(), logger)
	require.NoError(t, err)
	require.NotNil(t, components)
	defer components.Shutdown()

	assert.IsType(t, &store.MemoryStore{}, components.Store)
	assert.Nil(t, components.DBPool)
	assert.NotNil(t, components.LLM)
	assert.NotNil(t, components.Embedder)
	assert.NotNil(t, components.Vectors)
	assert.NotNil(t, components.Retriever)
	require.NotNil(t, components.Orchestrator)
	assert.Same(t, components.Bus, components.Orchestrator.Bus())
	assert.Contains(t, components.Tools.Servers(), GitHubServer)

	assert.Equal(t, 1, logs.FilterMessage("No database configured; runs and reports are kept in memory and lost on exit.").Len())
	assert.Equal(t, 1, logs.FilterMessage("All assessment components initialized successfully.").Len())
}

func TestFactoryCreate_Failures(t *testing.T) {
	testCases := []struct {
		name      string
		configure func(*config.Config)
		errSubstr string
	}{
		{
			name: "unknown LLM model",
			configure: func(c *config.Config) {
				c.LLMCfg.DefaultFastModel = "missing"
			},
			errSubstr: `model "missing" is not defined`,
		},
		{
			name: "LLM model without API key",
			configure: func(c *config.Config) {
				m := c.LLMCfg.Models["powerful"]
				m.APIKey = ""
				c.LLMCfg.Models["powerful"] = m
			},
			errSubstr: "api_key",
		},
		{
			name: "unknown embedding provider",
			configure: func(c *config.Config) {
				c.EmbeddingCfg.Provider = "cohere"
			},
			errSubstr: "unknown embedding provider",
		},
		{
			name: "postgres vectors without a database",
			configure: func(c *config.Config) {
				c.VectorStoreCfg.Backend = "postgres"
			},
			errSubstr: "no database is configured",
		},
		{
			name: "unknown vector backend",
			configure: func(c *config.Config) {
				c.VectorStoreCfg.Backend = "faiss"
			},
			errSubstr: "unsupported vector store backend: faiss",
		},
		{
			name: "malformed database URL",
			configure: func(c *config.Config) {
				c.DatabaseCfg.URL = "postgres://user:pa ss@%zz/db"
			},
			errSubstr: "unable to parse PGX pool config",
		},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := offlineConfig()
			tc.configure(cfg)

			core, logs := observer.New(zap.WarnLevel)
			components, err := NewComponentFactory().Create(context.Background(), cfg, zap.New(core))
			require.Error(t, err)
			assert.Nil(t, components)
			assert.Contains(t, err.Error(), tc.errSubstr)
			assert.Equal(t, 1, logs.FilterMessage("Initialization failed, shutting down partially created components.").Len())
		})
	}
}

func TestInitializeDBPool_MissingURL(t *testing.T) {
	pool, err := InitializeDBPool(context.Background(), config.DatabaseConfig{}, zap.NewNop())
	assert.Nil(t, pool)

	var missing *config.MissingValueError
	require.True(t, errors.As(err, &missing))
	assert.Contains(t, missing.Key, "database.url")
}

func TestInitializeStore_WithoutPool(t *testing.T) {
	s, err := InitializeStore(context.Background(), config.DatabaseConfig{MigrateOnStart: true}, nil, zap.NewNop())
	require.NoError(t, err)
	assert.IsType(t, &store.MemoryStore{}, s)
}

func TestInitializeVectorStore_Memory(t *testing.T) {
	cfg := config.NewDefaultConfig().VectorStore()
	cfg.Backend = ""
	vs, err := InitializeVectorStore(context.Background(), cfg, nil, embedding.NewHashingEmbedder(32), true, zap.NewNop())
	require.NoError(t, err)

	n, err := swarm.IndexRegulation(context.Background(), vs, "SOC2", "regulation.md", "## CC6.1 Logical Access\nAccess is restricted.\n")
	require.NoError(t, err)
	assert.Positive(t, n)
	assert.IsType(t, &vectorstore.Engine{}, vs)
}

func TestInitializeToolManager(t *testing.T) {
	t.Run("registers the built-in GitHub server", func(t *testing.T) {
		m, err := InitializeToolManager(offlineConfig(), zap.NewNop())
		require.NoError(t, err)
		defer m.Close()
		assert.Contains(t, m.Servers(), GitHubServer)
	})

	t.Run("keeps a configured GitHub server", func(t *testing.T) {
		cfg := offlineConfig()
		cfg.ToolsCfg.Servers = map[string]config.ToolServerConfig{
			"github": {Transport: config.TransportStreamableHTTP, Endpoint: "http://127.0.0.1:1/mcp"},
			"aws":    {Transport: config.TransportCommand, Command: "aws-mcp"},
		}
		m, err := InitializeToolManager(cfg, zap.NewNop())
		require.NoError(t, err)
		defer m.Close()
		assert.ElementsMatch(t, []string{"aws", "github"}, serverNames(m.Servers()))
	})

	t.Run("rejects an unknown transport", func(t *testing.T) {
		cfg := offlineConfig()
		cfg.ToolsCfg.Servers = map[string]config.ToolServerConfig{"jira": {Transport: "carrier-pigeon"}}
		_, err := InitializeToolManager(cfg, zap.NewNop())
		assert.Error(t, err)
	})
}

func TestComponents_ShutdownPartial(t *testing.T) {
	assert.NotPanics(t, func() { (&Components{}).Shutdown() })

	var closed bool
	c := &Components{
		Bus:          swarm.NewProgressBus(zap.NewNop(), 4),
		embedCleanup: func() error { closed = true; return nil },
	}
	c.Shutdown()
	assert.True(t, closed)
}

func serverNames(ids []schemas.ServerID) []string {
	out := make([]string, len(ids))
	for i, id := range ids {
		out[i] = string(id)
	}
	return out
}
