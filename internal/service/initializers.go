// File: internal/service/initializers.go
package service

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"

	"github.com/xkilldash9x/compliance-swarm/api/schemas"
	"github.com/xkilldash9x/compliance-swarm/internal/config"
	"github.com/xkilldash9x/compliance-swarm/internal/llmclient"
	"github.com/xkilldash9x/compliance-swarm/internal/store"
	"github.com/xkilldash9x/compliance-swarm/internal/tools"
	"github.com/xkilldash9x/compliance-swarm/internal/tools/githubtools"
	"github.com/xkilldash9x/compliance-swarm/internal/vectorstore"
)

// GitHubServer is the server id the built-in GitHub evidence tools register under.
const GitHubServer schemas.ServerID = "github"

// InitializeDBPool parses the connection string, applies the pool settings
// and verifies the connection.
func InitializeDBPool(ctx context.Context, cfg config.DatabaseConfig, logger *zap.Logger) (*pgxpool.Pool, error) {
	if cfg.URL == "" {
		return nil, &config.MissingValueError{Key: "database.url (or SWARM_DATABASE_URL)"}
	}

	poolConfig, err := pgxpool.ParseConfig(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("unable to parse PGX pool config: %w", err)
	}
	if cfg.MaxConns > 0 {
		poolConfig.MaxConns = cfg.MaxConns
	}
	poolConfig.MaxConnLifetime = 1 * time.Hour
	poolConfig.MaxConnIdleTime = 30 * time.Minute
	if cfg.ConnectTimeout > 0 {
		poolConfig.ConnConfig.ConnectTimeout = cfg.ConnectTimeout
	}

	pool, err := pgxpool.NewWithConfig(ctx, poolConfig)
	if err != nil {
		return nil, fmt.Errorf("unable to create PGX connection pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to ping PostgreSQL: %w", err)
	}
	logger.Debug("Database connection pool initialized.", zap.String("host", poolConfig.ConnConfig.Host))
	return pool, nil
}

// InitializeStore returns the postgres run store when a pool is available and
// an in-memory store otherwise.
func InitializeStore(ctx context.Context, cfg config.DatabaseConfig, pool *pgxpool.Pool, logger *zap.Logger) (schemas.RunStore, error) {
	if pool == nil {
		logger.Warn("No database configured; runs and reports are kept in memory and lost on exit.")
		return store.NewMemoryStore(), nil
	}

	s, err := store.New(ctx, pool, logger)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize database store: %w", err)
	}
	if cfg.MigrateOnStart {
		if err := s.Migrate(ctx); err != nil {
			return nil, err
		}
	}
	return s, nil
}

// InitializeVectorStore builds the vector store over the configured backend.
// ensureSchema creates the pgvector table when the backend is postgres.
func InitializeVectorStore(ctx context.Context, cfg config.VectorStoreConfig, pool *pgxpool.Pool, embedder schemas.Embedder, ensureSchema bool, logger *zap.Logger) (*vectorstore.Engine, error) {
	var backend vectorstore.Backend
	switch cfg.Backend {
	case "postgres":
		if pool == nil {
			return nil, fmt.Errorf("vector_store.backend is postgres but no database is configured")
		}
		pg := vectorstore.NewPostgresBackend(pool, cfg.Table, logger)
		if ensureSchema {
			if err := pg.EnsureSchema(ctx); err != nil {
				return nil, fmt.Errorf("failed to create vector schema: %w", err)
			}
		}
		backend = pg
	case "memory", "":
		backend = vectorstore.NewMemoryBackend()
	default:
		return nil, fmt.Errorf("unsupported vector store backend: %s", cfg.Backend)
	}
	return vectorstore.New(backend, embedder, cfg, logger), nil
}

// InitializeToolManager creates the MCP client manager. The built-in GitHub
// server is registered unless the configuration names its own "github" server.
func InitializeToolManager(cfg config.Interface, logger *zap.Logger) (*tools.Manager, error) {
	manager, err := tools.NewManager(cfg.Tools(), logger)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize tool manager: %w", err)
	}
	if _, configured := cfg.Tools().Servers[string(GitHubServer)]; !configured {
		gh := cfg.GitHub()
		manager.Register(GitHubServer, githubtools.Connector(gh.BaseURL, gh.Token, logger))
		logger.Debug("Registered built-in GitHub evidence server.")
	}
	manager.AddSink(tools.LogSink(logger))
	return manager, nil
}

// InitializeLLMClient creates the tier router from the llm configuration.
func InitializeLLMClient(cfg config.LLMRouterConfig, logger *zap.Logger) (schemas.LLMClient, error) {
	llmClient, err := llmclient.NewClient(cfg, logger)
	if err != nil {
		logger.Error("Failed to initialize LLM client.", zap.Error(err))
		return nil, fmt.Errorf("failed to initialize LLM client: %w", err)
	}
	return llmClient, nil
}
