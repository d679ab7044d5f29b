// File: internal/service/factory.go
package service

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/xkilldash9x/compliance-swarm/internal/config"
	"github.com/xkilldash9x/compliance-swarm/internal/embedding"
	"github.com/xkilldash9x/compliance-swarm/internal/rag"
	"github.com/xkilldash9x/compliance-swarm/internal/swarm"
)

// ComponentFactory creates the set of components an assessment needs. The
// assess command depends on this interface so tests can substitute it.
type ComponentFactory interface {
	Create(ctx context.Context, cfg config.Interface, logger *zap.Logger) (*Components, error)
}

// concreteFactory is the production implementation of the ComponentFactory.
type concreteFactory struct{}

// NewComponentFactory creates a new production-ready component factory.
func NewComponentFactory() ComponentFactory {
	return &concreteFactory{}
}

// Create handles dependency injection and initialization of every component.
// A database is optional; without one the run store is in memory.
func (f *concreteFactory) Create(ctx context.Context, cfg config.Interface, logger *zap.Logger) (*Components, error) {
	components := &Components{}

	// Clean up whatever was created if a later step fails.
	var initializationErr error
	defer func() {
		if initializationErr != nil {
			logger.Warn("Initialization failed, shutting down partially created components.", zap.Error(initializationErr))
			components.Shutdown()
		}
	}()

	// 1. Database Pool
	if cfg.Database().URL != "" {
		pool, err := InitializeDBPool(ctx, cfg.Database(), logger)
		if err != nil {
			initializationErr = err
			return nil, initializationErr
		}
		components.DBPool = pool
	}

	// 2. Store
	runStore, err := InitializeStore(ctx, cfg.Database(), components.DBPool, logger)
	if err != nil {
		initializationErr = err
		return nil, initializationErr
	}
	components.Store = runStore
	logger.Debug("Run store initialized.")

	// 3. LLM
	llm, err := InitializeLLMClient(cfg.LLM(), logger)
	if err != nil {
		initializationErr = err
		return nil, initializationErr
	}
	components.LLM = llm

	// 4. Embeddings and vector store
	embedder, cleanup, err := embedding.New(ctx, cfg.Embedding(), logger)
	if err != nil {
		initializationErr = fmt.Errorf("failed to initialize embedder: %w", err)
		return nil, initializationErr
	}
	components.Embedder = embedder
	components.embedCleanup = cleanup

	vectors, err := InitializeVectorStore(ctx, cfg.VectorStore(), components.DBPool, embedder, false, logger)
	if err != nil {
		initializationErr = err
		return nil, initializationErr
	}
	components.Vectors = vectors
	components.Retriever = rag.New(vectors, llm, cfg.RAG(), logger)
	logger.Debug("Vector store and retriever initialized.", zap.String("backend", cfg.VectorStore().Backend))

	// 5. Tool servers
	manager, err := InitializeToolManager(cfg, logger)
	if err != nil {
		initializationErr = err
		return nil, initializationErr
	}
	components.Tools = manager

	// 6. Orchestrator
	components.Bus = swarm.NewProgressBus(logger, cfg.Swarm().ProgressBuffer)
	orch, err := swarm.New(swarm.Deps{
		LLM:       llm,
		Tools:     manager,
		Retriever: components.Retriever,
		Store:     runStore,
		Vectors:   vectors,
		Bus:       components.Bus,
	}, cfg.Swarm(), logger)
	if err != nil {
		initializationErr = fmt.Errorf("failed to create orchestrator: %w", err)
		return nil, initializationErr
	}
	components.Orchestrator = orch

	logger.Info("All assessment components initialized successfully.")
	return components, nil
}
