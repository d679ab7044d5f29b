// File: internal/service/components.go
package service

import (
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"

	"github.com/xkilldash9x/compliance-swarm/api/schemas"
	"github.com/xkilldash9x/compliance-swarm/internal/observability"
	"github.com/xkilldash9x/compliance-swarm/internal/rag"
	"github.com/xkilldash9x/compliance-swarm/internal/swarm"
	"github.com/xkilldash9x/compliance-swarm/internal/tools"
	"github.com/xkilldash9x/compliance-swarm/internal/vectorstore"
)

// Components holds every initialized service an assessment needs and owns
// their lifecycle.
type Components struct {
	LLM          schemas.LLMClient
	Embedder     schemas.Embedder
	Vectors      *vectorstore.Engine
	Retriever    *rag.Engine
	Tools        *tools.Manager
	Store        schemas.RunStore
	Bus          *swarm.ProgressBus
	Orchestrator *swarm.Orchestrator
	DBPool       *pgxpool.Pool

	// embedCleanup releases the embedding cache connection, if any.
	embedCleanup func() error
}

// Shutdown releases components in reverse dependency order. It is safe to
// call on a partially initialized struct.
func (c *Components) Shutdown() {
	logger := observability.GetLogger()
	logger.Debug("Beginning components shutdown sequence.")

	// 1. Stop event delivery so no subscriber blocks on a closing run.
	if c.Bus != nil {
		c.Bus.Shutdown()
		logger.Debug("Progress bus shut down.")
	}

	// 2. Close tool server sessions.
	if c.Tools != nil {
		if err := c.Tools.Close(); err != nil {
			logger.Warn("Error closing tool sessions.", zap.Error(err))
		} else {
			logger.Debug("Tool manager closed.")
		}
	}

	if c.embedCleanup != nil {
		if err := c.embedCleanup(); err != nil {
			logger.Warn("Error closing embedding cache.", zap.Error(err))
		}
	}

	if c.LLM != nil {
		if err := c.LLM.Close(); err != nil {
			logger.Warn("Error closing LLM client.", zap.Error(err))
		}
	}

	// 3. The pool goes last; both the store and the vector backend use it.
	if c.DBPool != nil {
		c.DBPool.Close()
		logger.Debug("Database connection pool closed.")
	}

	logger.Info("All components shut down successfully.")
}
