// File: cmd/report.go
package cmd

import (
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/xkilldash9x/compliance-swarm/api/schemas"
	"github.com/xkilldash9x/compliance-swarm/internal/config"
	"github.com/xkilldash9x/compliance-swarm/internal/observability"
	"github.com/xkilldash9x/compliance-swarm/internal/reporting"
	"github.com/xkilldash9x/compliance-swarm/internal/service"
	"github.com/xkilldash9x/compliance-swarm/internal/store"
)

// storeProvider creates the run store the report command reads from. Tests
// substitute an in-memory store.
type storeProvider interface {
	// Create returns the store, a cleanup function to release resources, and
	// an error if the store could not be opened.
	Create(ctx context.Context, cfg config.Interface) (schemas.RunStore, func(), error)
}

// defaultStoreProvider opens the PostgreSQL store.
type defaultStoreProvider struct{}

// NewStoreProvider is a factory function that creates a new defaultStoreProvider.
func NewStoreProvider() storeProvider {
	return &defaultStoreProvider{}
}

// Create connects to the database and returns the store with a cleanup that
// closes the pool. Reports only outlive a process when a database is set.
func (p *defaultStoreProvider) Create(ctx context.Context, cfg config.Interface) (schemas.RunStore, func(), error) {
	logger := observability.GetLogger()

	pool, err := service.InitializeDBPool(ctx, cfg.Database(), logger)
	if err != nil {
		return nil, nil, err
	}
	storeService, err := store.New(ctx, pool, logger)
	if err != nil {
		pool.Close()
		return nil, nil, fmt.Errorf("failed to initialize store service: %w", err)
	}

	cleanup := func() {
		pool.Close()
		logger.Debug("Database connection pool closed (via report cleanup).")
	}
	return storeService, cleanup, nil
}

// newReportCmd creates and configures the `report` command.
func newReportCmd(provider storeProvider) *cobra.Command {
	var runID, outputPath, format string

	reportCmd := &cobra.Command{
		Use:   "report",
		Short: "Render the saved report of a completed assessment",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			logger := observability.GetLogger()

			cfg, err := getConfigFromContext(ctx)
			if err != nil {
				return err
			}
			return runReport(ctx, cmd.OutOrStdout(), logger, cfg, runID, outputPath, format, provider)
		},
	}

	reportCmd.Flags().StringVar(&runID, "run-id", "", "The ID of the run to render (required)")
	_ = reportCmd.MarkFlagRequired("run-id")
	reportCmd.Flags().StringVarP(&outputPath, "output", "o", "", "Output file path. If unset, the report is printed to stdout.")
	reportCmd.Flags().StringVarP(&format, "format", "f", reporting.FormatMarkdown, "Report format (markdown, json)")

	return reportCmd
}

// runReport contains the core, testable logic of the report command.
func runReport(
	ctx context.Context,
	out io.Writer,
	logger *zap.Logger,
	cfg config.Interface,
	runID, outputPath, format string,
	provider storeProvider,
) error {
	renderer, err := reporting.New(format)
	if err != nil {
		return err
	}

	storeService, cleanup, err := provider.Create(ctx, cfg)
	if err != nil {
		return fmt.Errorf("failed to initialize store: %w", err)
	}
	if cleanup != nil {
		defer cleanup()
	}

	report, err := storeService.GetReport(ctx, runID)
	if errors.Is(err, schemas.ErrRunNotFound) {
		return fmt.Errorf("no report saved for run %s", runID)
	}
	if err != nil {
		return fmt.Errorf("failed to load report: %w", err)
	}

	if outputPath == "" {
		return renderer.Render(out, report)
	}
	if err := reporting.WriteFile(outputPath, format, report); err != nil {
		return err
	}
	logger.Info("Report successfully written to file", zap.String("path", outputPath), zap.String("run_id", runID))
	return nil
}
