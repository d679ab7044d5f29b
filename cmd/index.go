// File: cmd/index.go
package cmd

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/xkilldash9x/compliance-swarm/internal/config"
	"github.com/xkilldash9x/compliance-swarm/internal/embedding"
	"github.com/xkilldash9x/compliance-swarm/internal/frameworks"
	"github.com/xkilldash9x/compliance-swarm/internal/observability"
	"github.com/xkilldash9x/compliance-swarm/internal/service"
	"github.com/xkilldash9x/compliance-swarm/internal/swarm"
)

type indexOptions struct {
	framework  string
	file       string
	initSchema bool
}

// newIndexCmd creates and configures the `index` command.
func newIndexCmd() *cobra.Command {
	opts := &indexOptions{}

	indexCmd := &cobra.Command{
		Use:   "index",
		Short: "Chunk and store framework requirement text in the vector store",
		Long: `Without --file, indexes the built-in requirement catalog of the framework.
With --file, splits the regulation text on its numbered or bolded section
headings and stores one chunk per section.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			logger := observability.GetLogger()

			cfg, err := getConfigFromContext(ctx)
			if err != nil {
				return err
			}
			return runIndex(ctx, cmd.OutOrStdout(), logger, cfg, opts)
		},
	}

	indexCmd.Flags().StringVar(&opts.framework, "framework", "", "Framework the text belongs to (required)")
	_ = indexCmd.MarkFlagRequired("framework")
	indexCmd.Flags().StringVar(&opts.file, "file", "", "Regulation text to index instead of the built-in catalog")
	indexCmd.Flags().BoolVar(&opts.initSchema, "init-schema", false, "Create the pgvector extension and table first (postgres backend)")

	return indexCmd
}

func runIndex(ctx context.Context, out io.Writer, logger *zap.Logger, cfg config.Interface, opts *indexOptions) error {
	fw, known := frameworks.Get(opts.framework)
	if !known && opts.file == "" {
		return fmt.Errorf("%w: %q (supported: %s)", swarm.ErrUnknownFramework, opts.framework, strings.Join(frameworks.Names(), ", "))
	}

	var text string
	if opts.file != "" {
		data, err := os.ReadFile(opts.file)
		if err != nil {
			return fmt.Errorf("failed to read %s: %w", opts.file, err)
		}
		text = string(data)
	}

	var pool *pgxpool.Pool
	if cfg.Database().URL != "" {
		p, err := service.InitializeDBPool(ctx, cfg.Database(), logger)
		if err != nil {
			return err
		}
		defer p.Close()
		pool = p
	}
	if cfg.VectorStore().Backend != "postgres" {
		logger.Warn("Vector store backend is in memory; indexed chunks are discarded on exit.")
	}

	embedder, cleanup, err := embedding.New(ctx, cfg.Embedding(), logger)
	if err != nil {
		return fmt.Errorf("failed to initialize embedder: %w", err)
	}
	defer func() {
		if err := cleanup(); err != nil {
			logger.Warn("Error closing embedding cache.", zap.Error(err))
		}
	}()

	vs, err := service.InitializeVectorStore(ctx, cfg.VectorStore(), pool, embedder, opts.initSchema, logger)
	if err != nil {
		return err
	}

	var n int
	if opts.file == "" {
		n, err = swarm.IndexFramework(ctx, vs, fw)
	} else {
		name := strings.ToUpper(strings.TrimSpace(opts.framework))
		if known {
			name = fw.Name
		}
		n, err = swarm.IndexRegulation(ctx, vs, name, filepath.Base(opts.file), text)
	}
	if err != nil {
		return fmt.Errorf("indexing failed: %w", err)
	}

	logger.Info("Indexed requirement text", zap.String("framework", opts.framework), zap.Int("chunks", n))
	fmt.Fprintf(out, "Indexed %d chunks for %s.\n", n, opts.framework)
	return nil
}
