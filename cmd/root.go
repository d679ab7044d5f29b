// -- cmd/root.go --
package cmd

import (
	"context"
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"github.com/xkilldash9x/compliance-swarm/internal/config"
	"github.com/xkilldash9x/compliance-swarm/internal/observability"
	"github.com/xkilldash9x/compliance-swarm/internal/service"
)

type contextKey string

// configKey is the context key for the validated configuration.
const configKey contextKey = "config"

// rootOptions holds the persistent flags shared by every subcommand.
type rootOptions struct {
	cfgFile       string
	envFile       string
	databaseURL   string
	vectorBackend string
	githubToken   string
}

// NewRootCommand builds the command tree wired to the production factories.
func NewRootCommand() *cobra.Command {
	return newRootCmd(service.NewComponentFactory(), NewStoreProvider())
}

func newRootCmd(factory service.ComponentFactory, provider storeProvider) *cobra.Command {
	opts := &rootOptions{}

	rootCmd := &cobra.Command{
		Use:   "swarm",
		Short: "compliance-swarm runs multi-agent compliance assessments.",
		Long: `compliance-swarm collects evidence from connected tool servers, retrieves the
relevant framework requirements and asks a team of LLM agents to find gaps,
plan remediation and write the report.`,
		Version:       Version,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(cmd, opts)
			if err != nil {
				// Initialize a basic logger so the failure is visible.
				observability.InitializeLogger(config.LoggerConfig{Level: "info", Format: "console", ServiceName: "compliance-swarm"})
				return err
			}

			observability.InitializeLogger(cfg.Logger())
			observability.GetLogger().Debug("Starting compliance-swarm", zap.String("version", Version))

			ctx := context.WithValue(cmd.Context(), configKey, config.Interface(cfg))
			cmd.SetContext(ctx)
			return nil
		},
	}

	rootCmd.PersistentFlags().StringVarP(&opts.cfgFile, "config", "c", "", "config file (default is ./config.yaml, then ~/.compliance-swarm/config.yaml)")
	rootCmd.PersistentFlags().StringVar(&opts.envFile, "env-file", ".env", "dotenv file loaded before reading the environment")
	rootCmd.PersistentFlags().StringVar(&opts.databaseURL, "database-url", "", "PostgreSQL connection string (overrides config/env)")
	rootCmd.PersistentFlags().StringVar(&opts.vectorBackend, "vector-backend", "", "vector store backend: memory or postgres (overrides config/env)")
	rootCmd.PersistentFlags().StringVar(&opts.githubToken, "github-token", "", "token for the built-in GitHub evidence server (overrides config/env)")
	rootCmd.SetVersionTemplate(`{{printf "%s\n" .Version}}`)

	rootCmd.AddCommand(newAssessCmd(factory))
	rootCmd.AddCommand(newIndexCmd())
	rootCmd.AddCommand(newReportCmd(provider))
	rootCmd.AddCommand(newVersionCmd())
	return rootCmd
}

// Execute runs the root command with ctx, which should be cancelled on
// SIGINT/SIGTERM so in-flight runs stop cleanly.
func Execute(ctx context.Context) error {
	err := NewRootCommand().ExecuteContext(ctx)
	if err != nil {
		if errors.Is(err, context.Canceled) {
			observability.GetLogger().Warn("Command aborted.")
		} else {
			observability.GetLogger().Error("Command execution failed", zap.Error(err))
			fmt.Fprintln(os.Stderr, "Error:", err)
		}
	}
	observability.Sync()
	return err
}

// flagBindings maps persistent flags onto the configuration keys they
// override.
var flagBindings = map[string]string{
	"database-url":   "database.url",
	"vector-backend": "vector_store.backend",
	"github-token":   "github.token",
}

// loadConfig layers defaults, the config file, the environment and the
// persistent flag overrides, then validates the result.
func loadConfig(cmd *cobra.Command, opts *rootOptions) (*config.Config, error) {
	v := viper.New()
	config.SetDefaults(v)
	if opts.envFile != "" {
		config.LoadDotEnv(opts.envFile)
	}

	if err := initializeConfig(v, opts.cfgFile); err != nil {
		return nil, fmt.Errorf("failed to initialize configuration: %w", err)
	}

	flags := cmd.Flags()
	if flags.Changed("vector-backend") {
		check := config.VectorStoreConfig{Backend: opts.vectorBackend}
		if err := check.Validate(); err != nil {
			return nil, fmt.Errorf("invalid --vector-backend: %w", err)
		}
	}
	for name, key := range flagBindings {
		if err := v.BindPFlag(key, flags.Lookup(name)); err != nil {
			return nil, fmt.Errorf("failed to bind --%s: %w", name, err)
		}
	}

	cfg, err := config.NewConfigFromViper(v)
	if err != nil {
		return nil, fmt.Errorf("failed to load or validate config: %w", err)
	}
	return cfg, nil
}

// initializeConfig points viper at the config file. An explicit file must
// exist; otherwise ./config.yaml and then the home directory file are tried.
func initializeConfig(v *viper.Viper, cfgFile string) error {
	if cfgFile != "" {
		v.SetConfigFile(cfgFile)
		if err := v.ReadInConfig(); err != nil {
			return fmt.Errorf("error reading config file %s: %w", cfgFile, err)
		}
		return nil
	}

	v.AddConfigPath(".")
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	if err := v.ReadInConfig(); err == nil {
		return nil
	} else if !errors.As(err, &viper.ConfigFileNotFoundError{}) {
		return fmt.Errorf("error reading config file: %w", err)
	}

	home := config.DefaultConfigPath()
	if _, err := os.Stat(home); err != nil {
		// No config file; defaults and environment only.
		return nil
	}
	v.SetConfigFile(home)
	if err := v.ReadInConfig(); err != nil {
		return fmt.Errorf("error reading config file %s: %w", home, err)
	}
	return nil
}

// getConfigFromContext returns the configuration stored by PersistentPreRunE.
func getConfigFromContext(ctx context.Context) (config.Interface, error) {
	cfg, ok := ctx.Value(configKey).(config.Interface)
	if !ok || cfg == nil {
		return nil, errors.New("configuration not found in context")
	}
	return cfg, nil
}
