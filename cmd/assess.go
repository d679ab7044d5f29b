// File: cmd/assess.go
package cmd

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/xkilldash9x/compliance-swarm/api/schemas"
	"github.com/xkilldash9x/compliance-swarm/internal/config"
	"github.com/xkilldash9x/compliance-swarm/internal/observability"
	"github.com/xkilldash9x/compliance-swarm/internal/reporting"
	"github.com/xkilldash9x/compliance-swarm/internal/service"
	"github.com/xkilldash9x/compliance-swarm/internal/swarm"
)

type assessOptions struct {
	framework    string
	project      string
	user         string
	sources      []string
	requirements []string
	previousRun  string
	format       string
	output       string
	quiet        bool
}

// newAssessCmd creates and configures the `assess` command.
func newAssessCmd(factory service.ComponentFactory) *cobra.Command {
	opts := &assessOptions{}

	assessCmd := &cobra.Command{
		Use:   "assess",
		Short: "Run a compliance assessment for a project",
		Long: `Runs the full pipeline (planning, extraction, gap analysis, remediation and
report) against the connected data sources and writes the report.

Sources are given as name[:key=value,...], for example:
  --source github:owner=acme,repo=api --source aws:region=us-east-1
A "token" key is passed to the tool server as a bring-your-own-key credential.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			logger := observability.GetLogger()

			cfg, err := getConfigFromContext(ctx)
			if err != nil {
				return err
			}
			return runAssess(ctx, cmd.OutOrStdout(), cmd.ErrOrStderr(), logger, cfg, opts, factory)
		},
	}

	assessCmd.Flags().StringVar(&opts.framework, "framework", "", "Compliance framework to assess (SOC2, GDPR, ISO27001, HIPAA)")
	assessCmd.Flags().StringVar(&opts.project, "project", "", "Project identifier the run belongs to")
	assessCmd.Flags().StringVar(&opts.user, "user", "cli", "User identifier that scopes tool server connections")
	assessCmd.Flags().StringArrayVar(&opts.sources, "source", nil, "Connected data source, name[:key=value,...] (repeatable)")
	assessCmd.Flags().StringSliceVar(&opts.requirements, "requirement", nil, "Restrict the run to these requirement codes")
	assessCmd.Flags().StringVar(&opts.previousRun, "previous-run", "", "Run to compare against (default: latest completed run)")
	assessCmd.Flags().StringVarP(&opts.format, "format", "f", reporting.FormatMarkdown, "Report format (markdown, json)")
	assessCmd.Flags().StringVarP(&opts.output, "output", "o", "", "Output file path. If unset, the report is printed to stdout.")
	assessCmd.Flags().BoolVarP(&opts.quiet, "quiet", "q", false, "Do not print progress")
	_ = assessCmd.MarkFlagRequired("framework")
	_ = assessCmd.MarkFlagRequired("project")

	return assessCmd
}

// runAssess contains the testable core of the assess command. Progress goes to
// errOut so the report on out stays clean.
func runAssess(
	ctx context.Context,
	out, errOut io.Writer,
	logger *zap.Logger,
	cfg config.Interface,
	opts *assessOptions,
	factory service.ComponentFactory,
) error {
	// Fail on bad flags before building anything.
	renderer, err := reporting.New(opts.format)
	if err != nil {
		return err
	}
	sources, err := parseSources(opts.sources)
	if err != nil {
		return err
	}

	components, err := factory.Create(ctx, cfg, logger)
	if err != nil {
		return fmt.Errorf("failed to initialize assessment components: %w", err)
	}
	defer components.Shutdown()

	req := swarm.AssessmentRequest{
		ProjectID:     opts.project,
		Framework:     opts.framework,
		UserID:        opts.user,
		Sources:       sources,
		PreviousRunID: opts.previousRun,
		Requirements:  opts.requirements,
	}
	if !opts.quiet {
		req.OnProgress = func(ev schemas.ProgressEvent) {
			prefix := string(ev.Phase)
			if ev.Source != "" {
				prefix += "/" + ev.Source
			}
			fmt.Fprintf(errOut, "[%s] %s\n", prefix, ev.Step)
		}
	}

	logger.Info("Starting assessment",
		zap.String("framework", opts.framework),
		zap.String("project", opts.project),
		zap.Int("sources", len(sources)),
	)

	run, err := components.Orchestrator.Run(ctx, req)
	if err != nil {
		return err
	}
	if ctx.Err() != nil {
		logger.Warn("Assessment aborted", zap.String("run_id", run.ID))
		return fmt.Errorf("assessment %s aborted: %w", run.ID, ctx.Err())
	}
	if run.Status != schemas.StatusCompleted || run.Report == nil {
		return fmt.Errorf("assessment %s failed: %s", run.ID, strings.Join(run.Errors, "; "))
	}
	for _, msg := range run.Errors {
		logger.Warn("Assessment completed with errors", zap.String("run_id", run.ID), zap.String("error", msg))
	}

	if opts.output == "" {
		if err := renderer.Render(out, run.Report); err != nil {
			return fmt.Errorf("failed to render report: %w", err)
		}
	} else {
		if err := reporting.WriteFile(opts.output, opts.format, run.Report); err != nil {
			return err
		}
		logger.Info("Report successfully written to file", zap.String("path", opts.output))
	}

	fmt.Fprintf(errOut, "\nAssessment complete. Run ID: %s  Overall score: %d%%\n", run.ID, run.Report.ComplianceScore.Overall)
	if opts.output == "" {
		fmt.Fprintf(errOut, "To render the report again, run: swarm report --run-id %s\n", run.ID)
	}
	return nil
}

// parseSources turns --source values into data sources. Each source is
// active; a "token" key becomes a BYOK credential instead of configuration.
func parseSources(values []string) ([]swarm.DataSource, error) {
	sources := make([]swarm.DataSource, 0, len(values))
	seen := make(map[string]bool, len(values))
	for _, raw := range values {
		name, params, _ := strings.Cut(strings.TrimSpace(raw), ":")
		name = strings.ToLower(strings.TrimSpace(name))
		if name == "" {
			return nil, fmt.Errorf("invalid --source %q: missing source name", raw)
		}
		if seen[name] {
			return nil, fmt.Errorf("invalid --source %q: source %s given twice", raw, name)
		}
		seen[name] = true

		ds := swarm.DataSource{Name: name, Active: true, Config: map[string]string{}}
		if params != "" {
			for _, kv := range strings.Split(params, ",") {
				key, value, ok := strings.Cut(kv, "=")
				key = strings.TrimSpace(key)
				if !ok || key == "" {
					return nil, fmt.Errorf("invalid --source %q: expected key=value, got %q", raw, kv)
				}
				value = strings.TrimSpace(value)
				if key == "token" {
					ds.Credentials = schemas.Credentials{Mode: schemas.AuthBYOK, Token: value}
					continue
				}
				ds.Config[key] = value
			}
		}
		sources = append(sources, ds)
	}
	if len(sources) == 0 {
		return nil, errors.New("at least one --source is required")
	}
	return sources, nil
}
