package commands

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/snapcrab/snapcrab/pkg/engine"
	"github.com/snapcrab/snapcrab/pkg/restore"
	"github.com/snapcrab/snapcrab/pkg/telemetry"
)

func newRestoreCommand() *cobra.Command {
	var (
		request      requestFlags
		policies     policyFlags
		concurrency  int
		dryRun       bool
		maxAttempts  int
		pollInterval time.Duration
		pollTimeout  time.Duration
		dbPath       string
		noJournal    bool
		metricsAddr  string
		trace        string
		otlpEndpoint string
		credentials  string
	)

	cmd := &cobra.Command{
		Use:   "restore",
		Short: "Restore resources from snapshots",
		Long: `Restore the resources listed in a restore request.

The restore process:
  - Loads and validates the request files
  - Builds the dependency plan (disks before the instances and clusters using them)
  - Evaluates the built-in and custom policies
  - Checks access to projects and snapshots
  - Submits restores with bounded concurrency and polls their operations
  - Retries transient and throttled failures with backoff
  - Records every transition in the journal

The command exits non-zero unless every step succeeded.`,
		Example: `  # Dry run against the simulated gateway
  snapcrab restore -f nightly.cue --dry-run

  # Restore with more parallelism and custom policies
  snapcrab restore -f nightly.yaml --concurrency 8 --policy ./policies

  # Expose metrics while the restore runs
  snapcrab restore -f nightly.cue --metrics-addr :9090`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			out := cmd.OutOrStdout()

			log.Info().
				Strs("files", request.files).
				Bool("dry_run", dryRun).
				Int("concurrency", concurrency).
				Msg("Starting restore")

			req, err := request.load(ctx, cmd.ErrOrStderr())
			if err != nil {
				return err
			}

			schedCfg := engine.DefaultSchedulerConfig()
			schedCfg.Concurrency = concurrency
			schedCfg.PollInterval = pollInterval
			schedCfg.PollTimeout = pollTimeout
			schedCfg.Retry.MaxAttempts = maxAttempts
			if err := validateSchedulerConfig(schedCfg); err != nil {
				return err
			}

			tel, err := newRunTelemetry(metricsAddr, trace, otlpEndpoint, cmd.Root().Version)
			if err != nil {
				return err
			}
			defer func() {
				shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
				defer cancel()
				if err := tel.Shutdown(shutdownCtx); err != nil {
					log.Warn().Err(err).Msg("Telemetry shutdown failed")
				}
			}()
			if err := tel.StartMetricsServer(); err != nil {
				return err
			}

			gw, gwName, err := newGateway(ctx, dryRun, credentials)
			if err != nil {
				return err
			}

			eng, err := policies.engine(ctx)
			if err != nil {
				return err
			}

			opts := []restore.Option{
				restore.WithPolicyEngine(eng),
				restore.WithTelemetry(tel),
				restore.WithDryRun(dryRun),
				restore.WithLogger(log.Logger),
			}
			if !noJournal {
				journal, err := openJournal(ctx, dbPath)
				if err != nil {
					return err
				}
				defer journal.Close()
				opts = append(opts, restore.WithJournal(journal))
			}

			svc := restore.New(gw, gwName, opts...)

			runOpts := restore.RunOptions{
				Scheduler: schedCfg,
				Context:   policies.context(dryRun),
			}
			if !jsonOutput {
				board := newDashboard(out, len(req.Items))
				runOpts.Observers = append(runOpts.Observers, board.Observe)
			}

			outcome, err := svc.Run(ctx, req, runOpts)
			if outcome != nil && !jsonOutput {
				printPolicyResult(cmd.ErrOrStderr(), outcome.Policy)
			}
			if err != nil {
				if outcome != nil && outcome.Report != nil {
					printOutcome(cmd, outcome.Report)
				}
				return err
			}

			printOutcome(cmd, outcome.Report)
			if !outcome.Report.AllSucceeded() {
				return &exitError{
					code: 3,
					err:  fmt.Errorf("restore %s finished with status %s", outcome.Report.PlanID, outcome.Report.Status),
				}
			}
			return nil
		},
	}

	request.register(cmd)
	policies.register(cmd)

	def := engine.DefaultSchedulerConfig()
	cmd.Flags().IntVar(&concurrency, "concurrency", def.Concurrency, "maximum number of steps in flight")
	cmd.Flags().BoolVar(&dryRun, "dry-run", false, "run against the simulated gateway")
	cmd.Flags().IntVar(&maxAttempts, "max-attempts", def.Retry.MaxAttempts, "attempts per step before giving up")
	cmd.Flags().DurationVar(&pollInterval, "poll-interval", def.PollInterval, "delay between operation polls")
	cmd.Flags().DurationVar(&pollTimeout, "poll-timeout", def.PollTimeout, "maximum time to follow one operation")
	cmd.Flags().StringVar(&dbPath, "db", defaultDBPath, "journal database path")
	cmd.Flags().BoolVar(&noJournal, "no-journal", false, "do not record the run")
	cmd.Flags().StringVar(&metricsAddr, "metrics-addr", "", "serve Prometheus metrics on this address")
	cmd.Flags().StringVar(&trace, "trace", "", "trace exporter (stdout, otlp)")
	cmd.Flags().StringVar(&otlpEndpoint, "otlp-endpoint", "localhost:4317", "OTLP collector endpoint")
	cmd.Flags().StringVar(&credentials, "credentials", "", "service account key file (default: application default credentials)")

	return cmd
}

func printOutcome(cmd *cobra.Command, report *engine.Report) {
	if jsonOutput {
		if err := printJSON(cmd.OutOrStdout(), report); err != nil {
			log.Error().Err(err).Msg("Failed to encode report")
		}
		return
	}
	printReport(cmd.OutOrStdout(), report)
}

func validateSchedulerConfig(cfg engine.SchedulerConfig) error {
	switch {
	case cfg.Concurrency < 1:
		return invalidFlag("--concurrency must be at least 1")
	case cfg.PollInterval <= 0:
		return invalidFlag("--poll-interval must be positive")
	case cfg.PollTimeout < cfg.PollInterval:
		return invalidFlag("--poll-timeout must not be shorter than --poll-interval")
	case cfg.Retry.MaxAttempts < 1:
		return invalidFlag("--max-attempts must be at least 1")
	}
	return nil
}

func invalidFlag(msg string) error {
	return engine.NewPermanentError(msg, nil).WithCode(engine.ErrCodeValidation)
}

// newRunTelemetry builds telemetry for one restore. Run logs go through the
// global logger; the telemetry logger only reports warnings unless
// --verbose is set.
func newRunTelemetry(metricsAddr, exporter, endpoint, version string) (*telemetry.Telemetry, error) {
	cfg := telemetry.DefaultConfig()
	if version != "" {
		cfg.ServiceVersion = version
	}
	cfg.Logging.Level = "warn"
	if verbose {
		cfg.Logging.Level = "debug"
	}
	if jsonOutput {
		cfg.Logging.Format = "json"
	}
	cfg.Metrics.ListenAddress = metricsAddr
	if exporter != "" {
		cfg.Tracing.Enabled = true
		cfg.Tracing.Exporter = exporter
		cfg.Tracing.Endpoint = endpoint
	}
	return telemetry.NewTelemetry(cfg)
}
