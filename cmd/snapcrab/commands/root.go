package commands

import (
	"context"
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"github.com/snapcrab/snapcrab/pkg/telemetry"
)

// EnvPrefix prefixes the environment variables that set flags.
const EnvPrefix = "SNAPCRAB"

var (
	// Global flags
	configPath string
	verbose    bool
	jsonOutput bool
)

// Execute runs the root command
func Execute(ctx context.Context, version, commit, buildDate string) error {
	rootCmd := newRootCommand(version, commit, buildDate)
	return rootCmd.ExecuteContext(ctx)
}

func newRootCommand(version, commit, buildDate string) *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "snapcrab",
		Short: "SnapCrab - restore GCP resources from snapshots",
		Long: `SnapCrab restores disks, instances and clusters from snapshots, machine
images and cluster backups.

A restore request lists the resources to recreate. SnapCrab orders them by
dependency, submits restores concurrently, follows the provider's
long-running operations, and retries transient failures.

Features:
  - Requests in CUE, YAML, JSON or Starlark
  - Rego policy guardrails
  - Dry runs against a simulated gateway
  - A journal of every run`,
		Version:       fmt.Sprintf("%s (commit: %s, built: %s)", version, commit, buildDate),
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if err := bindFlags(cmd); err != nil {
				return err
			}
			setupCommandLogging()
			return nil
		},
	}

	// Persistent flags available to all commands
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "config file path (flag values keyed by flag name)")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "enable verbose output")
	rootCmd.PersistentFlags().BoolVar(&jsonOutput, "json", false, "output in JSON format")

	// Add subcommands
	rootCmd.AddCommand(newRestoreCommand())
	rootCmd.AddCommand(newPlanCommand())
	rootCmd.AddCommand(newValidateCommand())
	rootCmd.AddCommand(newRunsCommand())
	rootCmd.AddCommand(newVersionCommand(version, commit, buildDate))

	return rootCmd
}

// bindFlags fills every flag the user did not set from SNAPCRAB_* variables
// and, when --config is given, from the config file.
func bindFlags(cmd *cobra.Command) error {
	v := viper.New()
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()

	if configPath == "" {
		configPath = v.GetString("config")
	}
	if configPath != "" {
		v.SetConfigFile(configPath)
		if err := v.ReadInConfig(); err != nil {
			return fmt.Errorf("failed to read config %s: %w", configPath, err)
		}
	}

	var errs []string
	cmd.Flags().VisitAll(func(f *pflag.Flag) {
		if f.Changed || !v.IsSet(f.Name) {
			return
		}
		if err := setFlag(cmd.Flags(), f, v.Get(f.Name)); err != nil {
			errs = append(errs, fmt.Sprintf("%s: %v", f.Name, err))
		}
	})
	if len(errs) > 0 {
		return fmt.Errorf("invalid flag values: %s", strings.Join(errs, "; "))
	}
	return nil
}

// setFlag assigns a config or environment value to a flag. Lists from
// config files are applied element by element.
func setFlag(flags *pflag.FlagSet, f *pflag.Flag, value interface{}) error {
	switch val := value.(type) {
	case []interface{}:
		for _, item := range val {
			if err := flags.Set(f.Name, fmt.Sprintf("%v", item)); err != nil {
				return err
			}
		}
		return nil
	case map[string]interface{}:
		for k, item := range val {
			if err := flags.Set(f.Name, fmt.Sprintf("%s=%v", k, item)); err != nil {
				return err
			}
		}
		return nil
	default:
		return flags.Set(f.Name, fmt.Sprintf("%v", val))
	}
}

// setupCommandLogging applies LOG_LEVEL, --verbose and --json to the
// global logger.
func setupCommandLogging() {
	cfg := telemetry.DefaultConfig().Logging
	if level := os.Getenv("LOG_LEVEL"); level != "" {
		cfg.Level = level
	}
	if verbose {
		cfg.Level = "debug"
	}
	if jsonOutput {
		cfg.Format = "json"
	}
	telemetry.NewLoggerTo(logOutput, cfg).SetGlobal()
}
