package commands

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"os/user"

	"github.com/fatih/color"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/snapcrab/snapcrab/pkg/config"
	"github.com/snapcrab/snapcrab/pkg/engine"
	"github.com/snapcrab/snapcrab/pkg/gateway/gcp"
	"github.com/snapcrab/snapcrab/pkg/gateway/simulated"
	"github.com/snapcrab/snapcrab/pkg/policy"
	"github.com/snapcrab/snapcrab/pkg/stores"
)

// defaultDBPath is the journal used when --db is not set.
const defaultDBPath = "snapcrab.db"

// logOutput receives command logs.
var logOutput io.Writer = os.Stderr

var (
	bold    = color.New(color.Bold)
	faint   = color.New(color.Faint)
	green   = color.New(color.FgGreen)
	yellow  = color.New(color.FgYellow)
	red     = color.New(color.FgRed)
	hiRed   = color.New(color.FgHiRed, color.Bold)
	cyan    = color.New(color.FgCyan)
	magenta = color.New(color.FgMagenta)
)

// requestFlags are shared by every command reading restore requests.
type requestFlags struct {
	files []string
	vars  map[string]string
}

func (f *requestFlags) register(cmd *cobra.Command) {
	cmd.Flags().StringSliceVarP(&f.files, "file", "f", nil, "restore request file or directory (.cue, .yaml, .json, .star); repeatable")
	cmd.Flags().StringToStringVar(&f.vars, "var", nil, "variable passed to Starlark requests (key=value)")
	_ = cmd.MarkFlagRequired("file")
}

// load parses the request files. Validation problems are printed to w and
// returned as a VALIDATION_ERROR.
func (f *requestFlags) load(ctx context.Context, w io.Writer) (engine.RestoreRequest, error) {
	parser, err := config.NewParser()
	if err != nil {
		return engine.RestoreRequest{}, err
	}
	for k, v := range f.vars {
		parser.Vars[k] = v
	}

	parsed, err := parser.Load(ctx, f.files...)
	if err != nil {
		return engine.RestoreRequest{}, err
	}
	if parsed.HasErrors() && !jsonOutput {
		for _, verr := range parsed.Errors {
			fmt.Fprintf(w, "%s %s\n", red.Sprint("✗"), verr.Error())
		}
	}
	if err := parsed.Err(); err != nil {
		return engine.RestoreRequest{}, err
	}
	return parsed.Request, nil
}

// policyFlags select the Rego policies a request is checked against.
type policyFlags struct {
	paths       []string
	params      string
	environment string
	noBuiltins  bool
}

func (f *policyFlags) register(cmd *cobra.Command) {
	cmd.Flags().StringSliceVar(&f.paths, "policy", nil, "Rego policy file or directory; repeatable")
	cmd.Flags().StringVar(&f.params, "params", "", "YAML file with built-in policy params")
	cmd.Flags().StringVar(&f.environment, "environment", "", "environment name passed to policies")
	cmd.Flags().BoolVar(&f.noBuiltins, "no-builtin-policies", false, "disable the built-in policies")
}

func (f *policyFlags) engine(ctx context.Context) (*policy.Engine, error) {
	params := policy.DefaultParams()
	if f.params != "" {
		var err error
		if params, err = policy.LoadParams(f.params); err != nil {
			return nil, err
		}
	}

	opts := []policy.Option{policy.WithParams(params)}
	if f.noBuiltins {
		opts = append(opts, policy.WithoutBuiltins())
	}
	eng, err := policy.NewEngine(log.Logger, opts...)
	if err != nil {
		return nil, err
	}

	if len(f.paths) > 0 {
		if err := eng.LoadPolicies(ctx, f.paths); err != nil {
			return nil, err
		}
	}
	return eng, nil
}

func (f *policyFlags) context(dryRun bool) policy.Context {
	pctx := policy.Context{Environment: f.environment, DryRun: dryRun}
	if u, err := user.Current(); err == nil {
		pctx.User = u.Username
	}
	return pctx
}

// newGateway returns the simulated gateway for dry runs and the GCP
// gateway otherwise, together with its name.
func newGateway(ctx context.Context, dryRun bool, credentials string) (engine.Gateway, string, error) {
	if dryRun {
		return simulated.New(simulated.WithLogger(log.Logger)), simulated.API, nil
	}

	cfg := gcp.DefaultConfig()
	cfg.CredentialsFile = credentials
	gw, err := gcp.New(ctx, cfg)
	if err != nil {
		return nil, "", err
	}
	return gw, "gcp", nil
}

func openJournal(ctx context.Context, path string) (*stores.SQLiteStore, error) {
	store, err := stores.Open(ctx, stores.Config{Path: path})
	if err != nil {
		return nil, fmt.Errorf("failed to open journal %s: %w", path, err)
	}
	return store, nil
}

func printJSON(w io.Writer, v interface{}) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// printPolicyResult prints violations, warnings and evaluation failures.
func printPolicyResult(w io.Writer, result *policy.Result) {
	if result == nil {
		return
	}
	for _, v := range result.Violations {
		c := red
		if v.Severity == policy.SeverityCritical {
			c = hiRed
		}
		fmt.Fprintf(w, "%s %s\n", c.Sprintf("✗ [%s]", v.Severity), v.Error())
	}
	for _, v := range result.Warnings {
		fmt.Fprintf(w, "%s %s\n", yellow.Sprintf("! [%s]", v.Severity), v.Error())
	}
	for _, f := range result.Failures {
		fmt.Fprintf(w, "%s %s\n", yellow.Sprint("?"), f)
	}
}

// exitError carries a process exit code.
type exitError struct {
	code int
	err  error
}

func (e *exitError) Error() string { return e.err.Error() }
func (e *exitError) Unwrap() error { return e.err }

// ExitCode maps a command error to the process exit code: 0 on success, 2
// when a request is invalid or denied by policy, 3 when a restore ran but
// not every step succeeded, 1 otherwise.
func ExitCode(err error) int {
	if err == nil {
		return 0
	}
	var ee *exitError
	if errors.As(err, &ee) {
		return ee.code
	}
	if errors.Is(err, engine.NewPermanentError("", nil).WithCode(engine.ErrCodeValidation)) ||
		errors.Is(err, engine.NewPermanentError("", nil).WithCode(engine.ErrCodePolicyViolation)) ||
		errors.Is(err, engine.ErrInvalidTarget) ||
		errors.Is(err, engine.ErrCyclicDependency) {
		return 2
	}
	return 1
}
