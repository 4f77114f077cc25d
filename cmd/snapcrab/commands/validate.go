package commands

import (
	"context"
	"fmt"
	"io"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/snapcrab/snapcrab/pkg/engine"
	"github.com/snapcrab/snapcrab/pkg/gateway/simulated"
	"github.com/snapcrab/snapcrab/pkg/policy"
	"github.com/snapcrab/snapcrab/pkg/restore"
)

// validation is the JSON form of a validate run.
type validation struct {
	Valid  bool           `json:"valid"`
	Items  int            `json:"items"`
	Levels int            `json:"levels"`
	Policy *policy.Result `json:"policy,omitempty"`
}

func newValidateCommand() *cobra.Command {
	var (
		request  requestFlags
		policies policyFlags
		watch    bool
	)

	cmd := &cobra.Command{
		Use:   "validate",
		Short: "Validate a restore request",
		Long: `Validate a restore request without restoring anything.

This command checks:
  - Request syntax and schema conformance
  - Targets, snapshot types and dependencies
  - Policy compliance (OPA/rego)

With --watch, the policies are evaluated again whenever a policy file changes.`,
		Example: `  # Validate a request
  snapcrab validate -f nightly.cue

  # Validate against a policy directory and keep watching it
  snapcrab validate -f nightly.cue --policy ./policies --watch`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			out := cmd.OutOrStdout()

			log.Debug().
				Strs("files", request.files).
				Strs("policies", policies.paths).
				Bool("watch", watch).
				Msg("Validating restore request")

			if watch && len(policies.paths) == 0 {
				return invalidFlag("--watch needs at least one --policy path")
			}

			req, err := request.load(ctx, cmd.ErrOrStderr())
			if err != nil {
				return err
			}

			eng, err := policies.engine(ctx)
			if err != nil {
				return err
			}
			svc := restore.New(simulated.New(), simulated.API, restore.WithPolicyEngine(eng), restore.WithLogger(log.Logger))

			check := func() error {
				prepared, err := svc.Prepare(ctx, req, policies.context(false))
				if err != nil {
					return err
				}
				printValidation(out, req, prepared)
				if !prepared.Allowed() {
					return prepared.Policy.Err()
				}
				return nil
			}

			err = check()
			if !watch {
				return err
			}

			loader := policy.NewLoader(log.Logger)
			watchErr := loader.Watch(ctx, policies.paths, func(loaded []policy.Policy) error {
				if err := eng.Replace(ctx, loaded); err != nil {
					return err
				}
				fmt.Fprintln(out)
				if err := check(); err != nil {
					log.Warn().Err(err).Msg("Request does not pass the reloaded policies")
				}
				return nil
			})
			if watchErr != nil {
				return watchErr
			}

			log.Info().Strs("paths", policies.paths).Msg("Watching policies, press Ctrl+C to stop")
			<-ctx.Done()
			if ctx.Err() == context.Canceled {
				return nil
			}
			return ctx.Err()
		},
	}

	request.register(cmd)
	policies.register(cmd)
	cmd.Flags().BoolVar(&watch, "watch", false, "re-evaluate when policy files change")

	return cmd
}

// printValidation prints the outcome of one validation.
func printValidation(w io.Writer, req engine.RestoreRequest, prepared *restore.Prepared) {
	v := validation{
		Valid:  prepared.Allowed(),
		Items:  len(req.Items),
		Levels: len(prepared.Plan.Levels()),
		Policy: prepared.Policy,
	}
	if jsonOutput {
		if err := printJSON(w, v); err != nil {
			log.Error().Err(err).Msg("Failed to encode validation")
		}
		return
	}

	printPolicyResult(w, prepared.Policy)
	if v.Valid {
		fmt.Fprintf(w, "%s %d item(s) in %d level(s)\n", green.Sprint("✓ valid:"), v.Items, v.Levels)
		return
	}
	fmt.Fprintf(w, "%s %d blocking violation(s)\n", red.Sprint("✗ denied:"), len(prepared.Policy.Violations))
}
