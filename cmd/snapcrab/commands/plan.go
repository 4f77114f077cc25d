package commands

import (
	"fmt"
	"io"
	"os"
	"strings"
	"text/tabwriter"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/snapcrab/snapcrab/pkg/engine"
)

func newPlanCommand() *cobra.Command {
	var (
		request requestFlags
		dot     bool
		dotFile string
	)

	cmd := &cobra.Command{
		Use:   "plan",
		Short: "Show the execution plan of a restore request",
		Long: `Build the dependency plan of a restore request without contacting any
provider.

The plan lists every step with the steps it waits for, grouped into levels
of steps that can run at the same time.`,
		Example: `  # Print the plan
  snapcrab plan -f nightly.cue

  # Render the dependency graph
  snapcrab plan -f nightly.cue --dot | dot -Tsvg > plan.svg

  # Write the graph next to the plan
  snapcrab plan -f nightly.cue --dot-file plan.dot`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			log.Debug().Strs("files", request.files).Msg("Generating plan")

			req, err := request.load(cmd.Context(), cmd.ErrOrStderr())
			if err != nil {
				return err
			}

			plan, err := engine.NewPlanner().Build(req)
			if err != nil {
				return err
			}

			if dotFile != "" {
				if err := os.WriteFile(dotFile, []byte(engine.ToDOT(plan)), 0o644); err != nil {
					return fmt.Errorf("failed to write %s: %w", dotFile, err)
				}
			}

			out := cmd.OutOrStdout()
			switch {
			case dot:
				_, err = io.WriteString(out, engine.ToDOT(plan))
				return err
			case jsonOutput:
				return printJSON(out, plan)
			default:
				printPlan(out, plan)
				return nil
			}
		},
	}

	request.register(cmd)
	cmd.Flags().BoolVar(&dot, "dot", false, "print the plan as a Graphviz DOT graph")
	cmd.Flags().StringVar(&dotFile, "dot-file", "", "also write the DOT graph to this file")

	return cmd
}

func printPlan(w io.Writer, plan *engine.RestorePlan) {
	title := plan.ID
	if plan.Name != "" {
		title = fmt.Sprintf("%s (%s)", plan.Name, plan.ID)
	}
	fmt.Fprintf(w, "%s %s\n\n", bold.Sprint("Plan"), title)

	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tKIND\tTARGET\tSNAPSHOT\tDEPENDS ON")
	for _, s := range plan.Steps {
		fmt.Fprintf(tw, "%d\t%s\t%s\t%s\t%s\n",
			s.ID, s.Kind, s.Target(), s.Item.Snapshot.Name, formatIDs(s.Deps))
	}
	_ = tw.Flush()

	fmt.Fprintln(w)
	for i, level := range plan.Levels() {
		fmt.Fprintf(w, "%s %s\n", cyan.Sprintf("level %d:", i), formatIDs(level))
	}
}

func formatIDs(ids []engine.StepID) string {
	if len(ids) == 0 {
		return "-"
	}
	parts := make([]string, len(ids))
	for i, id := range ids {
		parts[i] = fmt.Sprintf("%d", id)
	}
	return strings.Join(parts, ", ")
}
