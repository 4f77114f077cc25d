package commands

import (
	"errors"
	"fmt"
	"io"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/snapcrab/snapcrab/pkg/engine"
	"github.com/snapcrab/snapcrab/pkg/stores"
)

func newRunsCommand() *cobra.Command {
	var dbPath string

	cmd := &cobra.Command{
		Use:   "runs",
		Short: "Inspect the restore journal",
		Long: `Inspect past restore runs recorded in the journal.

Every restore records its plan, the latest state of each step and every
state transition.`,
	}

	cmd.PersistentFlags().StringVar(&dbPath, "db", defaultDBPath, "journal database path")

	cmd.AddCommand(newRunsListCommand(&dbPath))
	cmd.AddCommand(newRunsShowCommand(&dbPath))
	cmd.AddCommand(newRunsDeleteCommand(&dbPath))

	return cmd
}

func newRunsListCommand(dbPath *string) *cobra.Command {
	var limit, offset int

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List restore runs, newest first",
		Example: `  # Show the last 20 runs
  snapcrab runs list

  # Page through older runs
  snapcrab runs list --limit 50 --offset 50`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			journal, err := openJournal(cmd.Context(), *dbPath)
			if err != nil {
				return err
			}
			defer journal.Close()

			plans, err := journal.ListPlans(cmd.Context(), limit, offset)
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			if jsonOutput {
				return printJSON(out, plans)
			}
			if len(plans) == 0 {
				fmt.Fprintln(out, "No restore runs recorded.")
				return nil
			}

			tw := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
			fmt.Fprintln(tw, "ID\tNAME\tSTATUS\tSTEPS\tDRY RUN\tSTARTED\tDURATION")
			for _, p := range plans {
				fmt.Fprintf(tw, "%s\t%s\t%s\t%d\t%t\t%s\t%s\n",
					shortID(p.ID), orDash(p.Name), planStatusColor(p.Status).Sprint(p.Status),
					p.StepCount, p.DryRun, p.StartedAt.Local().Format(time.DateTime), runDuration(p))
			}
			return tw.Flush()
		},
	}

	cmd.Flags().IntVar(&limit, "limit", 20, "maximum number of runs")
	cmd.Flags().IntVar(&offset, "offset", 0, "number of runs to skip")

	return cmd
}

func newRunsShowCommand(dbPath *string) *cobra.Command {
	var events bool

	cmd := &cobra.Command{
		Use:   "show ID",
		Short: "Show the steps of a restore run",
		Long: `Show the steps of a restore run. ID may be any unique prefix of the
plan ID.`,
		Example: `  # Show a run and its transitions
  snapcrab runs show 3f2a9c1b --events`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			journal, err := openJournal(ctx, *dbPath)
			if err != nil {
				return err
			}
			defer journal.Close()

			plan, err := journal.GetPlan(ctx, args[0])
			if err != nil {
				return notFound(args[0], err)
			}
			steps, err := journal.ListSteps(ctx, plan.ID)
			if err != nil {
				return err
			}

			var history []*stores.EventRecord
			if events {
				if history, err = journal.ListEvents(ctx, plan.ID, -1, 0); err != nil {
					return err
				}
			}

			out := cmd.OutOrStdout()
			if jsonOutput {
				return printJSON(out, struct {
					Plan   *stores.PlanRecord     `json:"plan"`
					Steps  []*stores.StepRecord   `json:"steps"`
					Events []*stores.EventRecord `json:"events,omitempty"`
				}{plan, steps, history})
			}

			printRun(out, plan, steps)
			if events {
				printEvents(out, history)
			}
			return nil
		},
	}

	cmd.Flags().BoolVar(&events, "events", false, "also print every state transition")

	return cmd
}

func newRunsDeleteCommand(dbPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "delete ID",
		Short: "Delete a restore run from the journal",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			journal, err := openJournal(ctx, *dbPath)
			if err != nil {
				return err
			}
			defer journal.Close()

			plan, err := journal.GetPlan(ctx, args[0])
			if err != nil {
				return notFound(args[0], err)
			}
			if err := journal.DeletePlan(ctx, plan.ID); err != nil {
				return notFound(args[0], err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Deleted run %s\n", plan.ID)
			return nil
		},
	}
}

func notFound(id string, err error) error {
	if errors.Is(err, stores.ErrNotFound) {
		return engine.NewPermanentError(fmt.Sprintf("no run matches %q", id), err).WithCode(engine.ErrCodeNotFound)
	}
	return err
}

func printRun(w io.Writer, plan *stores.PlanRecord, steps []*stores.StepRecord) {
	fmt.Fprintf(w, "%s %s  %s\n", bold.Sprint("Plan"), plan.ID, planStatusColor(plan.Status).Sprint(plan.Status))
	if plan.Name != "" {
		fmt.Fprintf(w, "Name:     %s\n", plan.Name)
	}
	fmt.Fprintf(w, "Started:  %s\n", plan.StartedAt.Local().Format(time.DateTime))
	fmt.Fprintf(w, "Duration: %s\n", runDuration(plan))
	fmt.Fprintf(w, "Dry run:  %t\n", plan.DryRun)
	if s := plan.Summary; s != nil {
		fmt.Fprintf(w, "Summary:  %d/%d succeeded, %d failed, %d blocked, %d cancelled, %d retries\n",
			s.Succeeded, s.Total, s.FailedPermanently, s.Blocked, s.Cancelled, s.Retries)
	}
	fmt.Fprintln(w)

	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tKIND\tTARGET\tSNAPSHOT\tDEPENDS ON\tSTATE\tATTEMPTS\tOPERATION\tERROR")
	for _, s := range steps {
		fmt.Fprintf(tw, "%d\t%s\t%s\t%s\t%s\t%s\t%d\t%s\t%s\n",
			s.StepID, s.Kind, s.Target, s.Snapshot, formatIDs(s.Deps),
			stateColor(s.State).Sprint(s.State), s.Attempts, operations(s), deref(s.ErrorMessage))
	}
	_ = tw.Flush()
}

func printEvents(w io.Writer, events []*stores.EventRecord) {
	fmt.Fprintln(w)
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "TIME\tSTEP\tTRANSITION\tATTEMPT\tERROR")
	for _, ev := range events {
		msg := deref(ev.ErrorMessage)
		if ev.RetryIn > 0 {
			msg = fmt.Sprintf("%s (retry in %s)", msg, ev.RetryIn)
		}
		fmt.Fprintf(tw, "%s\t%d\t%s -> %s\t%d\t%s\n",
			ev.Timestamp.Local().Format(time.TimeOnly), ev.StepID, ev.Old, stateColor(ev.New).Sprint(ev.New), ev.Attempt, msg)
	}
	_ = tw.Flush()
}

func runDuration(p *stores.PlanRecord) string {
	if p.CompletedAt == nil {
		return "-"
	}
	return p.CompletedAt.Sub(p.StartedAt).Round(time.Millisecond).String()
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}

func orDash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}

// operations lists the current operation of a step followed by the
// operations of earlier attempts.
func operations(s *stores.StepRecord) string {
	op := deref(s.OperationID)
	if len(s.PriorOperationIDs) > 0 {
		op = fmt.Sprintf("%s (earlier: %s)", op, strings.Join(s.PriorOperationIDs, ", "))
	}
	return op
}

func deref(s *string) string {
	if s == nil || *s == "" {
		return "-"
	}
	return *s
}
