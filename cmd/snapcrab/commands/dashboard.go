package commands

import (
	"context"
	"fmt"
	"io"
	"strings"
	"sync"
	"text/tabwriter"
	"time"

	"github.com/fatih/color"

	"github.com/snapcrab/snapcrab/pkg/engine"
)

// dashboard prints one line per step transition while a restore runs.
type dashboard struct {
	mu      sync.Mutex
	w       io.Writer
	started time.Time
	total   int
	done    int
}

func newDashboard(w io.Writer, total int) *dashboard {
	return &dashboard{w: w, started: time.Now(), total: total}
}

// Observe drains sub until the run ends.
func (d *dashboard) Observe(ctx context.Context, sub *engine.Subscription) {
	for ev := range sub.Events(ctx) {
		d.print(ev)
	}
}

func (d *dashboard) print(ev engine.ProgressEvent) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if ev.New.IsTerminal() {
		d.done++
	}

	elapsed := ev.Timestamp.Sub(d.started).Round(time.Second)
	line := fmt.Sprintf("%s %s %-8s %-40s %s",
		faint.Sprintf("[%3d/%-3d %6s]", d.done, d.total, elapsed),
		faint.Sprintf("#%-3d", ev.StepID),
		ev.Kind,
		ev.Target,
		stateColor(ev.New).Sprint(ev.New),
	)
	if ev.Attempt > 1 {
		line += faint.Sprintf(" (attempt %d)", ev.Attempt)
	}
	if ev.New == engine.StepRetrying && ev.RetryIn > 0 {
		line += yellow.Sprintf(" retry in %s", ev.RetryIn.Round(time.Millisecond))
	}
	if ev.Error != nil && (ev.New.IsTerminal() || ev.New == engine.StepRetrying) {
		line += ": " + ev.Error.Error()
	}
	fmt.Fprintln(d.w, line)
}

func stateColor(s engine.StepState) *color.Color {
	switch s {
	case engine.StepSucceeded:
		return green
	case engine.StepFailedPermanently, engine.StepBlocked:
		return red
	case engine.StepFailed, engine.StepRetrying:
		return yellow
	case engine.StepCancelled:
		return magenta
	default:
		return cyan
	}
}

func planStatusColor(s engine.PlanStatus) *color.Color {
	switch s {
	case engine.PlanStatusSucceeded:
		return green
	case engine.PlanStatusPartial:
		return yellow
	case engine.PlanStatusCancelled:
		return magenta
	default:
		return red
	}
}

// printReport prints the final per-step table and summary.
func printReport(w io.Writer, report *engine.Report) {
	fmt.Fprintln(w)
	fmt.Fprintf(w, "%s %s  %s\n", bold.Sprint("Plan"), report.PlanID, planStatusColor(report.Status).Sprint(report.Status))

	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tKIND\tTARGET\tSTATE\tATTEMPTS\tOPERATION\tERROR")
	for _, s := range report.Steps {
		op := "-"
		if s.Handle != nil {
			op = s.Handle.ID
		}
		if n := len(s.PriorHandles); n > 0 {
			op = fmt.Sprintf("%s (+%d earlier)", op, n)
		}
		msg := ""
		if s.Error != nil {
			msg = s.Error.Error()
		}
		fmt.Fprintf(tw, "%d\t%s\t%s\t%s\t%d\t%s\t%s\n",
			s.ID, s.Kind, s.Target, stateColor(s.State).Sprint(s.State), s.Attempts, op, msg)
	}
	_ = tw.Flush()

	sum := report.Summary
	parts := []string{
		green.Sprintf("%d succeeded", sum.Succeeded),
	}
	if sum.FailedPermanently > 0 {
		parts = append(parts, red.Sprintf("%d failed", sum.FailedPermanently))
	}
	if sum.Blocked > 0 {
		parts = append(parts, red.Sprintf("%d blocked", sum.Blocked))
	}
	if sum.Cancelled > 0 {
		parts = append(parts, magenta.Sprintf("%d cancelled", sum.Cancelled))
	}
	parts = append(parts, fmt.Sprintf("%d retries", sum.Retries))
	fmt.Fprintf(w, "\n%d steps: %s in %s\n", sum.Total, strings.Join(parts, ", "), report.Duration.Round(time.Millisecond))
}
