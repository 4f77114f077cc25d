package engine

import (
	"slices"
	"time"
)

// Report is the final outcome of a plan: one entry per step with its
// terminal state and, for failures, a human-readable cause.
type Report struct {
	PlanID string     `json:"plan_id"`
	Name   string     `json:"name,omitempty"`
	Status PlanStatus `json:"status"`

	// Cancelled is true when the run was interrupted.
	Cancelled bool `json:"cancelled"`

	Steps   []StepReport  `json:"steps"`
	Summary ReportSummary `json:"summary"`

	StartedAt   time.Time     `json:"started_at"`
	CompletedAt time.Time     `json:"completed_at"`
	Duration    time.Duration `json:"duration"`
}

// StepReport is the outcome of a single step.
type StepReport struct {
	ID       StepID       `json:"id"`
	Kind     ResourceKind `json:"kind"`
	Target   string       `json:"target"`
	Snapshot string       `json:"snapshot"`
	Deps     []StepID     `json:"deps,omitempty"`
	State    StepState    `json:"state"`
	Attempts int          `json:"attempts"`

	// Handle is the last operation submitted for the step, if any.
	Handle *OperationHandle `json:"handle,omitempty"`

	// PriorHandles are the operations of earlier attempts.
	PriorHandles []OperationHandle `json:"prior_handles,omitempty"`

	// CancelRequested reports whether a cancel was sent for Handle.
	CancelRequested bool `json:"cancel_requested,omitempty"`

	Error *StepError `json:"error,omitempty"`

	Duration time.Duration `json:"duration,omitempty"`
}

// ReportSummary aggregates step outcomes.
type ReportSummary struct {
	Total             int `json:"total"`
	Succeeded         int `json:"succeeded"`
	FailedPermanently int `json:"failed_permanently"`
	Blocked           int `json:"blocked"`
	Cancelled         int `json:"cancelled"`

	// Retries is the number of resubmissions across all steps.
	Retries int `json:"retries"`
}

// NewReport snapshots the steps of a plan.
func NewReport(plan *RestorePlan, started time.Time, cancelled bool) *Report {
	now := time.Now()
	r := &Report{
		PlanID:      plan.ID,
		Name:        plan.Name,
		Cancelled:   cancelled,
		Steps:       make([]StepReport, 0, len(plan.Steps)),
		StartedAt:   started,
		CompletedAt: now,
		Duration:    now.Sub(started),
	}

	for _, s := range plan.Steps {
		sr := StepReport{
			ID:              s.ID,
			Kind:            s.Kind,
			Target:          s.Target(),
			Snapshot:        s.Item.Snapshot.Name,
			Deps:            s.Deps,
			State:           s.State,
			Attempts:        s.Attempts,
			PriorHandles:    slices.Clone(s.PriorHandles),
			CancelRequested: s.CancelRequested,
			Error:           s.Error,
		}
		if s.Handle != nil {
			h := *s.Handle
			sr.Handle = &h
		}
		if !s.StartedAt.IsZero() && !s.CompletedAt.IsZero() {
			sr.Duration = s.CompletedAt.Sub(s.StartedAt)
		}
		r.Steps = append(r.Steps, sr)

		r.Summary.Total++
		if s.Attempts > 1 {
			r.Summary.Retries += s.Attempts - 1
		}
		switch s.State {
		case StepSucceeded:
			r.Summary.Succeeded++
		case StepFailedPermanently:
			r.Summary.FailedPermanently++
		case StepBlocked:
			r.Summary.Blocked++
		case StepCancelled:
			r.Summary.Cancelled++
		}
	}

	r.Status = r.Summary.status(cancelled)
	return r
}

func (s ReportSummary) status(cancelled bool) PlanStatus {
	switch {
	case s.Total > 0 && s.Succeeded == s.Total:
		return PlanStatusSucceeded
	case cancelled:
		return PlanStatusCancelled
	case s.Succeeded == 0:
		return PlanStatusFailed
	default:
		return PlanStatusPartial
	}
}

// AllSucceeded returns true if every step succeeded.
func (r *Report) AllSucceeded() bool {
	return r.Status == PlanStatusSucceeded
}

// Step returns the report entry of a step.
func (r *Report) Step(id StepID) (StepReport, bool) {
	if int(id) < 0 || int(id) >= len(r.Steps) {
		return StepReport{}, false
	}
	return r.Steps[id], true
}

// Failures returns the entries of steps that did not succeed.
func (r *Report) Failures() []StepReport {
	var out []StepReport
	for _, s := range r.Steps {
		if s.State != StepSucceeded {
			out = append(out, s)
		}
	}
	return out
}

// States returns the terminal state of every step keyed by id.
func (r *Report) States() map[StepID]StepState {
	out := make(map[StepID]StepState, len(r.Steps))
	for _, s := range r.Steps {
		out[s.ID] = s.State
	}
	return out
}
