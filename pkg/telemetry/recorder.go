package telemetry

import (
	"context"
	"sync"
	"time"

	"go.opentelemetry.io/otel/trace"

	"github.com/snapcrab/snapcrab/pkg/engine"
)

// Recorder turns the progress events of a run into metrics, spans and log
// lines. One Recorder observes one plan.
type Recorder struct {
	tel    *Telemetry
	logger *Logger

	mu       sync.Mutex
	ctx      context.Context
	planSpan trace.Span
	steps    map[engine.StepID]*stepTrace
}

type stepTrace struct {
	span    trace.Span
	started time.Time
}

// NewRecorder creates a recorder backed by tel.
func NewRecorder(tel *Telemetry) *Recorder {
	return &Recorder{
		tel:    tel,
		logger: tel.Logger.NewComponentLogger("recorder"),
		ctx:    context.Background(),
		steps:  make(map[engine.StepID]*stepTrace),
	}
}

// PlanStarted opens the plan span and returns a context carrying it.
func (r *Recorder) PlanStarted(ctx context.Context, plan *engine.RestorePlan) context.Context {
	r.mu.Lock()
	defer r.mu.Unlock()

	ctx, span := r.tel.Tracer.StartPlanSpan(ctx, plan.ID, plan.Name, len(plan.Steps))
	r.ctx = ctx
	r.planSpan = span
	r.logger = r.logger.WithPlanID(plan.ID)
	r.tel.Metrics.RecordPlanStarted()

	r.logger.Infof("restoring %d resources", len(plan.Steps))
	return ctx
}

// Consume observes every event of sub until the bus closes or ctx ends.
func (r *Recorder) Consume(ctx context.Context, sub *engine.Subscription) {
	for ev := range sub.Events(ctx) {
		r.Observe(ev)
	}
}

// Observe records a single transition.
func (r *Recorder) Observe(ev engine.ProgressEvent) {
	r.mu.Lock()
	defer r.mu.Unlock()

	kind := string(ev.Kind)
	m := r.tel.Metrics
	m.RecordStepTransition(kind, string(ev.New))

	switch {
	case !ev.Old.IsActive() && ev.New.IsActive():
		m.AddActiveSteps(1)
	case ev.Old.IsActive() && !ev.New.IsActive():
		m.AddActiveSteps(-1)
	}

	st := r.steps[ev.StepID]
	if ev.New == engine.StepSubmitted && st == nil {
		_, span := r.tel.Tracer.StartStepSpan(r.ctx, int(ev.StepID), kind, ev.Target)
		st = &stepTrace{span: span, started: ev.Timestamp}
		r.steps[ev.StepID] = st
	}
	if st != nil {
		st.span.AddEvent(string(ev.New), trace.WithAttributes(AttrStepAttempt.Int(ev.Attempt)))
	}

	logger := r.logger.WithStep(int(ev.StepID), ev.Target)

	switch ev.New {
	case engine.StepFailed:
		if ev.Error != nil {
			m.RecordError(string(ev.Error.Class), ev.Error.Code)
		}
	case engine.StepRetrying:
		class := string(engine.ErrorClassUnknown)
		if ev.Error != nil {
			class = string(ev.Error.Class)
		}
		m.RecordStepRetry(kind, class)
		logger.Warnf("attempt %d failed, retrying in %s: %s", ev.Attempt, ev.RetryIn, errorText(ev.Error))
	}

	if !ev.New.IsTerminal() {
		logger.Debugf("%s -> %s", ev.Old, ev.New)
		return
	}

	var duration time.Duration
	if st != nil {
		duration = ev.Timestamp.Sub(st.started)
		if ev.Error != nil {
			st.span.SetAttributes(AttrErrorClass.String(string(ev.Error.Class)), AttrErrorCode.String(ev.Error.Code))
			RecordError(st.span, ev.Error)
		} else if ev.New == engine.StepSucceeded {
			RecordSuccess(st.span)
		}
		st.span.End()
		delete(r.steps, ev.StepID)
	}
	m.RecordStepCompleted(kind, string(ev.New), duration)

	if ev.New == engine.StepSucceeded {
		logger.Infof("restored after %d attempt(s)", ev.Attempt)
	} else {
		logger.Errorf("%s: %s", ev.New, errorText(ev.Error))
	}
}

// PlanFinished closes the plan span and records the outcome.
func (r *Recorder) PlanFinished(report *engine.Report) {
	r.mu.Lock()
	defer r.mu.Unlock()

	for id, st := range r.steps {
		st.span.End()
		delete(r.steps, id)
	}

	r.tel.Metrics.RecordPlanCompleted(string(report.Status), report.Duration)

	if r.planSpan != nil {
		r.planSpan.SetAttributes(AttrPlanState.String(string(report.Status)))
		if report.AllSucceeded() {
			RecordSuccess(r.planSpan)
		} else {
			r.planSpan.SetAttributes(AttrErrorClass.String(string(report.Status)))
		}
		r.planSpan.End()
		r.planSpan = nil
	}

	s := report.Summary
	r.logger.Infof("plan %s: %d succeeded, %d failed, %d blocked, %d cancelled, %d retries in %s",
		report.Status, s.Succeeded, s.FailedPermanently, s.Blocked, s.Cancelled, s.Retries,
		report.Duration.Round(time.Millisecond))
}

func errorText(err *engine.StepError) string {
	if err == nil {
		return "unknown error"
	}
	return err.Error()
}
