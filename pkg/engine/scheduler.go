package engine

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"
)

// SchedulerConfig bounds how a plan is executed.
type SchedulerConfig struct {
	// Concurrency is the maximum number of steps submitted or polling at once.
	Concurrency int `json:"concurrency" yaml:"concurrency" validate:"gte=1"`

	// PollInterval is the delay between two polls of the same operation.
	PollInterval time.Duration `json:"poll_interval" yaml:"poll_interval" validate:"gt=0"`

	// PollTimeout bounds how long one operation is polled before it is
	// cancelled. An operation still running one more PollTimeout after the
	// cancel fails the step permanently.
	PollTimeout time.Duration `json:"poll_timeout" yaml:"poll_timeout" validate:"gtefield=PollInterval"`

	// Retry decides what happens to failed attempts.
	Retry RetryPolicy `json:"retry" yaml:"retry"`
}

// DefaultSchedulerConfig returns the configuration used by the CLI when no flags are set.
func DefaultSchedulerConfig() SchedulerConfig {
	return SchedulerConfig{
		Concurrency:  4,
		PollInterval: 5 * time.Second,
		PollTimeout:  30 * time.Minute,
		Retry:        DefaultRetryPolicy(),
	}
}

// Scheduler drives restore plans through the step state machine.
//
// Decisions are made by one goroutine per Run. Submissions, polls and
// backoff timers run on worker goroutines that report back over a channel,
// so step state is never mutated concurrently.
type Scheduler struct {
	gateway Gateway
	bus     *ProgressBus
	cfg     SchedulerConfig
}

// NewScheduler creates a scheduler. A nil bus disables progress events.
func NewScheduler(gateway Gateway, bus *ProgressBus, cfg SchedulerConfig) *Scheduler {
	def := DefaultSchedulerConfig()
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = def.Concurrency
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = def.PollInterval
	}
	if cfg.PollTimeout <= 0 {
		cfg.PollTimeout = def.PollTimeout
	}
	if cfg.Retry.MaxAttempts <= 0 {
		cfg.Retry = def.Retry
	}
	return &Scheduler{gateway: gateway, bus: bus, cfg: cfg}
}

// Config returns the effective configuration.
func (s *Scheduler) Config() SchedulerConfig {
	return s.cfg
}

// Run executes the plan until every step is terminal and returns the
// per-step outcome. Cancelling ctx stops new submissions and cancels
// outstanding operations. Run only returns an error when the plan cannot be
// started; step failures are reported in the Report.
func (s *Scheduler) Run(ctx context.Context, plan *RestorePlan) (*Report, error) {
	if plan == nil {
		return nil, NewPermanentError("plan is nil", nil).WithCode(ErrCodeValidation)
	}
	for _, step := range plan.Steps {
		if step.State != StepPending {
			return nil, NewPermanentError(
				fmt.Sprintf("step %d is %s, plans can only be run once", step.ID, step.State), nil,
			).WithCode(ErrCodeValidation)
		}
	}

	policy := s.cfg.Retry
	policy.Seed = plan.ID

	r := &run{
		ctx:        ctx,
		cfg:        s.cfg,
		gateway:    s.gateway,
		bus:        s.bus,
		plan:       plan,
		policy:     policy,
		msgs:       make(chan message),
		retryReady: make([]bool, len(plan.Steps)),
	}

	started := time.Now()
	logger := log.With().Str("plan_id", plan.ID).Logger()
	logger.Info().
		Int("steps", len(plan.Steps)).
		Int("concurrency", s.cfg.Concurrency).
		Msg("Starting restore plan")

	r.loop()

	report := NewReport(plan, started, r.cancelled)
	logger.Info().
		Str("status", string(report.Status)).
		Int("succeeded", report.Summary.Succeeded).
		Int("failed", report.Summary.FailedPermanently).
		Int("blocked", report.Summary.Blocked).
		Int("cancelled", report.Summary.Cancelled).
		Dur("duration", report.Duration).
		Msg("Restore plan finished")

	return report, nil
}

type messageKind int

const (
	msgSubmitted messageKind = iota
	msgPolled
	msgCancelRequested
	msgBackoffElapsed
)

// message is what workers report to the decision loop. Every worker sends
// exactly one final message.
type message struct {
	kind   messageKind
	step   StepID
	handle OperationHandle
	status OperationStatus
	err    error
}

func (m message) final() bool {
	return m.kind != msgCancelRequested
}

// run holds the state of one plan execution. Only loop and the methods it
// calls touch it.
type run struct {
	ctx     context.Context
	cfg     SchedulerConfig
	gateway Gateway
	bus     *ProgressBus
	plan    *RestorePlan
	policy  RetryPolicy

	msgs       chan message
	workers    int
	active     int
	retryReady []bool
	cancelled  bool
}

func (r *run) loop() {
	for {
		r.observeCancel()
		if !r.cancelled {
			r.dispatch()
		}
		if r.finished() {
			return
		}

		var done <-chan struct{}
		if !r.cancelled {
			done = r.ctx.Done()
		}

		select {
		case msg := <-r.msgs:
			if msg.final() {
				r.workers--
			}
			r.observeCancel()
			r.handle(msg)
		case <-done:
		}
	}
}

// observeCancel switches the run to cancelled mode once the context is done.
// Checked before every decision so no step is submitted after a cancel.
func (r *run) observeCancel() {
	if !r.cancelled && r.ctx.Err() != nil {
		r.cancel()
	}
}

// finished reports whether every step is terminal and no worker is outstanding.
func (r *run) finished() bool {
	if r.workers > 0 {
		return false
	}
	for _, s := range r.plan.Steps {
		if !s.State.IsTerminal() {
			return false
		}
	}
	return true
}

// dispatch submits ready steps in plan order while slots are free.
func (r *run) dispatch() {
	for _, step := range r.plan.Steps {
		if r.active >= r.cfg.Concurrency {
			return
		}
		switch step.State {
		case StepPending:
			if !r.depsSucceeded(step) {
				continue
			}
		case StepRetrying:
			if !r.retryReady[step.ID] {
				continue
			}
			r.retryReady[step.ID] = false
		default:
			continue
		}
		r.submit(step)
	}
}

func (r *run) depsSucceeded(step *RestoreStep) bool {
	for _, dep := range step.Deps {
		if r.plan.Steps[dep].State != StepSucceeded {
			return false
		}
	}
	return true
}

func (r *run) submit(step *RestoreStep) {
	step.Attempts++
	if step.StartedAt.IsZero() {
		step.StartedAt = time.Now()
	}
	r.transition(step, StepSubmitted, nil, 0)
	r.active++
	r.workers++

	// A submission the provider may already have accepted is not abandoned
	// on cancel: its handle comes back and is cancelled through polling.
	ctx := context.WithoutCancel(r.ctx)
	id, item := step.ID, step.Item
	go func() {
		h, err := r.gateway.Submit(ctx, item.Kind, item.Target, item.Snapshot)
		r.msgs <- message{kind: msgSubmitted, step: id, handle: h, err: err}
	}()
}

func (r *run) handle(msg message) {
	step := r.plan.Steps[msg.step]

	switch msg.kind {
	case msgSubmitted:
		if msg.err != nil {
			r.active--
			r.fail(step, msg.err)
			return
		}
		if msg.handle.SubmittedAt.IsZero() {
			msg.handle.SubmittedAt = time.Now()
		}
		if step.Handle != nil {
			step.PriorHandles = append(step.PriorHandles, *step.Handle)
		}
		h := msg.handle
		step.Handle = &h
		step.CancelRequested = false
		step.CancelError = ""
		r.transition(step, StepPolling, nil, 0)
		r.startPolling(step.ID, h)

	case msgCancelRequested:
		step.CancelRequested = true
		if msg.err != nil {
			step.CancelError = msg.err.Error()
			log.Warn().Err(msg.err).
				Str("plan_id", r.plan.ID).
				Int("step_id", int(step.ID)).
				Str("operation", step.Handle.ID).
				Msg("Operation cancel request failed")
		}

	case msgPolled:
		r.active--
		if msg.err == nil && msg.status.Phase == OperationSucceeded {
			step.CompletedAt = time.Now()
			r.transition(step, StepSucceeded, nil, 0)
			return
		}
		err := msg.err
		if err == nil {
			err = msg.status.Err
		}
		if err == nil {
			err = NewUnknownError(msg.status.Detail, nil).WithCode(ErrCodeOperationFailed)
		}
		if r.cancelled {
			r.finishCancelled(step, err)
			return
		}
		r.fail(step, err)

	case msgBackoffElapsed:
		if step.State == StepRetrying {
			r.retryReady[step.ID] = true
		}
	}
}

// fail moves a step to failed and applies the retry policy.
func (r *run) fail(step *RestoreStep, err error) {
	step.LastError = err
	r.transition(step, StepFailed, summarize(err, step.Attempts), 0)

	if r.cancelled {
		r.finishCancelled(step, err)
		return
	}

	decision := r.policy.Decide(step, err)
	if decision.Retry {
		r.transition(step, StepRetrying, summarize(err, step.Attempts), decision.Delay)
		r.startBackoff(step.ID, decision.Delay)
		return
	}

	step.Error = summarize(err, step.Attempts)
	if ClassOf(err) != ErrorClassPermanent {
		step.Error.Message = fmt.Sprintf("%s (%s)", step.Error.Message, decision.Reason)
	}
	step.CompletedAt = time.Now()
	r.transition(step, StepFailedPermanently, step.Error, 0)
	r.block(step.ID)
}

// block marks every transitive dependent of a permanently failed step as blocked.
func (r *run) block(failed StepID) {
	queue := append([]StepID(nil), r.plan.Dependents(failed)...)
	seen := make(map[StepID]bool)
	for len(queue) > 0 {
		id := queue[0]
		queue = queue[1:]
		if seen[id] {
			continue
		}
		seen[id] = true

		step := r.plan.Steps[id]
		if step.State == StepPending {
			cause := failed
			step.Error = &StepError{
				Class:   ErrorClassPermanent,
				Code:    ErrCodeDependencyFailed,
				Message: fmt.Sprintf("dependency %s failed", r.plan.Steps[failed].Target()),
				Cause:   &cause,
			}
			step.CompletedAt = time.Now()
			r.transition(step, StepBlocked, step.Error, 0)
		}
		queue = append(queue, r.plan.Dependents(id)...)
	}
}

// cancel stops new work. Polling workers observe the same context and
// request cancellation of their operations themselves.
func (r *run) cancel() {
	r.cancelled = true
	log.Info().Str("plan_id", r.plan.ID).Msg("Restore plan cancelled")

	for _, step := range r.plan.Steps {
		switch step.State {
		case StepPending, StepRetrying:
			r.finishCancelled(step, nil)
		}
	}
}

func (r *run) finishCancelled(step *RestoreStep, err error) {
	msg := "plan cancelled"
	if step.Handle != nil {
		msg = fmt.Sprintf("plan cancelled, operation %s", step.Handle.ID)
	}
	if err != nil {
		msg = fmt.Sprintf("%s: %v", msg, err)
	}
	step.Error = &StepError{
		Class:    ClassOf(err),
		Code:     ErrCodeCancelled,
		Message:  msg,
		Attempts: step.Attempts,
	}
	step.CompletedAt = time.Now()
	r.transition(step, StepCancelled, step.Error, 0)
}

func (r *run) startBackoff(id StepID, d time.Duration) {
	r.workers++
	go func() {
		t := time.NewTimer(d)
		defer t.Stop()
		select {
		case <-t.C:
		case <-r.ctx.Done():
		}
		r.msgs <- message{kind: msgBackoffElapsed, step: id}
	}()
}

// startPolling polls an operation until it completes or fails. Polls use a
// context detached from plan cancellation so an operation submitted before a
// cancel is still followed to its end.
//
// When the poll timeout expires the operation is cancelled and polled for one
// more timeout window. The attempt only fails as retryable once the operation
// is terminal; an operation that cannot be cancelled or does not stop fails
// the step permanently so it is never restored twice.
func (r *run) startPolling(id StepID, h OperationHandle) {
	r.workers++
	go func() {
		ctx := context.WithoutCancel(r.ctx)
		cancelCh := r.ctx.Done()
		var (
			timedOut   bool
			cancelSent bool
			cancelErr  error
		)
		requestCancel := func() {
			cancelSent = true
			cancelCh = nil
			cancelErr = r.gateway.Cancel(ctx, h)
			r.msgs <- message{kind: msgCancelRequested, step: id, handle: h, err: cancelErr}
		}

		deadline := time.NewTimer(r.cfg.PollTimeout)
		defer deadline.Stop()
		ticker := time.NewTicker(r.cfg.PollInterval)
		defer ticker.Stop()

		for {
			status, err := r.gateway.Poll(ctx, h)
			switch {
			case err != nil && IsPermanent(err):
				r.msgs <- message{kind: msgPolled, step: id, handle: h, err: err}
				return
			case err != nil:
				log.Debug().Err(err).
					Str("plan_id", r.plan.ID).
					Int("step_id", int(id)).
					Msg("Poll failed, retrying on next tick")
			case status.Phase == OperationSucceeded:
				r.msgs <- message{kind: msgPolled, step: id, handle: h, status: status}
				return
			case status.Phase == OperationFailed && timedOut:
				r.msgs <- message{kind: msgPolled, step: id, handle: h, err: r.timeoutError(h, status)}
				return
			case status.Phase == OperationFailed:
				r.msgs <- message{kind: msgPolled, step: id, handle: h, status: status}
				return
			}

			select {
			case <-ticker.C:
			case <-cancelCh:
				requestCancel()
			case <-deadline.C:
				if timedOut {
					r.msgs <- message{kind: msgPolled, step: id, handle: h, err: r.orphanError(h,
						fmt.Errorf("still running %s after the cancel request", r.cfg.PollTimeout))}
					return
				}
				timedOut = true
				if !cancelSent {
					requestCancel()
				}
				if cancelErr != nil {
					r.msgs <- message{kind: msgPolled, step: id, handle: h, err: r.orphanError(h, cancelErr)}
					return
				}
				deadline.Reset(r.cfg.PollTimeout)
			}
		}
	}()
}

// timeoutError is the retryable failure of an attempt whose operation was
// stopped after the poll timeout.
func (r *run) timeoutError(h OperationHandle, status OperationStatus) error {
	msg := fmt.Sprintf("operation %s did not complete within %s and was cancelled", h.ID, r.cfg.PollTimeout)
	if status.Err == nil && status.Detail != "" {
		msg = fmt.Sprintf("%s: %s", msg, status.Detail)
	}
	return NewTransientError(msg, status.Err).WithCode(ErrCodeTimeout).WithOperation("poll")
}

// orphanError fails a step whose timed out operation may still be running.
// Resubmitting would restore the target twice.
func (r *run) orphanError(h OperationHandle, cause error) error {
	return NewPermanentError(
		fmt.Sprintf("operation %s did not complete within %s and may still be running", h.ID, r.cfg.PollTimeout), cause,
	).WithCode(ErrCodeOperationOrphaned).WithOperation("poll").WithDetail("operation", h.ID)
}

func (r *run) transition(step *RestoreStep, next StepState, serr *StepError, retryIn time.Duration) {
	old := step.State
	if !old.CanTransition(next) {
		log.Error().
			Str("plan_id", r.plan.ID).
			Int("step_id", int(step.ID)).
			Str("from", string(old)).
			Str("to", string(next)).
			Msg("Illegal step transition")
	}
	step.State = next

	log.Debug().
		Str("plan_id", r.plan.ID).
		Int("step_id", int(step.ID)).
		Str("kind", string(step.Kind)).
		Str("from", string(old)).
		Str("to", string(next)).
		Int("attempt", step.Attempts).
		Msg("Step transition")

	if r.bus == nil {
		return
	}
	r.bus.Publish(ProgressEvent{
		PlanID:    r.plan.ID,
		StepID:    step.ID,
		Kind:      step.Kind,
		Target:    step.Target(),
		Old:       old,
		New:       next,
		Attempt:   step.Attempts,
		RetryIn:   retryIn,
		Error:     serr,
		Timestamp: time.Now(),
	})
}
