// Package simulated provides an in-memory Gateway for dry runs and tests.
//
// Every submission creates a fake operation named dry-run-operation-<n> that
// completes after a configurable number of polls. Individual targets can be
// scripted to fail submissions or operations.
package simulated

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/snapcrab/snapcrab/pkg/engine"
)

// API is the handle API name of simulated operations.
const API = "dry-run"

// Option configures a Gateway.
type Option func(*Gateway)

// WithPollsToComplete sets how many polls an operation reports in progress
// before completing.
func WithPollsToComplete(n int) Option {
	return func(g *Gateway) { g.pollsToComplete = n }
}

// WithSubmitErrors makes the first submissions of the named target fail with errs.
func WithSubmitErrors(target string, errs ...error) Option {
	return func(g *Gateway) { g.script(target).submitErrs = errs }
}

// WithOperationFailures makes the first operations of the named target
// complete with the given failures.
func WithOperationFailures(target string, failures ...engine.OperationStatus) Option {
	return func(g *Gateway) { g.script(target).opFailures = failures }
}

// WithLatency delays every gateway call.
func WithLatency(d time.Duration) Option {
	return func(g *Gateway) { g.latency = d }
}

// WithLogger sets the logger used for dry-run output.
func WithLogger(logger zerolog.Logger) Option {
	return func(g *Gateway) { g.logger = logger }
}

type targetScript struct {
	submitErrs []error
	opFailures []engine.OperationStatus
	submits    int
	ops        int
}

type operation struct {
	target    string
	polls     int
	result    engine.OperationStatus
	cancelled bool
	done      bool
}

// Gateway is a simulated engine.Gateway.
type Gateway struct {
	pollsToComplete int
	latency         time.Duration
	logger          zerolog.Logger

	mu       sync.Mutex
	seq      int
	scripts  map[string]*targetScript
	ops      map[string]*operation
	inFlight int
	peak     int
	history  []string
}

// New creates a simulated gateway. By default operations complete on the first poll.
func New(opts ...Option) *Gateway {
	g := &Gateway{
		scripts: make(map[string]*targetScript),
		ops:     make(map[string]*operation),
		logger:  zerolog.Nop(),
	}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

func (g *Gateway) script(target string) *targetScript {
	s, ok := g.scripts[target]
	if !ok {
		s = &targetScript{}
		g.scripts[target] = s
	}
	return s
}

func (g *Gateway) wait(ctx context.Context) error {
	if g.latency <= 0 {
		return nil
	}
	t := time.NewTimer(g.latency)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return engine.NewTransientError("simulated call interrupted", ctx.Err()).WithCode(engine.ErrCodeTimeout)
	}
}

// Submit implements engine.Gateway.
func (g *Gateway) Submit(ctx context.Context, kind engine.ResourceKind, target engine.TargetSpec, snapshot engine.SnapshotRef) (engine.OperationHandle, error) {
	if err := g.wait(ctx); err != nil {
		return engine.OperationHandle{}, err
	}

	g.mu.Lock()
	defer g.mu.Unlock()

	s := g.script(target.Name)
	s.submits++
	g.history = append(g.history, target.Name)
	if s.submits <= len(s.submitErrs) {
		return engine.OperationHandle{}, s.submitErrs[s.submits-1]
	}

	g.seq++
	op := &operation{target: target.Name, result: engine.Succeeded()}
	if s.ops < len(s.opFailures) {
		op.result = s.opFailures[s.ops]
	}
	s.ops++

	id := fmt.Sprintf("dry-run-operation-%d", g.seq)
	g.ops[id] = op
	g.inFlight++
	if g.inFlight > g.peak {
		g.peak = g.inFlight
	}

	g.logger.Info().
		Str("operation", id).
		Str("kind", string(kind)).
		Str("target", target.String()).
		Str("snapshot", snapshot.Name).
		Msg("Dry run: would restore")

	return engine.OperationHandle{
		ID:          id,
		API:         API,
		Project:     target.Project,
		Location:    target.Location,
		SubmittedAt: time.Now(),
	}, nil
}

// Poll implements engine.Gateway.
func (g *Gateway) Poll(ctx context.Context, handle engine.OperationHandle) (engine.OperationStatus, error) {
	if err := g.wait(ctx); err != nil {
		return engine.OperationStatus{}, err
	}

	g.mu.Lock()
	defer g.mu.Unlock()

	op, ok := g.ops[handle.ID]
	if !ok {
		return engine.OperationStatus{}, engine.NewPermanentError(
			fmt.Sprintf("operation %s not found", handle.ID), nil,
		).WithCode(engine.ErrCodeNotFound).WithOperation("poll")
	}

	if op.cancelled {
		g.complete(op)
		return engine.FailedWith(engine.NewPermanentError("operation cancelled", nil).
			WithCode(engine.ErrCodeCancelled)), nil
	}

	op.polls++
	if op.polls <= g.pollsToComplete {
		return engine.InProgress(), nil
	}
	g.complete(op)
	return op.result, nil
}

func (g *Gateway) complete(op *operation) {
	if !op.done {
		op.done = true
		g.inFlight--
	}
}

// Cancel implements engine.Gateway. Operations that already completed cannot
// be cancelled.
func (g *Gateway) Cancel(_ context.Context, handle engine.OperationHandle) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	op, ok := g.ops[handle.ID]
	if !ok {
		return engine.NewPermanentError(fmt.Sprintf("operation %s not found", handle.ID), nil).
			WithCode(engine.ErrCodeNotFound).WithOperation("cancel")
	}
	if op.done {
		return engine.NewPermanentError(fmt.Sprintf("operation %s already done", handle.ID), nil).
			WithCode(engine.ErrCodeOperationFailed).WithOperation("cancel")
	}
	op.cancelled = true
	return nil
}

// Submissions returns target names in submission order, including failed submissions.
func (g *Gateway) Submissions() []string {
	g.mu.Lock()
	defer g.mu.Unlock()
	return append([]string(nil), g.history...)
}

// PeakInFlight returns the highest number of operations running at once.
func (g *Gateway) PeakInFlight() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.peak
}
