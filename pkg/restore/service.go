// Package restore wires request planning, policy checks, execution,
// journaling and telemetry into a single restore run.
package restore

import (
	"context"
	"fmt"
	"sync"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"go.uber.org/multierr"

	"github.com/snapcrab/snapcrab/pkg/engine"
	"github.com/snapcrab/snapcrab/pkg/policy"
	"github.com/snapcrab/snapcrab/pkg/telemetry"
)

// Journal persists restore runs.
type Journal interface {
	CreatePlan(ctx context.Context, plan *engine.RestorePlan, req engine.RestoreRequest, dryRun bool) error
	Consume(ctx context.Context, sub *engine.Subscription) error
	CompletePlan(ctx context.Context, report *engine.Report) error
}

// PrerequisiteChecker is implemented by gateways that can verify access to
// projects and snapshots before anything is submitted.
type PrerequisiteChecker interface {
	CheckPrerequisites(ctx context.Context, req engine.RestoreRequest) error
}

// Observer receives the events of one run. It must return once the
// subscription is drained.
type Observer func(ctx context.Context, sub *engine.Subscription)

// Service runs restore requests against a gateway.
type Service struct {
	gateway     engine.Gateway
	gatewayName string
	planner     engine.Planner
	policies    *policy.Engine
	journal     Journal
	tel         *telemetry.Telemetry
	logger      zerolog.Logger
	dryRun      bool
}

// Option configures a Service.
type Option func(*Service)

// WithPlanner replaces the default planner.
func WithPlanner(p engine.Planner) Option {
	return func(s *Service) { s.planner = p }
}

// WithPolicyEngine evaluates every request against eng before it runs.
func WithPolicyEngine(eng *policy.Engine) Option {
	return func(s *Service) { s.policies = eng }
}

// WithJournal records every run in j.
func WithJournal(j Journal) Option {
	return func(s *Service) { s.journal = j }
}

// WithTelemetry instruments the gateway and records metrics and spans for
// every run.
func WithTelemetry(tel *telemetry.Telemetry) Option {
	return func(s *Service) { s.tel = tel }
}

// WithLogger sets the service logger.
func WithLogger(logger zerolog.Logger) Option {
	return func(s *Service) { s.logger = logger }
}

// WithDryRun marks runs as dry runs in the journal and policy context.
func WithDryRun(dryRun bool) Option {
	return func(s *Service) { s.dryRun = dryRun }
}

// New creates a service submitting through gw. name identifies the gateway
// in metrics and spans.
func New(gw engine.Gateway, name string, opts ...Option) *Service {
	s := &Service{
		gateway:     gw,
		gatewayName: name,
		planner:     engine.NewPlanner(),
		logger:      log.Logger,
	}
	for _, opt := range opts {
		opt(s)
	}

	s.logger = s.logger.With().Str("component", "restore").Str("gateway", name).Logger()
	if s.tel != nil {
		s.gateway = telemetry.InstrumentGateway(s.gateway, s.tel, name)
	}
	return s
}

// Prepared is a validated plan and its policy verdict.
type Prepared struct {
	Plan   *engine.RestorePlan
	Policy *policy.Result
}

// Allowed reports whether the plan may run.
func (p *Prepared) Allowed() bool {
	return p.Policy == nil || p.Policy.Allowed
}

// Prepare builds the plan for req and evaluates the policies against it. A
// denied request is not an error here; check Prepared.Allowed.
func (s *Service) Prepare(ctx context.Context, req engine.RestoreRequest, pctx policy.Context) (*Prepared, error) {
	plan, err := s.planner.Build(req)
	if err != nil {
		return nil, err
	}

	prepared := &Prepared{Plan: plan}
	if s.policies == nil {
		return prepared, nil
	}

	pctx.DryRun = s.dryRun
	result, err := s.policies.Evaluate(ctx, req, plan, pctx)
	if err != nil {
		return nil, fmt.Errorf("failed to evaluate policies: %w", err)
	}
	prepared.Policy = result

	for _, w := range result.Warnings {
		s.logger.Warn().Str("policy", w.Policy).Str("resource", w.Resource).Msg(w.Message)
	}
	return prepared, nil
}

// RunOptions tune a single run.
type RunOptions struct {
	Scheduler engine.SchedulerConfig
	Context   policy.Context
	Observers []Observer
}

// Outcome is everything known about a run. Report is nil when the run
// never started.
type Outcome struct {
	Plan   *engine.RestorePlan
	Policy *policy.Result
	Report *engine.Report
}

// Run plans, checks and executes req. Step failures are reported in the
// outcome's report; an error means the run was refused, could not start or
// could not be journaled.
func (s *Service) Run(ctx context.Context, req engine.RestoreRequest, opts RunOptions) (*Outcome, error) {
	prepared, err := s.Prepare(ctx, req, opts.Context)
	if err != nil {
		return nil, err
	}

	out := &Outcome{Plan: prepared.Plan, Policy: prepared.Policy}
	if prepared.Policy != nil {
		if err := prepared.Policy.Err(); err != nil {
			return out, err
		}
	}

	if checker, ok := s.gateway.(PrerequisiteChecker); ok {
		if err := checker.CheckPrerequisites(ctx, req); err != nil {
			return out, err
		}
	}

	plan := prepared.Plan
	logger := s.logger.With().Str("plan_id", plan.ID).Logger()

	if s.journal != nil {
		if err := s.journal.CreatePlan(ctx, plan, req, s.dryRun); err != nil {
			return out, fmt.Errorf("failed to journal plan: %w", err)
		}
	}

	runCtx := ctx
	var rec *telemetry.Recorder
	if s.tel != nil {
		runCtx = s.tel.WithContext(runCtx)
		rec = telemetry.NewRecorder(s.tel)
		runCtx = rec.PlanStarted(runCtx, plan)
	}

	// consumers drain the bus after a cancelled run
	consumeCtx := context.WithoutCancel(runCtx)
	bus := engine.NewProgressBus()

	var (
		wg         sync.WaitGroup
		journalErr error
	)
	attach := func(fn func(sub *engine.Subscription)) {
		sub := bus.Subscribe()
		wg.Go(func() { fn(sub) })
	}
	if s.journal != nil {
		attach(func(sub *engine.Subscription) { journalErr = s.journal.Consume(consumeCtx, sub) })
	}
	if rec != nil {
		attach(func(sub *engine.Subscription) { rec.Consume(consumeCtx, sub) })
	}
	for _, obs := range opts.Observers {
		attach(func(sub *engine.Subscription) { obs(consumeCtx, sub) })
	}

	report, err := engine.NewScheduler(s.gateway, bus, opts.Scheduler).Run(runCtx, plan)
	bus.Close()
	wg.Wait()
	if err != nil {
		return out, err
	}
	out.Report = report

	if rec != nil {
		rec.PlanFinished(report)
	}

	if s.journal != nil {
		errs := multierr.Append(journalErr, s.journal.CompletePlan(context.WithoutCancel(ctx), report))
		if errs != nil {
			logger.Error().Err(errs).Msg("Restore finished but the journal is incomplete")
			return out, fmt.Errorf("failed to journal run: %w", errs)
		}
	}

	logger.Info().
		Str("status", string(report.Status)).
		Int("succeeded", report.Summary.Succeeded).
		Int("total", report.Summary.Total).
		Msg("Restore run finished")

	return out, nil
}
