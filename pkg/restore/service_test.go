package restore

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/snapcrab/snapcrab/pkg/engine"
	"github.com/snapcrab/snapcrab/pkg/gateway/simulated"
	"github.com/snapcrab/snapcrab/pkg/policy"
	"github.com/snapcrab/snapcrab/pkg/stores"
	"github.com/snapcrab/snapcrab/pkg/telemetry"
)

func nightly() engine.RestoreRequest {
	return engine.RestoreRequest{Name: "nightly", Items: []engine.RestoreItem{
		{
			Kind:     engine.KindDisk,
			Snapshot: engine.SnapshotRef{Name: "data-snap", Type: engine.SnapshotDisk},
			Target: engine.TargetSpec{
				Project: "staging", Location: "europe-west1-b", Name: "data",
				Labels: map[string]string{"owner": "infra"},
			},
		},
		{
			Kind:     engine.KindInstance,
			Snapshot: engine.SnapshotRef{Name: "vm-image", Type: engine.SnapshotMachineImage},
			Target: engine.TargetSpec{
				Project: "staging", Location: "europe-west1-b", Name: "vm", Disks: []string{"data"},
				Labels: map[string]string{"owner": "infra"},
			},
		},
	}}
}

func fastScheduler() engine.SchedulerConfig {
	cfg := engine.DefaultSchedulerConfig()
	cfg.PollInterval = time.Millisecond
	cfg.PollTimeout = time.Second
	cfg.Retry.BaseDelay = time.Millisecond
	cfg.Retry.MaxDelay = 5 * time.Millisecond
	return cfg
}

func openJournal(t *testing.T) *stores.SQLiteStore {
	t.Helper()
	store, err := stores.Open(context.Background(), stores.Config{Path: ":memory:"})
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func testTelemetry(t *testing.T) *telemetry.Telemetry {
	t.Helper()
	cfg := telemetry.DefaultConfig()
	cfg.Logging.Level = "error"
	tel, err := telemetry.NewTelemetry(cfg)
	require.NoError(t, err)
	return tel
}

func quiet() zerolog.Logger {
	return zerolog.New(nil).Level(zerolog.Disabled)
}

func TestService_RunJournalsEveryTransition(t *testing.T) {
	ctx := context.Background()
	journal := openJournal(t)
	gw := simulated.New(simulated.WithPollsToComplete(1))

	svc := New(gw, simulated.API,
		WithJournal(journal),
		WithTelemetry(testTelemetry(t)),
		WithDryRun(true),
		WithLogger(quiet()),
	)

	var (
		mu   sync.Mutex
		seen []engine.ProgressEvent
	)
	out, err := svc.Run(ctx, nightly(), RunOptions{
		Scheduler: fastScheduler(),
		Observers: []Observer{func(ctx context.Context, sub *engine.Subscription) {
			for ev := range sub.Events(ctx) {
				mu.Lock()
				seen = append(seen, ev)
				mu.Unlock()
			}
		}},
	})
	require.NoError(t, err)
	require.NotNil(t, out.Report)
	assert.True(t, out.Report.AllSucceeded())
	assert.Nil(t, out.Policy)

	// pending->submitted->polling->succeeded per step
	assert.Len(t, seen, 6)
	assert.Equal(t, []string{"data", "vm"}, gw.Submissions())

	record, err := journal.GetPlan(ctx, out.Plan.ID)
	require.NoError(t, err)
	assert.Equal(t, engine.PlanStatusSucceeded, record.Status)
	assert.True(t, record.DryRun)
	require.NotNil(t, record.Summary)
	assert.Equal(t, 2, record.Summary.Succeeded)

	events, err := journal.ListEvents(ctx, out.Plan.ID, 100, 0)
	require.NoError(t, err)
	assert.Len(t, events, 6)

	steps, err := journal.ListSteps(ctx, out.Plan.ID)
	require.NoError(t, err)
	require.Len(t, steps, 2)
	for _, s := range steps {
		assert.Equal(t, engine.StepSucceeded, s.State)
	}
}

func TestService_FailedStepIsReportedNotReturned(t *testing.T) {
	ctx := context.Background()
	journal := openJournal(t)
	gw := simulated.New(simulated.WithSubmitErrors("data",
		engine.NewPermanentError("snapshot not found", nil).WithCode(engine.ErrCodeNotFound)))

	svc := New(gw, simulated.API, WithJournal(journal), WithLogger(quiet()))
	out, err := svc.Run(ctx, nightly(), RunOptions{Scheduler: fastScheduler()})
	require.NoError(t, err)
	require.NotNil(t, out.Report)
	assert.False(t, out.Report.AllSucceeded())
	assert.Equal(t, 1, out.Report.Summary.FailedPermanently)
	assert.Equal(t, 1, out.Report.Summary.Blocked)

	record, err := journal.GetPlan(ctx, out.Plan.ID)
	require.NoError(t, err)
	assert.Equal(t, out.Report.Status, record.Status)
}

func TestService_PolicyDenial(t *testing.T) {
	ctx := context.Background()
	journal := openJournal(t)
	gw := simulated.New()

	eng, err := policy.NewEngine(quiet(), policy.WithParams(policy.Params{
		ProtectedProjects: []string{"staging"},
		MaxNodeCount:      10,
	}))
	require.NoError(t, err)

	svc := New(gw, simulated.API, WithPolicyEngine(eng), WithJournal(journal), WithLogger(quiet()))
	out, err := svc.Run(ctx, nightly(), RunOptions{Scheduler: fastScheduler()})
	require.Error(t, err)
	assert.True(t, errors.Is(err, engine.NewPermanentError("", nil).WithCode(engine.ErrCodePolicyViolation)))

	require.NotNil(t, out)
	assert.Nil(t, out.Report)
	require.NotNil(t, out.Policy)
	assert.Len(t, out.Policy.Violations, 2)
	assert.Empty(t, gw.Submissions(), "denied requests never reach the gateway")

	plans, err := journal.ListPlans(ctx, 10, 0)
	require.NoError(t, err)
	assert.Empty(t, plans)
}

func TestService_Prepare(t *testing.T) {
	eng, err := policy.NewEngine(quiet(), policy.WithParams(policy.Params{RequiredLabels: []string{"team"}, MaxNodeCount: 10}))
	require.NoError(t, err)

	svc := New(simulated.New(), simulated.API, WithPolicyEngine(eng), WithLogger(quiet()))

	prepared, err := svc.Prepare(context.Background(), nightly(), policy.Context{User: "oncall"})
	require.NoError(t, err)
	assert.False(t, prepared.Allowed())
	assert.Len(t, prepared.Plan.Levels(), 2)
	assert.Len(t, prepared.Policy.Violations, 2)

	bad := nightly()
	bad.Items[1].Target.Location = "us-central1-a"
	_, err = svc.Prepare(context.Background(), bad, policy.Context{})
	require.Error(t, err)
	assert.True(t, engine.IsPermanent(err))
}

type checkingGateway struct {
	*simulated.Gateway
	err error
}

func (g checkingGateway) CheckPrerequisites(context.Context, engine.RestoreRequest) error {
	return g.err
}

func TestService_PrerequisitesChecked(t *testing.T) {
	sim := simulated.New()
	failing := engine.NewPermanentError("prerequisite check failed for data-snap", nil).
		WithCode(engine.ErrCodePrerequisiteCheck)

	// telemetry wraps the gateway; the check must still be forwarded
	svc := New(checkingGateway{Gateway: sim, err: failing}, "gcp",
		WithTelemetry(testTelemetry(t)),
		WithLogger(quiet()),
	)

	out, err := svc.Run(context.Background(), nightly(), RunOptions{Scheduler: fastScheduler()})
	require.ErrorIs(t, err, failing)
	assert.Nil(t, out.Report)
	assert.Empty(t, sim.Submissions())

	svc = New(checkingGateway{Gateway: sim}, "gcp", WithLogger(quiet()))
	out, err = svc.Run(context.Background(), nightly(), RunOptions{Scheduler: fastScheduler()})
	require.NoError(t, err)
	assert.True(t, out.Report.AllSucceeded())
}
