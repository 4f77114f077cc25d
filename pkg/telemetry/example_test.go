package telemetry_test

import (
	"context"
	"fmt"

	"github.com/snapcrab/snapcrab/pkg/engine"
	"github.com/snapcrab/snapcrab/pkg/gateway/simulated"
	"github.com/snapcrab/snapcrab/pkg/telemetry"
)

// Example_instrumentedRun wires a recorder and an instrumented gateway
// around a dry run.
func Example_instrumentedRun() {
	cfg := telemetry.DefaultConfig()
	cfg.Logging.Level = "error"

	tel, err := telemetry.NewTelemetry(cfg)
	if err != nil {
		panic(err)
	}
	defer tel.Shutdown(context.Background())

	plan, err := engine.NewPlanner().Build(engine.RestoreRequest{Items: []engine.RestoreItem{{
		Kind:     engine.KindDisk,
		Snapshot: engine.SnapshotRef{Name: "nightly", Type: engine.SnapshotDisk},
		Target:   engine.TargetSpec{Project: "proj", Location: "europe-west1-b", Name: "data"},
	}}})
	if err != nil {
		panic(err)
	}

	bus := engine.NewProgressBus()
	gw := telemetry.InstrumentGateway(simulated.New(), tel, "dry-run")

	rec := telemetry.NewRecorder(tel)
	ctx := rec.PlanStarted(context.Background(), plan)

	done := make(chan struct{})
	sub := bus.Subscribe()
	go func() {
		defer close(done)
		rec.Consume(ctx, sub)
	}()

	report, err := engine.NewScheduler(gw, bus, engine.DefaultSchedulerConfig()).Run(ctx, plan)
	if err != nil {
		panic(err)
	}
	bus.Close()
	<-done
	rec.PlanFinished(report)

	fmt.Println(report.Status)
	// Output: succeeded
}
