// Package telemetry provides observability for restore runs.
//
// It combines structured logging (zerolog), distributed tracing
// (OpenTelemetry) and metrics (Prometheus) behind a single Telemetry value.
//
// # Usage
//
//	cfg := telemetry.DefaultConfig()
//	cfg.Metrics.ListenAddress = ":9090"
//
//	tel, err := telemetry.NewTelemetry(cfg)
//	if err != nil {
//	    return err
//	}
//	defer tel.Shutdown(context.Background())
//	tel.Logger.SetGlobal()
//
// # Gateways
//
// InstrumentGateway decorates any engine.Gateway so every submit, poll and
// cancel call gets a span, a latency observation and, on failure, an error
// counter labelled with the error class:
//
//	gw = telemetry.InstrumentGateway(gw, tel, "gcp")
//
// # Progress
//
// A Recorder subscribes to the engine's progress bus and turns step
// transitions into metrics, one span per step and log lines:
//
//	rec := telemetry.NewRecorder(tel)
//	ctx = rec.PlanStarted(ctx, plan)
//	go rec.Consume(ctx, bus.Subscribe())
//	report, _ := scheduler.Run(ctx, plan)
//	rec.PlanFinished(report)
//
// # Metrics
//
// All metrics live in a private registry under the configured namespace:
//
//	snapcrab_plans_started_total
//	snapcrab_plans_completed_total{status}
//	snapcrab_plan_duration_seconds{status}
//	snapcrab_active_plans
//	snapcrab_step_transitions_total{kind,state}
//	snapcrab_step_retries_total{kind,class}
//	snapcrab_step_duration_seconds{kind,state}
//	snapcrab_active_steps
//	snapcrab_gateway_calls_total{gateway,operation}
//	snapcrab_gateway_call_duration_seconds{gateway,operation}
//	snapcrab_gateway_errors_total{gateway,operation,class}
//	snapcrab_errors_by_class_total{class}
//	snapcrab_errors_by_code_total{code}
package telemetry
