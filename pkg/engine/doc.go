// Package engine implements the restore orchestration core of SnapCrab.
//
// # Overview
//
// A restore request names the disks, instances and clusters to recreate from
// snapshots. The engine turns it into a plan, drives every step of the plan
// through the provider's long-running operations and reports what happened:
//
//  1. Build - validate the request and derive a dependency DAG (Planner)
//  2. Run - submit, poll and retry steps under a concurrency bound (Scheduler)
//  3. Observe - stream step transitions to subscribers (ProgressBus)
//  4. Report - summarize the terminal state of every step (Report)
//
// # Plans
//
// A RestorePlan is an arena of RestoreSteps addressed by StepID. Step ids are
// the indices of the request items, so building the same request twice yields
// the same graph. Dependencies come from a fixed rule table:
//
//   - disk: no dependencies
//   - instance: every disk it attaches that the same request restores
//   - cluster: every member disk or instance that the same request restores
//
// Names that the request does not restore refer to existing resources and
// add no edge.
//
// # Step State Machine
//
//	pending -> submitted -> polling -> succeeded
//	              |            |
//	              +-> failed <-+
//	                    |
//	                    +-> retrying -> submitted
//	                    +-> failed_permanently
//
// A permanently failed step blocks its transitive dependents. Independent
// branches keep running. Cancelling the run context cancels pending and
// retrying steps, asks the gateway to cancel polling operations and keeps
// polling them until the provider reports a final status.
//
// # Error Classification
//
// Gateways return EngineErrors classified as:
//
//   - Transient: timeouts and 5xx responses, retried with backoff
//   - Throttled: rate limiting, retried with a longer base delay
//   - Permanent: invalid argument, permission denied, not found; never retried
//   - Unknown: unclassified, retried up to the attempt cap
//
// # Usage Example
//
//	planner := engine.NewPlanner()
//	plan, err := planner.Build(req)
//	if err != nil {
//	    return err // matches engine.ErrInvalidTarget or engine.ErrCyclicDependency
//	}
//
//	bus := engine.NewProgressBus()
//	sub := bus.Subscribe() // before Run, so no transition is missed
//	defer sub.Close()
//
//	done := make(chan struct{})
//	go func() {
//	    defer close(done)
//	    for ev := range sub.Events(ctx) {
//	        fmt.Printf("%d: %s -> %s\n", ev.StepID, ev.Old, ev.New)
//	    }
//	}()
//
//	report, err := engine.NewScheduler(gw, bus, engine.DefaultSchedulerConfig()).Run(ctx, plan)
//	bus.Close()
//	<-done
package engine
