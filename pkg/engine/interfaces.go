package engine

import (
	"context"
)

// Gateway wraps the provider API behind a long-running-operation contract.
// Implementations classify their errors with EngineError so the retry policy
// can tell transient failures from permanent ones.
type Gateway interface {
	// Submit starts restoring target from snapshot and returns a handle to the
	// provider operation. It must not block until the operation completes.
	Submit(ctx context.Context, kind ResourceKind, target TargetSpec, snapshot SnapshotRef) (OperationHandle, error)

	// Poll returns the current status of an operation.
	Poll(ctx context.Context, handle OperationHandle) (OperationStatus, error)

	// Cancel requests cancellation of an operation. It is best-effort; the
	// operation may still complete.
	Cancel(ctx context.Context, handle OperationHandle) error
}

// Planner turns a restore request into a plan.
type Planner interface {
	Build(req RestoreRequest) (*RestorePlan, error)
}

// Runner drives a plan to completion.
type Runner interface {
	Run(ctx context.Context, plan *RestorePlan) (*Report, error)
}

// GatewayFunc adapts plain functions to the Gateway interface. Nil functions
// report success immediately.
type GatewayFunc struct {
	SubmitFunc func(ctx context.Context, kind ResourceKind, target TargetSpec, snapshot SnapshotRef) (OperationHandle, error)
	PollFunc   func(ctx context.Context, handle OperationHandle) (OperationStatus, error)
	CancelFunc func(ctx context.Context, handle OperationHandle) error
}

// Submit implements Gateway.
func (g GatewayFunc) Submit(ctx context.Context, kind ResourceKind, target TargetSpec, snapshot SnapshotRef) (OperationHandle, error) {
	if g.SubmitFunc == nil {
		return OperationHandle{ID: target.String()}, nil
	}
	return g.SubmitFunc(ctx, kind, target, snapshot)
}

// Poll implements Gateway.
func (g GatewayFunc) Poll(ctx context.Context, handle OperationHandle) (OperationStatus, error) {
	if g.PollFunc == nil {
		return Succeeded(), nil
	}
	return g.PollFunc(ctx, handle)
}

// Cancel implements Gateway.
func (g GatewayFunc) Cancel(ctx context.Context, handle OperationHandle) error {
	if g.CancelFunc == nil {
		return nil
	}
	return g.CancelFunc(ctx, handle)
}
