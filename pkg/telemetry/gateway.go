package telemetry

import (
	"context"
	"errors"

	"github.com/snapcrab/snapcrab/pkg/engine"
)

// InstrumentGateway wraps gw so that every call is traced, timed and
// counted under name.
func InstrumentGateway(gw engine.Gateway, tel *Telemetry, name string) engine.Gateway {
	return &instrumentedGateway{next: gw, tel: tel, name: name}
}

type instrumentedGateway struct {
	next engine.Gateway
	tel  *Telemetry
	name string
}

func (g *instrumentedGateway) Submit(ctx context.Context, kind engine.ResourceKind, target engine.TargetSpec, snapshot engine.SnapshotRef) (engine.OperationHandle, error) {
	var handle engine.OperationHandle
	err := g.record(ctx, "submit", func(ctx context.Context) error {
		var err error
		handle, err = g.next.Submit(ctx, kind, target, snapshot)
		return err
	})
	return handle, err
}

func (g *instrumentedGateway) Poll(ctx context.Context, handle engine.OperationHandle) (engine.OperationStatus, error) {
	var status engine.OperationStatus
	err := g.record(ctx, "poll", func(ctx context.Context) error {
		var err error
		status, err = g.next.Poll(ctx, handle)
		return err
	})
	return status, err
}

func (g *instrumentedGateway) Cancel(ctx context.Context, handle engine.OperationHandle) error {
	return g.record(ctx, "cancel", func(ctx context.Context) error {
		return g.next.Cancel(ctx, handle)
	})
}

// CheckPrerequisites forwards to the wrapped gateway when it supports
// prerequisite checks.
func (g *instrumentedGateway) CheckPrerequisites(ctx context.Context, req engine.RestoreRequest) error {
	checker, ok := g.next.(interface {
		CheckPrerequisites(context.Context, engine.RestoreRequest) error
	})
	if !ok {
		return nil
	}
	return g.record(ctx, "check", func(ctx context.Context) error {
		return checker.CheckPrerequisites(ctx, req)
	})
}

func (g *instrumentedGateway) record(ctx context.Context, operation string, fn func(context.Context) error) error {
	ctx, span := g.tel.Tracer.StartGatewaySpan(ctx, g.name, operation)
	defer span.End()

	timer := NewTimer()
	err := fn(ctx)
	g.tel.Metrics.RecordGatewayCall(g.name, operation, timer.Duration())

	if err != nil {
		class := engine.ClassOf(err)
		span.SetAttributes(AttrErrorClass.String(string(class)))
		var ee *engine.EngineError
		if errors.As(err, &ee) && ee.Code != "" {
			span.SetAttributes(AttrErrorCode.String(ee.Code))
		}
		RecordError(span, err)
		g.tel.Metrics.RecordGatewayError(g.name, operation, string(class))
		g.tel.Logger.WithGateway(g.name).WithError(err).Debugf("gateway %s failed", operation)
		return err
	}

	RecordSuccess(span)
	return nil
}
