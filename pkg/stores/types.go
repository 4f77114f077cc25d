package stores

import (
	"context"
	"errors"
	"time"

	"github.com/snapcrab/snapcrab/pkg/engine"
)

// ErrNotFound is returned when a plan does not exist.
var ErrNotFound = errors.New("not found")

// PlanRecord is a journaled restore plan.
type PlanRecord struct {
	ID          string                `json:"id"`
	Name        string                `json:"name"`
	Status      engine.PlanStatus     `json:"status"`
	DryRun      bool                  `json:"dry_run"`
	Request     string                `json:"request"` // JSON blob
	StepCount   int                   `json:"step_count"`
	Summary     *engine.ReportSummary `json:"summary,omitempty"`
	StartedAt   time.Time             `json:"started_at"`
	CompletedAt *time.Time            `json:"completed_at,omitempty"`
	CreatedAt   time.Time             `json:"created_at"`
	UpdatedAt   time.Time             `json:"updated_at"`
}

// StepRecord is the latest known state of a step.
type StepRecord struct {
	PlanID            string              `json:"plan_id"`
	StepID            engine.StepID       `json:"step_id"`
	Kind              engine.ResourceKind `json:"kind"`
	Target            string              `json:"target"`
	Snapshot          string              `json:"snapshot"`
	Deps              []engine.StepID     `json:"deps"`
	State             engine.StepState    `json:"state"`
	Attempts          int                 `json:"attempts"`
	OperationID       *string             `json:"operation_id,omitempty"`
	PriorOperationIDs []string            `json:"prior_operation_ids,omitempty"`
	ErrorClass        *string             `json:"error_class,omitempty"`
	ErrorCode         *string             `json:"error_code,omitempty"`
	ErrorMessage      *string             `json:"error_message,omitempty"`
	UpdatedAt         time.Time           `json:"updated_at"`
}

// EventRecord is an append-only step transition.
type EventRecord struct {
	ID           int64            `json:"id"`
	PlanID       string           `json:"plan_id"`
	StepID       engine.StepID    `json:"step_id"`
	Old          engine.StepState `json:"old"`
	New          engine.StepState `json:"new"`
	Attempt      int              `json:"attempt"`
	RetryIn      time.Duration    `json:"retry_in"`
	ErrorClass   *string          `json:"error_class,omitempty"`
	ErrorCode    *string          `json:"error_code,omitempty"`
	ErrorMessage *string          `json:"error_message,omitempty"`
	Timestamp    time.Time        `json:"timestamp"`
}

// Journal persists restore runs so they can be inspected after the process exits.
type Journal interface {
	// Lifecycle
	Init(ctx context.Context) error
	Migrate(ctx context.Context) error
	Close() error

	// Recording
	CreatePlan(ctx context.Context, plan *engine.RestorePlan, req engine.RestoreRequest, dryRun bool) error
	RecordEvent(ctx context.Context, ev engine.ProgressEvent) error
	CompletePlan(ctx context.Context, report *engine.Report) error
	Consume(ctx context.Context, sub *engine.Subscription) error

	// Queries
	GetPlan(ctx context.Context, id string) (*PlanRecord, error)
	ListPlans(ctx context.Context, limit, offset int) ([]*PlanRecord, error)
	ListSteps(ctx context.Context, planID string) ([]*StepRecord, error)
	ListEvents(ctx context.Context, planID string, limit, offset int) ([]*EventRecord, error)
	DeletePlan(ctx context.Context, id string) error

	// Utility
	HealthCheck(ctx context.Context) error
}
