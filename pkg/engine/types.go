package engine

import (
	"fmt"
	"time"
)

// StepID addresses a step inside its plan. IDs are dense indices in request order.
type StepID int

// SnapshotRef identifies the snapshot, machine image or backup to restore from.
type SnapshotRef struct {
	// Name is the snapshot name or full resource path.
	Name string `json:"name" yaml:"name" validate:"required"`

	// Type is the snapshot type. It must match the kind being restored.
	Type SnapshotType `json:"type" yaml:"type" validate:"required,oneof=disk_snapshot machine_image cluster_backup"`

	// Project owning the snapshot. Defaults to the target project when empty.
	Project string `json:"project,omitempty" yaml:"project,omitempty"`
}

// TargetSpec describes the resource to create from a snapshot.
type TargetSpec struct {
	// Project is the GCP project the resource is created in.
	Project string `json:"project" yaml:"project" validate:"required"`

	// Location is a zone for disks and instances, a zone or region for clusters.
	Location string `json:"location" yaml:"location" validate:"required"`

	// Name is the name of the restored resource.
	Name string `json:"name" yaml:"name" validate:"required,max=63"`

	// Disks lists disk names an instance attaches. Disks restored by the
	// same request become dependencies.
	Disks []string `json:"disks,omitempty" yaml:"disks,omitempty" validate:"dive,required"`

	// Members lists disks or instances a cluster restore waits for.
	Members []string `json:"members,omitempty" yaml:"members,omitempty" validate:"dive,required"`

	// MachineType overrides the machine type of a restored instance.
	MachineType string `json:"machine_type,omitempty" yaml:"machine_type,omitempty"`

	// NodeCount is the expected node count of a restored cluster. The
	// restore itself takes the node pools from the backup.
	NodeCount int `json:"node_count,omitempty" yaml:"node_count,omitempty" validate:"gte=0"`

	// RestorePlan is the Backup for GKE restore plan a cluster is restored
	// through, as a name in the target project and location or a full
	// resource path. The plan names the destination cluster.
	RestorePlan string `json:"restore_plan,omitempty" yaml:"restore_plan,omitempty"`

	// Labels are applied to the restored resource.
	Labels map[string]string `json:"labels,omitempty" yaml:"labels,omitempty"`
}

// String returns project/location/name.
func (t TargetSpec) String() string {
	return fmt.Sprintf("%s/%s/%s", t.Project, t.Location, t.Name)
}

// RestoreItem is one (kind, snapshot, target) tuple of a restore request.
type RestoreItem struct {
	Kind     ResourceKind `json:"kind" yaml:"kind" validate:"required,oneof=disk instance cluster"`
	Snapshot SnapshotRef  `json:"snapshot" yaml:"snapshot"`
	Target   TargetSpec   `json:"target" yaml:"target"`
}

// RestoreRequest is the user's restore intent. It is not modified after submission.
type RestoreRequest struct {
	// Name is an optional label for the request.
	Name string `json:"name,omitempty" yaml:"name,omitempty"`

	// Items are restored in dependency order; ties keep request order.
	Items []RestoreItem `json:"items" yaml:"items" validate:"required,min=1,dive"`
}

// OperationHandle is an opaque reference to a provider long-running operation.
// It is owned by the step that submitted it.
type OperationHandle struct {
	// ID is the provider operation name.
	ID string `json:"id"`

	// API identifies which provider API owns the operation.
	API string `json:"api,omitempty"`

	// Project and Location scope the operation.
	Project  string `json:"project,omitempty"`
	Location string `json:"location,omitempty"`

	// SubmittedAt is when the gateway accepted the request.
	SubmittedAt time.Time `json:"submitted_at"`
}

// OperationPhase is the coarse status of a provider operation.
type OperationPhase string

const (
	OperationInProgress OperationPhase = "in_progress"
	OperationSucceeded  OperationPhase = "succeeded"
	OperationFailed     OperationPhase = "failed"
)

// OperationStatus is the result of polling an operation.
type OperationStatus struct {
	Phase OperationPhase `json:"phase"`

	// Detail is the provider's error message for failed operations.
	Detail string `json:"detail,omitempty"`

	// Err optionally classifies a failed operation. Unclassified failures are
	// treated as unknown errors.
	Err error `json:"-"`
}

// InProgress returns an in-progress status.
func InProgress() OperationStatus { return OperationStatus{Phase: OperationInProgress} }

// Succeeded returns a successful status.
func Succeeded() OperationStatus { return OperationStatus{Phase: OperationSucceeded} }

// Failed returns a failed status with the provider's detail.
func Failed(detail string) OperationStatus {
	return OperationStatus{Phase: OperationFailed, Detail: detail}
}

// FailedWith returns a failed status carrying a classified error.
func FailedWith(err error) OperationStatus {
	return OperationStatus{Phase: OperationFailed, Detail: err.Error(), Err: err}
}

// RestoreStep is one unit of orchestrated work in a plan.
type RestoreStep struct {
	// ID is the step's index in the plan.
	ID StepID `json:"id"`

	// Kind is the resource kind restored by this step.
	Kind ResourceKind `json:"kind"`

	// Item is the request tuple this step restores.
	Item RestoreItem `json:"item"`

	// Deps are steps that must reach succeeded before this step is submitted.
	Deps []StepID `json:"deps"`

	// State is the current state machine position.
	State StepState `json:"state"`

	// Attempts counts submissions made so far.
	Attempts int `json:"attempts"`

	// LastError is the most recent error observed by the step.
	LastError error `json:"-"`

	// Handle is set once the gateway accepted a submission.
	Handle *OperationHandle `json:"handle,omitempty"`

	// PriorHandles are operations of earlier attempts. Each of them reached
	// a terminal status before the step was resubmitted.
	PriorHandles []OperationHandle `json:"prior_handles,omitempty"`

	// CancelRequested is set once a cancel was sent for Handle.
	CancelRequested bool `json:"cancel_requested,omitempty"`

	// CancelError records a failed cancel request.
	CancelError string `json:"cancel_error,omitempty"`

	// Error is the terminal summary for steps that did not succeed.
	Error *StepError `json:"error,omitempty"`

	StartedAt   time.Time `json:"started_at,omitempty"`
	CompletedAt time.Time `json:"completed_at,omitempty"`
}

// Target returns a printable target identifier.
func (s *RestoreStep) Target() string {
	return s.Item.Target.String()
}

// RestorePlan owns the steps of one restore request.
type RestorePlan struct {
	// ID uniquely identifies the plan.
	ID string `json:"id"`

	// Name is copied from the request.
	Name string `json:"name,omitempty"`

	// Steps is the arena of steps, indexed by StepID.
	Steps []*RestoreStep `json:"steps"`

	// CreatedAt is when the plan was built.
	CreatedAt time.Time `json:"created_at"`

	dependents [][]StepID
	levels     [][]StepID
}

// Step returns the step with the given id, or nil.
func (p *RestorePlan) Step(id StepID) *RestoreStep {
	if int(id) < 0 || int(id) >= len(p.Steps) {
		return nil
	}
	return p.Steps[id]
}

// Dependents returns the steps that directly depend on id.
func (p *RestorePlan) Dependents(id StepID) []StepID {
	if int(id) < 0 || int(id) >= len(p.dependents) {
		return nil
	}
	return p.dependents[id]
}

// Levels returns step ids grouped by topological depth.
func (p *RestorePlan) Levels() [][]StepID {
	return p.levels
}

// Edges returns every (dependency, dependent) pair in plan order.
func (p *RestorePlan) Edges() [][2]StepID {
	var edges [][2]StepID
	for _, s := range p.Steps {
		for _, d := range s.Deps {
			edges = append(edges, [2]StepID{d, s.ID})
		}
	}
	return edges
}

// ProgressEvent records one step state transition.
type ProgressEvent struct {
	// PlanID is the plan the step belongs to.
	PlanID string `json:"plan_id"`

	StepID StepID       `json:"step_id"`
	Kind   ResourceKind `json:"kind"`
	Target string       `json:"target"`

	Old StepState `json:"old"`
	New StepState `json:"new"`

	// Attempt is the step's attempt count at the time of the transition.
	Attempt int `json:"attempt"`

	// RetryIn is the backoff delay for transitions into retrying.
	RetryIn time.Duration `json:"retry_in,omitempty"`

	// Error summarizes the failure for failed, retrying and terminal transitions.
	Error *StepError `json:"error,omitempty"`

	Timestamp time.Time `json:"timestamp"`
}
