package engine

import (
	"encoding/json"
	"fmt"
)

// StepState is the position of a restore step in its state machine.
//
//	pending -> submitted -> polling -> succeeded
//	                    \          \-> failed -> retrying -> submitted
//	                     \-> failed            \-> failed_permanently
//
// blocked and cancelled are entered from pending or retrying only.
type StepState string

const (
	// StepPending indicates the step waits for its dependencies or a free slot.
	StepPending StepState = "pending"

	// StepSubmitted indicates a submission to the gateway is in flight.
	StepSubmitted StepState = "submitted"

	// StepPolling indicates the gateway accepted the request and the operation is being polled.
	StepPolling StepState = "polling"

	// StepSucceeded indicates the provider operation completed successfully.
	StepSucceeded StepState = "succeeded"

	// StepFailed indicates the last attempt failed and the retry policy has not decided yet.
	StepFailed StepState = "failed"

	// StepRetrying indicates the step waits out a backoff delay before resubmitting.
	StepRetrying StepState = "retrying"

	// StepFailedPermanently indicates the retry policy gave up on the step.
	StepFailedPermanently StepState = "failed_permanently"

	// StepBlocked indicates a transitive dependency failed permanently.
	StepBlocked StepState = "blocked"

	// StepCancelled indicates the plan was cancelled before the step could finish.
	StepCancelled StepState = "cancelled"
)

// IsTerminal returns true if the step will never change state again.
func (s StepState) IsTerminal() bool {
	switch s {
	case StepSucceeded, StepFailedPermanently, StepBlocked, StepCancelled:
		return true
	}
	return false
}

// IsActive returns true if the step occupies a concurrency slot.
func (s StepState) IsActive() bool {
	return s == StepSubmitted || s == StepPolling
}

// Validate checks if the step state is valid.
func (s StepState) Validate() error {
	switch s {
	case StepPending, StepSubmitted, StepPolling, StepSucceeded, StepFailed,
		StepRetrying, StepFailedPermanently, StepBlocked, StepCancelled:
		return nil
	default:
		return fmt.Errorf("invalid step state: %s", s)
	}
}

// CanTransition reports whether the state machine allows s -> next.
func (s StepState) CanTransition(next StepState) bool {
	switch s {
	case StepPending:
		return next == StepSubmitted || next == StepBlocked || next == StepCancelled
	case StepSubmitted:
		return next == StepPolling || next == StepFailed
	case StepPolling:
		return next == StepSucceeded || next == StepFailed || next == StepCancelled
	case StepFailed:
		return next == StepRetrying || next == StepFailedPermanently || next == StepCancelled
	case StepRetrying:
		return next == StepSubmitted || next == StepCancelled
	}
	return false
}

// MarshalJSON implements custom JSON marshaling for type-safe enum serialization.
func (s StepState) MarshalJSON() ([]byte, error) {
	return json.Marshal(string(s))
}

// UnmarshalJSON implements custom JSON unmarshaling with validation.
func (s *StepState) UnmarshalJSON(data []byte) error {
	var str string
	if err := json.Unmarshal(data, &str); err != nil {
		return err
	}
	*s = StepState(str)
	return s.Validate()
}

// PlanStatus summarizes a plan from the terminal states of its steps.
type PlanStatus string

const (
	// PlanStatusPending indicates the plan was built but not started.
	PlanStatusPending PlanStatus = "pending"

	// PlanStatusRunning indicates the scheduler is driving the plan.
	PlanStatusRunning PlanStatus = "running"

	// PlanStatusSucceeded indicates every step succeeded.
	PlanStatusSucceeded PlanStatus = "succeeded"

	// PlanStatusPartial indicates some steps succeeded and some did not.
	PlanStatusPartial PlanStatus = "partial"

	// PlanStatusFailed indicates no step succeeded.
	PlanStatusFailed PlanStatus = "failed"

	// PlanStatusCancelled indicates the plan was cancelled.
	PlanStatusCancelled PlanStatus = "cancelled"
)

// IsTerminal returns true if the plan status represents a final state.
func (s PlanStatus) IsTerminal() bool {
	return s == PlanStatusSucceeded || s == PlanStatusPartial ||
		s == PlanStatusFailed || s == PlanStatusCancelled
}

// Validate checks if the plan status is valid.
func (s PlanStatus) Validate() error {
	switch s {
	case PlanStatusPending, PlanStatusRunning, PlanStatusSucceeded,
		PlanStatusPartial, PlanStatusFailed, PlanStatusCancelled:
		return nil
	default:
		return fmt.Errorf("invalid plan status: %s", s)
	}
}

// MarshalJSON implements custom JSON marshaling for type-safe enum serialization.
func (s PlanStatus) MarshalJSON() ([]byte, error) {
	return json.Marshal(string(s))
}

// UnmarshalJSON implements custom JSON unmarshaling with validation.
func (s *PlanStatus) UnmarshalJSON(data []byte) error {
	var str string
	if err := json.Unmarshal(data, &str); err != nil {
		return err
	}
	*s = PlanStatus(str)
	return s.Validate()
}

// ResourceKind is the kind of GCP resource a step restores.
type ResourceKind string

const (
	// KindDisk is a persistent disk restored from a disk snapshot.
	KindDisk ResourceKind = "disk"

	// KindInstance is a VM instance restored from a machine image.
	KindInstance ResourceKind = "instance"

	// KindCluster is a GKE cluster restored from a cluster backup.
	KindCluster ResourceKind = "cluster"
)

// Validate checks if the resource kind is valid.
func (k ResourceKind) Validate() error {
	switch k {
	case KindDisk, KindInstance, KindCluster:
		return nil
	default:
		return fmt.Errorf("invalid resource kind: %s", k)
	}
}

// SnapshotType returns the only snapshot type a kind can be restored from.
func (k ResourceKind) SnapshotType() SnapshotType {
	switch k {
	case KindDisk:
		return SnapshotDisk
	case KindInstance:
		return SnapshotMachineImage
	case KindCluster:
		return SnapshotClusterBackup
	}
	return ""
}

// SnapshotType is the type of a source snapshot or backup.
type SnapshotType string

const (
	SnapshotDisk          SnapshotType = "disk_snapshot"
	SnapshotMachineImage  SnapshotType = "machine_image"
	SnapshotClusterBackup SnapshotType = "cluster_backup"
)

// Validate checks if the snapshot type is valid.
func (t SnapshotType) Validate() error {
	switch t {
	case SnapshotDisk, SnapshotMachineImage, SnapshotClusterBackup:
		return nil
	default:
		return fmt.Errorf("invalid snapshot type: %s", t)
	}
}
