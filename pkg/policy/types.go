package policy

import (
	"fmt"
	"time"

	"go.uber.org/multierr"

	"github.com/snapcrab/snapcrab/pkg/engine"
)

// Severity represents the severity level of a policy violation.
type Severity string

const (
	// SeverityInfo is for informational messages.
	SeverityInfo Severity = "info"

	// SeverityWarning is for warnings that should be reviewed.
	SeverityWarning Severity = "warning"

	// SeverityError is for errors that block the restore.
	SeverityError Severity = "error"

	// SeverityCritical is for violations that must never be overridden.
	SeverityCritical Severity = "critical"
)

// Blocks reports whether a violation of this severity stops a restore.
func (s Severity) Blocks() bool {
	return s == SeverityError || s == SeverityCritical
}

// Validate checks if the severity is known.
func (s Severity) Validate() error {
	switch s {
	case SeverityInfo, SeverityWarning, SeverityError, SeverityCritical:
		return nil
	default:
		return fmt.Errorf("invalid severity: %s", s)
	}
}

// Policy is a Rego module producing deny violations.
type Policy struct {
	// Name is the unique name of the policy.
	Name string `json:"name"`

	// Description provides a human-readable description.
	Description string `json:"description"`

	// Rego contains the Rego policy code. The module must define a
	// "deny" set of strings or objects with a message.
	Rego string `json:"rego"`

	// Severity is the default severity for violations.
	Severity Severity `json:"severity"`

	// Enabled indicates if the policy is active.
	Enabled bool `json:"enabled"`

	// Builtin marks policies shipped with snapcrab.
	Builtin bool `json:"builtin,omitempty"`

	// Tags are labels for organizing policies.
	Tags []string `json:"tags,omitempty"`

	// Source is the file the policy was loaded from.
	Source string `json:"source,omitempty"`
}

// Violation is a single deny result.
type Violation struct {
	// Policy is the name of the policy that was violated.
	Policy string `json:"policy"`

	// Resource is the target (project/location/name) that violated the policy.
	Resource string `json:"resource,omitempty"`

	// Message is a human-readable violation message.
	Message string `json:"message"`

	// Severity is the violation severity level.
	Severity Severity `json:"severity"`

	// DetectedAt is when the violation was detected.
	DetectedAt time.Time `json:"detected_at"`
}

// Error implements the error interface.
func (v Violation) Error() string {
	if v.Resource != "" {
		return fmt.Sprintf("%s: %s (%s)", v.Policy, v.Message, v.Resource)
	}
	return fmt.Sprintf("%s: %s", v.Policy, v.Message)
}

// Result is the outcome of evaluating all enabled policies.
type Result struct {
	// Allowed is false when any violation blocks the restore.
	Allowed bool `json:"allowed"`

	// Violations lists blocking violations.
	Violations []Violation `json:"violations,omitempty"`

	// Warnings lists violations that do not block the restore.
	Warnings []Violation `json:"warnings,omitempty"`

	// Failures lists policies that could not be evaluated.
	Failures []string `json:"failures,omitempty"`

	// EvaluatedPolicies lists the names of policies that were evaluated.
	EvaluatedPolicies []string `json:"evaluated_policies"`

	// EvaluatedAt is when the policies were evaluated.
	EvaluatedAt time.Time `json:"evaluated_at"`

	// Duration is how long the evaluation took.
	Duration time.Duration `json:"duration"`
}

// Err returns a POLICY_VIOLATION error listing the blocking violations,
// or nil when the restore is allowed.
func (r *Result) Err() error {
	if r.Allowed {
		return nil
	}

	var combined error
	for _, v := range r.Violations {
		combined = multierr.Append(combined, v)
	}

	return engine.NewPermanentError(
		fmt.Sprintf("restore request violates %d policy rule(s)", len(r.Violations)),
		combined,
	).WithCode(engine.ErrCodePolicyViolation)
}

// Input is the document policies see as input.
type Input struct {
	// Request is the restore request being evaluated.
	Request engine.RestoreRequest `json:"request"`

	// Plan is the dependency plan built from Request, when available.
	Plan *PlanInput `json:"plan,omitempty"`

	// Context provides additional evaluation context.
	Context Context `json:"context"`
}

// PlanInput is the part of a restore plan exposed to policies.
type PlanInput struct {
	ID     string      `json:"id"`
	Levels int         `json:"levels"`
	Steps  []StepInput `json:"steps"`
}

// StepInput is one plan step exposed to policies.
type StepInput struct {
	ID     int                 `json:"id"`
	Kind   engine.ResourceKind `json:"kind"`
	Target string              `json:"target"`
	Deps   []int               `json:"deps"`
}

// NewPlanInput converts a plan for policy input.
func NewPlanInput(plan *engine.RestorePlan) *PlanInput {
	if plan == nil {
		return nil
	}

	in := &PlanInput{
		ID:     plan.ID,
		Levels: len(plan.Levels()),
		Steps:  make([]StepInput, 0, len(plan.Steps)),
	}
	for _, step := range plan.Steps {
		deps := make([]int, 0, len(step.Deps))
		for _, d := range step.Deps {
			deps = append(deps, int(d))
		}
		in.Steps = append(in.Steps, StepInput{
			ID:     int(step.ID),
			Kind:   step.Kind,
			Target: step.Target(),
			Deps:   deps,
		})
	}
	return in
}

// Context provides context information for policy evaluation.
type Context struct {
	// User is the user performing the restore.
	User string `json:"user,omitempty"`

	// Environment is the environment (e.g., "production", "staging").
	Environment string `json:"environment,omitempty"`

	// DryRun indicates if the restore runs against the simulated gateway.
	DryRun bool `json:"dry_run"`

	// Timestamp is when the evaluation is occurring.
	Timestamp time.Time `json:"timestamp"`
}

// Params are the settings built-in policies read from data.snapcrab.params.
type Params struct {
	// ProtectedProjects may not be restored into.
	ProtectedProjects []string `json:"protected_projects" yaml:"protected_projects"`

	// RequiredLabels must be present on every restored resource.
	RequiredLabels []string `json:"required_labels" yaml:"required_labels"`

	// MaxNodeCount bounds the initial node count of restored clusters.
	MaxNodeCount int `json:"max_node_count" yaml:"max_node_count"`
}

// DefaultParams returns params that let every well-formed request through.
func DefaultParams() Params {
	return Params{
		ProtectedProjects: []string{},
		RequiredLabels:    []string{},
		MaxNodeCount:      100,
	}
}
