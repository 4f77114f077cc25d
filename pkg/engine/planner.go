package engine

import (
	"errors"
	"fmt"
	"maps"
	"slices"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
)

// DependencyRule derives the dependencies of one request item from the
// items restored alongside it.
type DependencyRule func(id StepID, item RestoreItem, idx *TargetIndex) ([]StepID, error)

// DefaultRules is the fixed kind rule table: instances wait for the disks they
// attach, clusters wait for their member disks and instances. Disks have no
// dependencies.
func DefaultRules() map[ResourceKind]DependencyRule {
	return map[ResourceKind]DependencyRule{
		KindInstance: instanceRule,
		KindCluster:  clusterRule,
	}
}

// DefaultPlanner implements the Planner interface.
// It validates a restore request and turns it into a step arena with
// dependency edges derived from resource kinds.
type DefaultPlanner struct {
	validate *validator.Validate
	rules    map[ResourceKind]DependencyRule
}

// NewPlanner creates a planner using the default rule table.
func NewPlanner() *DefaultPlanner {
	return &DefaultPlanner{
		validate: validator.New(validator.WithRequiredStructEnabled()),
		rules:    DefaultRules(),
	}
}

// Build validates the request and constructs a plan. No provider calls are made.
// Errors match ErrInvalidTarget or ErrCyclicDependency.
func (p *DefaultPlanner) Build(req RestoreRequest) (*RestorePlan, error) {
	if len(req.Items) == 0 {
		return nil, newInvalidTarget("", "restore request has no items")
	}

	for i, item := range req.Items {
		if err := p.validateItem(item); err != nil {
			return nil, err.WithDetail("item", i)
		}
	}

	idx, ierr := NewTargetIndex(req.Items)
	if ierr != nil {
		return nil, ierr
	}

	plan := &RestorePlan{
		ID:        uuid.NewString(),
		Name:      req.Name,
		Steps:     make([]*RestoreStep, len(req.Items)),
		CreatedAt: time.Now(),
	}

	for i, item := range req.Items {
		id := StepID(i)
		var deps []StepID
		if rule, ok := p.rules[item.Kind]; ok {
			var err error
			deps, err = rule(id, item, idx)
			if err != nil {
				return nil, err
			}
		}
		slices.Sort(deps)
		plan.Steps[i] = &RestoreStep{
			ID:    id,
			Kind:  item.Kind,
			Item:  cloneItem(item),
			Deps:  slices.Compact(deps),
			State: StepPending,
		}
	}

	builder := NewDAGBuilder()
	if err := builder.Build(plan.Steps); err != nil {
		return nil, err
	}
	plan.dependents = builder.Dependents()
	plan.levels = builder.Levels()

	if err := ValidatePlan(plan); err != nil {
		return nil, err
	}

	log.Debug().
		Str("plan_id", plan.ID).
		Int("steps", len(plan.Steps)).
		Int("levels", len(plan.levels)).
		Msg("Restore plan built")

	return plan, nil
}

// validateItem checks one request item for well-formedness.
func (p *DefaultPlanner) validateItem(item RestoreItem) *EngineError {
	resource := item.Target.String()

	if err := item.Kind.Validate(); err != nil {
		return newInvalidTarget(resource, "%v", err)
	}

	if err := p.validate.Struct(item); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) {
			fields := make([]string, 0, len(verrs))
			for _, fe := range verrs {
				fields = append(fields, fmt.Sprintf("%s (%s)", fe.Namespace(), fe.Tag()))
			}
			return newInvalidTarget(resource, "invalid fields: %s", strings.Join(fields, ", "))
		}
		return newInvalidTarget(resource, "validation failed: %v", err)
	}

	if want := item.Kind.SnapshotType(); item.Snapshot.Type != want {
		return newInvalidTarget(resource, "%s cannot be restored from %s, need %s",
			item.Kind, item.Snapshot.Type, want)
	}

	if len(item.Target.Disks) > 0 && item.Kind != KindInstance {
		return newInvalidTarget(resource, "disks are only valid for instances")
	}
	if len(item.Target.Members) > 0 && item.Kind != KindCluster {
		return newInvalidTarget(resource, "members are only valid for clusters")
	}
	if item.Target.NodeCount > 0 && item.Kind != KindCluster {
		return newInvalidTarget(resource, "node_count is only valid for clusters")
	}
	if item.Target.RestorePlan != "" && item.Kind != KindCluster {
		return newInvalidTarget(resource, "restore_plan is only valid for clusters")
	}

	return nil
}

type targetKey struct {
	kind    ResourceKind
	project string
	name    string
}

// TargetIndex resolves resource names to the steps restoring them.
type TargetIndex struct {
	items  []RestoreItem
	byName map[targetKey]StepID
}

// NewTargetIndex indexes items by kind, project and name. Two items restoring
// the same target are rejected.
func NewTargetIndex(items []RestoreItem) (*TargetIndex, *EngineError) {
	idx := &TargetIndex{items: items, byName: make(map[targetKey]StepID, len(items))}
	for i, item := range items {
		key := targetKey{kind: item.Kind, project: item.Target.Project, name: item.Target.Name}
		if prev, ok := idx.byName[key]; ok {
			return nil, newInvalidTarget(item.Target.String(),
				"%s %s is restored twice (items %d and %d)", item.Kind, item.Target.Name, prev, i)
		}
		idx.byName[key] = StepID(i)
	}
	return idx, nil
}

// Lookup returns the step restoring the named resource of the given kind.
func (idx *TargetIndex) Lookup(kind ResourceKind, project, name string) (StepID, bool) {
	id, ok := idx.byName[targetKey{kind: kind, project: project, name: name}]
	return id, ok
}

// Item returns the request item of a step.
func (idx *TargetIndex) Item(id StepID) RestoreItem {
	return idx.items[id]
}

// instanceRule makes an instance depend on every attached disk restored by the
// same request. Disks not in the request are existing resources. A name that
// only matches an instance or cluster of the request is rejected; a disk of
// the same name takes precedence.
func instanceRule(id StepID, item RestoreItem, idx *TargetIndex) ([]StepID, error) {
	var deps []StepID
	for _, name := range item.Target.Disks {
		dep, ok := idx.Lookup(KindDisk, item.Target.Project, name)
		if !ok {
			for _, kind := range []ResourceKind{KindInstance, KindCluster} {
				if _, found := idx.Lookup(kind, item.Target.Project, name); found {
					return nil, newInvalidTarget(item.Target.String(),
						"attached disk %s is restored as a %s", name, kind)
				}
			}
			continue
		}
		if disk := idx.Item(dep); disk.Target.Location != item.Target.Location {
			return nil, newInvalidTarget(item.Target.String(),
				"disk %s is restored in %s but the instance is in %s",
				name, disk.Target.Location, item.Target.Location)
		}
		deps = append(deps, dep)
	}
	return deps, nil
}

// clusterRule makes a cluster depend on every member disk or instance restored
// by the same request. Clusters cannot be members of clusters.
func clusterRule(id StepID, item RestoreItem, idx *TargetIndex) ([]StepID, error) {
	var deps []StepID
	for _, name := range item.Target.Members {
		if _, ok := idx.Lookup(KindCluster, item.Target.Project, name); ok {
			return nil, newInvalidTarget(item.Target.String(),
				"member %s is a cluster", name)
		}
		if dep, ok := idx.Lookup(KindDisk, item.Target.Project, name); ok {
			deps = append(deps, dep)
		}
		if dep, ok := idx.Lookup(KindInstance, item.Target.Project, name); ok {
			deps = append(deps, dep)
		}
	}
	return deps, nil
}

func cloneItem(item RestoreItem) RestoreItem {
	item.Target.Disks = slices.Clone(item.Target.Disks)
	item.Target.Members = slices.Clone(item.Target.Members)
	item.Target.Labels = maps.Clone(item.Target.Labels)
	return item
}
