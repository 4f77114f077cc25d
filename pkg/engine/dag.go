package engine

import (
	"fmt"
	"slices"
	"strings"
)

// DAGBuilder indexes the dependency edges of a step arena, rejects cycles and
// assigns topological levels.
type DAGBuilder struct {
	steps []*RestoreStep

	// adjacency maps a step to the steps that depend on it
	adjacency [][]StepID

	// inDegree tracks the number of dependencies of each step
	inDegree []int

	levels [][]StepID
}

// NewDAGBuilder creates a new DAG builder.
func NewDAGBuilder() *DAGBuilder {
	return &DAGBuilder{}
}

// Build indexes the steps, checks for cycles and computes levels.
func (b *DAGBuilder) Build(steps []*RestoreStep) error {
	if err := b.initialize(steps); err != nil {
		return err
	}
	if err := b.detectCycles(); err != nil {
		return err
	}
	return b.computeLevels()
}

func (b *DAGBuilder) initialize(steps []*RestoreStep) error {
	b.steps = steps
	b.adjacency = make([][]StepID, len(steps))
	b.inDegree = make([]int, len(steps))
	b.levels = nil

	for i, s := range steps {
		if s.ID != StepID(i) {
			return NewPermanentError(fmt.Sprintf("step at index %d has id %d", i, s.ID), nil).
				WithCode(ErrCodeInternal)
		}
		seen := make(map[StepID]bool, len(s.Deps))
		for _, dep := range s.Deps {
			if int(dep) < 0 || int(dep) >= len(steps) {
				return NewPermanentError(
					fmt.Sprintf("step %d depends on unknown step %d", s.ID, dep), nil,
				).WithCode(ErrCodeInternal)
			}
			if seen[dep] {
				continue
			}
			seen[dep] = true
			b.adjacency[dep] = append(b.adjacency[dep], s.ID)
			b.inDegree[s.ID]++
		}
	}
	return nil
}

// detectCycles runs a DFS over the dependents relation and reports the first cycle found.
func (b *DAGBuilder) detectCycles() error {
	visited := make([]bool, len(b.steps))
	onStack := make([]bool, len(b.steps))

	var visit func(id StepID, path []StepID) []StepID
	visit = func(id StepID, path []StepID) []StepID {
		visited[id] = true
		onStack[id] = true
		path = append(path, id)

		for _, next := range b.adjacency[id] {
			if !visited[next] {
				if cycle := visit(next, path); cycle != nil {
					return cycle
				}
			} else if onStack[next] {
				for i, p := range path {
					if p == next {
						return append(append([]StepID{}, path[i:]...), next)
					}
				}
			}
		}

		onStack[id] = false
		return nil
	}

	for i := range b.steps {
		if visited[i] {
			continue
		}
		if cycle := visit(StepID(i), nil); cycle != nil {
			return NewPermanentError(
				fmt.Sprintf("circular dependency detected: %s", b.formatCycle(cycle)), nil,
			).WithCode(ErrCodeCyclicDependency).WithOperation("build").WithDetail("cycle", cycle)
		}
	}
	return nil
}

// computeLevels assigns each step a level with Kahn's algorithm. Steps on the
// same level have no dependency between them.
func (b *DAGBuilder) computeLevels() error {
	inDegree := append([]int(nil), b.inDegree...)

	var current []StepID
	for i, d := range inDegree {
		if d == 0 {
			current = append(current, StepID(i))
		}
	}

	processed := 0
	for len(current) > 0 {
		b.levels = append(b.levels, current)
		processed += len(current)

		var next []StepID
		for _, id := range current {
			for _, dependent := range b.adjacency[id] {
				inDegree[dependent]--
				if inDegree[dependent] == 0 {
					next = append(next, dependent)
				}
			}
		}
		slices.Sort(next)
		current = next
	}

	if processed != len(b.steps) {
		return NewPermanentError("failed to level all steps - possible cycle", nil).
			WithCode(ErrCodeCyclicDependency)
	}
	return nil
}

// Dependents returns the reverse adjacency computed by Build.
func (b *DAGBuilder) Dependents() [][]StepID {
	return b.adjacency
}

// Levels returns the computed levels.
func (b *DAGBuilder) Levels() [][]StepID {
	return b.levels
}

func (b *DAGBuilder) formatCycle(cycle []StepID) string {
	parts := make([]string, len(cycle))
	for i, id := range cycle {
		parts[i] = fmt.Sprintf("%d(%s)", id, b.steps[id].Item.Target.Name)
	}
	return strings.Join(parts, " -> ")
}

// ToDOT renders a plan as a Graphviz digraph grouped by level.
func ToDOT(p *RestorePlan) string {
	var sb strings.Builder

	sb.WriteString("digraph RestorePlan {\n")
	sb.WriteString("  rankdir=TB;\n")
	sb.WriteString("  node [shape=box, style=rounded];\n\n")

	for level, ids := range p.levels {
		sb.WriteString(fmt.Sprintf("  subgraph cluster_level_%d {\n", level))
		sb.WriteString(fmt.Sprintf("    label=\"Level %d\";\n", level))
		sb.WriteString("    style=dashed;\n")

		for _, id := range ids {
			s := p.Steps[id]
			label := fmt.Sprintf("%s\\n%s", s.Item.Target.Name, s.Kind)
			sb.WriteString(fmt.Sprintf("    \"%d\" [label=\"%s\", fillcolor=\"%s\", style=\"filled,rounded\"];\n",
				id, label, kindColor(s.Kind)))
		}

		sb.WriteString("  }\n\n")
	}

	for _, e := range p.Edges() {
		sb.WriteString(fmt.Sprintf("  \"%d\" -> \"%d\";\n", e[0], e[1]))
	}

	sb.WriteString("}\n")
	return sb.String()
}

func kindColor(k ResourceKind) string {
	switch k {
	case KindDisk:
		return "lightblue"
	case KindInstance:
		return "lightgreen"
	case KindCluster:
		return "khaki"
	default:
		return "white"
	}
}

// ValidatePlan checks the structural invariants of a built plan: ids are dense,
// every dependency exists, and every level assignment respects the edges.
func ValidatePlan(p *RestorePlan) error {
	level := make([]int, len(p.Steps))
	placed := 0
	for l, ids := range p.levels {
		for _, id := range ids {
			level[id] = l
			placed++
		}
	}
	if placed != len(p.Steps) {
		return NewPermanentError("level count mismatch", nil).WithCode(ErrCodeInternal)
	}

	for i, s := range p.Steps {
		if s.ID != StepID(i) {
			return NewPermanentError(fmt.Sprintf("step %d stored at index %d", s.ID, i), nil).
				WithCode(ErrCodeInternal)
		}
		for _, d := range s.Deps {
			if p.Step(d) == nil {
				return NewPermanentError(fmt.Sprintf("step %d references missing step %d", s.ID, d), nil).
					WithCode(ErrCodeInternal)
			}
			if level[d] >= level[s.ID] {
				return NewPermanentError(fmt.Sprintf("step %d is not below dependency %d", s.ID, d), nil).
					WithCode(ErrCodeInternal)
			}
		}
	}
	return nil
}
