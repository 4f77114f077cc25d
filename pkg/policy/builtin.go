package policy

// GetBuiltinPolicies returns all built-in policies.
func GetBuiltinPolicies() []Policy {
	return []Policy{
		protectedProjectsPolicy(),
		requiredLabelsPolicy(),
		clusterNodeCountPolicy(),
		crossProjectSnapshotPolicy(),
	}
}

// protectedProjectsPolicy refuses restores into protected projects.
func protectedProjectsPolicy() Policy {
	return Policy{
		Name:        "protected-projects",
		Description: "Refuses to create resources in projects listed in protected_projects",
		Severity:    SeverityCritical,
		Enabled:     true,
		Builtin:     true,
		Tags:        []string{"safety"},
		Rego: `package snapcrab.policies.protected_projects

import rego.v1

deny contains violation if {
	some item in input.request.items
	item.target.project in data.snapcrab.params.protected_projects
	violation := {
		"message": sprintf("project %s is protected and cannot be restored into", [item.target.project]),
		"resource": sprintf("%s/%s/%s", [item.target.project, item.target.location, item.target.name]),
	}
}
`,
	}
}

// requiredLabelsPolicy requires labels on every restored resource.
func requiredLabelsPolicy() Policy {
	return Policy{
		Name:        "required-labels",
		Description: "Requires the labels listed in required_labels on every restored resource",
		Severity:    SeverityError,
		Enabled:     true,
		Builtin:     true,
		Tags:        []string{"labels", "compliance"},
		Rego: `package snapcrab.policies.required_labels

import rego.v1

deny contains violation if {
	some item in input.request.items
	some key in data.snapcrab.params.required_labels
	not has_label(item.target, key)
	violation := {
		"message": sprintf("%s %s is missing required label %q", [item.kind, item.target.name, key]),
		"resource": sprintf("%s/%s/%s", [item.target.project, item.target.location, item.target.name]),
	}
}

has_label(target, key) if {
	target.labels[key]
}
`,
	}
}

// clusterNodeCountPolicy bounds the size of restored clusters.
func clusterNodeCountPolicy() Policy {
	return Policy{
		Name:        "cluster-node-count",
		Description: "Bounds the initial node count of restored clusters by max_node_count",
		Severity:    SeverityError,
		Enabled:     true,
		Builtin:     true,
		Tags:        []string{"cost"},
		Rego: `package snapcrab.policies.cluster_node_count

import rego.v1

deny contains violation if {
	some item in input.request.items
	item.kind == "cluster"
	item.target.node_count > data.snapcrab.params.max_node_count
	violation := {
		"message": sprintf("cluster %s requests %d nodes, the limit is %d", [
			item.target.name,
			item.target.node_count,
			data.snapcrab.params.max_node_count,
		]),
		"resource": sprintf("%s/%s/%s", [item.target.project, item.target.location, item.target.name]),
	}
}
`,
	}
}

// crossProjectSnapshotPolicy warns when a snapshot lives in another project.
func crossProjectSnapshotPolicy() Policy {
	return Policy{
		Name:        "cross-project-snapshot",
		Description: "Warns when a resource is restored from a snapshot owned by another project",
		Severity:    SeverityWarning,
		Enabled:     true,
		Builtin:     true,
		Tags:        []string{"safety"},
		Rego: `package snapcrab.policies.cross_project_snapshot

import rego.v1

deny contains violation if {
	some item in input.request.items
	item.snapshot.project
	item.snapshot.project != item.target.project
	violation := {
		"message": sprintf("%s is restored from project %s into project %s", [
			item.snapshot.name,
			item.snapshot.project,
			item.target.project,
		]),
		"resource": sprintf("%s/%s/%s", [item.target.project, item.target.location, item.target.name]),
	}
}
`,
	}
}
