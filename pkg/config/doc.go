// Package config reads restore request files.
//
// # Overview
//
// A restore request lists the disks, instances and clusters to recreate
// from snapshots. Requests can be written in CUE, YAML, JSON or as a
// Starlark script, and every format is validated against the same embedded
// CUE schema (#RestoreRequest) before it reaches the planner.
//
// # Formats
//
// CUE files, or directories holding one CUE package, may use hidden fields
// and comprehensions to avoid repetition:
//
//	_project: "prod-123"
//	_zone:    "europe-west1-b"
//
//	name: "nightly"
//	items: [for d in ["data", "logs"] {
//	    kind: "disk"
//	    snapshot: name: "\(d)-20240101"
//	    target: {project: _project, location: _zone, name: d}
//	}]
//
// YAML and JSON documents carry the same fields:
//
//	name: nightly
//	items:
//	  - kind: instance
//	    snapshot: {name: web-image}
//	    target: {project: prod-123, location: europe-west1-b, name: web, disks: [data]}
//
// Starlark scripts assign the request to the global "restore" and may use
// the helpers disk, instance and cluster. Parser.Vars are visible as
// globals:
//
//	restore = {"items": [
//	    disk(name = "data-%d" % i, snapshot = "nightly-%d" % i,
//	         project = project, location = "europe-west1-b")
//	    for i in range(3)
//	]}
//
// The snapshot type may be omitted; it follows from the kind.
//
// # Error Handling
//
// Problems are collected rather than returned one at a time. Each one is a
// ValidationError with the file, position when known, and field path:
//
//	ValidationError{
//	    File: "nightly.json",
//	    Line: 4,
//	    Column: 60,
//	    Path: "items.0.target.name",
//	    Message: "conflicting values ...",
//	    Severity: "error",
//	}
//
// ParsedRequest.Err folds them into one VALIDATION_ERROR engine error.
//
// # Security
//
// Starlark execution has no filesystem or network access, a step budget
// and a timeout (default 30 seconds). Print statements are suppressed.
package config
