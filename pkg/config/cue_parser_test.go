package config

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"

	"github.com/snapcrab/snapcrab/pkg/engine"
)

func newTestParser(t *testing.T) *Parser {
	t.Helper()
	parser, err := NewParser()
	if err != nil {
		t.Fatalf("failed to create parser: %v", err)
	}
	return parser
}

func writeFile(t *testing.T, dir, name, content string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("failed to write %s: %v", name, err)
	}
	return path
}

var wantNightly = engine.RestoreRequest{
	Name: "nightly",
	Items: []engine.RestoreItem{
		{
			Kind:     engine.KindDisk,
			Snapshot: engine.SnapshotRef{Name: "data-snap", Type: engine.SnapshotDisk},
			Target:   engine.TargetSpec{Project: "proj", Location: "europe-west1-b", Name: "data"},
		},
		{
			Kind:     engine.KindInstance,
			Snapshot: engine.SnapshotRef{Name: "vm-image", Type: engine.SnapshotMachineImage},
			Target: engine.TargetSpec{
				Project:  "proj",
				Location: "europe-west1-b",
				Name:     "vm",
				Disks:    []string{"data"},
				Labels:   map[string]string{"env": "prod"},
			},
		},
	},
}

func TestParser_Formats(t *testing.T) {
	parser := newTestParser(t)
	ctx := context.Background()

	tests := []struct {
		name    string
		format  Format
		content string
	}{
		{
			name:   "cue",
			format: FormatCUE,
			content: `
package restore

_project: "proj"
_zone:    "europe-west1-b"

name: "nightly"
items: [
	{kind: "disk", snapshot: {name: "data-snap"}, target: {project: _project, location: _zone, name: "data"}},
	{
		kind: "instance"
		snapshot: name: "vm-image"
		target: {project: _project, location: _zone, name: "vm", disks: ["data"], labels: {env: "prod"}}
	},
]
`,
		},
		{
			name:   "yaml",
			format: FormatYAML,
			content: `
name: nightly
items:
  - kind: disk
    snapshot: {name: data-snap}
    target: {project: proj, location: europe-west1-b, name: data}
  - kind: instance
    snapshot: {name: vm-image, type: machine_image}
    target:
      project: proj
      location: europe-west1-b
      name: vm
      disks: [data]
      labels: {env: prod}
`,
		},
		{
			name:   "json",
			format: FormatJSON,
			content: `{
  "name": "nightly",
  "items": [
    {"kind": "disk", "snapshot": {"name": "data-snap"},
     "target": {"project": "proj", "location": "europe-west1-b", "name": "data"}},
    {"kind": "instance", "snapshot": {"name": "vm-image"},
     "target": {"project": "proj", "location": "europe-west1-b", "name": "vm",
                "disks": ["data"], "labels": {"env": "prod"}}}
  ]
}`,
		},
		{
			name:   "starlark",
			format: FormatStarlark,
			content: `
zone = "europe-west1-b"
restore = {
    "name": "nightly",
    "items": [
        disk(name = "data", snapshot = "data-snap", project = "proj", location = zone),
        instance(name = "vm", image = "vm-image", project = "proj", location = zone,
                 disks = ["data"], labels = {"env": "prod"}),
    ],
}
`,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			parsed, err := parser.Parse(ctx, []byte(tt.content), tt.format, "request."+string(tt.format))
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if parsed.HasErrors() {
				t.Fatalf("unexpected validation errors: %v", parsed.Errors)
			}
			if diff := cmp.Diff(wantNightly, parsed.Request); diff != "" {
				t.Errorf("request mismatch (-want +got):\n%s", diff)
			}
		})
	}
}

func TestParser_ValidationErrors(t *testing.T) {
	parser := newTestParser(t)
	ctx := context.Background()

	tests := []struct {
		name     string
		format   Format
		content  string
		contains string
	}{
		{
			name:     "invalid CUE syntax",
			format:   FormatCUE,
			content:  `items: [ {kind: "disk"`,
			contains: "expected",
		},
		{
			name:   "unknown kind",
			format: FormatCUE,
			content: `items: [{kind: "bucket", snapshot: {name: "s"},
				target: {project: "p", location: "z", name: "b"}}]`,
			contains: "kind",
		},
		{
			name:   "snapshot type does not match kind",
			format: FormatYAML,
			content: `
items:
  - kind: disk
    snapshot: {name: s, type: machine_image}
    target: {project: p, location: z, name: d}
`,
			contains: "type",
		},
		{
			name:   "unknown field",
			format: FormatJSON,
			content: `{"items": [{"kind": "disk", "snapshot": {"name": "s"},
				"target": {"project": "p", "location": "z", "name": "d", "size_gb": 10}}]}`,
			contains: "size_gb",
		},
		{
			name:   "invalid resource name",
			format: FormatYAML,
			content: `
items:
  - kind: disk
    snapshot: {name: s}
    target: {project: p, location: z, name: Data_Disk}
`,
			contains: "name",
		},
		{
			name:     "no items",
			format:   FormatYAML,
			content:  "name: empty\nitems: []\n",
			contains: "items",
		},
		{
			name:     "empty document",
			format:   FormatYAML,
			content:  "",
			contains: "request is empty",
		},
		{
			name:   "negative node count",
			format: FormatCUE,
			content: `items: [{kind: "cluster", snapshot: {name: "b"},
				target: {project: "p", location: "r", name: "c", node_count: -1}}]`,
			contains: "node_count",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			parsed, err := parser.Parse(ctx, []byte(tt.content), tt.format, "bad."+string(tt.format))
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if !parsed.HasErrors() {
				t.Fatalf("expected validation errors, got request %+v", parsed.Request)
			}

			verr := parsed.Err()
			if !errors.Is(verr, engine.NewPermanentError("", nil).WithCode(engine.ErrCodeValidation)) {
				t.Errorf("expected a validation error, got %v", verr)
			}
			if !strings.Contains(verr.Error(), tt.contains) {
				t.Errorf("expected error mentioning %q, got %v", tt.contains, verr)
			}
		})
	}
}

func TestParser_ErrorPositions(t *testing.T) {
	parser := newTestParser(t)

	parsed, err := parser.Parse(context.Background(), []byte(`{
  "items": [
    {"kind": "disk", "snapshot": {"name": "s"},
     "target": {"project": "p", "location": "z", "name": 42}}
  ]
}`), FormatJSON, "positions.json")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(parsed.Errors) == 0 {
		t.Fatal("expected errors")
	}

	var found bool
	for _, e := range parsed.Errors {
		if e.File == "positions.json" && e.Line > 0 {
			found = true
		}
	}
	if !found {
		t.Errorf("expected an error with a position in positions.json, got %+v", parsed.Errors)
	}
}

func TestParser_Load(t *testing.T) {
	parser := newTestParser(t)
	ctx := context.Background()
	dir := t.TempDir()

	disks := writeFile(t, dir, "disks.yaml", `
name: disks
items:
  - kind: disk
    snapshot: {name: data-snap}
    target: {project: proj, location: europe-west1-b, name: data}
`)
	vms := writeFile(t, dir, "vms.json", `{"name": "vms", "items": [
  {"kind": "instance", "snapshot": {"name": "vm-image"},
   "target": {"project": "proj", "location": "europe-west1-b", "name": "vm", "disks": ["data"]}}]}`)

	req, err := parser.LoadRequest(ctx, disks, vms)
	if err != nil {
		t.Fatalf("failed to load: %v", err)
	}
	if req.Name != "disks+vms" {
		t.Errorf("expected merged name disks+vms, got %s", req.Name)
	}
	if len(req.Items) != 2 || req.Items[1].Kind != engine.KindInstance {
		t.Errorf("unexpected items: %+v", req.Items)
	}

	// The merged request must be a valid plan input.
	plan, err := engine.NewPlanner().Build(req)
	if err != nil {
		t.Fatalf("failed to build plan: %v", err)
	}
	if len(plan.Steps[1].Deps) != 1 {
		t.Errorf("expected the instance to depend on the disk, got %v", plan.Steps[1].Deps)
	}
}

func TestParser_LoadDirectory(t *testing.T) {
	parser := newTestParser(t)
	dir := t.TempDir()

	writeFile(t, dir, "defaults.cue", `
package restore

_project: "proj"
_zone:    "europe-west1-b"
`)
	writeFile(t, dir, "request.cue", `
package restore

name: "from-package"
items: [{kind: "disk", snapshot: {name: "s"}, target: {project: _project, location: _zone, name: "data"}}]
`)

	parsed, err := parser.Load(context.Background(), dir)
	if err != nil {
		t.Fatalf("failed to load directory: %v", err)
	}
	if parsed.HasErrors() {
		t.Fatalf("unexpected errors: %v", parsed.Errors)
	}
	if len(parsed.SourceFiles) != 2 {
		t.Errorf("expected 2 source files, got %v", parsed.SourceFiles)
	}
	if parsed.Request.Items[0].Target.Project != "proj" {
		t.Errorf("expected project from defaults.cue, got %+v", parsed.Request.Items[0].Target)
	}
}

func TestParser_LoadErrors(t *testing.T) {
	parser := newTestParser(t)
	ctx := context.Background()
	dir := t.TempDir()

	if _, err := parser.Load(ctx); err == nil {
		t.Error("expected error for no sources")
	}
	if _, err := parser.Load(ctx, filepath.Join(dir, "missing.yaml")); err == nil {
		t.Error("expected error for missing file")
	}
	txt := writeFile(t, dir, "request.txt", "items: []")
	if _, err := parser.Load(ctx, txt); err == nil {
		t.Error("expected error for unsupported extension")
	}

	bad := writeFile(t, dir, "bad.yaml", "items: [}")
	if _, err := parser.LoadRequest(ctx, bad); err == nil {
		t.Error("expected error for malformed YAML")
	}
}

func TestParser_StarlarkVars(t *testing.T) {
	parser := newTestParser(t)
	parser.Vars["project"] = "from-vars"

	parsed, err := parser.Parse(context.Background(), []byte(`
restore = {"items": [disk(name = "d", snapshot = "s", project = project, location = "z")]}
`), FormatStarlark, "vars.star")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if parsed.HasErrors() {
		t.Fatalf("unexpected errors: %v", parsed.Errors)
	}
	if got := parsed.Request.Items[0].Target.Project; got != "from-vars" {
		t.Errorf("expected project from-vars, got %s", got)
	}
}

func TestFormatOf(t *testing.T) {
	tests := map[string]Format{
		"a.cue":      FormatCUE,
		"a.YAML":     FormatYAML,
		"a.yml":      FormatYAML,
		"a.json":     FormatJSON,
		"a.star":     FormatStarlark,
		"a.starlark": FormatStarlark,
	}
	for path, want := range tests {
		got, err := FormatOf(path)
		if err != nil || got != want {
			t.Errorf("FormatOf(%s) = %s, %v; want %s", path, got, err, want)
		}
	}
	if _, err := FormatOf("a.toml"); err == nil {
		t.Error("expected error for .toml")
	}
}

func TestSchema_ValidateData(t *testing.T) {
	parser := newTestParser(t)

	if err := parser.Schema().ValidateData(wantNightly); err != nil {
		t.Errorf("expected valid request, got %v", err)
	}

	bad := wantNightly
	bad.Items = []engine.RestoreItem{{
		Kind:     engine.KindCluster,
		Snapshot: engine.SnapshotRef{Name: "b", Type: engine.SnapshotDisk},
		Target:   engine.TargetSpec{Project: "p", Location: "r", Name: "c"},
	}}
	if err := parser.Schema().ValidateData(bad); err == nil {
		t.Error("expected snapshot type conflict")
	}

	if !strings.Contains(parser.Schema().Source(), RestoreRequestDefinition) {
		t.Error("schema source does not define the request")
	}
}

func TestFindRequestFiles(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "b.yaml", "")
	writeFile(t, dir, "a.cue", "")
	writeFile(t, dir, "notes.md", "")

	files, err := FindRequestFiles(dir)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	want := []string{filepath.Join(dir, "a.cue"), filepath.Join(dir, "b.yaml")}
	if diff := cmp.Diff(want, files); diff != "" {
		t.Errorf("files mismatch (-want +got):\n%s", diff)
	}
}

func TestExportJSON(t *testing.T) {
	parser := newTestParser(t)

	data, err := ExportJSON(wantNightly)
	if err != nil {
		t.Fatalf("failed to export: %v", err)
	}

	parsed, err := parser.Parse(context.Background(), data, FormatJSON, "export.json")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if parsed.HasErrors() {
		t.Fatalf("exported request does not validate: %v", parsed.Errors)
	}
	if diff := cmp.Diff(wantNightly, parsed.Request); diff != "" {
		t.Errorf("request mismatch (-want +got):\n%s", diff)
	}
}
