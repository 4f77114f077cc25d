package policy

import (
	"context"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"
)

const denyAllRego = `package custom.deny_all

import rego.v1

deny contains "restores are frozen" if { true }
`

func TestLoader_RegoFile(t *testing.T) {
	tmpDir := t.TempDir()
	policyFile := filepath.Join(tmpDir, "freeze.rego")

	content := "# Blocks every restore during the freeze.\n# severity: critical\n\n" + denyAllRego
	if err := os.WriteFile(policyFile, []byte(content), 0o644); err != nil {
		t.Fatalf("Failed to write policy file: %v", err)
	}

	loader := NewLoader(testLogger())
	policy, err := loader.loadFromFile(context.Background(), policyFile)
	if err != nil {
		t.Fatalf("Failed to load policy: %v", err)
	}

	if policy.Name != "freeze" {
		t.Errorf("expected name 'freeze', got %s", policy.Name)
	}
	if policy.Description != "Blocks every restore during the freeze." {
		t.Errorf("unexpected description: %q", policy.Description)
	}
	if policy.Severity != SeverityCritical {
		t.Errorf("expected critical severity, got %s", policy.Severity)
	}
	if !policy.Enabled || policy.Builtin {
		t.Error("file policies should be enabled and not built-in")
	}
	if policy.Source != policyFile {
		t.Errorf("unexpected source: %s", policy.Source)
	}
}

func TestLoader_RegoFile_DefaultsAndBadSeverity(t *testing.T) {
	tmpDir := t.TempDir()
	loader := NewLoader(testLogger())

	plain := filepath.Join(tmpDir, "plain.rego")
	if err := os.WriteFile(plain, []byte(denyAllRego), 0o644); err != nil {
		t.Fatalf("Failed to write policy file: %v", err)
	}
	policy, err := loader.loadFromFile(context.Background(), plain)
	if err != nil {
		t.Fatalf("Failed to load policy: %v", err)
	}
	if policy.Severity != SeverityError {
		t.Errorf("expected default error severity, got %s", policy.Severity)
	}
	if policy.Description != "" {
		t.Errorf("expected empty description, got %q", policy.Description)
	}

	bad := filepath.Join(tmpDir, "bad.rego")
	if err := os.WriteFile(bad, []byte("# severity: fatal\n"+denyAllRego), 0o644); err != nil {
		t.Fatalf("Failed to write policy file: %v", err)
	}
	if _, err := loader.loadFromFile(context.Background(), bad); err == nil {
		t.Error("expected error for unknown severity")
	}
}

func TestLoader_JSONFile(t *testing.T) {
	tmpDir := t.TempDir()
	policyFile := filepath.Join(tmpDir, "labels.json")

	content := `{
  "description": "Requires a cost center",
  "severity": "warning",
  "tags": ["cost"],
  "rego": "package custom.cost\n\nimport rego.v1\n\ndeny contains \"missing cost center\" if { true }\n"
}`
	if err := os.WriteFile(policyFile, []byte(content), 0o644); err != nil {
		t.Fatalf("Failed to write policy file: %v", err)
	}

	loader := NewLoader(testLogger())
	policy, err := loader.loadFromFile(context.Background(), policyFile)
	if err != nil {
		t.Fatalf("Failed to load policy: %v", err)
	}

	if policy.Name != "labels" {
		t.Errorf("expected name from file, got %s", policy.Name)
	}
	if policy.Severity != SeverityWarning {
		t.Errorf("expected warning severity, got %s", policy.Severity)
	}
	if len(policy.Tags) != 1 || policy.Tags[0] != "cost" {
		t.Errorf("unexpected tags: %v", policy.Tags)
	}

	empty := filepath.Join(tmpDir, "empty.json")
	if err := os.WriteFile(empty, []byte(`{"name": "empty"}`), 0o644); err != nil {
		t.Fatalf("Failed to write policy file: %v", err)
	}
	if _, err := loader.loadFromFile(context.Background(), empty); err == nil {
		t.Error("expected error for policy without rego")
	}
}

func TestLoader_Directory(t *testing.T) {
	tmpDir := t.TempDir()
	nested := filepath.Join(tmpDir, "team", "storage")
	if err := os.MkdirAll(nested, 0o755); err != nil {
		t.Fatalf("Failed to create dir: %v", err)
	}

	files := map[string]string{
		filepath.Join(tmpDir, "a.rego"):    denyAllRego,
		filepath.Join(nested, "b.rego"):    "package custom.b\n",
		filepath.Join(tmpDir, "notes.txt"): "ignored",
		filepath.Join(tmpDir, "bad.json"):  "{not json",
	}
	for path, content := range files {
		if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
			t.Fatalf("Failed to write %s: %v", path, err)
		}
	}

	loader := NewLoader(testLogger())
	policies, err := loader.LoadFromPaths(context.Background(), []string{tmpDir})
	if err != nil {
		t.Fatalf("Failed to load directory: %v", err)
	}

	if len(policies) != 2 {
		t.Fatalf("expected 2 policies (bad files skipped), got %d", len(policies))
	}
	names := map[string]bool{}
	for _, p := range policies {
		names[p.Name] = true
	}
	if !names["a"] || !names["b"] {
		t.Errorf("unexpected policies: %v", names)
	}
}

func TestLoader_Errors(t *testing.T) {
	loader := NewLoader(testLogger())

	if _, err := loader.LoadFromPaths(context.Background(), []string{"/nonexistent/policies"}); err == nil {
		t.Error("expected error for missing path")
	}

	tmpDir := t.TempDir()
	txt := filepath.Join(tmpDir, "policy.txt")
	if err := os.WriteFile(txt, []byte("x"), 0o644); err != nil {
		t.Fatalf("Failed to write file: %v", err)
	}
	if _, err := loader.LoadFromPaths(context.Background(), []string{txt}); err == nil {
		t.Error("expected error for unsupported file type")
	}
}

func TestLoader_Cache(t *testing.T) {
	tmpDir := t.TempDir()
	policyFile := filepath.Join(tmpDir, "cached.rego")
	if err := os.WriteFile(policyFile, []byte("# first\n"+denyAllRego), 0o644); err != nil {
		t.Fatalf("Failed to write policy file: %v", err)
	}

	loader := NewLoader(testLogger())
	ctx := context.Background()

	first, err := loader.loadFromFile(ctx, policyFile)
	if err != nil {
		t.Fatalf("Failed to load policy: %v", err)
	}

	if err := os.WriteFile(policyFile, []byte("# second\n"+denyAllRego), 0o644); err != nil {
		t.Fatalf("Failed to rewrite policy file: %v", err)
	}

	cached, _ := loader.loadFromFile(ctx, policyFile)
	if cached.Description != first.Description {
		t.Errorf("expected cached description %q, got %q", first.Description, cached.Description)
	}

	loader.ClearCache()
	fresh, err := loader.loadFromFile(ctx, policyFile)
	if err != nil {
		t.Fatalf("Failed to load policy: %v", err)
	}
	if fresh.Description != "second" {
		t.Errorf("expected fresh description, got %q", fresh.Description)
	}
}

func TestLoadParams(t *testing.T) {
	tmpDir := t.TempDir()
	path := filepath.Join(tmpDir, "params.yaml")

	content := "protected_projects: [prod, billing]\nrequired_labels:\n  - owner\n"
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("Failed to write params: %v", err)
	}

	params, err := LoadParams(path)
	if err != nil {
		t.Fatalf("Failed to load params: %v", err)
	}
	if len(params.ProtectedProjects) != 2 || params.ProtectedProjects[1] != "billing" {
		t.Errorf("unexpected protected projects: %v", params.ProtectedProjects)
	}
	if len(params.RequiredLabels) != 1 || params.RequiredLabels[0] != "owner" {
		t.Errorf("unexpected required labels: %v", params.RequiredLabels)
	}
	if params.MaxNodeCount != 100 {
		t.Errorf("expected default max node count, got %d", params.MaxNodeCount)
	}

	typo := filepath.Join(tmpDir, "typo.yaml")
	if err := os.WriteFile(typo, []byte("protected_project: [prod]\n"), 0o644); err != nil {
		t.Fatalf("Failed to write params: %v", err)
	}
	if _, err := LoadParams(typo); err == nil {
		t.Error("expected error for unknown field")
	}

	if _, err := LoadParams(filepath.Join(tmpDir, "missing.yaml")); err == nil {
		t.Error("expected error for missing file")
	}
}

func TestLoader_Watch(t *testing.T) {
	tmpDir := t.TempDir()
	policyFile := filepath.Join(tmpDir, "watched.rego")
	if err := os.WriteFile(policyFile, []byte(denyAllRego), 0o644); err != nil {
		t.Fatalf("Failed to write policy file: %v", err)
	}

	eng, err := NewEngine(testLogger(), WithoutBuiltins())
	if err != nil {
		t.Fatalf("Failed to create engine: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	loader := NewLoader(testLogger())
	loader.ReloadDelay = 10 * time.Millisecond

	var reloads atomic.Int32
	reloaded := make(chan struct{}, 8)
	err = loader.Watch(ctx, []string{tmpDir}, func(policies []Policy) error {
		reloads.Add(1)
		if err := eng.Replace(ctx, policies); err != nil {
			return err
		}
		reloaded <- struct{}{}
		return nil
	})
	if err != nil {
		t.Fatalf("Failed to start watching: %v", err)
	}

	extra := filepath.Join(tmpDir, "extra.rego")
	if err := os.WriteFile(extra, []byte("# severity: warning\npackage custom.extra\n"), 0o644); err != nil {
		t.Fatalf("Failed to write policy file: %v", err)
	}

	select {
	case <-reloaded:
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for reload")
	}

	if _, err := eng.GetPolicy("extra"); err != nil {
		t.Errorf("expected reloaded policy: %v", err)
	}
	if _, err := eng.GetPolicy("watched"); err != nil {
		t.Errorf("expected existing policy to survive reload: %v", err)
	}
	if reloads.Load() == 0 {
		t.Error("expected at least one reload")
	}

	// Non-policy files are ignored.
	before := reloads.Load()
	if err := os.WriteFile(filepath.Join(tmpDir, "README.md"), []byte("x"), 0o644); err != nil {
		t.Fatalf("Failed to write file: %v", err)
	}
	time.Sleep(100 * time.Millisecond)
	if reloads.Load() != before {
		t.Error("non-policy files should not trigger a reload")
	}
}
