package config

import (
	"context"
	"strings"
	"testing"
	"time"
)

func TestStarlarkEvaluator_Evaluate(t *testing.T) {
	evaluator := NewStarlarkEvaluator(5 * time.Second)
	ctx := context.Background()

	tests := []struct {
		name      string
		script    string
		input     map[string]interface{}
		checkFunc func(*testing.T, map[string]interface{})
		wantErr   string
	}{
		{
			name: "plain dict",
			script: `
restore = {"name": "nightly", "items": []}
`,
			checkFunc: func(t *testing.T, out map[string]interface{}) {
				if out["name"] != "nightly" {
					t.Errorf("expected name=nightly, got %v", out["name"])
				}
			},
		},
		{
			name: "helpers and input variables",
			script: `
disks = [disk(name = "data-%d" % i, snapshot = "nightly-%d" % i,
              project = project, location = zone) for i in range(count)]
vm = instance(name = "vm", image = "vm-image", project = project, location = zone,
              disks = [d["target"]["name"] for d in disks], machine_type = "e2-small")
restore = {"items": disks + [vm]}
`,
			input: map[string]interface{}{"project": "proj", "zone": "europe-west1-b", "count": 2},
			checkFunc: func(t *testing.T, out map[string]interface{}) {
				items, ok := out["items"].([]interface{})
				if !ok {
					t.Fatalf("expected items to be a list, got %T", out["items"])
				}
				if len(items) != 3 {
					t.Fatalf("expected 3 items, got %d", len(items))
				}
				vm := items[2].(map[string]interface{})
				if vm["kind"] != "instance" {
					t.Errorf("expected kind=instance, got %v", vm["kind"])
				}
				target := vm["target"].(map[string]interface{})
				disks := target["disks"].([]interface{})
				if len(disks) != 2 || disks[1] != "data-1" {
					t.Errorf("unexpected disks: %v", disks)
				}
				if target["machine_type"] != "e2-small" {
					t.Errorf("expected machine_type=e2-small, got %v", target["machine_type"])
				}
			},
		},
		{
			name: "cluster helper",
			script: `
restore = {"items": [cluster(name = "gke", backup = "b1", project = "p", location = "europe-west1",
                             node_count = 3, restore_plan = "rp-prod", labels = {"team": "infra"})]}
`,
			checkFunc: func(t *testing.T, out map[string]interface{}) {
				item := out["items"].([]interface{})[0].(map[string]interface{})
				target := item["target"].(map[string]interface{})
				if target["node_count"] != int64(3) {
					t.Errorf("expected node_count=3, got %v", target["node_count"])
				}
				if target["restore_plan"] != "rp-prod" {
					t.Errorf("expected restore_plan=rp-prod, got %v", target["restore_plan"])
				}
				if item["snapshot"].(map[string]interface{})["name"] != "b1" {
					t.Errorf("unexpected snapshot: %v", item["snapshot"])
				}
			},
		},
		{
			name:    "missing restore global",
			script:  `x = 1`,
			wantErr: `does not assign "restore"`,
		},
		{
			name:    "restore must be a dict",
			script:  `restore = [1, 2]`,
			wantErr: "must be a dict",
		},
		{
			name:    "helper argument missing",
			script:  `restore = {"items": [disk(name = "d")]}`,
			wantErr: "missing argument",
		},
		{
			name:    "syntax error",
			script:  `invalid syntax here`,
			wantErr: "starlark execution failed",
		},
		{
			name:    "runtime error",
			script:  `restore = undefined_variable`,
			wantErr: "undefined",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			out, err := evaluator.Evaluate(ctx, "request.star", tt.script, tt.input)

			if tt.wantErr != "" {
				if err == nil {
					t.Fatalf("expected error containing %q, got none", tt.wantErr)
				}
				if !strings.Contains(err.Error(), tt.wantErr) {
					t.Errorf("expected error containing %q, got %v", tt.wantErr, err)
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if tt.checkFunc != nil {
				tt.checkFunc(t, out)
			}
		})
	}
}

func TestStarlarkEvaluator_Timeout(t *testing.T) {
	evaluator := NewStarlarkEvaluator(100 * time.Millisecond)

	script := `
def spin():
    result = 0
    for i in range(100000000):
        result = result + i
    return result

restore = {"n": spin()}
`

	start := time.Now()
	_, err := evaluator.Evaluate(context.Background(), "slow.star", script, nil)
	if err == nil {
		t.Fatal("expected timeout error")
	}
	if time.Since(start) > 5*time.Second {
		t.Errorf("script was not interrupted promptly: %v", time.Since(start))
	}
}

func TestStarlarkEvaluator_ContextCancelled(t *testing.T) {
	evaluator := NewStarlarkEvaluator(time.Minute)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := evaluator.Evaluate(ctx, "cancelled.star", `
def spin():
    for i in range(100000000):
        pass

spin()
restore = {}
`, nil)
	if err == nil {
		t.Fatal("expected cancellation error")
	}
}

func TestToStarlarkValue_Unsupported(t *testing.T) {
	if _, err := toStarlarkValue(struct{}{}); err == nil {
		t.Error("expected error for unsupported type")
	}
}
