// Package policy provides Open Policy Agent (OPA) guardrails for restores.
//
// Every restore request is evaluated against a set of Rego policies before
// the scheduler submits anything. Policies see the request, the dependency
// plan built from it, and some evaluation context as input, and report
// violations through a "deny" set.
//
// # Usage
//
// Creating a policy engine:
//
//	logger := zerolog.New(os.Stderr)
//	eng, err := policy.NewEngine(logger, policy.WithParams(policy.Params{
//	    ProtectedProjects: []string{"prod-billing"},
//	    RequiredLabels:    []string{"owner"},
//	    MaxNodeCount:      20,
//	}))
//	if err != nil {
//	    log.Fatal(err)
//	}
//
// Evaluating a request:
//
//	result, err := eng.Evaluate(ctx, req, plan, policy.Context{User: "oncall"})
//	if err != nil {
//	    log.Fatal(err)
//	}
//	if !result.Allowed {
//	    for _, v := range result.Violations {
//	        fmt.Printf("%s: %s\n", v.Policy, v.Message)
//	    }
//	}
//
// # Built-in Policies
//
//  1. protected-projects - refuses restores into listed projects (critical)
//  2. required-labels - requires labels on restored resources
//  3. cluster-node-count - bounds the node count of restored clusters
//  4. cross-project-snapshot - warns about snapshots owned by another project
//
// Built-in policies read their settings from data.snapcrab.params. Load
// them from YAML with LoadParams.
//
// # Custom Policies
//
// Custom policies are .rego files, or .json files wrapping the Rego source.
// A leading comment block becomes the description and "# severity: <level>"
// sets the default severity:
//
//	# Refuse restores on Fridays.
//	# severity: error
//	package custom.freeze
//
//	import rego.v1
//
//	deny contains {"message": "restore freeze", "severity": "warning"} if {
//	    time.weekday(time.now_ns()) == "Friday"
//	}
//
// Violations with severity error or critical block the restore. Info and
// warning violations are reported as warnings.
//
// Loader.Watch reloads a policy directory when files change.
package policy
