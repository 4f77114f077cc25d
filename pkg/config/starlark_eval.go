package config

import (
	"context"
	"fmt"
	"time"

	"go.starlark.net/starlark"
	"go.starlark.net/starlarkstruct"
)

// RequestGlobal is the global a Starlark request script must assign.
const RequestGlobal = "restore"

// StarlarkEvaluator executes request scripts.
//
// Scripts see their input variables as globals together with the helpers
// disk, instance and cluster, which build request items:
//
//	items = [disk(name = "data-%d" % i, snapshot = "nightly-%d" % i,
//	              project = project, location = zone) for i in range(3)]
//	restore = {"name": "nightly", "items": items}
type StarlarkEvaluator struct {
	timeout  time.Duration
	maxSteps uint64
}

// NewStarlarkEvaluator creates a new Starlark evaluator.
func NewStarlarkEvaluator(timeout time.Duration) *StarlarkEvaluator {
	if timeout == 0 {
		timeout = 30 * time.Second // Default timeout
	}
	return &StarlarkEvaluator{
		timeout:  timeout,
		maxSteps: 10_000_000,
	}
}

// Evaluate executes a request script and returns the value of its
// "restore" global converted to plain Go values.
func (se *StarlarkEvaluator) Evaluate(ctx context.Context, filename, script string, input map[string]interface{}) (map[string]interface{}, error) {
	evalCtx, cancel := context.WithTimeout(ctx, se.timeout)
	defer cancel()

	thread := &starlark.Thread{
		Name: "snapcrab",
		Print: func(_ *starlark.Thread, _ string) {
			// scripts produce data, not output
		},
	}
	thread.SetMaxExecutionSteps(se.maxSteps)

	stop := context.AfterFunc(evalCtx, func() {
		thread.Cancel(fmt.Sprintf("execution timeout after %v", se.timeout))
	})
	defer stop()

	predeclared := starlark.StringDict{
		"struct":   starlarkstruct.Default,
		"disk":     starlark.NewBuiltin("disk", builtinItem("disk", "snapshot")),
		"instance": starlark.NewBuiltin("instance", builtinItem("instance", "image")),
		"cluster":  starlark.NewBuiltin("cluster", builtinItem("cluster", "backup")),
	}

	for key, val := range input {
		starlarkVal, err := toStarlarkValue(val)
		if err != nil {
			return nil, fmt.Errorf("failed to convert input %s: %w", key, err)
		}
		predeclared[key] = starlarkVal
	}

	globals, err := starlark.ExecFile(thread, filename, script, predeclared)
	if err != nil {
		return nil, fmt.Errorf("starlark execution failed: %w", err)
	}

	val, ok := globals[RequestGlobal]
	if !ok {
		return nil, fmt.Errorf("script %s does not assign %q", filename, RequestGlobal)
	}

	out, err := fromStarlarkValue(val)
	if err != nil {
		return nil, fmt.Errorf("failed to convert %s: %w", RequestGlobal, err)
	}

	request, ok := out.(map[string]interface{})
	if !ok {
		return nil, fmt.Errorf("%s must be a dict, got %s", RequestGlobal, val.Type())
	}
	return request, nil
}

// builtinItem returns a helper building one request item. The snapshot
// argument is named after what the kind is restored from.
func builtinItem(kind, snapshotArg string) func(*starlark.Thread, *starlark.Builtin, starlark.Tuple, []starlark.Tuple) (starlark.Value, error) {
	return func(_ *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
		var (
			name, snapshot, project, location string
			snapshotProject, machineType      string
			restorePlan                       string
			nodeCount                         int
			disks, members                    *starlark.List
			labels                            *starlark.Dict
		)

		if err := starlark.UnpackArgs(b.Name(), args, kwargs,
			"name", &name,
			snapshotArg, &snapshot,
			"project", &project,
			"location", &location,
			"snapshot_project?", &snapshotProject,
			"disks?", &disks,
			"members?", &members,
			"machine_type?", &machineType,
			"node_count?", &nodeCount,
			"restore_plan?", &restorePlan,
			"labels?", &labels,
		); err != nil {
			return nil, err
		}

		snap := starlark.NewDict(2)
		_ = snap.SetKey(starlark.String("name"), starlark.String(snapshot))
		if snapshotProject != "" {
			_ = snap.SetKey(starlark.String("project"), starlark.String(snapshotProject))
		}

		target := starlark.NewDict(8)
		_ = target.SetKey(starlark.String("project"), starlark.String(project))
		_ = target.SetKey(starlark.String("location"), starlark.String(location))
		_ = target.SetKey(starlark.String("name"), starlark.String(name))
		if disks != nil {
			_ = target.SetKey(starlark.String("disks"), disks)
		}
		if members != nil {
			_ = target.SetKey(starlark.String("members"), members)
		}
		if machineType != "" {
			_ = target.SetKey(starlark.String("machine_type"), starlark.String(machineType))
		}
		if nodeCount != 0 {
			_ = target.SetKey(starlark.String("node_count"), starlark.MakeInt(nodeCount))
		}
		if restorePlan != "" {
			_ = target.SetKey(starlark.String("restore_plan"), starlark.String(restorePlan))
		}
		if labels != nil {
			_ = target.SetKey(starlark.String("labels"), labels)
		}

		item := starlark.NewDict(3)
		_ = item.SetKey(starlark.String("kind"), starlark.String(kind))
		_ = item.SetKey(starlark.String("snapshot"), snap)
		_ = item.SetKey(starlark.String("target"), target)
		return item, nil
	}
}

// toStarlarkValue converts a Go value to a Starlark value.
func toStarlarkValue(v interface{}) (starlark.Value, error) {
	if v == nil {
		return starlark.None, nil
	}

	switch val := v.(type) {
	case bool:
		return starlark.Bool(val), nil
	case int:
		return starlark.MakeInt(val), nil
	case int64:
		return starlark.MakeInt64(val), nil
	case float64:
		return starlark.Float(val), nil
	case string:
		return starlark.String(val), nil
	case []string:
		list := make([]starlark.Value, len(val))
		for i, s := range val {
			list[i] = starlark.String(s)
		}
		return starlark.NewList(list), nil
	case []interface{}:
		list := make([]starlark.Value, len(val))
		for i, item := range val {
			starlarkItem, err := toStarlarkValue(item)
			if err != nil {
				return nil, err
			}
			list[i] = starlarkItem
		}
		return starlark.NewList(list), nil
	case map[string]interface{}:
		dict := starlark.NewDict(len(val))
		for k, v := range val {
			starlarkVal, err := toStarlarkValue(v)
			if err != nil {
				return nil, err
			}
			if err := dict.SetKey(starlark.String(k), starlarkVal); err != nil {
				return nil, err
			}
		}
		return dict, nil
	default:
		return nil, fmt.Errorf("unsupported type: %T", v)
	}
}

// fromStarlarkValue converts a Starlark value to a Go value.
func fromStarlarkValue(v starlark.Value) (interface{}, error) {
	switch val := v.(type) {
	case starlark.NoneType:
		return nil, nil
	case starlark.Bool:
		return bool(val), nil
	case starlark.Int:
		i, ok := val.Int64()
		if !ok {
			return nil, fmt.Errorf("integer too large")
		}
		return i, nil
	case starlark.Float:
		return float64(val), nil
	case starlark.String:
		return string(val), nil
	case *starlark.List:
		list := make([]interface{}, val.Len())
		for i := 0; i < val.Len(); i++ {
			item, err := fromStarlarkValue(val.Index(i))
			if err != nil {
				return nil, err
			}
			list[i] = item
		}
		return list, nil
	case starlark.Tuple:
		list := make([]interface{}, len(val))
		for i, item := range val {
			goItem, err := fromStarlarkValue(item)
			if err != nil {
				return nil, err
			}
			list[i] = goItem
		}
		return list, nil
	case *starlark.Dict:
		dict := make(map[string]interface{})
		for _, item := range val.Items() {
			key, ok := item[0].(starlark.String)
			if !ok {
				return nil, fmt.Errorf("dict key must be string")
			}
			value, err := fromStarlarkValue(item[1])
			if err != nil {
				return nil, err
			}
			dict[string(key)] = value
		}
		return dict, nil
	case *starlarkstruct.Struct:
		dict := make(map[string]interface{})
		for _, name := range val.AttrNames() {
			attr, err := val.Attr(name)
			if err != nil {
				continue
			}
			value, err := fromStarlarkValue(attr)
			if err != nil {
				return nil, err
			}
			dict[name] = value
		}
		return dict, nil
	default:
		return nil, fmt.Errorf("unsupported starlark type: %s", v.Type())
	}
}
