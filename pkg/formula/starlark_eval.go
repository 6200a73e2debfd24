package formula

import (
	"context"
	"fmt"
	"sort"
	"time"

	"go.starlark.net/starlark"
	"go.starlark.net/starlarkstruct"

	"github.com/openfroyo/keg/pkg/layout"
)

// ArgsEvaluator runs a formula's args_script. The script sees two
// predeclared values, layout (a struct of resolved paths and package
// identity) and options (a dict of build options), and must bind a global
// named args to a list of strings.
type ArgsEvaluator struct {
	timeout time.Duration
}

// NewArgsEvaluator creates an evaluator. A zero timeout means 10 seconds.
func NewArgsEvaluator(timeout time.Duration) *ArgsEvaluator {
	if timeout == 0 {
		timeout = 10 * time.Second
	}
	return &ArgsEvaluator{timeout: timeout}
}

// Evaluate runs script and returns the args it binds.
func (e *ArgsEvaluator) Evaluate(ctx context.Context, script string, vars layout.Vars, options map[string]string) ([]string, error) {
	evalCtx, cancel := context.WithTimeout(ctx, e.timeout)
	defer cancel()

	thread := &starlark.Thread{
		Name:  "args_script",
		Print: func(_ *starlark.Thread, _ string) {},
	}

	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-evalCtx.Done():
			thread.Cancel(evalCtx.Err().Error())
		case <-done:
		}
	}()

	predeclared := starlark.StringDict{
		"struct":  starlarkstruct.Default,
		"layout":  layoutStruct(vars),
		"options": optionsDict(options),
	}

	globals, err := starlark.ExecFile(thread, "args_script", script, predeclared)
	if err != nil {
		if evalCtx.Err() != nil {
			return nil, fmt.Errorf("args_script cancelled: %w", evalCtx.Err())
		}
		return nil, fmt.Errorf("args_script failed: %w", err)
	}

	val, ok := globals["args"]
	if !ok {
		return nil, fmt.Errorf("args_script must define args")
	}
	return stringList(val)
}

// layoutStruct exposes layout.* and package.* keys as attributes, e.g.
// layout.prefix and layout.name.
func layoutStruct(vars layout.Vars) *starlarkstruct.Struct {
	fields := starlark.StringDict{}
	for k, v := range vars {
		switch {
		case len(k) > 7 && k[:7] == "layout.":
			fields[k[7:]] = starlark.String(v)
		case len(k) > 8 && k[:8] == "package.":
			fields[k[8:]] = starlark.String(v)
		}
	}
	return starlarkstruct.FromStringDict(starlarkstruct.Default, fields)
}

func optionsDict(options map[string]string) *starlark.Dict {
	keys := make([]string, 0, len(options))
	for k := range options {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	d := starlark.NewDict(len(options))
	for _, k := range keys {
		_ = d.SetKey(starlark.String(k), starlark.String(options[k]))
	}
	d.Freeze()
	return d
}

func stringList(v starlark.Value) ([]string, error) {
	iter, ok := v.(starlark.Iterable)
	if !ok {
		return nil, fmt.Errorf("args must be a list of strings, got %s", v.Type())
	}

	var out []string
	it := iter.Iterate()
	defer it.Done()
	var item starlark.Value
	for i := 0; it.Next(&item); i++ {
		s, ok := item.(starlark.String)
		if !ok {
			return nil, fmt.Errorf("args[%d] must be a string, got %s", i, item.Type())
		}
		out = append(out, string(s))
	}
	return out, nil
}
