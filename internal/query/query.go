// Package query filters cached records with expr-lang expressions, as used
// by "pantry list --where".
//
// The expression sees every payload field by name, the whole payload as
// data, and the cache envelope as state, error and errorMessage (which win
// over payload fields of the same name). Undefined names evaluate to nil, so
// guard ordered comparisons on optional fields: `size != nil && size > 2`.
package query

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/expr-lang/expr"
	"github.com/expr-lang/expr/vm"

	"github.com/mesh-intelligence/pantry/pkg/types"
)

// Query errors.
var (
	ErrEmptyExpression = errors.New("expression must not be empty")
	ErrNotBool         = errors.New("expression did not evaluate to a bool")
)

// Filter is a compiled boolean expression over records.
type Filter struct {
	source  string
	program *vm.Program
}

// Compile parses and type-checks expression.
func Compile(expression string) (*Filter, error) {
	if strings.TrimSpace(expression) == "" {
		return nil, ErrEmptyExpression
	}
	program, err := expr.Compile(expression,
		expr.Env(map[string]any{}),
		expr.AllowUndefinedVariables(),
		expr.AsBool(),
	)
	if err != nil {
		return nil, fmt.Errorf("compiling %q: %w", expression, err)
	}
	return &Filter{source: expression, program: program}, nil
}

// String returns the source expression.
func (f *Filter) String() string {
	return f.source
}

// Match evaluates the filter against rec.
func (f *Filter) Match(rec types.Record) (bool, error) {
	out, err := expr.Run(f.program, environment(rec))
	if err != nil {
		return false, fmt.Errorf("evaluating %q: %w", f.source, err)
	}
	ok, isBool := out.(bool)
	if !isBool {
		return false, fmt.Errorf("%w: %q gave %T", ErrNotBool, f.source, out)
	}
	return ok, nil
}

// Apply returns the records matching f, keeping their order. A nil filter
// matches everything. Evaluation stops at the first error.
func Apply(records []types.Record, f *Filter) ([]types.Record, error) {
	if f == nil {
		return records, nil
	}
	out := make([]types.Record, 0, len(records))
	for _, rec := range records {
		ok, err := f.Match(rec)
		if err != nil {
			return nil, err
		}
		if ok {
			out = append(out, rec)
		}
	}
	return out, nil
}

func environment(rec types.Record) map[string]any {
	data, _ := normalize(rec.Data).(map[string]any)
	env := make(map[string]any, len(data)+4)
	for k, v := range data {
		env[k] = v
	}
	env["data"] = data
	env["state"] = string(rec.State)
	env["error"] = rec.Error
	env["errorMessage"] = rec.Message()
	return env
}

// normalize converts json.Number values so expr can compare them as
// numbers. Integers become int, everything else float64.
func normalize(v any) any {
	switch t := v.(type) {
	case json.Number:
		if i, err := t.Int64(); err == nil {
			return int(i)
		}
		if f, err := t.Float64(); err == nil {
			return f
		}
		return t.String()
	case map[string]any:
		out := make(map[string]any, len(t))
		for k, e := range t {
			out[k] = normalize(e)
		}
		return out
	case []any:
		out := make([]any, len(t))
		for i, e := range t {
			out[i] = normalize(e)
		}
		return out
	default:
		return v
	}
}
