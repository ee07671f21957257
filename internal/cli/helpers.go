package cli

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/mesh-intelligence/pantry/pkg/pantry"
	"github.com/mesh-intelligence/pantry/pkg/types"
)

// newCache builds a cache for the loaded configuration.
func (a *app) newCache() (types.Cache, error) {
	cache, err := pantry.New(a.cfg, pantry.WithLogger(a.logger))
	if err != nil {
		return nil, userError("%w", err)
	}
	return cache, nil
}

// fail maps an operation error to an exit code. Unregistered types and 4xx
// answers are the user's fault; everything else is a system error.
func (a *app) fail(op string, err error) error {
	if errors.Is(err, types.ErrNotRegistered) {
		return userError("%s: %w (registered: %s)", op, err, a.typeNames())
	}
	var te *types.TransportError
	if errors.As(err, &te) && te.Status >= 400 && te.Status < 500 {
		return userError("%s: %w", op, err)
	}
	return sysError("%s: %w", op, err)
}

func (a *app) typeNames() string {
	if len(a.cfg.Types) == 0 {
		return "none"
	}
	names := make([]string, len(a.cfg.Types))
	for i, tc := range a.cfg.Types {
		names[i] = tc.Singular
	}
	return strings.Join(names, ", ")
}

// parseItem decodes a JSON object argument.
func parseItem(arg string) (map[string]any, error) {
	var v any
	if err := json.Unmarshal([]byte(arg), &v); err != nil {
		return nil, userError("invalid JSON: %w", err)
	}
	item, err := types.ToData(v)
	if err != nil || item == nil {
		return nil, userError("expected a JSON object, got %s", arg)
	}
	return item, nil
}

// printRecord writes the record's payload, or the whole record in JSON mode.
func (a *app) printRecord(rec types.Record) error {
	if a.flags.jsonMode {
		return a.printJSON(rec)
	}
	return a.printJSON(rec.Data)
}

// printRecords writes payloads, or whole records in JSON mode.
func (a *app) printRecords(recs []types.Record) error {
	if a.flags.jsonMode {
		return a.printJSON(recs)
	}
	data := make([]map[string]any, len(recs))
	for i, r := range recs {
		data[i] = r.Data
	}
	return a.printJSON(data)
}

func (a *app) printJSON(v any) error {
	out, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return sysError("marshal output: %w", err)
	}
	fmt.Fprintln(a.out, string(out))
	return nil
}
