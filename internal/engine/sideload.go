package engine

import (
	"maps"
	"slices"

	"github.com/mesh-intelligence/pantry/pkg/types"
)

// sideLoad merges related entities embedded in a response into their own
// types' containers. Every key other than the main type's singular and
// plural names is matched against registered plural names. Matches whose
// value is an array are stamped loaded and merged by id; other matches are
// skipped with a warning; unmatched keys are ignored. Side-loading never
// fails the calling operation and never touches hasFetchedAll.
func (e *Engine) sideLoad(mainSingular, mainPlural string, payload map[string]any) {
	keys := slices.Sorted(maps.Keys(payload))
	for _, key := range keys {
		if key == mainSingular || key == mainPlural {
			continue
		}
		target := e.byPlural(key)
		if target == nil {
			continue
		}
		items, ok := payload[key].([]any)
		if !ok {
			e.logger.Warn("expected an array for side-loaded data",
				"key", key,
				"type", target.singular,
				"got", describe(payload[key]),
			)
			continue
		}
		_, batch := e.collect(key, items)
		if len(batch) == 0 {
			continue
		}
		target.cache.Update(func(m map[string]types.Record) map[string]types.Record {
			maps.Copy(m, batch)
			return m
		})
		e.logger.Debug("side-loaded entities", "key", key, "type", target.singular, "count", len(batch))
	}
}

// describe names the JSON kind of v for log output.
func describe(v any) string {
	switch v.(type) {
	case nil:
		return "null"
	case map[string]any:
		return "object"
	case string:
		return "string"
	case bool:
		return "boolean"
	case []any:
		return "array"
	default:
		return "number"
	}
}
