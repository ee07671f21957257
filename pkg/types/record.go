package types

import (
	"encoding/json"
	"fmt"
)

// IDField is the payload field holding an entity's stable identity.
const IDField = "id"

// Record is one cached entity: the backend payload plus the cache metadata
// envelope. Data is nil for a placeholder that has never loaded.
type Record struct {
	Data         map[string]any `json:"data"`
	State        State          `json:"state"`
	Error        bool           `json:"error"`
	ErrorMessage *string        `json:"errorMessage"`
}

// Placeholder returns the record written before the first request for an
// entity resolves.
func Placeholder() Record {
	return Record{State: StateLoading}
}

// Loaded returns a record in StateLoaded carrying data.
func Loaded(data map[string]any) Record {
	return Record{Data: data, State: StateLoaded}
}

// WithState returns a copy of r moved to a non-error state with the error
// fields cleared. The payload is kept.
func (r Record) WithState(s State) Record {
	return Record{Data: r.Data, State: s}
}

// WithError returns a copy of r in StateError carrying msg. The payload is
// kept so observers can keep rendering stale data.
func (r Record) WithError(msg string) Record {
	m := msg
	return Record{Data: r.Data, State: StateError, Error: true, ErrorMessage: &m}
}

// Message returns the error message, or "" when the record is not in error.
func (r Record) Message() string {
	if r.ErrorMessage == nil {
		return ""
	}
	return *r.ErrorMessage
}

// ID returns the payload's id field rendered as a string. The second return
// is false when the payload is missing or has no usable id.
func (r Record) ID() (string, bool) {
	return EntityID(r.Data)
}

// Consistent reports whether the error fields agree with the state.
func (r Record) Consistent() bool {
	isErr := r.State == StateError
	return r.Error == isErr && (r.ErrorMessage != nil) == isErr
}

// Clone returns a deep copy of r. Nested objects and arrays in the payload
// are copied too, so the clone can be mutated without affecting r.
func (r Record) Clone() Record {
	out := r
	if r.Data != nil {
		out.Data = cloneObject(r.Data)
	}
	if r.ErrorMessage != nil {
		m := *r.ErrorMessage
		out.ErrorMessage = &m
	}
	return out
}

func cloneObject(m map[string]any) map[string]any {
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = cloneValue(v)
	}
	return out
}

func cloneValue(v any) any {
	switch x := v.(type) {
	case map[string]any:
		return cloneObject(x)
	case []any:
		out := make([]any, len(x))
		for i, e := range x {
			out[i] = cloneValue(e)
		}
		return out
	default:
		return v
	}
}

// EntityID extracts the id field from a payload as a string. Strings are
// returned verbatim; json.Number and other scalars are formatted.
func EntityID(data map[string]any) (string, bool) {
	if data == nil {
		return "", false
	}
	v, ok := data[IDField]
	if !ok || v == nil {
		return "", false
	}
	switch id := v.(type) {
	case string:
		return id, id != ""
	case json.Number:
		return id.String(), true
	case float64, float32, int, int32, int64, uint, uint32, uint64:
		return fmt.Sprint(id), true
	default:
		return "", false
	}
}

// Decode converts a record's payload into T by round-tripping it through
// JSON. Returns ErrNoData for a record that has never loaded.
func Decode[T any](r Record) (T, error) {
	var out T
	if r.Data == nil {
		return out, ErrNoData
	}
	b, err := json.Marshal(r.Data)
	if err != nil {
		return out, fmt.Errorf("encoding payload: %w", err)
	}
	if err := json.Unmarshal(b, &out); err != nil {
		return out, fmt.Errorf("decoding payload: %w", err)
	}
	return out, nil
}
