package types

import (
	"encoding/json"
	"fmt"
	"slices"
	"strings"
)

// Sort orders accepted by SortColumn.SortOrder. Matching is case-insensitive;
// anything other than a descending spelling sorts ascending.
const (
	SortAscending  = "ascending"
	SortAsc        = "asc"
	SortDescending = "descending"
	SortDesc       = "desc"
)

// SortColumn names one payload field to sort on.
type SortColumn struct {
	SortColumn string `json:"sortColumn" yaml:"sortColumn"`
	SortOrder  string `json:"sortOrder,omitempty" yaml:"sortOrder,omitempty"`
}

// Descending reports whether the column sorts in reverse order.
func (c SortColumn) Descending() bool {
	o := strings.ToLower(c.SortOrder)
	return o == SortDesc || o == SortDescending
}

// ParseSortColumn parses "column" or "column:order", where order is one of
// asc, ascending, desc or descending.
func ParseSortColumn(arg string) (SortColumn, error) {
	col, order, hasOrder := strings.Cut(arg, ":")
	if col == "" {
		return SortColumn{}, fmt.Errorf("%w: %q", ErrInvalidSort, arg)
	}
	if !hasOrder {
		return SortColumn{SortColumn: col}, nil
	}
	switch strings.ToLower(order) {
	case SortAsc, SortAscending, SortDesc, SortDescending:
		return SortColumn{SortColumn: col, SortOrder: strings.ToLower(order)}, nil
	default:
		return SortColumn{}, fmt.Errorf("%w: unknown order %q", ErrInvalidSort, order)
	}
}

// SortData sorts records in place by the given columns in priority order and
// returns the slice. The first column that distinguishes two records decides
// their order; records equal on every column keep their input order.
func SortData(records []Record, columns []SortColumn) []Record {
	if len(columns) == 0 {
		return records
	}
	slices.SortStableFunc(records, func(a, b Record) int {
		for _, col := range columns {
			c := CompareValues(field(a, col.SortColumn), field(b, col.SortColumn))
			if c == 0 {
				continue
			}
			if col.Descending() {
				return -c
			}
			return c
		}
		return 0
	})
	return records
}

func field(r Record, name string) any {
	if r.Data == nil {
		return nil
	}
	return r.Data[name]
}

// CompareValues orders two decoded JSON values. Numbers compare numerically,
// strings lexically, and false sorts before true. nil sorts before any value.
// Values of different kinds are unordered and compare equal.
func CompareValues(a, b any) int {
	if a == nil || b == nil {
		switch {
		case a == nil && b == nil:
			return 0
		case a == nil:
			return -1
		default:
			return 1
		}
	}
	if x, ok := toFloat(a); ok {
		if y, ok := toFloat(b); ok {
			return cmpOrdered(x, y)
		}
		return 0
	}
	switch x := a.(type) {
	case string:
		if y, ok := b.(string); ok {
			return strings.Compare(x, y)
		}
	case bool:
		if y, ok := b.(bool); ok {
			switch {
			case x == y:
				return 0
			case !x:
				return -1
			default:
				return 1
			}
		}
	}
	return 0
}

func cmpOrdered(x, y float64) int {
	switch {
	case x < y:
		return -1
	case x > y:
		return 1
	default:
		return 0
	}
}

func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case json.Number:
		f, err := n.Float64()
		return f, err == nil
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int32:
		return float64(n), true
	case int64:
		return float64(n), true
	case uint:
		return float64(n), true
	case uint32:
		return float64(n), true
	case uint64:
		return float64(n), true
	}
	return 0, false
}
