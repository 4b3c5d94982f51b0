package resultstore

import (
	"fmt"
	"sort"
	"strings"

	"github.com/jmespath/go-jmespath"
)

// ApplyFilter runs the shared filter pipeline over one record's
// collectibles: JMESPath projection, then stable sort (nulls last in either
// direction, ties compare equal), then pagination. Providers without a
// server-side query path delegate here after fetching the record.
func ApplyFilter(collectibles map[string]any, opts FilterOptions) (*FilterResult, error) {
	var data any = collectibles
	if opts.JMESPath != "" {
		projected, err := jmespath.Search(opts.JMESPath, data)
		if err != nil {
			return nil, fmt.Errorf("jmesPath %q: %w", opts.JMESPath, err)
		}
		data = projected
	}

	arr, ok := data.([]any)
	if !ok {
		return &FilterResult{Data: data}, nil
	}

	if opts.SortBy != "" {
		sortStable(arr, opts.SortBy, strings.EqualFold(opts.SortDir, "desc"))
	}

	total := len(arr)
	arr = paginate(arr, opts.Offset, opts.Limit)
	return &FilterResult{Data: arr, Total: &total}, nil
}

func paginate(arr []any, offset, limit int) []any {
	if offset > 0 {
		if offset >= len(arr) {
			return []any{}
		}
		arr = arr[offset:]
	}
	if limit > 0 && limit < len(arr) {
		arr = arr[:limit]
	}
	return arr
}

// sortStable orders arr by the named field. Elements whose field is missing
// or null sort after everything else regardless of direction; incomparable
// pairs compare equal so the sort stays stable.
func sortStable(arr []any, field string, desc bool) {
	sort.SliceStable(arr, func(i, j int) bool {
		vi, oki := fieldValue(arr[i], field)
		vj, okj := fieldValue(arr[j], field)
		if !oki && !okj {
			return false
		}
		if !oki {
			return false // i is null: after j
		}
		if !okj {
			return true // j is null: i first
		}
		c := compareValues(vi, vj)
		if desc {
			return c > 0
		}
		return c < 0
	})
}

func fieldValue(el any, field string) (any, bool) {
	m, ok := el.(map[string]any)
	if !ok {
		return nil, false
	}
	v, ok := m[field]
	if !ok || v == nil {
		return nil, false
	}
	return v, true
}

// compareValues orders two JSON scalars: numbers numerically, strings
// lexically, bools false<true. Mixed or non-scalar types compare equal.
func compareValues(a, b any) int {
	switch av := a.(type) {
	case float64:
		if bv, ok := b.(float64); ok {
			switch {
			case av < bv:
				return -1
			case av > bv:
				return 1
			}
			return 0
		}
	case string:
		if bv, ok := b.(string); ok {
			return strings.Compare(av, bv)
		}
	case bool:
		if bv, ok := b.(bool); ok {
			switch {
			case !av && bv:
				return -1
			case av && !bv:
				return 1
			}
			return 0
		}
	}
	return 0
}
