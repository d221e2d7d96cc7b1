package query

import (
	"encoding/json"
	"sort"
)

// SortResults orders results by the declared sort fields, ties broken by
// key so the order is total and cursor pagination is stable.
func SortResults(results []Result, fields []SortField) {
	sort.SliceStable(results, func(i, j int) bool {
		return CompareResults(results[i], results[j], fields) < 0
	})
}

// CompareResults orders two results under the given sort fields.
func CompareResults(a, b Result, fields []SortField) int {
	for _, f := range fields {
		av := fieldValue(a.Value, f.Field)
		bv := fieldValue(b.Value, f.Field)
		cmp := compareValues(av, bv)
		if cmp != 0 {
			if f.Desc {
				return -cmp
			}
			return cmp
		}
	}
	switch {
	case a.Key < b.Key:
		return -1
	case a.Key > b.Key:
		return 1
	default:
		return 0
	}
}

// SortValue extracts the leading sort-field value of a result, for cursors.
func SortValue(r Result, fields []SortField) any {
	if len(fields) == 0 {
		return nil
	}
	return fieldValue(r.Value, fields[0].Field)
}

func fieldValue(value json.RawMessage, field string) any {
	var doc map[string]any
	if err := json.Unmarshal(value, &doc); err != nil {
		return nil
	}
	v, _ := lookupField(doc, field)
	return v
}

// DedupResults keeps the first occurrence of each key, preserving order.
// Scatter responses can overlap when a partition is mid-migration.
func DedupResults(results []Result) []Result {
	seen := make(map[string]struct{}, len(results))
	out := results[:0]
	for _, r := range results {
		if _, dup := seen[r.Key]; dup {
			continue
		}
		seen[r.Key] = struct{}{}
		out = append(out, r)
	}
	return out
}
