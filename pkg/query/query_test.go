package query

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
)

// TestQueryMatches tests predicate evaluation against record values.
func TestQueryMatches(t *testing.T) {
	doc := json.RawMessage(`{"name":"ada","age":36,"active":true,"address":{"city":"london"}}`)

	tests := []struct {
		name  string
		query *Query
		want  bool
	}{
		{"nilQueryMatchesAll", nil, true},
		{"emptyQueryMatchesAll", &Query{}, true},
		{"eqString", &Query{Where: &Predicate{Op: OpEq, Field: "name", Value: "ada"}}, true},
		{"eqMiss", &Query{Where: &Predicate{Op: OpEq, Field: "name", Value: "bob"}}, false},
		{"neNumber", &Query{Where: &Predicate{Op: OpNe, Field: "age", Value: 40}}, true},
		{"gtNumber", &Query{Where: &Predicate{Op: OpGt, Field: "age", Value: 30}}, true},
		{"gteBoundary", &Query{Where: &Predicate{Op: OpGte, Field: "age", Value: 36}}, true},
		{"ltMiss", &Query{Where: &Predicate{Op: OpLt, Field: "age", Value: 36}}, false},
		{"lteBoundary", &Query{Where: &Predicate{Op: OpLte, Field: "age", Value: 36}}, true},
		{"inHit", &Query{Where: &Predicate{Op: OpIn, Field: "name", Values: []any{"bob", "ada"}}}, true},
		{"inMiss", &Query{Where: &Predicate{Op: OpIn, Field: "name", Values: []any{"bob"}}}, false},
		{"existsHit", &Query{Where: &Predicate{Op: OpExists, Field: "active"}}, true},
		{"existsMiss", &Query{Where: &Predicate{Op: OpExists, Field: "missing"}}, false},
		{"nestedField", &Query{Where: &Predicate{Op: OpEq, Field: "address.city", Value: "london"}}, true},
		{"missingFieldNeverMatches", &Query{Where: &Predicate{Op: OpNe, Field: "missing", Value: 1}}, false},
		{
			"andAllMustHold",
			&Query{Where: &Predicate{Op: OpAnd, Children: []*Predicate{
				{Op: OpEq, Field: "name", Value: "ada"},
				{Op: OpGt, Field: "age", Value: 40},
			}}},
			false,
		},
		{
			"orAnyHolds",
			&Query{Where: &Predicate{Op: OpOr, Children: []*Predicate{
				{Op: OpEq, Field: "name", Value: "bob"},
				{Op: OpEq, Field: "active", Value: true},
			}}},
			true,
		},
		{
			"notInverts",
			&Query{Where: &Predicate{Op: OpNot, Children: []*Predicate{
				{Op: OpEq, Field: "name", Value: "bob"},
			}}},
			true,
		},
		{"keyShortcutHit", &Query{Key: "k1"}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.query.Matches("k1", doc))
		})
	}
}

// TestQueryKeyShortcut tests the single-key restriction.
func TestQueryKeyShortcut(t *testing.T) {
	q := &Query{Key: "k1"}
	assert.True(t, q.Matches("k1", json.RawMessage(`{}`)))
	assert.False(t, q.Matches("k2", json.RawMessage(`{}`)))
}

// TestQueryMatchesNonObject tests that a predicate against a non-object
// value never matches.
func TestQueryMatchesNonObject(t *testing.T) {
	q := &Query{Where: &Predicate{Op: OpEq, Field: "name", Value: "ada"}}
	assert.False(t, q.Matches("k", json.RawMessage(`"just a string"`)))
}

// TestSortResults tests multi-field sorting with key tie-break.
func TestSortResults(t *testing.T) {
	results := []Result{
		{Key: "c", Value: json.RawMessage(`{"score":10,"name":"x"}`)},
		{Key: "a", Value: json.RawMessage(`{"score":20,"name":"y"}`)},
		{Key: "b", Value: json.RawMessage(`{"score":10,"name":"y"}`)},
	}

	SortResults(results, []SortField{{Field: "score", Desc: true}, {Field: "name"}})
	assert.Equal(t, []string{"a", "c", "b"}, resultKeys(results))

	// No sort fields: total order falls back to key.
	SortResults(results, nil)
	assert.Equal(t, []string{"a", "b", "c"}, resultKeys(results))
}

// TestSortResultsMissingField tests that records without the sort field
// still order totally via the key tie-break.
func TestSortResultsMissingField(t *testing.T) {
	results := []Result{
		{Key: "b", Value: json.RawMessage(`{}`)},
		{Key: "a", Value: json.RawMessage(`{"score":1}`)},
		{Key: "c", Value: json.RawMessage(`{}`)},
	}
	SortResults(results, []SortField{{Field: "score"}})
	// nil sorts first, ties broken by key.
	assert.Equal(t, []string{"b", "c", "a"}, resultKeys(results))
}

// TestDedupResults tests that scatter overlap keeps the first occurrence.
func TestDedupResults(t *testing.T) {
	results := []Result{
		{Key: "a", Value: json.RawMessage(`{"v":1}`)},
		{Key: "b", Value: json.RawMessage(`{"v":2}`)},
		{Key: "a", Value: json.RawMessage(`{"v":9}`)},
	}
	deduped := DedupResults(results)
	assert.Len(t, deduped, 2)
	assert.JSONEq(t, `{"v":1}`, string(deduped[0].Value))
}

func resultKeys(results []Result) []string {
	keys := make([]string, len(results))
	for i, r := range results {
		keys[i] = r.Key
	}
	return keys
}
