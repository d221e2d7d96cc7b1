package query

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/topgundb/topgun/pkg/hlc"
)

// Op is a predicate operator.
type Op string

const (
	OpEq     Op = "eq"
	OpNe     Op = "ne"
	OpGt     Op = "gt"
	OpGte    Op = "gte"
	OpLt     Op = "lt"
	OpLte    Op = "lte"
	OpIn     Op = "in"
	OpExists Op = "exists"
	OpAnd    Op = "and"
	OpOr     Op = "or"
	OpNot    Op = "not"
)

// Predicate is one node of the query's predicate tree. Leaf operators apply
// Field against Value (or Values for "in"); and/or/not combine Children.
type Predicate struct {
	Op       Op           `json:"op"`
	Field    string       `json:"field,omitempty"`
	Value    any          `json:"value,omitempty"`
	Values   []any        `json:"values,omitempty"`
	Children []*Predicate `json:"children,omitempty"`
}

// SortField declares one component of the global sort order.
type SortField struct {
	Field string `json:"field"`
	Desc  bool   `json:"desc,omitempty"`
}

// Query is a client query AST: an optional predicate, sort order, limit and
// cursor, plus an optional single-key shortcut that lets the coordinator
// prune the scatter set to one partition.
type Query struct {
	Where  *Predicate  `json:"where,omitempty"`
	Sort   []SortField `json:"sort,omitempty"`
	Limit  int         `json:"limit,omitempty"`
	Cursor string      `json:"cursor,omitempty"`
	Key    string      `json:"key,omitempty"`
	Fields []string    `json:"fields,omitempty"`
}

// Result is one matched record.
type Result struct {
	Key       string          `json:"key"`
	Value     json.RawMessage `json:"value"`
	Timestamp hlc.Timestamp   `json:"timestamp"`
}

// Matches evaluates the query against a record value. A nil predicate
// matches everything; the single-key shortcut restricts to that key.
func (q *Query) Matches(key string, value json.RawMessage) bool {
	if q == nil {
		return true
	}
	if q.Key != "" && q.Key != key {
		return false
	}
	if q.Where == nil {
		return true
	}
	var doc map[string]any
	if err := json.Unmarshal(value, &doc); err != nil {
		return false
	}
	return q.Where.eval(doc)
}

func (p *Predicate) eval(doc map[string]any) bool {
	switch p.Op {
	case OpAnd:
		for _, c := range p.Children {
			if !c.eval(doc) {
				return false
			}
		}
		return true
	case OpOr:
		for _, c := range p.Children {
			if c.eval(doc) {
				return true
			}
		}
		return false
	case OpNot:
		return len(p.Children) == 1 && !p.Children[0].eval(doc)
	case OpExists:
		_, ok := lookupField(doc, p.Field)
		return ok
	case OpIn:
		got, ok := lookupField(doc, p.Field)
		if !ok {
			return false
		}
		for _, v := range p.Values {
			if compareValues(got, v) == 0 {
				return true
			}
		}
		return false
	default:
		got, ok := lookupField(doc, p.Field)
		if !ok {
			return false
		}
		cmp := compareValues(got, p.Value)
		switch p.Op {
		case OpEq:
			return cmp == 0
		case OpNe:
			return cmp != 0
		case OpGt:
			return cmp > 0
		case OpGte:
			return cmp >= 0
		case OpLt:
			return cmp < 0
		case OpLte:
			return cmp <= 0
		}
		return false
	}
}

// lookupField walks a dot-separated path through nested objects.
func lookupField(doc map[string]any, path string) (any, bool) {
	parts := strings.Split(path, ".")
	var cur any = doc
	for _, part := range parts {
		m, ok := cur.(map[string]any)
		if !ok {
			return nil, false
		}
		cur, ok = m[part]
		if !ok {
			return nil, false
		}
	}
	return cur, true
}

// compareValues orders two JSON scalar values: numbers numerically, strings
// lexically, bools false<true, nil first, mixed types by type name.
func compareValues(a, b any) int {
	an, aIsNum := toFloat(a)
	bn, bIsNum := toFloat(b)
	if aIsNum && bIsNum {
		switch {
		case an < bn:
			return -1
		case an > bn:
			return 1
		default:
			return 0
		}
	}
	as, aIsStr := a.(string)
	bs, bIsStr := b.(string)
	if aIsStr && bIsStr {
		return strings.Compare(as, bs)
	}
	ab, aIsBool := a.(bool)
	bb, bIsBool := b.(bool)
	if aIsBool && bIsBool {
		switch {
		case ab == bb:
			return 0
		case bb:
			return -1
		default:
			return 1
		}
	}
	if a == nil && b == nil {
		return 0
	}
	if a == nil {
		return -1
	}
	if b == nil {
		return 1
	}
	return strings.Compare(fmt.Sprintf("%T", a), fmt.Sprintf("%T", b))
}

func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	case json.Number:
		f, err := n.Float64()
		return f, err == nil
	}
	return 0, false
}
