package query

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"hash/fnv"
	"strings"
	"time"
)

// CursorStatus reports cursor validation outcome inline in QUERY_RESP.
type CursorStatus string

const (
	CursorValid   CursorStatus = "valid"
	CursorExpired CursorStatus = "expired"
	CursorInvalid CursorStatus = "invalid"
	CursorNone    CursorStatus = "none"
)

// DefaultCursorMaxAge bounds how long an issued cursor stays usable.
const DefaultCursorMaxAge = 5 * time.Minute

// cursorPayload is the decoded form of an opaque cursor token. The
// fingerprint binds the cursor to the sort order and the hash to the
// predicate, so a cursor cannot be replayed against a different query.
type cursorPayload struct {
	LastKey       string `json:"lastKey"`
	LastSortValue any    `json:"lastSortValue,omitempty"`
	Fingerprint   uint32 `json:"fp"`
	PredicateHash uint32 `json:"ph"`
	IssuedAtMs    int64  `json:"iat"`
}

// EncodeCursor issues a cursor pointing just past the given result.
func EncodeCursor(q *Query, last Result) string {
	payload := cursorPayload{
		LastKey:       last.Key,
		LastSortValue: SortValue(last, q.Sort),
		Fingerprint:   sortFingerprint(q.Sort),
		PredicateHash: predicateHash(q.Where),
		IssuedAtMs:    time.Now().UnixMilli(),
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return ""
	}
	return base64.RawURLEncoding.EncodeToString(data)
}

// DecodeCursor validates a cursor against the current query and returns the
// position it encodes. A mismatched fingerprint or predicate hash yields
// CursorInvalid; an over-age cursor yields CursorExpired.
func DecodeCursor(q *Query, token string, maxAge time.Duration) (lastKey string, lastSortValue any, status CursorStatus) {
	if token == "" {
		return "", nil, CursorNone
	}
	data, err := base64.RawURLEncoding.DecodeString(token)
	if err != nil {
		return "", nil, CursorInvalid
	}
	var payload cursorPayload
	if err := json.Unmarshal(data, &payload); err != nil {
		return "", nil, CursorInvalid
	}
	if payload.Fingerprint != sortFingerprint(q.Sort) || payload.PredicateHash != predicateHash(q.Where) {
		return "", nil, CursorInvalid
	}
	if maxAge <= 0 {
		maxAge = DefaultCursorMaxAge
	}
	if time.Since(time.UnixMilli(payload.IssuedAtMs)) > maxAge {
		return "", nil, CursorExpired
	}
	return payload.LastKey, payload.LastSortValue, CursorValid
}

// AfterCursor drops every result at or before the cursor position under the
// query's sort order.
func AfterCursor(results []Result, q *Query, lastKey string, lastSortValue any) []Result {
	anchor := Result{Key: lastKey}
	if len(q.Sort) > 0 && lastSortValue != nil {
		// Rebuild a minimal document carrying the leading sort field so the
		// comparison sees the cursor's sort value.
		doc := map[string]any{}
		setField(doc, q.Sort[0].Field, lastSortValue)
		if data, err := json.Marshal(doc); err == nil {
			anchor.Value = data
		}
	}
	out := results[:0]
	for _, r := range results {
		if CompareResults(r, anchor, q.Sort) > 0 {
			out = append(out, r)
		}
	}
	return out
}

func setField(doc map[string]any, path string, v any) {
	parts := strings.Split(path, ".")
	for i, part := range parts {
		if i == len(parts)-1 {
			doc[part] = v
			return
		}
		next := map[string]any{}
		doc[part] = next
		doc = next
	}
}

func sortFingerprint(fields []SortField) uint32 {
	h := fnv.New32a()
	for _, f := range fields {
		h.Write([]byte(f.Field))
		if f.Desc {
			h.Write([]byte{1})
		} else {
			h.Write([]byte{0})
		}
	}
	return h.Sum32()
}

func predicateHash(p *Predicate) uint32 {
	h := fnv.New32a()
	if p != nil {
		data, err := json.Marshal(p)
		if err != nil {
			fmt.Fprintf(h, "%v", p)
		} else {
			h.Write(data)
		}
	}
	return h.Sum32()
}
