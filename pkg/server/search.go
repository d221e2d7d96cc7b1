package server

import (
	"encoding/json"
	"sort"
	"strings"
	"sync"

	"github.com/topgundb/topgun/pkg/protocol"
)

// searchSub is one live search: sessions holding one get a SEARCH_RESP push
// whenever a write makes a key start or stop matching the terms.
type searchSub struct {
	queryID   string
	sessionID string
	mapName   string
	terms     []string
	matched   map[string]struct{}
}

// SearchIndex is a per-map inverted index over the string content of record
// values. It is maintained inline by the op pipeline, so lookups never scan
// a map.
type SearchIndex struct {
	conns *ConnectionManager

	mu     sync.RWMutex
	tokens map[string]map[string]map[string]struct{} // map -> token -> keys
	byKey  map[string]map[string][]string            // map -> key -> tokens
	subs   map[string]*searchSub                     // query id -> sub
}

// NewSearchIndex creates an empty index.
func NewSearchIndex(conns *ConnectionManager) *SearchIndex {
	return &SearchIndex{
		conns:  conns,
		tokens: make(map[string]map[string]map[string]struct{}),
		byKey:  make(map[string]map[string][]string),
		subs:   make(map[string]*searchSub),
	}
}

// tokenize lowercases and splits the string content of a JSON document.
func tokenize(value json.RawMessage) []string {
	var doc any
	if err := json.Unmarshal(value, &doc); err != nil {
		return nil
	}
	seen := make(map[string]struct{})
	var walk func(v any)
	walk = func(v any) {
		switch t := v.(type) {
		case string:
			for _, tok := range strings.Fields(strings.ToLower(t)) {
				tok = strings.Trim(tok, ".,;:!?\"'()[]{}")
				if tok != "" {
					seen[tok] = struct{}{}
				}
			}
		case map[string]any:
			for _, child := range t {
				walk(child)
			}
		case []any:
			for _, child := range t {
				walk(child)
			}
		}
	}
	walk(doc)
	out := make([]string, 0, len(seen))
	for tok := range seen {
		out = append(out, tok)
	}
	sort.Strings(out)
	return out
}

// Update re-indexes one key after a merge and feeds live search
// subscriptions.
func (si *SearchIndex) Update(mapName, key string, ev *protocol.Event) {
	var toks []string
	if ev.Type != protocol.EventDelete && ev.Record != nil && ev.Record.Value != nil {
		toks = tokenize(ev.Record.Value)
	} else if ev.ORRecord != nil {
		toks = tokenize(ev.ORRecord.Value)
	}

	si.mu.Lock()
	si.removeLocked(mapName, key)
	if len(toks) > 0 {
		byTok, ok := si.tokens[mapName]
		if !ok {
			byTok = make(map[string]map[string]struct{})
			si.tokens[mapName] = byTok
		}
		for _, tok := range toks {
			keys, ok := byTok[tok]
			if !ok {
				keys = make(map[string]struct{})
				byTok[tok] = keys
			}
			keys[key] = struct{}{}
		}
		byKey, ok := si.byKey[mapName]
		if !ok {
			byKey = make(map[string][]string)
			si.byKey[mapName] = byKey
		}
		byKey[key] = toks
	}

	// Re-evaluate live searches on this map against the changed key.
	type push struct {
		sub     *searchSub
		matches bool
	}
	var pushes []push
	for _, sub := range si.subs {
		if sub.mapName != mapName {
			continue
		}
		matches := si.matchesLocked(mapName, key, sub.terms)
		_, was := sub.matched[key]
		if matches == was {
			continue
		}
		if matches {
			sub.matched[key] = struct{}{}
		} else {
			delete(sub.matched, key)
		}
		pushes = append(pushes, push{sub: sub, matches: matches})
	}
	si.mu.Unlock()

	for _, p := range pushes {
		sess, ok := si.conns.Get(p.sub.sessionID)
		if !ok {
			continue
		}
		frame := &protocol.Frame{
			Type:    protocol.MsgSearchResp,
			QueryID: p.sub.queryID,
			MapName: mapName,
			Keys:    []string{key},
		}
		if !p.matches {
			frame.Keys = nil
			frame.Key = key
			frame.Reason = "removed"
		}
		_ = sess.Writer.Write(frame, false)
	}
}

// removeLocked drops a key's postings. Callers hold mu.
func (si *SearchIndex) removeLocked(mapName, key string) {
	byKey, ok := si.byKey[mapName]
	if !ok {
		return
	}
	toks, ok := byKey[key]
	if !ok {
		return
	}
	delete(byKey, key)
	byTok := si.tokens[mapName]
	for _, tok := range toks {
		if keys, ok := byTok[tok]; ok {
			delete(keys, key)
			if len(keys) == 0 {
				delete(byTok, tok)
			}
		}
	}
}

// matchesLocked reports whether a key carries every search term. Callers
// hold mu.
func (si *SearchIndex) matchesLocked(mapName, key string, terms []string) bool {
	byTok := si.tokens[mapName]
	for _, term := range terms {
		if _, ok := byTok[term][key]; !ok {
			return false
		}
	}
	return len(terms) > 0
}

// Search returns the keys whose indexed content carries every term.
func (si *SearchIndex) Search(mapName string, terms []string) []string {
	si.mu.RLock()
	defer si.mu.RUnlock()
	byTok := si.tokens[mapName]
	if len(terms) == 0 || byTok == nil {
		return nil
	}
	// Intersect starting from the rarest posting list.
	sort.Slice(terms, func(i, j int) bool {
		return len(byTok[terms[i]]) < len(byTok[terms[j]])
	})
	var out []string
	for key := range byTok[terms[0]] {
		all := true
		for _, term := range terms[1:] {
			if _, ok := byTok[term][key]; !ok {
				all = false
				break
			}
		}
		if all {
			out = append(out, key)
		}
	}
	sort.Strings(out)
	return out
}

// Subscribe registers a live search seeded with its current matches.
func (si *SearchIndex) Subscribe(queryID, sessionID, mapName string, terms []string) []string {
	normalized := make([]string, 0, len(terms))
	for _, t := range terms {
		if t = strings.ToLower(strings.TrimSpace(t)); t != "" {
			normalized = append(normalized, t)
		}
	}
	seed := si.Search(mapName, append([]string(nil), normalized...))
	sub := &searchSub{
		queryID:   queryID,
		sessionID: sessionID,
		mapName:   mapName,
		terms:     normalized,
		matched:   make(map[string]struct{}, len(seed)),
	}
	for _, k := range seed {
		sub.matched[k] = struct{}{}
	}
	si.mu.Lock()
	si.subs[queryID] = sub
	si.mu.Unlock()
	return seed
}

// Unsubscribe removes one live search.
func (si *SearchIndex) Unsubscribe(queryID string) {
	si.mu.Lock()
	delete(si.subs, queryID)
	si.mu.Unlock()
}

// UnsubscribeAll drops a closing session's live searches.
func (si *SearchIndex) UnsubscribeAll(sessionID string) {
	si.mu.Lock()
	for id, sub := range si.subs {
		if sub.sessionID == sessionID {
			delete(si.subs, id)
		}
	}
	si.mu.Unlock()
}
