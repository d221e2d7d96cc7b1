package server

import (
	"encoding/json"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/topgundb/topgun/pkg/auth"
	"github.com/topgundb/topgun/pkg/crdt"
	"github.com/topgundb/topgun/pkg/hlc"
	"github.com/topgundb/topgun/pkg/metrics"
	"github.com/topgundb/topgun/pkg/protocol"
	"github.com/topgundb/topgun/pkg/query"
)

// buildMux assembles the coordinator's HTTP surface: the websocket
// endpoints, the health and metrics handlers, and the stateless sync and
// MCP facades.
func (c *Coordinator) buildMux() *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("/ws", c.handleClientWS)
	mux.HandleFunc("/cluster", c.handleClusterWS)
	if c.cfg.EnableHTTPFacade {
		mux.Handle("/metrics", metrics.Handler())
		mux.HandleFunc("/health", c.withCORS(c.handleHealth))
		mux.HandleFunc("/sync", c.withCORS(c.handleHTTPSync))
		mux.HandleFunc("/mcp", c.withCORS(c.handleMCP))
	}
	return mux
}

// withCORS answers preflights and stamps the CORS headers on every facade
// response.
func (c *Coordinator) withCORS(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		origin := r.Header.Get("Origin")
		if origin == "" {
			origin = "*"
		}
		h := w.Header()
		h.Set("Access-Control-Allow-Origin", origin)
		h.Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		h.Set("Access-Control-Allow-Headers", "Content-Type, Authorization")
		h.Set("Access-Control-Max-Age", "86400")
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			c.countRequest(r.URL.Path, http.StatusNoContent)
			return
		}
		next(w, r)
	}
}

func (c *Coordinator) countRequest(path string, status int) {
	metrics.HTTPRequestsTotal.WithLabelValues(path, strconv.Itoa(status)).Inc()
}

func (c *Coordinator) writeJSON(w http.ResponseWriter, path string, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
	c.countRequest(path, status)
}

// handleHealth reports liveness.
func (c *Coordinator) handleHealth(w http.ResponseWriter, r *http.Request) {
	c.writeJSON(w, "/health", http.StatusOK, map[string]string{
		"status":    "ok",
		"timestamp": time.Now().UTC().Format(time.RFC3339),
	})
}

// bearerPrincipal authenticates a facade request from its Authorization
// header.
func (c *Coordinator) bearerPrincipal(r *http.Request) (*auth.Principal, bool) {
	header := r.Header.Get("Authorization")
	if !strings.HasPrefix(header, "Bearer ") {
		return nil, false
	}
	principal, err := c.verifier.VerifyToken(strings.TrimPrefix(header, "Bearer "))
	if err != nil {
		return nil, false
	}
	return principal, true
}

// syncRequest is the one-shot facade payload: a client ships its pending
// ops and its per-map high-water marks, and gets back everything it missed.
type syncRequest struct {
	HLC      *hlc.Timestamp      `json:"hlc,omitempty"`
	Ops      []protocol.Op       `json:"ops,omitempty"`
	SyncMaps map[string]string   `json:"syncMaps,omitempty"` // map -> last seen HLC
	Queries  []syncQueryRequest  `json:"queries,omitempty"`
	Searches []syncSearchRequest `json:"searches,omitempty"`
}

type syncQueryRequest struct {
	ID      string       `json:"id"`
	MapName string       `json:"map"`
	Query   *query.Query `json:"query,omitempty"`
}

type syncSearchRequest struct {
	ID      string   `json:"id"`
	MapName string   `json:"map"`
	Terms   []string `json:"terms"`
}

type syncResponse struct {
	HLC           hlc.Timestamp             `json:"hlc"`
	Results       []protocol.OpResult       `json:"results,omitempty"`
	Events        []protocol.Event          `json:"events,omitempty"`
	QueryResults  map[string][]query.Result `json:"queryResults,omitempty"`
	SearchResults map[string][]string       `json:"searchResults,omitempty"`
}

// handleHTTPSync services POST /sync: bearer auth, HLC exchange, op apply
// with per-op errors, strictly-newer change feed per requested map, and
// one-shot queries and searches.
func (c *Coordinator) handleHTTPSync(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		c.writeJSON(w, "/sync", http.StatusMethodNotAllowed, map[string]string{"error": "method not allowed"})
		return
	}
	principal, ok := c.bearerPrincipal(r)
	if !ok {
		c.writeJSON(w, "/sync", http.StatusUnauthorized, map[string]string{"error": "unauthorized"})
		return
	}
	var req syncRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		c.writeJSON(w, "/sync", http.StatusBadRequest, map[string]string{"error": "malformed request"})
		return
	}
	if req.HLC != nil {
		c.clock.Update(*req.HLC)
	}

	resp := syncResponse{}

	for i := range req.Ops {
		op := &req.Ops[i]
		if op.ID == "" {
			op.ID = uuid.NewString()
		}
		result := protocol.OpResult{OpID: op.ID, Success: true, AchievedLevel: protocol.ConcernApplied}
		if !c.policy.Allow(principal, ActionPut, op.MapName) {
			result.Success = false
			result.AchievedLevel = protocol.ConcernMemory
			result.Error = "Not permitted"
		} else if _, err := c.processLocal(op, false, "", false); err != nil {
			result.Success = false
			result.AchievedLevel = protocol.ConcernMemory
			result.Error = err.Error()
		}
		resp.Results = append(resp.Results, result)
	}

	for mapName, since := range req.SyncMaps {
		if !c.policy.Allow(principal, ActionRead, mapName) {
			continue
		}
		var sinceTS hlc.Timestamp
		if since != "" {
			if parsed, err := hlc.Parse(since); err == nil {
				sinceTS = parsed
			}
		}
		resp.Events = append(resp.Events, c.changesSince(principal, mapName, sinceTS)...)
	}

	if len(req.Queries) > 0 {
		resp.QueryResults = make(map[string][]query.Result, len(req.Queries))
		for _, qr := range req.Queries {
			if !c.policy.Allow(principal, ActionRead, qr.MapName) {
				continue
			}
			q := qr.Query
			if q == nil {
				q = &query.Query{}
			}
			results := query.DedupResults(c.scatterQuery(qr.MapName, q))
			query.SortResults(results, q.Sort)
			if q.Limit > 0 && len(results) > q.Limit {
				results = results[:q.Limit]
			}
			for i, res := range results {
				results[i].Value = c.policy.FilterFields(principal, qr.MapName, res.Value)
			}
			resp.QueryResults[qr.ID] = results
		}
	}

	if c.search != nil && len(req.Searches) > 0 {
		resp.SearchResults = make(map[string][]string, len(req.Searches))
		for _, sr := range req.Searches {
			if !c.policy.Allow(principal, ActionRead, sr.MapName) {
				continue
			}
			resp.SearchResults[sr.ID] = c.search.Search(sr.MapName, sr.Terms)
		}
	}

	resp.HLC = c.clock.Now()
	c.writeJSON(w, "/sync", http.StatusOK, resp)
}

// changesSince builds the change feed for one map: every record with an HLC
// strictly greater than the client's mark, with the event type derived from
// whether the record is live.
func (c *Coordinator) changesSince(principal *auth.Principal, mapName string, since hlc.Timestamp) []protocol.Event {
	m, ok := c.maps.Get(mapName)
	if !ok || m.Ready() != nil {
		return nil
	}
	var events []protocol.Event
	if m.Type == crdt.MapTypeLWW {
		m.LWW.Each(func(key string, rec crdt.Record) bool {
			if !rec.Timestamp.After(since) {
				return true
			}
			evType := protocol.EventPut
			if rec.IsTombstone() {
				evType = protocol.EventDelete
			} else {
				filtered := rec
				filtered.Value = c.policy.FilterFields(principal, mapName, rec.Value)
				rec = filtered
			}
			events = append(events, protocol.Event{
				MapName:   mapName,
				MapType:   crdt.MapTypeLWW,
				Key:       key,
				Type:      evType,
				Record:    &rec,
				Timestamp: rec.Timestamp,
			})
			return true
		})
		return events
	}
	m.OR.Each(func(key string, entries []crdt.TaggedEntry) bool {
		for _, e := range entries {
			if !e.Timestamp.After(since) {
				continue
			}
			entry := e
			entry.Value = c.policy.FilterFields(principal, mapName, entry.Value)
			events = append(events, protocol.Event{
				MapName:   mapName,
				MapType:   crdt.MapTypeOR,
				Key:       key,
				Type:      protocol.EventPut,
				ORRecord:  &entry,
				Tag:       entry.Tag,
				Timestamp: entry.Timestamp,
			})
		}
		return true
	})
	for tag, ts := range m.OR.Tombstones() {
		if ts.After(since) {
			events = append(events, protocol.Event{
				MapName:   mapName,
				MapType:   crdt.MapTypeOR,
				Type:      protocol.EventDelete,
				Tag:       tag,
				Timestamp: ts,
			})
		}
	}
	return events
}
