package server

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/topgundb/topgun/pkg/protocol"
	"github.com/topgundb/topgun/pkg/query"
)

func newTestFacade(t *testing.T, mutate func(*Config)) (*Coordinator, *http.ServeMux) {
	c := newTestCoordinator(t, func(cfg *Config) {
		cfg.EnableHTTPFacade = true
		if mutate != nil {
			mutate(cfg)
		}
	})
	return c, c.buildMux()
}

func signTestToken(t *testing.T, roles []string) string {
	t.Helper()
	now := time.Now()
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"sub":   "u1",
		"roles": roles,
		"iat":   now.Unix(),
		"exp":   now.Add(time.Hour).Unix(),
	}).SignedString([]byte(testAuthSecret))
	if err != nil {
		t.Fatalf("token signing failed: %v", err)
	}
	return token
}

func doJSON(t *testing.T, mux *http.ServeMux, method, path, token string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var payload *bytes.Buffer
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("request marshal failed: %v", err)
		}
		payload = bytes.NewBuffer(data)
	} else {
		payload = &bytes.Buffer{}
	}
	req := httptest.NewRequest(method, path, payload)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, req)
	return rec
}

// TestHealthEndpoint tests the liveness handler.
func TestHealthEndpoint(t *testing.T) {
	_, mux := newTestFacade(t, nil)

	rec := doJSON(t, mux, http.MethodGet, "/health", "", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	var body map[string]string
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("health body not JSON: %v", err)
	}
	if body["status"] != "ok" {
		t.Errorf("status field = %q, want ok", body["status"])
	}
}

// TestCORSPreflight tests that OPTIONS short-circuits with the CORS
// headers stamped.
func TestCORSPreflight(t *testing.T) {
	_, mux := newTestFacade(t, nil)

	req := httptest.NewRequest(http.MethodOptions, "/sync", nil)
	req.Header.Set("Origin", "http://app.local")
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, req)

	if rec.Code != http.StatusNoContent {
		t.Fatalf("status = %d, want 204", rec.Code)
	}
	if got := rec.Header().Get("Access-Control-Allow-Origin"); got != "http://app.local" {
		t.Errorf("Allow-Origin = %q, want the request origin", got)
	}
	if methods := rec.Header().Get("Access-Control-Allow-Methods"); !strings.Contains(methods, "POST") {
		t.Errorf("Allow-Methods = %q, want POST included", methods)
	}
}

// TestSyncRejects tests the method and auth gates on /sync.
func TestSyncRejects(t *testing.T) {
	_, mux := newTestFacade(t, nil)

	if rec := doJSON(t, mux, http.MethodGet, "/sync", "", nil); rec.Code != http.StatusMethodNotAllowed {
		t.Errorf("GET status = %d, want 405", rec.Code)
	}
	if rec := doJSON(t, mux, http.MethodPost, "/sync", "", syncRequest{}); rec.Code != http.StatusUnauthorized {
		t.Errorf("no-token status = %d, want 401", rec.Code)
	}
	if rec := doJSON(t, mux, http.MethodPost, "/sync", "garbage", syncRequest{}); rec.Code != http.StatusUnauthorized {
		t.Errorf("bad-token status = %d, want 401", rec.Code)
	}
}

// TestSyncMutationsDisabled tests that writes fail per-op with the
// permission error when mutations are off.
func TestSyncMutationsDisabled(t *testing.T) {
	_, mux := newTestFacade(t, func(cfg *Config) { cfg.EnableMutations = false })

	req := syncRequest{Ops: []protocol.Op{*lwwSet("users", "k1", `{"v":1}`, 100)}}
	rec := doJSON(t, mux, http.MethodPost, "/sync", signTestToken(t, []string{"USER"}), req)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200 with per-op errors", rec.Code)
	}
	var resp syncResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("response not JSON: %v", err)
	}
	if len(resp.Results) != 1 {
		t.Fatalf("Results = %d, want 1", len(resp.Results))
	}
	r := resp.Results[0]
	if r.Success || r.Error != "Not permitted" {
		t.Errorf("result = %+v, want a permission failure", r)
	}
	if r.AchievedLevel != protocol.ConcernMemory {
		t.Errorf("AchievedLevel = %s, want MEMORY", r.AchievedLevel)
	}
}

// TestSyncOpsAndChanges tests one round trip: the client's op applies,
// and the same request's change feed includes it.
func TestSyncOpsAndChanges(t *testing.T) {
	_, mux := newTestFacade(t, nil)

	req := syncRequest{
		Ops:      []protocol.Op{*lwwSet("users", "k1", `{"v":1}`, 100)},
		SyncMaps: map[string]string{"users": ""},
	}
	rec := doJSON(t, mux, http.MethodPost, "/sync", signTestToken(t, []string{"USER"}), req)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	var resp syncResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("response not JSON: %v", err)
	}
	if len(resp.Results) != 1 || !resp.Results[0].Success {
		t.Fatalf("Results = %+v, want one success", resp.Results)
	}
	if resp.Results[0].AchievedLevel != protocol.ConcernApplied {
		t.Errorf("AchievedLevel = %s, want APPLIED", resp.Results[0].AchievedLevel)
	}
	if len(resp.Events) != 1 || resp.Events[0].Key != "k1" || resp.Events[0].Type != protocol.EventPut {
		t.Errorf("Events = %+v, want a PUT for k1", resp.Events)
	}
	if resp.HLC.IsZero() {
		t.Error("response HLC missing")
	}
}

// TestSyncChangesSinceMark tests that the feed only carries records newer
// than the client's high-water mark.
func TestSyncChangesSinceMark(t *testing.T) {
	c, mux := newTestFacade(t, nil)

	if _, err := c.processLocal(lwwSet("users", "old", `{"v":1}`, 100), false, "", false); err != nil {
		t.Fatalf("seed failed: %v", err)
	}
	if _, err := c.processLocal(lwwSet("users", "new", `{"v":2}`, 200), false, "", false); err != nil {
		t.Fatalf("seed failed: %v", err)
	}

	req := syncRequest{SyncMaps: map[string]string{"users": "150:0:client"}}
	rec := doJSON(t, mux, http.MethodPost, "/sync", signTestToken(t, []string{"USER"}), req)
	var resp syncResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("response not JSON: %v", err)
	}
	if len(resp.Events) != 1 || resp.Events[0].Key != "new" {
		t.Errorf("Events = %+v, want only the record past the mark", resp.Events)
	}
}

// TestSyncQueryAndSearch tests the one-shot query and search facets.
func TestSyncQueryAndSearch(t *testing.T) {
	c, mux := newTestFacade(t, nil)

	if _, err := c.processLocal(lwwSet("users", "k1", `{"score":50}`, 100), false, "", false); err != nil {
		t.Fatalf("seed failed: %v", err)
	}
	if _, err := c.processLocal(lwwSet("users", "k2", `{"score":5}`, 200), false, "", false); err != nil {
		t.Fatalf("seed failed: %v", err)
	}
	if _, err := c.processLocal(lwwSet("docs", "d1", `{"title":"hello world"}`, 300), false, "", false); err != nil {
		t.Fatalf("seed failed: %v", err)
	}

	req := syncRequest{
		Queries: []syncQueryRequest{{
			ID:      "q1",
			MapName: "users",
			Query:   &query.Query{Where: &query.Predicate{Op: query.OpGt, Field: "score", Value: 10}},
		}},
		Searches: []syncSearchRequest{{ID: "s1", MapName: "docs", Terms: []string{"hello"}}},
	}
	rec := doJSON(t, mux, http.MethodPost, "/sync", signTestToken(t, []string{"USER"}), req)
	var resp syncResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("response not JSON: %v", err)
	}
	results := resp.QueryResults["q1"]
	if len(results) != 1 || results[0].Key != "k1" {
		t.Errorf("query results = %+v, want only k1", results)
	}
	if keys := resp.SearchResults["s1"]; len(keys) != 1 || keys[0] != "d1" {
		t.Errorf("search results = %v, want [d1]", keys)
	}
}

func mcpCall(t *testing.T, mux *http.ServeMux, method, tool string, args any) (json.RawMessage, *mcpError) {
	t.Helper()
	var rawArgs json.RawMessage
	if args != nil {
		data, err := json.Marshal(args)
		if err != nil {
			t.Fatalf("arguments marshal failed: %v", err)
		}
		rawArgs = data
	}
	rec := doJSON(t, mux, http.MethodPost, "/mcp", "", map[string]any{
		"jsonrpc": "2.0",
		"id":      1,
		"method":  method,
		"params":  map[string]any{"name": tool, "arguments": rawArgs},
	})
	if rec.Code != http.StatusOK {
		t.Fatalf("mcp status = %d, want 200", rec.Code)
	}
	var resp struct {
		Result json.RawMessage `json:"result"`
		Error  *mcpError       `json:"error"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("mcp response not JSON: %v", err)
	}
	return resp.Result, resp.Error
}

func mcpToolText(t *testing.T, result json.RawMessage) (string, bool) {
	t.Helper()
	var tr mcpToolResult
	if err := json.Unmarshal(result, &tr); err != nil {
		t.Fatalf("tool result not JSON: %v", err)
	}
	if len(tr.Content) != 1 || tr.Content[0].Type != "text" {
		t.Fatalf("tool content = %+v, want one text block", tr.Content)
	}
	return tr.Content[0].Text, tr.IsError
}

// TestMCPInfo tests the GET description and the handshake methods.
func TestMCPInfo(t *testing.T) {
	_, mux := newTestFacade(t, nil)

	rec := doJSON(t, mux, http.MethodGet, "/mcp", "", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	var info struct {
		Name  string           `json:"name"`
		Tools []map[string]any `json:"tools"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &info); err != nil {
		t.Fatalf("info not JSON: %v", err)
	}
	if info.Name != "topgun" || len(info.Tools) != 2 {
		t.Errorf("info = %+v, want topgun with two tools", info)
	}

	result, rpcErr := mcpCall(t, mux, "initialize", "", nil)
	if rpcErr != nil {
		t.Fatalf("initialize errored: %+v", rpcErr)
	}
	var init struct {
		ProtocolVersion string `json:"protocolVersion"`
	}
	if err := json.Unmarshal(result, &init); err != nil {
		t.Fatalf("initialize result not JSON: %v", err)
	}
	if init.ProtocolVersion != "2024-11-05" {
		t.Errorf("protocolVersion = %q", init.ProtocolVersion)
	}

	if _, rpcErr := mcpCall(t, mux, "tools/list", "", nil); rpcErr != nil {
		t.Errorf("tools/list errored: %+v", rpcErr)
	}
	if _, rpcErr := mcpCall(t, mux, "bogus/method", "", nil); rpcErr == nil || rpcErr.Code != -32601 {
		t.Errorf("unknown method error = %+v, want -32601", rpcErr)
	}
}

// TestMCPMutate tests create and remove through the mutate tool.
func TestMCPMutate(t *testing.T) {
	c, mux := newTestFacade(t, nil)

	result, rpcErr := mcpCall(t, mux, "tools/call", "topgun_mutate", map[string]any{
		"map": "users", "key": "k1", "value": map[string]int{"v": 1},
	})
	if rpcErr != nil {
		t.Fatalf("mutate errored: %+v", rpcErr)
	}
	text, isError := mcpToolText(t, result)
	if isError || text != "Successfully created k1 in users" {
		t.Errorf("create result = %q (error=%v)", text, isError)
	}

	result, _ = mcpCall(t, mux, "tools/call", "topgun_mutate", map[string]any{
		"map": "users", "key": "k1", "remove": true,
	})
	text, isError = mcpToolText(t, result)
	if isError || text != "Successfully removed k1 from users" {
		t.Errorf("remove result = %q (error=%v)", text, isError)
	}

	m, ok := c.maps.Get("users")
	if !ok {
		t.Fatal("map missing after mutate")
	}
	if rec, ok := m.LWW.Get("k1"); !ok || !rec.IsTombstone() {
		t.Errorf("record after remove = %+v, want a tombstone", rec)
	}
}

// TestMCPMutateGates tests the mutation switch and the map allowlist.
func TestMCPMutateGates(t *testing.T) {
	_, disabledMux := newTestFacade(t, func(cfg *Config) { cfg.EnableMutations = false })
	result, _ := mcpCall(t, disabledMux, "tools/call", "topgun_mutate", map[string]any{
		"map": "users", "key": "k1", "value": 1,
	})
	text, isError := mcpToolText(t, result)
	if !isError || text != "Error: mutations are disabled" {
		t.Errorf("disabled result = %q (error=%v)", text, isError)
	}

	_, restrictedMux := newTestFacade(t, func(cfg *Config) { cfg.AllowedMaps = []string{"users"} })
	result, _ = mcpCall(t, restrictedMux, "tools/call", "topgun_mutate", map[string]any{
		"map": "secrets", "key": "k1", "value": 1,
	})
	text, isError = mcpToolText(t, result)
	if !isError || text != "Error: map not allowed: secrets" {
		t.Errorf("allowlist result = %q (error=%v)", text, isError)
	}
}

// TestMCPQuery tests the query tool against empty and seeded maps.
func TestMCPQuery(t *testing.T) {
	c, mux := newTestFacade(t, nil)

	result, _ := mcpCall(t, mux, "tools/call", "topgun_query", map[string]any{"map": "users"})
	text, isError := mcpToolText(t, result)
	if isError || text != "No results found" {
		t.Errorf("empty query result = %q (error=%v)", text, isError)
	}

	if _, err := c.processLocal(lwwSet("users", "k1", `{"score":50}`, 100), false, "", false); err != nil {
		t.Fatalf("seed failed: %v", err)
	}
	result, _ = mcpCall(t, mux, "tools/call", "topgun_query", map[string]any{
		"map":   "users",
		"where": map[string]any{"op": "gt", "field": "score", "value": 10},
	})
	text, isError = mcpToolText(t, result)
	if isError || !strings.Contains(text, "k1") {
		t.Errorf("seeded query result = %q (error=%v)", text, isError)
	}
}

// TestMCPMutateOpArguments tests the {op, data} argument form end to end:
// set, query back, remove, then an empty query.
func TestMCPMutateOpArguments(t *testing.T) {
	_, mux := newTestFacade(t, nil)

	result, _ := mcpCall(t, mux, "tools/call", "topgun_mutate", map[string]any{
		"map": "tasks", "op": "set", "key": "t1", "data": map[string]string{"title": "Test"},
	})
	text, isError := mcpToolText(t, result)
	if isError || text != "Successfully created t1 in tasks" {
		t.Fatalf("set result = %q (error=%v)", text, isError)
	}

	result, _ = mcpCall(t, mux, "tools/call", "topgun_query", map[string]any{"map": "tasks"})
	text, isError = mcpToolText(t, result)
	if isError || !strings.Contains(text, "t1") || !strings.Contains(text, "Test") {
		t.Fatalf("query result = %q, want t1 with its title", text)
	}

	result, _ = mcpCall(t, mux, "tools/call", "topgun_mutate", map[string]any{
		"map": "tasks", "op": "remove", "key": "t1",
	})
	text, isError = mcpToolText(t, result)
	if isError || text != "Successfully removed t1 from tasks" {
		t.Fatalf("remove result = %q (error=%v)", text, isError)
	}

	result, _ = mcpCall(t, mux, "tools/call", "topgun_query", map[string]any{"map": "tasks"})
	if text, _ = mcpToolText(t, result); text != "No results found" {
		t.Errorf("post-remove query = %q, want No results found", text)
	}
}
