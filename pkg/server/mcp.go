package server

import (
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/google/uuid"

	"github.com/topgundb/topgun/pkg/crdt"
	"github.com/topgundb/topgun/pkg/protocol"
	"github.com/topgundb/topgun/pkg/query"
)

// mcpRequest is the JSON-RPC envelope the MCP transport speaks.
type mcpRequest struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id"`
	Method  string          `json:"method"`
	Params  mcpParams       `json:"params"`
}

type mcpParams struct {
	Name      string          `json:"name"`
	Arguments json.RawMessage `json:"arguments"`
}

type mcpResponse struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id"`
	Result  any             `json:"result,omitempty"`
	Error   *mcpError       `json:"error,omitempty"`
}

type mcpError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

type mcpContent struct {
	Type string `json:"type"`
	Text string `json:"text"`
}

type mcpToolResult struct {
	Content []mcpContent `json:"content"`
	IsError bool         `json:"isError,omitempty"`
}

func textResult(text string, isError bool) mcpToolResult {
	return mcpToolResult{Content: []mcpContent{{Type: "text", Text: text}}, IsError: isError}
}

// mcpTools describes the exposed tools for tools/list.
var mcpTools = []map[string]any{
	{
		"name":        "topgun_mutate",
		"description": "Set or remove a key in a replicated map",
		"inputSchema": map[string]any{
			"type": "object",
			"properties": map[string]any{
				"map":    map[string]any{"type": "string"},
				"op":     map[string]any{"type": "string", "enum": []string{"set", "remove"}},
				"key":    map[string]any{"type": "string"},
				"value":  map[string]any{"description": "JSON value to set; omit when removing"},
				"data":   map[string]any{"description": "alias of value"},
				"remove": map[string]any{"type": "boolean"},
			},
			"required": []string{"map", "key"},
		},
	},
	{
		"name":        "topgun_query",
		"description": "Query a replicated map with an optional predicate",
		"inputSchema": map[string]any{
			"type": "object",
			"properties": map[string]any{
				"map":   map[string]any{"type": "string"},
				"key":   map[string]any{"type": "string"},
				"where": map[string]any{"description": "predicate tree"},
				"limit": map[string]any{"type": "integer"},
			},
			"required": []string{"map"},
		},
	},
}

// handleMCP services the MCP endpoint: GET describes the server, POST
// carries the JSON-RPC tool calls.
func (c *Coordinator) handleMCP(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		c.writeJSON(w, "/mcp", http.StatusOK, map[string]any{
			"name":    "topgun",
			"version": "1.0",
			"tools":   mcpTools,
		})
	case http.MethodPost:
		var req mcpRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			c.writeJSON(w, "/mcp", http.StatusBadRequest, mcpResponse{
				JSONRPC: "2.0",
				Error:   &mcpError{Code: -32700, Message: "parse error"},
			})
			return
		}
		c.writeJSON(w, "/mcp", http.StatusOK, c.dispatchMCP(&req))
	default:
		c.writeJSON(w, "/mcp", http.StatusMethodNotAllowed, map[string]string{"error": "method not allowed"})
	}
}

func (c *Coordinator) dispatchMCP(req *mcpRequest) mcpResponse {
	resp := mcpResponse{JSONRPC: "2.0", ID: req.ID}
	switch req.Method {
	case "initialize":
		resp.Result = map[string]any{
			"protocolVersion": "2024-11-05",
			"serverInfo":      map[string]string{"name": "topgun", "version": "1.0"},
			"capabilities":    map[string]any{"tools": map[string]any{}},
		}
	case "tools/list":
		resp.Result = map[string]any{"tools": mcpTools}
	case "tools/call":
		switch req.Params.Name {
		case "topgun_mutate":
			resp.Result = c.mcpMutate(req.Params.Arguments)
		case "topgun_query":
			resp.Result = c.mcpQuery(req.Params.Arguments)
		default:
			resp.Result = textResult(fmt.Sprintf("Unknown tool: %s", req.Params.Name), true)
		}
	default:
		resp.Error = &mcpError{Code: -32601, Message: "method not found"}
	}
	return resp
}

// mcpMutate sets or removes one key through the write pipeline. Clients
// speak either {op:"set"/"remove", data:...} or {value:..., remove:true}.
func (c *Coordinator) mcpMutate(arguments json.RawMessage) mcpToolResult {
	var args struct {
		Map    string          `json:"map"`
		Op     string          `json:"op"`
		Key    string          `json:"key"`
		Value  json.RawMessage `json:"value"`
		Data   json.RawMessage `json:"data"`
		Remove bool            `json:"remove"`
	}
	if err := json.Unmarshal(arguments, &args); err != nil || args.Map == "" || args.Key == "" {
		return textResult("Invalid arguments: map and key are required", true)
	}
	if !c.cfg.EnableMutations {
		return textResult("Error: mutations are disabled", true)
	}
	if !c.policy.MapAllowed(args.Map) {
		return textResult(fmt.Sprintf("Error: map not allowed: %s", args.Map), true)
	}

	remove := args.Remove || args.Op == "remove"
	value := args.Value
	if len(value) == 0 {
		value = args.Data
	}
	rec := &crdt.Record{Timestamp: c.clock.Now()}
	if !remove {
		if len(value) == 0 {
			return textResult("Invalid arguments: value is required unless removing", true)
		}
		rec.Value = value
	}
	op := &protocol.Op{
		ID:      uuid.NewString(),
		MapName: args.Map,
		MapType: crdt.MapTypeLWW,
		Type:    protocol.OpLWWSet,
		Key:     args.Key,
		Record:  rec,
	}
	if _, err := c.processLocal(op, false, "", false); err != nil {
		return textResult(fmt.Sprintf("Error: %v", err), true)
	}
	if remove {
		return textResult(fmt.Sprintf("Successfully removed %s from %s", args.Key, args.Map), false)
	}
	return textResult(fmt.Sprintf("Successfully created %s in %s", args.Key, args.Map), false)
}

// mcpQuery runs a one-shot scatter/gather query.
func (c *Coordinator) mcpQuery(arguments json.RawMessage) mcpToolResult {
	var args struct {
		Map   string           `json:"map"`
		Key   string           `json:"key"`
		Where *query.Predicate `json:"where"`
		Limit int              `json:"limit"`
	}
	if err := json.Unmarshal(arguments, &args); err != nil || args.Map == "" {
		return textResult("Invalid arguments: map is required", true)
	}
	if !c.policy.MapAllowed(args.Map) {
		return textResult(fmt.Sprintf("Error: map not allowed: %s", args.Map), true)
	}

	q := &query.Query{Where: args.Where, Key: args.Key, Limit: args.Limit}
	results := query.DedupResults(c.scatterQuery(args.Map, q))
	query.SortResults(results, nil)
	if q.Limit > 0 && len(results) > q.Limit {
		results = results[:q.Limit]
	}
	if len(results) == 0 {
		return textResult("No results found", false)
	}
	rendered, err := json.MarshalIndent(results, "", "  ")
	if err != nil {
		return textResult(fmt.Sprintf("Error: %v", err), true)
	}
	return textResult(string(rendered), false)
}
