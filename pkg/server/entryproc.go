package server

import (
	"encoding/json"
	"fmt"
	"sync"

	"github.com/google/uuid"

	"github.com/topgundb/topgun/pkg/crdt"
	"github.com/topgundb/topgun/pkg/protocol"
)

// ProcessorFunc transforms the current value of a key into its next value.
// current is nil when the key is absent or tombstoned. Returning nil deletes
// the key; returning an error rejects the process without touching the map.
type ProcessorFunc func(key string, current json.RawMessage, arg json.RawMessage) (json.RawMessage, error)

// ProcessorRegistry holds the named entry processors a client can invoke by
// name through ENTRY_PROCESS. Processing runs under the op pipeline, so the
// read-transform-write is serialized with every other write to the map.
type ProcessorRegistry struct {
	mu    sync.RWMutex
	procs map[string]ProcessorFunc
}

// NewProcessorRegistry creates a registry seeded with the built-in
// processors.
func NewProcessorRegistry() *ProcessorRegistry {
	r := &ProcessorRegistry{procs: make(map[string]ProcessorFunc)}
	r.Register("merge", procMerge)
	r.Register("increment", procIncrement)
	r.Register("setIfAbsent", procSetIfAbsent)
	return r
}

// Register installs a processor under a name, replacing any previous one.
func (r *ProcessorRegistry) Register(name string, fn ProcessorFunc) {
	r.mu.Lock()
	r.procs[name] = fn
	r.mu.Unlock()
}

// Get looks up a processor by name.
func (r *ProcessorRegistry) Get(name string) (ProcessorFunc, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	fn, ok := r.procs[name]
	return fn, ok
}

// procMerge shallow-merges the argument object over the current object.
func procMerge(_ string, current, arg json.RawMessage) (json.RawMessage, error) {
	var doc map[string]any
	if current != nil {
		if err := json.Unmarshal(current, &doc); err != nil {
			return nil, fmt.Errorf("current value is not an object")
		}
	}
	if doc == nil {
		doc = make(map[string]any)
	}
	var patch map[string]any
	if err := json.Unmarshal(arg, &patch); err != nil {
		return nil, fmt.Errorf("merge argument is not an object")
	}
	for k, v := range patch {
		doc[k] = v
	}
	return json.Marshal(doc)
}

// procIncrement adds arg.delta to arg.field of the current object, treating
// an absent key or field as zero.
func procIncrement(_ string, current, arg json.RawMessage) (json.RawMessage, error) {
	var spec struct {
		Field string  `json:"field"`
		Delta float64 `json:"delta"`
	}
	if err := json.Unmarshal(arg, &spec); err != nil || spec.Field == "" {
		return nil, fmt.Errorf("increment needs {field, delta}")
	}
	doc := make(map[string]any)
	if current != nil {
		if err := json.Unmarshal(current, &doc); err != nil {
			return nil, fmt.Errorf("current value is not an object")
		}
	}
	base, _ := doc[spec.Field].(float64)
	doc[spec.Field] = base + spec.Delta
	return json.Marshal(doc)
}

// procSetIfAbsent writes the argument only when the key has no live value.
func procSetIfAbsent(_ string, current, arg json.RawMessage) (json.RawMessage, error) {
	if current != nil {
		return current, nil
	}
	return arg, nil
}

// runEntryProcess executes one named processor against one key and routes
// the result through the write pipeline.
func (c *Coordinator) runEntryProcess(sess *Session, mapName, key, processor string, arg json.RawMessage) error {
	fn, ok := c.processors.Get(processor)
	if !ok {
		return fmt.Errorf("unknown processor: %s", processor)
	}

	m, err := c.maps.GetOrCreate(mapName, crdt.MapTypeLWW)
	if err != nil {
		return err
	}
	if err := m.Ready(); err != nil {
		return err
	}

	var current json.RawMessage
	if rec, ok := m.LWW.Get(key); ok && !rec.IsTombstone() {
		current = rec.Value
	}

	next, err := fn(key, current, arg)
	if err != nil {
		return err
	}

	op := &protocol.Op{
		ID:      uuid.NewString(),
		MapName: mapName,
		MapType: crdt.MapTypeLWW,
		Type:    protocol.OpLWWSet,
		Key:     key,
		Record:  &crdt.Record{Value: next, Timestamp: c.clock.Now()},
	}
	_, err = c.processLocal(op, false, sess.ID, false)
	return err
}

// handleEntryProcess services ENTRY_PROCESS: run one processor on one key.
func (c *Coordinator) handleEntryProcess(sess *Session, frame *protocol.Frame) {
	if !c.policy.Allow(sess.Principal(), ActionPut, frame.MapName) {
		c.sendError(sess, protocol.ErrCodeForbidden, "Not permitted")
		return
	}
	if err := c.runEntryProcess(sess, frame.MapName, frame.Key, frame.Processor, frame.Payload); err != nil {
		c.sendError(sess, protocol.ErrCodeBadRequest, err.Error())
		return
	}
	_ = sess.Writer.Write(&protocol.Frame{Type: protocol.MsgOpAck, LastID: frame.RequestID}, false)
}

// handleEntryProcessBatch services ENTRY_PROCESS_BATCH: the same processor
// over a key list, with per-key failures reported and the rest applied.
func (c *Coordinator) handleEntryProcessBatch(sess *Session, frame *protocol.Frame) {
	if !c.policy.Allow(sess.Principal(), ActionPut, frame.MapName) {
		c.sendError(sess, protocol.ErrCodeForbidden, "Not permitted")
		return
	}
	results := make([]protocol.OpResult, 0, len(frame.Keys))
	for _, key := range frame.Keys {
		res := protocol.OpResult{OpID: key, Success: true, AchievedLevel: protocol.ConcernApplied}
		if err := c.runEntryProcess(sess, frame.MapName, key, frame.Processor, frame.Payload); err != nil {
			res.Success = false
			res.AchievedLevel = protocol.ConcernMemory
			res.Error = err.Error()
		}
		results = append(results, res)
	}
	_ = sess.Writer.Write(&protocol.Frame{
		Type:    protocol.MsgOpAck,
		LastID:  frame.RequestID,
		Results: results,
	}, false)
}
