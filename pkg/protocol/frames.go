package protocol

import (
	"encoding/json"

	"github.com/topgundb/topgun/pkg/crdt"
	"github.com/topgundb/topgun/pkg/hlc"
	"github.com/topgundb/topgun/pkg/query"
)

// WriteConcern is the durability level a writer asks for.
type WriteConcern string

const (
	ConcernFireAndForget WriteConcern = "FIRE_AND_FORGET"
	ConcernMemory        WriteConcern = "MEMORY"
	ConcernApplied       WriteConcern = "APPLIED"
	ConcernReplicated    WriteConcern = "REPLICATED"
	ConcernPersisted     WriteConcern = "PERSISTED"
)

// Rank orders the ladder MEMORY -> APPLIED -> REPLICATED -> PERSISTED.
// FIRE_AND_FORGET ranks with MEMORY: both are acked on admission.
func (wc WriteConcern) Rank() int {
	switch wc {
	case ConcernApplied:
		return 1
	case ConcernReplicated:
		return 2
	case ConcernPersisted:
		return 3
	default:
		return 0
	}
}

// Deferred reports whether the concern needs a pending-write entry.
func (wc WriteConcern) Deferred() bool {
	return wc.Rank() > 0
}

// OpType identifies the CRDT mutation an op carries.
type OpType string

const (
	OpLWWSet   OpType = "LWW_SET"
	OpORAdd    OpType = "OR_ADD"
	OpORRemove OpType = "OR_REMOVE"
)

// Op is one client write.
type Op struct {
	ID           string            `json:"id"`
	MapName      string            `json:"map"`
	MapType      crdt.MapType      `json:"mapType,omitempty"`
	Type         OpType            `json:"opType"`
	Key          string            `json:"key"`
	Record       *crdt.Record      `json:"record,omitempty"`
	Entry        *crdt.TaggedEntry `json:"entry,omitempty"`
	Tag          string            `json:"tag,omitempty"`
	WriteConcern WriteConcern      `json:"writeConcern,omitempty"`
	TimeoutMs    int64             `json:"timeoutMs,omitempty"`
}

// EventType classifies a change for journal and sync consumers.
type EventType string

const (
	EventPut    EventType = "PUT"
	EventUpdate EventType = "UPDATE"
	EventDelete EventType = "DELETE"
)

// Event is the payload broadcast to subscribers after a successful merge.
type Event struct {
	MapName   string            `json:"map"`
	MapType   crdt.MapType      `json:"mapType"`
	Key       string            `json:"key"`
	Type      EventType         `json:"eventType"`
	Record    *crdt.Record      `json:"record,omitempty"`
	ORRecord  *crdt.TaggedEntry `json:"orRecord,omitempty"`
	Tag       string            `json:"tag,omitempty"`
	Timestamp hlc.Timestamp     `json:"timestamp"`
}

// OpResult is the per-op outcome reported in OP_ACK for deferred concerns.
type OpResult struct {
	OpID          string       `json:"opId"`
	Success       bool         `json:"success"`
	AchievedLevel WriteConcern `json:"achievedLevel"`
	Error         string       `json:"error,omitempty"`
}

// QueryDeltaType classifies an incremental subscription update.
type QueryDeltaType string

const (
	DeltaAdded   QueryDeltaType = "ADDED"
	DeltaUpdated QueryDeltaType = "UPDATED"
	DeltaRemoved QueryDeltaType = "REMOVED"
)

// QueryDelta is one incremental change to a live query's result set.
type QueryDelta struct {
	QueryID string          `json:"queryId"`
	Type    QueryDeltaType  `json:"deltaType"`
	Key     string          `json:"key"`
	Value   json.RawMessage `json:"value,omitempty"`
}

// Frame is a single wire message. Type is required; the remaining fields
// are populated per message type. Payloads are open records, so user data
// rides as raw JSON and validation is a schema step, not a cast.
type Frame struct {
	Type MessageType `json:"type"`

	// Auth / ping
	Token           string         `json:"token,omitempty"`
	Timestamp       *hlc.Timestamp `json:"timestamp,omitempty"`
	ProtocolVersion int            `json:"protocolVersion,omitempty"`

	// Ops and batches
	Op           *Op          `json:"op,omitempty"`
	Ops          []Op         `json:"ops,omitempty"`
	WriteConcern WriteConcern `json:"writeConcern,omitempty"`
	TimeoutMs    int64        `json:"timeoutMs,omitempty"`

	// Acks and errors
	LastID        string       `json:"lastId,omitempty"`
	AchievedLevel WriteConcern `json:"achievedLevel,omitempty"`
	Results       []OpResult   `json:"results,omitempty"`
	Code          int          `json:"code,omitempty"`
	Message       string       `json:"message,omitempty"`
	Reason        string       `json:"reason,omitempty"`

	// Queries
	QueryID      string             `json:"queryId,omitempty"`
	MapName      string             `json:"map,omitempty"`
	MapType      crdt.MapType       `json:"mapType,omitempty"`
	Query        *query.Query       `json:"query,omitempty"`
	// "results" belongs to the ack Results above; one flat frame cannot
	// carry the same tag twice.
	QueryResults []query.Result     `json:"queryResults,omitempty"`
	NextCursor   string             `json:"nextCursor,omitempty"`
	HasMore      bool               `json:"hasMore,omitempty"`
	CursorStatus query.CursorStatus `json:"cursorStatus,omitempty"`
	Delta        *QueryDelta        `json:"delta,omitempty"`

	// Events
	Event  *Event  `json:"event,omitempty"`
	Events []Event `json:"events,omitempty"`

	// Topics, locks, counters, resolvers, journal, entry processors
	Topic        string          `json:"topic,omitempty"`
	Payload      json.RawMessage `json:"payload,omitempty"`
	Name         string          `json:"name,omitempty"`
	TTLMs        int64           `json:"ttlMs,omitempty"`
	FencingToken uint64          `json:"fencingToken,omitempty"`
	Key          string          `json:"key,omitempty"`
	CounterDelta int64           `json:"counterDelta,omitempty"`
	CounterValue int64           `json:"counterValue,omitempty"`
	Processor    string          `json:"processor,omitempty"`
	Keys         []string        `json:"keys,omitempty"`
	Resolvers    []string        `json:"resolvers,omitempty"`
	FromSeq      uint64          `json:"fromSeq,omitempty"`
	Limit        int             `json:"limit,omitempty"`
	Entries      json.RawMessage `json:"entries,omitempty"`

	// Partition map
	Version      uint64          `json:"version,omitempty"`
	PartitionMap json.RawMessage `json:"partitionMap,omitempty"`

	// Merkle / repair
	Bucket     int             `json:"bucket,omitempty"`
	Root       string          `json:"root,omitempty"`
	RepairData json.RawMessage `json:"repairData,omitempty"`

	// Cluster routing
	OriginNodeID string         `json:"originNodeId,omitempty"`
	SenderID     string         `json:"senderId,omitempty"`
	SessionID    string         `json:"sessionId,omitempty"`
	RequestID    string         `json:"requestId,omitempty"`
	MinHLC       *hlc.Timestamp `json:"minHlc,omitempty"`
	Safe         *hlc.Timestamp `json:"safe,omitempty"`
	Replication  bool           `json:"_replication,omitempty"`
	Migration    bool           `json:"_migration,omitempty"`

	// Batch envelope
	Count int    `json:"count,omitempty"`
	Data  []byte `json:"data,omitempty"`
}

// Encode serializes a frame to its JSON wire form.
func (f *Frame) Encode() ([]byte, error) {
	return json.Marshal(f)
}

// Decode parses a frame from its JSON wire form.
func Decode(data []byte) (*Frame, error) {
	var f Frame
	if err := json.Unmarshal(data, &f); err != nil {
		return nil, err
	}
	return &f, nil
}

// Validate performs the router's schema step: a frame must carry a known
// type discriminant.
func (f *Frame) Validate() error {
	if f.Type == "" {
		return ErrMissingType
	}
	return nil
}
