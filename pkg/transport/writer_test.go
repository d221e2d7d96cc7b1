package transport

import (
	"sync"
	"testing"
	"time"

	"github.com/topgundb/topgun/pkg/protocol"
)

// fakeConn captures writes for assertions.
type fakeConn struct {
	mu       sync.Mutex
	messages [][]byte
	alive    bool
}

func newFakeConn() *fakeConn {
	return &fakeConn{alive: true}
}

func (c *fakeConn) WriteMessage(data []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	buf := make([]byte, len(data))
	copy(buf, data)
	c.messages = append(c.messages, buf)
	return nil
}

func (c *fakeConn) Close(code int, reason string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.alive = false
	return nil
}

func (c *fakeConn) Alive() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.alive
}

func (c *fakeConn) RemoteAddr() string { return "fake" }

func (c *fakeConn) sent() [][]byte {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([][]byte, len(c.messages))
	copy(out, c.messages)
	return out
}

// TestWriterUrgentBypassesQueue tests that urgent writes go straight to the
// socket while queued writes wait for a flush trigger.
func TestWriterUrgentBypassesQueue(t *testing.T) {
	conn := newFakeConn()
	w := NewWriter(conn, WriterConfig{MaxBatchSize: 100, MaxDelay: time.Hour, MaxBatchBytes: 1 << 20})

	if err := w.Write(&protocol.Frame{Type: protocol.MsgOpAck}, false); err != nil {
		t.Fatalf("Write() error: %v", err)
	}
	if err := w.Write(&protocol.Frame{Type: protocol.MsgPong}, true); err != nil {
		t.Fatalf("urgent Write() error: %v", err)
	}

	sent := conn.sent()
	if len(sent) != 1 {
		t.Fatalf("got %d messages on the wire, want just the urgent one", len(sent))
	}
	frame, err := protocol.Decode(sent[0])
	if err != nil {
		t.Fatalf("Decode() error: %v", err)
	}
	if frame.Type != protocol.MsgPong {
		t.Errorf("wire frame = %s, want PONG", frame.Type)
	}
	if w.Stats().Pending != 1 {
		t.Errorf("Pending = %d, want the queued OP_ACK", w.Stats().Pending)
	}
}

// TestWriterSingleMessageNoEnvelope tests that a lone queued message is
// flushed as-is, without the BATCH wrapper.
func TestWriterSingleMessageNoEnvelope(t *testing.T) {
	conn := newFakeConn()
	w := NewWriter(conn, WriterConfig{MaxBatchSize: 100, MaxDelay: time.Hour, MaxBatchBytes: 1 << 20})

	_ = w.Write(&protocol.Frame{Type: protocol.MsgOpAck, LastID: "req-1"}, false)
	w.Flush()

	sent := conn.sent()
	if len(sent) != 1 {
		t.Fatalf("got %d messages, want 1", len(sent))
	}
	frame, err := protocol.Decode(sent[0])
	if err != nil {
		t.Fatalf("Decode() error: %v", err)
	}
	if frame.Type != protocol.MsgOpAck {
		t.Errorf("frame = %s, want the unwrapped OP_ACK", frame.Type)
	}
}

// TestWriterCountTriggerBatches tests that hitting MaxBatchSize flushes the
// queue immediately as one BATCH envelope.
func TestWriterCountTriggerBatches(t *testing.T) {
	conn := newFakeConn()
	w := NewWriter(conn, WriterConfig{MaxBatchSize: 3, MaxDelay: time.Hour, MaxBatchBytes: 1 << 20})

	for i := 0; i < 3; i++ {
		_ = w.Write(&protocol.Frame{Type: protocol.MsgServerEvent}, false)
	}

	sent := conn.sent()
	if len(sent) != 1 {
		t.Fatalf("got %d wire messages, want one batch", len(sent))
	}
	frame, err := protocol.Decode(sent[0])
	if err != nil {
		t.Fatalf("Decode() error: %v", err)
	}
	if frame.Type != protocol.MsgBatch {
		t.Fatalf("frame = %s, want BATCH", frame.Type)
	}
	if frame.Count != 3 {
		t.Errorf("Count = %d, want 3", frame.Count)
	}
	inner, err := protocol.DecodeBatchData(frame.Data)
	if err != nil {
		t.Fatalf("DecodeBatchData() error: %v", err)
	}
	if len(inner) != 3 {
		t.Errorf("inner messages = %d, want 3", len(inner))
	}

	stats := w.Stats()
	if stats.ImmediateFlushes != 1 {
		t.Errorf("ImmediateFlushes = %d, want 1", stats.ImmediateFlushes)
	}
	if stats.Pending != 0 {
		t.Errorf("Pending = %d, want drained queue", stats.Pending)
	}
}

// TestWriterBytesTrigger tests that queued bytes force a flush before the
// count trigger fires.
func TestWriterBytesTrigger(t *testing.T) {
	conn := newFakeConn()
	w := NewWriter(conn, WriterConfig{MaxBatchSize: 1000, MaxDelay: time.Hour, MaxBatchBytes: 32})

	_ = w.WriteRaw([]byte(`{"type":"SERVER_EVENT","map":"a-long-map-name"}`), false)
	if len(conn.sent()) != 1 {
		t.Errorf("bytes trigger did not flush")
	}
}

// TestWriterDelayTrigger tests the timed flush.
func TestWriterDelayTrigger(t *testing.T) {
	conn := newFakeConn()
	w := NewWriter(conn, WriterConfig{MaxBatchSize: 1000, MaxDelay: 5 * time.Millisecond, MaxBatchBytes: 1 << 20})

	_ = w.Write(&protocol.Frame{Type: protocol.MsgOpAck}, false)

	deadline := time.Now().Add(time.Second)
	for len(conn.sent()) == 0 {
		if time.Now().After(deadline) {
			t.Fatal("timed flush never fired")
		}
		time.Sleep(time.Millisecond)
	}
	if w.Stats().TimedFlushes != 1 {
		t.Errorf("TimedFlushes = %d, want 1", w.Stats().TimedFlushes)
	}
}

// TestWriterDeadSocketDropsSilently tests that writes to a closed transport
// are dropped without error; cleanup belongs to the session close path.
func TestWriterDeadSocketDropsSilently(t *testing.T) {
	conn := newFakeConn()
	w := NewWriter(conn, WriterConfig{MaxBatchSize: 10, MaxDelay: time.Hour, MaxBatchBytes: 1 << 20})
	_ = conn.Close(1000, "")

	if err := w.Write(&protocol.Frame{Type: protocol.MsgPong}, true); err != nil {
		t.Errorf("urgent write to dead socket errored: %v", err)
	}
	_ = w.Write(&protocol.Frame{Type: protocol.MsgOpAck}, false)
	w.Flush()
	if len(conn.sent()) != 0 {
		t.Errorf("dead socket received %d messages", len(conn.sent()))
	}
}

// TestWriterCloseIdempotent tests that Close flushes once and later writes
// are ignored.
func TestWriterCloseIdempotent(t *testing.T) {
	conn := newFakeConn()
	w := NewWriter(conn, WriterConfig{MaxBatchSize: 10, MaxDelay: time.Hour, MaxBatchBytes: 1 << 20})

	_ = w.Write(&protocol.Frame{Type: protocol.MsgOpAck}, false)
	w.Close()
	w.Close()
	if len(conn.sent()) != 1 {
		t.Fatalf("Close flushed %d messages, want 1", len(conn.sent()))
	}
	_ = w.Write(&protocol.Frame{Type: protocol.MsgPong}, false)
	w.Flush()
	if len(conn.sent()) != 1 {
		t.Error("write after Close must be dropped")
	}
}
