package server

import (
	"sync"
	"testing"
	"time"

	"github.com/topgundb/topgun/pkg/auth"
	"github.com/topgundb/topgun/pkg/protocol"
	"github.com/topgundb/topgun/pkg/transport"
)

// testConn is an in-memory transport.Conn capturing what a session was
// sent.
type testConn struct {
	mu       sync.Mutex
	messages [][]byte
	alive    bool
}

func newTestConn() *testConn {
	return &testConn{alive: true}
}

func (c *testConn) WriteMessage(data []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	buf := make([]byte, len(data))
	copy(buf, data)
	c.messages = append(c.messages, buf)
	return nil
}

func (c *testConn) Close(code int, reason string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.alive = false
	return nil
}

func (c *testConn) Alive() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.alive
}

func (c *testConn) RemoteAddr() string { return "test" }

// frames flushes the session writer and decodes everything on the wire,
// unwrapping batch envelopes.
func (c *testConn) frames(t *testing.T, w *transport.Writer) []*protocol.Frame {
	t.Helper()
	w.Flush()
	c.mu.Lock()
	raw := make([][]byte, len(c.messages))
	copy(raw, c.messages)
	c.messages = nil
	c.mu.Unlock()

	var out []*protocol.Frame
	for _, data := range raw {
		frame, err := protocol.Decode(data)
		if err != nil {
			t.Fatalf("failed to decode wire message: %v", err)
		}
		if frame.Type != protocol.MsgBatch {
			out = append(out, frame)
			continue
		}
		inner, err := protocol.DecodeBatchData(frame.Data)
		if err != nil {
			t.Fatalf("failed to decode batch envelope: %v", err)
		}
		for _, msg := range inner {
			f, err := protocol.Decode(msg)
			if err != nil {
				t.Fatalf("failed to decode batched message: %v", err)
			}
			out = append(out, f)
		}
	}
	return out
}

// newTestSession registers an authenticated session over a testConn.
func newTestSession(conns *ConnectionManager, principal *auth.Principal) (*Session, *testConn) {
	conn := newTestConn()
	sess := conns.Register(conn, transport.WriterConfig{MaxBatchSize: 100, MaxDelay: time.Hour, MaxBatchBytes: 1 << 20})
	sess.SetAuthenticated(principal)
	return sess, conn
}
