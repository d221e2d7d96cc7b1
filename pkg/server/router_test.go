package server

import (
	"testing"
	"time"

	"github.com/topgundb/topgun/pkg/protocol"
	"github.com/topgundb/topgun/pkg/transport"
)

// newUnauthSession registers a session that has not presented a token yet.
func newUnauthSession(c *Coordinator) (*Session, *testConn) {
	conn := newTestConn()
	sess := c.conns.Register(conn, transport.WriterConfig{MaxBatchSize: 100, MaxDelay: time.Hour, MaxBatchBytes: 1 << 20})
	return sess, conn
}

// TestAuthAckProtocolVersion tests the handshake reply: AUTH_ACK carries
// the protocol version and a server timestamp.
func TestAuthAckProtocolVersion(t *testing.T) {
	c := newTestCoordinator(t, nil)
	sess, conn := newUnauthSession(c)

	c.handleAuth(sess, &protocol.Frame{Token: signTestToken(t, []string{"USER"})})

	if !sess.Authenticated() {
		t.Fatal("session not authenticated after a valid token")
	}
	frames := conn.frames(t, sess.Writer)
	if len(frames) != 1 || frames[0].Type != protocol.MsgAuthAck {
		t.Fatalf("frames = %+v, want one AUTH_ACK", frames)
	}
	if frames[0].ProtocolVersion != 1 {
		t.Errorf("ProtocolVersion = %d, want 1", frames[0].ProtocolVersion)
	}
	if frames[0].Timestamp == nil {
		t.Error("AUTH_ACK missing server timestamp")
	}
}

// TestAuthFailureDecrementsOnce tests that a failed AUTH gives back exactly
// one pending admission slot: the read-loop exit owns the decrement, so a
// second in-flight session keeps its slot.
func TestAuthFailureDecrementsOnce(t *testing.T) {
	c := newTestCoordinator(t, nil)

	// Two attempts in flight.
	c.limiter.OnAttempt()
	c.limiter.OnAttempt()

	sess, conn := newUnauthSession(c)
	c.handleAuth(sess, &protocol.Frame{Token: "garbage"})
	if sess.Authenticated() {
		t.Fatal("garbage token authenticated")
	}
	frames := conn.frames(t, sess.Writer)
	if len(frames) == 0 || frames[0].Type != protocol.MsgAuthFail {
		t.Fatalf("frames = %+v, want AUTH_FAIL first", frames)
	}

	// The read loop notices the unauthenticated close and decrements.
	c.limiter.OnFailed()

	if got := c.limiter.Pending(); got != 1 {
		t.Errorf("Pending = %d after one failed auth, want the other attempt's slot intact", got)
	}
}

// TestTopicPermissions tests that topic subscribe and publish respect the
// access policy.
func TestTopicPermissions(t *testing.T) {
	c := newTestCoordinator(t, func(cfg *Config) {
		cfg.EnableSubscriptions = true
		cfg.AllowedMaps = []string{"tasks"}
	})
	sess, conn := newTestSession(c.conns, nil)

	c.handleTopicSub(sess, &protocol.Frame{Type: protocol.MsgTopicSub, Topic: "secrets"})
	frames := conn.frames(t, sess.Writer)
	if len(frames) != 1 || frames[0].Code != protocol.ErrCodeForbidden {
		t.Errorf("restricted subscribe frames = %+v, want a 403 error", frames)
	}

	c.handleTopicPub(sess, &protocol.Frame{Type: protocol.MsgTopicPub, Topic: "secrets"})
	frames = conn.frames(t, sess.Writer)
	if len(frames) != 1 || frames[0].Code != protocol.ErrCodeForbidden {
		t.Errorf("restricted publish frames = %+v, want a 403 error", frames)
	}

	// The allowlisted topic goes through.
	c.handleTopicSub(sess, &protocol.Frame{Type: protocol.MsgTopicSub, Topic: "tasks"})
	if frames := conn.frames(t, sess.Writer); len(frames) != 0 {
		t.Errorf("allowed subscribe errored: %+v", frames)
	}
}

// TestCounterPermissions tests the read and mutation gates on
// COUNTER_REQUEST.
func TestCounterPermissions(t *testing.T) {
	c := newTestCoordinator(t, func(cfg *Config) { cfg.EnableMutations = false })
	sess, conn := newTestSession(c.conns, nil)

	// Reads stay open; the delta is refused.
	c.handleCounterRequest(sess, &protocol.Frame{Type: protocol.MsgCounterRequest, Name: "hits"})
	frames := conn.frames(t, sess.Writer)
	if len(frames) != 1 || frames[0].Type != protocol.MsgCounterSync {
		t.Fatalf("read frames = %+v, want COUNTER_SYNC", frames)
	}

	c.handleCounterRequest(sess, &protocol.Frame{Type: protocol.MsgCounterRequest, Name: "hits", CounterDelta: 3})
	frames = conn.frames(t, sess.Writer)
	if len(frames) != 1 || frames[0].Code != protocol.ErrCodeForbidden {
		t.Fatalf("delta frames = %+v, want a 403 error", frames)
	}
	if got := c.counters.Value("hits"); got != 0 {
		t.Errorf("counter mutated to %d despite the gate", got)
	}
}
