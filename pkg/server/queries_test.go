package server

import (
	"testing"

	"github.com/topgundb/topgun/pkg/protocol"
	"github.com/topgundb/topgun/pkg/query"
)

// TestQuerySubSeedSpansPages tests that the live subscription is seeded
// with the full match set: a later update to a key beyond the first page
// classifies as UPDATED, not ADDED.
func TestQuerySubSeedSpansPages(t *testing.T) {
	c := newTestCoordinator(t, func(cfg *Config) { cfg.EnableSubscriptions = true })
	for _, key := range []string{"k1", "k2", "k3"} {
		if _, err := c.processLocal(lwwSet("users", key, `{"v":1}`, 100), false, "", false); err != nil {
			t.Fatalf("seed failed: %v", err)
		}
	}

	sess, conn := newTestSession(c.conns, nil)
	c.handleQuerySub(sess, &protocol.Frame{
		Type:    protocol.MsgQuerySub,
		QueryID: "q1",
		MapName: "users",
		Query:   &query.Query{Limit: 2},
	})

	frames := conn.frames(t, sess.Writer)
	if len(frames) != 1 || frames[0].Type != protocol.MsgQueryResp {
		t.Fatalf("frames = %+v, want one QUERY_RESP", frames)
	}
	if len(frames[0].QueryResults) != 2 || !frames[0].HasMore {
		t.Fatalf("page = %d results hasMore=%v, want 2 with more", len(frames[0].QueryResults), frames[0].HasMore)
	}

	// k3 sits past the page boundary but is already part of the match set.
	// The write pushes both a delta and the broadcast event; the delta is
	// the classification under test.
	if _, err := c.processLocal(lwwSet("users", "k3", `{"v":2}`, 200), false, "", false); err != nil {
		t.Fatalf("update failed: %v", err)
	}
	var delta *protocol.QueryDelta
	for _, f := range conn.frames(t, sess.Writer) {
		if f.Delta != nil {
			delta = f.Delta
		}
	}
	if delta == nil {
		t.Fatal("no delta pushed for the page-two key")
	}
	if delta.Type != protocol.DeltaUpdated || delta.Key != "k3" {
		t.Errorf("delta = %+v, want UPDATED k3", delta)
	}
}
