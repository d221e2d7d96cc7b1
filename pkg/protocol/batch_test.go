package protocol

import (
	"bytes"
	"encoding/binary"
	"testing"
)

// TestBatchRoundTrip tests the envelope codec over a mixed message set.
func TestBatchRoundTrip(t *testing.T) {
	messages := [][]byte{
		[]byte(`{"type":"PONG"}`),
		[]byte(`{"type":"OP_ACK","lastId":"req-1"}`),
		{},
		[]byte(`{"type":"SERVER_EVENT","map":"users"}`),
	}
	decoded, err := DecodeBatchData(EncodeBatchData(messages))
	if err != nil {
		t.Fatalf("DecodeBatchData() error: %v", err)
	}
	if len(decoded) != len(messages) {
		t.Fatalf("got %d messages, want %d", len(decoded), len(messages))
	}
	for i := range messages {
		if !bytes.Equal(decoded[i], messages[i]) {
			t.Errorf("message %d = %q, want %q", i, decoded[i], messages[i])
		}
	}
}

// TestBatchEmpty tests the zero-message envelope.
func TestBatchEmpty(t *testing.T) {
	decoded, err := DecodeBatchData(EncodeBatchData(nil))
	if err != nil {
		t.Fatalf("DecodeBatchData() error: %v", err)
	}
	if len(decoded) != 0 {
		t.Errorf("got %d messages, want 0", len(decoded))
	}
}

// TestBatchTruncated tests that mangled payloads are rejected, not
// misparsed.
func TestBatchTruncated(t *testing.T) {
	data := EncodeBatchData([][]byte{[]byte("hello"), []byte("world")})
	for cut := 1; cut < len(data); cut++ {
		if _, err := DecodeBatchData(data[:len(data)-cut]); err == nil {
			t.Errorf("truncation of %d bytes not detected", cut)
		}
	}
	if _, err := DecodeBatchData(append(data, 0x00)); err == nil {
		t.Error("trailing bytes not detected")
	}
}

// TestEncodeBatchFrame tests the BATCH frame wrapper: count, type, and an
// intact inner payload.
func TestEncodeBatchFrame(t *testing.T) {
	inner := [][]byte{[]byte(`{"type":"PONG"}`), []byte(`{"type":"OP_ACK"}`)}
	raw, err := EncodeBatchFrame(inner)
	if err != nil {
		t.Fatalf("EncodeBatchFrame() error: %v", err)
	}
	frame, err := Decode(raw)
	if err != nil {
		t.Fatalf("Decode() error: %v", err)
	}
	if frame.Type != MsgBatch {
		t.Errorf("Type = %q, want %q", frame.Type, MsgBatch)
	}
	if frame.Count != 2 {
		t.Errorf("Count = %d, want 2", frame.Count)
	}
	decoded, err := DecodeBatchData(frame.Data)
	if err != nil {
		t.Fatalf("DecodeBatchData() error: %v", err)
	}
	if len(decoded) != 2 || !bytes.Equal(decoded[0], inner[0]) {
		t.Errorf("inner payload mangled: %q", decoded)
	}
}

// TestFrameValidate tests the router's schema step.
func TestFrameValidate(t *testing.T) {
	if err := (&Frame{}).Validate(); err == nil {
		t.Error("frame without type must fail validation")
	}
	if err := (&Frame{Type: MsgPing}).Validate(); err != nil {
		t.Errorf("valid frame rejected: %v", err)
	}
}

// TestWriteConcernRank tests the ladder ordering and the FIRE_AND_FORGET
// equivalence with MEMORY.
func TestWriteConcernRank(t *testing.T) {
	ladder := []WriteConcern{ConcernMemory, ConcernApplied, ConcernReplicated, ConcernPersisted}
	for i := 1; i < len(ladder); i++ {
		if ladder[i].Rank() <= ladder[i-1].Rank() {
			t.Errorf("%s should rank above %s", ladder[i], ladder[i-1])
		}
	}
	if ConcernFireAndForget.Rank() != ConcernMemory.Rank() {
		t.Error("FIRE_AND_FORGET must rank with MEMORY")
	}
	if ConcernFireAndForget.Deferred() || ConcernMemory.Deferred() {
		t.Error("admission-acked concerns must not be deferred")
	}
	if !ConcernApplied.Deferred() || !ConcernPersisted.Deferred() {
		t.Error("higher concerns need a pending-write entry")
	}
}

// TestDecodeBatchDataHostileCount tests that a huge declared count fails on
// the first missing prefix instead of preallocating for it.
func TestDecodeBatchDataHostileCount(t *testing.T) {
	data := make([]byte, 4)
	binary.LittleEndian.PutUint32(data, 0xFFFFFFFF)
	if _, err := DecodeBatchData(data); err == nil {
		t.Fatal("count with no payload must fail")
	}

	// One real message behind an inflated count still fails cleanly.
	data = append(data, EncodeBatchData([][]byte{[]byte("x")})[4:]...)
	if _, err := DecodeBatchData(data); err == nil {
		t.Fatal("inflated count must fail on the missing second prefix")
	}
}
