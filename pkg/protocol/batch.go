package protocol

import (
	"encoding/binary"
	"errors"
	"fmt"
)

// ErrMissingType is returned by Validate for frames without a discriminant.
var ErrMissingType = errors.New("frame missing type discriminant")

// EncodeBatchData packs messages into the batch envelope's binary payload:
// a 4-byte little-endian count, then for each message a 4-byte little-endian
// length followed by the message bytes.
func EncodeBatchData(messages [][]byte) []byte {
	size := 4
	for _, msg := range messages {
		size += 4 + len(msg)
	}
	data := make([]byte, 0, size)
	data = binary.LittleEndian.AppendUint32(data, uint32(len(messages)))
	for _, msg := range messages {
		data = binary.LittleEndian.AppendUint32(data, uint32(len(msg)))
		data = append(data, msg...)
	}
	return data
}

// DecodeBatchData unpacks a batch envelope payload back into its messages.
func DecodeBatchData(data []byte) ([][]byte, error) {
	if len(data) < 4 {
		return nil, fmt.Errorf("batch data truncated: %d bytes", len(data))
	}
	count := binary.LittleEndian.Uint32(data[:4])
	data = data[4:]
	// Every message costs at least its 4-byte length prefix; clamp the
	// prealloc so a hostile count cannot force a huge allocation.
	capHint := count
	if limit := uint32(len(data) / 4); capHint > limit {
		capHint = limit
	}
	messages := make([][]byte, 0, capHint)
	for i := uint32(0); i < count; i++ {
		if len(data) < 4 {
			return nil, fmt.Errorf("batch message %d: missing length prefix", i)
		}
		n := binary.LittleEndian.Uint32(data[:4])
		data = data[4:]
		if uint32(len(data)) < n {
			return nil, fmt.Errorf("batch message %d: truncated (%d of %d bytes)", i, len(data), n)
		}
		messages = append(messages, data[:n:n])
		data = data[n:]
	}
	if len(data) != 0 {
		return nil, fmt.Errorf("batch data has %d trailing bytes", len(data))
	}
	return messages, nil
}

// EncodeBatchFrame wraps messages in the BATCH envelope frame.
func EncodeBatchFrame(messages [][]byte) ([]byte, error) {
	f := Frame{
		Type:  MsgBatch,
		Count: len(messages),
		Data:  EncodeBatchData(messages),
	}
	return f.Encode()
}
