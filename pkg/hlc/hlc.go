package hlc

import (
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"
)

// Timestamp is a hybrid logical clock reading. Ordering is total:
// millis, then counter, then node id.
type Timestamp struct {
	Millis  int64  `json:"millis"`
	Counter uint32 `json:"counter"`
	NodeID  string `json:"nodeId"`
}

// Zero is the timestamp that precedes every other timestamp.
var Zero = Timestamp{}

// Compare returns -1, 0, or 1 if t is before, equal to, or after other.
func (t Timestamp) Compare(other Timestamp) int {
	if t.Millis != other.Millis {
		if t.Millis < other.Millis {
			return -1
		}
		return 1
	}
	if t.Counter != other.Counter {
		if t.Counter < other.Counter {
			return -1
		}
		return 1
	}
	return strings.Compare(t.NodeID, other.NodeID)
}

// Before reports whether t orders strictly before other.
func (t Timestamp) Before(other Timestamp) bool {
	return t.Compare(other) < 0
}

// After reports whether t orders strictly after other.
func (t Timestamp) After(other Timestamp) bool {
	return t.Compare(other) > 0
}

// IsZero reports whether t is the zero timestamp.
func (t Timestamp) IsZero() bool {
	return t.Millis == 0 && t.Counter == 0 && t.NodeID == ""
}

// String renders the timestamp as "millis:counter:nodeId".
func (t Timestamp) String() string {
	return fmt.Sprintf("%d:%d:%s", t.Millis, t.Counter, t.NodeID)
}

// Parse parses a timestamp produced by String.
func Parse(s string) (Timestamp, error) {
	parts := strings.SplitN(s, ":", 3)
	if len(parts) != 3 {
		return Zero, fmt.Errorf("invalid hlc timestamp: %q", s)
	}
	millis, err := strconv.ParseInt(parts[0], 10, 64)
	if err != nil {
		return Zero, fmt.Errorf("invalid hlc millis: %q", parts[0])
	}
	counter, err := strconv.ParseUint(parts[1], 10, 32)
	if err != nil {
		return Zero, fmt.Errorf("invalid hlc counter: %q", parts[1])
	}
	return Timestamp{Millis: millis, Counter: uint32(counter), NodeID: parts[2]}, nil
}

// Clock issues monotonically increasing timestamps for one node and folds
// in remote timestamps so causally later events always order later.
type Clock struct {
	nodeID string

	mu   sync.Mutex
	last Timestamp

	// nowFn is swappable for tests
	nowFn func() int64
}

// NewClock creates a clock for the given node id.
func NewClock(nodeID string) *Clock {
	return &Clock{
		nodeID: nodeID,
		nowFn:  func() int64 { return time.Now().UnixMilli() },
	}
}

// NodeID returns the clock's node id.
func (c *Clock) NodeID() string {
	return c.nodeID
}

// Now ticks the clock and returns a timestamp greater than any previously
// issued or observed timestamp.
func (c *Clock) Now() Timestamp {
	c.mu.Lock()
	defer c.mu.Unlock()

	wall := c.nowFn()
	if wall > c.last.Millis {
		c.last = Timestamp{Millis: wall, Counter: 0, NodeID: c.nodeID}
	} else {
		c.last = Timestamp{Millis: c.last.Millis, Counter: c.last.Counter + 1, NodeID: c.nodeID}
	}
	return c.last
}

// Update folds a remote timestamp into the clock and returns the resulting
// local timestamp. The result is greater than both the previous local
// timestamp and the remote one.
func (c *Clock) Update(remote Timestamp) Timestamp {
	c.mu.Lock()
	defer c.mu.Unlock()

	wall := c.nowFn()
	millis := wall
	if c.last.Millis > millis {
		millis = c.last.Millis
	}
	if remote.Millis > millis {
		millis = remote.Millis
	}

	var counter uint32
	switch {
	case millis == c.last.Millis && millis == remote.Millis:
		counter = maxUint32(c.last.Counter, remote.Counter) + 1
	case millis == c.last.Millis:
		counter = c.last.Counter + 1
	case millis == remote.Millis:
		counter = remote.Counter + 1
	default:
		counter = 0
	}

	c.last = Timestamp{Millis: millis, Counter: counter, NodeID: c.nodeID}
	return c.last
}

// Last returns the most recently issued timestamp without ticking.
func (c *Clock) Last() Timestamp {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.last
}

// Min returns the smaller of a and b.
func Min(a, b Timestamp) Timestamp {
	if a.Before(b) {
		return a
	}
	return b
}

func maxUint32(a, b uint32) uint32 {
	if a > b {
		return a
	}
	return b
}
