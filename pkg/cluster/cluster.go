package cluster

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/topgundb/topgun/pkg/log"
	"github.com/topgundb/topgun/pkg/protocol"
)

// Peer is one statically configured cluster member.
type Peer struct {
	ID  string `yaml:"id" json:"id"`
	URL string `yaml:"url" json:"url"`
}

// Handler receives inbound peer frames.
type Handler func(fromNodeID string, frame *protocol.Frame)

// Transport owns the peer links. Send and Broadcast never block on a dead
// peer: frames to an unconnected link are dropped and logged, matching the
// policy that one bad peer cannot fail the node.
type Transport struct {
	localID string
	logger  zerolog.Logger

	mu      sync.RWMutex
	links   map[string]*link
	handler Handler
	stopped bool
}

// NewTransport creates the transport for the given static peer set.
func NewTransport(localID string, peers []Peer) *Transport {
	t := &Transport{
		localID: localID,
		logger:  log.WithComponent("cluster"),
		links:   make(map[string]*link),
	}
	for _, p := range peers {
		if p.ID == localID {
			continue
		}
		t.links[p.ID] = newLink(p, t.logger)
	}
	return t
}

// Start begins dialing outbound links.
func (t *Transport) Start() {
	t.mu.RLock()
	defer t.mu.RUnlock()
	for _, l := range t.links {
		go l.run()
	}
}

// Stop tears down all links.
func (t *Transport) Stop() {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.stopped {
		return
	}
	t.stopped = true
	for _, l := range t.links {
		l.stop()
	}
}

// OnMessage registers the inbound frame handler.
func (t *Transport) OnMessage(h Handler) {
	t.mu.Lock()
	t.handler = h
	t.mu.Unlock()
}

// Dispatch routes one inbound peer frame to the handler. Called by the
// server's cluster accept path.
func (t *Transport) Dispatch(fromNodeID string, frame *protocol.Frame) {
	t.mu.RLock()
	h := t.handler
	t.mu.RUnlock()
	if h != nil {
		h(fromNodeID, frame)
	}
}

// LocalID returns the local member id.
func (t *Transport) LocalID() string {
	return t.localID
}

// Members returns the sorted member list, local node included.
func (t *Transport) Members() []string {
	t.mu.RLock()
	defer t.mu.RUnlock()
	members := make([]string, 0, len(t.links)+1)
	members = append(members, t.localID)
	for id := range t.links {
		members = append(members, id)
	}
	sort.Strings(members)
	return members
}

// Size returns the cluster size including the local node.
func (t *Transport) Size() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.links) + 1
}

// Send delivers a frame to one peer. Frames to unknown or disconnected
// peers are dropped with a log line.
func (t *Transport) Send(nodeID string, frame *protocol.Frame) error {
	t.mu.RLock()
	l, ok := t.links[nodeID]
	t.mu.RUnlock()
	if !ok {
		return fmt.Errorf("unknown peer: %s", nodeID)
	}
	data, err := frame.Encode()
	if err != nil {
		return err
	}
	l.send(data)
	return nil
}

// Broadcast delivers a frame to every peer.
func (t *Transport) Broadcast(frame *protocol.Frame) {
	data, err := frame.Encode()
	if err != nil {
		t.logger.Error().Err(err).Msg("failed to encode broadcast frame")
		return
	}
	t.mu.RLock()
	defer t.mu.RUnlock()
	for _, l := range t.links {
		l.send(data)
	}
}

// link is one outbound peer connection with backoff redial.
type link struct {
	peer   Peer
	logger zerolog.Logger

	mu     sync.Mutex
	conn   *websocket.Conn
	sendCh chan []byte
	stopCh chan struct{}
}

func newLink(peer Peer, logger zerolog.Logger) *link {
	return &link{
		peer:   peer,
		logger: logger.With().Str("peer", peer.ID).Logger(),
		sendCh: make(chan []byte, 256),
		stopCh: make(chan struct{}),
	}
}

func (l *link) run() {
	policy := backoff.NewExponentialBackOff()
	policy.MaxElapsedTime = 0 // retry forever
	policy.MaxInterval = 30 * time.Second

	for {
		select {
		case <-l.stopCh:
			return
		default:
		}

		conn, _, err := websocket.DefaultDialer.Dial(l.peer.URL, nil)
		if err != nil {
			wait := policy.NextBackOff()
			l.logger.Debug().Err(err).Dur("retry_in", wait).Msg("peer dial failed")
			select {
			case <-time.After(wait):
				continue
			case <-l.stopCh:
				return
			}
		}
		policy.Reset()
		l.logger.Info().Msg("peer link established")

		l.mu.Lock()
		l.conn = conn
		l.mu.Unlock()

		l.pump(conn)

		l.mu.Lock()
		l.conn = nil
		l.mu.Unlock()
		conn.Close()
		l.logger.Warn().Msg("peer link lost")
	}
}

// pump writes queued frames until the connection fails or the link stops.
// Reads are drained only to detect the peer closing.
func (l *link) pump(conn *websocket.Conn) {
	done := make(chan struct{})
	go func() {
		defer close(done)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	for {
		select {
		case data := <-l.sendCh:
			if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
				l.logger.Debug().Err(err).Msg("peer write failed")
				return
			}
		case <-done:
			return
		case <-l.stopCh:
			return
		}
	}
}

func (l *link) send(data []byte) {
	select {
	case l.sendCh <- data:
	default:
		l.logger.Warn().Msg("peer send queue full, frame dropped")
	}
}

func (l *link) stop() {
	close(l.stopCh)
	l.mu.Lock()
	if l.conn != nil {
		l.conn.Close()
	}
	l.mu.Unlock()
}
