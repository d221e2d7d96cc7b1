package server

import (
	"context"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/topgundb/topgun/pkg/auth"
	"github.com/topgundb/topgun/pkg/cluster"
	"github.com/topgundb/topgun/pkg/hlc"
	"github.com/topgundb/topgun/pkg/log"
	"github.com/topgundb/topgun/pkg/partition"
	"github.com/topgundb/topgun/pkg/protocol"
	"github.com/topgundb/topgun/pkg/storage"
	"github.com/topgundb/topgun/pkg/transport"
)

// antiEntropyInterval paces the background merkle root exchange with peers.
const antiEntropyInterval = 5 * time.Minute

// Coordinator is the per-node server: it owns the session table, the CRDT
// maps, the write pipeline, and the cluster links, and wires every verb of
// the wire protocol to them.
type Coordinator struct {
	cfg    Config
	logger zerolog.Logger
	clock  *hlc.Clock

	conns       *ConnectionManager
	maps        *StorageManager
	parts       *partition.Service
	peers       *cluster.Transport
	verifier    *auth.Verifier
	policy      *accessPolicy
	tracker     *WriteConcernTracker
	limiter     *RateLimiter
	registry    *QueryRegistry
	broadcaster *Broadcaster
	topics      *TopicManager
	locks       *LockManager
	counters    *CounterManager
	resolvers   *ResolverManager
	processors  *ProcessorRegistry
	journal     *Journal
	search      *SearchIndex
	regulator   *admissionRegulator

	interceptors []Interceptor

	cqMu           sync.Mutex
	clusterQueries map[string]*clusterQuery
	gc             gcState

	upgrader   websocket.Upgrader
	httpServer *http.Server

	stopOnce sync.Once
	stopCh   chan struct{}
	wg       sync.WaitGroup
}

// New wires a coordinator from its configuration. Interceptors run in
// registration order on every op.
func New(cfg Config, interceptors ...Interceptor) (*Coordinator, error) {
	cfg.applyDefaults()

	store, err := storage.NewBoltStore(cfg.DataDir)
	if err != nil {
		return nil, err
	}
	verifier, err := auth.NewVerifier(cfg.AuthSecret)
	if err != nil {
		store.Close()
		return nil, err
	}

	members := []string{cfg.NodeID}
	for _, p := range cfg.Peers {
		if p.ID != cfg.NodeID {
			members = append(members, p.ID)
		}
	}

	conns := NewConnectionManager()
	policy := newAccessPolicy(cfg)
	registry := NewQueryRegistry(conns, policy)

	c := &Coordinator{
		cfg:    cfg,
		logger: log.WithComponent("server").With().Str("node_id", cfg.NodeID).Logger(),
		clock:  hlc.NewClock(cfg.NodeID),

		conns:       conns,
		maps:        NewStorageManager(store),
		parts:       partition.NewService(partition.Config{LocalID: cfg.NodeID, PartitionCount: cfg.PartitionCount, BackupCount: cfg.BackupCount, Members: members}),
		peers:       cluster.NewTransport(cfg.NodeID, cfg.Peers),
		verifier:    verifier,
		policy:      policy,
		tracker:     NewWriteConcernTracker(),
		limiter:     NewRateLimiter(cfg.MaxConnectionsPerSecond, cfg.MaxPendingConnections),
		registry:    registry,
		broadcaster: NewBroadcaster(conns, registry, policy),
		topics:      NewTopicManager(conns),
		locks:       NewLockManager(cfg.DefaultLockTTL),
		counters:    NewCounterManager(cfg.NodeID),
		resolvers:   NewResolverManager(),
		processors:  NewProcessorRegistry(),
		journal:     NewJournal(conns, cfg.JournalCapacity),
		regulator:   newAdmissionRegulator(cfg.MaxPendingOps),

		interceptors:   interceptors,
		clusterQueries: make(map[string]*clusterQuery),
		gc:             gcState{reports: make(map[string]hlc.Timestamp)},

		upgrader: websocket.Upgrader{
			ReadBufferSize:  64 * 1024,
			WriteBufferSize: 64 * 1024,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
		stopCh: make(chan struct{}),
	}
	if cfg.EnableSearch {
		c.search = NewSearchIndex(conns)
	}
	c.peers.OnMessage(c.handleClusterMessage)
	return c, nil
}

// Start brings up the cluster links, the background loops, and the HTTP
// listener carrying the websocket endpoints and the sync facade. It returns
// once the listener is bound.
func (c *Coordinator) Start(addr string) error {
	c.peers.Start()

	c.wg.Add(3)
	go c.heartbeatLoop()
	go c.gcLoop()
	go c.antiEntropyLoop()

	mux := c.buildMux()
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}
	c.httpServer = &http.Server{Handler: mux}
	go func() {
		if err := c.httpServer.Serve(ln); err != nil && err != http.ErrServerClosed {
			c.logger.Error().Err(err).Msg("http server failed")
		}
	}()
	c.logger.Info().Str("addr", ln.Addr().String()).Int("cluster_size", c.peers.Size()).Msg("coordinator started")
	return nil
}

// Stop shuts the coordinator down: no new connections, sessions closed,
// loops drained, storage closed.
func (c *Coordinator) Stop(ctx context.Context) error {
	var err error
	c.stopOnce.Do(func() {
		close(c.stopCh)
		if c.httpServer != nil {
			err = c.httpServer.Shutdown(ctx)
		}
		c.conns.Each(func(sess *Session) {
			c.closeSession(sess, websocket.CloseGoingAway, "Server shutting down")
		})
		c.peers.Stop()
		c.wg.Wait()
		if cerr := c.maps.Store().Close(); cerr != nil && err == nil {
			err = cerr
		}
		c.logger.Info().Msg("coordinator stopped")
	})
	return err
}

// handleClientWS accepts one client websocket and runs its read loop.
func (c *Coordinator) handleClientWS(w http.ResponseWriter, r *http.Request) {
	admitted := c.limiter.Accept()
	ws, err := c.upgrader.Upgrade(w, r, nil)
	if err != nil {
		c.logger.Debug().Err(err).Msg("websocket upgrade failed")
		return
	}
	conn := transport.NewWSConn(ws)
	if !admitted {
		c.limiter.OnRejected()
		_ = conn.Close(protocol.CloseTryAgainLater, "Try again later")
		return
	}
	c.limiter.OnAttempt()

	sess := c.conns.Register(conn, c.cfg.writerConfig())
	c.logger.Debug().Str("session", sess.ID).Str("remote", conn.RemoteAddr()).Msg("session opened")

	_ = sess.Writer.Write(&protocol.Frame{Type: protocol.MsgAuthRequired}, true)

	for {
		data, err := conn.ReadMessage()
		if err != nil {
			break
		}
		c.handleMessage(sess, data)
	}
	if !sess.Authenticated() {
		c.limiter.OnFailed()
	}
	c.closeSession(sess, websocket.CloseNormalClosure, "")
}

// handleClusterWS accepts one inbound peer link and dispatches its frames.
// Replies travel over this node's own outbound link to the peer.
func (c *Coordinator) handleClusterWS(w http.ResponseWriter, r *http.Request) {
	nodeID := r.URL.Query().Get("node")
	if nodeID == "" {
		http.Error(w, "missing node id", http.StatusBadRequest)
		return
	}
	ws, err := c.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	defer ws.Close()
	c.logger.Info().Str("peer", nodeID).Msg("inbound peer link established")

	for {
		_, data, err := ws.ReadMessage()
		if err != nil {
			c.logger.Warn().Str("peer", nodeID).Msg("inbound peer link lost")
			return
		}
		frame, err := protocol.Decode(data)
		if err != nil || frame.Validate() != nil {
			c.logger.Warn().Str("peer", nodeID).Msg("malformed peer frame dropped")
			continue
		}
		c.peers.Dispatch(nodeID, frame)
	}
}

// closeSession tears a session down exactly once: interceptors, writer
// flush, transport close, subscription and lock cleanup, cluster fan-out,
// table removal.
func (c *Coordinator) closeSession(sess *Session, code int, reason string) {
	if !sess.markClosed() {
		return
	}
	for _, ic := range c.interceptors {
		ic.OnDisconnect(sess.ID)
	}

	sess.Writer.Close()
	_ = sess.Conn.Close(code, reason)

	c.registry.UnregisterSession(sess.ID)
	holder := c.cfg.NodeID + ":" + sess.ID
	c.locks.ReleaseHolder(holder)
	c.topics.UnsubscribeAll(sess.ID)
	c.counters.UnsubscribeAll(sess.ID)
	if c.journal != nil {
		c.journal.UnsubscribeAll(sess.ID)
	}
	if c.search != nil {
		c.search.UnsubscribeAll(sess.ID)
	}

	// Remote lock owners drop this session's holds and queued waits.
	if c.peers.Size() > 1 {
		c.peers.Broadcast(&protocol.Frame{
			Type:     protocol.MsgClusterDisconnected,
			SenderID: holder,
		})
	}

	c.conns.Remove(sess.ID)
	c.logger.Debug().Str("session", sess.ID).Int("code", code).Str("reason", reason).Msg("session closed")
}

// antiEntropyLoop periodically asks every peer for its merkle roots so
// divergent replicas repair without waiting for client sync traffic.
func (c *Coordinator) antiEntropyLoop() {
	defer c.wg.Done()
	ticker := time.NewTicker(antiEntropyInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			if c.peers.Size() <= 1 {
				continue
			}
			c.maps.Each(func(m *ManagedMap) {
				if m.Ready() != nil {
					return
				}
				c.peers.Broadcast(&protocol.Frame{
					Type:         protocol.MsgClusterMerkleRootReq,
					OriginNodeID: c.cfg.NodeID,
					MapName:      m.Name,
				})
			})
		case <-c.stopCh:
			return
		}
	}
}
