package server

import (
	"encoding/json"
	"sync"

	"github.com/topgundb/topgun/pkg/protocol"
)

// TopicManager routes pub/sub messages. Routing is pure fan-out: a publish
// reaches local subscribers directly and peers via CLUSTER_TOPIC_PUB, which
// each peer delivers to its own local subscribers only — never re-forwarded,
// so no loops.
type TopicManager struct {
	conns *ConnectionManager

	mu     sync.RWMutex
	topics map[string]map[string]struct{} // topic -> session ids
}

// NewTopicManager creates an empty topic table.
func NewTopicManager(conns *ConnectionManager) *TopicManager {
	return &TopicManager{
		conns:  conns,
		topics: make(map[string]map[string]struct{}),
	}
}

// Subscribe adds a session to a topic.
func (tm *TopicManager) Subscribe(topic, sessionID string) {
	tm.mu.Lock()
	subs, ok := tm.topics[topic]
	if !ok {
		subs = make(map[string]struct{})
		tm.topics[topic] = subs
	}
	subs[sessionID] = struct{}{}
	tm.mu.Unlock()
}

// Unsubscribe removes a session from a topic.
func (tm *TopicManager) Unsubscribe(topic, sessionID string) {
	tm.mu.Lock()
	if subs, ok := tm.topics[topic]; ok {
		delete(subs, sessionID)
		if len(subs) == 0 {
			delete(tm.topics, topic)
		}
	}
	tm.mu.Unlock()
}

// UnsubscribeAll removes a closing session from every topic.
func (tm *TopicManager) UnsubscribeAll(sessionID string) {
	tm.mu.Lock()
	for topic, subs := range tm.topics {
		delete(subs, sessionID)
		if len(subs) == 0 {
			delete(tm.topics, topic)
		}
	}
	tm.mu.Unlock()
}

// DeliverLocal writes the message to every local subscriber except the
// sender.
func (tm *TopicManager) DeliverLocal(topic string, payload json.RawMessage, senderID string) {
	tm.mu.RLock()
	ids := make([]string, 0, len(tm.topics[topic]))
	for id := range tm.topics[topic] {
		ids = append(ids, id)
	}
	tm.mu.RUnlock()

	if len(ids) == 0 {
		return
	}
	frame := &protocol.Frame{
		Type:     protocol.MsgTopicPub,
		Topic:    topic,
		Payload:  payload,
		SenderID: senderID,
	}
	data, err := frame.Encode()
	if err != nil {
		return
	}
	for _, id := range ids {
		if id == senderID {
			continue
		}
		if sess, ok := tm.conns.Get(id); ok {
			_ = sess.Writer.WriteRaw(data, false)
		}
	}
}

// SubscriberCount returns the local subscriber count for a topic.
func (tm *TopicManager) SubscriberCount(topic string) int {
	tm.mu.RLock()
	defer tm.mu.RUnlock()
	return len(tm.topics[topic])
}
