package server

import (
	"strings"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/topgundb/topgun/pkg/auth"
	"github.com/topgundb/topgun/pkg/log"
	"github.com/topgundb/topgun/pkg/metrics"
	"github.com/topgundb/topgun/pkg/protocol"
)

// Broadcaster routes events to subscribed sessions. Sessions sharing a role
// signature share permissions, so field filtering and serialization happen
// once per signature bucket rather than once per session.
type Broadcaster struct {
	conns    *ConnectionManager
	registry *QueryRegistry
	policy   *accessPolicy

	// needsFilter memoizes "signature|map" -> whether field filtering
	// applies, so the hot path skips the policy walk.
	needsFilter *lru.Cache[string, bool]
}

// NewBroadcaster wires the router to its collaborators.
func NewBroadcaster(conns *ConnectionManager, registry *QueryRegistry, policy *accessPolicy) *Broadcaster {
	cache, _ := lru.New[string, bool](4096)
	return &Broadcaster{
		conns:       conns,
		registry:    registry,
		policy:      policy,
		needsFilter: cache,
	}
}

// Broadcast routes one frame. Non-event frames go raw to every open
// authenticated session.
func (b *Broadcaster) Broadcast(frame *protocol.Frame, excludeSessionID string) {
	b.broadcast(frame, excludeSessionID, false)
}

// BroadcastSync routes a frame and flushes each recipient's writer before
// returning.
func (b *Broadcaster) BroadcastSync(frame *protocol.Frame, excludeSessionID string) {
	b.broadcast(frame, excludeSessionID, true)
}

// BroadcastBatch delivers collected batch events as one SERVER_BATCH_EVENT.
func (b *Broadcaster) BroadcastBatch(events []protocol.Event, excludeSessionID string) {
	if len(events) == 0 {
		return
	}
	b.broadcast(&protocol.Frame{Type: protocol.MsgServerBatchEvent, Events: events}, excludeSessionID, false)
}

func (b *Broadcaster) broadcast(frame *protocol.Frame, excludeSessionID string, sync bool) {
	if frame.Type != protocol.MsgServerEvent && frame.Type != protocol.MsgServerBatchEvent {
		b.conns.Broadcast(frame, excludeSessionID)
		return
	}

	events := frame.Events
	if frame.Event != nil {
		events = []protocol.Event{*frame.Event}
	}
	mapNames := make(map[string]struct{})
	for _, ev := range events {
		mapNames[ev.MapName] = struct{}{}
	}

	// Subscription filter: only sessions with a live query on an affected
	// map receive events.
	subscribers := b.registry.SubscribersForMaps(mapNames)
	delete(subscribers, excludeSessionID)
	if len(subscribers) == 0 {
		metrics.EventsFilteredBySubscription.Inc()
		return
	}

	// Bucket surviving sessions by role signature.
	buckets := make(map[string][]*Session)
	reps := make(map[string]*auth.Principal)
	for id := range subscribers {
		sess, ok := b.conns.Get(id)
		if !ok || !sess.Authenticated() {
			continue
		}
		sig := sess.Principal().RoleSignature()
		buckets[sig] = append(buckets[sig], sess)
		if _, ok := reps[sig]; !ok {
			reps[sig] = sess.Principal()
		}
	}
	if len(buckets) == 0 {
		metrics.EventsFilteredBySubscription.Inc()
		return
	}

	metrics.EventsRouted.Add(float64(len(events)))

	for sig, sessions := range buckets {
		out := frame
		if b.bucketNeedsFilter(sig, mapNames) {
			out = b.filterFrame(frame, events, reps[sig])
		}
		data, err := out.Encode()
		if err != nil {
			logger := log.WithComponent("broadcast")
			logger.Error().Err(err).Msg("failed to serialize event frame")
			continue
		}
		metrics.SubscribersPerEvent.Observe(float64(len(sessions)))
		for _, sess := range sessions {
			_ = sess.Writer.WriteRaw(data, false)
			if sync {
				sess.Writer.Flush()
			}
		}
	}
}

// bucketNeedsFilter reports whether any affected map strips fields for this
// role signature.
func (b *Broadcaster) bucketNeedsFilter(sig string, mapNames map[string]struct{}) bool {
	isAdmin := false
	for _, role := range strings.Split(sig, ",") {
		if role == RoleAdmin {
			isAdmin = true
			break
		}
	}
	if isAdmin {
		return false
	}
	for name := range mapNames {
		key := sig + "|" + name
		if needs, ok := b.needsFilter.Get(key); ok {
			if needs {
				return true
			}
			continue
		}
		needs := len(b.policy.protectedFields[name]) > 0
		b.needsFilter.Add(key, needs)
		if needs {
			return true
		}
	}
	return false
}

// filterFrame deep-copies the events with disallowed fields stripped using
// one representative principal of the bucket.
func (b *Broadcaster) filterFrame(frame *protocol.Frame, events []protocol.Event, rep *auth.Principal) *protocol.Frame {
	filtered := make([]protocol.Event, len(events))
	for i, ev := range events {
		fe := ev
		if ev.Record != nil {
			rec := *ev.Record
			rec.Value = b.policy.FilterFields(rep, ev.MapName, rec.Value)
			fe.Record = &rec
		}
		if ev.ORRecord != nil {
			entry := *ev.ORRecord
			entry.Value = b.policy.FilterFields(rep, ev.MapName, entry.Value)
			fe.ORRecord = &entry
		}
		filtered[i] = fe
	}
	out := *frame
	if frame.Event != nil {
		out.Event = &filtered[0]
		out.Events = nil
	} else {
		out.Events = filtered
	}
	return &out
}
