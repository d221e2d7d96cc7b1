package server

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"hash/fnv"
	"sort"

	"github.com/topgundb/topgun/pkg/crdt"
	"github.com/topgundb/topgun/pkg/protocol"
)

// syncBucketCount fixes the merkle fan-out for client anti-entropy. A
// divergent root narrows to divergent buckets, then to leaf records, so a
// mostly-synced client transfers a small fraction of the map.
const syncBucketCount = 64

func syncBucketOf(key string) int {
	h := fnv.New32a()
	h.Write([]byte(key))
	return int(h.Sum32() % syncBucketCount)
}

// handleSync dispatches the client-driven anti-entropy verbs.
func (c *Coordinator) handleSync(sess *Session, frame *protocol.Frame) {
	if !c.policy.Allow(sess.Principal(), ActionRead, frame.MapName) {
		c.sendError(sess, protocol.ErrCodeForbidden, "Not permitted")
		return
	}

	wantOR := frame.Type == protocol.MsgORMapSyncInit ||
		frame.Type == protocol.MsgORMapMerkleBucket ||
		frame.Type == protocol.MsgORMapDiffRequest ||
		frame.Type == protocol.MsgORMapPushDiff

	m, ok := c.maps.Get(frame.MapName)
	if ok {
		if err := m.Ready(); err != nil {
			c.sendError(sess, protocol.ErrCodeBadRequest, "Map unavailable")
			return
		}
		if (m.Type == crdt.MapTypeOR) != wantOR {
			// Type mismatch: the client must discard its replica and resync
			// with the right container type.
			_ = sess.Writer.Write(&protocol.Frame{
				Type:    protocol.MsgSyncResetRequired,
				MapName: frame.MapName,
			}, false)
			return
		}
	}

	switch frame.Type {
	case protocol.MsgSyncInit, protocol.MsgORMapSyncInit:
		root := ""
		if m != nil {
			root = m.MerkleRoot()
		}
		_ = sess.Writer.Write(&protocol.Frame{
			Type:    protocol.MsgSyncRespRoot,
			MapName: frame.MapName,
			Root:    root,
		}, false)

	case protocol.MsgMerkleReqBucket, protocol.MsgORMapMerkleBucket:
		if frame.Bucket < 0 || m == nil {
			c.sendBucketHashes(sess, frame.MapName, m)
			return
		}
		c.sendBucketLeaf(sess, frame.MapName, m, frame.Bucket)

	case protocol.MsgORMapDiffRequest:
		c.sendORDiff(sess, frame.MapName, m, frame.Keys)

	case protocol.MsgORMapPushDiff:
		c.applyORPush(sess, frame)
	}
}

// sendBucketHashes answers with per-bucket digests so the client can find
// which buckets diverge.
func (c *Coordinator) sendBucketHashes(sess *Session, mapName string, m *ManagedMap) {
	hashes := make([]string, syncBucketCount)
	if m != nil {
		buckets := make([][]string, syncBucketCount)
		if m.Type == crdt.MapTypeLWW {
			m.LWW.Each(func(key string, rec crdt.Record) bool {
				b := syncBucketOf(key)
				buckets[b] = append(buckets[b], key+"\x00"+rec.Timestamp.String())
				return true
			})
		} else {
			m.OR.Each(func(key string, entries []crdt.TaggedEntry) bool {
				b := syncBucketOf(key)
				for _, e := range entries {
					buckets[b] = append(buckets[b], key+"\x00"+e.Tag+"\x00"+e.Timestamp.String())
				}
				return true
			})
		}
		for i, leaves := range buckets {
			if len(leaves) == 0 {
				continue
			}
			sort.Strings(leaves)
			h := sha256.New()
			for _, leaf := range leaves {
				h.Write([]byte(leaf))
				h.Write([]byte{0})
			}
			hashes[i] = hex.EncodeToString(h.Sum(nil))
		}
	}
	data, err := json.Marshal(hashes)
	if err != nil {
		return
	}
	_ = sess.Writer.Write(&protocol.Frame{
		Type:    protocol.MsgSyncRespBuckets,
		MapName: mapName,
		Entries: data,
	}, false)
}

// sendBucketLeaf ships the raw records of one bucket.
func (c *Coordinator) sendBucketLeaf(sess *Session, mapName string, m *ManagedMap, bucket int) {
	var data []byte
	var err error
	if m.Type == crdt.MapTypeLWW {
		records := make(map[string]crdt.Record)
		m.LWW.Each(func(key string, rec crdt.Record) bool {
			if syncBucketOf(key) == bucket {
				records[key] = rec
			}
			return true
		})
		data, err = json.Marshal(records)
	} else {
		entries := make(map[string][]crdt.TaggedEntry)
		m.OR.Each(func(key string, es []crdt.TaggedEntry) bool {
			if syncBucketOf(key) == bucket {
				entries[key] = es
			}
			return true
		})
		data, err = json.Marshal(entries)
	}
	if err != nil {
		return
	}
	_ = sess.Writer.Write(&protocol.Frame{
		Type:    protocol.MsgSyncRespLeaf,
		MapName: mapName,
		Bucket:  bucket,
		Entries: data,
	}, false)
}

// sendORDiff returns the entries and tombstones for the requested keys, or
// the whole map when no keys are named.
func (c *Coordinator) sendORDiff(sess *Session, mapName string, m *ManagedMap, keys []string) {
	repair := orRepair{Entries: make(map[string][]crdt.TaggedEntry)}
	if m != nil {
		repair.Tombstones = m.OR.Tombstones()
		if len(keys) == 0 {
			m.OR.Each(func(key string, entries []crdt.TaggedEntry) bool {
				repair.Entries[key] = entries
				return true
			})
		} else {
			for _, key := range keys {
				if entries := m.OR.Get(key); len(entries) > 0 {
					repair.Entries[key] = entries
				}
			}
		}
	}
	data, err := json.Marshal(repair)
	if err != nil {
		return
	}
	_ = sess.Writer.Write(&protocol.Frame{
		Type:    protocol.MsgSyncRespLeaf,
		MapName: mapName,
		Entries: data,
	}, false)
}

// applyORPush merges a client's pushed OR-map diff through the pipeline, so
// pushed entries replicate and broadcast like any other write.
func (c *Coordinator) applyORPush(sess *Session, frame *protocol.Frame) {
	if !c.policy.Allow(sess.Principal(), ActionPut, frame.MapName) {
		c.sendError(sess, protocol.ErrCodeForbidden, "Not permitted")
		return
	}
	var repair orRepair
	if err := json.Unmarshal(frame.Entries, &repair); err != nil {
		c.sendError(sess, protocol.ErrCodeBadRequest, "Malformed diff payload")
		return
	}
	for tag, ts := range repair.Tombstones {
		op := &protocol.Op{
			MapName: frame.MapName,
			MapType: crdt.MapTypeOR,
			Type:    protocol.OpORRemove,
			Tag:     tag,
			Record:  &crdt.Record{Timestamp: ts},
		}
		if _, err := c.processLocal(op, false, sess.ID, false); err != nil {
			c.logger.Debug().Err(err).Str("map", frame.MapName).Msg("pushed tombstone rejected")
		}
	}
	for key, entries := range repair.Entries {
		for _, e := range entries {
			entry := e
			op := &protocol.Op{
				MapName: frame.MapName,
				MapType: crdt.MapTypeOR,
				Type:    protocol.OpORAdd,
				Key:     key,
				Entry:   &entry,
			}
			if _, err := c.processLocal(op, false, sess.ID, false); err != nil {
				c.logger.Debug().Err(err).Str("map", frame.MapName).Str("key", key).Msg("pushed entry rejected")
			}
		}
	}
}
