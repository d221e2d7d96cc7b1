package crdt

import (
	"crypto/sha256"
	"encoding/hex"
	"sort"
)

// MerkleRoot hashes the map content for anti-entropy comparison: each
// key/record pair is hashed into a leaf, leaves are sorted by key, and the
// root is the hash of the concatenated leaves. Two replicas with identical
// content produce identical roots.
func (m *LWWMap) MerkleRoot() string {
	m.mu.RLock()
	defer m.mu.RUnlock()

	leaves := make([]string, 0, len(m.records))
	for k, rec := range m.records {
		h := sha256.New()
		h.Write([]byte(k))
		h.Write(rec.Value)
		h.Write([]byte(rec.Timestamp.String()))
		leaves = append(leaves, hex.EncodeToString(h.Sum(nil)))
	}
	return foldLeaves(leaves)
}

// MerkleRoot hashes every surviving tagged entry plus the tombstone set.
func (m *ORMap) MerkleRoot() string {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var leaves []string
	for k, tags := range m.entries {
		for tag, e := range tags {
			h := sha256.New()
			h.Write([]byte(k))
			h.Write([]byte(tag))
			h.Write(e.Value)
			h.Write([]byte(e.Timestamp.String()))
			leaves = append(leaves, hex.EncodeToString(h.Sum(nil)))
		}
	}
	for tag, ts := range m.tombstones {
		h := sha256.New()
		h.Write([]byte("tombstone:"))
		h.Write([]byte(tag))
		h.Write([]byte(ts.String()))
		leaves = append(leaves, hex.EncodeToString(h.Sum(nil)))
	}
	return foldLeaves(leaves)
}

func foldLeaves(leaves []string) string {
	sort.Strings(leaves)
	root := sha256.New()
	for _, leaf := range leaves {
		root.Write([]byte(leaf))
	}
	return hex.EncodeToString(root.Sum(nil))
}
