package storage

// TombstonesKey is the reserved per-map key holding the OR tombstone set.
const TombstonesKey = "__tombstones__"

// Store is the persistence driver consumed by the storage manager. Records
// are opaque blobs; the CRDT layer owns their encoding.
type Store interface {
	// PutRecord durably stores one record blob under map/key.
	PutRecord(mapName, key string, data []byte) error
	// GetRecord returns the blob for map/key, or nil if absent.
	GetRecord(mapName, key string) ([]byte, error)
	// DeleteRecord removes map/key.
	DeleteRecord(mapName, key string) error
	// LoadMap iterates every stored key of a map, tombstone set included.
	LoadMap(mapName string, fn func(key string, data []byte) error) error
	// PutTombstones stores the OR tombstone set blob for a map.
	PutTombstones(mapName string, data []byte) error
	// GetTombstones returns the OR tombstone set blob, or nil if absent.
	GetTombstones(mapName string) ([]byte, error)
	// ListMaps returns the names of all persisted maps.
	ListMaps() ([]string, error)
	// Close releases the underlying database.
	Close() error
}
