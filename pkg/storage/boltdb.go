package storage

import (
	"fmt"
	"path/filepath"

	bolt "go.etcd.io/bbolt"
)

// BoltStore implements Store using BoltDB, one bucket per map.
type BoltStore struct {
	db *bolt.DB
}

// NewBoltStore opens (or creates) the database under dataDir.
func NewBoltStore(dataDir string) (*BoltStore, error) {
	dbPath := filepath.Join(dataDir, "topgun.db")

	db, err := bolt.Open(dbPath, 0600, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	return &BoltStore{db: db}, nil
}

// Close closes the database
func (s *BoltStore) Close() error {
	return s.db.Close()
}

func (s *BoltStore) PutRecord(mapName, key string, data []byte) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b, err := tx.CreateBucketIfNotExists([]byte(mapName))
		if err != nil {
			return fmt.Errorf("failed to create bucket %s: %w", mapName, err)
		}
		return b.Put([]byte(key), data)
	})
}

func (s *BoltStore) GetRecord(mapName, key string) ([]byte, error) {
	var out []byte
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket([]byte(mapName))
		if b == nil {
			return nil
		}
		if data := b.Get([]byte(key)); data != nil {
			out = append([]byte(nil), data...)
		}
		return nil
	})
	return out, err
}

func (s *BoltStore) DeleteRecord(mapName, key string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket([]byte(mapName))
		if b == nil {
			return nil
		}
		return b.Delete([]byte(key))
	})
}

// LoadMap iterates every stored key of the map in bucket order.
func (s *BoltStore) LoadMap(mapName string, fn func(key string, data []byte) error) error {
	return s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket([]byte(mapName))
		if b == nil {
			return nil
		}
		return b.ForEach(func(k, v []byte) error {
			return fn(string(k), append([]byte(nil), v...))
		})
	})
}

func (s *BoltStore) PutTombstones(mapName string, data []byte) error {
	return s.PutRecord(mapName, TombstonesKey, data)
}

func (s *BoltStore) GetTombstones(mapName string) ([]byte, error) {
	return s.GetRecord(mapName, TombstonesKey)
}

func (s *BoltStore) ListMaps() ([]string, error) {
	var names []string
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.ForEach(func(name []byte, _ *bolt.Bucket) error {
			names = append(names, string(name))
			return nil
		})
	})
	return names, err
}
