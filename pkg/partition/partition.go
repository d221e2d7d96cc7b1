package partition

import (
	"hash/fnv"
	"sort"
	"sync"

	"github.com/topgundb/topgun/pkg/query"
)

// DefaultPartitionCount is the number of partitions keys hash into.
const DefaultPartitionCount = 271

// Map is a versioned snapshot of the partition assignment. Replicas[p][0]
// is the owner of partition p; the rest are backups.
type Map struct {
	Version  uint64     `json:"version"`
	Members  []string   `json:"members"`
	Replicas [][]string `json:"replicas"`
}

// Service computes key placement for the local node.
type Service struct {
	localID        string
	partitionCount int
	backupCount    int

	mu      sync.RWMutex
	version uint64
	members []string
	current Map
}

// Config holds configuration for creating a Service.
type Config struct {
	LocalID        string
	PartitionCount int
	BackupCount    int
	Members        []string
}

// NewService builds the partition service and its initial assignment.
func NewService(cfg Config) *Service {
	if cfg.PartitionCount <= 0 {
		cfg.PartitionCount = DefaultPartitionCount
	}
	if cfg.BackupCount < 0 {
		cfg.BackupCount = 0
	}
	s := &Service{
		localID:        cfg.LocalID,
		partitionCount: cfg.PartitionCount,
		backupCount:    cfg.BackupCount,
	}
	members := cfg.Members
	if len(members) == 0 {
		members = []string{cfg.LocalID}
	}
	s.Rebuild(members)
	return s
}

// PartitionForKey hashes a key to its partition.
func (s *Service) PartitionForKey(key string) int {
	h := fnv.New32a()
	h.Write([]byte(key))
	return int(h.Sum32() % uint32(s.partitionCount))
}

// Rebuild recomputes the assignment for a new membership view and bumps the
// map version.
func (s *Service) Rebuild(members []string) Map {
	sorted := make([]string, len(members))
	copy(sorted, members)
	sort.Strings(sorted)

	s.mu.Lock()
	defer s.mu.Unlock()

	s.members = sorted
	s.version++

	replicas := make([][]string, s.partitionCount)
	for p := 0; p < s.partitionCount; p++ {
		n := s.backupCount + 1
		if n > len(sorted) {
			n = len(sorted)
		}
		nodes := make([]string, 0, n)
		for i := 0; i < n; i++ {
			nodes = append(nodes, sorted[(p+i)%len(sorted)])
		}
		replicas[p] = nodes
	}
	s.current = Map{Version: s.version, Members: sorted, Replicas: replicas}
	return s.current
}

// Snapshot returns the current partition map.
func (s *Service) Snapshot() Map {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.current
}

// Version returns the current map version.
func (s *Service) Version() uint64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.version
}

// OwnerOf returns the node owning the key's partition.
func (s *Service) OwnerOf(key string) string {
	p := s.PartitionForKey(key)
	s.mu.RLock()
	defer s.mu.RUnlock()
	if len(s.current.Replicas[p]) == 0 {
		return s.localID
	}
	return s.current.Replicas[p][0]
}

// BackupsOf returns the backup nodes for the key's partition.
func (s *Service) BackupsOf(key string) []string {
	p := s.PartitionForKey(key)
	s.mu.RLock()
	defer s.mu.RUnlock()
	nodes := s.current.Replicas[p]
	if len(nodes) <= 1 {
		return nil
	}
	out := make([]string, len(nodes)-1)
	copy(out, nodes[1:])
	return out
}

// IsLocalOwner reports whether the local node owns the key's partition.
func (s *Service) IsLocalOwner(key string) bool {
	return s.OwnerOf(key) == s.localID
}

// IsOwnerOrBackup reports whether nodeID is owner or backup for the key.
func (s *Service) IsOwnerOrBackup(nodeID, key string) bool {
	p := s.PartitionForKey(key)
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, n := range s.current.Replicas[p] {
		if n == nodeID {
			return true
		}
	}
	return false
}

// Members returns the current sorted member list.
func (s *Service) Members() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]string, len(s.members))
	copy(out, s.members)
	return out
}

// RelevantPartitions prunes the scatter set for a query. A single-key query
// touches exactly one partition; anything else touches all of them.
func (s *Service) RelevantPartitions(q *query.Query) []int {
	if q != nil && q.Key != "" {
		return []int{s.PartitionForKey(q.Key)}
	}
	all := make([]int, s.partitionCount)
	for i := range all {
		all[i] = i
	}
	return all
}

// NodesForPartitions returns the distinct remote owners of the given
// partitions, excluding the local node.
func (s *Service) NodesForPartitions(partitions []int) []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	seen := make(map[string]struct{})
	var nodes []string
	for _, p := range partitions {
		if len(s.current.Replicas[p]) == 0 {
			continue
		}
		owner := s.current.Replicas[p][0]
		if owner == s.localID {
			continue
		}
		if _, ok := seen[owner]; !ok {
			seen[owner] = struct{}{}
			nodes = append(nodes, owner)
		}
	}
	sort.Strings(nodes)
	return nodes
}
