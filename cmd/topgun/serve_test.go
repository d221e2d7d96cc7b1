package main

import (
	"testing"
)

// TestParsePeers tests the id=url peer list flag format.
func TestParsePeers(t *testing.T) {
	peers, err := parsePeers("n2=ws://host-2:8765/cluster, n3=ws://host-3:8765/cluster")
	if err != nil {
		t.Fatalf("parsePeers failed: %v", err)
	}
	if len(peers) != 2 {
		t.Fatalf("got %d peers, want 2", len(peers))
	}
	if peers[0].ID != "n2" || peers[0].URL != "ws://host-2:8765/cluster" {
		t.Errorf("peer 0 = %+v", peers[0])
	}
	if peers[1].ID != "n3" {
		t.Errorf("peer 1 = %+v", peers[1])
	}

	if peers, err := parsePeers(""); err != nil || peers != nil {
		t.Errorf("empty spec = %v, %v, want nil, nil", peers, err)
	}
	if _, err := parsePeers("n2:ws://host-2"); err == nil {
		t.Error("malformed spec must fail")
	}
}
