package dht

import (
	"sort"
	"time"
)

// RoutingTable is the set of known peers arranged in 256 k-buckets by XOR
// distance from the local node. A peer lives in exactly the bucket named by
// BucketIndex(distance(local, peer)).
type RoutingTable struct {
	localID NodeID
	buckets [256]*kbucket
}

// NewRoutingTable creates a routing table for the given local ID.
func NewRoutingTable(localID NodeID) *RoutingTable {
	rt := &RoutingTable{localID: localID}
	for i := range rt.buckets {
		rt.buckets[i] = newKBucket()
	}
	return rt
}

// LocalID returns the table's own keyspace position.
func (rt *RoutingTable) LocalID() NodeID {
	return rt.localID
}

// Add inserts or refreshes a peer. The local node is never stored. When the
// target bucket is full, the peer is cached as a replacement and the
// least-recently-seen bucket entry is returned; the caller should ping it
// and call Replace if it fails to answer.
func (rt *RoutingTable) Add(peer *Peer) (added bool, evictCandidate *Peer) {
	if peer.ID == rt.localID {
		return false, nil
	}
	return rt.bucketFor(peer.ID).add(peer)
}

// Replace evicts a confirmed-dead peer, promoting a cached replacement.
func (rt *RoutingTable) Replace(dead NodeID) bool {
	if dead == rt.localID {
		return false
	}
	return rt.bucketFor(dead).replace(dead)
}

// Remove drops a peer from the table.
func (rt *RoutingTable) Remove(id NodeID) bool {
	if id == rt.localID {
		return false
	}
	return rt.bucketFor(id).remove(id)
}

// Get returns a copy of the peer with the given ID, if present.
func (rt *RoutingTable) Get(id NodeID) *Peer {
	if id == rt.localID {
		return nil
	}
	return rt.bucketFor(id).get(id)
}

// Closest returns up to n peers sorted ascending by XOR distance to key,
// walking buckets outward from the key's own bucket. The local node is never
// included.
func (rt *RoutingTable) Closest(key NodeID, n int) []*Peer {
	if n <= 0 {
		return nil
	}

	start := 0
	if d := rt.localID.Distance(key); !d.IsZero() {
		start = BucketIndex(d)
	}

	var candidates []*Peer
	candidates = append(candidates, rt.buckets[start].all()...)

	for offset := 1; offset < 256 && len(candidates) < n; offset++ {
		if start+offset < 256 {
			candidates = append(candidates, rt.buckets[start+offset].all()...)
		}
		if start-offset >= 0 {
			candidates = append(candidates, rt.buckets[start-offset].all()...)
		}
	}

	// The outward walk can terminate before visiting buckets that hold
	// closer peers; a final sort puts everything in true distance order.
	if len(candidates) < n {
		seen := make(map[NodeID]bool, len(candidates))
		for _, p := range candidates {
			seen[p.ID] = true
		}
		for _, b := range rt.buckets {
			for _, p := range b.all() {
				if !seen[p.ID] {
					candidates = append(candidates, p)
				}
			}
		}
	}

	sort.Slice(candidates, func(i, j int) bool {
		return candidates[i].ID.Distance(key).Less(candidates[j].ID.Distance(key))
	})

	if n > len(candidates) {
		n = len(candidates)
	}
	return candidates[:n]
}

// All returns every peer in the table.
func (rt *RoutingTable) All() []*Peer {
	var peers []*Peer
	for _, b := range rt.buckets {
		peers = append(peers, b.all()...)
	}
	return peers
}

// Size returns the number of peers held.
func (rt *RoutingTable) Size() int {
	total := 0
	for _, b := range rt.buckets {
		total += b.size()
	}
	return total
}

// NonEmptyBuckets lists the indices of buckets holding at least one peer.
func (rt *RoutingTable) NonEmptyBuckets() []int {
	var indices []int
	for i, b := range rt.buckets {
		if b.size() > 0 {
			indices = append(indices, i)
		}
	}
	return indices
}

// RemoveStale drops peers unseen within timeout across all buckets.
func (rt *RoutingTable) RemoveStale(timeout time.Duration) int {
	total := 0
	for _, b := range rt.buckets {
		total += b.removeStale(timeout)
	}
	return total
}

// Snapshot returns the dialable peers for persistence.
func (rt *RoutingTable) Snapshot() []*Peer {
	return rt.All()
}

func (rt *RoutingTable) bucketFor(id NodeID) *kbucket {
	d := rt.localID.Distance(id)
	if d.IsZero() {
		return rt.buckets[0]
	}
	return rt.buckets[BucketIndex(d)]
}
