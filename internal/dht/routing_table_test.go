package dht

import (
	"fmt"
	"testing"
	"time"
)

func TestBucketPlacementInvariant(t *testing.T) {
	local := NodeIDFromPeer("cdo:key:local")
	rt := NewRoutingTable(local)

	for i := 0; i < 100; i++ {
		peer := NewPeer(fmt.Sprintf("cdo:key:peer%d", i), []string{"addr"})
		rt.Add(peer)
	}

	// Every stored peer must sit in the bucket named by its distance.
	for _, peer := range rt.All() {
		want := BucketIndex(local.Distance(peer.ID))
		got := rt.bucketFor(peer.ID)
		if got != rt.buckets[want] {
			t.Errorf("peer %s in wrong bucket", peer.PeerID)
		}
	}
}

func TestRoutingTableNeverStoresSelf(t *testing.T) {
	localPeer := "cdo:key:self"
	rt := NewRoutingTable(NodeIDFromPeer(localPeer))

	if added, _ := rt.Add(NewPeer(localPeer, []string{"addr"})); added {
		t.Error("routing table accepted the local node")
	}
	if rt.Size() != 0 {
		t.Errorf("table size %d after self-add", rt.Size())
	}
}

func TestClosestSortedAndExcludesSelf(t *testing.T) {
	local := NodeIDFromPeer("cdo:key:local")
	rt := NewRoutingTable(local)

	for i := 0; i < 50; i++ {
		rt.Add(NewPeer(fmt.Sprintf("cdo:key:p%d", i), []string{"addr"}))
	}

	key := NodeIDFromPeer("cdo:key:target")
	closest := rt.Closest(key, 10)

	if len(closest) != 10 {
		t.Fatalf("got %d peers, want 10", len(closest))
	}
	for i := 1; i < len(closest); i++ {
		prev := closest[i-1].ID.Distance(key)
		curr := closest[i].ID.Distance(key)
		if curr.Less(prev) {
			t.Errorf("closest not sorted at %d", i)
		}
	}
	for _, peer := range closest {
		if peer.ID == local {
			t.Error("closest returned the local node")
		}
	}
}

func TestBucketLRUOrdering(t *testing.T) {
	b := newKBucket()

	first := NewPeer("cdo:key:a", nil)
	second := NewPeer("cdo:key:b", nil)
	b.add(first)
	b.add(second)

	// Re-adding an existing peer moves it to the most-recently-seen tail.
	b.add(first.Copy())

	peers := b.all()
	if peers[0].ID != second.ID || peers[1].ID != first.ID {
		t.Error("re-added peer did not move to tail")
	}
}

func TestBucketFullBehavior(t *testing.T) {
	b := newKBucket()

	var oldest *Peer
	for i := 0; i < b.maxSize; i++ {
		p := NewPeer(fmt.Sprintf("cdo:key:fill%d", i), nil)
		if i == 0 {
			oldest = p
		}
		if added, _ := b.add(p); !added {
			t.Fatalf("bucket rejected peer %d before filling", i)
		}
	}

	extra := NewPeer("cdo:key:extra", nil)
	added, evictCandidate := b.add(extra)
	if added {
		t.Error("full bucket accepted a new peer directly")
	}
	if evictCandidate == nil || evictCandidate.ID != oldest.ID {
		t.Error("eviction candidate is not the least-recently-seen peer")
	}

	// Confirming the candidate dead promotes the newcomer.
	if !b.replace(oldest.ID) {
		t.Fatal("replace failed")
	}
	if b.get(extra.ID) == nil {
		t.Error("replacement was not promoted")
	}
	if b.get(oldest.ID) != nil {
		t.Error("dead peer still present")
	}
}

func TestBucketRemoveStale(t *testing.T) {
	b := newKBucket()

	stale := NewPeer("cdo:key:stale", nil)
	stale.LastSeen = time.Now().Add(-time.Hour)
	fresh := NewPeer("cdo:key:fresh", nil)

	b.add(stale)
	b.add(fresh)

	if removed := b.removeStale(time.Minute); removed != 1 {
		t.Errorf("removed %d stale peers, want 1", removed)
	}
	if b.get(fresh.ID) == nil {
		t.Error("fresh peer removed")
	}
}

func TestBucketIndex(t *testing.T) {
	var a, b NodeID
	b[0] = 0x80 // differs in MSB
	if idx := BucketIndex(a.Distance(b)); idx != 255 {
		t.Errorf("MSB difference: bucket %d, want 255", idx)
	}

	var c NodeID
	c[31] = 0x01 // differs only in LSB
	if idx := BucketIndex(a.Distance(c)); idx != 0 {
		t.Errorf("LSB difference: bucket %d, want 0", idx)
	}
}

func TestRandomKeyInBucket(t *testing.T) {
	local := NodeIDFromPeer("cdo:key:local")

	for _, bucket := range []int{0, 7, 100, 255} {
		key := RandomKeyInBucket(local, bucket)
		if got := BucketIndex(local.Distance(key)); got != bucket {
			t.Errorf("bucket %d: generated key lands in bucket %d", bucket, got)
		}
	}
}

func TestDistanceMetric(t *testing.T) {
	x := NodeIDFromPeer("cdo:key:x")
	y := NodeIDFromPeer("cdo:key:y")

	if !x.Distance(x).IsZero() {
		t.Error("d(x,x) != 0")
	}
	if x.Distance(y) != y.Distance(x) {
		t.Error("distance not symmetric")
	}
}
