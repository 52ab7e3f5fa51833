package dht

import (
	"sync"
	"time"

	"github.com/extrophi/codio/pkg/constants"
)

// kbucket holds up to K peers in one XOR-distance range, ordered
// least-recently-seen first. When full, new peers wait in a replacement
// cache until the caller confirms the least-recently-seen entry is dead.
type kbucket struct {
	mu    sync.RWMutex
	peers []*Peer

	maxSize int

	replacements    []*Peer
	maxReplacements int
}

func newKBucket() *kbucket {
	return &kbucket{
		peers:           make([]*Peer, 0, constants.DHTBucketSize),
		maxSize:         constants.DHTBucketSize,
		replacements:    make([]*Peer, 0, constants.DHTBucketSize),
		maxReplacements: constants.DHTBucketSize,
	}
}

// add inserts or refreshes a peer. A refreshed or inserted peer moves to the
// most-recently-seen tail. When the bucket is full the peer goes to the
// replacement cache and the least-recently-seen entry is returned so the
// caller can liveness-check it.
func (b *kbucket) add(peer *Peer) (added bool, evictCandidate *Peer) {
	b.mu.Lock()
	defer b.mu.Unlock()

	for i, existing := range b.peers {
		if existing.ID == peer.ID {
			peer.Touch()
			if len(peer.Addrs) == 0 {
				peer.Addrs = existing.Addrs
			}
			b.peers[i] = peer
			b.moveToTail(i)
			return true, nil
		}
	}

	if len(b.peers) < b.maxSize {
		b.peers = append(b.peers, peer)
		return true, nil
	}

	b.addReplacement(peer)
	return false, b.peers[0].Copy()
}

// replace swaps a confirmed-dead peer for the freshest replacement.
func (b *kbucket) replace(dead NodeID) bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	for i, existing := range b.peers {
		if existing.ID == dead {
			b.peers = append(b.peers[:i], b.peers[i+1:]...)
			b.promoteReplacement()
			return true
		}
	}
	return false
}

// remove drops a peer from the bucket or its replacement cache.
func (b *kbucket) remove(id NodeID) bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	for i, peer := range b.peers {
		if peer.ID == id {
			b.peers = append(b.peers[:i], b.peers[i+1:]...)
			b.promoteReplacement()
			return true
		}
	}
	for i, peer := range b.replacements {
		if peer.ID == id {
			b.replacements = append(b.replacements[:i], b.replacements[i+1:]...)
			return true
		}
	}
	return false
}

// get returns a copy of the peer with the given ID.
func (b *kbucket) get(id NodeID) *Peer {
	b.mu.RLock()
	defer b.mu.RUnlock()

	for _, peer := range b.peers {
		if peer.ID == id {
			return peer.Copy()
		}
	}
	return nil
}

// all returns copies of every peer in LRU order.
func (b *kbucket) all() []*Peer {
	b.mu.RLock()
	defer b.mu.RUnlock()

	result := make([]*Peer, len(b.peers))
	for i, peer := range b.peers {
		result[i] = peer.Copy()
	}
	return result
}

func (b *kbucket) size() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.peers)
}

// removeStale drops peers unseen within timeout, refilling from the
// replacement cache.
func (b *kbucket) removeStale(timeout time.Duration) int {
	b.mu.Lock()
	defer b.mu.Unlock()

	removed := 0
	i := 0
	for i < len(b.peers) {
		if b.peers[i].IsStale(timeout) {
			b.peers = append(b.peers[:i], b.peers[i+1:]...)
			removed++
		} else {
			i++
		}
	}

	for n := removed; n > 0 && len(b.replacements) > 0; n-- {
		b.promoteReplacement()
	}

	return removed
}

func (b *kbucket) moveToTail(i int) {
	if i == len(b.peers)-1 {
		return
	}
	peer := b.peers[i]
	copy(b.peers[i:], b.peers[i+1:])
	b.peers[len(b.peers)-1] = peer
}

func (b *kbucket) addReplacement(peer *Peer) {
	for i, existing := range b.replacements {
		if existing.ID == peer.ID {
			b.replacements[i] = peer
			return
		}
	}

	if len(b.replacements) < b.maxReplacements {
		b.replacements = append(b.replacements, peer)
		return
	}

	// Drop the oldest replacement.
	copy(b.replacements, b.replacements[1:])
	b.replacements[len(b.replacements)-1] = peer
}

func (b *kbucket) promoteReplacement() {
	if len(b.replacements) == 0 || len(b.peers) >= b.maxSize {
		return
	}
	peer := b.replacements[len(b.replacements)-1]
	b.replacements = b.replacements[:len(b.replacements)-1]
	b.peers = append(b.peers, peer)
}
