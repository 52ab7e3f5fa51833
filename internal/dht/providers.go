package dht

import (
	"container/list"
	"sync"
	"time"

	"github.com/extrophi/codio/pkg/constants"
	"github.com/extrophi/codio/pkg/content"
)

// ProviderRecord advertises that a peer holds a CID.
type ProviderRecord struct {
	CID        content.CID
	PeerID     string
	Addrs      []string
	InsertedAt time.Time
}

// Expired reports whether the record has outlived ttl.
func (r *ProviderRecord) Expired(ttl time.Duration) bool {
	return time.Since(r.InsertedAt) > ttl
}

func (r *ProviderRecord) copy() *ProviderRecord {
	addrs := make([]string, len(r.Addrs))
	copy(addrs, r.Addrs)
	return &ProviderRecord{
		CID:        r.CID,
		PeerID:     r.PeerID,
		Addrs:      addrs,
		InsertedAt: r.InsertedAt,
	}
}

// ProviderStore holds provider records with TTL expiry and an LRU bound on
// the total record count. The DHT engine is the sole owner.
type ProviderStore struct {
	mu         sync.Mutex
	records    map[string]map[string]*providerEntry // cid key -> peer -> entry
	lru        *list.List                           // *providerEntry, most recent at back
	count      int
	maxRecords int
	ttl        time.Duration
}

type providerEntry struct {
	record  *ProviderRecord
	element *list.Element
}

// NewProviderStore creates a provider store. maxRecords <= 0 applies the
// default bound.
func NewProviderStore(maxRecords int, ttl time.Duration) *ProviderStore {
	if maxRecords <= 0 {
		maxRecords = constants.MaxProviderRecords
	}
	if ttl <= 0 {
		ttl = constants.ProviderTTL
	}
	return &ProviderStore{
		records:    make(map[string]map[string]*providerEntry),
		lru:        list.New(),
		maxRecords: maxRecords,
		ttl:        ttl,
	}
}

// Put upserts a record, refreshing its timestamp and LRU position.
func (ps *ProviderStore) Put(cid content.CID, peerID string, addrs []string) {
	ps.mu.Lock()
	defer ps.mu.Unlock()

	key := cid.Key()
	byPeer, ok := ps.records[key]
	if !ok {
		byPeer = make(map[string]*providerEntry)
		ps.records[key] = byPeer
	}

	if entry, exists := byPeer[peerID]; exists {
		entry.record.Addrs = append([]string(nil), addrs...)
		entry.record.InsertedAt = time.Now()
		ps.lru.MoveToBack(entry.element)
		return
	}

	record := &ProviderRecord{
		CID:        cid,
		PeerID:     peerID,
		Addrs:      append([]string(nil), addrs...),
		InsertedAt: time.Now(),
	}
	entry := &providerEntry{record: record}
	entry.element = ps.lru.PushBack(entry)
	byPeer[peerID] = entry
	ps.count++

	for ps.count > ps.maxRecords {
		ps.evictOldestLocked()
	}
}

// Get returns the non-expired records for a CID.
func (ps *ProviderStore) Get(cid content.CID) []*ProviderRecord {
	ps.mu.Lock()
	defer ps.mu.Unlock()

	byPeer, ok := ps.records[cid.Key()]
	if !ok {
		return nil
	}

	var out []*ProviderRecord
	for peerID, entry := range byPeer {
		if entry.record.Expired(ps.ttl) {
			ps.removeLocked(cid.Key(), peerID, entry)
			continue
		}
		out = append(out, entry.record.copy())
	}
	return out
}

// Sweep removes every expired record and returns the count dropped.
func (ps *ProviderStore) Sweep() int {
	ps.mu.Lock()
	defer ps.mu.Unlock()

	removed := 0
	for key, byPeer := range ps.records {
		for peerID, entry := range byPeer {
			if entry.record.Expired(ps.ttl) {
				ps.removeLocked(key, peerID, entry)
				removed++
			}
		}
	}
	return removed
}

// Len returns the number of live records.
func (ps *ProviderStore) Len() int {
	ps.mu.Lock()
	defer ps.mu.Unlock()
	return ps.count
}

func (ps *ProviderStore) evictOldestLocked() {
	front := ps.lru.Front()
	if front == nil {
		return
	}
	entry := front.Value.(*providerEntry)
	ps.removeLocked(entry.record.CID.Key(), entry.record.PeerID, entry)
}

func (ps *ProviderStore) removeLocked(key, peerID string, entry *providerEntry) {
	ps.lru.Remove(entry.element)
	if byPeer, ok := ps.records[key]; ok {
		delete(byPeer, peerID)
		if len(byPeer) == 0 {
			delete(ps.records, key)
		}
	}
	ps.count--
}
