package dht

import (
	"fmt"
	"testing"
	"time"

	"github.com/extrophi/codio/pkg/content"
)

func TestProviderStorePutGet(t *testing.T) {
	ps := NewProviderStore(0, time.Hour)
	cid := content.NewCID([]byte("blob"))

	ps.Put(cid, "cdo:key:p1", []string{"addr1"})
	ps.Put(cid, "cdo:key:p2", []string{"addr2"})

	records := ps.Get(cid)
	if len(records) != 2 {
		t.Fatalf("got %d records, want 2", len(records))
	}
	if ps.Len() != 2 {
		t.Errorf("Len() = %d, want 2", ps.Len())
	}
}

func TestProviderStoreUpsertRefreshes(t *testing.T) {
	ps := NewProviderStore(0, time.Hour)
	cid := content.NewCID([]byte("blob"))

	ps.Put(cid, "cdo:key:p1", []string{"old"})
	before := ps.Get(cid)[0].InsertedAt

	time.Sleep(5 * time.Millisecond)
	ps.Put(cid, "cdo:key:p1", []string{"new"})

	records := ps.Get(cid)
	if len(records) != 1 {
		t.Fatalf("upsert duplicated the record: %d entries", len(records))
	}
	if !records[0].InsertedAt.After(before) {
		t.Error("upsert did not refresh the timestamp")
	}
	if records[0].Addrs[0] != "new" {
		t.Error("upsert did not update addresses")
	}
}

func TestProviderStoreTTL(t *testing.T) {
	ps := NewProviderStore(0, 10*time.Millisecond)
	cid := content.NewCID([]byte("blob"))

	ps.Put(cid, "cdo:key:p1", nil)
	time.Sleep(20 * time.Millisecond)

	if records := ps.Get(cid); len(records) != 0 {
		t.Errorf("expired record returned: %d entries", len(records))
	}
}

func TestProviderStoreSweep(t *testing.T) {
	ps := NewProviderStore(0, 10*time.Millisecond)

	for i := 0; i < 5; i++ {
		ps.Put(content.NewCID([]byte{byte(i)}), fmt.Sprintf("cdo:key:p%d", i), nil)
	}
	time.Sleep(20 * time.Millisecond)

	if removed := ps.Sweep(); removed != 5 {
		t.Errorf("Sweep removed %d, want 5", removed)
	}
	if ps.Len() != 0 {
		t.Errorf("Len() = %d after sweep", ps.Len())
	}
}

func TestProviderStoreLRUBound(t *testing.T) {
	ps := NewProviderStore(3, time.Hour)
	cid := content.NewCID([]byte("blob"))

	for i := 0; i < 5; i++ {
		ps.Put(cid, fmt.Sprintf("cdo:key:p%d", i), nil)
	}

	if ps.Len() != 3 {
		t.Fatalf("Len() = %d, want 3", ps.Len())
	}

	// The oldest two inserts were evicted.
	remaining := make(map[string]bool)
	for _, rec := range ps.Get(cid) {
		remaining[rec.PeerID] = true
	}
	if remaining["cdo:key:p0"] || remaining["cdo:key:p1"] {
		t.Error("LRU eviction kept the oldest records")
	}
}
