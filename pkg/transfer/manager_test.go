package transfer

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/extrophi/codio/internal/dht"
	"github.com/extrophi/codio/pkg/content"
	"github.com/extrophi/codio/pkg/scheduler"
	"github.com/extrophi/codio/pkg/tracker"
)

// fakeDirectory is an in-process provider directory; all peers share the
// providers map and its lock through the world.
type fakeDirectory struct {
	mu        *sync.Mutex
	providers map[string][]string // cid key -> peerIDs
	self      string
}

func (d *fakeDirectory) Provide(_ context.Context, cid content.CID) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	key := cid.Key()
	for _, peer := range d.providers[key] {
		if peer == d.self {
			return nil
		}
	}
	d.providers[key] = append(d.providers[key], d.self)
	return nil
}

func (d *fakeDirectory) FindProviders(_ context.Context, cid content.CID, _ chan<- *dht.ProviderRecord) ([]*dht.ProviderRecord, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	var records []*dht.ProviderRecord
	for _, peer := range d.providers[cid.Key()] {
		if peer == d.self {
			continue
		}
		records = append(records, &dht.ProviderRecord{CID: cid, PeerID: peer})
	}
	return records, nil
}

// world wires managers together: the fetcher routes chunk RPCs to the target
// manager's serve path.
type world struct {
	mu       sync.Mutex
	dirMu    sync.Mutex
	managers map[string]*Manager
	trackers map[string]*tracker.Tracker
	registry map[string][]string
}

func newWorld() *world {
	return &world{
		managers: make(map[string]*Manager),
		trackers: make(map[string]*tracker.Tracker),
		registry: make(map[string][]string),
	}
}

type worldFetcher struct {
	w    *world
	self string
}

func (f *worldFetcher) GetMetadata(_ context.Context, peerID string, cid content.CID) (*scheduler.Metadata, error) {
	f.w.mu.Lock()
	target, ok := f.w.managers[peerID]
	f.w.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("peer %s unreachable", peerID)
	}
	return target.Metadata(cid)
}

func (f *worldFetcher) GetChunk(_ context.Context, peerID string, cid content.CID, idx uint32) (*content.Chunk, error) {
	f.w.mu.Lock()
	target, ok := f.w.managers[peerID]
	f.w.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("peer %s unreachable", peerID)
	}
	return target.ServeChunk(f.self, cid, idx)
}

func (w *world) addPeer(t *testing.T, peerID string, chunkSize uint32) *Manager {
	// Short unchoke interval so strict tit-for-tat refusals recover quickly
	// in-process.
	return w.addPeerUnchoke(t, peerID, chunkSize, 10*time.Millisecond)
}

func (w *world) addPeerUnchoke(t *testing.T, peerID string, chunkSize uint32, unchoke time.Duration) *Manager {
	t.Helper()

	directory := &fakeDirectory{mu: &w.dirMu, self: peerID, providers: w.registry}
	tr := tracker.New(nil)

	schedCfg := scheduler.DefaultConfig()
	schedCfg.RequestTimeout = time.Second
	schedCfg.MetadataTimeout = time.Second
	schedCfg.PeerCooldown = 20 * time.Millisecond
	schedCfg.UnchokeInterval = unchoke

	dist := scheduler.NewDistributor(schedCfg, tr, &worldFetcher{w: w, self: peerID}, nil)

	cfg := DefaultConfig()
	cfg.TransferChunkSize = chunkSize
	cfg.AddressingChunkSize = chunkSize * 4

	manager := New(cfg, directory, tr, dist)
	dist.SetProviderSource(manager)

	w.mu.Lock()
	w.managers[peerID] = manager
	w.trackers[peerID] = tr
	w.mu.Unlock()
	return manager
}

func TestPutGetRoundTrip(t *testing.T) {
	w := newWorld()
	publisher := w.addPeer(t, "cdo:key:publisher", 256)
	consumer := w.addPeer(t, "cdo:key:consumer", 256)

	data := make([]byte, 1024)
	for i := range data {
		data[i] = byte(i * 13)
	}

	ctx := context.Background()
	cid, err := publisher.Put(ctx, data, "blob.bin")
	if err != nil {
		t.Fatalf("Put failed: %v", err)
	}
	if !cid.Equals(content.NewCID(data)) {
		t.Error("Put returned a CID that is not the hash of the content")
	}

	// Announcement is asynchronous.
	waitForProviders(t, consumer, cid)

	got, err := consumer.Get(ctx, cid)
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if !bytes.Equal(got, data) {
		t.Error("Get returned different bytes")
	}

	// The download is cached; a second Get is a local hit even with the
	// publisher gone.
	w.mu.Lock()
	delete(w.managers, "cdo:key:publisher")
	w.mu.Unlock()

	again, err := consumer.Get(ctx, cid)
	if err != nil {
		t.Fatalf("cached Get failed: %v", err)
	}
	if !bytes.Equal(again, data) {
		t.Error("cached Get returned different bytes")
	}
}

func TestGetLocalHit(t *testing.T) {
	w := newWorld()
	manager := w.addPeer(t, "cdo:key:solo", 256)

	data := []byte("locally held content")
	cid, err := manager.Put(context.Background(), data, "")
	if err != nil {
		t.Fatalf("Put failed: %v", err)
	}

	got, err := manager.Get(context.Background(), cid)
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if !bytes.Equal(got, data) {
		t.Error("local Get returned different bytes")
	}
}

func TestGetNoProviders(t *testing.T) {
	w := newWorld()
	manager := w.addPeer(t, "cdo:key:lonely", 256)

	_, err := manager.Get(context.Background(), content.NewCID([]byte("nowhere")))
	if !errors.Is(err, scheduler.ErrNoProviders) {
		t.Errorf("got %v, want ErrNoProviders", err)
	}
}

func TestServeChunkEligibility(t *testing.T) {
	w := newWorld()
	manager := w.addPeer(t, "cdo:key:server", 256)

	data := make([]byte, 600)
	cid, err := manager.Put(context.Background(), data, "")
	if err != nil {
		t.Fatalf("Put failed: %v", err)
	}

	// A stranger is served.
	chunk, err := manager.ServeChunk("cdo:key:stranger", cid, 0)
	if err != nil {
		t.Fatalf("ServeChunk failed: %v", err)
	}
	if chunk.Index != 0 || len(chunk.Data) != 256 {
		t.Errorf("chunk shape: index %d, %d bytes", chunk.Index, len(chunk.Data))
	}

	// Unknown content is refused.
	if _, err := manager.ServeChunk("cdo:key:stranger", content.NewCID([]byte("missing")), 0); !errors.Is(err, ErrNotFound) {
		t.Errorf("got %v, want ErrNotFound", err)
	}
}

func TestServeChunkTitForTat(t *testing.T) {
	w := newWorld()
	// Hour-long unchoke interval: no slot opens during the test.
	manager := w.addPeerUnchoke(t, "cdo:key:server", 256, time.Hour)

	data := make([]byte, 512)
	cid, err := manager.Put(context.Background(), data, "")
	if err != nil {
		t.Fatalf("Put failed: %v", err)
	}

	// A freeloader record: took plenty, gave nothing back.
	w.trackers["cdo:key:server"].RecordServedBytes("cdo:key:leech", 10_000)

	if _, err := manager.ServeChunk("cdo:key:leech", cid, 0); !errors.Is(err, scheduler.ErrNotEligible) {
		t.Errorf("got %v, want ErrNotEligible", err)
	}
}

func TestMetadata(t *testing.T) {
	w := newWorld()
	manager := w.addPeer(t, "cdo:key:meta", 256)

	data := make([]byte, 1000)
	cid, err := manager.Put(context.Background(), data, "")
	if err != nil {
		t.Fatalf("Put failed: %v", err)
	}

	meta, err := manager.Metadata(cid)
	if err != nil {
		t.Fatalf("Metadata failed: %v", err)
	}
	if meta.TotalBytes != 1000 || meta.ChunkSize != 256 {
		t.Errorf("metadata shape: %d bytes at %d", meta.TotalBytes, meta.ChunkSize)
	}

	// 4 chunks, all held.
	for i := uint32(0); i < 4; i++ {
		if !bitmapHas(meta.Availability, i) {
			t.Errorf("availability bit %d unset", i)
		}
	}
}

func bitmapHas(bitmap []byte, i uint32) bool {
	return bitmap[i/8]&(1<<(7-i%8)) != 0
}

func TestManifestStored(t *testing.T) {
	w := newWorld()
	manager := w.addPeer(t, "cdo:key:manifests", 256)

	data := make([]byte, 5000)
	cid, err := manager.Put(context.Background(), data, "video.mp4")
	if err != nil {
		t.Fatalf("Put failed: %v", err)
	}

	manifest, ok := manager.Manifest(cid)
	if !ok {
		t.Fatal("manifest missing after Put")
	}
	if manifest.Filename != "video.mp4" {
		t.Errorf("filename %s", manifest.Filename)
	}
	if err := manifest.Validate(); err != nil {
		t.Errorf("manifest invalid: %v", err)
	}
}

func waitForProviders(t *testing.T, m *Manager, cid content.CID) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		records, err := m.directory.FindProviders(context.Background(), cid, nil)
		if err == nil && len(records) > 0 {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("providers never appeared")
}
