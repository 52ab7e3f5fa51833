package scheduler

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/extrophi/codio/pkg/content"
	"github.com/extrophi/codio/pkg/tracker"
)

// fakePeer simulates one provider's behavior.
type fakePeer struct {
	data      []byte
	chunkSize uint32
	holds     map[uint32]bool // nil = holds everything
	corrupt   map[uint32]bool // returns data that fails verification
	fail      map[uint32]bool // transport error
	lie       []byte          // when set, serves this blob instead (collusion)
	delay     time.Duration
}

// fakeFetcher is an in-process Fetcher that also records the maximum number
// of concurrent chunk requests seen per peer.
type fakeFetcher struct {
	mu            sync.Mutex
	peers         map[string]*fakePeer
	current       map[string]int
	maxConcurrent map[string]int
}

func newFakeFetcher() *fakeFetcher {
	return &fakeFetcher{
		peers:         make(map[string]*fakePeer),
		current:       make(map[string]int),
		maxConcurrent: make(map[string]int),
	}
}

func (f *fakeFetcher) add(peerID string, peer *fakePeer) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.peers[peerID] = peer
}

func (f *fakeFetcher) GetMetadata(_ context.Context, peerID string, _ content.CID) (*Metadata, error) {
	f.mu.Lock()
	peer, ok := f.peers[peerID]
	f.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("peer %s unreachable", peerID)
	}

	n := content.ChunkCount(uint64(len(peer.data)), peer.chunkSize)
	bitmap := NewBitmap(n)
	for i := uint32(0); i < n; i++ {
		if peer.holds == nil || peer.holds[i] {
			BitmapSet(bitmap, i)
		}
	}

	return &Metadata{
		TotalBytes:   uint64(len(peer.data)),
		ChunkSize:    peer.chunkSize,
		Availability: bitmap,
	}, nil
}

func (f *fakeFetcher) GetChunk(ctx context.Context, peerID string, _ content.CID, idx uint32) (*content.Chunk, error) {
	f.mu.Lock()
	peer, ok := f.peers[peerID]
	if !ok {
		f.mu.Unlock()
		return nil, fmt.Errorf("peer %s unreachable", peerID)
	}
	f.current[peerID]++
	if f.current[peerID] > f.maxConcurrent[peerID] {
		f.maxConcurrent[peerID] = f.current[peerID]
	}
	f.mu.Unlock()

	defer func() {
		f.mu.Lock()
		f.current[peerID]--
		f.mu.Unlock()
	}()

	if peer.delay > 0 {
		select {
		case <-time.After(peer.delay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	if peer.fail[idx] {
		return nil, fmt.Errorf("connection lost")
	}

	source := peer.data
	if peer.lie != nil {
		source = peer.lie
	}

	chunk, err := content.SliceChunk(source, idx, peer.chunkSize)
	if err != nil {
		return nil, err
	}

	if peer.corrupt[idx] {
		bad := append([]byte(nil), chunk.Data...)
		bad[0] ^= 0xFF
		chunk = &content.Chunk{Index: idx, Data: bad, CID: chunk.CID}
	}

	return chunk, nil
}

func testBlob(size int) ([]byte, content.CID) {
	data := make([]byte, size)
	for i := range data {
		data[i] = byte(i * 7)
	}
	return data, content.NewCID(data)
}

func quickConfig() *Config {
	cfg := DefaultConfig()
	cfg.RequestTimeout = 500 * time.Millisecond
	cfg.MetadataTimeout = 500 * time.Millisecond
	cfg.PeerCooldown = 50 * time.Millisecond
	return cfg
}

func TestDownloadEndToEnd(t *testing.T) {
	// Scenario: 5 peers each hold all 4 chunks of a 1024-byte blob at
	// chunk size 256.
	data, cid := testBlob(1024)

	fetcher := newFakeFetcher()
	var providers []string
	for i := 0; i < 5; i++ {
		peerID := fmt.Sprintf("cdo:key:peer%d", i)
		providers = append(providers, peerID)
		fetcher.add(peerID, &fakePeer{data: data, chunkSize: 256})
	}

	cfg := quickConfig()
	cfg.MaxConcurrentDownloads = 5
	cfg.ChunksPerPeer = 4

	dist := NewDistributor(cfg, tracker.New(nil), fetcher, nil)

	got, err := dist.Download(context.Background(), cid, providers)
	if err != nil {
		t.Fatalf("Download failed: %v", err)
	}
	if !bytes.Equal(got, data) {
		t.Error("downloaded bytes differ from original")
	}
	if !content.NewCID(got).Equals(cid) {
		t.Error("downloaded bytes hash to a different CID")
	}

	fetcher.mu.Lock()
	defer fetcher.mu.Unlock()
	for peer, peak := range fetcher.maxConcurrent {
		if peak > cfg.ChunksPerPeer {
			t.Errorf("peer %s saw %d concurrent requests, bound is %d",
				peer, peak, cfg.ChunksPerPeer)
		}
	}
}

func TestRarestFirstOrdering(t *testing.T) {
	// Scenario: 4 chunks; P1={0,1,2}, P2={0,1,3}, P3={0,1}. The two rare
	// chunks {2,3} must come before the common {0,1}.
	data, cid := testBlob(1024)
	dl := newDownload(cid, []string{"p1", "p2", "p3"}, RarestFirst, 0)
	dl.applyMetadata(uint64(len(data)), 256)

	bitmap := func(held ...uint32) []byte {
		b := NewBitmap(4)
		for _, i := range held {
			BitmapSet(b, i)
		}
		return b
	}
	dl.applyBitmap("p1", bitmap(0, 1, 2))
	dl.applyBitmap("p2", bitmap(0, 1, 3))
	dl.applyBitmap("p3", bitmap(0, 1))

	dl.computeOrder()

	first := map[uint32]bool{dl.order[0]: true, dl.order[1]: true}
	if !first[2] || !first[3] {
		t.Errorf("order %v: first two should be {2,3}", dl.order)
	}
	last := map[uint32]bool{dl.order[2]: true, dl.order[3]: true}
	if !last[0] || !last[1] {
		t.Errorf("order %v: last two should be {0,1}", dl.order)
	}
}

func TestRarestFirstUniformEqualsSequential(t *testing.T) {
	data, cid := testBlob(2048)
	dl := newDownload(cid, []string{"p1"}, RarestFirst, 0)
	dl.applyMetadata(uint64(len(data)), 256)
	dl.applyBitmap("p1", FullBitmap(8))
	dl.computeOrder()

	for i, idx := range dl.order {
		if idx != uint32(i) {
			t.Fatalf("uniform availability order %v is not sequential", dl.order)
		}
	}
}

func TestTitForTatRefusal(t *testing.T) {
	// Scenario: peer with ratio 0 is refused except during an
	// optimistic-unchoke slot.
	tr := tracker.New(nil)
	tr.RecordServedBytes("cdo:key:leech", 10_000) // took 10 KB, gave nothing

	cfg := quickConfig()
	cfg.UnchokeInterval = 100 * time.Millisecond
	dist := NewDistributor(cfg, tr, newFakeFetcher(), nil)

	if dist.ShouldUpload("cdo:key:leech") {
		t.Error("leech served outside an unchoke slot")
	}

	time.Sleep(cfg.UnchokeInterval + 20*time.Millisecond)

	if !dist.ShouldUpload("cdo:key:leech") {
		t.Error("unchoke slot did not open after the interval")
	}
	if dist.ShouldUpload("cdo:key:leech") {
		t.Error("second call in the same slot was served")
	}
}

func TestShouldUploadUnknownPeer(t *testing.T) {
	dist := NewDistributor(quickConfig(), tracker.New(nil), newFakeFetcher(), nil)
	if !dist.ShouldUpload("cdo:key:stranger") {
		t.Error("peer without stats was refused")
	}
}

func TestCorruptPeerIsBanned(t *testing.T) {
	data, cid := testBlob(1024)

	fetcher := newFakeFetcher()
	// The corrupt peer damages every chunk; an honest peer also holds them.
	fetcher.add("cdo:key:corrupt", &fakePeer{
		data: data, chunkSize: 256,
		corrupt: map[uint32]bool{0: true, 1: true, 2: true, 3: true},
	})
	fetcher.add("cdo:key:honest", &fakePeer{data: data, chunkSize: 256})

	dist := NewDistributor(quickConfig(), tracker.New(nil), fetcher, nil)
	got, err := dist.Download(context.Background(), cid,
		[]string{"cdo:key:corrupt", "cdo:key:honest"})
	if err != nil {
		t.Fatalf("Download failed despite honest peer: %v", err)
	}
	if !bytes.Equal(got, data) {
		t.Error("downloaded bytes differ")
	}
}

func TestTransportFailureFailover(t *testing.T) {
	data, cid := testBlob(1024)

	fetcher := newFakeFetcher()
	fetcher.add("cdo:key:flaky", &fakePeer{
		data: data, chunkSize: 256,
		fail: map[uint32]bool{0: true, 1: true, 2: true, 3: true},
	})
	fetcher.add("cdo:key:solid", &fakePeer{data: data, chunkSize: 256})

	dist := NewDistributor(quickConfig(), tracker.New(nil), fetcher, nil)
	got, err := dist.Download(context.Background(), cid,
		[]string{"cdo:key:flaky", "cdo:key:solid"})
	if err != nil {
		t.Fatalf("Download failed: %v", err)
	}
	if !bytes.Equal(got, data) {
		t.Error("downloaded bytes differ")
	}
}

func TestCollusionDetectedByRootCheck(t *testing.T) {
	data, cid := testBlob(1024)
	wrong, _ := testBlob(1023) // self-consistent but different content

	fetcher := newFakeFetcher()
	for i := 0; i < 3; i++ {
		peerID := fmt.Sprintf("cdo:key:liar%d", i)
		fetcher.add(peerID, &fakePeer{data: data, chunkSize: 256, lie: wrong})
	}

	dist := NewDistributor(quickConfig(), tracker.New(nil), fetcher, nil)
	_, err := dist.Download(context.Background(), cid,
		[]string{"cdo:key:liar0", "cdo:key:liar1", "cdo:key:liar2"})
	if !errors.Is(err, ErrIntegrity) {
		t.Errorf("got %v, want ErrIntegrity", err)
	}
}

func TestNoProvidersDiagnostics(t *testing.T) {
	_, cid := testBlob(512)

	dist := NewDistributor(quickConfig(), tracker.New(nil), newFakeFetcher(), nil)
	_, err := dist.Download(context.Background(), cid, []string{"cdo:key:ghost"})
	if !errors.Is(err, ErrNoProviders) {
		t.Fatalf("got %v, want ErrNoProviders", err)
	}

	var detailed *NoProvidersError
	if !errors.As(err, &detailed) {
		t.Fatal("error lacks diagnostics")
	}
	if _, ok := detailed.Tried["cdo:key:ghost"]; !ok {
		t.Errorf("diagnostics %v missing the tried peer", detailed.Tried)
	}
}

func TestEmptyProviderList(t *testing.T) {
	_, cid := testBlob(512)
	dist := NewDistributor(quickConfig(), tracker.New(nil), newFakeFetcher(), nil)

	if _, err := dist.Download(context.Background(), cid, nil); !errors.Is(err, ErrNoProviders) {
		t.Errorf("got %v, want ErrNoProviders", err)
	}
}

func TestCancellation(t *testing.T) {
	data, cid := testBlob(4096)

	fetcher := newFakeFetcher()
	fetcher.add("cdo:key:slow", &fakePeer{data: data, chunkSize: 256, delay: 5 * time.Second})

	cfg := quickConfig()
	cfg.RequestTimeout = 10 * time.Second
	dist := NewDistributor(cfg, tracker.New(nil), fetcher, nil)

	errCh := make(chan error, 1)
	go func() {
		_, err := dist.Download(context.Background(), cid, []string{"cdo:key:slow"})
		errCh <- err
	}()

	// Let the download get in flight, then cancel twice to confirm
	// idempotence.
	time.Sleep(100 * time.Millisecond)
	dist.Cancel(cid)
	dist.Cancel(cid)

	select {
	case err := <-errCh:
		if !errors.Is(err, ErrCancelled) {
			t.Errorf("got %v, want ErrCancelled", err)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("cancelled download did not return")
	}
}

func TestProviderRefresh(t *testing.T) {
	data, cid := testBlob(1024)

	fetcher := newFakeFetcher()
	// The initial provider always fails; the refresh introduces a healthy
	// one.
	fetcher.add("cdo:key:dead", &fakePeer{
		data: data, chunkSize: 256,
		fail: map[uint32]bool{0: true, 1: true, 2: true, 3: true},
	})
	fetcher.add("cdo:key:alive", &fakePeer{data: data, chunkSize: 256})

	source := &staticSource{peers: []string{"cdo:key:alive"}}
	dist := NewDistributor(quickConfig(), tracker.New(nil), fetcher, source)

	got, err := dist.Download(context.Background(), cid, []string{"cdo:key:dead"})
	if err != nil {
		t.Fatalf("Download failed: %v", err)
	}
	if !bytes.Equal(got, data) {
		t.Error("downloaded bytes differ")
	}
	if source.calls == 0 {
		t.Error("provider source was never consulted")
	}
}

type staticSource struct {
	mu    sync.Mutex
	peers []string
	calls int
}

func (s *staticSource) RefreshProviders(_ context.Context, _ content.CID) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls++
	return s.peers, nil
}

func TestDuplicateDownloadRejected(t *testing.T) {
	data, cid := testBlob(1024)

	fetcher := newFakeFetcher()
	fetcher.add("cdo:key:slow", &fakePeer{data: data, chunkSize: 256, delay: time.Second})

	cfg := quickConfig()
	cfg.RequestTimeout = 5 * time.Second
	dist := NewDistributor(cfg, tracker.New(nil), fetcher, nil)

	go func() {
		_, _ = dist.Download(context.Background(), cid, []string{"cdo:key:slow"})
	}()
	time.Sleep(100 * time.Millisecond)

	_, err := dist.Download(context.Background(), cid, []string{"cdo:key:slow"})
	if !errors.Is(err, ErrAlreadyDownloading) {
		t.Errorf("got %v, want ErrAlreadyDownloading", err)
	}

	dist.Cancel(cid)
}

func TestProgressReporting(t *testing.T) {
	data, cid := testBlob(1024)

	fetcher := newFakeFetcher()
	fetcher.add("cdo:key:slow", &fakePeer{data: data, chunkSize: 256, delay: 300 * time.Millisecond})

	cfg := quickConfig()
	cfg.RequestTimeout = 5 * time.Second
	dist := NewDistributor(cfg, tracker.New(nil), fetcher, nil)

	done := make(chan struct{})
	go func() {
		defer close(done)
		_, _ = dist.Download(context.Background(), cid, []string{"cdo:key:slow"})
	}()

	time.Sleep(100 * time.Millisecond)
	progress, ok := dist.Progress(cid)
	if !ok {
		t.Fatal("Progress missed an active download")
	}
	if progress.TotalChunks != 4 || progress.TotalBytes != 1024 {
		t.Errorf("progress shape: %+v", progress)
	}

	<-done
	if _, ok := dist.Progress(cid); ok {
		t.Error("Progress still reports a finished download")
	}
}

func TestDownloadedInflightDisjoint(t *testing.T) {
	data, cid := testBlob(2048)
	dl := newDownload(cid, []string{"p"}, RarestFirst, 0)
	dl.applyMetadata(uint64(len(data)), 256)

	chunks, err := content.ChunkData(data, 256)
	if err != nil {
		t.Fatalf("ChunkData failed: %v", err)
	}

	dl.inflight[0] = inflightInfo{peer: "p", startedAt: time.Now()}
	dl.commit(chunks[0])

	for idx := range dl.downloaded {
		if _, both := dl.inflight[idx]; both {
			t.Errorf("chunk %d both downloaded and in flight", idx)
		}
	}
	if !dl.downloaded[0] || dl.chunks[0] == nil {
		t.Error("commit did not record the chunk")
	}
}
