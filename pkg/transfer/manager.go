// Package transfer implements the transfer manager: the thin orchestrator
// owning the local content store and active downloads, mediating between the
// DHT directory, the availability tracker, and the chunk scheduler.
package transfer

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/extrophi/codio/internal/dht"
	"github.com/extrophi/codio/pkg/constants"
	"github.com/extrophi/codio/pkg/content"
	"github.com/extrophi/codio/pkg/logging"
	"github.com/extrophi/codio/pkg/scheduler"
	"github.com/extrophi/codio/pkg/tracker"
)

// ErrNotFound reports content absent from the local store.
var ErrNotFound = errors.New("content not found locally")

// Directory is the provider-discovery surface the manager consumes.
type Directory interface {
	FindProviders(ctx context.Context, cid content.CID, stream chan<- *dht.ProviderRecord) ([]*dht.ProviderRecord, error)
	Provide(ctx context.Context, cid content.CID) error
}

// Config holds transfer manager configuration.
type Config struct {
	Log *slog.Logger

	// TransferChunkSize is the chunk size offered to downloaders.
	TransferChunkSize uint32

	// AddressingChunkSize is the chunk size used for manifests.
	AddressingChunkSize uint32

	// MaxStoreBytes bounds the local store; 0 is unbounded.
	MaxStoreBytes uint64

	// ServeCapacity bounds concurrent chunk serves; excess requests get
	// ErrBusy.
	ServeCapacity int

	// CacheDownloads keeps fetched content in the local store.
	CacheDownloads bool
}

// DefaultConfig returns the standard transfer parameters.
func DefaultConfig() *Config {
	return &Config{
		TransferChunkSize:   constants.TransferChunkSize,
		AddressingChunkSize: constants.AddressingChunkSize,
		ServeCapacity:       64,
		CacheDownloads:      true,
	}
}

// Manager owns the content store and the download map.
type Manager struct {
	log       *slog.Logger
	cfg       *Config
	store     *content.Store
	directory Directory
	tracker   *tracker.Tracker
	dist      *scheduler.Distributor

	serveSlots chan struct{}

	mu        sync.RWMutex
	manifests map[string]*content.Manifest
}

// New creates a transfer manager. The distributor must have been built with
// a fetcher reaching real peers; the manager itself serves as its provider
// source.
func New(cfg *Config, directory Directory, tr *tracker.Tracker, dist *scheduler.Distributor) *Manager {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	if cfg.Log == nil {
		cfg.Log = logging.Discard()
	}
	if cfg.TransferChunkSize == 0 {
		cfg.TransferChunkSize = constants.TransferChunkSize
	}
	if cfg.AddressingChunkSize == 0 {
		cfg.AddressingChunkSize = constants.AddressingChunkSize
	}
	if cfg.ServeCapacity <= 0 {
		cfg.ServeCapacity = 64
	}

	return &Manager{
		log:        cfg.Log.With("component", "transfer"),
		cfg:        cfg,
		store:      content.NewStore(cfg.MaxStoreBytes),
		directory:  directory,
		tracker:    tr,
		dist:       dist,
		serveSlots: make(chan struct{}, cfg.ServeCapacity),
		manifests:  make(map[string]*content.Manifest),
	}
}

// Store exposes the content store (the DHT republish loop reads pins from
// it).
func (m *Manager) Store() *content.Store {
	return m.store
}

// Put chunks and stores data locally under its CID, pins it, and announces
// it to the DHT. Announcement failures are logged, never surfaced: the next
// republish fills the gap.
func (m *Manager) Put(ctx context.Context, data []byte, filename string) (content.CID, error) {
	cid := content.NewCID(data)

	chunks, err := content.ChunkData(data, m.cfg.AddressingChunkSize)
	if err != nil {
		return content.CID{}, fmt.Errorf("failed to chunk content: %w", err)
	}
	manifest, err := content.BuildManifest(chunks, m.cfg.AddressingChunkSize, filename)
	if err != nil {
		return content.CID{}, fmt.Errorf("failed to build manifest: %w", err)
	}

	if err := m.store.Put(cid, data, true); err != nil {
		return content.CID{}, fmt.Errorf("failed to store content: %w", err)
	}

	m.mu.Lock()
	m.manifests[cid.Key()] = manifest
	m.mu.Unlock()

	go func() {
		announceCtx, cancel := context.WithTimeout(context.Background(), constants.QueryTimeout)
		defer cancel()
		if err := m.directory.Provide(announceCtx, cid); err != nil {
			m.log.Warn("announce failed, will retry on republish",
				"cid", cid.String(), "err", err)
		}
	}()

	m.log.Info("content published", "cid", cid.String(), "bytes", len(data))
	return cid, nil
}

// Get returns the content named by cid: from the local store when held,
// otherwise located via the DHT, ranked by the tracker, and fetched by the
// scheduler.
func (m *Manager) Get(ctx context.Context, cid content.CID) ([]byte, error) {
	if data, ok := m.store.Get(cid); ok {
		return data, nil
	}

	records, err := m.directory.FindProviders(ctx, cid, nil)
	if err != nil {
		return nil, fmt.Errorf("provider lookup failed: %w", err)
	}
	if len(records) == 0 {
		return nil, &scheduler.NoProvidersError{CID: cid.String()}
	}

	for _, rec := range records {
		m.tracker.RecordPeerOnline(rec.PeerID)
		m.tracker.RecordContentAvailable(cid, rec.PeerID)
	}

	providers := m.tracker.SelectBest(cid, len(records))
	if len(providers) == 0 {
		// Every provider is filtered out; fall back to the raw set rather
		// than failing without trying.
		for _, rec := range records {
			providers = append(providers, rec.PeerID)
		}
	}

	data, err := m.dist.Download(ctx, cid, providers)
	if err != nil {
		return nil, err
	}

	if m.cfg.CacheDownloads {
		if err := m.store.Put(cid, data, false); err != nil {
			m.log.Warn("failed to cache downloaded content", "cid", cid.String(), "err", err)
		}
	}

	return data, nil
}

// ServeChunk answers a peer's GET_CHUNK under the tit-for-tat policy.
func (m *Manager) ServeChunk(peerID string, cid content.CID, idx uint32) (*content.Chunk, error) {
	select {
	case m.serveSlots <- struct{}{}:
		defer func() { <-m.serveSlots }()
	default:
		return nil, scheduler.ErrBusy
	}

	if !m.store.Has(cid) {
		return nil, ErrNotFound
	}

	if !m.dist.ShouldUpload(peerID) {
		return nil, scheduler.ErrNotEligible
	}

	chunk, err := m.store.Chunk(cid, idx, m.cfg.TransferChunkSize)
	if err != nil {
		return nil, ErrNotFound
	}

	m.tracker.RecordServedBytes(peerID, chunk.Size())
	return chunk, nil
}

// Metadata answers a peer's GET_METADATA for locally held content.
func (m *Manager) Metadata(cid content.CID) (*scheduler.Metadata, error) {
	data, ok := m.store.Get(cid)
	if !ok {
		return nil, ErrNotFound
	}

	n := content.ChunkCount(uint64(len(data)), m.cfg.TransferChunkSize)
	return &scheduler.Metadata{
		TotalBytes:   uint64(len(data)),
		ChunkSize:    m.cfg.TransferChunkSize,
		Availability: scheduler.FullBitmap(n),
	}, nil
}

// Manifest returns the stored manifest for locally published content.
func (m *Manager) Manifest(cid content.CID) (*content.Manifest, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	manifest, ok := m.manifests[cid.Key()]
	return manifest, ok
}

// Progress reports the status of an active download.
func (m *Manager) Progress(cid content.CID) (scheduler.Progress, bool) {
	return m.dist.Progress(cid)
}

// Cancel aborts an active download.
func (m *Manager) Cancel(cid content.CID) {
	m.dist.Cancel(cid)
}

// RefreshProviders lets the scheduler pull fresh providers mid-download;
// Manager is the scheduler's ProviderSource.
func (m *Manager) RefreshProviders(ctx context.Context, cid content.CID) ([]string, error) {
	records, err := m.directory.FindProviders(ctx, cid, nil)
	if err != nil {
		return nil, err
	}

	peers := make([]string, 0, len(records))
	for _, rec := range records {
		m.tracker.RecordPeerOnline(rec.PeerID)
		m.tracker.RecordContentAvailable(cid, rec.PeerID)
		peers = append(peers, rec.PeerID)
	}
	return peers, nil
}
