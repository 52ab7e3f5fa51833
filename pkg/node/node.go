// Package node composes a full codio peer: identity, transport, the DHT
// provider directory, the availability tracker, the chunk scheduler, and the
// transfer manager. There is no process-wide state; tests run many nodes in
// one process.
package node

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/extrophi/codio/internal/dht"
	"github.com/extrophi/codio/pkg/content"
	"github.com/extrophi/codio/pkg/identity"
	"github.com/extrophi/codio/pkg/logging"
	"github.com/extrophi/codio/pkg/scheduler"
	"github.com/extrophi/codio/pkg/tracker"
	"github.com/extrophi/codio/pkg/transfer"
	"github.com/extrophi/codio/pkg/transport"
)

// Seed names a bootstrap peer.
type Seed struct {
	PeerID string   `json:"peer_id"`
	Addrs  []string `json:"addrs"`
}

// Config assembles a node.
type Config struct {
	Identity  *identity.Identity
	Transport transport.Transport
	Log       *slog.Logger

	// ListenAddrs are bound on Start; they are also advertised in provider
	// records.
	ListenAddrs []string

	// Seeds are dialed during Bootstrap.
	Seeds []Seed

	// StateFile persists warm-restart state; empty disables persistence.
	StateFile string

	Tracker   *tracker.Config
	Scheduler *scheduler.Config
	Transfer  *transfer.Config
}

// Node is one codio peer.
type Node struct {
	log       *slog.Logger
	cfg       *Config
	id        *identity.Identity
	transport transport.Transport
	addrs     *addrBook

	engine  *dht.Engine
	tracker *tracker.Tracker
	dist    *scheduler.Distributor
	manager *transfer.Manager

	seq atomic.Uint64

	mu        sync.Mutex
	ctx       context.Context
	cancel    context.CancelFunc
	listeners []transport.Listener
	wg        sync.WaitGroup
	started   bool
}

// New assembles a node from its parts.
func New(cfg *Config) (*Node, error) {
	if cfg.Identity == nil {
		return nil, fmt.Errorf("identity is required")
	}
	if cfg.Transport == nil {
		return nil, fmt.Errorf("transport is required")
	}
	log := cfg.Log
	if log == nil {
		log = logging.Discard()
	}

	n := &Node{
		log:       log.With("peer", cfg.Identity.PeerID()),
		cfg:       cfg,
		id:        cfg.Identity,
		transport: cfg.Transport,
		addrs:     newAddrBook(),
	}

	trackerCfg := cfg.Tracker
	if trackerCfg == nil {
		trackerCfg = tracker.DefaultConfig()
	}
	trackerCfg.Log = log
	trackerCfg.SendGossip = n.sendGossip
	n.tracker = tracker.New(trackerCfg)

	schedCfg := cfg.Scheduler
	if schedCfg == nil {
		schedCfg = scheduler.DefaultConfig()
	}
	schedCfg.Log = log
	n.dist = scheduler.NewDistributor(schedCfg, n.tracker, &chunkFetcher{node: n}, nil)

	engine, err := dht.New(&dht.Config{
		Identity: cfg.Identity,
		RPC:      &rpcClient{node: n},
		Log:      log,
		Addrs:    cfg.ListenAddrs,
		OnProvidersFound: func(_ content.CID, records []*dht.ProviderRecord) {
			for _, rec := range records {
				n.addrs.add(rec.PeerID, rec.Addrs)
			}
		},
		PinnedSource: func() []content.CID {
			if n.manager == nil {
				return nil
			}
			return n.manager.Store().Pinned()
		},
	})
	if err != nil {
		return nil, err
	}
	n.engine = engine

	transferCfg := cfg.Transfer
	if transferCfg == nil {
		transferCfg = transfer.DefaultConfig()
	}
	transferCfg.Log = log
	n.manager = transfer.New(transferCfg, &directoryAdapter{engine: engine, node: n}, n.tracker, n.dist)
	n.dist.SetProviderSource(n.manager)

	return n, nil
}

// directoryAdapter exposes the DHT engine as the transfer manager's
// directory while feeding the node's address book.
type directoryAdapter struct {
	engine *dht.Engine
	node   *Node
}

func (a *directoryAdapter) FindProviders(ctx context.Context, cid content.CID, stream chan<- *dht.ProviderRecord) ([]*dht.ProviderRecord, error) {
	records, err := a.engine.FindProviders(ctx, cid, stream)
	if err != nil {
		return nil, err
	}
	for _, rec := range records {
		a.node.addrs.add(rec.PeerID, rec.Addrs)
	}
	return records, nil
}

func (a *directoryAdapter) Provide(ctx context.Context, cid content.CID) error {
	return a.engine.Provide(ctx, cid)
}

// Start binds listeners, launches the engine and tracker loops, and restores
// persisted state when available.
func (n *Node) Start(ctx context.Context) error {
	n.mu.Lock()
	defer n.mu.Unlock()

	if n.started {
		return fmt.Errorf("node already started")
	}

	n.ctx, n.cancel = context.WithCancel(ctx)

	for _, addr := range n.cfg.ListenAddrs {
		listener, err := n.transport.Listen(n.ctx, addr)
		if err != nil {
			n.shutdownLocked()
			return fmt.Errorf("failed to listen on %s: %w", addr, err)
		}
		n.listeners = append(n.listeners, listener)
		n.wg.Add(1)
		go n.acceptLoop(listener)
	}

	n.restoreState()

	if err := n.engine.Start(n.ctx); err != nil {
		n.shutdownLocked()
		return err
	}
	n.tracker.Start()

	n.started = true
	n.log.Info("node started", "addrs", n.cfg.ListenAddrs)
	return nil
}

// Bootstrap joins the network through the configured seeds.
func (n *Node) Bootstrap(ctx context.Context) error {
	seeds := make([]*dht.Peer, 0, len(n.cfg.Seeds))
	for _, seed := range n.cfg.Seeds {
		if seed.PeerID == "" || len(seed.Addrs) == 0 {
			continue
		}
		n.addrs.add(seed.PeerID, seed.Addrs)
		seeds = append(seeds, dht.NewPeer(seed.PeerID, seed.Addrs))
	}
	return n.engine.Bootstrap(ctx, seeds)
}

// Stop persists state and halts all loops.
func (n *Node) Stop() {
	n.mu.Lock()
	defer n.mu.Unlock()

	if !n.started {
		return
	}
	n.started = false

	n.persistState()
	n.engine.Stop()
	n.tracker.Stop()
	n.shutdownLocked()
}

func (n *Node) shutdownLocked() {
	if n.cancel != nil {
		n.cancel()
	}
	for _, listener := range n.listeners {
		listener.Close()
	}
	n.listeners = nil
	n.wg.Wait()
}

// Put publishes content and returns its CID.
func (n *Node) Put(ctx context.Context, data []byte, filename string) (content.CID, error) {
	return n.manager.Put(ctx, data, filename)
}

// Get retrieves content by CID.
func (n *Node) Get(ctx context.Context, cid content.CID) ([]byte, error) {
	return n.manager.Get(ctx, cid)
}

// Progress reports an active download.
func (n *Node) Progress(cid content.CID) (scheduler.Progress, bool) {
	return n.manager.Progress(cid)
}

// Cancel aborts an active download.
func (n *Node) Cancel(cid content.CID) {
	n.manager.Cancel(cid)
}

// PeerID returns this node's canonical identifier.
func (n *Node) PeerID() string {
	return n.id.PeerID()
}

// Manager exposes the transfer manager.
func (n *Node) Manager() *transfer.Manager {
	return n.manager
}

// Engine exposes the DHT engine.
func (n *Node) Engine() *dht.Engine {
	return n.engine
}

func (n *Node) nextSeq() uint64 {
	return n.seq.Add(1)
}
