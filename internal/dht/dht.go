package dht

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/extrophi/codio/pkg/constants"
	"github.com/extrophi/codio/pkg/content"
	"github.com/extrophi/codio/pkg/identity"
	"github.com/extrophi/codio/pkg/logging"
	"github.com/extrophi/codio/pkg/wire"
)

// RPC issues a signed request frame to a peer and awaits its response.
// Implementations wrap the transport layer; tests use an in-process bus.
type RPC interface {
	Call(ctx context.Context, peer *Peer, frame *wire.BaseFrame) (*wire.BaseFrame, error)
}

// Config holds engine configuration.
type Config struct {
	Identity *identity.Identity
	RPC      RPC
	Log      *slog.Logger

	// Addrs are this node's dialable addresses, advertised in provider
	// records.
	Addrs []string

	K            int
	Alpha        int
	MaxProviders int
	BetaRounds   int

	QueryTimeout      time.Duration
	RPCTimeout        time.Duration
	ProviderTTL       time.Duration
	RepublishInterval time.Duration
	SweepInterval     time.Duration

	// PinnedSource enumerates locally pinned CIDs for the republish loop.
	PinnedSource func() []content.CID

	// OnProvidersFound fires when a provider lookup completes, so callers
	// issuing non-blocking lookups still observe the DHT-derived set.
	OnProvidersFound func(content.CID, []*ProviderRecord)

	// InboundQueue bounds the inbound request queue; overflow is dropped.
	InboundQueue int
}

func (c *Config) applyDefaults() {
	if c.Log == nil {
		c.Log = logging.Discard()
	}
	if c.K <= 0 {
		c.K = constants.DHTBucketSize
	}
	if c.Alpha <= 0 {
		c.Alpha = constants.DHTAlpha
	}
	if c.MaxProviders <= 0 {
		c.MaxProviders = constants.MaxProviders
	}
	if c.BetaRounds <= 0 {
		c.BetaRounds = constants.DHTBetaRounds
	}
	if c.QueryTimeout <= 0 {
		c.QueryTimeout = constants.QueryTimeout
	}
	if c.RPCTimeout <= 0 {
		c.RPCTimeout = constants.RPCTimeout
	}
	if c.ProviderTTL <= 0 {
		c.ProviderTTL = constants.ProviderTTL
	}
	if c.RepublishInterval <= 0 {
		c.RepublishInterval = constants.RepublishInterval
	}
	if c.SweepInterval <= 0 {
		c.SweepInterval = constants.SweepInterval
	}
	if c.InboundQueue <= 0 {
		c.InboundQueue = 256
	}
}

// Engine runs the provider directory for one node: it owns the routing
// table and the provider store, answers inbound DHT requests, and executes
// iterative lookups against the network.
type Engine struct {
	log       *slog.Logger
	cfg       *Config
	id        *identity.Identity
	localID   NodeID
	table     *RoutingTable
	providers *ProviderStore
	rpc       RPC
	limiter   *rateLimiter
	seq       atomic.Uint64

	inbound chan *inboundRequest

	mu     sync.Mutex
	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}
}

type inboundRequest struct {
	frame *wire.BaseFrame
	reply func(*wire.BaseFrame)
}

// New creates a DHT engine.
func New(cfg *Config) (*Engine, error) {
	if cfg.Identity == nil {
		return nil, fmt.Errorf("identity is required")
	}
	if cfg.RPC == nil {
		return nil, fmt.Errorf("rpc transport is required")
	}
	cfg.applyDefaults()

	localID := NodeIDFromPeer(cfg.Identity.PeerID())

	return &Engine{
		log:       cfg.Log.With("component", "dht"),
		cfg:       cfg,
		id:        cfg.Identity,
		localID:   localID,
		table:     NewRoutingTable(localID),
		providers: NewProviderStore(0, cfg.ProviderTTL),
		rpc:       cfg.RPC,
		limiter:   newRateLimiter(128, 50*time.Millisecond),
		inbound:   make(chan *inboundRequest, cfg.InboundQueue),
	}, nil
}

// Start launches the maintenance and inbound loops. Locally pinned content
// is re-provided immediately, covering cold restarts.
func (e *Engine) Start(ctx context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.ctx != nil {
		return fmt.Errorf("dht engine already running")
	}

	e.ctx, e.cancel = context.WithCancel(ctx)
	e.done = make(chan struct{})

	go e.inboundLoop(e.ctx)
	go e.maintenanceLoop(e.ctx)

	if e.cfg.PinnedSource != nil {
		go e.republish(e.ctx)
	}

	return nil
}

// Stop halts the engine.
func (e *Engine) Stop() {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.cancel != nil {
		e.cancel()
		e.cancel = nil
		<-e.done
		e.ctx = nil
	}
}

// Table exposes the routing table for snapshots.
func (e *Engine) Table() *RoutingTable {
	return e.table
}

// AddPeer inserts a peer into the routing table, applying the
// ping-least-recently-seen eviction policy when the bucket is full.
func (e *Engine) AddPeer(peer *Peer) {
	added, evictCandidate := e.table.Add(peer)
	if added || evictCandidate == nil {
		return
	}

	go func() {
		ctx := e.runningContext()
		pingCtx, cancel := context.WithTimeout(ctx, e.cfg.RPCTimeout)
		defer cancel()

		if err := e.Ping(pingCtx, evictCandidate); err != nil {
			// Dead: evict it and let the replacement cache promote the
			// newcomer.
			e.table.Replace(evictCandidate.ID)
			e.log.Debug("evicted unresponsive peer",
				"peer", evictCandidate.PeerID, "replacement", peer.PeerID)
		}
	}()
}

// Ping checks liveness of a peer.
func (e *Engine) Ping(ctx context.Context, peer *Peer) error {
	token := make([]byte, 8)
	seq := e.nextSeq()
	copy(token, fmt.Sprintf("%08d", seq%100000000))

	frame := wire.NewPingFrame(e.localPeerID(), seq, token)
	resp, err := e.call(ctx, peer, frame)
	if err != nil {
		return err
	}
	if !resp.IsKind(constants.KindPong) {
		return fmt.Errorf("unexpected response kind %d to ping", resp.Kind)
	}
	return nil
}

// FindNode runs an iterative lookup and returns the K closest responders.
func (e *Engine) FindNode(ctx context.Context, key NodeID) ([]*Peer, error) {
	ctx, cancel := context.WithTimeout(ctx, e.cfg.QueryTimeout)
	defer cancel()

	res := e.newLookup(key, false, nil).run(ctx)
	return res.peers, nil
}

// FindProviders locates providers for a CID. Records already cached locally
// are merged with the DHT-derived set. When stream is non-nil, records are
// delivered on it in arrival order as the walk progresses; the consumer must
// treat the set as unordered. The configured OnProvidersFound callback fires
// with the complete set when the query finishes.
func (e *Engine) FindProviders(ctx context.Context, cid content.CID, stream chan<- *ProviderRecord) ([]*ProviderRecord, error) {
	key, err := NodeIDFromKey(cid.Hash)
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithTimeout(ctx, e.cfg.QueryTimeout)
	defer cancel()

	// Local state first: self-queries short-circuit here.
	seen := make(map[string]bool)
	var out []*ProviderRecord
	for _, rec := range e.providers.Get(cid) {
		seen[rec.PeerID] = true
		out = append(out, rec)
		if stream != nil {
			select {
			case stream <- rec.copy():
			default:
			}
		}
	}

	res := e.newLookup(key, true, stream).run(ctx)
	for _, rec := range res.providers {
		if !seen[rec.PeerID] {
			seen[rec.PeerID] = true
			out = append(out, rec)
		}
	}

	if e.cfg.OnProvidersFound != nil {
		e.cfg.OnProvidersFound(cid, out)
	}

	e.log.Debug("provider lookup finished", "cid", cid.String(), "providers", len(out))
	return out, nil
}

// Provide announces this node as a provider for cid: the record is written
// locally and onto the K closest responders to the key. One acknowledgment
// is enough; republishing fills the gaps.
func (e *Engine) Provide(ctx context.Context, cid content.CID) error {
	key, err := NodeIDFromKey(cid.Hash)
	if err != nil {
		return err
	}

	e.providers.Put(cid, e.localPeerID(), e.cfg.Addrs)

	lookupCtx, cancel := context.WithTimeout(ctx, e.cfg.QueryTimeout)
	res := e.newLookup(key, false, nil).run(lookupCtx)
	cancel()

	if len(res.peers) == 0 {
		return fmt.Errorf("no peers reachable to store provider record for %s", cid)
	}

	var acks atomic.Int64
	g, gctx := errgroup.WithContext(ctx)
	for _, peer := range res.peers {
		g.Go(func() error {
			frame := wire.NewAddProviderFrame(e.localPeerID(), e.nextSeq(),
				cid.String(), e.localPeerID(), e.cfg.Addrs)

			resp, err := e.call(gctx, peer, frame)
			if err != nil {
				e.log.Debug("add_provider failed", "peer", peer.PeerID, "err", err)
				return nil // partial success is success
			}

			var body wire.AddProviderAckBody
			if err := resp.Bind(&body); err == nil && body.OK {
				acks.Add(1)
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}

	if acks.Load() == 0 {
		return fmt.Errorf("no peer acknowledged provider record for %s", cid)
	}

	e.log.Debug("provided content", "cid", cid.String(), "acks", acks.Load())
	return nil
}

// Bootstrap joins the network through the given seed peers: a lookup for our
// own ID populates nearby buckets, then each non-empty distant bucket is
// refreshed with a random key in its range.
func (e *Engine) Bootstrap(ctx context.Context, seeds []*Peer) error {
	if len(seeds) == 0 {
		return fmt.Errorf("no seed peers configured")
	}

	for _, seed := range seeds {
		e.AddPeer(seed)
	}

	if _, err := e.FindNode(ctx, e.localID); err != nil {
		return fmt.Errorf("self lookup failed: %w", err)
	}

	selfBucket := -1
	if closest := e.table.Closest(e.localID, 1); len(closest) > 0 {
		selfBucket = BucketIndex(e.localID.Distance(closest[0].ID))
	}

	for _, idx := range e.table.NonEmptyBuckets() {
		if idx == selfBucket {
			continue
		}
		key := RandomKeyInBucket(e.localID, idx)
		if _, err := e.FindNode(ctx, key); err != nil {
			e.log.Debug("bucket refresh failed", "bucket", idx, "err", err)
		}
	}

	e.log.Info("bootstrap complete", "peers", e.table.Size())
	return nil
}

// Enqueue hands an inbound frame to the engine's bounded queue. It returns
// false when the queue is full and the frame was dropped.
func (e *Engine) Enqueue(frame *wire.BaseFrame, reply func(*wire.BaseFrame)) bool {
	select {
	case e.inbound <- &inboundRequest{frame: frame, reply: reply}:
		return true
	default:
		e.log.Debug("inbound queue full, dropping frame", "kind", frame.Kind, "from", frame.From)
		return false
	}
}

// HandleFrame processes one inbound DHT request and builds the response.
func (e *Engine) HandleFrame(frame *wire.BaseFrame) (*wire.BaseFrame, error) {
	if err := frame.Validate(); err != nil {
		return nil, fmt.Errorf("invalid frame: %w", err)
	}
	if !e.limiter.allow(frame.From) {
		return nil, fmt.Errorf("rate limit exceeded for %s", frame.From)
	}

	pub, err := identity.PublicKeyFromPeerID(frame.From)
	if err != nil {
		return nil, fmt.Errorf("unverifiable sender: %w", err)
	}
	if err := frame.Verify(pub); err != nil {
		return nil, fmt.Errorf("bad signature from %s: %w", frame.From, err)
	}

	// Any authenticated contact keeps the sender's table entry fresh.
	e.AddPeer(NewPeer(frame.From, nil))

	switch frame.Kind {
	case constants.KindPing:
		var body wire.PingBody
		if err := frame.Bind(&body); err != nil {
			return nil, err
		}
		return e.signed(wire.NewPongFrame(e.localPeerID(), e.nextSeq(), body.Token))

	case constants.KindFindNode:
		var body wire.FindNodeBody
		if err := frame.Bind(&body); err != nil {
			return nil, err
		}
		key, err := NodeIDFromKey(body.Key)
		if err != nil {
			return nil, err
		}
		return e.signed(wire.NewFindNodeRespFrame(e.localPeerID(), e.nextSeq(),
			e.closestEntries(key)))

	case constants.KindFindProviders:
		var body wire.FindProvidersBody
		if err := frame.Bind(&body); err != nil {
			return nil, err
		}
		key, err := NodeIDFromKey(body.Key)
		if err != nil {
			return nil, err
		}
		cid, err := content.NewCIDFromHash(body.Key)
		if err != nil {
			return nil, err
		}

		var providers []wire.ProviderEntry
		for _, rec := range e.providers.Get(cid) {
			providers = append(providers, wire.ProviderEntry{
				CID:      rec.CID.String(),
				Provider: rec.PeerID,
				Addrs:    rec.Addrs,
				Expire:   uint64(rec.InsertedAt.Add(e.cfg.ProviderTTL).UnixMilli()),
			})
		}
		return e.signed(wire.NewFindProvidersRespFrame(e.localPeerID(), e.nextSeq(),
			e.closestEntries(key), providers))

	case constants.KindAddProvider:
		var body wire.AddProviderBody
		if err := frame.Bind(&body); err != nil {
			return nil, err
		}
		cid, err := content.ParseCID(body.CID)
		if err != nil {
			return nil, fmt.Errorf("add_provider with bad CID: %w", err)
		}
		e.providers.Put(cid, body.Provider, body.Addrs)
		return e.signed(wire.NewAddProviderAckFrame(e.localPeerID(), e.nextSeq(), true))

	default:
		return nil, fmt.Errorf("unsupported DHT message kind: %d", frame.Kind)
	}
}

// ProviderStoreLen reports the number of records held, for stats.
func (e *Engine) ProviderStoreLen() int {
	return e.providers.Len()
}

func (e *Engine) closestEntries(key NodeID) []wire.PeerEntry {
	peers := e.table.Closest(key, e.cfg.K)
	entries := make([]wire.PeerEntry, 0, len(peers))
	for _, peer := range peers {
		entries = append(entries, wire.PeerEntry{ID: peer.PeerID, Addrs: peer.Addrs})
	}
	return entries
}

func (e *Engine) inboundLoop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case req := <-e.inbound:
			resp, err := e.HandleFrame(req.frame)
			if err != nil {
				e.log.Debug("inbound frame rejected", "from", req.frame.From, "err", err)
				continue
			}
			if req.reply != nil {
				req.reply(resp)
			}
		}
	}
}

func (e *Engine) maintenanceLoop(ctx context.Context) {
	defer close(e.done)

	sweep := time.NewTicker(e.cfg.SweepInterval)
	republish := time.NewTicker(e.cfg.RepublishInterval)
	defer sweep.Stop()
	defer republish.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-sweep.C:
			if removed := e.providers.Sweep(); removed > 0 {
				e.log.Debug("swept expired provider records", "removed", removed)
			}
			e.table.RemoveStale(4 * e.cfg.SweepInterval)
		case <-republish.C:
			e.republish(ctx)
		}
	}
}

func (e *Engine) republish(ctx context.Context) {
	if e.cfg.PinnedSource == nil {
		return
	}
	for _, cid := range e.cfg.PinnedSource() {
		if ctx.Err() != nil {
			return
		}
		if err := e.Provide(ctx, cid); err != nil {
			e.log.Debug("republish failed", "cid", cid.String(), "err", err)
		}
	}
}

func (e *Engine) call(ctx context.Context, peer *Peer, frame *wire.BaseFrame) (*wire.BaseFrame, error) {
	if err := frame.Sign(e.id.SigningPrivateKey); err != nil {
		return nil, err
	}

	ctx, cancel := context.WithTimeout(ctx, e.cfg.RPCTimeout)
	defer cancel()

	resp, err := e.rpc.Call(ctx, peer, frame)
	if err != nil {
		return nil, err
	}

	// Successful contact refreshes the responder's entry and addresses.
	refreshed := peer.Copy()
	refreshed.Touch()
	e.AddPeer(refreshed)

	return resp, nil
}

func (e *Engine) signed(frame *wire.BaseFrame) (*wire.BaseFrame, error) {
	if err := frame.Sign(e.id.SigningPrivateKey); err != nil {
		return nil, err
	}
	return frame, nil
}

func (e *Engine) localPeerID() string {
	return e.id.PeerID()
}

func (e *Engine) nextSeq() uint64 {
	return e.seq.Add(1)
}

func (e *Engine) runningContext() context.Context {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.ctx != nil {
		return e.ctx
	}
	return context.Background()
}
