// Package scheduler implements the parallel chunk download engine: per-CID
// download state machines with rarest-first ordering, tracker-ranked peer
// selection, tit-for-tat reciprocation with optimistic unchoke, and
// end-to-end integrity verification of the reassembled content.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"

	"github.com/extrophi/codio/pkg/constants"
	"github.com/extrophi/codio/pkg/content"
	"github.com/extrophi/codio/pkg/logging"
	"github.com/extrophi/codio/pkg/tracker"
)

// Metadata is a provider's answer to GET_METADATA.
type Metadata struct {
	TotalBytes   uint64
	ChunkSize    uint32
	Availability []byte // bitmap, bit i set when chunk i is held
}

// Fetcher issues chunk-transfer RPCs to a peer.
type Fetcher interface {
	GetMetadata(ctx context.Context, peerID string, cid content.CID) (*Metadata, error)
	GetChunk(ctx context.Context, peerID string, cid content.CID, idx uint32) (*content.Chunk, error)
}

// ProviderSource supplies fresh providers when a download has exhausted its
// peer set.
type ProviderSource interface {
	RefreshProviders(ctx context.Context, cid content.CID) ([]string, error)
}

// Config holds distributor configuration.
type Config struct {
	Log      *slog.Logger
	Strategy Strategy

	MaxConcurrentDownloads int64
	ChunksPerPeer          int
	Alpha                  int // concurrent metadata queries

	RequestTimeout  time.Duration
	MetadataTimeout time.Duration
	UnchokeInterval time.Duration
	PeerCooldown    time.Duration

	ProviderRefreshBudget int
	MinUploadRatio        float64
}

// DefaultConfig returns the standard scheduler parameters.
func DefaultConfig() *Config {
	return &Config{
		Strategy:               RarestFirst,
		MaxConcurrentDownloads: constants.MaxConcurrentDownloads,
		ChunksPerPeer:          constants.ChunksPerPeer,
		Alpha:                  constants.DHTAlpha,
		RequestTimeout:         constants.RequestTimeout,
		MetadataTimeout:        constants.MetadataTimeout,
		UnchokeInterval:        constants.UnchokeInterval,
		PeerCooldown:           constants.PeerCooldown,
		ProviderRefreshBudget:  constants.ProviderRefreshes,
		MinUploadRatio:         constants.MinUploadRatio,
	}
}

// Distributor coordinates all downloads and the tit-for-tat serve policy.
type Distributor struct {
	log     *slog.Logger
	cfg     *Config
	tracker *tracker.Tracker
	fetcher Fetcher
	source  ProviderSource

	sem *semaphore.Weighted

	mu          sync.Mutex
	downloads   map[string]*downloadHandle
	lastUnchoke time.Time
}

type downloadHandle struct {
	mu   sync.Mutex
	dl   *Download
	once sync.Once
}

type fetchResult struct {
	idx     uint32
	peer    string
	chunk   *content.Chunk
	err     error
	elapsed time.Duration
}

// NewDistributor creates a distributor. source may be nil when no background
// provider refresh is available.
func NewDistributor(cfg *Config, tr *tracker.Tracker, fetcher Fetcher, source ProviderSource) *Distributor {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	if cfg.Log == nil {
		cfg.Log = logging.Discard()
	}
	if cfg.MaxConcurrentDownloads <= 0 {
		cfg.MaxConcurrentDownloads = constants.MaxConcurrentDownloads
	}
	if cfg.ChunksPerPeer <= 0 {
		cfg.ChunksPerPeer = constants.ChunksPerPeer
	}
	if cfg.Alpha <= 0 {
		cfg.Alpha = constants.DHTAlpha
	}

	return &Distributor{
		log:         cfg.Log.With("component", "scheduler"),
		cfg:         cfg,
		tracker:     tr,
		fetcher:     fetcher,
		source:      source,
		sem:         semaphore.NewWeighted(cfg.MaxConcurrentDownloads),
		downloads:   make(map[string]*downloadHandle),
		lastUnchoke: time.Now(),
	}
}

// SetProviderSource wires the background provider refresh after
// construction; the transfer manager registers itself here once both sides
// exist.
func (d *Distributor) SetProviderSource(source ProviderSource) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.source = source
}

// Download fetches the blob named by cid from the given providers and
// returns the verified bytes. It blocks until completion, failure, or
// cancellation.
func (d *Distributor) Download(ctx context.Context, cid content.CID, providers []string) ([]byte, error) {
	if len(providers) == 0 {
		return nil, &NoProvidersError{CID: cid.String()}
	}

	if err := d.sem.Acquire(ctx, 1); err != nil {
		return nil, err
	}
	defer d.sem.Release(1)

	ranked := d.tracker.Rank(providers)
	handle := &downloadHandle{
		dl: newDownload(cid, ranked, d.cfg.Strategy, d.cfg.ProviderRefreshBudget),
	}

	d.mu.Lock()
	if _, exists := d.downloads[cid.Key()]; exists {
		d.mu.Unlock()
		return nil, ErrAlreadyDownloading
	}
	d.downloads[cid.Key()] = handle
	d.mu.Unlock()

	defer func() {
		d.mu.Lock()
		delete(d.downloads, cid.Key())
		d.mu.Unlock()
	}()

	data, err := d.run(ctx, handle)
	if err != nil {
		d.log.Warn("download failed", "cid", cid.String(), "err", err)
		return nil, err
	}

	d.log.Info("download complete", "cid", cid.String(), "bytes", len(data))
	return data, nil
}

// Cancel aborts an active download. It is idempotent and safe to call for
// unknown CIDs.
func (d *Distributor) Cancel(cid content.CID) {
	d.mu.Lock()
	handle, ok := d.downloads[cid.Key()]
	d.mu.Unlock()

	if ok {
		handle.once.Do(func() { close(handle.dl.cancelled) })
	}
}

// Progress reports the status of an active download.
func (d *Distributor) Progress(cid content.CID) (Progress, bool) {
	d.mu.Lock()
	handle, ok := d.downloads[cid.Key()]
	d.mu.Unlock()

	if !ok {
		return Progress{}, false
	}

	handle.mu.Lock()
	defer handle.mu.Unlock()
	return handle.dl.progress(), true
}

// ShouldUpload applies tit-for-tat: serve iff the peer's ratio clears the
// floor, the peer is unknown, or this request lands an optimistic-unchoke
// slot.
func (d *Distributor) ShouldUpload(peerID string) bool {
	if _, known := d.tracker.Stats(peerID); !known {
		return true
	}
	if d.tracker.Ratio(peerID) >= d.cfg.MinUploadRatio {
		return true
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	if time.Since(d.lastUnchoke) >= d.cfg.UnchokeInterval {
		d.lastUnchoke = time.Now()
		return true
	}
	return false
}

// run drives one download through its state machine.
func (d *Distributor) run(ctx context.Context, handle *downloadHandle) ([]byte, error) {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	// An external Cancel aborts every in-flight request at its next
	// suspension point.
	go func() {
		select {
		case <-handle.dl.cancelled:
			cancel()
		case <-ctx.Done():
		}
	}()

	if err := d.gather(ctx, handle); err != nil {
		d.fail(handle, err)
		return nil, err
	}

	if err := d.fetchAll(ctx, handle); err != nil {
		d.fail(handle, err)
		return nil, err
	}

	data, err := d.verify(handle)
	if err != nil {
		d.fail(handle, err)
		return nil, err
	}
	return data, nil
}

// gather queries up to alpha providers for metadata; the blob shape is
// decided majority-wins across the answers.
func (d *Distributor) gather(ctx context.Context, handle *downloadHandle) error {
	handle.mu.Lock()
	dl := handle.dl
	dl.state = StateGathering
	providers := append([]string(nil), dl.providers...)
	handle.mu.Unlock()

	if len(providers) > d.cfg.Alpha {
		providers = providers[:d.cfg.Alpha]
	}

	type answer struct {
		peer string
		meta *Metadata
	}
	answers := make([]answer, 0, len(providers))
	var answersMu sync.Mutex

	g, gctx := errgroup.WithContext(ctx)
	for _, peer := range providers {
		g.Go(func() error {
			mctx, mcancel := context.WithTimeout(gctx, d.cfg.MetadataTimeout)
			defer mcancel()

			meta, err := d.fetcher.GetMetadata(mctx, peer, dl.cid)
			if err != nil {
				d.log.Debug("metadata query failed", "peer", peer, "err", err)
				return nil
			}
			answersMu.Lock()
			answers = append(answers, answer{peer: peer, meta: meta})
			answersMu.Unlock()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}

	if len(answers) == 0 {
		handle.mu.Lock()
		tried := copyTried(dl.tried, providers, "no metadata response")
		cidStr := dl.cid.String()
		handle.mu.Unlock()
		return &NoProvidersError{CID: cidStr, Tried: tried}
	}

	// Majority-wins on conflicting shapes.
	type shape struct {
		totalBytes uint64
		chunkSize  uint32
	}
	votes := make(map[shape]int)
	var winner shape
	for _, a := range answers {
		s := shape{a.meta.TotalBytes, a.meta.ChunkSize}
		votes[s]++
		if votes[s] > votes[winner] {
			winner = s
		}
	}

	handle.mu.Lock()
	defer handle.mu.Unlock()

	dl.applyMetadata(winner.totalBytes, winner.chunkSize)
	for _, a := range answers {
		if a.meta.TotalBytes == winner.totalBytes && a.meta.ChunkSize == winner.chunkSize {
			dl.applyBitmap(a.peer, a.meta.Availability)
		}
	}

	dl.state = StateRunning
	dl.computeOrder()
	return nil
}

// fetchAll runs the request loop until every chunk is committed.
func (d *Distributor) fetchAll(ctx context.Context, handle *downloadHandle) error {
	dl := handle.dl

	if dl.totalChunks == 0 {
		return nil // empty blob
	}

	results := make(chan *fetchResult, d.cfg.ChunksPerPeer*4)

	for {
		launched := d.launchFetches(ctx, handle, results)

		handle.mu.Lock()
		done := dl.complete()
		idle := len(dl.inflight) == 0
		handle.mu.Unlock()

		if done {
			return nil
		}

		if launched == 0 && idle {
			// Peers merely cooling down get another chance before the
			// refresh budget is spent; exhausted peers do not count.
			if wait := d.nextCooldownExpiry(handle); wait > 0 {
				select {
				case <-time.After(wait):
					continue
				case <-ctx.Done():
					return d.abortReason(ctx, handle)
				}
			}

			if err := d.refreshProviders(ctx, handle); err != nil {
				return err
			}
			continue
		}

		select {
		case res := <-results:
			d.handleResult(handle, res)
		case <-ctx.Done():
			return d.abortReason(ctx, handle)
		}
	}
}

// launchFetches starts requests for wanted chunks under the concurrency
// discipline: the per-download bound and the per-peer bound.
func (d *Distributor) launchFetches(ctx context.Context, handle *downloadHandle, results chan<- *fetchResult) int {
	handle.mu.Lock()
	defer handle.mu.Unlock()

	dl := handle.dl
	maxInflight := int(d.cfg.MaxConcurrentDownloads)
	if bound := len(dl.providers) * d.cfg.ChunksPerPeer; bound < maxInflight {
		maxInflight = bound
	}

	launched := 0
	for _, idx := range dl.order {
		if len(dl.inflight) >= maxInflight {
			break
		}
		if dl.downloaded[idx] {
			continue
		}
		if _, busy := dl.inflight[idx]; busy {
			continue
		}

		peer := d.pickPeerLocked(dl, idx)
		if peer == "" {
			continue
		}

		dl.inflight[idx] = inflightInfo{peer: peer, startedAt: time.Now()}
		dl.inflightPerPeer[peer]++
		launched++

		go d.fetchChunk(ctx, dl.cid, idx, peer, results)
	}
	return launched
}

// pickPeerLocked selects a peer for chunk idx: holders of the chunk, not
// banned for it, off cooldown, and under the per-peer bound. Best
// reputation wins, with the periodic optimistic-unchoke slot handed to an
// unproven peer.
func (d *Distributor) pickPeerLocked(dl *Download, idx uint32) string {
	now := time.Now()
	var candidates []string
	for _, peer := range dl.holders(idx) {
		if dl.bannedFor[idx][peer] || dl.exhausted[peer] {
			continue
		}
		if until, cooling := dl.cooldown[peer]; cooling && now.Before(until) {
			continue
		}
		if dl.inflightPerPeer[peer] >= d.cfg.ChunksPerPeer {
			continue
		}
		candidates = append(candidates, peer)
	}
	if len(candidates) == 0 {
		return ""
	}

	d.mu.Lock()
	unchoke := time.Since(d.lastUnchoke) >= d.cfg.UnchokeInterval
	if unchoke {
		d.lastUnchoke = now
	}
	d.mu.Unlock()

	if unchoke {
		for _, peer := range candidates {
			if stats, ok := d.tracker.Stats(peer); !ok || stats.Reputation < constants.MinReputation {
				return peer
			}
		}
	}

	// Prefer peers clearing the reputation floor; fall back to anyone
	// rather than stalling.
	ranked := d.tracker.Rank(candidates)
	for _, peer := range ranked {
		if stats, ok := d.tracker.Stats(peer); !ok || stats.Reputation >= constants.MinReputation {
			return peer
		}
	}
	return ranked[0]
}

func (d *Distributor) fetchChunk(ctx context.Context, cid content.CID, idx uint32, peer string, results chan<- *fetchResult) {
	rctx, cancel := context.WithTimeout(ctx, d.cfg.RequestTimeout)
	defer cancel()

	start := time.Now()
	chunk, err := d.fetcher.GetChunk(rctx, peer, cid, idx)

	res := &fetchResult{
		idx:     idx,
		peer:    peer,
		chunk:   chunk,
		err:     err,
		elapsed: time.Since(start),
	}

	select {
	case results <- res:
	case <-ctx.Done():
	}
}

// handleResult commits or releases one finished fetch. Download state is
// mutated under the handle lock; tracker updates happen after it is
// released.
func (d *Distributor) handleResult(handle *downloadHandle, res *fetchResult) {
	dl := handle.dl

	type trackerAction int
	const (
		actNone trackerAction = iota
		actSuccess
		actFailure
	)
	action := actNone
	var bytes, bps uint64

	handle.mu.Lock()
	if dl.inflightPerPeer[res.peer] > 0 {
		dl.inflightPerPeer[res.peer]--
	}

	switch {
	case res.err != nil && (errors.Is(res.err, ErrNotEligible) || errors.Is(res.err, ErrBusy)):
		// Policy refusal: the peer is healthy but declining right now.
		// Cool down and retry; no reputation damage.
		dl.release(res.idx)
		dl.cooldown[res.peer] = time.Now().Add(d.cfg.PeerCooldown)
		dl.tried[res.peer] = res.err.Error()

	case res.err != nil:
		// Transport error or timeout: the chunk goes back to wanted and
		// the peer sits out the cooldown. Peers that keep failing are
		// exhausted for the rest of this download.
		dl.release(res.idx)
		dl.cooldown[res.peer] = time.Now().Add(d.cfg.PeerCooldown)
		dl.peerFailures[res.peer]++
		if dl.peerFailures[res.peer] >= maxPeerFailures {
			dl.exhausted[res.peer] = true
		}
		dl.tried[res.peer] = res.err.Error()
		action = actFailure

	case res.chunk == nil, res.chunk.Index != res.idx, !res.chunk.Verify():
		// Corrupt or mismatched data: never retry this peer for this chunk.
		dl.release(res.idx)
		dl.banPeerFor(res.idx, res.peer)
		dl.tried[res.peer] = "returned corrupt chunk"
		action = actFailure

	default:
		dl.commit(res.chunk)
		bytes = res.chunk.Size()
		if res.elapsed > 0 {
			bps = uint64(float64(bytes) / res.elapsed.Seconds())
		}
		action = actSuccess
	}
	handle.mu.Unlock()

	switch action {
	case actSuccess:
		d.tracker.RecordChunkSuccess(res.peer, bytes, bps)
	case actFailure:
		d.tracker.RecordChunkFailure(res.peer)
	}
}

// refreshProviders asks the provider source for new peers once the current
// set is exhausted, up to the per-download budget.
func (d *Distributor) refreshProviders(ctx context.Context, handle *downloadHandle) error {
	dl := handle.dl

	handle.mu.Lock()
	budget := dl.refreshBudget
	cidStr := dl.cid.String()
	known := make(map[string]bool, len(dl.providers))
	for _, peer := range dl.providers {
		known[peer] = true
	}
	tried := copyTried(dl.tried, nil, "")
	handle.mu.Unlock()

	d.mu.Lock()
	source := d.source
	d.mu.Unlock()

	if source == nil || budget <= 0 {
		return &NoProvidersError{CID: cidStr, Tried: tried}
	}

	peers, err := source.RefreshProviders(ctx, dl.cid)
	if err != nil {
		return fmt.Errorf("provider refresh failed: %w", err)
	}

	var fresh []string
	for _, peer := range peers {
		if !known[peer] {
			fresh = append(fresh, peer)
		}
	}

	handle.mu.Lock()
	dl.refreshBudget--
	handle.mu.Unlock()

	if len(fresh) == 0 {
		// Nothing new this round; burn a refresh and wait for cooldowns.
		if wait := d.nextCooldownExpiry(handle); wait > 0 {
			select {
			case <-time.After(wait):
				return nil
			case <-ctx.Done():
				return ctx.Err()
			}
		}
		handle.mu.Lock()
		exhausted := dl.refreshBudget <= 0
		handle.mu.Unlock()
		if exhausted {
			return &NoProvidersError{CID: cidStr, Tried: tried}
		}
		return nil
	}

	// Gather availability from the newcomers, then fold them in.
	for _, peer := range fresh {
		mctx, mcancel := context.WithTimeout(ctx, d.cfg.MetadataTimeout)
		meta, err := d.fetcher.GetMetadata(mctx, peer, dl.cid)
		mcancel()

		handle.mu.Lock()
		dl.providers = append(dl.providers, peer)
		if err == nil && meta.TotalBytes == dl.totalBytes && meta.ChunkSize == dl.chunkSize {
			dl.applyBitmap(peer, meta.Availability)
		} else {
			dl.peerChunks[peer] = nil
		}
		handle.mu.Unlock()
	}

	handle.mu.Lock()
	dl.providers = d.tracker.Rank(dl.providers)
	dl.computeOrder()
	handle.mu.Unlock()

	d.log.Debug("providers refreshed", "cid", cidStr, "new", len(fresh))
	return nil
}

// verify reassembles the blob and checks it against the requested CID.
func (d *Distributor) verify(handle *downloadHandle) ([]byte, error) {
	handle.mu.Lock()
	dl := handle.dl
	dl.state = StateVerifying
	chunks := dl.orderedChunks()
	handle.mu.Unlock()

	data, err := content.ReconstructData(chunks)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrIntegrity, err)
	}

	if !dl.cid.Verify(data) {
		return nil, ErrIntegrity
	}

	handle.mu.Lock()
	dl.state = StateComplete
	handle.mu.Unlock()
	return data, nil
}

func (d *Distributor) fail(handle *downloadHandle, err error) {
	handle.mu.Lock()
	handle.dl.state = StateFailed
	handle.dl.err = err
	handle.mu.Unlock()
}

// abortReason distinguishes an external cancel from a deadline.
func (d *Distributor) abortReason(ctx context.Context, handle *downloadHandle) error {
	select {
	case <-handle.dl.cancelled:
		return ErrCancelled
	default:
		return ctx.Err()
	}
}

// maxPeerFailures bounds transport failures tolerated from one peer within
// a single download.
const maxPeerFailures = 3

// nextCooldownExpiry returns how long until the soonest cooldown among
// non-exhausted peers ends; zero when no such peer is cooling down.
func (d *Distributor) nextCooldownExpiry(handle *downloadHandle) time.Duration {
	handle.mu.Lock()
	defer handle.mu.Unlock()

	now := time.Now()
	var soonest time.Duration
	for peer, until := range handle.dl.cooldown {
		if handle.dl.exhausted[peer] {
			continue
		}
		if until.After(now) {
			wait := until.Sub(now)
			if soonest == 0 || wait < soonest {
				soonest = wait
			}
		}
	}
	return soonest
}

func copyTried(tried map[string]string, alsoPeers []string, reason string) map[string]string {
	out := make(map[string]string, len(tried)+len(alsoPeers))
	for peer, why := range tried {
		out[peer] = why
	}
	for _, peer := range alsoPeers {
		if _, ok := out[peer]; !ok {
			out[peer] = reason
		}
	}
	return out
}
