// Package tracker implements the availability tracker: rolling per-peer
// transfer metrics, a locally computed reputation score, best-peer selection
// for downloads, and gossip exchange of peer summaries. Reputation is never
// imported from gossip: foreign scores are unattested and serve discovery
// only.
package tracker

import (
	"log/slog"
	"math"
	"sort"
	"sync"
	"time"

	"github.com/extrophi/codio/pkg/constants"
	"github.com/extrophi/codio/pkg/content"
	"github.com/extrophi/codio/pkg/logging"
	"github.com/extrophi/codio/pkg/wire"
)

// Config holds tracker configuration.
type Config struct {
	Log *slog.Logger

	SuccessWeight  float64
	UptimeWeight   float64
	MinReputation  float64
	WindowSize     int // bandwidth samples kept per peer
	PeerTimeout    time.Duration
	GossipInterval time.Duration

	// SendGossip publishes this node's summaries to neighbors. Nil disables
	// the gossip loop.
	SendGossip func([]wire.PeerSummary)
}

// DefaultConfig returns the standard tracker parameters.
func DefaultConfig() *Config {
	return &Config{
		SuccessWeight:  constants.SuccessWeight,
		UptimeWeight:   constants.UptimeWeight,
		MinReputation:  constants.MinReputation,
		WindowSize:     constants.BandwidthWindow,
		PeerTimeout:    constants.PeerTimeout,
		GossipInterval: constants.GossipInterval,
	}
}

// PeerStats is the rolling record for one peer. Uploaded counts bytes the
// peer has sent us; Downloaded counts bytes it has taken from us.
type PeerStats struct {
	PeerID          string
	UploadedBytes   uint64
	DownloadedBytes uint64
	ChunksServed    uint64
	ChunksFailed    uint64
	FirstSeen       time.Time
	LastSeen        time.Time
	Online          bool
	Reputation      float64
	DownloadSpeed   uint64 // bytes/sec rolling mean

	samples []uint64
	seeded  bool // created from gossip, not direct observation
}

// Ratio returns uploaded/downloaded, +Inf when the peer has taken nothing.
func (s *PeerStats) Ratio() float64 {
	if s.DownloadedBytes == 0 {
		return math.Inf(1)
	}
	return float64(s.UploadedBytes) / float64(s.DownloadedBytes)
}

// IsReliable reports reputation above the reliable threshold.
func (s *PeerStats) IsReliable() bool {
	return s.Reputation > constants.ReliableThreshold
}

// IsUnreliable reports reputation below the admission floor.
func (s *PeerStats) IsUnreliable() bool {
	return s.Reputation < constants.MinReputation
}

func (s *PeerStats) copy() *PeerStats {
	clone := *s
	clone.samples = append([]uint64(nil), s.samples...)
	return &clone
}

// Tracker owns all PeerStats plus the CID→providers availability map.
type Tracker struct {
	log *slog.Logger
	cfg *Config

	mu      sync.RWMutex
	peers   map[string]*PeerStats
	holders map[string]map[string]bool // cid key -> peer set

	ctx  chan struct{} // closed on Stop
	wg   sync.WaitGroup
	once sync.Once
}

// New creates a tracker.
func New(cfg *Config) *Tracker {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	if cfg.Log == nil {
		cfg.Log = logging.Discard()
	}
	if cfg.WindowSize <= 0 {
		cfg.WindowSize = constants.BandwidthWindow
	}
	if cfg.SuccessWeight == 0 && cfg.UptimeWeight == 0 {
		cfg.SuccessWeight = constants.SuccessWeight
		cfg.UptimeWeight = constants.UptimeWeight
	}
	if cfg.PeerTimeout <= 0 {
		cfg.PeerTimeout = constants.PeerTimeout
	}
	if cfg.GossipInterval <= 0 {
		cfg.GossipInterval = constants.GossipInterval
	}

	return &Tracker{
		log:     cfg.Log.With("component", "tracker"),
		cfg:     cfg,
		peers:   make(map[string]*PeerStats),
		holders: make(map[string]map[string]bool),
		ctx:     make(chan struct{}),
	}
}

// Start launches the gossip and sweep loop.
func (t *Tracker) Start() {
	t.wg.Add(1)
	go t.loop()
}

// Stop halts the background loop.
func (t *Tracker) Stop() {
	t.once.Do(func() { close(t.ctx) })
	t.wg.Wait()
}

// RecordPeerOnline marks a peer online, creating its stats entry on first
// sight.
func (t *Tracker) RecordPeerOnline(peerID string) {
	t.mu.Lock()
	defer t.mu.Unlock()

	stats := t.statsLocked(peerID)
	stats.Online = true
	stats.LastSeen = time.Now()
}

// RecordPeerOffline marks a peer offline.
func (t *Tracker) RecordPeerOffline(peerID string) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if stats, ok := t.peers[peerID]; ok {
		stats.Online = false
	}
}

// RecordChunkSuccess records a chunk successfully served to us by peerID,
// with the observed throughput sample.
func (t *Tracker) RecordChunkSuccess(peerID string, bytes uint64, bytesPerSec uint64) {
	t.mu.Lock()
	defer t.mu.Unlock()

	stats := t.statsLocked(peerID)
	stats.ChunksServed++
	stats.UploadedBytes += bytes
	stats.LastSeen = time.Now()
	stats.Online = true
	if bytesPerSec > 0 {
		t.addSampleLocked(stats, bytesPerSec)
	}
	t.updateReputationLocked(stats)
}

// RecordChunkFailure records a failed or corrupt chunk from peerID.
func (t *Tracker) RecordChunkFailure(peerID string) {
	t.mu.Lock()
	defer t.mu.Unlock()

	stats := t.statsLocked(peerID)
	stats.ChunksFailed++
	stats.LastSeen = time.Now()
	t.updateReputationLocked(stats)
}

// RecordServedBytes records bytes this node served to peerID.
func (t *Tracker) RecordServedBytes(peerID string, bytes uint64) {
	t.mu.Lock()
	defer t.mu.Unlock()

	stats := t.statsLocked(peerID)
	stats.DownloadedBytes += bytes
	stats.LastSeen = time.Now()
}

// RecordContentAvailable notes that peerID holds cid.
func (t *Tracker) RecordContentAvailable(cid content.CID, peerID string) {
	t.mu.Lock()
	defer t.mu.Unlock()

	key := cid.Key()
	if t.holders[key] == nil {
		t.holders[key] = make(map[string]bool)
	}
	t.holders[key][peerID] = true
	t.statsLocked(peerID)
}

// Stats returns a copy of a peer's stats.
func (t *Tracker) Stats(peerID string) (*PeerStats, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()

	stats, ok := t.peers[peerID]
	if !ok {
		return nil, false
	}
	return stats.copy(), true
}

// Ratio returns the tit-for-tat ratio for a peer; +Inf for unknown peers, so
// strangers are admitted until proven freeloaders.
func (t *Tracker) Ratio(peerID string) float64 {
	t.mu.RLock()
	defer t.mu.RUnlock()

	stats, ok := t.peers[peerID]
	if !ok {
		return math.Inf(1)
	}
	return stats.Ratio()
}

// SelectBest ranks the known holders of cid: online, reputation at or above
// the floor, sorted by reputation then bandwidth, first n. Peers without
// stats enter at the neutral reputation and are admitted.
func (t *Tracker) SelectBest(cid content.CID, n int) []string {
	t.mu.RLock()
	defer t.mu.RUnlock()

	holders := t.holders[cid.Key()]
	if len(holders) == 0 {
		return nil
	}

	type scored struct {
		peerID string
		rep    float64
		speed  uint64
	}

	candidates := make([]scored, 0, len(holders))
	for peerID := range holders {
		stats, ok := t.peers[peerID]
		if !ok {
			candidates = append(candidates, scored{peerID, constants.NeutralReputation, 0})
			continue
		}
		if !stats.Online || stats.Reputation < t.cfg.MinReputation {
			continue
		}
		candidates = append(candidates, scored{peerID, stats.Reputation, stats.DownloadSpeed})
	}

	sort.Slice(candidates, func(i, j int) bool {
		if candidates[i].rep != candidates[j].rep {
			return candidates[i].rep > candidates[j].rep
		}
		return candidates[i].speed > candidates[j].speed
	})

	if n > len(candidates) {
		n = len(candidates)
	}
	out := make([]string, n)
	for i := 0; i < n; i++ {
		out[i] = candidates[i].peerID
	}
	return out
}

// Rank orders an arbitrary peer list by (reputation desc, speed desc),
// admitting unknown peers at the neutral score.
func (t *Tracker) Rank(peerIDs []string) []string {
	t.mu.RLock()
	defer t.mu.RUnlock()

	ranked := append([]string(nil), peerIDs...)
	sort.SliceStable(ranked, func(i, j int) bool {
		ri, si := t.scoreLocked(ranked[i])
		rj, sj := t.scoreLocked(ranked[j])
		if ri != rj {
			return ri > rj
		}
		return si > sj
	})
	return ranked
}

// GossipUpdate builds the summaries to share with neighbors: every online
// peer's locally observed reputation, speed and last-seen.
func (t *Tracker) GossipUpdate() []wire.PeerSummary {
	t.mu.RLock()
	defer t.mu.RUnlock()

	var summaries []wire.PeerSummary
	for _, stats := range t.peers {
		if !stats.Online {
			continue
		}
		summaries = append(summaries, wire.PeerSummary{
			Peer:       stats.PeerID,
			Reputation: stats.Reputation,
			Speed:      stats.DownloadSpeed,
			LastSeen:   uint64(stats.LastSeen.UnixMilli()),
		})
	}
	return summaries
}

// ApplyGossip merges received summaries. For known peers only a fresher
// last-seen is taken, never the foreign reputation. Unknown peers are
// seeded with the reported values until the first direct interaction
// replaces them.
func (t *Tracker) ApplyGossip(summaries []wire.PeerSummary) {
	t.mu.Lock()
	defer t.mu.Unlock()

	for _, summary := range summaries {
		if summary.Peer == "" {
			continue
		}
		reported := time.UnixMilli(int64(summary.LastSeen))

		if existing, ok := t.peers[summary.Peer]; ok {
			if reported.After(existing.LastSeen) {
				existing.LastSeen = reported
			}
			continue
		}

		now := time.Now()
		t.peers[summary.Peer] = &PeerStats{
			PeerID:        summary.Peer,
			FirstSeen:     now,
			LastSeen:      reported,
			Online:        true,
			Reputation:    summary.Reputation,
			DownloadSpeed: summary.Speed,
			samples:       []uint64{summary.Speed},
			seeded:        true,
		}
		t.log.Debug("discovered peer via gossip", "peer", summary.Peer)
	}
}

// SweepStale drops peers unseen within the timeout and returns the count.
func (t *Tracker) SweepStale() int {
	t.mu.Lock()
	defer t.mu.Unlock()

	removed := 0
	for peerID, stats := range t.peers {
		if time.Since(stats.LastSeen) > t.cfg.PeerTimeout {
			delete(t.peers, peerID)
			removed++
		}
	}
	if removed > 0 {
		t.log.Debug("swept stale peers", "removed", removed)
	}
	return removed
}

// Len returns the number of tracked peers.
func (t *Tracker) Len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.peers)
}

func (t *Tracker) loop() {
	defer t.wg.Done()

	gossip := time.NewTicker(t.cfg.GossipInterval)
	sweep := time.NewTicker(t.cfg.PeerTimeout)
	defer gossip.Stop()
	defer sweep.Stop()

	for {
		select {
		case <-t.ctx:
			return
		case <-gossip.C:
			if t.cfg.SendGossip != nil {
				if summaries := t.GossipUpdate(); len(summaries) > 0 {
					t.cfg.SendGossip(summaries)
				}
			}
		case <-sweep.C:
			t.SweepStale()
		}
	}
}

// statsLocked fetches or creates the entry for peerID. A direct observation
// of a gossip-seeded peer resets it to the neutral starting point.
func (t *Tracker) statsLocked(peerID string) *PeerStats {
	stats, ok := t.peers[peerID]
	if ok {
		if stats.seeded {
			now := time.Now()
			stats.seeded = false
			stats.FirstSeen = now
			stats.Reputation = constants.NeutralReputation
			stats.DownloadSpeed = 0
			stats.samples = nil
		}
		return stats
	}

	now := time.Now()
	stats = &PeerStats{
		PeerID:     peerID,
		FirstSeen:  now,
		LastSeen:   now,
		Online:     true,
		Reputation: constants.NeutralReputation,
	}
	t.peers[peerID] = stats
	return stats
}

func (t *Tracker) addSampleLocked(stats *PeerStats, bytesPerSec uint64) {
	stats.samples = append(stats.samples, bytesPerSec)
	for len(stats.samples) > t.cfg.WindowSize {
		stats.samples = stats.samples[1:]
	}

	var sum uint64
	for _, s := range stats.samples {
		sum += s
	}
	stats.DownloadSpeed = sum / uint64(len(stats.samples))
}

// updateReputationLocked recomputes the cached score:
//
//	successRate = served / max(1, served+failed), neutral 0.5 with no data
//	uptime      = min(age/1h, 1)
//	reputation  = clamp(0.7*successRate + 0.3*uptime, 0, 1)
func (t *Tracker) updateReputationLocked(stats *PeerStats) {
	total := stats.ChunksServed + stats.ChunksFailed
	successRate := constants.NeutralReputation
	if total > 0 {
		successRate = float64(stats.ChunksServed) / float64(total)
	}

	uptime := time.Since(stats.FirstSeen).Seconds() / constants.UptimeSaturation.Seconds()
	if uptime > 1 {
		uptime = 1
	}

	reputation := successRate*t.cfg.SuccessWeight + uptime*t.cfg.UptimeWeight
	stats.Reputation = math.Max(0, math.Min(1, reputation))
}

func (t *Tracker) scoreLocked(peerID string) (float64, uint64) {
	stats, ok := t.peers[peerID]
	if !ok {
		return constants.NeutralReputation, 0
	}
	return stats.Reputation, stats.DownloadSpeed
}
