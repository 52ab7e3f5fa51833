package dht

import (
	"context"
	"sort"
	"sync"

	"github.com/extrophi/codio/pkg/constants"
	"github.com/extrophi/codio/pkg/content"
	"github.com/extrophi/codio/pkg/wire"
)

type candidateState int

const (
	candidateNew candidateState = iota
	candidatePending
	candidateQueried
	candidateFailed
)

type candidate struct {
	peer  *Peer
	state candidateState
}

// lookup is one iterative query: a frontier of candidates sorted by XOR
// distance to the key, advanced by up to alpha concurrent RPCs until the K
// closest known peers have all been queried or failed.
type lookup struct {
	engine        *Engine
	key           NodeID
	wantProviders bool
	stream        chan<- *ProviderRecord

	mu         sync.Mutex
	candidates []*candidate
	seen       map[string]*candidate // by PeerID
	pending    int
	providers  map[string]*ProviderRecord
	best       NodeID // closest distance observed
	haveBest   bool
	noImprove  int // consecutive completions without frontier improvement

	advance chan struct{}
}

type lookupResult struct {
	peers     []*Peer // K closest successful responders
	providers []*ProviderRecord
}

func (e *Engine) newLookup(key NodeID, wantProviders bool, stream chan<- *ProviderRecord) *lookup {
	return &lookup{
		engine:        e,
		key:           key,
		wantProviders: wantProviders,
		stream:        stream,
		seen:          make(map[string]*candidate),
		providers:     make(map[string]*ProviderRecord),
		advance:       make(chan struct{}, 1),
	}
}

func (l *lookup) run(ctx context.Context) *lookupResult {
	seeds := l.engine.table.Closest(l.key, l.engine.cfg.K)

	l.mu.Lock()
	for _, peer := range seeds {
		l.addCandidateLocked(peer)
	}
	l.mu.Unlock()

	for {
		l.mu.Lock()
		for l.pending < l.engine.cfg.Alpha {
			c := l.nextCandidateLocked()
			if c == nil {
				break
			}
			c.state = candidatePending
			l.pending++
			go l.query(ctx, c)
		}
		done := l.isCompleteLocked()
		l.mu.Unlock()

		if done {
			return l.result()
		}

		select {
		case <-l.advance:
		case <-ctx.Done():
			// Deadline: report whatever the frontier has yielded so far.
			return l.result()
		}
	}
}

// nextCandidateLocked picks the closest unqueried candidate within the
// current K-frontier.
func (l *lookup) nextCandidateLocked() *candidate {
	limit := l.engine.cfg.K
	if limit > len(l.candidates) {
		limit = len(l.candidates)
	}
	for _, c := range l.candidates[:limit] {
		if c.state == candidateNew {
			return c
		}
	}
	return nil
}

func (l *lookup) isCompleteLocked() bool {
	if l.pending > 0 {
		return false
	}
	if l.wantProviders {
		if len(l.providers) >= l.engine.cfg.MaxProviders {
			return true
		}
		if l.noImprove >= l.engine.cfg.BetaRounds && l.haveBest {
			return true
		}
	}
	return l.nextCandidateLocked() == nil
}

func (l *lookup) query(ctx context.Context, c *candidate) {
	defer func() {
		select {
		case l.advance <- struct{}{}:
		default:
		}
	}()

	var frame *wire.BaseFrame
	if l.wantProviders {
		frame = wire.NewFindProvidersFrame(l.engine.localPeerID(), l.engine.nextSeq(), l.key[:])
	} else {
		frame = wire.NewFindNodeFrame(l.engine.localPeerID(), l.engine.nextSeq(), l.key[:])
	}

	resp, err := l.engine.call(ctx, c.peer, frame)

	l.mu.Lock()
	defer l.mu.Unlock()
	l.pending--

	if err != nil {
		// Failed peers are not retried within a lookup.
		c.state = candidateFailed
		return
	}
	c.state = candidateQueried
	c.peer.Touch()

	var peers []wire.PeerEntry
	var records []wire.ProviderEntry

	switch {
	case resp.IsKind(constants.KindFindProvResp):
		var body wire.FindProvidersRespBody
		if err := resp.Bind(&body); err != nil {
			return
		}
		peers = body.Peers
		records = body.Providers
	default:
		var body wire.FindNodeRespBody
		if err := resp.Bind(&body); err != nil {
			return
		}
		peers = body.Peers
	}

	improved := false
	for _, entry := range peers {
		// Duplicate IDs within a response collapse via the seen map; our
		// own ID is discarded. A peer listing itself is acceptable.
		if entry.ID == "" || entry.ID == l.engine.localPeerID() {
			continue
		}
		peer := NewPeer(entry.ID, entry.Addrs)
		if l.addCandidateLocked(peer) {
			d := peer.ID.Distance(l.key)
			if !l.haveBest || d.Less(l.best) {
				improved = true
			}
		}
	}

	if improved || !l.haveBest {
		l.refreshBestLocked()
		l.noImprove = 0
	} else {
		l.noImprove++
	}

	for _, rec := range records {
		l.addProviderLocked(rec)
	}
}

// addCandidateLocked inserts a peer into the sorted frontier; returns false
// for peers already seen.
func (l *lookup) addCandidateLocked(peer *Peer) bool {
	if existing, ok := l.seen[peer.PeerID]; ok {
		// A later sighting can carry fresher addresses.
		if len(peer.Addrs) > 0 {
			existing.peer.Addrs = peer.Addrs
		}
		return false
	}

	c := &candidate{peer: peer}
	l.seen[peer.PeerID] = c

	idx := sort.Search(len(l.candidates), func(i int) bool {
		return peer.ID.Distance(l.key).Less(l.candidates[i].peer.ID.Distance(l.key))
	})
	l.candidates = append(l.candidates, nil)
	copy(l.candidates[idx+1:], l.candidates[idx:])
	l.candidates[idx] = c
	return true
}

func (l *lookup) addProviderLocked(entry wire.ProviderEntry) {
	if entry.Provider == "" {
		return
	}
	if _, ok := l.providers[entry.Provider]; ok {
		return
	}
	if len(l.providers) >= l.engine.cfg.MaxProviders {
		return
	}

	cid, err := content.ParseCID(entry.CID)
	if err != nil {
		return
	}

	record := &ProviderRecord{
		CID:    cid,
		PeerID: entry.Provider,
		Addrs:  entry.Addrs,
	}
	l.providers[entry.Provider] = record

	if l.stream != nil {
		select {
		case l.stream <- record.copy():
		default:
			// Slow consumers miss streamed records; the full set is still
			// returned at completion.
		}
	}
}

func (l *lookup) refreshBestLocked() {
	if len(l.candidates) == 0 {
		return
	}
	l.best = l.candidates[0].peer.ID.Distance(l.key)
	l.haveBest = true
}

// result gathers the K closest successfully queried peers.
func (l *lookup) result() *lookupResult {
	l.mu.Lock()
	defer l.mu.Unlock()

	res := &lookupResult{}
	for _, c := range l.candidates {
		if c.state == candidateQueried {
			res.peers = append(res.peers, c.peer.Copy())
			if len(res.peers) >= l.engine.cfg.K {
				break
			}
		}
	}
	for _, rec := range l.providers {
		res.providers = append(res.providers, rec.copy())
	}
	return res
}
