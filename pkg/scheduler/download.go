package scheduler

import (
	"time"

	"github.com/extrophi/codio/pkg/content"
)

// State is a download's position in its lifecycle.
type State int

const (
	StateGathering State = iota
	StateRunning
	StateVerifying
	StateComplete
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateGathering:
		return "gathering"
	case StateRunning:
		return "running"
	case StateVerifying:
		return "verifying"
	case StateComplete:
		return "complete"
	case StateFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// Strategy selects the chunk download order.
type Strategy int

const (
	RarestFirst Strategy = iota
	Sequential
	Random
)

type inflightInfo struct {
	peer      string
	startedAt time.Time
}

// Download is the per-CID scheduler state machine. All fields are guarded by
// the owning Distributor's per-download mutex; the single download goroutine
// advances the state.
type Download struct {
	cid      content.CID
	strategy Strategy

	state       State
	err         error
	totalChunks uint32
	chunkSize   uint32
	totalBytes  uint64

	providers    []string                   // ranked candidate peers
	peerChunks   map[string]map[uint32]bool // per-peer availability (nil set = assume all)
	availability map[uint32]int             // chunk -> provider count

	downloaded map[uint32]bool
	inflight   map[uint32]inflightInfo
	chunks     map[uint32]*content.Chunk

	// bannedFor records peers that returned a corrupt copy of a chunk; they
	// are never retried for that chunk within this download.
	bannedFor map[uint32]map[string]bool
	// cooldown holds peers that timed out, until they are eligible again.
	cooldown map[string]time.Time
	// peerFailures counts transport failures per peer; a peer exceeding
	// maxPeerFailures is exhausted for this download.
	peerFailures map[string]int
	exhausted    map[string]bool
	// tried records the last failure reason per peer for diagnostics.
	tried map[string]string

	order           []uint32
	startedAt       time.Time
	downloadedBytes uint64
	refreshBudget   int
	inflightPerPeer map[string]int

	cancelled chan struct{}
}

func newDownload(cid content.CID, providers []string, strategy Strategy, refreshBudget int) *Download {
	return &Download{
		cid:             cid,
		strategy:        strategy,
		state:           StateGathering,
		providers:       providers,
		peerChunks:      make(map[string]map[uint32]bool),
		availability:    make(map[uint32]int),
		downloaded:      make(map[uint32]bool),
		inflight:        make(map[uint32]inflightInfo),
		chunks:          make(map[uint32]*content.Chunk),
		bannedFor:       make(map[uint32]map[string]bool),
		cooldown:        make(map[string]time.Time),
		peerFailures:    make(map[string]int),
		exhausted:       make(map[string]bool),
		tried:           make(map[string]string),
		inflightPerPeer: make(map[string]int),
		startedAt:       time.Now(),
		refreshBudget:   refreshBudget,
		cancelled:       make(chan struct{}),
	}
}

// complete reports whether every chunk is committed.
func (d *Download) complete() bool {
	return d.totalChunks > 0 && uint32(len(d.downloaded)) == d.totalChunks
}

// applyMetadata records the majority-agreed blob shape.
func (d *Download) applyMetadata(totalBytes uint64, chunkSize uint32) {
	d.totalBytes = totalBytes
	d.chunkSize = chunkSize
	d.totalChunks = content.ChunkCount(totalBytes, chunkSize)
}

// applyBitmap records which chunks a peer claims to hold and bumps the
// availability counters.
func (d *Download) applyBitmap(peer string, bitmap []byte) {
	if len(bitmap) == 0 {
		// Unknown availability: the peer is assumed to hold everything but
		// contributes nothing to rarity counts.
		d.peerChunks[peer] = nil
		return
	}

	held := make(map[uint32]bool)
	for i := uint32(0); i < d.totalChunks; i++ {
		if bitmapHas(bitmap, i) {
			held[i] = true
			d.availability[i]++
		}
	}
	d.peerChunks[peer] = held
}

// holders returns the peers that claim chunk idx, or all providers when
// nothing is known.
func (d *Download) holders(idx uint32) []string {
	var out []string
	for _, peer := range d.providers {
		held, known := d.peerChunks[peer]
		if !known || held == nil || held[idx] {
			out = append(out, peer)
		}
	}
	return out
}

// commit moves a verified chunk from in-flight to downloaded.
func (d *Download) commit(chunk *content.Chunk) {
	idx := chunk.Index
	delete(d.inflight, idx)
	d.downloaded[idx] = true
	d.chunks[idx] = chunk
	d.downloadedBytes += chunk.Size()
}

// release returns an in-flight chunk to the wanted pool.
func (d *Download) release(idx uint32) {
	delete(d.inflight, idx)
}

// banPeerFor blacklists a peer for one chunk for the rest of the download.
func (d *Download) banPeerFor(idx uint32, peer string) {
	if d.bannedFor[idx] == nil {
		d.bannedFor[idx] = make(map[string]bool)
	}
	d.bannedFor[idx][peer] = true
}

// orderedChunks returns the committed chunks in index (assembly) order.
func (d *Download) orderedChunks() []*content.Chunk {
	out := make([]*content.Chunk, 0, d.totalChunks)
	for i := uint32(0); i < d.totalChunks; i++ {
		out = append(out, d.chunks[i])
	}
	return out
}

// bitmapHas reports bit i in a chunk availability bitmap.
func bitmapHas(bitmap []byte, i uint32) bool {
	byteIdx := i / 8
	if int(byteIdx) >= len(bitmap) {
		return false
	}
	return bitmap[byteIdx]&(1<<(7-i%8)) != 0
}

// BitmapSet sets bit i in a chunk availability bitmap.
func BitmapSet(bitmap []byte, i uint32) {
	byteIdx := i / 8
	if int(byteIdx) < len(bitmap) {
		bitmap[byteIdx] |= 1 << (7 - i%8)
	}
}

// NewBitmap sizes a bitmap for n chunks.
func NewBitmap(n uint32) []byte {
	return make([]byte, (n+7)/8)
}

// FullBitmap returns a bitmap with the first n bits set.
func FullBitmap(n uint32) []byte {
	bitmap := NewBitmap(n)
	for i := uint32(0); i < n; i++ {
		BitmapSet(bitmap, i)
	}
	return bitmap
}

// Progress is the externally visible download status.
type Progress struct {
	State           State
	TotalBytes      uint64
	DownloadedBytes uint64
	TotalChunks     uint32
	DoneChunks      uint32
	Peers           int
	Rate            float64 // bytes/sec since start
	ETA             time.Duration
}

func (d *Download) progress() Progress {
	p := Progress{
		State:           d.state,
		TotalBytes:      d.totalBytes,
		DownloadedBytes: d.downloadedBytes,
		TotalChunks:     d.totalChunks,
		DoneChunks:      uint32(len(d.downloaded)),
		Peers:           len(d.providers),
	}

	elapsed := time.Since(d.startedAt).Seconds()
	if elapsed > 0 {
		p.Rate = float64(d.downloadedBytes) / elapsed
	}
	if p.Rate > 0 && d.totalBytes > d.downloadedBytes {
		p.ETA = time.Duration(float64(d.totalBytes-d.downloadedBytes) / p.Rate * float64(time.Second))
	}
	return p
}
