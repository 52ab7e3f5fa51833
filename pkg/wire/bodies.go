package wire

import "github.com/extrophi/codio/pkg/constants"

// PeerEntry names a peer and its dialable addresses in routing responses.
type PeerEntry struct {
	ID    string   `cbor:"id"`
	Addrs []string `cbor:"addrs"`
}

// ProviderEntry advertises that a peer holds a CID.
type ProviderEntry struct {
	CID      string   `cbor:"cid"`
	Provider string   `cbor:"provider"`
	Addrs    []string `cbor:"addrs"`
	Expire   uint64   `cbor:"expire"` // ms since Unix epoch
}

// PeerSummary is one tracker gossip line: observed, not authoritative.
type PeerSummary struct {
	Peer       string  `cbor:"peer"`
	Reputation float64 `cbor:"reputation"`
	Speed      uint64  `cbor:"speed"`     // bytes/sec rolling average
	LastSeen   uint64  `cbor:"last_seen"` // ms since Unix epoch
}

// PingBody carries an 8-byte random token echoed by PONG.
type PingBody struct {
	Token []byte `cbor:"token"`
}

// PongBody echoes the PING token.
type PongBody struct {
	Token []byte `cbor:"token"`
}

// FindNodeBody asks for the peers closest to a 32-byte key.
type FindNodeBody struct {
	Key []byte `cbor:"key"`
}

// FindNodeRespBody returns up to K closest peers.
type FindNodeRespBody struct {
	Peers []PeerEntry `cbor:"peers"`
}

// FindProvidersBody asks for providers of a CID, alongside closest peers.
type FindProvidersBody struct {
	Key []byte `cbor:"key"` // the CID hash
}

// FindProvidersRespBody returns closest peers plus any provider records the
// responder holds for the CID.
type FindProvidersRespBody struct {
	Peers     []PeerEntry     `cbor:"peers"`
	Providers []ProviderEntry `cbor:"providers"`
}

// AddProviderBody writes a provider record on the receiver.
type AddProviderBody struct {
	CID      string   `cbor:"cid"`
	Provider string   `cbor:"provider"`
	Addrs    []string `cbor:"addrs"`
}

// AddProviderAckBody acknowledges a stored provider record.
type AddProviderAckBody struct {
	OK bool `cbor:"ok"`
}

// GetMetadataBody asks a provider for the shape of a blob.
type GetMetadataBody struct {
	CID string `cbor:"cid"`
}

// MetadataRespBody answers GET_METADATA. Availability is a bitmap with bit i
// set when the responder holds chunk i. Code is an ErrorX constant; on
// anything but ErrorNone the remaining fields are meaningless.
type MetadataRespBody struct {
	Code         uint16 `cbor:"code"`
	TotalBytes   uint64 `cbor:"total_bytes"`
	ChunkSize    uint32 `cbor:"chunk_size"`
	Availability []byte `cbor:"availability"`
}

// GetChunkBody requests one chunk of a blob.
type GetChunkBody struct {
	CID   string `cbor:"cid"`
	Index uint32 `cbor:"index"`
}

// ChunkRespBody answers GET_CHUNK. Code distinguishes NotFound, NotEligible
// and Busy refusals from a served chunk.
type ChunkRespBody struct {
	Code  uint16 `cbor:"code"`
	CID   string `cbor:"cid"`
	Index uint32 `cbor:"index"`
	Data  []byte `cbor:"data"`
}

// GossipPeerStatsBody shares tracker summaries with a neighbor. Receivers
// must treat reputations as hints for discovery only.
type GossipPeerStatsBody struct {
	Summaries []PeerSummary `cbor:"summaries"`
	TS        uint64        `cbor:"ts"`
}

// Frame constructors

// NewPingFrame creates a PING frame.
func NewPingFrame(from string, seq uint64, token []byte) *BaseFrame {
	return NewBaseFrame(constants.KindPing, from, seq, &PingBody{Token: token})
}

// NewPongFrame creates a PONG frame.
func NewPongFrame(from string, seq uint64, token []byte) *BaseFrame {
	return NewBaseFrame(constants.KindPong, from, seq, &PongBody{Token: token})
}

// NewFindNodeFrame creates a FIND_NODE frame.
func NewFindNodeFrame(from string, seq uint64, key []byte) *BaseFrame {
	return NewBaseFrame(constants.KindFindNode, from, seq, &FindNodeBody{Key: key})
}

// NewFindNodeRespFrame creates a FIND_NODE response.
func NewFindNodeRespFrame(from string, seq uint64, peers []PeerEntry) *BaseFrame {
	return NewBaseFrame(constants.KindFindNodeResp, from, seq, &FindNodeRespBody{Peers: peers})
}

// NewFindProvidersFrame creates a FIND_PROVIDERS frame.
func NewFindProvidersFrame(from string, seq uint64, key []byte) *BaseFrame {
	return NewBaseFrame(constants.KindFindProviders, from, seq, &FindProvidersBody{Key: key})
}

// NewFindProvidersRespFrame creates a FIND_PROVIDERS response.
func NewFindProvidersRespFrame(from string, seq uint64, peers []PeerEntry, providers []ProviderEntry) *BaseFrame {
	return NewBaseFrame(constants.KindFindProvResp, from, seq, &FindProvidersRespBody{
		Peers:     peers,
		Providers: providers,
	})
}

// NewAddProviderFrame creates an ADD_PROVIDER frame.
func NewAddProviderFrame(from string, seq uint64, cid, provider string, addrs []string) *BaseFrame {
	return NewBaseFrame(constants.KindAddProvider, from, seq, &AddProviderBody{
		CID:      cid,
		Provider: provider,
		Addrs:    addrs,
	})
}

// NewAddProviderAckFrame creates an ADD_PROVIDER acknowledgment.
func NewAddProviderAckFrame(from string, seq uint64, ok bool) *BaseFrame {
	return NewBaseFrame(constants.KindAddProviderAck, from, seq, &AddProviderAckBody{OK: ok})
}

// NewGetMetadataFrame creates a GET_METADATA frame.
func NewGetMetadataFrame(from string, seq uint64, cid string) *BaseFrame {
	return NewBaseFrame(constants.KindGetMetadata, from, seq, &GetMetadataBody{CID: cid})
}

// NewMetadataRespFrame creates a GET_METADATA response.
func NewMetadataRespFrame(from string, seq uint64, body *MetadataRespBody) *BaseFrame {
	return NewBaseFrame(constants.KindMetadataResp, from, seq, body)
}

// NewGetChunkFrame creates a GET_CHUNK frame.
func NewGetChunkFrame(from string, seq uint64, cid string, index uint32) *BaseFrame {
	return NewBaseFrame(constants.KindGetChunk, from, seq, &GetChunkBody{CID: cid, Index: index})
}

// NewChunkRespFrame creates a GET_CHUNK response.
func NewChunkRespFrame(from string, seq uint64, body *ChunkRespBody) *BaseFrame {
	return NewBaseFrame(constants.KindChunkResp, from, seq, body)
}

// NewGossipPeerStatsFrame creates a GOSSIP_PEER_STATS frame.
func NewGossipPeerStatsFrame(from string, seq uint64, summaries []PeerSummary, ts uint64) *BaseFrame {
	return NewBaseFrame(constants.KindGossipPeerStats, from, seq, &GossipPeerStatsBody{
		Summaries: summaries,
		TS:        ts,
	})
}
