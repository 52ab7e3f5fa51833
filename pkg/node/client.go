package node

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/extrophi/codio/internal/dht"
	"github.com/extrophi/codio/pkg/constants"
	"github.com/extrophi/codio/pkg/content"
	"github.com/extrophi/codio/pkg/identity"
	"github.com/extrophi/codio/pkg/scheduler"
	"github.com/extrophi/codio/pkg/wire"
)

// addrBook remembers dialable addresses per peer, fed by seeds, provider
// records, and routing table contacts.
type addrBook struct {
	mu    sync.RWMutex
	addrs map[string][]string
}

func newAddrBook() *addrBook {
	return &addrBook{addrs: make(map[string][]string)}
}

func (b *addrBook) add(peerID string, addrs []string) {
	if len(addrs) == 0 {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.addrs[peerID] = append([]string(nil), addrs...)
}

func (b *addrBook) get(peerID string) []string {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.addrs[peerID]
}

// roundTrip dials a peer address, sends one signed frame, and reads the
// response. Connections are per-request.
func (n *Node) roundTrip(ctx context.Context, addrs []string, frame *wire.BaseFrame) (*wire.BaseFrame, error) {
	if len(addrs) == 0 {
		return nil, fmt.Errorf("no addresses for peer")
	}

	var lastErr error
	for _, addr := range addrs {
		resp, err := n.roundTripAddr(ctx, addr, frame)
		if err == nil {
			return resp, nil
		}
		lastErr = err
	}
	return nil, lastErr
}

func (n *Node) roundTripAddr(ctx context.Context, addr string, frame *wire.BaseFrame) (*wire.BaseFrame, error) {
	conn, err := n.transport.Dial(ctx, addr)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", addr, err)
	}
	defer conn.Close()

	if deadline, ok := ctx.Deadline(); ok {
		conn.SetDeadline(deadline)
	}

	if err := wire.WriteFrame(conn, frame); err != nil {
		return nil, fmt.Errorf("send to %s: %w", addr, err)
	}

	resp, err := wire.ReadFrame(conn)
	if err != nil {
		return nil, fmt.Errorf("receive from %s: %w", addr, err)
	}

	pub, err := identity.PublicKeyFromPeerID(resp.From)
	if err != nil {
		return nil, fmt.Errorf("unverifiable responder: %w", err)
	}
	if err := resp.Verify(pub); err != nil {
		return nil, fmt.Errorf("bad response signature: %w", err)
	}

	return resp, nil
}

// rpcClient adapts the node's transport to the DHT engine's RPC interface.
type rpcClient struct {
	node *Node
}

func (c *rpcClient) Call(ctx context.Context, peer *dht.Peer, frame *wire.BaseFrame) (*wire.BaseFrame, error) {
	addrs := peer.Addrs
	if len(addrs) == 0 {
		addrs = c.node.addrs.get(peer.PeerID)
	}
	resp, err := c.node.roundTrip(ctx, addrs, frame)
	if err != nil {
		return nil, err
	}
	c.node.addrs.add(resp.From, addrs)
	return resp, nil
}

// chunkFetcher adapts the node's transport to the scheduler's Fetcher
// interface.
type chunkFetcher struct {
	node *Node
}

func (f *chunkFetcher) GetMetadata(ctx context.Context, peerID string, cid content.CID) (*scheduler.Metadata, error) {
	frame := wire.NewGetMetadataFrame(f.node.id.PeerID(), f.node.nextSeq(), cid.String())
	if err := frame.Sign(f.node.id.SigningPrivateKey); err != nil {
		return nil, err
	}

	resp, err := f.node.roundTrip(ctx, f.node.addrs.get(peerID), frame)
	if err != nil {
		return nil, err
	}

	var body wire.MetadataRespBody
	if err := resp.Bind(&body); err != nil {
		return nil, err
	}
	if body.Code != constants.ErrorNone {
		return nil, wireError(body.Code)
	}

	return &scheduler.Metadata{
		TotalBytes:   body.TotalBytes,
		ChunkSize:    body.ChunkSize,
		Availability: body.Availability,
	}, nil
}

func (f *chunkFetcher) GetChunk(ctx context.Context, peerID string, cid content.CID, idx uint32) (*content.Chunk, error) {
	frame := wire.NewGetChunkFrame(f.node.id.PeerID(), f.node.nextSeq(), cid.String(), idx)
	if err := frame.Sign(f.node.id.SigningPrivateKey); err != nil {
		return nil, err
	}

	resp, err := f.node.roundTrip(ctx, f.node.addrs.get(peerID), frame)
	if err != nil {
		return nil, err
	}

	var body wire.ChunkRespBody
	if err := resp.Bind(&body); err != nil {
		return nil, err
	}
	if body.Code != constants.ErrorNone {
		return nil, wireError(body.Code)
	}

	chunkCID, err := content.ParseCID(body.CID)
	if err != nil {
		return nil, fmt.Errorf("chunk response carries bad CID: %w", err)
	}

	return &content.Chunk{
		Index: body.Index,
		Data:  body.Data,
		CID:   chunkCID,
	}, nil
}

// wireError maps response codes to scheduler error classes.
func wireError(code uint16) error {
	switch code {
	case constants.ErrorNotEligible:
		return scheduler.ErrNotEligible
	case constants.ErrorBusy, constants.ErrorRateLimit:
		return scheduler.ErrBusy
	default:
		return wire.NewError(code, "request refused")
	}
}

// sendGossip pushes tracker summaries to a few routing table neighbors.
func (n *Node) sendGossip(summaries []wire.PeerSummary) {
	peers := n.engine.Table().Closest(dht.NodeIDFromPeer(n.id.PeerID()), 4)
	if len(peers) == 0 {
		return
	}

	frame := wire.NewGossipPeerStatsFrame(n.id.PeerID(), n.nextSeq(),
		summaries, uint64(time.Now().UnixMilli()))
	if err := frame.Sign(n.id.SigningPrivateKey); err != nil {
		return
	}

	for _, peer := range peers {
		go func() {
			ctx, cancel := context.WithTimeout(context.Background(), constants.RPCTimeout)
			defer cancel()

			addrs := peer.Addrs
			if len(addrs) == 0 {
				addrs = n.addrs.get(peer.PeerID)
			}
			if len(addrs) == 0 {
				return
			}

			conn, err := n.transport.Dial(ctx, addrs[0])
			if err != nil {
				return
			}
			defer conn.Close()

			// Gossip is fire-and-forget: no response expected.
			_ = wire.WriteFrame(conn, frame)
		}()
	}
}
