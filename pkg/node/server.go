package node

import (
	"errors"
	"time"

	"github.com/extrophi/codio/pkg/constants"
	"github.com/extrophi/codio/pkg/content"
	"github.com/extrophi/codio/pkg/identity"
	"github.com/extrophi/codio/pkg/scheduler"
	"github.com/extrophi/codio/pkg/transfer"
	"github.com/extrophi/codio/pkg/transport"
	"github.com/extrophi/codio/pkg/wire"
)

// acceptLoop owns one listener until shutdown.
func (n *Node) acceptLoop(listener transport.Listener) {
	defer n.wg.Done()

	for {
		conn, err := listener.Accept(n.ctx)
		if err != nil {
			if n.ctx.Err() != nil {
				return
			}
			n.log.Debug("accept failed", "err", err)
			continue
		}

		n.wg.Add(1)
		go func() {
			defer n.wg.Done()
			n.handleConn(conn)
		}()
	}
}

// handleConn serves one request/response exchange per connection.
func (n *Node) handleConn(conn transport.Conn) {
	defer conn.Close()

	// Shutdown closes the connection so a blocked read cannot outlive the
	// node.
	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-n.ctx.Done():
			conn.Close()
		case <-done:
		}
	}()

	conn.SetReadDeadline(time.Now().Add(constants.QueryTimeout))

	frame, err := wire.ReadFrame(conn)
	if err != nil {
		return
	}
	conn.SetReadDeadline(time.Time{})

	resp := n.dispatch(frame)
	if resp == nil {
		return
	}
	if err := wire.WriteFrame(conn, resp); err != nil {
		n.log.Debug("failed to write response", "to", frame.From, "err", err)
	}
}

// dispatch routes an inbound frame: DHT kinds go to the engine, transfer
// kinds to the manager, gossip to the tracker. A nil return means no
// response is owed.
func (n *Node) dispatch(frame *wire.BaseFrame) *wire.BaseFrame {
	switch frame.Kind {
	case constants.KindPing, constants.KindFindNode,
		constants.KindFindProviders, constants.KindAddProvider:
		// DHT requests go through the engine's bounded queue; overflow is
		// dropped and the caller times out.
		replyCh := make(chan *wire.BaseFrame, 1)
		if !n.engine.Enqueue(frame, func(resp *wire.BaseFrame) { replyCh <- resp }) {
			return nil
		}
		select {
		case resp := <-replyCh:
			return resp
		case <-n.ctx.Done():
			return nil
		case <-time.After(constants.RPCTimeout):
			return nil
		}

	case constants.KindGetMetadata:
		return n.handleGetMetadata(frame)

	case constants.KindGetChunk:
		return n.handleGetChunk(frame)

	case constants.KindGossipPeerStats:
		n.handleGossip(frame)
		return nil

	default:
		n.log.Debug("unsupported frame kind", "kind", frame.Kind, "from", frame.From)
		return nil
	}
}

// verifySender checks the frame signature against the sender's identity.
func (n *Node) verifySender(frame *wire.BaseFrame) bool {
	if err := frame.Validate(); err != nil {
		return false
	}
	pub, err := identity.PublicKeyFromPeerID(frame.From)
	if err != nil {
		return false
	}
	return frame.Verify(pub) == nil
}

func (n *Node) handleGetMetadata(frame *wire.BaseFrame) *wire.BaseFrame {
	if !n.verifySender(frame) {
		return nil
	}

	var body wire.GetMetadataBody
	if err := frame.Bind(&body); err != nil {
		return nil
	}

	resp := &wire.MetadataRespBody{Code: constants.ErrorNone}

	cid, err := content.ParseCID(body.CID)
	if err != nil {
		resp.Code = constants.ErrorBadRequest
	} else if meta, err := n.manager.Metadata(cid); err != nil {
		resp.Code = constants.ErrorNotFound
	} else {
		resp.TotalBytes = meta.TotalBytes
		resp.ChunkSize = meta.ChunkSize
		resp.Availability = meta.Availability
	}

	out := wire.NewMetadataRespFrame(n.id.PeerID(), frame.Seq, resp)
	if err := out.Sign(n.id.SigningPrivateKey); err != nil {
		return nil
	}
	return out
}

func (n *Node) handleGetChunk(frame *wire.BaseFrame) *wire.BaseFrame {
	if !n.verifySender(frame) {
		return nil
	}

	var body wire.GetChunkBody
	if err := frame.Bind(&body); err != nil {
		return nil
	}

	resp := &wire.ChunkRespBody{Code: constants.ErrorNone, Index: body.Index}

	cid, err := content.ParseCID(body.CID)
	if err != nil {
		resp.Code = constants.ErrorBadRequest
	} else if chunk, err := n.manager.ServeChunk(frame.From, cid, body.Index); err != nil {
		switch {
		case errors.Is(err, scheduler.ErrNotEligible):
			resp.Code = constants.ErrorNotEligible
		case errors.Is(err, scheduler.ErrBusy):
			resp.Code = constants.ErrorBusy
		case errors.Is(err, transfer.ErrNotFound):
			resp.Code = constants.ErrorNotFound
		default:
			resp.Code = constants.ErrorBadRequest
		}
	} else {
		resp.CID = chunk.CID.String()
		resp.Data = chunk.Data
	}

	out := wire.NewChunkRespFrame(n.id.PeerID(), frame.Seq, resp)
	if err := out.Sign(n.id.SigningPrivateKey); err != nil {
		return nil
	}
	return out
}

func (n *Node) handleGossip(frame *wire.BaseFrame) {
	if !n.verifySender(frame) {
		return
	}

	var body wire.GossipPeerStatsBody
	if err := frame.Bind(&body); err != nil {
		return
	}
	n.tracker.ApplyGossip(body.Summaries)
}
