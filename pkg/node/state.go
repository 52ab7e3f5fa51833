package node

import (
	"encoding/json"
	"os"
	"path/filepath"

	"github.com/extrophi/codio/internal/dht"
)

// persistedState is the warm-restart snapshot: identity lives in its own
// file, so only the provided CIDs and routing contacts are kept here.
// Absence is tolerated; a cold start re-bootstraps and re-provides.
type persistedState struct {
	PeerID       string   `json:"local_peer_id"`
	ProvidedCIDs []string `json:"locally_provided_cids"`
	RoutingPeers []Seed   `json:"routing_table_snapshot"`
}

func (n *Node) persistState() {
	if n.cfg.StateFile == "" {
		return
	}

	state := persistedState{PeerID: n.id.PeerID()}

	for _, cid := range n.manager.Store().Pinned() {
		state.ProvidedCIDs = append(state.ProvidedCIDs, cid.String())
	}
	for _, peer := range n.engine.Table().Snapshot() {
		if len(peer.Addrs) == 0 {
			continue
		}
		state.RoutingPeers = append(state.RoutingPeers, Seed{
			PeerID: peer.PeerID,
			Addrs:  peer.Addrs,
		})
	}

	data, err := json.MarshalIndent(&state, "", "  ")
	if err != nil {
		n.log.Warn("failed to encode node state", "err", err)
		return
	}

	if err := os.MkdirAll(filepath.Dir(n.cfg.StateFile), 0700); err != nil {
		n.log.Warn("failed to create state directory", "err", err)
		return
	}
	if err := os.WriteFile(n.cfg.StateFile, data, 0600); err != nil {
		n.log.Warn("failed to write node state", "err", err)
	}
}

func (n *Node) restoreState() {
	if n.cfg.StateFile == "" {
		return
	}

	data, err := os.ReadFile(n.cfg.StateFile)
	if err != nil {
		if !os.IsNotExist(err) {
			n.log.Warn("failed to read node state", "err", err)
		}
		return
	}

	var state persistedState
	if err := json.Unmarshal(data, &state); err != nil {
		n.log.Warn("corrupt node state, starting cold", "err", err)
		return
	}
	if state.PeerID != n.id.PeerID() {
		n.log.Warn("node state belongs to a different identity, starting cold",
			"state_peer", state.PeerID)
		return
	}

	for _, entry := range state.RoutingPeers {
		n.addrs.add(entry.PeerID, entry.Addrs)
		n.engine.AddPeer(dht.NewPeer(entry.PeerID, entry.Addrs))
	}

	// Pinned content itself is not persisted (the store is in-memory); the
	// CIDs are logged so operators can re-publish from their originals.
	if len(state.ProvidedCIDs) > 0 {
		n.log.Info("previous session provided content",
			"cids", state.ProvidedCIDs)
	}
}
