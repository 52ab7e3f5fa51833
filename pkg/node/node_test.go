package node

import (
	"bytes"
	"context"
	"fmt"
	"path/filepath"
	"testing"
	"time"

	"github.com/extrophi/codio/internal/dht"
	"github.com/extrophi/codio/pkg/content"
	"github.com/extrophi/codio/pkg/identity"
	"github.com/extrophi/codio/pkg/scheduler"
	"github.com/extrophi/codio/pkg/tracker"
	"github.com/extrophi/codio/pkg/transfer"
	"github.com/extrophi/codio/pkg/transport/memory"
)

func quickNode(t *testing.T, bus *memory.Bus, stateFile string, seeds ...Seed) *Node {
	t.Helper()

	id, err := identity.Generate()
	if err != nil {
		t.Fatalf("failed to generate identity: %v", err)
	}

	addr := "mem://" + id.PeerID()

	schedCfg := scheduler.DefaultConfig()
	schedCfg.RequestTimeout = 2 * time.Second
	schedCfg.MetadataTimeout = 2 * time.Second
	schedCfg.PeerCooldown = 20 * time.Millisecond
	schedCfg.UnchokeInterval = 10 * time.Millisecond

	trackerCfg := tracker.DefaultConfig()
	transferCfg := transfer.DefaultConfig()
	transferCfg.TransferChunkSize = 256
	transferCfg.AddressingChunkSize = 1024

	n, err := New(&Config{
		Identity:    id,
		Transport:   memory.New(bus),
		ListenAddrs: []string{addr},
		Seeds:       seeds,
		StateFile:   stateFile,
		Tracker:     trackerCfg,
		Scheduler:   schedCfg,
		Transfer:    transferCfg,
	})
	if err != nil {
		t.Fatalf("failed to create node: %v", err)
	}

	if err := n.Start(context.Background()); err != nil {
		t.Fatalf("failed to start node: %v", err)
	}
	t.Cleanup(n.Stop)

	return n
}

func seedOf(n *Node) Seed {
	return Seed{PeerID: n.PeerID(), Addrs: []string{"mem://" + n.PeerID()}}
}

func TestTwoNodePublishRetrieve(t *testing.T) {
	bus := memory.NewBus()
	publisher := quickNode(t, bus, "")
	consumer := quickNode(t, bus, "", seedOf(publisher))

	ctx := context.Background()
	if err := consumer.Bootstrap(ctx); err != nil {
		t.Fatalf("Bootstrap failed: %v", err)
	}

	data := make([]byte, 1024)
	for i := range data {
		data[i] = byte(i * 3)
	}

	cid, err := publisher.Put(ctx, data, "blob.bin")
	if err != nil {
		t.Fatalf("Put failed: %v", err)
	}

	// Announcement is asynchronous; retry the retrieval briefly.
	var got []byte
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		got, err = consumer.Get(ctx, cid)
		if err == nil {
			break
		}
		time.Sleep(50 * time.Millisecond)
	}
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if !bytes.Equal(got, data) {
		t.Error("retrieved bytes differ from published bytes")
	}
	if !content.NewCID(got).Equals(cid) {
		t.Error("retrieved bytes hash to a different CID")
	}
}

func TestSwarmRetrieve(t *testing.T) {
	// One publisher, several relays that fetch and implicitly cache, then a
	// late consumer that can use any of them.
	bus := memory.NewBus()
	publisher := quickNode(t, bus, "")

	ctx := context.Background()
	data := make([]byte, 2048)
	for i := range data {
		data[i] = byte(i * 11)
	}

	cid, err := publisher.Put(ctx, data, "")
	if err != nil {
		t.Fatalf("Put failed: %v", err)
	}

	var relays []*Node
	for i := 0; i < 3; i++ {
		relay := quickNode(t, bus, "", seedOf(publisher))
		if err := relay.Bootstrap(ctx); err != nil {
			t.Fatalf("relay %d bootstrap failed: %v", i, err)
		}
		relays = append(relays, relay)
	}

	for i, relay := range relays {
		var got []byte
		deadline := time.Now().Add(5 * time.Second)
		var lastErr error
		for time.Now().Before(deadline) {
			got, lastErr = relay.Get(ctx, cid)
			if lastErr == nil {
				break
			}
			time.Sleep(50 * time.Millisecond)
		}
		if lastErr != nil {
			t.Fatalf("relay %d Get failed: %v", i, lastErr)
		}
		if !bytes.Equal(got, data) {
			t.Fatalf("relay %d got different bytes", i)
		}
	}
}

func TestGetUnknownCIDFails(t *testing.T) {
	bus := memory.NewBus()
	lonely := quickNode(t, bus, "")

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if _, err := lonely.Get(ctx, content.NewCID([]byte("missing"))); err == nil {
		t.Error("Get of unknown CID succeeded")
	}
}

func TestStatePersistsAcrossRestart(t *testing.T) {
	bus := memory.NewBus()
	stateFile := filepath.Join(t.TempDir(), "node-state.json")

	peerA := quickNode(t, bus, "")

	id, err := identity.Generate()
	if err != nil {
		t.Fatalf("failed to generate identity: %v", err)
	}

	makeNode := func() *Node {
		n, err := New(&Config{
			Identity:    id,
			Transport:   memory.New(bus),
			ListenAddrs: []string{fmt.Sprintf("mem://%s", id.PeerID())},
			StateFile:   stateFile,
		})
		if err != nil {
			t.Fatalf("failed to create node: %v", err)
		}
		return n
	}

	first := makeNode()
	if err := first.Start(context.Background()); err != nil {
		t.Fatalf("first start failed: %v", err)
	}
	first.Engine().AddPeer(dht.NewPeer(peerA.PeerID(), []string{"mem://" + peerA.PeerID()}))
	first.Stop()

	second := makeNode()
	if err := second.Start(context.Background()); err != nil {
		t.Fatalf("second start failed: %v", err)
	}
	defer second.Stop()

	if second.Engine().Table().Size() == 0 {
		t.Error("routing snapshot was not restored")
	}
}
