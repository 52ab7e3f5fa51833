package content

import (
	"bytes"
	"testing"
)

func TestStorePutGet(t *testing.T) {
	store := NewStore(0)
	data := []byte("stored blob")
	cid := NewCID(data)

	if err := store.Put(cid, data, false); err != nil {
		t.Fatalf("Put failed: %v", err)
	}

	got, ok := store.Get(cid)
	if !ok {
		t.Fatal("Get missed stored blob")
	}
	if !bytes.Equal(got, data) {
		t.Error("stored data differs")
	}
	if !store.Has(cid) {
		t.Error("Has returned false")
	}
}

func TestStoreChunkSlicing(t *testing.T) {
	store := NewStore(0)
	data := make([]byte, 1024)
	for i := range data {
		data[i] = byte(i)
	}
	cid := NewCID(data)

	if err := store.Put(cid, data, true); err != nil {
		t.Fatalf("Put failed: %v", err)
	}

	chunk, err := store.Chunk(cid, 2, 256)
	if err != nil {
		t.Fatalf("Chunk failed: %v", err)
	}
	if chunk.Index != 2 || len(chunk.Data) != 256 {
		t.Errorf("chunk shape: index %d, %d bytes", chunk.Index, len(chunk.Data))
	}
	if !bytes.Equal(chunk.Data, data[512:768]) {
		t.Error("chunk holds wrong slice")
	}
}

func TestStorePinningAndEviction(t *testing.T) {
	store := NewStore(3000)

	pinnedData := make([]byte, 1500)
	pinned := NewCID(pinnedData)
	if err := store.Put(pinned, pinnedData, true); err != nil {
		t.Fatalf("Put failed: %v", err)
	}

	// Two further unpinned blobs push the store over its bound; the oldest
	// unpinned one is evicted, the pinned one survives.
	oldData := append(make([]byte, 1000), 1)
	old := NewCID(oldData)
	if err := store.Put(old, oldData, false); err != nil {
		t.Fatalf("Put failed: %v", err)
	}

	newData := append(make([]byte, 1000), 2)
	newest := NewCID(newData)
	if err := store.Put(newest, newData, false); err != nil {
		t.Fatalf("Put failed: %v", err)
	}

	if !store.Has(pinned) {
		t.Error("pinned blob was evicted")
	}
	if store.Has(old) {
		t.Error("oldest unpinned blob survived eviction")
	}
	if !store.Has(newest) {
		t.Error("newest blob was evicted")
	}
}

func TestStoreDeletePinned(t *testing.T) {
	store := NewStore(0)
	data := []byte("pinned")
	cid := NewCID(data)

	if err := store.Put(cid, data, true); err != nil {
		t.Fatalf("Put failed: %v", err)
	}
	if err := store.Delete(cid); err == nil {
		t.Error("Delete succeeded on pinned blob")
	}

	store.Unpin(cid)
	if err := store.Delete(cid); err != nil {
		t.Errorf("Delete after Unpin failed: %v", err)
	}
	if store.Has(cid) {
		t.Error("blob still present after delete")
	}
}

func TestStorePinnedList(t *testing.T) {
	store := NewStore(0)

	a := []byte("blob a")
	b := []byte("blob b")
	cidA, cidB := NewCID(a), NewCID(b)

	if err := store.Put(cidA, a, true); err != nil {
		t.Fatalf("Put failed: %v", err)
	}
	if err := store.Put(cidB, b, false); err != nil {
		t.Fatalf("Put failed: %v", err)
	}

	pinned := store.Pinned()
	if len(pinned) != 1 || !pinned[0].Equals(cidA) {
		t.Errorf("Pinned() = %v, want just %s", pinned, cidA)
	}
}

func TestManifestRoundTrip(t *testing.T) {
	data := make([]byte, 5000)
	chunks, err := ChunkData(data, 2048)
	if err != nil {
		t.Fatalf("ChunkData failed: %v", err)
	}

	manifest, err := BuildManifest(chunks, 2048, "photo.png")
	if err != nil {
		t.Fatalf("BuildManifest failed: %v", err)
	}
	if err := manifest.Validate(); err != nil {
		t.Fatalf("Validate failed: %v", err)
	}

	if manifest.TotalBytes != 5000 || manifest.ChunkCount != 3 {
		t.Errorf("manifest shape: %d bytes, %d chunks", manifest.TotalBytes, manifest.ChunkCount)
	}
	if manifest.ContentType != "image/png" {
		t.Errorf("content type: %s", manifest.ContentType)
	}

	if !manifest.DAG().Root.Equals(NewDAG(chunks).Root) {
		t.Error("manifest DAG root differs from direct DAG root")
	}
}

func TestManifestValidateRejectsMismatch(t *testing.T) {
	chunks, err := ChunkData(make([]byte, 1000), 512)
	if err != nil {
		t.Fatalf("ChunkData failed: %v", err)
	}
	manifest, err := BuildManifest(chunks, 512, "")
	if err != nil {
		t.Fatalf("BuildManifest failed: %v", err)
	}

	manifest.ChunkCount = 5
	if err := manifest.Validate(); err == nil {
		t.Error("Validate accepted inconsistent chunk count")
	}
}
