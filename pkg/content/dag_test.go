package content

import (
	"errors"
	"testing"
)

func TestDAGVerify(t *testing.T) {
	data := make([]byte, 4096)
	for i := range data {
		data[i] = byte(i % 251)
	}

	chunks, err := ChunkData(data, 1024)
	if err != nil {
		t.Fatalf("ChunkData failed: %v", err)
	}

	dag := NewDAG(chunks)
	if !dag.Verify(chunks) {
		t.Error("DAG rejected its own chunks")
	}
	if len(dag.Children) != len(chunks) {
		t.Errorf("children count %d, want %d", len(dag.Children), len(chunks))
	}
}

func TestDAGTamperDetection(t *testing.T) {
	// 2048 zero bytes in two 1024-byte chunks; flipping one byte must break
	// both DAG verification and reconstruction.
	data := make([]byte, 2048)
	chunks, err := ChunkData(data, 1024)
	if err != nil {
		t.Fatalf("ChunkData failed: %v", err)
	}

	dag := NewDAG(chunks)
	if !dag.Verify(chunks) {
		t.Fatal("DAG rejected untampered chunks")
	}

	chunks[0].Data[0] = 0xFF

	if dag.Verify(chunks) {
		t.Error("DAG accepted tampered chunk")
	}

	var corrupt *CorruptChunkError
	if _, err := ReconstructData(chunks); !errors.As(err, &corrupt) {
		t.Fatalf("ReconstructData: got %v, want CorruptChunkError", err)
	} else if corrupt.Index != 0 {
		t.Errorf("corrupt index %d, want 0", corrupt.Index)
	}
}

func TestDAGOrderingSignificant(t *testing.T) {
	chunks, err := ChunkData([]byte("abcdefgh"), 4)
	if err != nil {
		t.Fatalf("ChunkData failed: %v", err)
	}

	forward := NewDAG(chunks)
	reversed := NewDAG([]*Chunk{chunks[1], chunks[0]})

	if forward.Root.Equals(reversed.Root) {
		t.Error("reordering chunks did not change the root CID")
	}
}

func TestDAGEmpty(t *testing.T) {
	dag := NewDAG(nil)
	if !dag.Verify([]*Chunk{}) {
		t.Error("empty DAG failed to verify the empty sequence")
	}
	if !dag.Root.Equals(NewCID([]byte{})) {
		t.Error("empty DAG root is not the CID of the empty byte string")
	}
}

func TestDAGFromChildren(t *testing.T) {
	chunks, err := ChunkData(make([]byte, 3000), 1000)
	if err != nil {
		t.Fatalf("ChunkData failed: %v", err)
	}

	direct := NewDAG(chunks)

	cids := make([]CID, len(chunks))
	for i, c := range chunks {
		cids[i] = c.CID
	}
	rebuilt := DAGFromChildren(cids)

	if !direct.Root.Equals(rebuilt.Root) {
		t.Error("DAGFromChildren produced a different root")
	}
}

func TestDAGWrongCount(t *testing.T) {
	chunks, err := ChunkData(make([]byte, 2000), 1000)
	if err != nil {
		t.Fatalf("ChunkData failed: %v", err)
	}

	dag := NewDAG(chunks)
	if dag.Verify(chunks[:1]) {
		t.Error("DAG accepted a truncated chunk sequence")
	}
}
