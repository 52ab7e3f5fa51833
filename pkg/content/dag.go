package content

// NewDAG builds the Merkle DAG over an ordered chunk sequence. The root is
// the CID of the concatenated child hashes; an empty sequence yields the CID
// of the empty byte string.
func NewDAG(chunks []*Chunk) *DAG {
	children := make([]CID, len(chunks))
	concat := make([]byte, 0, len(chunks)*HashSize)

	for i, chunk := range chunks {
		children[i] = chunk.CID
		concat = append(concat, chunk.CID.Hash...)
	}

	return &DAG{
		Root:     NewCID(concat),
		Children: children,
	}
}

// DAGFromChildren rebuilds a DAG from known child CIDs (e.g. out of a
// manifest) without the chunk data.
func DAGFromChildren(children []CID) *DAG {
	concat := make([]byte, 0, len(children)*HashSize)
	for _, child := range children {
		concat = append(concat, child.Hash...)
	}

	copied := make([]CID, len(children))
	copy(copied, children)

	return &DAG{
		Root:     NewCID(concat),
		Children: copied,
	}
}

// Verify checks a chunk sequence against the DAG: counts match, every
// chunk's CID equals the recorded child, every chunk self-verifies, and the
// recomputed root equals Root.
func (d *DAG) Verify(chunks []*Chunk) bool {
	if len(chunks) != len(d.Children) {
		return false
	}

	for i, chunk := range chunks {
		if !chunk.CID.Equals(d.Children[i]) {
			return false
		}
		if !chunk.Verify() {
			return false
		}
	}

	concat := make([]byte, 0, len(chunks)*HashSize)
	for _, chunk := range chunks {
		concat = append(concat, chunk.CID.Hash...)
	}

	return d.Root.Verify(concat)
}

// ExpectedChunk returns the CID recorded for index i, if known.
func (d *DAG) ExpectedChunk(i uint32) (CID, bool) {
	if int(i) >= len(d.Children) {
		return CID{}, false
	}
	return d.Children[i], true
}
