package content

import (
	"fmt"
	"mime"
	"path/filepath"
	"time"

	"golang.org/x/text/unicode/norm"
)

// BuildManifest creates a manifest from a chunk sequence. The filename, when
// present, is normalized to NFC and the content type inferred from its
// extension.
func BuildManifest(chunks []*Chunk, chunkSize uint32, filename string) (*Manifest, error) {
	if chunkSize == 0 {
		return nil, ErrChunkSizeOutOfRange
	}

	var totalBytes uint64
	cids := make([]CID, len(chunks))
	for i, chunk := range chunks {
		if chunk.Index != uint32(i) {
			return nil, ErrOutOfOrder
		}
		cids[i] = chunk.CID
		totalBytes += chunk.Size()
	}

	contentType := ""
	if filename != "" {
		filename = norm.NFC.String(filepath.Base(filename))
		if ext := filepath.Ext(filename); ext != "" {
			contentType = mime.TypeByExtension(ext)
		}
	}

	return &Manifest{
		Version:     1,
		TotalBytes:  totalBytes,
		ChunkSize:   chunkSize,
		ChunkCount:  uint32(len(chunks)),
		Chunks:      cids,
		CreatedAt:   uint64(time.Now().UnixMilli()),
		ContentType: contentType,
		Filename:    filename,
	}, nil
}

// Validate checks internal consistency of a manifest.
func (m *Manifest) Validate() error {
	if m == nil {
		return fmt.Errorf("manifest is nil")
	}
	if m.Version == 0 {
		return fmt.Errorf("invalid manifest version: %d", m.Version)
	}
	if m.ChunkSize == 0 {
		return ErrChunkSizeOutOfRange
	}
	if uint32(len(m.Chunks)) != m.ChunkCount {
		return fmt.Errorf("chunk count mismatch: manifest says %d, holds %d",
			m.ChunkCount, len(m.Chunks))
	}
	if want := ChunkCount(m.TotalBytes, m.ChunkSize); want != m.ChunkCount {
		return fmt.Errorf("chunk count %d inconsistent with %d bytes at size %d",
			m.ChunkCount, m.TotalBytes, m.ChunkSize)
	}
	for i, cid := range m.Chunks {
		if !cid.IsValid() {
			return fmt.Errorf("chunk %d has invalid CID", i)
		}
	}
	return nil
}

// DAG rebuilds the Merkle DAG described by the manifest.
func (m *Manifest) DAG() *DAG {
	return DAGFromChildren(m.Chunks)
}
