// Package content implements content addressing for codio: SHA-256 based
// Content Identifiers in the CIDv0 text form, fixed-size chunking, the
// Merkle DAG binding a blob to its chunks, and the local content store.
package content

import (
	"time"

	"github.com/extrophi/codio/pkg/constants"
)

// CID is a Content Identifier: the SHA-256 hash of a byte sequence plus its
// precomputed display form.
type CID struct {
	Hash    []byte `cbor:"hash"`    // SHA-256 hash (32 bytes)
	Display string `cbor:"display"` // "Qm" + base58(0x12 0x20 ‖ hash)
}

// Chunk is a fixed-size piece of a blob, self-addressed by its own CID.
type Chunk struct {
	Index uint32 `cbor:"index"` // position within the blob
	Data  []byte `cbor:"data"`
	CID   CID    `cbor:"cid"` // CID of Data
}

// Size returns the chunk payload length in bytes.
func (c *Chunk) Size() uint64 {
	return uint64(len(c.Data))
}

// Verify reports whether the chunk data hashes to its CID.
func (c *Chunk) Verify() bool {
	return c.CID.Verify(c.Data)
}

// DAG binds an ordered sequence of chunk CIDs to a single root CID. The root
// is the CID of the concatenation of the child hashes, so any reordering or
// substitution changes it.
type DAG struct {
	Root     CID   `cbor:"root"`
	Children []CID `cbor:"children"`
}

// Manifest describes a published blob: its shape and the ordered chunk CIDs,
// plus optional origin metadata.
type Manifest struct {
	Version     uint32 `cbor:"version"`
	TotalBytes  uint64 `cbor:"total_bytes"`
	ChunkSize   uint32 `cbor:"chunk_size"`
	ChunkCount  uint32 `cbor:"chunk_count"`
	Chunks      []CID  `cbor:"chunks"` // ordered by index
	CreatedAt   uint64 `cbor:"created_at"` // Unix milliseconds
	ContentType string `cbor:"content_type,omitempty"`
	Filename    string `cbor:"filename,omitempty"` // NFC-normalized
}

// Config holds publish-time content parameters. The transfer and addressing
// chunk sizes are independent knobs.
type Config struct {
	TransferChunkSize   uint32
	AddressingChunkSize uint32
	MaxStoreBytes       uint64
	FetchTimeout        time.Duration
}

// DefaultConfig returns the standard content parameters.
func DefaultConfig() *Config {
	return &Config{
		TransferChunkSize:   constants.TransferChunkSize,
		AddressingChunkSize: constants.AddressingChunkSize,
		MaxStoreBytes:       0, // unbounded
		FetchTimeout:        30 * time.Second,
	}
}
