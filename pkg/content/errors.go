package content

import (
	"errors"
	"fmt"
)

// Input errors: surfaced to the caller, never retried.
var (
	ErrInvalidFormat       = errors.New("invalid CID format: must start with Qm")
	ErrInvalidBase58       = errors.New("invalid base58 encoding")
	ErrInvalidLength       = errors.New("invalid CID length")
	ErrChunkSizeOutOfRange = errors.New("chunk size out of range")
)

// Integrity errors: surfaced, never retried against the same data.
var (
	ErrOutOfOrder       = errors.New("chunks out of order")
	ErrRootHashMismatch = errors.New("root hash mismatch")
)

// MissingChunkError reports a gap in a chunk sequence.
type MissingChunkError struct {
	Index uint32
}

func (e *MissingChunkError) Error() string {
	return fmt.Sprintf("missing chunk %d", e.Index)
}

// CorruptChunkError reports a chunk whose data does not hash to its CID.
type CorruptChunkError struct {
	Index uint32
}

func (e *CorruptChunkError) Error() string {
	return fmt.Sprintf("corrupt chunk %d: data does not match CID", e.Index)
}
