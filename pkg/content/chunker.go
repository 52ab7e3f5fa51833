package content

import (
	"fmt"
	"io"
)

// ChunkData splits raw data into chunks of the given size. The final chunk
// may be shorter; empty input yields no chunks.
func ChunkData(data []byte, chunkSize uint32) ([]*Chunk, error) {
	if chunkSize == 0 {
		return nil, ErrChunkSizeOutOfRange
	}

	if len(data) == 0 {
		return []*Chunk{}, nil
	}

	numChunks := (len(data) + int(chunkSize) - 1) / int(chunkSize)
	chunks := make([]*Chunk, 0, numChunks)

	for i := 0; i < len(data); i += int(chunkSize) {
		end := i + int(chunkSize)
		if end > len(data) {
			end = len(data)
		}

		chunkData := make([]byte, end-i)
		copy(chunkData, data[i:end])

		chunks = append(chunks, &Chunk{
			Index: uint32(len(chunks)),
			Data:  chunkData,
			CID:   NewCID(chunkData),
		})
	}

	return chunks, nil
}

// ChunkReader splits data from a reader into chunks.
func ChunkReader(reader io.Reader, chunkSize uint32) ([]*Chunk, error) {
	if chunkSize == 0 {
		return nil, ErrChunkSizeOutOfRange
	}

	var chunks []*Chunk
	buffer := make([]byte, chunkSize)

	for {
		n, err := io.ReadFull(reader, buffer)
		if n > 0 {
			chunkData := make([]byte, n)
			copy(chunkData, buffer[:n])

			chunks = append(chunks, &Chunk{
				Index: uint32(len(chunks)),
				Data:  chunkData,
				CID:   NewCID(chunkData),
			})
		}

		if err == io.EOF || err == io.ErrUnexpectedEOF {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("failed to read chunk %d: %w", len(chunks), err)
		}
	}

	if chunks == nil {
		chunks = []*Chunk{}
	}
	return chunks, nil
}

// ReconstructData reassembles the original bytes from a chunk sequence. It
// verifies each chunk against its CID and requires indices to form the exact
// sequence 0..N-1 in order.
func ReconstructData(chunks []*Chunk) ([]byte, error) {
	if len(chunks) == 0 {
		return []byte{}, nil
	}

	var totalSize uint64
	for i, chunk := range chunks {
		if chunk.Index != uint32(i) {
			if chunk.Index > uint32(i) {
				// Chunk i appearing later in the sequence is an ordering
				// fault; otherwise chunk i never arrived.
				for _, later := range chunks[i+1:] {
					if later.Index == uint32(i) {
						return nil, ErrOutOfOrder
					}
				}
				return nil, &MissingChunkError{Index: uint32(i)}
			}
			return nil, ErrOutOfOrder
		}
		if !chunk.Verify() {
			return nil, &CorruptChunkError{Index: chunk.Index}
		}
		totalSize += chunk.Size()
	}

	result := make([]byte, 0, totalSize)
	for _, chunk := range chunks {
		result = append(result, chunk.Data...)
	}

	return result, nil
}

// ChunkCount returns the number of chunks a blob of totalBytes splits into.
func ChunkCount(totalBytes uint64, chunkSize uint32) uint32 {
	if chunkSize == 0 || totalBytes == 0 {
		return 0
	}
	return uint32((totalBytes + uint64(chunkSize) - 1) / uint64(chunkSize))
}

// SliceChunk cuts chunk idx out of a full blob.
func SliceChunk(data []byte, idx uint32, chunkSize uint32) (*Chunk, error) {
	if chunkSize == 0 {
		return nil, ErrChunkSizeOutOfRange
	}

	start := uint64(idx) * uint64(chunkSize)
	if start >= uint64(len(data)) {
		return nil, fmt.Errorf("chunk index %d out of bounds for %d bytes", idx, len(data))
	}

	end := start + uint64(chunkSize)
	if end > uint64(len(data)) {
		end = uint64(len(data))
	}

	chunkData := make([]byte, end-start)
	copy(chunkData, data[start:end])

	return &Chunk{
		Index: idx,
		Data:  chunkData,
		CID:   NewCID(chunkData),
	}, nil
}
