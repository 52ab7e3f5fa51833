package wire

import (
	"encoding/binary"
	"fmt"
	"io"
)

// maxFrameSize bounds a single wire frame. The largest legitimate frame is a
// chunk response: the transfer chunk plus envelope overhead.
const maxFrameSize = 4 << 20

// WriteFrame encodes a frame and writes it with a big-endian uint32 length
// prefix.
func WriteFrame(w io.Writer, f *BaseFrame) error {
	data, err := f.Marshal()
	if err != nil {
		return fmt.Errorf("failed to encode frame: %w", err)
	}
	if len(data) > maxFrameSize {
		return fmt.Errorf("frame of %d bytes exceeds limit", len(data))
	}

	var header [4]byte
	binary.BigEndian.PutUint32(header[:], uint32(len(data)))
	if _, err := w.Write(header[:]); err != nil {
		return err
	}
	_, err = w.Write(data)
	return err
}

// ReadFrame reads one length-prefixed frame from r.
func ReadFrame(r io.Reader) (*BaseFrame, error) {
	var header [4]byte
	if _, err := io.ReadFull(r, header[:]); err != nil {
		return nil, err
	}

	size := binary.BigEndian.Uint32(header[:])
	if size > maxFrameSize {
		return nil, fmt.Errorf("frame of %d bytes exceeds limit", size)
	}

	data := make([]byte, size)
	if _, err := io.ReadFull(r, data); err != nil {
		return nil, err
	}

	var frame BaseFrame
	if err := frame.Unmarshal(data); err != nil {
		return nil, fmt.Errorf("failed to decode frame: %w", err)
	}
	return &frame, nil
}
