package content

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strings"

	"github.com/mr-tron/base58"

	"github.com/extrophi/codio/pkg/constants"
)

// HashSize is the size of a SHA-256 hash in bytes.
const HashSize = sha256.Size

// NewCID creates a CID from data by hashing it with SHA-256.
func NewCID(data []byte) CID {
	hash := sha256.Sum256(data)
	return CID{
		Hash:    hash[:],
		Display: encodeCIDString(hash[:]),
	}
}

// NewCIDFromHash creates a CID from an existing SHA-256 hash.
func NewCIDFromHash(hash []byte) (CID, error) {
	if len(hash) != HashSize {
		return CID{}, fmt.Errorf("%w: got %d, want %d", ErrInvalidLength, len(hash), HashSize)
	}

	hashCopy := make([]byte, HashSize)
	copy(hashCopy, hash)

	return CID{
		Hash:    hashCopy,
		Display: encodeCIDString(hashCopy),
	}, nil
}

// ParseCID parses a CIDv0 string. The canonical form is the base58btc
// encoding of the 34-byte multihash (0x12 0x20 ‖ hash), which begins with
// "Qm" by construction. The non-canonical shorthand (a literal "Qm" prefix
// followed by base58(hash)) is also accepted and canonicalized on input.
// The returned CID always re-emits the canonical form.
func ParseCID(s string) (CID, error) {
	if !strings.HasPrefix(s, "Qm") {
		return CID{}, fmt.Errorf("%w: %q", ErrInvalidFormat, s)
	}

	// Canonical: the whole string is one base58 multihash. A decode that
	// yields the right length but the wrong header is not canonical; it may
	// still be a valid shorthand, so fall through.
	if decoded, err := base58.Decode(s); err == nil &&
		len(decoded) == HashSize+2 &&
		decoded[0] == constants.MultihashSHA256 &&
		decoded[1] == constants.MultihashLen {
		return NewCIDFromHash(decoded[2:])
	}

	// Shorthand: "Qm" is a detached prefix and the remainder encodes the
	// bare hash.
	body, err := base58.Decode(strings.TrimPrefix(s, "Qm"))
	if err != nil {
		return CID{}, fmt.Errorf("%w: %v", ErrInvalidBase58, err)
	}
	if len(body) != HashSize {
		return CID{}, fmt.Errorf("%w: decoded %d bytes", ErrInvalidLength, len(body))
	}
	return NewCIDFromHash(body)
}

// Verify reports whether data hashes to this CID.
func (c CID) Verify(data []byte) bool {
	hash := sha256.Sum256(data)
	return bytes.Equal(c.Hash, hash[:])
}

// Equals reports whether two CIDs name the same content.
func (c CID) Equals(other CID) bool {
	return bytes.Equal(c.Hash, other.Hash)
}

// IsZero reports whether the CID is the zero value.
func (c CID) IsZero() bool {
	return len(c.Hash) == 0
}

// IsValid checks hash length and display-form consistency.
func (c CID) IsValid() bool {
	return len(c.Hash) == HashSize && c.Display == encodeCIDString(c.Hash)
}

// String returns the canonical display form.
func (c CID) String() string {
	if c.Display == "" && len(c.Hash) == HashSize {
		return encodeCIDString(c.Hash)
	}
	return c.Display
}

// Bytes returns a copy of the raw hash.
func (c CID) Bytes() []byte {
	result := make([]byte, len(c.Hash))
	copy(result, c.Hash)
	return result
}

// Key returns the hash as a map key.
func (c CID) Key() string {
	return string(c.Hash)
}

// HexString returns the hash as hex, for logs.
func (c CID) HexString() string {
	return hex.EncodeToString(c.Hash)
}

// encodeCIDString renders the canonical CIDv0 text form: the base58btc
// encoding of 0x12 0x20 followed by the hash. The leading "Qm" falls out of
// the multihash header.
func encodeCIDString(hash []byte) string {
	body := make([]byte, 0, len(hash)+2)
	body = append(body, constants.MultihashSHA256, constants.MultihashLen)
	body = append(body, hash...)
	return base58.Encode(body)
}
