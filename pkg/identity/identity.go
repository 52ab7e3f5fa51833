// Package identity implements codio peer identity: Ed25519 signing keys,
// X25519 key agreement keys, the canonical PeerID encoding, and JSON
// persistence for warm restarts.
package identity

import (
	"crypto/ed25519"
	"crypto/rand"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/mr-tron/base58"
	"golang.org/x/crypto/curve25519"
)

// PeerIDPrefix is the prefix of the canonical PeerID text form.
const PeerIDPrefix = "cdo"

// Identity holds a peer's key material.
type Identity struct {
	// Ed25519 signing key pair
	SigningPublicKey  ed25519.PublicKey  `json:"signing_public_key"`
	SigningPrivateKey ed25519.PrivateKey `json:"signing_private_key"`

	// X25519 key agreement key pair (used by the Noise handshake)
	KeyAgreementPublicKey  [32]byte `json:"key_agreement_public_key"`
	KeyAgreementPrivateKey [32]byte `json:"key_agreement_private_key"`

	peerID string // cached canonical form
}

// Generate creates a fresh identity.
func Generate() (*Identity, error) {
	sigPub, sigPriv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("failed to generate Ed25519 key pair: %w", err)
	}

	var kaPriv, kaPub [32]byte
	if _, err := rand.Read(kaPriv[:]); err != nil {
		return nil, fmt.Errorf("failed to generate X25519 private key: %w", err)
	}
	curve25519.ScalarBaseMult(&kaPub, &kaPriv)

	id := &Identity{
		SigningPublicKey:       sigPub,
		SigningPrivateKey:      sigPriv,
		KeyAgreementPublicKey:  kaPub,
		KeyAgreementPrivateKey: kaPriv,
	}
	id.peerID = encodePeerID(sigPub)

	return id, nil
}

// PeerID returns the canonical PeerID: "cdo:key:" followed by the base58btc
// encoding of the Ed25519 public key.
func (id *Identity) PeerID() string {
	if id.peerID == "" {
		id.peerID = encodePeerID(id.SigningPublicKey)
	}
	return id.peerID
}

// PeerIDBytes returns the canonical byte encoding of the PeerID, used for
// XOR-distance computations in the DHT keyspace.
func (id *Identity) PeerIDBytes() []byte {
	return []byte(id.PeerID())
}

func encodePeerID(pub ed25519.PublicKey) string {
	return fmt.Sprintf("%s:key:%s", PeerIDPrefix, base58.Encode(pub))
}

// PublicKeyFromPeerID recovers the Ed25519 public key embedded in a PeerID.
func PublicKeyFromPeerID(peerID string) (ed25519.PublicKey, error) {
	rest, ok := strings.CutPrefix(peerID, PeerIDPrefix+":key:")
	if !ok {
		return nil, fmt.Errorf("invalid peer ID prefix: %s", peerID)
	}

	raw, err := base58.Decode(rest)
	if err != nil {
		return nil, fmt.Errorf("invalid peer ID encoding: %w", err)
	}
	if len(raw) != ed25519.PublicKeySize {
		return nil, fmt.Errorf("invalid peer ID key length: got %d, want %d",
			len(raw), ed25519.PublicKeySize)
	}

	return ed25519.PublicKey(raw), nil
}

// SaveToFile persists the identity to a JSON file with restricted
// permissions.
func (id *Identity) SaveToFile(filename string) error {
	if err := os.MkdirAll(filepath.Dir(filename), 0700); err != nil {
		return fmt.Errorf("failed to create directory: %w", err)
	}

	data, err := json.MarshalIndent(id, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal identity: %w", err)
	}

	if err := os.WriteFile(filename, data, 0600); err != nil {
		return fmt.Errorf("failed to write identity file: %w", err)
	}

	return nil
}

// LoadFromFile loads a previously saved identity.
func LoadFromFile(filename string) (*Identity, error) {
	data, err := os.ReadFile(filename)
	if err != nil {
		return nil, fmt.Errorf("failed to read identity file: %w", err)
	}

	var id Identity
	if err := json.Unmarshal(data, &id); err != nil {
		return nil, fmt.Errorf("failed to unmarshal identity: %w", err)
	}

	if len(id.SigningPublicKey) != ed25519.PublicKeySize ||
		len(id.SigningPrivateKey) != ed25519.PrivateKeySize {
		return nil, fmt.Errorf("identity file holds malformed key material")
	}

	id.peerID = encodePeerID(id.SigningPublicKey)
	return &id, nil
}

// LoadOrGenerate loads an identity from filename, generating and saving a
// new one when the file does not exist.
func LoadOrGenerate(filename string) (*Identity, error) {
	id, err := LoadFromFile(filename)
	if err == nil {
		return id, nil
	}
	if !errors.Is(err, os.ErrNotExist) {
		return nil, err
	}

	id, err = Generate()
	if err != nil {
		return nil, err
	}
	if err := id.SaveToFile(filename); err != nil {
		return nil, err
	}
	return id, nil
}
