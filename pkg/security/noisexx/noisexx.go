// Package noisexx secures a raw stream with a Noise XX handshake bound to
// codio identities. Each side proves ownership of its PeerID by signing its
// Noise static key with its Ed25519 identity key inside the encrypted
// handshake payloads. XX is used rather than IK because peers discover each
// other through PeerIDs and addresses, not X25519 statics.
package noisexx

import (
	"crypto/ed25519"
	"encoding/binary"
	"fmt"
	"io"

	"github.com/flynn/noise"

	"github.com/extrophi/codio/pkg/codec/cborcanon"
	"github.com/extrophi/codio/pkg/identity"
)

// maxMessageSize is the Noise transport message bound.
const maxMessageSize = 65535

// maxPlaintext leaves room for the AEAD tag within one message.
const maxPlaintext = maxMessageSize - 1024

var cipherSuite = noise.NewCipherSuite(noise.DH25519, noise.CipherChaChaPoly, noise.HashBLAKE2s)

// handshakePayload binds a Noise static key to a codio identity.
type handshakePayload struct {
	PeerID string `cbor:"peer_id"`
	Sig    []byte `cbor:"sig"` // Ed25519 over the sender's Noise static public key
}

func staticKeypair(id *identity.Identity) noise.DHKey {
	return noise.DHKey{
		Private: id.KeyAgreementPrivateKey[:],
		Public:  id.KeyAgreementPublicKey[:],
	}
}

func makePayload(id *identity.Identity) ([]byte, error) {
	payload := handshakePayload{
		PeerID: id.PeerID(),
		Sig:    ed25519.Sign(id.SigningPrivateKey, id.KeyAgreementPublicKey[:]),
	}
	return cborcanon.Marshal(&payload)
}

func verifyPayload(raw, remoteStatic []byte) (string, error) {
	var payload handshakePayload
	if err := cborcanon.Unmarshal(raw, &payload); err != nil {
		return "", fmt.Errorf("malformed handshake payload: %w", err)
	}

	pub, err := identity.PublicKeyFromPeerID(payload.PeerID)
	if err != nil {
		return "", fmt.Errorf("handshake carries invalid peer ID: %w", err)
	}
	if !ed25519.Verify(pub, remoteStatic, payload.Sig) {
		return "", fmt.Errorf("peer %s failed to prove its static key", payload.PeerID)
	}
	return payload.PeerID, nil
}

// Client runs the initiator side of the handshake over conn.
func Client(conn io.ReadWriteCloser, id *identity.Identity) (*SecureConn, error) {
	hs, err := noise.NewHandshakeState(noise.Config{
		CipherSuite:   cipherSuite,
		Pattern:       noise.HandshakeXX,
		Initiator:     true,
		StaticKeypair: staticKeypair(id),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create handshake state: %w", err)
	}

	// -> e
	msg, _, _, err := hs.WriteMessage(nil, nil)
	if err != nil {
		return nil, err
	}
	if err := writeRecord(conn, msg); err != nil {
		return nil, err
	}

	// <- e, ee, s, es (+responder identity proof)
	record, err := readRecord(conn)
	if err != nil {
		return nil, err
	}
	theirPayload, _, _, err := hs.ReadMessage(nil, record)
	if err != nil {
		return nil, fmt.Errorf("handshake message 2 rejected: %w", err)
	}
	remotePeer, err := verifyPayload(theirPayload, hs.PeerStatic())
	if err != nil {
		return nil, err
	}

	// -> s, se (+our identity proof)
	ourPayload, err := makePayload(id)
	if err != nil {
		return nil, err
	}
	msg, cs1, cs2, err := hs.WriteMessage(nil, ourPayload)
	if err != nil {
		return nil, err
	}
	if err := writeRecord(conn, msg); err != nil {
		return nil, err
	}

	return newSecureConn(conn, remotePeer, cs1, cs2), nil
}

// Server runs the responder side of the handshake over conn.
func Server(conn io.ReadWriteCloser, id *identity.Identity) (*SecureConn, error) {
	hs, err := noise.NewHandshakeState(noise.Config{
		CipherSuite:   cipherSuite,
		Pattern:       noise.HandshakeXX,
		StaticKeypair: staticKeypair(id),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create handshake state: %w", err)
	}

	// <- e
	record, err := readRecord(conn)
	if err != nil {
		return nil, err
	}
	if _, _, _, err := hs.ReadMessage(nil, record); err != nil {
		return nil, fmt.Errorf("handshake message 1 rejected: %w", err)
	}

	// -> e, ee, s, es (+our identity proof)
	ourPayload, err := makePayload(id)
	if err != nil {
		return nil, err
	}
	msg, _, _, err := hs.WriteMessage(nil, ourPayload)
	if err != nil {
		return nil, err
	}
	if err := writeRecord(conn, msg); err != nil {
		return nil, err
	}

	// <- s, se (+initiator identity proof)
	record, err = readRecord(conn)
	if err != nil {
		return nil, err
	}
	theirPayload, cs1, cs2, err := hs.ReadMessage(nil, record)
	if err != nil {
		return nil, fmt.Errorf("handshake message 3 rejected: %w", err)
	}
	remotePeer, err := verifyPayload(theirPayload, hs.PeerStatic())
	if err != nil {
		return nil, err
	}

	// The responder decrypts with cs1 and encrypts with cs2.
	return newSecureConn(conn, remotePeer, cs2, cs1), nil
}

func writeRecord(w io.Writer, msg []byte) error {
	var header [2]byte
	binary.BigEndian.PutUint16(header[:], uint16(len(msg)))
	if _, err := w.Write(header[:]); err != nil {
		return err
	}
	_, err := w.Write(msg)
	return err
}

func readRecord(r io.Reader) ([]byte, error) {
	var header [2]byte
	if _, err := io.ReadFull(r, header[:]); err != nil {
		return nil, err
	}
	msg := make([]byte, binary.BigEndian.Uint16(header[:]))
	if _, err := io.ReadFull(r, msg); err != nil {
		return nil, err
	}
	return msg, nil
}
