package noisexx

import (
	"fmt"
	"io"
	"net"
	"sync"
	"time"

	"github.com/flynn/noise"
)

// SecureConn is an encrypted stream over an established Noise session.
// Records are length-prefixed ciphertexts; reads drain a plaintext buffer.
type SecureConn struct {
	conn       io.ReadWriteCloser
	remotePeer string

	writeMu sync.Mutex
	enc     *noise.CipherState

	readMu  sync.Mutex
	dec     *noise.CipherState
	readBuf []byte
}

func newSecureConn(conn io.ReadWriteCloser, remotePeer string, enc, dec *noise.CipherState) *SecureConn {
	return &SecureConn{
		conn:       conn,
		remotePeer: remotePeer,
		enc:        enc,
		dec:        dec,
	}
}

// RemotePeer returns the authenticated PeerID of the other side.
func (c *SecureConn) RemotePeer() string {
	return c.remotePeer
}

// Write encrypts and sends b, splitting it across records as needed.
func (c *SecureConn) Write(b []byte) (int, error) {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	written := 0
	for len(b) > 0 {
		n := len(b)
		if n > maxPlaintext {
			n = maxPlaintext
		}

		ciphertext, err := c.enc.Encrypt(nil, nil, b[:n])
		if err != nil {
			return written, fmt.Errorf("encryption failed: %w", err)
		}
		if err := writeRecord(c.conn, ciphertext); err != nil {
			return written, err
		}

		written += n
		b = b[n:]
	}
	return written, nil
}

// Read decrypts the next record into b.
func (c *SecureConn) Read(b []byte) (int, error) {
	c.readMu.Lock()
	defer c.readMu.Unlock()

	for len(c.readBuf) == 0 {
		record, err := readRecord(c.conn)
		if err != nil {
			return 0, err
		}
		plaintext, err := c.dec.Decrypt(nil, nil, record)
		if err != nil {
			return 0, fmt.Errorf("decryption failed: %w", err)
		}
		c.readBuf = plaintext
	}

	n := copy(b, c.readBuf)
	c.readBuf = c.readBuf[n:]
	return n, nil
}

// Close closes the underlying stream.
func (c *SecureConn) Close() error {
	return c.conn.Close()
}

// Deadline and address methods delegate to the underlying connection when it
// is a net.Conn; the in-memory pipes used in tests qualify.

func (c *SecureConn) LocalAddr() net.Addr {
	if nc, ok := c.conn.(net.Conn); ok {
		return nc.LocalAddr()
	}
	return nil
}

func (c *SecureConn) RemoteAddr() net.Addr {
	if nc, ok := c.conn.(net.Conn); ok {
		return nc.RemoteAddr()
	}
	return nil
}

func (c *SecureConn) SetDeadline(t time.Time) error {
	if nc, ok := c.conn.(net.Conn); ok {
		return nc.SetDeadline(t)
	}
	return nil
}

func (c *SecureConn) SetReadDeadline(t time.Time) error {
	if nc, ok := c.conn.(net.Conn); ok {
		return nc.SetReadDeadline(t)
	}
	return nil
}

func (c *SecureConn) SetWriteDeadline(t time.Time) error {
	if nc, ok := c.conn.(net.Conn); ok {
		return nc.SetWriteDeadline(t)
	}
	return nil
}
