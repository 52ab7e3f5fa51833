// Package tcp implements the TCP transport. Streams are secured either by
// TLS 1.3 or by a Noise XX handshake bound to peer identities; the choice is
// made at construction.
package tcp

import (
	"context"
	"crypto/tls"
	"fmt"
	"net"
	"time"

	"github.com/extrophi/codio/pkg/constants"
	"github.com/extrophi/codio/pkg/identity"
	"github.com/extrophi/codio/pkg/security/noisexx"
	"github.com/extrophi/codio/pkg/transport"
)

// Transport implements TCP with TLS or Noise stream security.
type Transport struct {
	tlsConfig *tls.Config
	noiseID   *identity.Identity
}

// New creates a TCP transport secured by TLS 1.3.
func New(tlsConfig *tls.Config) *Transport {
	cfg := tlsConfig.Clone()
	if cfg == nil {
		cfg = &tls.Config{}
	}
	if len(cfg.NextProtos) == 0 {
		cfg.NextProtos = []string{"codio/1"}
	}
	if cfg.MinVersion == 0 {
		cfg.MinVersion = tls.VersionTLS13
	}
	return &Transport{tlsConfig: cfg}
}

// NewNoise creates a TCP transport secured by a Noise XX handshake using the
// node's identity keys.
func NewNoise(id *identity.Identity) *Transport {
	return &Transport{noiseID: id}
}

// Name returns the transport name.
func (t *Transport) Name() string {
	return "tcp"
}

// DefaultPort returns the default TCP port.
func (t *Transport) DefaultPort() int {
	return constants.DefaultTCPPort
}

// Listen starts listening for secured TCP connections.
func (t *Transport) Listen(ctx context.Context, addr string) (transport.Listener, error) {
	if ctx.Err() != nil {
		return nil, ctx.Err()
	}

	tcpAddr, err := net.ResolveTCPAddr("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve TCP address: %w", err)
	}

	listener, err := net.ListenTCP("tcp", tcpAddr)
	if err != nil {
		return nil, fmt.Errorf("failed to listen on %s: %w", addr, err)
	}

	return &Listener{listener: listener, transport: t}, nil
}

// Dial establishes a secured TCP connection.
func (t *Transport) Dial(ctx context.Context, addr string) (transport.Conn, error) {
	dialer := &net.Dialer{Timeout: 30 * time.Second}

	raw, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("failed to dial %s: %w", addr, err)
	}

	if t.noiseID != nil {
		secured, err := noisexx.Client(raw, t.noiseID)
		if err != nil {
			raw.Close()
			return nil, fmt.Errorf("noise handshake failed: %w", err)
		}
		return secured, nil
	}

	tlsConn := tls.Client(raw, t.tlsConfig)
	if err := tlsConn.HandshakeContext(ctx); err != nil {
		raw.Close()
		return nil, fmt.Errorf("TLS handshake failed: %w", err)
	}
	return tlsConn, nil
}

// Listener accepts and secures inbound TCP connections.
type Listener struct {
	listener  *net.TCPListener
	transport *Transport
}

// Accept returns the next secured connection.
func (l *Listener) Accept(ctx context.Context) (transport.Conn, error) {
	if deadline, ok := ctx.Deadline(); ok {
		l.listener.SetDeadline(deadline)
	}

	raw, err := l.listener.AcceptTCP()
	if err != nil {
		return nil, err
	}

	if l.transport.noiseID != nil {
		secured, err := noisexx.Server(raw, l.transport.noiseID)
		if err != nil {
			raw.Close()
			return nil, fmt.Errorf("noise handshake failed: %w", err)
		}
		return secured, nil
	}

	tlsConn := tls.Server(raw, l.transport.tlsConfig)
	if err := tlsConn.HandshakeContext(ctx); err != nil {
		raw.Close()
		return nil, fmt.Errorf("TLS handshake failed: %w", err)
	}
	return tlsConn, nil
}

// Close stops the listener.
func (l *Listener) Close() error {
	return l.listener.Close()
}

// Addr returns the bound address.
func (l *Listener) Addr() net.Addr {
	return l.listener.Addr()
}
