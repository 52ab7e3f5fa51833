// Package transport defines the abstract stream transport the codio core
// runs over. Concrete transports (TCP with TLS or Noise, QUIC, in-memory)
// are configured at construction; the core only sees Dial, Listen, and
// framed connections.
package transport

import (
	"context"
	"net"
	"time"
)

// Transport is a reliable, framed, authenticated stream transport.
type Transport interface {
	// Listen starts accepting connections on addr.
	Listen(ctx context.Context, addr string) (Listener, error)

	// Dial connects to addr.
	Dial(ctx context.Context, addr string) (Conn, error)

	// Name identifies the transport ("tcp", "quic", "mem").
	Name() string

	// DefaultPort is the port used when an address omits one.
	DefaultPort() int
}

// Listener accepts inbound connections.
type Listener interface {
	Accept(ctx context.Context) (Conn, error)
	Close() error
	Addr() net.Addr
}

// Conn is a bidirectional byte stream with deadlines.
type Conn interface {
	Read(b []byte) (n int, err error)
	Write(b []byte) (n int, err error)
	Close() error
	LocalAddr() net.Addr
	RemoteAddr() net.Addr
	SetDeadline(t time.Time) error
	SetReadDeadline(t time.Time) error
	SetWriteDeadline(t time.Time) error
}

// Config holds common transport tuning knobs.
type Config struct {
	ALPNProtocols  []string
	ConnectTimeout time.Duration
	KeepAlive      time.Duration
	MaxIdleTimeout time.Duration
}

// DefaultConfig returns the standard transport settings.
func DefaultConfig() *Config {
	return &Config{
		ALPNProtocols:  []string{"codio/1"},
		ConnectTimeout: 30 * time.Second,
		KeepAlive:      30 * time.Second,
		MaxIdleTimeout: 5 * time.Minute,
	}
}

// Registry maps transport names to implementations.
type Registry struct {
	transports map[string]Transport
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{transports: make(map[string]Transport)}
}

// Register adds a transport under its name.
func (r *Registry) Register(t Transport) {
	r.transports[t.Name()] = t
}

// Get returns the transport registered under name.
func (r *Registry) Get(name string) (Transport, bool) {
	t, ok := r.transports[name]
	return t, ok
}

// List returns the registered transport names.
func (r *Registry) List() []string {
	names := make([]string, 0, len(r.transports))
	for name := range r.transports {
		names = append(names, name)
	}
	return names
}
