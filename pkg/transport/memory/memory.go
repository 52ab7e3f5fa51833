// Package memory implements an in-process transport: nodes attach to a
// shared Bus under "mem://" addresses and connect through net.Pipe. It
// backs the multi-node tests and single-process demos.
package memory

import (
	"context"
	"fmt"
	"net"
	"sync"

	"github.com/extrophi/codio/pkg/transport"
)

// Bus connects memory transports within one process.
type Bus struct {
	mu        sync.Mutex
	listeners map[string]*Listener
}

// NewBus creates an empty bus.
func NewBus() *Bus {
	return &Bus{listeners: make(map[string]*Listener)}
}

// Transport is one endpoint attached to a bus.
type Transport struct {
	bus *Bus
}

// New attaches a transport to the bus.
func New(bus *Bus) *Transport {
	return &Transport{bus: bus}
}

// Name returns "mem".
func (t *Transport) Name() string { return "mem" }

// DefaultPort is meaningless in-process.
func (t *Transport) DefaultPort() int { return 0 }

// Listen claims addr on the bus.
func (t *Transport) Listen(_ context.Context, addr string) (transport.Listener, error) {
	t.bus.mu.Lock()
	defer t.bus.mu.Unlock()

	if _, taken := t.bus.listeners[addr]; taken {
		return nil, fmt.Errorf("address %s already in use", addr)
	}

	l := &Listener{
		bus:     t.bus,
		addr:    addr,
		backlog: make(chan net.Conn, 16),
		closed:  make(chan struct{}),
	}
	t.bus.listeners[addr] = l
	return l, nil
}

// Dial connects to a listener on the bus.
func (t *Transport) Dial(ctx context.Context, addr string) (transport.Conn, error) {
	t.bus.mu.Lock()
	l, ok := t.bus.listeners[addr]
	t.bus.mu.Unlock()

	if !ok {
		return nil, fmt.Errorf("no listener at %s", addr)
	}

	client, server := net.Pipe()
	select {
	case l.backlog <- server:
		return &conn{Conn: client, local: "mem://dial", remote: addr}, nil
	case <-l.closed:
		client.Close()
		return nil, fmt.Errorf("listener at %s closed", addr)
	case <-ctx.Done():
		client.Close()
		return nil, ctx.Err()
	}
}

// Listener accepts bus connections for one address.
type Listener struct {
	bus     *Bus
	addr    string
	backlog chan net.Conn
	closed  chan struct{}
	once    sync.Once
}

// Accept returns the next inbound connection.
func (l *Listener) Accept(ctx context.Context) (transport.Conn, error) {
	select {
	case c := <-l.backlog:
		return &conn{Conn: c, local: l.addr, remote: "mem://remote"}, nil
	case <-l.closed:
		return nil, fmt.Errorf("listener closed")
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Close releases the address.
func (l *Listener) Close() error {
	l.once.Do(func() {
		close(l.closed)
		l.bus.mu.Lock()
		delete(l.bus.listeners, l.addr)
		l.bus.mu.Unlock()
	})
	return nil
}

// Addr returns the bus address.
func (l *Listener) Addr() net.Addr {
	return memAddr(l.addr)
}

type conn struct {
	net.Conn
	local  string
	remote string
}

func (c *conn) LocalAddr() net.Addr  { return memAddr(c.local) }
func (c *conn) RemoteAddr() net.Addr { return memAddr(c.remote) }

type memAddr string

func (a memAddr) Network() string { return "mem" }
func (a memAddr) String() string  { return string(a) }
