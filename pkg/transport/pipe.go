package transport

import (
	"context"
	"fmt"
	"net/netip"
	"sync"
)

// DropFunc decides whether the in-memory network loses a datagram.
type DropFunc func(from, to netip.AddrPort, data []byte) bool

const pipeQueueSize = 256

// Network is an in-memory datagram network. Datagrams to unbound
// addresses are lost silently, as with UDP.
type Network struct {
	mu     sync.RWMutex
	pipes  map[netip.AddrPort]*Pipe
	drop   DropFunc
	nextIP uint32
}

// NewNetwork creates an empty network.
func NewNetwork() *Network {
	return &Network{pipes: make(map[netip.AddrPort]*Pipe)}
}

// SetDropFunc installs a loss filter. nil delivers everything.
func (n *Network) SetDropFunc(f DropFunc) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.drop = f
}

// Listen binds a Pipe to addr.
func (n *Network) Listen(addr netip.AddrPort) (*Pipe, error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if _, ok := n.pipes[addr]; ok {
		return nil, fmt.Errorf("%s: %w", addr, ErrAddressInUse)
	}
	p := &Pipe{
		network: n,
		addr:    addr,
		inbox:   make(chan datagram, pipeQueueSize),
		done:    make(chan struct{}),
	}
	n.pipes[addr] = p
	return p, nil
}

// ListenAny binds a Pipe to the next free address in 10.0.0.0/8.
func (n *Network) ListenAny() (*Pipe, error) {
	n.mu.Lock()
	n.nextIP++
	ip := n.nextIP
	n.mu.Unlock()
	addr := netip.AddrFrom4([4]byte{10, byte(ip >> 16), byte(ip >> 8), byte(ip)})
	return n.Listen(netip.AddrPortFrom(addr, DefaultPort))
}

func (n *Network) deliver(from, to netip.AddrPort, data []byte) {
	n.mu.RLock()
	p, ok := n.pipes[to]
	drop := n.drop
	n.mu.RUnlock()
	if !ok || (drop != nil && drop(from, to, data)) {
		return
	}
	d := datagram{from: from, data: append([]byte(nil), data...)}
	select {
	case p.inbox <- d:
	case <-p.done:
	default:
		// Queue full: lost, as a congested socket would.
	}
}

type datagram struct {
	from netip.AddrPort
	data []byte
}

// Pipe is one endpoint of a Network.
type Pipe struct {
	network *Network

	mu   sync.RWMutex
	addr netip.AddrPort

	inbox     chan datagram
	done      chan struct{}
	closeOnce sync.Once
}

// LocalAddr implements Transport.
func (p *Pipe) LocalAddr() netip.AddrPort {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.addr
}

// Send implements Transport.
func (p *Pipe) Send(ctx context.Context, to netip.AddrPort, data []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	select {
	case <-p.done:
		return ErrClosed
	default:
	}
	if len(data) > MaxDatagramSize {
		return ErrDatagramTooLarge
	}
	p.network.deliver(p.LocalAddr(), to, data)
	return nil
}

// Serve implements Transport.
func (p *Pipe) Serve(ctx context.Context, h Handler) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-p.done:
			return nil
		case d := <-p.inbox:
			h(d.from, d.data)
		}
	}
}

// Rebind moves the pipe to a new address, as a NAT rebinding would. Peers
// see later datagrams arrive from addr.
func (p *Pipe) Rebind(addr netip.AddrPort) error {
	n := p.network
	n.mu.Lock()
	defer n.mu.Unlock()
	if _, ok := n.pipes[addr]; ok {
		return fmt.Errorf("%s: %w", addr, ErrAddressInUse)
	}
	p.mu.Lock()
	delete(n.pipes, p.addr)
	p.addr = addr
	p.mu.Unlock()
	n.pipes[addr] = p
	return nil
}

// Close implements Transport. It is safe to call Close multiple times.
func (p *Pipe) Close() error {
	p.closeOnce.Do(func() {
		n := p.network
		n.mu.Lock()
		p.mu.RLock()
		if n.pipes[p.addr] == p {
			delete(n.pipes, p.addr)
		}
		p.mu.RUnlock()
		n.mu.Unlock()
		close(p.done)
	})
	return nil
}
