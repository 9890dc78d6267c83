package transport

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/netip"
	"sync"
	"sync/atomic"

	"golang.org/x/net/ipv4"
)

// UDPConfig configures a UDP transport.
type UDPConfig struct {
	// Address to listen on (e.g., ":5683" or "127.0.0.1:0").
	Address string

	// BufferSize is the size of datagram read buffers in bytes.
	// If 0, uses DefaultBufferSize. Must not exceed MaxDatagramSize.
	BufferSize int

	// ReadBufferSize sets the socket receive buffer size (SO_RCVBUF).
	// If 0, uses system default.
	ReadBufferSize int

	// WriteBufferSize sets the socket send buffer size (SO_SNDBUF).
	// If 0, uses system default.
	WriteBufferSize int

	// Multicast joins the All CoAP Nodes group on MulticastInterface.
	Multicast bool

	// MulticastInterface names the interface to join on. Empty selects
	// the system default.
	MulticastInterface string

	// MulticastTTL is the TTL of outgoing multicast datagrams (default 1).
	MulticastTTL int

	// MulticastLoopback delivers our own multicast datagrams locally.
	MulticastLoopback bool

	// Logger for transport events.
	Logger *slog.Logger
}

// UDP is a Transport over a UDP socket.
type UDP struct {
	config     UDPConfig
	conn       *net.UDPConn
	local      netip.AddrPort
	bufferPool *sync.Pool
	logger     *slog.Logger

	closed atomic.Bool
}

// ListenUDP binds a UDP socket.
func ListenUDP(ctx context.Context, config UDPConfig) (*UDP, error) {
	if config.Address == "" {
		config.Address = fmt.Sprintf(":%d", DefaultPort)
	}
	if config.BufferSize <= 0 {
		config.BufferSize = DefaultBufferSize
	}
	if config.BufferSize > MaxDatagramSize {
		config.BufferSize = MaxDatagramSize
	}
	if config.MulticastTTL <= 0 {
		config.MulticastTTL = 1
	}
	if config.Logger == nil {
		config.Logger = slog.Default()
	}

	var lc net.ListenConfig
	pc, err := lc.ListenPacket(ctx, "udp", config.Address)
	if err != nil {
		return nil, fmt.Errorf("failed to listen on %s: %w", config.Address, err)
	}
	conn := pc.(*net.UDPConn)

	if config.ReadBufferSize > 0 {
		if err := conn.SetReadBuffer(config.ReadBufferSize); err != nil {
			config.Logger.Warn("failed to set read buffer size", "error", err)
		}
	}
	if config.WriteBufferSize > 0 {
		if err := conn.SetWriteBuffer(config.WriteBufferSize); err != nil {
			config.Logger.Warn("failed to set write buffer size", "error", err)
		}
	}

	if config.Multicast {
		if err := joinAllCoAPNodes(conn, config); err != nil {
			conn.Close()
			return nil, err
		}
	}

	local := conn.LocalAddr().(*net.UDPAddr).AddrPort()
	size := config.BufferSize
	u := &UDP{
		config: config,
		conn:   conn,
		local:  netip.AddrPortFrom(local.Addr().Unmap(), local.Port()),
		bufferPool: &sync.Pool{
			New: func() any {
				buf := make([]byte, size)
				return &buf
			},
		},
		logger: config.Logger,
	}
	u.logger.Info("UDP transport listening",
		"address", u.local.String(),
		"multicast", config.Multicast,
		"buffer_size", size)
	return u, nil
}

func joinAllCoAPNodes(conn *net.UDPConn, config UDPConfig) error {
	var ifi *net.Interface
	if config.MulticastInterface != "" {
		var err error
		ifi, err = net.InterfaceByName(config.MulticastInterface)
		if err != nil {
			return fmt.Errorf("multicast interface %s: %w", config.MulticastInterface, err)
		}
	}

	p := ipv4.NewPacketConn(conn)
	group := &net.UDPAddr{IP: net.IP(AllCoAPNodesIPv4.AsSlice())}
	if err := p.JoinGroup(ifi, group); err != nil {
		return fmt.Errorf("failed to join %s: %w", AllCoAPNodesIPv4, err)
	}
	if err := p.SetMulticastTTL(config.MulticastTTL); err != nil {
		return fmt.Errorf("failed to set multicast TTL: %w", err)
	}
	if err := p.SetMulticastLoopback(config.MulticastLoopback); err != nil {
		return fmt.Errorf("failed to set multicast loopback: %w", err)
	}
	if ifi != nil {
		if err := p.SetMulticastInterface(ifi); err != nil {
			return fmt.Errorf("failed to set multicast interface: %w", err)
		}
	}
	return nil
}

// LocalAddr implements Transport.
func (u *UDP) LocalAddr() netip.AddrPort { return u.local }

// Send implements Transport.
func (u *UDP) Send(ctx context.Context, to netip.AddrPort, data []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if u.closed.Load() {
		return ErrClosed
	}
	if len(data) > MaxDatagramSize {
		return ErrDatagramTooLarge
	}
	if _, err := u.conn.WriteToUDPAddrPort(data, to); err != nil {
		return fmt.Errorf("send to %s: %w", to, err)
	}
	return nil
}

// Serve implements Transport. Each datagram is copied out of a pooled
// buffer before h is called.
func (u *UDP) Serve(ctx context.Context, h Handler) error {
	stop := context.AfterFunc(ctx, func() { _ = u.Close() })
	defer stop()

	for {
		bufPtr := u.bufferPool.Get().(*[]byte)
		buffer := *bufPtr

		n, from, err := u.conn.ReadFromUDPAddrPort(buffer)
		if err != nil {
			u.bufferPool.Put(bufPtr)
			if ctx.Err() != nil || u.closed.Load() || errors.Is(err, net.ErrClosed) {
				return nil
			}
			u.logger.Error("failed to read UDP datagram", "error", err)
			continue
		}

		datagram := make([]byte, n)
		copy(datagram, buffer[:n])
		u.bufferPool.Put(bufPtr)

		from = netip.AddrPortFrom(from.Addr().Unmap(), from.Port())
		h(from, datagram)
	}
}

// Close implements Transport. It is safe to call Close multiple times.
func (u *UDP) Close() error {
	if !u.closed.CompareAndSwap(false, true) {
		return nil
	}
	err := u.conn.Close()
	if errors.Is(err, net.ErrClosed) {
		return nil
	}
	return err
}
