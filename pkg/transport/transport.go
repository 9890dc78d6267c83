package transport

import (
	"context"
	"errors"
	"net/netip"
)

// Default ports and groups.
const (
	// DefaultPort is the CoAP UDP port.
	DefaultPort = 5683

	// DefaultBufferSize fits the largest block size plus headers.
	DefaultBufferSize = 2048

	// MaxDatagramSize is the maximum size of a UDP datagram.
	MaxDatagramSize = 65535
)

// AllCoAPNodesIPv4 is the IPv4 "All CoAP Nodes" multicast group.
var AllCoAPNodesIPv4 = netip.MustParseAddr("224.0.1.187")

// Transport errors.
var (
	// ErrClosed is returned by operations on a closed transport.
	ErrClosed = errors.New("transport closed")

	// ErrAddressInUse is returned when a Pipe address is already bound.
	ErrAddressInUse = errors.New("address already in use")

	// ErrDatagramTooLarge is returned for datagrams over MaxDatagramSize.
	ErrDatagramTooLarge = errors.New("datagram too large")
)

// Handler receives one datagram. The handler owns data.
type Handler func(from netip.AddrPort, data []byte)

// Transport sends and receives datagrams.
// Implemented by UDP and Pipe.
type Transport interface {
	// Send writes one datagram to the endpoint.
	Send(ctx context.Context, to netip.AddrPort, data []byte) error

	// Serve delivers received datagrams to h until ctx is done or the
	// transport is closed.
	Serve(ctx context.Context, h Handler) error

	// LocalAddr returns the bound address.
	LocalAddr() netip.AddrPort

	// Close releases the transport. Serve returns after Close.
	Close() error
}

// Compile-time interface satisfaction checks.
var (
	_ Transport = (*UDP)(nil)
	_ Transport = (*Pipe)(nil)
)
