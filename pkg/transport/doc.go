// Package transport provides the datagram transports the CoAP engine runs
// over.
//
// The engine only needs to send a datagram to an endpoint and to be handed
// every datagram that arrives, so a Transport is a small interface:
//
//   - UDP binds a socket, optionally joins the "All CoAP Nodes" multicast
//     group (224.0.1.187) and runs a read loop with pooled buffers.
//   - Network and Pipe form an in-memory datagram network for tests and
//     demos. A drop filter simulates loss.
//
// # Addressing
//
// Endpoints are netip.AddrPort values. IPv4-mapped IPv6 addresses are
// unmapped on receive so that a peer has one identity regardless of the
// socket family.
package transport
