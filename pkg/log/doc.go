// Package log provides structured protocol logging for the CoAP engine.
//
// This package defines the Logger interface and Event types for capturing
// protocol-level events at multiple layers (transport, message, exchange).
// It is separate from operational logging (slog) - protocol capture provides
// a complete machine-readable event trace for debugging and analysis.
//
// # Basic Usage
//
// Applications configure logging by passing a Logger to the engine:
//
//	// For development: log to console via slog
//	engine.WithProtocolLogger(log.NewSlogAdapter(slog.Default()))
//
//	// For production: write to binary file
//	fl, _ := log.NewFileLogger("/var/log/coap/server.clog")
//	engine.WithProtocolLogger(fl)
//
//	// Both: use MultiLogger
//	engine.WithProtocolLogger(log.NewMultiLogger(
//	    log.NewSlogAdapter(slog.Default()),
//	    fl,
//	))
//
// # Event Types
//
// Events are captured at multiple layers:
//   - Transport: Raw datagram bytes (DatagramEvent)
//   - Message: Decoded messages (MessageEvent)
//   - Exchange: Retransmissions, timeouts, block progress (ExchangeEvent)
//
// Engine and observation state changes and errors have dedicated event types.
//
// # File Format
//
// Log files are a stream of CBOR-encoded events with the .clog extension.
// The coap-log CLI tool provides viewing, filtering, and export capabilities.
package log
