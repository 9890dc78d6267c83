// Package engine ties the CoAP message-exchange layers into one endpoint.
//
// An Engine owns a transport and a pipeline of stages:
//
//	transport <-> reliability <-> blockwise <-> observe <-> dispatcher <-> application
//
// Outbound requests are registered with the dispatcher and receive their
// lifecycle events on a per-exchange callback. Inbound requests are routed
// by path to handlers running on the worker pool. Observable resources are
// registered once and notify their observers on NotifyChanged.
//
// Every message crossing the transport is reported to the optional protocol
// logger and metrics.
package engine
