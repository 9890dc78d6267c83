// Package discovery advertises and browses CoAP endpoints over mDNS/DNS-SD.
//
// Endpoints announce the service type _coap._udp. The instance name is
// user-configurable (default "coap-<hostname>"). TXT records carry:
//
//   - txtvers: TXT format version
//   - sid: engine session ID
//   - rt: comma-separated resource paths
//   - obs: comma-separated observable paths
//   - ver: software version (optional)
//
// A client browsing for endpoints receives one Service per instance;
// addresses seen on several interfaces are merged into one entry.
package discovery
