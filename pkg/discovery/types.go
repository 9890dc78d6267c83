package discovery

import (
	"errors"
	"time"
)

// Service type constants for mDNS.
const (
	// ServiceType is the DNS-SD service type of CoAP over UDP.
	ServiceType = "_coap._udp"

	// Domain is the mDNS domain.
	Domain = "local."

	// DefaultPort is the default CoAP port.
	DefaultPort = 5683
)

// TXT record keys.
const (
	TXTKeyVersion    = "txtvers"
	TXTKeySessionID  = "sid"
	TXTKeyResources  = "rt"
	TXTKeyObservable = "obs"
	TXTKeySoftware   = "ver"

	// TXTVersion is the TXT format written by this package.
	TXTVersion = "1"
)

// Timing constants.
const (
	// BrowseTimeout is the default timeout for mDNS browsing.
	BrowseTimeout = 10 * time.Second

	// DefaultTTL is the default DNS record TTL.
	DefaultTTL = 120 * time.Second
)

// Limits.
const (
	// MaxInstanceNameLen is the DNS label limit.
	MaxInstanceNameLen = 63

	// MaxTXTRecordSize is the maximum total TXT record size.
	MaxTXTRecordSize = 400
)

// Discovery errors.
var (
	ErrInvalidTXTRecord    = errors.New("invalid TXT record format")
	ErrMissingRequired     = errors.New("missing required field")
	ErrInstanceNameTooLong = errors.New("instance name exceeds 63 characters")
	ErrTXTTooLarge         = errors.New("TXT records exceed 400 bytes")
	ErrNotFound            = errors.New("service not found")
)

// ServiceInfo is what an endpoint announces about itself.
type ServiceInfo struct {
	// Instance is the DNS-SD instance name.
	Instance string

	// Port is the CoAP port. Zero means DefaultPort.
	Port uint16

	// SessionID identifies the running engine.
	SessionID string

	// Resources lists the served paths.
	Resources []string

	// Observable lists the observable paths.
	Observable []string

	// Software is the software version (optional).
	Software string
}

// Service is an endpoint found while browsing.
type Service struct {
	Instance  string
	Host      string
	Port      uint16
	Addresses []string
	Info      ServiceInfo
}
