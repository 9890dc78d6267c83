package discovery

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/enbility/zeroconf/v3"
)

// Advertiser announces an endpoint on the local network.
type Advertiser interface {
	// Advertise starts (or replaces) the announcement of info.
	Advertise(ctx context.Context, info *ServiceInfo) error

	// Stop withdraws the announcement.
	Stop() error
}

// AdvertiserConfig configures advertiser behavior.
type AdvertiserConfig struct {
	// Interface specifies which network interface to use.
	// Empty string means all interfaces.
	Interface string

	// Domain is the mDNS domain. Empty means "local.".
	Domain string

	// TTL is the DNS record TTL.
	// Default: 120 seconds.
	TTL time.Duration

	Logger *slog.Logger
}

// DefaultAdvertiserConfig returns the default advertiser configuration.
func DefaultAdvertiserConfig() AdvertiserConfig {
	return AdvertiserConfig{Domain: Domain, TTL: DefaultTTL}
}

// MDNSAdvertiser implements Advertiser using zeroconf.
type MDNSAdvertiser struct {
	config AdvertiserConfig

	mu     sync.Mutex
	server *zeroconf.Server
}

var _ Advertiser = (*MDNSAdvertiser)(nil)

// NewMDNSAdvertiser creates a new mDNS advertiser.
func NewMDNSAdvertiser(config AdvertiserConfig) *MDNSAdvertiser {
	if config.Logger == nil {
		config.Logger = slog.Default()
	}
	if config.Domain == "" {
		config.Domain = Domain
	}
	return &MDNSAdvertiser{config: config}
}

// interfaces returns the network interfaces to use. Returns nil to use all
// interfaces.
func interfaces(name string) []net.Interface {
	if name == "" {
		return nil
	}
	iface, err := net.InterfaceByName(name)
	if err != nil {
		return nil
	}
	return []net.Interface{*iface}
}

// Advertise implements Advertiser.
func (a *MDNSAdvertiser) Advertise(ctx context.Context, info *ServiceInfo) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := ValidateInstanceName(info.Instance); err != nil {
		return err
	}
	txt := TXTRecordsToStrings(EncodeServiceTXT(info))
	if txtSize(txt) > MaxTXTRecordSize {
		return ErrTXTTooLarge
	}
	port := int(info.Port)
	if port == 0 {
		port = DefaultPort
	}

	var opts []zeroconf.ServerOption
	if a.config.TTL > 0 {
		opts = append(opts, zeroconf.TTL(uint32(a.config.TTL.Seconds())))
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	if a.server != nil {
		a.server.Shutdown()
		a.server = nil
	}
	server, err := zeroconf.Register(info.Instance, ServiceType, a.config.Domain, port, txt, interfaces(a.config.Interface), opts...)
	if err != nil {
		return fmt.Errorf("failed to register %s: %w", ServiceType, err)
	}
	a.server = server
	a.config.Logger.Info("advertising", "instance", info.Instance, "service", ServiceType, "port", port)
	return nil
}

// Stop implements Advertiser.
func (a *MDNSAdvertiser) Stop() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.server != nil {
		a.server.Shutdown()
		a.server = nil
	}
	return nil
}
