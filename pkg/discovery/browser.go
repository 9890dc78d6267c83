package discovery

import (
	"context"
	"net/netip"
	"slices"
	"time"

	"github.com/enbility/zeroconf/v3"
)

// Browser finds CoAP endpoints on the local network.
type Browser interface {
	// Browse streams endpoints until ctx is done. The channel is closed
	// when browsing ends.
	Browse(ctx context.Context) (<-chan *Service, error)

	// Find returns the endpoint announcing instance.
	Find(ctx context.Context, instance string) (*Service, error)
}

// BrowserConfig configures browser behavior.
type BrowserConfig struct {
	// BrowseTimeout bounds Find when ctx has no deadline.
	// Default: 10 seconds.
	BrowseTimeout time.Duration

	// Interface specifies which network interface to use.
	// Empty string means all interfaces.
	Interface string

	// Domain is the mDNS domain. Empty means "local.".
	Domain string
}

// DefaultBrowserConfig returns the default browser configuration.
func DefaultBrowserConfig() BrowserConfig {
	return BrowserConfig{BrowseTimeout: BrowseTimeout, Domain: Domain}
}

// ServiceEntry is a resolved DNS-SD record set, independent of the mDNS
// library.
type ServiceEntry struct {
	Instance string
	Host     string
	Port     uint16
	Text     []string
	Addrs    []string
}

// ToService converts a ServiceEntry to a Service.
func (e *ServiceEntry) ToService() (*Service, error) {
	info, err := DecodeServiceTXT(StringsToTXTRecords(e.Text))
	if err != nil {
		return nil, err
	}
	info.Instance = e.Instance
	info.Port = e.Port
	return &Service{
		Instance:  e.Instance,
		Host:      e.Host,
		Port:      e.Port,
		Addresses: append([]string(nil), e.Addrs...),
		Info:      *info,
	}, nil
}

// AddrPorts returns the endpoint's addresses with its port.
func (s *Service) AddrPorts() []netip.AddrPort {
	port := s.Port
	if port == 0 {
		port = DefaultPort
	}
	out := make([]netip.AddrPort, 0, len(s.Addresses))
	for _, a := range s.Addresses {
		addr, err := netip.ParseAddr(a)
		if err != nil {
			continue
		}
		out = append(out, netip.AddrPortFrom(addr.Unmap(), port))
	}
	return out
}

func fromZeroconf(entry *zeroconf.ServiceEntry) *ServiceEntry {
	addrs := make([]string, 0, len(entry.AddrIPv4)+len(entry.AddrIPv6))
	for _, ip := range entry.AddrIPv4 {
		addrs = append(addrs, ip.String())
	}
	for _, ip := range entry.AddrIPv6 {
		addrs = append(addrs, ip.String())
	}
	return &ServiceEntry{
		Instance: entry.Instance,
		Host:     entry.HostName,
		Port:     uint16(entry.Port),
		Text:     entry.Text,
		Addrs:    addrs,
	}
}

// MDNSBrowser implements Browser using zeroconf.
type MDNSBrowser struct {
	config BrowserConfig
}

var _ Browser = (*MDNSBrowser)(nil)

// NewMDNSBrowser creates a new mDNS browser.
func NewMDNSBrowser(config BrowserConfig) *MDNSBrowser {
	if config.BrowseTimeout <= 0 {
		config.BrowseTimeout = BrowseTimeout
	}
	if config.Domain == "" {
		config.Domain = Domain
	}
	return &MDNSBrowser{config: config}
}

// Browse implements Browser.
func (b *MDNSBrowser) Browse(ctx context.Context) (<-chan *Service, error) {
	entries := make(chan *zeroconf.ServiceEntry)
	removed := make(chan *zeroconf.ServiceEntry)
	added := make(chan *ServiceEntry)
	gone := make(chan *ServiceEntry)
	out := make(chan *Service)

	var opts []zeroconf.ClientOption
	if ifaces := interfaces(b.config.Interface); ifaces != nil {
		opts = append(opts, zeroconf.SelectIfaces(ifaces))
	}

	go convert(ctx, entries, added)
	go convert(ctx, removed, gone)
	go aggregate(ctx, added, gone, out)
	go func() {
		_ = zeroconf.Browse(ctx, ServiceType, b.config.Domain, entries, removed, opts...)
	}()
	return out, nil
}

func convert(ctx context.Context, in <-chan *zeroconf.ServiceEntry, out chan<- *ServiceEntry) {
	defer close(out)
	for {
		select {
		case e, ok := <-in:
			if !ok {
				return
			}
			select {
			case out <- fromZeroconf(e):
			case <-ctx.Done():
				return
			}
		case <-ctx.Done():
			return
		}
	}
}

// aggregate merges entries by instance name. A service is emitted when it
// is first seen; addresses from later entries are merged into it and an
// entry whose addresses all disappeared is forgotten.
func aggregate(ctx context.Context, entries, removed <-chan *ServiceEntry, out chan<- *Service) {
	defer close(out)

	services := make(map[string]*Service)
	for entries != nil || removed != nil {
		select {
		case entry, ok := <-entries:
			if !ok {
				entries = nil
				continue
			}
			svc, err := entry.ToService()
			if err != nil {
				continue
			}
			if existing, found := services[svc.Instance]; found {
				existing.Addresses = mergeAddresses(existing.Addresses, svc.Addresses)
				continue
			}
			services[svc.Instance] = svc
			emitted := *svc
			emitted.Addresses = slices.Clone(svc.Addresses)
			select {
			case out <- &emitted:
			case <-ctx.Done():
				return
			}

		case entry, ok := <-removed:
			if !ok {
				removed = nil
				continue
			}
			if existing, found := services[entry.Instance]; found {
				existing.Addresses = removeAddresses(existing.Addresses, entry.Addrs)
				if len(existing.Addresses) == 0 {
					delete(services, entry.Instance)
				}
			}

		case <-ctx.Done():
			return
		}
	}
}

// Find implements Browser.
func (b *MDNSBrowser) Find(ctx context.Context, instance string) (*Service, error) {
	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, b.config.BrowseTimeout)
		defer cancel()
	}
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	found, err := b.Browse(ctx)
	if err != nil {
		return nil, err
	}
	return findIn(found, instance)
}

func findIn(services <-chan *Service, instance string) (*Service, error) {
	for svc := range services {
		if instance == "" || svc.Instance == instance {
			return svc, nil
		}
	}
	return nil, ErrNotFound
}

// mergeAddresses adds new addresses to existing list, avoiding duplicates.
func mergeAddresses(existing, added []string) []string {
	seen := make(map[string]bool, len(existing))
	for _, addr := range existing {
		seen[addr] = true
	}
	for _, addr := range added {
		if !seen[addr] {
			existing = append(existing, addr)
			seen[addr] = true
		}
	}
	return existing
}

// removeAddresses removes gone from addresses.
func removeAddresses(addresses, gone []string) []string {
	toRemove := make(map[string]bool, len(gone))
	for _, a := range gone {
		toRemove[a] = true
	}
	result := make([]string, 0, len(addresses))
	for _, addr := range addresses {
		if !toRemove[addr] {
			result = append(result, addr)
		}
	}
	return result
}
