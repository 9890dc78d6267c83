// Package client implements the requests issued by coap-client.
package client

import (
	"context"
	"errors"
	"fmt"
	"net/netip"
	"net/url"
	"strconv"
	"strings"

	"github.com/mash-protocol/coap-go/pkg/transport"
)

// ErrBadTarget is returned for targets that are not coap:// URIs.
var ErrBadTarget = errors.New("invalid target")

// Resolver looks up host names. *net.Resolver implements it.
type Resolver interface {
	LookupNetIP(ctx context.Context, network, host string) ([]netip.Addr, error)
}

// Target is a resolved request URI.
type Target struct {
	Addr    netip.AddrPort
	Path    string
	Queries []string
}

// String renders t as a coap:// URI.
func (t Target) String() string {
	s := "coap://" + t.Addr.String() + t.Path
	if len(t.Queries) > 0 {
		s += "?" + strings.Join(t.Queries, "&")
	}
	return s
}

// ParseTarget parses raw as a coap:// URI. The scheme may be omitted and
// the port defaults to 5683. Host names are resolved with r.
func ParseTarget(ctx context.Context, r Resolver, raw string) (Target, error) {
	if !strings.Contains(raw, "://") {
		raw = "coap://" + raw
	}
	u, err := url.Parse(raw)
	if err != nil {
		return Target{}, fmt.Errorf("%w: %w", ErrBadTarget, err)
	}
	if u.Scheme != "coap" {
		return Target{}, fmt.Errorf("%w: scheme %q not supported", ErrBadTarget, u.Scheme)
	}
	host := u.Hostname()
	if host == "" {
		return Target{}, fmt.Errorf("%w: missing host", ErrBadTarget)
	}

	port := uint16(transport.DefaultPort)
	if p := u.Port(); p != "" {
		n, err := strconv.ParseUint(p, 10, 16)
		if err != nil || n == 0 {
			return Target{}, fmt.Errorf("%w: port %q", ErrBadTarget, p)
		}
		port = uint16(n)
	}

	addr, err := netip.ParseAddr(host)
	if err != nil {
		addrs, lerr := r.LookupNetIP(ctx, "ip", host)
		if lerr != nil {
			return Target{}, fmt.Errorf("resolve %s: %w", host, lerr)
		}
		if len(addrs) == 0 {
			return Target{}, fmt.Errorf("resolve %s: no addresses", host)
		}
		addr = pickAddr(addrs)
	}

	t := Target{Addr: netip.AddrPortFrom(addr.Unmap(), port), Path: "/" + strings.Trim(u.Path, "/")}
	if u.RawQuery != "" {
		for _, q := range strings.Split(u.RawQuery, "&") {
			if q == "" {
				continue
			}
			if uq, err := url.QueryUnescape(q); err == nil {
				q = uq
			}
			t.Queries = append(t.Queries, q)
		}
	}
	return t, nil
}

// pickAddr prefers IPv4, which the default listener always reaches.
func pickAddr(addrs []netip.Addr) netip.Addr {
	for _, a := range addrs {
		if a.Unmap().Is4() {
			return a
		}
	}
	return addrs[0]
}
