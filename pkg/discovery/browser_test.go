package discovery

import (
	"context"
	"errors"
	"net/netip"
	"slices"
	"strings"
	"testing"
	"time"
)

func entry(instance string, addrs ...string) *ServiceEntry {
	return &ServiceEntry{
		Instance: instance,
		Host:     instance + ".local",
		Port:     5683,
		Text:     []string{"txtvers=1", "sid=abc", "rt=/hello,/time", "obs=/time"},
		Addrs:    addrs,
	}
}

func TestToService(t *testing.T) {
	svc, err := entry("coap-a", "192.168.1.10", "fe80::1").ToService()
	if err != nil {
		t.Fatalf("ToService: %v", err)
	}
	if svc.Instance != "coap-a" || svc.Host != "coap-a.local" || svc.Port != 5683 {
		t.Errorf("service = %+v", svc)
	}
	if svc.Info.Instance != "coap-a" || svc.Info.Port != 5683 {
		t.Errorf("info identity = %q:%d", svc.Info.Instance, svc.Info.Port)
	}
	if !slices.Equal(svc.Info.Observable, []string{"/time"}) {
		t.Errorf("Observable = %v", svc.Info.Observable)
	}
}

func TestToServiceInvalid(t *testing.T) {
	e := entry("coap-a")
	e.Text = []string{"sid=abc"}
	if _, err := e.ToService(); !errors.Is(err, ErrMissingRequired) {
		t.Errorf("error = %v, want ErrMissingRequired", err)
	}
}

func TestAddrPorts(t *testing.T) {
	svc := &Service{Addresses: []string{"192.168.1.10", "not-an-ip", "::ffff:10.0.0.1"}}
	got := svc.AddrPorts()
	want := []netip.AddrPort{
		netip.MustParseAddrPort("192.168.1.10:5683"),
		netip.MustParseAddrPort("10.0.0.1:5683"),
	}
	if !slices.Equal(got, want) {
		t.Errorf("AddrPorts = %v, want %v", got, want)
	}
}

type aggregation struct {
	added, removed chan *ServiceEntry
	out            chan *Service
	cancel         context.CancelFunc
}

func startAggregate(t *testing.T) *aggregation {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	a := &aggregation{
		added:   make(chan *ServiceEntry),
		removed: make(chan *ServiceEntry),
		out:     make(chan *Service, 8),
		cancel:  cancel,
	}
	go aggregate(ctx, a.added, a.removed, a.out)
	t.Cleanup(cancel)
	return a
}

func (a *aggregation) next(t *testing.T) *Service {
	t.Helper()
	select {
	case svc := <-a.out:
		return svc
	case <-time.After(time.Second):
		t.Fatal("no service emitted")
		return nil
	}
}

func (a *aggregation) expectNone(t *testing.T) {
	t.Helper()
	select {
	case svc := <-a.out:
		t.Fatalf("unexpected service %q", svc.Instance)
	case <-time.After(20 * time.Millisecond):
	}
}

func TestAggregateMergesInterfaces(t *testing.T) {
	a := startAggregate(t)

	a.added <- entry("coap-a", "192.168.1.10")
	first := a.next(t)
	if !slices.Equal(first.Addresses, []string{"192.168.1.10"}) {
		t.Errorf("Addresses = %v", first.Addresses)
	}

	// Same instance on another interface: merged, not re-emitted.
	a.added <- entry("coap-a", "fe80::1", "192.168.1.10")
	a.expectNone(t)

	a.added <- entry("coap-b", "192.168.1.11")
	if got := a.next(t); got.Instance != "coap-b" {
		t.Errorf("Instance = %q, want coap-b", got.Instance)
	}
}

func TestAggregateSkipsInvalidEntries(t *testing.T) {
	a := startAggregate(t)

	bad := entry("coap-x", "192.168.1.9")
	bad.Text = nil
	a.added <- bad
	a.expectNone(t)
}

func TestAggregateRemoval(t *testing.T) {
	a := startAggregate(t)

	a.added <- entry("coap-a", "192.168.1.10")
	a.next(t)
	a.added <- entry("coap-a", "fe80::1")

	// One interface gone: the service is kept.
	a.removed <- entry("coap-a", "192.168.1.10")
	a.added <- entry("coap-a", "192.168.1.10")
	a.expectNone(t)

	// All addresses gone: a later entry is a new service.
	a.removed <- entry("coap-a", "192.168.1.10", "fe80::1")
	a.added <- entry("coap-a", "192.168.1.12")
	if got := a.next(t); !slices.Equal(got.Addresses, []string{"192.168.1.12"}) {
		t.Errorf("Addresses = %v", got.Addresses)
	}
}

func TestAggregateClosesOutput(t *testing.T) {
	a := startAggregate(t)
	close(a.added)
	close(a.removed)

	select {
	case _, ok := <-a.out:
		if ok {
			t.Fatal("unexpected service")
		}
	case <-time.After(time.Second):
		t.Fatal("output not closed")
	}
}

func TestFindIn(t *testing.T) {
	services := make(chan *Service, 3)
	services <- &Service{Instance: "coap-a"}
	services <- &Service{Instance: "coap-b"}
	close(services)

	svc, err := findIn(services, "coap-b")
	if err != nil || svc.Instance != "coap-b" {
		t.Fatalf("findIn = %v, %v", svc, err)
	}

	empty := make(chan *Service)
	close(empty)
	if _, err := findIn(empty, "coap-a"); !errors.Is(err, ErrNotFound) {
		t.Errorf("error = %v, want ErrNotFound", err)
	}
}

func TestAdvertiseValidatesBeforeRegistering(t *testing.T) {
	a := NewMDNSAdvertiser(DefaultAdvertiserConfig())

	if err := a.Advertise(context.Background(), &ServiceInfo{SessionID: "s"}); !errors.Is(err, ErrMissingRequired) {
		t.Errorf("empty instance: %v", err)
	}

	big := &ServiceInfo{Instance: "coap-a", SessionID: "s", Resources: []string{strings.Repeat("/r", 300)}}
	if err := a.Advertise(context.Background(), big); !errors.Is(err, ErrTXTTooLarge) {
		t.Errorf("large TXT: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := a.Advertise(ctx, &ServiceInfo{Instance: "coap-a"}); !errors.Is(err, context.Canceled) {
		t.Errorf("cancelled ctx: %v", err)
	}

	if err := a.Stop(); err != nil {
		t.Errorf("Stop: %v", err)
	}
}

func TestMergeAndRemoveAddresses(t *testing.T) {
	merged := mergeAddresses([]string{"a", "b"}, []string{"b", "c"})
	if !slices.Equal(merged, []string{"a", "b", "c"}) {
		t.Errorf("merge = %v", merged)
	}
	left := removeAddresses(merged, []string{"a", "c", "z"})
	if !slices.Equal(left, []string{"b"}) {
		t.Errorf("remove = %v", left)
	}
}
