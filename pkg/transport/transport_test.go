package transport

import (
	"context"
	"io"
	"log/slog"
	"net/netip"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type received struct {
	from netip.AddrPort
	data []byte
}

// collect serves tr in the background and returns the received datagrams.
func collect(t *testing.T, tr Transport) <-chan received {
	t.Helper()
	ch := make(chan received, 16)
	ctx, cancel := context.WithCancel(context.Background())
	var wg sync.WaitGroup
	wg.Go(func() {
		_ = tr.Serve(ctx, func(from netip.AddrPort, data []byte) {
			ch <- received{from: from, data: data}
		})
	})
	t.Cleanup(func() {
		cancel()
		wg.Wait()
	})
	return ch
}

func recv(t *testing.T, ch <-chan received) received {
	t.Helper()
	select {
	case r := <-ch:
		return r
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for datagram")
		return received{}
	}
}

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func listenLoopback(t *testing.T) *UDP {
	t.Helper()
	u, err := ListenUDP(context.Background(), UDPConfig{Address: "127.0.0.1:0", Logger: quietLogger()})
	require.NoError(t, err)
	t.Cleanup(func() { _ = u.Close() })
	return u
}

func TestUDPSendReceive(t *testing.T) {
	a := listenLoopback(t)
	b := listenLoopback(t)
	inbox := collect(t, b)

	require.NoError(t, a.Send(context.Background(), b.LocalAddr(), []byte{0x40, 0x01, 0x00, 0x01}))

	r := recv(t, inbox)
	assert.Equal(t, []byte{0x40, 0x01, 0x00, 0x01}, r.data)
	assert.Equal(t, a.LocalAddr(), r.from)
	assert.True(t, r.from.Addr().Is4(), "sender address is unmapped")
}

func TestUDPDatagramsAreCopied(t *testing.T) {
	a := listenLoopback(t)
	b := listenLoopback(t)
	inbox := collect(t, b)

	require.NoError(t, a.Send(context.Background(), b.LocalAddr(), []byte("first-datagram")))
	require.NoError(t, a.Send(context.Background(), b.LocalAddr(), []byte("xx")))

	first := recv(t, inbox)
	second := recv(t, inbox)
	assert.Equal(t, "first-datagram", string(first.data))
	assert.Equal(t, "xx", string(second.data))
}

func TestUDPServeStopsOnCancel(t *testing.T) {
	u := listenLoopback(t)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- u.Serve(ctx, func(netip.AddrPort, []byte) {}) }()

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("Serve did not return after cancel")
	}
	assert.ErrorIs(t, u.Send(context.Background(), u.LocalAddr(), []byte{1}), ErrClosed)
}

func TestUDPCloseIdempotent(t *testing.T) {
	u := listenLoopback(t)
	assert.NoError(t, u.Close())
	assert.NoError(t, u.Close())
}

func TestUDPSendRejectsCancelledContext(t *testing.T) {
	u := listenLoopback(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.ErrorIs(t, u.Send(ctx, u.LocalAddr(), []byte{1}), context.Canceled)
}

func TestUDPListenError(t *testing.T) {
	_, err := ListenUDP(context.Background(), UDPConfig{Address: "127.0.0.1:99999", Logger: quietLogger()})
	assert.Error(t, err)
}

var (
	addrA = netip.MustParseAddrPort("10.1.0.1:5683")
	addrB = netip.MustParseAddrPort("10.1.0.2:5683")
	addrC = netip.MustParseAddrPort("10.1.0.3:5683")
)

func TestPipeDelivers(t *testing.T) {
	n := NewNetwork()
	a, err := n.Listen(addrA)
	require.NoError(t, err)
	b, err := n.Listen(addrB)
	require.NoError(t, err)
	inbox := collect(t, b)

	buf := []byte("hello")
	require.NoError(t, a.Send(context.Background(), addrB, buf))
	buf[0] = 'J'

	r := recv(t, inbox)
	assert.Equal(t, addrA, r.from)
	assert.Equal(t, "hello", string(r.data), "the network copies datagrams")
}

func TestPipeAddressInUse(t *testing.T) {
	n := NewNetwork()
	_, err := n.Listen(addrA)
	require.NoError(t, err)
	_, err = n.Listen(addrA)
	assert.ErrorIs(t, err, ErrAddressInUse)
}

func TestPipeUnboundDestinationIsSilent(t *testing.T) {
	n := NewNetwork()
	a, err := n.Listen(addrA)
	require.NoError(t, err)
	assert.NoError(t, a.Send(context.Background(), addrC, []byte{1}))
}

func TestPipeDropFunc(t *testing.T) {
	n := NewNetwork()
	a, _ := n.Listen(addrA)
	b, _ := n.Listen(addrB)
	inbox := collect(t, b)

	var count int
	var mu sync.Mutex
	n.SetDropFunc(func(from, to netip.AddrPort, data []byte) bool {
		mu.Lock()
		defer mu.Unlock()
		count++
		return count%2 == 1
	})

	for i := range 4 {
		require.NoError(t, a.Send(context.Background(), addrB, []byte{byte(i)}))
	}
	assert.Equal(t, []byte{1}, recv(t, inbox).data)
	assert.Equal(t, []byte{3}, recv(t, inbox).data)

	select {
	case r := <-inbox:
		t.Fatalf("unexpected datagram %v", r.data)
	case <-time.After(20 * time.Millisecond):
	}
}

func TestPipeRebind(t *testing.T) {
	n := NewNetwork()
	a, _ := n.Listen(addrA)
	b, _ := n.Listen(addrB)
	inbox := collect(t, b)

	require.NoError(t, a.Rebind(addrC))
	assert.Equal(t, addrC, a.LocalAddr())
	assert.ErrorIs(t, a.Rebind(addrB), ErrAddressInUse)

	require.NoError(t, a.Send(context.Background(), addrB, []byte{1}))
	assert.Equal(t, addrC, recv(t, inbox).from)

	// The old address is free again.
	_, err := n.Listen(addrA)
	assert.NoError(t, err)
}

func TestPipeClose(t *testing.T) {
	n := NewNetwork()
	a, _ := n.Listen(addrA)

	done := make(chan error, 1)
	go func() { done <- a.Serve(context.Background(), func(netip.AddrPort, []byte) {}) }()

	require.NoError(t, a.Close())
	require.NoError(t, a.Close())
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("Serve did not return after Close")
	}
	assert.ErrorIs(t, a.Send(context.Background(), addrB, []byte{1}), ErrClosed)

	_, err := n.Listen(addrA)
	assert.NoError(t, err, "closing frees the address")
}

func TestListenAny(t *testing.T) {
	n := NewNetwork()
	a, err := n.ListenAny()
	require.NoError(t, err)
	b, err := n.ListenAny()
	require.NoError(t, err)
	assert.NotEqual(t, a.LocalAddr(), b.LocalAddr())
}

func TestDatagramTooLarge(t *testing.T) {
	n := NewNetwork()
	a, _ := n.Listen(addrA)
	assert.ErrorIs(t, a.Send(context.Background(), addrB, make([]byte, MaxDatagramSize+1)), ErrDatagramTooLarge)
}
