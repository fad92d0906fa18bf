package server

import (
	"errors"
	"net"
	"testing"

	"chatrelay/wire"
)

type addrConn struct {
	net.Conn
	remote net.Addr
}

func (c addrConn) RemoteAddr() net.Addr { return c.remote }

func newPipeClient(t *testing.T, port int) *Client {
	t.Helper()
	local, peer := net.Pipe()
	t.Cleanup(func() {
		_ = local.Close()
		_ = peer.Close()
	})
	codec, err := wire.NewCodec(wire.DefaultWidths())
	if err != nil {
		t.Fatalf("NewCodec failed: %v", err)
	}
	c, err := newClient(addrConn{Conn: local, remote: &net.TCPAddr{IP: net.IPv4(127, 0, 0, 1), Port: port}},
		make(chan Event, 4), make(chan struct{}), clientOptions{codec: codec, sendQueueSize: 1})
	if err != nil {
		t.Fatalf("newClient failed: %v", err)
	}
	return c
}

func TestRegistryKeysFollowNaming(t *testing.T) {
	r := NewRegistry()
	john := newPipeClient(t, 40001)
	other := newPipeClient(t, 40002)

	r.Register(john)
	r.Register(other)
	if _, ok := r.Resolve("127.0.0.1:40001"); !ok {
		t.Fatalf("expected address key to resolve before naming")
	}

	if err := r.RegisterNamed("john", john); err != nil {
		t.Fatalf("RegisterNamed failed: %v", err)
	}
	if _, ok := r.Resolve("127.0.0.1:40001"); ok {
		t.Fatalf("expected address key to be released after naming")
	}
	if conn, ok := r.Resolve("john"); !ok || conn != john {
		t.Fatalf("expected john to resolve to its client")
	}
	if john.Key() != "john" || john.State() != StateNamed {
		t.Fatalf("unexpected client key %q state %s", john.Key(), john.State())
	}

	if err := r.RegisterNamed("john", other); !errors.Is(err, ErrUsernameTaken) {
		t.Fatalf("expected ErrUsernameTaken, got %v", err)
	}
	if other.Key() != "127.0.0.1:40002" {
		t.Fatalf("refused client must keep its address key, got %q", other.Key())
	}

	r.Unregister(john)
	if _, ok := r.Resolve("john"); ok {
		t.Fatalf("expected john to be gone after Unregister")
	}
	if names := r.Names(); len(names) != 0 {
		t.Fatalf("expected no names, got %v", names)
	}
	if r.Len() != 1 {
		t.Fatalf("expected only the unnamed client left, got %d", r.Len())
	}
}

func TestClientSendNeverBlocks(t *testing.T) {
	c := newPipeClient(t, 40003)

	frame := wire.Frame{Type: wire.TypeClientJoined, Payload: []byte("{}")}
	if err := c.Send(frame); err != nil {
		t.Fatalf("first Send failed: %v", err)
	}
	if err := c.Send(frame); !errors.Is(err, ErrSendQueueFull) {
		t.Fatalf("expected ErrSendQueueFull, got %v", err)
	}

	_ = c.Close()
	if err := c.Send(frame); !errors.Is(err, ErrClientClosed) {
		t.Fatalf("expected ErrClientClosed, got %v", err)
	}
	if c.State() != StateDisconnected {
		t.Fatalf("expected disconnected state, got %s", c.State())
	}
}
