package meshlink

import (
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

// memNetwork is an in-process datagram network. Datagrams are lost when
// the destination does not exist, is full, or when the drop filter says so.
type memNetwork struct {
	lk    sync.Mutex
	conns map[Endpoint]*memConn
	drop  func(from, to Endpoint, buf []byte) bool
}

func newMemNetwork() *memNetwork {
	return &memNetwork{conns: make(map[Endpoint]*memConn)}
}

func (n *memNetwork) listen(t *testing.T, port int) *memConn {
	t.Helper()
	ep := NewEndpoint("127.0.0.1", port)
	conn := &memConn{
		net:   n,
		local: ep,
		ch:    make(chan *Packet, 4096),
	}

	n.lk.Lock()
	defer n.lk.Unlock()
	if _, exists := n.conns[ep]; exists {
		t.Fatalf("endpoint %s already listening", ep)
	}
	n.conns[ep] = conn
	return conn
}

func (n *memNetwork) setDrop(fn func(from, to Endpoint, buf []byte) bool) {
	n.lk.Lock()
	defer n.lk.Unlock()
	n.drop = fn
}

type memConn struct {
	net   *memNetwork
	local Endpoint

	writes  atomic.Int64
	dropped atomic.Int64

	lk     sync.Mutex
	closed bool
	ch     chan *Packet
}

var _ PacketConn = (*memConn)(nil)

func (c *memConn) WriteTo(b []byte, to Endpoint) error {
	c.lk.Lock()
	closed := c.closed
	c.lk.Unlock()
	if closed {
		return ErrEngineClosed
	}
	c.writes.Add(1)

	c.net.lk.Lock()
	drop := c.net.drop
	dst := c.net.conns[to]
	c.net.lk.Unlock()

	if dst == nil || (drop != nil && drop(c.local, to, b)) {
		c.dropped.Add(1)
		return nil
	}

	buf := make([]byte, len(b))
	copy(buf, b)
	dst.deliver(&Packet{Buf: buf, From: c.local, Timestamp: time.Now()})
	return nil
}

func (c *memConn) deliver(pkt *Packet) {
	c.lk.Lock()
	defer c.lk.Unlock()
	if c.closed {
		return
	}
	select {
	case c.ch <- pkt:
	default:
		c.dropped.Add(1)
	}
}

func (c *memConn) PacketCh() <-chan *Packet {
	return c.ch
}

func (c *memConn) LocalEndpoint() Endpoint {
	return c.local
}

func (c *memConn) Close() error {
	c.lk.Lock()
	defer c.lk.Unlock()
	if c.closed {
		return nil
	}
	c.closed = true
	close(c.ch)

	c.net.lk.Lock()
	delete(c.net.conns, c.local)
	c.net.lk.Unlock()
	return nil
}

// next waits for the next datagram received by a raw connection.
func (c *memConn) next(t *testing.T) *Packet {
	t.Helper()
	select {
	case pkt, ok := <-c.ch:
		if !ok {
			t.Fatal("connection closed")
		}
		return pkt
	case <-time.After(2 * time.Second):
		t.Fatal("no datagram received")
		return nil
	}
}
