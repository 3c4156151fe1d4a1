package modbus

import (
	"context"
	"sync"
	"sync/atomic"
)

type fakeConn struct {
	mu        sync.Mutex
	regs      map[uint16]uint16
	readErrs  []error
	writeErrs []error
	reads     atomic.Int32
	writes    atomic.Int32
	connected atomic.Bool
	block     chan struct{}
}

func newFakeConn() *fakeConn {
	c := &fakeConn{regs: make(map[uint16]uint16)}
	c.connected.Store(true)
	return c
}

func (c *fakeConn) ReadHoldingRegisters(address, quantity uint16) ([]uint16, error) {
	c.reads.Add(1)
	if c.block != nil {
		<-c.block
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.readErrs) > 0 {
		err := c.readErrs[0]
		c.readErrs = c.readErrs[1:]
		if err != nil {
			return nil, err
		}
	}
	out := make([]uint16, quantity)
	for i := range out {
		out[i] = c.regs[address+uint16(i)]
	}
	return out, nil
}

func (c *fakeConn) WriteRegisters(address uint16, values []uint16) error {
	c.writes.Add(1)
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.writeErrs) > 0 {
		err := c.writeErrs[0]
		c.writeErrs = c.writeErrs[1:]
		if err != nil {
			return err
		}
	}
	for i, v := range values {
		c.regs[address+uint16(i)] = v
	}
	return nil
}

func (c *fakeConn) IsConnected() bool { return c.connected.Load() }

func (c *fakeConn) Close() error {
	c.connected.Store(false)
	return nil
}

type fakeDialer struct {
	mu    sync.Mutex
	dials atomic.Int32
	next  func() *fakeConn
	err   error
	conns []*fakeConn
}

func (d *fakeDialer) Dial(ctx context.Context) (Connection, error) {
	d.dials.Add(1)
	if d.err != nil {
		return nil, d.err
	}
	c := newFakeConn()
	if d.next != nil {
		c = d.next()
	}
	d.mu.Lock()
	d.conns = append(d.conns, c)
	d.mu.Unlock()
	return c, nil
}

// staticProvider always returns the same connection and counts reconnects.
type staticProvider struct {
	conn       *fakeConn
	reconnects atomic.Int32
	leases     atomic.Int32
}

func (p *staticProvider) Get(ctx context.Context) (Connection, func(), error) {
	p.leases.Add(1)
	return p.conn, func() { p.leases.Add(-1) }, nil
}

func (p *staticProvider) Reconnect(ctx context.Context) error {
	p.reconnects.Add(1)
	return nil
}
