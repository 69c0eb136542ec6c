// ©Hayabusa Cloud Co., Ltd. 2025. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

// Package iptrelay is the top-level facade: Connector binds a listen
// address, a set of upstream ConnectOptions, and a HandlerFunc to a
// single-threaded, epoll-driven event loop (spec.md §4.5, §5).
package iptrelay

import (
	"context"
	"errors"

	"go.uber.org/zap"

	"code.hybscloud.com/iptrelay/conn"
	"code.hybscloud.com/iptrelay/internal/reactor"
	"code.hybscloud.com/iptrelay/iproto"
	"code.hybscloud.com/iptrelay/logging"
	"code.hybscloud.com/iptrelay/ringbuffer"
	"code.hybscloud.com/iptrelay/stream"
)

// fdEntry is what the owning table (spec.md §9) resolves a bare fd to:
// the Connection it belongs to, and -1 for the client stream or the
// upstream instance index otherwise.
type fdEntry struct {
	conn     *conn.Connection
	instance int
}

// Connector is the engine: it owns the listening socket, the epoll
// instance, the connection table, and the handler it dispatches every
// readable event to.
type Connector struct {
	opts       Options
	upstreams  []ConnectOptions
	handler    HandlerFunc
	listenAddr string

	reactor  *reactor.Reactor
	listener *stream.Listener
	table    *conn.Table

	fdIndex              map[int]fdEntry
	greetingExpectedOnFD map[int]bool
	instanceActive       map[int]int
}

// New constructs a Connector. It does not open the listening socket yet;
// call Start before Run.
func New(listenAddr string, upstreams []ConnectOptions, handler HandlerFunc, opts ...Option) (*Connector, error) {
	if listenAddr == "" || handler == nil {
		return nil, ErrInvalidConfig
	}
	o := defaultOptions
	for _, fn := range opts {
		fn(&o)
	}
	r, err := reactor.New()
	if err != nil {
		return nil, err
	}
	return &Connector{
		opts:                 o,
		upstreams:            upstreams,
		handler:              handler,
		listenAddr:           listenAddr,
		reactor:              r,
		table:                conn.NewTable(o.MaxConnections),
		fdIndex:              make(map[int]fdEntry),
		greetingExpectedOnFD: make(map[int]bool),
		instanceActive:       make(map[int]int),
	}, nil
}

// Start opens the listening socket and registers it with the event loop.
func (c *Connector) Start() error {
	ln, err := stream.Listen(c.listenAddr)
	if err != nil {
		return err
	}
	c.listener = ln
	return c.reactor.Add(ln.FD(), reactor.InterestRead)
}

// Addr reports the listening socket's bound address, resolved after Start
// (useful when listenAddr was given with an ephemeral port).
func (c *Connector) Addr() (string, error) {
	if c.listener == nil {
		return "", ErrInvalidConfig
	}
	return c.listener.Addr()
}

// Run drives the event loop until ctx is canceled, then closes the listener
// and every live connection (spec.md §5's graceful-stop contract).
func (c *Connector) Run(ctx context.Context) error {
	buf := make([]reactor.Event, 0, 128)
	for {
		select {
		case <-ctx.Done():
			return c.shutdown()
		default:
		}
		events, err := c.reactor.Wait(buf, 1000)
		if err != nil {
			return err
		}
		for _, ev := range events {
			c.dispatch(ev)
		}
	}
}

func (c *Connector) shutdown() error {
	_ = c.reactor.Remove(c.listener.FD())
	lnErr := c.listener.Close()
	for _, cn := range c.table.All() {
		c.teardown(cn)
	}
	return lnErr
}

func (c *Connector) dispatch(ev reactor.Event) {
	if c.listener != nil && ev.FD == c.listener.FD() {
		c.acceptLoop()
		return
	}
	entry, ok := c.fdIndex[ev.FD]
	if !ok {
		_ = c.reactor.Remove(ev.FD)
		return
	}
	if ev.Writable && entry.instance >= 0 {
		c.onUpstreamWritable(entry)
	}
	if ev.Readable || ev.HangUp || ev.Err {
		c.onReadable(entry)
	}
}

func (c *Connector) acceptLoop() {
	for {
		s, err := c.listener.Accept()
		if errors.Is(err, stream.ErrWouldBlock) {
			return
		}
		if err != nil {
			logging.Error("accept failed", zap.Error(err))
			continue
		}
		c.admit(s)
	}
}

func (c *Connector) admit(s *stream.Stream) {
	cn := conn.New(s.FD(), s, c.opts.RingBlockBytes, c.opts.RingCapBytes)
	if err := c.table.Insert(cn); err != nil {
		logging.Warn("rejecting connection: too many open connections", zap.Int("fd", s.FD()))
		_ = s.Close()
		return
	}
	c.fdIndex[s.FD()] = fdEntry{conn: cn, instance: -1}
	if err := c.reactor.Add(s.FD(), reactor.InterestRead); err != nil {
		logging.Error("epoll add failed", zap.Error(err))
		c.teardown(cn)
	}
}

func (c *Connector) onUpstreamWritable(entry fdEntry) {
	s, ok := entry.conn.Upstreams[entry.instance]
	if !ok {
		return
	}
	if s.GetStatus() != stream.StatusConnecting {
		return
	}
	if err := s.CheckConnect(); err != nil {
		logging.Warn("upstream connect failed", zap.Int("instance", entry.instance), zap.Error(err))
		_ = entry.conn.RemoveUpstream(entry.instance)
		c.instanceActive[entry.instance]--
		delete(c.fdIndex, s.FD())
		_ = c.reactor.Remove(s.FD())
		return
	}
	_ = c.reactor.Modify(s.FD(), reactor.InterestRead)
}

func (c *Connector) onReadable(entry fdEntry) {
	cn := entry.conn
	var s *stream.Stream
	if entry.instance < 0 {
		s = cn.Client
	} else {
		var ok bool
		s, ok = cn.Upstreams[entry.instance]
		if !ok {
			return
		}
	}

	n, peerClosed, err := recvInto(cn.DecBuf, s, c.opts.ReadaheadBytes)
	if err != nil {
		if errors.Is(err, stream.ErrWouldBlock) {
			return
		}
		cn.RecordCloseError(err)
		c.teardown(cn)
		return
	}
	if peerClosed {
		// Peer half-close: spec.md §4.5's recv == 0 case.
		c.teardown(cn)
		return
	}
	if n == 0 {
		return
	}

	if c.greetingExpectedOnFD[s.FD()] {
		ok, ferr := iproto.IsGreeting(cn.DecBuf, cn.DecBuf.Begin())
		if errors.Is(ferr, iproto.ErrNeedMore) {
			// Not enough bytes yet for a full greeting; wait for more
			// before handing anything to the handler (DeliverDecodedGreeting
			// requires the full 128 bytes to already be present).
			return
		}
		if ferr != nil || !ok {
			cn.RecordCloseError(iproto.ErrMalformed)
			c.teardown(cn)
			return
		}
	}

	c.dispatchHandler(cn, s, entry.instance)

	if entry.instance < 0 {
		cn.ClientFirstRequest = false
	}
	if cn.DecodeErr != nil {
		logging.Warn("protocol error, closing connection", zap.Error(cn.DecodeErr))
		c.teardown(cn)
	}
}

// recvInto grows buf by up to readahead bytes, reads into that region via
// the stream's non-blocking Recv, and shrinks the unused tail back to the
// number of bytes actually received. The second return value reports a
// clean peer shutdown (recv == 0, spec.md §4.5).
func recvInto(buf *ringbuffer.Buffer, s *stream.Stream, readahead int) (int, bool, error) {
	it, err := buf.Grow(readahead)
	if err != nil {
		return 0, false, err
	}
	iov := buf.IOVToEnd(it, readahead)
	n, err := s.Recv(iov)
	if err != nil {
		_ = buf.DropBack(readahead)
		return 0, false, err
	}
	if n == 0 {
		_ = buf.DropBack(readahead)
		return 0, true, nil
	}
	if n < readahead {
		_ = buf.DropBack(readahead - n)
	}
	return n, false, nil
}

func (c *Connector) dispatchHandler(cn *conn.Connection, s *stream.Stream, instance int) {
	ctx := &HandlerContext{connector: c, c: cn, curStream: s, curInstance: instance}
	c.handler(ctx)
}

func (c *Connector) markGreetingDelivered(fd int) {
	delete(c.greetingExpectedOnFD, fd)
}

// connect opens (or returns) the upstream stream for instance i on owner,
// per spec.md §4.5.
func (c *Connector) connect(owner *conn.Connection, i int) (*stream.Stream, error) {
	if i < 0 || i >= len(c.upstreams) {
		return nil, ErrInvalidArgument
	}
	if s, ok := owner.Upstreams[i]; ok && s.GetStatus() != stream.StatusDead {
		return s, nil
	}
	opt := c.upstreams[i]
	s, err := stream.Dial("tcp", opt.Address, opt.Transport)
	if err != nil {
		return nil, err
	}
	owner.AddUpstream(i, s)
	c.fdIndex[s.FD()] = fdEntry{conn: owner, instance: i}

	interest := reactor.InterestRead
	if s.GetStatus() == stream.StatusConnecting {
		interest |= reactor.InterestWrite
	}
	if err := c.reactor.Add(s.FD(), interest); err != nil {
		_ = owner.RemoveUpstream(i)
		delete(c.fdIndex, s.FD())
		return nil, err
	}
	if opt.IsTarantool {
		c.greetingExpectedOnFD[s.FD()] = true
	}
	c.instanceActive[i]++
	return s, nil
}

// teardown removes every fd owned by cn from the reactor and the fd index,
// releases the reference each attached upstream holds (conn.AddUpstream,
// reached via HandlerContext.Connect, bumps the refcount once per instance:
// without a matching RemoveUpstream here refs never reaches zero and
// destroy() never runs, leaking every socket fd on an ordinary disconnect),
// drops cn from the table, and finally releases the event loop's own
// reference.
func (c *Connector) teardown(cn *conn.Connection) {
	for fd, entry := range c.fdIndex {
		if entry.conn != cn {
			continue
		}
		_ = c.reactor.Remove(fd)
		delete(c.fdIndex, fd)
		delete(c.greetingExpectedOnFD, fd)
		if entry.instance >= 0 {
			c.instanceActive[entry.instance]--
			if err := cn.RemoveUpstream(entry.instance); err != nil {
				logging.Warn("error closing upstream", zap.Int("instance", entry.instance), zap.Error(err))
			}
		}
	}
	c.table.Remove(cn.ID)
	if err := cn.Unref(); err != nil {
		logging.Warn("error closing connection", zap.Error(err))
	}
}

// Stats reports per-instance active-connection counts (SPEC_FULL.md §C.5)
// and the number of currently open client connections.
type Stats struct {
	OpenConnections int
	PerInstance     map[int]int
}

// Stats snapshots the Connector's current telemetry.
func (c *Connector) Stats() Stats {
	per := make(map[int]int, len(c.instanceActive))
	for k, v := range c.instanceActive {
		per[k] = v
	}
	return Stats{OpenConnections: c.table.Len(), PerInstance: per}
}
