// ©Hayabusa Cloud Co., Ltd. 2025. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

// Package conn holds the per-client Connection state machine: the shared
// inbound buffer bytes from either the client or an upstream land in
// (decBuf), the buffer synthesized local responses are built in (encBuf),
// and the reference-counted lifecycle that lets both the event loop and a
// fan-out across multiple upstreams keep a Connection alive only as long as
// something still needs it.
package conn

import (
	"errors"
	"sync/atomic"

	"go.uber.org/multierr"

	"code.hybscloud.com/iptrelay/iproto"
	"code.hybscloud.com/iptrelay/ringbuffer"
	"code.hybscloud.com/iptrelay/stream"
)

// ErrTooManyConnections reports that MAX_OPEN_CONNECTIONS (SPEC_FULL.md
// §C.2) would be exceeded by accepting a new client.
var ErrTooManyConnections = errors.New("conn: too many open connections")

// MaxOpenConnections is the default cap on simultaneously live Connections,
// used by NewTable when given maxOpen <= 0, matching original_source's
// ProxyConnector hard cap.
const MaxOpenConnections = 128

// Connection is one client's worth of proxy state: the client stream, its
// upstream streams keyed by instance index, the shared decode buffer both
// directions append to, the local-response encode buffer, and the cursor
// marking how much of decBuf has already been handed to the handler.
type Connection struct {
	ID int // client fd; stable for the connection's lifetime

	Client *stream.Stream
	// Upstreams is keyed by instance index into the configured upstream
	// list, matching spec.md §3's upstream_streams: map<instance_index, Stream>.
	Upstreams map[int]*stream.Stream

	DecBuf *ringbuffer.Buffer
	EncBuf *ringbuffer.Buffer

	// EndDecoded marks the boundary between bytes already delivered to the
	// handler as decoded Messages and bytes still pending decode.
	EndDecoded ringbuffer.Iterator

	Decoder *iproto.Decoder

	GreetingDelivered  bool
	ClientFirstRequest bool

	// DecodeErr is set by the decoder when a frame fails to parse
	// (spec.md §4.3: "a malformed size prefix or header is a fatal
	// protocol error on that connection"). The event loop checks it
	// after each handler dispatch and closes the connection if set.
	DecodeErr error

	refs int32

	closeErrs []error
}

// New constructs a Connection owning client (ref count starts at 1).
func New(id int, client *stream.Stream, blockSize, capBytes int) *Connection {
	decBuf := ringbuffer.New(blockSize, capBytes)
	encBuf := ringbuffer.New(blockSize, capBytes)
	c := &Connection{
		ID:                 id,
		Client:             client,
		Upstreams:          make(map[int]*stream.Stream),
		DecBuf:             decBuf,
		EncBuf:             encBuf,
		EndDecoded:         decBuf.Begin(),
		ClientFirstRequest: true,
		refs:               1,
	}
	c.Decoder = iproto.NewDecoder(decBuf, decBuf.Begin())
	return c
}

// Ref increments the reference count. Call once per component (an upstream
// fan-out leg, a pending write) that needs the Connection to outlive the
// handler call that spawned it.
func (c *Connection) Ref() { atomic.AddInt32(&c.refs, 1) }

// Unref decrements the reference count and tears the Connection down once it
// reaches zero, closing the client and every upstream stream and aggregating
// their close errors with multierr.
func (c *Connection) Unref() error {
	if atomic.AddInt32(&c.refs, -1) > 0 {
		return nil
	}
	return c.destroy()
}

func (c *Connection) destroy() error {
	var err error
	if c.Client != nil {
		err = multierr.Append(err, c.Client.Close())
	}
	for _, up := range c.Upstreams {
		err = multierr.Append(err, up.Close())
	}
	err = multierr.Append(err, multierr.Combine(c.closeErrs...))
	return err
}

// RecordCloseError attaches err (if non-nil) to be surfaced when the
// Connection is finally torn down, without forcing teardown itself; the
// event loop records the recv or protocol error that made it tear the
// Connection down.
func (c *Connection) RecordCloseError(err error) {
	if err != nil {
		c.closeErrs = append(c.closeErrs, err)
	}
}

// AddUpstream registers an upstream stream under instance index i and bumps
// the reference count: the Connection must outlive every upstream leg
// connect() opened on its behalf.
func (c *Connection) AddUpstream(i int, s *stream.Stream) {
	c.Upstreams[i] = s
	c.Ref()
}

// RemoveUpstream closes and forgets the upstream registered under instance
// index i, releasing the reference AddUpstream took.
func (c *Connection) RemoveUpstream(i int) error {
	up, ok := c.Upstreams[i]
	if !ok {
		return nil
	}
	delete(c.Upstreams, i)
	err := up.Close()
	if unrefErr := c.Unref(); unrefErr != nil {
		err = multierr.Append(err, unrefErr)
	}
	return err
}

// Table tracks the live Connections keyed by client fd and enforces a
// configurable open-connection cap. Upstream fds are not in it; the
// Connector resolves event fds through its own fd index.
type Table struct {
	byFD    map[int]*Connection
	maxOpen int
}

// NewTable returns an empty connection Table that rejects Insert once
// maxOpen Connections are tracked. A maxOpen <= 0 falls back to
// MaxOpenConnections.
func NewTable(maxOpen int) *Table {
	if maxOpen <= 0 {
		maxOpen = MaxOpenConnections
	}
	return &Table{byFD: make(map[int]*Connection), maxOpen: maxOpen}
}

// Len reports the number of Connections currently tracked.
func (t *Table) Len() int { return len(t.byFD) }

// Insert adds c, keyed by its client fd. It fails with
// ErrTooManyConnections once the Table's configured cap is reached.
func (t *Table) Insert(c *Connection) error {
	if len(t.byFD) >= t.maxOpen {
		return ErrTooManyConnections
	}
	t.byFD[c.ID] = c
	return nil
}

// Lookup returns the Connection owning fd, if any.
func (t *Table) Lookup(fd int) (*Connection, bool) {
	c, ok := t.byFD[fd]
	return c, ok
}

// Remove forgets the Connection keyed by fd. It does not close or unref it;
// callers that are tearing a Connection down should Unref separately.
func (t *Table) Remove(fd int) { delete(t.byFD, fd) }

// All returns a snapshot slice of every tracked Connection, for stats and
// shutdown sweeps.
func (t *Table) All() []*Connection {
	out := make([]*Connection, 0, len(t.byFD))
	for _, c := range t.byFD {
		out = append(out, c)
	}
	return out
}
