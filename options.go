// ©Hayabusa Cloud Co., Ltd. 2025. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package iptrelay

import (
	"code.hybscloud.com/iptrelay/ringbuffer"
	"code.hybscloud.com/iptrelay/stream"
)

// Options configures a Connector.
type Options struct {
	// MaxConnections caps simultaneously open client connections.
	MaxConnections int

	// ReadaheadBytes is the number of bytes a single recv() attempts to
	// pull in at once (the Grow() size offered to readv).
	ReadaheadBytes int

	// RingBlockBytes is the block granularity each Connection's ring
	// buffers are allocated in.
	RingBlockBytes int

	// RingCapBytes bounds each Connection's ring buffers; 0 means
	// unbounded (grows for as long as memory allows).
	RingCapBytes int
}

var defaultOptions = Options{
	MaxConnections: 128,
	ReadaheadBytes: 64 * 1024,
	RingBlockBytes: ringbuffer.DefaultBlockSize,
	RingCapBytes:   0,
}

// Option customizes Options.
type Option func(*Options)

// WithMaxConnections overrides the MAX_OPEN_CONNECTIONS cap (default 128,
// matching original_source's ProxyConnector).
func WithMaxConnections(n int) Option {
	return func(o *Options) { o.MaxConnections = n }
}

// WithReadaheadBytes overrides how many bytes a single recv() attempts.
func WithReadaheadBytes(n int) Option {
	return func(o *Options) { o.ReadaheadBytes = n }
}

// WithRingBlockBytes overrides the ring buffer block granularity.
func WithRingBlockBytes(n int) Option {
	return func(o *Options) { o.RingBlockBytes = n }
}

// WithRingCapBytes bounds each connection's ring buffers; 0 means unbounded.
func WithRingCapBytes(n int) Option {
	return func(o *Options) { o.RingCapBytes = n }
}

// ConnectOptions configures an upstream connection a handler opens via
// HandlerContext.Connect.
type ConnectOptions struct {
	// Address is the upstream's "host:port".
	Address string

	// Service is a descriptive name for the upstream. The Connector does
	// not read it: it appears in no log line and not in Stats.
	Service string

	// IsTarantool marks the upstream as Iproto-speaking: the Connector
	// expects and validates a greeting from it before forwarding traffic.
	IsTarantool bool

	// Transport selects the wire transport; TransportTLS is accepted but
	// rejected at connect time (stream.ErrUnsupportedTransport).
	Transport Transport
}

// Transport re-exports stream.Transport so callers never import the stream
// package directly.
type Transport = stream.Transport

const (
	TransportTCP = stream.TransportTCP
	TransportTLS = stream.TransportTLS
)
