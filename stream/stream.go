// ©Hayabusa Cloud Co., Ltd. 2025. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

//go:build linux

// Package stream implements the non-blocking, readiness-driven transport
// spec.md §4.2 calls Stream: a thin wrapper over a raw non-blocking socket
// file descriptor, exposing Recv/Send calls that return ErrWouldBlock
// instead of parking a goroutine, so a single-threaded event loop (see
// internal/reactor) can drive many connections cooperatively.
package stream

import (
	"errors"
	"net"

	"golang.org/x/sys/unix"

	"code.hybscloud.com/iox"
)

// ErrWouldBlock reports that Recv/Send could not make progress right now
// because the socket isn't readable/writable yet; the caller should re-arm
// interest in the event loop and retry once readiness is signaled again.
// Aliased to iox.ErrWouldBlock the way framer.ErrWouldBlock does, so every
// non-blocking control-flow signal in this module traces back to the same
// sentinel value regardless of which layer (stream, iox) produced it.
var ErrWouldBlock = iox.ErrWouldBlock

// ErrClosed reports an operation attempted on a Stream already Closed.
var ErrClosed = errors.New("stream: closed")

// ErrUnsupportedTransport reports a Transport this build does not implement.
var ErrUnsupportedTransport = errors.New("stream: unsupported transport")

// Status mirrors the lifecycle spec.md §4.2 assigns to a Stream.
type Status int

const (
	// StatusDead is the zero value: never connected, or torn down.
	StatusDead Status = iota
	// StatusConnecting is set between a non-blocking connect() and its
	// completion (EPOLLOUT for a connect probe).
	StatusConnecting
	// StatusReady is a fully established, usable stream.
	StatusReady
	// StatusNeedRead records that the last Recv returned ErrWouldBlock;
	// the event loop should wait for EPOLLIN before retrying.
	StatusNeedRead
	// StatusNeedWrite records that the last Send returned ErrWouldBlock;
	// the event loop should wait for EPOLLOUT before retrying.
	StatusNeedWrite
)

func (s Status) String() string {
	switch s {
	case StatusDead:
		return "dead"
	case StatusConnecting:
		return "connecting"
	case StatusReady:
		return "ready"
	case StatusNeedRead:
		return "need_read"
	case StatusNeedWrite:
		return "need_write"
	default:
		return "unknown"
	}
}

// Transport selects the wire-level transport a Stream carries. TLS is named
// but unimplemented in this build: spec.md §1 treats "the TLS stream variant
// (swappable transport behind the Stream capability)" as an external
// collaborator, not something this proxy's event loop terminates itself.
type Transport int

const (
	TransportTCP Transport = iota
	TransportTLS
)

// Stream is a single non-blocking socket endpoint: either the client side of
// an accepted connection, or a connector-side stream to an upstream
// instance. All operations are non-blocking; a Stream never parks a
// goroutine on I/O.
type Stream struct {
	fd     int
	status Status
	proto  Transport
	addr   net.Addr
	closed bool
}

// FromFD wraps an already-open, already-non-blocking file descriptor.
// Ownership of fd transfers to the Stream: Close will close it.
func FromFD(fd int, proto Transport) (*Stream, error) {
	if proto == TransportTLS {
		return nil, ErrUnsupportedTransport
	}
	if err := unix.SetNonblock(fd, true); err != nil {
		return nil, err
	}
	return &Stream{fd: fd, status: StatusReady, proto: proto}, nil
}

// Dial opens a non-blocking connection to addr. The returned Stream's
// Status is StatusConnecting until the caller observes EPOLLOUT readiness
// and calls CheckConnect.
func Dial(network, addr string, proto Transport) (*Stream, error) {
	if proto == TransportTLS {
		return nil, ErrUnsupportedTransport
	}
	ra, err := net.ResolveTCPAddr(network, addr)
	if err != nil {
		return nil, err
	}
	domain := unix.AF_INET
	if ra.IP.To4() == nil {
		domain = unix.AF_INET6
	}
	fd, err := unix.Socket(domain, unix.SOCK_STREAM, unix.IPPROTO_TCP)
	if err != nil {
		return nil, err
	}
	if err := unix.SetNonblock(fd, true); err != nil {
		_ = unix.Close(fd)
		return nil, err
	}
	sa, err := sockaddr(ra)
	if err != nil {
		_ = unix.Close(fd)
		return nil, err
	}
	s := &Stream{fd: fd, status: StatusConnecting, proto: proto, addr: ra}
	err = unix.Connect(fd, sa)
	if err == nil {
		s.status = StatusReady
		return s, nil
	}
	if errors.Is(err, unix.EINPROGRESS) {
		return s, nil
	}
	_ = unix.Close(fd)
	return nil, err
}

func sockaddr(ra *net.TCPAddr) (unix.Sockaddr, error) {
	if ip4 := ra.IP.To4(); ip4 != nil {
		var sa unix.SockaddrInet4
		sa.Port = ra.Port
		copy(sa.Addr[:], ip4)
		return &sa, nil
	}
	var sa unix.SockaddrInet6
	sa.Port = ra.Port
	copy(sa.Addr[:], ra.IP.To16())
	return &sa, nil
}

// CheckConnect finalizes a non-blocking connect once the event loop has
// observed EPOLLOUT on this stream's fd. It reports the connect's outcome
// via SO_ERROR and updates Status accordingly.
func (s *Stream) CheckConnect() error {
	if s.status != StatusConnecting {
		return nil
	}
	errno, err := unix.GetsockoptInt(s.fd, unix.SOL_SOCKET, unix.SO_ERROR)
	if err != nil {
		s.status = StatusDead
		return err
	}
	if errno != 0 {
		s.status = StatusDead
		return unix.Errno(errno)
	}
	s.status = StatusReady
	return nil
}

// FD returns the raw file descriptor, for registration with the reactor.
func (s *Stream) FD() int { return s.fd }

// GetStatus reports the stream's current lifecycle state.
func (s *Stream) GetStatus() Status { return s.status }

// Recv reads into iov via readv(2). It returns (0, ErrWouldBlock) when the
// socket has no data right now, (0, io.EOF)-equivalent via a 0,nil result
// with n==0 signaling peer shutdown is surfaced by the caller checking n==0
// && err==nil as EOF, matching readv's own contract.
func (s *Stream) Recv(iov [][]byte) (int, error) {
	if s.status == StatusDead {
		return 0, ErrClosed
	}
	n, err := unix.Readv(s.fd, iov)
	if err != nil {
		if errors.Is(err, unix.EAGAIN) || errors.Is(err, unix.EWOULDBLOCK) {
			s.status = StatusNeedRead
			return 0, ErrWouldBlock
		}
		s.status = StatusDead
		return 0, err
	}
	if s.status == StatusNeedRead {
		s.status = StatusReady
	}
	return n, nil
}

// Send writes iov via writev(2). A partial write is reported verbatim (n <
// sum(len(iov))); the caller is responsible for re-submitting the remainder.
// ErrWouldBlock is returned only when zero bytes could be written at all.
func (s *Stream) Send(iov [][]byte) (int, error) {
	if s.status == StatusDead {
		return 0, ErrClosed
	}
	n, err := unix.Writev(s.fd, iov)
	if err != nil {
		if errors.Is(err, unix.EAGAIN) || errors.Is(err, unix.EWOULDBLOCK) {
			s.status = StatusNeedWrite
			return 0, ErrWouldBlock
		}
		s.status = StatusDead
		return 0, err
	}
	if n == 0 {
		s.status = StatusNeedWrite
		return 0, ErrWouldBlock
	}
	if s.status == StatusNeedWrite {
		s.status = StatusReady
	}
	return n, nil
}

// Shutdown half-closes the stream in direction how (unix.SHUT_RD/WR/RDWR).
func (s *Stream) Shutdown(how int) error {
	if s.status == StatusDead {
		return nil
	}
	return unix.Shutdown(s.fd, how)
}

// Close releases the underlying file descriptor. Status becomes StatusDead.
func (s *Stream) Close() error {
	if s.closed {
		return nil
	}
	s.closed = true
	s.status = StatusDead
	return unix.Close(s.fd)
}
