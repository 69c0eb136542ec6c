// ©Hayabusa Cloud Co., Ltd. 2025. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

//go:build linux

package stream

import (
	"errors"
	"fmt"
	"net"

	"golang.org/x/sys/unix"
)

// Listener is a non-blocking listening socket. Accept4 is used so accepted
// sockets start non-blocking without a second syscall round trip.
type Listener struct {
	fd int
}

// Listen opens a non-blocking TCP listening socket bound to addr.
func Listen(addr string) (*Listener, error) {
	la, err := net.ResolveTCPAddr("tcp", addr)
	if err != nil {
		return nil, err
	}
	domain := unix.AF_INET
	if la.IP != nil && la.IP.To4() == nil {
		domain = unix.AF_INET6
	}
	fd, err := unix.Socket(domain, unix.SOCK_STREAM|unix.SOCK_NONBLOCK, unix.IPPROTO_TCP)
	if err != nil {
		return nil, err
	}
	if err := unix.SetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_REUSEADDR, 1); err != nil {
		_ = unix.Close(fd)
		return nil, err
	}
	sa, err := sockaddr(la)
	if err != nil {
		_ = unix.Close(fd)
		return nil, err
	}
	if err := unix.Bind(fd, sa); err != nil {
		_ = unix.Close(fd)
		return nil, err
	}
	if err := unix.Listen(fd, unix.SOMAXCONN); err != nil {
		_ = unix.Close(fd)
		return nil, err
	}
	return &Listener{fd: fd}, nil
}

// FD returns the raw listening file descriptor, for registration with the reactor.
func (l *Listener) FD() int { return l.fd }

// Addr returns the address the listener is actually bound to, resolving an
// ephemeral port (":0") to the one the kernel assigned.
func (l *Listener) Addr() (string, error) {
	sa, err := unix.Getsockname(l.fd)
	if err != nil {
		return "", err
	}
	switch sa := sa.(type) {
	case *unix.SockaddrInet4:
		return fmt.Sprintf("%s:%d", net.IP(sa.Addr[:]).String(), sa.Port), nil
	case *unix.SockaddrInet6:
		return fmt.Sprintf("[%s]:%d", net.IP(sa.Addr[:]).String(), sa.Port), nil
	default:
		return "", fmt.Errorf("stream: unsupported sockaddr type %T", sa)
	}
}

// Accept accepts one pending connection as a ready, non-blocking Stream. It
// returns ErrWouldBlock when no connection is pending.
func (l *Listener) Accept() (*Stream, error) {
	fd, _, err := unix.Accept4(l.fd, unix.SOCK_NONBLOCK)
	if err != nil {
		if errors.Is(err, unix.EAGAIN) || errors.Is(err, unix.EWOULDBLOCK) {
			return nil, ErrWouldBlock
		}
		return nil, err
	}
	return &Stream{fd: fd, status: StatusReady, proto: TransportTCP}, nil
}

// Close closes the listening socket.
func (l *Listener) Close() error { return unix.Close(l.fd) }
