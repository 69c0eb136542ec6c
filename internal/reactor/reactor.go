// ©Hayabusa Cloud Co., Ltd. 2025. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

//go:build linux

// Package reactor wraps Linux epoll(7) for the single-threaded, readiness-
// driven event loop spec.md §4.3 describes. Events are keyed by raw file
// descriptor rather than carrying a pointer in the kernel event record
// (spec.md §9's documented fix for the "opaque pointer in epoll_event.data"
// anti-pattern): the owning fd lookup lives in the caller (the Connector's
// fd index), and the reactor only ever hands back fds.
package reactor

import (
	"golang.org/x/sys/unix"
)

// Interest is a bitmask of readiness a caller wants notified for a fd.
type Interest uint32

const (
	InterestRead  Interest = unix.EPOLLIN
	InterestWrite Interest = unix.EPOLLOUT
)

// Event reports readiness for a single registered fd.
type Event struct {
	FD       int
	Readable bool
	Writable bool
	HangUp   bool
	Err      bool
}

// Reactor is a single epoll instance. It is not safe for concurrent use
// from multiple goroutines, matching the single-threaded cooperative
// concurrency model spec.md §5 mandates.
type Reactor struct {
	epfd int
}

// New creates a Reactor backed by a fresh epoll instance.
func New() (*Reactor, error) {
	epfd, err := unix.EpollCreate1(unix.EPOLL_CLOEXEC)
	if err != nil {
		return nil, err
	}
	return &Reactor{epfd: epfd}, nil
}

// Add registers fd for the given interest.
func (r *Reactor) Add(fd int, interest Interest) error {
	ev := unix.EpollEvent{Events: uint32(interest), Fd: int32(fd)}
	return unix.EpollCtl(r.epfd, unix.EPOLL_CTL_ADD, fd, &ev)
}

// Modify changes the interest mask registered for fd.
func (r *Reactor) Modify(fd int, interest Interest) error {
	ev := unix.EpollEvent{Events: uint32(interest), Fd: int32(fd)}
	return unix.EpollCtl(r.epfd, unix.EPOLL_CTL_MOD, fd, &ev)
}

// Remove deregisters fd. It is not an error to remove a fd the kernel has
// already dropped (e.g. because it was closed).
func (r *Reactor) Remove(fd int) error {
	err := unix.EpollCtl(r.epfd, unix.EPOLL_CTL_DEL, fd, nil)
	if err == unix.ENOENT || err == unix.EBADF {
		return nil
	}
	return err
}

// Wait blocks up to timeoutMillis (-1 for indefinitely) for readiness and
// writes the ready events into dst starting at index 0 (any elements dst
// already held are discarded), returning the events observed this call.
func (r *Reactor) Wait(dst []Event, timeoutMillis int) ([]Event, error) {
	raw := make([]unix.EpollEvent, cap(dst))
	if len(raw) == 0 {
		raw = make([]unix.EpollEvent, 128)
	}
	n, err := unix.EpollWait(r.epfd, raw, timeoutMillis)
	if err != nil {
		if err == unix.EINTR {
			return dst[:0], nil
		}
		return nil, err
	}
	out := dst[:0]
	for i := 0; i < n; i++ {
		e := raw[i]
		out = append(out, Event{
			FD:       int(e.Fd),
			Readable: e.Events&unix.EPOLLIN != 0,
			Writable: e.Events&unix.EPOLLOUT != 0,
			HangUp:   e.Events&(unix.EPOLLHUP|unix.EPOLLRDHUP) != 0,
			Err:      e.Events&unix.EPOLLERR != 0,
		})
	}
	return out, nil
}

// Close releases the epoll instance.
func (r *Reactor) Close() error { return unix.Close(r.epfd) }
