// ©Hayabusa Cloud Co., Ltd. 2025. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

//go:build linux

package reactor_test

import (
	"testing"

	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"

	"code.hybscloud.com/iptrelay/internal/reactor"
)

func TestWaitReportsReadableOnPipeWrite(t *testing.T) {
	var fds [2]int
	require.NoError(t, unix.Pipe2(fds[:], unix.O_NONBLOCK))
	defer func() {
		_ = unix.Close(fds[0])
		_ = unix.Close(fds[1])
	}()

	r, err := reactor.New()
	require.NoError(t, err)
	defer func() { _ = r.Close() }()

	require.NoError(t, r.Add(fds[0], reactor.InterestRead))

	_, err = unix.Write(fds[1], []byte("x"))
	require.NoError(t, err)

	events, err := r.Wait(make([]reactor.Event, 0, 8), 1000)
	require.NoError(t, err)
	require.Len(t, events, 1)
	require.Equal(t, fds[0], events[0].FD)
	require.True(t, events[0].Readable)
}

func TestRemoveUnknownFDIsNotAnError(t *testing.T) {
	r, err := reactor.New()
	require.NoError(t, err)
	defer func() { _ = r.Close() }()

	require.NoError(t, r.Remove(99999))
}
