// ©Hayabusa Cloud Co., Ltd. 2025. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

//go:build linux

package stream_test

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"code.hybscloud.com/iptrelay/stream"
)

func localAddr(t *testing.T, ln *stream.Listener) string {
	t.Helper()
	addr, err := ln.Addr()
	require.NoError(t, err)
	return addr
}

func TestListenAcceptDialRoundTrip(t *testing.T) {
	ln, err := stream.Listen("127.0.0.1:0")
	require.NoError(t, err)
	defer func() { _ = ln.Close() }()

	addr := localAddr(t, ln)
	cli, err := stream.Dial("tcp", addr, stream.TransportTCP)
	require.NoError(t, err)
	defer func() { _ = cli.Close() }()

	var srv *stream.Stream
	require.Eventually(t, func() bool {
		s, acceptErr := ln.Accept()
		if errors.Is(acceptErr, stream.ErrWouldBlock) {
			return false
		}
		require.NoError(t, acceptErr)
		srv = s
		return true
	}, time.Second, time.Millisecond)
	defer func() { _ = srv.Close() }()

	require.NoError(t, cli.CheckConnect())
	require.Equal(t, stream.StatusReady, cli.GetStatus())

	payload := []byte("ping")
	require.Eventually(t, func() bool {
		n, sendErr := cli.Send([][]byte{payload})
		if errors.Is(sendErr, stream.ErrWouldBlock) {
			return false
		}
		require.NoError(t, sendErr)
		require.Equal(t, len(payload), n)
		return true
	}, time.Second, time.Millisecond)

	got := make([]byte, 16)
	var n int
	require.Eventually(t, func() bool {
		var recvErr error
		n, recvErr = srv.Recv([][]byte{got})
		if errors.Is(recvErr, stream.ErrWouldBlock) {
			return false
		}
		require.NoError(t, recvErr)
		return true
	}, time.Second, time.Millisecond)
	require.Equal(t, "ping", string(got[:n]))
}

func TestRecvOnClosedStreamIsErrClosed(t *testing.T) {
	ln, err := stream.Listen("127.0.0.1:0")
	require.NoError(t, err)
	defer func() { _ = ln.Close() }()

	addr := localAddr(t, ln)
	cli, err := stream.Dial("tcp", addr, stream.TransportTCP)
	require.NoError(t, err)
	require.NoError(t, cli.Close())

	_, err = cli.Recv([][]byte{make([]byte, 4)})
	require.ErrorIs(t, err, stream.ErrClosed)
}

func TestDialTLSIsUnsupported(t *testing.T) {
	_, err := stream.Dial("tcp", "127.0.0.1:0", stream.TransportTLS)
	require.ErrorIs(t, err, stream.ErrUnsupportedTransport)
}
