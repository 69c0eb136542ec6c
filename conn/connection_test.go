// ©Hayabusa Cloud Co., Ltd. 2025. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

//go:build linux

package conn_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"code.hybscloud.com/iptrelay/conn"
	"code.hybscloud.com/iptrelay/stream"
)

func loopbackPair(t *testing.T) (*stream.Stream, *stream.Stream, *stream.Listener) {
	t.Helper()
	ln, err := stream.Listen("127.0.0.1:0")
	require.NoError(t, err)
	addr, err := ln.Addr()
	require.NoError(t, err)
	cli, err := stream.Dial("tcp", addr, stream.TransportTCP)
	require.NoError(t, err)
	var srv *stream.Stream
	require.Eventually(t, func() bool {
		s, acceptErr := ln.Accept()
		if acceptErr != nil {
			return false
		}
		srv = s
		return true
	}, time.Second, time.Millisecond)
	return cli, srv, ln
}

func TestTableEnforcesMaxOpenConnections(t *testing.T) {
	table := conn.NewTable(conn.MaxOpenConnections)
	for i := 0; i < conn.MaxOpenConnections; i++ {
		c := conn.New(i+1, nil, 0, 0)
		require.NoError(t, table.Insert(c))
	}
	over := conn.New(conn.MaxOpenConnections+1, nil, 0, 0)
	require.ErrorIs(t, table.Insert(over), conn.ErrTooManyConnections)
	require.Equal(t, conn.MaxOpenConnections, table.Len())
}

func TestTableHonorsConfiguredCap(t *testing.T) {
	table := conn.NewTable(2)
	require.NoError(t, table.Insert(conn.New(1, nil, 0, 0)))
	require.NoError(t, table.Insert(conn.New(2, nil, 0, 0)))
	require.ErrorIs(t, table.Insert(conn.New(3, nil, 0, 0)), conn.ErrTooManyConnections)
	require.Equal(t, 2, table.Len())
}

func TestAddUpstreamHoldsAConnectionReference(t *testing.T) {
	cli, srv, ln := loopbackPair(t)
	defer func() { _ = ln.Close() }()

	c := conn.New(cli.FD(), cli, 0, 0)
	c.AddUpstream(0, srv)
	require.Len(t, c.Upstreams, 1)

	// Initial ref (1) + AddUpstream's ref (1) = 2; this Unref alone must not
	// tear the connection down yet.
	require.NoError(t, c.Unref())
	_, stillThere := c.Upstreams[0]
	require.True(t, stillThere)

	// RemoveUpstream releases the remaining reference and tears down.
	require.NoError(t, c.RemoveUpstream(0))
	require.Empty(t, c.Upstreams)
}

func TestLookupAfterRemoveIsAbsent(t *testing.T) {
	table := conn.NewTable(conn.MaxOpenConnections)
	c := conn.New(42, nil, 0, 0)
	require.NoError(t, table.Insert(c))
	_, ok := table.Lookup(42)
	require.True(t, ok)

	table.Remove(42)
	_, ok = table.Lookup(42)
	require.False(t, ok)
}
