// ©Hayabusa Cloud Co., Ltd. 2025. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package ringbuffer_test

import (
	"bytes"
	"io"
	"testing"

	"github.com/stretchr/testify/require"

	"code.hybscloud.com/iptrelay/ringbuffer"
)

func TestWriteAndDropFrontRoundTrip(t *testing.T) {
	b := ringbuffer.New(8, 0)
	n, err := b.Write([]byte("hello world"))
	require.NoError(t, err)
	require.Equal(t, 11, n)
	require.EqualValues(t, 11, b.Len())

	r := b.Reader(b.Begin(), b.End())
	got, err := io.ReadAll(r)
	require.NoError(t, err)
	require.Equal(t, "hello world", string(got))

	require.NoError(t, b.DropFront(6))
	require.EqualValues(t, 5, b.Len())
	r2 := b.Reader(b.Begin(), b.End())
	got2, _ := io.ReadAll(r2)
	require.Equal(t, "world", string(got2))
}

func TestWriteCrossesManyBlocks(t *testing.T) {
	b := ringbuffer.New(4, 0)
	payload := bytes.Repeat([]byte("X"), 100)
	_, err := b.Write(payload)
	require.NoError(t, err)
	require.EqualValues(t, 100, b.Len())

	got, err := io.ReadAll(b.Reader(b.Begin(), b.End()))
	require.NoError(t, err)
	require.Equal(t, payload, got)
}

func TestDropFrontThenWriteReusesBlocks(t *testing.T) {
	b := ringbuffer.New(4, 0)
	_, _ = b.Write([]byte("abcd"))
	require.NoError(t, b.DropFront(4))
	require.True(t, b.Empty())

	_, err := b.Write([]byte("wxyz"))
	require.NoError(t, err)
	got, _ := io.ReadAll(b.Reader(b.Begin(), b.End()))
	require.Equal(t, "wxyz", string(got))
}

func TestDropBackShrinksReservedRegion(t *testing.T) {
	b := ringbuffer.New(8, 0)
	it, err := b.Grow(8)
	require.NoError(t, err)
	iov := b.IOVToEnd(it, 8)
	require.Len(t, iov, 1)
	copy(iov[0], "abcdXXXX")

	// Pretend only 4 bytes actually arrived from recv; shrink the rest.
	require.NoError(t, b.DropBack(4))
	got, _ := io.ReadAll(b.Reader(b.Begin(), b.End()))
	require.Equal(t, "abcd", string(got))
}

func TestHasAndIterators(t *testing.T) {
	b := ringbuffer.New(4, 0)
	begin := b.Begin()
	require.False(t, b.Has(begin, 1))
	_, _ = b.Write([]byte("0123456789"))
	require.True(t, b.Has(begin, 10))
	require.False(t, b.Has(begin, 11))

	mid := b.Advance(begin, 5)
	require.True(t, b.Has(mid, 5))
	require.EqualValues(t, 5, b.Distance(begin, mid))
	require.Equal(t, -1, b.Compare(begin, mid))
	require.Equal(t, 0, b.Compare(mid, mid))
}

func TestBufferFullWhenCapExceeded(t *testing.T) {
	b := ringbuffer.New(4, 8)
	_, err := b.Write([]byte("12345678"))
	require.NoError(t, err)
	_, err = b.Write([]byte("9"))
	require.ErrorIs(t, err, ringbuffer.ErrBufferFull)
}

func TestDropZeroIsInvalidArgument(t *testing.T) {
	b := ringbuffer.New(4, 0)
	require.ErrorIs(t, b.DropFront(0), ringbuffer.ErrInvalidArgument)
	require.ErrorIs(t, b.DropBack(0), ringbuffer.ErrInvalidArgument)
}

func TestIOVSpansBlockBoundaries(t *testing.T) {
	b := ringbuffer.New(4, 0)
	_, _ = b.Write(bytes.Repeat([]byte("a"), 10))
	iov := b.IOV(b.Begin(), b.End(), 16)
	require.Len(t, iov, 3) // 4 + 4 + 2
	total := 0
	for _, seg := range iov {
		total += len(seg)
	}
	require.Equal(t, 10, total)
}

func TestDropFrontAcrossManyBlocksThenAppend(t *testing.T) {
	b := ringbuffer.New(4, 0)
	_, _ = b.Write(bytes.Repeat([]byte("a"), 20))
	require.NoError(t, b.DropFront(18))
	require.EqualValues(t, 2, b.Len())
	_, err := b.Write([]byte("bb"))
	require.NoError(t, err)
	got, _ := io.ReadAll(b.Reader(b.Begin(), b.End()))
	require.Equal(t, "aabb", string(got))
}
