// ©Hayabusa Cloud Co., Ltd. 2025. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package iproto_test

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/require"
	"github.com/vmihailenco/msgpack/v5"

	"code.hybscloud.com/iptrelay/iproto"
	"code.hybscloud.com/iptrelay/ringbuffer"
)

func encodeFrame(t *testing.T, header, body map[int]any) []byte {
	t.Helper()
	var buf bytes.Buffer
	enc := msgpack.NewEncoder(&buf)
	require.NoError(t, enc.EncodeMapLen(len(header)))
	for k, v := range header {
		require.NoError(t, enc.EncodeUint(uint64(k)))
		require.NoError(t, enc.Encode(v))
	}
	require.NoError(t, enc.EncodeMapLen(len(body)))
	for k, v := range body {
		require.NoError(t, enc.EncodeUint(uint64(k)))
		require.NoError(t, enc.Encode(v))
	}
	payload := buf.Bytes()

	out := make([]byte, 5+len(payload))
	out[0] = 0xCE
	out[1] = byte(len(payload) >> 24)
	out[2] = byte(len(payload) >> 16)
	out[3] = byte(len(payload) >> 8)
	out[4] = byte(len(payload))
	copy(out[5:], payload)
	return out
}

func TestDecodeMessageSizeNeedsMore(t *testing.T) {
	buf := ringbuffer.New(16, 0)
	_, _ = buf.Write([]byte{0xCE, 0x00})
	_, err := iproto.DecodeMessageSize(buf, buf.Begin())
	require.ErrorIs(t, err, iproto.ErrNeedMore)
}

func TestDecoderDecodesPingFrame(t *testing.T) {
	frame := encodeFrame(t, map[int]any{iproto.KeyRequestType: iproto.ReqPing, iproto.KeySync: 7}, map[int]any{})
	buf := ringbuffer.New(16, 0)
	_, err := buf.Write(frame)
	require.NoError(t, err)

	dec := iproto.NewDecoder(buf, buf.Begin())
	msg, err := dec.Next()
	require.NoError(t, err)
	require.EqualValues(t, iproto.ReqPing, msg.Header.Code)
	require.EqualValues(t, 7, msg.Header.Sync)
	require.Equal(t, len(frame), msg.Size)
	require.Equal(t, 0, buf.Compare(dec.Cursor(), buf.End()))
}

func TestDecoderSelectFrameCapturesKeyAsTuple(t *testing.T) {
	frame := encodeFrame(t,
		map[int]any{iproto.KeyRequestType: iproto.ReqSelect, iproto.KeySync: 1},
		map[int]any{iproto.KeySpaceID: 512, iproto.KeyKey: []any{"pk-value"}},
	)
	buf := ringbuffer.New(8, 0)
	_, err := buf.Write(frame)
	require.NoError(t, err)

	dec := iproto.NewDecoder(buf, buf.Begin())
	msg, err := dec.Next()
	require.NoError(t, err)
	require.NotNil(t, msg.Body.SpaceID)
	require.EqualValues(t, 512, *msg.Body.SpaceID)
	require.NotNil(t, msg.Body.Keys)

	var decoded []string
	require.NoError(t, msg.Body.Keys.Decode(&decoded))
	require.Equal(t, []string{"pk-value"}, decoded)
}

func TestDecoderNeedsMoreOnPartialFrame(t *testing.T) {
	frame := encodeFrame(t, map[int]any{iproto.KeyRequestType: iproto.ReqPing}, map[int]any{})
	buf := ringbuffer.New(16, 0)
	_, err := buf.Write(frame[:len(frame)-1])
	require.NoError(t, err)

	dec := iproto.NewDecoder(buf, buf.Begin())
	_, err = dec.Next()
	require.ErrorIs(t, err, iproto.ErrNeedMore)
	require.Equal(t, 0, buf.Compare(dec.Cursor(), buf.Begin()))
}

func TestDecoderResetReanchorsCursor(t *testing.T) {
	frame := encodeFrame(t, map[int]any{iproto.KeyRequestType: iproto.ReqPing}, map[int]any{})
	buf := ringbuffer.New(16, 0)
	_, _ = buf.Write(frame)

	dec := iproto.NewDecoder(buf, buf.Begin())
	mid := buf.Advance(buf.Begin(), 2)
	dec.Reset(mid)
	require.Equal(t, 0, buf.Compare(dec.Cursor(), mid))
}

func TestIsGreetingRecognizesTarantoolLine(t *testing.T) {
	buf := ringbuffer.New(32, 0)
	g := iproto.EncodeGreeting("2.11.0 (Binary)", "c2FsdHNhbHRzYWx0")
	_, err := buf.Write(g)
	require.NoError(t, err)

	ok, err := iproto.IsGreeting(buf, buf.Begin())
	require.NoError(t, err)
	require.True(t, ok)
}

func TestIsGreetingRejectsOrdinaryFrame(t *testing.T) {
	frame := encodeFrame(t, map[int]any{iproto.KeyRequestType: iproto.ReqPing}, map[int]any{})
	buf := ringbuffer.New(256, 0)
	padded := make([]byte, iproto.GreetingSize)
	copy(padded, frame)
	_, err := buf.Write(padded)
	require.NoError(t, err)

	ok, err := iproto.IsGreeting(buf, buf.Begin())
	require.NoError(t, err)
	require.False(t, ok)
}

func TestEncodeGreetingIsExactly128Bytes(t *testing.T) {
	g := iproto.EncodeGreeting("2.11.0 (Binary)", "salt")
	require.Len(t, g, iproto.GreetingSize)
	require.Equal(t, byte('\n'), g[iproto.GreetingLine1Size-1])
	require.Equal(t, byte('\n'), g[iproto.GreetingSize-1])
}
