// ©Hayabusa Cloud Co., Ltd. 2025. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package iptrelay

import (
	"github.com/vmihailenco/msgpack/v5"

	"code.hybscloud.com/iptrelay/conn"
	"code.hybscloud.com/iptrelay/iproto"
	"code.hybscloud.com/iptrelay/ringbuffer"
	"code.hybscloud.com/iptrelay/stream"
)

// HandlerFunc is user code invoked once per readable event on a connection
// (spec.md §4.6). It must not block; every operation it needs is exposed
// through the HandlerContext it receives.
type HandlerFunc func(ctx *HandlerContext)

// HandlerContext is the facade the handler sees: it is valid only for the
// duration of one dispatch and is bound to whichever Connection/Stream
// triggered that dispatch (spec.md §3's current_conn/current_stream).
type HandlerContext struct {
	connector *Connector
	c         *conn.Connection
	curStream *stream.Stream
	// curInstance is the upstream instance index the current stream
	// corresponds to, or -1 when the current stream is the client.
	curInstance int
}

// IsRecvFromClient reports whether the current stream is the client stream.
func (h *HandlerContext) IsRecvFromClient() bool {
	return h.curStream == h.c.Client
}

// IsClientFirstRequest reports whether this is the first readable event on
// this client fd.
func (h *HandlerContext) IsClientFirstRequest() bool {
	return h.c.ClientFirstRequest
}

// IsGreetingExpected reports whether the current stream still owes us a
// 128-byte greeting before any framed traffic.
func (h *HandlerContext) IsGreetingExpected() bool {
	return h.connector.greetingExpectedOnFD[h.curStream.FD()]
}

// DeliverDecodedGreeting consumes the 128 bytes sitting at the head of the
// inbound buffer (already verified present by the dispatcher) and forwards
// them to the client.
func (h *HandlerContext) DeliverDecodedGreeting() (int, error) {
	n, err := h.sendRange(h.c.Client, h.c.DecBuf, h.c.DecBuf.Begin(), iproto.GreetingSize)
	if err != nil {
		return n, err
	}
	if n != iproto.GreetingSize {
		return n, ErrWouldBlock
	}
	if err := h.c.DecBuf.DropFront(iproto.GreetingSize); err != nil {
		return n, err
	}
	h.c.EndDecoded = h.c.DecBuf.Begin()
	h.c.Decoder.Reset(h.c.EndDecoded)
	h.connector.markGreetingDelivered(h.curStream.FD())
	return n, nil
}

// DeliverEncodedGreeting writes a caller-supplied 128-byte greeting into the
// outbound buffer and sends it to the client, for the mock/greeting-
// injection disposition (spec.md §8 scenario S5).
func (h *HandlerContext) DeliverEncodedGreeting(greeting []byte) (int, error) {
	if len(greeting) != iproto.GreetingSize {
		return 0, ErrInvalidArgument
	}
	begin := h.c.EncBuf.End()
	if _, err := h.c.EncBuf.Write(greeting); err != nil {
		return 0, err
	}
	n, err := h.sendRange(h.c.Client, h.c.EncBuf, begin, iproto.GreetingSize)
	if err != nil {
		return n, err
	}
	if n != iproto.GreetingSize {
		return n, ErrWouldBlock
	}
	_ = h.c.EncBuf.DropFront(iproto.GreetingSize)
	h.connector.markGreetingDelivered(h.curStream.FD())
	return n, nil
}

// GetNextDecodedMessage pops the next fully framed Message out of the
// current stream's connection, or reports ok == false when none is ready
// yet (spec.md §4.6).
func (h *HandlerContext) GetNextDecodedMessage() (msg iproto.Message, ok bool) {
	m, err := h.c.Decoder.Next()
	if err != nil {
		if err != iproto.ErrNeedMore {
			h.c.DecodeErr = err
		}
		return iproto.Message{}, false
	}
	h.c.EndDecoded = h.c.Decoder.Cursor()
	return m, true
}

// Connect opens (or returns the already-open) upstream stream for instance
// index i, per spec.md §4.5: lazily created on first use, registered with
// the event loop, and expected to greet us first when ConnectOptions.IsTarantool.
func (h *HandlerContext) Connect(i int) (*stream.Stream, error) {
	return h.connector.connect(h.c, i)
}

// SendDecodedToStream writes the first n bytes of the inbound buffer (the
// bytes the handler just decoded) to stream s, without dropping them —
// pair with SkipLastDecodedMessage once every destination has them.
func (h *HandlerContext) SendDecodedToStream(s *stream.Stream, n int) (int, error) {
	return h.sendRange(s, h.c.DecBuf, h.c.DecBuf.Begin(), n)
}

// SendDecodedToClient is SendDecodedToStream with the client stream.
func (h *HandlerContext) SendDecodedToClient(n int) (int, error) {
	return h.SendDecodedToStream(h.c.Client, n)
}

// SkipLastDecodedMessage drops n bytes from the head of the INBOUND buffer
// (spec.md §9's documented fix: the source's skipLastDecodedMessage
// mistakenly dropped from the outbound buffer instead).
func (h *HandlerContext) SkipLastDecodedMessage(n int) error {
	return h.c.DecBuf.DropFront(n)
}

// SendEncodedToClient writes the first n bytes of the outbound buffer to the
// client and drops them from its front once all n have been sent; after a
// partial send the bytes stay in the buffer.
func (h *HandlerContext) SendEncodedToClient(n int) (int, error) {
	sent, err := h.sendRange(h.c.Client, h.c.EncBuf, h.c.EncBuf.Begin(), n)
	if err != nil {
		return sent, err
	}
	if sent == n {
		_ = h.c.EncBuf.DropFront(n)
	}
	return sent, nil
}

// CreateMessage encodes a synthetic OK response (header REQUEST_TYPE=OK,
// SYNC=sync, SCHEMA_VERSION=schema, and an optional DATA payload) into the
// outbound buffer, framed with its 5-byte size prefix, and returns its total
// byte length. It does not send it; call SendEncodedToClient afterward.
func (h *HandlerContext) CreateMessage(sync, schema uint64, payload any) (int, error) {
	body, err := encodeBody(payload)
	if err != nil {
		return 0, err
	}
	frame, err := encodeFrame(iproto.ResponseOK, sync, &schema, body)
	if err != nil {
		return 0, err
	}
	if _, err := h.c.EncBuf.Write(frame); err != nil {
		return 0, err
	}
	return len(frame), nil
}

// sendRange writes the first n bytes of [begin, begin+n) in buf to s via a
// scatter/gather write, matching spec.md §4.2's iovec-based send(iov[]).
func (h *HandlerContext) sendRange(s *stream.Stream, buf *ringbuffer.Buffer, begin ringbuffer.Iterator, n int) (int, error) {
	if !buf.Has(begin, n) {
		return 0, ErrInvalidArgument
	}
	iov := buf.IOV(begin, buf.Advance(begin, n), n)
	return s.Send(iov)
}

func encodeBody(payload any) ([]byte, error) {
	if payload == nil {
		return msgpack.Marshal(map[int]any{})
	}
	return msgpack.Marshal(map[int]any{iproto.KeyData: payload})
}

func encodeFrame(code, sync uint64, schema *uint64, body []byte) ([]byte, error) {
	header := map[int]any{iproto.KeyRequestType: code, iproto.KeySync: sync}
	if schema != nil {
		header[iproto.KeySchemaVer] = *schema
	}
	hdrBytes, err := msgpack.Marshal(header)
	if err != nil {
		return nil, err
	}
	payload := append(hdrBytes, body...)
	out := make([]byte, 5+len(payload))
	out[0] = 0xCE
	size := uint32(len(payload))
	out[1] = byte(size >> 24)
	out[2] = byte(size >> 16)
	out[3] = byte(size >> 8)
	out[4] = byte(size)
	copy(out[5:], payload)
	return out, nil
}
