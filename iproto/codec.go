// ©Hayabusa Cloud Co., Ltd. 2025. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package iproto

import (
	"errors"
	"io"

	"github.com/vmihailenco/msgpack/v5"

	"code.hybscloud.com/iptrelay/ringbuffer"
)

// ErrNeedMore reports that the buffer does not yet hold a full frame (or
// greeting); callers should retry once more bytes have arrived. It mirrors
// original_source's RequestDecoder "not enough data" return.
var ErrNeedMore = errors.New("iproto: need more data")

// ErrMalformed reports a frame whose size prefix or header/body maps do not
// parse as valid Iproto.
var ErrMalformed = errors.New("iproto: malformed frame")

// DecodeMessageSize reads the 5-byte size prefix at it and returns the
// number of bytes in the frame body that follows it (not including the
// prefix itself). It returns ErrNeedMore if fewer than SizePrefixLen bytes
// are available at it.
func DecodeMessageSize(buf *ringbuffer.Buffer, it ringbuffer.Iterator) (int, error) {
	if !buf.Has(it, SizePrefixLen) {
		return 0, ErrNeedMore
	}
	var hdr [SizePrefixLen]byte
	r := buf.Reader(it, buf.Advance(it, SizePrefixLen))
	if _, err := io.ReadFull(r, hdr[:]); err != nil {
		return 0, err
	}
	if hdr[0] != sizePrefixMarker {
		return 0, ErrMalformed
	}
	size := uint32(hdr[1])<<24 | uint32(hdr[2])<<16 | uint32(hdr[3])<<8 | uint32(hdr[4])
	return int(size), nil
}

// Decoder decodes a stream of length-prefixed Iproto frames out of a shared
// ringbuffer.Buffer. It holds no bytes itself; Reset re-anchors it at a new
// cursor the way original_source's RequestDecoder::reset does after a
// partial decode needs to be retried from a later position.
type Decoder struct {
	buf    *ringbuffer.Buffer
	cursor ringbuffer.Iterator
}

// NewDecoder returns a Decoder reading frames from buf starting at cursor.
func NewDecoder(buf *ringbuffer.Buffer, cursor ringbuffer.Iterator) *Decoder {
	return &Decoder{buf: buf, cursor: cursor}
}

// Reset re-anchors the decoder's cursor, e.g. after the caller has decided
// to retry decoding from a position other than where the last attempt left
// off (spec.md §9's decode-then-reset pattern, SPEC_FULL.md §C.4).
func (d *Decoder) Reset(cursor ringbuffer.Iterator) { d.cursor = cursor }

// Cursor returns the decoder's current read position.
func (d *Decoder) Cursor() ringbuffer.Iterator { return d.cursor }

// Next attempts to decode one full frame starting at the decoder's cursor.
// On success it advances the cursor past the frame and returns it; on
// ErrNeedMore the cursor is left untouched so the caller can retry once more
// bytes arrive.
func (d *Decoder) Next() (Message, error) {
	size, err := DecodeMessageSize(d.buf, d.cursor)
	if err != nil {
		return Message{}, err
	}
	frameStart := d.buf.Advance(d.cursor, SizePrefixLen)
	if !d.buf.Has(frameStart, size) {
		return Message{}, ErrNeedMore
	}
	frameEnd := d.buf.Advance(frameStart, size)

	msg, err := decodeFrameBody(d.buf.Reader(frameStart, frameEnd))
	if err != nil {
		return Message{}, err
	}
	msg.Size = SizePrefixLen + size
	d.cursor = frameEnd
	return msg, nil
}

func decodeFrameBody(r io.Reader) (Message, error) {
	dec := msgpack.NewDecoder(r)

	hdr, err := decodeHeader(dec)
	if err != nil {
		return Message{}, err
	}

	body, err := decodeBody(dec)
	if err != nil {
		return Message{}, err
	}

	return Message{Header: hdr, Body: body}, nil
}

func decodeHeader(dec *msgpack.Decoder) (Header, error) {
	n, err := dec.DecodeMapLen()
	if err != nil {
		return Header{}, ErrMalformed
	}
	var hdr Header
	for i := 0; i < n; i++ {
		key, err := dec.DecodeUint64()
		if err != nil {
			return Header{}, ErrMalformed
		}
		switch key {
		case KeyRequestType:
			hdr.Code, err = dec.DecodeUint64()
		case KeySync:
			hdr.Sync, err = dec.DecodeUint64()
		case KeySchemaVer:
			var v uint64
			v, err = dec.DecodeUint64()
			hdr.SchemaID = &v
		default:
			err = dec.Skip()
		}
		if err != nil {
			return Header{}, ErrMalformed
		}
	}
	return hdr, nil
}

// decodeBody decodes the body map's scalar fields directly. KEY/TUPLE values
// are captured via msgpack.RawMessage: the decoder reads exactly their
// encoded bytes and no more, so the struct-level Decode stays deferred to
// whenever (if ever) the handler asks for it.
func decodeBody(dec *msgpack.Decoder) (Body, error) {
	n, err := dec.DecodeMapLen()
	if err != nil {
		if errors.Is(err, io.EOF) {
			return Body{}, nil
		}
		return Body{}, ErrMalformed
	}
	var body Body
	for i := 0; i < n; i++ {
		key, err := dec.DecodeUint64()
		if err != nil {
			return Body{}, ErrMalformed
		}
		switch key {
		case KeySpaceID:
			var v uint64
			v, err = dec.DecodeUint64()
			body.SpaceID = &v
		case KeyIndexID:
			var v uint64
			v, err = dec.DecodeUint64()
			body.IndexID = &v
		case KeyLimit:
			var v uint64
			v, err = dec.DecodeUint64()
			body.Limit = &v
		case KeyOffset:
			var v uint64
			v, err = dec.DecodeUint64()
			body.Offset = &v
		case KeyIterator:
			var v uint64
			v, err = dec.DecodeUint64()
			body.Iterator = &v
		case KeyKey:
			body.Keys, err = decodeRawTuple(dec)
		case KeyTuple:
			body.Tuple, err = decodeRawTuple(dec)
		default:
			err = dec.Skip()
		}
		if err != nil {
			return Body{}, ErrMalformed
		}
	}
	return body, nil
}

func decodeRawTuple(dec *msgpack.Decoder) (*Tuple, error) {
	var raw msgpack.RawMessage
	if err := dec.Decode(&raw); err != nil {
		return nil, err
	}
	return NewTuple(raw), nil
}

// greetingLine1Prefix identifies a valid Tarantool version line so a fresh
// connection's first 128 bytes can be told apart from an ordinary frame.
const greetingLine1Prefix = "Tarantool"

// IsGreeting reports whether buf has a full 128-byte greeting available at
// it and it looks like one (starts with "Tarantool").
func IsGreeting(buf *ringbuffer.Buffer, it ringbuffer.Iterator) (bool, error) {
	if !buf.Has(it, GreetingSize) {
		return false, ErrNeedMore
	}
	probe := make([]byte, len(greetingLine1Prefix))
	r := buf.Reader(it, buf.Advance(it, len(greetingLine1Prefix)))
	if _, err := io.ReadFull(r, probe); err != nil {
		return false, err
	}
	return string(probe) == greetingLine1Prefix, nil
}

// EncodeGreeting renders a synthetic 128-byte greeting: a version line and a
// base64 salt line, each padded with spaces and newline-terminated within
// its 64-byte field, matching original_source/examples/mock.cpp's
// create_test_greeting layout (SPEC_FULL.md §C.3).
func EncodeGreeting(version string, salt string) []byte {
	out := make([]byte, GreetingSize)
	for i := range out {
		out[i] = ' '
	}
	line1 := "Tarantool " + version
	copy(out[:GreetingLine1Size-1], line1)
	out[GreetingLine1Size-1] = '\n'
	copy(out[GreetingLine1Size:GreetingSize-1], salt)
	out[GreetingSize-1] = '\n'
	return out
}
