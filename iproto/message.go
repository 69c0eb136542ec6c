// ©Hayabusa Cloud Co., Ltd. 2025. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package iproto

import (
	"github.com/vmihailenco/msgpack/v5"
)

// Header carries the fields of an Iproto header map spec.md §6 names.
type Header struct {
	Code     uint64
	Sync     uint64
	SchemaID *uint64
}

// Body carries the optional scalar fields of an Iproto body map, plus the
// Keys/Tuple payload as not-yet-decoded MessagePack values (spec.md §3: the
// tuple is parsed "only on demand", never eagerly materialized into a Go
// struct the handler might not even look at).
type Body struct {
	SpaceID  *uint64
	IndexID  *uint64
	Limit    *uint64
	Offset   *uint64
	Iterator *uint64

	Keys  *Tuple
	Tuple *Tuple
}

// Tuple is a MessagePack value whose struct-level decode is deferred until
// the handler calls Decode. The decoder captures it as raw encoded bytes
// once (a single bounded copy out of the inbound buffer for that value only)
// rather than eagerly unmarshaling it into a Go value up front.
type Tuple struct {
	raw msgpack.RawMessage
}

// NewTuple wraps already-captured raw MessagePack bytes as a Tuple.
func NewTuple(raw []byte) *Tuple {
	cp := make([]byte, len(raw))
	copy(cp, raw)
	return &Tuple{raw: cp}
}

// Decode unmarshals the tuple's bytes into v.
func (t *Tuple) Decode(v any) error {
	return msgpack.Unmarshal(t.raw, v)
}

// Raw returns the tuple's captured MessagePack-encoded bytes.
func (t *Tuple) Raw() []byte { return t.raw }

// Message is a fully framed Iproto message as handed to the handler: a
// decoded Header/Body plus the total byte size of the frame (including the
// 5-byte length prefix) so callers can forward or skip it by byte count
// without re-encoding it.
type Message struct {
	Size   int
	Header Header
	Body   Body
}
