// ©Hayabusa Cloud Co., Ltd. 2025. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

// Package iproto implements the Tarantool Iproto wire format: the 5-byte
// length-prefixed framing, greeting recognition, and the header/body map
// keys spec.md §6 names. MessagePack encode/decode of individual field
// values is delegated to github.com/vmihailenco/msgpack/v5 — spec.md §1
// explicitly treats the MessagePack primitives as an external collaborator.
package iproto

// Header map keys (spec.md §6).
const (
	KeyRequestType = 0x00
	KeySync        = 0x01
	KeySchemaVer   = 0x05
)

// Body map keys (spec.md §6). DATA is a supplement: the request-side key
// table in spec.md has no response-payload key, but original_source's
// mock.cpp createMessage(sync, schema, &data) needs one to carry rows back
// to the client (SPEC_FULL.md §C.1).
const (
	KeySpaceID  = 0x10
	KeyIndexID  = 0x11
	KeyLimit    = 0x12
	KeyOffset   = 0x13
	KeyIterator = 0x14
	KeyKey      = 0x20
	KeyTuple    = 0x21
	KeyData     = 0x30
)

// Known request codes.
const (
	ReqSelect  = 1
	ReqInsert  = 2
	ReqReplace = 3
	ReqUpdate  = 4
	ReqDelete  = 5
	ReqPing    = 64
)

// ResponseOK is the header REQUEST_TYPE value for a successful response.
const ResponseOK = 0

// ErrorCodeBit is the bit a response REQUEST_TYPE has set when it carries
// an error instead of a successful result.
const ErrorCodeBit = 0x8000

// IsError reports whether a response code carries ErrorCodeBit.
func IsError(code uint64) bool { return code&ErrorCodeBit != 0 }

// Greeting geometry: 128 bytes total, a 64-byte version line followed by a
// 64-byte base64 salt line, each newline-terminated within its 64 bytes.
const (
	GreetingSize      = 128
	GreetingLine1Size = 64
	GreetingLine2Size = 64
)

// sizePrefixMarker is the fixed MessagePack uint32 marker byte that always
// opens an Iproto frame's 5-byte length prefix.
const sizePrefixMarker = 0xCE

// SizePrefixLen is the length in bytes of the frame's size prefix.
const SizePrefixLen = 5
