// ©Hayabusa Cloud Co., Ltd. 2025. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package iptrelay

import (
	"errors"

	"code.hybscloud.com/iptrelay/conn"
	"code.hybscloud.com/iptrelay/iproto"
	"code.hybscloud.com/iptrelay/ringbuffer"
	"code.hybscloud.com/iptrelay/stream"
)

// Re-exported so handler authors never need to import the internal packages
// directly, mirroring how framer.ErrWouldBlock/framer.ErrMore alias the iox
// sentinels one layer down (SPEC_FULL.md §A.4).
var (
	ErrWouldBlock           = stream.ErrWouldBlock
	ErrClosed               = stream.ErrClosed
	ErrUnsupportedTransport = stream.ErrUnsupportedTransport

	ErrNeedMore  = iproto.ErrNeedMore
	ErrMalformed = iproto.ErrMalformed

	ErrBufferFull      = ringbuffer.ErrBufferFull
	ErrInvalidArgument = ringbuffer.ErrInvalidArgument

	ErrTooManyConnections = conn.ErrTooManyConnections
)

// ErrInvalidConfig reports a bad ConnectOptions or listen address at
// start-up (spec.md §7's configuration-error class).
var ErrInvalidConfig = errors.New("iptrelay: invalid configuration")
