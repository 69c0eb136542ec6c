// ©Hayabusa Cloud Co., Ltd. 2025. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package iproto_test

import (
	"testing"

	"github.com/stretchr/testify/require"
	"github.com/vmihailenco/msgpack/v5"

	"code.hybscloud.com/iptrelay/iproto"
)

func TestTupleDecodeReplaysCapturedBytes(t *testing.T) {
	payload, err := msgpack.Marshal([]any{"k1", int64(42)})
	require.NoError(t, err)

	tup := iproto.NewTuple(payload)
	var got []any
	require.NoError(t, tup.Decode(&got))
	require.Equal(t, "k1", got[0])
}

func TestIsErrorChecksErrorCodeBit(t *testing.T) {
	require.False(t, iproto.IsError(iproto.ResponseOK))
	require.True(t, iproto.IsError(iproto.ErrorCodeBit|3))
}
