// Copyright (c) 2016-2019 Uber Technologies, Inc.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.
package wire

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/btengine/engine/core"
)

func TestHandshakeRoundTrip(t *testing.T) {
	require := require.New(t)

	var ih core.InfoHash
	var pid core.PeerID
	for i := range ih {
		ih[i] = byte(i)
	}
	for i := range pid {
		pid[i] = byte(i)
	}

	var buf bytes.Buffer
	h := Handshake{InfoHash: ih, PeerID: pid}
	h.Reserved.SetDHT()
	require.NoError(WriteHandshake(&buf, h))
	require.Equal(HandshakeLen, buf.Len())
	require.Equal(byte(len(Pstr)), buf.Bytes()[0])
	require.Equal(Pstr, string(buf.Bytes()[1:1+len(Pstr)]))

	got, err := ReadHandshake(&buf)
	require.NoError(err)
	require.Equal(Pstr, got.Pstr)
	require.Equal(ih, got.InfoHash)
	require.Equal(pid, got.PeerID)
	require.True(got.Reserved.SupportsDHT())
	require.False(got.Reserved.SupportsExtensionProtocol())
}

func TestReadHandshakeBadPstrLen(t *testing.T) {
	require := require.New(t)

	buf := bytes.NewBuffer([]byte{5, 'h', 'e', 'l', 'l', 'o'})
	_, err := ReadHandshake(buf)
	require.Equal(ErrBadPstrLen, err)
}

func TestMessageRoundTripChokeStates(t *testing.T) {
	require := require.New(t)

	for _, id := range []ID{Choke, Unchoke, Interested, NotInterested} {
		var buf bytes.Buffer
		require.NoError(WriteMessage(&buf, NewSimple(id)))
		got, err := ReadMessage(&buf)
		require.NoError(err)
		require.False(got.KeepAlive)
		require.Equal(id, got.ID)
		require.Empty(got.Payload)
	}
}

func TestKeepAliveRoundTrip(t *testing.T) {
	require := require.New(t)

	var buf bytes.Buffer
	require.NoError(WriteMessage(&buf, KeepAliveMessage))
	require.Equal([]byte{0, 0, 0, 0}, buf.Bytes())

	got, err := ReadMessage(&buf)
	require.NoError(err)
	require.True(got.KeepAlive)
}

func TestRequestAndPieceRoundTrip(t *testing.T) {
	require := require.New(t)

	var buf bytes.Buffer
	require.NoError(WriteMessage(&buf, NewRequest(3, 16384, 16384)))
	got, err := ReadMessage(&buf)
	require.NoError(err)
	index, begin, length, err := got.RequestFields()
	require.NoError(err)
	require.EqualValues(3, index)
	require.EqualValues(16384, begin)
	require.EqualValues(16384, length)

	block := bytes.Repeat([]byte{0xAB}, 16384)
	buf.Reset()
	require.NoError(WriteMessage(&buf, NewPiece(3, 16384, block)))
	got, err = ReadMessage(&buf)
	require.NoError(err)
	pIndex, pBegin, pBlock, err := got.PieceFields()
	require.NoError(err)
	require.EqualValues(3, pIndex)
	require.EqualValues(16384, pBegin)
	require.Equal(block, pBlock)
}

func TestHaveRoundTrip(t *testing.T) {
	require := require.New(t)

	var buf bytes.Buffer
	require.NoError(WriteMessage(&buf, NewHave(42)))
	got, err := ReadMessage(&buf)
	require.NoError(err)
	idx, err := got.HaveIndex()
	require.NoError(err)
	require.EqualValues(42, idx)
}

func TestUnknownMessageIDIsPreserved(t *testing.T) {
	require := require.New(t)

	var buf bytes.Buffer
	require.NoError(WriteMessage(&buf, Message{ID: 200, Payload: []byte{1, 2, 3}}))
	got, err := ReadMessage(&buf)
	require.NoError(err)
	require.Equal(ID(200), got.ID)
	require.Equal([]byte{1, 2, 3}, got.Payload)
}
