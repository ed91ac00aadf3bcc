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
package peerconn

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/btengine/engine/capability/memory"
	"github.com/btengine/engine/core"
)

type recordingEvents struct {
	ready        bool
	bitfields    []*core.BitField
	haves        []int
	chokes       int
	unchokes     int
	interested   int
	requests     [][3]int64
	pieces       [][]byte
	closed       bool
	closedReason CloseReason
}

func (e *recordingEvents) OnReady(c *Conn)      { e.ready = true }
func (e *recordingEvents) OnChoke(c *Conn)      { e.chokes++ }
func (e *recordingEvents) OnUnchoke(c *Conn)    { e.unchokes++ }
func (e *recordingEvents) OnInterested(c *Conn) { e.interested++ }
func (e *recordingEvents) OnNotInterested(c *Conn) {}
func (e *recordingEvents) OnHave(c *Conn, piece int) {
	e.haves = append(e.haves, piece)
}
func (e *recordingEvents) OnBitfield(c *Conn, bf *core.BitField) {
	e.bitfields = append(e.bitfields, bf)
}
func (e *recordingEvents) OnRequest(c *Conn, piece int, begin, length int64) {
	e.requests = append(e.requests, [3]int64{int64(piece), begin, length})
}
func (e *recordingEvents) OnPiece(c *Conn, piece int, begin int64, block []byte) {
	e.pieces = append(e.pieces, block)
}
func (e *recordingEvents) OnCancel(c *Conn, piece int, begin, length int64) {}
func (e *recordingEvents) OnPort(c *Conn, port uint16)                     {}
func (e *recordingEvents) OnClose(c *Conn, reason CloseReason) {
	e.closed = true
	e.closedReason = reason
}

func newTestPair(t *testing.T, infoHash core.InfoHash) (a, b *Conn, ea, eb *recordingEvents) {
	t.Helper()
	sockA, sockB := memory.NewSocketPair("10.0.0.1:6881", "10.0.0.2:6881")
	clk := memory.NewClock(0)

	idA, err := core.NewPeerIDFromBytes([]byte("AAAAAAAAAAAAAAAAAAAA"))
	require.NoError(t, err)
	idB, err := core.NewPeerIDFromBytes([]byte("BBBBBBBBBBBBBBBBBBBB"))
	require.NoError(t, err)

	ea = &recordingEvents{}
	eb = &recordingEvents{}

	a, err = AcceptIncoming(sockA, "10.0.0.2:6881", idA, infoHash, Config{}, clk, nil, nil, ea)
	require.NoError(t, err)
	b, err = AcceptIncoming(sockB, "10.0.0.1:6881", idB, infoHash, Config{}, clk, nil, nil, eb)
	require.NoError(t, err)

	a.Drain()
	b.Drain()
	return a, b, ea, eb
}

func TestConnHandshakeReachesReady(t *testing.T) {
	var infoHash core.InfoHash
	copy(infoHash[:], []byte("12345678901234567890"))

	a, b, ea, eb := newTestPair(t, infoHash)

	require.Equal(t, StateReady, a.State())
	require.Equal(t, StateReady, b.State())
	require.True(t, ea.ready)
	require.True(t, eb.ready)

	idA, _ := core.NewPeerIDFromBytes([]byte("AAAAAAAAAAAAAAAAAAAA"))
	require.Equal(t, idA, b.RemotePeerID())
}

func TestConnInfoHashMismatchCloses(t *testing.T) {
	var hashA, hashB core.InfoHash
	copy(hashA[:], []byte("aaaaaaaaaaaaaaaaaaaa"))
	copy(hashB[:], []byte("bbbbbbbbbbbbbbbbbbbb"))

	sockA, sockB := memory.NewSocketPair("10.0.0.1:6881", "10.0.0.2:6881")
	clk := memory.NewClock(0)
	idA, _ := core.NewPeerIDFromBytes([]byte("AAAAAAAAAAAAAAAAAAAA"))
	idB, _ := core.NewPeerIDFromBytes([]byte("BBBBBBBBBBBBBBBBBBBB"))
	ea, eb := &recordingEvents{}, &recordingEvents{}

	a, err := AcceptIncoming(sockA, "10.0.0.2:6881", idA, hashA, Config{}, clk, nil, nil, ea)
	require.NoError(t, err)
	b, err := AcceptIncoming(sockB, "10.0.0.1:6881", idB, hashB, Config{}, clk, nil, nil, eb)
	require.NoError(t, err)

	a.Drain()
	b.Drain()

	require.Equal(t, StateClosed, a.State())
	require.Equal(t, CloseInfoHashMismatch, ea.closedReason)
}

func TestConnBitfieldHaveChokeFlow(t *testing.T) {
	var infoHash core.InfoHash
	copy(infoHash[:], []byte("12345678901234567890"))
	a, b, ea, eb := newTestPair(t, infoHash)

	bf := core.NewBitField(4)
	bf.Set(0, true)
	bf.Set(2, true)
	require.NoError(t, a.SendBitfield(bf))
	b.Drain()
	require.Len(t, eb.bitfields, 1)
	require.True(t, eb.bitfields[0].Get(0))
	require.True(t, eb.bitfields[0].Get(2))
	require.False(t, eb.bitfields[0].Get(1))

	require.NoError(t, a.SendHave(3))
	b.Drain()
	require.Equal(t, []int{3}, eb.haves)

	require.NoError(t, a.SendUnchoke())
	b.Drain()
	require.Equal(t, 1, eb.unchokes)
	require.False(t, b.PeerChoking())

	require.NoError(t, b.SendInterested())
	a.Drain()
	require.Equal(t, 1, ea.interested)
	require.True(t, a.PeerInterested())
}

func TestConnRequestPieceRoundTrip(t *testing.T) {
	var infoHash core.InfoHash
	copy(infoHash[:], []byte("12345678901234567890"))
	a, b, ea, eb := newTestPair(t, infoHash)

	require.NoError(t, a.SendUnchoke())
	b.Drain()

	require.NoError(t, b.SendRequest(0, 0, 16384))
	a.Drain()
	require.Len(t, ea.requests, 1)
	require.Equal(t, [3]int64{0, 0, 16384}, ea.requests[0])

	block := make([]byte, 16384)
	require.NoError(t, a.SendPiece(0, 0, block))
	b.Drain()
	require.Len(t, eb.pieces, 1)
	require.Equal(t, 0, b.OutstandingRequests())
	require.EqualValues(t, 16384, b.Downloaded())
	require.EqualValues(t, 16384, a.Uploaded())
}

func TestConnSendRequestFailsWhilePeerChoking(t *testing.T) {
	var infoHash core.InfoHash
	copy(infoHash[:], []byte("12345678901234567890"))
	_, b, _, _ := newTestPair(t, infoHash)

	require.True(t, b.PeerChoking())
	err := b.SendRequest(0, 0, 16384)
	require.Equal(t, ErrPeerChoking, err)
}

func TestConnSendPieceFailsWhileChoking(t *testing.T) {
	var infoHash core.InfoHash
	copy(infoHash[:], []byte("12345678901234567890"))
	a, _, _, _ := newTestPair(t, infoHash)

	require.True(t, a.AmChoking())
	err := a.SendPiece(0, 0, []byte("x"))
	require.Equal(t, ErrAmChoking, err)
}

func TestConnCloseNotifiesPeer(t *testing.T) {
	var infoHash core.InfoHash
	copy(infoHash[:], []byte("12345678901234567890"))
	a, b, _, eb := newTestPair(t, infoHash)

	a.Close()
	require.Equal(t, StateClosed, a.State())
	require.True(t, eb.closed)
	require.Equal(t, CloseRemote, eb.closedReason)
	_ = b
}

func TestConnIdleTimeout(t *testing.T) {
	var infoHash core.InfoHash
	copy(infoHash[:], []byte("12345678901234567890"))
	a, _, ea, _ := newTestPair(t, infoHash)

	a.CheckTimeouts(a.lastRecv.Add(121 * time.Second))
	require.Equal(t, StateClosed, a.State())
	require.Equal(t, CloseIdleTimeout, ea.closedReason)
}
