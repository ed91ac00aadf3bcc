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
package udpclient

import (
	"encoding/binary"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/btengine/engine/capability/memory"
	"github.com/btengine/engine/core"
)

// fakeTracker replies to connect/announce requests exactly like a BEP 15
// server, so Client can be exercised without a real socket.
func newFakeTracker(t *testing.T, net *memory.UDPNetwork, host string, port int) *memory.UDPSocket {
	t.Helper()
	sock := net.NewSocket(host, port)
	sock.OnMessage(func(addr string, p int, b []byte) {
		action := binary.BigEndian.Uint32(b[8:12])
		tid := b[12:16]
		switch action {
		case actionConnect:
			resp := make([]byte, 16)
			binary.BigEndian.PutUint32(resp[0:4], actionConnect)
			copy(resp[4:8], tid)
			binary.BigEndian.PutUint64(resp[8:16], 0xdeadbeefcafebabe)
			_ = sock.Send(addr, p, resp)
		case actionAnnounce:
			resp := make([]byte, 20)
			binary.BigEndian.PutUint32(resp[0:4], actionAnnounce)
			copy(resp[4:8], tid)
			binary.BigEndian.PutUint32(resp[8:12], 1800)  // interval
			binary.BigEndian.PutUint32(resp[12:16], 2)    // leechers
			binary.BigEndian.PutUint32(resp[16:20], 5)    // seeders
			resp = append(resp, 127, 0, 0, 1, 0x1a, 0xe1) // one compact peer
			_ = sock.Send(addr, p, resp)
		}
	})
	return sock
}

func TestClientAnnounceRoundTrip(t *testing.T) {
	net := memory.NewUDPNetwork()
	newFakeTracker(t, net, "tracker.example.com", 6969)
	clientSock := net.NewSocket("10.0.0.1", 6881)

	clk := memory.NewClock(0)
	rnd := &memory.Random{}
	c := New(clientSock, "tracker.example.com", 6969, clk, rnd)
	clientSock.OnMessage(func(addr string, port int, b []byte) { c.HandleMessage(b) })

	var infoHash core.InfoHash
	copy(infoHash[:], []byte("12345678901234567890"))
	peerID, err := core.NewPeerIDFromBytes([]byte("AAAAAAAAAAAAAAAAAAAA"))
	require.NoError(t, err)

	var got *Result
	var gotErr error
	c.Announce(infoHash, peerID, 6881, 0, 100, 900, EventStarted, func(r *Result, err error) {
		got, gotErr = r, err
	})

	require.NoError(t, gotErr)
	require.NotNil(t, got)
	require.Equal(t, int32(5), got.Seeders)
	require.Equal(t, int32(2), got.Leechers)
	require.Len(t, got.Peers, 1)
	require.Equal(t, "127.0.0.1", got.Peers[0].IP)
	require.Equal(t, 6881, got.Peers[0].Port)
}

func TestClientAnnounceFailsWhenSendFails(t *testing.T) {
	net := memory.NewUDPNetwork()
	// no tracker registered at this address: sends vanish.
	clientSock := net.NewSocket("10.0.0.1", 6881)
	clk := memory.NewClock(0)
	rnd := &memory.Random{}
	c := New(clientSock, "nowhere.example.com", 6969, clk, rnd)

	var infoHash core.InfoHash
	copy(infoHash[:], []byte("12345678901234567890"))
	peerID, _ := core.NewPeerIDFromBytes([]byte("AAAAAAAAAAAAAAAAAAAA"))

	var gotErr error
	done := false
	c.Announce(infoHash, peerID, 6881, 0, 100, 900, EventStarted, func(r *Result, err error) {
		gotErr = err
		done = true
	})
	// The first send itself fails synchronously since no socket is
	// registered at the target address.
	require.True(t, done)
	require.Error(t, gotErr)
}
