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
package dht

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/btengine/engine/capability/memory"
)

func TestMaintainRotatesTokensAndCleansUpPeerStore(t *testing.T) {
	require := require.New(t)

	net := memory.NewUDPNetwork()
	sock := net.NewSocket("127.0.0.1", 9100)
	clk := memory.NewClock(0)
	rnd := &memory.Random{}
	cfg := Config{TokenRotateInterval: 5 * time.Minute, PeerStoreTTL: time.Minute}
	srv := NewServer(cfg, idWithLastByte(255), sock, clk, rnd, nil, nil)

	addr := "10.0.0.9:6000"
	token := srv.tokens.Generate(addr)
	srv.peers.Announce(idWithLastByte(1), "10.0.0.9", 6000, clk.Now())

	clk.Advance(int64(6 * time.Minute))
	srv.Maintain(clk.Now())
	clk.Advance(int64(6 * time.Minute))
	srv.Maintain(clk.Now())

	require.False(srv.tokens.Validate(addr, token), "token issued before two rotation periods ago must now be rejected")
	require.Empty(srv.peers.Get(idWithLastByte(1), clk.Now()), "peer store entries past the TTL must be cleaned up")
}

func TestMaintainDetectsLongSleepAndForcesRebootstrap(t *testing.T) {
	require := require.New(t)

	net := memory.NewUDPNetwork()
	remoteID := idWithLastByte(7)
	remoteSock := net.NewSocket("127.0.0.1", 9201)
	remoteSock.OnMessage(func(addr string, port int, b []byte) {
		msg, err := decodeMessage(b)
		if err != nil || msg.Q != "find_node" {
			return
		}
		r := idArg(remoteID)
		out := newResponse(msg.T, r)
		eb, _ := encodeMessage(out)
		_ = remoteSock.Send(addr, port, eb)
	})

	localSock := net.NewSocket("127.0.0.1", 9200)
	clk := memory.NewClock(0)
	rnd := &memory.Random{}
	cfg := Config{
		Alpha:              3,
		WakeMargin:         2 * time.Second,
		ShortWakeThreshold: 15 * time.Minute,
		BootstrapNodes:     []string{"127.0.0.1:9201"},
	}
	srv := NewServer(cfg, idWithLastByte(255), localSock, clk, rnd, nil, nil)

	clk.AdvanceWallOnly(int64(20 * time.Minute))
	srv.Maintain(clk.Now())

	require.Equal(1, srv.RoutingTable().Count(), "a long sleep/wake gap should trigger a re-bootstrap that repopulates the table")
}
