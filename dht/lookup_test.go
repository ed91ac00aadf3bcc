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
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/btengine/engine/capability/memory"
)

// scriptedNode answers get_peers queries from a fixed script, and counts
// how many times it was queried so the test can assert no node is queried
// twice during one lookup.
type scriptedNode struct {
	id    ID
	sock  *memory.UDPSocket
	token []byte
	nodes []byte // pre-encoded compact "nodes" field, or nil
	peer  *StoredPeer

	mu      sync.Mutex
	queried int
}

func newScriptedNode(net *memory.UDPNetwork, id ID, port int, token []byte) *scriptedNode {
	n := &scriptedNode{id: id, token: token}
	n.sock = net.NewSocket("127.0.0.1", port)
	n.sock.OnMessage(n.handle)
	return n
}

func (n *scriptedNode) handle(addr string, port int, b []byte) {
	msg, err := decodeMessage(b)
	if err != nil || msg.Y != "q" || msg.Q != "get_peers" {
		return
	}
	n.mu.Lock()
	n.queried++
	n.mu.Unlock()

	r := idArg(n.id)
	r["token"] = string(n.token)
	if n.peer != nil {
		enc, _ := EncodeCompactPeer(n.peer.Host, n.peer.Port)
		r["values"] = []interface{}{string(enc)}
	} else if len(n.nodes) > 0 {
		r["nodes"] = string(n.nodes)
	}
	out := newResponse(msg.T, r)
	eb, err := encodeMessage(out)
	if err != nil {
		return
	}
	_ = n.sock.Send(addr, port, eb)
}

func idWithLastByte(b byte) ID {
	var id ID
	id[len(id)-1] = b
	return id
}

func farID(b byte) ID {
	var id ID
	for i := range id {
		id[i] = 0xFF
	}
	id[len(id)-1] = b
	return id
}

// TestLookupConvergesOnKClosestNodes exercises the iterative get_peers
// lookup of spec.md §4.5 against a scripted two-hop network: three distant
// bootstrap contacts each point at the same eight nodes that are actually
// closest to the target, and those eight terminate the lookup. With
// Alpha=3 and K=8, the lookup must end with exactly the eight inner nodes
// as Responded, a token collected from every contacted node, and no node
// queried more than once.
func TestLookupConvergesOnKClosestNodes(t *testing.T) {
	require := require.New(t)

	net := memory.NewUDPNetwork()
	target := idWithLastByte(1)

	var innerIDs []ID
	var innerBuf []byte
	var innerNodes []*scriptedNode
	for i := 0; i < K; i++ {
		id := idWithLastByte(byte(2 + i))
		innerIDs = append(innerIDs, id)
		n := newScriptedNode(net, id, 7001+i, []byte{byte('i'), byte(i)})
		n.peer = &StoredPeer{Host: "10.0.0.1", Port: 1000 + i}
		innerNodes = append(innerNodes, n)
		enc, err := EncodeCompactNode(Node{ID: id, Host: "127.0.0.1", Port: 7001 + i})
		require.NoError(err)
		innerBuf = append(innerBuf, enc...)
	}

	var outerNodes []*scriptedNode
	for i := 0; i < 3; i++ {
		id := farID(byte(0xFD + i))
		n := newScriptedNode(net, id, 6001+i, []byte{byte('o'), byte(i)})
		n.nodes = innerBuf
		outerNodes = append(outerNodes, n)
	}

	localSock := net.NewSocket("127.0.0.1", 6000)
	clk := memory.NewClock(0)
	rnd := &memory.Random{}
	localID := idWithLastByte(255)
	srv := NewServer(Config{Alpha: 3}, localID, localSock, clk, rnd, nil, nil)

	for i, n := range outerNodes {
		srv.RoutingTable().Add(Node{ID: n.id, Host: "127.0.0.1", Port: 6001 + i}, clk.Now())
	}

	var result LookupResult
	done := false
	srv.StartGetPeersLookup(target, func(r LookupResult) {
		result = r
		done = true
	})

	require.True(done, "lookup must resolve synchronously when every query answers immediately")
	require.Len(result.Responded, K)
	for _, n := range result.Responded {
		require.Contains(innerIDs, n.ID, "responded set must be the true K closest nodes, not the distant bootstrap nodes")
	}
	require.Len(result.Peers, K)
	require.NotEmpty(result.Tokens)
	require.Len(result.Tokens, len(outerNodes)+len(innerNodes))

	for _, n := range outerNodes {
		n.mu.Lock()
		require.Equal(1, n.queried, "bootstrap node queried more than once")
		n.mu.Unlock()
	}
	for _, n := range innerNodes {
		n.mu.Lock()
		require.Equal(1, n.queried, "inner node queried more than once")
		n.mu.Unlock()
	}
}

// TestBootstrapPopulatesRoutingTable checks that Bootstrap follows
// find_node replies from the configured well-known hosts and adds
// discovered nodes to the routing table, stopping once candidates are
// exhausted.
func TestBootstrapPopulatesRoutingTable(t *testing.T) {
	require := require.New(t)

	net := memory.NewUDPNetwork()
	remoteID := idWithLastByte(7)
	remoteSock := net.NewSocket("127.0.0.1", 8001)
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

	localSock := net.NewSocket("127.0.0.1", 8000)
	clk := memory.NewClock(0)
	rnd := &memory.Random{}
	cfg := Config{Alpha: 3, BootstrapNodes: []string{"127.0.0.1:8001"}}
	srv := NewServer(cfg, idWithLastByte(255), localSock, clk, rnd, nil, nil)

	var stats BootstrapStats
	done := false
	srv.Bootstrap(func(s BootstrapStats) {
		stats = s
		done = true
	})

	require.True(done)
	require.Equal(1, stats.NodesQueried)
	require.Equal(1, srv.RoutingTable().Count())
}

func TestTokenValidityWindow(t *testing.T) {
	require := require.New(t)

	start := time.Unix(0, 0)
	rnd := &memory.Random{}
	ts := NewTokenStore(5*time.Minute, start, rnd.Fill)

	addr := "127.0.0.1:6000"
	token := ts.Generate(addr)
	require.True(ts.Validate(addr, token))

	ts.MaybeRotate(start.Add(5*time.Minute), rnd.Fill)
	require.True(ts.Validate(addr, token), "token must still validate 5 min in, against the previous secret")

	ts.MaybeRotate(start.Add(9*time.Minute), rnd.Fill)
	require.True(ts.Validate(addr, token), "token must still validate at 9 min: still within the previous-secret window")

	ts.MaybeRotate(start.Add(11*time.Minute), rnd.Fill)
	require.False(ts.Validate(addr, token), "token must be rejected once both the secret and its predecessor have rotated past it")
}
