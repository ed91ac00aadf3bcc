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

	"github.com/stretchr/testify/require"
)

func TestIDDistanceAndLess(t *testing.T) {
	require := require.New(t)

	a := idWithLastByte(1)
	b := idWithLastByte(3)
	require.True(a.Distance(b).Less(idWithLastByte(4)))
	require.True(a.Less(b))
	require.False(b.Less(a))
}

func TestCompactNodeRoundTrip(t *testing.T) {
	require := require.New(t)

	n := Node{ID: idWithLastByte(42), Host: "192.168.1.5", Port: 6881}
	enc, err := EncodeCompactNode(n)
	require.NoError(err)
	require.Len(enc, CompactNodeLen)

	decoded, err := DecodeCompactNodes(enc)
	require.NoError(err)
	require.Len(decoded, 1)
	require.Equal(n.ID, decoded[0].ID)
	require.Equal(n.Host, decoded[0].Host)
	require.Equal(n.Port, decoded[0].Port)
}

func TestCompactPeerRoundTrip(t *testing.T) {
	require := require.New(t)

	enc, err := EncodeCompactPeer("10.1.2.3", 51413)
	require.NoError(err)
	require.Len(enc, CompactPeerLen)

	host, port, err := DecodeCompactPeer(enc)
	require.NoError(err)
	require.Equal("10.1.2.3", host)
	require.Equal(51413, port)
}

func TestDecodeCompactNodesRejectsBadLength(t *testing.T) {
	require := require.New(t)
	_, err := DecodeCompactNodes(make([]byte, CompactNodeLen+1))
	require.Error(err)
}
