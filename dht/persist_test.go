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

func TestSaveAndRestoreRoutingTable(t *testing.T) {
	require := require.New(t)

	net := memory.NewUDPNetwork()
	sock := net.NewSocket("127.0.0.1", 9000)
	clk := memory.NewClock(0)
	rnd := &memory.Random{}
	srv := NewServer(Config{}, idWithLastByte(255), sock, clk, rnd, nil, nil)

	for i := 0; i < 5; i++ {
		srv.RoutingTable().Add(nodeWithID(idWithLastByte(byte(i+1)), 7000+i), time.Unix(0, 0))
	}
	require.Equal(5, srv.RoutingTable().Count())

	store := memory.NewSessionStore()
	require.NoError(srv.SaveRoutingTable(store))

	sock2 := net.NewSocket("127.0.0.1", 9001)
	restored := NewServer(Config{}, idWithLastByte(254), sock2, clk, rnd, nil, nil)
	require.Equal(0, restored.RoutingTable().Count())
	require.NoError(restored.RestoreRoutingTable(store))
	require.Equal(5, restored.RoutingTable().Count())
}

func TestRestoreRoutingTableWithNoSavedStateIsNotAnError(t *testing.T) {
	require := require.New(t)

	net := memory.NewUDPNetwork()
	sock := net.NewSocket("127.0.0.1", 9002)
	clk := memory.NewClock(0)
	rnd := &memory.Random{}
	srv := NewServer(Config{}, idWithLastByte(253), sock, clk, rnd, nil, nil)

	require.NoError(srv.RestoreRoutingTable(memory.NewSessionStore()))
	require.Equal(0, srv.RoutingTable().Count())
}
