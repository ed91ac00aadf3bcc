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
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestPeerStoreAnnounceAndGet(t *testing.T) {
	require := require.New(t)

	ps := NewPeerStore(100, 1000, time.Minute)
	ih := idWithLastByte(1)
	now := time.Unix(0, 0)

	ps.Announce(ih, "10.0.0.1", 6000, now)
	ps.Announce(ih, "10.0.0.2", 6001, now)

	peers := ps.Get(ih, now)
	require.Len(peers, 2)
}

func TestPeerStoreAnnounceDedupsByHostPort(t *testing.T) {
	require := require.New(t)

	ps := NewPeerStore(100, 1000, time.Minute)
	ih := idWithLastByte(1)
	now := time.Unix(0, 0)

	ps.Announce(ih, "10.0.0.1", 6000, now)
	ps.Announce(ih, "10.0.0.1", 6000, now.Add(30*time.Second))

	peers := ps.Get(ih, now.Add(30*time.Second))
	require.Len(peers, 1)
	require.Equal(now.Add(30*time.Second), peers[0].AddedAt)
}

func TestPeerStoreEvictsOldestPeerAtPerInfoHashCap(t *testing.T) {
	require := require.New(t)

	ps := NewPeerStore(2, 1000, time.Hour)
	ih := idWithLastByte(1)
	now := time.Unix(0, 0)

	ps.Announce(ih, "10.0.0.1", 1, now)
	ps.Announce(ih, "10.0.0.2", 2, now)
	ps.Announce(ih, "10.0.0.3", 3, now)

	peers := ps.Get(ih, now)
	require.Len(peers, 2)
	for _, p := range peers {
		require.NotEqual(1, p.Port, "oldest peer should have been evicted at the per-infohash cap")
	}
}

func TestPeerStoreEvictsOldestInfoHashAtOverallCap(t *testing.T) {
	require := require.New(t)

	ps := NewPeerStore(100, 2, time.Hour)
	now := time.Unix(0, 0)

	ih1 := idWithLastByte(1)
	ih2 := idWithLastByte(2)
	ih3 := idWithLastByte(3)

	ps.Announce(ih1, "10.0.0.1", 1, now)
	ps.Announce(ih2, "10.0.0.1", 1, now)
	ps.Announce(ih3, "10.0.0.1", 1, now)

	require.Empty(ps.Get(ih1, now), "oldest infohash should have been evicted at the overall cap")
	require.NotEmpty(ps.Get(ih2, now))
	require.NotEmpty(ps.Get(ih3, now))
}

func TestPeerStoreTTLExpiry(t *testing.T) {
	require := require.New(t)

	ps := NewPeerStore(100, 1000, time.Minute)
	ih := idWithLastByte(1)
	now := time.Unix(0, 0)

	ps.Announce(ih, "10.0.0.1", 1, now)
	require.Len(ps.Get(ih, now.Add(30*time.Second)), 1)
	require.Empty(ps.Get(ih, now.Add(2*time.Minute)))
}

func TestPeerStoreCleanupDropsExpiredEntries(t *testing.T) {
	require := require.New(t)

	ps := NewPeerStore(100, 1000, time.Minute)
	now := time.Unix(0, 0)

	for i := 0; i < 3; i++ {
		ps.Announce(idWithLastByte(byte(i+1)), fmt.Sprintf("10.0.0.%d", i+1), 1, now)
	}
	ps.Cleanup(now.Add(2 * time.Minute))

	for i := 0; i < 3; i++ {
		require.Empty(ps.Get(idWithLastByte(byte(i+1)), now.Add(2*time.Minute)))
	}
}
