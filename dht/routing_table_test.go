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
)

func nodeWithID(id ID, port int) Node {
	return Node{ID: id, Host: "127.0.0.1", Port: port}
}

func TestRoutingTableAddFillsBucketThenSplits(t *testing.T) {
	require := require.New(t)

	var local ID // all-zero local id
	rt := NewRoutingTable(local)
	now := time.Unix(0, 0)

	// K nodes all diverging from local at bit 0 (MSB set) share one bucket
	// without needing a split.
	for i := 0; i < K; i++ {
		id := idWithLastByte(byte(i + 1))
		id[0] = 0x80 // diverge at bit 0
		res := rt.Add(nodeWithID(id, 7000+i), now)
		require.True(res.Added)
	}
	require.Equal(K, rt.Count())

	// A node sharing bit 0 with local (both 0) lands in the still-splittable
	// trailing bucket, which has room, so it's added without eviction.
	deep := idWithLastByte(200)
	res := rt.Add(nodeWithID(deep, 7100), now)
	require.True(res.Added)
	require.Nil(res.PingCandidate)
}

func TestRoutingTableSplitsFullTrailingBucket(t *testing.T) {
	require := require.New(t)

	var local ID
	rt := NewRoutingTable(local)
	now := time.Unix(0, 0)

	// K+1 nodes that all share bit 0 with local (MSB clear) overflow the
	// single trailing bucket and force a split.
	for i := 0; i <= K; i++ {
		id := idWithLastByte(byte(i + 1))
		res := rt.Add(nodeWithID(id, 7000+i), now)
		require.True(res.Added, "node %d should be admitted via a split rather than rejected", i)
	}
	require.Equal(K+1, rt.Count())
}

// fillDivergingBucketToCapacity adds K nodes diverging from an all-zero
// local id at bit 0, then one node sharing bit 0, which forces the
// trailing bucket to split at depth 0: the K diverging nodes land in
// bucket 0, which is now full and no longer splittable (only the new
// trailing bucket, index 1, can still split).
func fillDivergingBucketToCapacity(t *testing.T, rt *RoutingTable, now time.Time) {
	t.Helper()
	for i := 0; i < K; i++ {
		id := idWithLastByte(byte(i + 1))
		id[0] = 0x80
		require.New(t).True(rt.Add(nodeWithID(id, 7000+i), now).Added)
	}
	seam := idWithLastByte(250)
	require.New(t).True(rt.Add(nodeWithID(seam, 7500), now).Added)
}

func TestRoutingTableFullNonSplittableBucketOffersPingCandidate(t *testing.T) {
	require := require.New(t)

	var local ID
	rt := NewRoutingTable(local)
	now := time.Unix(0, 0)
	fillDivergingBucketToCapacity(t, rt, now)

	extra := idWithLastByte(251)
	extra[0] = 0x80
	res := rt.Add(nodeWithID(extra, 7999), now)
	require.False(res.Added)
	require.NotNil(res.PingCandidate)
}

func TestRoutingTableReportPingResultEvictsAfterFailures(t *testing.T) {
	require := require.New(t)

	var local ID
	rt := NewRoutingTable(local)
	now := time.Unix(0, 0)
	fillDivergingBucketToCapacity(t, rt, now)

	lru := idWithLastByte(1)
	lru[0] = 0x80

	extra := idWithLastByte(251)
	extra[0] = 0x80
	replacement := nodeWithID(extra, 7999)

	before := rt.Count()
	rt.ReportPingResult(lru, false, now, &replacement)
	require.Equal(before, rt.Count(), "one failure below MaxConsecutiveFailures must not evict yet")

	rt.ReportPingResult(lru, false, now, &replacement)
	require.Equal(before, rt.Count(), "replacement should take the evicted slot, keeping bucket full")

	closest := rt.Closest(extra, 1)
	require.Equal(extra, closest[0].ID)
}

func TestRoutingTableClosestOrdersByXORDistance(t *testing.T) {
	require := require.New(t)

	var local ID
	rt := NewRoutingTable(local)
	now := time.Unix(0, 0)

	target := idWithLastByte(1)
	near := idWithLastByte(3)  // distance 2
	far := idWithLastByte(200) // distance much larger

	rt.Add(nodeWithID(far, 1), now)
	rt.Add(nodeWithID(near, 2), now)

	closest := rt.Closest(target, 2)
	require.Len(closest, 2)
	require.Equal(near, closest[0].ID)
	require.Equal(far, closest[1].ID)
}

func TestRandomIDInBucketSharesPrefixAndDivergesAtBoundary(t *testing.T) {
	require := require.New(t)

	var local ID
	rt := NewRoutingTable(local)
	now := time.Unix(0, 0)
	for i := 0; i <= K; i++ {
		id := idWithLastByte(byte(i + 1))
		rt.Add(nodeWithID(id, 7000+i), now)
	}

	counter := byte(0)
	fill := func(b []byte) {
		for i := range b {
			b[i] = counter
			counter++
		}
	}
	id := rt.RandomIDInBucket(0, fill)
	require.Equal(1, id.bit(0), "bucket 0 diverges from an all-zero local id at bit 0")
}

func TestStaleBucketsReportsAgedBuckets(t *testing.T) {
	require := require.New(t)

	var local ID
	rt := NewRoutingTable(local)
	t0 := time.Unix(0, 0)
	rt.Add(nodeWithID(idWithLastByte(9), 7000), t0)

	require.Empty(rt.StaleBuckets(time.Minute, t0.Add(30*time.Second)))
	require.NotEmpty(rt.StaleBuckets(time.Minute, t0.Add(2*time.Minute)))
}
