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
	"sort"
	"sync"
	"time"
)

// K is the maximum occupancy of a single bucket.
const K = 8

// MaxConsecutiveFailures is how many ping failures in a row evict a node
// from the routing table (spec.md §4.5 "tunable, default 2").
const MaxConsecutiveFailures = 2

// bucket holds up to K nodes ordered oldest (index 0) to most-recently-seen.
type bucket struct {
	nodes       []Node
	lastChanged time.Time
}

// RoutingTable is the local node's view of the DHT: a binary trie of
// K-buckets over the 160-bit id space, represented as a depth-ordered list
// where buckets[i] (i < len-1) holds nodes whose id diverges from localID
// at bit i, and buckets[len-1] (the "current" bucket) holds nodes that
// still share every bit with localID seen so far and can keep splitting.
type RoutingTable struct {
	mu      sync.Mutex
	localID ID
	buckets []*bucket
}

// NewRoutingTable creates a RoutingTable seeded with a single empty bucket
// spanning the whole id space.
func NewRoutingTable(localID ID) *RoutingTable {
	return &RoutingTable{
		localID: localID,
		buckets: []*bucket{{}},
	}
}

func (rt *RoutingTable) bucketIndex(id ID) int {
	for i := 0; i < len(rt.buckets)-1; i++ {
		if id.bit(i) != rt.localID.bit(i) {
			return i
		}
	}
	return len(rt.buckets) - 1
}

// AddResult reports what Add did, so the caller can act on a ping request.
type AddResult struct {
	Added   bool
	Updated bool
	// PingCandidate is set when a full, non-splittable bucket rejected the
	// new node; the caller should ping this node and call ReportPingResult.
	PingCandidate *Node
}

// Add records a sighting of node (e.g. from any KRPC message), at time now.
func (rt *RoutingTable) Add(node Node, now time.Time) AddResult {
	if node.ID == rt.localID {
		return AddResult{}
	}

	rt.mu.Lock()
	defer rt.mu.Unlock()

	idx := rt.bucketIndex(node.ID)
	b := rt.buckets[idx]

	for i, n := range b.nodes {
		if n.ID == node.ID {
			n.Host, n.Port = node.Host, node.Port
			n.LastSeen = now
			n.ConsecutiveFailures = 0
			b.nodes = append(append(b.nodes[:i], b.nodes[i+1:]...), n)
			b.lastChanged = now
			return AddResult{Updated: true}
		}
	}

	node.LastSeen = now
	if len(b.nodes) < K {
		b.nodes = append(b.nodes, node)
		b.lastChanged = now
		return AddResult{Added: true}
	}

	if idx == len(rt.buckets)-1 {
		rt.splitLast()
		return rt.addLocked(node, now)
	}

	lru := b.nodes[0]
	return AddResult{PingCandidate: &lru}
}

func (rt *RoutingTable) addLocked(node Node, now time.Time) AddResult {
	idx := rt.bucketIndex(node.ID)
	b := rt.buckets[idx]
	if len(b.nodes) < K {
		b.nodes = append(b.nodes, node)
		b.lastChanged = now
		return AddResult{Added: true}
	}
	if idx == len(rt.buckets)-1 {
		rt.splitLast()
		return rt.addLocked(node, now)
	}
	lru := b.nodes[0]
	return AddResult{PingCandidate: &lru}
}

// splitLast splits the trailing (localID-covering) bucket in two at the
// next bit of depth, per spec.md §4.5 "on full bucket that covers our id,
// splits into two halves at midpoint and re-distributes". Must be called
// with rt.mu held.
func (rt *RoutingTable) splitLast() {
	depth := len(rt.buckets) - 1
	old := rt.buckets[depth]
	localBit := rt.localID.bit(depth)

	diverging := &bucket{lastChanged: old.lastChanged}
	continuing := &bucket{lastChanged: old.lastChanged}
	for _, n := range old.nodes {
		if n.ID.bit(depth) == localBit {
			continuing.nodes = append(continuing.nodes, n)
		} else {
			diverging.nodes = append(diverging.nodes, n)
		}
	}
	rt.buckets[depth] = diverging
	rt.buckets = append(rt.buckets, continuing)
}

// ReportPingResult records the outcome of pinging a PingCandidate returned
// by Add: on success the node is refreshed and moved to the tail; on
// failure its ConsecutiveFailures increments, evicting it (and admitting
// replacement, if one is pending) once it reaches MaxConsecutiveFailures.
func (rt *RoutingTable) ReportPingResult(id ID, ok bool, now time.Time, replacement *Node) {
	rt.mu.Lock()
	defer rt.mu.Unlock()

	idx := rt.bucketIndex(id)
	b := rt.buckets[idx]
	for i, n := range b.nodes {
		if n.ID != id {
			continue
		}
		if ok {
			n.LastSeen = now
			n.ConsecutiveFailures = 0
			b.nodes[i] = n
			return
		}
		n.ConsecutiveFailures++
		if n.ConsecutiveFailures >= MaxConsecutiveFailures {
			b.nodes = append(b.nodes[:i], b.nodes[i+1:]...)
			if replacement != nil && len(b.nodes) < K {
				replacement.LastSeen = now
				b.nodes = append(b.nodes, *replacement)
			}
			b.lastChanged = now
			return
		}
		b.nodes[i] = n
		return
	}
}

// Remove evicts id from the routing table immediately, regardless of
// failure count (used when a query returns a hard protocol error).
func (rt *RoutingTable) Remove(id ID) {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	idx := rt.bucketIndex(id)
	b := rt.buckets[idx]
	for i, n := range b.nodes {
		if n.ID == id {
			b.nodes = append(b.nodes[:i], b.nodes[i+1:]...)
			return
		}
	}
}

// Closest returns up to n nodes sorted by ascending XOR distance to target.
func (rt *RoutingTable) Closest(target ID, n int) []Node {
	rt.mu.Lock()
	var all []Node
	for _, b := range rt.buckets {
		all = append(all, b.nodes...)
	}
	rt.mu.Unlock()

	sort.Slice(all, func(i, j int) bool {
		return all[i].ID.Distance(target).Less(all[j].ID.Distance(target))
	})
	if len(all) > n {
		all = all[:n]
	}
	return all
}

// Count returns the total number of nodes across all buckets.
func (rt *RoutingTable) Count() int {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	var n int
	for _, b := range rt.buckets {
		n += len(b.nodes)
	}
	return n
}

// StaleBuckets returns the index of each bucket whose lastChanged is older
// than maxAge; callers pick a random id within each (RandomIDInBucket) for
// refresh find_node queries (spec.md §4.5 maintenance (a)).
func (rt *RoutingTable) StaleBuckets(maxAge time.Duration, now time.Time) []int {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	var stale []int
	for i, b := range rt.buckets {
		if now.Sub(b.lastChanged) > maxAge {
			stale = append(stale, i)
		}
	}
	return stale
}

// RandomIDInBucket returns a random id that would fall into bucket index i,
// for refreshing that bucket with find_node.
func (rt *RoutingTable) RandomIDInBucket(i int, fill func([]byte)) ID {
	rt.mu.Lock()
	defer rt.mu.Unlock()

	var id ID
	fill(id[:])
	// Bucket i shares bits [0, i) with localID; if i is not the trailing
	// (still-splittable) bucket, bit i itself must differ from localID.
	for bit := 0; bit < i; bit++ {
		setBit(&id, bit, rt.localID.bit(bit))
	}
	if i < len(rt.buckets)-1 {
		setBit(&id, i, 1-rt.localID.bit(i))
	}
	return id
}

func setBit(id *ID, i, v int) {
	byteIdx := i / 8
	bitIdx := 7 - (i % 8)
	if v == 1 {
		id[byteIdx] |= 1 << uint(bitIdx)
	} else {
		id[byteIdx] &^= 1 << uint(bitIdx)
	}
}

// AllNodes returns every node currently in the table, for persistence
// (spec.md §4.5 "serializes {nodeId, [{id,host,port}]}").
func (rt *RoutingTable) AllNodes() []Node {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	var all []Node
	for _, b := range rt.buckets {
		all = append(all, b.nodes...)
	}
	return all
}
