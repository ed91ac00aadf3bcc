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
	"time"
)

// StoredPeer is one announced peer for an infohash.
type StoredPeer struct {
	Host    string
	Port    int
	AddedAt time.Time
}

// PeerStore holds infohash -> announced peers learned via announce_peer,
// per spec.md §3 "PeerStore (DHT)": capped per-infohash (default 100),
// capped overall by infohash count (default 10000), each entry expiring
// after a fixed TTL (default 30 min). Oldest infohash (by first insertion)
// is evicted when the overall cap is exceeded.
type PeerStore struct {
	mu sync.Mutex

	maxPerInfoHash int
	maxInfoHashes  int
	ttl            time.Duration

	peers    map[ID][]StoredPeer
	order    []ID // insertion order of infohashes, oldest first
	inserted map[ID]bool
}

// NewPeerStore creates a PeerStore with the given caps and TTL.
func NewPeerStore(maxPerInfoHash, maxInfoHashes int, ttl time.Duration) *PeerStore {
	return &PeerStore{
		maxPerInfoHash: maxPerInfoHash,
		maxInfoHashes:  maxInfoHashes,
		ttl:            ttl,
		peers:          make(map[ID][]StoredPeer),
		inserted:       make(map[ID]bool),
	}
}

// Announce records that host:port announced itself for infoHash at now.
func (ps *PeerStore) Announce(infoHash ID, host string, port int, now time.Time) {
	ps.mu.Lock()
	defer ps.mu.Unlock()

	if !ps.inserted[infoHash] {
		if len(ps.order) >= ps.maxInfoHashes {
			oldest := ps.order[0]
			ps.order = ps.order[1:]
			delete(ps.peers, oldest)
			delete(ps.inserted, oldest)
		}
		ps.order = append(ps.order, infoHash)
		ps.inserted[infoHash] = true
	}

	list := ps.peers[infoHash]
	for i, p := range list {
		if p.Host == host && p.Port == port {
			list[i].AddedAt = now
			ps.peers[infoHash] = list
			return
		}
	}
	if len(list) >= ps.maxPerInfoHash {
		list = list[1:]
	}
	list = append(list, StoredPeer{Host: host, Port: port, AddedAt: now})
	ps.peers[infoHash] = list
}

// Get returns the non-expired peers stored for infoHash at now.
func (ps *PeerStore) Get(infoHash ID, now time.Time) []StoredPeer {
	ps.mu.Lock()
	defer ps.mu.Unlock()
	var out []StoredPeer
	for _, p := range ps.peers[infoHash] {
		if now.Sub(p.AddedAt) <= ps.ttl {
			out = append(out, p)
		}
	}
	return out
}

// Cleanup drops every peer entry older than the TTL, across all infohashes
// (spec.md §4.5 maintenance (c)).
func (ps *PeerStore) Cleanup(now time.Time) {
	ps.mu.Lock()
	defer ps.mu.Unlock()
	for h, list := range ps.peers {
		var kept []StoredPeer
		for _, p := range list {
			if now.Sub(p.AddedAt) <= ps.ttl {
				kept = append(kept, p)
			}
		}
		if len(kept) == 0 {
			delete(ps.peers, h)
		} else {
			ps.peers[h] = kept
		}
	}
}
