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
package piecemgr

import (
	"sync"
	"time"

	"github.com/andres-erbsen/clock"

	"github.com/btengine/engine/core"
)

// blockKey identifies one in-flight block request.
type blockKey struct {
	piece int
	block int
}

// requestStatus mirrors piecerequest.Status, generalized from whole-piece to
// block-granular requests.
type requestStatus int

const (
	requestPending requestStatus = iota
	requestExpired
	requestDone
)

type requestEntry struct {
	peer   core.PeerID
	sentAt time.Time
	status requestStatus
}

// requestManager tracks in-flight block requests per peer, enforcing the
// pipeline depth (spec.md §4.2 "W = max(8, min(80, ...))") and the request
// timeout used to decide a request has silently failed. Adapted from
// lib/torrent/scheduler/dispatch/piecerequest.Manager, re-keyed from piece
// index to (piece, block) pairs.
type requestManager struct {
	mu      sync.Mutex
	clk     clock.Clock
	timeout time.Duration

	byBlock map[blockKey][]*requestEntry
	byPeer  map[core.PeerID]map[blockKey]*requestEntry
}

func newRequestManager(clk clock.Clock, timeout time.Duration) *requestManager {
	return &requestManager{
		clk:     clk,
		timeout: timeout,
		byBlock: make(map[blockKey][]*requestEntry),
		byPeer:  make(map[core.PeerID]map[blockKey]*requestEntry),
	}
}

func (m *requestManager) expired(e *requestEntry) bool {
	return m.clk.Now().After(e.sentAt.Add(m.timeout))
}

// outstanding returns how many non-expired pending requests peer currently
// has in flight.
func (m *requestManager) outstanding(peer core.PeerID) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, e := range m.byPeer[peer] {
		if e.status == requestPending && !m.expired(e) {
			n++
		}
	}
	return n
}

// add records a new request for (piece, block) sent to peer.
func (m *requestManager) add(piece, block int, peer core.PeerID) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e := &requestEntry{peer: peer, sentAt: m.clk.Now(), status: requestPending}
	key := blockKey{piece, block}
	m.byBlock[key] = append(m.byBlock[key], e)
	if m.byPeer[peer] == nil {
		m.byPeer[peer] = make(map[blockKey]*requestEntry)
	}
	m.byPeer[peer][key] = e
}

// hasPending reports whether (piece, block) has any non-expired request
// outstanding, from any peer.
func (m *requestManager) hasPending(piece, block int) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, e := range m.byBlock[blockKey{piece, block}] {
		if e.status == requestPending && !m.expired(e) {
			return true
		}
	}
	return false
}

// clearBlock removes all bookkeeping for (piece, block), called once it is
// received or the owning piece is reset.
func (m *requestManager) clearBlock(piece, block int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	key := blockKey{piece, block}
	for _, e := range m.byBlock[key] {
		if pm, ok := m.byPeer[e.peer]; ok {
			delete(pm, key)
		}
	}
	delete(m.byBlock, key)
}

// clearPiece removes all bookkeeping for every block of piece.
func (m *requestManager) clearPiece(piece int, numBlocks int) {
	for b := 0; b < numBlocks; b++ {
		m.clearBlock(piece, b)
	}
}

// clearPeer drops all bookkeeping for peer, called on disconnect so the
// manager re-assigns its outstanding blocks (spec.md §5 "cancellation on
// peer close silently drops outstanding requests").
func (m *requestManager) clearPeer(peer core.PeerID) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for key := range m.byPeer[peer] {
		entries := m.byBlock[key]
		for i, e := range entries {
			if e.peer == peer {
				entries[i] = entries[len(entries)-1]
				m.byBlock[key] = entries[:len(entries)-1]
				break
			}
		}
	}
	delete(m.byPeer, peer)
}

// peersFor returns the peers with a pending request for (piece, block),
// excluding excludePeer. Used to emit CANCEL to the losers of an endgame
// race.
func (m *requestManager) peersFor(piece, block int, excludePeer core.PeerID) []core.PeerID {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []core.PeerID
	for _, e := range m.byBlock[blockKey{piece, block}] {
		if e.peer != excludePeer {
			out = append(out, e.peer)
		}
	}
	return out
}
