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
package engine

import (
	"net"

	"github.com/btengine/engine/core"
	"github.com/btengine/engine/dht"
	"github.com/btengine/engine/peerconn"
)

// Torrent implements peerconn.Events: every Conn belonging to this torrent
// shares the same callback set, dispatched by remote addr/peer id lookup.

func (t *Torrent) OnReady(c *peerconn.Conn) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.addrByPeer[c.RemotePeerID()] = c.RemoteAddr()
	t.swarm.OnConnected(c.RemoteAddr())
	if t.pieceMgr != nil {
		c.SendBitfield(t.pieceMgr.Have())
	}
	c.SendUnchoke()
	c.SendInterested()
}

func (t *Torrent) OnChoke(c *peerconn.Conn) {}

func (t *Torrent) OnUnchoke(c *peerconn.Conn) {}

func (t *Torrent) OnInterested(c *peerconn.Conn) {
	c.SendUnchoke()
}

func (t *Torrent) OnNotInterested(c *peerconn.Conn) {}

func (t *Torrent) OnHave(c *peerconn.Conn, piece int) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.pieceMgr != nil {
		t.pieceMgr.OnPeerHave(c.RemotePeerID(), piece)
	}
}

func (t *Torrent) OnBitfield(c *peerconn.Conn, bf *core.BitField) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.pieceMgr != nil {
		t.pieceMgr.OnPeerBitfield(c.RemotePeerID(), bf)
	}
}

// OnRequest serves an upload by reading the requested block off disk
// through the storage root's filesystem and sending it back immediately;
// spec.md §4.1 batches writes but not upload reads, since a choked-off
// upload has no correctness requirement to wait for tick boundaries.
func (t *Torrent) OnRequest(c *peerconn.Conn, piece int, begin, length int64) {
	if !t.eng.bwLimiter.TryReserveEgress(length) {
		// No egress budget this tick; the peer's REQUEST is simply dropped,
		// the same as if we'd been too slow to answer it. A well-behaved
		// peer re-REQUESTs on timeout.
		return
	}
	t.mu.Lock()
	fs, err := t.eng.rootManager.Resolve(t.rootKey)
	t.mu.Unlock()
	if err != nil {
		return
	}
	block, err := t.readBlock(fs, piece, begin, length)
	if err != nil {
		t.eng.emitError(wrapErr(KindDiskIOError, t.infoHash.Hex(), err, "read block for upload"))
		return
	}
	_ = c.SendPiece(piece, begin, block)
}

func (t *Torrent) OnPiece(c *peerconn.Conn, piece int, begin int64, block []byte) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.pieceMgr == nil {
		return
	}
	t.downloaded += int64(len(block))
	res := t.pieceMgr.OnBlock(c.RemotePeerID(), piece, begin, block)
	for _, peerID := range res.Cancels {
		if pc, ok := t.connByPeerID(peerID); ok {
			_ = pc.SendCancel(piece, begin, int64(len(block)))
		}
	}
	if res.PieceCompleted {
		t.eng.emitPieceComplete(t.infoHash.Hex(), piece)
		for _, pc := range t.conns {
			_ = pc.SendHave(piece)
		}
		if t.pieceMgr.Complete() && !t.complete {
			t.complete = true
			now := t.eng.clk.Now()
			t.completedAt = &now
			t.eng.emitTorrentComplete(t.infoHash.Hex())
		}
	}
}

func (t *Torrent) OnCancel(c *peerconn.Conn, piece int, begin, length int64) {}

func (t *Torrent) OnPort(c *peerconn.Conn, port uint16) {
	if t.eng.dhtServer == nil {
		return
	}
	host, _, err := net.SplitHostPort(c.RemoteAddr())
	if err != nil {
		return
	}
	t.eng.dhtServer.Ping(host, int(port), func(dht.Node, error) {})
}

func (t *Torrent) OnClose(c *peerconn.Conn, reason peerconn.CloseReason) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.conns, c.RemoteAddr())
	delete(t.addrByPeer, c.RemotePeerID())
	quick := reason == peerconn.CloseIdleTimeout || reason == peerconn.CloseHandshakeFailure
	t.swarm.OnDisconnected(c.RemoteAddr(), quick)
	if t.pieceMgr != nil {
		t.pieceMgr.OnPeerGone(c.RemotePeerID(), c.PeerBitfield())
	}
}
