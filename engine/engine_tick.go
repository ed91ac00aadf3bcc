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
	"context"
	"time"

	"github.com/btengine/engine/capability"
	"github.com/btengine/engine/peerconn"
	"github.com/btengine/engine/swarm"
)

// runTick performs spec.md §4.1's ordered (a)-(f) steps. Both TickInternal
// (via the time.Ticker started in Start) and TickExternal (via the public
// Tick method) funnel into this one unexported entry point, so tests that
// drive a capability/memory.Clock through TickExternal exercise exactly
// the same code path production traffic does.
func (e *Engine) runTick(now time.Time) error {
	start := now

	// (a) Pending native/transport callbacks have already been applied as
	// they arrived: capability.ITCPSocket/IUDPSocket deliver data via
	// synchronous OnData/OnMessage callbacks rather than a queue this
	// engine polls, so there is nothing further to flush here. The step
	// exists to document tick ordering relative to (b)-(f).

	e.mu.Lock()
	torrents := make([]*Torrent, 0, len(e.torrents))
	for _, t := range e.torrents {
		torrents = append(torrents, t)
	}
	e.mu.Unlock()

	activePieces := 0
	connectedPeers := 0
	var totalDownloaded, totalUploaded int64

	for _, t := range torrents {
		e.tickTorrent(t, now)

		t.mu.Lock()
		totalDownloaded += t.downloaded
		totalUploaded += t.uploaded
		for _, c := range t.conns {
			if c.State() == peerconn.StateReady {
				connectedPeers++
			}
		}
		if t.pieceMgr != nil {
			activePieces += int(t.pieceMgr.Have().Count())
		}
		t.mu.Unlock()
	}

	// (c) advance DHT maintenance: staleness, bucket refresh, rebootstrap.
	if e.dhtServer != nil {
		e.dhtServer.Poll(now)
		e.dhtServer.Maintain(now)
	}

	// (d) flush the batched disk queue, checking its pending bytes for
	// backpressure first since Flush empties the queue.
	e.applyBackpressure()
	e.diskQueue.Flush(context.Background())

	// (e) flush the batched socket sender: no component in this engine
	// queues sends outside of peerconn.Conn's immediate per-message
	// capability.ITCPSocket.Send calls, so there is nothing to batch yet;
	// this hook exists for a future capability.BatchSender-backed socket.

	// (f) sample bandwidth buckets and publish tick/engine stats.
	e.sampleBandwidth(now, totalDownloaded, totalUploaded)
	e.stats.Gauge("active_pieces").Update(float64(activePieces))
	e.stats.Gauge("connected_peers").Update(float64(connectedPeers))
	e.stats.Timer("tick_duration").Record(e.clk.Now().Sub(start))

	e.maybeEmitStateUpdate(now, torrents)

	return nil
}

// applyBackpressure implements spec.md §5's "when the piece buffer memory
// exceeds a threshold ... incoming reads on peer sockets are paused until
// pending bytes drop below a low-water mark". The low-water mark is the
// same threshold as the high-water mark here: capability.Backpressurer
// only exposes a boolean, so hysteresis is the transport's
// concern if it wants one.
func (e *Engine) applyBackpressure() {
	bp, ok := e.factory.(capability.Backpressurer)
	if !ok {
		return
	}
	active := e.diskQueue.Backpressured()
	if active == e.backpressureActive {
		return
	}
	e.backpressureActive = active
	bp.SetBackpressure(active)
}

func (e *Engine) sampleBandwidth(now time.Time, downloaded, uploaded int64) {
	if e.lastBandwidthTime.IsZero() {
		e.lastBandwidthTime = now
		e.lastDownloaded = downloaded
		e.lastUploaded = uploaded
		return
	}
	elapsed := now.Sub(e.lastBandwidthTime).Seconds()
	if elapsed <= 0 {
		return
	}
	e.stats.Gauge("download_bytes_per_sec").Update(float64(downloaded-e.lastDownloaded) / elapsed)
	e.stats.Gauge("upload_bytes_per_sec").Update(float64(uploaded-e.lastUploaded) / elapsed)
	e.lastBandwidthTime = now
	e.lastDownloaded = downloaded
	e.lastUploaded = uploaded
}

func (e *Engine) maybeEmitStateUpdate(now time.Time, torrents []*Torrent) {
	if now.Sub(e.lastStateUpdate) < stateUpdateInterval {
		return
	}
	e.lastStateUpdate = now
	snaps := make([]TorrentSnapshot, 0, len(torrents))
	for _, t := range torrents {
		snaps = append(snaps, t.snapshot())
	}
	e.emit.emit(Event{Type: EventStateUpdate, At: now, Snapshot: snaps})
}

// tickTorrent performs step (b) for one torrent: drain receive buffers,
// check timeouts, advance piece scheduling, run the tracker's announce
// timers, and top up its connection count from the swarm.
func (e *Engine) tickTorrent(t *Torrent, now time.Time) {
	t.mu.Lock()
	for _, c := range t.conns {
		c.Drain()
		c.CheckTimeouts(now)
	}
	t.mu.Unlock()

	e.advanceRequests(t)

	if t.trackerMgr != nil {
		t.mu.Lock()
		downloaded, uploaded, complete := t.downloaded, t.uploaded, t.complete
		left := t.remaining()
		t.mu.Unlock()

		discovered := t.trackerMgr.Tick(now, downloaded, uploaded, left, complete)
		for _, p := range discovered {
			t.swarm.AddCandidate(peerAddr(p), swarm.SourceTracker)
		}
	}

	e.dialCandidates(t)
}

// advanceRequests asks the piece manager for more blocks to request on
// every unchoked, ready connection (spec.md §4.1 step (b) "advance piece
// scheduling, emit REQUEST/PIECE frames").
func (e *Engine) advanceRequests(t *Torrent) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.pieceMgr == nil {
		return
	}
	for _, c := range t.conns {
		if c.State() != peerconn.StateReady || c.PeerChoking() {
			continue
		}
		bf := c.PeerBitfield()
		if bf == nil {
			continue
		}
		target := e.config.PeerConn.Window(c.DownloadRate())
		window := target - c.OutstandingRequests()
		if window <= 0 {
			continue
		}
		reqs := t.pieceMgr.NextRequests(c.RemotePeerID(), func(piece int) bool { return bf.Get(uint(piece)) }, window)
		for _, r := range reqs {
			_ = c.SendRequest(r.Piece, r.Begin, r.Length)
		}
	}
}

// dialCandidates opens outgoing connections up to the swarm's target, used
// to keep TargetPeersPerTorrent satisfied (spec.md §4.3), without taking the
// engine-wide connected count past Config.GlobalConnectionLimit.
func (e *Engine) dialCandidates(t *Torrent) {
	budget := t.swarm.Target() - t.swarm.Connected()
	e.mu.Lock()
	global := 0
	for _, other := range e.torrents {
		global += other.swarm.Connected()
	}
	e.mu.Unlock()
	if rest := e.config.GlobalConnectionLimit - global; rest < budget {
		budget = rest
	}
	if budget <= 0 {
		return
	}
	for _, addr := range t.swarm.NextCandidates(budget) {
		host, port, err := splitHostPort(addr)
		if err != nil {
			continue
		}
		t.swarm.OnConnecting(addr)
		conn, err := peerconn.ConnectOutgoing(context.Background(), e.factory, host, port, e.localPeerID, t.infoHash, e.config.PeerConn, e.clk, e.stats, e.logger, t)
		if err != nil {
			t.swarm.OnDisconnected(addr, false)
			continue
		}
		t.mu.Lock()
		t.conns[addr] = conn
		t.mu.Unlock()
	}
}
