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
	"sync"
	"time"

	andresclock "github.com/andres-erbsen/clock"
	"github.com/uber-go/tally"
	"go.uber.org/zap"

	"github.com/btengine/engine/capability"
	"github.com/btengine/engine/core"
	"github.com/btengine/engine/dht"
	"github.com/btengine/engine/diskqueue"
	"github.com/btengine/engine/peerconn"
	"github.com/btengine/engine/session"
	"github.com/btengine/engine/utils/bandwidth"
)

// stateUpdateInterval rate-limits state_update events (spec.md §6 "e.g.
// 500ms").
const stateUpdateInterval = 500 * time.Millisecond

// Engine is the tick-driven client of spec.md §4.1: it owns every Torrent,
// the shared disk queue, the optional DHT node, and the TCP listener that
// demultiplexes incoming connections to the right Torrent by infohash. It
// is grounded on lib/torrent/scheduler/scheduler.go's eventLoop plus
// tickerLoop/listenLoop goroutine trio, generalized into runTick, which
// both the internal timer and the external Tick(ctx) caller invoke.
type Engine struct {
	config Config

	localPeerID core.PeerID

	factory   capability.ISocketFactory
	udpSocket capability.IUDPSocket
	tcpServer capability.ITCPServer

	clk     capability.Clock
	diskClk andresclock.Clock
	rnd     capability.Random
	stats   tally.Scope
	logger  *zap.SugaredLogger

	rootManager    *session.RootManager
	store          *session.Store
	sessionBackend capability.ISessionStore

	dhtServer *dht.Server
	diskQueue *diskqueue.Queue

	emit *emitter

	mu       sync.Mutex
	torrents map[string]*Torrent // keyed by infohash hex
	closed   bool

	ticker *time.Ticker
	stopCh chan struct{}

	lastStateUpdate   time.Time
	lastDownloaded    int64
	lastUploaded      int64
	lastBandwidthTime time.Time

	backpressureActive bool

	bwLimiter *bandwidth.Limiter
}

// New builds an Engine from its capability dependencies; none of the
// underlying sockets, filesystems or clocks are created here, consistent
// with the capability-injection style of every package it wires together.
func New(
	config Config,
	localPeerID core.PeerID,
	factory capability.ISocketFactory,
	udpSocket capability.IUDPSocket,
	clk capability.Clock,
	diskClk andresclock.Clock,
	rnd capability.Random,
	hasher capability.IHasher,
	fsSalt []byte,
	sessionBackend capability.ISessionStore,
	stats tally.Scope,
	logger *zap.SugaredLogger) *Engine {

	config = config.applyDefaults()
	if stats == nil {
		stats = tally.NoopScope
	}
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	scoped := stats.Tagged(map[string]string{"module": "engine"})

	e := &Engine{
		config:         config,
		localPeerID:    localPeerID,
		factory:        factory,
		udpSocket:      udpSocket,
		clk:            clk,
		diskClk:        diskClk,
		rnd:            rnd,
		stats:          scoped,
		logger:         logger,
		rootManager:    session.NewRootManager(fsSalt),
		sessionBackend: sessionBackend,
		store:          session.NewStore(sessionBackend, logger),
		torrents:       make(map[string]*Torrent),
		emit:           newEmitter(1024),
	}

	e.diskQueue = diskqueue.New(config.DiskQueue, e.rootManager, hasher, diskClk, scoped, logger)

	bwLimiter, err := bandwidth.NewLimiter(config.Bandwidth)
	if err != nil {
		logger.Warnw("engine: bandwidth limiter config rejected, running unlimited", "error", err)
		bwLimiter, _ = bandwidth.NewLimiter(bandwidth.Config{})
	}
	e.bwLimiter = bwLimiter

	if config.DHTEnabled {
		var idBytes [20]byte
		rnd.Fill(idBytes[:])
		localID, _ := dht.IDFromBytes(idBytes[:])
		e.dhtServer = dht.NewServer(config.DHT, localID, udpSocket, clk, rnd, scoped, logger)
	}

	return e
}

// Events returns the channel the host drains for torrent_added,
// piece_complete, state_update and similar notifications (spec.md §6).
func (e *Engine) Events() <-chan Event {
	return e.emit.Events()
}

// Snapshots returns a point-in-time TorrentSnapshot for every torrent the
// Engine currently owns, for a host-side debug/introspection surface (e.g.
// cmd/btengine's HTTP endpoint) that wants current state without waiting on
// the next state_update event.
func (e *Engine) Snapshots() []TorrentSnapshot {
	e.mu.Lock()
	torrents := make([]*Torrent, 0, len(e.torrents))
	for _, t := range e.torrents {
		torrents = append(torrents, t)
	}
	e.mu.Unlock()

	snaps := make([]TorrentSnapshot, 0, len(torrents))
	for _, t := range torrents {
		snaps = append(snaps, t.snapshot())
	}
	return snaps
}

// Start opens the listening socket, restores persisted session state, and
// (in internal tick mode) begins driving the tick loop itself.
func (e *Engine) Start(ctx context.Context) error {
	server, err := e.factory.CreateTCPServer("", e.config.ListeningPort)
	if err != nil {
		return wrapErr(KindWireProtocolError, "", err, "listen on port %d", e.config.ListeningPort)
	}
	e.tcpServer = server
	server.OnAccept(e.onAccept)

	if e.dhtServer != nil {
		if err := e.dhtServer.RestoreRoutingTable(e.sessionBackend); err != nil {
			e.logger.Warnw("dht: restore routing table failed", "error", err)
		}
		e.dhtServer.Bootstrap(func(stats dht.BootstrapStats) {
			if stats.NodesAdded == 0 {
				e.logger.Warnw("dht: bootstrap found no nodes")
			}
		})
	}

	e.restoreTorrents()

	if e.config.TickMode == TickInternal {
		e.ticker = time.NewTicker(e.config.TickInterval)
		e.stopCh = make(chan struct{})
		go e.runInternalLoop()
	}
	return nil
}

func (e *Engine) runInternalLoop() {
	for {
		select {
		case <-e.stopCh:
			return
		case <-e.ticker.C:
			if err := e.runTick(e.clk.Now()); err != nil {
				e.logger.Errorw("engine: tick failed", "error", err)
			}
		}
	}
}

// Tick drives one tick synchronously; used in TickExternal mode, and by
// tests against a capability/memory.Clock for deterministic control.
func (e *Engine) Tick(ctx context.Context) error {
	return e.runTick(e.clk.Now())
}

func (e *Engine) newIncomingConn(sock capability.ITCPSocket, remoteAddr string, t *Torrent) (*peerconn.Conn, error) {
	return peerconn.AcceptIncoming(sock, remoteAddr, e.localPeerID, t.infoHash, e.config.PeerConn, e.clk, e.stats, e.logger, t)
}

// Shutdown implements spec.md §5's shutdown sequencing: it returns only
// after every peer connection is closed, the disk queue has drained, and
// (if DHT is enabled) the routing table has been serialized.
func (e *Engine) Shutdown(ctx context.Context) error {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return nil
	}
	e.closed = true
	torrents := make([]*Torrent, 0, len(e.torrents))
	for _, t := range e.torrents {
		torrents = append(torrents, t)
	}
	e.mu.Unlock()

	if e.ticker != nil {
		e.ticker.Stop()
		close(e.stopCh)
	}

	for _, t := range torrents {
		t.mu.Lock()
		if t.trackerMgr != nil {
			t.trackerMgr.Stop(t.downloaded, t.uploaded, t.remaining())
		}
		for _, c := range t.conns {
			c.Close()
		}
		t.mu.Unlock()
	}

	if e.tcpServer != nil {
		_ = e.tcpServer.Close()
	}

	e.diskQueue.Drain(ctx)

	if e.dhtServer != nil {
		if err := e.dhtServer.SaveRoutingTable(e.sessionBackend); err != nil {
			return wrapErr(KindSessionPersistenceCorrupt, "", err, "save dht routing table")
		}
	}
	return nil
}
