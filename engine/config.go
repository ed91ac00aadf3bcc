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

// Package engine ties together swarm, peerconn, piecemgr, diskqueue, dht,
// tracker and session into one cooperatively-scheduled BitTorrent client:
// the tick loop of spec.md §4.1, the Torrent data model of spec.md §3, and
// the magnet/metainfo add paths of spec.md §4.8. It is grounded on
// lib/torrent/scheduler/scheduler.go's eventLoop/tickerLoop/listenLoop
// trio, generalized from a single internally-timer-driven scheduler into a
// dual internal/external tick-mode engine that drives every other package
// built so far.
package engine

import (
	"time"

	"github.com/c2h5oh/datasize"

	"github.com/btengine/engine/dht"
	"github.com/btengine/engine/diskqueue"
	"github.com/btengine/engine/peerconn"
	"github.com/btengine/engine/piecemgr"
	"github.com/btengine/engine/swarm"
	"github.com/btengine/engine/utils/bandwidth"
)

// TickMode selects how the engine's tick loop is driven (spec.md §4.1).
type TickMode string

// Tick modes.
const (
	// TickInternal has the engine schedule its own fixed-cadence timer and
	// call tick() itself.
	TickInternal TickMode = "internal"
	// TickExternal exposes Tick(ctx) for the host process to call, e.g.
	// from its own event loop or from a test.
	TickExternal TickMode = "external"
)

// Config aggregates every sub-package's Config plus the top-level knobs of
// spec.md §6, following the teacher's Config+applyDefaults convention
// (scheduler.Config, conn.Config) at the outermost layer too.
type Config struct {
	// ListeningPort is the TCP port PeerConnections are accepted on; 0
	// means "pick any available port".
	ListeningPort int `yaml:"listening_port"`

	// TargetPeersPerTorrent and GlobalConnectionLimit bound concurrent
	// peer connections per-torrent and engine-wide respectively.
	TargetPeersPerTorrent int `yaml:"target_peers_per_torrent"`
	GlobalConnectionLimit int `yaml:"global_connection_limit"`

	PipelineDepthMin int64 `yaml:"pipeline_depth_min"`
	PipelineDepthMax int64 `yaml:"pipeline_depth_max"`
	PieceBlockSize   int64 `yaml:"piece_block_size"`
	MaxActivePieces  int   `yaml:"max_active_pieces"`

	EndgameThreshold         time.Duration `yaml:"endgame_threshold"`
	TrackerAnnounceTimeout   time.Duration `yaml:"tracker_announce_timeout"`
	PeerIdleTimeout          time.Duration `yaml:"peer_idle_timeout"`

	DHTEnabled        bool          `yaml:"dht_enabled"`
	DHTBootstrapNodes []string      `yaml:"dht_bootstrap_nodes"`
	DHTQueryTimeout   time.Duration `yaml:"dht_query_timeout"`

	MSEEnabled bool `yaml:"mse_enabled"`

	// MaxOutstandingVerifiedWrites is the disk queue's backpressure
	// threshold, expressed human-readably (e.g. "32MB") per the teacher's
	// use of c2h5oh/datasize for byte-size config fields.
	MaxOutstandingVerifiedWrites datasize.ByteSize `yaml:"max_outstanding_verified_writes"`

	TickMode     TickMode      `yaml:"tick_mode"`
	TickInterval time.Duration `yaml:"tick_interval"`

	Swarm     swarm.Config     `yaml:"swarm"`
	PeerConn  peerconn.Config  `yaml:"peer_conn"`
	PieceMgr  piecemgr.Config  `yaml:"piece_mgr"`
	DiskQueue diskqueue.Config `yaml:"disk_queue"`
	DHT       dht.Config       `yaml:"dht"`

	// Bandwidth caps aggregate upload egress (spec.md §2's "bandwidth
	// tracker, token bucket" leaf dependency); disabled (unlimited) by
	// default, matching bandwidth.Config's own zero-value behavior.
	Bandwidth bandwidth.Config `yaml:"bandwidth"`
}

func (c Config) applyDefaults() Config {
	if c.TargetPeersPerTorrent == 0 {
		c.TargetPeersPerTorrent = 60
	}
	if c.GlobalConnectionLimit == 0 {
		c.GlobalConnectionLimit = 500
	}
	if c.PipelineDepthMin == 0 {
		c.PipelineDepthMin = 8
	}
	if c.PipelineDepthMax == 0 {
		c.PipelineDepthMax = 80
	}
	if c.PieceBlockSize == 0 {
		c.PieceBlockSize = 16384
	}
	if c.MaxActivePieces == 0 {
		c.MaxActivePieces = 256
	}
	if c.EndgameThreshold == 0 {
		c.EndgameThreshold = 90 * time.Second
	}
	if c.TrackerAnnounceTimeout == 0 {
		c.TrackerAnnounceTimeout = 60 * time.Second
	}
	if c.PeerIdleTimeout == 0 {
		c.PeerIdleTimeout = 120 * time.Second
	}
	if c.DHTQueryTimeout == 0 {
		c.DHTQueryTimeout = 5 * time.Second
	}
	if c.MaxOutstandingVerifiedWrites == 0 {
		c.MaxOutstandingVerifiedWrites = 32 * datasize.MB
	}
	if c.TickMode == "" {
		c.TickMode = TickInternal
	}
	if c.TickInterval == 0 {
		c.TickInterval = 200 * time.Millisecond
	}

	c.Swarm.TargetPeersPerTorrent = c.TargetPeersPerTorrent
	c.PeerConn.PipelineMin = int(c.PipelineDepthMin)
	c.PeerConn.PipelineMax = int(c.PipelineDepthMax)
	c.PeerConn.BlockSize = c.PieceBlockSize
	c.PeerConn.IdleTimeout = c.PeerIdleTimeout
	c.PeerConn.MSEEnabled = c.MSEEnabled
	c.PieceMgr.MaxActivePieces = c.MaxActivePieces
	c.PieceMgr.EndgameThreshold = c.EndgameThreshold
	c.DiskQueue.MaxPendingBytes = int64(c.MaxOutstandingVerifiedWrites)
	c.DHT.QueryTimeout = c.DHTQueryTimeout
	c.DHT.BootstrapNodes = c.DHTBootstrapNodes

	return c
}
