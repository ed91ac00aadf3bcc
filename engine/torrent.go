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
	"sync"
	"time"

	"github.com/btengine/engine/capability"
	"github.com/btengine/engine/core"
	"github.com/btengine/engine/magnet"
	"github.com/btengine/engine/peerconn"
	"github.com/btengine/engine/piecemgr"
	"github.com/btengine/engine/swarm"
	"github.com/btengine/engine/tracker"
)

// UserState is the caller's intent for a torrent (spec.md §3 "user state:
// started/paused").
type UserState int

// User states.
const (
	UserStarted UserState = iota
	UserPaused
)

// ActivityState is a torrent's externally visible status, derived each time
// it's read from {userState, haveMetadata, hasConnectedPeer, diskError,
// complete} (spec.md §3 "activity state (derived)").
type ActivityState string

// Activity states.
const (
	ActivityFetchingMetadata ActivityState = "fetching_metadata"
	ActivityConnecting       ActivityState = "connecting"
	ActivityDownloading      ActivityState = "downloading"
	ActivitySeeding          ActivityState = "seeding"
	ActivityPaused           ActivityState = "paused"
	ActivityError            ActivityState = "error"
)

// Torrent is the data model of spec.md §3: created either from a magnet
// link (infohash only, metadata fetched later) or from metainfo bytes.
type Torrent struct {
	mu sync.Mutex

	infoHash     core.InfoHash
	name         string
	files        []core.FileEntry
	pieceLength  int64
	numPieces    int
	announceList [][]string

	meta       *core.MetaInfo // nil until metadata is known (magnet-only).
	magnetLink *magnet.Link   // set only for torrents added from a magnet.

	userState UserState
	diskError bool
	complete  bool
	rootKey   string

	swarm      *swarm.Swarm
	pieceMgr   *piecemgr.Manager
	trackerMgr *tracker.Manager

	conns      map[string]*peerconn.Conn // by remote addr
	addrByPeer map[core.PeerID]string

	downloaded int64
	uploaded   int64

	addedAt     time.Time
	completedAt *time.Time

	eng *Engine
}

// InfoHash returns the torrent's infohash.
func (t *Torrent) InfoHash() core.InfoHash {
	return t.infoHash
}

// lastPieceLength is the truncated length of the final piece (spec.md §3
// "last piece length"), derivable once metadata is known.
func (t *Torrent) lastPieceLength() int64 {
	if t.meta == nil || t.numPieces == 0 {
		return 0
	}
	return t.meta.GetPieceLength(t.numPieces - 1)
}

func (t *Torrent) haveMetadata() bool {
	return t.meta != nil
}

func (t *Torrent) hasConnectedPeer() bool {
	for _, c := range t.conns {
		if c.State() == peerconn.StateReady {
			return true
		}
	}
	return false
}

// activity derives the activity state (spec.md §3). Caller must hold t.mu.
func (t *Torrent) activity() ActivityState {
	if t.userState == UserPaused {
		return ActivityPaused
	}
	if t.diskError {
		return ActivityError
	}
	if !t.haveMetadata() {
		return ActivityFetchingMetadata
	}
	if t.complete {
		return ActivitySeeding
	}
	if t.hasConnectedPeer() {
		return ActivityDownloading
	}
	return ActivityConnecting
}

// TorrentSnapshot is the per-torrent slice of a state_update event
// (spec.md §6).
type TorrentSnapshot struct {
	InfoHash       string
	Name           string
	Activity       ActivityState
	HaveMetadata   bool
	Progress       float64
	Downloaded     int64
	Uploaded       int64
	ConnectedPeers int
	KnownPeers     int
	Trackers       []tracker.TrackerState
}

func (t *Torrent) snapshot() TorrentSnapshot {
	t.mu.Lock()
	defer t.mu.Unlock()

	var progress float64
	if t.pieceMgr != nil && t.numPieces > 0 {
		progress = float64(t.pieceMgr.Have().Count()) / float64(t.numPieces)
	} else if t.complete {
		progress = 1
	}

	connected := 0
	for _, c := range t.conns {
		if c.State() == peerconn.StateReady {
			connected++
		}
	}

	var trackers []tracker.TrackerState
	if t.trackerMgr != nil {
		trackers = t.trackerMgr.States()
	}

	return TorrentSnapshot{
		InfoHash:       t.infoHash.Hex(),
		Name:           t.name,
		Activity:       t.activity(),
		HaveMetadata:   t.haveMetadata(),
		Progress:       progress,
		Downloaded:     t.downloaded,
		Uploaded:       t.uploaded,
		ConnectedPeers: connected,
		KnownPeers:     len(t.swarm.Peers()),
		Trackers:       trackers,
	}
}

// connByPeerID resolves a connection by its handshaken remote peer id,
// needed because piecemgr tracks outstanding requests by core.PeerID
// rather than by address.
func (t *Torrent) connByPeerID(id core.PeerID) (*peerconn.Conn, bool) {
	addr, ok := t.addrByPeer[id]
	if !ok {
		return nil, false
	}
	c, ok := t.conns[addr]
	return c, ok
}

// readBlock serves an upload REQUEST by reading the overlapping bytes of
// the torrent's ordered file list off disk (spec.md §4.4's file-span math,
// inlined here for reads since piecemgr only exposes the write path).
func (t *Torrent) readBlock(fs capability.IFileSystem, piece int, begin, length int64) ([]byte, error) {
	abs := int64(piece)*t.pieceLength + begin
	remaining := length
	out := make([]byte, 0, length)

	var fileStart int64
	for _, f := range t.files {
		fileEnd := fileStart + f.Length
		if abs < fileEnd && abs+remaining > fileStart {
			readStart := abs
			if readStart < fileStart {
				readStart = fileStart
			}
			readEnd := abs + remaining
			if readEnd > fileEnd {
				readEnd = fileEnd
			}
			n := readEnd - readStart
			if n > 0 {
				h, err := fs.Open(f.FullPath(), capability.ModeRead)
				if err != nil {
					return nil, err
				}
				buf := make([]byte, n)
				if _, err := h.ReadAt(buf, readStart-fileStart); err != nil {
					h.Close()
					return nil, err
				}
				h.Close()
				out = append(out, buf...)
			}
		}
		fileStart = fileEnd
		if fileStart >= abs+length {
			break
		}
	}
	return out, nil
}
