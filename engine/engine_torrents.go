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
	"github.com/btengine/engine/capability"
	"github.com/btengine/engine/core"
	"github.com/btengine/engine/magnet"
	"github.com/btengine/engine/peerconn"
	"github.com/btengine/engine/piecemgr"
	"github.com/btengine/engine/session"
	"github.com/btengine/engine/swarm"
	"github.com/btengine/engine/tracker"
)

// AddTorrentFromMetainfo decodes raw .torrent bytes and registers a new,
// fully-metadata'd Torrent rooted at fs (spec.md §4.8 "add_torrent from
// metainfo"). label identifies the storage root for session persistence.
func (e *Engine) AddTorrentFromMetainfo(raw []byte, fs capability.IFileSystem, label string) (*Torrent, error) {
	meta, err := core.DecodeMetaInfo(raw)
	if err != nil {
		return nil, wrapErr(KindMetainfoInvalid, "", err, "decode metainfo")
	}

	announceList := meta.AnnounceList()
	if len(announceList) == 0 && meta.Announce() != "" {
		announceList = [][]string{{meta.Announce()}}
	}

	t := e.newTorrent(meta.InfoHash(), meta.Name(), meta.Files(), meta.PieceLength(), meta.NumPieces(), announceList, fs, label)
	t.meta = meta
	t.pieceMgr = piecemgr.NewManager(e.config.PieceMgr, meta, newRootDispatcher(t.rootKey, e.diskQueue), e.diskClk, e.stats, e.logger)

	e.registerTorrent(t)
	if err := e.store.SaveMeta(t.infoHash.Hex(), raw); err != nil {
		e.logger.Warnw("engine: save metainfo failed", "error", err)
	}
	e.persistTorrentRecord(t, "")
	e.emitTorrentAdded(t.infoHash.Hex())
	return t, nil
}

// AddTorrentFromMagnet registers a Torrent whose metadata is not yet known
// (spec.md §3 "created from a magnet link... metadata fetched later via
// BEP 9"). BEP 9 metadata-over-wire fetch itself is not implemented (see
// DESIGN.md); the torrent stays in ActivityFetchingMetadata until metadata
// arrives through AddTorrentFromMetainfo for the same infohash.
func (e *Engine) AddTorrentFromMagnet(magnetURI string, fs capability.IFileSystem, label string) (*Torrent, error) {
	link, err := magnet.Parse(magnetURI)
	if err != nil {
		return nil, wrapErr(KindMagnetInvalid, "", err, "parse magnet link")
	}

	var announceList [][]string
	if len(link.Trackers) > 0 {
		announceList = [][]string{link.Trackers}
	}

	t := e.newTorrent(link.InfoHash, link.Name, nil, 0, 0, announceList, fs, label)
	t.magnetLink = link

	for _, hint := range link.PeerHints {
		t.swarm.AddCandidate(hint.String(), swarm.SourceHint)
	}

	e.registerTorrent(t)
	e.persistTorrentRecord(t, magnetURI)
	e.emitTorrentAdded(t.infoHash.Hex())
	return t, nil
}

// newTorrent builds the shared skeleton of both add paths.
func (e *Engine) newTorrent(
	infoHash core.InfoHash,
	name string,
	files []core.FileEntry,
	pieceLength int64,
	numPieces int,
	announceList [][]string,
	fs capability.IFileSystem,
	label string) *Torrent {

	rootKey := e.rootManager.AddRoot(label, label, label, fs)

	t := &Torrent{
		infoHash:     infoHash,
		name:         name,
		files:        files,
		pieceLength:  pieceLength,
		numPieces:    numPieces,
		announceList: announceList,
		rootKey:      rootKey,
		userState:    UserStarted,
		conns:        make(map[string]*peerconn.Conn),
		addrByPeer:   make(map[core.PeerID]string),
		addedAt:      e.clk.Now(),
		eng:          e,
	}
	t.swarm = swarm.New(e.config.Swarm, e.clk, e.stats, e.logger)
	if len(announceList) > 0 {
		t.trackerMgr = tracker.New(infoHash, e.localPeerID, e.config.ListeningPort, announceList, e.udpSocket, e.clk, e.rnd, e.stats, e.logger)
	}
	return t
}

func (e *Engine) registerTorrent(t *Torrent) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.torrents[t.infoHash.Hex()] = t
}

func (e *Engine) persistTorrentRecord(t *Torrent, magnetURI string) {
	recs := e.store.LoadTorrents()
	userState := "started"
	if t.userState == UserPaused {
		userState = "paused"
	}
	recs = append(recs, session.TorrentRecord{
		InfoHashHex: t.infoHash.Hex(),
		Name:        t.name,
		Magnet:      magnetURI,
		AddedAt:     t.addedAt,
		UserState:   userState,
	})
	if err := e.store.SaveTorrents(recs); err != nil {
		e.logger.Warnw("engine: save torrent list failed", "error", err)
	}
}

// RemoveTorrent stops announcing, closes every connection and deletes
// persisted state for infoHashHex (spec.md §4.8 "remove_torrent").
func (e *Engine) RemoveTorrent(infoHashHex string) error {
	e.mu.Lock()
	t, ok := e.torrents[infoHashHex]
	if !ok {
		e.mu.Unlock()
		return newErr(KindMetainfoInvalid, infoHashHex, "no such torrent")
	}
	delete(e.torrents, infoHashHex)
	e.mu.Unlock()

	t.mu.Lock()
	if t.trackerMgr != nil {
		t.trackerMgr.Stop(t.downloaded, t.uploaded, t.remaining())
	}
	for _, c := range t.conns {
		c.Close()
	}
	t.mu.Unlock()

	e.rootManager.RemoveRoot(t.rootKey)
	e.store.DeleteTorrent(infoHashHex)
	e.emitTorrentRemoved(infoHashHex)
	return nil
}

// restoreTorrents reloads every previously persisted torrent record on
// Start, reconstructing magnet-only or full-metadata Torrents as
// appropriate (spec.md §6 persisted state keys).
func (e *Engine) restoreTorrents() {
	// The concrete capability.IFileSystem for a restored root is owned by
	// the host process (it was supplied at AddTorrent time in a prior run
	// and is not itself persisted), so a restored record only logs what
	// would need reattaching; the host re-adds any torrent it wants to
	// resume. The engine neither saves nor loads the per-torrent state
	// record (session.Store SaveState/LoadState), so a re-added torrent
	// starts from an empty have-bitfield.
	for _, rec := range e.store.LoadTorrents() {
		if raw, ok := e.store.LoadMeta(rec.InfoHashHex); ok {
			meta, err := core.DeserializeMetaInfo(raw)
			if err != nil {
				e.emitError(wrapErr(KindSessionPersistenceCorrupt, rec.InfoHashHex, err, "restore metainfo"))
				continue
			}
			e.logger.Infow("engine: restored torrent record, awaiting storage root re-attachment", "infohash", rec.InfoHashHex, "name", meta.Name())
			continue
		}
		e.logger.Infow("engine: restored magnet torrent record, awaiting storage root re-attachment", "infohash", rec.InfoHashHex, "name", rec.Name)
	}
}

// remaining is a crude bytes-left estimate from the piece manager's have
// bitfield, used for tracker `left` accounting.
func (t *Torrent) remaining() int64 {
	if t.meta == nil || t.pieceMgr == nil {
		return 0
	}
	if t.pieceMgr.Complete() {
		return 0
	}
	have := t.pieceMgr.Have()
	var left int64
	for i := 0; i < t.numPieces; i++ {
		if !have.Get(uint(i)) {
			left += t.meta.GetPieceLength(i)
		}
	}
	return left
}
