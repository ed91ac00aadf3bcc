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
	"crypto/sha1"
	"fmt"
	"sync"
	"time"

	"github.com/andres-erbsen/clock"
	"github.com/uber-go/tally"
	"go.uber.org/zap"

	"github.com/btengine/engine/core"
	"github.com/btengine/engine/wire"
)

// WriteJob is what Manager hands off to the disk write path once a piece's
// blocks are fully assembled. A separate type (rather than importing
// diskqueue directly) keeps piecemgr decoupled from where pieces end up
// persisted; the engine wires Dispatch to diskqueue.Queue.QueueVerifiedWrite.
type WriteJob struct {
	Path         string
	Offset       int64
	Data         []byte
	ExpectedSHA1 [20]byte
	Piece        int
	Done         func(ok bool)
}

// Dispatcher hands a completed piece's per-file segments off for verified
// writing. The engine satisfies this with diskqueue.Queue.
type Dispatcher interface {
	QueueWrite(job WriteJob)
}

// Request is a block to ask a peer for, framed as a wire REQUEST.
type Request struct {
	Piece  int
	Begin  int64
	Length int64
}

// MetaInfo is the subset of core.MetaInfo the piece manager needs, broken
// out so tests can fake small torrents without building a real MetaInfo.
type MetaInfo interface {
	NumPieces() int
	PieceLength() int64
	GetPieceLength(i int) int64
	GetPieceHash(i int) [20]byte
	Files() []core.FileEntry
}

// Manager is the piece manager of spec.md §4.4: it owns piece selection
// (rarest-first plus a file priority overlay), in-flight block request
// bookkeeping, endgame duplication, block reassembly, and verified-write
// hand-off. It has no knowledge of peer connections; callers drive it with
// peer ids and bitfields and receive back Requests to send and Cancels to
// issue.
type Manager struct {
	mu sync.Mutex

	config Config
	meta   MetaInfo
	disp   Dispatcher
	clk    clock.Clock
	stats  tally.Scope
	logger *zap.SugaredLogger

	policy pieceSelectionPolicy
	rarity *pieceRarity
	reqs   *requestManager
	spans  []*FileSpan

	have   *core.BitField // pieces fully written and verified
	active map[int]*activePiece

	corruption map[core.PeerID]int
	banned     map[core.PeerID]bool

	startedAt time.Time
}

// NewManager creates a Manager for one torrent.
func NewManager(
	config Config,
	meta MetaInfo,
	disp Dispatcher,
	clk clock.Clock,
	stats tally.Scope,
	logger *zap.SugaredLogger) *Manager {

	if stats == nil {
		stats = tally.NoopScope
	}
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	n := meta.NumPieces()
	return &Manager{
		config:     config.applyDefaults(),
		meta:       meta,
		disp:       disp,
		clk:        clk,
		stats:      stats.Tagged(map[string]string{"module": "piecemgr"}),
		logger:     logger,
		policy:     newRarestFirstPolicy(),
		rarity:     newPieceRarity(n),
		reqs:       newRequestManager(clk, config.applyDefaults().BlockTimeout),
		spans:      buildFileSpans(meta.Files()),
		have:       core.NewBitField(uint(n)),
		active:     make(map[int]*activePiece),
		corruption: make(map[core.PeerID]int),
		banned:     make(map[core.PeerID]bool),
		startedAt:  clk.Now(),
	}
}

// Complete reports whether every piece has been written and verified.
func (m *Manager) Complete() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.have.Complete()
}

// Have returns a clone of the manager's verified-piece bitfield, suitable
// for sending as an outgoing BITFIELD.
func (m *Manager) Have() *core.BitField {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.have.Clone()
}

// SetFilePriority changes the download priority of the file at index idx
// within meta.Files(), per spec.md §3 File.Priority.
func (m *Manager) SetFilePriority(idx int, p Priority) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if idx < 0 || idx >= len(m.spans) {
		return fmt.Errorf("piecemgr: file index %d out of range", idx)
	}
	m.spans[idx].Priority = p
	return nil
}

// OnPeerBitfield registers that peer advertises bf (a BITFIELD message),
// folding it into the rarity counts used by rarest-first selection.
func (m *Manager) OnPeerBitfield(peer core.PeerID, bf *core.BitField) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.rarity.addBitfield(bf)
}

// OnPeerHave registers a single HAVE from peer.
func (m *Manager) OnPeerHave(peer core.PeerID, piece int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.rarity.addHave(piece)
}

// OnPeerGone releases peer's contribution to rarity counts and drops its
// outstanding requests, called when a connection closes (spec.md §5).
func (m *Manager) OnPeerGone(peer core.PeerID, bf *core.BitField) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if bf != nil {
		m.rarity.removeBitfield(bf)
	}
	m.reqs.clearPeer(peer)
}

// IsBanned reports whether peer has been banned for sending too many
// corrupt pieces (spec.md §4.4 corruption threshold).
func (m *Manager) IsBanned(peer core.PeerID) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.banned[peer]
}

// endgame reports whether the torrent should be in endgame mode: every
// piece not yet complete is already active, and enough time has passed
// since the torrent started that duplicate requests are worth the
// bandwidth cost (spec.md §4.4 "unrequested_pieces == 0 && missing_pieces
// > 0 && time_since_start > threshold").
func (m *Manager) endgame() bool {
	if m.clk.Now().Sub(m.startedAt) < m.config.EndgameThreshold {
		return false
	}
	missing := false
	for i := uint(0); i < m.have.Len(); i++ {
		if m.have.Get(i) {
			continue
		}
		missing = true
		if _, ok := m.active[int(i)]; !ok {
			return false // a piece is missing but not yet active: not endgame.
		}
	}
	return missing
}

// eligiblePieces returns the bitfield of pieces that are neither complete
// nor active, excluding Skip-priority pieces unless they straddle a
// boundary with a non-Skip file (spec.md §4.4 priority overlay).
func (m *Manager) eligiblePieces() *core.BitField {
	elig := core.NewBitField(m.have.Len())
	for i := uint(0); i < m.have.Len(); i++ {
		idx := int(i)
		if m.have.Get(i) {
			continue
		}
		if _, ok := m.active[idx]; ok {
			continue
		}
		if m.skippable(idx) {
			continue
		}
		elig.Set(i, true)
	}
	return elig
}

// skippable reports whether piece idx is covered exclusively by Skip
// priority files, with no overlapping non-Skip file.
func (m *Manager) skippable(idx int) bool {
	start := int64(idx) * m.meta.PieceLength()
	end := start + m.meta.GetPieceLength(idx)
	sawSkip := false
	for _, s := range m.spans {
		if !s.overlapsPiece(start, end) {
			continue
		}
		if s.Priority != PrioritySkip {
			return false
		}
		sawSkip = true
	}
	return sawSkip
}

// highPriorityBoost reorders a candidate piece list so High-priority pieces
// sort first, preserving rarest-first order within each priority tier
// (spec.md §4.4 "High priority pieces are selected before Normal").
func (m *Manager) highPriorityBoost(pieces []int) []int {
	start := func(idx int) int64 { return int64(idx) * m.meta.PieceLength() }
	end := func(idx int) int64 { return start(idx) + m.meta.GetPieceLength(idx) }
	isHigh := func(idx int) bool {
		for _, s := range m.spans {
			if s.overlapsPiece(start(idx), end(idx)) && s.Priority == PriorityHigh {
				return true
			}
		}
		return false
	}
	var high, rest []int
	for _, idx := range pieces {
		if isHigh(idx) {
			high = append(high, idx)
		} else {
			rest = append(rest, idx)
		}
	}
	return append(high, rest...)
}

// activatePieces brings up to budget new pieces under management, chosen
// rarest-first with the priority overlay applied.
func (m *Manager) activatePieces(budget int) error {
	if budget <= 0 {
		return nil
	}
	candidates, err := m.policy.selectPieces(budget, m.eligiblePieces(), m.rarity)
	if err != nil {
		return fmt.Errorf("select pieces: %s", err)
	}
	for _, idx := range m.highPriorityBoost(candidates) {
		if len(m.active) >= m.config.MaxActivePieces {
			break
		}
		m.active[idx] = newActivePiece(idx, m.meta.GetPieceLength(idx))
	}
	return nil
}

// NextRequests returns up to window Requests to send to peer, activating
// new pieces as needed. peerHas reports whether peer advertises a given
// piece index. In endgame, blocks already fully requested but not yet
// received may be returned again for a different peer.
func (m *Manager) NextRequests(peer core.PeerID, peerHas func(piece int) bool, window int) []Request {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.banned[peer] || window <= 0 {
		return nil
	}

	outstanding := m.reqs.outstanding(peer)
	budget := window - outstanding
	if budget <= 0 {
		return nil
	}

	if len(m.active) < m.config.MaxActivePieces {
		if err := m.activatePieces(m.config.MaxActivePieces - len(m.active)); err != nil {
			m.logger.Errorw("failed to activate pieces", "error", err)
		}
	}

	endgame := m.endgame()

	var reqs []Request
	for idx, ap := range m.active {
		if len(reqs) >= budget {
			break
		}
		if !peerHas(idx) {
			continue
		}

		for len(reqs) < budget {
			b := ap.nextUnrequestedBlock()
			if b < 0 {
				if !endgame {
					break
				}
				b = ap.nextEndgameBlock()
				if b < 0 {
					break
				}
				// Endgame duplicates a block across peers, but never to a
				// peer that already has it in flight.
				m.reqs.mu.Lock()
				_, mine := m.reqs.byPeer[peer][blockKey{idx, b}]
				m.reqs.mu.Unlock()
				if mine {
					break
				}
			}
			begin, length := ap.blockBounds(b)
			m.reqs.add(idx, b, peer)
			ap.markRequested(b, peer)
			reqs = append(reqs, Request{Piece: idx, Begin: begin, Length: length})
		}
	}
	return reqs
}

// BlockResult is returned by OnBlock: the cancels to send to the peers that
// lose an endgame race, and whether the owning piece just completed.
type BlockResult struct {
	Cancels        []core.PeerID
	PieceCompleted bool
}

// OnBlock records a received PIECE message's payload. If it completes the
// piece, the piece is handed off to the Dispatcher as one WriteJob per
// overlapping file span, and the Dispatcher's verified write checks the
// hash; the piece is marked verified (and added to Have) only once every
// WriteJob reports success via its Done callback, and a failed job resets
// the piece and penalizes the peers that contributed to it.
func (m *Manager) OnBlock(peer core.PeerID, piece int, begin int64, data []byte) BlockResult {
	m.mu.Lock()
	ap, ok := m.active[piece]
	if !ok {
		m.mu.Unlock()
		return BlockResult{}
	}
	b := ap.blockIndexForOffset(begin)
	if !ap.putBlock(begin, data) {
		m.mu.Unlock()
		return BlockResult{}
	}

	losers := m.reqs.peersFor(piece, b, peer)
	m.reqs.clearBlock(piece, b)

	if !ap.complete() {
		m.mu.Unlock()
		return BlockResult{Cancels: losers}
	}

	// Piece fully assembled. ap stays in m.active (so it can't be
	// re-selected as eligible) until dispatchPiece's callbacks remove it;
	// the dispatch itself must run without m.mu held since the Dispatcher
	// may invoke WriteJob.Done synchronously.
	pieceBuf := ap.buf
	expected := m.meta.GetPieceHash(piece)
	m.mu.Unlock()

	m.dispatchPiece(piece, pieceBuf, expected)

	return BlockResult{Cancels: losers, PieceCompleted: true}
}

// dispatchPiece splits a completed piece's bytes across the files it
// overlaps and queues one WriteJob per overlapping file, per spec.md §4.4
// "a piece spanning a file boundary is split into per-file segments before
// being queued". Must NOT be called with m.mu held: WriteJob.Done (and thus
// finish, which takes m.mu) may fire synchronously from within QueueWrite.
func (m *Manager) dispatchPiece(piece int, data []byte, expected [20]byte) {
	pieceStart := int64(piece) * m.meta.PieceLength()
	pieceEnd := pieceStart + int64(len(data))

	var jobs []WriteJob
	for _, s := range m.spans {
		if !s.overlapsPiece(pieceStart, pieceEnd) {
			continue
		}
		lo := maxI64(pieceStart, s.Start)
		hi := minI64(pieceEnd, s.End)
		jobs = append(jobs, WriteJob{
			Path:         s.Entry.FullPath(),
			Offset:       lo - s.Start,
			Data:         data[lo-pieceStart : hi-pieceStart],
			ExpectedSHA1: expected,
			Piece:        piece,
		})
	}

	// A segment's own hash equals the piece hash only when the piece lies in
	// one file. A multi-file piece is checked whole here; on a match each
	// segment carries its own digest, otherwise the piece hash, which the
	// verified write then rejects.
	if len(jobs) > 1 && sha1.Sum(data) == expected {
		for i := range jobs {
			jobs[i].ExpectedSHA1 = sha1.Sum(jobs[i].Data)
		}
	}

	// pending is the full job count up front, so finish can never run
	// before every job has been queued, regardless of how quickly a
	// Dispatcher invokes Done.
	pending := int32(len(jobs))
	allOK := true
	var resultMu sync.Mutex

	finish := func() {
		m.mu.Lock()
		defer m.mu.Unlock()
		if ap, ok := m.active[piece]; ok {
			if allOK {
				m.have.Set(uint(piece), true)
				delete(m.active, piece)
			} else {
				m.penalizeCorruption(ap)
				ap.reset()
				m.reqs.clearPiece(piece, ap.numBlocks)
			}
		}
	}

	if pending == 0 {
		return
	}
	for i := range jobs {
		jobs[i].Done = func(ok bool) {
			resultMu.Lock()
			if !ok {
				allOK = false
			}
			pending--
			done := pending == 0
			resultMu.Unlock()
			if done {
				finish()
			}
		}
		m.disp.QueueWrite(jobs[i])
	}
}

// penalizeCorruption credits every peer that contributed a block to the
// failed piece with one corruption strike, banning peers that cross
// CorruptionThreshold (spec.md §4.4).
func (m *Manager) penalizeCorruption(ap *activePiece) {
	for peer := range ap.assigned {
		m.corruption[peer]++
		if m.corruption[peer] >= m.config.CorruptionThreshold {
			m.banned[peer] = true
			m.stats.Counter("peer_banned").Inc(1)
		}
	}
	m.stats.Counter("hash_mismatch").Inc(1)
}

func maxI64(a, b int64) int64 {
	if a > b {
		return a
	}
	return b
}

func minI64(a, b int64) int64 {
	if a < b {
		return a
	}
	return b
}

// BitfieldMessage builds the wire BITFIELD message to send on connect,
// reflecting the manager's current verified-piece set.
func (m *Manager) BitfieldMessage() wire.Message {
	return wire.NewBitfield(m.Have().ToWireBytes())
}
