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
	"time"

	"github.com/btengine/engine/core"
	"github.com/btengine/engine/wire"
)

// activePiece is the in-progress assembly state for one piece, per
// spec.md §3 ActivePiece: a bitmap of requested blocks, a bitmap of
// received blocks, the assembly buffer, and (in endgame) the set of peers
// that have contributed a block, so duplicate completions can be
// cancelled.
type activePiece struct {
	index      int
	pieceLen   int64
	blockSize  int
	numBlocks  int
	requested  *core.BitField
	received   *core.BitField
	buf        []byte
	deadline   time.Time
	assigned   map[core.PeerID]bool
	inEndgame  bool
}

func newActivePiece(index int, pieceLen int64) *activePiece {
	numBlocks := int((pieceLen + wire.BlockSize - 1) / wire.BlockSize)
	return &activePiece{
		index:     index,
		pieceLen:  pieceLen,
		blockSize: wire.BlockSize,
		numBlocks: numBlocks,
		requested: core.NewBitField(uint(numBlocks)),
		received:  core.NewBitField(uint(numBlocks)),
		buf:       make([]byte, pieceLen),
		assigned:  make(map[core.PeerID]bool),
	}
}

// blockBounds returns the (begin, length) of block b within the piece.
func (a *activePiece) blockBounds(b int) (begin int64, length int64) {
	begin = int64(b) * int64(a.blockSize)
	length = int64(a.blockSize)
	if begin+length > a.pieceLen {
		length = a.pieceLen - begin
	}
	return begin, length
}

func (a *activePiece) blockIndexForOffset(offset int64) int {
	return int(offset / int64(a.blockSize))
}

// markRequested records that block b was requested from peer.
func (a *activePiece) markRequested(b int, peer core.PeerID) {
	a.requested.Set(uint(b), true)
	a.assigned[peer] = true
}

// nextUnrequestedBlock returns the lowest-index block not yet requested, or
// -1 if all blocks are at least requested once.
func (a *activePiece) nextUnrequestedBlock() int {
	for i := 0; i < a.numBlocks; i++ {
		if !a.requested.Get(uint(i)) {
			return i
		}
	}
	return -1
}

// nextEndgameBlock returns the lowest-index block not yet received (for
// re-requesting from an additional peer during endgame), or -1 if complete.
func (a *activePiece) nextEndgameBlock() int {
	for i := 0; i < a.numBlocks; i++ {
		if !a.received.Get(uint(i)) {
			return i
		}
	}
	return -1
}

// putBlock copies block bytes at offset into the assembly buffer and marks
// it received. Returns false if the block was already received (duplicate
// PIECE, expected under endgame and never penalized per spec.md §4.2).
func (a *activePiece) putBlock(offset int64, data []byte) bool {
	b := a.blockIndexForOffset(offset)
	if b < 0 || b >= a.numBlocks {
		return false
	}
	if a.received.Get(uint(b)) {
		return false
	}
	copy(a.buf[offset:], data)
	a.received.Set(uint(b), true)
	return true
}

// complete reports whether every block has been received.
func (a *activePiece) complete() bool {
	return a.received.Complete()
}

// reset clears assembly progress after a hash mismatch (spec.md §4.4
// "piece is reset: buffer discarded, block bitmap cleared").
func (a *activePiece) reset() {
	a.requested = core.NewBitField(uint(a.numBlocks))
	a.received = core.NewBitField(uint(a.numBlocks))
	for i := range a.buf {
		a.buf[i] = 0
	}
	a.assigned = make(map[core.PeerID]bool)
	a.inEndgame = false
}
