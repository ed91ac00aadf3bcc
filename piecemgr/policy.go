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

// Package piecemgr implements piece and block scheduling: rarest-first
// selection with a file-priority overlay, endgame duplication, block
// reassembly and hand-off to a verified disk write queue on completion.
//
// Piece selection is adapted from
// lib/torrent/scheduler/dispatch/piecerequest's policy/Manager split (the
// same rarest-first-over-a-priority-queue shape, generalized from
// whole-piece requests to 16KiB block requests and extended with the file
// priority overlay and endgame duplication that spec.md §4.4 requires but
// the teacher's docker-layer transfer model has no use for).
package piecemgr

import (
	"fmt"

	"github.com/btengine/engine/core"
	"github.com/btengine/engine/utils/heap"
)

// pieceSelectionPolicy chooses which pieces (not yet active) should become
// the next ActivePieces, given how rare each piece is among connected peers
// and which pieces are excluded (Skip-priority files not needed for
// boundary completion).
type pieceSelectionPolicy interface {
	selectPieces(limit int, eligible *core.BitField, rarity *pieceRarity) ([]int, error)
}

// rarestFirstPolicy selects the pieces held by the fewest peers first, ties
// broken by piece index (spec.md §4.4.1).
type rarestFirstPolicy struct{}

func newRarestFirstPolicy() *rarestFirstPolicy { return &rarestFirstPolicy{} }

func (p *rarestFirstPolicy) selectPieces(
	limit int, eligible *core.BitField, rarity *pieceRarity) ([]int, error) {

	pq := heap.NewPriorityQueue()
	for i := uint(0); i < eligible.Len(); i++ {
		if !eligible.Get(i) {
			continue
		}
		// Secondary key (piece index) breaks ties deterministically: scale
		// the rarity count up and add the index so equal-rarity pieces pop
		// in index order without needing a second heap field.
		priority := rarity.get(int(i))*1<<20 + int(i)
		pq.Push(&heap.Item{Value: int(i), Priority: priority})
	}

	var out []int
	for len(out) < limit && pq.Len() > 0 {
		item, err := pq.Pop()
		if err != nil {
			return nil, err
		}
		idx, ok := item.Value.(int)
		if !ok {
			return nil, fmt.Errorf("piecemgr: expected int, got %T", item.Value)
		}
		out = append(out, idx)
	}
	return out, nil
}

// pieceRarity tracks, per piece index, how many connected peers advertise
// having that piece. Updated on BITFIELD and HAVE.
type pieceRarity struct {
	counts []int
}

func newPieceRarity(numPieces int) *pieceRarity {
	return &pieceRarity{counts: make([]int, numPieces)}
}

func (r *pieceRarity) get(i int) int {
	if i < 0 || i >= len(r.counts) {
		return 0
	}
	return r.counts[i]
}

func (r *pieceRarity) addBitfield(bf *core.BitField) {
	for i := uint(0); i < bf.Len() && int(i) < len(r.counts); i++ {
		if bf.Get(i) {
			r.counts[i]++
		}
	}
}

func (r *pieceRarity) removeBitfield(bf *core.BitField) {
	for i := uint(0); i < bf.Len() && int(i) < len(r.counts); i++ {
		if bf.Get(i) {
			r.counts[i]--
		}
	}
}

func (r *pieceRarity) addHave(i int) {
	if i >= 0 && i < len(r.counts) {
		r.counts[i]++
	}
}
