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
	"sync"
	"testing"
	"time"

	"github.com/andres-erbsen/clock"
	"github.com/stretchr/testify/require"

	"github.com/btengine/engine/core"
	"github.com/btengine/engine/wire"
)

// fakeMeta is a tiny single-file, single-piece-sized-for-testing MetaInfo.
type fakeMeta struct {
	pieceLen int64
	lengths  []int64 // per-piece lengths, last may be short
	hashes   [][20]byte
	files    []core.FileEntry
}

func newFakeMeta(pieceLen int64, fileLen int64) *fakeMeta {
	n := int((fileLen + pieceLen - 1) / pieceLen)
	fm := &fakeMeta{pieceLen: pieceLen}
	var offset int64
	for i := 0; i < n; i++ {
		l := pieceLen
		if offset+l > fileLen {
			l = fileLen - offset
		}
		fm.lengths = append(fm.lengths, l)
		offset += l
	}
	fm.files = []core.FileEntry{{Path: []string{"data.bin"}, Length: fileLen}}
	return fm
}

func (fm *fakeMeta) NumPieces() int            { return len(fm.lengths) }
func (fm *fakeMeta) PieceLength() int64        { return fm.pieceLen }
func (fm *fakeMeta) GetPieceLength(i int) int64 { return fm.lengths[i] }
func (fm *fakeMeta) GetPieceHash(i int) [20]byte {
	if i < len(fm.hashes) {
		return fm.hashes[i]
	}
	return [20]byte{}
}
func (fm *fakeMeta) Files() []core.FileEntry { return fm.files }

func (fm *fakeMeta) setHash(i int, data []byte) {
	for len(fm.hashes) <= i {
		fm.hashes = append(fm.hashes, [20]byte{})
	}
	fm.hashes[i] = sha1.Sum(data)
}

type fakeDispatcher struct {
	mu   sync.Mutex
	jobs []WriteJob
}

// QueueWrite reports success only when the job's bytes hash to
// ExpectedSHA1, as the disk queue's verified write does.
func (d *fakeDispatcher) QueueWrite(job WriteJob) {
	d.mu.Lock()
	d.jobs = append(d.jobs, job)
	d.mu.Unlock()
	job.Done(sha1.Sum(job.Data) == job.ExpectedSHA1)
}

func allPeerHas(int) bool { return true }

func TestManagerSingleBlockPieceRoundTrip(t *testing.T) {
	require := require.New(t)

	meta := newFakeMeta(wire.BlockSize, wire.BlockSize*2) // 2 pieces, 1 block each
	data0 := make([]byte, wire.BlockSize)
	data1 := make([]byte, wire.BlockSize)
	for i := range data0 {
		data0[i] = byte(i)
	}
	for i := range data1 {
		data1[i] = byte(255 - i)
	}
	meta.setHash(0, data0)
	meta.setHash(1, data1)

	disp := &fakeDispatcher{}
	clk := clock.NewMock()
	mgr := NewManager(Config{}, meta, disp, clk, nil, nil)

	peer, err := core.RandomPeerID()
	require.NoError(err)

	reqs := mgr.NextRequests(peer, allPeerHas, 8)
	require.Len(reqs, 2)

	// Requests come back in no fixed piece order.
	data := map[int][]byte{0: data0, 1: data1}
	res := mgr.OnBlock(peer, reqs[0].Piece, reqs[0].Begin, data[reqs[0].Piece])
	require.True(res.PieceCompleted)
	res = mgr.OnBlock(peer, reqs[1].Piece, reqs[1].Begin, data[reqs[1].Piece])
	require.True(res.PieceCompleted)

	require.True(mgr.Complete())
	require.Len(disp.jobs, 2)
}

func TestManagerCorruptPieceResetsAndBansAfterThreshold(t *testing.T) {
	require := require.New(t)

	meta := newFakeMeta(wire.BlockSize, wire.BlockSize)
	good := make([]byte, wire.BlockSize)
	meta.setHash(0, good) // hash never matches the bad data we feed in

	disp := &fakeDispatcher{}
	clk := clock.NewMock()
	mgr := NewManager(Config{CorruptionThreshold: 2}, meta, disp, clk, nil, nil)

	peer, err := core.RandomPeerID()
	require.NoError(err)

	bad := make([]byte, wire.BlockSize)
	bad[0] = 0xFF // differs from `good`, so the completed piece will hash-mismatch

	for i := 0; i < 2; i++ {
		reqs := mgr.NextRequests(peer, allPeerHas, 1)
		require.Len(reqs, 1)
		res := mgr.OnBlock(peer, reqs[0].Piece, reqs[0].Begin, bad)
		require.True(res.PieceCompleted)
	}

	require.True(mgr.IsBanned(peer))
	require.False(mgr.Complete())
}

func TestManagerEndgameDuplicatesRequestsAndCancelsLoser(t *testing.T) {
	require := require.New(t)

	meta := newFakeMeta(wire.BlockSize, wire.BlockSize)
	data := make([]byte, wire.BlockSize)
	meta.setHash(0, data)

	disp := &fakeDispatcher{}
	clk := clock.NewMock()
	mgr := NewManager(Config{EndgameThreshold: 10 * time.Second}, meta, disp, clk, nil, nil)

	peerA, _ := core.RandomPeerID()
	peerB, _ := core.RandomPeerID()

	reqsA := mgr.NextRequests(peerA, allPeerHas, 1)
	require.Len(reqsA, 1)

	clk.Add(11 * time.Second)

	reqsB := mgr.NextRequests(peerB, allPeerHas, 1)
	require.Len(reqsB, 1, "endgame should re-request the same outstanding block from another peer")

	res := mgr.OnBlock(peerB, reqsB[0].Piece, reqsB[0].Begin, data)
	require.True(res.PieceCompleted)
	require.Contains(res.Cancels, peerA)
}
