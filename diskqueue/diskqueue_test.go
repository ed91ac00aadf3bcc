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
package diskqueue

import (
	"context"
	"crypto/sha1"
	"sync"
	"testing"

	"github.com/andres-erbsen/clock"
	"github.com/stretchr/testify/require"

	"github.com/btengine/engine/capability"
	"github.com/btengine/engine/capability/local"
	"github.com/btengine/engine/capability/memory"
)

type singleRootResolver struct {
	fs capability.IFileSystem
}

func (r singleRootResolver) Resolve(rootKey string) (capability.IFileSystem, error) {
	return r.fs, nil
}

func TestQueueVerifiedWriteSuccess(t *testing.T) {
	require := require.New(t)

	fs := memory.NewFileSystem()
	q := New(Config{}, singleRootResolver{fs}, local.Hasher{}, clock.New(), nil, nil)

	data := []byte("hello piece bytes")
	sum := sha1.Sum(data)

	var wg sync.WaitGroup
	wg.Add(1)
	var res Result
	q.QueueVerifiedWrite(&Job{
		Root:         "root",
		Path:         "file.bin",
		Offset:       0,
		Data:         data,
		ExpectedSHA1: sum,
		Complete: func(r Result) {
			res = r
			wg.Done()
		},
	})
	q.Flush(context.Background())
	wg.Wait()

	require.Equal(Success, res.Outcome)
	require.Equal(len(data), res.BytesWritten)

	f, err := fs.Open("file.bin", capability.ModeRead)
	require.NoError(err)
	buf := make([]byte, len(data))
	_, err = f.ReadAt(buf, 0)
	require.NoError(err)
	require.Equal(data, buf)
}

func TestQueueVerifiedWriteHashMismatch(t *testing.T) {
	require := require.New(t)

	fs := memory.NewFileSystem()
	q := New(Config{}, singleRootResolver{fs}, local.Hasher{}, clock.New(), nil, nil)

	data := []byte("corrupted block")
	var wrongSum [20]byte // all zero, never matches a real sha1.

	var wg sync.WaitGroup
	wg.Add(1)
	var res Result
	q.QueueVerifiedWrite(&Job{
		Root:         "root",
		Path:         "file.bin",
		Data:         data,
		ExpectedSHA1: wrongSum,
		Complete: func(r Result) {
			res = r
			wg.Done()
		},
	})
	q.Flush(context.Background())
	wg.Wait()

	require.Equal(HashMismatch, res.Outcome)
	require.False(fs.Exists("file.bin"))
}

func TestDrainFiresAllCompletionsExactlyOnce(t *testing.T) {
	require := require.New(t)

	fs := memory.NewFileSystem()
	q := New(Config{}, singleRootResolver{fs}, local.Hasher{}, clock.New(), nil, nil)

	const n = 20
	var mu sync.Mutex
	fired := make(map[int]int)
	var wg sync.WaitGroup
	wg.Add(n)
	for i := 0; i < n; i++ {
		i := i
		data := []byte{byte(i)}
		sum := sha1.Sum(data)
		q.QueueVerifiedWrite(&Job{
			Root:         "root",
			Path:         "many.bin",
			Offset:       int64(i),
			Data:         data,
			ExpectedSHA1: sum,
			Complete: func(r Result) {
				mu.Lock()
				fired[i]++
				mu.Unlock()
				wg.Done()
			},
		})
	}
	q.Drain(context.Background())
	wg.Wait()

	for i := 0; i < n; i++ {
		require.Equal(1, fired[i], "job %d should complete exactly once", i)
	}
}
