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
	"github.com/btengine/engine/diskqueue"
	"github.com/btengine/engine/piecemgr"
)

// rootDispatcher satisfies piecemgr.Dispatcher by translating a WriteJob
// scoped to one torrent's file paths into a diskqueue.Job scoped to that
// torrent's storage root key (spec.md §3 StorageRoot).
type rootDispatcher struct {
	rootKey string
	queue   *diskqueue.Queue
}

func newRootDispatcher(rootKey string, queue *diskqueue.Queue) *rootDispatcher {
	return &rootDispatcher{rootKey: rootKey, queue: queue}
}

func (d *rootDispatcher) QueueWrite(job piecemgr.WriteJob) {
	d.queue.QueueVerifiedWrite(&diskqueue.Job{
		Root:         d.rootKey,
		Path:         job.Path,
		Offset:       job.Offset,
		Data:         job.Data,
		ExpectedSHA1: job.ExpectedSHA1,
		Complete: func(res diskqueue.Result) {
			job.Done(res.Outcome == diskqueue.Success)
		},
	})
}
