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

import "github.com/btengine/engine/core"

// Priority is a per-file download priority (spec.md §3 File).
type Priority int

// Priorities, values fixed by spec.md §3.
const (
	PriorityNormal Priority = 0
	PrioritySkip   Priority = 1
	PriorityHigh   Priority = 2
)

// FileSpan is one file's byte range within the concatenated piece stream,
// plus its current priority.
type FileSpan struct {
	Entry    core.FileEntry
	Start    int64 // inclusive byte offset within the torrent
	End      int64 // exclusive
	Priority Priority
}

// overlapsPiece reports whether this file's byte range intersects the byte
// range [pieceStart, pieceEnd) of a piece.
func (f FileSpan) overlapsPiece(pieceStart, pieceEnd int64) bool {
	return f.Start < pieceEnd && f.End > pieceStart
}

// buildFileSpans lays out files contiguously starting at offset 0, as BEP 3
// dictates for the concatenated piece stream.
func buildFileSpans(files []core.FileEntry) []*FileSpan {
	spans := make([]*FileSpan, len(files))
	var offset int64
	for i, f := range files {
		spans[i] = &FileSpan{Entry: f, Start: offset, End: offset + f.Length, Priority: PriorityNormal}
		offset += f.Length
	}
	return spans
}
