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

func (e *Engine) emitTorrentAdded(infoHash string) {
	e.emit.emit(Event{Type: EventTorrentAdded, At: e.clk.Now(), InfoHash: infoHash})
}

func (e *Engine) emitTorrentRemoved(infoHash string) {
	e.emit.emit(Event{Type: EventTorrentRemoved, At: e.clk.Now(), InfoHash: infoHash})
}

func (e *Engine) emitPieceComplete(infoHash string, piece int) {
	e.emit.emit(Event{Type: EventPieceComplete, At: e.clk.Now(), InfoHash: infoHash, Piece: piece})
}

func (e *Engine) emitTorrentComplete(infoHash string) {
	e.emit.emit(Event{Type: EventTorrentComplete, At: e.clk.Now(), InfoHash: infoHash})
}

func (e *Engine) emitLog(line string) {
	e.emit.emit(Event{Type: EventLog, At: e.clk.Now(), LogLine: line})
}

func (e *Engine) emitError(err *Error) {
	e.logger.Warnw("engine error", "kind", err.Kind, "infohash", err.InfoHash, "message", err.Message)
	e.emit.emit(Event{Type: EventError, At: e.clk.Now(), InfoHash: err.InfoHash, Err: err})
}
