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

import "time"

// EventType names one of the host-facing notifications of spec.md §6.
type EventType string

// Event types.
const (
	EventTorrentAdded   EventType = "torrent_added"
	EventTorrentRemoved EventType = "torrent_removed"
	EventPieceComplete  EventType = "piece_complete"
	EventTorrentComplete EventType = "torrent_complete"
	EventStateUpdate    EventType = "state_update"
	EventLog            EventType = "log"
	EventError          EventType = "error"
)

// Event is one notification handed to the host via Engine.Events(). Only
// the fields relevant to Type are populated.
type Event struct {
	Type      EventType
	At        time.Time
	InfoHash  string
	Piece     int
	Snapshot  []TorrentSnapshot
	LogLine   string
	Err       *Error
}

// emitter buffers events for the host to drain; it never blocks a tick on
// a slow consumer, mirroring the drain-once-per-tick idiom used throughout
// this engine (dht.Server.Poll, peerconn.Conn.Drain).
type emitter struct {
	ch chan Event
}

func newEmitter(capacity int) *emitter {
	if capacity <= 0 {
		capacity = 1024
	}
	return &emitter{ch: make(chan Event, capacity)}
}

// emit enqueues ev, dropping it if the channel is full rather than
// blocking the tick loop. state_update events are expected to coalesce via
// rate limiting before ever reaching this point, so a drop here only loses
// a log line or a rapid burst of piece_complete events under an unusually
// slow consumer.
func (e *emitter) emit(ev Event) {
	select {
	case e.ch <- ev:
	default:
	}
}

// Events returns the channel the host should range over to receive engine
// notifications.
func (e *emitter) Events() <-chan Event {
	return e.ch
}
