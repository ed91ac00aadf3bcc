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

// Package swarm implements spec.md §4.3: the set of known addresses for one
// torrent and the priority scheduling that decides which to dial next under
// a global connection budget. No teacher file covers this directly (kraken
// discovers peers purely from its own tracker, with no candidate-priority
// scheduling or backoff bookkeeping across discovery sources), so Swarm is
// built from spec.md §3/§4.3 directly while keeping the ambient
// capability.Clock/tally.Scope/zap conventions the rest of the pack uses.
package swarm

import "time"

// Source records where a candidate address was learned from, used to break
// ties in scheduling priority (spec.md §4.3 "source preference").
type Source int

// Discovery sources, highest scheduling preference first.
const (
	SourceIncoming Source = iota
	SourceTracker
	SourceDHT
	SourcePEX
	SourceHint
)

func (s Source) String() string {
	switch s {
	case SourceIncoming:
		return "incoming"
	case SourceTracker:
		return "tracker"
	case SourceDHT:
		return "dht"
	case SourcePEX:
		return "pex"
	case SourceHint:
		return "hint"
	default:
		return "unknown"
	}
}

// State is a SwarmPeer's connection lifecycle state (spec.md §3 SwarmPeer).
type State int

// SwarmPeer states.
const (
	StateNew State = iota
	StateConnecting
	StateConnected
	StateDisconnected
	StateBanned
)

func (s State) String() string {
	switch s {
	case StateNew:
		return "new"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateDisconnected:
		return "disconnected"
	case StateBanned:
		return "banned"
	default:
		return "unknown"
	}
}

// Peer is one known address for a torrent's swarm (spec.md §3 SwarmPeer).
// Uniqueness is "addr:port", tracked by the Swarm's map key.
type Peer struct {
	Addr   string
	Source Source
	State  State

	AttemptCount int
	FailureCount int

	LastAttempt time.Time
	LastSuccess time.Time

	ClientName  string
	CountryCode string

	QuickDisconnectCount int
	BanReason            string
}
