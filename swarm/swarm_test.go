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
package swarm

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/btengine/engine/capability/memory"
)

func TestSwarmDedupesCandidates(t *testing.T) {
	s := New(Config{}, memory.NewClock(0), nil, nil)
	s.AddCandidate("1.2.3.4:6881", SourceTracker)
	s.AddCandidate("1.2.3.4:6881", SourceDHT)

	p, ok := s.Get("1.2.3.4:6881")
	require.True(t, ok)
	require.Equal(t, SourceTracker, p.Source) // first source wins
}

func TestSwarmNextCandidatesPrefersSourceAndFreshness(t *testing.T) {
	s := New(Config{}, memory.NewClock(0), nil, nil)
	s.AddCandidate("10.0.0.1:6881", SourcePEX)
	s.AddCandidate("10.0.0.2:6881", SourceIncoming)
	s.AddCandidate("10.0.0.3:6881", SourceTracker)

	cands := s.NextCandidates(10)
	require.Equal(t, []string{"10.0.0.2:6881", "10.0.0.3:6881", "10.0.0.1:6881"}, cands)
}

func TestSwarmConnectingExcludedFromCandidates(t *testing.T) {
	s := New(Config{}, memory.NewClock(0), nil, nil)
	s.AddCandidate("10.0.0.1:6881", SourceTracker)
	s.OnConnecting("10.0.0.1:6881")

	require.Empty(t, s.NextCandidates(10))
}

func TestSwarmBackoffExcludesRecentFailure(t *testing.T) {
	clk := memory.NewClock(0)
	s := New(Config{BackoffBase: time.Second, BackoffMax: 10 * time.Second}, clk, nil, nil)
	s.AddCandidate("10.0.0.1:6881", SourceTracker)
	s.OnConnecting("10.0.0.1:6881")
	s.OnDisconnected("10.0.0.1:6881", false)

	require.Empty(t, s.NextCandidates(10))

	clk.Advance(int64(2 * time.Second))
	require.Equal(t, []string{"10.0.0.1:6881"}, s.NextCandidates(10))
}

func TestSwarmBanExcludesFromCandidates(t *testing.T) {
	s := New(Config{}, memory.NewClock(0), nil, nil)
	s.AddCandidate("10.0.0.1:6881", SourceTracker)
	s.Ban("10.0.0.1:6881", "corrupt pieces")

	require.Empty(t, s.NextCandidates(10))
	p, _ := s.Get("10.0.0.1:6881")
	require.Equal(t, StateBanned, p.State)
}

func TestSwarmQuickDisconnectBiasesScheduling(t *testing.T) {
	clk := memory.NewClock(0)
	s := New(Config{BackoffBase: time.Millisecond, BackoffMax: time.Millisecond, QuickDisconnectBias: 5}, clk, nil, nil)
	s.AddCandidate("10.0.0.1:6881", SourceTracker)
	s.AddCandidate("10.0.0.2:6881", SourceTracker)

	s.OnConnecting("10.0.0.1:6881")
	s.OnDisconnected("10.0.0.1:6881", true) // quick disconnect

	clk.Advance(int64(time.Second))
	cands := s.NextCandidates(10)
	require.Equal(t, []string{"10.0.0.2:6881", "10.0.0.1:6881"}, cands)
}
