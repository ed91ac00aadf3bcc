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
	"math"
	"net"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/uber-go/tally"
	"go.uber.org/zap"

	"github.com/btengine/engine/capability"
)

// Swarm tracks every known address for one torrent and decides, each
// engine tick, which addresses are worth dialing next (spec.md §4.3).
type Swarm struct {
	config Config
	clk    capability.Clock
	stats  tally.Scope
	logger *zap.SugaredLogger

	mu    sync.Mutex
	peers map[string]*Peer
}

// New creates an empty Swarm for one torrent.
func New(config Config, clk capability.Clock, stats tally.Scope, logger *zap.SugaredLogger) *Swarm {
	if stats == nil {
		stats = tally.NoopScope
	}
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	return &Swarm{
		config: config.applyDefaults(),
		clk:    clk,
		stats:  stats.Tagged(map[string]string{"module": "swarm"}),
		logger: logger,
		peers:  make(map[string]*Peer),
	}
}

// AddCandidate registers addr as known, from source. Re-adding an address
// already known does not downgrade its recorded source or reset its
// counters (spec.md §4.3 "de-duplicated by addr:port").
func (s *Swarm) AddCandidate(addr string, source Source) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.peers[addr]; ok {
		return
	}
	s.peers[addr] = &Peer{Addr: addr, Source: source, State: StateNew}
	s.stats.Counter("candidates_added").Inc(1)
}

// Get returns the SwarmPeer for addr, if known.
func (s *Swarm) Get(addr string) (Peer, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.peers[addr]
	if !ok {
		return Peer{}, false
	}
	return *p, true
}

// Peers returns a snapshot of every known address.
func (s *Swarm) Peers() []Peer {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Peer, 0, len(s.peers))
	for _, p := range s.peers {
		out = append(out, *p)
	}
	return out
}

// Connected counts addresses currently in StateConnected.
func (s *Swarm) Connected() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, p := range s.peers {
		if p.State == StateConnected {
			n++
		}
	}
	return n
}

// Target returns the configured per-torrent connected-peer goal.
func (s *Swarm) Target() int {
	return s.config.TargetPeersPerTorrent
}

// backoffFor returns how long to wait after FailureCount consecutive
// failures before addr is eligible again (spec.md §4.3 "base 15s, cap
// 15min").
func (s *Swarm) backoffFor(failures int) float64 {
	if failures <= 0 {
		return 0
	}
	d := float64(s.config.BackoffBase) * math.Pow(2, float64(failures-1))
	if max := float64(s.config.BackoffMax); d > max {
		d = max
	}
	return d
}

// suspiciousPort flags well-known low ports and port 0 as unlikely to be a
// real BitTorrent peer listener (spec.md §4.3 "non-suspicious port").
func suspiciousPort(addr string) bool {
	_, portStr, err := net.SplitHostPort(addr)
	if err != nil {
		return true
	}
	port, err := strconv.Atoi(portStr)
	if err != nil {
		return true
	}
	return port == 0 || port < 1024
}

// eligible reports whether p may be dialed right now: not already
// connecting/connected/banned, and past its backoff window.
func (s *Swarm) eligible(p *Peer, now time.Time) bool {
	switch p.State {
	case StateConnecting, StateConnected, StateBanned:
		return false
	}
	if p.FailureCount == 0 || p.LastAttempt.IsZero() {
		return true
	}
	wait := time.Duration(s.backoffFor(p.FailureCount))
	return now.Sub(p.LastAttempt) >= wait
}

// NextCandidates returns up to budget addresses to dial next, ordered by
// spec.md §4.3's priority: fewest consecutive failures, most recent
// success, non-suspicious port, source preference (incoming > tracker >
// dht > pex > hint). Repeated quick disconnects bias an address back by
// Config.QuickDisconnectBias priority slots (spec.md §4.2).
func (s *Swarm) NextCandidates(budget int) []string {
	if budget <= 0 {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.clk.Now()
	var elig []*Peer
	for _, p := range s.peers {
		if s.eligible(p, now) {
			elig = append(elig, p)
		}
	}

	rank := func(p *Peer) (int, int64, bool, int) {
		failures := p.FailureCount + p.QuickDisconnectCount*s.config.QuickDisconnectBias
		return failures, -p.LastSuccess.UnixNano(), suspiciousPort(p.Addr), int(p.Source)
	}

	sort.Slice(elig, func(i, j int) bool {
		fi, si, pi, srci := rank(elig[i])
		fj, sj, pj, srcj := rank(elig[j])
		if fi != fj {
			return fi < fj
		}
		if si != sj {
			return si < sj
		}
		if pi != pj {
			return !pi // non-suspicious (false) sorts first
		}
		if srci != srcj {
			return srci < srcj
		}
		return elig[i].Addr < elig[j].Addr
	})

	if len(elig) > budget {
		elig = elig[:budget]
	}
	out := make([]string, len(elig))
	for i, p := range elig {
		out[i] = p.Addr
	}
	return out
}

// OnConnecting marks addr as dialing, recording the attempt.
func (s *Swarm) OnConnecting(addr string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.peers[addr]
	if !ok {
		p = &Peer{Addr: addr, Source: SourceHint}
		s.peers[addr] = p
	}
	p.State = StateConnecting
	p.AttemptCount++
	p.LastAttempt = s.clk.Now()
}

// OnConnected marks addr as connected, resetting its failure streak.
func (s *Swarm) OnConnected(addr string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.peers[addr]
	if !ok {
		return
	}
	p.State = StateConnected
	p.FailureCount = 0
	p.LastSuccess = s.clk.Now()
	s.stats.Counter("connected").Inc(1)
}

// OnDisconnected marks addr as disconnected, bumping its failure streak and
// optionally its quick-disconnect counter (spec.md §4.2 "close within 30s
// of connect with zero bytes exchanged").
func (s *Swarm) OnDisconnected(addr string, quickDisconnect bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.peers[addr]
	if !ok {
		return
	}
	p.State = StateDisconnected
	p.FailureCount++
	if quickDisconnect {
		p.QuickDisconnectCount++
		s.stats.Counter("quick_disconnect").Inc(1)
	}
}

// Ban marks addr as permanently unusable for this torrent (spec.md §4.4
// corruption threshold, or an explicit protocol violation).
func (s *Swarm) Ban(addr, reason string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.peers[addr]
	if !ok {
		p = &Peer{Addr: addr}
		s.peers[addr] = p
	}
	p.State = StateBanned
	p.BanReason = reason
	s.stats.Counter("banned").Inc(1)
}

// SetClientInfo records a connected peer's advertised client name / country
// code, surfaced for introspection (spec.md §3 SwarmPeer).
func (s *Swarm) SetClientInfo(addr, clientName, countryCode string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.peers[addr]
	if !ok {
		return
	}
	p.ClientName = clientName
	p.CountryCode = countryCode
}
