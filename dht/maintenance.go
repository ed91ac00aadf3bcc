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
package dht

import "time"

// Maintain runs the DHT's periodic upkeep (spec.md §4.5 maintenance):
// bucket refresh, token rotation, peer-store cleanup, sleep/wake detection
// and the staleness-triggered re-bootstrap guard. Call once per engine
// tick. Token rotation, sleep/wake handling and the re-bootstrap guard act
// only when their own condition holds; bucket refresh and peer-store
// cleanup run on every call.
func (s *Server) Maintain(now time.Time) {
	s.detectSleepWake(now)
	s.refreshStaleBuckets(now)
	s.tokens.MaybeRotate(now, s.rnd.Fill)
	s.peers.Cleanup(now)
	s.checkStaleness(now)
}

// refreshStaleBuckets sends find_node(random_id_in_bucket) to the closest
// known nodes for every bucket that hasn't changed in BucketStaleAfter
// (spec.md §4.5 maintenance (a)). It runs on every Maintain call and does
// not read Config.BucketRefreshInterval, so a bucket that stays stale is
// queried again on each call.
func (s *Server) refreshStaleBuckets(now time.Time) {
	for _, idx := range s.rt.StaleBuckets(s.config.BucketStaleAfter, now) {
		target := s.rt.RandomIDInBucket(idx, s.rnd.Fill)
		for _, n := range s.rt.Closest(target, s.config.Alpha) {
			n := n
			s.FindNode(n.Host, n.Port, target, func(nodes []Node, err error) {
				if err != nil {
					return
				}
				for _, found := range nodes {
					s.touchNode(found)
				}
			})
		}
	}
}

// detectSleepWake compares wall-clock and monotonic elapsed time since the
// last maintenance pass; a large divergence means the process was
// suspended (spec.md §4.5 maintenance "sleep/wake detection"). A short wake
// samples a handful of routing table entries with a ping; a long wake
// forces a fresh re-bootstrap, since the table is likely all stale.
func (s *Server) detectSleepWake(now time.Time) {
	wallElapsed := now.Sub(s.lastMaintainWall)
	monoElapsed := time.Duration(s.clk.Monotonic() - s.lastMaintainMono)
	s.lastMaintainWall = now
	s.lastMaintainMono = s.clk.Monotonic()

	drift := wallElapsed - monoElapsed
	if drift < s.config.WakeMargin {
		return
	}

	s.stats.Counter("sleep_wake_detected").Inc(1)
	if drift <= s.config.ShortWakeThreshold {
		s.spotCheck(now)
		return
	}
	s.forceRebootstrap()
}

// spotCheck pings a handful of routing table entries closest to our own id
// to confirm they're still reachable after a short suspension.
func (s *Server) spotCheck(now time.Time) {
	for _, n := range s.rt.Closest(s.localID, s.config.Alpha) {
		n := n
		s.Ping(n.Host, n.Port, func(_ Node, err error) {
			s.rt.ReportPingResult(n.ID, err == nil, s.clk.Now(), nil)
		})
	}
}

// checkStaleness re-bootstraps when recent queries have been failing at or
// above Config.StalenessFailureRate, guarding against overlapping
// re-bootstraps (spec.md §4.5 maintenance (e)).
func (s *Server) checkStaleness(now time.Time) {
	rate, full := s.failureRate()
	if !full || rate < s.config.StalenessFailureRate {
		return
	}
	s.forceRebootstrap()
}

func (s *Server) forceRebootstrap() {
	s.mu.Lock()
	if s.rebootstrapping {
		s.mu.Unlock()
		return
	}
	s.rebootstrapping = true
	s.mu.Unlock()

	s.stats.Counter("rebootstrap").Inc(1)
	s.Bootstrap(func(stats BootstrapStats) {
		s.mu.Lock()
		s.rebootstrapping = false
		s.mu.Unlock()
		s.logger.Infow("dht re-bootstrap complete",
			"iterations", stats.Iterations,
			"nodesAdded", stats.NodesAdded,
			"nodesQueried", stats.NodesQueried)
	})
}
