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

import (
	"sort"
	"sync"
)

// lookupCandidate is one node under consideration during an iterative
// lookup: whether it has been queried yet, and (once it has responded)
// the token it returned, if any.
type lookupCandidate struct {
	node      Node
	queried   bool
	contacted bool
	token     []byte
}

// LookupResult is the outcome of an iterative get_peers lookup: every peer
// collected along the way, the K closest nodes that actually responded
// (candidates for a subsequent announce_peer), and the token each of those
// returned.
type LookupResult struct {
	Peers     []StoredPeer
	Responded []Node
	Tokens    map[ID][]byte
}

// Lookup drives one iterative get_peers lookup (spec.md §4.5). It never
// blocks: progress happens entirely inside Server query callbacks, so it
// fits the engine's single-threaded cooperative tick model. Callers must
// keep invoking Server.Poll every tick so in-flight queries can time out
// and the lookup can keep making progress.
type Lookup struct {
	srv    *Server
	target ID
	alpha  int

	mu         sync.Mutex
	candidates []*lookupCandidate
	inFlight   int
	finished   bool
	result     LookupResult
	done       func(LookupResult)
}

// StartGetPeersLookup seeds a Lookup with the K closest known nodes to
// infoHash and begins querying up to Alpha of them concurrently. done
// fires exactly once, when the lookup converges.
func (s *Server) StartGetPeersLookup(infoHash ID, done func(LookupResult)) *Lookup {
	l := &Lookup{
		srv:    s,
		target: infoHash,
		alpha:  s.config.Alpha,
		done:   done,
	}
	l.result.Tokens = make(map[ID][]byte)
	for _, n := range s.rt.Closest(infoHash, K) {
		l.candidates = append(l.candidates, &lookupCandidate{node: n})
	}
	l.pump()
	return l
}

func sortCandidatesByDistance(candidates []*lookupCandidate, target ID) {
	sort.Slice(candidates, func(i, j int) bool {
		return candidates[i].node.ID.Distance(target).Less(candidates[j].node.ID.Distance(target))
	})
}

func (l *Lookup) pump() {
	l.mu.Lock()
	if l.finished {
		l.mu.Unlock()
		return
	}
	sortCandidatesByDistance(l.candidates, l.target)

	var toQuery []Node
	for l.inFlight < l.alpha {
		c := l.nextUnqueriedLocked()
		if c == nil {
			break
		}
		c.queried = true
		l.inFlight++
		toQuery = append(toQuery, c.node)
	}
	idle := l.inFlight == 0
	l.mu.Unlock()

	if idle {
		l.finish()
		return
	}
	for _, node := range toQuery {
		node := node
		l.srv.GetPeers(node.Host, node.Port, l.target, func(res GetPeersResult, err error) {
			l.onResult(node, res, err)
		})
	}
}

func (l *Lookup) nextUnqueriedLocked() *lookupCandidate {
	for _, c := range l.candidates {
		if !c.queried {
			return c
		}
	}
	return nil
}

func (l *Lookup) addCandidateLocked(n Node) {
	for _, c := range l.candidates {
		if c.node.ID == n.ID {
			return
		}
	}
	l.candidates = append(l.candidates, &lookupCandidate{node: n})
}

func (l *Lookup) onResult(node Node, res GetPeersResult, err error) {
	l.mu.Lock()
	l.inFlight--
	if err == nil {
		for _, c := range l.candidates {
			if c.node.ID == node.ID {
				c.contacted = true
				c.token = res.Token
				break
			}
		}
		l.result.Peers = append(l.result.Peers, res.Peers...)
		if len(res.Token) > 0 {
			l.result.Tokens[node.ID] = res.Token
		}
		for _, n := range res.Nodes {
			l.addCandidateLocked(n)
		}
	}
	converged := l.convergedLocked()
	l.mu.Unlock()

	if converged {
		l.finish()
	} else {
		l.pump()
	}
}

// convergedLocked implements spec.md §4.5's stopping rule: "when the K
// closest that responded are all at least as close as any unqueried
// candidate, stop." Must be called with l.mu held.
func (l *Lookup) convergedLocked() bool {
	sortCandidatesByDistance(l.candidates, l.target)

	var responded []*lookupCandidate
	for _, c := range l.candidates {
		if c.contacted {
			responded = append(responded, c)
		}
	}

	hasUnqueried := l.nextUnqueriedLocked() != nil
	if !hasUnqueried {
		return true
	}
	if len(responded) < K {
		return false
	}

	worst := responded[K-1].node.ID.Distance(l.target)
	for _, c := range l.candidates {
		if c.queried {
			continue
		}
		if c.node.ID.Distance(l.target).Less(worst) {
			return false
		}
	}
	return true
}

func (l *Lookup) finish() {
	l.mu.Lock()
	if l.finished {
		l.mu.Unlock()
		return
	}
	l.finished = true
	sortCandidatesByDistance(l.candidates, l.target)
	for _, c := range l.candidates {
		if c.contacted && len(l.result.Responded) < K {
			l.result.Responded = append(l.result.Responded, c.node)
		}
	}
	result := l.result
	done := l.done
	l.mu.Unlock()

	if done != nil {
		done(result)
	}
}

// Announce sends announce_peer to every node in res.Responded for which a
// token was collected, reporting success/total once every reply has
// arrived or timed out (spec.md §4.5 "Announce").
func (s *Server) Announce(infoHash ID, myPort int, res LookupResult, done func(success, total int)) {
	var targets []Node
	for _, n := range res.Responded {
		if _, ok := res.Tokens[n.ID]; ok {
			targets = append(targets, n)
		}
	}
	if len(targets) == 0 {
		done(0, 0)
		return
	}

	var mu sync.Mutex
	success := 0
	remaining := len(targets)
	for _, n := range targets {
		token := res.Tokens[n.ID]
		s.AnnouncePeer(n.Host, n.Port, infoHash, myPort, token, func(err error) {
			mu.Lock()
			if err == nil {
				success++
			}
			remaining--
			fire := remaining == 0
			total := len(targets)
			s := success
			mu.Unlock()
			if fire {
				done(s, total)
			}
		})
	}
}
