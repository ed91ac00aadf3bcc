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
	"fmt"
	"net"
	"strconv"
	"sync"
)

// BootstrapStats summarizes one bootstrap pass for logging/metrics.
type BootstrapStats struct {
	Iterations   int
	NodesAdded   int
	NodesQueried int
}

// bootstrapCandidate tracks one node seen during bootstrap convergence.
type bootstrapCandidate struct {
	node    Node
	queried bool
}

type bootstrap struct {
	srv    *Server
	target ID

	mu         sync.Mutex
	candidates []*bootstrapCandidate
	seen       map[ID]bool
	inFlight   int
	iteration  int
	stats      BootstrapStats
	done       func(BootstrapStats)
}

// Bootstrap seeds the routing table by querying the configured well-known
// hosts with find_node(self_id), then iteratively following the nodes they
// return, the same way a lookup converges, capped at
// Config.BootstrapMaxIterations rounds (spec.md §4.5 "Bootstrap"). done
// fires exactly once.
func (s *Server) Bootstrap(done func(BootstrapStats)) {
	b := &bootstrap{
		srv:    s,
		target: s.localID,
		seen:   make(map[ID]bool),
		done:   done,
	}
	for _, addr := range s.config.BootstrapNodes {
		host, port, err := splitHostPort(addr)
		if err != nil {
			s.logger.Warnw("skipping malformed dht bootstrap node", "addr", addr, "error", err)
			continue
		}
		n := Node{Host: host, Port: port}
		b.candidates = append(b.candidates, &bootstrapCandidate{node: n})
	}
	b.pump()
}

func splitHostPort(addr string) (string, int, error) {
	host, portStr, err := net.SplitHostPort(addr)
	if err != nil {
		return "", 0, err
	}
	port, err := strconv.Atoi(portStr)
	if err != nil {
		return "", 0, fmt.Errorf("bad port in %q: %s", addr, err)
	}
	return host, port, nil
}

func (b *bootstrap) pump() {
	b.mu.Lock()
	if b.iteration >= b.srv.config.BootstrapMaxIterations {
		b.mu.Unlock()
		b.finish()
		return
	}

	var toQuery []Node
	for b.inFlight < b.srv.config.Alpha {
		c := b.nextUnqueriedLocked()
		if c == nil {
			break
		}
		c.queried = true
		b.inFlight++
		toQuery = append(toQuery, c.node)
	}
	idle := b.inFlight == 0
	if len(toQuery) > 0 {
		b.iteration++
	}
	b.mu.Unlock()

	if idle {
		b.finish()
		return
	}
	for _, node := range toQuery {
		node := node
		b.srv.stats.Counter("bootstrap_query").Inc(1)
		args := idArg(b.srv.localID)
		args["target"] = string(b.target[:])
		b.srv.sendQuery(node.Host, node.Port, "find_node", args, func(msg krpcMessage, err error) {
			if err != nil {
				b.onResult(node, nil, err)
				return
			}
			if id, idErr := parseIDField(msg.R, "id"); idErr == nil {
				node.ID = id
			}
			nodes, nerr := decodeNodesField(msg.R)
			b.onResult(node, nodes, nerr)
		})
	}
}

func (b *bootstrap) nextUnqueriedLocked() *bootstrapCandidate {
	for _, c := range b.candidates {
		if !c.queried {
			return c
		}
	}
	return nil
}

func (b *bootstrap) onResult(node Node, nodes []Node, err error) {
	b.mu.Lock()
	b.inFlight--
	b.stats.NodesQueried++
	if err == nil {
		if !b.seen[node.ID] && node.ID != (ID{}) {
			b.seen[node.ID] = true
		}
		added := b.srv.rt.Add(node, b.srv.clk.Now())
		if added.Added {
			b.stats.NodesAdded++
		}
		for _, n := range nodes {
			if b.seen[n.ID] {
				continue
			}
			b.seen[n.ID] = true
			b.candidates = append(b.candidates, &bootstrapCandidate{node: n})
		}
	}
	exhausted := b.nextUnqueriedLocked() == nil && b.inFlight == 0
	b.mu.Unlock()

	if exhausted {
		b.finish()
	} else {
		b.pump()
	}
}

func (b *bootstrap) finish() {
	b.mu.Lock()
	if b.done == nil {
		b.mu.Unlock()
		return
	}
	b.stats.Iterations = b.iteration
	stats := b.stats
	done := b.done
	b.done = nil
	b.mu.Unlock()
	done(stats)
}
