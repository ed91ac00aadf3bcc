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
	"sync"
	"time"

	"github.com/uber-go/tally"
	"go.uber.org/zap"

	"github.com/btengine/engine/capability"
)

// pendingQuery is an outstanding KRPC request awaiting a response or
// timeout, tracked so Poll can fire the timeout without a per-query timer
// goroutine (the engine is single-threaded cooperative, spec.md §5).
type pendingQuery struct {
	method   string
	deadline time.Time
	onReply  func(krpcMessage, error)
}

// Server is the DHT node's KRPC endpoint: one UDP socket, a routing table,
// a token store and peer store, and the outstanding-transaction table. All
// of its methods are safe to call from the tick task only; there is no
// internal locking against concurrent ticks, matching the engine's
// single-threaded scheduling model.
type Server struct {
	config  Config
	localID ID
	socket  capability.IUDPSocket
	clk     capability.Clock
	rnd     capability.Random
	stats   tally.Scope
	logger  *zap.SugaredLogger

	rt     *RoutingTable
	tokens *TokenStore
	peers  *PeerStore

	mu      sync.Mutex
	pending map[string]*pendingQuery
	nextTid uint32

	// outcomes is a fixed-size ring buffer of recent query results, used by
	// the staleness detector (spec.md §4.5 maintenance (e)).
	outcomes     []bool
	outcomeHead  int
	outcomeCount int

	// lastMaintainWall/lastMaintainMono detect sleep/wake: if wall-clock
	// advanced much further than monotonic time since the last maintenance
	// pass, the process was suspended (spec.md §4.5 maintenance "sleep/wake").
	lastMaintainWall time.Time
	lastMaintainMono uint64
	rebootstrapping  bool
}

// NewServer creates a Server bound to socket, with a fresh routing table
// centered on localID.
func NewServer(
	config Config,
	localID ID,
	socket capability.IUDPSocket,
	clk capability.Clock,
	rnd capability.Random,
	stats tally.Scope,
	logger *zap.SugaredLogger) *Server {

	config = config.applyDefaults()
	if stats == nil {
		stats = tally.NoopScope
	}
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	s := &Server{
		config:  config,
		localID: localID,
		socket:  socket,
		clk:     clk,
		rnd:     rnd,
		stats:   stats.Tagged(map[string]string{"module": "dht"}),
		logger:  logger,
		rt:      NewRoutingTable(localID),
		tokens:  NewTokenStore(config.TokenRotateInterval, clk.Now(), rnd.Fill),
		peers:    NewPeerStore(config.PeerStoreMaxPerInfoHash, config.PeerStoreMaxInfoHashes, config.PeerStoreTTL),
		pending:  make(map[string]*pendingQuery),
		outcomes: make([]bool, config.StalenessWindow),
	}
	s.lastMaintainWall = clk.Now()
	s.lastMaintainMono = clk.Monotonic()
	socket.OnMessage(s.handleMessage)
	return s
}

// recordOutcome appends ok to the staleness detector's ring buffer.
func (s *Server) recordOutcome(ok bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.outcomes) == 0 {
		return
	}
	s.outcomes[s.outcomeHead] = ok
	s.outcomeHead = (s.outcomeHead + 1) % len(s.outcomes)
	if s.outcomeCount < len(s.outcomes) {
		s.outcomeCount++
	}
}

// failureRate returns the fraction of failures in the outcome ring buffer,
// and whether the buffer is full enough to judge (spec.md §4.5 maintenance
// (e) "ring buffer of the last ~20 query outcomes").
func (s *Server) failureRate() (rate float64, full bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.outcomeCount < len(s.outcomes) {
		return 0, false
	}
	failures := 0
	for _, ok := range s.outcomes {
		if !ok {
			failures++
		}
	}
	return float64(failures) / float64(len(s.outcomes)), true
}

// RoutingTable exposes the server's table for persistence and inspection.
func (s *Server) RoutingTable() *RoutingTable { return s.rt }

// PeerStore exposes the server's announced-peer store.
func (s *Server) PeerStore() *PeerStore { return s.peers }

func (s *Server) newTransactionID() string {
	s.mu.Lock()
	s.nextTid++
	id := s.nextTid
	s.mu.Unlock()
	return string([]byte{byte(id >> 8), byte(id)})
}

func (s *Server) sendQuery(addr string, port int, method string, args map[string]interface{}, onReply func(krpcMessage, error)) {
	tid := s.newTransactionID()
	msg := newQuery(tid, method, args)
	b, err := encodeMessage(msg)
	if err != nil {
		onReply(krpcMessage{}, fmt.Errorf("encode %s query: %s", method, err))
		return
	}

	s.mu.Lock()
	s.pending[tid] = &pendingQuery{
		method:   method,
		deadline: s.clk.Now().Add(s.config.QueryTimeout),
		onReply:  onReply,
	}
	s.mu.Unlock()

	if err := s.socket.Send(addr, port, b); err != nil {
		s.mu.Lock()
		delete(s.pending, tid)
		s.mu.Unlock()
		onReply(krpcMessage{}, fmt.Errorf("send %s query: %s", method, err))
	}
}

// Poll fires timeout callbacks for any query past its deadline. Call once
// per engine tick.
func (s *Server) Poll(now time.Time) {
	s.mu.Lock()
	var expired []*pendingQuery
	for tid, pq := range s.pending {
		if now.After(pq.deadline) {
			expired = append(expired, pq)
			delete(s.pending, tid)
		}
	}
	s.mu.Unlock()

	for _, pq := range expired {
		s.stats.Counter("query_timeout").Inc(1)
		s.recordOutcome(false)
		pq.onReply(krpcMessage{}, fmt.Errorf("dht: %s query timed out", pq.method))
	}
}

func (s *Server) handleMessage(addr string, port int, b []byte) {
	msg, err := decodeMessage(b)
	if err != nil {
		s.stats.Counter("malformed_message").Inc(1)
		return
	}
	switch msg.Y {
	case "q":
		s.handleQuery(addr, port, msg)
	case "r", "e":
		s.handleReply(msg)
	}
}

func (s *Server) handleReply(msg krpcMessage) {
	s.mu.Lock()
	pq, ok := s.pending[msg.T]
	if ok {
		delete(s.pending, msg.T)
	}
	s.mu.Unlock()
	if !ok {
		return // unknown or already-timed-out transaction.
	}
	if msg.Y == "e" {
		code, text := parseKRPCError(msg.E)
		s.recordOutcome(false)
		pq.onReply(msg, fmt.Errorf("dht: %s error %d: %s", pq.method, code, text))
		return
	}
	s.recordOutcome(true)
	pq.onReply(msg, nil)
}

func parseKRPCError(e []interface{}) (int, string) {
	if len(e) != 2 {
		return ErrGeneric, "malformed error"
	}
	code, _ := e[0].(int64)
	text, _ := e[1].(string)
	return int(code), text
}

func (s *Server) handleQuery(addr string, port int, msg krpcMessage) {
	var resp map[string]interface{}
	var errCode int
	var errMsg string

	switch msg.Q {
	case "ping":
		resp = idArg(s.localID)
	case "find_node":
		target, err := parseIDField(msg.A, "target")
		if err != nil {
			errCode, errMsg = ErrProtocol, err.Error()
			break
		}
		resp = s.findNodeResponse(target)
	case "get_peers":
		ih, err := parseIDField(msg.A, "info_hash")
		if err != nil {
			errCode, errMsg = ErrProtocol, err.Error()
			break
		}
		resp = s.getPeersResponse(addr, ih)
	case "announce_peer":
		var err error
		resp, err = s.announcePeerResponse(addr, port, msg.A)
		if err != nil {
			errCode, errMsg = ErrProtocol, err.Error()
		}
	default:
		errCode, errMsg = ErrMethodUnknown, "method unknown"
	}

	var out krpcMessage
	if errMsg != "" {
		out = newError(msg.T, errCode, errMsg)
	} else {
		out = newResponse(msg.T, resp)
	}
	b, err := encodeMessage(out)
	if err != nil {
		return
	}
	_ = s.socket.Send(addr, port, b)

	if node, err := requesterNode(msg.A, addr, port); err == nil {
		s.touchNode(node)
	}
}

func requesterNode(args map[string]interface{}, addr string, port int) (Node, error) {
	id, err := parseIDField(args, "id")
	if err != nil {
		return Node{}, err
	}
	return Node{ID: id, Host: addr, Port: port}, nil
}

func (s *Server) touchNode(n Node) {
	res := s.rt.Add(n, s.clk.Now())
	if res.PingCandidate != nil {
		s.pingForEviction(*res.PingCandidate, n)
	}
}

// pingForEviction pings a full bucket's LRU node; if it fails to answer,
// candidate replaces it (spec.md §4.5 "otherwise the LRU node is
// ping-tested").
func (s *Server) pingForEviction(lru Node, candidate Node) {
	s.sendQuery(lru.Host, lru.Port, "ping", idArg(s.localID), func(reply krpcMessage, err error) {
		s.rt.ReportPingResult(lru.ID, err == nil, s.clk.Now(), &candidate)
	})
}

func (s *Server) findNodeResponse(target ID) map[string]interface{} {
	closest := s.rt.Closest(target, K)
	var buf []byte
	for _, n := range closest {
		enc, err := EncodeCompactNode(n)
		if err != nil {
			continue
		}
		buf = append(buf, enc...)
	}
	r := idArg(s.localID)
	r["nodes"] = string(buf)
	return r
}

func (s *Server) getPeersResponse(addr string, infoHash ID) map[string]interface{} {
	r := idArg(s.localID)
	r["token"] = string(s.tokens.Generate(addr))

	stored := s.peers.Get(infoHash, s.clk.Now())
	if len(stored) > 0 {
		var buf []byte
		for _, p := range stored {
			enc, err := EncodeCompactPeer(p.Host, p.Port)
			if err != nil {
				continue
			}
			buf = append(buf, enc...)
		}
		values := make([]interface{}, 0, len(stored))
		for i := 0; i+CompactPeerLen <= len(buf); i += CompactPeerLen {
			values = append(values, string(buf[i:i+CompactPeerLen]))
		}
		r["values"] = values
		return r
	}

	closest := s.rt.Closest(infoHash, K)
	var nbuf []byte
	for _, n := range closest {
		enc, err := EncodeCompactNode(n)
		if err != nil {
			continue
		}
		nbuf = append(nbuf, enc...)
	}
	r["nodes"] = string(nbuf)
	return r
}

func (s *Server) announcePeerResponse(addr string, port int, args map[string]interface{}) (map[string]interface{}, error) {
	ih, err := parseIDField(args, "info_hash")
	if err != nil {
		return nil, err
	}
	token, _ := args["token"].(string)
	if !s.tokens.Validate(addr, []byte(token)) {
		return nil, fmt.Errorf("bad token")
	}
	// implied_port, when set and nonzero, means "use the UDP source port,
	// ignore the port argument" (BEP 5); otherwise use the declared port.
	announcePort := port
	implied, _ := toInt(args["implied_port"])
	if implied == 0 {
		if p, ok := toInt(args["port"]); ok {
			announcePort = p
		}
	}
	s.peers.Announce(ih, addr, announcePort, s.clk.Now())
	return idArg(s.localID), nil
}

func toInt(v interface{}) (int, bool) {
	switch n := v.(type) {
	case int64:
		return int(n), true
	case int:
		return n, true
	}
	return 0, false
}

// Ping sends a ping query to addr:port.
func (s *Server) Ping(addr string, port int, onReply func(Node, error)) {
	s.sendQuery(addr, port, "ping", idArg(s.localID), func(msg krpcMessage, err error) {
		if err != nil {
			onReply(Node{}, err)
			return
		}
		id, idErr := parseIDField(msg.R, "id")
		if idErr != nil {
			onReply(Node{}, idErr)
			return
		}
		onReply(Node{ID: id, Host: addr, Port: port}, nil)
	})
}

// FindNode sends a find_node query for target.
func (s *Server) FindNode(addr string, port int, target ID, onReply func([]Node, error)) {
	args := idArg(s.localID)
	args["target"] = string(target[:])
	s.sendQuery(addr, port, "find_node", args, func(msg krpcMessage, err error) {
		if err != nil {
			onReply(nil, err)
			return
		}
		nodes, nerr := decodeNodesField(msg.R)
		onReply(nodes, nerr)
	})
}

// GetPeersResult is the parsed response to a get_peers query.
type GetPeersResult struct {
	Peers []StoredPeer
	Nodes []Node
	Token []byte
}

// GetPeers sends a get_peers query for infoHash.
func (s *Server) GetPeers(addr string, port int, infoHash ID, onReply func(GetPeersResult, error)) {
	args := idArg(s.localID)
	args["info_hash"] = string(infoHash[:])
	s.sendQuery(addr, port, "get_peers", args, func(msg krpcMessage, err error) {
		if err != nil {
			onReply(GetPeersResult{}, err)
			return
		}
		var res GetPeersResult
		if tok, ok := msg.R["token"].(string); ok {
			res.Token = []byte(tok)
		}
		if values, ok := msg.R["values"].([]interface{}); ok {
			for _, v := range values {
				s, ok := v.(string)
				if !ok {
					continue
				}
				host, p, perr := DecodeCompactPeer([]byte(s))
				if perr != nil {
					continue
				}
				res.Peers = append(res.Peers, StoredPeer{Host: host, Port: p})
			}
		}
		if nodes, nerr := decodeNodesField(msg.R); nerr == nil {
			res.Nodes = nodes
		}
		onReply(res, nil)
	})
}

// AnnouncePeer sends an announce_peer query using a previously obtained
// token, advertising that this node is downloading infoHash on myPort.
func (s *Server) AnnouncePeer(addr string, port int, infoHash ID, myPort int, token []byte, onReply func(error)) {
	args := idArg(s.localID)
	args["info_hash"] = string(infoHash[:])
	args["port"] = myPort
	args["token"] = string(token)
	s.sendQuery(addr, port, "announce_peer", args, func(msg krpcMessage, err error) {
		onReply(err)
	})
}

func decodeNodesField(r map[string]interface{}) ([]Node, error) {
	v, ok := r["nodes"]
	if !ok {
		return nil, nil
	}
	s, ok := v.(string)
	if !ok {
		return nil, fmt.Errorf("dht: nodes field not a string")
	}
	if s == "" {
		return nil, nil
	}
	return DecodeCompactNodes([]byte(s))
}
