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

// Package udpclient implements the BEP 15 UDP tracker protocol: a
// connect/announce handshake carrying 32-bit transaction ids and a 64-bit
// connection id, retried with exponential backoff rather than blocking. It follows
// the same callback-plus-Poll idiom as dht/server.go's KRPC transaction
// table, since both sit on the same non-blocking capability.IUDPSocket.
package udpclient

import (
	"encoding/binary"
	"fmt"
	"net"
	"strconv"
	"time"

	"github.com/btengine/engine/capability"
	"github.com/btengine/engine/core"
)

// protocolID is the BEP 15 magic constant identifying a connect request.
const protocolID = 0x41727101980

// BEP 15 action codes.
const (
	actionConnect  = 0
	actionAnnounce = 1
	actionError    = 3
)

// Event mirrors the BEP 3 announce event, encoded numerically per BEP 15.
type Event int32

// Announce events.
const (
	EventNone      Event = 0
	EventCompleted Event = 1
	EventStarted   Event = 2
	EventStopped   Event = 3
)

// Result is the outcome of one successful announce.
type Result struct {
	Interval time.Duration
	Leechers int32
	Seeders  int32
	Peers    []core.PeerInfo
}

// request tracks one outstanding connect or announce exchange awaiting a
// reply or a retry/giveup deadline (spec.md §4.7 "15s retry with
// exponential backoff up to 4 retries").
type request struct {
	transactionID uint32
	send          func() []byte
	onReply       func([]byte) error
	onGiveUp      func(error)

	attempt  int
	deadline time.Time
}

const maxRetries = 4
const baseTimeout = 15 * time.Second

// Client drives the BEP 15 exchange for a single UDP tracker addr:port
// over a shared socket.
type Client struct {
	socket  capability.IUDPSocket
	host    string
	port    int
	clk     capability.Clock
	rnd     capability.Random
	logger  func(format string, args ...interface{})

	connID     uint64
	connIDSet  time.Time
	hasConnID  bool

	pending map[uint32]*request
}

// New creates a Client for one tracker UDP endpoint. socket may be shared
// with other clients: the caller passes each inbound datagram to
// HandleMessage, which claims only replies whose transaction id it has
// pending (tracker.Manager offers every datagram to its clients in turn).
func New(socket capability.IUDPSocket, host string, port int, clk capability.Clock, rnd capability.Random) *Client {
	return &Client{
		socket:  socket,
		host:    host,
		port:    port,
		clk:     clk,
		rnd:     rnd,
		pending: make(map[uint32]*request),
	}
}

func (c *Client) newTransactionID() uint32 {
	var b [4]byte
	c.rnd.Fill(b[:])
	return binary.BigEndian.Uint32(b[:])
}

// Announce starts (or continues, if a connection id must first be
// (re)established) a BEP 15 announce. onResult is called exactly once,
// either with a Result or an error, from a future call to HandleMessage or
// Poll.
func (c *Client) Announce(
	infoHash core.InfoHash,
	peerID core.PeerID,
	port int,
	uploaded, downloaded, left int64,
	event Event,
	onResult func(*Result, error)) {

	if c.hasConnID && c.clk.Now().Sub(c.connIDSet) < time.Minute {
		c.sendAnnounce(infoHash, peerID, port, uploaded, downloaded, left, event, onResult)
		return
	}
	c.sendConnect(func(err error) {
		if err != nil {
			onResult(nil, err)
			return
		}
		c.sendAnnounce(infoHash, peerID, port, uploaded, downloaded, left, event, onResult)
	})
}

func (c *Client) sendConnect(onConnected func(error)) {
	tid := c.newTransactionID()
	req := &request{
		transactionID: tid,
		send: func() []byte {
			buf := make([]byte, 16)
			binary.BigEndian.PutUint64(buf[0:8], protocolID)
			binary.BigEndian.PutUint32(buf[8:12], actionConnect)
			binary.BigEndian.PutUint32(buf[12:16], tid)
			return buf
		},
		onReply: func(body []byte) error {
			if len(body) < 8 {
				return fmt.Errorf("udptracker: short connect response")
			}
			c.connID = binary.BigEndian.Uint64(body[0:8])
			c.connIDSet = c.clk.Now()
			c.hasConnID = true
			onConnected(nil)
			return nil
		},
		onGiveUp: onConnected,
	}
	c.start(req)
}

func (c *Client) sendAnnounce(
	infoHash core.InfoHash,
	peerID core.PeerID,
	port int,
	uploaded, downloaded, left int64,
	event Event,
	onResult func(*Result, error)) {

	tid := c.newTransactionID()
	connID := c.connID
	req := &request{
		transactionID: tid,
		send: func() []byte {
			buf := make([]byte, 98)
			binary.BigEndian.PutUint64(buf[0:8], connID)
			binary.BigEndian.PutUint32(buf[8:12], actionAnnounce)
			binary.BigEndian.PutUint32(buf[12:16], tid)
			copy(buf[16:36], infoHash.Bytes())
			copy(buf[36:56], peerID.Bytes())
			binary.BigEndian.PutUint64(buf[56:64], uint64(downloaded))
			binary.BigEndian.PutUint64(buf[64:72], uint64(left))
			binary.BigEndian.PutUint64(buf[72:80], uint64(uploaded))
			binary.BigEndian.PutUint32(buf[80:84], uint32(event))
			// ip address: 0 means "use the sender's".
			binary.BigEndian.PutUint32(buf[84:88], 0)
			var keyBytes [4]byte
			c.rnd.Fill(keyBytes[:])
			copy(buf[88:92], keyBytes[:])
			binary.BigEndian.PutUint32(buf[92:96], 0xffffffff) // num_want: default
			binary.BigEndian.PutUint16(buf[96:98], uint16(port))
			return buf
		},
		onReply: func(body []byte) error {
			if len(body) < 12 {
				return fmt.Errorf("udptracker: short announce response")
			}
			interval := binary.BigEndian.Uint32(body[0:4])
			leechers := binary.BigEndian.Uint32(body[4:8])
			seekers := binary.BigEndian.Uint32(body[8:12])
			peers, err := decodeCompactPeers(body[12:])
			if err != nil {
				return err
			}
			onResult(&Result{
				Interval: time.Duration(interval) * time.Second,
				Leechers: int32(leechers),
				Seeders:  int32(seekers),
				Peers:    peers,
			}, nil)
			return nil
		},
		onGiveUp: func(err error) { onResult(nil, err) },
	}
	c.start(req)
}

func (c *Client) start(req *request) {
	req.deadline = c.clk.Now().Add(baseTimeout)
	c.pending[req.transactionID] = req
	if err := c.socket.Send(c.host, c.port, req.send()); err != nil {
		delete(c.pending, req.transactionID)
		req.onGiveUp(fmt.Errorf("udptracker: send: %s", err))
	}
}

// HandleMessage processes one UDP datagram addressed to this tracker. Returns
// true if the message was recognized as a reply to a pending request.
func (c *Client) HandleMessage(b []byte) bool {
	if len(b) < 8 {
		return false
	}
	action := binary.BigEndian.Uint32(b[0:4])
	tid := binary.BigEndian.Uint32(b[4:8])
	req, ok := c.pending[tid]
	if !ok {
		return false
	}
	delete(c.pending, tid)

	if action == actionError {
		req.onGiveUp(fmt.Errorf("udptracker: error: %s", string(b[8:])))
		return true
	}
	if err := req.onReply(b[8:]); err != nil {
		req.onGiveUp(err)
	}
	return true
}

// Poll retries or gives up on requests past their deadline (spec.md §4.7
// "15s retry with exponential backoff up to 4 retries"). Call once per
// engine tick.
func (c *Client) Poll(now time.Time) {
	for tid, req := range c.pending {
		if !now.After(req.deadline) {
			continue
		}
		delete(c.pending, tid)
		req.attempt++
		if req.attempt > maxRetries {
			req.onGiveUp(fmt.Errorf("udptracker: exceeded %d retries", maxRetries))
			continue
		}
		req.deadline = now.Add(baseTimeout * time.Duration(1<<uint(req.attempt)))
		c.pending[tid] = req
		if err := c.socket.Send(c.host, c.port, req.send()); err != nil {
			delete(c.pending, tid)
			req.onGiveUp(fmt.Errorf("udptracker: retry send: %s", err))
		}
	}
}

func decodeCompactPeers(b []byte) ([]core.PeerInfo, error) {
	if len(b)%6 != 0 {
		return nil, fmt.Errorf("udptracker: compact peers length %d not a multiple of 6", len(b))
	}
	out := make([]core.PeerInfo, 0, len(b)/6)
	for i := 0; i+6 <= len(b); i += 6 {
		ip := net.IP(b[i : i+4]).String()
		port := binary.BigEndian.Uint16(b[i+4 : i+6])
		out = append(out, *core.NewPeerInfo(core.PeerID{}, ip, int(port), false, false))
	}
	return out, nil
}

// AddrKey returns the "host:port" this client targets, useful for routing
// inbound datagrams to the right Client.
func (c *Client) AddrKey() string {
	return net.JoinHostPort(c.host, strconv.Itoa(c.port))
}
