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

// Package peerconn implements the peer connection state machine of
// spec.md §4.2: one TCP socket speaking the BEP 3 handshake and message
// stream. It is modeled as an explicit state machine driven by a
// capability.ITCPSocket's callbacks plus an engine-driven Drain step,
// rather than the teacher's goroutine-per-connection readLoop/writeLoop
// (lib/torrent/scheduler/conn/conn.go): spec.md §5 mandates a single
// cooperative task, and spec.md §9 calls out the teacher's "coroutine/
// promise soup" as a pattern to replace with an explicit event-consuming
// poll step. OnData only appends to a receive buffer; Drain (called once
// per engine tick, spec.md §4.1 step (b)) parses and dispatches complete
// frames, so frame decoding stays strictly sequential per connection
// (spec.md §5 "Ordering guarantees") without needing its own goroutine.
package peerconn

import (
	"bytes"
	"context"
	"fmt"
	"time"

	"github.com/uber-go/tally"
	"go.uber.org/zap"

	"github.com/btengine/engine/capability"
	"github.com/btengine/engine/core"
	"github.com/btengine/engine/wire"
)

// State is a PeerConnection's position in spec.md §4.2's state machine.
type State int

// Connection states, in the order spec.md §4.2 lists them.
const (
	StateDialing State = iota
	StateHandshakingTCP
	StateHandshakingPstr
	StateHandshakedPstr
	StateReady
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateDialing:
		return "dialing"
	case StateHandshakingTCP:
		return "handshaking_tcp"
	case StateHandshakingPstr:
		return "handshaking_pstr"
	case StateHandshakedPstr:
		return "handshaked_pstr"
	case StateReady:
		return "ready"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// CloseReason classifies why a connection closed, so callers can decide
// whether to count it against the SwarmPeer (spec.md §4.2 "Failure
// semantics").
type CloseReason int

// Close reasons.
const (
	CloseUnknown CloseReason = iota
	CloseRequested                 // local Close() call, not a failure.
	CloseSocketError
	CloseDialTimeout
	CloseHandshakeTimeout
	CloseHandshakeFailure
	CloseInfoHashMismatch
	ClosePeerIDCollision
	CloseWireProtocolError
	CloseIdleTimeout
	CloseRemote // the peer closed the socket.
)

func (r CloseReason) String() string {
	switch r {
	case CloseRequested:
		return "requested"
	case CloseSocketError:
		return "socket_error"
	case CloseDialTimeout:
		return "dial_timeout"
	case CloseHandshakeTimeout:
		return "handshake_timeout"
	case CloseHandshakeFailure:
		return "handshake_failure"
	case CloseInfoHashMismatch:
		return "infohash_mismatch"
	case ClosePeerIDCollision:
		return "peerid_collision"
	case CloseWireProtocolError:
		return "wire_protocol_error"
	case CloseIdleTimeout:
		return "idle_timeout"
	case CloseRemote:
		return "remote"
	default:
		return "unknown"
	}
}

// Events is the upward interface a Conn drives as frames are decoded and as
// its lifecycle advances. All methods are called synchronously from Drain
// (or from Close), i.e. from the engine tick task.
type Events interface {
	OnReady(c *Conn)
	OnChoke(c *Conn)
	OnUnchoke(c *Conn)
	OnInterested(c *Conn)
	OnNotInterested(c *Conn)
	OnHave(c *Conn, piece int)
	OnBitfield(c *Conn, bf *core.BitField)
	OnRequest(c *Conn, piece int, begin, length int64)
	OnPiece(c *Conn, piece int, begin int64, block []byte)
	OnCancel(c *Conn, piece int, begin, length int64)
	OnPort(c *Conn, port uint16)
	OnClose(c *Conn, reason CloseReason)
}

// request is one outstanding REQUEST this side has sent and is awaiting a
// PIECE for.
type request struct {
	piece  int
	begin  int64
	length int64
}

// Conn is one BitTorrent peer connection (spec.md §3 PeerConnection).
type Conn struct {
	socket capability.ITCPSocket

	remoteAddr   string
	localPeerID  core.PeerID
	remotePeerID core.PeerID
	infoHash     core.InfoHash
	isIncoming   bool
	isEncrypted  bool

	config Config
	clk    capability.Clock
	stats  tally.Scope
	logger *zap.SugaredLogger
	events Events

	state State

	amChoking      bool
	amInterested   bool
	peerChoking    bool
	peerInterested bool
	peerBitfield   *core.BitField
	peerSupportsDHT bool

	outstanding []request

	recvBuf     bytes.Buffer
	connectedAt time.Time
	lastRecv    time.Time
	lastSend    time.Time
	bytesAtOpen int

	downloaded int64
	uploaded   int64

	// rateSampledAt/rateDownloadedAt back DownloadRate's bytes/sec EWMA,
	// sampled once per CheckTimeouts call (spec.md §4.1's per-tick cadence).
	rateSampledAt    time.Time
	rateDownloadedAt int64
	downloadRateEWMA float64

	closeReason CloseReason
}

// newConn builds a Conn in StateHandshakingTCP, common to both the outgoing
// dial path and the incoming accept path.
func newConn(
	socket capability.ITCPSocket,
	remoteAddr string,
	localPeerID core.PeerID,
	infoHash core.InfoHash,
	isIncoming bool,
	config Config,
	clk capability.Clock,
	stats tally.Scope,
	logger *zap.SugaredLogger,
	events Events) *Conn {

	if stats == nil {
		stats = tally.NoopScope
	}
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	c := &Conn{
		socket:       socket,
		remoteAddr:   remoteAddr,
		localPeerID:  localPeerID,
		infoHash:     infoHash,
		isIncoming:   isIncoming,
		config:       config.applyDefaults(),
		clk:          clk,
		stats:        stats.Tagged(map[string]string{"module": "peerconn"}),
		logger:       logger,
		events:       events,
		state:        StateHandshakingTCP,
		amChoking:    true,
		peerChoking:  true,
		connectedAt:  clk.Now(),
	}
	c.lastRecv = c.connectedAt
	c.lastSend = c.connectedAt
	socket.OnData(c.onData)
	socket.OnClose(func(err error) { c.onSocketClosed(CloseRemote) })
	socket.OnError(func(err error) { c.onSocketClosed(CloseSocketError) })
	return c
}

// ConnectOutgoing dials addr and performs the BT handshake (spec.md §4.2
// "connect_outgoing"). The returned Conn is in StateHandshakingPstr; Ready
// fires (via Events.OnReady) once the peer's handshake has been drained.
func ConnectOutgoing(
	ctx context.Context,
	factory capability.ISocketFactory,
	host string,
	port int,
	localPeerID core.PeerID,
	infoHash core.InfoHash,
	config Config,
	clk capability.Clock,
	stats tally.Scope,
	logger *zap.SugaredLogger,
	events Events) (*Conn, error) {

	config = config.applyDefaults()
	dialCtx, cancel := context.WithTimeout(ctx, config.DialTimeout)
	defer cancel()

	socket, err := factory.CreateTCPSocket(dialCtx, host, port)
	if err != nil {
		return nil, fmt.Errorf("peerconn: dial %s:%d: %s", host, port, err)
	}

	c := newConn(socket, socket.RemoteAddr(), localPeerID, infoHash, false, config, clk, stats, logger, events)
	if err := c.sendHandshake(); err != nil {
		c.fail(CloseHandshakeFailure)
		return nil, fmt.Errorf("peerconn: send handshake: %s", err)
	}
	c.state = StateHandshakingPstr
	return c, nil
}

// AcceptIncoming wraps an already-accepted socket in a Conn and sends our
// own handshake (spec.md §4.2 "accept_incoming": "identical post-handshake
// path").
func AcceptIncoming(
	socket capability.ITCPSocket,
	remoteAddr string,
	localPeerID core.PeerID,
	infoHash core.InfoHash,
	config Config,
	clk capability.Clock,
	stats tally.Scope,
	logger *zap.SugaredLogger,
	events Events) (*Conn, error) {

	c := newConn(socket, remoteAddr, localPeerID, infoHash, true, config, clk, stats, logger, events)
	if err := c.sendHandshake(); err != nil {
		c.fail(CloseHandshakeFailure)
		return nil, fmt.Errorf("peerconn: send handshake: %s", err)
	}
	c.state = StateHandshakingPstr
	return c, nil
}

func (c *Conn) sendHandshake() error {
	var reserved wire.Reserved
	reserved.SetExtensionProtocol()
	reserved.SetDHT()
	var buf bytes.Buffer
	if err := wire.WriteHandshake(&buf, wire.Handshake{
		Reserved: reserved,
		InfoHash: c.infoHash,
		PeerID:   c.localPeerID,
	}); err != nil {
		return err
	}
	return c.rawSend(buf.Bytes())
}

func (c *Conn) rawSend(b []byte) error {
	if err := c.socket.Send(b); err != nil {
		return err
	}
	c.lastSend = c.clk.Now()
	return nil
}

// onData appends newly arrived bytes to the receive buffer. It does not
// decode: decoding happens in Drain, once per engine tick, so frame
// processing for this connection is strictly sequential and batched with
// the rest of the tick's work (spec.md §4.1, §5).
func (c *Conn) onData(b []byte) {
	if c.state == StateClosed {
		return
	}
	c.recvBuf.Write(b)
	c.lastRecv = c.clk.Now()
}

func (c *Conn) onSocketClosed(reason CloseReason) {
	if c.state == StateClosed {
		return
	}
	c.fail(reason)
}

// State returns the connection's current lifecycle state.
func (c *Conn) State() State { return c.state }

// RemoteAddr returns the remote "host:port" address.
func (c *Conn) RemoteAddr() string { return c.remoteAddr }

// RemotePeerID returns the handshaken remote peer id. Zero value until
// StateReady.
func (c *Conn) RemotePeerID() core.PeerID { return c.remotePeerID }

// IsIncoming reports whether this connection was accepted rather than
// dialed.
func (c *Conn) IsIncoming() bool { return c.isIncoming }

// IsEncrypted reports whether MSE/PE was negotiated.
func (c *Conn) IsEncrypted() bool { return c.isEncrypted }

// AmChoking/AmInterested/PeerChoking/PeerInterested expose the four wire
// flow-control flags (spec.md §3 PeerConnection invariants).
func (c *Conn) AmChoking() bool      { return c.amChoking }
func (c *Conn) AmInterested() bool   { return c.amInterested }
func (c *Conn) PeerChoking() bool    { return c.peerChoking }
func (c *Conn) PeerInterested() bool { return c.peerInterested }

// PeerBitfield returns the peer's last-known advertised bitfield, or nil if
// none has been received yet.
func (c *Conn) PeerBitfield() *core.BitField { return c.peerBitfield }

// Downloaded/Uploaded return this connection's lifetime byte counters.
func (c *Conn) Downloaded() int64 { return c.downloaded }
func (c *Conn) Uploaded() int64   { return c.uploaded }

// OutstandingRequests returns the number of REQUESTs sent but not yet
// satisfied or cancelled.
func (c *Conn) OutstandingRequests() int { return len(c.outstanding) }

// Idle reports whether no message has been exchanged in either direction
// for the configured idle timeout (spec.md §4.2 "no message received
// within 120s").
func (c *Conn) Idle(now time.Time) bool {
	last := c.lastRecv
	if c.lastSend.After(last) {
		last = c.lastSend
	}
	return now.Sub(last) >= c.config.IdleTimeout
}

// quickDisconnect reports whether c would count as a "quick disconnect"
// (spec.md §4.2: closed within 30s of connect having exchanged zero
// bytes), given the moment it is being closed.
func (c *Conn) quickDisconnect(now time.Time) bool {
	return now.Sub(c.connectedAt) < 30*time.Second && c.downloaded == 0 && c.uploaded == 0
}

// fail closes the connection for reason and notifies Events exactly once.
func (c *Conn) fail(reason CloseReason) {
	if c.state == StateClosed {
		return
	}
	c.state = StateClosed
	c.closeReason = reason
	c.socket.Close()
	if c.events != nil {
		c.events.OnClose(c, reason)
	}
}

// Close idempotently tears down the connection (spec.md §4.2 "close(reason)
// — idempotent").
func (c *Conn) Close() {
	c.fail(CloseRequested)
}

// CheckTimeouts enforces the dial/handshake/idle timeouts (spec.md §4.2),
// closing the connection if one has elapsed. Intended to be called once per
// engine tick alongside Drain.
func (c *Conn) CheckTimeouts(now time.Time) {
	c.sampleDownloadRate(now)
	if c.state == StateClosed {
		return
	}
	switch c.state {
	case StateHandshakingTCP, StateHandshakingPstr:
		if now.Sub(c.connectedAt) >= c.config.HandshakeTimeout {
			c.fail(CloseHandshakeTimeout)
		}
		return
	}
	if c.Idle(now) {
		c.fail(CloseIdleTimeout)
	}
}

// sampleDownloadRate updates the download-rate EWMA that Window() draws on
// to size the request pipeline depth (spec.md §4.2 "W = max(8, min(80,
// bandwidth_estimate / block_size))"). Smoothed rather than instantaneous,
// so one fast or empty tick doesn't whipsaw the pipeline size.
func (c *Conn) sampleDownloadRate(now time.Time) {
	if c.rateSampledAt.IsZero() {
		c.rateSampledAt = now
		c.rateDownloadedAt = c.downloaded
		return
	}
	elapsed := now.Sub(c.rateSampledAt).Seconds()
	if elapsed <= 0 {
		return
	}
	instant := float64(c.downloaded-c.rateDownloadedAt) / elapsed
	const alpha = 0.3
	c.downloadRateEWMA = alpha*instant + (1-alpha)*c.downloadRateEWMA
	c.rateSampledAt = now
	c.rateDownloadedAt = c.downloaded
}

// DownloadRate returns the smoothed download rate in bytes/sec, used to
// size this connection's request pipeline window (spec.md §4.2).
func (c *Conn) DownloadRate() int64 { return int64(c.downloadRateEWMA) }

// Drain parses and dispatches every complete frame currently buffered,
// including the initial handshake. It is the only place wire bytes are
// decoded, called once per engine tick (spec.md §4.1 step (b), §5).
func (c *Conn) Drain() {
	for c.state != StateClosed {
		if c.state == StateHandshakingPstr {
			if !c.tryDrainHandshake() {
				return
			}
			continue
		}
		if c.state != StateReady && c.state != StateHandshakedPstr {
			return
		}
		if !c.tryDrainMessage() {
			return
		}
	}
}

// tryDrainHandshake attempts to decode the 68-byte handshake from recvBuf.
// Returns false if not enough bytes have arrived yet.
func (c *Conn) tryDrainHandshake() bool {
	buffered := c.recvBuf.Bytes()
	if len(buffered) < wire.HandshakeLen {
		return false
	}
	r := bytes.NewReader(buffered[:wire.HandshakeLen])
	hs, err := wire.ReadHandshake(r)
	if err != nil {
		c.fail(CloseHandshakeFailure)
		return false
	}
	c.recvBuf.Next(wire.HandshakeLen)

	if hs.InfoHash != c.infoHash {
		c.fail(CloseInfoHashMismatch)
		return false
	}
	if hs.PeerID == c.localPeerID {
		c.fail(ClosePeerIDCollision)
		return false
	}
	c.remotePeerID = hs.PeerID
	c.peerSupportsDHT = hs.Reserved.SupportsDHT()
	c.state = StateReady
	if c.events != nil {
		c.events.OnReady(c)
	}
	return true
}

// tryDrainMessage attempts to decode one length-prefixed frame from recvBuf.
// Returns false if the frame isn't fully buffered yet.
func (c *Conn) tryDrainMessage() bool {
	buffered := c.recvBuf.Bytes()
	if len(buffered) < 4 {
		return false
	}
	length := beUint32(buffered)
	if length == 0 {
		c.recvBuf.Next(4)
		return true
	}
	if length > wire.MaxFrameSize {
		c.fail(CloseWireProtocolError)
		return false
	}
	total := 4 + int(length)
	if len(buffered) < total {
		return false
	}
	r := bytes.NewReader(buffered[:total])
	msg, err := wire.ReadMessage(r)
	if err != nil {
		c.fail(CloseWireProtocolError)
		return false
	}
	c.recvBuf.Next(total)
	c.dispatch(msg)
	return true
}

func beUint32(b []byte) uint32 {
	return uint32(b[0])<<24 | uint32(b[1])<<16 | uint32(b[2])<<8 | uint32(b[3])
}

func (c *Conn) dispatch(msg wire.Message) {
	switch msg.ID {
	case wire.Choke:
		c.peerChoking = true
		c.outstanding = nil
		if c.events != nil {
			c.events.OnChoke(c)
		}
	case wire.Unchoke:
		c.peerChoking = false
		if c.events != nil {
			c.events.OnUnchoke(c)
		}
	case wire.Interested:
		c.peerInterested = true
		if c.events != nil {
			c.events.OnInterested(c)
		}
	case wire.NotInterested:
		c.peerInterested = false
		if c.events != nil {
			c.events.OnNotInterested(c)
		}
	case wire.Have:
		idx, err := msg.HaveIndex()
		if err != nil {
			c.fail(CloseWireProtocolError)
			return
		}
		if c.peerBitfield != nil {
			c.peerBitfield.Set(uint(idx), true)
		}
		if c.events != nil {
			c.events.OnHave(c, int(idx))
		}
	case wire.Bitfield:
		bf := core.FromWireBytes(msg.Payload, c.peerBitfieldLen())
		c.peerBitfield = bf
		if c.events != nil {
			c.events.OnBitfield(c, bf)
		}
	case wire.Request:
		idx, begin, length, err := msg.RequestFields()
		if err != nil {
			c.fail(CloseWireProtocolError)
			return
		}
		if c.events != nil {
			c.events.OnRequest(c, int(idx), int64(begin), int64(length))
		}
	case wire.Piece:
		idx, begin, block, err := msg.PieceFields()
		if err != nil {
			c.fail(CloseWireProtocolError)
			return
		}
		c.fulfil(int(idx), int64(begin), int64(len(block)))
		c.downloaded += int64(len(block))
		if c.events != nil {
			c.events.OnPiece(c, int(idx), int64(begin), block)
		}
	case wire.Cancel:
		idx, begin, length, err := msg.RequestFields()
		if err != nil {
			c.fail(CloseWireProtocolError)
			return
		}
		if c.events != nil {
			c.events.OnCancel(c, int(idx), int64(begin), int64(length))
		}
	case wire.Port:
		port, err := msg.PortNumber()
		if err != nil {
			c.fail(CloseWireProtocolError)
			return
		}
		if c.events != nil {
			c.events.OnPort(c, port)
		}
	case wire.Extended:
		// BEP 10 extended messages (ut_metadata, ut_pex) are not dispatched
		// to Events; unknown/unsupported ids are consumed and ignored.
	default:
		// unknown message id: consumed and ignored, per BEP 3.
	}
}

// peerBitfieldLen returns the length to construct a fresh peer bitfield
// with, preserving any previously known length.
func (c *Conn) peerBitfieldLen() uint {
	if c.peerBitfield != nil {
		return c.peerBitfield.Len()
	}
	return 0
}

// fulfil removes the outstanding request matching (piece, begin, length), if
// any.
func (c *Conn) fulfil(piece int, begin, length int64) {
	for i, r := range c.outstanding {
		if r.piece == piece && r.begin == begin && r.length == length {
			c.outstanding = append(c.outstanding[:i], c.outstanding[i+1:]...)
			return
		}
	}
}

// send writes a single framed message and records the send time.
func (c *Conn) send(m wire.Message) error {
	var buf bytes.Buffer
	if err := wire.WriteMessage(&buf, m); err != nil {
		return err
	}
	return c.rawSend(buf.Bytes())
}

// SendKeepAlive sends a zero-length keep-alive frame.
func (c *Conn) SendKeepAlive() error { return c.send(wire.KeepAliveMessage) }

// SendChoke sends CHOKE and records am_choking=true (spec.md §8: once
// am_choking, no further PIECE may be sent).
func (c *Conn) SendChoke() error {
	if err := c.send(wire.NewSimple(wire.Choke)); err != nil {
		return err
	}
	c.amChoking = true
	return nil
}

// SendUnchoke sends UNCHOKE and records am_choking=false.
func (c *Conn) SendUnchoke() error {
	if err := c.send(wire.NewSimple(wire.Unchoke)); err != nil {
		return err
	}
	c.amChoking = false
	return nil
}

// SendInterested sends INTERESTED.
func (c *Conn) SendInterested() error {
	if err := c.send(wire.NewSimple(wire.Interested)); err != nil {
		return err
	}
	c.amInterested = true
	return nil
}

// SendNotInterested sends NOT_INTERESTED.
func (c *Conn) SendNotInterested() error {
	if err := c.send(wire.NewSimple(wire.NotInterested)); err != nil {
		return err
	}
	c.amInterested = false
	return nil
}

// SendHave sends HAVE for piece.
func (c *Conn) SendHave(piece int) error {
	return c.send(wire.NewHave(uint32(piece)))
}

// SendBitfield sends BITFIELD, typically immediately after the connection
// becomes Ready.
func (c *Conn) SendBitfield(bf *core.BitField) error {
	return c.send(wire.NewBitfield(bf.ToWireBytes()))
}

// SendPort sends PORT, advertising our DHT listening port.
func (c *Conn) SendPort(port uint16) error {
	return c.send(wire.NewPort(port))
}

// ErrPeerChoking is returned by SendRequest when the peer is choking us
// (spec.md §8: "peer_choking ⇒ no new REQUEST may be sent").
var ErrPeerChoking = fmt.Errorf("peerconn: peer is choking, cannot send request")

// SendRequest sends REQUEST for (piece, begin, length) and records it as
// outstanding.
func (c *Conn) SendRequest(piece int, begin, length int64) error {
	if c.peerChoking {
		return ErrPeerChoking
	}
	if err := c.send(wire.NewRequest(uint32(piece), uint32(begin), uint32(length))); err != nil {
		return err
	}
	c.outstanding = append(c.outstanding, request{piece: piece, begin: begin, length: length})
	return nil
}

// SendCancel sends CANCEL for (piece, begin, length) and drops it from the
// outstanding set.
func (c *Conn) SendCancel(piece int, begin, length int64) error {
	if err := c.send(wire.NewCancel(uint32(piece), uint32(begin), uint32(length))); err != nil {
		return err
	}
	c.fulfil(piece, begin, length)
	return nil
}

// ErrAmChoking is returned by SendPiece when we are choking the peer
// (spec.md §8: "am_choking ⇒ no PIECE may be sent").
var ErrAmChoking = fmt.Errorf("peerconn: choking peer, cannot send piece")

// SendPiece sends PIECE for (piece, begin, block).
func (c *Conn) SendPiece(piece int, begin int64, block []byte) error {
	if c.amChoking {
		return ErrAmChoking
	}
	if err := c.send(wire.NewPiece(uint32(piece), uint32(begin), block)); err != nil {
		return err
	}
	c.uploaded += int64(len(block))
	return nil
}
