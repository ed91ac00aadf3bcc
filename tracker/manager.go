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

// Package tracker implements spec.md §4.7's TrackerManager: one client per
// announce URL in a torrent's BEP 12 tiered announce-list, each on its own
// timer, reporting discovered peers and per-tracker status upward.
package tracker

import (
	"net"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/uber-go/tally"
	"go.uber.org/zap"

	"github.com/btengine/engine/capability"
	"github.com/btengine/engine/core"
	"github.com/btengine/engine/tracker/httpclient"
	"github.com/btengine/engine/tracker/udpclient"
)

// Status is a single tracker's current announce state (spec.md §4.7
// "status: idle/announcing/ok/error").
type Status int

// Tracker statuses.
const (
	StatusIdle Status = iota
	StatusAnnouncing
	StatusOK
	StatusError
)

func (s Status) String() string {
	switch s {
	case StatusIdle:
		return "idle"
	case StatusAnnouncing:
		return "announcing"
	case StatusOK:
		return "ok"
	case StatusError:
		return "error"
	default:
		return "unknown"
	}
}

// TrackerState is one announce URL's externally visible state.
type TrackerState struct {
	URL         string
	Status      Status
	Seeders     int
	Leechers    int
	LastError   string
	UniquePeers int
	NextAnnounce time.Time
}

// defaultInterval is used until a tracker supplies its own (spec.md §4.7
// "default 30 min").
const defaultInterval = 30 * time.Minute

// overallTimeout bounds one announce attempt end-to-end (spec.md §6
// "tracker announce overall 60s").
const overallTimeout = 60 * time.Second

// entry is one announce URL's bookkeeping.
type entry struct {
	url    string
	scheme string // "http", "https", or "udp"

	httpClient *httpclient.Client
	udpClient  *udpclient.Client

	state        TrackerState
	interval     time.Duration
	nextAnnounce time.Time
	startedSent  bool
	completedSent bool
	stoppedSent  bool
	inFlight     bool

	uniqueSeen map[string]struct{}
}

// Manager runs the tiered announce-list for a single torrent.
type Manager struct {
	infoHash core.InfoHash
	peerID   core.PeerID
	port     int

	udpSocket capability.IUDPSocket
	clk       capability.Clock
	rnd       capability.Random
	stats     tally.Scope
	logger    *zap.SugaredLogger

	mu    sync.Mutex
	tiers [][]*entry
}

// New builds a Manager from a torrent's BEP 12 announce-list (or a single
// Announce URL promoted to a one-tracker tier). udpSocket may be nil if no
// announce URL uses the udp:// scheme.
func New(
	infoHash core.InfoHash,
	peerID core.PeerID,
	port int,
	announceList [][]string,
	udpSocket capability.IUDPSocket,
	clk capability.Clock,
	rnd capability.Random,
	stats tally.Scope,
	logger *zap.SugaredLogger) *Manager {

	if stats == nil {
		stats = tally.NoopScope
	}
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	m := &Manager{
		infoHash:  infoHash,
		peerID:    peerID,
		port:      port,
		udpSocket: udpSocket,
		clk:       clk,
		rnd:       rnd,
		stats:     stats.Tagged(map[string]string{"module": "tracker"}),
		logger:    logger,
	}
	for _, tier := range announceList {
		var es []*entry
		for _, u := range tier {
			es = append(es, m.newEntry(u))
		}
		if len(es) > 0 {
			m.tiers = append(m.tiers, es)
		}
	}
	if udpSocket != nil {
		udpSocket.OnMessage(m.handleUDPMessage)
	}
	return m
}

func (m *Manager) newEntry(rawURL string) *entry {
	scheme := "http"
	if u, err := url.Parse(rawURL); err == nil {
		scheme = strings.ToLower(u.Scheme)
	}
	e := &entry{
		url:        rawURL,
		scheme:     scheme,
		interval:   defaultInterval,
		uniqueSeen: make(map[string]struct{}),
		state:      TrackerState{URL: rawURL},
	}
	switch scheme {
	case "udp":
		if u, err := url.Parse(rawURL); err == nil && m.udpSocket != nil {
			host, port := splitHostPort(u.Host)
			e.udpClient = udpclient.New(m.udpSocket, host, port, m.clk, m.rnd)
		}
	default:
		e.httpClient = httpclient.New(rawURL, overallTimeout)
	}
	return e
}

func splitHostPort(hostport string) (string, int) {
	host, portStr, err := net.SplitHostPort(hostport)
	if err != nil {
		return hostport, 80
	}
	port, err := strconv.Atoi(portStr)
	if err != nil {
		return host, 80
	}
	return host, port
}

// States returns a snapshot of every tracker's externally visible state,
// tier order preserved (spec.md §4.7 "per-tracker stats").
func (m *Manager) States() []TrackerState {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []TrackerState
	for _, tier := range m.tiers {
		for _, e := range tier {
			out = append(out, e.state)
		}
	}
	return out
}

// handleUDPMessage routes an inbound UDP datagram to the entry whose
// client's pending transaction table claims it; the shared socket has no
// source-address framing here because capability.IUDPSocket.OnMessage
// already reports it, so entries are tried in order until one consumes it.
func (m *Manager) handleUDPMessage(addr string, port int, b []byte) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, tier := range m.tiers {
		for _, e := range tier {
			if e.udpClient == nil {
				continue
			}
			if e.udpClient.HandleMessage(b) {
				return
			}
		}
	}
}

// Tick drives announce timers and retries across every tier (spec.md §4.1
// step (b) "run tracker announce timers"). complete is whether this torrent
// has finished downloading (drives `left`/`completed`).
func (m *Manager) Tick(now time.Time, downloaded, uploaded, left int64, complete bool) []core.PeerInfo {
	m.mu.Lock()
	defer m.mu.Unlock()

	var discovered []core.PeerInfo
	for _, tier := range m.tiers {
		for _, e := range tier {
			if e.udpClient != nil {
				e.udpClient.Poll(now)
			}
			if e.inFlight {
				continue
			}
			if now.Before(e.nextAnnounce) {
				continue
			}
			discovered = append(discovered, m.fire(e, now, downloaded, uploaded, left, complete)...)
		}
	}
	return discovered
}

func (m *Manager) fire(e *entry, now time.Time, downloaded, uploaded, left int64, complete bool) []core.PeerInfo {
	event := httpclient.EventNone
	udpEvent := udpclient.EventNone
	if !e.startedSent {
		event, udpEvent = httpclient.EventStarted, udpclient.EventStarted
		e.startedSent = true
	} else if complete && left == 0 && !e.completedSent {
		event, udpEvent = httpclient.EventCompleted, udpclient.EventCompleted
		e.completedSent = true
	}

	e.inFlight = true
	e.state.Status = StatusAnnouncing
	e.nextAnnounce = now.Add(e.interval)
	e.state.NextAnnounce = e.nextAnnounce

	if e.udpClient != nil {
		e.udpClient.Announce(m.infoHash, m.peerID, m.port, uploaded, downloaded, left, udpEvent,
			func(r *udpclient.Result, err error) {
				m.mu.Lock()
				defer m.mu.Unlock()
				e.inFlight = false
				if err != nil {
					e.state.Status = StatusError
					e.state.LastError = err.Error()
					m.stats.Counter("announce_error").Inc(1)
					return
				}
				e.state.Status = StatusOK
				e.state.LastError = ""
				e.state.Seeders = int(r.Seeders)
				e.state.Leechers = int(r.Leechers)
				if r.Interval > 0 {
					e.interval = r.Interval
				}
				e.nextAnnounce = m.clk.Now().Add(e.interval)
				e.state.NextAnnounce = e.nextAnnounce
				m.recordUnique(e, r.Peers)
			})
		return nil
	}

	if e.httpClient != nil {
		// Blocking HTTP tracker requests run synchronously from Tick: the
		// teacher's own announceclient does the same (a blocking net/http
		// call per announce), and spec.md §6's overall 60s timeout is
		// enforced by the client's own http.Client.Timeout rather than by
		// carrying the call across ticks.
		result, err := e.httpClient.Announce(m.infoHash, m.peerID, m.port, uploaded, downloaded, left,
			httpclient.Event(event), true)
		e.inFlight = false
		if err != nil {
			e.state.Status = StatusError
			e.state.LastError = err.Error()
			m.stats.Counter("announce_error").Inc(1)
			return nil
		}
		e.state.Status = StatusOK
		e.state.LastError = ""
		e.state.Seeders = result.Seeders
		e.state.Leechers = result.Leechers
		if result.Interval > 0 {
			e.interval = result.Interval
		}
		e.nextAnnounce = now.Add(e.interval)
		e.state.NextAnnounce = e.nextAnnounce
		m.recordUnique(e, result.Peers)
		return result.Peers
	}
	e.inFlight = false
	return nil
}

func (m *Manager) recordUnique(e *entry, peers []core.PeerInfo) {
	for _, p := range peers {
		key := p.IP + ":" + strconv.Itoa(p.Port)
		if _, ok := e.uniqueSeen[key]; !ok {
			e.uniqueSeen[key] = struct{}{}
			e.state.UniquePeers++
		}
	}
}

// Stop sends a one-shot `stopped` announce to every tracker that has
// previously announced `started` (spec.md §4.7 "started/completed being
// one-shots").
func (m *Manager) Stop(downloaded, uploaded, left int64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, tier := range m.tiers {
		for _, e := range tier {
			if !e.startedSent || e.stoppedSent {
				continue
			}
			e.stoppedSent = true
			if e.httpClient != nil {
				_, _ = e.httpClient.Announce(m.infoHash, m.peerID, m.port, uploaded, downloaded, left,
					httpclient.EventStopped, true)
			} else if e.udpClient != nil {
				e.udpClient.Announce(m.infoHash, m.peerID, m.port, uploaded, downloaded, left,
					udpclient.EventStopped, func(*udpclient.Result, error) {})
			}
		}
	}
}
