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

// Package memory implements capability providers entirely in memory:
// paired TCP-style sockets (NewSocketPair), a UDP network (UDPNetwork), a
// FileSystem, a SessionStore, a manually advanced Clock and a counter-based
// Random, so package tests can drive deterministic exchanges without real
// sockets. It has no capability.ISocketFactory or ITCPServer. Grounded on
// lib/torrent/scheduler/conn/fake_peer.go's in-memory paired-connection
// pattern, generalized from "one motionless fake peer" to a full
// bidirectional transport fake usable by both sides of a connection.
package memory

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/btengine/engine/capability"
)

var (
	_ capability.ITCPSocket    = (*Socket)(nil)
	_ capability.IFileSystem   = (*FileSystem)(nil)
	_ capability.IFileHandle   = (*FileHandle)(nil)
	_ capability.Random        = (*Random)(nil)
	_ capability.Clock         = (*Clock)(nil)
	_ capability.IUDPSocket    = (*UDPSocket)(nil)
	_ capability.ISessionStore = (*SessionStore)(nil)
)

// pipeEnd is one end of a bidirectional, in-memory byte pipe connecting two
// in-process sockets, analogous to a loopback TCP connection.
type pipeEnd struct {
	mu      sync.Mutex
	peer    *pipeEnd
	onData  func([]byte)
	onClose func(error)
	closed  bool
	addr    string
}

// NewSocketPair returns two connected sockets, as if one had dialed the
// other over loopback TCP.
func NewSocketPair(addrA, addrB string) (a, b *Socket) {
	ea := &pipeEnd{addr: addrB}
	eb := &pipeEnd{addr: addrA}
	ea.peer = eb
	eb.peer = ea
	return &Socket{end: ea}, &Socket{end: eb}
}

// Socket implements capability.ITCPSocket over a pipeEnd.
type Socket struct {
	end *pipeEnd
}

// Send delivers b to the peer socket's OnData callback synchronously. Tests
// that need interleaving should call Send from a goroutine.
func (s *Socket) Send(b []byte) error {
	s.end.mu.Lock()
	peer := s.end.peer
	closed := s.end.closed
	s.end.mu.Unlock()
	if closed {
		return errors.New("memory: socket closed")
	}
	peer.mu.Lock()
	cb := peer.onData
	peer.mu.Unlock()
	if cb != nil {
		cp := make([]byte, len(b))
		copy(cp, b)
		cb(cp)
	}
	return nil
}

func (s *Socket) Close() error {
	s.end.mu.Lock()
	if s.end.closed {
		s.end.mu.Unlock()
		return nil
	}
	s.end.closed = true
	peer := s.end.peer
	s.end.mu.Unlock()

	peer.mu.Lock()
	peerClosed := peer.closed
	onClose := peer.onClose
	peer.mu.Unlock()
	if !peerClosed && onClose != nil {
		onClose(io.EOF)
	}
	return nil
}

func (s *Socket) RemoteAddr() string { return s.end.addr }

func (s *Socket) Secure(hostname string) error { return nil }

func (s *Socket) OnData(cb func([]byte)) {
	s.end.mu.Lock()
	defer s.end.mu.Unlock()
	s.end.onData = cb
}

func (s *Socket) OnClose(cb func(error)) {
	s.end.mu.Lock()
	defer s.end.mu.Unlock()
	s.end.onClose = cb
}

func (s *Socket) OnError(func(error)) {
	// In-memory transport never fails independently of Close.
}

// FileSystem is a map-backed capability.IFileSystem for tests, scoped to
// one in-memory root.
type FileSystem struct {
	mu    sync.Mutex
	files map[string][]byte
}

// NewFileSystem creates an empty in-memory filesystem.
func NewFileSystem() *FileSystem {
	return &FileSystem{files: make(map[string][]byte)}
}

func (fs *FileSystem) Open(path string, mode capability.FileMode) (capability.IFileHandle, error) {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	if _, ok := fs.files[path]; !ok {
		fs.files[path] = nil
	}
	return &FileHandle{fs: fs, path: path}, nil
}

// Stat returns the size of an in-memory file. Mtime is always zero; tests
// needing mtime semantics should assert on Size only.
func (fs *FileSystem) Stat(path string) (capability.FileInfo, error) {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	data, ok := fs.files[path]
	if !ok {
		return capability.FileInfo{}, errors.New("memory: not found")
	}
	return capability.FileInfo{Size: int64(len(data))}, nil
}

func (fs *FileSystem) Exists(path string) bool {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	_, ok := fs.files[path]
	return ok
}

func (fs *FileSystem) Delete(path string) error {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	delete(fs.files, path)
	return nil
}

func (fs *FileSystem) Mkdir(path string) error { return nil }

func (fs *FileSystem) Readdir(prefix string) ([]string, error) {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	var out []string
	for p := range fs.files {
		out = append(out, p)
	}
	return out, nil
}

// FileHandle is an open handle onto one path of a FileSystem.
type FileHandle struct {
	fs   *FileSystem
	path string
}

func (h *FileHandle) ReadAt(buf []byte, pos int64) (int, error) {
	h.fs.mu.Lock()
	defer h.fs.mu.Unlock()
	data := h.fs.files[h.path]
	if pos >= int64(len(data)) {
		return 0, io.EOF
	}
	n := copy(buf, data[pos:])
	return n, nil
}

func (h *FileHandle) WriteAt(buf []byte, pos int64) (int, error) {
	h.fs.mu.Lock()
	defer h.fs.mu.Unlock()
	data := h.fs.files[h.path]
	end := pos + int64(len(buf))
	if int64(len(data)) < end {
		grown := make([]byte, end)
		copy(grown, data)
		data = grown
	}
	copy(data[pos:], buf)
	h.fs.files[h.path] = data
	return len(buf), nil
}

func (h *FileHandle) Truncate(size int64) error {
	h.fs.mu.Lock()
	defer h.fs.mu.Unlock()
	data := h.fs.files[h.path]
	if int64(len(data)) <= size {
		grown := make([]byte, size)
		copy(grown, data)
		h.fs.files[h.path] = grown
		return nil
	}
	h.fs.files[h.path] = data[:size]
	return nil
}

func (h *FileHandle) Sync() error  { return nil }
func (h *FileHandle) Close() error { return nil }

// UDPNetwork is a shared address space of in-memory UDP sockets, used to
// test the DHT's many-to-many KRPC traffic without real sockets.
// Generalizes pipeEnd's one-to-one pairing to addressed delivery among any
// number of registered sockets.
type UDPNetwork struct {
	mu    sync.Mutex
	nodes map[string]*UDPSocket
}

// NewUDPNetwork creates an empty shared UDP address space.
func NewUDPNetwork() *UDPNetwork {
	return &UDPNetwork{nodes: make(map[string]*UDPSocket)}
}

// NewSocket registers and returns a socket bound to host:port within net.
func (n *UDPNetwork) NewSocket(host string, port int) *UDPSocket {
	s := &UDPSocket{net: n, host: host, port: port}
	n.mu.Lock()
	n.nodes[s.addr()] = s
	n.mu.Unlock()
	return s
}

// UDPSocket implements capability.IUDPSocket against a UDPNetwork.
type UDPSocket struct {
	net  *UDPNetwork
	host string
	port int

	mu        sync.Mutex
	onMessage func(addr string, port int, b []byte)
}

func (s *UDPSocket) addr() string {
	return net.JoinHostPort(s.host, strconv.Itoa(s.port))
}

// Send delivers b to the socket registered at addr:port, if any, calling
// its OnMessage callback synchronously.
func (s *UDPSocket) Send(addr string, port int, b []byte) error {
	key := net.JoinHostPort(addr, strconv.Itoa(port))
	s.net.mu.Lock()
	target, ok := s.net.nodes[key]
	s.net.mu.Unlock()
	if !ok {
		return fmt.Errorf("memory: no udp socket registered at %s", key)
	}
	target.mu.Lock()
	cb := target.onMessage
	target.mu.Unlock()
	if cb != nil {
		cp := make([]byte, len(b))
		copy(cp, b)
		cb(s.host, s.port, cp)
	}
	return nil
}

func (s *UDPSocket) OnMessage(cb func(addr string, port int, b []byte)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onMessage = cb
}

func (s *UDPSocket) Close() error {
	s.net.mu.Lock()
	delete(s.net.nodes, s.addr())
	s.net.mu.Unlock()
	return nil
}

func (s *UDPSocket) LocalPort() int { return s.port }

// SessionStore is a map-backed capability.ISessionStore for tests.
type SessionStore struct {
	mu   sync.Mutex
	data map[string][]byte
}

// NewSessionStore creates an empty in-memory session store.
func NewSessionStore() *SessionStore {
	return &SessionStore{data: make(map[string][]byte)}
}

func (s *SessionStore) Get(key string) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	v, ok := s.data[key]
	if !ok {
		return nil, errors.New("memory: key not found: " + key)
	}
	return v, nil
}

func (s *SessionStore) Set(key string, value []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.data[key] = value
	return nil
}

func (s *SessionStore) Delete(key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.data, key)
	return nil
}

func (s *SessionStore) Keys(prefix string) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []string
	for k := range s.data {
		if strings.HasPrefix(k, prefix) {
			out = append(out, k)
		}
	}
	return out, nil
}

func (s *SessionStore) GetJSON(key string, v interface{}) error {
	b, err := s.Get(key)
	if err != nil {
		return err
	}
	return json.Unmarshal(b, v)
}

func (s *SessionStore) SetJSON(key string, v interface{}) error {
	b, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return s.Set(key, b)
}

// Clock is a manually-advanced clock for deterministic tests, analogous to
// github.com/andres-erbsen/clock's Mock but satisfying capability.Clock.
type Clock struct {
	mu   sync.Mutex
	now  int64 // unix nanos
	mono uint64
}

// NewClock creates a Clock starting at the given unix-nanos instant.
func NewClock(startUnixNanos int64) *Clock {
	return &Clock{now: startUnixNanos}
}

// Advance moves the clock forward by d nanoseconds, wall-clock and
// monotonic in lockstep, as real time normally passes.
func (c *Clock) Advance(d int64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now += d
	c.mono += uint64(d)
}

// AdvanceWallOnly moves only the wall clock forward by d nanoseconds,
// leaving the monotonic reading untouched -- simulating a process
// suspend/resume (sleep/wake) for tests.
func (c *Clock) AdvanceWallOnly(d int64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now += d
}

func (c *Clock) nowNanos() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

// Now returns the clock's current simulated wall-clock time.
func (c *Clock) Now() time.Time {
	return time.Unix(0, c.nowNanos())
}

// Monotonic returns the clock's current simulated monotonic reading.
func (c *Clock) Monotonic() uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.mono
}

// Random is a deterministic capability.Random (a byte counter starting at
// zero; it takes no seed) for reproducible tests (e.g. pinning DHT node ids in lookup-convergence tests).
type Random struct {
	mu   sync.Mutex
	next byte
}

// Fill fills b with a repeating counter sequence -- not cryptographically
// meaningful, only deterministic.
func (r *Random) Fill(b []byte) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for i := range b {
		b[i] = r.next
		r.next++
	}
}
