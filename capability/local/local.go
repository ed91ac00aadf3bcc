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

// Package local implements capability.ISocketFactory and
// capability.IFileSystem over real TCP/UDP sockets and the OS filesystem,
// for the standalone cmd/btengine binary. It is a concrete provider outside
// the core per spec.md §1/§9 -- no core package imports it.
package local

import (
	"context"
	crand "crypto/rand"
	"crypto/sha1"
	"crypto/tls"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/btengine/engine/capability"
)

// SocketFactory creates real net.Conn-backed sockets.
type SocketFactory struct {
	dialer net.Dialer
}

// NewSocketFactory creates a SocketFactory with the given dial timeout.
func NewSocketFactory(dialTimeout time.Duration) *SocketFactory {
	return &SocketFactory{dialer: net.Dialer{Timeout: dialTimeout}}
}

// CreateTCPSocket dials host:port and wraps the resulting connection.
func (f *SocketFactory) CreateTCPSocket(ctx context.Context, host string, port int) (capability.ITCPSocket, error) {
	nc, err := f.dialer.DialContext(ctx, "tcp", net.JoinHostPort(host, fmt.Sprint(port)))
	if err != nil {
		return nil, err
	}
	return newTCPSocket(nc), nil
}

// CreateUDPSocket binds a UDP socket, used by the DHT and BEP 15 tracker
// clients.
func (f *SocketFactory) CreateUDPSocket(bindAddr string, bindPort int) (capability.IUDPSocket, error) {
	pc, err := net.ListenUDP("udp", &net.UDPAddr{IP: net.ParseIP(bindAddr), Port: bindPort})
	if err != nil {
		return nil, err
	}
	s := &udpSocket{pc: pc, done: make(chan struct{})}
	go s.readLoop()
	return s, nil
}

// CreateTCPServer listens for inbound peer connections.
func (f *SocketFactory) CreateTCPServer(bindAddr string, bindPort int) (capability.ITCPServer, error) {
	l, err := net.Listen("tcp", net.JoinHostPort(bindAddr, fmt.Sprint(bindPort)))
	if err != nil {
		return nil, err
	}
	s := &tcpServer{l: l}
	return s, nil
}

type tcpSocket struct {
	nc net.Conn

	mu       sync.Mutex
	onData   func([]byte)
	onClose  func(error)
	onError  func(error)
	closed   bool
	readOnce sync.Once
}

func newTCPSocket(nc net.Conn) *tcpSocket {
	return &tcpSocket{nc: nc}
}

func (s *tcpSocket) Send(b []byte) error {
	_, err := s.nc.Write(b)
	return err
}

func (s *tcpSocket) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.mu.Unlock()
	return s.nc.Close()
}

func (s *tcpSocket) RemoteAddr() string {
	return s.nc.RemoteAddr().String()
}

func (s *tcpSocket) Secure(hostname string) error {
	tlsConn := tls.Client(s.nc, &tls.Config{ServerName: hostname})
	if err := tlsConn.Handshake(); err != nil {
		return fmt.Errorf("tls handshake: %s", err)
	}
	s.nc = tlsConn
	return nil
}

func (s *tcpSocket) OnData(cb func([]byte)) {
	s.mu.Lock()
	s.onData = cb
	s.mu.Unlock()
	s.readOnce.Do(func() { go s.readLoop() })
}

func (s *tcpSocket) OnClose(cb func(error)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onClose = cb
}

func (s *tcpSocket) OnError(cb func(error)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onError = cb
}

func (s *tcpSocket) readLoop() {
	buf := make([]byte, 64*1024)
	for {
		n, err := s.nc.Read(buf)
		if n > 0 {
			s.mu.Lock()
			cb := s.onData
			s.mu.Unlock()
			if cb != nil {
				chunk := make([]byte, n)
				copy(chunk, buf[:n])
				cb(chunk)
			}
		}
		if err != nil {
			s.mu.Lock()
			onClose, onErr := s.onClose, s.onError
			s.mu.Unlock()
			if onErr != nil {
				onErr(err)
			}
			if onClose != nil {
				onClose(err)
			}
			return
		}
	}
}

type tcpServer struct {
	l      net.Listener
	mu     sync.Mutex
	onAcc  func(capability.ITCPSocket, string)
}

func (s *tcpServer) OnAccept(cb func(capability.ITCPSocket, string)) {
	s.mu.Lock()
	s.onAcc = cb
	s.mu.Unlock()
	go s.acceptLoop()
}

func (s *tcpServer) acceptLoop() {
	for {
		nc, err := s.l.Accept()
		if err != nil {
			return
		}
		s.mu.Lock()
		cb := s.onAcc
		s.mu.Unlock()
		if cb != nil {
			cb(newTCPSocket(nc), nc.RemoteAddr().String())
		}
	}
}

func (s *tcpServer) Close() error { return s.l.Close() }
func (s *tcpServer) Addr() string { return s.l.Addr().String() }

type udpSocket struct {
	pc   *net.UDPConn
	mu   sync.Mutex
	onMsg func(string, int, []byte)
	done chan struct{}
}

func (s *udpSocket) Send(addr string, port int, b []byte) error {
	raddr, err := net.ResolveUDPAddr("udp", net.JoinHostPort(addr, fmt.Sprint(port)))
	if err != nil {
		return err
	}
	_, err = s.pc.WriteToUDP(b, raddr)
	return err
}

func (s *udpSocket) OnMessage(cb func(string, int, []byte)) {
	s.mu.Lock()
	s.onMsg = cb
	s.mu.Unlock()
}

func (s *udpSocket) Close() error {
	close(s.done)
	return s.pc.Close()
}

func (s *udpSocket) LocalPort() int {
	return s.pc.LocalAddr().(*net.UDPAddr).Port
}

func (s *udpSocket) readLoop() {
	buf := make([]byte, 64*1024)
	for {
		n, raddr, err := s.pc.ReadFromUDP(buf)
		if err != nil {
			select {
			case <-s.done:
				return
			default:
				continue
			}
		}
		s.mu.Lock()
		cb := s.onMsg
		s.mu.Unlock()
		if cb != nil {
			chunk := make([]byte, n)
			copy(chunk, buf[:n])
			cb(raddr.IP.String(), raddr.Port, chunk)
		}
	}
}

// FileSystem roots all paths under a fixed base directory, implementing
// capability.IFileSystem over the OS filesystem.
type FileSystem struct {
	base string
}

// NewFileSystem creates a FileSystem scoped to base, creating it if needed.
func NewFileSystem(base string) (*FileSystem, error) {
	if err := os.MkdirAll(base, 0755); err != nil {
		return nil, err
	}
	return &FileSystem{base: base}, nil
}

func (fs *FileSystem) resolve(path string) string {
	return filepath.Join(fs.base, filepath.FromSlash(path))
}

func (fs *FileSystem) Open(path string, mode capability.FileMode) (capability.IFileHandle, error) {
	full := fs.resolve(path)
	if err := os.MkdirAll(filepath.Dir(full), 0755); err != nil {
		return nil, err
	}
	var flag int
	switch mode {
	case capability.ModeRead:
		flag = os.O_RDONLY
	case capability.ModeWrite:
		flag = os.O_RDWR | os.O_CREATE
	case capability.ModeReadWrite:
		flag = os.O_RDWR | os.O_CREATE
	default:
		return nil, fmt.Errorf("local: unknown file mode %d", mode)
	}
	f, err := os.OpenFile(full, flag, 0644)
	if err != nil {
		return nil, err
	}
	return &fileHandle{f: f}, nil
}

func (fs *FileSystem) Stat(path string) (capability.FileInfo, error) {
	fi, err := os.Stat(fs.resolve(path))
	if err != nil {
		return capability.FileInfo{}, err
	}
	return capability.FileInfo{Size: fi.Size(), Mtime: fi.ModTime(), IsDir: fi.IsDir()}, nil
}

func (fs *FileSystem) Mkdir(path string) error {
	return os.MkdirAll(fs.resolve(path), 0755)
}

func (fs *FileSystem) Exists(path string) bool {
	_, err := os.Stat(fs.resolve(path))
	return err == nil
}

func (fs *FileSystem) Readdir(path string) ([]string, error) {
	entries, err := os.ReadDir(fs.resolve(path))
	if err != nil {
		return nil, err
	}
	names := make([]string, len(entries))
	for i, e := range entries {
		names[i] = e.Name()
	}
	return names, nil
}

func (fs *FileSystem) Delete(path string) error {
	return os.RemoveAll(fs.resolve(path))
}

type fileHandle struct {
	f *os.File
}

func (h *fileHandle) ReadAt(buf []byte, pos int64) (int, error)  { return h.f.ReadAt(buf, pos) }
func (h *fileHandle) WriteAt(buf []byte, pos int64) (int, error) { return h.f.WriteAt(buf, pos) }
func (h *fileHandle) Truncate(size int64) error                  { return h.f.Truncate(size) }
func (h *fileHandle) Sync() error                                { return h.f.Sync() }
func (h *fileHandle) Close() error                               { return h.f.Close() }

// WriteVerified implements capability.VerifiedWriter: hash data and write
// it to pos only if the hash matches expected, without a caller-visible
// window where a partial or corrupt write is observable.
func (h *fileHandle) WriteVerified(pos int64, data []byte, expected [20]byte) (int, bool, error) {
	sum := sha1.Sum(data)
	if sum != expected {
		return 0, false, nil
	}
	n, err := h.f.WriteAt(data, pos)
	return n, true, err
}

// Hasher implements capability.IHasher with crypto/sha1.
type Hasher struct{}

// SHA1 returns the SHA-1 digest of b.
func (Hasher) SHA1(b []byte) [20]byte {
	return sha1.Sum(b)
}

// SystemClock implements capability.Clock over the real wall clock and
// monotonic reading.
type SystemClock struct{ start time.Time }

// NewSystemClock creates a SystemClock.
func NewSystemClock() *SystemClock {
	return &SystemClock{start: time.Now()}
}

func (c *SystemClock) Now() time.Time { return time.Now() }

func (c *SystemClock) Monotonic() uint64 {
	return uint64(time.Since(c.start).Nanoseconds())
}

// SystemRandom implements capability.Random over crypto/rand, used for DHT
// node ids, KRPC transaction ids and token secrets.
type SystemRandom struct{}

// Fill fills b with cryptographically random bytes.
func (SystemRandom) Fill(b []byte) {
	if _, err := crand.Read(b); err != nil {
		// crypto/rand.Read on a supported platform only fails if the OS
		// entropy source is broken; there is no sane fallback.
		panic(fmt.Sprintf("local: crypto/rand failed: %s", err))
	}
}
