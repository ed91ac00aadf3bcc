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

// Package capability declares the abstract platform interfaces the engine
// is built against: sockets, files, hashing, session storage and time.
// Concrete providers (capability/local for a standalone CLI binary,
// capability/memory for deterministic tests) are injected at construction;
// nothing under the core packages (piecemgr, swarm, peerconn, dht,
// diskqueue, engine) imports "net" or "os" directly, matching spec.md §1's
// platform-agnostic design and the capability-trait redesign called for in
// spec.md §9.
package capability

import (
	"context"
	"time"
)

// ISocketFactory creates outbound/listening sockets. Implementations may
// additionally batch sends or signal backpressure; both are optional and
// detected via the BatchSender/Backpressurer interfaces below.
type ISocketFactory interface {
	CreateTCPSocket(ctx context.Context, host string, port int) (ITCPSocket, error)
	CreateUDPSocket(bindAddr string, bindPort int) (IUDPSocket, error)
	CreateTCPServer(bindAddr string, bindPort int) (ITCPServer, error)
}

// BatchSender is an optional ISocketFactory capability that lets the engine
// hand a whole tick's worth of outgoing bytes to the transport in one call.
type BatchSender interface {
	BatchSend(sends []BatchedSend) error
}

// BatchedSend is one queued outgoing write, addressed by the opaque socket
// id the transport assigned when the socket was created.
type BatchedSend struct {
	SocketID string
	Bytes    []byte
}

// Backpressurer is an optional ISocketFactory capability letting the engine
// pause/resume inbound reads across all sockets when piece buffer memory
// exceeds the configured threshold (spec.md §5).
type Backpressurer interface {
	SetBackpressure(active bool)
}

// ITCPSocket is one peer TCP connection.
type ITCPSocket interface {
	Send(b []byte) error
	Close() error
	OnData(cb func([]byte))
	OnClose(cb func(error))
	OnError(cb func(error))
	RemoteAddr() string
	// Secure upgrades the socket to TLS for the given hostname. Optional;
	// returns an error if the provider doesn't support it.
	Secure(hostname string) error
}

// ITCPServer accepts inbound peer connections.
type ITCPServer interface {
	OnAccept(cb func(sock ITCPSocket, remoteAddr string))
	Close() error
	Addr() string
}

// IUDPSocket is the single UDP socket used by the DHT and by BEP 15 UDP
// tracker clients.
type IUDPSocket interface {
	Send(addr string, port int, b []byte) error
	OnMessage(cb func(addr string, port int, b []byte))
	Close() error
	LocalPort() int
}

// IFileSystem is scoped to one storage root; the engine never sees real
// file system paths, only paths relative to a root (spec.md §3 StorageRoot).
type IFileSystem interface {
	Open(path string, mode FileMode) (IFileHandle, error)
	Stat(path string) (FileInfo, error)
	Mkdir(path string) error
	Exists(path string) bool
	Readdir(path string) ([]string, error)
	Delete(path string) error
}

// FileMode enumerates how IFileSystem.Open should open a path.
type FileMode int

// File open modes.
const (
	ModeRead FileMode = iota
	ModeWrite
	ModeReadWrite
)

// FileInfo is the result of IFileSystem.Stat.
type FileInfo struct {
	Size  int64
	Mtime time.Time
	IsDir bool
}

// IFileHandle is an open file. VerifiedWriter is implemented by providers
// that can perform "hash, then write only on match" atomically in one
// native call; the diskqueue falls back to IHasher + Write otherwise.
type IFileHandle interface {
	ReadAt(buf []byte, pos int64) (int, error)
	WriteAt(buf []byte, pos int64) (int, error)
	Truncate(size int64) error
	Sync() error
	Close() error
}

// VerifiedWriter is an optional IFileHandle capability: writes data at pos
// only if its SHA-1 matches expected, atomically.
type VerifiedWriter interface {
	WriteVerified(pos int64, data []byte, expected [20]byte) (bytesWritten int, matched bool, err error)
}

// IHasher computes the content hashes the engine verifies pieces against.
type IHasher interface {
	SHA1(b []byte) [20]byte
}

// ISessionStore is a keyed binary/JSON blob store used to persist torrent
// list, per-torrent state, the DHT routing table and configuration
// (spec.md §6 "Persisted state").
type ISessionStore interface {
	Get(key string) ([]byte, error)
	Set(key string, value []byte) error
	Delete(key string) error
	Keys(prefix string) ([]string, error)
	GetJSON(key string, v interface{}) error
	SetJSON(key string, v interface{}) error
}

// Clock abstracts wall-clock and monotonic time so engine behavior (timers,
// backoff, DHT token rotation) is deterministically testable.
type Clock interface {
	Now() time.Time
	Monotonic() uint64
}

// Random abstracts randomness (peer ids, DHT node ids, KRPC transaction
// ids, token secrets) for deterministic tests.
type Random interface {
	Fill(b []byte)
}
