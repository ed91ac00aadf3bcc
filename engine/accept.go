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
package engine

import (
	"bytes"

	"github.com/btengine/engine/capability"
	"github.com/btengine/engine/wire"
)

// demuxSocket wraps a freshly accepted capability.ITCPSocket so that a
// handshake sniffed ahead of routing (see onAccept) can be replayed to
// whichever Conn ends up owning it: peerconn.newConn registers its onData
// callback exactly once, and that single registration both replays the
// buffered bytes and switches future delivery straight to the real socket.
type demuxSocket struct {
	inner    capability.ITCPSocket
	buffered []byte
}

func (d *demuxSocket) Send(b []byte) error          { return d.inner.Send(b) }
func (d *demuxSocket) Close() error                 { return d.inner.Close() }
func (d *demuxSocket) RemoteAddr() string           { return d.inner.RemoteAddr() }
func (d *demuxSocket) Secure(hostname string) error { return d.inner.Secure(hostname) }
func (d *demuxSocket) OnClose(cb func(error))       { d.inner.OnClose(cb) }
func (d *demuxSocket) OnError(cb func(error))       { d.inner.OnError(cb) }

func (d *demuxSocket) OnData(cb func([]byte)) {
	if len(d.buffered) > 0 {
		b := d.buffered
		d.buffered = nil
		cb(b)
	}
	d.inner.OnData(cb)
}

// onAccept sniffs the BT handshake of a freshly accepted connection far
// enough to read the infohash, routes it to the matching Torrent (closing
// the socket if none matches), and hands it off to peerconn.AcceptIncoming
// with the sniffed bytes replayed through demuxSocket.
func (e *Engine) onAccept(sock capability.ITCPSocket, remoteAddr string) {
	var buf bytes.Buffer
	routed := false
	sock.OnData(func(b []byte) {
		if routed {
			return
		}
		buf.Write(b)
		if buf.Len() < wire.HandshakeLen {
			return
		}
		routed = true

		hs, err := wire.ReadHandshake(bytes.NewReader(buf.Bytes()[:wire.HandshakeLen]))
		if err != nil {
			sock.Close()
			return
		}

		e.mu.Lock()
		t, ok := e.torrents[hs.InfoHash.Hex()]
		e.mu.Unlock()
		if !ok {
			sock.Close()
			return
		}

		ds := &demuxSocket{inner: sock, buffered: append([]byte(nil), buf.Bytes()...)}
		conn, err := e.newIncomingConn(ds, remoteAddr, t)
		if err != nil {
			sock.Close()
			return
		}
		t.mu.Lock()
		t.conns[remoteAddr] = conn
		t.mu.Unlock()
	})
}
