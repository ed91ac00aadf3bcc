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

// Package wire implements the BitTorrent peer wire protocol (BEP 3): the
// initial handshake and the length-prefixed message stream exchanged over a
// TCP connection once a torrent's peers have found each other. Framing is
// bit-exact with the specification so independent implementations
// interoperate.
package wire

import (
	"bytes"
	"errors"
	"fmt"
	"io"

	"github.com/btengine/engine/core"
)

// Pstr is the protocol string identifying the original BitTorrent protocol,
// as sent in every handshake.
const Pstr = "BitTorrent protocol"

// HandshakeLen is the fixed length in bytes of a handshake message:
// 1 (pstrlen) + 19 (pstr) + 8 (reserved) + 20 (info hash) + 20 (peer id).
const HandshakeLen = 1 + len(Pstr) + 8 + 20 + 20

// Reserved bit flags, big-endian over the 8 reserved handshake bytes,
// counting from the most significant bit of the first byte (byte 0, bit 0)
// per the convention established by BEP 10.
const (
	// ReservedExtensionProtocol marks support for BEP 10 extended messages.
	ReservedExtensionProtocol = 0x10 // byte 5, bit 0x10
	// ReservedDHT marks support for BEP 5 (the DHT PORT message).
	ReservedDHT = 0x01 // byte 7, bit 0x01
)

// Reserved is the 8 reserved handshake bytes, exposed as a settable bitmask.
type Reserved [8]byte

// SetExtensionProtocol marks BEP 10 extension protocol support (byte 5,
// mask ReservedExtensionProtocol).
func (r *Reserved) SetExtensionProtocol() { r[5] |= ReservedExtensionProtocol }

// SetDHT marks DHT (BEP 5) support.
func (r *Reserved) SetDHT() { r[7] |= ReservedDHT }

// SupportsExtensionProtocol reports whether the BEP 10 bit is set.
func (r Reserved) SupportsExtensionProtocol() bool {
	return r[5]&ReservedExtensionProtocol != 0
}

// SupportsDHT reports whether the BEP 5 bit is set.
func (r Reserved) SupportsDHT() bool {
	return r[7]&ReservedDHT != 0
}

// Handshake is the decoded form of the 68-byte BEP 3 handshake message.
type Handshake struct {
	Pstr     string
	Reserved Reserved
	InfoHash core.InfoHash
	PeerID   core.PeerID
}

// ErrBadPstrLen is returned when the handshake's pstrlen byte does not match
// the expected protocol string length.
var ErrBadPstrLen = errors.New("wire: unexpected pstrlen")

// WriteHandshake encodes h to w in the exact wire form:
// pstrlen | pstr | reserved(8) | info_hash(20) | peer_id(20).
func WriteHandshake(w io.Writer, h Handshake) error {
	var buf bytes.Buffer
	buf.WriteByte(byte(len(Pstr)))
	buf.WriteString(Pstr)
	buf.Write(h.Reserved[:])
	buf.Write(h.InfoHash.Bytes())
	buf.Write(h.PeerID.Bytes())
	if buf.Len() != HandshakeLen {
		return fmt.Errorf("wire: encoded handshake has unexpected length %d", buf.Len())
	}
	_, err := w.Write(buf.Bytes())
	return err
}

// ReadHandshake decodes a handshake from r. The pstr is validated against
// the well-known BitTorrent protocol string; a mismatched pstrlen fails
// immediately since it almost always indicates a non-BitTorrent peer.
func ReadHandshake(r io.Reader) (Handshake, error) {
	var pstrlen [1]byte
	if _, err := io.ReadFull(r, pstrlen[:]); err != nil {
		return Handshake{}, fmt.Errorf("read pstrlen: %s", err)
	}
	if int(pstrlen[0]) != len(Pstr) {
		return Handshake{}, ErrBadPstrLen
	}
	rest := make([]byte, int(pstrlen[0])+8+20+20)
	if _, err := io.ReadFull(r, rest); err != nil {
		return Handshake{}, fmt.Errorf("read handshake body: %s", err)
	}
	pstr := string(rest[:pstrlen[0]])
	if pstr != Pstr {
		return Handshake{}, fmt.Errorf("wire: unexpected pstr %q", pstr)
	}
	rest = rest[pstrlen[0]:]
	var h Handshake
	h.Pstr = pstr
	copy(h.Reserved[:], rest[:8])
	rest = rest[8:]
	copy(h.InfoHash[:], rest[:20])
	rest = rest[20:]
	peerID, err := core.NewPeerIDFromBytes(rest[:20])
	if err != nil {
		return Handshake{}, fmt.Errorf("peer id: %s", err)
	}
	h.PeerID = peerID
	return h, nil
}
