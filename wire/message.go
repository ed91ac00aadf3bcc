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
package wire

import (
	"encoding/binary"
	"fmt"
	"io"
)

// ID identifies the type of a peer wire message. Values match BEP 3 (and
// BEP 5 for Port, BEP 10 for Extended).
type ID byte

// Message ids, see spec §4.2.
const (
	Choke         ID = 0
	Unchoke       ID = 1
	Interested    ID = 2
	NotInterested ID = 3
	Have          ID = 4
	Bitfield      ID = 5
	Request       ID = 6
	Piece         ID = 7
	Cancel        ID = 8
	Port          ID = 9
	Extended      ID = 20
)

func (id ID) String() string {
	switch id {
	case Choke:
		return "choke"
	case Unchoke:
		return "unchoke"
	case Interested:
		return "interested"
	case NotInterested:
		return "not_interested"
	case Have:
		return "have"
	case Bitfield:
		return "bitfield"
	case Request:
		return "request"
	case Piece:
		return "piece"
	case Cancel:
		return "cancel"
	case Port:
		return "port"
	case Extended:
		return "extended"
	default:
		return fmt.Sprintf("unknown(%d)", byte(id))
	}
}

// BlockSize is the canonical block size requested/transferred per BEP 3
// convention; the last block of the last piece may be shorter.
const BlockSize = 16 * 1024

// Message is a decoded peer wire frame. A zero-length frame (no ID, no
// Payload) represents a keep-alive.
type Message struct {
	KeepAlive bool
	ID        ID
	Payload   []byte
}

// Have, Request, Cancel, Piece and Port expose typed views over Payload.

// HaveIndex decodes a HAVE message's piece index.
func (m Message) HaveIndex() (uint32, error) {
	if len(m.Payload) != 4 {
		return 0, fmt.Errorf("wire: have payload must be 4 bytes, got %d", len(m.Payload))
	}
	return binary.BigEndian.Uint32(m.Payload), nil
}

// RequestFields decodes a REQUEST or CANCEL message's (index, begin, length).
func (m Message) RequestFields() (index, begin, length uint32, err error) {
	if len(m.Payload) != 12 {
		return 0, 0, 0, fmt.Errorf("wire: request payload must be 12 bytes, got %d", len(m.Payload))
	}
	index = binary.BigEndian.Uint32(m.Payload[0:4])
	begin = binary.BigEndian.Uint32(m.Payload[4:8])
	length = binary.BigEndian.Uint32(m.Payload[8:12])
	return index, begin, length, nil
}

// PieceFields decodes a PIECE message's (index, begin, block).
func (m Message) PieceFields() (index, begin uint32, block []byte, err error) {
	if len(m.Payload) < 8 {
		return 0, 0, nil, fmt.Errorf("wire: piece payload must be at least 8 bytes, got %d", len(m.Payload))
	}
	index = binary.BigEndian.Uint32(m.Payload[0:4])
	begin = binary.BigEndian.Uint32(m.Payload[4:8])
	block = m.Payload[8:]
	return index, begin, block, nil
}

// PortNumber decodes a PORT message's DHT listening port.
func (m Message) PortNumber() (uint16, error) {
	if len(m.Payload) != 2 {
		return 0, fmt.Errorf("wire: port payload must be 2 bytes, got %d", len(m.Payload))
	}
	return binary.BigEndian.Uint16(m.Payload), nil
}

// NewHave builds a HAVE message.
func NewHave(index uint32) Message {
	p := make([]byte, 4)
	binary.BigEndian.PutUint32(p, index)
	return Message{ID: Have, Payload: p}
}

// NewBitfield builds a BITFIELD message. payload is the caller-supplied
// BEP 3 wire form (see core.BitField.ToWireBytes and core.FromWireBytes).
func NewBitfield(payload []byte) Message {
	return Message{ID: Bitfield, Payload: payload}
}

// NewRequest builds a REQUEST message.
func NewRequest(index, begin, length uint32) Message {
	p := make([]byte, 12)
	binary.BigEndian.PutUint32(p[0:4], index)
	binary.BigEndian.PutUint32(p[4:8], begin)
	binary.BigEndian.PutUint32(p[8:12], length)
	return Message{ID: Request, Payload: p}
}

// NewCancel builds a CANCEL message.
func NewCancel(index, begin, length uint32) Message {
	m := NewRequest(index, begin, length)
	m.ID = Cancel
	return m
}

// NewPiece builds a PIECE message.
func NewPiece(index, begin uint32, block []byte) Message {
	p := make([]byte, 8+len(block))
	binary.BigEndian.PutUint32(p[0:4], index)
	binary.BigEndian.PutUint32(p[4:8], begin)
	copy(p[8:], block)
	return Message{ID: Piece, Payload: p}
}

// NewPort builds a PORT message (BEP 5).
func NewPort(port uint16) Message {
	p := make([]byte, 2)
	binary.BigEndian.PutUint16(p, port)
	return Message{ID: Port, Payload: p}
}

// NewSimple builds a message with no payload: CHOKE, UNCHOKE, INTERESTED or
// NOT_INTERESTED.
func NewSimple(id ID) Message {
	return Message{ID: id}
}

// NewExtended builds a BEP 10 extended message. The first payload byte is
// the extended message id (0 for the handshake), followed by a bencoded
// dictionary.
func NewExtended(extendedID byte, body []byte) Message {
	p := make([]byte, 1+len(body))
	p[0] = extendedID
	copy(p[1:], body)
	return Message{ID: Extended, Payload: p}
}

// KeepAliveMessage is the zero-length frame sent to keep a connection alive
// across the spec's 120s idle timeout.
var KeepAliveMessage = Message{KeepAlive: true}

// MaxFrameSize bounds a single frame's length prefix to guard against a
// malicious or corrupt peer claiming an absurd allocation. It comfortably
// exceeds a maximal PIECE message (8 header bytes + a multi-megabyte block
// is never legitimate at the 16KiB block size, but some clients use larger
// blocks).
const MaxFrameSize = 1 << 20

// WriteMessage writes m to w in length-prefixed wire form: a 4-byte
// big-endian length (of id+payload, 0 for keep-alive) followed by the id
// byte and payload.
func WriteMessage(w io.Writer, m Message) error {
	if m.KeepAlive {
		var lenPrefix [4]byte
		_, err := w.Write(lenPrefix[:])
		return err
	}
	body := make([]byte, 4+1+len(m.Payload))
	binary.BigEndian.PutUint32(body, uint32(1+len(m.Payload)))
	body[4] = byte(m.ID)
	copy(body[5:], m.Payload)
	_, err := w.Write(body)
	return err
}

// ReadMessage reads and decodes one frame from r, blocking until the length
// prefix and full payload have arrived. Unknown message ids are returned as
//-is; callers discard them per spec §4.2 ("unknown ids are consumed and
// ignored").
func ReadMessage(r io.Reader) (Message, error) {
	var lenPrefix [4]byte
	if _, err := io.ReadFull(r, lenPrefix[:]); err != nil {
		return Message{}, fmt.Errorf("read length prefix: %s", err)
	}
	length := binary.BigEndian.Uint32(lenPrefix[:])
	if length == 0 {
		return KeepAliveMessage, nil
	}
	if length > MaxFrameSize {
		return Message{}, fmt.Errorf("wire: frame length %d exceeds max %d", length, MaxFrameSize)
	}
	body := make([]byte, length)
	if _, err := io.ReadFull(r, body); err != nil {
		return Message{}, fmt.Errorf("read frame body: %s", err)
	}
	return Message{ID: ID(body[0]), Payload: body[1:]}, nil
}
