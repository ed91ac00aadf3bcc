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

	"github.com/btengine/engine/lib/torrent/bencode"
)

// KRPC error codes (BEP 5 §"Errors").
const (
	ErrGeneric        = 201
	ErrServer         = 202
	ErrProtocol       = 203 // also used for a bad/stale token
	ErrMethodUnknown  = 204
)

// krpcMessage is the bencoded envelope every KRPC datagram uses: t is the
// transaction id, y selects which of q/r/e is populated.
type krpcMessage struct {
	T string                 `bencode:"t"`
	Y string                 `bencode:"y"`
	Q string                 `bencode:"q,omitempty"`
	A map[string]interface{} `bencode:"a,omitempty"`
	R map[string]interface{} `bencode:"r,omitempty"`
	E []interface{}          `bencode:"e,omitempty"`
}

func encodeMessage(m krpcMessage) ([]byte, error) {
	return bencode.Marshal(m)
}

func decodeMessage(b []byte) (krpcMessage, error) {
	var m krpcMessage
	if err := bencode.Unmarshal(b, &m); err != nil {
		return m, fmt.Errorf("decode krpc message: %s", err)
	}
	return m, nil
}

// newQuery builds a query message for method q with transaction id tid.
func newQuery(tid string, q string, args map[string]interface{}) krpcMessage {
	return krpcMessage{T: tid, Y: "q", Q: q, A: args}
}

// newResponse builds a response message echoing tid.
func newResponse(tid string, r map[string]interface{}) krpcMessage {
	return krpcMessage{T: tid, Y: "r", R: r}
}

// newError builds an error message echoing tid.
func newError(tid string, code int, msg string) krpcMessage {
	return krpcMessage{T: tid, Y: "e", E: []interface{}{code, msg}}
}

// pingArgs/Response, findNodeArgs, getPeersArgs, announcePeerArgs mirror
// BEP 5's query argument dictionaries, keyed exactly as the wire format
// requires ("id", "target", "info_hash", "port", "token", "implied_port").

func idArg(id ID) map[string]interface{} {
	return map[string]interface{}{"id": string(id[:])}
}

func parseIDField(r map[string]interface{}, key string) (ID, error) {
	v, ok := r[key]
	if !ok {
		return ID{}, fmt.Errorf("dht: krpc response missing %q", key)
	}
	s, ok := v.(string)
	if !ok {
		return ID{}, fmt.Errorf("dht: krpc field %q not a string", key)
	}
	return IDFromBytes([]byte(s))
}
