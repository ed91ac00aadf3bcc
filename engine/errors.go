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

import "fmt"

// Kind classifies an engine-level error for callers that need to branch on
// cause rather than parse a message (spec.md §7).
type Kind string

// Error kinds.
const (
	KindHandshakeFailed             Kind = "handshake_failed"
	KindInfoHashMismatch            Kind = "infohash_mismatch"
	KindPeerIDCollision             Kind = "peer_id_collision"
	KindWireProtocolError           Kind = "wire_protocol_error"
	KindPeerTimeout                 Kind = "peer_timeout"
	KindPeerChoked                  Kind = "peer_choked"
	KindEncryptionNegotiationFailed Kind = "encryption_negotiation_failed"
	KindTrackerProtocolError        Kind = "tracker_protocol_error"
	KindTrackerUnreachable          Kind = "tracker_unreachable"
	KindDHTQueryTimeout             Kind = "dht_query_timeout"
	KindDHTBadToken                 Kind = "dht_bad_token"
	KindHashMismatch                Kind = "hash_mismatch"
	KindDiskIOError                 Kind = "disk_io_error"
	KindStorageRootMissing          Kind = "storage_root_missing"
	KindStorageRootQuotaExceeded    Kind = "storage_root_quota_exceeded"
	KindSessionPersistenceCorrupt   Kind = "session_persistence_corrupt"
	KindMetainfoInvalid             Kind = "metainfo_invalid"
	KindMagnetInvalid               Kind = "magnet_invalid"
	KindShuttingDown                Kind = "shutting_down"
)

// Error is a typed engine error, propagated per spec.md §7: most kinds are
// attributed to a single peer or tracker and never escape that scope, a
// HashMismatch is surfaced as a piece:invalid event without failing the
// torrent, and only a permanent disk error or a caller-facing add/shutdown
// failure actually returns one of these to a caller.
type Error struct {
	Kind    Kind
	InfoHash string // hex, empty if not torrent-scoped
	Message string
	Cause   error
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %s", e.Kind, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error {
	return e.Cause
}

func newErr(kind Kind, infoHash string, format string, args ...interface{}) *Error {
	return &Error{Kind: kind, InfoHash: infoHash, Message: fmt.Sprintf(format, args...)}
}

func wrapErr(kind Kind, infoHash string, cause error, format string, args ...interface{}) *Error {
	return &Error{Kind: kind, InfoHash: infoHash, Message: fmt.Sprintf(format, args...), Cause: cause}
}
