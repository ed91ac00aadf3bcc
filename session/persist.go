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
package session

import (
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/btengine/engine/capability"
)

// TorrentsKey is the session store key holding the list of known torrents
// (spec.md §6 "session:torrents").
const TorrentsKey = "session:torrents"

// TorrentRecord is one entry in the persisted torrent list.
type TorrentRecord struct {
	InfoHashHex string    `json:"infohash_hex"`
	Name        string    `json:"name"`
	Magnet      string    `json:"magnet,omitempty"`
	AddedAt     time.Time `json:"addedAt"`
	UserState   string    `json:"userState"`
}

// TorrentState is the mutable per-torrent progress persisted separately
// from the static record (spec.md §6 "session:torrent:<hex>:state").
type TorrentState struct {
	BitfieldHex     string     `json:"bitfield_hex"`
	TotalDownloaded int64      `json:"totalDownloaded"`
	TotalUploaded   int64      `json:"totalUploaded"`
	CompletedAt     *time.Time `json:"completedAt,omitempty"`
}

// StateKey returns the session store key for infoHashHex's mutable state.
func StateKey(infoHashHex string) string {
	return fmt.Sprintf("session:torrent:%s:state", infoHashHex)
}

// MetaKey returns the session store key under which a torrent's bencoded
// metainfo bytes are persisted once known (spec.md §6
// "session:torrent:<hex>:meta"), so a magnet-only torrent that later
// fetches its metadata via BEP 9 doesn't need to refetch it on restart.
func MetaKey(infoHashHex string) string {
	return fmt.Sprintf("session:torrent:%s:meta", infoHashHex)
}

// ConfigKeyPrefix namespaces individual config entries (spec.md §6
// "session:config:*").
const ConfigKeyPrefix = "session:config:"

// ConfigKey returns the session store key for a single named config entry.
func ConfigKey(name string) string {
	return ConfigKeyPrefix + name
}

// Store wraps a capability.ISessionStore with the engine's persisted-state
// schema (spec.md §6 "Persisted state"), so the engine package never hand-
// builds key strings or handles corrupt-JSON recovery itself.
type Store struct {
	backend capability.ISessionStore
	logger  *zap.SugaredLogger
}

// NewStore wraps backend. logger defaults to a no-op.
func NewStore(backend capability.ISessionStore, logger *zap.SugaredLogger) *Store {
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	return &Store{backend: backend, logger: logger}
}

// LoadTorrents returns the persisted torrent list. Per spec.md §7 "Session
// corruption is logged and results in starting with an empty session rather
// than aborting", a corrupt or missing blob yields an empty list, not an
// error.
func (s *Store) LoadTorrents() []TorrentRecord {
	var recs []TorrentRecord
	if err := s.backend.GetJSON(TorrentsKey, &recs); err != nil {
		s.logger.Warnw("session torrents list missing or corrupt, starting empty", "error", err)
		return nil
	}
	return recs
}

// SaveTorrents overwrites the persisted torrent list.
func (s *Store) SaveTorrents(recs []TorrentRecord) error {
	if err := s.backend.SetJSON(TorrentsKey, recs); err != nil {
		return fmt.Errorf("session: save torrents: %s", err)
	}
	return nil
}

// LoadState returns infoHashHex's persisted mutable state, or the zero value
// (and false) if absent or corrupt.
func (s *Store) LoadState(infoHashHex string) (TorrentState, bool) {
	var st TorrentState
	if err := s.backend.GetJSON(StateKey(infoHashHex), &st); err != nil {
		return TorrentState{}, false
	}
	return st, true
}

// SaveState persists infoHashHex's mutable state.
func (s *Store) SaveState(infoHashHex string, st TorrentState) error {
	if err := s.backend.SetJSON(StateKey(infoHashHex), st); err != nil {
		return fmt.Errorf("session: save state %s: %s", infoHashHex, err)
	}
	return nil
}

// LoadMeta returns infoHashHex's persisted bencoded metainfo bytes, if any.
func (s *Store) LoadMeta(infoHashHex string) ([]byte, bool) {
	b, err := s.backend.Get(MetaKey(infoHashHex))
	if err != nil || len(b) == 0 {
		return nil, false
	}
	return b, true
}

// SaveMeta persists infoHashHex's bencoded metainfo bytes.
func (s *Store) SaveMeta(infoHashHex string, raw []byte) error {
	if err := s.backend.Set(MetaKey(infoHashHex), raw); err != nil {
		return fmt.Errorf("session: save meta %s: %s", infoHashHex, err)
	}
	return nil
}

// DeleteTorrent removes infoHashHex's state and meta blobs, called from
// engine.RemoveTorrent.
func (s *Store) DeleteTorrent(infoHashHex string) {
	if err := s.backend.Delete(StateKey(infoHashHex)); err != nil {
		s.logger.Warnw("delete torrent state", "infohash", infoHashHex, "error", err)
	}
	if err := s.backend.Delete(MetaKey(infoHashHex)); err != nil {
		s.logger.Warnw("delete torrent meta", "infohash", infoHashHex, "error", err)
	}
}

// SetConfig persists a single named config entry as a JSON value.
func (s *Store) SetConfig(name string, v interface{}) error {
	if err := s.backend.SetJSON(ConfigKey(name), v); err != nil {
		return fmt.Errorf("session: set config %s: %s", name, err)
	}
	return nil
}

// GetConfig loads a single named config entry.
func (s *Store) GetConfig(name string, v interface{}) error {
	return s.backend.GetJSON(ConfigKey(name), v)
}

// ConfigNames lists every persisted config entry name.
func (s *Store) ConfigNames() ([]string, error) {
	keys, err := s.backend.Keys(ConfigKeyPrefix)
	if err != nil {
		return nil, fmt.Errorf("session: list config keys: %s", err)
	}
	names := make([]string, len(keys))
	for i, k := range keys {
		names[i] = k[len(ConfigKeyPrefix):]
	}
	return names, nil
}
