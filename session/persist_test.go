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
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/btengine/engine/capability/memory"
)

func TestStoreTorrentsRoundTrip(t *testing.T) {
	s := NewStore(memory.NewSessionStore(), nil)

	require.Empty(t, s.LoadTorrents())

	recs := []TorrentRecord{{InfoHashHex: "aabb", Name: "foo", UserState: "started"}}
	require.NoError(t, s.SaveTorrents(recs))
	require.Equal(t, recs, s.LoadTorrents())
}

func TestStoreStateRoundTrip(t *testing.T) {
	s := NewStore(memory.NewSessionStore(), nil)

	_, ok := s.LoadState("aabb")
	require.False(t, ok)

	st := TorrentState{BitfieldHex: "ff", TotalDownloaded: 100}
	require.NoError(t, s.SaveState("aabb", st))

	got, ok := s.LoadState("aabb")
	require.True(t, ok)
	require.Equal(t, st, got)
}

func TestStoreMetaRoundTrip(t *testing.T) {
	s := NewStore(memory.NewSessionStore(), nil)

	_, ok := s.LoadMeta("aabb")
	require.False(t, ok)

	require.NoError(t, s.SaveMeta("aabb", []byte("d4:infod...e")))
	got, ok := s.LoadMeta("aabb")
	require.True(t, ok)
	require.Equal(t, []byte("d4:infod...e"), got)
}

func TestStoreDeleteTorrent(t *testing.T) {
	s := NewStore(memory.NewSessionStore(), nil)
	require.NoError(t, s.SaveState("aabb", TorrentState{}))
	require.NoError(t, s.SaveMeta("aabb", []byte("x")))

	s.DeleteTorrent("aabb")

	_, ok := s.LoadState("aabb")
	require.False(t, ok)
	_, ok = s.LoadMeta("aabb")
	require.False(t, ok)
}

func TestStoreConfig(t *testing.T) {
	s := NewStore(memory.NewSessionStore(), nil)
	require.NoError(t, s.SetConfig("listeningPort", 6881))

	var port int
	require.NoError(t, s.GetConfig("listeningPort", &port))
	require.Equal(t, 6881, port)

	names, err := s.ConfigNames()
	require.NoError(t, err)
	require.Equal(t, []string{"listeningPort"}, names)
}

func TestRootManagerResolve(t *testing.T) {
	m := NewRootManager([]byte("salt"))
	fs := memory.NewFileSystem()
	key := m.AddRoot("/real/path", "Downloads", "/real/path", fs)

	got, err := m.Resolve(key)
	require.NoError(t, err)
	require.Equal(t, fs, got)

	_, err = m.Resolve("missing")
	require.ErrorIs(t, err, ErrRootMissing)
}

func TestRootManagerDeriveKeyStable(t *testing.T) {
	m := NewRootManager([]byte("salt"))
	k1 := m.DeriveKey("/a/b")
	k2 := m.DeriveKey("/a/b")
	require.Equal(t, k1, k2)
	require.NotEqual(t, k1, m.DeriveKey("/a/c"))
}
