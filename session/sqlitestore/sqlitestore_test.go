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

package sqlitestore

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func storeFixture(t *testing.T) *Store {
	source := filepath.Join(t.TempDir(), "session.db")
	s, err := New(Config{Source: source})
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func TestStoreGetSetDelete(t *testing.T) {
	require := require.New(t)
	s := storeFixture(t)

	_, err := s.Get("missing")
	require.Error(err)

	require.NoError(s.Set("k", []byte("v")))

	b, err := s.Get("k")
	require.NoError(err)
	require.Equal([]byte("v"), b)

	// Overwrite via upsert.
	require.NoError(s.Set("k", []byte("v2")))
	b, err = s.Get("k")
	require.NoError(err)
	require.Equal([]byte("v2"), b)

	require.NoError(s.Delete("k"))
	_, err = s.Get("k")
	require.Error(err)
}

func TestStoreJSON(t *testing.T) {
	require := require.New(t)
	s := storeFixture(t)

	type payload struct {
		Name string `json:"name"`
	}

	require.NoError(s.SetJSON("p", payload{Name: "torrent"}))

	var out payload
	require.NoError(s.GetJSON("p", &out))
	require.Equal("torrent", out.Name)
}

func TestStoreKeysPrefix(t *testing.T) {
	require := require.New(t)
	s := storeFixture(t)

	require.NoError(s.Set("torrent/a", []byte("1")))
	require.NoError(s.Set("torrent/b", []byte("2")))
	require.NoError(s.Set("config/x", []byte("3")))

	keys, err := s.Keys("torrent/")
	require.NoError(err)
	require.ElementsMatch([]string{"torrent/a", "torrent/b"}, keys)
}

func TestStoreReopenPersists(t *testing.T) {
	require := require.New(t)
	source := filepath.Join(t.TempDir(), "session.db")

	s1, err := New(Config{Source: source})
	require.NoError(err)
	require.NoError(s1.Set("k", []byte("v")))
	require.NoError(s1.Close())

	s2, err := New(Config{Source: source})
	require.NoError(err)
	defer s2.Close()

	b, err := s2.Get("k")
	require.NoError(err)
	require.Equal([]byte("v"), b)
}
