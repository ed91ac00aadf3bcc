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

package main

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestLoadConfigEmptyPath(t *testing.T) {
	require := require.New(t)

	c, err := loadConfig("")
	require.NoError(err)
	require.Equal(Config{}, c)
}

func TestLoadConfigParsesYAML(t *testing.T) {
	require := require.New(t)

	path := filepath.Join(t.TempDir(), "config.yaml")
	contents := `
engine:
  listening_port: 6881
  dht_enabled: true
session:
  backend: sqlite
  sqlite:
    source: ./data/session.db
data_dir: ./data
`
	require.NoError(os.WriteFile(path, []byte(contents), 0644))

	c, err := loadConfig(path)
	require.NoError(err)
	require.Equal(6881, c.Engine.ListeningPort)
	require.True(c.Engine.DHTEnabled)
	require.Equal("sqlite", c.Session.Backend)
	require.Equal("./data/session.db", c.Session.SQLite.Source)
	require.Equal("./data", c.DataDir)
}

func TestLoadConfigMissingFile(t *testing.T) {
	require := require.New(t)

	_, err := loadConfig(filepath.Join(t.TempDir(), "missing.yaml"))
	require.Error(err)
}
