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

// Package sqlitestore implements capability.ISessionStore over an embedded
// SQLite database, for single-host deployments that want persisted,
// queryable session state without running a separate server (spec.md §6's
// "Persisted state" namespace is backend-agnostic: the engine only ever
// talks to the capability.ISessionStore interface). Grounded on
// localdb/database.go's sqlx.Open + single-connection + goose migration
// pattern, and localdb/migrations' goose.AddMigration idiom.
package sqlitestore

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/jmoiron/sqlx"
	_ "github.com/mattn/go-sqlite3" // SQL driver.
	"github.com/pressly/goose"

	_ "github.com/btengine/engine/session/sqlitestore/migrations" // Add migrations.

	"github.com/btengine/engine/capability"
)

var _ capability.ISessionStore = (*Store)(nil)

// Config defines Store configuration.
type Config struct {
	// Source is the path to the SQLite database file. It is created
	// (along with parent directories) if it does not exist.
	Source string `yaml:"source"`
}

// Store is a capability.ISessionStore backed by an embedded SQLite database.
type Store struct {
	db *sqlx.DB
}

// New opens (creating and migrating if necessary) a SQLite-backed Store.
func New(config Config) (*Store, error) {
	if config.Source == "" {
		return nil, fmt.Errorf("sqlitestore: missing source")
	}
	if dir := filepath.Dir(config.Source); dir != "." {
		if err := os.MkdirAll(dir, 0775); err != nil {
			return nil, fmt.Errorf("sqlitestore: ensure dir: %s", err)
		}
	}
	db, err := sqlx.Open("sqlite3", config.Source)
	if err != nil {
		return nil, fmt.Errorf("sqlitestore: open sqlite3: %s", err)
	}
	// SQLite errors on concurrent writers from multiple connections; the
	// tick loop is single-threaded anyway, so one connection is sufficient.
	db.SetMaxOpenConns(1)
	if err := goose.SetDialect("sqlite3"); err != nil {
		db.Close()
		return nil, fmt.Errorf("sqlitestore: set dialect: %s", err)
	}
	if err := goose.Up(db.DB, "."); err != nil {
		db.Close()
		return nil, fmt.Errorf("sqlitestore: migrate: %s", err)
	}
	return &Store{db: db}, nil
}

// Close releases the underlying database handle.
func (s *Store) Close() error {
	return s.db.Close()
}

// Get implements capability.ISessionStore.
func (s *Store) Get(key string) ([]byte, error) {
	var value []byte
	err := s.db.Get(&value, `SELECT value FROM session_blob WHERE key = ?`, key)
	if err != nil {
		return nil, fmt.Errorf("sqlitestore: get %s: %s", key, err)
	}
	return value, nil
}

// Set implements capability.ISessionStore.
func (s *Store) Set(key string, value []byte) error {
	_, err := s.db.Exec(
		`INSERT INTO session_blob (key, value, updated_at) VALUES (?, ?, CURRENT_TIMESTAMP)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value, updated_at = excluded.updated_at`,
		key, value)
	if err != nil {
		return fmt.Errorf("sqlitestore: set %s: %s", key, err)
	}
	return nil
}

// Delete implements capability.ISessionStore.
func (s *Store) Delete(key string) error {
	if _, err := s.db.Exec(`DELETE FROM session_blob WHERE key = ?`, key); err != nil {
		return fmt.Errorf("sqlitestore: delete %s: %s", key, err)
	}
	return nil
}

// Keys implements capability.ISessionStore.
func (s *Store) Keys(prefix string) ([]string, error) {
	var keys []string
	err := s.db.Select(&keys, `SELECT key FROM session_blob WHERE key LIKE ? ESCAPE '\'`, escapeLike(prefix)+"%")
	if err != nil {
		return nil, fmt.Errorf("sqlitestore: keys %s: %s", prefix, err)
	}
	return keys, nil
}

// GetJSON implements capability.ISessionStore.
func (s *Store) GetJSON(key string, v interface{}) error {
	b, err := s.Get(key)
	if err != nil {
		return err
	}
	return json.Unmarshal(b, v)
}

// SetJSON implements capability.ISessionStore.
func (s *Store) SetJSON(key string, v interface{}) error {
	b, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("sqlitestore: marshal: %s", err)
	}
	return s.Set(key, b)
}

func escapeLike(s string) string {
	r := make([]byte, 0, len(s))
	for i := 0; i < len(s); i++ {
		c := s[i]
		if c == '\\' || c == '%' || c == '_' {
			r = append(r, '\\')
		}
		r = append(r, c)
	}
	return string(r)
}
