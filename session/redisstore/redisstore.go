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

// Package redisstore implements capability.ISessionStore over Redis, an
// alternative to session.Store's usual in-process/local-disk backend for
// deployments that already run a shared Redis (spec.md §6's "Persisted
// state" namespace is backend-agnostic: the engine only ever talks to the
// capability.ISessionStore interface). Grounded on
// tracker/peerstore/redis.go's connection-pool and config shape,
// generalized from kraken's peer-set-window sorted keys to a flat
// key/value blob store.
package redisstore

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/gomodule/redigo/redis"

	"github.com/btengine/engine/capability"
)

var _ capability.ISessionStore = (*Store)(nil)

// Config defines Store configuration, following
// tracker/peerstore/redis.go's RedisConfig field set and defaults.
type Config struct {
	Addr            string        `yaml:"addr"`
	DialTimeout     time.Duration `yaml:"dial_timeout"`
	ReadTimeout     time.Duration `yaml:"read_timeout"`
	WriteTimeout    time.Duration `yaml:"write_timeout"`
	MaxIdleConns    int           `yaml:"max_idle_conns"`
	MaxActiveConns  int           `yaml:"max_active_conns"`
	IdleConnTimeout time.Duration `yaml:"idle_conn_timeout"`
}

func (c Config) applyDefaults() Config {
	if c.DialTimeout == 0 {
		c.DialTimeout = 5 * time.Second
	}
	if c.ReadTimeout == 0 {
		c.ReadTimeout = 30 * time.Second
	}
	if c.WriteTimeout == 0 {
		c.WriteTimeout = 30 * time.Second
	}
	if c.MaxIdleConns == 0 {
		c.MaxIdleConns = 10
	}
	if c.MaxActiveConns == 0 {
		c.MaxActiveConns = 500
	}
	if c.IdleConnTimeout == 0 {
		c.IdleConnTimeout = 60 * time.Second
	}
	return c
}

// Store is a capability.ISessionStore backed by a Redis connection pool.
type Store struct {
	config Config
	pool   *redis.Pool
}

// New creates a Store and verifies connectivity by dialing once.
func New(config Config) (*Store, error) {
	config = config.applyDefaults()
	if config.Addr == "" {
		return nil, errors.New("redisstore: missing addr")
	}
	s := &Store{
		config: config,
		pool: &redis.Pool{
			Dial: func() (redis.Conn, error) {
				return redis.Dial(
					"tcp",
					config.Addr,
					redis.DialConnectTimeout(config.DialTimeout),
					redis.DialReadTimeout(config.ReadTimeout),
					redis.DialWriteTimeout(config.WriteTimeout))
			},
			MaxIdle:     config.MaxIdleConns,
			MaxActive:   config.MaxActiveConns,
			IdleTimeout: config.IdleConnTimeout,
			Wait:        true,
		},
	}
	c, err := s.pool.Dial()
	if err != nil {
		return nil, fmt.Errorf("redisstore: dial: %s", err)
	}
	c.Close()
	return s, nil
}

// Close releases the connection pool.
func (s *Store) Close() error {
	return s.pool.Close()
}

// Get implements capability.ISessionStore.
func (s *Store) Get(key string) ([]byte, error) {
	c := s.pool.Get()
	defer c.Close()
	b, err := redis.Bytes(c.Do("GET", key))
	if err == redis.ErrNil {
		return nil, fmt.Errorf("redisstore: key not found: %s", key)
	}
	if err != nil {
		return nil, fmt.Errorf("redisstore: GET %s: %s", key, err)
	}
	return b, nil
}

// Set implements capability.ISessionStore.
func (s *Store) Set(key string, value []byte) error {
	c := s.pool.Get()
	defer c.Close()
	if _, err := c.Do("SET", key, value); err != nil {
		return fmt.Errorf("redisstore: SET %s: %s", key, err)
	}
	return nil
}

// Delete implements capability.ISessionStore.
func (s *Store) Delete(key string) error {
	c := s.pool.Get()
	defer c.Close()
	if _, err := c.Do("DEL", key); err != nil {
		return fmt.Errorf("redisstore: DEL %s: %s", key, err)
	}
	return nil
}

// Keys implements capability.ISessionStore via a non-blocking SCAN cursor
// loop rather than KEYS, so a large keyspace never stalls the Redis event
// loop kraken's own Redis usage elsewhere in the pack is careful about.
func (s *Store) Keys(prefix string) ([]string, error) {
	c := s.pool.Get()
	defer c.Close()

	var out []string
	cursor := "0"
	pattern := prefix + "*"
	for {
		reply, err := redis.Values(c.Do("SCAN", cursor, "MATCH", pattern, "COUNT", 100))
		if err != nil {
			return nil, fmt.Errorf("redisstore: SCAN: %s", err)
		}
		if len(reply) != 2 {
			return nil, errors.New("redisstore: malformed SCAN reply")
		}
		cursor, err = redis.String(reply[0], nil)
		if err != nil {
			return nil, fmt.Errorf("redisstore: SCAN cursor: %s", err)
		}
		batch, err := redis.Strings(reply[1], nil)
		if err != nil {
			return nil, fmt.Errorf("redisstore: SCAN keys: %s", err)
		}
		out = append(out, batch...)
		if cursor == "0" {
			break
		}
	}
	return out, nil
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
		return fmt.Errorf("redisstore: marshal: %s", err)
	}
	return s.Set(key, b)
}
