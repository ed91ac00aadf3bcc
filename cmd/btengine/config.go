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

// Package main wires an Engine to real capability providers behind a
// kingpin-flagged CLI and a chi debug HTTP surface, following the
// Config+applyDefaults and flag-then-YAML-config layering of the teacher's
// agent/cmd, build-index/cmd, and tracker/cmd packages.
package main

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/btengine/engine/engine"
	"github.com/btengine/engine/metrics"
	"github.com/btengine/engine/session/redisstore"
	"github.com/btengine/engine/session/sqlitestore"
)

// Config is the top-level YAML configuration for the btengine binary.
type Config struct {
	Engine  engine.Config  `yaml:"engine"`
	Metrics metrics.Config `yaml:"metrics"`
	Session SessionConfig  `yaml:"session"`
	// DataDir roots the capability.IFileSystem used for torrents added
	// through the debug HTTP surface.
	DataDir string `yaml:"data_dir"`
}

// SessionConfig selects the ISessionStore backend (spec.md §6 "Persisted
// state" is backend-agnostic; this binary is one possible embedder).
type SessionConfig struct {
	// Backend is one of "memory" (default), "redis", "sqlite".
	Backend string             `yaml:"backend"`
	Redis   redisstore.Config  `yaml:"redis"`
	SQLite  sqlitestore.Config `yaml:"sqlite"`
}

func loadConfig(path string) (Config, error) {
	var c Config
	if path == "" {
		return c, nil
	}
	b, err := os.ReadFile(path)
	if err != nil {
		return c, fmt.Errorf("read config: %s", err)
	}
	if err := yaml.Unmarshal(b, &c); err != nil {
		return c, fmt.Errorf("parse config: %s", err)
	}
	return c, nil
}
