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

// Package metrics selects and constructs the tally.Scope an Engine reports
// through, the way the embedding cmd/btengine binary is meant to do it
// (spec.md §1: "concrete providers are injected", here applied to metrics
// reporting rather than sockets/filesystems).
package metrics

// Config selects and configures a metrics backend.
type Config struct {
	Backend string       `yaml:"backend"`
	Statsd  StatsdConfig `yaml:"statsd"`
	M3      M3Config     `yaml:"m3"`
}

// StatsdConfig configures the statsd backend.
type StatsdConfig struct {
	HostPort string `yaml:"host_port"`
	Prefix   string `yaml:"prefix"`
}

// M3Config configures the m3 backend.
type M3Config struct {
	HostPort string `yaml:"host_port"`
	Service  string `yaml:"service"`
	Env      string `yaml:"env"`
}
