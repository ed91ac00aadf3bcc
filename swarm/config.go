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
package swarm

import "time"

// Config tunes one torrent's Swarm (spec.md §4.3, §6 configuration).
type Config struct {
	// TargetPeersPerTorrent is the per-torrent connected-peer goal.
	TargetPeersPerTorrent int `yaml:"target_peers_per_torrent"`

	// BackoffBase/BackoffMax bound the exponential per-address reconnect
	// backoff (spec.md §4.3 "base 15s, cap 15min").
	BackoffBase time.Duration `yaml:"backoff_base"`
	BackoffMax  time.Duration `yaml:"backoff_max"`

	// QuickDisconnectWindow is how soon after connecting a zero-byte close
	// counts as a "quick disconnect" (spec.md §4.2).
	QuickDisconnectWindow time.Duration `yaml:"quick_disconnect_window"`

	// QuickDisconnectBias is how many priority levels a repeatedly
	// quick-disconnecting address is pushed back in scheduling.
	QuickDisconnectBias int `yaml:"quick_disconnect_bias"`
}

func (c Config) applyDefaults() Config {
	if c.TargetPeersPerTorrent == 0 {
		c.TargetPeersPerTorrent = 60
	}
	if c.BackoffBase == 0 {
		c.BackoffBase = 15 * time.Second
	}
	if c.BackoffMax == 0 {
		c.BackoffMax = 15 * time.Minute
	}
	if c.QuickDisconnectWindow == 0 {
		c.QuickDisconnectWindow = 30 * time.Second
	}
	if c.QuickDisconnectBias == 0 {
		c.QuickDisconnectBias = 3
	}
	return c
}
