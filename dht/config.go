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
package dht

import "time"

// Config tunes the DHT node's timeouts, caps and maintenance cadence.
type Config struct {
	Alpha int `yaml:"alpha"`

	QueryTimeout time.Duration `yaml:"query_timeout"`

	BucketRefreshInterval time.Duration `yaml:"bucket_refresh_interval"`
	BucketStaleAfter      time.Duration `yaml:"bucket_stale_after"`

	TokenRotateInterval time.Duration `yaml:"token_rotate_interval"`

	PeerStoreMaxPerInfoHash int           `yaml:"peer_store_max_per_infohash"`
	PeerStoreMaxInfoHashes  int           `yaml:"peer_store_max_infohashes"`
	PeerStoreTTL            time.Duration `yaml:"peer_store_ttl"`

	BootstrapMaxIterations int `yaml:"bootstrap_max_iterations"`

	// WakeMargin is how far wall-clock must outrun monotonic elapsed time
	// before a maintenance pass treats it as a sleep/wake event.
	WakeMargin time.Duration `yaml:"wake_margin"`
	// ShortWakeThreshold separates a "short" wake (sample and spot-check)
	// from a "long" wake (aggressive re-bootstrap).
	ShortWakeThreshold time.Duration `yaml:"short_wake_threshold"`

	// StalenessWindow is how many recent query outcomes the staleness
	// detector tracks; StalenessFailureRate is the fraction of failures in
	// that window that triggers a guarded re-bootstrap.
	StalenessWindow      int     `yaml:"staleness_window"`
	StalenessFailureRate float64 `yaml:"staleness_failure_rate"`

	BootstrapNodes []string `yaml:"bootstrap_nodes"`
}

func (c Config) applyDefaults() Config {
	if c.Alpha == 0 {
		c.Alpha = 3
	}
	if c.QueryTimeout == 0 {
		c.QueryTimeout = 5 * time.Second
	}
	if c.BucketRefreshInterval == 0 {
		c.BucketRefreshInterval = 60 * time.Second
	}
	if c.BucketStaleAfter == 0 {
		c.BucketStaleAfter = 15 * time.Minute
	}
	if c.TokenRotateInterval == 0 {
		c.TokenRotateInterval = 5 * time.Minute
	}
	if c.PeerStoreMaxPerInfoHash == 0 {
		c.PeerStoreMaxPerInfoHash = 100
	}
	if c.PeerStoreMaxInfoHashes == 0 {
		c.PeerStoreMaxInfoHashes = 10000
	}
	if c.PeerStoreTTL == 0 {
		c.PeerStoreTTL = 30 * time.Minute
	}
	if c.BootstrapMaxIterations == 0 {
		c.BootstrapMaxIterations = 20
	}
	if c.WakeMargin == 0 {
		c.WakeMargin = 2 * time.Second
	}
	if c.ShortWakeThreshold == 0 {
		c.ShortWakeThreshold = 15 * time.Minute
	}
	if c.StalenessWindow == 0 {
		c.StalenessWindow = 20
	}
	if c.StalenessFailureRate == 0 {
		c.StalenessFailureRate = 0.9
	}
	return c
}
