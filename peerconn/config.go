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
package peerconn

import "time"

// Config tunes one PeerConnection's timeouts and pipelining (spec.md §4.2,
// §5, §6).
type Config struct {
	DialTimeout      time.Duration `yaml:"dial_timeout"`
	HandshakeTimeout time.Duration `yaml:"handshake_timeout"`
	IdleTimeout      time.Duration `yaml:"idle_timeout"`

	// PipelineMin/PipelineMax bound the dynamic request window W (spec.md
	// §4.2 "W = max(8, min(80, bandwidth_estimate / block_size))").
	PipelineMin int `yaml:"pipeline_min"`
	PipelineMax int `yaml:"pipeline_max"`

	BlockSize int64 `yaml:"block_size"`

	// MSEEnabled negotiates Message Stream Encryption on outgoing
	// connections when the peer supports it (spec.md §4.2).
	MSEEnabled bool `yaml:"mse_enabled"`
}

func (c Config) applyDefaults() Config {
	if c.DialTimeout == 0 {
		c.DialTimeout = 30 * time.Second
	}
	if c.HandshakeTimeout == 0 {
		c.HandshakeTimeout = 15 * time.Second
	}
	if c.IdleTimeout == 0 {
		c.IdleTimeout = 120 * time.Second
	}
	if c.PipelineMin == 0 {
		c.PipelineMin = 8
	}
	if c.PipelineMax == 0 {
		c.PipelineMax = 80
	}
	if c.BlockSize == 0 {
		c.BlockSize = 16 * 1024
	}
	return c
}

// Window computes the dynamic request pipeline depth from a bandwidth
// estimate in bytes/sec (spec.md §4.2).
func (c Config) Window(bandwidthEstimate int64) int {
	c = c.applyDefaults()
	w := int(bandwidthEstimate / c.BlockSize)
	if w < c.PipelineMin {
		w = c.PipelineMin
	}
	if w > c.PipelineMax {
		w = c.PipelineMax
	}
	return w
}
