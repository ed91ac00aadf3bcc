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
package piecemgr

import "time"

// Config tunes PieceManager scheduling. yaml-tagged and applyDefaults'd per
// the teacher's Config convention (scheduler.Config, conn.Config).
type Config struct {
	MaxActivePieces   int           `yaml:"max_active_pieces"`
	BlockTimeout      time.Duration `yaml:"block_timeout"`
	EndgameThreshold  time.Duration `yaml:"endgame_threshold"`
	CorruptionThreshold int         `yaml:"corruption_threshold"`
}

func (c Config) applyDefaults() Config {
	if c.MaxActivePieces == 0 {
		c.MaxActivePieces = 256
	}
	if c.BlockTimeout == 0 {
		c.BlockTimeout = 30 * time.Second
	}
	if c.EndgameThreshold == 0 {
		c.EndgameThreshold = 90 * time.Second
	}
	if c.CorruptionThreshold == 0 {
		c.CorruptionThreshold = 3
	}
	return c
}
