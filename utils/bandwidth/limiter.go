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

// Package bandwidth provides token-bucket egress/ingress rate limiting for
// peer connections.
package bandwidth

import (
	"errors"
	"fmt"
	"time"

	"golang.org/x/time/rate"
)

// Config defines bandwidth limiter parameters. Bits-per-second are
// converted into tokens-per-second by dividing by TokenSize, so a larger
// TokenSize trades granularity for lower bookkeeping overhead on
// high-throughput links.
type Config struct {
	EgressBitsPerSec  uint64 `yaml:"egress_bits_per_sec"`
	IngressBitsPerSec uint64 `yaml:"ingress_bits_per_sec"`
	TokenSize         uint64 `yaml:"token_size"`
	Enable            bool   `yaml:"enable"`
}

func (c Config) applyDefaults() Config {
	if c.TokenSize == 0 {
		c.TokenSize = 1
	}
	return c
}

// Limiter rate limits egress and ingress byte flow independently.
type Limiter struct {
	egress  *tokenBucket
	ingress *tokenBucket
}

// NewLimiter creates a new Limiter. If config.Enable is false, all
// reservations are instant no-ops.
func NewLimiter(config Config) (*Limiter, error) {
	config = config.applyDefaults()
	if !config.Enable {
		return &Limiter{}, nil
	}
	egress, err := newTokenBucket(config.EgressBitsPerSec, config.TokenSize)
	if err != nil {
		return nil, fmt.Errorf("egress: %s", err)
	}
	ingress, err := newTokenBucket(config.IngressBitsPerSec, config.TokenSize)
	if err != nil {
		return nil, fmt.Errorf("ingress: %s", err)
	}
	return &Limiter{egress: egress, ingress: ingress}, nil
}

// ReserveEgress blocks until nbytes of egress bandwidth is available.
func (l *Limiter) ReserveEgress(nbytes int64) error {
	if l.egress == nil {
		return nil
	}
	return l.egress.reserve(nbytes)
}

// ReserveIngress blocks until nbytes of ingress bandwidth is available.
func (l *Limiter) ReserveIngress(nbytes int64) error {
	if l.ingress == nil {
		return nil
	}
	return l.ingress.reserve(nbytes)
}

// TryReserveEgress reports whether nbytes of egress bandwidth is available
// right now, consuming it if so, without blocking. Callers in the
// cooperative tick loop (spec.md §5: "no component may block the task")
// use this instead of ReserveEgress, deferring the send to a later tick on
// refusal rather than sleeping the scheduler.
func (l *Limiter) TryReserveEgress(nbytes int64) bool {
	if l.egress == nil {
		return true
	}
	return l.egress.tryReserve(nbytes)
}

// TryReserveIngress is TryReserveEgress's ingress counterpart.
func (l *Limiter) TryReserveIngress(nbytes int64) bool {
	if l.ingress == nil {
		return true
	}
	return l.ingress.tryReserve(nbytes)
}

// Adjust scales both the egress and ingress rate limits to 1/denom of their
// originally configured value, used to fairly divide bandwidth as the
// number of active torrents changes.
func (l *Limiter) Adjust(denom int) error {
	if denom == 0 {
		return errors.New("denom must be non-zero")
	}
	if l.egress != nil {
		l.egress.adjust(denom)
	}
	if l.ingress != nil {
		l.ingress.adjust(denom)
	}
	return nil
}

// EgressLimit returns the current egress rate limit in tokens/sec.
func (l *Limiter) EgressLimit() int64 {
	if l.egress == nil {
		return 0
	}
	return l.egress.limit()
}

// IngressLimit returns the current ingress rate limit in tokens/sec.
func (l *Limiter) IngressLimit() int64 {
	if l.ingress == nil {
		return 0
	}
	return l.ingress.limit()
}

// tokenBucket wraps a golang.org/x/time/rate.Limiter, converting byte
// reservations into token counts.
type tokenBucket struct {
	rl        *rate.Limiter
	tokenSize uint64
	origRate  int64
	burst     int
}

func newTokenBucket(bitsPerSec, tokenSize uint64) (*tokenBucket, error) {
	if bitsPerSec == 0 {
		return nil, errors.New("bits per sec must be non-zero")
	}
	if tokenSize == 0 {
		tokenSize = 1
	}
	r := int64(bitsPerSec / tokenSize)
	if r < 1 {
		r = 1
	}
	return &tokenBucket{
		rl:        rate.NewLimiter(rate.Limit(r), int(r)),
		tokenSize: tokenSize,
		origRate:  r,
		burst:     int(r),
	}, nil
}

func (tb *tokenBucket) toTokens(nbytes int64) int64 {
	tokens := (nbytes * 8) / int64(tb.tokenSize)
	if tokens == 0 {
		tokens = 1
	}
	return tokens
}

func (tb *tokenBucket) reserve(nbytes int64) error {
	tokens := tb.toTokens(nbytes)
	if tokens > int64(tb.burst) {
		return fmt.Errorf("reservation of %d tokens exceeds bucket capacity %d", tokens, tb.burst)
	}
	r := tb.rl.ReserveN(time.Now(), int(tokens))
	if !r.OK() {
		return fmt.Errorf("reservation of %d tokens exceeds burst", tokens)
	}
	time.Sleep(r.Delay())
	return nil
}

// tryReserve consumes tokens only if they're immediately available,
// reporting false instead of sleeping when the bucket is dry.
func (tb *tokenBucket) tryReserve(nbytes int64) bool {
	tokens := tb.toTokens(nbytes)
	if tokens > int64(tb.burst) {
		tokens = int64(tb.burst)
	}
	return tb.rl.AllowN(time.Now(), int(tokens))
}

func (tb *tokenBucket) adjust(denom int) {
	newRate := tb.origRate / int64(denom)
	if newRate < 1 {
		newRate = 1
	}
	tb.rl.SetLimit(rate.Limit(newRate))
}

func (tb *tokenBucket) limit() int64 {
	return int64(tb.rl.Limit())
}
