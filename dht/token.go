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

import (
	"crypto/hmac"
	"crypto/sha1"
	"sync"
	"time"
)

// TokenSecretLen is the size of a rotating token secret.
const TokenSecretLen = 32

// TokenStore generates and validates the get_peers/announce_peer tokens of
// spec.md §4.5: "On get_peers the server returns a token derived from the
// client's source address. announce_peer is accepted only if the token
// matches either current or previous secret." The previous secret is kept
// for one rotation period after rollover so tokens issued just before a
// rotation remain valid for their full window.
type TokenStore struct {
	mu          sync.Mutex
	secret      [TokenSecretLen]byte
	prevSecret  [TokenSecretLen]byte
	hasPrev     bool
	rotatedAt   time.Time
	rotateEvery time.Duration
}

// NewTokenStore creates a TokenStore, seeding the initial secret via fill.
func NewTokenStore(rotateEvery time.Duration, now time.Time, fill func([]byte)) *TokenStore {
	ts := &TokenStore{rotateEvery: rotateEvery, rotatedAt: now}
	fill(ts.secret[:])
	return ts
}

// Generate returns the current token for addr.
func (ts *TokenStore) Generate(addr string) []byte {
	ts.mu.Lock()
	defer ts.mu.Unlock()
	return tokenFor(ts.secret[:], addr)
}

// Validate reports whether token was generated for addr under the current
// or previous secret.
func (ts *TokenStore) Validate(addr string, token []byte) bool {
	ts.mu.Lock()
	defer ts.mu.Unlock()
	if hmac.Equal(token, tokenFor(ts.secret[:], addr)) {
		return true
	}
	if ts.hasPrev && hmac.Equal(token, tokenFor(ts.prevSecret[:], addr)) {
		return true
	}
	return false
}

// MaybeRotate rotates the secret if rotateEvery has elapsed since the last
// rotation, keeping the outgoing secret as "previous" (spec.md §4.5
// maintenance (b), "token secret rotates every 5 min").
func (ts *TokenStore) MaybeRotate(now time.Time, fill func([]byte)) {
	ts.mu.Lock()
	defer ts.mu.Unlock()
	if now.Sub(ts.rotatedAt) < ts.rotateEvery {
		return
	}
	ts.prevSecret = ts.secret
	ts.hasPrev = true
	fill(ts.secret[:])
	ts.rotatedAt = now
}

func tokenFor(secret []byte, addr string) []byte {
	mac := hmac.New(sha1.New, secret)
	mac.Write([]byte(addr))
	return mac.Sum(nil)
}
