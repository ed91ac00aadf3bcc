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

// Package randutil provides random value generators used throughout the
// test fixtures and peer id generation.
package randutil

import (
	"fmt"
	"math/rand"
	"time"
)

const alnum = "abcdefghijklmnopqrstuvwxyzABCDEFGHIJKLMNOPQRSTUVWXYZ0123456789"

// Text returns n random alphanumeric bytes.
func Text(n uint64) []byte {
	b := make([]byte, n)
	for i := range b {
		b[i] = alnum[rand.Intn(len(alnum))]
	}
	return b
}

// IP returns a random, non-reserved-looking IPv4 dotted-quad string.
func IP() string {
	return fmt.Sprintf("%d.%d.%d.%d", rand.Intn(224)+1, rand.Intn(256), rand.Intn(256), rand.Intn(254)+1)
}

// Port returns a random TCP/UDP port in the ephemeral range.
func Port() int {
	return rand.Intn(16383) + 49152
}

// Blob returns n random bytes, useful for test fixture piece/file content.
func Blob(n uint64) []byte {
	b := make([]byte, n)
	rand.Read(b)
	return b
}

// Duration returns a random duration in [0, max).
func Duration(max time.Duration) time.Duration {
	if max <= 0 {
		return 0
	}
	return time.Duration(rand.Int63n(int64(max)))
}
