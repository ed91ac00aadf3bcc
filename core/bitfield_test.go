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
package core

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestBitFieldSetAndCount(t *testing.T) {
	require := require.New(t)

	bf := NewBitField(3)
	require.False(bf.Complete())

	bf.Set(0, true)
	require.True(bf.Get(0))
	require.False(bf.Complete())

	bf.Set(1, true)
	bf.Set(2, true)
	require.True(bf.Complete())
	require.EqualValues(3, bf.Count())

	bf.Set(1, false)
	require.False(bf.Complete())
	require.EqualValues(2, bf.Count())
}

func TestBitFieldUnionIntersection(t *testing.T) {
	require := require.New(t)

	a := NewBitField(4)
	a.Set(0, true)
	a.Set(1, true)

	b := NewBitField(4)
	b.Set(1, true)
	b.Set(2, true)

	u := a.Union(b)
	require.True(u.Get(0))
	require.True(u.Get(1))
	require.True(u.Get(2))
	require.False(u.Get(3))

	i := a.Intersection(b)
	require.False(i.Get(0))
	require.True(i.Get(1))
	require.False(i.Get(2))
}

func TestBitFieldWireRoundTrip(t *testing.T) {
	require := require.New(t)

	// 10 pieces requires 2 bytes on the wire, MSB-first within each byte.
	bf := NewBitField(10)
	bf.Set(0, true)
	bf.Set(9, true)

	hexStr := bf.ToHex()
	// Byte 0: piece 0 set -> 0b10000000 = 0x80. Byte 1: piece 9 (bit 1 of
	// byte 1) set -> 0b01000000 = 0x40.
	require.Equal("8040", hexStr)

	back, err := FromHexBitField(hexStr, 10)
	require.NoError(err)
	require.True(back.Get(0))
	require.True(back.Get(9))
	require.False(back.Get(1))
}

func TestBitFieldClone(t *testing.T) {
	require := require.New(t)

	bf := NewBitField(2)
	bf.Set(0, true)

	c := bf.Clone()
	c.Set(1, true)

	require.False(bf.Get(1))
	require.True(c.Get(1))
}
