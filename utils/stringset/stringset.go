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

// Package stringset provides a small set-of-strings type built on a map.
package stringset

// Set is a set of strings.
type Set map[string]struct{}

// New creates a Set containing ss.
func New(ss ...string) Set {
	s := make(Set)
	for _, v := range ss {
		s.Add(v)
	}
	return s
}

// FromSlice creates a Set from ss.
func FromSlice(ss []string) Set {
	return New(ss...)
}

// Copy returns a copy of set.
func (set Set) Copy() Set {
	c := make(Set, len(set))
	for s := range set {
		c.Add(s)
	}
	return c
}

// Sub returns a new set containing the elements of set not present in other.
func (set Set) Sub(other Set) Set {
	diff := make(Set)
	for s := range set {
		if !other.Has(s) {
			diff.Add(s)
		}
	}
	return diff
}

// Equal returns whether a and b contain the same elements.
func Equal(a, b Set) bool {
	if len(a) != len(b) {
		return false
	}
	for s := range a {
		if !b.Has(s) {
			return false
		}
	}
	return true
}

// Add adds s to the set.
func (set Set) Add(s string) {
	set[s] = struct{}{}
}

// Remove removes s from the set.
func (set Set) Remove(s string) {
	delete(set, s)
}

// Has returns whether s is in the set.
func (set Set) Has(s string) bool {
	_, ok := set[s]
	return ok
}

// ToSlice returns the set's elements as a slice, in unspecified order.
func (set Set) ToSlice() []string {
	out := make([]string, 0, len(set))
	for s := range set {
		out = append(out, s)
	}
	return out
}
