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

// Package testutil provides small helpers shared across the engine's test
// suites: deferred cleanup lists, scratch files, and throwaway HTTP servers.
package testutil

// Cleanup accumulates a list of teardown funcs to run in reverse order,
// typically via a deferred Recover so a setup helper can unwind everything
// it allocated if it fails partway through.
type Cleanup struct {
	funcs []func()
}

// Add registers f to run when Run is called.
func (c *Cleanup) Add(f func()) {
	c.funcs = append(c.funcs, f)
}

// Run executes all registered funcs in LIFO order.
func (c *Cleanup) Run() {
	for i := len(c.funcs) - 1; i >= 0; i-- {
		c.funcs[i]()
	}
}

// Recover runs all registered cleanups if called during a panic, then
// re-panics. Intended for use as `defer cleanup.Recover()` in setup helpers.
func (c *Cleanup) Recover() {
	if r := recover(); r != nil {
		c.Run()
		panic(r)
	}
}
