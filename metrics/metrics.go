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

package metrics

import (
	"fmt"
	"io"

	"github.com/uber-go/tally"
)

func init() {
	register("statsd", newStatsdScope)
	register("m3", newM3Scope)
	register("disabled", newDisabledScope)
}

var _scopeFactories = make(map[string]scopeFactory)

type scopeFactory func(config Config, env string) (tally.Scope, io.Closer, error)

func register(name string, f scopeFactory) {
	if _, ok := _scopeFactories[name]; ok {
		panic(fmt.Sprintf("metrics: backend %q already registered", name))
	}
	_scopeFactories[name] = f
}

// New constructs the tally.Scope named by config.Backend, tagged with env
// (an arbitrary deployment identifier, e.g. "prod"/"dev", forwarded to the
// m3 backend as its Env tag). An empty Backend disables reporting.
func New(config Config, env string) (tally.Scope, io.Closer, error) {
	if config.Backend == "" {
		config.Backend = "disabled"
	}
	f, ok := _scopeFactories[config.Backend]
	if !ok {
		return nil, nil, fmt.Errorf("metrics: backend %q not registered", config.Backend)
	}
	return f(config, env)
}
