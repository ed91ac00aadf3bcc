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
package testutil

import (
	"io/ioutil"
	"net"
	"net/http"
	"os"
)

// TempFile writes data to a new temp file and returns its path along with a
// func to remove it.
func TempFile(data []byte) (path string, cleanup func()) {
	f, err := ioutil.TempFile("", "testutil")
	if err != nil {
		panic(err)
	}
	defer f.Close()
	if _, err := f.Write(data); err != nil {
		panic(err)
	}
	return f.Name(), func() { os.Remove(f.Name()) }
}

// StartServer starts an HTTP server on a random free port serving h, and
// returns its address along with a func to stop it.
func StartServer(h http.Handler) (addr string, stop func()) {
	l, err := net.Listen("tcp", ":0")
	if err != nil {
		panic(err)
	}
	srv := &http.Server{Handler: h}
	go srv.Serve(l)
	return l.Addr().String(), func() { l.Close() }
}
