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

package main

import (
	"encoding/json"
	"io"
	"net/http"

	"github.com/go-chi/chi"
	"go.uber.org/zap"

	"github.com/btengine/engine/capability"
	"github.com/btengine/engine/engine"
)

// debugServer exposes engine introspection over HTTP, the debug/optional
// surface of spec.md §1 ("outside the core"), grounded on agentserver.
// Server's chi.NewRouter()+health/blob-add handler shape.
type debugServer struct {
	engine *engine.Engine
	fs     capability.IFileSystem
	logger *zap.SugaredLogger
}

func newDebugServer(addr string, e *engine.Engine, fs capability.IFileSystem, logger *zap.SugaredLogger) *http.Server {
	s := &debugServer{engine: e, fs: fs, logger: logger}
	r := chi.NewRouter()
	r.Get("/health", s.healthHandler)
	r.Get("/torrents", s.listTorrentsHandler)
	r.Post("/torrents/magnet", s.addMagnetHandler)
	return &http.Server{Addr: addr, Handler: r}
}

func (s *debugServer) healthHandler(w http.ResponseWriter, r *http.Request) {
	io.WriteString(w, "OK")
}

func (s *debugServer) listTorrentsHandler(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(s.engine.Snapshots()); err != nil {
		s.logger.Warnw("debug: encode torrent snapshots", "error", err)
	}
}

type addMagnetRequest struct {
	MagnetURI string `json:"magnet_uri"`
	Label     string `json:"label"`
}

func (s *debugServer) addMagnetHandler(w http.ResponseWriter, r *http.Request) {
	defer r.Body.Close()

	var req addMagnetRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if req.MagnetURI == "" {
		http.Error(w, "magnet_uri required", http.StatusBadRequest)
		return
	}

	t, err := s.engine.AddTorrentFromMagnet(req.MagnetURI, s.fs, req.Label)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]string{"info_hash": t.InfoHash().Hex()})
}
