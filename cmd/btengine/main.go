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
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	andresclock "github.com/andres-erbsen/clock"
	"github.com/alecthomas/kingpin"
	"go.uber.org/zap"

	"github.com/btengine/engine/capability"
	"github.com/btengine/engine/capability/local"
	"github.com/btengine/engine/capability/memory"
	"github.com/btengine/engine/core"
	"github.com/btengine/engine/engine"
	"github.com/btengine/engine/metrics"
	"github.com/btengine/engine/session/redisstore"
	"github.com/btengine/engine/session/sqlitestore"
)

// Flags defines btengine CLI flags, in the style of the teacher's
// tools/bin/trackerload kingpin usage.
type Flags struct {
	ConfigFile string
	DebugAddr  string
	Env        string
	Debug      bool
}

func parseFlags() *Flags {
	app := kingpin.New("btengine", "BitTorrent client engine daemon")

	var f Flags
	app.Flag("config", "configuration file path").StringVar(&f.ConfigFile)
	app.Flag("debug-addr", "debug/introspection HTTP listen address").
		Default(":17540").StringVar(&f.DebugAddr)
	app.Flag("env", "deployment environment tag, forwarded to metrics").
		Default("dev").StringVar(&f.Env)
	app.Flag("debug-logging", "enable verbose development logging").BoolVar(&f.Debug)

	kingpin.MustParse(app.Parse(os.Args[1:]))
	return &f
}

func main() {
	flags := parseFlags()

	config, err := loadConfig(flags.ConfigFile)
	if err != nil {
		fmt.Fprintf(os.Stderr, "btengine: %s\n", err)
		os.Exit(1)
	}

	zlog, err := newLogger(flags.Debug)
	if err != nil {
		fmt.Fprintf(os.Stderr, "btengine: init logging: %s\n", err)
		os.Exit(1)
	}
	logger := zlog.Sugar()
	defer zlog.Sync()

	stats, closer, err := metrics.New(config.Metrics, flags.Env)
	if err != nil {
		logger.Fatalw("btengine: init metrics", "error", err)
	}
	defer closer.Close()

	sessionBackend, closeSession, err := buildSessionStore(config.Session)
	if err != nil {
		logger.Fatalw("btengine: init session store", "error", err)
	}
	defer closeSession()

	if config.DataDir == "" {
		config.DataDir = "btengine-data"
	}
	fs, err := local.NewFileSystem(config.DataDir)
	if err != nil {
		logger.Fatalw("btengine: init data dir", "error", err)
	}

	localPeerID, err := core.RandomPeerID()
	if err != nil {
		logger.Fatalw("btengine: generate peer id", "error", err)
	}

	factory := local.NewSocketFactory(10 * time.Second)

	var udpSocket capability.IUDPSocket
	if config.Engine.DHTEnabled {
		udpSocket, err = factory.CreateUDPSocket("", 0)
		if err != nil {
			logger.Fatalw("btengine: create dht udp socket", "error", err)
		}
	}

	var fsSalt [16]byte
	local.SystemRandom{}.Fill(fsSalt[:])

	e := engine.New(
		config.Engine,
		localPeerID,
		factory,
		udpSocket,
		local.NewSystemClock(),
		andresclock.New(),
		local.SystemRandom{},
		local.Hasher{},
		fsSalt[:],
		sessionBackend,
		stats,
		logger,
	)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := e.Start(ctx); err != nil {
		logger.Fatalw("btengine: start engine", "error", err)
	}
	logger.Infow("btengine: engine started", "listening_port", config.Engine.ListeningPort)

	go logEvents(ctx, e, logger)

	srv := newDebugServer(flags.DebugAddr, e, fs, logger)
	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Errorw("btengine: debug server", "error", err)
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh

	logger.Infow("btengine: shutting down")
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	_ = srv.Shutdown(shutdownCtx)
	if err := e.Shutdown(shutdownCtx); err != nil {
		logger.Errorw("btengine: shutdown", "error", err)
	}
}

func newLogger(debug bool) (*zap.Logger, error) {
	if debug {
		return zap.NewDevelopment()
	}
	return zap.NewProduction()
}

type closerFunc func()

func buildSessionStore(config SessionConfig) (capability.ISessionStore, closerFunc, error) {
	noop := func() {}
	switch config.Backend {
	case "", "memory":
		return memory.NewSessionStore(), noop, nil
	case "redis":
		s, err := redisstore.New(config.Redis)
		if err != nil {
			return nil, noop, err
		}
		return s, func() { s.Close() }, nil
	case "sqlite":
		s, err := sqlitestore.New(config.SQLite)
		if err != nil {
			return nil, noop, err
		}
		return s, func() { s.Close() }, nil
	default:
		return nil, noop, fmt.Errorf("unknown session backend %q", config.Backend)
	}
}

func logEvents(ctx context.Context, e *engine.Engine, logger *zap.SugaredLogger) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-e.Events():
			if !ok {
				return
			}
			logger.Debugw("btengine: event", "type", ev.Type)
		}
	}
}
