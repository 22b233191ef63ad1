// Copyright 2019 eBay Inc.
// Primary authors: Simon Fell, Diego Ongaro,
//                  Raymond Kroeker, and Sathish Kandasamy.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
// https://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Command bayou-server runs the collaborative document server: it owns the
// document files, merges concurrent edits, and serves the websocket API
// that editing clients speak.
package main

import (
	"context"
	"flag"
	"os"

	"github.com/sfescape/bayou/api"
	"github.com/sfescape/bayou/config"
	"github.com/sfescape/bayou/doc"
	"github.com/sfescape/bayou/filestore"
	_ "github.com/sfescape/bayou/filestore/boltstore" // side-effect: registers "bolt" store backend
	_ "github.com/sfescape/bayou/filestore/memstore"  // side-effect: registers "mem" store backend
	"github.com/sfescape/bayou/session"
	"github.com/sfescape/bayou/util/clocks"
	"github.com/sfescape/bayou/util/debuglog"
	"github.com/sfescape/bayou/util/signals"
	"github.com/sfescape/bayou/wire"
	log "github.com/sirupsen/logrus"
)

func main() {
	debuglog.Configure(debuglog.Options{})
	cfgFile := flag.String("cfg", "config.json", "Bayou config file")
	flag.Parse()

	cfg, err := config.Load(*cfgFile)
	if err != nil {
		log.Fatalf("Unable to load configuration: %v", err)
	}
	log.Infof("Using config: %+v", cfg)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	store, err := filestore.Open(cfg.Storage.Backend, filestore.FactoryArgs{
		Dir:   cfg.Storage.Dir,
		Clock: clocks.Wall,
	})
	if err != nil {
		log.Fatalf("Unable to open file store: %v", err)
	}
	defer store.Close()

	caretCfg := doc.DefaultCaretConfig()
	if cfg.Caret.Retention > 0 {
		caretCfg.Retention = cfg.Caret.Retention
	}
	if cfg.Caret.FlushDelayMsec > 0 {
		caretCfg.FlushDelay = cfg.Caret.FlushDelay()
	}
	if cfg.Caret.FlushRetryDelayMsec > 0 {
		caretCfg.FlushRetryDelay = cfg.Caret.FlushRetryDelay()
	}
	if cfg.Caret.FlushRetries > 0 {
		caretCfg.FlushRetries = cfg.Caret.FlushRetries
	}

	access := make(map[string]session.Access, len(cfg.Access))
	for id, a := range cfg.Access {
		access[id] = session.Access{
			Secret:     a.Secret,
			DocumentID: a.DocumentID,
			AuthorID:   a.AuthorID,
		}
	}

	codec := wire.NewCodec()
	resolver := session.NewTargets(ctx, store, codec, clocks.Wall, caretCfg, access)
	apiServer, err := api.NewServer(ctx, api.ServerOptions{
		Address:  cfg.API.Address,
		Resolver: resolver,
		Codec:    codec,
	})
	if err != nil {
		log.Fatalf("Unable to initialize API server: %v", err)
	}
	go func() {
		log.Infof("Server::Run returned %v", apiServer.Run())
		os.Exit(-1)
	}()

	signals.WaitForQuit()
	log.Info("Bayou server exiting")
}
