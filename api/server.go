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

package api

import (
	"context"
	"fmt"
	"net"
	"net/http"

	"github.com/gorilla/websocket"
	"github.com/julienschmidt/httprouter"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sfescape/bayou/util/web"
	"github.com/sfescape/bayou/wire"
	"github.com/sirupsen/logrus"
)

// ServerOptions configures an API server.
type ServerOptions struct {
	// host:port to listen on.
	Address string
	// Builds and authorizes connection targets.
	Resolver TargetResolver
	// The wire codec shared by all connections.
	Codec *wire.Codec
}

// A Server accepts API connections over websockets and serves the metrics
// and debug endpoints.
type Server struct {
	opts     ServerOptions
	logger   *logrus.Entry
	upgrader websocket.Upgrader
	ctx      context.Context
}

// NewServer constructs a server; call Run to serve.
func NewServer(ctx context.Context, opts ServerOptions) (*Server, error) {
	if opts.Resolver == nil {
		return nil, fmt.Errorf("api server needs a target resolver")
	}
	if opts.Codec == nil {
		opts.Codec = wire.NewCodec()
	}
	initMetrics()
	return &Server{
		opts:   opts,
		logger: logrus.WithFields(logrus.Fields{"addr": opts.Address}),
		ctx:    ctx,
	}, nil
}

// Run listens and serves until the listener fails or the server context is
// canceled.
func (s *Server) Run() error {
	listener, err := net.Listen("tcp", s.opts.Address)
	if err != nil {
		return err
	}
	return s.Serve(listener)
}

// Serve serves connections accepted from the listener. It is split from Run
// so tests can bind an ephemeral port.
func (s *Server) Serve(listener net.Listener) error {
	router := httprouter.New()
	router.GET("/api", s.handleAPI)
	router.Handler(http.MethodGet, "/metrics", promhttp.Handler())
	router.GET("/health", s.handleHealth)

	httpServer := &http.Server{Handler: router}
	go func() {
		<-s.ctx.Done()
		_ = httpServer.Close()
	}()
	s.logger.Info("API server listening")
	return httpServer.Serve(listener)
}

func (s *Server) handleAPI(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	ws, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade already wrote the HTTP error.
		s.logger.WithFields(logrus.Fields{"error": err}).Info("Websocket upgrade failed")
		return
	}
	conn := NewServerConn(s.ctx, ws, s.opts.Codec, s.opts.Resolver)
	conn.Run()
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	web.WriteJSON(w, map[string]interface{}{"ok": true})
}
