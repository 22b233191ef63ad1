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

// Package config contains the configuration for a Bayou server. The
// configuration is typically loaded from a JSON file on disk.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"time"
)

// Bayou describes the configuration for a Bayou server.
type Bayou struct {
	// Configuration for the API server. Required.
	API API `json:"api"`

	// Which file store backend holds the documents. Required.
	Storage Storage `json:"storage"`

	// Tuning for the ephemeral caret layer. Optional; zero values select
	// the defaults.
	Caret Caret `json:"caret,omitempty"`

	// The target ids clients may authorize, with their shared secrets and
	// document/author bindings. Required on servers.
	Access map[string]Access `json:"access"`
}

// API configures the API server's listener.
type API struct {
	// host:port to listen on, such as ":8080".
	Address string `json:"address"`
}

// Storage says where document files live.
type Storage struct {
	// Either "mem" for the in-memory store or "bolt" for the embedded
	// durable store.
	Backend string `json:"backend"`

	// Directory for durable backends; ignored by "mem".
	Dir string `json:"dir,omitempty"`
}

// Caret tunes the ephemeral caret layer.
type Caret struct {
	// How many caret revisions each document retains in memory.
	Retention int `json:"retention,omitempty"`

	// Milliseconds that locally-owned caret updates accumulate before a
	// flush.
	FlushDelayMsec int `json:"flushDelayMsec,omitempty"`

	// Milliseconds between retries of a failed flush.
	FlushRetryDelayMsec int `json:"flushRetryDelayMsec,omitempty"`

	// How many times a failed flush is retried.
	FlushRetries int `json:"flushRetries,omitempty"`
}

// FlushDelay returns the flush delay as a duration.
func (c Caret) FlushDelay() time.Duration {
	return time.Duration(c.FlushDelayMsec) * time.Millisecond
}

// FlushRetryDelay returns the retry delay as a duration.
func (c Caret) FlushRetryDelay() time.Duration {
	return time.Duration(c.FlushRetryDelayMsec) * time.Millisecond
}

// An Access entry authorizes one target id.
type Access struct {
	// The shared secret clients prove possession of via challenge
	// response.
	Secret string `json:"secret"`

	// The document the target binds to.
	DocumentID string `json:"documentId"`

	// The author edits through this target are attributed to.
	AuthorID string `json:"authorId"`
}

// Load reads and validates a configuration file.
func Load(path string) (*Bayou, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	cfg := &Bayou{}
	if err := json.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("cannot parse config %v: %v", path, err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config %v: %v", path, err)
	}
	return cfg, nil
}

// Validate checks for required fields and obvious mistakes.
func (cfg *Bayou) Validate() error {
	if cfg.API.Address == "" {
		return fmt.Errorf("api.address is required")
	}
	switch cfg.Storage.Backend {
	case "":
		return fmt.Errorf("storage.backend is required")
	case "bolt", "disk":
		if cfg.Storage.Dir == "" {
			return fmt.Errorf("storage.dir is required for the %v backend", cfg.Storage.Backend)
		}
	}
	for id, a := range cfg.Access {
		switch {
		case a.Secret == "":
			return fmt.Errorf("access %v has no secret", id)
		case a.DocumentID == "":
			return fmt.Errorf("access %v has no documentId", id)
		case a.AuthorID == "":
			return fmt.Errorf("access %v has no authorId", id)
		}
	}
	return nil
}
