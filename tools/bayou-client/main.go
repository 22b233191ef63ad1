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

// Command bayou-client is a tool for low-level access to a Bayou server's
// API. It's intended for diagnosing problems and manual operations.
package main

import (
	"context"
	"fmt"
	"os"

	docopt "github.com/docopt/docopt-go"
	quill "github.com/fmpwizard/go-quilljs-delta/delta"
	"github.com/sfescape/bayou/api"
	"github.com/sfescape/bayou/ot"
	"github.com/sfescape/bayou/util/debuglog"
	"github.com/sfescape/bayou/util/table"
	"github.com/sfescape/bayou/wire"
	"github.com/sirupsen/logrus"
)

const usage = `bayou-client is a command-line tool for low-level access to a Bayou server.

Usage:
  bayou-client ping [--server SERVER]
  bayou-client snapshot TARGET SECRET [-r REV] [--server SERVER]
  bayou-client insert TARGET SECRET OFFSET TEXT [--server SERVER]
  bayou-client watch TARGET SECRET [-r REV] [--server SERVER]
  bayou-client carets TARGET SECRET [--server SERVER]

Options:
  --server SERVER  Websocket URL of the server [default: ws://localhost:8080/api].
  -r REV --rev REV  Revision number; defaults to the latest.

Examples:
  # Check the server is up.
  bayou-client ping

  # Print the current document text.
  bayou-client snapshot doc1 squeamish-ossifrage

  # Insert text at an offset and print the correction.
  bayou-client insert doc1 squeamish-ossifrage 0 "hello"

  # Follow changes as other clients edit.
  bayou-client watch doc1 squeamish-ossifrage

  # Show everyone's cursors.
  bayou-client carets doc1 squeamish-ossifrage
`

type options struct {
	Ping     bool   `docopt:"ping"`
	Snapshot bool   `docopt:"snapshot"`
	Insert   bool   `docopt:"insert"`
	Watch    bool   `docopt:"watch"`
	Carets   bool   `docopt:"carets"`
	Target   string `docopt:"TARGET"`
	Secret   string `docopt:"SECRET"`
	Offset   int    `docopt:"OFFSET"`
	Text     string `docopt:"TEXT"`
	Rev      int    `docopt:"-r,--rev"`
	Server   string `docopt:"--server"`
}

func parseArgs(args []string) (*options, error) {
	opts, err := docopt.ParseArgs(usage, args, "")
	if err != nil {
		return nil, fmt.Errorf("error parsing command-line arguments: %v", err)
	}
	var options options
	options.Rev = -1
	if err := opts.Bind(&options); err != nil {
		return nil, fmt.Errorf("error binding command-line arguments: %v", err)
	}
	return &options, nil
}

func main() {
	debuglog.Configure(debuglog.Options{})
	logrus.SetLevel(logrus.WarnLevel)
	opts, err := parseArgs(os.Args[1:])
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}
	if err := run(opts); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run(opts *options) error {
	ctx := context.Background()
	conn, err := api.Dial(ctx, opts.Server, wire.NewCodec())
	if err != nil {
		return err
	}
	defer conn.Close()

	if opts.Ping {
		if _, err := conn.Call(ctx, api.MetaTargetID, "ping"); err != nil {
			return err
		}
		fmt.Println("ok")
		return nil
	}

	if err := conn.Authorize(ctx, opts.Target, []byte(opts.Secret)); err != nil {
		return err
	}
	switch {
	case opts.Snapshot:
		return printSnapshot(ctx, conn, opts)
	case opts.Insert:
		return insert(ctx, conn, opts)
	case opts.Watch:
		return watch(ctx, conn, opts)
	case opts.Carets:
		return printCarets(ctx, conn, opts)
	}
	return fmt.Errorf("no command given")
}

func printSnapshot(ctx context.Context, conn *api.ClientConn, opts *options) error {
	var result interface{}
	var err error
	if opts.Rev < 0 {
		result, err = conn.Call(ctx, opts.Target, "body_getSnapshot")
	} else {
		result, err = conn.Call(ctx, opts.Target, "body_getSnapshot", opts.Rev)
	}
	if err != nil {
		return err
	}
	snapshot, ok := result.(ot.Snapshot)
	if !ok {
		return fmt.Errorf("unexpected result %T", result)
	}
	fmt.Printf("revision %v\n%v\n", snapshot.RevNum, snapshot.Contents.(ot.Body).Text())
	return nil
}

func insert(ctx context.Context, conn *api.ClientConn, opts *options) error {
	result, err := conn.Call(ctx, opts.Target, "body_getSnapshot")
	if err != nil {
		return err
	}
	snapshot, ok := result.(ot.Snapshot)
	if !ok {
		return fmt.Errorf("unexpected result %T", result)
	}
	d := quill.New(nil)
	if opts.Offset > 0 {
		d.Retain(opts.Offset, nil)
	}
	d.Insert(opts.Text, nil)
	result, err = conn.Call(ctx, opts.Target, "body_update", snapshot.RevNum, ot.NewBody(d.Ops))
	if err != nil {
		return err
	}
	correction, ok := result.(ot.Change)
	if !ok {
		return fmt.Errorf("unexpected result %T", result)
	}
	fmt.Printf("accepted at revision %v\n", correction.RevNum)
	return nil
}

func printCarets(ctx context.Context, conn *api.ClientConn, opts *options) error {
	result, err := conn.Call(ctx, opts.Target, "caret_getSnapshot")
	if err != nil {
		return err
	}
	snapshot, ok := result.(ot.CaretSnapshot)
	if !ok {
		return fmt.Errorf("unexpected result %T", result)
	}
	rows := [][]string{{"SESSION", "AUTHOR", "REV", "INDEX", "LENGTH", "COLOR", "LAST ACTIVE"}}
	for _, c := range snapshot.Carets {
		rows = append(rows, []string{
			c.SessionID, c.AuthorID,
			fmt.Sprintf("%d", c.DocRevNum),
			fmt.Sprintf("%d", c.Index),
			fmt.Sprintf("%d", c.Length),
			c.Color,
			c.LastActive.Format("15:04:05"),
		})
	}
	table.PrettyPrint(os.Stdout, rows, table.HeaderRow)
	return nil
}

func watch(ctx context.Context, conn *api.ClientConn, opts *options) error {
	base := opts.Rev
	if base < 0 {
		result, err := conn.Call(ctx, opts.Target, "body_getSnapshot")
		if err != nil {
			return err
		}
		snapshot, ok := result.(ot.Snapshot)
		if !ok {
			return fmt.Errorf("unexpected result %T", result)
		}
		base = snapshot.RevNum
		fmt.Printf("watching from revision %v\n", base)
	}
	for {
		result, err := conn.Call(ctx, opts.Target, "body_getChangeAfter", base)
		if api.IsRemoteCause(err, "timedOut") {
			continue
		}
		if err != nil {
			return err
		}
		change, ok := result.(ot.Change)
		if !ok {
			return fmt.Errorf("unexpected result %T", result)
		}
		fmt.Printf("revision %v: %v ops\n", change.RevNum, len(change.Delta.(ot.Body).Ops()))
		base = change.RevNum
	}
}
