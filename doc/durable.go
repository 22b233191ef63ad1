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

package doc

import (
	"context"
	"fmt"
	"strconv"

	"github.com/sfescape/bayou/filestore"
	"github.com/sfescape/bayou/ot"
	"github.com/sfescape/bayou/util/clocks"
	"github.com/sfescape/bayou/wire"
	"github.com/sirupsen/logrus"
)

// The storage format version this code reads and writes.
const currentSchemaVersion = "1"

// Earlier format versions a running server can upgrade in place.
var migratableSchemaVersions = map[string]bool{"0": true}

var schemaVersionPath = filestore.NewPath("schema_version")

// ValidationStatus is the outcome of validating a file on open.
type ValidationStatus string

// The validation outcomes.
const (
	// The file is usable as-is.
	StatusOK ValidationStatus = "ok"
	// The file is schema-compatible but needs a storage upgrade.
	StatusMigrate ValidationStatus = "migrate"
	// The file cannot be used.
	StatusError ValidationStatus = "error"
)

// ValidateFile inspects a file's schema version. New files validate OK; the
// version is stamped when the body control initializes the file.
func ValidateFile(ctx context.Context, file filestore.File) (ValidationStatus, error) {
	res, err := file.Transact(ctx, filestore.MustSpec(filestore.ReadPath(schemaVersionPath)))
	if err != nil {
		return StatusError, err
	}
	buf, ok := res.Paths[schemaVersionPath]
	if !ok {
		return StatusOK, nil
	}
	switch version := buf.String(); {
	case version == currentSchemaVersion:
		return StatusOK, nil
	case migratableSchemaVersions[version]:
		return StatusMigrate, nil
	default:
		return StatusError, fmt.Errorf("unrecognized schema version %q", version)
	}
}

// A BodyControl is the durable control for the document body payload.
type BodyControl struct {
	*Control
}

// NewBodyControl opens the body revision log of the file, initializing or
// recovering it as needed.
func NewBodyControl(ctx context.Context, file filestore.File, codec *wire.Codec, clock clocks.Source) (*BodyControl, error) {
	c := newControl(file, codec, ot.KindBody, nil, clock)
	if err := c.initOrRecover(ctx, true); err != nil {
		return nil, err
	}
	return &BodyControl{Control: c}, nil
}

// A PropertyControl is the durable control for the document properties
// payload.
type PropertyControl struct {
	*Control
}

// NewPropertyControl opens the property revision log of the file,
// initializing or recovering it as needed.
func NewPropertyControl(ctx context.Context, file filestore.File, codec *wire.Codec, clock clocks.Source) (*PropertyControl, error) {
	c := newControl(file, codec, ot.KindProperty, []string{"property"}, clock)
	if err := c.initOrRecover(ctx, false); err != nil {
		return nil, err
	}
	return &PropertyControl{Control: c}, nil
}

// initOrRecover brings the control's portion of the file to a usable state:
// a fresh file gets the empty-document change at revision 0, and a file
// left by an unclean shutdown gets its revision number re-derived from the
// highest contiguous stored change. Gap-creating changes are discarded;
// they were never acknowledged, because acks only happen after the
// compare-and-swap that also bumps the revision number.
func (c *Control) initOrRecover(ctx context.Context, stampSchema bool) error {
	res, err := c.file.Transact(ctx, filestore.MustSpec(filestore.ReadPath(c.revNumPath())))
	if err != nil {
		return err
	}
	if _, ok := res.Paths[c.revNumPath()]; !ok {
		return c.initialize(ctx, stampSchema)
	}
	return c.recover(ctx)
}

func (c *Control) initialize(ctx context.Context, stampSchema bool) error {
	first := ot.Change{RevNum: 0, Delta: ot.Empty(c.kind)}
	encoded, err := c.codec.EncodeJSON(first)
	if err != nil {
		return err
	}
	ops := []filestore.Op{
		filestore.CheckPathAbsent(c.revNumPath()),
		filestore.WritePath(c.revNumPath(), revNumBuffer(0)),
		filestore.WritePath(c.changePath(0), filestore.NewBuffer(encoded)),
	}
	if stampSchema {
		ops = append(ops, filestore.WritePath(schemaVersionPath, filestore.BufferOf(currentSchemaVersion)))
	}
	spec, err := filestore.NewSpec(ops...)
	if err != nil {
		return err
	}
	_, err = c.file.Transact(ctx, spec)
	if filestore.IsPrereqFailed(err) {
		// Another server initialized the file first; that is just as good.
		c.logger.Info("File was concurrently initialized by a peer")
		return nil
	}
	if err == nil {
		c.logger.Info("Initialized empty document")
	}
	return err
}

func (c *Control) recover(ctx context.Context) error {
	cur, err := c.Current(ctx)
	if err != nil {
		return err
	}
	res, err := c.file.Transact(ctx, filestore.MustSpec(filestore.ListPathPrefix(c.path("revision"))))
	if err != nil {
		return err
	}
	stored := map[int]bool{}
	for _, p := range res.List {
		n, err := strconv.Atoi(p.Base())
		if err != nil || n < 0 {
			c.logger.WithFields(logrus.Fields{"path": p}).Warn("Ignoring non-numeric revision path")
			continue
		}
		stored[n] = true
	}
	contiguous := -1
	for stored[contiguous+1] {
		contiguous++
	}
	if contiguous < cur {
		return ot.BadDataError{Reason: fmt.Sprintf(
			"revision number %v but changes are contiguous only through %v", cur, contiguous)}
	}
	if contiguous == cur && len(stored) == contiguous+1 {
		return nil
	}

	// Roll the revision number forward to the highest contiguous change and
	// drop anything beyond a gap.
	ops := []filestore.Op{
		filestore.CheckPathIs(c.revNumPath(), revNumBuffer(cur).Hash()),
		filestore.WritePath(c.revNumPath(), revNumBuffer(contiguous)),
	}
	discarded := 0
	for n := range stored {
		if n > contiguous {
			ops = append(ops, filestore.DeletePathPrefix(c.path("revision", n)))
			discarded++
		}
	}
	spec, err := filestore.NewSpec(ops...)
	if err != nil {
		return err
	}
	if _, err := c.file.Transact(ctx, spec); err != nil {
		if filestore.IsPrereqFailed(err) {
			// A peer recovered the file concurrently.
			return nil
		}
		return err
	}
	c.logger.WithFields(logrus.Fields{
		"was":       cur,
		"now":       contiguous,
		"discarded": discarded,
	}).Info("Recovered revision log")
	return nil
}
