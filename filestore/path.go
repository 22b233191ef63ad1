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

// Package filestore defines the transactional file abstraction that owns all
// persistent bytes of one document. A file stores hierarchical path bindings
// and content-addressed blobs; every durable mutation goes through a single
// primitive, Transact, whose prerequisites give higher layers optimistic
// concurrency without a lock manager.
package filestore

import (
	"fmt"
	"sort"
	"strings"
)

// A Path is an absolute, slash-delimited storage path of ASCII identifier
// components, such as "/revision/37/change". Construct paths with NewPath or
// ParsePath; the zero value is invalid.
type Path struct {
	s string
}

// ParsePath validates and returns a path.
func ParsePath(s string) (Path, error) {
	if !strings.HasPrefix(s, "/") {
		return Path{}, BadValueError{Reason: fmt.Sprintf("path %q is not absolute", s)}
	}
	components := strings.Split(s[1:], "/")
	for _, c := range components {
		if !validComponent(c) {
			return Path{}, BadValueError{Reason: fmt.Sprintf("path %q has invalid component %q", s, c)}
		}
	}
	return Path{s: s}, nil
}

// NewPath builds a path from components, panicking on invalid input. It is
// intended for component literals known at compile time.
func NewPath(components ...interface{}) Path {
	var b strings.Builder
	for _, c := range components {
		b.WriteByte('/')
		fmt.Fprintf(&b, "%v", c)
	}
	p, err := ParsePath(b.String())
	if err != nil {
		panic(err)
	}
	return p
}

func validComponent(c string) bool {
	if len(c) == 0 {
		return false
	}
	for i := 0; i < len(c); i++ {
		b := c[i]
		switch {
		case b >= 'a' && b <= 'z':
		case b >= 'A' && b <= 'Z':
		case b >= '0' && b <= '9':
		case b == '_':
		default:
			return false
		}
	}
	return true
}

// String returns the slash-delimited form.
func (p Path) String() string { return p.s }

// IsZero reports whether p is the invalid zero value.
func (p Path) IsZero() bool { return p.s == "" }

// Components returns the path split into its identifier components.
func (p Path) Components() []string {
	if p.s == "" {
		return nil
	}
	return strings.Split(p.s[1:], "/")
}

// Child returns the path extended by one component.
func (p Path) Child(component interface{}) Path {
	c := fmt.Sprintf("%v", component)
	if !validComponent(c) {
		panic(BadValueError{Reason: fmt.Sprintf("invalid path component %q", c)})
	}
	return Path{s: p.s + "/" + c}
}

// IsPrefixOf reports whether other is directly or transitively under p.
func (p Path) IsPrefixOf(other Path) bool {
	return strings.HasPrefix(other.s, p.s+"/")
}

// Base returns the last component of the path.
func (p Path) Base() string {
	components := p.Components()
	if len(components) == 0 {
		return ""
	}
	return components[len(components)-1]
}

// SortPaths orders paths lexicographically in place.
func SortPaths(paths []Path) {
	sort.Slice(paths, func(i, j int) bool { return paths[i].s < paths[j].s })
}
