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

package filestore

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strings"
)

// A Hash is the content address of a buffer: "sha256-" followed by 64 hex
// digits. The zero value is invalid.
type Hash string

// ParseHash validates and returns a hash.
func ParseHash(s string) (Hash, error) {
	rest, ok := strings.CutPrefix(s, "sha256-")
	if !ok || len(rest) != sha256.Size*2 {
		return "", BadValueError{Reason: fmt.Sprintf("malformed content hash %q", s)}
	}
	if _, err := hex.DecodeString(rest); err != nil {
		return "", BadValueError{Reason: fmt.Sprintf("malformed content hash %q", s)}
	}
	return Hash(s), nil
}

// String returns the hash in its "sha256-<hex>" form.
func (h Hash) String() string { return string(h) }

// A Buffer is an immutable byte string with a stable content hash. The
// constructor copies its input, and accessors return copies, so a Buffer can
// be shared freely. The zero value is the empty buffer.
type Buffer struct {
	data []byte
	hash Hash
}

// NewBuffer constructs a buffer holding a copy of data.
func NewBuffer(data []byte) Buffer {
	sum := sha256.Sum256(data)
	return Buffer{
		data: append([]byte(nil), data...),
		hash: Hash("sha256-" + hex.EncodeToString(sum[:])),
	}
}

// BufferOf constructs a buffer holding the bytes of s.
func BufferOf(s string) Buffer {
	return NewBuffer([]byte(s))
}

// Bytes returns a copy of the buffer's contents.
func (b Buffer) Bytes() []byte {
	return append([]byte(nil), b.data...)
}

// String returns the buffer's contents as a string.
func (b Buffer) String() string {
	return string(b.data)
}

// Len returns the number of bytes in the buffer.
func (b Buffer) Len() int { return len(b.data) }

// Hash returns the buffer's content address.
func (b Buffer) Hash() Hash {
	if b.hash == "" {
		// The zero Buffer never went through NewBuffer.
		return NewBuffer(nil).hash
	}
	return b.hash
}

// Equal reports whether two buffers hold the same bytes.
func (b Buffer) Equal(other Buffer) bool {
	return bytes.Equal(b.data, other.data)
}
