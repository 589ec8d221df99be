// Copyright 2016 CoreOS, Inc.
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

// Package hashctx provides an incremental SHA-256 digest whose
// intermediate state can be serialized and restored, so a long-running
// hash over a payload can survive a process restart.
//
// crypto/sha256's digest type has implemented encoding.BinaryMarshaler and
// encoding.BinaryUnmarshaler since Go 1.3 specifically to support this use
// case; there is no occasion to reach for a third-party hashing library
// here; the standard library already is the idiomatic answer.
package hashctx

import (
	"crypto/sha256"
	"encoding"
	"hash"

	"github.com/pkg/errors"
)

// Context is a resumable SHA-256 digest.
type Context struct {
	h hash.Hash
}

// New starts a fresh digest.
func New() *Context {
	return &Context{h: sha256.New()}
}

// Restore rebuilds a digest from state previously returned by Save. An
// empty state is treated the same as New().
func Restore(state []byte) (*Context, error) {
	h := sha256.New()
	if len(state) == 0 {
		return &Context{h: h}, nil
	}
	u, ok := h.(encoding.BinaryUnmarshaler)
	if !ok {
		return nil, errors.New("hashctx: sha256 digest does not support binary unmarshaling")
	}
	if err := u.UnmarshalBinary(state); err != nil {
		return nil, errors.Wrap(err, "hashctx: restoring digest state")
	}
	return &Context{h: h}, nil
}

// Write feeds b into the digest. It never returns an error.
func (c *Context) Write(b []byte) (int, error) {
	return c.h.Write(b)
}

// Sum returns the current 32-byte SHA-256 digest without altering c.
func (c *Context) Sum() []byte {
	return c.h.Sum(nil)
}

// Save serializes the intermediate digest state so it can be handed to
// Restore later, across process restarts.
func (c *Context) Save() ([]byte, error) {
	m, ok := c.h.(encoding.BinaryMarshaler)
	if !ok {
		return nil, errors.New("hashctx: sha256 digest does not support binary marshaling")
	}
	state, err := m.MarshalBinary()
	if err != nil {
		return nil, errors.Wrap(err, "hashctx: saving digest state")
	}
	return state, nil
}

// Clone returns an independent copy of c sharing no state with it, used to
// fork a second running digest (the payload-wide hash and the
// signed-prefix hash) from a common point without re-hashing from zero.
func (c *Context) Clone() (*Context, error) {
	state, err := c.Save()
	if err != nil {
		return nil, err
	}
	return Restore(state)
}
