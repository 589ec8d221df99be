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

package hashctx

import (
	"bytes"
	"crypto/sha256"
	"testing"
)

func TestMatchesStdlibSum(t *testing.T) {
	data := []byte("the quick brown fox jumps over the lazy dog")
	c := New()
	if _, err := c.Write(data); err != nil {
		t.Fatal(err)
	}
	want := sha256.Sum256(data)
	if !bytes.Equal(c.Sum(), want[:]) {
		t.Errorf("Sum = %x, want %x", c.Sum(), want)
	}
}

func TestSaveRestoreMidStream(t *testing.T) {
	data := []byte("some longer message split across a save/restore boundary")
	first, second := data[:20], data[20:]

	c := New()
	if _, err := c.Write(first); err != nil {
		t.Fatal(err)
	}
	state, err := c.Save()
	if err != nil {
		t.Fatal(err)
	}

	restored, err := Restore(state)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := restored.Write(second); err != nil {
		t.Fatal(err)
	}

	want := sha256.Sum256(data)
	if !bytes.Equal(restored.Sum(), want[:]) {
		t.Errorf("Sum after restore = %x, want %x", restored.Sum(), want)
	}
}

func TestRestoreEmptyStateIsFreshDigest(t *testing.T) {
	c, err := Restore(nil)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := c.Write([]byte("abc")); err != nil {
		t.Fatal(err)
	}
	want := sha256.Sum256([]byte("abc"))
	if !bytes.Equal(c.Sum(), want[:]) {
		t.Errorf("Sum = %x, want %x", c.Sum(), want)
	}
}

func TestClone(t *testing.T) {
	c := New()
	if _, err := c.Write([]byte("shared prefix ")); err != nil {
		t.Fatal(err)
	}
	clone, err := c.Clone()
	if err != nil {
		t.Fatal(err)
	}

	if _, err := c.Write([]byte("original tail")); err != nil {
		t.Fatal(err)
	}
	if _, err := clone.Write([]byte("clone tail")); err != nil {
		t.Fatal(err)
	}

	wantOrig := sha256.Sum256([]byte("shared prefix original tail"))
	wantClone := sha256.Sum256([]byte("shared prefix clone tail"))
	if !bytes.Equal(c.Sum(), wantOrig[:]) {
		t.Errorf("original Sum = %x, want %x", c.Sum(), wantOrig)
	}
	if !bytes.Equal(clone.Sum(), wantClone[:]) {
		t.Errorf("clone Sum = %x, want %x", clone.Sum(), wantClone)
	}
}
