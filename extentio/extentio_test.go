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

package extentio

import (
	"bytes"
	"compress/bzip2"
	"os"
	"testing"

	"github.com/coreos/update-performer/metadata"
)

// memFile is an in-memory blockWriterAt for tests that don't need a real
// backing file.
type memFile struct {
	buf []byte
}

func (f *memFile) WriteAt(p []byte, off int64) (int, error) {
	end := off + int64(len(p))
	if end > int64(len(f.buf)) {
		grown := make([]byte, end)
		copy(grown, f.buf)
		f.buf = grown
	}
	copy(f.buf[off:end], p)
	return len(p), nil
}

func TestDirectExtentWriterSingleExtent(t *testing.T) {
	f := &memFile{}
	w := NewDirectExtentWriter(f, 4, []metadata.Extent{{StartBlock: 2, NumBlocks: 1}})
	if _, err := w.Write([]byte("abcd")); err != nil {
		t.Fatal(err)
	}
	want := append(make([]byte, 8), []byte("abcd")...)
	if !bytes.Equal(f.buf, want) {
		t.Errorf("buf = %q, want %q", f.buf, want)
	}
}

func TestDirectExtentWriterSpansExtents(t *testing.T) {
	f := &memFile{}
	w := NewDirectExtentWriter(f, 4, []metadata.Extent{
		{StartBlock: 0, NumBlocks: 1},
		{StartBlock: 2, NumBlocks: 1},
	})
	if _, err := w.Write([]byte("ABCDEFGH")); err != nil {
		t.Fatal(err)
	}
	want := []byte("ABCD" + "\x00\x00\x00\x00" + "EFGH")
	if !bytes.Equal(f.buf, want) {
		t.Errorf("buf = %q, want %q", f.buf, want)
	}
}

func TestDirectExtentWriterRejectsSparseDestination(t *testing.T) {
	f := &memFile{}
	w := NewDirectExtentWriter(f, 4, []metadata.Extent{{StartBlock: metadata.KSparseHole, NumBlocks: 1}})
	if _, err := w.Write([]byte("abcd")); err == nil {
		t.Error("expected error writing into a sparse-hole destination extent")
	}
}

func TestDirectExtentWriterOverrunErrors(t *testing.T) {
	f := &memFile{}
	w := NewDirectExtentWriter(f, 4, []metadata.Extent{{StartBlock: 0, NumBlocks: 1}})
	if _, err := w.Write([]byte("too many bytes for one block")); err == nil {
		t.Error("expected overrun error")
	}
}

func TestZeroPadExtentWriterPadsTrailingBlock(t *testing.T) {
	f := &memFile{}
	direct := NewDirectExtentWriter(f, 4, []metadata.Extent{{StartBlock: 0, NumBlocks: 2}})
	w := NewZeroPadExtentWriter(direct, 4)
	if _, err := w.Write([]byte("abc")); err != nil {
		t.Fatal(err)
	}
	if err := w.End(); err != nil {
		t.Fatal(err)
	}
	want := []byte("abc\x00")
	if !bytes.Equal(f.buf, want) {
		t.Errorf("buf = %q, want %q", f.buf, want)
	}
}

func TestZeroPadExtentWriterNoopOnAlignedWrite(t *testing.T) {
	f := &memFile{}
	direct := NewDirectExtentWriter(f, 4, []metadata.Extent{{StartBlock: 0, NumBlocks: 1}})
	w := NewZeroPadExtentWriter(direct, 4)
	if _, err := w.Write([]byte("abcd")); err != nil {
		t.Fatal(err)
	}
	if err := w.End(); err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(f.buf, []byte("abcd")) {
		t.Errorf("buf = %q, want %q", f.buf, "abcd")
	}
}

func TestBzipExtentWriterDecompresses(t *testing.T) {
	plain := bytes.Repeat([]byte("hello world "), 50)
	compressed := compressBzip2(t, plain)

	f := &memFile{}
	direct := NewDirectExtentWriter(f, 4096, []metadata.Extent{{StartBlock: 0, NumBlocks: 1}})
	pad := NewZeroPadExtentWriter(direct, 4096)
	bz := NewBzipExtentWriter(pad)

	if _, err := bz.Write(compressed); err != nil {
		t.Fatal(err)
	}
	if err := bz.End(); err != nil {
		t.Fatal(err)
	}

	if !bytes.Equal(f.buf[:len(plain)], plain) {
		t.Errorf("decompressed mismatch")
	}
	for _, b := range f.buf[len(plain):] {
		if b != 0 {
			t.Fatalf("expected zero padding after decompressed content, found %x", b)
		}
	}
}

// compressBzip2 returns the bzip2 fixture at testdata/hello.bz2 after
// checking that it decompresses to plain. compress/bzip2 has no encoder,
// so the calling test is skipped when that fixture is absent or holds
// different content.
func compressBzip2(t *testing.T, plain []byte) []byte {
	t.Helper()
	// compress/bzip2 only implements a reader; building a corpus without
	// invoking a toolchain isn't possible here, so this test is skipped
	// unless a prebuilt fixture is present on disk.
	const fixture = "testdata/hello.bz2"
	data, err := os.ReadFile(fixture)
	if err != nil {
		t.Skipf("no bzip2 fixture available: %v", err)
	}
	r := bzip2.NewReader(bytes.NewReader(data))
	var buf bytes.Buffer
	if _, err := buf.ReadFrom(r); err != nil {
		t.Fatalf("sanity-decompressing fixture: %v", err)
	}
	if !bytes.Equal(buf.Bytes(), plain) {
		t.Skipf("fixture content does not match expected plaintext")
	}
	return data
}

func TestPunchHoleZeroLengthNoop(t *testing.T) {
	f, err := os.CreateTemp("", "extentio-punchhole")
	if err != nil {
		t.Fatal(err)
	}
	defer os.Remove(f.Name())
	defer f.Close()
	if err := PunchHole(f, 0, 0); err != nil {
		t.Errorf("PunchHole with zero length should be a no-op, got %v", err)
	}
}
