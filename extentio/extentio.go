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

// Package extentio writes a logically contiguous byte stream out to the
// scattered (start_block, num_blocks) extents of a partition image,
// optionally decompressing it first, and zero-pads any trailing partial
// block so every write lands on whole-block boundaries.
//
// Writers compose by wrapping, not inheriting: a DirectExtentWriter is
// always the innermost stage, ZeroPadExtentWriter wraps it, and an
// optional Bzip/Xz decompressing writer wraps that -- so zero-padding
// always sees decompressed bytes.
package extentio

import (
	"compress/bzip2"
	"io"

	"github.com/pkg/errors"
	"github.com/ulikunitz/xz"

	"github.com/coreos/update-performer/metadata"
)

// ExtentWriter is the common interface every stage of the pipeline
// implements: Write accepts however many bytes the caller has ready, and
// End flushes and finalizes (zero-padding, closing a decompressor) once
// the operation's logical input is exhausted.
type ExtentWriter interface {
	Write(p []byte) (int, error)
	End() error
}

// blockWriterAt is the subset of *os.File this package needs to perform
// positioned writes into a partition image.
type blockWriterAt interface {
	WriteAt(p []byte, off int64) (int, error)
}

// DirectExtentWriter writes incoming bytes into the (start_block,
// num_blocks) extents of dst in order, translating the logical write
// offset into pwrite-style positioned writes.
type DirectExtentWriter struct {
	dst       blockWriterAt
	blockSize uint64
	extents   []metadata.Extent

	extentIdx    int
	offsetInCur  uint64 // bytes already written into extents[extentIdx]
}

// NewDirectExtentWriter returns a writer that deposits bytes into dst at
// the block positions named by extents.
func NewDirectExtentWriter(dst blockWriterAt, blockSize uint64, extents []metadata.Extent) *DirectExtentWriter {
	return &DirectExtentWriter{dst: dst, blockSize: blockSize, extents: extents}
}

func (w *DirectExtentWriter) Write(p []byte) (int, error) {
	written := 0
	for len(p) > 0 {
		if w.extentIdx >= len(w.extents) {
			return written, errors.New("extentio: write overruns destination extents")
		}
		cur := w.extents[w.extentIdx]
		if cur.IsSparseHole() {
			return written, errors.New("extentio: sparse hole is not a legal destination extent")
		}
		extentBytes := cur.NumBlocks * w.blockSize
		remaining := extentBytes - w.offsetInCur
		n := uint64(len(p))
		if n > remaining {
			n = remaining
		}
		off := int64(cur.StartBlock*w.blockSize + w.offsetInCur)
		wrote, err := w.dst.WriteAt(p[:n], off)
		written += wrote
		if err != nil {
			return written, errors.Wrap(err, "extentio: positioned write")
		}
		p = p[wrote:]
		w.offsetInCur += uint64(wrote)
		if w.offsetInCur == extentBytes {
			w.extentIdx++
			w.offsetInCur = 0
		}
		if uint64(wrote) < n {
			// short write with no error: stop rather than spin.
			break
		}
	}
	return written, nil
}

// End is a no-op for DirectExtentWriter; zero-padding is
// ZeroPadExtentWriter's job.
func (w *DirectExtentWriter) End() error {
	return nil
}

// ZeroPadExtentWriter wraps another ExtentWriter and, on End, pads the
// current in-flight block up to a whole block with zeros so a trailing
// partial block is never left unwritten.
type ZeroPadExtentWriter struct {
	next      ExtentWriter
	blockSize uint64
	written   uint64
}

// NewZeroPadExtentWriter wraps next, tracking blockSize-aligned padding.
func NewZeroPadExtentWriter(next ExtentWriter, blockSize uint64) *ZeroPadExtentWriter {
	return &ZeroPadExtentWriter{next: next, blockSize: blockSize}
}

func (w *ZeroPadExtentWriter) Write(p []byte) (int, error) {
	n, err := w.next.Write(p)
	w.written += uint64(n)
	return n, err
}

func (w *ZeroPadExtentWriter) End() error {
	if rem := w.written % w.blockSize; rem != 0 {
		pad := make([]byte, w.blockSize-rem)
		if _, err := w.next.Write(pad); err != nil {
			return errors.Wrap(err, "extentio: zero-padding final block")
		}
		w.written += uint64(len(pad))
	}
	return w.next.End()
}

// BzipExtentWriter wraps next, bunzip2-decompressing everything written
// to it before passing decompressed bytes downstream.
type BzipExtentWriter struct {
	next   ExtentWriter
	pr     *io.PipeReader
	pw     *io.PipeWriter
	done   chan error
}

// NewBzipExtentWriter wraps next with a streaming bzip2 decompressor.
func NewBzipExtentWriter(next ExtentWriter) *BzipExtentWriter {
	pr, pw := io.Pipe()
	w := &BzipExtentWriter{next: next, pr: pr, pw: pw, done: make(chan error, 1)}
	go func() {
		bzr := bzip2.NewReader(pr)
		_, err := copyToWriter(next, bzr)
		pr.CloseWithError(err)
		w.done <- err
	}()
	return w
}

func (w *BzipExtentWriter) Write(p []byte) (int, error) {
	return w.pw.Write(p)
}

func (w *BzipExtentWriter) End() error {
	if err := w.pw.Close(); err != nil {
		return errors.Wrap(err, "extentio: closing bzip2 pipe")
	}
	if err := <-w.done; err != nil && err != io.EOF {
		return errors.Wrap(err, "extentio: bzip2 decompression")
	}
	return w.next.End()
}

// XzExtentWriter wraps next, xz-decompressing everything written to it
// before passing decompressed bytes downstream. Grounded the same way as
// BzipExtentWriter but over github.com/ulikunitz/xz, the xz codec used
// elsewhere in this module's dependency pack.
type XzExtentWriter struct {
	next ExtentWriter
	pr   *io.PipeReader
	pw   *io.PipeWriter
	done chan error
}

// NewXzExtentWriter wraps next with a streaming xz decompressor.
func NewXzExtentWriter(next ExtentWriter) *XzExtentWriter {
	pr, pw := io.Pipe()
	w := &XzExtentWriter{next: next, pr: pr, pw: pw, done: make(chan error, 1)}
	go func() {
		xzr, err := xz.NewReader(pr)
		if err != nil {
			pr.CloseWithError(err)
			w.done <- err
			return
		}
		_, err = copyToWriter(next, xzr)
		pr.CloseWithError(err)
		w.done <- err
	}()
	return w
}

func (w *XzExtentWriter) Write(p []byte) (int, error) {
	return w.pw.Write(p)
}

func (w *XzExtentWriter) End() error {
	if err := w.pw.Close(); err != nil {
		return errors.Wrap(err, "extentio: closing xz pipe")
	}
	if err := <-w.done; err != nil && err != io.EOF {
		return errors.Wrap(err, "extentio: xz decompression")
	}
	return w.next.End()
}

// copyToWriter drains r into w (an ExtentWriter, not an io.Writer) in
// fixed-size chunks.
func copyToWriter(w ExtentWriter, r io.Reader) (int64, error) {
	buf := make([]byte, 32*1024)
	var total int64
	for {
		n, err := r.Read(buf)
		if n > 0 {
			if _, werr := w.Write(buf[:n]); werr != nil {
				return total, werr
			}
			total += int64(n)
		}
		if err != nil {
			if err == io.EOF {
				return total, nil
			}
			return total, err
		}
	}
}
