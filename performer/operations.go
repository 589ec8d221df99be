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

package performer

import (
	"context"
	"os"

	"github.com/pkg/errors"

	"github.com/coreos/update-performer/extentio"
	"github.com/coreos/update-performer/metadata"
)

// partitionHandles bundles the open file descriptors an operation may
// need: the target (always open for writing) and, for delta payloads,
// the read-only source.
type partitionHandles struct {
	target *os.File
	source *os.File // nil for a full (non-delta) update
}

// executeOperation dispatches op against handles per its Type, per
// spec.md §4.5. data holds exactly op.DataLength bytes already validated
// against op.DataSha256Hash by the caller, or is empty for MOVE/SOURCE_COPY
// which carry no data blob.
func executeOperation(ctx context.Context, blockSize uint64, handles partitionHandles, op *metadata.InstallOperation, data []byte) error {
	switch op.Type {
	case metadata.OpReplace:
		return performReplace(handles.target, blockSize, op.DstExtents, data, false)
	case metadata.OpReplaceBZ:
		return performReplace(handles.target, blockSize, op.DstExtents, data, true)
	case metadata.OpMove:
		return performMove(handles.target, blockSize, op.SrcExtents, op.DstExtents)
	case metadata.OpSourceCopy:
		return performSourceCopy(handles.target, handles.source, blockSize, op.SrcExtents, op.DstExtents)
	case metadata.OpBsdiff:
		return performBsdiff(ctx, handles.target, handles.target, blockSize, op, data)
	case metadata.OpSourceBsdiff:
		return performBsdiff(ctx, handles.source, handles.target, blockSize, op, data)
	default:
		return errors.Errorf("performer: unknown operation type %s", op.Type)
	}
}

// performReplace writes data (optionally bzip2-compressed) into dst's
// extents through the Direct -> ZeroPad -> (Bzip) pipeline.
func performReplace(dst *os.File, blockSize uint64, dstExtents []metadata.Extent, data []byte, compressed bool) error {
	direct := extentio.NewDirectExtentWriter(dst, blockSize, dstExtents)
	pad := extentio.NewZeroPadExtentWriter(direct, blockSize)

	var w extentio.ExtentWriter = pad
	if compressed {
		w = extentio.NewBzipExtentWriter(pad)
	}

	if _, err := w.Write(data); err != nil {
		return errors.Wrap(err, "performer: REPLACE write")
	}
	return w.End()
}

// performMove copies src_extents to dst_extents within the same
// partition file. All source bytes are read into a scratch buffer before
// any write happens, so overlapping extents are well-defined regardless
// of read/write order.
func performMove(f *os.File, blockSize uint64, srcExtents, dstExtents []metadata.Extent) error {
	if metadata.TotalBlocks(srcExtents) != metadata.TotalBlocks(dstExtents) {
		return errors.New("performer: MOVE src/dst block count mismatch")
	}
	for _, e := range srcExtents {
		if e.IsSparseHole() {
			return errors.New("performer: MOVE source extent may not be a sparse hole")
		}
	}
	for _, e := range dstExtents {
		if e.IsSparseHole() {
			return errors.New("performer: MOVE destination extent may not be a sparse hole")
		}
	}

	scratch := make([]byte, metadata.TotalBytes(srcExtents, blockSize))
	off := 0
	for _, e := range srcExtents {
		n := int(e.NumBlocks * blockSize)
		if _, err := f.ReadAt(scratch[off:off+n], int64(e.StartBlock*blockSize)); err != nil {
			return errors.Wrap(err, "performer: MOVE read")
		}
		off += n
	}

	direct := extentio.NewDirectExtentWriter(f, blockSize, dstExtents)
	if _, err := direct.Write(scratch); err != nil {
		return errors.Wrap(err, "performer: MOVE write")
	}
	return direct.End()
}

// performSourceCopy copies block-aligned regions from src to dst, one
// block at a time, per spec.md §4.5.
func performSourceCopy(dst, src *os.File, blockSize uint64, srcExtents, dstExtents []metadata.Extent) error {
	if src == nil {
		return errors.New("performer: SOURCE_COPY requires an open source partition handle")
	}
	if metadata.TotalBlocks(srcExtents) != metadata.TotalBlocks(dstExtents) {
		return errors.New("performer: SOURCE_COPY src/dst block count mismatch")
	}

	srcBlocks := flattenBlocks(srcExtents)
	dstBlocks := flattenBlocks(dstExtents)
	buf := make([]byte, blockSize)
	for i := range srcBlocks {
		sb, db := srcBlocks[i], dstBlocks[i]
		if sb.sparse {
			for i := range buf {
				buf[i] = 0
			}
		} else if _, err := src.ReadAt(buf, int64(sb.block*blockSize)); err != nil {
			return errors.Wrap(err, "performer: SOURCE_COPY read")
		}
		if db.sparse {
			return errors.New("performer: SOURCE_COPY destination block may not be a sparse hole")
		}
		if _, err := dst.WriteAt(buf, int64(db.block*blockSize)); err != nil {
			return errors.Wrap(err, "performer: SOURCE_COPY write")
		}
	}
	return nil
}

type blockRef struct {
	block  uint64
	sparse bool
}

// flattenBlocks expands an extent list into one entry per block, so
// SOURCE_COPY can walk source and destination block-for-block even when
// the two extent lists are chunked differently.
func flattenBlocks(extents []metadata.Extent) []blockRef {
	var out []blockRef
	for _, e := range extents {
		for i := uint64(0); i < e.NumBlocks; i++ {
			if e.IsSparseHole() {
				out = append(out, blockRef{sparse: true})
			} else {
				out = append(out, blockRef{block: e.StartBlock + i})
			}
		}
	}
	return out
}

// performBsdiff writes the in-buffer patch to a scoped temp file, builds
// the bspatch position-string arguments, and invokes the external
// bspatch binary against srcFile/dstFile (the same file for BSDIFF, a
// distinct source partition for SOURCE_BSDIFF).
func performBsdiff(ctx context.Context, srcFile, dstFile *os.File, blockSize uint64, op *metadata.InstallOperation, patch []byte) error {
	if op.Type == metadata.OpSourceBsdiff && srcFile == nil {
		return errors.New("performer: SOURCE_BSDIFF requires an open source partition handle")
	}
	if !op.HasSrcLength || !op.HasDstLength {
		return errors.New("performer: BSDIFF/SOURCE_BSDIFF operation missing src_length/dst_length")
	}
	// SOURCE_BSDIFF always operates on whole blocks; plain BSDIFF may have
	// a dst_length short of a full block, zero-padded below once bspatch
	// has written the real bytes.
	if op.Type == metadata.OpSourceBsdiff && (op.SrcLength%blockSize != 0 || op.DstLength%blockSize != 0) {
		return errors.New("performer: SOURCE_BSDIFF src_length/dst_length must be block-aligned")
	}

	srcPositions, err := extentsToBsdiffPositionsString(op.SrcExtents, blockSize, op.SrcLength)
	if err != nil {
		return errors.Wrap(err, "performer: building bspatch source positions")
	}
	dstPositions, err := extentsToBsdiffPositionsString(op.DstExtents, blockSize, op.DstLength)
	if err != nil {
		return errors.Wrap(err, "performer: building bspatch destination positions")
	}

	tmp, err := os.CreateTemp("", "update-performer-patch-")
	if err != nil {
		return errors.Wrap(err, "performer: creating scoped patch temp file")
	}
	defer os.Remove(tmp.Name())
	defer tmp.Close()
	if _, err := tmp.Write(patch); err != nil {
		return errors.Wrap(err, "performer: writing patch temp file")
	}
	if err := tmp.Close(); err != nil {
		return errors.Wrap(err, "performer: closing patch temp file")
	}

	srcPath := fdPath(srcFile)
	dstPath := fdPath(dstFile)
	if err := runBspatch(ctx, srcPath, dstPath, tmp.Name(), srcPositions, dstPositions); err != nil {
		return err
	}

	if op.Type == metadata.OpBsdiff && op.DstLength%blockSize != 0 {
		if err := zeroPadTrailingBlock(dstFile, blockSize, op.DstExtents, op.DstLength); err != nil {
			return errors.Wrap(err, "performer: zero-padding BSDIFF trailing block")
		}
	}
	return nil
}

// zeroPadTrailingBlock zero-fills the bytes of extents beyond the first
// logicalLength bytes, up to the whole-block total the extents cover. Used
// after a plain BSDIFF patch, whose dst_length need not be block-aligned
// (spec.md §4.5), to clear out the stale tail of the final destination
// block bspatch didn't touch.
func zeroPadTrailingBlock(dst *os.File, blockSize uint64, extents []metadata.Extent, logicalLength uint64) error {
	total := metadata.TotalBytes(extents, blockSize)
	if logicalLength >= total {
		return nil
	}
	pad := make([]byte, total-logicalLength)

	var consumed uint64
	for _, e := range extents {
		extentBytes := e.NumBlocks * blockSize
		if consumed+extentBytes <= logicalLength {
			consumed += extentBytes
			continue
		}
		if e.IsSparseHole() {
			return errors.New("performer: BSDIFF destination extent may not be a sparse hole")
		}
		offsetInExtent := uint64(0)
		if logicalLength > consumed {
			offsetInExtent = logicalLength - consumed
		}
		n := extentBytes - offsetInExtent
		if uint64(len(pad)) < n {
			n = uint64(len(pad))
		}
		off := int64(e.StartBlock*blockSize + offsetInExtent)
		if _, err := dst.WriteAt(pad[:n], off); err != nil {
			return errors.Wrap(err, "positioned write")
		}
		pad = pad[n:]
		consumed += extentBytes
		if len(pad) == 0 {
			break
		}
	}
	return nil
}

// fdPath returns the path bspatch should open to reach the same
// underlying file as f, since bspatch is an external process and cannot
// share f's open file descriptor directly.
func fdPath(f *os.File) string {
	return f.Name()
}
