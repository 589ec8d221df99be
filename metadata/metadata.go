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

// Package metadata defines the on-the-wire shapes of an update payload:
// the fixed header, the manifest describing install operations, and the
// signatures message. See update_metadata.proto for the wire schema; the
// codec in wire.go marshals/unmarshals it directly against
// google.golang.org/protobuf/encoding/protowire rather than through
// generated code, since the two messages here are small and stable enough
// not to need a protoc step.
package metadata

import "errors"

// Magic is the first four bytes of any update payload.
const Magic = "CrAU"

// Supported major payload versions. Version 2 adds the metadata signature
// size field to the header; version 1 omits it.
const (
	MajorVersion1 uint64 = 1
	MajorVersion2 uint64 = 2
)

// Minor version values named by the manifest.
const (
	MinorVersionFull  uint32 = 0
	MinorVersionDelta uint32 = 2
)

// KSparseHole is the sentinel StartBlock value standing for "logically
// zero, do not read" in a source extent list.
const KSparseHole uint64 = ^uint64(0)

var (
	ErrInvalidMagic   = errors.New("metadata: payload missing CrAU magic")
	ErrInvalidVersion = errors.New("metadata: unsupported major payload version")
)

// Header is the fixed-layout prefix of every payload. MetadataSignatureSize
// is only present (and only meaningful) for MajorVersion2.
type Header struct {
	Version               uint64
	ManifestSize          uint64
	MetadataSignatureSize uint32
}

// Extent is a contiguous run of blocks on a partition.
type Extent struct {
	StartBlock uint64
	NumBlocks  uint64
}

// IsSparseHole reports whether e is the "do not read, logically zero" hole
// sentinel.
func (e Extent) IsSparseHole() bool {
	return e.StartBlock == KSparseHole
}

// PartitionInfo names the expected size and whole-partition hash of a
// source or target partition.
type PartitionInfo struct {
	Size uint64
	Hash []byte
}

// OperationType enumerates the install operation kinds this performer
// understands. Values are chosen for this module and are not required to
// match any upstream wire encoding.
type OperationType int32

const (
	OpReplace OperationType = iota
	OpReplaceBZ
	OpMove
	OpSourceCopy
	OpBsdiff
	OpSourceBsdiff
)

func (t OperationType) String() string {
	switch t {
	case OpReplace:
		return "REPLACE"
	case OpReplaceBZ:
		return "REPLACE_BZ"
	case OpMove:
		return "MOVE"
	case OpSourceCopy:
		return "SOURCE_COPY"
	case OpBsdiff:
		return "BSDIFF"
	case OpSourceBsdiff:
		return "SOURCE_BSDIFF"
	default:
		return "UNKNOWN"
	}
}

// NeedsSourceFD reports whether executing the operation requires an open
// read-only handle on the source partition, as opposed to operating purely
// within the target partition (MOVE) or carrying no source extents at all
// (REPLACE/REPLACE_BZ).
func (t OperationType) NeedsSourceFD() bool {
	return t == OpSourceCopy || t == OpSourceBsdiff
}

// InstallOperation is one unit of partition mutation.
type InstallOperation struct {
	Type           OperationType
	DataOffset     uint64
	DataLength     uint64
	HasData        bool
	DataSha256Hash []byte
	SrcExtents     []Extent
	DstExtents     []Extent
	SrcLength      uint64
	HasSrcLength   bool
	DstLength      uint64
	HasDstLength   bool
}

// TotalBlocks sums the num_blocks field of an extent list.
func TotalBlocks(extents []Extent) uint64 {
	var n uint64
	for _, e := range extents {
		n += e.NumBlocks
	}
	return n
}

// TotalBytes returns TotalBlocks(extents) * blockSize.
func TotalBytes(extents []Extent, blockSize uint64) uint64 {
	return TotalBlocks(extents) * blockSize
}

// Manifest is the semantic content of the protobuf manifest embedded in a
// payload, per spec.md §3.2.
type Manifest struct {
	BlockSize               uint64
	MinorVersion            uint32
	InstallOperations       []*InstallOperation
	KernelInstallOperations []*InstallOperation

	OldRootfsInfo *PartitionInfo
	OldKernelInfo *PartitionInfo
	NewRootfsInfo *PartitionInfo
	NewKernelInfo *PartitionInfo

	SignaturesOffset uint64
	HasSignatures    bool
	SignaturesSize   uint64
}

// NumRootfsOperations is len(m.InstallOperations), broken out as a method so
// callers reason about "rootfs op count" the same way the performer's
// operation-selection logic does (spec.md §4.1 step 5).
func (m *Manifest) NumRootfsOperations() int {
	return len(m.InstallOperations)
}

// NumTotalOperations is the combined rootfs + kernel operation count.
func (m *Manifest) NumTotalOperations() int {
	return len(m.InstallOperations) + len(m.KernelInstallOperations)
}

// Signature is one versioned entry inside a Signatures message.
type Signature struct {
	Version uint32
	Data    []byte
}

// Signatures is the repeated-signature message covering either the
// metadata prefix or the whole signed payload, per spec.md §3.4.
type Signatures struct {
	Entries []Signature
}

// ForVersion returns the first entry whose Version matches, and whether one
// was found.
func (s *Signatures) ForVersion(version uint32) (Signature, bool) {
	for _, e := range s.Entries {
		if e.Version == version {
			return e, true
		}
	}
	return Signature{}, false
}
