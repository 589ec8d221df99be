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

package metadata

import (
	"bytes"
	"testing"

	"github.com/kylelemons/godebug/pretty"
)

func TestHeaderRoundTripV1(t *testing.T) {
	h := Header{Version: MajorVersion1, ManifestSize: 1234}
	buf := AppendHeader(nil, h)
	if len(buf) != HeaderSize(MajorVersion1) {
		t.Fatalf("encoded length = %d, want %d", len(buf), HeaderSize(MajorVersion1))
	}
	got, err := ParseHeader(buf)
	if err != nil {
		t.Fatal(err)
	}
	if diff := pretty.Compare(h, got); diff != "" {
		t.Errorf("header mismatch (-want +got):\n%s", diff)
	}
}

func TestHeaderRoundTripV2(t *testing.T) {
	h := Header{Version: MajorVersion2, ManifestSize: 99999, MetadataSignatureSize: 256}
	buf := AppendHeader(nil, h)
	if len(buf) != HeaderSize(MajorVersion2) {
		t.Fatalf("encoded length = %d, want %d", len(buf), HeaderSize(MajorVersion2))
	}
	got, err := ParseHeader(buf)
	if err != nil {
		t.Fatal(err)
	}
	if diff := pretty.Compare(h, got); diff != "" {
		t.Errorf("header mismatch (-want +got):\n%s", diff)
	}
}

func TestParseHeaderPrefixBadMagic(t *testing.T) {
	buf := AppendHeader(nil, Header{Version: MajorVersion1})
	buf[0] = 'X'
	if _, _, err := ParseHeaderPrefix(buf[:HeaderPrefixSize]); err != ErrInvalidMagic {
		t.Errorf("err = %v, want ErrInvalidMagic", err)
	}
}

func TestParseHeaderPrefixBadVersion(t *testing.T) {
	buf := AppendHeader(nil, Header{Version: 99, ManifestSize: 1})
	if _, _, err := ParseHeaderPrefix(buf[:HeaderPrefixSize]); err != ErrInvalidVersion {
		t.Errorf("err = %v, want ErrInvalidVersion", err)
	}
}

func TestExtentRoundTrip(t *testing.T) {
	want := Extent{StartBlock: 42, NumBlocks: 7}
	buf := marshalExtent(want)
	got, err := unmarshalExtent(buf)
	if err != nil {
		t.Fatal(err)
	}
	if got != want {
		t.Errorf("extent = %+v, want %+v", got, want)
	}
}

func TestSparseHole(t *testing.T) {
	e := Extent{StartBlock: KSparseHole, NumBlocks: 10}
	if !e.IsSparseHole() {
		t.Error("expected sparse hole extent")
	}
	if (Extent{StartBlock: 0, NumBlocks: 10}).IsSparseHole() {
		t.Error("zero start block must not be a sparse hole")
	}
}

func TestManifestRoundTrip(t *testing.T) {
	want := &Manifest{
		BlockSize:    4096,
		MinorVersion: MinorVersionDelta,
		InstallOperations: []*InstallOperation{
			{
				Type:           OpSourceBsdiff,
				DataOffset:     0,
				DataLength:     128,
				HasData:        true,
				DataSha256Hash: []byte{1, 2, 3, 4},
				SrcExtents:     []Extent{{StartBlock: 0, NumBlocks: 2}},
				DstExtents:     []Extent{{StartBlock: 5, NumBlocks: 2}},
				SrcLength:      8192,
				HasSrcLength:   true,
				DstLength:      8192,
				HasDstLength:   true,
			},
			{
				Type: OpMove,
				SrcExtents: []Extent{
					{StartBlock: KSparseHole, NumBlocks: 1},
					{StartBlock: 9, NumBlocks: 1},
				},
				DstExtents: []Extent{{StartBlock: 10, NumBlocks: 2}},
			},
		},
		KernelInstallOperations: []*InstallOperation{
			{Type: OpReplace, DataOffset: 128, DataLength: 64, HasData: true, DstExtents: []Extent{{StartBlock: 0, NumBlocks: 1}}},
		},
		OldRootfsInfo: &PartitionInfo{Size: 1 << 20, Hash: []byte{0xaa, 0xbb}},
		NewRootfsInfo: &PartitionInfo{Size: 1 << 20, Hash: []byte{0xcc, 0xdd}},
		NewKernelInfo: &PartitionInfo{Size: 1 << 16, Hash: []byte{0xee}},

		SignaturesOffset: 4096,
		HasSignatures:    true,
		SignaturesSize:   256,
	}

	buf := MarshalManifest(want)
	got, err := UnmarshalManifest(buf)
	if err != nil {
		t.Fatal(err)
	}
	if diff := pretty.Compare(want, got); diff != "" {
		t.Errorf("manifest mismatch (-want +got):\n%s", diff)
	}
}

func TestManifestUnknownFieldSkipped(t *testing.T) {
	want := &Manifest{BlockSize: 4096, MinorVersion: MinorVersionFull}
	buf := MarshalManifest(want)

	// Append a bogus field (number 99, varint) after the real ones; a
	// forward-compatible decoder should ignore it rather than error.
	buf = appendUnknownVarintField(buf, 99, 7)

	got, err := UnmarshalManifest(buf)
	if err != nil {
		t.Fatal(err)
	}
	if got.BlockSize != want.BlockSize || got.MinorVersion != want.MinorVersion {
		t.Errorf("manifest = %+v, want %+v", got, want)
	}
}

func TestSignaturesRoundTrip(t *testing.T) {
	want := &Signatures{Entries: []Signature{
		{Version: 1, Data: bytes.Repeat([]byte{0x42}, 256)},
		{Version: 2, Data: bytes.Repeat([]byte{0x43}, 256)},
	}}
	buf := MarshalSignatures(want)
	got, err := UnmarshalSignatures(buf)
	if err != nil {
		t.Fatal(err)
	}
	if diff := pretty.Compare(want, got); diff != "" {
		t.Errorf("signatures mismatch (-want +got):\n%s", diff)
	}

	sig, ok := got.ForVersion(2)
	if !ok || sig.Version != 2 {
		t.Errorf("ForVersion(2) = %+v, %v", sig, ok)
	}
	if _, ok := got.ForVersion(99); ok {
		t.Error("ForVersion(99) unexpectedly found")
	}
}

func TestTotalBlocksAndBytes(t *testing.T) {
	extents := []Extent{{StartBlock: 0, NumBlocks: 3}, {StartBlock: 10, NumBlocks: 5}}
	if got := TotalBlocks(extents); got != 8 {
		t.Errorf("TotalBlocks = %d, want 8", got)
	}
	if got := TotalBytes(extents, 4096); got != 8*4096 {
		t.Errorf("TotalBytes = %d, want %d", got, 8*4096)
	}
}

func TestOperationTypeNeedsSourceFD(t *testing.T) {
	cases := map[OperationType]bool{
		OpReplace:      false,
		OpReplaceBZ:    false,
		OpMove:         false,
		OpSourceCopy:   true,
		OpBsdiff:       false,
		OpSourceBsdiff: true,
	}
	for typ, want := range cases {
		if got := typ.NeedsSourceFD(); got != want {
			t.Errorf("%s.NeedsSourceFD() = %v, want %v", typ, got, want)
		}
	}
}

func appendUnknownVarintField(buf []byte, field int32, value uint64) []byte {
	// Minimal raw varint-field writer for the unknown-field test above;
	// deliberately independent of the protowire helpers under test.
	tag := uint64(field)<<3 | 0 // wire type 0 = varint
	buf = appendVarintRaw(buf, tag)
	return appendVarintRaw(buf, value)
}

func appendVarintRaw(buf []byte, v uint64) []byte {
	for v >= 0x80 {
		buf = append(buf, byte(v)|0x80)
		v >>= 7
	}
	return append(buf, byte(v))
}
