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
	"fmt"

	"google.golang.org/protobuf/encoding/protowire"
)

// Field numbers, matching update_metadata.proto.
const (
	fieldExtentStartBlock = 1
	fieldExtentNumBlocks  = 2

	fieldPartitionInfoSize = 1
	fieldPartitionInfoHash = 2

	fieldOpType           = 1
	fieldOpDataOffset      = 2
	fieldOpDataLength      = 3
	fieldOpDataSha256Hash  = 4
	fieldOpSrcExtents      = 5
	fieldOpSrcLength       = 6
	fieldOpDstExtents      = 7
	fieldOpDstLength       = 8

	fieldManifestBlockSize               = 1
	fieldManifestMinorVersion            = 2
	fieldManifestInstallOperations       = 3
	fieldManifestKernelInstallOperations = 4
	fieldManifestOldKernelInfo           = 5
	fieldManifestOldRootfsInfo           = 6
	fieldManifestNewKernelInfo           = 7
	fieldManifestNewRootfsInfo           = 8
	fieldManifestSignaturesOffset        = 9
	fieldManifestSignaturesSize          = 10

	fieldSignatureVersion = 1
	fieldSignatureData    = 2
	fieldSignaturesList   = 1
)

func appendExtent(b []byte, e Extent) []byte {
	b = protowire.AppendTag(b, fieldExtentStartBlock, protowire.VarintType)
	b = protowire.AppendVarint(b, e.StartBlock)
	b = protowire.AppendTag(b, fieldExtentNumBlocks, protowire.VarintType)
	b = protowire.AppendVarint(b, e.NumBlocks)
	return b
}

func marshalExtent(e Extent) []byte {
	return appendExtent(nil, e)
}

func unmarshalExtent(buf []byte) (Extent, error) {
	var e Extent
	for len(buf) > 0 {
		num, typ, n := protowire.ConsumeTag(buf)
		if n < 0 {
			return e, protowire.ParseError(n)
		}
		buf = buf[n:]
		switch num {
		case fieldExtentStartBlock:
			v, n := protowire.ConsumeVarint(buf)
			if n < 0 {
				return e, protowire.ParseError(n)
			}
			e.StartBlock = v
			buf = buf[n:]
		case fieldExtentNumBlocks:
			v, n := protowire.ConsumeVarint(buf)
			if n < 0 {
				return e, protowire.ParseError(n)
			}
			e.NumBlocks = v
			buf = buf[n:]
		default:
			n := protowire.ConsumeFieldValue(num, typ, buf)
			if n < 0 {
				return e, protowire.ParseError(n)
			}
			buf = buf[n:]
		}
	}
	return e, nil
}

func appendPartitionInfo(b []byte, p *PartitionInfo) []byte {
	if p == nil {
		return b
	}
	b = protowire.AppendTag(b, fieldPartitionInfoSize, protowire.VarintType)
	b = protowire.AppendVarint(b, p.Size)
	if len(p.Hash) > 0 {
		b = protowire.AppendTag(b, fieldPartitionInfoHash, protowire.BytesType)
		b = protowire.AppendBytes(b, p.Hash)
	}
	return b
}

func unmarshalPartitionInfo(buf []byte) (*PartitionInfo, error) {
	p := &PartitionInfo{}
	for len(buf) > 0 {
		num, typ, n := protowire.ConsumeTag(buf)
		if n < 0 {
			return nil, protowire.ParseError(n)
		}
		buf = buf[n:]
		switch num {
		case fieldPartitionInfoSize:
			v, n := protowire.ConsumeVarint(buf)
			if n < 0 {
				return nil, protowire.ParseError(n)
			}
			p.Size = v
			buf = buf[n:]
		case fieldPartitionInfoHash:
			v, n := protowire.ConsumeBytes(buf)
			if n < 0 {
				return nil, protowire.ParseError(n)
			}
			p.Hash = append([]byte(nil), v...)
			buf = buf[n:]
		default:
			n := protowire.ConsumeFieldValue(num, typ, buf)
			if n < 0 {
				return nil, protowire.ParseError(n)
			}
			buf = buf[n:]
		}
	}
	return p, nil
}

func appendInstallOperation(b []byte, op *InstallOperation) []byte {
	b = protowire.AppendTag(b, fieldOpType, protowire.VarintType)
	b = protowire.AppendVarint(b, uint64(op.Type))
	if op.HasData {
		b = protowire.AppendTag(b, fieldOpDataOffset, protowire.VarintType)
		b = protowire.AppendVarint(b, op.DataOffset)
		b = protowire.AppendTag(b, fieldOpDataLength, protowire.VarintType)
		b = protowire.AppendVarint(b, op.DataLength)
	}
	if len(op.DataSha256Hash) > 0 {
		b = protowire.AppendTag(b, fieldOpDataSha256Hash, protowire.BytesType)
		b = protowire.AppendBytes(b, op.DataSha256Hash)
	}
	for _, e := range op.SrcExtents {
		b = protowire.AppendTag(b, fieldOpSrcExtents, protowire.BytesType)
		b = protowire.AppendBytes(b, marshalExtent(e))
	}
	if op.HasSrcLength {
		b = protowire.AppendTag(b, fieldOpSrcLength, protowire.VarintType)
		b = protowire.AppendVarint(b, op.SrcLength)
	}
	for _, e := range op.DstExtents {
		b = protowire.AppendTag(b, fieldOpDstExtents, protowire.BytesType)
		b = protowire.AppendBytes(b, marshalExtent(e))
	}
	if op.HasDstLength {
		b = protowire.AppendTag(b, fieldOpDstLength, protowire.VarintType)
		b = protowire.AppendVarint(b, op.DstLength)
	}
	return b
}

func unmarshalInstallOperation(buf []byte) (*InstallOperation, error) {
	op := &InstallOperation{}
	for len(buf) > 0 {
		num, typ, n := protowire.ConsumeTag(buf)
		if n < 0 {
			return nil, protowire.ParseError(n)
		}
		buf = buf[n:]
		switch num {
		case fieldOpType:
			v, n := protowire.ConsumeVarint(buf)
			if n < 0 {
				return nil, protowire.ParseError(n)
			}
			op.Type = OperationType(v)
			buf = buf[n:]
		case fieldOpDataOffset:
			v, n := protowire.ConsumeVarint(buf)
			if n < 0 {
				return nil, protowire.ParseError(n)
			}
			op.DataOffset = v
			op.HasData = true
			buf = buf[n:]
		case fieldOpDataLength:
			v, n := protowire.ConsumeVarint(buf)
			if n < 0 {
				return nil, protowire.ParseError(n)
			}
			op.DataLength = v
			op.HasData = true
			buf = buf[n:]
		case fieldOpDataSha256Hash:
			v, n := protowire.ConsumeBytes(buf)
			if n < 0 {
				return nil, protowire.ParseError(n)
			}
			op.DataSha256Hash = append([]byte(nil), v...)
			buf = buf[n:]
		case fieldOpSrcExtents:
			v, n := protowire.ConsumeBytes(buf)
			if n < 0 {
				return nil, protowire.ParseError(n)
			}
			e, err := unmarshalExtent(v)
			if err != nil {
				return nil, err
			}
			op.SrcExtents = append(op.SrcExtents, e)
			buf = buf[n:]
		case fieldOpSrcLength:
			v, n := protowire.ConsumeVarint(buf)
			if n < 0 {
				return nil, protowire.ParseError(n)
			}
			op.SrcLength = v
			op.HasSrcLength = true
			buf = buf[n:]
		case fieldOpDstExtents:
			v, n := protowire.ConsumeBytes(buf)
			if n < 0 {
				return nil, protowire.ParseError(n)
			}
			e, err := unmarshalExtent(v)
			if err != nil {
				return nil, err
			}
			op.DstExtents = append(op.DstExtents, e)
			buf = buf[n:]
		case fieldOpDstLength:
			v, n := protowire.ConsumeVarint(buf)
			if n < 0 {
				return nil, protowire.ParseError(n)
			}
			op.DstLength = v
			op.HasDstLength = true
			buf = buf[n:]
		default:
			n := protowire.ConsumeFieldValue(num, typ, buf)
			if n < 0 {
				return nil, protowire.ParseError(n)
			}
			buf = buf[n:]
		}
	}
	return op, nil
}

// MarshalManifest encodes m to its protobuf wire representation.
func MarshalManifest(m *Manifest) []byte {
	var b []byte
	b = protowire.AppendTag(b, fieldManifestBlockSize, protowire.VarintType)
	b = protowire.AppendVarint(b, m.BlockSize)
	b = protowire.AppendTag(b, fieldManifestMinorVersion, protowire.VarintType)
	b = protowire.AppendVarint(b, uint64(m.MinorVersion))
	for _, op := range m.InstallOperations {
		b = protowire.AppendTag(b, fieldManifestInstallOperations, protowire.BytesType)
		b = protowire.AppendBytes(b, appendInstallOperation(nil, op))
	}
	for _, op := range m.KernelInstallOperations {
		b = protowire.AppendTag(b, fieldManifestKernelInstallOperations, protowire.BytesType)
		b = protowire.AppendBytes(b, appendInstallOperation(nil, op))
	}
	if m.OldKernelInfo != nil {
		b = protowire.AppendTag(b, fieldManifestOldKernelInfo, protowire.BytesType)
		b = protowire.AppendBytes(b, appendPartitionInfo(nil, m.OldKernelInfo))
	}
	if m.OldRootfsInfo != nil {
		b = protowire.AppendTag(b, fieldManifestOldRootfsInfo, protowire.BytesType)
		b = protowire.AppendBytes(b, appendPartitionInfo(nil, m.OldRootfsInfo))
	}
	if m.NewKernelInfo != nil {
		b = protowire.AppendTag(b, fieldManifestNewKernelInfo, protowire.BytesType)
		b = protowire.AppendBytes(b, appendPartitionInfo(nil, m.NewKernelInfo))
	}
	if m.NewRootfsInfo != nil {
		b = protowire.AppendTag(b, fieldManifestNewRootfsInfo, protowire.BytesType)
		b = protowire.AppendBytes(b, appendPartitionInfo(nil, m.NewRootfsInfo))
	}
	if m.HasSignatures {
		b = protowire.AppendTag(b, fieldManifestSignaturesOffset, protowire.VarintType)
		b = protowire.AppendVarint(b, m.SignaturesOffset)
		b = protowire.AppendTag(b, fieldManifestSignaturesSize, protowire.VarintType)
		b = protowire.AppendVarint(b, m.SignaturesSize)
	}
	return b
}

// UnmarshalManifest decodes buf into a Manifest.
func UnmarshalManifest(buf []byte) (*Manifest, error) {
	m := &Manifest{}
	for len(buf) > 0 {
		num, typ, n := protowire.ConsumeTag(buf)
		if n < 0 {
			return nil, fmt.Errorf("metadata: manifest: %w", protowire.ParseError(n))
		}
		buf = buf[n:]
		switch num {
		case fieldManifestBlockSize:
			v, n := protowire.ConsumeVarint(buf)
			if n < 0 {
				return nil, protowire.ParseError(n)
			}
			m.BlockSize = v
			buf = buf[n:]
		case fieldManifestMinorVersion:
			v, n := protowire.ConsumeVarint(buf)
			if n < 0 {
				return nil, protowire.ParseError(n)
			}
			m.MinorVersion = uint32(v)
			buf = buf[n:]
		case fieldManifestInstallOperations:
			v, n := protowire.ConsumeBytes(buf)
			if n < 0 {
				return nil, protowire.ParseError(n)
			}
			op, err := unmarshalInstallOperation(v)
			if err != nil {
				return nil, err
			}
			m.InstallOperations = append(m.InstallOperations, op)
			buf = buf[n:]
		case fieldManifestKernelInstallOperations:
			v, n := protowire.ConsumeBytes(buf)
			if n < 0 {
				return nil, protowire.ParseError(n)
			}
			op, err := unmarshalInstallOperation(v)
			if err != nil {
				return nil, err
			}
			m.KernelInstallOperations = append(m.KernelInstallOperations, op)
			buf = buf[n:]
		case fieldManifestOldKernelInfo:
			v, n := protowire.ConsumeBytes(buf)
			if n < 0 {
				return nil, protowire.ParseError(n)
			}
			p, err := unmarshalPartitionInfo(v)
			if err != nil {
				return nil, err
			}
			m.OldKernelInfo = p
			buf = buf[n:]
		case fieldManifestOldRootfsInfo:
			v, n := protowire.ConsumeBytes(buf)
			if n < 0 {
				return nil, protowire.ParseError(n)
			}
			p, err := unmarshalPartitionInfo(v)
			if err != nil {
				return nil, err
			}
			m.OldRootfsInfo = p
			buf = buf[n:]
		case fieldManifestNewKernelInfo:
			v, n := protowire.ConsumeBytes(buf)
			if n < 0 {
				return nil, protowire.ParseError(n)
			}
			p, err := unmarshalPartitionInfo(v)
			if err != nil {
				return nil, err
			}
			m.NewKernelInfo = p
			buf = buf[n:]
		case fieldManifestNewRootfsInfo:
			v, n := protowire.ConsumeBytes(buf)
			if n < 0 {
				return nil, protowire.ParseError(n)
			}
			p, err := unmarshalPartitionInfo(v)
			if err != nil {
				return nil, err
			}
			m.NewRootfsInfo = p
			buf = buf[n:]
		case fieldManifestSignaturesOffset:
			v, n := protowire.ConsumeVarint(buf)
			if n < 0 {
				return nil, protowire.ParseError(n)
			}
			m.SignaturesOffset = v
			m.HasSignatures = true
			buf = buf[n:]
		case fieldManifestSignaturesSize:
			v, n := protowire.ConsumeVarint(buf)
			if n < 0 {
				return nil, protowire.ParseError(n)
			}
			m.SignaturesSize = v
			m.HasSignatures = true
			buf = buf[n:]
		default:
			n := protowire.ConsumeFieldValue(num, typ, buf)
			if n < 0 {
				return nil, protowire.ParseError(n)
			}
			buf = buf[n:]
		}
	}
	return m, nil
}

// MarshalSignatures encodes s to its protobuf wire representation.
func MarshalSignatures(s *Signatures) []byte {
	var b []byte
	for _, e := range s.Entries {
		var entry []byte
		entry = protowire.AppendTag(entry, fieldSignatureVersion, protowire.VarintType)
		entry = protowire.AppendVarint(entry, uint64(e.Version))
		entry = protowire.AppendTag(entry, fieldSignatureData, protowire.BytesType)
		entry = protowire.AppendBytes(entry, e.Data)

		b = protowire.AppendTag(b, fieldSignaturesList, protowire.BytesType)
		b = protowire.AppendBytes(b, entry)
	}
	return b
}

// UnmarshalSignatures decodes buf into a Signatures message.
func UnmarshalSignatures(buf []byte) (*Signatures, error) {
	s := &Signatures{}
	for len(buf) > 0 {
		num, typ, n := protowire.ConsumeTag(buf)
		if n < 0 {
			return nil, protowire.ParseError(n)
		}
		buf = buf[n:]
		switch num {
		case fieldSignaturesList:
			v, n := protowire.ConsumeBytes(buf)
			if n < 0 {
				return nil, protowire.ParseError(n)
			}
			sig, err := unmarshalSignatureEntry(v)
			if err != nil {
				return nil, err
			}
			s.Entries = append(s.Entries, sig)
			buf = buf[n:]
		default:
			n := protowire.ConsumeFieldValue(num, typ, buf)
			if n < 0 {
				return nil, protowire.ParseError(n)
			}
			buf = buf[n:]
		}
	}
	return s, nil
}

func unmarshalSignatureEntry(buf []byte) (Signature, error) {
	var sig Signature
	for len(buf) > 0 {
		num, typ, n := protowire.ConsumeTag(buf)
		if n < 0 {
			return sig, protowire.ParseError(n)
		}
		buf = buf[n:]
		switch num {
		case fieldSignatureVersion:
			v, n := protowire.ConsumeVarint(buf)
			if n < 0 {
				return sig, protowire.ParseError(n)
			}
			sig.Version = uint32(v)
			buf = buf[n:]
		case fieldSignatureData:
			v, n := protowire.ConsumeBytes(buf)
			if n < 0 {
				return sig, protowire.ParseError(n)
			}
			sig.Data = append([]byte(nil), v...)
			buf = buf[n:]
		default:
			n := protowire.ConsumeFieldValue(num, typ, buf)
			if n < 0 {
				return sig, protowire.ParseError(n)
			}
			buf = buf[n:]
		}
	}
	return sig, nil
}
