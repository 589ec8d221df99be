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

import "encoding/binary"

// HeaderPrefixSize is the number of bytes needed to know how much more of
// the header remains: magic (4) + version (8) + manifest size (8).
const HeaderPrefixSize = 4 + 8 + 8

// HeaderSize returns the full fixed-header length for the given major
// version: HeaderPrefixSize, plus 4 more bytes for MetadataSignatureSize on
// MajorVersion2.
func HeaderSize(version uint64) int {
	if version == MajorVersion2 {
		return HeaderPrefixSize + 4
	}
	return HeaderPrefixSize
}

// MagicSize is the number of leading bytes that identify a CrAU payload,
// checkable before the rest of the fixed header has even arrived.
const MagicSize = 4

// CheckMagic validates just the leading MagicSize bytes of a payload, so a
// wrong-magic stream can be rejected without waiting for the rest of the
// fixed header to buffer. buf must be exactly MagicSize bytes.
func CheckMagic(buf []byte) error {
	if len(buf) != MagicSize || string(buf) != Magic {
		return ErrInvalidMagic
	}
	return nil
}

// ParseHeaderPrefix decodes the magic and version out of the first
// HeaderPrefixSize bytes of a payload, without yet knowing whether a
// MetadataSignatureSize field follows. buf must be exactly HeaderPrefixSize
// bytes.
func ParseHeaderPrefix(buf []byte) (version uint64, manifestSize uint64, err error) {
	if len(buf) != HeaderPrefixSize {
		return 0, 0, ErrInvalidMagic
	}
	if string(buf[:4]) != Magic {
		return 0, 0, ErrInvalidMagic
	}
	version = binary.BigEndian.Uint64(buf[4:12])
	if version != MajorVersion1 && version != MajorVersion2 {
		return version, 0, ErrInvalidVersion
	}
	manifestSize = binary.BigEndian.Uint64(buf[12:20])
	return version, manifestSize, nil
}

// ParseHeader decodes a complete fixed header. buf must be exactly
// HeaderSize(version) bytes, where version is the value encoded at buf[4:12].
func ParseHeader(buf []byte) (Header, error) {
	if len(buf) < HeaderPrefixSize {
		return Header{}, ErrInvalidMagic
	}
	version, manifestSize, err := ParseHeaderPrefix(buf[:HeaderPrefixSize])
	if err != nil {
		return Header{}, err
	}
	h := Header{Version: version, ManifestSize: manifestSize}
	if version == MajorVersion2 {
		if len(buf) != HeaderPrefixSize+4 {
			return Header{}, ErrInvalidMagic
		}
		h.MetadataSignatureSize = binary.BigEndian.Uint32(buf[HeaderPrefixSize:])
	}
	return h, nil
}

// AppendHeader serializes h in wire order, appending to buf.
func AppendHeader(buf []byte, h Header) []byte {
	buf = append(buf, Magic...)
	var tmp [8]byte
	binary.BigEndian.PutUint64(tmp[:], h.Version)
	buf = append(buf, tmp[:]...)
	binary.BigEndian.PutUint64(tmp[:], h.ManifestSize)
	buf = append(buf, tmp[:]...)
	if h.Version == MajorVersion2 {
		var tmp4 [4]byte
		binary.BigEndian.PutUint32(tmp4[:], h.MetadataSignatureSize)
		buf = append(buf, tmp4[:]...)
	}
	return buf
}
