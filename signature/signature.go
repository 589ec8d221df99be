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

// Package signature verifies the RSA-PKCS1v1.5 signatures carried by an
// update payload's metadata and trailing Signatures messages.
//
// The verification step is done with a raw, unpadded RSA public-key
// operation (signature^E mod N via math/big) rather than crypto/rsa's
// VerifyPKCS1v15, because the padding here is checked and stripped by
// hand so that the 32 raw hash bytes can be compared directly against a
// caller-supplied digest -- mirroring payload_verifier.cc's
// GetRawHashFromSignature/PadRSA2048SHA256Hash split instead of the
// all-in-one crypto/rsa verifier.
package signature

import (
	"bytes"
	"crypto/rsa"
	"crypto/subtle"
	"crypto/x509"
	"encoding/pem"
	"math/big"

	"github.com/coreos/pkg/capnslog"
	"github.com/pkg/errors"

	"github.com/coreos/update-performer/metadata"
)

var plog = capnslog.NewPackageLogger("github.com/coreos/update-performer", "signature")

// CurrentVersion is the Signatures entry version this verifier accepts.
// Matches payload_verifier.cc's kSignatureMessageCurrentVersion.
const CurrentVersion uint32 = 1

// rsa2048SHA256Padding is the standard PKCS1-v1.5 padding for a SHA-256
// digest signed with a 2048-bit RSA key, per RFC3447: 0x00 0x01, 202 bytes
// of 0xff, a 0x00 separator, then the 19-byte ASN.1 DigestInfo prefix for
// id-sha256 -- 224 bytes, leaving 32 for the digest in a 256-byte block.
var rsa2048SHA256Padding = append(
	append([]byte{0x00, 0x01}, bytes.Repeat([]byte{0xff}, 202)...),
	[]byte{
		0x00,
		0x30, 0x31, 0x30, 0x0d, 0x06, 0x09, 0x60, 0x86,
		0x48, 0x01, 0x65, 0x03, 0x04, 0x02, 0x01, 0x05,
		0x00, 0x04, 0x20,
	}...,
)

// PublicKey wraps the modulus and exponent needed to run the raw RSA
// public-key operation. It is constructed from a PEM-encoded SubjectPublicKeyInfo
// block by ParsePublicKeyPEM.
type PublicKey struct {
	n *big.Int
	e *big.Int

	// size is ceil(bitlen(n)/8), the RSA key size in bytes.
	size int
}

// ParsePublicKeyPEM decodes a PEM-encoded RSA public key, as produced by
// `openssl rsa -pubout`.
func ParsePublicKeyPEM(pemBytes []byte) (*PublicKey, error) {
	block, _ := pem.Decode(pemBytes)
	if block == nil {
		return nil, errors.New("signature: no PEM block found in public key")
	}
	pub, err := x509.ParsePKIXPublicKey(block.Bytes)
	if err != nil {
		return nil, errors.Wrap(err, "signature: parsing public key")
	}
	rsaPub, ok := pub.(*rsa.PublicKey)
	if !ok {
		return nil, errors.Errorf("signature: unexpected public key type %T", pub)
	}
	return fromRSA(rsaPub), nil
}

// fromRSA extracts the modulus and exponent crypto/x509 parsed out of a
// SubjectPublicKeyInfo block; everything past this point operates on raw
// math/big values rather than crypto/rsa so the padding can be checked by
// hand.
func fromRSA(pub *rsa.PublicKey) *PublicKey {
	return &PublicKey{
		n:    pub.N,
		e:    big.NewInt(int64(pub.E)),
		size: (pub.N.BitLen() + 7) / 8,
	}
}

// Size returns the RSA key size in bytes (256 for a 2048-bit key).
func (k *PublicKey) Size() int {
	return k.size
}

// rawDecrypt performs sig^E mod N with no padding interpretation, the
// equivalent of `openssl rsautl -verify -pubin -in sig` with RSA_NO_PADDING,
// per GetRawHashFromSignature in payload_verifier.cc.
func (k *PublicKey) rawDecrypt(sig []byte) ([]byte, error) {
	if len(sig) > 2*k.size {
		return nil, errors.New("signature: signature size too big for public key size")
	}
	c := new(big.Int).SetBytes(sig)
	if c.Cmp(k.n) >= 0 {
		return nil, errors.New("signature: signature representative out of range")
	}
	m := new(big.Int).Exp(c, k.e, k.n)
	out := m.Bytes()
	if len(out) > k.size {
		return nil, errors.New("signature: decrypted value longer than key size")
	}
	// left-pad to the full key size, matching RSA_public_decrypt's
	// fixed-width output buffer before the padding is stripped below.
	padded := make([]byte, k.size)
	copy(padded[k.size-len(out):], out)
	return padded, nil
}

// VerifyRawHash decrypts sig with k and checks that, once the fixed
// PKCS1-v1.5 + ASN.1-SHA256 padding is stripped, the remaining 32 bytes
// equal hash. hash must be a 32-byte SHA-256 digest.
func (k *PublicKey) VerifyRawHash(hash, sig []byte) error {
	if len(hash) != 32 {
		return errors.Errorf("signature: expected 32-byte hash, got %d", len(hash))
	}
	decrypted, err := k.rawDecrypt(sig)
	if err != nil {
		return err
	}
	want := append(append([]byte(nil), rsa2048SHA256Padding...), hash...)
	// rawDecrypt always returns exactly k.size bytes; only 2048-bit
	// (256-byte) keys are supported since the padding table above is
	// sized for them.
	if len(decrypted) != len(want) {
		return errors.Errorf("signature: padded hash length %d, want %d (only 2048-bit RSA keys are supported)", len(decrypted), len(want))
	}
	if subtle.ConstantTimeCompare(decrypted, want) != 1 {
		return errors.New("signature: padded hash mismatch")
	}
	return nil
}

// Verify picks the Signatures entry matching CurrentVersion and checks it
// against hash (a 32-byte SHA-256 digest). Only the first entry with that
// version is checked; it returns that entry's verification error, or an
// error if no entry carries CurrentVersion.
func (k *PublicKey) Verify(hash []byte, sigs *metadata.Signatures) error {
	entry, ok := sigs.ForVersion(CurrentVersion)
	if !ok {
		return errors.Errorf("signature: no v%d signature entry present", CurrentVersion)
	}
	if err := k.VerifyRawHash(hash, entry.Data); err != nil {
		plog.Debugf("Cannot verify v%d signature: %v", CurrentVersion, err)
		return err
	}
	plog.Infof("Verified v%d signature", CurrentVersion)
	return nil
}
