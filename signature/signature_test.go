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

package signature

import (
	"crypto/sha256"
	"testing"

	"github.com/coreos/update-performer/metadata"
)

func mustDevKey(t *testing.T) (*PublicKey, *[]byte) {
	t.Helper()
	pub, err := ParsePublicKeyPEM([]byte(DevPublicKeyPEM))
	if err != nil {
		t.Fatalf("ParsePublicKeyPEM: %v", err)
	}
	return pub, nil
}

func TestVerifyRawHashRoundTrip(t *testing.T) {
	priv, err := parseDevPrivateKey()
	if err != nil {
		t.Fatal(err)
	}
	pub, _ := mustDevKey(t)

	sum := sha256.Sum256([]byte("payload bytes covered by the signature"))
	sig, err := signRawHash(priv, sum[:])
	if err != nil {
		t.Fatal(err)
	}

	if err := pub.VerifyRawHash(sum[:], sig); err != nil {
		t.Fatalf("VerifyRawHash: %v", err)
	}
}

func TestVerifyRawHashTamperedSignature(t *testing.T) {
	priv, err := parseDevPrivateKey()
	if err != nil {
		t.Fatal(err)
	}
	pub, _ := mustDevKey(t)

	sum := sha256.Sum256([]byte("some bytes"))
	sig, err := signRawHash(priv, sum[:])
	if err != nil {
		t.Fatal(err)
	}
	sig[0] ^= 0xff

	if err := pub.VerifyRawHash(sum[:], sig); err == nil {
		t.Error("expected verification failure for tampered signature")
	}
}

func TestVerifyRawHashWrongHash(t *testing.T) {
	priv, err := parseDevPrivateKey()
	if err != nil {
		t.Fatal(err)
	}
	pub, _ := mustDevKey(t)

	sum := sha256.Sum256([]byte("some bytes"))
	sig, err := signRawHash(priv, sum[:])
	if err != nil {
		t.Fatal(err)
	}

	other := sha256.Sum256([]byte("different bytes"))
	if err := pub.VerifyRawHash(other[:], sig); err == nil {
		t.Error("expected verification failure against mismatched hash")
	}
}

func TestVerifyRawHashRejectsShortHash(t *testing.T) {
	pub, _ := mustDevKey(t)
	if err := pub.VerifyRawHash([]byte{1, 2, 3}, make([]byte, 256)); err == nil {
		t.Error("expected error for non-32-byte hash")
	}
}

func TestVerifyPicksMatchingVersion(t *testing.T) {
	priv, err := parseDevPrivateKey()
	if err != nil {
		t.Fatal(err)
	}
	pub, _ := mustDevKey(t)

	sum := sha256.Sum256([]byte("manifest prefix bytes"))
	sig, err := signRawHash(priv, sum[:])
	if err != nil {
		t.Fatal(err)
	}

	sigs := &metadata.Signatures{Entries: []metadata.Signature{
		{Version: 0, Data: make([]byte, 256)}, // wrong version, garbage data
		{Version: CurrentVersion, Data: sig},
	}}

	if err := pub.Verify(sum[:], sigs); err != nil {
		t.Fatalf("Verify: %v", err)
	}
}

func TestVerifyNoMatchingVersion(t *testing.T) {
	pub, _ := mustDevKey(t)
	sigs := &metadata.Signatures{Entries: []metadata.Signature{
		{Version: 0, Data: make([]byte, 256)},
	}}
	sum := sha256.Sum256([]byte("x"))
	if err := pub.Verify(sum[:], sigs); err == nil {
		t.Error("expected error when no entry matches CurrentVersion")
	}
}

func TestKeySize(t *testing.T) {
	pub, _ := mustDevKey(t)
	if pub.Size() != 256 {
		t.Errorf("Size() = %d, want 256 (2048-bit key)", pub.Size())
	}
}
