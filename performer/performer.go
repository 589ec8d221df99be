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

// Package performer implements the streaming A/B update payload applier:
// a CrAU-format parser and block-device writer that consumes a payload in
// arbitrarily-sized chunks, verifies every hash and signature the format
// carries, and checkpoints enough state to resume after a restart.
package performer

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/base64"
	"os"

	"github.com/coreos/pkg/capnslog"
	"github.com/pkg/errors"

	"github.com/coreos/update-performer/hashctx"
	"github.com/coreos/update-performer/installplan"
	"github.com/coreos/update-performer/metadata"
	"github.com/coreos/update-performer/prefs"
	"github.com/coreos/update-performer/signature"
)

var plog = capnslog.NewPackageLogger("github.com/coreos/update-performer", "performer")

// state is the performer's position in the streaming state machine
// described by spec.md §4.1.
type state int

const (
	stateAwaitingHeaderPrefix state = iota
	stateAwaitingHeaderRest
	stateAwaitingManifest
	stateAwaitingMetadataSignature
	stateApplyingOperations
	stateDone
	stateFailed
)

// flatOp pairs an install operation with which partition pair it targets,
// so rootfs and kernel operations can be walked as one ordered sequence
// while resume bookkeeping (NextOperation) stays a single counter.
type flatOp struct {
	op       *metadata.InstallOperation
	isKernel bool
}

// Performer applies one update payload to a pair of target partitions,
// streaming bytes in via Write and checkpointing progress to a prefs.Store
// as it goes.
type Performer struct {
	plan  *installplan.Plan
	store prefs.Store

	pubKey *signature.PublicKey

	rootfsTarget, rootfsSource *os.File
	kernelTarget, kernelSource *os.File

	shouldCancel func() bool
	progress     *progressTracker

	st  state
	buf []byte

	header       metadata.Header
	headerParsed bool
	magicChecked bool

	manifest     *metadata.Manifest
	manifestRaw  []byte
	metadataSize uint64 // header + manifest, the offset data blobs start at

	ops    []flatOp
	nextOp int
	// skipExecutionBelow is set by primeResumeState on a resumed attempt:
	// operations with index < skipExecutionBelow are hash-checked like any
	// other but not re-applied to disk, since a prior attempt already
	// wrote them.
	skipExecutionBelow int

	bufferOffset uint64 // total bytes ever handed to Write

	payloadHash    *hashctx.Context
	signedHash     []byte // frozen Save() state, once the signature operation is reached
	signatureBlob  []byte
	lastCheckpoint uint64

	payloadID string
	resumed   bool
}

// NewPerformer builds a Performer bound to plan and store. shouldCancel,
// if non-nil, is polled between operations so a caller can cooperatively
// abort a long-running apply. payloadID identifies this payload for
// resume-state bookkeeping (spec.md §3.5); it is typically plan.PayloadID.
func NewPerformer(plan *installplan.Plan, store prefs.Store, payloadID string, shouldCancel func() bool) *Performer {
	return &Performer{
		plan:         plan,
		store:        store,
		payloadID:    payloadID,
		shouldCancel: shouldCancel,
		payloadHash:  hashctx.New(),
	}
}

// SetProgressFunc installs a progress callback. Must be called before the
// first Write to take effect on early progress reports.
func (p *Performer) SetProgressFunc(fn ProgressFunc) {
	p.progress = newProgressTracker(fn)
}

// Open opens the target (and, for a delta update, source) partition files
// named in the install plan, and resolves the public key that will verify
// this payload's signatures.
func (p *Performer) Open() error {
	var err error
	p.rootfsTarget, err = os.OpenFile(p.plan.TargetRootfsPath, os.O_RDWR, 0)
	if err != nil {
		return errors.Wrap(err, "performer: opening target rootfs")
	}
	p.kernelTarget, err = os.OpenFile(p.plan.TargetKernelPath, os.O_RDWR, 0)
	if err != nil {
		return errors.Wrap(err, "performer: opening target kernel")
	}

	if !p.plan.IsFullUpdate {
		p.rootfsSource, err = os.Open(p.plan.SourceRootfsPath)
		if err != nil {
			return errors.Wrap(err, "performer: opening source rootfs")
		}
		p.kernelSource, err = os.Open(p.plan.SourceKernelPath)
		if err != nil {
			return errors.Wrap(err, "performer: opening source kernel")
		}
	}

	p.pubKey, err = p.resolvePublicKey()
	if err != nil {
		return errors.Wrap(err, "performer: resolving public key")
	}

	return nil
}

// resolvePublicKey implements spec.md §4.3 step 2: an official build only
// ever trusts the key installed at PublicKeyPath; a non-official build
// (a dev/test image) may additionally honor a plan-supplied override.
func (p *Performer) resolvePublicKey() (*signature.PublicKey, error) {
	if !p.plan.IsOfficialBuild && p.plan.PublicKeyRSA != "" {
		der, err := base64.StdEncoding.DecodeString(p.plan.PublicKeyRSA)
		if err != nil {
			return nil, errors.Wrap(err, "decoding install-plan public_key_rsa")
		}
		return signature.ParsePublicKeyPEM(der)
	}
	if p.plan.PublicKeyPath == "" {
		return nil, nil
	}
	pemBytes, err := os.ReadFile(p.plan.PublicKeyPath)
	if err != nil {
		return nil, errors.Wrapf(err, "reading %s", p.plan.PublicKeyPath)
	}
	return signature.ParsePublicKeyPEM(pemBytes)
}

// Close releases the partition file handles and returns an update_engine
// style exit code: 0 on success, 1 otherwise. Callers that want the typed
// ErrorKind from a failed Write/VerifyPayload should retain that error
// directly rather than rely on Close's return value.
func (p *Performer) Close() int {
	code := 0
	for _, f := range []*os.File{p.rootfsTarget, p.kernelTarget, p.rootfsSource, p.kernelSource} {
		if f == nil {
			continue
		}
		if err := f.Close(); err != nil {
			plog.Errorf("closing %s: %v", f.Name(), err)
			code = 1
		}
	}
	if p.st == stateFailed {
		code = 1
	}
	return code
}

// IsHeaderParsed reports whether the fixed-size header has been fully
// decoded yet.
func (p *Performer) IsHeaderParsed() bool { return p.headerParsed }

// IsManifestValid reports whether the manifest has been parsed and passed
// validateManifest.
func (p *Performer) IsManifestValid() bool { return p.manifest != nil }

// Resumed reports whether this apply picked up from a prior attempt's
// checkpoint rather than starting fresh.
func (p *Performer) Resumed() bool { return p.resumed }

// GetManifest returns the parsed manifest, or nil before it is available.
func (p *Performer) GetManifest() *metadata.Manifest { return p.manifest }

// GetMinorVersion returns the manifest's minor_version, or 0 before the
// manifest is parsed.
func (p *Performer) GetMinorVersion() uint32 {
	if p.manifest == nil {
		return 0
	}
	return p.manifest.MinorVersion
}

// GetMetadataSize returns the byte offset at which operation data blobs
// begin: the fixed header plus the manifest protobuf.
func (p *Performer) GetMetadataSize() uint64 { return p.metadataSize }

// ManifestOffset returns the byte offset the manifest protobuf starts at,
// i.e. the end of the fixed header.
func (p *Performer) ManifestOffset() uint64 {
	return uint64(metadata.HeaderSize(p.header.Version))
}

// MetadataSignatureSizeOffset returns the byte offset of the
// MetadataSignatureSize field within the fixed header (only meaningful
// for MajorVersion2).
func (p *Performer) MetadataSignatureSizeOffset() uint64 {
	return metadata.HeaderPrefixSize
}

// Write feeds the next chunk of payload bytes into the state machine. It
// returns true once every operation has been applied and no further bytes
// are expected. data may be any length, including zero.
func (p *Performer) Write(ctx context.Context, data []byte) (bool, error) {
	if p.st == stateDone {
		return true, nil
	}
	if p.st == stateFailed {
		return false, errors.New("performer: Write called after a failed apply")
	}

	p.buf = append(p.buf, data...)
	p.payloadHash.Write(data)
	p.bufferOffset += uint64(len(data))

	for {
		progressed, done, err := p.step(ctx)
		if err != nil {
			p.st = stateFailed
			return false, err
		}
		if done {
			p.st = stateDone
			return true, nil
		}
		if !progressed {
			return false, nil
		}
	}
}

// step attempts to advance the state machine exactly once using whatever
// is already buffered, returning progressed=false when more bytes are
// needed before anything further can happen.
func (p *Performer) step(ctx context.Context) (progressed bool, done bool, err error) {
	switch p.st {
	case stateAwaitingHeaderPrefix:
		if len(p.buf) >= metadata.MagicSize && !p.magicChecked {
			if merr := metadata.CheckMagic(p.buf[:metadata.MagicSize]); merr != nil {
				return false, false, wrapErr(ErrDownloadInvalidMetadataMagicString, merr)
			}
			p.magicChecked = true
		}
		if uint64(len(p.buf)) < metadata.HeaderPrefixSize {
			return false, false, nil
		}
		version, manifestSize, perr := metadata.ParseHeaderPrefix(p.buf[:metadata.HeaderPrefixSize])
		if perr != nil {
			if errors.Is(perr, metadata.ErrInvalidMagic) {
				return false, false, wrapErr(ErrDownloadInvalidMetadataMagicString, perr)
			}
			return false, false, wrapErr(ErrUnsupportedMajorPayloadVersion, perr)
		}
		p.header.Version = version
		p.header.ManifestSize = manifestSize
		if version == metadata.MajorVersion1 {
			p.buf = p.buf[metadata.HeaderPrefixSize:]
			p.headerParsed = true
			p.st = stateAwaitingManifest
		} else {
			p.st = stateAwaitingHeaderRest
		}
		return true, false, nil

	case stateAwaitingHeaderRest:
		need := metadata.HeaderSize(p.header.Version)
		if len(p.buf) < need {
			return false, false, nil
		}
		h, perr := metadata.ParseHeader(p.buf[:need])
		if perr != nil {
			return false, false, wrapErr(ErrDownloadInvalidMetadataSize, perr)
		}
		p.header = h
		p.buf = p.buf[need:]
		p.headerParsed = true
		p.st = stateAwaitingManifest
		return true, false, nil

	case stateAwaitingManifest:
		if uint64(len(p.buf)) < p.header.ManifestSize {
			return false, false, nil
		}
		raw := p.buf[:p.header.ManifestSize]
		p.buf = p.buf[p.header.ManifestSize:]

		m, perr := metadata.UnmarshalManifest(raw)
		if perr != nil {
			return false, false, wrapErr(ErrDownloadManifestParseError, perr)
		}
		if verr := validateManifest(m, p.plan.IsFullUpdate); verr != nil {
			return false, false, verr
		}
		p.manifest = m
		p.manifestRaw = append([]byte(nil), raw...)
		p.metadataSize = p.ManifestOffset() + p.header.ManifestSize
		p.ops = flattenOps(m)

		if err := p.primeResumeState(); err != nil {
			plog.Errorf("priming resume state: %v", err)
		}
		if !p.resumed {
			if verr := p.verifySourcePartitions(); verr != nil {
				return false, false, verr
			}
		}

		if p.header.Version == metadata.MajorVersion2 && p.header.MetadataSignatureSize > 0 {
			p.st = stateAwaitingMetadataSignature
		} else {
			p.st = stateApplyingOperations
		}
		return true, false, nil

	case stateAwaitingMetadataSignature:
		size := uint64(p.header.MetadataSignatureSize)
		if uint64(len(p.buf)) < size {
			return false, false, nil
		}
		sigBytes := p.buf[:size]
		p.buf = p.buf[size:]

		if p.pubKey != nil {
			if verr := p.verifyMetadataSignature(sigBytes); verr != nil {
				return false, false, verr
			}
		}
		p.st = stateApplyingOperations
		return true, false, nil

	case stateApplyingOperations:
		if p.shouldCancel != nil && p.shouldCancel() {
			return false, false, errors.New("performer: apply cancelled")
		}
		if p.nextOp >= len(p.ops) {
			return false, true, nil
		}
		advanced, err := p.applyNextOperation(ctx)
		if err != nil {
			return false, false, err
		}
		return advanced, false, nil
	}
	return false, false, errors.Errorf("performer: unreachable state %d", p.st)
}

// verifyMetadataSignature implements spec.md §4.3: the SHA-256 digest of
// the metadata prefix (fixed header plus manifest), RSA-verified against
// sigBytes (a serialized Signatures message covering just that prefix).
func (p *Performer) verifyMetadataSignature(sigBytes []byte) *Error {
	sigs, perr := metadata.UnmarshalSignatures(sigBytes)
	if perr != nil {
		return wrapErr(ErrDownloadMetadataSignatureError, perr)
	}
	sum := sha256Sum(append(metadata.AppendHeader(nil, p.header), p.manifestRaw...))
	if verr := p.pubKey.Verify(sum, sigs); verr != nil {
		return wrapErr(ErrDownloadMetadataSignatureVerificationError, verr)
	}
	return nil
}

// applyNextOperation consumes exactly one operation's data blob (if any)
// and executes it, advancing nextOp. It returns advanced=false when the
// operation's data isn't fully buffered yet.
func (p *Performer) applyNextOperation(ctx context.Context) (bool, error) {
	fo := p.ops[p.nextOp]
	op := fo.op

	var data []byte
	isSignaturePlaceholder := p.manifest.HasSignatures && op.HasData &&
		op.DataOffset == p.manifest.SignaturesOffset && op.DataLength == p.manifest.SignaturesSize

	if op.HasData {
		if uint64(len(p.buf)) < op.DataLength {
			return false, nil
		}
		data = p.buf[:op.DataLength]
		p.buf = p.buf[op.DataLength:]

		// A missing data_sha256_hash is only tolerated for the dummy
		// signature-placeholder operation (spec.md §4.4); any other
		// operation without a hash is a format error.
		if len(op.DataSha256Hash) == 0 && !isSignaturePlaceholder {
			return false, wrapErr(ErrDownloadOperationHashMissingError, nil)
		}
		if len(op.DataSha256Hash) > 0 {
			sum := sha256Sum(data)
			if !bytes.Equal(sum, op.DataSha256Hash) {
				return false, wrapErr(ErrDownloadOperationHashMismatch, nil)
			}
		}
	}

	if isSignaturePlaceholder {
		p.signatureBlob = append([]byte(nil), data...)
		state, err := p.payloadHash.Save()
		if err != nil {
			return false, errors.Wrap(err, "performer: freezing signed hash context")
		}
		p.signedHash = state
		// The signature blob isn't partition content; the write path still
		// runs so extent bookkeeping stays uniform, but zeros go to disk.
		data = make([]byte, len(data))
	}

	if p.nextOp >= p.skipExecutionBelow {
		handles := p.handlesFor(fo)
		if err := executeOperation(ctx, p.manifest.BlockSize, handles, op, data); err != nil {
			return false, wrapErr(ErrDownloadOperationExecutionError, err)
		}
	} else {
		plog.Infof("skipping already-applied operation %d/%d on resume", p.nextOp, len(p.ops))
	}

	p.nextOp++
	if p.progress != nil {
		p.progress.report(int64(p.bufferOffset), int64(p.plan.PayloadSize), p.nextOp, len(p.ops))
	}
	if err := p.checkpoint(); err != nil {
		plog.Errorf("checkpointing after operation %d: %v", p.nextOp, err)
	}
	return true, nil
}

func (p *Performer) handlesFor(fo flatOp) partitionHandles {
	if fo.isKernel {
		return partitionHandles{target: p.kernelTarget, source: p.kernelSource}
	}
	return partitionHandles{target: p.rootfsTarget, source: p.rootfsSource}
}

// flattenOps orders rootfs operations before kernel operations, matching
// NumTotalOperations' counting convention.
func flattenOps(m *metadata.Manifest) []flatOp {
	out := make([]flatOp, 0, m.NumTotalOperations())
	for _, op := range m.InstallOperations {
		out = append(out, flatOp{op: op})
	}
	for _, op := range m.KernelInstallOperations {
		out = append(out, flatOp{op: op, isKernel: true})
	}
	return out
}

// VerifyPayload checks the whole-payload hash and size against the
// caller-supplied expectedHash/expectedSize, and the payload signature
// blob extracted mid-apply, per spec.md §4.1/§4.8. It must only be called
// after Write has returned done=true.
func (p *Performer) VerifyPayload(expectedHash []byte, expectedSize int64) *Error {
	if p.st != stateDone {
		return wrapErr(ErrDownloadStateInitializationError, errors.New("VerifyPayload called before apply completed"))
	}
	if expectedSize > 0 && int64(p.bufferOffset) != expectedSize {
		return wrapErr(ErrPayloadSizeMismatchError, errors.Errorf("got %d bytes, want %d", p.bufferOffset, expectedSize))
	}
	if len(expectedHash) > 0 && !bytes.Equal(p.payloadHash.Sum(), expectedHash) {
		return wrapErr(ErrPayloadHashMismatchError, errors.New("whole-payload sha256 does not match expected_hash"))
	}

	if p.pubKey == nil {
		plog.Warningf("missing public key, skipping payload signature verification")
		return nil
	}
	if p.manifest.HasSignatures && len(p.signatureBlob) == 0 {
		return wrapErr(ErrSignedDeltaPayloadExpectedError, errors.New("manifest declares signatures but none were extracted"))
	}
	if len(p.signatureBlob) == 0 {
		return nil
	}

	sigs, perr := metadata.UnmarshalSignatures(p.signatureBlob)
	if perr != nil {
		return wrapErr(ErrDownloadPayloadVerificationError, perr)
	}
	signed, err := hashctx.Restore(p.signedHash)
	if err != nil {
		return wrapErr(ErrDownloadPayloadVerificationError, err)
	}
	if verr := p.pubKey.Verify(signed.Sum(), sigs); verr != nil {
		return wrapErr(ErrDownloadPayloadPubKeyVerificationError, verr)
	}
	return nil
}

// sha256Sum is a plain, non-resumable digest used for one-shot checks
// (operation data blobs, the manifest prefix) where there is nothing to
// resume mid-computation.
func sha256Sum(b []byte) []byte {
	sum := sha256.Sum256(b)
	return sum[:]
}
