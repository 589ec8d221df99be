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
	"bytes"
	"crypto/sha256"
	"encoding/base64"
	"io"
	"os"

	"github.com/pkg/errors"

	"github.com/coreos/update-performer/hashctx"
	"github.com/coreos/update-performer/metadata"
	"github.com/coreos/update-performer/prefs"
)

// CanResumeUpdate reports whether store holds a resume state usable for
// payloadID. Exposed so a caller can decide, before even opening the
// payload, whether to report "resuming" vs. "starting fresh" progress.
func CanResumeUpdate(store prefs.Store, payloadID string) bool {
	return prefs.CanResumeUpdate(store, payloadID)
}

// ResetUpdateProgress clears resume state in store. See
// prefs.ResetUpdateProgress for the meaning of quick.
func ResetUpdateProgress(store prefs.Store, quick bool) error {
	return prefs.ResetUpdateProgress(store, quick)
}

// primeResumeState is called once, right after the manifest is parsed and
// validated. If store holds a usable resume state for p.payloadID, it
// loads the completed-operation counter so applyNextOperation can skip
// re-writing operations already applied in a prior attempt, and
// speculatively bumps the failure counter so a crash-loop resuming the
// same payload over and over eventually gives up and starts fresh
// (mirrors PrimeUpdateState in delta_performer.cc).
func (p *Performer) primeResumeState() error {
	if p.store == nil || p.payloadID == "" {
		return nil
	}
	if !prefs.CanResumeUpdate(p.store, p.payloadID) {
		return prefs.ResetUpdateProgress(p.store, false)
	}

	nextOp, ok, err := p.store.GetInt64(prefs.UpdateStateNextOperation)
	if err != nil || !ok || nextOp <= 0 {
		return nil
	}

	failures, ok, err := p.store.GetInt64(prefs.ResumedUpdateFailures)
	if err != nil || !ok {
		failures = 0
	}
	if err := p.store.SetInt64(prefs.ResumedUpdateFailures, failures+1); err != nil {
		return errors.Wrap(err, "performer: bumping resumed-update failure count")
	}

	if raw, ok, err := p.store.GetString(prefs.UpdateStateSHA256Context); err == nil && ok && raw != "" {
		if state, derr := base64.StdEncoding.DecodeString(raw); derr == nil {
			if restored, rerr := hashctx.Restore(state); rerr == nil {
				p.payloadHash = restored
			}
		}
	}
	if raw, ok, err := p.store.GetString(prefs.UpdateStateSignedSHA256Context); err == nil && ok && raw != "" {
		if state, derr := base64.StdEncoding.DecodeString(raw); derr == nil {
			p.signedHash = state
		}
	}
	if raw, ok, err := p.store.GetString(prefs.UpdateStateSignatureBlob); err == nil && ok && raw != "" {
		if blob, derr := base64.StdEncoding.DecodeString(raw); derr == nil {
			p.signatureBlob = blob
		}
	}

	if int(nextOp) > len(p.ops) {
		// Stale state from a differently-shaped manifest; ignore it
		// rather than skip operations that don't exist.
		return nil
	}
	p.skipExecutionBelow = int(nextOp)
	p.resumed = true
	plog.Infof("resuming payload %s at operation %d/%d", p.payloadID, nextOp, len(p.ops))
	return nil
}

// verifySourcePartitions hashes the whole source rootfs/kernel partitions
// and compares them against old_rootfs_info/old_kernel_info, per
// delta_performer.cc's fresh-start-only source check (spec.md §4.7): a
// resumed attempt trusts the verification a prior attempt already did and
// does not re-read the entire source partition.
func (p *Performer) verifySourcePartitions() *Error {
	if p.plan.IsFullUpdate {
		return nil
	}
	if err := verifyPartitionHash(p.rootfsSource, p.manifest.OldRootfsInfo); err != nil {
		return wrapErr(ErrDownloadStateInitializationError, errors.Wrap(err, "source rootfs"))
	}
	if err := verifyPartitionHash(p.kernelSource, p.manifest.OldKernelInfo); err != nil {
		return wrapErr(ErrDownloadStateInitializationError, errors.Wrap(err, "source kernel"))
	}
	return nil
}

// verifyPartitionHash hashes all of f and compares it against info.Hash, if
// info names one. f's offset is restored to the start afterward so later
// ReadAt-based operation execution sees the same file it expects.
func verifyPartitionHash(f *os.File, info *metadata.PartitionInfo) error {
	if info == nil || len(info.Hash) == 0 {
		return nil
	}
	if f == nil {
		return errors.New("performer: no open source partition handle to verify")
	}
	if _, err := f.Seek(0, io.SeekStart); err != nil {
		return errors.Wrap(err, "seeking to start")
	}
	h := sha256.New()
	if _, err := io.Copy(h, f); err != nil {
		return errors.Wrap(err, "hashing partition contents")
	}
	if _, err := f.Seek(0, io.SeekStart); err != nil {
		return errors.Wrap(err, "rewinding after hash")
	}
	if !bytes.Equal(h.Sum(nil), info.Hash) {
		return errors.New("partition hash does not match old_*_info")
	}
	return nil
}

// checkpoint persists enough state to resume after a crash, in the exact
// order delta_performer.cc's CheckpointUpdateProgress uses: a quick reset
// first (so a crash mid-write leaves NextOperation unambiguously invalid),
// then the hash contexts, then the data cursor, then NextOperation last --
// only the final write makes the new checkpoint visible to CanResumeUpdate.
// It is a no-op when bufferOffset hasn't advanced since the last call, per
// the upstream last_updated_buffer_offset_ guard.
func (p *Performer) checkpoint() error {
	if p.store == nil || p.payloadID == "" {
		return nil
	}
	if p.bufferOffset <= p.lastCheckpoint {
		return nil
	}

	if err := prefs.ResetUpdateProgress(p.store, true); err != nil {
		return errors.Wrap(err, "quick-resetting before checkpoint")
	}

	hashState, err := p.payloadHash.Save()
	if err != nil {
		return errors.Wrap(err, "saving sha256 context")
	}
	if err := p.store.SetString(prefs.UpdateStateSHA256Context, base64.StdEncoding.EncodeToString(hashState)); err != nil {
		return errors.Wrap(err, "persisting sha256 context")
	}

	if len(p.signedHash) > 0 {
		if err := p.store.SetString(prefs.UpdateStateSignedSHA256Context, base64.StdEncoding.EncodeToString(p.signedHash)); err != nil {
			return errors.Wrap(err, "persisting signed sha256 context")
		}
	}
	if len(p.signatureBlob) > 0 {
		if err := p.store.SetString(prefs.UpdateStateSignatureBlob, base64.StdEncoding.EncodeToString(p.signatureBlob)); err != nil {
			return errors.Wrap(err, "persisting signature blob")
		}
	}

	if err := p.store.SetInt64(prefs.UpdateStateNextDataOffset, int64(p.bufferOffset)); err != nil {
		return errors.Wrap(err, "persisting next data offset")
	}
	nextLen := int64(0)
	if p.nextOp < len(p.ops) && p.ops[p.nextOp].op.HasData {
		nextLen = int64(p.ops[p.nextOp].op.DataLength)
	}
	if err := p.store.SetInt64(prefs.UpdateStateNextDataLength, nextLen); err != nil {
		return errors.Wrap(err, "persisting next data length")
	}
	if err := p.store.SetInt64(prefs.ManifestMetadataSize, int64(p.metadataSize)); err != nil {
		return errors.Wrap(err, "persisting metadata size")
	}
	if err := p.store.SetString(prefs.UpdateCheckResponseHash, p.payloadID); err != nil {
		return errors.Wrap(err, "persisting payload id")
	}

	// NextOperation last: its presence is what CanResumeUpdate treats as
	// "this checkpoint is complete and safe to resume from."
	if err := p.store.SetInt64(prefs.UpdateStateNextOperation, int64(p.nextOp)); err != nil {
		return errors.Wrap(err, "persisting next operation")
	}

	p.lastCheckpoint = p.bufferOffset
	return nil
}
