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

// Package prefs implements the resume-state preferences store: a
// typed key-value mapping the performer reads and writes so an
// interrupted update can pick back up after a restart.
package prefs

import "github.com/pkg/errors"

// Store is the typed key-value interface the performer checkpoints
// through. All Set* writes are best-effort from the caller's point of
// view: an implementation may return an error, but callers never treat a
// write failure as fatal to an in-progress update.
type Store interface {
	GetString(key string) (string, bool, error)
	SetString(key, value string) error

	GetInt64(key string) (int64, bool, error)
	SetInt64(key string, value int64) error

	GetBoolean(key string) (bool, bool, error)
	SetBoolean(key string, value bool) error

	Exists(key string) bool
	Delete(key string) error
}

// Pref key names, matching the resume-state table.
const (
	UpdateStateNextOperation       = "UpdateStateNextOperation"
	UpdateStateNextDataOffset      = "UpdateStateNextDataOffset"
	UpdateStateNextDataLength      = "UpdateStateNextDataLength"
	UpdateStateSHA256Context       = "UpdateStateSHA256Context"
	UpdateStateSignedSHA256Context = "UpdateStateSignedSHA256Context"
	UpdateStateSignatureBlob       = "UpdateStateSignatureBlob"
	ManifestMetadataSize           = "ManifestMetadataSize"
	UpdateCheckResponseHash        = "UpdateCheckResponseHash"
	ResumedUpdateFailures          = "ResumedUpdateFailures"
)

// NextOperationInvalid is the sentinel UpdateStateNextOperation value
// meaning "no operation has completed, this resume state is not usable."
const NextOperationInvalid int64 = -1

// MaxResumedUpdateFailures is the threshold beyond which CanResumeUpdate
// refuses to resume and instead starts the update over from scratch.
const MaxResumedUpdateFailures int64 = 10

// CanResumeUpdate reports whether store holds a resume state admissible
// for payloadID: six conditions, one per check below.
func CanResumeUpdate(store Store, payloadID string) bool {
	nextOp, ok, err := store.GetInt64(UpdateStateNextOperation)
	if err != nil || !ok || nextOp <= 0 {
		return false
	}

	storedID, ok, err := store.GetString(UpdateCheckResponseHash)
	if err != nil || !ok || storedID != payloadID {
		return false
	}

	failures, ok, err := store.GetInt64(ResumedUpdateFailures)
	if err != nil || !ok {
		failures = 0
	}
	if failures > MaxResumedUpdateFailures {
		return false
	}

	if _, ok, err := store.GetInt64(UpdateStateNextDataOffset); err != nil || !ok {
		return false
	}

	sha, ok, err := store.GetString(UpdateStateSHA256Context)
	if err != nil || !ok || sha == "" {
		return false
	}

	size, ok, err := store.GetInt64(ManifestMetadataSize)
	if err != nil || !ok || size <= 0 {
		return false
	}

	return true
}

// ResetUpdateProgress clears resume state. When quick is true, only
// UpdateStateNextOperation is invalidated, so a crash mid-checkpoint
// leaves the resume state unambiguously unusable without discarding
// everything else yet. When quick is false every resume scalar is wiped,
// including the payload-id hash and the failure counter.
func ResetUpdateProgress(store Store, quick bool) error {
	if err := store.SetInt64(UpdateStateNextOperation, NextOperationInvalid); err != nil {
		return errors.Wrap(err, "prefs: resetting UpdateStateNextOperation")
	}
	if quick {
		return nil
	}

	keys := []string{
		UpdateStateNextDataOffset,
		UpdateStateNextDataLength,
		UpdateStateSHA256Context,
		UpdateStateSignedSHA256Context,
		UpdateStateSignatureBlob,
		ManifestMetadataSize,
		UpdateCheckResponseHash,
		ResumedUpdateFailures,
	}
	var firstErr error
	for _, k := range keys {
		if err := store.Delete(k); err != nil && firstErr == nil {
			firstErr = errors.Wrapf(err, "prefs: deleting %s", k)
		}
	}
	return firstErr
}
