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

// Package installplan loads the read-only configuration a DeltaPerformer
// borrows for the duration of one update: partition paths, expected
// hashes, and the signature-checking policy.
package installplan

import (
	"os"

	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"
)

// Plan is the borrowed configuration for a single update attempt. It is
// never retained past the performer's Close.
type Plan struct {
	// PayloadID identifies this payload for resume-state bookkeeping
	// (UpdateCheckResponseHash). In the real daemon this is the Omaha
	// response hash; callers of this module supply their own, falling
	// back to a generated uuid if empty (see cmd/update-performer).
	PayloadID string `yaml:"payload_id"`

	PayloadSize     int64  `yaml:"payload_size"`
	PayloadHash     string `yaml:"payload_hash"` // base64
	MetadataSize    int64  `yaml:"metadata_size"`
	MetadataSignature string `yaml:"metadata_signature"` // base64

	IsFullUpdate bool `yaml:"is_full_update"`

	TargetRootfsPath string `yaml:"target_rootfs_path"`
	TargetKernelPath string `yaml:"target_kernel_path"`
	SourceRootfsPath string `yaml:"source_rootfs_path"`
	SourceKernelPath string `yaml:"source_kernel_path"`

	// PublicKeyRSA, if set, is a base64-encoded PEM public key that
	// overrides PublicKeyPath for this update only (spec.md §4.3 step 2).
	PublicKeyRSA  string `yaml:"public_key_rsa"`
	PublicKeyPath string `yaml:"public_key_path"`

	HashChecksMandatory bool `yaml:"hash_checks_mandatory"`

	// IsOfficialBuild gates whether PublicKeyRSA may be honored at all;
	// official builds only trust the key already installed at
	// PublicKeyPath.
	IsOfficialBuild bool `yaml:"is_official_build"`
}

// LoadFile reads and parses a YAML install plan from path.
func LoadFile(path string) (*Plan, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrapf(err, "installplan: reading %s", path)
	}
	var p Plan
	if err := yaml.Unmarshal(b, &p); err != nil {
		return nil, errors.Wrapf(err, "installplan: parsing %s", path)
	}
	return &p, nil
}

// Validate reports whether the plan is internally consistent enough to
// attempt an update: a delta payload requires source partition paths, and
// every plan requires both target paths.
func (p *Plan) Validate() error {
	if p.TargetRootfsPath == "" {
		return errors.New("installplan: target_rootfs_path is required")
	}
	if p.TargetKernelPath == "" {
		return errors.New("installplan: target_kernel_path is required")
	}
	if !p.IsFullUpdate {
		if p.SourceRootfsPath == "" {
			return errors.New("installplan: source_rootfs_path is required for a delta update")
		}
		if p.SourceKernelPath == "" {
			return errors.New("installplan: source_kernel_path is required for a delta update")
		}
	}
	return nil
}
