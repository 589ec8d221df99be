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

import "github.com/coreos/update-performer/metadata"

// validateManifest checks the full/delta + minor_version combination per
// spec.md §4.2, and logs the declared partition hashes for diagnostics.
func validateManifest(m *metadata.Manifest, isFullUpdate bool) *Error {
	if isFullUpdate {
		if m.OldRootfsInfo != nil || m.OldKernelInfo != nil {
			return wrapErr(ErrPayloadMismatchedType, nil)
		}
		if m.MinorVersion != metadata.MinorVersionFull {
			return wrapErr(ErrUnsupportedMinorPayloadVersion, nil)
		}
	} else {
		if m.MinorVersion != metadata.MinorVersionDelta {
			return wrapErr(ErrUnsupportedMinorPayloadVersion, nil)
		}
	}

	plog.Infof("old_rootfs_info hash: %x", hashOrNil(m.OldRootfsInfo))
	plog.Infof("old_kernel_info hash: %x", hashOrNil(m.OldKernelInfo))
	plog.Infof("new_rootfs_info hash: %x", hashOrNil(m.NewRootfsInfo))
	plog.Infof("new_kernel_info hash: %x", hashOrNil(m.NewKernelInfo))

	return nil
}

func hashOrNil(p *metadata.PartitionInfo) []byte {
	if p == nil {
		return nil
	}
	return p.Hash
}
