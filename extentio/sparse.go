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

package extentio

import (
	"os"

	"golang.org/x/sys/unix"
)

// PunchHole releases the backing blocks of dst in [offset, offset+length)
// using FALLOC_FL_PUNCH_HOLE|FALLOC_FL_KEEP_SIZE, an optimization over
// writing real zero bytes for a destination region that is never read
// back before being overwritten. Callers must fall back to writing zeros
// themselves when PunchHole returns an error, since not every filesystem
// backing a partition image supports hole punching.
func PunchHole(dst *os.File, offset, length int64) error {
	if length == 0 {
		return nil
	}
	mode := unix.FALLOC_FL_PUNCH_HOLE | unix.FALLOC_FL_KEEP_SIZE
	return unix.Fallocate(int(dst.Fd()), uint32(mode), offset, length)
}
