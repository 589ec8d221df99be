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
	"context"
	"fmt"
	"os/exec"
	"strings"

	"github.com/kballard/go-shellquote"
	"github.com/pkg/errors"

	"github.com/coreos/update-performer/metadata"
)

// extentsToBsdiffPositionsString renders extents as the comma-separated
// "start:len" argument bspatch expects, capping the rendered length of
// each extent so the sum equals fullLength exactly (the last extent in a
// list is frequently larger than what's actually needed, since extents
// are block-granular but fullLength need not be). A sparse-hole extent
// renders as "-1:<len>".
func extentsToBsdiffPositionsString(extents []metadata.Extent, blockSize, fullLength uint64) (string, error) {
	var b strings.Builder
	var length uint64
	for _, e := range extents {
		var start int64
		if e.IsSparseHole() {
			start = -1
		} else {
			start = int64(e.StartBlock * blockSize)
		}
		remaining := fullLength - length
		thisLength := e.NumBlocks * blockSize
		if thisLength > remaining {
			thisLength = remaining
		}
		fmt.Fprintf(&b, "%d:%d,", start, thisLength)
		length += thisLength
	}
	if length != fullLength {
		return "", errors.Errorf("performer: extents cover %d bytes, want %d", length, fullLength)
	}
	s := b.String()
	if s != "" {
		s = s[:len(s)-1] // strip trailing comma
	}
	return s, nil
}

// bspatchBinary is the name of the external patch tool; overridable in
// tests.
var bspatchBinary = "bspatch"

// runBspatch invokes `bspatch srcPath dstPath patchPath srcPositions
// dstPositions`, blocking until it exits. The constructed command line is
// logged at debug level via shellquote.Join before running, the same way
// mantle's platform/kola runners log remote commands before executing
// them.
func runBspatch(ctx context.Context, srcPath, dstPath, patchPath, srcPositions, dstPositions string) error {
	args := []string{srcPath, dstPath, patchPath, srcPositions, dstPositions}
	plog.Debugf("running: %s", shellquote.Join(append([]string{bspatchBinary}, args...)...))

	cmd := exec.CommandContext(ctx, bspatchBinary, args...)
	out, err := cmd.CombinedOutput()
	if err != nil {
		return errors.Wrapf(err, "performer: bspatch failed: %s", strings.TrimSpace(string(out)))
	}
	return nil
}
