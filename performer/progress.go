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

// downloadWeight and operationWeight are the fixed weights (summing to
// 100) used by computeProgress, per spec.md §4.1.
const (
	downloadWeight  = 50
	operationWeight = 50
)

// computeProgress returns overall progress in [0, 100]. When
// expectedPayloadSize is 0 (unknown), the operation weight absorbs the
// download weight entirely, since download progress can't be quantified.
func computeProgress(bytesDownloaded, expectedPayloadSize int64, operationsDone, totalOperations int) int {
	opWeight := operationWeight
	dlWeight := downloadWeight
	if expectedPayloadSize <= 0 {
		opWeight += dlWeight
		dlWeight = 0
	}

	var opPart, dlPart float64
	if totalOperations > 0 {
		opPart = float64(opWeight) * float64(operationsDone) / float64(totalOperations)
	}
	if dlWeight > 0 {
		dlPart = float64(dlWeight) * float64(bytesDownloaded) / float64(expectedPayloadSize)
		if dlPart > float64(dlWeight) {
			dlPart = float64(dlWeight)
		}
	}

	total := int(opPart + dlPart)
	if total > 100 {
		total = 100
	}
	if total < 0 {
		total = 0
	}
	return total
}

// ProgressFunc receives the overall percentage, [0, 100], after a completed
// operation whenever the whole-percent value differs from the last one
// sent. Completed operations that leave the percentage unchanged send
// nothing, and there is no timer-based report.
type ProgressFunc func(percent int)

// progressTracker enforces the monotonic-counter + "log a bug on
// regression" behavior spec.md §4.1 calls for, and rate-limits callbacks
// to once per whole-percent crossed.
type progressTracker struct {
	fn       ProgressFunc
	lastSent int
	high     int
}

func newProgressTracker(fn ProgressFunc) *progressTracker {
	return &progressTracker{fn: fn, lastSent: -1}
}

// report computes progress from the current counters and invokes fn if
// the whole-percent value advanced (or regressed, which is logged loudly
// but still forwarded -- the caller asked to know).
func (t *progressTracker) report(bytesDownloaded, expectedPayloadSize int64, operationsDone, totalOperations int) {
	if t.fn == nil {
		return
	}
	percent := computeProgress(bytesDownloaded, expectedPayloadSize, operationsDone, totalOperations)
	if percent == t.lastSent {
		return
	}
	if percent < t.high {
		plog.Errorf("progress regressed from %d%% to %d%%", t.high, percent)
	} else {
		t.high = percent
	}
	t.lastSent = percent
	t.fn(percent)
}
