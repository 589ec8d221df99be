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

package main

import (
	"context"
	"encoding/base64"
	"io"
	"os"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/spf13/cobra"

	"github.com/coreos/update-performer/installplan"
	"github.com/coreos/update-performer/performer"
	"github.com/coreos/update-performer/prefs"
)

const defaultChunkSize = 1 << 20 // 1 MiB, an arbitrary chunk size exercising the streaming Write path

func cmdApply() *cobra.Command {
	var planPath, payloadPath, prefsDir string
	var chunkSize int

	cmd := &cobra.Command{
		Use:   "apply",
		Short: "Apply a payload file to the partitions named in an install plan",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runApply(planPath, payloadPath, prefsDir, chunkSize)
		},
	}
	cmd.Flags().StringVar(&planPath, "plan", "", "Path to the install plan YAML file")
	cmd.Flags().StringVar(&payloadPath, "payload", "", "Path to the payload file to apply")
	cmd.Flags().StringVar(&prefsDir, "prefs-dir", ".update-performer-prefs", "Directory to checkpoint resume state in")
	cmd.Flags().IntVar(&chunkSize, "chunk-size", defaultChunkSize, "Bytes to read from the payload per Write call")
	cmd.MarkFlagRequired("plan")
	cmd.MarkFlagRequired("payload")
	return cmd
}

func runApply(planPath, payloadPath, prefsDir string, chunkSize int) (err error) {
	plan, err := installplan.LoadFile(planPath)
	if err != nil {
		return err
	}
	if err := plan.Validate(); err != nil {
		return err
	}
	if plan.PayloadID == "" {
		plan.PayloadID = uuid.New().String()
		plog.Infof("no payload_id in plan, generated %s", plan.PayloadID)
	}

	info, err := os.Stat(payloadPath)
	if err != nil {
		return errors.Wrap(err, "statting payload")
	}
	if plan.PayloadSize == 0 {
		plan.PayloadSize = info.Size()
	}

	store, err := prefs.NewFileStore(prefsDir)
	if err != nil {
		return errors.Wrap(err, "opening prefs store")
	}

	p := performer.NewPerformer(plan, store, plan.PayloadID, nil)
	p.SetProgressFunc(func(percent int) {
		plog.Infof("progress: %d%%", percent)
	})

	if err := p.Open(); err != nil {
		return errors.Wrap(err, "opening partitions")
	}
	defer func() {
		if code := p.Close(); code != 0 && err == nil {
			err = errors.Errorf("update-performer: close reported exit code %d", code)
		}
	}()

	if performer.CanResumeUpdate(store, plan.PayloadID) {
		plog.Infof("resumable state found for payload %s", plan.PayloadID)
	}

	f, err := os.Open(payloadPath)
	if err != nil {
		return errors.Wrap(err, "opening payload file")
	}
	defer f.Close()

	ctx := context.Background()
	buf := make([]byte, chunkSize)
	for {
		n, rerr := f.Read(buf)
		if n > 0 {
			done, werr := p.Write(ctx, buf[:n])
			if werr != nil {
				return errors.Wrap(werr, "applying payload")
			}
			if done {
				break
			}
		}
		if rerr != nil {
			if rerr == io.EOF {
				return errors.New("payload ended before every operation was applied")
			}
			return errors.Wrap(rerr, "reading payload file")
		}
	}

	var expectedHash []byte
	if plan.PayloadHash != "" {
		expectedHash, err = base64.StdEncoding.DecodeString(plan.PayloadHash)
		if err != nil {
			return errors.Wrap(err, "decoding install-plan payload_hash")
		}
	}
	if verr := p.VerifyPayload(expectedHash, plan.PayloadSize); verr != nil {
		return errors.Wrap(verr, "verifying payload")
	}

	plog.Noticef("applied %s successfully", payloadPath)
	return nil
}
