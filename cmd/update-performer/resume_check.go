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
	"os"

	"github.com/pkg/errors"
	"github.com/spf13/cobra"

	"github.com/coreos/update-performer/performer"
	"github.com/coreos/update-performer/prefs"
)

func cmdResumeCheck() *cobra.Command {
	var prefsDir, payloadID string

	cmd := &cobra.Command{
		Use:   "resume-check",
		Short: "Report whether prefs-dir holds resumable state for payload-id",
		RunE: func(cmd *cobra.Command, args []string) error {
			store, err := prefs.NewFileStore(prefsDir)
			if err != nil {
				return errors.Wrap(err, "opening prefs store")
			}
			if performer.CanResumeUpdate(store, payloadID) {
				cmd.Println("resumable")
				return nil
			}
			cmd.Println("not resumable")
			os.Exit(1)
			return nil
		},
	}
	cmd.Flags().StringVar(&prefsDir, "prefs-dir", ".update-performer-prefs", "Directory holding checkpointed resume state")
	cmd.Flags().StringVar(&payloadID, "payload-id", "", "Payload identifier to check resumability for")
	cmd.MarkFlagRequired("payload-id")
	return cmd
}
