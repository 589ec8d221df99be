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

// Command update-performer is a reference driver for the performer
// package: apply a payload file to a pair of local partition files, check
// whether a previous attempt left resumable state, or clear that state.
// A real update client would drive performer.Performer.Write from its own
// fetcher; this command exists for manual testing and fixture generation.
package main

import (
	"github.com/coreos/pkg/capnslog"
	"github.com/spf13/cobra"
)

var (
	logDebug   bool
	logVerbose bool
	logLevel   = capnslog.NOTICE

	plog = capnslog.NewPackageLogger("github.com/coreos/update-performer", "cmd")
)

func main() {
	root := &cobra.Command{
		Use:   "update-performer",
		Short: "Apply and inspect CrAU-format A/B update payloads",
	}

	root.PersistentFlags().Var(&logLevel, "log-level", "Set global log level.")
	root.PersistentFlags().BoolVarP(&logVerbose, "verbose", "v", false, "Alias for --log-level=INFO")
	root.PersistentFlags().BoolVarP(&logDebug, "debug", "d", false, "Alias for --log-level=DEBUG")
	root.PersistentPreRun = func(cmd *cobra.Command, args []string) {
		startLogging(cmd)
	}

	root.AddCommand(cmdApply())
	root.AddCommand(cmdResumeCheck())
	root.AddCommand(cmdReset())

	if err := root.Execute(); err != nil {
		plog.Fatal(err)
	}
}

func startLogging(cmd *cobra.Command) {
	switch {
	case logDebug:
		logLevel = capnslog.DEBUG
	case logVerbose:
		logLevel = capnslog.INFO
	}
	capnslog.SetFormatter(capnslog.NewStringFormatter(cmd.OutOrStderr()))
	capnslog.SetGlobalLogLevel(logLevel)
}
