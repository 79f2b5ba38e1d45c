// Copyright 2026 ManaSmart
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
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"
)

func restoreCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "restore <archive>",
		Short: "Upload a backup archive and merge its contents",
		Long: "Upload a backup archive and merge its contents into " +
			"the current data. Existing records are never deleted " +
			"or overwritten; sections that cannot be merged are " +
			"reported and skipped.",
		Args: cobra.ExactArgs(1),
		Run: func(cmd *cobra.Command, args []string) {
			a, _ := appFromCommand(cmd)
			defer a.Close()
			restoreRun(cmd, a, args[0])
		},
	}
}

func restoreRun(cmd *cobra.Command, a *app, archivePath string) {
	info, err := os.Stat(archivePath)
	if err != nil {
		slog.Error(err.Error())
		os.Exit(1)
	}
	f, err := os.Open(archivePath)
	if err != nil {
		slog.Error(err.Error())
		os.Exit(1)
	}
	defer f.Close()

	result, err := a.orch.Restore(
		cmd.Context(),
		filepath.Base(archivePath),
		info.Size(),
		f,
	)
	if err != nil {
		slog.Error(err.Error())
		os.Exit(1)
	}

	for _, section := range result.Sections {
		switch {
		case section.Error != "":
			fmt.Printf(
				"%-24s  failed: %s\n",
				section.Section,
				section.Error,
			)
		default:
			fmt.Printf(
				"%-24s  merged %d, skipped %d\n",
				section.Section,
				section.Merged,
				section.Skipped,
			)
		}
	}
	if warnings := result.Warnings(); len(warnings) > 0 {
		fmt.Printf(
			"restore finished with %d section(s) skipped\n",
			len(warnings),
		)
		return
	}
	fmt.Println("restore complete")
}
