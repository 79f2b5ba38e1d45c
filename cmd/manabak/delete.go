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

	"github.com/spf13/cobra"
)

func deleteCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "delete <attempt-id>",
		Short: "Delete a backup attempt record",
		Args:  cobra.ExactArgs(1),
		Run: func(cmd *cobra.Command, args []string) {
			a, logger := appFromCommand(cmd)
			defer a.Close()
			attemptID := args[0]
			if err := a.gateway.Delete(cmd.Context(), attemptID); err != nil {
				slog.Error(err.Error())
				os.Exit(1)
			}
			// Drop the local mirror row too so an offline listing
			// cannot resurrect the deleted attempt
			if err := a.records.DeleteMirrored(cmd.Context(), attemptID); err != nil {
				logger.Warn(
					"removing mirrored record",
					"component", programName,
					"attempt_id", attemptID,
					"error", err,
				)
			}
			fmt.Printf("deleted attempt %s\n", attemptID)
		},
	}
}
