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

func cancelCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "cancel <attempt-id>...",
		Short: "Mark backup attempts as cancelled",
		Long: "Mark backup attempts as cancelled. This updates the " +
			"stored records; the remote jobs may still run to " +
			"completion on the platform.",
		Args: cobra.MinimumNArgs(1),
		Run: func(cmd *cobra.Command, args []string) {
			a, _ := appFromCommand(cmd)
			defer a.Close()
			resp, err := a.gateway.Cancel(cmd.Context(), args)
			if err != nil {
				slog.Error(err.Error())
				os.Exit(1)
			}
			fmt.Printf(
				"cancelled %d of %d attempts\n",
				resp.CancelledCount,
				len(args),
			)
		},
	}
}
