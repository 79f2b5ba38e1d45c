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
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/ManaSmart/Mana-Smart-sub002/backup"
	"github.com/ManaSmart/Mana-Smart-sub002/event"
	"github.com/ManaSmart/Mana-Smart-sub002/gateway"
	"github.com/spf13/cobra"
)

func historyCommand() *cobra.Command {
	var (
		limit     int
		status    string
		search    string
		fromStr   string
		toStr     string
		watchFlag bool
	)
	cmd := &cobra.Command{
		Use:   "history",
		Short: "List backup attempts",
		Run: func(cmd *cobra.Command, args []string) {
			a, logger := appFromCommand(cmd)
			defer a.Close()
			query := gateway.HistoryQuery{
				Limit:      limit,
				SearchText: search,
			}
			if status != "" {
				st := gateway.AttemptStatus(status)
				if !st.Valid() {
					slog.Error("invalid status filter: " + status)
					os.Exit(1)
				}
				query.StatusFilter = st
			}
			var err error
			if query.From, err = parseTimeFlag(fromStr); err != nil {
				slog.Error(err.Error())
				os.Exit(1)
			}
			if query.To, err = parseTimeFlag(toStr); err != nil {
				slog.Error(err.Error())
				os.Exit(1)
			}
			historyRun(a, logger, query, watchFlag)
		},
	}
	cmd.Flags().IntVar(&limit, "limit", 20, "maximum rows to return")
	cmd.Flags().
		StringVar(&status, "status", "", "filter by status (pending, in_progress, success, failed, cancelled)")
	cmd.Flags().
		StringVar(&search, "search", "", "filter by substring of the error text")
	cmd.Flags().
		StringVar(&fromStr, "from", "", "only rows created at or after this RFC 3339 time")
	cmd.Flags().
		StringVar(&toStr, "to", "", "only rows created at or before this RFC 3339 time")
	cmd.Flags().
		BoolVarP(&watchFlag, "watch", "w", false, "keep tracking in-progress rows until they finish")
	return cmd
}

func parseTimeFlag(value string) (time.Time, error) {
	if value == "" {
		return time.Time{}, nil
	}
	t, err := time.Parse(time.RFC3339, value)
	if err != nil {
		return time.Time{}, fmt.Errorf(
			"invalid time %q: %w",
			value,
			err,
		)
	}
	return t, nil
}

func historyRun(
	a *app,
	logger *slog.Logger,
	query gateway.HistoryQuery,
	watchRows bool,
) {
	ctx, stop := signal.NotifyContext(
		context.Background(),
		syscall.SIGINT,
		syscall.SIGTERM,
	)
	defer stop()

	rows, err := a.records.ListHistory(ctx, query)
	if err != nil {
		slog.Error(err.Error())
		os.Exit(1)
	}
	printHistory(rows, a.orch.Tracker())
	if !watchRows {
		return
	}

	tracked := trackableRows(rows)
	if len(tracked) == 0 {
		return
	}

	_, progressCh := a.bus.Subscribe(event.BackupProgressEventType)
	_, refreshCh := a.bus.Subscribe(event.HistoryRefreshEventType)
	tracker := a.orch.Tracker()
	tracker.SetEntries(tracked)
	for tracker.Tracking() > 0 {
		select {
		case evt := <-progressCh:
			if data, ok := evt.Data.(event.BackupProgressEvent); ok {
				fmt.Printf(
					"%s  %3d%%\n",
					data.AttemptID,
					data.Progress,
				)
			}
		case <-refreshCh:
			// One or more tracked rows reached a terminal state.
			// Refetch and show the final history.
			rows, err := a.records.ListHistory(ctx, query)
			if err != nil {
				logger.Warn(
					"history refetch failed",
					"component", programName,
					"error", err,
				)
				continue
			}
			printHistory(rows, tracker)
			tracker.SetEntries(trackableRows(rows))
		case <-ctx.Done():
			return
		}
	}
}

// trackableRows extracts the rows worth animating: those not yet
// in a terminal state.
func trackableRows(
	rows []gateway.AttemptRecord,
) []backup.TrackedAttempt {
	var tracked []backup.TrackedAttempt
	for _, row := range rows {
		if row.Status.Terminal() {
			continue
		}
		tracked = append(tracked, backup.TrackedAttempt{
			AttemptID:      row.ID,
			DispatchHandle: row.DispatchHandle,
		})
	}
	return tracked
}

func printHistory(
	rows []gateway.AttemptRecord,
	tracker *backup.HistoryTracker,
) {
	if len(rows) == 0 {
		fmt.Println("no backup attempts found")
		return
	}
	fmt.Printf(
		"%-36s  %-12s  %-9s  %-20s  %s\n",
		"ID", "STATUS", "PROGRESS", "CREATED", "DETAIL",
	)
	for _, row := range rows {
		progress := "-"
		if p, ok := tracker.DisplayProgress(row.ID); ok {
			progress = fmt.Sprintf("%d%%", p)
		} else if row.Status == gateway.StatusSuccess {
			progress = "100%"
		}
		detail := row.ArtifactKey
		if row.ErrorText != "" {
			detail = row.ErrorText
		}
		fmt.Printf(
			"%-36s  %-12s  %-9s  %-20s  %s\n",
			row.ID,
			row.Status,
			progress,
			row.CreatedAt.Format(time.RFC3339),
			detail,
		)
	}
}
