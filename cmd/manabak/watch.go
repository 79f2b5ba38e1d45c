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

	"github.com/ManaSmart/Mana-Smart-sub002/event"
	"github.com/spf13/cobra"
)

func watchCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "watch <dispatch-handle> [attempt-id]",
		Short: "Attach a background monitor to a running backup",
		Args:  cobra.RangeArgs(1, 2),
		Run: func(cmd *cobra.Command, args []string) {
			a, logger := appFromCommand(cmd)
			defer a.Close()
			attemptID := ""
			if len(args) > 1 {
				attemptID = args[1]
			}
			watchRun(a, logger, args[0], attemptID)
		},
	}
}

func watchRun(
	a *app,
	logger *slog.Logger,
	dispatchHandle string,
	attemptID string,
) {
	ctx, stop := signal.NotifyContext(
		context.Background(),
		syscall.SIGINT,
		syscall.SIGTERM,
	)
	defer stop()

	metricsServer := startMetricsServer(a.cfg, logger)
	defer func() {
		if metricsServer == nil {
			return
		}
		shutdownCtx, cancel := context.WithTimeout(
			context.Background(),
			5*time.Second,
		)
		defer cancel()
		if err := metricsServer.Shutdown(shutdownCtx); err != nil {
			logger.Error("metrics server shutdown error", "error", err)
		}
	}()

	// Subscribe before starting so the verdict cannot slip past.
	_, completeCh := a.bus.Subscribe(event.BackupCompleteEventType)
	_, failedCh := a.bus.Subscribe(event.BackupFailedEventType)
	_, cancelledCh := a.bus.Subscribe(event.BackupCancelledEventType)

	w := a.orch.WatchInBackground(dispatchHandle, attemptID)
	logger.Info(
		"watching backup",
		"component", programName,
		"dispatch_handle", dispatchHandle,
	)
	select {
	case <-w.Done():
	case <-ctx.Done():
		logger.Info(
			"signal received, leaving backup to the platform",
			"component", programName,
		)
		w.Stop()
		return
	}

	// The monitor finished: either it announced a verdict or it
	// exhausted its budget without resolving the attempt.
	select {
	case evt := <-completeCh:
		if data, ok := evt.Data.(event.BackupCompleteEvent); ok {
			if data.DownloadURL != "" {
				fmt.Printf("backup complete: %s\n", data.DownloadURL)
			} else {
				fmt.Printf(
					"backup complete: artifact %s\n",
					data.ArtifactKey,
				)
			}
		}
	case evt := <-failedCh:
		if data, ok := evt.Data.(event.BackupFailedEvent); ok {
			logger.Error(
				"backup failed: "+data.Message,
				"component", programName,
				"attempt_id", data.AttemptID,
			)
		}
		os.Exit(1)
	case <-cancelledCh:
		logger.Info("backup cancelled", "component", programName)
	default:
		logger.Warn(
			"backup did not resolve within the monitoring budget",
			"component", programName,
			"dispatch_handle", dispatchHandle,
		)
		os.Exit(1)
	}
}
