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
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/ManaSmart/Mana-Smart-sub002/backup"
	"github.com/ManaSmart/Mana-Smart-sub002/event"
	"github.com/ManaSmart/Mana-Smart-sub002/internal/config"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
)

func runCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "run",
		Short: "Run a manual backup and wait for the outcome",
		Run: func(cmd *cobra.Command, args []string) {
			cfg := config.FromContext(cmd.Context())
			if cfg == nil {
				slog.Error("no config found in context")
				os.Exit(1)
			}
			runRun(cmd, args, cfg)
		},
	}
}

func runRun(cmd *cobra.Command, _ []string, cfg *config.Config) {
	logger := commonRun()

	signalCtx, signalCtxStop := signal.NotifyContext(
		context.Background(),
		syscall.SIGINT,
		syscall.SIGTERM,
	)
	defer signalCtxStop()

	shutdownTracing, err := setupTracing(signalCtx, cfg)
	if err != nil {
		slog.Error(err.Error())
		os.Exit(1)
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(
			context.Background(),
			5*time.Second,
		)
		defer cancel()
		if err := shutdownTracing(shutdownCtx); err != nil {
			logger.Error("tracing shutdown error", "error", err)
		}
	}()

	a, err := newApp(cfg, logger)
	if err != nil {
		slog.Error(err.Error())
		os.Exit(1)
	}
	defer a.Close()

	metricsServer := startMetricsServer(cfg, logger)
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

	// Subscribe before dispatch so a verdict announced by the
	// background monitor after a hand-off cannot be missed.
	_, completeCh := a.bus.Subscribe(event.BackupCompleteEventType)
	_, failedCh := a.bus.Subscribe(event.BackupFailedEventType)
	_, cancelledCh := a.bus.Subscribe(event.BackupCancelledEventType)
	_, progressCh := a.bus.Subscribe(event.BackupProgressEventType)

	done := make(chan struct{})
	var g errgroup.Group
	g.Go(func() error {
		for {
			select {
			case evt := <-progressCh:
				if data, ok := evt.Data.(event.BackupProgressEvent); ok {
					logger.Info(
						"backup progress",
						"component", programName,
						"attempt_id", data.AttemptID,
						"progress", data.Progress,
					)
				}
			case <-done:
				return nil
			}
		}
	})
	g.Go(func() error {
		// An interrupt cancels the in-flight session so the
		// remote attempt gets marked cancelled before we exit
		select {
		case <-signalCtx.Done():
			a.orch.CancelRunning()
		case <-done:
		}
		return nil
	})

	exitCode := 0
	url, err := a.orch.RunManualBackup(signalCtx)
	switch {
	case errors.Is(err, backup.ErrCancelled),
		errors.Is(err, context.Canceled):
		logger.Info("backup cancelled", "component", programName)
	case err != nil:
		logger.Error(err.Error(), "component", programName)
		exitCode = 1
	case url != "":
		fmt.Printf("backup complete: %s\n", url)
	default:
		// Handed off to the background monitor. Wait for its
		// verdict rather than exiting with the job unresolved.
		logger.Info(
			"backup still running, waiting on background monitor",
			"component", programName,
		)
		exitCode = waitForVerdict(
			signalCtx, logger, completeCh, failedCh, cancelledCh,
		)
	}

	close(done)
	_ = g.Wait()
	if exitCode != 0 {
		os.Exit(exitCode)
	}
}

func waitForVerdict(
	ctx context.Context,
	logger *slog.Logger,
	completeCh <-chan event.Event,
	failedCh <-chan event.Event,
	cancelledCh <-chan event.Event,
) int {
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
		return 0
	case evt := <-failedCh:
		if data, ok := evt.Data.(event.BackupFailedEvent); ok {
			logger.Error(
				"backup failed: "+data.Message,
				"component", programName,
				"attempt_id", data.AttemptID,
			)
		}
		return 1
	case <-cancelledCh:
		logger.Info("backup cancelled", "component", programName)
		return 0
	case <-ctx.Done():
		logger.Info(
			"signal received, leaving backup to the platform",
			"component", programName,
		)
		return 0
	}
}
