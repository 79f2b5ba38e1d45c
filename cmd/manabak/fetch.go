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
	"path/filepath"
	"syscall"

	"github.com/ManaSmart/Mana-Smart-sub002/artifact"
	"github.com/spf13/cobra"
)

func fetchCommand() *cobra.Command {
	var outDir string
	cmd := &cobra.Command{
		Use:   "fetch <artifact-key>",
		Short: "Download a backup artifact",
		Long: "Download a backup artifact by key. Fetched artifacts " +
			"are pinned in the local cache; a repeated fetch is " +
			"served from the cache without touching the network.",
		Args: cobra.ExactArgs(1),
		Run: func(cmd *cobra.Command, args []string) {
			a, logger := appFromCommand(cmd)
			defer a.Close()
			fetchRun(a, logger, args[0], outDir)
		},
	}
	cmd.Flags().
		StringVarP(&outDir, "out", "o", "", "directory to save the artifact in (defaults to the configured download dir)")
	return cmd
}

func fetchRun(a *app, logger *slog.Logger, artifactKey, outDir string) {
	ctx, stop := signal.NotifyContext(
		context.Background(),
		syscall.SIGINT,
		syscall.SIGTERM,
	)
	defer stop()

	if outDir == "" {
		outDir = a.cfg.DownloadDir
		if outDir == "" {
			outDir = "."
		}
	}
	destPath := filepath.Join(outDir, filepath.Base(artifactKey))

	cache, err := artifact.NewCache(a.cfg.DataDir, logger)
	if err != nil {
		slog.Error(err.Error())
		os.Exit(1)
	}
	defer cache.Close()

	if cached, err := cache.Has(artifactKey); err == nil && cached {
		if err := os.MkdirAll(outDir, 0o750); err != nil {
			slog.Error(err.Error())
			os.Exit(1)
		}
		if err := cache.WriteTo(artifactKey, destPath); err != nil {
			slog.Error(err.Error())
			os.Exit(1)
		}
		fmt.Printf("fetched %s from cache: %s\n", artifactKey, destPath)
		return
	}

	signed, err := a.gateway.SignArtifactURL(ctx, artifactKey)
	if err != nil {
		slog.Error(err.Error())
		os.Exit(1)
	}
	path, err := artifact.Download(ctx, artifact.DownloadConfig{
		URL:      signed.URL,
		DestDir:  outDir,
		Filename: filepath.Base(artifactKey),
		Logger:   logger,
		OnProgress: func(p artifact.Progress) {
			logger.Info(
				"downloading artifact",
				"component", programName,
				"artifact_key", artifactKey,
				"percent", int(p.Percent),
				"bytes", p.BytesDownloaded,
			)
		},
	})
	if err != nil {
		slog.Error(err.Error())
		os.Exit(1)
	}
	if err := cache.PinFile(artifactKey, path); err != nil {
		logger.Warn(
			"pinning artifact in cache",
			"component", programName,
			"artifact_key", artifactKey,
			"error", err,
		)
	}
	fmt.Printf("fetched %s: %s\n", artifactKey, path)
}
