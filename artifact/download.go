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

// Package artifact downloads backup archives from signed URLs and
// optionally pins them into a local cache for offline re-download.
package artifact

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"
)

// Progress reports download progress to a callback.
type Progress struct {
	BytesDownloaded int64
	TotalBytes      int64
	Percent         float64
	BytesPerSecond  float64
}

// ProgressFunc is invoked periodically during a download.
type ProgressFunc func(Progress)

// DownloadConfig configures a backup archive download.
type DownloadConfig struct {
	// URL is the signed download URL.
	URL string
	// DestDir is where the archive is saved.
	DestDir string
	// Filename names the downloaded file. When empty it is
	// derived from the URL path.
	Filename string
	// ExpectedSize, when > 0, is verified against the downloaded
	// file size.
	ExpectedSize int64
	Logger       *slog.Logger
	OnProgress   ProgressFunc
	// HTTPClient overrides the default client, mainly for tests.
	HTTPClient *http.Client
}

// progressWriter tracks bytes written and reports progress at most
// twice a second.
type progressWriter struct {
	writer      io.Writer
	total       int64
	written     int64
	startOffset int64
	startTime   time.Time
	onProgress  ProgressFunc
	lastReport  time.Time
}

func (pw *progressWriter) Write(p []byte) (int, error) {
	n, err := pw.writer.Write(p)
	pw.written += int64(n)
	now := time.Now()
	if pw.onProgress != nil &&
		now.Sub(pw.lastReport) >= 500*time.Millisecond {
		pw.onProgress(pw.snapshot(now))
		pw.lastReport = now
	}
	return n, err
}

func (pw *progressWriter) snapshot(now time.Time) Progress {
	var pct float64
	if pw.total > 0 {
		pct = float64(pw.written) / float64(pw.total) * 100
	}
	var speed float64
	if elapsed := now.Sub(pw.startTime).Seconds(); elapsed > 0 {
		speed = float64(pw.written-pw.startOffset) / elapsed
	}
	return Progress{
		BytesDownloaded: pw.written,
		TotalBytes:      pw.total,
		Percent:         pct,
		BytesPerSecond:  speed,
	}
}

// parseContentRangeStart extracts the start offset from a
// Content-Range header ("bytes START-END/TOTAL"). Returns -1 when
// the header is missing or malformed.
func parseContentRangeStart(header string) int64 {
	after, found := strings.CutPrefix(header, "bytes ")
	if !found {
		return -1
	}
	dashIdx := strings.IndexByte(after, '-')
	if dashIdx < 1 {
		return -1
	}
	start, err := strconv.ParseInt(after[:dashIdx], 10, 64)
	if err != nil {
		return -1
	}
	return start
}

// parseContentRangeTotal extracts the total size from a
// Content-Range header, handling both "bytes START-END/TOTAL" and
// the 416 form "bytes */TOTAL". Returns -1 when unknown.
func parseContentRangeTotal(header string) int64 {
	after, found := strings.CutPrefix(header, "bytes ")
	if !found {
		return -1
	}
	slashIdx := strings.IndexByte(after, '/')
	if slashIdx < 0 {
		return -1
	}
	totalStr := after[slashIdx+1:]
	if totalStr == "*" || totalStr == "" {
		return -1
	}
	total, err := strconv.ParseInt(totalStr, 10, 64)
	if err != nil {
		return -1
	}
	return total
}

// httpsOnlyRedirect refuses redirects that downgrade to plain
// HTTP. Signed URLs regularly redirect within the storage
// provider, so redirects themselves are expected.
func httpsOnlyRedirect(req *http.Request, via []*http.Request) error {
	if len(via) >= 10 {
		return errors.New("too many redirects")
	}
	if req.URL.Scheme != "https" &&
		len(via) > 0 &&
		via[0].URL.Scheme == "https" {
		return fmt.Errorf(
			"refusing redirect from https to %s",
			req.URL.Scheme,
		)
	}
	return nil
}

// Download fetches a backup archive, resuming a partial file via
// an HTTP Range request when one exists. It returns the path of
// the completed file.
func Download(ctx context.Context, cfg DownloadConfig) (string, error) {
	if cfg.Logger == nil {
		cfg.Logger = slog.New(
			slog.NewJSONHandler(io.Discard, nil),
		)
	}
	if cfg.URL == "" {
		return "", errors.New("download URL is empty")
	}
	if err := os.MkdirAll(cfg.DestDir, 0o750); err != nil {
		return "", fmt.Errorf("creating download directory: %w", err)
	}
	filename := filepath.Base(cfg.Filename)
	if filename == "." || filename == "/" || filename == "" {
		filename = "backup.zip"
	}
	destPath := filepath.Join(cfg.DestDir, filename)

	client := cfg.HTTPClient
	if client == nil {
		client = &http.Client{
			// No timeout: archives can be large
			CheckRedirect: httpsOnlyRedirect,
		}
	}

	// Two passes at most: a resume attempt the server rejects or
	// answers from the wrong offset falls back to one full
	// download.
	resume := true
	for range 2 {
		done, path, err := download(ctx, client, cfg, destPath, resume)
		if err != nil {
			return "", err
		}
		if done {
			return path, nil
		}
		resume = false
	}
	return "", fmt.Errorf("could not complete download of %s", destPath)
}

// download performs one download pass. It returns done=false when
// a resume attempt could not be trusted and the caller should
// retry from scratch.
func download(
	ctx context.Context,
	client *http.Client,
	cfg DownloadConfig,
	destPath string,
	resume bool,
) (bool, string, error) {
	var existingSize int64
	if resume {
		if fi, err := os.Stat(destPath); err == nil {
			existingSize = fi.Size()
		}
	}

	req, err := http.NewRequestWithContext(
		ctx,
		http.MethodGet,
		cfg.URL,
		nil,
	)
	if err != nil {
		return false, "", fmt.Errorf(
			"creating download request: %w",
			err,
		)
	}
	if existingSize > 0 {
		req.Header.Set(
			"Range",
			fmt.Sprintf("bytes=%d-", existingSize),
		)
	}
	resp, err := client.Do(req)
	if err != nil {
		return false, "", fmt.Errorf("downloading archive: %w", err)
	}
	defer resp.Body.Close()

	var totalSize int64
	var flags int
	switch resp.StatusCode {
	case http.StatusOK:
		// Full body regardless of what we asked for
		existingSize = 0
		if resp.ContentLength > 0 {
			totalSize = resp.ContentLength
		}
		flags = os.O_CREATE | os.O_WRONLY | os.O_TRUNC
	case http.StatusPartialContent:
		// Appending blindly from the wrong offset would corrupt
		// the file, so the claimed start byte must match
		start := parseContentRangeStart(
			resp.Header.Get("Content-Range"),
		)
		if start != existingSize {
			cfg.Logger.Warn(
				"resume offset mismatch, restarting download",
				"component", "artifact",
				"expected_start", existingSize,
				"actual_start", start,
			)
			return false, "", nil
		}
		if resp.ContentLength > 0 {
			totalSize = existingSize + resp.ContentLength
		}
		flags = os.O_APPEND | os.O_WRONLY
		cfg.Logger.Info(
			"resuming download",
			"component", "artifact",
			"existing_bytes", existingSize,
			"remaining_bytes", resp.ContentLength,
		)
	case http.StatusRequestedRangeNotSatisfiable:
		// Already complete, verify the size before accepting
		expected := cfg.ExpectedSize
		if expected <= 0 {
			expected = parseContentRangeTotal(
				resp.Header.Get("Content-Range"),
			)
		}
		if expected <= 0 {
			return false, "", fmt.Errorf(
				"server returned 416 without verifiable size for %s",
				destPath,
			)
		}
		fi, err := os.Stat(destPath)
		if err != nil {
			return false, "", fmt.Errorf(
				"verifying existing download: %w",
				err,
			)
		}
		if fi.Size() != expected {
			// Remove the corrupt file so the retry starts fresh
			// instead of looping on the same 416
			os.Remove(destPath)
			return false, "", nil
		}
		cfg.Logger.Info(
			"download already complete",
			"component", "artifact",
			"path", destPath,
		)
		return true, destPath, nil
	default:
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return false, "", fmt.Errorf(
			"download failed with status %d: %s",
			resp.StatusCode,
			string(body),
		)
	}

	file, err := os.OpenFile(destPath, flags, 0o640)
	if err != nil {
		return false, "", fmt.Errorf(
			"opening destination file: %w",
			err,
		)
	}
	pw := &progressWriter{
		writer:      file,
		total:       totalSize,
		written:     existingSize,
		startOffset: existingSize,
		startTime:   time.Now(),
		onProgress:  cfg.OnProgress,
	}
	if _, err := io.Copy(pw, resp.Body); err != nil {
		file.Close()
		return false, "", fmt.Errorf("writing archive data: %w", err)
	}
	// Close explicitly so flush errors (e.g. ENOSPC) surface
	if err := file.Close(); err != nil {
		return false, "", fmt.Errorf("closing download file: %w", err)
	}
	if cfg.ExpectedSize > 0 && pw.written != cfg.ExpectedSize {
		return false, "", fmt.Errorf(
			"downloaded size mismatch: got %d, want %d",
			pw.written,
			cfg.ExpectedSize,
		)
	}
	if cfg.OnProgress != nil {
		final := pw.snapshot(time.Now())
		final.Percent = 100
		cfg.OnProgress(final)
	}
	cfg.Logger.Info(
		"download complete",
		"component", "artifact",
		"path", destPath,
		"bytes", pw.written,
	)
	return true, destPath, nil
}
