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

package backup

import (
	"context"
	"fmt"
	"io"
	"path"
	"strings"

	"github.com/ManaSmart/Mana-Smart-sub002/gateway"
)

// RestoreResult is the outcome of an upload-and-merge restore. The
// overall call succeeded if the transport succeeded; individual
// sections may still have failed and are surfaced as warnings.
type RestoreResult struct {
	Sections []gateway.RestoreSectionResult
}

// Warnings returns the per-section failure messages, if any.
func (r *RestoreResult) Warnings() []string {
	var warnings []string
	for _, section := range r.Sections {
		if section.Error != "" {
			warnings = append(
				warnings,
				fmt.Sprintf("%s: %s", section.Section, section.Error),
			)
		}
	}
	return warnings
}

// allowed archive extensions for restore uploads
var restoreExtensions = map[string]bool{
	".zip": true,
	".gz":  true,
	".tgz": true,
}

// validateRestoreArchive checks the filename and size before any
// bytes go over the wire.
func validateRestoreArchive(
	filename string,
	sizeBytes int64,
	maxBytes int64,
) error {
	if filename == "" {
		return fmt.Errorf("archive filename is empty")
	}
	// The filename travels in a header and names the remote
	// upload; reject anything that could escape or confuse it
	if filename != path.Base(filename) ||
		strings.ContainsAny(filename, "\\\r\n") ||
		strings.HasPrefix(filename, ".") {
		return fmt.Errorf("unsafe archive filename %q", filename)
	}
	ext := strings.ToLower(path.Ext(filename))
	if strings.HasSuffix(strings.ToLower(filename), ".tar.gz") {
		ext = ".gz"
	}
	if !restoreExtensions[ext] {
		return fmt.Errorf(
			"unsupported archive type %q (want .zip, .tar.gz or .tgz)",
			ext,
		)
	}
	if sizeBytes < 0 {
		return fmt.Errorf("archive size is unknown")
	}
	if sizeBytes == 0 {
		return fmt.Errorf("archive is empty")
	}
	if sizeBytes > maxBytes {
		return fmt.Errorf(
			"archive is %d bytes, limit is %d",
			sizeBytes,
			maxBytes,
		)
	}
	return nil
}

// Restore validates and uploads a backup archive for an
// upload-and-merge restore. Each sub-resource (database, auth
// users, storage) is merged independently with skip-if-exists
// semantics; a failed section does not fail the call. There is no
// retry: a failed upload is reported once.
func (o *Orchestrator) Restore(
	ctx context.Context,
	filename string,
	sizeBytes int64,
	archive io.Reader,
) (*RestoreResult, error) {
	if err := validateRestoreArchive(
		filename,
		sizeBytes,
		o.config.Policy.RestoreMaxBytes,
	); err != nil {
		return nil, err
	}
	o.config.Logger.Info(
		"restore upload started",
		"component", "backup",
		"filename", filename,
		"size_bytes", sizeBytes,
	)
	resp, err := o.config.Gateway.Restore(ctx, filename, archive)
	if err != nil {
		return nil, fmt.Errorf("uploading restore archive: %w", err)
	}
	result := &RestoreResult{Sections: resp.Sections}
	for _, warning := range result.Warnings() {
		o.config.Logger.Warn(
			"restore section failed",
			"component", "backup",
			"filename", filename,
			"warning", warning,
		)
	}
	o.config.Logger.Info(
		"restore upload finished",
		"component", "backup",
		"filename", filename,
		"sections", len(result.Sections),
	)
	return result, nil
}
