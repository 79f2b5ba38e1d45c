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

package event

const (
	// BackupCompleteEventType is published exactly once per attempt
	// when a backup resolves to success.
	BackupCompleteEventType EventType = "backup.complete"
	// BackupFailedEventType is published exactly once per attempt
	// when a backup resolves to failure.
	BackupFailedEventType EventType = "backup.failed"
	// BackupCancelledEventType is published exactly once per attempt
	// when a backup resolves to cancelled.
	BackupCancelledEventType EventType = "backup.cancelled"
	// BackupProgressEventType is published on displayed progress
	// changes for an in-flight attempt.
	BackupProgressEventType EventType = "backup.progress"
	// HistoryRefreshEventType signals that the visible history list
	// should be refetched.
	HistoryRefreshEventType EventType = "backup.history.refresh"
)

// BackupCompleteEvent carries the terminal success details for an
// attempt, including a signed download URL when one could be
// resolved.
type BackupCompleteEvent struct {
	AttemptID   string
	ArtifactKey string
	DownloadURL string
}

// BackupFailedEvent carries the terminal failure details for an
// attempt. Message holds the most specific error text available.
type BackupFailedEvent struct {
	AttemptID string
	Message   string
}

// BackupCancelledEvent marks an attempt as locally cancelled. The
// remote job may still complete and later be visible via history.
type BackupCancelledEvent struct {
	AttemptID string
}

// BackupProgressEvent carries a displayed progress update for an
// attempt.
type BackupProgressEvent struct {
	AttemptID string
	Progress  int
}

// HistoryRefreshEvent requests a refetch of the history list.
// Refetches are batched; one event may cover several attempts
// reaching a terminal state at once.
type HistoryRefreshEvent struct{}
