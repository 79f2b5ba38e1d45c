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
	"github.com/ManaSmart/Mana-Smart-sub002/gateway"
)

// VerdictKind classifies a reconciled status.
type VerdictKind int

const (
	VerdictStillRunning VerdictKind = iota
	VerdictSuccess
	VerdictFailure
	VerdictCancelled
)

func (k VerdictKind) String() string {
	switch k {
	case VerdictStillRunning:
		return "still_running"
	case VerdictSuccess:
		return "success"
	case VerdictFailure:
		return "failure"
	case VerdictCancelled:
		return "cancelled"
	default:
		return "unknown"
	}
}

// Verdict is the single authoritative outcome produced by
// reconciling a live status response against a stored attempt
// record. Exactly one of the four kinds applies.
type Verdict struct {
	Kind VerdictKind
	// ArtifactKey is set for VerdictSuccess when a key is known
	// from either source. It may be empty for a success reported
	// only by the live status; the caller then resolves the key
	// from the record store.
	ArtifactKey string
	// Message is set for VerdictFailure with the most specific
	// error text available.
	Message string
	// Progress is set for VerdictStillRunning: the live progress
	// value, or -1 when the response carried none.
	Progress int
}

// Terminal returns true for success, failure and cancelled
// verdicts.
func (v Verdict) Terminal() bool {
	return v.Kind != VerdictStillRunning
}

// Reconcile resolves a possibly-conflicting live status response
// and stored attempt record into one verdict. Either argument may
// be nil. The precedence ladder, highest first:
//
//  1. Stored record success with an artifact key wins outright;
//     the record is written by the job itself and is authoritative
//     once the job has reported anything.
//  2. Stored record still in_progress but already carrying an
//     artifact key is success: the artifact existing is conclusive
//     proof of completion even when the status field lags behind,
//     a known inconsistency in the upstream platform.
//  3. Live success.
//  4. Failure from either source, preferring the stored record's
//     error text over the transport error.
//  5. Cancelled from either source.
//  6. Otherwise still running.
//
// All watchers (the polling engine, the background monitor and the
// history tracker) share this function so they cannot disagree on
// the terminal outcome for the same attempt.
func Reconcile(
	live *gateway.StatusResponse,
	row *gateway.AttemptRecord,
) Verdict {
	if row != nil && row.ArtifactKey != "" {
		if row.Status == gateway.StatusSuccess ||
			row.Status == gateway.StatusInProgress {
			return Verdict{
				Kind:        VerdictSuccess,
				ArtifactKey: row.ArtifactKey,
			}
		}
	}
	if live != nil && live.Status == gateway.StatusSuccess {
		key := live.ArtifactKey
		if key == "" && row != nil {
			key = row.ArtifactKey
		}
		return Verdict{
			Kind:        VerdictSuccess,
			ArtifactKey: key,
		}
	}
	liveFailed := live != nil && live.Status == gateway.StatusFailed
	rowFailed := row != nil && row.Status == gateway.StatusFailed
	if liveFailed || rowFailed {
		msg := ""
		if row != nil && row.ErrorText != "" {
			msg = row.ErrorText
		} else if live != nil && live.ErrorText != "" {
			msg = live.ErrorText
		}
		return Verdict{
			Kind:    VerdictFailure,
			Message: msg,
		}
	}
	liveCancelled := live != nil && live.Status == gateway.StatusCancelled
	rowCancelled := row != nil && row.Status == gateway.StatusCancelled
	if liveCancelled || rowCancelled {
		return Verdict{Kind: VerdictCancelled}
	}
	progress := -1
	if live != nil {
		progress = live.ProgressValue()
	}
	return Verdict{
		Kind:     VerdictStillRunning,
		Progress: progress,
	}
}
