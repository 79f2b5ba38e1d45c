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

import "errors"

// ErrCancelled is returned when a backup flow was cancelled by the
// user. It is not a failure; callers must not present it as an
// error to the user.
var ErrCancelled = errors.New("backup cancelled")

// ErrAlreadyRunning is returned when a manual backup is requested
// while another one is still in flight.
var ErrAlreadyRunning = errors.New("a manual backup is already running")

// JobError is a terminal job failure carrying the most specific
// error text available (the stored record's error is preferred
// over the transport error).
type JobError struct {
	AttemptID string
	Message   string
}

func (e *JobError) Error() string {
	if e.Message == "" {
		return "backup job failed"
	}
	return "backup job failed: " + e.Message
}
