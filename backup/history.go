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
	"sync"
	"time"

	"github.com/ManaSmart/Mana-Smart-sub002/event"
)

// TrackedAttempt identifies one in-progress history row to animate.
type TrackedAttempt struct {
	AttemptID      string
	DispatchHandle string
}

type trackedEntry struct {
	attemptID       string
	dispatchHandle  string
	displayProgress int
}

// HistoryTracker animates progress for in-progress attempts shown
// in the history list. One shared loop serves every tracked entry;
// the loop self-terminates when nothing is left to track and
// restarts the next time entries appear.
type HistoryTracker struct {
	orch          *Orchestrator
	mu            sync.Mutex
	entries       map[string]*trackedEntry
	loopRunning   bool
	stopped       bool
	stopCh        chan struct{}
	lastRefetch   time.Time
	wantRefetch   bool
	haveRefetched bool
}

func newHistoryTracker(o *Orchestrator) *HistoryTracker {
	return &HistoryTracker{
		orch:    o,
		entries: make(map[string]*trackedEntry),
		stopCh:  make(chan struct{}),
	}
}

// SetEntries replaces the tracked set with the in-progress rows of
// the freshly rendered history list. Display progress carries over
// for attempts already tracked. Starts the shared loop when the
// set transitions from empty to nonempty.
func (t *HistoryTracker) SetEntries(attempts []TrackedAttempt) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.stopped {
		return
	}
	next := make(map[string]*trackedEntry, len(attempts))
	for _, attempt := range attempts {
		if attempt.AttemptID == "" {
			continue
		}
		if existing, ok := t.entries[attempt.AttemptID]; ok {
			next[attempt.AttemptID] = existing
			continue
		}
		next[attempt.AttemptID] = &trackedEntry{
			attemptID:      attempt.AttemptID,
			dispatchHandle: attempt.DispatchHandle,
		}
	}
	t.entries = next
	t.publishGauge()
	if len(t.entries) > 0 && !t.loopRunning {
		t.loopRunning = true
		go t.loop()
	}
}

// DisplayProgress returns the smoothed progress for an attempt and
// whether it is currently tracked.
func (t *HistoryTracker) DisplayProgress(attemptID string) (int, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	entry, ok := t.entries[attemptID]
	if !ok {
		return 0, false
	}
	return entry.displayProgress, true
}

// Tracking reports the number of entries under active tracking.
func (t *HistoryTracker) Tracking() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.entries)
}

func (t *HistoryTracker) stop() {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.stopped {
		return
	}
	t.stopped = true
	close(t.stopCh)
}

func (t *HistoryTracker) publishGauge() {
	if t.orch.metrics != nil {
		t.orch.metrics.trackedEntries.Set(float64(len(t.entries)))
	}
}

func (t *HistoryTracker) loop() {
	o := t.orch
	for {
		select {
		case <-o.config.Clock.After(o.config.Policy.TrackerInterval):
		case <-t.stopCh:
			t.mu.Lock()
			t.loopRunning = false
			t.mu.Unlock()
			return
		}
		if !t.tick(context.Background()) {
			return
		}
	}
}

// tick runs one pass over the tracked entries. Returns false when
// the loop should exit because nothing remains tracked.
func (t *HistoryTracker) tick(ctx context.Context) bool {
	o := t.orch
	t.mu.Lock()
	snapshot := make([]*trackedEntry, 0, len(t.entries))
	for _, entry := range t.entries {
		snapshot = append(snapshot, entry)
	}
	t.mu.Unlock()

	type update struct {
		attemptID string
		progress  int
		terminal  bool
	}
	updates := make([]update, 0, len(snapshot))
	for _, entry := range snapshot {
		verdict := t.classify(ctx, entry)
		switch verdict.Kind {
		case VerdictStillRunning:
			if verdict.Progress < 0 {
				continue
			}
			// Smoothing: sub-point changes and regressions are
			// dropped so the rendered value never jitters or walks
			// backwards
			if verdict.Progress-entry.displayProgress < 1 {
				continue
			}
			updates = append(updates, update{
				attemptID: entry.attemptID,
				progress:  verdict.Progress,
			})
		default:
			// Terminal. Jump the display to 100 on success so the
			// row reads as done the moment the artifact is known.
			progress := entry.displayProgress
			if verdict.Kind == VerdictSuccess {
				progress = 100
			}
			updates = append(updates, update{
				attemptID: entry.attemptID,
				progress:  progress,
				terminal:  true,
			})
			t.announce(ctx, entry, verdict)
		}
	}

	t.mu.Lock()
	sawTerminal := false
	for _, u := range updates {
		entry, ok := t.entries[u.attemptID]
		if !ok {
			continue
		}
		if u.progress > entry.displayProgress {
			entry.displayProgress = u.progress
			o.publish(
				event.BackupProgressEventType,
				event.BackupProgressEvent{
					AttemptID: u.attemptID,
					Progress:  u.progress,
				},
			)
		}
		if u.terminal {
			delete(t.entries, u.attemptID)
			sawTerminal = true
		}
	}
	if sawTerminal {
		t.wantRefetch = true
	}
	t.publishGauge()
	t.maybeRefetchLocked()
	if len(t.entries) == 0 {
		// Nothing left to animate, so no further tick will run. A
		// refetch still pending under the throttle must go out now
		// or the last terminal rows never reach the history list.
		t.flushRefetchLocked()
		t.loopRunning = false
		t.mu.Unlock()
		return false
	}
	t.mu.Unlock()
	return true
}

// classify resolves one entry's current state, record store first
// for the artifact-key short circuit, live status for progress.
func (t *HistoryTracker) classify(
	ctx context.Context,
	entry *trackedEntry,
) Verdict {
	o := t.orch
	row := o.fetchRow(ctx, entry.attemptID)
	if entry.dispatchHandle == "" {
		return Reconcile(nil, row)
	}
	resp, err := o.config.Gateway.Status(ctx, entry.dispatchHandle)
	if err != nil {
		o.config.Logger.Debug(
			"tracker status query failed",
			"component", "backup",
			"attempt_id", entry.attemptID,
			"error", err,
		)
		return Reconcile(nil, row)
	}
	return Reconcile(resp, row)
}

func (t *HistoryTracker) announce(
	ctx context.Context,
	entry *trackedEntry,
	verdict Verdict,
) {
	o := t.orch
	downloadURL := ""
	if verdict.Kind == VerdictSuccess && verdict.ArtifactKey != "" {
		signed, err := o.config.Gateway.SignArtifactURL(
			ctx,
			verdict.ArtifactKey,
		)
		if err == nil {
			downloadURL = signed.URL
		}
	}
	o.announceVerdict(
		verdict,
		entry.attemptID,
		entry.dispatchHandle,
		downloadURL,
		"tracker",
	)
}

// maybeRefetchLocked emits a single history refetch request for
// however many entries went terminal, spaced at least by the
// throttle window. The throttle delays delivery, it never drops
// it: a suppressed refetch stays pending until a later tick or
// the loop's final flush sends it. Callers hold t.mu.
func (t *HistoryTracker) maybeRefetchLocked() {
	if !t.wantRefetch {
		return
	}
	o := t.orch
	if t.haveRefetched &&
		o.config.Clock.Now().Sub(t.lastRefetch) <
			o.config.Policy.RefetchThrottle {
		return
	}
	t.flushRefetchLocked()
}

// flushRefetchLocked sends a pending refetch request regardless of
// the throttle window. Callers hold t.mu.
func (t *HistoryTracker) flushRefetchLocked() {
	if !t.wantRefetch {
		return
	}
	o := t.orch
	t.wantRefetch = false
	t.haveRefetched = true
	t.lastRefetch = o.config.Clock.Now()
	if o.metrics != nil {
		o.metrics.refetchesTotal.Inc()
	}
	o.publish(
		event.HistoryRefreshEventType,
		event.HistoryRefreshEvent{},
	)
}
