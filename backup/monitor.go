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

	"github.com/ManaSmart/Mana-Smart-sub002/gateway"
)

// Watch is a detached background monitor for one dispatched backup
// job. It outlives the foreground interaction that created it and
// keeps checking until the job resolves, its check budget runs
// out, or it is stopped.
type Watch struct {
	orch           *Orchestrator
	dispatchHandle string
	attemptID      string
	checks         int
	stopOnce       sync.Once
	stopCh         chan struct{}
	done           chan struct{}
}

// WatchInBackground registers a background monitor for the given
// dispatch handle and starts it. At most one monitor runs per
// handle; if one is already registered it is returned unchanged,
// so a duplicate hand-off can never double-announce.
func (o *Orchestrator) WatchInBackground(
	dispatchHandle string,
	attemptID string,
) *Watch {
	o.watchMu.Lock()
	if w, ok := o.watches[dispatchHandle]; ok {
		o.watchMu.Unlock()
		return w
	}
	w := &Watch{
		orch:           o,
		dispatchHandle: dispatchHandle,
		attemptID:      attemptID,
		stopCh:         make(chan struct{}),
		done:           make(chan struct{}),
	}
	o.watches[dispatchHandle] = w
	o.watchMu.Unlock()
	if o.metrics != nil {
		o.metrics.activeMonitors.Inc()
	}
	o.config.Logger.Info(
		"background monitor started",
		"component", "backup",
		"dispatch_handle", dispatchHandle,
		"attempt_id", attemptID,
	)
	go w.run()
	return w
}

// Stop halts the watch. Idempotent and safe to call from any
// goroutine; a check already in flight finishes but the announce
// registry guarantees at-most-once notification regardless.
func (w *Watch) Stop() {
	w.stopOnce.Do(func() {
		close(w.stopCh)
	})
}

// Done is closed when the watch goroutine has exited.
func (w *Watch) Done() <-chan struct{} {
	return w.done
}

func (w *Watch) run() {
	o := w.orch
	defer func() {
		o.watchMu.Lock()
		delete(o.watches, w.dispatchHandle)
		o.watchMu.Unlock()
		if o.metrics != nil {
			o.metrics.activeMonitors.Dec()
		}
		close(w.done)
	}()
	ctx := context.Background()
	for w.checks < o.config.Policy.MonitorMaxChecks {
		select {
		case <-o.config.Clock.After(o.config.Policy.MonitorInterval):
		case <-w.stopCh:
			return
		}
		w.checks++
		if w.check(ctx) {
			return
		}
	}
	// Budget exhausted: the job's fate stays unknown and the user
	// is never shown a spurious failure. History remains the
	// source of truth.
	o.config.Logger.Warn(
		"background monitor gave up",
		"component", "backup",
		"dispatch_handle", w.dispatchHandle,
		"attempt_id", w.attemptID,
		"checks", w.checks,
	)
}

// check performs one monitor iteration. The stored record is
// consulted first since the live job signal usually disappears
// shortly after completion; the live status query is only a
// fallback for learning the attempt ID and catching early
// terminal transitions. Returns true when the watch is finished.
func (w *Watch) check(ctx context.Context) bool {
	o := w.orch
	var row *gateway.AttemptRecord
	if w.attemptID != "" {
		row = o.fetchRow(ctx, w.attemptID)
	}
	if row != nil {
		verdict := Reconcile(nil, row)
		if verdict.Terminal() {
			w.finish(ctx, verdict)
			return true
		}
		// Residual stale-record case: the artifact exists but the
		// stored status never left pending. Give the platform time
		// to finalize on its own, then patch the record.
		if row.ArtifactKey != "" &&
			w.checks >= o.config.Policy.MonitorSelfHealAfter {
			return w.selfHeal(ctx, row)
		}
	}
	resp, err := o.config.Gateway.Status(ctx, w.dispatchHandle)
	if err != nil {
		o.config.Logger.Debug(
			"monitor status query failed",
			"component", "backup",
			"dispatch_handle", w.dispatchHandle,
			"error", err,
		)
		return false
	}
	if resp.AttemptID != "" {
		w.attemptID = resp.AttemptID
	}
	verdict := Reconcile(resp, row)
	if !verdict.Terminal() {
		return false
	}
	w.finish(ctx, verdict)
	return true
}

// selfHeal patches a record whose artifact exists but whose status
// never flipped to success, then announces the success. The write
// is best-effort: a patch failure keeps the watch alive so the
// patch is retried on the next check. Returns true when the watch
// is finished.
func (w *Watch) selfHeal(
	ctx context.Context,
	row *gateway.AttemptRecord,
) bool {
	o := w.orch
	status := gateway.StatusSuccess
	if _, err := o.config.Records.UpdateAttempt(
		ctx,
		row.ID,
		gateway.AttemptPatch{Status: &status},
	); err != nil {
		o.config.Logger.Warn(
			"self-heal patch failed",
			"component", "backup",
			"attempt_id", row.ID,
			"error", err,
		)
		return false
	}
	if o.metrics != nil {
		o.metrics.selfHealsTotal.Inc()
	}
	o.config.Logger.Info(
		"self-healed stale attempt record",
		"component", "backup",
		"attempt_id", row.ID,
		"artifact_key", row.ArtifactKey,
		"checks", w.checks,
	)
	w.finish(ctx, Verdict{
		Kind:        VerdictSuccess,
		ArtifactKey: row.ArtifactKey,
	})
	return true
}

// finish resolves the download URL for successes and routes the
// verdict through the announce-once registry.
func (w *Watch) finish(ctx context.Context, verdict Verdict) {
	o := w.orch
	downloadURL := ""
	if verdict.Kind == VerdictSuccess && verdict.ArtifactKey != "" {
		signed, err := o.config.Gateway.SignArtifactURL(
			ctx,
			verdict.ArtifactKey,
		)
		if err != nil {
			o.config.Logger.Warn(
				"monitor could not sign download URL",
				"component", "backup",
				"artifact_key", verdict.ArtifactKey,
				"error", err,
			)
		} else {
			downloadURL = signed.URL
		}
	}
	select {
	case <-w.stopCh:
		// Stopped between the check firing and the announce; stay
		// silent.
		return
	default:
	}
	o.announceVerdict(
		verdict,
		w.attemptID,
		w.dispatchHandle,
		downloadURL,
		"monitor",
	)
}
