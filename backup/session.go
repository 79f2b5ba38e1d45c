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
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ManaSmart/Mana-Smart-sub002/event"
	"github.com/ManaSmart/Mana-Smart-sub002/gateway"
)

// PollSession is the ephemeral state of one foreground manual
// backup, owned exclusively by the polling engine. It exists from
// dispatch until a terminal verdict, an explicit cancellation, or
// a hand-off to the background monitor.
type PollSession struct {
	orch                    *Orchestrator
	dispatchHandle          string
	attemptID               string
	attemptsMade            int
	lastKnownProgress       int
	consecutiveFullProgress int
	startedAt               time.Time
	cancelled               atomic.Bool
	cancelOnce              sync.Once
	cancelCh                chan struct{}
}

// Cancel requests cooperative cancellation. The session stops at
// its next suspension point; no further status polls are issued
// once the flag is observed. Cancel is idempotent.
func (s *PollSession) Cancel() {
	s.cancelOnce.Do(func() {
		s.cancelled.Store(true)
		close(s.cancelCh)
	})
}

// DispatchHandle returns the session's dispatch handle.
func (s *PollSession) DispatchHandle() string {
	return s.dispatchHandle
}

// RunManualBackup dispatches a backup job and polls it to a
// terminal state. It returns the signed download URL on success,
// an empty URL with nil error on a soft timeout or finalization
// stall (the background monitor takes over), ErrCancelled when the
// user cancelled, or an error describing the failure. Only one
// manual backup may be in flight at a time.
//
// The running flag is cleared on every exit path.
func (o *Orchestrator) RunManualBackup(
	ctx context.Context,
) (string, error) {
	if !o.running.CompareAndSwap(false, true) {
		return "", ErrAlreadyRunning
	}
	defer o.running.Store(false)
	if o.metrics != nil {
		o.metrics.sessionInProgress.Set(1)
		defer o.metrics.sessionInProgress.Set(0)
	}

	dispatch, err := o.config.Gateway.Dispatch(ctx)
	if err != nil {
		return "", fmt.Errorf("starting backup job: %w", err)
	}
	s := &PollSession{
		orch:              o,
		dispatchHandle:    dispatch.TaskID,
		lastKnownProgress: -1,
		startedAt:         o.config.Clock.Now(),
		cancelCh:          make(chan struct{}),
	}
	o.sessionMu.Lock()
	o.session = s
	o.sessionMu.Unlock()
	defer func() {
		o.sessionMu.Lock()
		o.session = nil
		o.sessionMu.Unlock()
	}()

	o.config.Logger.Info(
		"backup job dispatched",
		"component", "backup",
		"dispatch_handle", s.dispatchHandle,
	)
	return s.run(ctx)
}

func (s *PollSession) run(ctx context.Context) (string, error) {
	o := s.orch
	for {
		if s.cancelled.Load() {
			return s.finishCancelled(ctx)
		}
		if s.attemptsMade >= o.config.Policy.MaxPolls {
			return s.finalChecks(ctx)
		}
		s.attemptsMade++
		if o.metrics != nil {
			o.metrics.pollsTotal.Inc()
		}
		resp, err := o.config.Gateway.Status(ctx, s.dispatchHandle)
		if err != nil {
			if ctx.Err() != nil {
				return "", ctx.Err()
			}
			// Transient transport error: retry with backoff,
			// never treated as job failure
			if o.metrics != nil {
				o.metrics.transportRetries.Inc()
			}
			delay := transportBackoff(s.attemptsMade)
			o.config.Logger.Debug(
				"status query failed, retrying",
				"component", "backup",
				"dispatch_handle", s.dispatchHandle,
				"attempt", s.attemptsMade,
				"delay", delay,
				"error", err,
			)
			if err := s.sleep(ctx, delay); err != nil {
				return s.unwind(ctx, err)
			}
			continue
		}
		s.observe(resp)
		verdict := Reconcile(resp, nil)
		if verdict.Terminal() {
			// Cross-check the stored record for the most complete
			// artifact key and error text before acting
			if row := o.fetchRow(ctx, s.attemptID); row != nil {
				verdict = Reconcile(resp, row)
			}
			switch verdict.Kind {
			case VerdictSuccess:
				return s.finishSuccess(ctx, verdict)
			case VerdictFailure:
				return s.finishFailure(verdict)
			case VerdictCancelled:
				return s.finishRemoteCancelled()
			}
		}
		if resp.ProgressValue() >= 100 {
			s.consecutiveFullProgress++
			if s.consecutiveFullProgress >=
				o.config.Policy.StallThreshold {
				// Finalization stall: the job is effectively done
				// but the record store has not caught up. Never
				// surfaced as a failure.
				return s.handOff("finalization stall")
			}
		} else {
			s.consecutiveFullProgress = 0
		}
		if err := s.sleep(ctx, s.nextDelay()); err != nil {
			return s.unwind(ctx, err)
		}
	}
}

// finalChecks performs the bounded extra checks after the poll
// ceiling is reached, then declares a soft timeout and hands off.
func (s *PollSession) finalChecks(ctx context.Context) (string, error) {
	o := s.orch
	o.config.Logger.Warn(
		"poll ceiling reached, performing final checks",
		"component", "backup",
		"dispatch_handle", s.dispatchHandle,
		"polls", s.attemptsMade,
	)
	for range o.config.Policy.ExtraFinalChecks {
		if err := s.sleep(
			ctx,
			o.config.Policy.ExtraFinalCheckDelay,
		); err != nil {
			return s.unwind(ctx, err)
		}
		resp, err := o.config.Gateway.Status(ctx, s.dispatchHandle)
		if err != nil {
			if ctx.Err() != nil {
				return "", ctx.Err()
			}
			continue
		}
		s.observe(resp)
		verdict := Reconcile(resp, nil)
		if !verdict.Terminal() {
			continue
		}
		if row := o.fetchRow(ctx, s.attemptID); row != nil {
			verdict = Reconcile(resp, row)
		}
		switch verdict.Kind {
		case VerdictSuccess:
			return s.finishSuccess(ctx, verdict)
		case VerdictFailure:
			return s.finishFailure(verdict)
		case VerdictCancelled:
			return s.finishRemoteCancelled()
		}
	}
	// Soft timeout: not a failure
	return s.handOff("soft timeout")
}

// observe folds a status response into the session: it learns the
// attempt ID and advances the monotonic progress value, falling
// back to a time-elapsed estimate when the response carries no
// progress field.
func (s *PollSession) observe(resp *gateway.StatusResponse) {
	if resp.AttemptID != "" {
		s.attemptID = resp.AttemptID
	}
	progress := resp.ProgressValue()
	if progress < 0 {
		progress = s.progressEstimate()
	}
	// Clamp: displayed progress never decreases while running,
	// even when the source misbehaves or the estimate lags
	if progress > s.lastKnownProgress {
		s.lastKnownProgress = progress
		s.orch.publish(
			event.BackupProgressEventType,
			event.BackupProgressEvent{
				AttemptID: s.attemptID,
				Progress:  progress,
			},
		)
	}
}

// progressEstimate is the degraded-mode progress heuristic used
// when the status response has no progress field. It is an
// estimate only and is capped below 100 so it can never imply
// completion.
func (s *PollSession) progressEstimate() int {
	elapsed := s.orch.config.Clock.Now().Sub(s.startedAt)
	estimate := 10 + elapsed.Minutes()/15*85
	return int(min(estimate, 95))
}

// nextDelay computes the adaptive inter-poll delay. While the job
// reports full progress with a non-terminal status ("finalizing"),
// a short delay is used at first and then grown slowly so the
// status endpoint is not hammered once the job is effectively
// done.
func (s *PollSession) nextDelay() time.Duration {
	if s.consecutiveFullProgress > 0 {
		if s.consecutiveFullProgress <= 10 {
			return 1500 * time.Millisecond
		}
		extra := time.Duration(s.consecutiveFullProgress-10) *
			time.Second
		return min(1500*time.Millisecond+extra, 10*time.Second)
	}
	switch {
	case s.attemptsMade <= 20:
		return time.Second
	case s.attemptsMade <= 50:
		return 2 * time.Second
	case s.attemptsMade <= 100:
		return 5 * time.Second
	default:
		return 10 * time.Second
	}
}

// transportBackoff is the retry delay after a failed status query.
func transportBackoff(attempts int) time.Duration {
	// The exponent is clamped so the shift cannot overflow into a
	// zero delay at very large configured poll ceilings; the result
	// is capped at 10s either way.
	exp := min(attempts/10, 4)
	backoff := time.Second * (1 << exp)
	return min(backoff, 10*time.Second)
}

// sleep suspends for the given duration, re-checking the
// cancellation flag immediately before and after the wait and
// waking early when cancellation is requested.
func (s *PollSession) sleep(
	ctx context.Context,
	d time.Duration,
) error {
	if s.cancelled.Load() {
		return ErrCancelled
	}
	select {
	case <-s.orch.config.Clock.After(d):
	case <-s.cancelCh:
		return ErrCancelled
	case <-ctx.Done():
		return ctx.Err()
	}
	if s.cancelled.Load() {
		return ErrCancelled
	}
	return nil
}

// unwind maps a suspension error to the session's exit path.
func (s *PollSession) unwind(
	ctx context.Context,
	err error,
) (string, error) {
	if errors.Is(err, ErrCancelled) {
		return s.finishCancelled(ctx)
	}
	return "", err
}

// finishSuccess resolves the artifact key and signed URL and
// announces the success.
func (s *PollSession) finishSuccess(
	ctx context.Context,
	verdict Verdict,
) (string, error) {
	o := s.orch
	key := verdict.ArtifactKey
	if key == "" {
		resolved, err := o.resolveArtifactKey(ctx, s.attemptID)
		if err != nil {
			o.config.Logger.Warn(
				"artifact key lookup failed",
				"component", "backup",
				"dispatch_handle", s.dispatchHandle,
				"error", err,
			)
		}
		key = resolved
	}
	if key == "" {
		failure := Verdict{
			Kind:    VerdictFailure,
			Message: "job reported success but no artifact key was recorded",
		}
		return s.finishFailure(failure)
	}
	verdict.ArtifactKey = key
	signed, err := o.config.Gateway.SignArtifactURL(ctx, key)
	if err != nil {
		failure := Verdict{
			Kind: VerdictFailure,
			Message: fmt.Sprintf(
				"resolving download URL for %s: %v", key, err,
			),
		}
		o.announceVerdict(
			failure, s.attemptID, s.dispatchHandle, "", "poll",
		)
		return "", fmt.Errorf(
			"resolving download URL for %s: %w",
			key,
			err,
		)
	}
	o.announceVerdict(
		verdict, s.attemptID, s.dispatchHandle, signed.URL, "poll",
	)
	return signed.URL, nil
}

func (s *PollSession) finishFailure(verdict Verdict) (string, error) {
	if verdict.Message == "" {
		verdict.Message = "backup job failed for an unknown reason"
	}
	s.orch.announceVerdict(
		verdict, s.attemptID, s.dispatchHandle, "", "poll",
	)
	return "", &JobError{
		AttemptID: s.attemptID,
		Message:   verdict.Message,
	}
}

// finishRemoteCancelled handles a cancellation observed from the
// platform rather than requested locally.
func (s *PollSession) finishRemoteCancelled() (string, error) {
	s.orch.announceVerdict(
		Verdict{Kind: VerdictCancelled},
		s.attemptID, s.dispatchHandle, "", "poll",
	)
	return "", ErrCancelled
}

// finishCancelled tears down after a local cancellation request.
// The stored record is marked cancelled best-effort; a failure to
// do so is only a warning. The remote job itself is not stopped
// and may still complete and appear in history.
func (s *PollSession) finishCancelled(
	ctx context.Context,
) (string, error) {
	o := s.orch
	if s.attemptID != "" {
		if _, err := o.config.Gateway.Cancel(
			ctx,
			[]string{s.attemptID},
		); err != nil {
			o.config.Logger.Warn(
				"failed to mark attempt cancelled",
				"component", "backup",
				"attempt_id", s.attemptID,
				"error", err,
			)
		}
	}
	o.announceVerdict(
		Verdict{Kind: VerdictCancelled},
		s.attemptID, s.dispatchHandle, "", "poll",
	)
	return "", ErrCancelled
}

// handOff transfers the watch to the background monitor and
// resolves the manual flow without an error. The running flag is
// cleared by RunManualBackup's defer immediately after the monitor
// is registered, so there is no window with neither an active
// watcher nor a cleared flag.
func (s *PollSession) handOff(reason string) (string, error) {
	o := s.orch
	if o.metrics != nil {
		o.metrics.handoffsTotal.Inc()
	}
	o.config.Logger.Info(
		"handing off to background monitor",
		"component", "backup",
		"dispatch_handle", s.dispatchHandle,
		"attempt_id", s.attemptID,
		"reason", reason,
	)
	o.WatchInBackground(s.dispatchHandle, s.attemptID)
	return "", nil
}
